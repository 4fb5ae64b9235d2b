package sofort_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ticketeer/ticketeer-payments/internal/domain"
	"github.com/ticketeer/ticketeer-payments/internal/sofort"
)

func TestClientCall(t *testing.T) {
	var gotAuthUser, gotAuthPass, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuthUser, gotAuthPass, _ = r.BasicAuth()
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte("<new_transaction><transaction>123</transaction></new_transaction>"))
	}))
	defer srv.Close()

	c := sofort.NewClient(srv.URL, "162683", "s3cret", 5*time.Second)
	raw, err := c.Call(context.Background(), []byte("<multipay></multipay>"))
	require.NoError(t, err)

	assert.Equal(t, "162683", gotAuthUser)
	assert.Equal(t, "s3cret", gotAuthPass)
	assert.Equal(t, "application/xml; charset=UTF-8", gotContentType)
	assert.Equal(t, "<multipay></multipay>", string(gotBody))
	assert.Contains(t, string(raw), "<transaction>123</transaction>")
}

func TestClientCallReturns4xxBody(t *testing.T) {
	// The vendor embeds structured error documents even on some 4xx
	// responses, so the body must reach the codec untouched.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("<errors><error><message>Unauthorized request</message></error></errors>"))
	}))
	defer srv.Close()

	c := sofort.NewClient(srv.URL, "162683", "wrong", 5*time.Second)
	raw, err := c.Call(context.Background(), []byte("<multipay></multipay>"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Unauthorized request")
}

func TestClientCallServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := sofort.NewClient(srv.URL, "162683", "s3cret", 5*time.Second)
	_, err := c.Call(context.Background(), []byte("<multipay></multipay>"))

	var terr *domain.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, domain.TransportServerSide, terr.Kind)
	assert.Equal(t, http.StatusBadGateway, terr.StatusCode)
	assert.True(t, terr.Retryable())
}

func TestClientCallNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := sofort.NewClient(srv.URL, "162683", "s3cret", time.Second)
	_, err := c.Call(context.Background(), []byte("<multipay></multipay>"))

	var terr *domain.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, domain.TransportNetwork, terr.Kind)
	assert.True(t, terr.Retryable())
}

func TestAPIFetchTransactionDetailsNoDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><transactions />`))
	}))
	defer srv.Close()

	api := sofort.NewAPI(sofort.NewClient(srv.URL, "162683", "s3cret", 5*time.Second), "162683", zap.NewNop())
	_, err := api.FetchTransactionDetails(context.Background(), "99999-53245-5483-4891")
	assert.ErrorIs(t, err, domain.ErrNoDetails)
}
