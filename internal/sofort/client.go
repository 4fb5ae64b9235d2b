package sofort

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ticketeer/ticketeer-payments/internal/domain"
)

// DefaultAPIURL is the vendor's production endpoint.
const DefaultAPIURL = "https://api.sofort.com/api/xml"

// Client performs the authenticated HTTP exchange with the vendor. It
// classifies transport and server failures but never decodes bodies;
// 4xx responses are returned as-is because the vendor embeds structured
// error documents even on some of them. The client never retries:
// retry safety depends on request idempotency and is the caller's call.
type Client struct {
	url  string
	http *resty.Client
}

// NewClient creates a vendor gateway client with the fixed credential
// pair. The timeout bounds the whole round trip; a vendor call must not
// hang indefinitely.
func NewClient(apiURL, customerID, apiKey string, timeout time.Duration) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	hc := resty.New().
		SetTimeout(timeout).
		SetBasicAuth(customerID, apiKey).
		SetHeader("Content-Type", "application/xml; charset=UTF-8").
		SetHeader("Accept", "application/xml; charset=UTF-8")
	return &Client{url: apiURL, http: hc}
}

// Call posts one encoded request document and returns the raw response
// body for the codec to decode.
func (c *Client) Call(ctx context.Context, payload []byte) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post(c.url)
	if err != nil {
		return nil, &domain.TransportError{Kind: domain.TransportNetwork, Err: err}
	}
	if resp.StatusCode() >= 500 {
		return nil, &domain.TransportError{Kind: domain.TransportServerSide, StatusCode: resp.StatusCode()}
	}
	return resp.Body(), nil
}
