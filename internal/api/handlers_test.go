package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ticketeer/ticketeer-payments/internal/api"
	"github.com/ticketeer/ticketeer-payments/internal/domain"
	"github.com/ticketeer/ticketeer-payments/internal/payment"
	"github.com/ticketeer/ticketeer-payments/internal/reconcile"
	"github.com/ticketeer/ticketeer-payments/internal/signing"
)

const (
	testReference = "99999-53245-5483-4891"
	serviceToken  = "svc-token"
	orderSecret   = "Z3TPfvLb2HJW8oVq"
)

type fakeVendor struct {
	snap     *domain.TransactionSnapshot
	fetchErr error
}

func (f *fakeVendor) InitiateTransaction(ctx context.Context, req domain.InitiationRequest) (*domain.InitiationResult, error) {
	return &domain.InitiationResult{
		Reference:  testReference,
		PaymentURL: "https://www.sofort.com/payment/go/136b2012718da",
	}, nil
}

func (f *fakeVendor) FetchTransactionDetails(ctx context.Context, reference string) (*domain.TransactionSnapshot, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.snap, nil
}

func (f *fakeVendor) SendRefund(ctx context.Context, instr domain.RefundInstruction) error {
	return nil
}

type fakeStore struct {
	payments map[string]*domain.Payment
	byRef    map[string]string
}

func newFakeStore(payments ...*domain.Payment) *fakeStore {
	s := &fakeStore{payments: map[string]*domain.Payment{}, byRef: map[string]string{}}
	for _, p := range payments {
		s.payments[p.ID] = p
		s.byRef[p.Reference] = p.ID
	}
	return s
}

func (s *fakeStore) CreatePayment(ctx context.Context, p *domain.Payment) error {
	s.payments[p.ID] = p
	s.byRef[p.Reference] = p.ID
	return nil
}

func (s *fakeStore) PaymentByID(ctx context.Context, id string) (*domain.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return p, nil
}

func (s *fakeStore) PaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	id, ok := s.byRef[reference]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return s.payments[id], nil
}

func (s *fakeStore) ReferenceBelongsToOrder(ctx context.Context, reference, orderCode string) (bool, error) {
	id, ok := s.byRef[reference]
	return ok && s.payments[id].OrderCode == orderCode, nil
}

func (s *fakeStore) SaveSnapshot(ctx context.Context, paymentID string, info []byte) error {
	s.payments[paymentID].Info = info
	return nil
}

func (s *fakeStore) TransitionState(ctx context.Context, paymentID string, from []domain.PaymentState, to domain.PaymentState) (bool, error) {
	p := s.payments[paymentID]
	for _, st := range from {
		if p.State == st {
			p.State = to
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) ApplyRefundDelta(ctx context.Context, paymentID string, vendorRefunded decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (s *fakeStore) RecordRefund(ctx context.Context, r *domain.RefundRecord) error { return nil }

func (s *fakeStore) CreateManualAction(ctx context.Context, orderCode string, kind domain.ActionKind, payload []byte) (bool, error) {
	return true, nil
}

func (s *fakeStore) AppendAuditEvent(ctx context.Context, reference, eventType string, payload []byte) error {
	return nil
}

type fakeCore struct {
	order      *domain.Order
	confirmErr error
}

func (c *fakeCore) GetOrder(ctx context.Context, code string) (*domain.Order, error) {
	if c.order == nil || c.order.Code != code {
		return nil, domain.ErrOrderNotFound
	}
	return c.order, nil
}

func (c *fakeCore) ConfirmPayment(ctx context.Context, orderCode, paymentID string) error {
	return c.confirmErr
}

func (c *fakeCore) ReopenOrder(ctx context.Context, orderCode string) error { return nil }

type fakeEvents struct{}

func (fakeEvents) Publish(ctx context.Context, ev domain.PaymentEvent) error { return nil }

type fixture struct {
	vendor *fakeVendor
	store  *fakeStore
	core   *fakeCore
	signer *signing.Signer
	router http.Handler
}

func newFixture(t *testing.T, payments ...*domain.Payment) *fixture {
	t.Helper()
	f := &fixture{
		vendor: &fakeVendor{snap: receivedSnapshot()},
		store:  newFakeStore(payments...),
		core: &fakeCore{order: &domain.Order{
			Code:      "ABC12",
			Secret:    orderSecret,
			Status:    domain.OrderPending,
			Total:     decimal.RequireFromString("42.23"),
			AmountDue: decimal.RequireFromString("42.23"),
			Currency:  "EUR",
		}},
		signer: signing.New("service-secret", signing.RedirectSalt),
	}
	log := zap.NewNop()
	engine := reconcile.New(f.vendor, f.store, f.core, fakeEvents{}, log, reconcile.RevertWhenDue)
	svc := payment.NewService(f.vendor, f.store, f.core, f.signer, "https://pay.example.com", log)
	handler := api.NewHandler(svc, engine, f.store, f.core, f.signer,
		"https://tickets.example.com/order/{code}/{secret}/", log)
	f.router = api.SetupRouter(handler, "test", serviceToken)
	return f
}

func receivedSnapshot() *domain.TransactionSnapshot {
	return &domain.TransactionSnapshot{
		Reference:      testReference,
		Status:         domain.StatusReceived,
		Amount:         decimal.RequireFromString("42.23"),
		AmountRefunded: decimal.Zero,
		Currency:       "EUR",
		Details:        []byte(`{"status":"received"}`),
	}
}

func createdPayment() *domain.Payment {
	return &domain.Payment{
		ID:        "pay-1",
		OrderCode: "ABC12",
		Reference: testReference,
		State:     domain.PaymentCreated,
		Amount:    decimal.RequireFromString("42.23"),
		Currency:  "EUR",
	}
}

func returnPath() string {
	return "/return/ABC12/" + payment.OrderSecretHash(orderSecret) + "/"
}

func statusNotification() string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<status_notification>
  <transaction>` + testReference + `</transaction>
  <time>2026-08-30T11:32:04+02:00</time>
</status_notification>`
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCheckoutRequiresServiceToken(t *testing.T) {
	f := newFixture(t)
	body := `{"order_code":"ABC12"}`

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/payments/checkout", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/checkout", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong-token")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCheckout(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/checkout",
		strings.NewReader(`{"order_code":"ABC12"}`))
	req.Header.Set("Authorization", "Bearer "+serviceToken)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Success     bool   `json:"success"`
		PaymentID   string `json:"payment_id"`
		Reference   string `json:"reference"`
		RedirectURL string `json:"redirect_url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, testReference, resp.Reference)
	assert.Equal(t, "https://www.sofort.com/payment/go/136b2012718da", resp.RedirectURL)

	_, err := f.store.PaymentByID(context.Background(), resp.PaymentID)
	assert.NoError(t, err)
}

func TestCheckoutValidation(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/checkout", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+serviceToken)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckoutUnknownOrder(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/checkout",
		strings.NewReader(`{"order_code":"NOPE1"}`))
	req.Header.Set("Authorization", "Bearer "+serviceToken)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookConfirmsPayment(t *testing.T) {
	f := newFixture(t, createdPayment())

	req := httptest.NewRequest(http.MethodPost, "/webhooks/sofort", strings.NewReader(statusNotification()))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	assert.Equal(t, domain.PaymentConfirmed, f.store.payments["pay-1"].State)
}

func TestWebhookIgnoresSpoofedStatus(t *testing.T) {
	// The body claims nothing about the status, and even a known reference
	// only triggers a vendor fetch; here the vendor still says loss.
	f := newFixture(t, createdPayment())
	f.vendor.snap = &domain.TransactionSnapshot{
		Reference: testReference,
		Status:    domain.StatusLoss,
		Amount:    decimal.RequireFromString("42.23"),
		Currency:  "EUR",
		Details:   []byte(`{"status":"loss"}`),
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/sofort", strings.NewReader(statusNotification()))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.PaymentFailed, f.store.payments["pay-1"].State,
		"the vendor's answer wins, not the delivered body")
}

func TestWebhookUnknownReference(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/sofort", strings.NewReader(statusNotification()))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookMalformedBody(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/sofort", strings.NewReader("not xml"))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookAnswersServerErrorForRedelivery(t *testing.T) {
	f := newFixture(t, createdPayment())
	f.vendor.fetchErr = &domain.TransportError{Kind: domain.TransportServerSide, StatusCode: 502}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/sofort", strings.NewReader(statusNotification()))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code,
		"a 5xx makes the vendor redeliver the notification")
}

func TestReturnRejectsWrongHash(t *testing.T) {
	f := newFixture(t, createdPayment())

	req := httptest.NewRequest(http.MethodGet, "/return/ABC12/0000000000000000000000000000000000000000/", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, domain.PaymentCreated, f.store.payments["pay-1"].State)
}

func TestReturnRejectsUnknownOrder(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet,
		"/return/ZZZ99/"+payment.OrderSecretHash(orderSecret)+"/", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReturnAbortShortCircuits(t *testing.T) {
	f := newFixture(t, createdPayment())

	req := httptest.NewRequest(http.MethodGet,
		returnPath()+"?state=abort&transaction="+testReference, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusFound, w.Code)
	loc := w.Header().Get("Location")
	assert.Contains(t, loc, "https://tickets.example.com/order/ABC12/"+orderSecret+"/")
	assert.Contains(t, loc, "payment=canceled")
	assert.Equal(t, domain.PaymentCreated, f.store.payments["pay-1"].State,
		"abort is user feedback only, no reconciliation happens")
}

func TestReturnPaidOrderShortCircuits(t *testing.T) {
	f := newFixture(t, createdPayment())
	f.core.order.Status = domain.OrderPaid

	req := httptest.NewRequest(http.MethodGet,
		returnPath()+"?state=success&transaction="+testReference, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Contains(t, w.Header().Get("Location"), "payment=paid")
}

func TestReturnRejectsForeignReference(t *testing.T) {
	f := newFixture(t, createdPayment())

	req := httptest.NewRequest(http.MethodGet,
		returnPath()+"?state=success&transaction=11111-11111-1111-1111", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Contains(t, w.Header().Get("Location"), "payment=error")
	assert.Equal(t, domain.PaymentCreated, f.store.payments["pay-1"].State)
}

func TestReturnReconcilesAndRedirects(t *testing.T) {
	f := newFixture(t, createdPayment())

	req := httptest.NewRequest(http.MethodGet,
		returnPath()+"?state=success&transaction="+testReference, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Contains(t, w.Header().Get("Location"), "payment=paid")
	assert.Equal(t, domain.PaymentConfirmed, f.store.payments["pay-1"].State)
}

func TestReturnCapacityConflict(t *testing.T) {
	f := newFixture(t, createdPayment())
	f.core.confirmErr = domain.ErrCapacityConflict

	req := httptest.NewRequest(http.MethodGet,
		returnPath()+"?state=success&transaction="+testReference, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Contains(t, w.Header().Get("Location"), "payment=oversold")
}

func TestRedirectRejectsInvalidToken(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/redirect/?data=tampered.token", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid parameter")
}

func TestRedirectBridge(t *testing.T) {
	f := newFixture(t)
	token, err := f.signer.Sign(signing.Payload{
		URL:     "https://www.sofort.com/payment/go/136b2012718da",
		Session: map[string]string{payment.SessionOrderSecret: orderSecret},
	})
	require.NoError(t, err)

	// First hop breaks out of the iframe with a top-level self-redirect.
	req := httptest.NewRequest(http.MethodGet, "/redirect/?data="+url.QueryEscape(token), nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "go=1")

	// Second hop primes the session cookie and redirects to the target.
	req = httptest.NewRequest(http.MethodGet, "/redirect/?data="+url.QueryEscape(token)+"&go=1", nil)
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://www.sofort.com/payment/go/136b2012718da", w.Header().Get("Location"))

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, payment.SessionOrderSecret, cookies[0].Name)
	assert.Equal(t, orderSecret, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
}
