// Package api contains the HTTP handlers and routing for the payment service.
package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ticketeer/ticketeer-payments/internal/domain"
	"github.com/ticketeer/ticketeer-payments/internal/payment"
	"github.com/ticketeer/ticketeer-payments/internal/reconcile"
	"github.com/ticketeer/ticketeer-payments/internal/signing"
	"github.com/ticketeer/ticketeer-payments/internal/sofort"
)

// Handler contains the HTTP handlers for the payment API.
type Handler struct {
	payments         *payment.Service
	engine           *reconcile.Engine
	store            domain.PaymentStore
	orders           domain.OrderDirectory
	signer           *signing.Signer
	orderURLTemplate string
	log              *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(payments *payment.Service, engine *reconcile.Engine, store domain.PaymentStore,
	orders domain.OrderDirectory, signer *signing.Signer, orderURLTemplate string, log *zap.Logger) *Handler {
	return &Handler{
		payments:         payments,
		engine:           engine,
		store:            store,
		orders:           orders,
		signer:           signer,
		orderURLTemplate: orderURLTemplate,
		log:              log,
	}
}

// CheckoutRequest represents the JSON body for the checkout endpoint.
type CheckoutRequest struct {
	OrderCode     string `json:"order_code" binding:"required"`
	IframeSession bool   `json:"iframe_session"`
}

// CheckoutResponse represents the response from the checkout endpoint.
type CheckoutResponse struct {
	Success     bool   `json:"success"`
	PaymentID   string `json:"payment_id,omitempty"`
	Reference   string `json:"reference,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

// RefundRequest represents the JSON body for the refund endpoint.
type RefundRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

// CreateCheckout handles POST /api/v1/payments/checkout
// Initiates a vendor transaction and returns the redirect URL.
func (h *Handler) CreateCheckout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Success: false,
			Error:   "Invalid request body: " + err.Error(),
			Code:    "VALIDATION_ERROR",
		})
		return
	}

	result, err := h.payments.CreateCheckout(c.Request.Context(), payment.CheckoutRequest{
		OrderCode:     req.OrderCode,
		IframeSession: req.IframeSession,
	})
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, CheckoutResponse{
		Success:     true,
		PaymentID:   result.PaymentID,
		Reference:   result.Reference,
		RedirectURL: result.RedirectURL,
	})
}

// InitiateRefund handles POST /api/v1/payments/:payment/refund
func (h *Handler) InitiateRefund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Success: false,
			Error:   "Invalid request body: " + err.Error(),
			Code:    "VALIDATION_ERROR",
		})
		return
	}

	if err := h.payments.InitiateRefund(c.Request.Context(), c.Param("payment"), req.Amount); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// HandleWebhook handles POST /webhooks/sofort
// The body is a vendor status notification carrying only a transaction
// reference; the engine re-fetches the authoritative status itself. A
// processing failure answers 5xx so the vendor redelivers later.
func (h *Handler) HandleWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.String(http.StatusBadRequest, "unreadable body")
		return
	}

	sn, err := sofort.ParseStatusNotification(body)
	if err != nil {
		h.log.Warn("undecodable webhook body", zap.Error(err))
		c.String(http.StatusBadRequest, "invalid notification")
		return
	}

	_, err = h.engine.Reconcile(c.Request.Context(), sn.Transaction)
	if errors.Is(err, domain.ErrTransactionNotFound) {
		// Same response for unknown and malformed references: the endpoint
		// must not leak whether a reference format is valid.
		c.String(http.StatusNotFound, "unknown transaction")
		return
	}
	if err != nil {
		h.log.Error("webhook reconciliation failed",
			zap.String("reference", sn.Transaction), zap.Error(err))
		c.String(http.StatusInternalServerError, "processing failed")
		return
	}
	c.String(http.StatusOK, "OK")
}

// HandleReturn handles GET /return/:order/:hash/
// The browser lands here after the hosted payment flow. Parameters are
// attacker-visible, so nothing in them is trusted: the order hash gates
// access, the reference must be registered against the order, and the
// engine re-fetches the status from the vendor regardless.
func (h *Handler) HandleReturn(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("order"))
	if err != nil {
		// Decoy comparison so the not-found path costs the same as a hash
		// mismatch, avoiding a timing oracle for order existence.
		decoySecretCompare(c.Param("hash"))
		c.String(http.StatusNotFound, "not found")
		return
	}
	if !secretHashMatches(order.Secret, c.Param("hash")) {
		c.String(http.StatusNotFound, "not found")
		return
	}

	if state := c.Query("state"); state == "abort" || state == "timeout" {
		h.redirectToOrder(c, order, "canceled")
		return
	}
	if order.Status == domain.OrderPaid {
		h.redirectToOrder(c, order, "paid")
		return
	}

	reference := c.Query("transaction")
	ok, err := h.store.ReferenceBelongsToOrder(c.Request.Context(), reference, order.Code)
	if err != nil || !ok {
		h.redirectToOrder(c, order, "error")
		return
	}

	outcome, err := h.engine.Reconcile(c.Request.Context(), reference)
	if err != nil {
		h.log.Error("return reconciliation failed",
			zap.String("order", order.Code), zap.Error(err))
		h.redirectToOrder(c, order, "failed")
		return
	}
	h.redirectToOrder(c, order, outcomeStatus(outcome))
}

// HandleRedirect handles GET /redirect/?data=...
// The bridge completes a cross-origin iframe checkout: the first hop
// serves a top-level self-redirect carrying the token forward, the second
// hop (marked by go=1) primes the session cookies and only then issues
// the real redirect, so cookies negotiated here are available after
// landing.
func (h *Handler) HandleRedirect(c *gin.Context) {
	raw := c.Query("data")
	payload, err := h.signer.Verify(raw)
	if err != nil {
		c.String(http.StatusBadRequest, "Invalid parameter")
		return
	}

	if c.Query("go") == "" {
		target := c.Request.URL.Path + "?data=" + url.QueryEscape(raw) + "&go=1"
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.String(http.StatusOK, redirectPage(target))
		return
	}

	for k, v := range payload.Session {
		c.SetCookie(k, v, 3600, "/", "", true, true)
	}
	c.Redirect(http.StatusFound, payload.URL)
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "ticketeer-payments",
	})
}

func (h *Handler) redirectToOrder(c *gin.Context, order *domain.Order, status string) {
	target := strings.NewReplacer(
		"{code}", url.PathEscape(order.Code),
		"{secret}", url.PathEscape(order.Secret),
	).Replace(h.orderURLTemplate)
	if status != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + "payment=" + url.QueryEscape(status)
	}
	c.Redirect(http.StatusFound, target)
}

func outcomeStatus(o reconcile.Outcome) string {
	switch o {
	case reconcile.OutcomeConfirmed:
		return "paid"
	case reconcile.OutcomeStillInitiating:
		return "processing"
	case reconcile.OutcomeCapacityConflict:
		return "oversold"
	case reconcile.OutcomeRefunded:
		return "refunded"
	default:
		return "failed"
	}
}

// handleServiceError maps domain errors to HTTP responses.
func (h *Handler) handleServiceError(c *gin.Context, err error) {
	var paymentErr *domain.PaymentError
	if errors.As(err, &paymentErr) {
		statusCode := http.StatusInternalServerError

		switch {
		case errors.Is(paymentErr.Err, domain.ErrOrderNotFound):
			statusCode = http.StatusNotFound
		case errors.Is(paymentErr.Err, domain.ErrInvalidRefund):
			statusCode = http.StatusBadRequest
		case errors.Is(paymentErr.Err, domain.ErrCoreAPIError):
			statusCode = http.StatusBadGateway
		case paymentErr.Code == "VENDOR_ERROR" || paymentErr.Code == "VENDOR_COMM_ERROR":
			statusCode = http.StatusBadGateway
		case paymentErr.Code == "VALIDATION_ERROR":
			statusCode = http.StatusBadRequest
		}

		c.JSON(statusCode, ErrorResponse{
			Success: false,
			Error:   paymentErr.Message,
			Code:    paymentErr.Code,
		})
		return
	}

	if errors.Is(err, domain.ErrTransactionNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Success: false,
			Error:   "payment not found",
			Code:    "PAYMENT_NOT_FOUND",
		})
		return
	}

	h.log.Error("unhandled service error", zap.Error(err))
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Success: false,
		Error:   "Internal server error",
		Code:    "INTERNAL_ERROR",
	})
}

func secretHashMatches(secret, providedHash string) bool {
	expected := payment.OrderSecretHash(secret)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(providedHash))) == 1
}

func decoySecretCompare(providedHash string) {
	expected := payment.OrderSecretHash("decoy-order-secret")
	subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(providedHash)))
}

func redirectPage(target string) string {
	escaped := html.EscapeString(target)
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta http-equiv="refresh" content="0;url=%s"></head>
<body><a href="%s">Continue to payment</a></body>
</html>`, escaped, escaped)
}
