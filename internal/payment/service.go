// Package payment implements the core business logic for payment
// initiation and operator-triggered refunds.
package payment

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ticketeer/ticketeer-payments/internal/domain"
	"github.com/ticketeer/ticketeer-payments/internal/signing"
	"github.com/ticketeer/ticketeer-payments/internal/sofort"
)

// SessionOrderSecret is the session key smuggled across the iframe
// redirect boundary so the return endpoint can recognize the session.
const SessionOrderSecret = "sofort_order_secret"

// CheckoutRequest starts a payment for an existing order.
type CheckoutRequest struct {
	OrderCode     string
	IframeSession bool
}

// CheckoutResult is everything the host needs to send the payer onwards.
type CheckoutResult struct {
	PaymentID   string
	Reference   string
	RedirectURL string
}

// Service orchestrates checkout initiation and refund instructions. It
// fetches the order from Ticketeer Core, opens the vendor transaction and
// persists the local payment record with its reference.
type Service struct {
	vendor  domain.VendorGateway
	store   domain.PaymentStore
	orders  domain.OrderDirectory
	signer  *signing.Signer
	baseURL string
	log     *zap.Logger
}

// NewService creates a new payment service with the required dependencies.
func NewService(vendor domain.VendorGateway, store domain.PaymentStore, orders domain.OrderDirectory,
	signer *signing.Signer, baseURL string, log *zap.Logger) *Service {
	return &Service{
		vendor:  vendor,
		store:   store,
		orders:  orders,
		signer:  signer,
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     log,
	}
}

// CreateCheckout handles the checkout flow:
// 1. Fetches the order from Ticketeer Core
// 2. Opens a vendor transaction with return and webhook URLs
// 3. Persists the payment record and its transaction reference
// 4. Returns the hosted payment URL, wrapped in a signed redirect token
// when checkout runs inside a cross-origin iframe
func (s *Service) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if req.OrderCode == "" {
		return nil, domain.NewPaymentError(domain.ErrOrderNotFound,
			"order_code is required", "VALIDATION_ERROR")
	}

	order, err := s.orders.GetOrder(ctx, req.OrderCode)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return nil, domain.NewPaymentError(err,
				fmt.Sprintf("order '%s' not found", req.OrderCode), "ORDER_NOT_FOUND")
		}
		return nil, domain.NewPaymentError(domain.ErrCoreAPIError,
			"failed to fetch order", "CORE_API_ERROR")
	}

	returnURL := s.returnURL(order)
	result, err := s.vendor.InitiateTransaction(ctx, domain.InitiationRequest{
		OrderCode: order.Code,
		Amount:    order.AmountDue,
		Currency:  order.Currency,
		Reasons: []string{
			order.Code,
			sofort.TransactionPlaceholder,
		},
		SuccessURL:      returnURL + "?state=success&transaction=" + sofort.TransactionPlaceholder,
		AbortURL:        returnURL + "?state=abort&transaction=" + sofort.TransactionPlaceholder,
		TimeoutURL:      returnURL + "?state=timeout&transaction=" + sofort.TransactionPlaceholder,
		NotificationURL: s.baseURL + "/webhooks/sofort",
	})
	if err != nil {
		return nil, s.wrapVendorFailure(err, order.Code)
	}

	info, _ := json.Marshal(map[string]string{
		"transaction": result.Reference,
		"status":      "initiated",
	})
	p := &domain.Payment{
		ID:        uuid.New().String(),
		OrderCode: order.Code,
		Reference: result.Reference,
		State:     domain.PaymentCreated,
		Amount:    order.AmountDue,
		Currency:  order.Currency,
		Info:      info,
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}

	s.log.Info("checkout initiated",
		zap.String("order", order.Code),
		zap.String("reference", result.Reference),
		zap.String("amount", order.AmountDue.String()))

	redirect := result.PaymentURL
	if req.IframeSession {
		redirect, err = s.bridgeURL(result.PaymentURL, order.Secret)
		if err != nil {
			return nil, err
		}
	}
	return &CheckoutResult{
		PaymentID:   p.ID,
		Reference:   result.Reference,
		RedirectURL: redirect,
	}, nil
}

// InitiateRefund sends a refund instruction to the vendor and records it
// locally with source "initiated". A zero amount refunds the full payment.
func (s *Service) InitiateRefund(ctx context.Context, paymentID string, amount decimal.Decimal) error {
	p, err := s.store.PaymentByID(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.State != domain.PaymentConfirmed {
		return domain.NewPaymentError(domain.ErrInvalidRefund,
			"only confirmed payments can be refunded", "REFUND_STATE_ERROR")
	}
	if amount.IsZero() {
		amount = p.Amount
	}
	if amount.IsNegative() || amount.GreaterThan(p.Amount) {
		return domain.NewPaymentError(domain.ErrInvalidRefund,
			"refund amount exceeds the payment", "REFUND_AMOUNT_ERROR")
	}

	err = s.vendor.SendRefund(ctx, domain.RefundInstruction{
		Reference: p.Reference,
		Amount:    amount,
		Currency:  p.Currency,
		Comment:   p.OrderCode,
		Reason1:   p.OrderCode,
		Reason2:   p.Reference,
	})
	if err != nil {
		return s.wrapVendorFailure(err, p.OrderCode)
	}

	if err := s.store.RecordRefund(ctx, &domain.RefundRecord{
		PaymentID: p.ID,
		Amount:    amount,
		Source:    domain.RefundInitiated,
	}); err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]string{
		"order":       p.OrderCode,
		"transaction": p.Reference,
		"amount":      amount.String(),
	})
	return s.store.AppendAuditEvent(ctx, p.Reference, domain.AuditRefundEvent, payload)
}

// returnURL builds the browser return endpoint for one order, gated by
// the hash of the order secret.
func (s *Service) returnURL(order *domain.Order) string {
	return fmt.Sprintf("%s/return/%s/%s/", s.baseURL, order.Code, OrderSecretHash(order.Secret))
}

// bridgeURL wraps the vendor payment URL in a signed token so the
// redirect bridge can carry the order secret across the iframe boundary.
func (s *Service) bridgeURL(target, orderSecret string) (string, error) {
	token, err := s.signer.Sign(signing.Payload{
		URL:     target,
		Session: map[string]string{SessionOrderSecret: orderSecret},
	})
	if err != nil {
		return "", err
	}
	return s.baseURL + "/redirect/?data=" + url.QueryEscape(token), nil
}

func (s *Service) wrapVendorFailure(err error, orderCode string) error {
	var verr *domain.VendorError
	if errors.As(err, &verr) {
		s.log.Error("vendor reported an error", zap.String("order", orderCode), zap.Error(err))
		return domain.NewPaymentError(err,
			"Sofort reported an error: "+verr.Error(), "VENDOR_ERROR")
	}
	s.log.Error("vendor communication failed", zap.String("order", orderCode), zap.Error(err))
	return domain.NewPaymentError(err,
		"We had trouble communicating with Sofort. Please try again and get in touch with us if this problem persists.",
		"VENDOR_COMM_ERROR")
}

// OrderSecretHash is the lowercase hex SHA-1 of the lowercased order
// secret, used as the path segment that authorizes the return endpoint.
func OrderSecretHash(secret string) string {
	sum := sha1.Sum([]byte(strings.ToLower(secret)))
	return hex.EncodeToString(sum[:])
}
