// Package domain contains the core business entities and interfaces for the payment service.
// This is the innermost layer of the Clean Architecture - it has no dependencies on
// external frameworks or infrastructure.
package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentState is the lifecycle state of a local payment record.
// Transitions move forward only (created -> pending -> confirmed), with
// failed reachable from created/pending and recoverable back to pending
// when the vendor later reports a positive status. A confirmed payment
// never regresses.
type PaymentState string

const (
	PaymentCreated   PaymentState = "created"
	PaymentPending   PaymentState = "pending"
	PaymentConfirmed PaymentState = "confirmed"
	PaymentFailed    PaymentState = "failed"
)

// Status is the vendor's transaction status vocabulary, closed over a
// fixed set of known values. ParseStatus is the only constructor; anything
// it does not recognize becomes StatusUnknown so that new vendor statuses
// fail safely into the generic "unhandled" arm.
type Status string

const (
	StatusPending     Status = "pending"
	StatusReceived    Status = "received"
	StatusUntraceable Status = "untraceable"
	StatusRefunded    Status = "refunded"
	StatusLoss        Status = "loss"
	StatusUnknown     Status = "unknown"
)

// ParseStatus maps a raw vendor status string onto the closed Status set.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusPending, StatusReceived, StatusUntraceable, StatusRefunded, StatusLoss:
		return Status(s)
	default:
		return StatusUnknown
	}
}

// Positive reports whether the status means the vendor has, or expects to
// have, received the money.
func (s Status) Positive() bool {
	return s == StatusPending || s == StatusReceived || s == StatusUntraceable
}

// OrderStatus mirrors the host platform's order states as far as this
// service needs to understand them.
type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"
	OrderPaid     OrderStatus = "paid"
	OrderExpired  OrderStatus = "expired"
	OrderCanceled OrderStatus = "canceled"
)

// Order is the host platform's view of an order, fetched fresh from
// Ticketeer Core. The secret gates the browser return endpoint.
type Order struct {
	Code      string          `json:"code"`
	Secret    string          `json:"secret"`
	Status    OrderStatus     `json:"status"`
	Total     decimal.Decimal `json:"total"`
	AmountDue decimal.Decimal `json:"amount_due"`
	Currency  string          `json:"currency"`
}

// Payment is the local payment record for one checkout attempt. Reference
// is the vendor-assigned transaction reference, assigned at initiation and
// immutable afterwards. Info holds the last persisted (redacted) vendor
// snapshot as JSON.
type Payment struct {
	ID        string          `json:"id"`
	OrderCode string          `json:"order_code"`
	Reference string          `json:"reference"`
	State     PaymentState    `json:"state"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Info      []byte          `json:"info,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TransactionSnapshot is the vendor-reported state of one transaction,
// fetched fresh on every reconciliation and never cached beyond the
// current request. Details carries the full redacted field set for the
// payment info blob and the audit trail; raw bank account data has
// already been stripped by the codec.
type TransactionSnapshot struct {
	Reference      string
	Status         Status
	StatusReason   string
	Amount         decimal.Decimal
	AmountRefunded decimal.Decimal
	Currency       string
	Time           string
	Details        json.RawMessage
}

// RefundSource distinguishes refunds first seen on the vendor side from
// refunds this service instructed the vendor to make.
type RefundSource string

const (
	RefundExternal  RefundSource = "external"
	RefundInitiated RefundSource = "initiated"
)

// RefundRecord is one refund applied to a payment. The sum of records per
// payment never exceeds the vendor-reported refunded amount.
type RefundRecord struct {
	ID        string          `json:"id"`
	PaymentID string          `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Source    RefundSource    `json:"source"`
	CreatedAt time.Time       `json:"created_at"`
}

// ActionKind identifies the situations automatic reconciliation cannot
// safely complete.
type ActionKind string

const (
	// ActionOversold: money arrived but confirming the payment would
	// oversell the event's capacity.
	ActionOversold ActionKind = "oversold"
	// ActionRefundReview: the vendor reports a refund against a payment
	// this service never saw confirmed.
	ActionRefundReview ActionKind = "refund-review"
)

// ManualAction is a durable flag prompting an operator to resolve a
// situation by hand. At most one open action exists per (order, kind).
type ManualAction struct {
	ID        string     `json:"id"`
	OrderCode string     `json:"order_code"`
	Kind      ActionKind `json:"kind"`
	Payload   []byte     `json:"payload,omitempty"`
	Done      bool       `json:"done"`
	CreatedAt time.Time  `json:"created_at"`
}

// AuditEvent is an immutable status event record keyed by transaction
// reference, written on every reconciliation that saw vendor details.
type AuditEvent struct {
	ID        uint            `json:"id"`
	Reference string          `json:"reference"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Audit event type tags.
const (
	AuditTransactionEvent = "sofort.transaction"
	AuditRefundEvent      = "sofort.refund"
)

// PaymentEvent is published to the host platform whenever the payment
// lifecycle advances.
type PaymentEvent struct {
	Event     string          `json:"event"`
	OrderCode string          `json:"order_code"`
	PaymentID string          `json:"payment_id"`
	Reference string          `json:"reference"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Timestamp string          `json:"timestamp"`
}

// Lifecycle event names.
const (
	EventPaymentConfirmed = "payment.confirmed"
	EventPaymentFailed    = "payment.failed"
	EventPaymentRefunded  = "payment.refunded"
)

// InitiationRequest is everything the vendor needs to open a new
// transaction. The URLs may contain the vendor's transaction placeholder,
// which the vendor substitutes before redirecting the payer.
type InitiationRequest struct {
	OrderCode       string
	Amount          decimal.Decimal
	Currency        string
	Reasons         []string
	SuccessURL      string
	AbortURL        string
	TimeoutURL      string
	NotificationURL string
}

// InitiationResult is the vendor's answer to a successful initiation.
type InitiationResult struct {
	Reference  string
	PaymentURL string
}

// RefundInstruction asks the vendor to prepare a refund for a settled
// transaction.
type RefundInstruction struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Comment   string
	Reason1   string
	Reason2   string
}
