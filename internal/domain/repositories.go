// Package domain contains the core business entities and interfaces for the payment service.
package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// VendorGateway defines the interface for the bank-transfer vendor's API.
// This abstracts away the XML wire protocol and HTTP transport.
type VendorGateway interface {
	// InitiateTransaction opens a new vendor transaction and returns the
	// assigned reference plus the hosted payment URL. Not safely retryable:
	// a retry needs a fresh initiation.
	InitiateTransaction(ctx context.Context, req InitiationRequest) (*InitiationResult, error)

	// FetchTransactionDetails re-queries the authoritative vendor state for
	// one reference. Returns ErrNoDetails while the vendor has accepted but
	// not yet processed the transaction. Safe to retry.
	FetchTransactionDetails(ctx context.Context, reference string) (*TransactionSnapshot, error)

	// SendRefund instructs the vendor to prepare a refund.
	SendRefund(ctx context.Context, instr RefundInstruction) error
}

// OrderDirectory resolves orders against the host platform.
type OrderDirectory interface {
	// GetOrder retrieves an order by code. Returns ErrOrderNotFound if the
	// host doesn't know it.
	GetOrder(ctx context.Context, code string) (*Order, error)
}

// OrderCore is the host platform's order subsystem. The service only
// proposes state transitions; the host owns quota accounting and the
// order lifecycle.
type OrderCore interface {
	OrderDirectory

	// ConfirmPayment marks the order as paid through this payment. Returns
	// ErrCapacityConflict when confirming would oversell the event.
	ConfirmPayment(ctx context.Context, orderCode, paymentID string) error

	// ReopenOrder moves the order back to pending-for-retry after a
	// definitive payment loss.
	ReopenOrder(ctx context.Context, orderCode string) error
}

// PaymentStore persists payments, the reference lookup table, refund
// records, manual actions and the audit log. Implementations must make the
// guarded state transition and the refund-delta computation atomic with
// respect to the stored rows, so re-applying the same vendor snapshot is a
// no-op.
type PaymentStore interface {
	// CreatePayment inserts a new payment and registers its transaction
	// reference in the lookup table. Re-registering the same reference for
	// the same payment is a no-op.
	CreatePayment(ctx context.Context, p *Payment) error

	// PaymentByID loads a payment by its local identifier.
	PaymentByID(ctx context.Context, id string) (*Payment, error)

	// PaymentByReference resolves a vendor reference to the local payment.
	// Returns ErrTransactionNotFound for unregistered references.
	PaymentByReference(ctx context.Context, reference string) (*Payment, error)

	// ReferenceBelongsToOrder reports whether the reference is registered
	// against the given order.
	ReferenceBelongsToOrder(ctx context.Context, reference, orderCode string) (bool, error)

	// SaveSnapshot persists the latest redacted vendor snapshot onto the
	// payment's info blob.
	SaveSnapshot(ctx context.Context, paymentID string, info []byte) error

	// TransitionState moves the payment from any of the given states to the
	// target state. Returns false without error when the payment was not in
	// one of the from states, which makes concurrent re-application safe.
	TransitionState(ctx context.Context, paymentID string, from []PaymentState, to PaymentState) (bool, error)

	// ApplyRefundDelta compares the vendor-reported refunded amount with the
	// sum of known refund records and, when positive, creates exactly one
	// external refund record for the difference. Returns the created amount,
	// zero when nothing was created.
	ApplyRefundDelta(ctx context.Context, paymentID string, vendorRefunded decimal.Decimal) (decimal.Decimal, error)

	// RecordRefund stores a refund this service initiated itself.
	RecordRefund(ctx context.Context, r *RefundRecord) error

	// CreateManualAction raises a manual action, deduplicated per
	// (order, kind). Returns true only when a new action was created.
	CreateManualAction(ctx context.Context, orderCode string, kind ActionKind, payload []byte) (bool, error)

	// AppendAuditEvent writes an immutable status event record.
	AppendAuditEvent(ctx context.Context, reference, eventType string, payload []byte) error
}

// EventPublisher notifies the host platform about payment lifecycle
// events.
type EventPublisher interface {
	Publish(ctx context.Context, ev PaymentEvent) error
}
