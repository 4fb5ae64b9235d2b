// Package reconcile drives a payment through its lifecycle from the
// vendor's eventually-consistent status feed.
//
// Both entry points (server-to-server webhook and browser return) funnel
// into Engine.Reconcile. The engine never trusts a client-supplied status:
// it always re-fetches the transaction from the vendor, which turns an
// otherwise-spoofable redirect parameter into a verified fact and keeps a
// single trusted code path for both callers.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ticketeer/ticketeer-payments/internal/domain"
)

// Outcome tells the calling adapter what happened, so it can choose the
// right user-facing feedback. The webhook caller ignores most of these;
// the interactive return caller maps them to messages.
type Outcome int

const (
	// OutcomeUnhandled: the vendor status did not match any transition the
	// engine can apply. Interactive callers show a generic
	// "payment process failed, retry" message.
	OutcomeUnhandled Outcome = iota
	// OutcomeStillInitiating: the vendor accepted the transaction but has
	// no details yet. Nothing was mutated.
	OutcomeStillInitiating
	// OutcomeConfirmed: the payment is confirmed (now or already).
	OutcomeConfirmed
	// OutcomeCapacityConflict: money arrived but the event sold out in the
	// meantime. A deduplicated manual action was raised.
	OutcomeCapacityConflict
	// OutcomeRefunded: a refund notification was processed (possibly as a
	// no-op redelivery).
	OutcomeRefunded
	// OutcomeFailed: the vendor reported the money as definitively lost.
	OutcomeFailed
)

// LossRevertPolicy decides when a definitive loss moves the order back to
// pending-for-retry.
type LossRevertPolicy string

const (
	// RevertWhenDue reopens the order only while it still has a positive
	// amount due.
	RevertWhenDue LossRevertPolicy = "due"
	// RevertAlways reopens the order unconditionally.
	RevertAlways LossRevertPolicy = "always"
)

// Engine applies vendor transaction state to local payment records.
type Engine struct {
	vendor domain.VendorGateway
	store  domain.PaymentStore
	core   domain.OrderCore
	events domain.EventPublisher
	log    *zap.Logger
	revert LossRevertPolicy
}

// New creates a reconciliation engine.
func New(vendor domain.VendorGateway, store domain.PaymentStore, core domain.OrderCore,
	events domain.EventPublisher, log *zap.Logger, revert LossRevertPolicy) *Engine {
	if revert == "" {
		revert = RevertWhenDue
	}
	return &Engine{vendor: vendor, store: store, core: core, events: events, log: log, revert: revert}
}

// Reconcile fetches the current vendor state for the reference and applies
// the correct one-way transition to the local payment. It is safe under
// concurrent delivery of the same notification: every mutation is guarded
// by the persisted state.
func (e *Engine) Reconcile(ctx context.Context, reference string) (Outcome, error) {
	p, err := e.store.PaymentByReference(ctx, reference)
	if err != nil {
		return OutcomeUnhandled, err
	}

	snap, err := e.vendor.FetchTransactionDetails(ctx, reference)
	if errors.Is(err, domain.ErrNoDetails) {
		// Soft pending: the vendor accepted the request but has not
		// processed it. Mutate nothing.
		return OutcomeStillInitiating, nil
	}
	if err != nil {
		return OutcomeUnhandled, e.wrapVendorFailure(err, reference)
	}

	if err := e.store.SaveSnapshot(ctx, p.ID, snap.Details); err != nil {
		return OutcomeUnhandled, err
	}
	if err := e.store.AppendAuditEvent(ctx, reference, domain.AuditTransactionEvent, snap.Details); err != nil {
		return OutcomeUnhandled, err
	}

	switch {
	case snap.Status.Positive():
		return e.confirm(ctx, p, snap)
	case snap.Status == domain.StatusRefunded:
		return e.applyRefund(ctx, p, snap)
	case snap.Status == domain.StatusLoss:
		return e.applyLoss(ctx, p, snap)
	default:
		e.log.Warn("unhandled vendor status",
			zap.String("reference", reference),
			zap.String("status", string(snap.Status)),
			zap.String("status_reason", snap.StatusReason))
		return OutcomeUnhandled, nil
	}
}

func (e *Engine) confirm(ctx context.Context, p *domain.Payment, snap *domain.TransactionSnapshot) (Outcome, error) {
	if p.State == domain.PaymentConfirmed {
		// Idempotent redelivery.
		return OutcomeConfirmed, nil
	}

	if p.State == domain.PaymentFailed {
		// Transient loss recovered: the vendor now reports a positive
		// status again.
		if _, err := e.store.TransitionState(ctx, p.ID,
			[]domain.PaymentState{domain.PaymentFailed}, domain.PaymentPending); err != nil {
			return OutcomeUnhandled, err
		}
	}

	err := e.core.ConfirmPayment(ctx, p.OrderCode, p.ID)
	if errors.Is(err, domain.ErrCapacityConflict) {
		// Money was received; this is a capacity problem, not a payment
		// problem. Do not confirm, raise a deduplicated manual action.
		payload, _ := json.Marshal(map[string]string{
			"order":       p.OrderCode,
			"transaction": p.Reference,
		})
		created, aerr := e.store.CreateManualAction(ctx, p.OrderCode, domain.ActionOversold, payload)
		if aerr != nil {
			return OutcomeUnhandled, aerr
		}
		if created {
			e.log.Warn("payment received for sold-out event, manual action raised",
				zap.String("order", p.OrderCode),
				zap.String("reference", p.Reference))
		}
		return OutcomeCapacityConflict, nil
	}
	if err != nil {
		e.log.Error("order confirmation failed",
			zap.String("order", p.OrderCode), zap.Error(err))
		return OutcomeUnhandled, domain.NewPaymentError(err,
			"We could not complete your payment. Please try again or contact the event organizer.",
			"CONFIRM_ERROR")
	}

	moved, err := e.store.TransitionState(ctx, p.ID,
		[]domain.PaymentState{domain.PaymentCreated, domain.PaymentPending, domain.PaymentFailed},
		domain.PaymentConfirmed)
	if err != nil {
		return OutcomeUnhandled, err
	}
	if moved {
		e.publish(ctx, domain.EventPaymentConfirmed, p, snap)
		e.log.Info("payment confirmed",
			zap.String("order", p.OrderCode),
			zap.String("reference", p.Reference),
			zap.String("amount", snap.Amount.String()))
	}
	return OutcomeConfirmed, nil
}

func (e *Engine) applyRefund(ctx context.Context, p *domain.Payment, snap *domain.TransactionSnapshot) (Outcome, error) {
	if p.State != domain.PaymentConfirmed {
		// A refund against a payment that never confirmed locally needs a
		// human decision.
		payload, _ := json.Marshal(map[string]string{
			"order":           p.OrderCode,
			"transaction":     p.Reference,
			"amount_refunded": snap.AmountRefunded.String(),
		})
		if _, err := e.store.CreateManualAction(ctx, p.OrderCode, domain.ActionRefundReview, payload); err != nil {
			return OutcomeUnhandled, err
		}
		return OutcomeUnhandled, nil
	}

	delta, err := e.store.ApplyRefundDelta(ctx, p.ID, snap.AmountRefunded)
	if err != nil {
		return OutcomeUnhandled, err
	}
	if delta.IsPositive() {
		payload, _ := json.Marshal(map[string]string{
			"order":       p.OrderCode,
			"transaction": p.Reference,
			"amount":      delta.String(),
		})
		if err := e.store.AppendAuditEvent(ctx, p.Reference, domain.AuditRefundEvent, payload); err != nil {
			return OutcomeUnhandled, err
		}
		e.publishAmount(ctx, domain.EventPaymentRefunded, p, snap, delta)
		e.log.Info("external refund recorded",
			zap.String("order", p.OrderCode),
			zap.String("reference", p.Reference),
			zap.String("amount", delta.String()))
	}
	return OutcomeRefunded, nil
}

func (e *Engine) applyLoss(ctx context.Context, p *domain.Payment, snap *domain.TransactionSnapshot) (Outcome, error) {
	moved, err := e.store.TransitionState(ctx, p.ID,
		[]domain.PaymentState{domain.PaymentCreated, domain.PaymentPending},
		domain.PaymentFailed)
	if err != nil {
		return OutcomeUnhandled, err
	}
	if !moved {
		// Already failed, or confirmed; a confirmed payment never regresses.
		return OutcomeFailed, nil
	}

	e.log.Info("payment reported lost",
		zap.String("order", p.OrderCode),
		zap.String("reference", p.Reference),
		zap.String("status_reason", snap.StatusReason))

	reopen := e.revert == RevertAlways
	if !reopen {
		order, err := e.core.GetOrder(ctx, p.OrderCode)
		if err != nil {
			return OutcomeUnhandled, err
		}
		reopen = order.AmountDue.IsPositive()
	}
	if reopen {
		if err := e.core.ReopenOrder(ctx, p.OrderCode); err != nil {
			return OutcomeUnhandled, err
		}
	}
	e.publish(ctx, domain.EventPaymentFailed, p, snap)
	return OutcomeFailed, nil
}

// wrapVendorFailure folds every vendor-communication failure into one
// user-safe PaymentError. The original cause is logged, never shown raw.
func (e *Engine) wrapVendorFailure(err error, reference string) error {
	var verr *domain.VendorError
	if errors.As(err, &verr) {
		e.log.Error("vendor reported an error", zap.String("reference", reference), zap.Error(err))
		return domain.NewPaymentError(err,
			"Sofort reported an error: "+verr.Error(), "VENDOR_ERROR")
	}
	e.log.Error("vendor communication failed", zap.String("reference", reference), zap.Error(err))
	return domain.NewPaymentError(err,
		"We had trouble communicating with Sofort. Please try again and get in touch with us if this problem persists.",
		"VENDOR_COMM_ERROR")
}

func (e *Engine) publish(ctx context.Context, event string, p *domain.Payment, snap *domain.TransactionSnapshot) {
	e.publishAmount(ctx, event, p, snap, snap.Amount)
}

func (e *Engine) publishAmount(ctx context.Context, event string, p *domain.Payment, snap *domain.TransactionSnapshot, amount decimal.Decimal) {
	ev := domain.PaymentEvent{
		Event:     event,
		OrderCode: p.OrderCode,
		PaymentID: p.ID,
		Reference: p.Reference,
		Status:    string(snap.Status),
		Amount:    amount,
		Currency:  snap.Currency,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := e.events.Publish(ctx, ev); err != nil {
		// Event delivery is best-effort; reconciliation already persisted
		// its result.
		e.log.Warn("event publish failed", zap.String("event", event), zap.Error(err))
	}
}
