// Package domain contains the core business entities and interfaces for the payment service.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Domain errors represent business rule violations.
// These are used to communicate specific error conditions from the domain layer.
var (
	// ErrOrderNotFound is returned when the host platform does not know the order.
	ErrOrderNotFound = errors.New("order not found")

	// ErrTransactionNotFound is returned when a transaction reference is not
	// registered against any local payment.
	ErrTransactionNotFound = errors.New("unknown transaction reference")

	// ErrNoDetails is returned when the vendor has accepted a transaction but
	// reports no details for it yet. The caller must treat this as a soft
	// pending outcome and mutate nothing.
	ErrNoDetails = errors.New("vendor has no transaction details yet")

	// ErrCapacityConflict is returned when confirming a payment would oversell
	// the event. The money was received; this is a capacity problem, not a
	// payment problem.
	ErrCapacityConflict = errors.New("order capacity exhausted")

	// ErrInvalidSignature is returned when a redirect token fails verification.
	// Verification fails closed: there is no partial trust.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrCoreAPIError is returned when there's an error communicating with Ticketeer Core.
	ErrCoreAPIError = errors.New("error communicating with Ticketeer Core")

	// ErrInvalidRefund is returned for refund instructions that do not match
	// the payment they target.
	ErrInvalidRefund = errors.New("invalid refund instruction")
)

// VendorError is a structured error document returned by the vendor. The
// individual messages are preserved for display and logging.
type VendorError struct {
	Messages []string
}

// Error implements the error interface.
func (e *VendorError) Error() string {
	return strings.Join(e.Messages, ", ")
}

// MalformedResponseError is returned when a vendor response body did not
// parse as well-formed XML. Distinct from both VendorError and transport
// failure, since callers react differently to each.
type MalformedResponseError struct {
	Raw []byte
}

// Error implements the error interface.
func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("vendor response is not well-formed XML: %.200s", string(e.Raw))
}

// TransportKind classifies failures before or at the HTTP layer.
type TransportKind string

const (
	// TransportNetwork covers timeouts, connection resets and DNS failures.
	TransportNetwork TransportKind = "network"
	// TransportServerSide covers vendor 5xx responses, a candidate for retry
	// by the caller.
	TransportServerSide TransportKind = "server"
)

// TransportError is a failure of the HTTP exchange itself.
type TransportError struct {
	Kind       TransportKind
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vendor transport error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("vendor transport error (%s): status %d", e.Kind, e.StatusCode)
}

// Unwrap allows errors.Is and errors.As to reach the underlying cause.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the same request may succeed.
func (e *TransportError) Retryable() bool {
	return e.Kind == TransportServerSide || e.Kind == TransportNetwork
}

// PaymentError wraps a domain error with a user-safe message and a machine
// code. The wrapped cause is for logs only and must never be shown raw to
// the payer.
type PaymentError struct {
	Err     error
	Message string
	Code    string
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

// Unwrap allows errors.Is and errors.As to work with PaymentError.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a new PaymentError with the given cause and message.
func NewPaymentError(err error, message, code string) *PaymentError {
	return &PaymentError{
		Err:     err,
		Message: message,
		Code:    code,
	}
}
