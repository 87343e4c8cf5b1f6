package escrow

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-checkable classification of a payment failure.
type ErrorCode string

const (
	CodeInvalidPaymentMethod ErrorCode = "INVALID_PAYMENT_METHOD"
	CodeInvalidRequest       ErrorCode = "INVALID_REQUEST"
	CodeInvalidAmount        ErrorCode = "INVALID_AMOUNT"
	CodeRailNotConfigured    ErrorCode = "RAIL_NOT_CONFIGURED"
	CodeInitiationFailed     ErrorCode = "INITIATION_FAILED"
	CodeConfirmationFailed   ErrorCode = "CONFIRMATION_FAILED"
	CodeMissingRecipient     ErrorCode = "MISSING_RECIPIENT"
	CodeInsufficientBalance  ErrorCode = "INSUFFICIENT_BALANCE"
	CodeReleaseFailed        ErrorCode = "RELEASE_FAILED"
	CodeRefundFailed         ErrorCode = "REFUND_FAILED"
)

// PaymentError is the structured error returned across the orchestrator
// boundary. Recoverable errors may be retried with the same logical request;
// non-recoverable ones are structurally invalid and must not be.
type PaymentError struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	// TxID carries whatever transaction reference was obtained before a
	// partial failure, for reconciliation.
	TxID string `json:"txId,omitempty"`
	err  error
}

func (e *PaymentError) Error() string {
	if e == nil {
		return ""
	}
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying rail error.
func (e *PaymentError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// NewError constructs a payment error.
func NewError(code ErrorCode, recoverable bool, format string, args ...any) *PaymentError {
	return &PaymentError{Code: code, Message: fmt.Sprintf(format, args...), Recoverable: recoverable}
}

// WrapError attaches a cause to a new payment error.
func WrapError(code ErrorCode, recoverable bool, err error, message string) *PaymentError {
	return &PaymentError{Code: code, Message: message, Recoverable: recoverable, err: err}
}

// WithTxID records a partial transaction reference on the error.
func (e *PaymentError) WithTxID(txID string) *PaymentError {
	if e == nil {
		return nil
	}
	e.TxID = txID
	return e
}

// AsPaymentError extracts a PaymentError from err. Foreign errors are wrapped
// with the fallback code and marked recoverable since their cause is most
// likely transport-level.
func AsPaymentError(err error, fallback ErrorCode) *PaymentError {
	if err == nil {
		return nil
	}
	var perr *PaymentError
	if errors.As(err, &perr) {
		return perr
	}
	return WrapError(fallback, true, err, "rail call failed")
}

// IsRecoverable reports whether err is a payment error that may be retried.
func IsRecoverable(err error) bool {
	var perr *PaymentError
	if errors.As(err, &perr) {
		return perr.Recoverable
	}
	return false
}
