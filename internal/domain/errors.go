package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindTransition  ErrorKind = "invalid_transition"
	KindConflict    ErrorKind = "conflict"
	KindGateway     ErrorKind = "gateway"
	KindPersistence ErrorKind = "persistence"
	KindNotFound    ErrorKind = "not_found"
	KindForbidden   ErrorKind = "forbidden"
)

// Error is a classified failure. Two errors match under errors.Is when their codes match,
// so callers compare against the sentinels below regardless of the attached message.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithMessage returns a copy of the sentinel carrying a specific message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	out := *e
	out.Message = fmt.Sprintf(format, args...)
	return &out
}

// Wrap returns a copy of the sentinel wrapping a cause.
func (e *Error) Wrap(err error) *Error {
	out := *e
	out.Err = err
	return &out
}

var (
	ErrInvalidAmount       = &Error{Kind: KindValidation, Code: "invalid_amount", Message: "amount must be greater than zero"}
	ErrFeeExceedsAmount    = &Error{Kind: KindValidation, Code: "fee_exceeds_amount", Message: "fees exceed gross amount"}
	ErrInvalidInput        = &Error{Kind: KindValidation, Code: "invalid_input", Message: "invalid input"}
	ErrMissingBankDetails  = &Error{Kind: KindValidation, Code: "missing_bank_details", Message: "bank details are required"}
	ErrBelowMinimum        = &Error{Kind: KindValidation, Code: "below_minimum", Message: "amount below minimum withdrawal"}
	ErrExceedsAvailable    = &Error{Kind: KindValidation, Code: "exceeds_available", Message: "amount exceeds available balance"}
	ErrQuoteMismatch       = &Error{Kind: KindValidation, Code: "quote_mismatch", Message: "quote does not match project"}
	ErrUnauthorizedPayer   = &Error{Kind: KindForbidden, Code: "unauthorized_payer", Message: "payer is not the project owner"}
	ErrNotEscrowOwner      = &Error{Kind: KindForbidden, Code: "not_escrow_owner", Message: "escrow does not belong to tradie"}
	ErrInvalidTransition   = &Error{Kind: KindTransition, Code: "invalid_transition", Message: "invalid status transition"}
	ErrAlreadyReleased     = &Error{Kind: KindConflict, Code: "already_released", Message: "escrow already released"}
	ErrAlreadyAgreed       = &Error{Kind: KindConflict, Code: "already_agreed", Message: "agreed price already set"}
	ErrPaymentCompleted    = &Error{Kind: KindConflict, Code: "payment_completed", Message: "payment already completed"}
	ErrPaymentState        = &Error{Kind: KindConflict, Code: "payment_state", Message: "payment is not in a valid state"}
	ErrEscrowNotReleased   = &Error{Kind: KindConflict, Code: "escrow_not_released", Message: "escrow funds not released"}
	ErrEscrowState         = &Error{Kind: KindConflict, Code: "escrow_state", Message: "escrow is not in a valid state"}
	ErrDuplicateWithdrawal = &Error{Kind: KindConflict, Code: "duplicate_request", Message: "an open withdrawal already exists for this escrow"}
	ErrWithdrawalState     = &Error{Kind: KindConflict, Code: "withdrawal_state", Message: "withdrawal is not in a valid state"}
	ErrInsufficientBalance = &Error{Kind: KindConflict, Code: "insufficient_balance", Message: "insufficient balance"}
	ErrGateway             = &Error{Kind: KindGateway, Code: "gateway_error", Message: "payment gateway error"}
	ErrPaymentFailed       = &Error{Kind: KindGateway, Code: "payment_failed", Message: "payment failed, please retry"}
	ErrPersistence         = &Error{Kind: KindPersistence, Code: "persistence_error", Message: "storage failure"}
	ErrNotFound            = &Error{Kind: KindNotFound, Code: "not_found", Message: "not found"}
	ErrForbidden           = &Error{Kind: KindForbidden, Code: "forbidden", Message: "forbidden"}
)

// KindOf returns the kind of a classified error, or "" when err is unclassified.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
