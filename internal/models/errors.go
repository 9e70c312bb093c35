package models

import (
	"context"
	"errors"
	"fmt"
)

// Kind groups error codes by how a caller is expected to react.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindCompliance   Kind = "compliance"
	KindConcurrency  Kind = "concurrency"
	KindPeriodClosed Kind = "period_closed"
	KindSagaStep     Kind = "saga_step"
	KindZombie       Kind = "zombie"
	KindNotFound     Kind = "not_found"
	KindBlocked      Kind = "blocked"
	KindInternal     Kind = "internal"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeInvalid                 Code = "INVALID"
	CodeUnbalanced              Code = "UNBALANCED"
	CodeDuplicateIdempotencyKey Code = "DUPLICATE_IDEMPOTENCY_KEY"
	CodeAlreadyVoided           Code = "ALREADY_VOIDED"
	CodePeriodClosed            Code = "PERIOD_CLOSED"
	CodeComplianceViolation     Code = "COMPLIANCE_VIOLATION"
	CodeScopeBlocked            Code = "SCOPE_BLOCKED"
	CodeSagaStepFailed          Code = "SAGA_STEP_FAILED"
	CodeSagaActive              Code = "SAGA_ACTIVE"
	CodeClaimLost               Code = "CLAIM_LOST"
	CodeVersionConflict         Code = "VERSION_CONFLICT"
	CodePointOfNoReturn         Code = "POINT_OF_NO_RETURN"
	CodeZombieSaga              Code = "ZOMBIE_SAGA"
	CodeNotFound                Code = "NOT_FOUND"
	CodeInvalidTransition       Code = "INVALID_TRANSITION"
	CodeInsufficientFunds       Code = "INSUFFICIENT_FUNDS"
)

// Error is the domain error type shared by every ledger component.
type Error struct {
	Kind     Kind
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches by code; a target without a code matches any error of its kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return t.Kind != "" && e.Kind == t.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrCompliance        = &Error{Kind: KindCompliance}
	ErrConcurrency       = &Error{Kind: KindConcurrency}
	ErrSagaStep          = &Error{Kind: KindSagaStep}
	ErrZombie            = &Error{Kind: KindZombie}
	ErrBlocked           = &Error{Kind: KindBlocked}
	ErrNotFound          = &Error{Kind: KindNotFound, Code: CodeNotFound}
	ErrUnbalanced        = &Error{Kind: KindValidation, Code: CodeUnbalanced}
	ErrDuplicateKey      = &Error{Kind: KindConcurrency, Code: CodeDuplicateIdempotencyKey}
	ErrAlreadyVoided     = &Error{Kind: KindValidation, Code: CodeAlreadyVoided}
	ErrPeriodClosed      = &Error{Kind: KindPeriodClosed, Code: CodePeriodClosed}
	ErrClaimLost         = &Error{Kind: KindConcurrency, Code: CodeClaimLost}
	ErrVersionConflict   = &Error{Kind: KindConcurrency, Code: CodeVersionConflict}
	ErrSagaActive        = &Error{Kind: KindConcurrency, Code: CodeSagaActive}
	ErrPointOfNoReturn   = &Error{Kind: KindValidation, Code: CodePointOfNoReturn}
	ErrInvalidTransition = &Error{Kind: KindValidation, Code: CodeInvalidTransition}
	ErrInsufficientFunds = &Error{Kind: KindValidation, Code: CodeInsufficientFunds}
)

// NewValidation returns a ValidationError with a message.
func NewValidation(message string) *Error {
	return &Error{Kind: KindValidation, Code: CodeInvalid, Message: message}
}

// NewError builds an error for a code with the kind registered for it.
func NewError(code Code, message string) *Error {
	return &Error{Kind: kindOf(code), Code: code, Message: message}
}

// WithMetadata builds an error carrying context for callers and logs.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{Kind: kindOf(code), Code: code, Message: message, Metadata: metadata}
}

// Wrap builds an error with an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Kind: kindOf(code), Code: code, Message: message, Cause: cause}
}

// NotFound reports a missing record.
func NotFound(what string, id string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", what, id)}
}

func kindOf(code Code) Kind {
	switch code {
	case CodeInvalid, CodeUnbalanced, CodeAlreadyVoided, CodePointOfNoReturn, CodeInvalidTransition, CodeInsufficientFunds:
		return KindValidation
	case CodeDuplicateIdempotencyKey, CodeClaimLost, CodeVersionConflict, CodeSagaActive:
		return KindConcurrency
	case CodePeriodClosed:
		return KindPeriodClosed
	case CodeComplianceViolation:
		return KindCompliance
	case CodeScopeBlocked:
		return KindBlocked
	case CodeSagaStepFailed:
		return KindSagaStep
	case CodeZombieSaga:
		return KindZombie
	case CodeNotFound:
		return KindNotFound
	default:
		return KindInternal
	}
}

// KindOf extracts the kind of a domain error; non-domain errors are internal.
func KindOf(err error) Kind {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err is an infrastructure failure worth retrying.
// Business-rule failures are surfaced to the caller instead.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return KindOf(err) == KindInternal
}

// StepFailure describes a saga that stopped at a forward step.
type StepFailure struct {
	SagaID      string
	SagaType    string
	StepIndex   int
	StepName    string
	Compensated bool
	FundsMoved  bool
	Cause       error
}

func (f *StepFailure) Error() string {
	return fmt.Sprintf("saga %s (%s) failed at step %d %q (compensated=%t, funds_moved=%t): %v",
		f.SagaID, f.SagaType, f.StepIndex, f.StepName, f.Compensated, f.FundsMoved, f.Cause)
}

func (f *StepFailure) Unwrap() error { return f.Cause }

// Is lets errors.Is(err, ErrSagaStep) match a step failure.
func (f *StepFailure) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindSagaStep && (t.Code == "" || t.Code == CodeSagaStepFailed)
}
