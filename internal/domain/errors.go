package domain

import "errors"

var (
	ErrInvalidRequest            = errors.New("invalid request")
	ErrNotFound                  = errors.New("not found")
	ErrInsufficientBalance       = errors.New("insufficient balance")
	ErrIdempotencyConflict       = errors.New("idempotency key used with different payload")
	ErrCompensationIrrecoverable = errors.New("compensation irrecoverable")
)

// ErrorCode is the persisted form of a rejected operation's error.
type ErrorCode string

const (
	CodeNotFound            ErrorCode = "not_found"
	CodeInsufficientBalance ErrorCode = "insufficient_balance"
)

func (c ErrorCode) sentinel() error {
	switch c {
	case CodeNotFound:
		return ErrNotFound
	case CodeInsufficientBalance:
		return ErrInsufficientBalance
	default:
		return nil
	}
}

// OperationError is a business rejection recorded on an Operation. Replaying
// the same requestId returns an equal OperationError.
type OperationError struct {
	Code    ErrorCode
	Message string
}

func (e *OperationError) Error() string { return e.Message }

func (e *OperationError) Unwrap() error { return e.Code.sentinel() }

// Reject builds an OperationError for code with a caller-facing message.
func Reject(code ErrorCode, msg string) *OperationError {
	return &OperationError{Code: code, Message: msg}
}
