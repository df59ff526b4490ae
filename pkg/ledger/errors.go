package ledger

import (
	"errors"
	"fmt"
)

// Domain-level reasons attached to processing outcomes.
var (
	ErrMalformedRecord          = errors.New("malformed record")
	ErrUnknownTransactionType   = errors.New("unknown transaction type")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrAmountOverflow           = errors.New("amount overflow")
	ErrDuplicateTransaction     = errors.New("duplicate transaction id")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrUnknownTransaction       = errors.New("unknown transaction")
	ErrClientMismatch           = errors.New("transaction belongs to another client")
	ErrAlreadyDisputed          = errors.New("transaction already disputed")
	ErrNotDisputed              = errors.New("transaction not under dispute")
	ErrAccountLocked            = errors.New("account locked")
	ErrInvalidDisputeTransition = errors.New("invalid dispute transition")
	ErrInvalidProcessorConfig   = errors.New("invalid processor config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
