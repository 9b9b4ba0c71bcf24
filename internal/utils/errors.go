package utils

import (
	"errors"
	"fmt"
)

// Error kinds shared across the detection core. Match them with errors.Is.
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflictDetected = errors.New("conflict detected")
	ErrExecution        = errors.New("execution error")
)

// AppError wraps an operation, human-facing message, error kind, and underlying error.
type AppError struct {
	Op   string
	Msg  string
	Kind error
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

// Unwrap exposes both the kind and the cause so errors.Is matches either.
func (e *AppError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// InvalidArgument reports a caller bug such as a missing identity field.
func InvalidArgument(op, format string, args ...any) error {
	return &AppError{Op: op, Msg: fmt.Sprintf(format, args...), Kind: ErrInvalidArgument}
}

// NotFound reports an unknown key. Callers include the known-good set in the message.
func NotFound(op, format string, args ...any) error {
	return &AppError{Op: op, Msg: fmt.Sprintf(format, args...), Kind: ErrNotFound}
}

// ExecutionError marks err as an operator failure.
func ExecutionError(op string, err error) error {
	return &AppError{Op: op, Msg: "execution failed", Kind: ErrExecution, Err: err}
}
