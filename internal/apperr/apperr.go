package apperr

import (
	"context"
	"errors"
	"fmt"
)

// ErrTransient marks failures that are safe to retry: timeouts and
// infrastructure hiccups (database, redis).
var ErrTransient = errors.New("temporarily unavailable, retry later")

// ValidationError reports malformed caller input.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func Validation(msg string) error {
	return &ValidationError{msg: msg}
}

func Validationf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}

// Transient wraps err with ErrTransient when it was caused by a deadline or
// cancellation. Errors already marked transient and all other errors are
// returned unchanged.
func Transient(op string, err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}
	return err
}

// Unavailable marks err as transient regardless of its cause. Store adapters
// use it for failures to reach the database or Redis; the original error
// stays in the chain.
func Unavailable(op string, err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}
