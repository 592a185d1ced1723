package relay

import (
	"errors"
	"fmt"
	"time"

	"relaybot/internal/storage"
)

var (
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrValidationFailed    = errors.New("validation failed")
	ErrDuplicate           = errors.New("already exists")
	ErrNotFound            = errors.New("not found")
	ErrLimitExceeded       = errors.New("limit exceeded")
	ErrStorage             = errors.New("storage failure")
	ErrTransport           = errors.New("transport failure")
	ErrCooldownActive      = errors.New("cooldown active")
	ErrNothingToSend       = errors.New("nothing to send")
)

// CooldownError is returned while an operator's broadcast cooldown is running.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("cooldown active: %s remaining", e.Remaining.Round(time.Second))
}

func (e *CooldownError) Is(target error) bool { return target == ErrCooldownActive }

// ValidationError carries the operator-facing reason an input was rejected.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidationFailed }

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(reason string) error { return &ValidationError{Reason: reason} }

// storageFailure tags err as ErrStorage while keeping the *storage.Error chain.
func storageFailure(err error) error {
	if err == nil || errors.Is(err, ErrStorage) {
		return err
	}
	var se *storage.Error
	if errors.As(err, &se) {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return err
}
