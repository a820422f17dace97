package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrConfiguration = errors.New("configuration error")
	ErrValidation    = errors.New("validation error")
	ErrProvider      = errors.New("provider error")
	ErrTransient     = errors.New("transient network error")
	ErrNotFound      = errors.New("not found")
)

// ProviderError carries the raw upstream message of a failed call to the
// object store or the rendering service.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: status=%d: %s", e.Provider, e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Op, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrProvider:
		return true
	case ErrTransient:
		return e.Transient()
	default:
		return false
	}
}

// Transient reports whether repeating the same request may succeed:
// network failures without a status, throttling, and 5xx responses.
func (e *ProviderError) Transient() bool {
	if e.StatusCode == 0 {
		return e.Err != nil
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Category returns the short error class exposed to API callers.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrProvider):
		return "provider_error"
	default:
		return "internal_error"
	}
}

// UpstreamMessage extracts the raw provider message when one is available.
func UpstreamMessage(err error) string {
	var perr *ProviderError
	if errors.As(err, &perr) && perr.Message != "" {
		return perr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
