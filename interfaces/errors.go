package interfaces

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation is returned for malformed caller input.
	ErrValidation = errors.New("validation error")
	// ErrConnection is returned when a backend cannot be constructed or connected.
	ErrConnection = errors.New("connection error")
	// ErrUnknownBackend is returned for names missing from the registry.
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrProvider is returned when a backend operation fails.
	ErrProvider = errors.New("provider error")
	// ErrSigningFailed is returned when a backend cannot produce a signed URL.
	ErrSigningFailed = errors.New("signing failed")
	// ErrFallbackExhausted is returned when every backend in a fallback chain failed.
	ErrFallbackExhausted = errors.New("fallback exhausted")
	// ErrObjectNotFound is the provider-level cause for a missing object.
	ErrObjectNotFound = errors.New("object not found")
)

// ErrorKind is the stable, serializable name of an error class.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindValidation        ErrorKind = "validation"
	KindConnection        ErrorKind = "connection"
	KindUnknownBackend    ErrorKind = "unknown_backend"
	KindProvider          ErrorKind = "provider"
	KindSigningFailed     ErrorKind = "signing_failed"
	KindFallbackExhausted ErrorKind = "fallback_exhausted"
	KindCancelled         ErrorKind = "cancelled"
)

// KindOf classifies err. Exhaustion is checked first since it aggregates
// other kinds.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrFallbackExhausted):
		return KindFallbackExhausted
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrUnknownBackend):
		return KindUnknownBackend
	case errors.Is(err, ErrSigningFailed):
		return KindSigningFailed
	case errors.Is(err, ErrConnection):
		return KindConnection
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindProvider
	}
}

// Validationf builds an ErrValidation with a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// BackendFailure records how one backend in a chain failed.
type BackendFailure struct {
	Backend  string `json:"backend"`
	Attempts int    `json:"attempts"`
	Err      error  `json:"-"`
}

// FallbackError aggregates the failures of every backend tried for one call.
type FallbackError struct {
	Operation string
	Requested string
	Failures  []BackendFailure
}

func (e *FallbackError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (%d attempts): %v", f.Backend, f.Attempts, f.Err))
	}
	return fmt.Sprintf("%s: %s requested on %s, tried [%s]",
		ErrFallbackExhausted, e.Operation, e.Requested, strings.Join(parts, "; "))
}

func (e *FallbackError) Is(target error) bool {
	return target == ErrFallbackExhausted
}

// Backends returns the tried backend names in attempt order.
func (e *FallbackError) Backends() []string {
	names := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		names[i] = f.Backend
	}
	return names
}

// TriedBackends extracts the ordered backend list from err, if it carries one.
func TriedBackends(err error) []string {
	var fe *FallbackError
	if errors.As(err, &fe) {
		return fe.Backends()
	}
	return nil
}
