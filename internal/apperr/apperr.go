// Package apperr defines the error taxonomy shared by every core component.
// Components return these types; HTTP status translation happens once, at the transport layer.
package apperr

import "errors"

// ValidationError means the input failed schema or field validation. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return "validation: field '" + e.Field + "': " + e.Message
}

// AuthenticationError means the signature, replay check, or timestamp failed. Never retried.
type AuthenticationError struct {
	Reason string // "stale_timestamp" | "bad_signature" | "config_missing"
}

func (e *AuthenticationError) Error() string { return "authentication: " + e.Reason }

// NotFoundError means the referenced entity does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return e.Kind + " not found: " + e.ID }

// TransientRemoteError wraps a network/timeout/5xx condition from a downstream dependency.
// Retried with backoff; escalates the calling agent's circuit breaker.
type TransientRemoteError struct {
	Cause error
}

func (e *TransientRemoteError) Error() string { return "transient remote error: " + e.Cause.Error() }
func (e *TransientRemoteError) Unwrap() error { return e.Cause }

// CircuitOpenError is returned when a breaker gates a call. Callers should consult the fallback chain.
type CircuitOpenError struct {
	Agent string
}

func (e *CircuitOpenError) Error() string { return "circuit open for agent " + e.Agent }

// PermanentRemoteError wraps a non-auth 4xx from a downstream dependency. Not retried.
type PermanentRemoteError struct {
	Cause error
}

func (e *PermanentRemoteError) Error() string { return "permanent remote error: " + e.Cause.Error() }
func (e *PermanentRemoteError) Unwrap() error { return e.Cause }

// InternalError is an unexpected condition. Logged with full context; never leaks internals to callers.
type InternalError struct {
	Cause error
}

func (e *InternalError) Error() string { return "internal error: " + e.Cause.Error() }
func (e *InternalError) Unwrap() error { return e.Cause }

// Sentinel values for cases that don't need structured fields.
var (
	ErrCyclicDependency = errors.New("workflow has circular dependencies")
	ErrReorderRefused   = errors.New("reordering refused: template does not allow reordering or new order violates a dependency")
)

// IsRetryable reports whether err belongs to a class that the retry policy should act on.
func IsRetryable(err error) bool {
	var transient *TransientRemoteError
	if errors.As(err, &transient) {
		return true
	}
	var circuitOpen *CircuitOpenError
	return errors.As(err, &circuitOpen)
}
