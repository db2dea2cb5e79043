package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrBadEnvelope is returned for frames that cannot be parsed or
	// that name no event.
	ErrBadEnvelope = errors.New("protocol: bad envelope")
)

// AuthError rejects a connection or submission whose credential is
// missing, malformed or expired.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth: " + e.Reason }

// ValidationError rejects a submission whose payload fails the rules
// for its event kind.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
	}
	return "validation: " + e.Reason
}

// RateLimitError throttles a submission. RetryAfter is whole seconds
// until the bucket readmits the event kind.
type RateLimitError struct {
	EventType  string
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s, retry after %ds", e.EventType, e.RetryAfter)
}

// Notice converts the error into its wire payload.
func (e *RateLimitError) Notice() RateLimitNotice {
	return RateLimitNotice{
		EventType:  e.EventType,
		Message:    "Slow down. You are sending too fast.",
		RetryAfter: e.RetryAfter,
	}
}

// TransportError wraps socket-level failures (dial, write, closed
// connection) distinct from semantic rejections.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// ReconciliationConflict records a canonical echo that matched no local
// optimistic copy. Receivers treat the echo as a fresh create; the
// error exists so the condition is observable.
type ReconciliationConflict struct {
	CorrelationID string
}

func (e *ReconciliationConflict) Error() string {
	return "reconciliation: no local match for " + e.CorrelationID
}
