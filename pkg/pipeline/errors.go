package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failed upstream call. Classification happens before any
// success/failure decision: an HTTP 200 carrying an error envelope is
// classified like the error it describes, never treated as success.
type Kind int

const (
	// KindTransient covers rate-limited (HTTP 429), server-error (5xx) and
	// network-timeout failures. Only this kind is retried.
	KindTransient Kind = iota

	// KindAuth covers 401/UNAUTHENTICATED responses. Never retried and never
	// counted toward the circuit breaker's failure threshold: a bad
	// credential is not an infrastructure failure.
	KindAuth

	// KindInvalid covers validation rejections. Surfaced to the caller
	// verbatim-ish, never retried.
	KindInvalid

	// KindNotFound covers missing-entity responses. Never retried.
	KindNotFound

	// KindRateLimited means the local shared token bucket could not grant a
	// slot within the configured wait. Not retryable at this layer; the
	// caller may try again later.
	KindRateLimited

	// KindUnavailable means the circuit breaker is open and the call failed
	// fast without a network attempt.
	KindUnavailable

	// KindUnknownOutcome means a mutating call timed out after the request
	// may have reached the server. It is never retried automatically because
	// the side effect may already have been applied.
	KindUnknownOutcome

	// KindInternal covers unexpected local failures.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindUnavailable:
		return "unavailable"
	case KindUnknownOutcome:
		return "unknown_outcome"
	default:
		return "internal"
	}
}

// Error is a classified upstream call failure. Hint is safe to show an
// untrusted caller; Err carries the internal diagnostic and the two are never
// merged into one string.
type Error struct {
	Kind Kind
	Op   string
	Hint string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Invalid builds a caller-error for a rejected argument. Hint doubles as the
// user-facing message.
func Invalid(op, hint string) *Error {
	return &Error{Kind: KindInvalid, Op: op, Hint: hint}
}

// KindOf extracts the classification of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// Retryable reports whether err may be retried. Only transient failures
// qualify; auth, validation and rate-limit-wait errors never do.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// countsAsFailure reports whether err should advance the circuit breaker's
// consecutive-failure count. Authentication and caller errors are excluded:
// tripping the breaker on a revoked credential would take the whole target
// down for every user.
func countsAsFailure(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindUnknownOutcome, KindInternal:
		return true
	default:
		return false
	}
}

// ClassifyStatus maps an HTTP status from a REST-style backend to a Kind.
func ClassifyStatus(status int) Kind {
	switch {
	case status == 401:
		return KindAuth
	case status == 404:
		return KindNotFound
	case status == 429:
		return KindTransient
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindInvalid
	default:
		return KindInternal
	}
}

// ClassifyCode maps an RPC-style application code (carried in a 200 response
// body) to a Kind.
func ClassifyCode(code int) Kind {
	switch {
	case code == CodeUnauthenticated:
		return KindAuth
	case code == CodeRateLimited:
		return KindTransient
	case code == CodeNotFound:
		return KindNotFound
	case code >= 50000:
		return KindTransient
	default:
		return KindInvalid
	}
}

// Application codes used by the upstream envelope.
const (
	CodeOK              = 0
	CodeInvalidArgument = 40000
	CodeUnauthenticated = 40100
	CodeNotFound        = 40400
	CodeRateLimited     = 42900
	CodeInternal        = 50000
	CodeUnavailable     = 50300
)

// classifyNetErr classifies a transport-level error. Timeouts on mutating
// calls become unknown-outcome; everything else is transient.
func classifyNetErr(op string, err error, mutating bool) *Error {
	timeout := errors.Is(err, context.DeadlineExceeded)
	var netErr net.Error
	if !timeout && errors.As(err, &netErr) {
		timeout = netErr.Timeout()
	}
	if timeout && mutating {
		return &Error{
			Kind: KindUnknownOutcome,
			Op:   op,
			Hint: "request timed out and its outcome is unknown; check before retrying",
			Err:  err,
		}
	}
	return &Error{
		Kind: KindTransient,
		Op:   op,
		Hint: "upstream temporarily unreachable, try again",
		Err:  err,
	}
}
