package xpost

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrUnknownDestination is returned for ids missing from the registry.
	ErrUnknownDestination = errors.New("unknown destination")
	// ErrNoDestinations is returned when a request names no destinations.
	ErrNoDestinations = errors.New("at least one destination is required")
)

// MissingEnvError is returned when required configuration is missing.
type MissingEnvError struct {
	Provider  string
	Variables []string
}

func (e MissingEnvError) Error() string {
	if len(e.Variables) == 0 {
		return fmt.Sprintf("%s credentials not configured", e.Provider)
	}
	return fmt.Sprintf("%s credentials not configured (missing %s)", e.Provider, strings.Join(e.Variables, ", "))
}

// ValidationError captures provider-specific validation issues.
type ValidationError struct {
	Provider string
	Reason   string
}

func (e ValidationError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("%s validation failed: %s", e.Provider, e.Reason)
}

// FailureKind classifies a publish failure.
type FailureKind int

const (
	FailurePermanent FailureKind = iota
	FailureTransient
	FailureAuth
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransient:
		return "transient"
	case FailureAuth:
		return "auth"
	default:
		return "permanent"
	}
}

// PublishError is the classified error adapters return.
type PublishError struct {
	Kind FailureKind
	// RetryAfter is the server requested delay before the next attempt, if any.
	RetryAfter time.Duration
	Err        error
}

func (e *PublishError) Error() string {
	if e.Err == nil {
		return e.Kind.String() + " failure"
	}
	return e.Err.Error()
}

func (e *PublishError) Unwrap() error { return e.Err }

// Auth wraps err as an authentication failure.
func Auth(err error) error { return &PublishError{Kind: FailureAuth, Err: err} }

// Transient wraps err as a retry-worthy failure.
func Transient(err error) error { return &PublishError{Kind: FailureTransient, Err: err} }

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error { return &PublishError{Kind: FailurePermanent, Err: err} }

// RateLimited wraps err as a transient failure carrying a Retry-After hint.
func RateLimited(err error, after time.Duration) error {
	return &PublishError{Kind: FailureTransient, RetryAfter: after, Err: err}
}

// Classify returns the failure kind of err. Unclassified errors are permanent,
// except network timeouts which are treated as transient.
func Classify(err error) FailureKind {
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTransient
	}
	return FailurePermanent
}

// RetryAfter returns the server requested delay carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// FromStatus classifies an HTTP status code returned by a destination API.
func FromStatus(status int, err error) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Auth(err)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return Transient(err)
	default:
		return Permanent(err)
	}
}
