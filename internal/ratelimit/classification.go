// Package ratelimit turns failed submission responses into a closed set of
// classifications the backoff controller can act on.
package ratelimit

import (
	"fmt"
	"time"
)

type Kind string

const (
	KindDailyLimit       Kind = "daily_limit"
	KindConcurrentLimit  Kind = "concurrent_limit"
	KindUnknownRateLimit Kind = "unknown_rate_limit"
	KindAuthError        Kind = "auth_error"
	KindNetworkError     Kind = "network_error"
	KindOtherError       Kind = "other_error"
)

// Classification is implemented only by the types in this package.
type Classification interface {
	Kind() Kind
	Reason() string
	classification()
}

type DailyLimit struct {
	ResetSeconds int64
	// ResetTime is zero when the body carried no reset hint.
	ResetTime time.Time
}

type ConcurrentLimit struct {
	NumTasks int
}

type UnknownRateLimit struct {
	// Body is kept for diagnostics only.
	Body string
}

type AuthError struct {
	StatusCode int
}

type NetworkError struct {
	Err error
}

type OtherError struct {
	StatusCode int
	Detail     string
}

func (DailyLimit) Kind() Kind       { return KindDailyLimit }
func (ConcurrentLimit) Kind() Kind  { return KindConcurrentLimit }
func (UnknownRateLimit) Kind() Kind { return KindUnknownRateLimit }
func (AuthError) Kind() Kind        { return KindAuthError }
func (NetworkError) Kind() Kind     { return KindNetworkError }
func (OtherError) Kind() Kind       { return KindOtherError }

func (DailyLimit) classification()       {}
func (ConcurrentLimit) classification()  {}
func (UnknownRateLimit) classification() {}
func (AuthError) classification()        {}
func (NetworkError) classification()     {}
func (OtherError) classification()       {}

func (d DailyLimit) Reason() string {
	if d.ResetTime.IsZero() {
		return "daily limit reached"
	}
	return fmt.Sprintf("daily limit reached, resets at %s", d.ResetTime.UTC().Format(time.RFC3339))
}

func (c ConcurrentLimit) Reason() string {
	return fmt.Sprintf("concurrency limit reached (%d tasks in progress)", c.NumTasks)
}

func (UnknownRateLimit) Reason() string { return "rate limited" }

func (AuthError) Reason() string { return "credential needed" }

func (n NetworkError) Reason() string {
	if n.Err == nil {
		return "network error"
	}
	return "network error: " + n.Err.Error()
}

func (o OtherError) Reason() string {
	if o.Detail == "" {
		return fmt.Sprintf("submission failed (status %d)", o.StatusCode)
	}
	return fmt.Sprintf("submission failed (status %d): %s", o.StatusCode, o.Detail)
}

// Error wraps a classification as an error for logging.
type Error struct {
	C Classification
}

func (e *Error) Error() string { return string(e.C.Kind()) + ": " + e.C.Reason() }

func (e *Error) Unwrap() error {
	if n, ok := e.C.(NetworkError); ok {
		return n.Err
	}
	return nil
}
