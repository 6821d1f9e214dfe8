// Package retry implements Smart Retry: bounded exponential backoff with
// jitter over an explicit result-sum type, classifying upstream errors as
// retryable, fatal, or health-affecting per the error taxonomy. No panics,
// no sentinel errors threaded across layers — callers get an Outcome back.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/alfred-oss/fabric/clock"
)

// ErrorKind enumerates the error taxonomy classes a call can fail with.
type ErrorKind int

const (
	KindTransientNetwork ErrorKind = iota
	KindUpstreamRateLimit
	KindUpstreamServerError
	KindUpstreamClientError
	KindAuth
	KindTimeout
	KindConfig
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindUpstreamRateLimit:
		return "upstream_rate_limit"
	case KindUpstreamServerError:
		return "upstream_server_error"
	case KindUpstreamClientError:
		return "upstream_client_error"
	case KindAuth:
		return "auth"
	case KindTimeout:
		return "timeout"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// CallError is the structured error every layer of the core passes around
// instead of a bare `error`, so retry/failover can decide without
// re-inspecting HTTP status codes at every hop.
type CallError struct {
	Kind       ErrorKind
	Retryable  bool
	RetryAfter time.Duration // honored when Kind == KindUpstreamRateLimit
	Cause      error
}

func (e *CallError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

func (e *CallError) Unwrap() error { return e.Cause }

// Classify maps an ErrorKind to its retryability per §7's taxonomy. A caller
// constructing CallError should still set Retryable explicitly in most
// cases; Classify exists for call sites that only know the kind.
func Classify(kind ErrorKind) bool {
	switch kind {
	case KindTransientNetwork, KindUpstreamRateLimit, KindUpstreamServerError:
		return true
	default:
		return false
	}
}

// Outcome is the result sum every call in the core resolves to: either a
// value or a CallError, never both, never a panic.
type Outcome[T any] struct {
	Value T
	Err   *CallError
}

func Ok[T any](v T) Outcome[T]               { return Outcome[T]{Value: v} }
func Fail[T any](err *CallError) Outcome[T]  { return Outcome[T]{Err: err} }
func (o Outcome[T]) IsOk() bool              { return o.Err == nil }

// Policy holds the bounded-backoff parameters from §4.6 / §6.
type Policy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
}

// Delay returns the schedule delay for the given 1-indexed attempt number,
// before jitter: min(max_delay, base*mult^(attempt-1)).
func (p Policy) Delay(attempt int) time.Duration {
	raw := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	d := time.Duration(raw)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do executes fn up to p.MaxAttempts times, applying jittered exponential
// backoff between attempts, honoring ctx cancellation/deadline at every
// suspension point, and returning the final Outcome. A CallError with
// Retryable == false stops the loop immediately. An upstream-rate-limit
// error respects RetryAfter when it is larger than the computed backoff.
func Do[T any](ctx context.Context, clk clock.Clock, p Policy, fn func(ctx context.Context, attempt int) Outcome[T]) Outcome[T] {
	var last Outcome[T]
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return Fail[T](&CallError{Kind: KindTimeout, Retryable: false, Cause: ctx.Err()})
		default:
		}

		last = fn(ctx, attempt)
		if last.IsOk() {
			return last
		}
		if !last.Err.Retryable || attempt == p.MaxAttempts {
			return last
		}

		delay := clock.Jitter(p.Delay(attempt), 0.5, 1.5)
		if last.Err.Kind == KindUpstreamRateLimit && last.Err.RetryAfter > delay {
			delay = last.Err.RetryAfter
		}

		select {
		case <-ctx.Done():
			return Fail[T](&CallError{Kind: KindTimeout, Retryable: false, Cause: ctx.Err()})
		case <-clk.After(delay):
		}
	}
	return last
}
