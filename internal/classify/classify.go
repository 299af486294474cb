// Package classify maps raw session and processor failures into a typed
// taxonomy with a recovery strategy. Classification is pure: the same error
// text and context always yield the same result. Retry bounds are the
// caller's responsibility.
package classify

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Kind is the taxonomy tag for a classified failure.
type Kind string

const (
	KindLaunchFailure      Kind = "resource_launch_failure"
	KindTimeout            Kind = "resource_timeout"
	KindSessionTerminated  Kind = "resource_session_terminated"
	KindDownstreamFailure  Kind = "downstream_failure"
	KindResourceExhaustion Kind = "resource_exhaustion"
	KindCircuitOpen        Kind = "circuit_open"
	KindGeneric            Kind = "generic"
)

// Strategy is the suggested recovery policy for a classified failure.
type Strategy string

const (
	StrategyImmediate          Strategy = "immediate"
	StrategyProgressiveBackoff Strategy = "progressive_backoff"
	StrategySessionRecreation  Strategy = "session_recreation"
	StrategyNoRetry            Strategy = "no_retry"
)

// Classified is the typed outcome of classification.
type Classified struct {
	Kind        Kind
	Recoverable bool
	Strategy    Strategy
	RetryDelay  time.Duration
	Message     string
}

// Context tells the classifier where the failure surfaced. It only refines
// the generic fallback; the taxonomy itself is context-independent.
type Context string

const (
	ContextAcquire Context = "acquire"
	ContextBatch   Context = "batch"
)

// ErrCircuitOpen is returned by the session manager when the breaker denies
// an acquisition attempt.
var ErrCircuitOpen = errors.New("circuit breaker open: session acquisition blocked")

// rule is one ordered taxonomy entry. First match wins.
type rule struct {
	kind        Kind
	substrings  []string
	recoverable bool
	strategy    Strategy
	delay       time.Duration
}

// Taxonomy order matters: more specific kinds come first so that e.g. a
// launch failure containing "timeout" still classifies as launch failure.
var rules = []rule{
	{
		kind:        KindLaunchFailure,
		substrings:  []string{"failed to start", "exec:", "executable file not found", "failed startup test", "chrome not found", "launch"},
		recoverable: false,
		strategy:    StrategyNoRetry,
		delay:       0,
	},
	{
		kind:        KindTimeout,
		substrings:  []string{"context deadline exceeded", "timeout", "timed out"},
		recoverable: true,
		strategy:    StrategyProgressiveBackoff,
		delay:       5 * time.Second,
	},
	{
		kind:        KindSessionTerminated,
		substrings:  []string{"target crashed", "session closed", "browser closed", "connection closed", "websocket: close", "context canceled", "target closed", "disconnected"},
		recoverable: true,
		strategy:    StrategySessionRecreation,
		delay:       2 * time.Second,
	},
	{
		kind:        KindDownstreamFailure,
		substrings:  []string{"net::err", "navigation failed", "page load error", "could not navigate", "dns", "connection refused"},
		recoverable: true,
		strategy:    StrategyProgressiveBackoff,
		delay:       3 * time.Second,
	},
	{
		kind:        KindResourceExhaustion,
		substrings:  []string{"out of memory", "cannot allocate", "resource exhausted", "too many open files"},
		recoverable: true,
		strategy:    StrategySessionRecreation,
		delay:       10 * time.Second,
	},
}

// Classify maps a raw failure into the taxonomy. Matching is
// case-insensitive substring matching over the error text, first match
// wins. A nil error classifies as generic/no_retry so that callers never
// dereference a zero Classified.
func Classify(err error, ctx Context) Classified {
	if err == nil {
		return Classified{Kind: KindGeneric, Recoverable: false, Strategy: StrategyNoRetry, Message: ""}
	}

	// Sentinel checks before text matching.
	if errors.Is(err, ErrCircuitOpen) {
		return Classified{
			Kind:        KindCircuitOpen,
			Recoverable: true,
			Strategy:    StrategyProgressiveBackoff,
			RetryDelay:  30 * time.Second,
			Message:     err.Error(),
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classified{
			Kind:        KindTimeout,
			Recoverable: true,
			Strategy:    StrategyProgressiveBackoff,
			RetryDelay:  5 * time.Second,
			Message:     err.Error(),
		}
	}

	text := strings.ToLower(err.Error())
	for _, r := range rules {
		for _, sub := range r.substrings {
			if strings.Contains(text, sub) {
				return Classified{
					Kind:        r.kind,
					Recoverable: r.recoverable,
					Strategy:    r.strategy,
					RetryDelay:  r.delay,
					Message:     err.Error(),
				}
			}
		}
	}

	// Generic fallback: a failure during a batch gets one recovery
	// attempt with a fresh session; an acquisition failure we cannot
	// name is treated as fatal for the job.
	if ctx == ContextBatch {
		return Classified{
			Kind:        KindGeneric,
			Recoverable: true,
			Strategy:    StrategySessionRecreation,
			RetryDelay:  5 * time.Second,
			Message:     err.Error(),
		}
	}
	return Classified{
		Kind:        KindGeneric,
		Recoverable: false,
		Strategy:    StrategyNoRetry,
		Message:     err.Error(),
	}
}
