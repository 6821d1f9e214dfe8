// Package breaker implements the Circuit Breaker Registry (§4.5): one
// breaker per (provider[:model]) target, a CLOSED/HALF_OPEN/OPEN state
// machine with serialized transitions. Grounded on routing/routing.go's
// FailoverState (failure-count + cooldown map), rebuilt as an explicit state
// enum since the spec requires the fuller HALF_OPEN trial semantics that a
// boolean-from-elapsed-time check cannot express.
package breaker

import (
	"sync"
	"time"

	"github.com/alfred-oss/fabric/clock"
	"github.com/alfred-oss/fabric/events"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the per-target thresholds from §4.5/§6.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int
	HalfOpenMax      int // concurrent trial calls allowed while HALF_OPEN
}

// breaker is one target's state machine. All fields are guarded by mu so
// transitions are serialized, matching §5's "exactly one state at any
// instant" invariant.
type breaker struct {
	mu sync.Mutex

	target  string
	cfg     Config
	state   State
	failures int
	halfOpenSuccesses int
	halfOpenInFlight  int
	nextAttempt time.Time
}

// Registry owns one breaker per target key, each with its own lock so
// unrelated targets never contend (§5).
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*breaker
	cfg      Config
	clk      clock.Clock
	bus      *events.Bus
}

func NewRegistry(cfg Config, clk clock.Clock, bus *events.Bus) *Registry {
	return &Registry{
		breakers: make(map[string]*breaker),
		cfg:      cfg,
		clk:      clk,
		bus:      bus,
	}
}

func (r *Registry) get(target string) *breaker {
	r.mu.RLock()
	b, ok := r.breakers[target]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[target]; ok {
		return b
	}
	b = &breaker{target: target, cfg: r.cfg, state: Closed}
	r.breakers[target] = b
	return b
}

// Allow reports whether a request may proceed to target right now. CLOSED
// always allows; OPEN
// allows only once now >= next_attempt_time, transitioning to HALF_OPEN and
// admitting up to HalfOpenMax concurrent trials.
func (r *Registry) Allow(target string) bool {
	b := r.get(target)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		if b.halfOpenInFlight < maxInt(b.cfg.HalfOpenMax, 1) {
			b.halfOpenInFlight++
			return true
		}
		return false
	case Open:
		now := r.clk.Now()
		if !now.Before(b.nextAttempt) {
			r.transition(b, HalfOpen, "reset_timeout_elapsed")
			b.halfOpenInFlight = 1
			return true
		}
		return false
	}
	return false
}

// RecordSuccess registers a successful call against target.
func (r *Registry) RecordSuccess(target string) {
	b := r.get(target)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		if b.failures > 0 {
			b.failures--
		}
	case HalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			r.transition(b, Closed, "half_open_success_threshold")
			b.failures = 0
			b.halfOpenSuccesses = 0
		}
	case Open:
		// stale success from an in-flight call started before the trip; ignore.
	}
}

// RecordFailure registers a failed call against target, classified by the
// caller as counting toward breaker state (not every CallError kind does —
// see §7; the failover controller decides which kinds to report here).
func (r *Registry) RecordFailure(target string) {
	b := r.get(target)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			r.transition(b, Open, "failure_threshold_exceeded")
			b.nextAttempt = r.clk.Now().Add(b.cfg.ResetTimeout)
		}
	case HalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		r.transition(b, Open, "half_open_trial_failed")
		b.failures = b.cfg.FailureThreshold
		b.halfOpenSuccesses = 0
		b.nextAttempt = r.clk.Now().Add(b.cfg.ResetTimeout)
	case Open:
		// already open; nothing to do beyond refreshing next_attempt is not
		// specified by §4.5, so we leave it as-is.
	}
}

// Reset forces target back to CLOSED (explicit manual reset, §4.5).
func (r *Registry) Reset(target string) {
	b := r.get(target)
	b.mu.Lock()
	defer b.mu.Unlock()
	r.transition(b, Closed, "manual_reset")
	b.failures = 0
	b.halfOpenSuccesses = 0
	b.halfOpenInFlight = 0
}

// State reports the current state of target without side effects.
func (r *Registry) State(target string) State {
	b := r.get(target)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with b.mu held.
func (r *Registry) transition(b *breaker, to State, reason string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if r.bus != nil {
		r.bus.Publish(events.Event{
			Kind:   events.BreakerTransitioned,
			Target: b.target,
			From:   from.String(),
			To:     to.String(),
			Reason: reason,
		})
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
