package breaker

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/alfred-oss/fabric/clock"
	"github.com/alfred-oss/fabric/events"
)

func newTestRegistry(cfg Config) (*Registry, *clock.Fake) {
	clk := clock.NewFake(time.Unix(0, 0))
	bus := events.New(zerolog.New(io.Discard))
	return NewRegistry(cfg, clk, bus), clk
}

func TestBreakerStartsClosed(t *testing.T) {
	r, _ := newTestRegistry(Config{FailureThreshold: 3, ResetTimeout: time.Second, SuccessThreshold: 2, HalfOpenMax: 1})
	if !r.Allow("openai") {
		t.Fatal("expected a fresh breaker to allow requests")
	}
	if r.State("openai") != Closed {
		t.Fatalf("expected Closed, got %s", r.State("openai"))
	}
}

func TestBreakerTripsAtFailureThreshold(t *testing.T) {
	r, _ := newTestRegistry(Config{FailureThreshold: 3, ResetTimeout: time.Second, SuccessThreshold: 2, HalfOpenMax: 1})

	r.RecordFailure("openai")
	r.RecordFailure("openai")
	if r.State("openai") != Closed {
		t.Fatalf("expected still Closed after 2/3 failures, got %s", r.State("openai"))
	}

	r.RecordFailure("openai")
	if r.State("openai") != Open {
		t.Fatalf("expected Open after reaching failure threshold, got %s", r.State("openai"))
	}
	if r.Allow("openai") {
		t.Fatal("expected Open breaker to reject before reset timeout elapses")
	}
}

func TestBreakerTransitionsToHalfOpenAfterResetTimeout(t *testing.T) {
	r, clk := newTestRegistry(Config{FailureThreshold: 1, ResetTimeout: time.Second, SuccessThreshold: 1, HalfOpenMax: 1})

	r.RecordFailure("anthropic")
	if r.State("anthropic") != Open {
		t.Fatalf("expected Open, got %s", r.State("anthropic"))
	}

	clk.Advance(2 * time.Second)
	if !r.Allow("anthropic") {
		t.Fatal("expected a trial request to be allowed once reset timeout elapses")
	}
	if r.State("anthropic") != HalfOpen {
		t.Fatalf("expected HalfOpen, got %s", r.State("anthropic"))
	}
}

func TestBreakerHalfOpenSuccessClosesCircuit(t *testing.T) {
	r, clk := newTestRegistry(Config{FailureThreshold: 1, ResetTimeout: time.Second, SuccessThreshold: 2, HalfOpenMax: 1})

	r.RecordFailure("gemini")
	clk.Advance(2 * time.Second)
	if !r.Allow("gemini") {
		t.Fatal("expected trial request allowed")
	}

	r.RecordSuccess("gemini")
	if r.State("gemini") != HalfOpen {
		t.Fatalf("expected still HalfOpen after one of two required successes, got %s", r.State("gemini"))
	}

	if !r.Allow("gemini") {
		t.Fatal("expected a second trial to be allowed")
	}
	r.RecordSuccess("gemini")
	if r.State("gemini") != Closed {
		t.Fatalf("expected Closed after reaching success threshold, got %s", r.State("gemini"))
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	r, clk := newTestRegistry(Config{FailureThreshold: 1, ResetTimeout: time.Second, SuccessThreshold: 2, HalfOpenMax: 1})

	r.RecordFailure("mistral")
	clk.Advance(2 * time.Second)
	r.Allow("mistral")

	r.RecordFailure("mistral")
	if r.State("mistral") != Open {
		t.Fatalf("expected a failed trial to reopen the breaker, got %s", r.State("mistral"))
	}
}

func TestBreakerHalfOpenMaxCapsConcurrentTrials(t *testing.T) {
	r, clk := newTestRegistry(Config{FailureThreshold: 1, ResetTimeout: time.Second, SuccessThreshold: 5, HalfOpenMax: 2})

	r.RecordFailure("groq")
	clk.Advance(2 * time.Second)

	if !r.Allow("groq") {
		t.Fatal("expected first trial allowed")
	}
	if !r.Allow("groq") {
		t.Fatal("expected second trial allowed (HalfOpenMax=2)")
	}
	if r.Allow("groq") {
		t.Fatal("expected third concurrent trial to be rejected")
	}
}

func TestBreakerManualReset(t *testing.T) {
	r, _ := newTestRegistry(Config{FailureThreshold: 1, ResetTimeout: time.Second, SuccessThreshold: 1, HalfOpenMax: 1})
	r.RecordFailure("cohere")
	if r.State("cohere") != Open {
		t.Fatal("expected Open")
	}
	r.Reset("cohere")
	if r.State("cohere") != Closed {
		t.Fatal("expected Closed after manual reset")
	}
	if !r.Allow("cohere") {
		t.Fatal("expected requests allowed after reset")
	}
}

func TestBreakersAreIndependentPerTarget(t *testing.T) {
	r, _ := newTestRegistry(Config{FailureThreshold: 1, ResetTimeout: time.Second, SuccessThreshold: 1, HalfOpenMax: 1})
	r.RecordFailure("openai")
	if r.State("openai") != Open {
		t.Fatal("expected openai Open")
	}
	if r.State("anthropic") != Closed {
		t.Fatal("expected unrelated target anthropic to remain Closed")
	}
}
