package credential

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/alfred-oss/fabric/clock"
	"github.com/alfred-oss/fabric/events"
)

func newTestPool(strategy Strategy) (*Pool, *clock.Fake) {
	clk := clock.NewFake(time.Unix(0, 0))
	bus := events.New(zerolog.New(io.Discard))
	p := NewPool(Config{
		Strategy:         strategy,
		SafetyBuffer:     time.Second,
		DegradedFloor:    50,
		UnavailableFloor: 10,
	}, clk, bus, nil)
	return p, clk
}

func TestAcquireReturnsErrorWhenNoCredentials(t *testing.T) {
	p, _ := newTestPool(RoundRobin)
	if _, err := p.Acquire("openai", 100); err != ErrNoCredentialAvailable {
		t.Fatalf("expected ErrNoCredentialAvailable, got %v", err)
	}
}

func TestRoundRobinCyclesCredentials(t *testing.T) {
	p, _ := newTestPool(RoundRobin)
	p.AddCredential("k1", "openai", "sk-1", 0, 0, 0, 1)
	p.AddCredential("k2", "openai", "sk-2", 0, 0, 0, 1)

	seen := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		c, err := p.Acquire("openai", 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen = append(seen, c.ID)
	}
	want := []string{"k1", "k2", "k1", "k2"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("round robin order mismatch at %d: got %v, want %v", i, seen, want)
		}
	}
}

func TestRateLimitedCredentialIneligibleUntilSafetyBufferElapses(t *testing.T) {
	p, clk := newTestPool(RoundRobin)
	p.AddCredential("k1", "openai", "sk-1", 0, 0, 0, 1)

	c, err := p.Acquire("openai", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.RecordOutcome(c, Outcome{RateLimited: true, RateLimitReset: 5 * time.Second})

	if _, err := p.Acquire("openai", 0); err != ErrNoCredentialAvailable {
		t.Fatalf("expected no credential available while rate limited, got %v", err)
	}

	// Not yet past rate-limit-reset + safety buffer.
	clk.Advance(5 * time.Second)
	if _, err := p.Acquire("openai", 0); err != ErrNoCredentialAvailable {
		t.Fatalf("expected still unavailable before safety buffer elapses, got %v", err)
	}

	clk.Advance(2 * time.Second)
	if _, err := p.Acquire("openai", 0); err != nil {
		t.Fatalf("expected credential eligible again after reset+buffer, got %v", err)
	}
}

func TestUnavailableCredentialNeverEligible(t *testing.T) {
	p, _ := newTestPool(RoundRobin)
	p.AddCredential("k1", "openai", "sk-1", 0, 0, 0, 1)
	c, _ := p.Acquire("openai", 0)
	p.RecordOutcome(c, Outcome{Unavailable: true, UnavailableReason: "revoked"})

	if _, err := p.Acquire("openai", 0); err != ErrNoCredentialAvailable {
		t.Fatalf("expected unavailable credential to never be eligible, got %v", err)
	}
}

func TestRepeatedFailuresDegradeThenUnavailable(t *testing.T) {
	p, _ := newTestPool(RoundRobin)
	p.AddCredential("k1", "openai", "sk-1", 0, 0, 0, 1)
	c, _ := p.Acquire("openai", 0)

	for i := 0; i < 11; i++ {
		p.RecordOutcome(c, Outcome{})
	}
	health, score := c.snapshotHealth()
	if health != Degraded {
		t.Fatalf("expected Degraded after repeated failures (score=%d), got %s", score, health)
	}

	for i := 0; i < 20; i++ {
		p.RecordOutcome(c, Outcome{})
	}
	health, score = c.snapshotHealth()
	if health != Unavailable {
		t.Fatalf("expected Unavailable after sustained failures (score=%d), got %s", score, health)
	}
}

func TestTokenBudgetExcludesOversizedRequests(t *testing.T) {
	p, _ := newTestPool(RoundRobin)
	p.AddCredential("k1", "openai", "sk-1", 0, 1000, 0, 1)

	if _, err := p.Acquire("openai", 2000); err != ErrNoCredentialAvailable {
		t.Fatalf("expected request exceeding token budget to be ineligible, got %v", err)
	}
	if _, err := p.Acquire("openai", 500); err != nil {
		t.Fatalf("expected request within token budget to succeed, got %v", err)
	}
}

func TestLeastLoadedPicksLowerLoadCredential(t *testing.T) {
	p, _ := newTestPool(LeastLoaded)
	p.AddCredential("busy", "openai", "sk-1", 0, 0, 0, 1)
	p.AddCredential("idle", "openai", "sk-2", 0, 0, 0, 1)

	// Both start at zero load; ties resolve to insertion order, so "busy" is
	// picked first.
	busy, err := p.Acquire("openai", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.RecordOutcome(busy, Outcome{Tokens: 5000, Success: true})

	picked, err := p.Acquire("openai", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if picked.ID == busy.ID {
		t.Fatalf("expected least-loaded strategy to avoid the now-loaded credential %s", busy.ID)
	}
}

func TestWeightedPrefersHigherPriority(t *testing.T) {
	p, _ := newTestPool(Weighted)
	p.AddCredential("low", "openai", "sk-1", 0, 0, 0, 0.1)
	p.AddCredential("high", "openai", "sk-2", 0, 0, 0, 5.0)

	c, err := p.Acquire("openai", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ID != "high" {
		t.Fatalf("expected weighted strategy to prefer higher-priority credential, got %s", c.ID)
	}
}
