package connpool

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/alfred-oss/fabric/clock"
	"github.com/alfred-oss/fabric/events"
)

func newTestPool(cfg Config) (*Pool, *clock.Fake) {
	clk := clock.NewFake(time.Unix(0, 0))
	bus := events.New(zerolog.New(io.Discard))
	return New(cfg, clk, bus), clk
}

func TestGetOpensNewConnectionUpToMaxSockets(t *testing.T) {
	p, _ := newTestPool(Config{MaxSockets: 2, PerConnCapacity: 1})

	c1, err := p.Get("openai", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c2, err := p.Get("openai", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c1.ID == c2.ID {
		t.Fatal("expected two distinct connections at capacity 1 each")
	}

	if _, err := p.Get("openai", ""); err != ErrPoolExhausted {
		t.Fatalf("expected ErrPoolExhausted at max sockets, got %v", err)
	}
}

func TestReleaseFreesCapacityForNextGet(t *testing.T) {
	p, _ := newTestPool(Config{MaxSockets: 1, PerConnCapacity: 1})

	c, err := p.Get("openai", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.Get("openai", ""); err != ErrPoolExhausted {
		t.Fatalf("expected exhaustion before release, got %v", err)
	}

	p.Release(c)
	if _, err := p.Get("openai", ""); err != nil {
		t.Fatalf("expected a connection to be available after release, got %v", err)
	}
}

func TestSessionAffinityPrefersSameConnection(t *testing.T) {
	p, _ := newTestPool(Config{MaxSockets: 4, PerConnCapacity: 4, StickyLoadCeiling: 0.9, SessionInactivity: time.Hour})

	c1, err := p.Get("openai", "session-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Release(c1)

	c2, err := p.Get("openai", "session-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c1.ID != c2.ID {
		t.Fatalf("expected sticky session to reuse connection %s, got %s", c1.ID, c2.ID)
	}
}

func TestStickyLoadCeilingFallsBackWhenOverloaded(t *testing.T) {
	// PerConnCapacity 1 means a single unreleased acquire already puts the
	// preferred connection's load at 1.0, past any ceiling below that.
	p, _ := newTestPool(Config{MaxSockets: 4, PerConnCapacity: 1, StickyLoadCeiling: 0.5, SessionInactivity: time.Hour})

	preferred, err := p.Get("openai", "session-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Without releasing preferred, a second acquire for the same session must
	// skip the now-fully-loaded sticky connection and open a new one.
	second, err := p.Get("openai", "session-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID == preferred.ID {
		t.Fatalf("expected the overloaded preferred connection to be skipped")
	}
}

func TestRetiredConnectionClearsSessionAffinity(t *testing.T) {
	p, _ := newTestPool(Config{MaxSockets: 4, PerConnCapacity: 4, SessionInactivity: time.Hour})

	c, err := p.Get("openai", "session-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Release(c)
	p.Retire(c)

	// Allow the async ConnectionRetired subscriber to run.
	time.Sleep(50 * time.Millisecond)

	sess, ok := p.Sessions().Get("session-a")
	if !ok {
		t.Fatal("expected session to still exist")
	}
	if sess.PreferredConnID == c.ID {
		t.Fatal("expected retirement to clear the session's preferred connection id")
	}
}

func TestSweepRetiresExpiredConnections(t *testing.T) {
	p, clk := newTestPool(Config{MaxSockets: 2, PerConnCapacity: 1, MaxLifetime: time.Minute, IdleTimeout: time.Hour})

	c, err := p.Get("openai", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Release(c)

	clk.Advance(2 * time.Minute)
	p.Sweep()

	if c.Healthy() {
		t.Fatal("expected connection past max lifetime to be retired (unhealthy)")
	}
}

func TestSweepRetiresIdleConnections(t *testing.T) {
	p, clk := newTestPool(Config{MaxSockets: 2, PerConnCapacity: 1, MaxLifetime: time.Hour, IdleTimeout: time.Minute})

	c, err := p.Get("openai", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Release(c)

	clk.Advance(2 * time.Minute)
	p.Sweep()

	if c.Healthy() {
		t.Fatal("expected idle connection to be retired (unhealthy)")
	}
}

func TestSessionReapRemovesInactiveSessions(t *testing.T) {
	p, clk := newTestPool(Config{MaxSockets: 2, PerConnCapacity: 1, SessionInactivity: time.Minute})

	if _, err := p.Get("openai", "session-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clk.Advance(2 * time.Minute)
	p.Sweep()

	if _, ok := p.Sessions().Get("session-a"); ok {
		t.Fatal("expected inactive session to be reaped")
	}
}
