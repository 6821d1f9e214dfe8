package events

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New(zerolog.New(io.Discard))

	var mu sync.Mutex
	var received []Event
	done := make(chan struct{})

	b.Subscribe("test", func(ev Event) {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
		close(done)
	})

	b.Publish(Event{Kind: BreakerTransitioned, Target: "openai", From: "closed", To: "open"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber to receive event")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].Target != "openai" {
		t.Fatalf("unexpected received events: %+v", received)
	}
	if received[0].At.IsZero() {
		t.Fatal("expected Publish to stamp a non-zero At when unset")
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := New(zerolog.New(io.Discard))

	block := make(chan struct{})
	b.Subscribe("slow", func(ev Event) {
		<-block
	})

	done := make(chan struct{})
	go func() {
		// Channel buffer is 64; publishing well beyond that must never block.
		for i := 0; i < 200; i++ {
			b.Publish(Event{Kind: CacheDegraded})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a saturated subscriber queue")
	}
	close(block)
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		BreakerTransitioned:     "breaker_transitioned",
		CredentialRateLimited:   "credential_rate_limited",
		CredentialHealthChanged: "credential_health_changed",
		ConnectionRetired:       "connection_retired",
		CacheDegraded:           "cache_degraded",
		ProviderHealthChanged:   "provider_health_changed",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
