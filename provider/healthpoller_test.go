package provider

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/alfred-oss/fabric/events"
)

type fakeProvider struct {
	name    string
	healthy atomic.Bool
}

func newFakeProvider(name string, healthy bool) *fakeProvider {
	p := &fakeProvider{name: name}
	p.healthy.Store(healthy)
	return p
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return nil, nil
}
func (p *fakeProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (Stream, error) {
	return nil, nil
}
func (p *fakeProvider) Embeddings(ctx context.Context, req *EmbeddingsRequest) (*EmbeddingsResponse, error) {
	return nil, nil
}
func (p *fakeProvider) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{Healthy: p.healthy.Load(), LastCheck: time.Now()}
}
func (p *fakeProvider) Models() []string { return nil }

func TestHealthPollerPublishesTransitionOnBus(t *testing.T) {
	reg := NewRegistry()
	fp := newFakeProvider("openai", true)
	reg.Register(fp)

	bus := events.New(zerolog.New(io.Discard))

	var mu sync.Mutex
	var received []events.Event
	done := make(chan struct{}, 4)
	bus.Subscribe("test", func(ev events.Event) {
		if ev.Kind != events.ProviderHealthChanged {
			return
		}
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
		done <- struct{}{}
	})

	hp := NewHealthPoller(reg, zerolog.New(io.Discard), 5*time.Second, bus)

	// First poll establishes the baseline; no transition yet.
	hp.poll(context.Background())

	// Flip the provider unhealthy and poll again: this is a transition.
	fp.healthy.Store(false)
	hp.poll(context.Background())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ProviderHealthChanged event")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected exactly one transition event, got %d", len(received))
	}
	if received[0].Target != "openai" || received[0].To != "unhealthy" {
		t.Fatalf("unexpected event: %+v", received[0])
	}
}

func TestHealthPollerInvokesLegacyCallbackAlongsideBus(t *testing.T) {
	reg := NewRegistry()
	fp := newFakeProvider("openai", true)
	reg.Register(fp)

	bus := events.New(zerolog.New(io.Discard))
	hp := NewHealthPoller(reg, zerolog.New(io.Discard), 5*time.Second, bus)

	var calls int32
	hp.OnStatusChange(func(name string, healthy bool, status HealthStatus) {
		atomic.AddInt32(&calls, 1)
	})

	hp.poll(context.Background())
	fp.healthy.Store(false)
	hp.poll(context.Background())

	if calls != 1 {
		t.Fatalf("expected legacy callback invoked once on transition, got %d", calls)
	}
}

func TestHealthPollerIsHealthyReflectsLastPoll(t *testing.T) {
	reg := NewRegistry()
	fp := newFakeProvider("openai", true)
	reg.Register(fp)

	hp := NewHealthPoller(reg, zerolog.New(io.Discard), 5*time.Second, nil)
	hp.poll(context.Background())

	if !hp.IsHealthy("openai") {
		t.Fatal("expected openai to be healthy after first poll")
	}

	fp.healthy.Store(false)
	hp.poll(context.Background())
	if hp.IsHealthy("openai") {
		t.Fatal("expected openai to be unhealthy after second poll")
	}
}
