package failover

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/alfred-oss/fabric/breaker"
	"github.com/alfred-oss/fabric/cache"
	"github.com/alfred-oss/fabric/clock"
	"github.com/alfred-oss/fabric/connpool"
	"github.com/alfred-oss/fabric/credential"
	"github.com/alfred-oss/fabric/events"
	"github.com/alfred-oss/fabric/retry"
	"github.com/alfred-oss/fabric/seqqueue"
)

type harness struct {
	fc    *Controller
	clk   *clock.Fake
	cred  *credential.Pool
	brk   *breaker.Registry
	cache *cache.Cache
}

func newHarness(cfg Config) *harness {
	clk := clock.NewFake(time.Unix(0, 0))
	bus := events.New(zerolog.New(io.Discard))
	log := zerolog.New(io.Discard)

	c := cache.New(cache.Config{DefaultTTL: time.Minute, MemoryMaxEntries: 10}, clk, bus, nil, log)
	cred := credential.NewPool(credential.Config{SafetyBuffer: time.Second, DegradedFloor: 50, UnavailableFloor: 10}, clk, bus, nil)
	conns := connpool.New(connpool.Config{MaxSockets: 4, PerConnCapacity: 4}, clk, bus)
	brk := breaker.NewRegistry(breaker.Config{FailureThreshold: 3, ResetTimeout: time.Second, SuccessThreshold: 1, HalfOpenMax: 1}, clk, bus)
	seq := seqqueue.NewManager(seqqueue.Config{MaxQueue: 4}, clk)

	if cfg.RetryPolicy.MaxAttempts == 0 {
		// Single attempt by default so most orchestration tests never touch
		// the fake clock's backoff wait; tests that want retries drive clk
		// forward explicitly (see TestExecuteRetriesTransientErrorUntilSuccess).
		cfg.RetryPolicy = retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, BackoffMultiplier: 2, MaxDelay: 10 * time.Millisecond}
	}

	fc := New(cfg, clk, bus, log, c, cred, conns, brk, seq)
	return &harness{fc: fc, clk: clk, cred: cred, brk: brk, cache: c}
}

func stringEncode(v string) ([]byte, error) { return []byte(v), nil }
func stringDecode(b []byte) (string, error) { return string(b), nil }

func TestExecuteSucceedsOnPrimaryTarget(t *testing.T) {
	h := newHarness(Config{})
	h.cred.AddCredential("k1", "openai", "sk-1", 0, 0, 0, 1)

	var calls int32
	req := Request[string]{
		Targets: []Target{{Name: "openai"}},
		Call: func(ctx context.Context, target string, cred *credential.Credential, conn *connpool.Connection) retry.Outcome[string] {
			atomic.AddInt32(&calls, 1)
			return retry.Ok("ok from " + target)
		},
	}
	resp, err := Execute(context.Background(), h.fc, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Value != "ok from openai" || resp.Failover {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one call, got %d", calls)
	}
}

func TestExecuteFailsOverToSecondTarget(t *testing.T) {
	h := newHarness(Config{})
	h.cred.AddCredential("k1", "openai", "sk-1", 0, 0, 0, 1)
	h.cred.AddCredential("k2", "anthropic", "sk-2", 0, 0, 0, 1)

	req := Request[string]{
		Targets: []Target{{Name: "openai"}, {Name: "anthropic"}},
		Call: func(ctx context.Context, target string, cred *credential.Credential, conn *connpool.Connection) retry.Outcome[string] {
			if target == "openai" {
				return retry.Fail[string](&retry.CallError{Kind: retry.KindUpstreamServerError, Retryable: true})
			}
			return retry.Ok("served by " + target)
		},
	}
	resp, err := Execute(context.Background(), h.fc, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Failover || resp.Value != "served by anthropic" {
		t.Fatalf("expected failover to anthropic, got %+v", resp)
	}
}

func TestExecuteReturnsExhaustedWhenAllTargetsFail(t *testing.T) {
	h := newHarness(Config{})
	h.cred.AddCredential("k1", "openai", "sk-1", 0, 0, 0, 1)

	req := Request[string]{
		Targets: []Target{{Name: "openai"}},
		Call: func(ctx context.Context, target string, cred *credential.Credential, conn *connpool.Connection) retry.Outcome[string] {
			return retry.Fail[string](&retry.CallError{Kind: retry.KindUpstreamClientError, Retryable: false})
		},
	}
	_, err := Execute(context.Background(), h.fc, req)
	if err == nil {
		t.Fatal("expected an error when the only target fails non-retryably")
	}
}

func TestExecuteSkipsTargetWithOpenBreaker(t *testing.T) {
	h := newHarness(Config{})
	h.cred.AddCredential("k1", "openai", "sk-1", 0, 0, 0, 1)
	h.cred.AddCredential("k2", "anthropic", "sk-2", 0, 0, 0, 1)

	h.brk.RecordFailure("openai")
	h.brk.RecordFailure("openai")
	h.brk.RecordFailure("openai") // trips open at threshold 3

	var calledOpenAI bool
	req := Request[string]{
		Targets: []Target{{Name: "openai"}, {Name: "anthropic"}},
		Call: func(ctx context.Context, target string, cred *credential.Credential, conn *connpool.Connection) retry.Outcome[string] {
			if target == "openai" {
				calledOpenAI = true
			}
			return retry.Ok("served by " + target)
		},
	}
	resp, err := Execute(context.Background(), h.fc, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calledOpenAI {
		t.Fatal("expected the breaker-open target to be skipped entirely")
	}
	if resp.Value != "served by anthropic" {
		t.Fatalf("expected response from anthropic, got %+v", resp)
	}
}

func TestExecuteCachedReturnsCacheHitWithoutCallingUpstream(t *testing.T) {
	h := newHarness(Config{})
	fp := cache.Compute(cache.Request{Model: "gpt-4", Messages: []cache.Message{{Role: "user", Content: "hi"}}})
	h.cache.Store(fp, "gpt-4", nil, []byte("cached-value"))

	var called bool
	req := Request[string]{
		Fingerprint: fp,
		Model:       "gpt-4",
		Targets:     []Target{{Name: "openai"}},
		Encode:      stringEncode,
		Decode:      stringDecode,
		Call: func(ctx context.Context, target string, cred *credential.Credential, conn *connpool.Connection) retry.Outcome[string] {
			called = true
			return retry.Ok("live-value")
		},
	}
	resp, err := Execute(context.Background(), h.fc, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.CacheHit || resp.Value != "cached-value" {
		t.Fatalf("expected cache hit with cached-value, got %+v", resp)
	}
	if called {
		t.Fatal("expected upstream call to be bypassed on cache hit")
	}
}

func TestExecuteCachedBuildsOnMissAndPopulatesCache(t *testing.T) {
	h := newHarness(Config{})
	h.cred.AddCredential("k1", "openai", "sk-1", 0, 0, 0, 1)
	fp := cache.Compute(cache.Request{Model: "gpt-4", Messages: []cache.Message{{Role: "user", Content: "hi"}}})

	req := Request[string]{
		Fingerprint: fp,
		Model:       "gpt-4",
		Targets:     []Target{{Name: "openai"}},
		Encode:      stringEncode,
		Decode:      stringDecode,
		Call: func(ctx context.Context, target string, cred *credential.Credential, conn *connpool.Connection) retry.Outcome[string] {
			return retry.Ok("built-value")
		},
	}
	resp, err := Execute(context.Background(), h.fc, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.CacheHit {
		t.Fatal("expected a miss on first call")
	}

	res := h.cache.Lookup(context.Background(), fp, "gpt-4", nil)
	if !res.Hit || string(res.Entry.Response) != "built-value" {
		t.Fatalf("expected BuildOnMiss to have populated the cache, got %+v", res)
	}
}

func TestExecuteRetriesTransientErrorUntilSuccess(t *testing.T) {
	h := newHarness(Config{RetryPolicy: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, BackoffMultiplier: 1, MaxDelay: time.Millisecond}})
	h.cred.AddCredential("k1", "openai", "sk-1", 0, 0, 0, 1)

	var attempts int32
	req := Request[string]{
		Targets: []Target{{Name: "openai"}},
		Call: func(ctx context.Context, target string, cred *credential.Credential, conn *connpool.Connection) retry.Outcome[string] {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return retry.Fail[string](&retry.CallError{Kind: retry.KindTransientNetwork, Retryable: true})
			}
			return retry.Ok("ok after retries")
		},
	}

	done := make(chan struct{})
	var resp Response[string]
	var err error
	go func() {
		resp, err = Execute(context.Background(), h.fc, req)
		close(done)
	}()

	// Drive the fake clock forward enough to satisfy both backoff waits
	// between the three attempts.
	for i := 0; i < 10; i++ {
		h.clk.Advance(time.Second)
		time.Sleep(time.Millisecond)
	}
	<-done

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Value != "ok after retries" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestExecuteReturnsErrExhaustedWithNoTargets(t *testing.T) {
	h := newHarness(Config{})
	req := Request[string]{
		Targets: nil,
		Call: func(ctx context.Context, target string, cred *credential.Credential, conn *connpool.Connection) retry.Outcome[string] {
			return retry.Ok("unreachable")
		},
	}
	_, err := Execute(context.Background(), h.fc, req)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestExecuteClientErrorLeavesCredentialEligible(t *testing.T) {
	h := newHarness(Config{})
	h.cred.AddCredential("k1", "openai", "sk-1", 0, 0, 0, 1)
	h.cred.AddCredential("k2", "anthropic", "sk-2", 0, 0, 0, 1)

	req := Request[string]{
		Targets: []Target{{Name: "openai"}, {Name: "anthropic"}},
		Call: func(ctx context.Context, target string, cred *credential.Credential, conn *connpool.Connection) retry.Outcome[string] {
			if target == "openai" {
				return retry.Fail[string](&retry.CallError{Kind: retry.KindUpstreamClientError, Retryable: false})
			}
			return retry.Ok("served by " + target)
		},
	}
	if _, err := Execute(context.Background(), h.fc, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A non-retryable client error isn't a rate-limit/auth outcome, so the
	// openai credential should remain healthy rather than unavailable.
	if _, err := h.cred.Acquire("openai", 0); err != nil {
		t.Fatalf("expected openai credential to remain eligible, got %v", err)
	}
}
