package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alfred-oss/fabric/clock"
)

func TestPolicyDelayCapsAtMaxDelay(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, BackoffMultiplier: 2, MaxDelay: 300 * time.Millisecond}

	if got := p.Delay(1); got != 100*time.Millisecond {
		t.Fatalf("attempt 1: expected 100ms, got %v", got)
	}
	if got := p.Delay(2); got != 200*time.Millisecond {
		t.Fatalf("attempt 2: expected 200ms, got %v", got)
	}
	if got := p.Delay(4); got != 300*time.Millisecond {
		t.Fatalf("attempt 4: expected cap of 300ms, got %v", got)
	}
}

func TestDoReturnsFirstSuccess(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, BackoffMultiplier: 2, MaxDelay: time.Second}

	calls := 0
	out := Do(context.Background(), clk, p, func(ctx context.Context, attempt int) Outcome[int] {
		calls++
		return Ok(42)
	})

	if !out.IsOk() || out.Value != 42 {
		t.Fatalf("expected ok(42), got %+v", out)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one call, got %d", calls)
	}
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, BackoffMultiplier: 2, MaxDelay: time.Second}

	calls := 0
	out := Do(context.Background(), clk, p, func(ctx context.Context, attempt int) Outcome[int] {
		calls++
		return Fail[int](&CallError{Kind: KindAuth, Retryable: false, Cause: errors.New("bad key")})
	})

	if out.IsOk() {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one call for a non-retryable error, got %d", calls)
	}
}

func TestDoRetriesUpToMaxAttempts(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, BackoffMultiplier: 2, MaxDelay: time.Second}

	calls := 0
	done := make(chan Outcome[int], 1)
	go func() {
		out := Do(context.Background(), clk, p, func(ctx context.Context, attempt int) Outcome[int] {
			calls++
			return Fail[int](&CallError{Kind: KindTransientNetwork, Retryable: true})
		})
		done <- out
	}()

	// Drive the fake clock forward enough times to satisfy both backoff sleeps.
	for i := 0; i < 10; i++ {
		clk.Advance(time.Second)
		time.Sleep(time.Millisecond)
	}

	out := <-done
	if out.IsOk() {
		t.Fatal("expected final outcome to be a failure")
	}
	if calls != p.MaxAttempts {
		t.Fatalf("expected %d attempts, got %d", p.MaxAttempts, calls)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, BackoffMultiplier: 2, MaxDelay: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := Do(ctx, clk, p, func(ctx context.Context, attempt int) Outcome[int] {
		t.Fatal("fn should not be called once context is already cancelled")
		return Ok(0)
	})

	if out.IsOk() || out.Err.Kind != KindTimeout {
		t.Fatalf("expected a timeout-kind failure, got %+v", out)
	}
}

func TestDoRespectsRateLimitRetryAfter(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, BackoffMultiplier: 1, MaxDelay: time.Millisecond}

	calls := 0
	done := make(chan Outcome[int], 1)
	go func() {
		out := Do(context.Background(), clk, p, func(ctx context.Context, attempt int) Outcome[int] {
			calls++
			if attempt == 1 {
				return Fail[int](&CallError{Kind: KindUpstreamRateLimit, Retryable: true, RetryAfter: 500 * time.Millisecond})
			}
			return Ok(1)
		})
		done <- out
	}()

	// A too-small advance should not yet unblock the rate-limit wait.
	clk.Advance(10 * time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("should still be waiting on RetryAfter")
	default:
	}

	clk.Advance(time.Second)
	out := <-done
	if !out.IsOk() || calls != 2 {
		t.Fatalf("expected success on second attempt, got %+v calls=%d", out, calls)
	}
}

func TestClassify(t *testing.T) {
	retryable := []ErrorKind{KindTransientNetwork, KindUpstreamRateLimit, KindUpstreamServerError}
	for _, k := range retryable {
		if !Classify(k) {
			t.Errorf("expected %s to classify retryable", k)
		}
	}
	fatal := []ErrorKind{KindUpstreamClientError, KindAuth, KindTimeout, KindConfig}
	for _, k := range fatal {
		if Classify(k) {
			t.Errorf("expected %s to classify non-retryable", k)
		}
	}
}

func TestCallErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := &CallError{Kind: KindTransientNetwork, Cause: cause}
	if errors.Unwrap(e) != cause {
		t.Fatal("expected Unwrap to return the underlying cause")
	}
}
