package ratelimit

import (
	"testing"
	"time"
)

func TestSlidingWindowAllowsUpToLimit(t *testing.T) {
	l := New([]Rule{{Dimension: DimIP, Algorithm: SlidingWindow, Limit: 3, Window: time.Minute}}, 0.8)

	for i := 0; i < 3; i++ {
		d := l.Check(map[Dimension]string{DimIP: "1.2.3.4"})
		if !d.Allowed {
			t.Fatalf("request %d should be allowed within limit", i)
		}
	}
	d := l.Check(map[Dimension]string{DimIP: "1.2.3.4"})
	if d.Allowed {
		t.Fatal("fourth request should be rejected once limit is reached")
	}
	if d.RetryAfter <= 0 {
		t.Fatal("expected a positive RetryAfter on rejection")
	}
}

func TestSlidingWindowIsolatesKeys(t *testing.T) {
	l := New([]Rule{{Dimension: DimIP, Algorithm: SlidingWindow, Limit: 1, Window: time.Minute}}, 0.8)

	if !l.Check(map[Dimension]string{DimIP: "a"}).Allowed {
		t.Fatal("expected key a's first request allowed")
	}
	if !l.Check(map[Dimension]string{DimIP: "b"}).Allowed {
		t.Fatal("expected independent key b's first request allowed despite a being exhausted")
	}
	if l.Check(map[Dimension]string{DimIP: "a"}).Allowed {
		t.Fatal("expected key a's second request rejected")
	}
}

func TestFixedWindowResetsAfterWindow(t *testing.T) {
	l := New([]Rule{{Dimension: DimEndpoint, Algorithm: FixedWindow, Limit: 2, Window: 50 * time.Millisecond}}, 0.8)

	l.Check(map[Dimension]string{DimEndpoint: "/v1/chat/completions"})
	l.Check(map[Dimension]string{DimEndpoint: "/v1/chat/completions"})
	if l.Check(map[Dimension]string{DimEndpoint: "/v1/chat/completions"}).Allowed {
		t.Fatal("expected third request in-window to be rejected")
	}

	time.Sleep(60 * time.Millisecond)
	if !l.Check(map[Dimension]string{DimEndpoint: "/v1/chat/completions"}).Allowed {
		t.Fatal("expected request allowed again once the fixed window rolls over")
	}
}

func TestTokenBucketAllowsBurstThenThrottles(t *testing.T) {
	l := New([]Rule{{Dimension: DimUser, Algorithm: TokenBucket, Limit: 60, Window: time.Minute, Burst: 2}}, 0.8)

	if !l.Check(map[Dimension]string{DimUser: "u1"}).Allowed {
		t.Fatal("expected first burst token allowed")
	}
	if !l.Check(map[Dimension]string{DimUser: "u1"}).Allowed {
		t.Fatal("expected second burst token allowed")
	}
	if l.Check(map[Dimension]string{DimUser: "u1"}).Allowed {
		t.Fatal("expected third immediate request to be throttled past burst capacity")
	}
}

func TestCheckSkipsDimensionsNotPresentInKeys(t *testing.T) {
	l := New([]Rule{{Dimension: DimCredential, Algorithm: SlidingWindow, Limit: 1, Window: time.Minute}}, 0.8)

	// No DimCredential key supplied, so the rule never applies.
	d := l.Check(map[Dimension]string{DimIP: "1.2.3.4"})
	if !d.Allowed {
		t.Fatal("expected Allowed when no configured dimension's key is present")
	}
}

func TestMostRestrictiveDimensionWins(t *testing.T) {
	l := New([]Rule{
		{Dimension: DimIP, Algorithm: SlidingWindow, Limit: 100, Window: time.Minute},
		{Dimension: DimUser, Algorithm: SlidingWindow, Limit: 1, Window: time.Minute},
	}, 0.8)

	keys := map[Dimension]string{DimIP: "1.2.3.4", DimUser: "u1"}
	l.Check(keys) // consumes the user's single allowance

	d := l.Check(keys)
	if d.Allowed {
		t.Fatal("expected the more restrictive user-dimension limit to win")
	}
	if d.Dimension != DimUser {
		t.Fatalf("expected rejecting decision to report dimension %q, got %q", DimUser, d.Dimension)
	}
}

func TestSoftThresholdFlagsWithoutDenying(t *testing.T) {
	l := New([]Rule{{Dimension: DimIP, Algorithm: SlidingWindow, Limit: 10, Window: time.Minute}}, 0.8)

	var last Decision
	for i := 0; i < 9; i++ {
		last = l.Check(map[Dimension]string{DimIP: "1.2.3.4"})
	}
	if !last.Allowed {
		t.Fatal("expected still allowed at 9/10")
	}
	if !last.Soft {
		t.Fatal("expected soft-threshold flag set once remaining capacity drops below 20%")
	}
}

func TestCleanupRemovesStaleEntries(t *testing.T) {
	l := New([]Rule{{Dimension: DimIP, Algorithm: SlidingWindow, Limit: 5, Window: time.Minute}}, 0.8)
	l.Check(map[Dimension]string{DimIP: "1.2.3.4"})

	if len(l.slidingWindows) == 0 {
		t.Fatal("expected an entry to exist before cleanup")
	}
	time.Sleep(10 * time.Millisecond)
	l.Cleanup(5 * time.Millisecond)
	if len(l.slidingWindows) != 0 {
		t.Fatal("expected Cleanup to remove the stale sliding window entry")
	}
}
