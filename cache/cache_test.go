package cache

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/alfred-oss/fabric/clock"
	"github.com/alfred-oss/fabric/events"
)

func newTestCache(cfg Config) (*Cache, *clock.Fake) {
	clk := clock.NewFake(time.Unix(0, 0))
	bus := events.New(zerolog.New(io.Discard))
	log := zerolog.New(io.Discard)
	return New(cfg, clk, bus, nil, log), clk
}

func TestLookupMissesOnEmptyCache(t *testing.T) {
	c, _ := newTestCache(Config{DefaultTTL: time.Minute, MemoryMaxEntries: 10})
	res := c.Lookup(context.Background(), Fingerprint("fp1"), "gpt-4", nil)
	if res.Hit {
		t.Fatal("expected miss on empty cache")
	}
	if c.Stats().Misses != 1 {
		t.Fatalf("expected Misses=1, got %d", c.Stats().Misses)
	}
}

func TestStoreThenLookupHitsMemoryTier(t *testing.T) {
	c, _ := newTestCache(Config{DefaultTTL: time.Minute, MemoryMaxEntries: 10})
	fp := Fingerprint("fp1")
	c.Store(fp, "gpt-4", nil, []byte("response-body"))

	res := c.Lookup(context.Background(), fp, "gpt-4", nil)
	if !res.Hit || res.Source != "memory" {
		t.Fatalf("expected memory-tier hit, got %+v", res)
	}
	if string(res.Entry.Response) != "response-body" {
		t.Fatalf("unexpected response body %q", res.Entry.Response)
	}
	if c.Stats().MemoryHits != 1 {
		t.Fatalf("expected MemoryHits=1, got %d", c.Stats().MemoryHits)
	}
}

func TestMemoryEntryExpiresAfterTTL(t *testing.T) {
	c, clk := newTestCache(Config{DefaultTTL: time.Minute, MemoryMaxEntries: 10})
	fp := Fingerprint("fp1")
	c.Store(fp, "gpt-4", nil, []byte("stale"))

	clk.Advance(2 * time.Minute)
	res := c.Lookup(context.Background(), fp, "gpt-4", nil)
	if res.Hit {
		t.Fatal("expected expired entry to miss")
	}
}

func TestMemoryTierEvictsOldestWhenFull(t *testing.T) {
	c, _ := newTestCache(Config{DefaultTTL: time.Minute, MemoryMaxEntries: 2})
	c.Store(Fingerprint("fp1"), "gpt-4", nil, []byte("a"))
	c.Store(Fingerprint("fp2"), "gpt-4", nil, []byte("b"))
	c.Store(Fingerprint("fp3"), "gpt-4", nil, []byte("c"))

	if res := c.Lookup(context.Background(), Fingerprint("fp1"), "gpt-4", nil); res.Hit {
		t.Fatal("expected oldest entry fp1 to have been evicted")
	}
	if res := c.Lookup(context.Background(), Fingerprint("fp3"), "gpt-4", nil); !res.Hit {
		t.Fatal("expected most recently stored entry fp3 to still be present")
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("expected Evictions=1, got %d", c.Stats().Evictions)
	}
}

func TestLookupTouchesEntryAsMostRecentlyUsed(t *testing.T) {
	c, _ := newTestCache(Config{DefaultTTL: time.Minute, MemoryMaxEntries: 2})
	c.Store(Fingerprint("fp1"), "gpt-4", nil, []byte("a"))
	c.Store(Fingerprint("fp2"), "gpt-4", nil, []byte("b"))

	// Touch fp1 so it's no longer the least recently used entry.
	c.Lookup(context.Background(), Fingerprint("fp1"), "gpt-4", nil)
	c.Store(Fingerprint("fp3"), "gpt-4", nil, []byte("c"))

	if res := c.Lookup(context.Background(), Fingerprint("fp2"), "gpt-4", nil); res.Hit {
		t.Fatal("expected fp2 (untouched) to be evicted instead of fp1")
	}
	if res := c.Lookup(context.Background(), Fingerprint("fp1"), "gpt-4", nil); !res.Hit {
		t.Fatal("expected recently touched fp1 to survive eviction")
	}
}

func TestDiskTierServesAfterMemoryEviction(t *testing.T) {
	dir := t.TempDir()
	c, _ := newTestCache(Config{DefaultTTL: time.Minute, MemoryMaxEntries: 1, DiskDir: dir})

	c.Store(Fingerprint("fp1"), "gpt-4", nil, []byte("a"))
	c.Store(Fingerprint("fp2"), "gpt-4", nil, []byte("b")) // evicts fp1 from memory

	res := c.Lookup(context.Background(), Fingerprint("fp1"), "gpt-4", nil)
	if !res.Hit || res.Source != "disk" {
		t.Fatalf("expected disk-tier hit for evicted entry, got %+v", res)
	}
}

func TestDiskTierSkipsEntriesBelowMinSize(t *testing.T) {
	dir := t.TempDir()
	c, _ := newTestCache(Config{
		DefaultTTL: time.Minute, MemoryMaxEntries: 1, DiskDir: dir, DiskMinEntryBytes: 100,
	})

	c.Store(Fingerprint("small"), "gpt-4", nil, []byte("tiny"))
	c.Store(Fingerprint("big"), "gpt-4", nil, make([]byte, 200)) // evicts "small" from memory

	if res := c.Lookup(context.Background(), Fingerprint("small"), "gpt-4", nil); res.Hit {
		t.Fatalf("expected small entry evicted from memory and never written to disk, got %+v", res)
	}
	if res := c.Lookup(context.Background(), Fingerprint("big"), "gpt-4", nil); !res.Hit || res.Source != "memory" {
		t.Fatalf("expected big entry still in memory, got %+v", res)
	}
}

func TestInvalidateRemovesEntryFromMemoryAndDisk(t *testing.T) {
	dir := t.TempDir()
	c, _ := newTestCache(Config{DefaultTTL: time.Minute, MemoryMaxEntries: 10, DiskDir: dir})
	fp := Fingerprint("fp1")
	c.Store(fp, "gpt-4", nil, []byte("a"))

	c.Invalidate(fp)
	if res := c.Lookup(context.Background(), fp, "gpt-4", nil); res.Hit {
		t.Fatal("expected invalidated entry to miss")
	}
}

func TestFlushAllClearsMemoryAndDisk(t *testing.T) {
	dir := t.TempDir()
	c, _ := newTestCache(Config{DefaultTTL: time.Minute, MemoryMaxEntries: 10, DiskDir: dir})
	c.Store(Fingerprint("fp1"), "gpt-4", nil, []byte("a"))
	c.Store(Fingerprint("fp2"), "gpt-4", nil, []byte("b"))

	n := c.FlushAll()
	if n != 2 {
		t.Fatalf("expected FlushAll to report 2 memory entries cleared, got %d", n)
	}
	if res := c.Lookup(context.Background(), Fingerprint("fp1"), "gpt-4", nil); res.Hit {
		t.Fatal("expected fp1 gone after FlushAll")
	}
}

func TestSemanticScanFindsSimilarEntryAboveThreshold(t *testing.T) {
	c, _ := newTestCache(Config{
		DefaultTTL: time.Minute, MemoryMaxEntries: 10,
		SemanticEnabled: true, SemanticThreshold: 0.5, SemanticMaxCandidates: 10,
	})
	original := []Message{{Role: "user", Content: "summarize the quarterly earnings report"}}
	c.Store(Fingerprint("fp1"), "gpt-4", TokensFor(original), []byte("cached summary"))

	similar := []Message{{Role: "user", Content: "summarize the quarterly earnings"}}
	res := c.Lookup(context.Background(), Fingerprint("different-fp"), "gpt-4", TokensFor(similar))
	if !res.Hit || res.Source != "semantic" {
		t.Fatalf("expected semantic hit, got %+v", res)
	}
	if res.Similarity < 0.5 {
		t.Fatalf("expected similarity >= threshold, got %f", res.Similarity)
	}
}

func TestSemanticScanSkipsEntriesBelowThreshold(t *testing.T) {
	c, _ := newTestCache(Config{
		DefaultTTL: time.Minute, MemoryMaxEntries: 10,
		SemanticEnabled: true, SemanticThreshold: 0.9, SemanticMaxCandidates: 10,
	})
	original := []Message{{Role: "user", Content: "summarize the quarterly earnings report"}}
	c.Store(Fingerprint("fp1"), "gpt-4", TokensFor(original), []byte("cached summary"))

	unrelated := []Message{{Role: "user", Content: "write a haiku about autumn leaves"}}
	res := c.Lookup(context.Background(), Fingerprint("different-fp"), "gpt-4", TokensFor(unrelated))
	if res.Hit {
		t.Fatalf("expected no semantic match below threshold, got similarity %f", res.Similarity)
	}
}

func TestSemanticScanIgnoresEntriesForDifferentModel(t *testing.T) {
	c, _ := newTestCache(Config{
		DefaultTTL: time.Minute, MemoryMaxEntries: 10,
		SemanticEnabled: true, SemanticThreshold: 0.1, SemanticMaxCandidates: 10,
	})
	msgs := []Message{{Role: "user", Content: "summarize the quarterly earnings report"}}
	c.Store(Fingerprint("fp1"), "gpt-4", TokensFor(msgs), []byte("cached summary"))

	res := c.Lookup(context.Background(), Fingerprint("different-fp"), "claude-3", TokensFor(msgs))
	if res.Hit {
		t.Fatal("expected semantic scan to ignore entries stored under a different model")
	}
}

func TestSemanticScanBoundsToMostRecentCandidates(t *testing.T) {
	c, _ := newTestCache(Config{
		DefaultTTL: time.Minute, MemoryMaxEntries: 10,
		SemanticEnabled: true, SemanticThreshold: 0.5, SemanticMaxCandidates: 1,
	})
	stale := []Message{{Role: "user", Content: "summarize the quarterly earnings report"}}
	c.Store(Fingerprint("stale"), "gpt-4", TokensFor(stale), []byte("stale summary"))

	// A second, unrelated store pushes "stale" out of the single candidate slot;
	// only the most-recently-stored entry should be scanned.
	other := []Message{{Role: "user", Content: "write a haiku about autumn leaves"}}
	c.Store(Fingerprint("recent"), "gpt-4", TokensFor(other), []byte("recent haiku"))

	similar := []Message{{Role: "user", Content: "summarize the quarterly earnings"}}
	res := c.Lookup(context.Background(), Fingerprint("different-fp"), "gpt-4", TokensFor(similar))
	if res.Hit {
		t.Fatalf("expected no hit: the only matching entry is older than SemanticMaxCandidates=1 allows, got %+v", res)
	}
}

func TestBuildOnMissCoalescesConcurrentRequestsForSameFingerprint(t *testing.T) {
	c, _ := newTestCache(Config{DefaultTTL: time.Minute, MemoryMaxEntries: 10})
	fp := Fingerprint("fp1")

	var calls int32
	var wg sync.WaitGroup
	results := make([][]byte, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err, _ := c.BuildOnMiss(context.Background(), fp, "gpt-4", nil, func(ctx context.Context) ([]byte, error) {
				atomic.AddInt32(&calls, 1)
				time.Sleep(20 * time.Millisecond)
				return []byte("built-response"), nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results[i] = resp
		}(i)
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected exactly one upstream build call, got %d", calls)
	}
	for i, r := range results {
		if string(r) != "built-response" {
			t.Fatalf("result %d: expected built-response, got %q", i, r)
		}
	}
}

func TestBuildOnMissPropagatesUpstreamError(t *testing.T) {
	c, _ := newTestCache(Config{DefaultTTL: time.Minute, MemoryMaxEntries: 10})
	wantErr := errors.New("upstream failed")

	_, err, _ := c.BuildOnMiss(context.Background(), Fingerprint("fp1"), "gpt-4", nil, func(ctx context.Context) ([]byte, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected upstream error to propagate, got %v", err)
	}
	if res := c.Lookup(context.Background(), Fingerprint("fp1"), "gpt-4", nil); res.Hit {
		t.Fatal("expected no entry stored after a failed build")
	}
}

func TestBuildOnMissStoresResultForSubsequentLookup(t *testing.T) {
	c, _ := newTestCache(Config{DefaultTTL: time.Minute, MemoryMaxEntries: 10})
	fp := Fingerprint("fp1")

	c.BuildOnMiss(context.Background(), fp, "gpt-4", nil, func(ctx context.Context) ([]byte, error) {
		return []byte("built-once"), nil
	})

	res := c.Lookup(context.Background(), fp, "gpt-4", nil)
	if !res.Hit {
		t.Fatal("expected BuildOnMiss to have stored the entry for later lookups")
	}
}
