package cache

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/alfred-oss/fabric/clock"
	"github.com/alfred-oss/fabric/events"
	"github.com/alfred-oss/fabric/redisclient"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Entry is the persisted unit the cache stores at every tier, mirroring
// §6's on-disk layout: a fingerprint, a response payload, and accounting.
type Entry struct {
	Fingerprint Fingerprint       `json:"fingerprint"`
	Model       string            `json:"model"`
	Tokens      map[string]string `json:"tokens"` // not populated by Store; the semantic tier reads msgTokens
	Response    []byte            `json:"response"`
	CreatedAt   time.Time         `json:"created_at"`
	TTL         time.Duration     `json:"ttl"`
	Hits        int64             `json:"hits"`
	Size        int               `json:"size"`

	msgTokens map[string]struct{} // derived, not persisted
}

func (e *Entry) expiresAt() time.Time { return e.CreatedAt.Add(e.TTL) }

// Result is what Lookup returns to a caller.
type Result struct {
	Hit        bool
	Entry      *Entry
	Similarity float64
	Source     string // "memory", "kv", "disk", "semantic"
}

// Config holds the cache's tier/eviction parameters from §4.1/§6. Mirrors
// config.CacheConfig without importing config, matching the dependency-free
// convention the other core packages use (e.g. credential.Config).
type Config struct {
	DefaultTTL            time.Duration
	TTLJitter             time.Duration // max +/- applied uniformly at random
	MemoryMaxEntries      int
	SemanticEnabled       bool
	SemanticThreshold     float64 // Jaccard similarity in [0,1]
	SemanticMaxCandidates int
	DiskDir               string
	DiskByteBudget        int64
	DiskMinEntryBytes     int64 // §4.1: only overflow to disk past this size
	KeyPrefix             string // redis key namespace
}

// Cache is the Multi-Tier Request Cache. Tier order on Lookup: memory LRU,
// then KV (redis), then disk overflow, then (if enabled) a bounded semantic
// scan over the memory tier's entries.
//
// Grounded on caching/caching.go's Engine for the exact/semantic split and
// poisoning-style validation; the KV and disk tiers are new, backed by
// redisclient and a flat JSON file store respectively (§9 DOMAIN STACK).
type Cache struct {
	cfg Config
	clk clock.Clock
	log zerolog.Logger
	bus *events.Bus
	kv  *redisclient.Client // nil disables the KV tier

	mu        sync.Mutex
	memOrder  []Fingerprint // most-recently-used at the back
	memory    map[Fingerprint]*Entry

	group singleflight.Group

	stats Stats

	diskDegraded bool
	kvDegraded   bool
	degradeOnce  sync.Once
}

// Stats tracks cache performance (§4.1 "reports hit/miss/eviction counts").
type Stats struct {
	mu         sync.Mutex
	Hits       int64
	Misses     int64
	Evictions  int64
	MemoryHits int64
	KVHits     int64
	DiskHits   int64
	SemanticHits int64
}

func (s *Stats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Hits: s.Hits, Misses: s.Misses, Evictions: s.Evictions,
		MemoryHits: s.MemoryHits, KVHits: s.KVHits, DiskHits: s.DiskHits,
		SemanticHits: s.SemanticHits,
	}
}

// New constructs a Cache. kv may be nil, in which case the KV tier is
// skipped and lookups fall through straight to disk (§4.1 "degrades
// silently on tier failure").
func New(cfg Config, clk clock.Clock, bus *events.Bus, kv *redisclient.Client, log zerolog.Logger) *Cache {
	if cfg.DiskDir != "" {
		_ = os.MkdirAll(cfg.DiskDir, 0o755)
	}
	return &Cache{
		cfg:    cfg,
		clk:    clk,
		log:    log.With().Str("component", "cache").Logger(),
		bus:    bus,
		kv:     kv,
		memory: make(map[Fingerprint]*Entry),
	}
}

// Lookup resolves fp through the tier chain, backfilling faster tiers on a
// hit from a slower one. tokens, when non-nil, is the request's message
// token set (see TokensFor) used for the semantic fallback.
func (c *Cache) Lookup(ctx context.Context, fp Fingerprint, model string, tokens map[string]struct{}) Result {
	if e := c.lookupMemory(fp); e != nil {
		c.recordHit(&c.stats.MemoryHits, e)
		return Result{Hit: true, Entry: e, Similarity: 1, Source: "memory"}
	}

	if c.kv != nil && !c.kvTierDown() {
		if e, ok := c.lookupKV(ctx, fp); ok {
			c.putMemory(e)
			c.recordHit(&c.stats.KVHits, e)
			return Result{Hit: true, Entry: e, Similarity: 1, Source: "kv"}
		}
	}

	if c.cfg.DiskDir != "" && !c.diskTierDown() {
		if e, ok := c.lookupDisk(fp); ok {
			c.putMemory(e)
			c.recordHit(&c.stats.DiskHits, e)
			return Result{Hit: true, Entry: e, Similarity: 1, Source: "disk"}
		}
	}

	if c.cfg.SemanticEnabled && tokens != nil {
		if e, sim, ok := c.semanticScan(model, tokens); ok {
			c.recordHit(&c.stats.SemanticHits, e)
			return Result{Hit: true, Entry: e, Similarity: sim, Source: "semantic"}
		}
	}

	c.stats.mu.Lock()
	c.stats.Misses++
	c.stats.mu.Unlock()
	return Result{Hit: false}
}

func (c *Cache) recordHit(counter *int64, e *Entry) {
	c.stats.mu.Lock()
	c.stats.Hits++
	*counter++
	c.stats.mu.Unlock()
	c.mu.Lock()
	e.Hits++
	c.mu.Unlock()
}

// BuildOnMiss coordinates concurrent misses for the same fingerprint through
// a single upstream call (§4.1 "a cache miss with an in-flight identical
// request coalesces onto it" / §8 single-flight property), using
// golang.org/x/sync/singleflight (§9 re-architecture #4).
func (c *Cache) BuildOnMiss(ctx context.Context, fp Fingerprint, model string, msgTokens map[string]struct{}, build func(ctx context.Context) ([]byte, error)) ([]byte, error, bool) {
	v, err, shared := c.group.Do(string(fp), func() (interface{}, error) {
		resp, err := build(ctx)
		if err != nil {
			return nil, err
		}
		c.Store(fp, model, msgTokens, resp)
		return resp, nil
	})
	if err != nil {
		return nil, err, shared
	}
	return v.([]byte), nil, shared
}

// Store writes an entry with a jittered TTL to the memory tier and, when
// healthy, the KV tier; the disk tier receives it only when the response is
// larger than DiskMinEntryBytes.
func (c *Cache) Store(fp Fingerprint, model string, msgTokens map[string]struct{}, response []byte) *Entry {
	ttl := jitterTTL(c.cfg.DefaultTTL, c.cfg.TTLJitter)
	e := &Entry{
		Fingerprint: fp,
		Model:       model,
		Response:    response,
		CreatedAt:   c.clk.Now(),
		TTL:         ttl,
		Size:        len(response),
		msgTokens:   msgTokens,
	}

	c.putMemory(e)

	if c.kv != nil && !c.kvTierDown() {
		if err := c.storeKV(e); err != nil {
			c.degradeKV(err)
		}
	}
	if c.cfg.DiskDir != "" && !c.diskTierDown() && e.Size > 0 && int64(e.Size) > c.cfg.DiskMinEntryBytes {
		if err := c.storeDisk(e); err != nil {
			c.degradeDisk(err)
		}
	}
	return e
}

func jitterTTL(base, maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return base
	}
	delta := time.Duration((rand.Float64()*2 - 1) * float64(maxJitter))
	return base + delta
}

// ─── memory tier ─────────────────────────────────────────────

func (c *Cache) lookupMemory(fp Fingerprint) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.memory[fp]
	if !ok {
		return nil
	}
	if c.clk.Now().After(e.expiresAt()) {
		delete(c.memory, fp)
		return nil
	}
	c.touchLocked(fp)
	return e
}

func (c *Cache) putMemory(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.memory[e.Fingerprint]; !exists && len(c.memory) >= c.cfg.MemoryMaxEntries && c.cfg.MemoryMaxEntries > 0 {
		c.evictOldestLocked()
	}
	c.memory[e.Fingerprint] = e
	c.touchLocked(e.Fingerprint)
}

func (c *Cache) touchLocked(fp Fingerprint) {
	for i, f := range c.memOrder {
		if f == fp {
			c.memOrder = append(c.memOrder[:i], c.memOrder[i+1:]...)
			break
		}
	}
	c.memOrder = append(c.memOrder, fp)
}

func (c *Cache) evictOldestLocked() {
	if len(c.memOrder) == 0 {
		return
	}
	oldest := c.memOrder[0]
	c.memOrder = c.memOrder[1:]
	delete(c.memory, oldest)
	c.stats.mu.Lock()
	c.stats.Evictions++
	c.stats.mu.Unlock()
}

// ─── KV tier ──────────────────────────────────────────────────

func (c *Cache) kvKey(fp Fingerprint) string {
	return c.cfg.KeyPrefix + string(fp)
}

func (c *Cache) lookupKV(ctx context.Context, fp Fingerprint) (*Entry, bool) {
	raw, ok, err := c.kv.Get(ctx, c.kvKey(fp))
	if err != nil {
		c.degradeKV(err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		c.log.Warn().Err(err).Str("fingerprint", string(fp)).Msg("cache: corrupt kv entry, treating as miss")
		return nil, false
	}
	if c.clk.Now().After(e.expiresAt()) {
		return nil, false
	}
	return &e, true
}

func (c *Cache) storeKV(e *Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.kv.Set(ctx, c.kvKey(e.Fingerprint), string(body), e.TTL)
}

func (c *Cache) kvTierDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kvDegraded
}

func (c *Cache) degradeKV(err error) {
	c.mu.Lock()
	c.kvDegraded = true
	c.mu.Unlock()
	c.degradeOnce.Do(func() {
		c.log.Warn().Err(err).Msg("cache: kv tier degraded, falling back to disk/memory only")
		if c.bus != nil {
			c.bus.Publish(events.Event{Kind: events.CacheDegraded, Reason: "kv_unavailable"})
		}
	})
}

// ─── disk tier ────────────────────────────────────────────────

func (c *Cache) diskPath(fp Fingerprint) string {
	return filepath.Join(c.cfg.DiskDir, string(fp)+".cache")
}

func (c *Cache) lookupDisk(fp Fingerprint) (*Entry, bool) {
	raw, err := os.ReadFile(c.diskPath(fp))
	if err != nil {
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false
	}
	if c.clk.Now().After(e.expiresAt()) {
		_ = os.Remove(c.diskPath(fp))
		return nil, false
	}
	return &e, true
}

func (c *Cache) storeDisk(e *Entry) error {
	c.enforceByteBudget(int64(e.Size))
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return os.WriteFile(c.diskPath(e.Fingerprint), body, 0o644)
}

// enforceByteBudget evicts the oldest-by-mtime files until there's room for
// an incoming write of size incoming, per §6's disk byte-budget rule.
func (c *Cache) enforceByteBudget(incoming int64) {
	if c.cfg.DiskByteBudget <= 0 {
		return
	}
	entries, err := os.ReadDir(c.cfg.DiskDir)
	if err != nil {
		return
	}
	type fileInfo struct {
		path    string
		size    int64
		modTime time.Time
	}
	var files []fileInfo
	var total int64
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{
			path:    filepath.Join(c.cfg.DiskDir, de.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		total += info.Size()
	}
	if total+incoming <= c.cfg.DiskByteBudget {
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	for _, f := range files {
		if total+incoming <= c.cfg.DiskByteBudget {
			break
		}
		if err := os.Remove(f.path); err == nil {
			total -= f.size
			c.stats.mu.Lock()
			c.stats.Evictions++
			c.stats.mu.Unlock()
		}
	}
}

func (c *Cache) diskTierDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.diskDegraded
}

func (c *Cache) degradeDisk(err error) {
	c.mu.Lock()
	c.diskDegraded = true
	c.mu.Unlock()
	c.log.Warn().Err(err).Msg("cache: disk tier degraded, falling back to memory/kv only")
	if c.bus != nil {
		c.bus.Publish(events.Event{Kind: events.CacheDegraded, Reason: "disk_unavailable"})
	}
}

// ─── semantic tier ────────────────────────────────────────────

// semanticScan looks for the best Jaccard match among memory-tier entries
// for the same model, bounded to SemanticMaxCandidates comparisons (§4.1:
// "bounded to N candidates", §9 open-question resolution: Jaccard, not
// cosine-over-embeddings).
func (c *Cache) semanticScan(model string, tokens map[string]struct{}) (*Entry, float64, bool) {
	c.mu.Lock()
	candidates := make([]*Entry, 0, len(c.memOrder))
	// memOrder is MRU-at-the-back; walk it back-to-front so the first
	// SemanticMaxCandidates entries we collect are the N most-recent ones,
	// not an arbitrary subset of the memory map.
	for i := len(c.memOrder) - 1; i >= 0; i-- {
		if c.cfg.SemanticMaxCandidates > 0 && len(candidates) >= c.cfg.SemanticMaxCandidates {
			break
		}
		e, ok := c.memory[c.memOrder[i]]
		if !ok || e.Model != model || e.msgTokens == nil {
			continue
		}
		if c.clk.Now().After(e.expiresAt()) {
			continue
		}
		candidates = append(candidates, e)
	}
	c.mu.Unlock()

	var best *Entry
	var bestSim float64
	for _, e := range candidates {
		sim := jaccard(tokens, e.msgTokens)
		if sim > bestSim {
			bestSim = sim
			best = e
		}
	}
	if best != nil && bestSim >= c.cfg.SemanticThreshold {
		return best, bestSim, true
	}
	return nil, bestSim, false
}

// ─── invalidation / stats ───────────────────────────────────────

// Invalidate removes fp from every tier.
func (c *Cache) Invalidate(fp Fingerprint) {
	c.mu.Lock()
	delete(c.memory, fp)
	for i, f := range c.memOrder {
		if f == fp {
			c.memOrder = append(c.memOrder[:i], c.memOrder[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if c.kv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.kv.Del(ctx, c.kvKey(fp))
	}
	if c.cfg.DiskDir != "" {
		_ = os.Remove(c.diskPath(fp))
	}
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats { return c.stats.snapshot() }

// FlushAll clears every tier and returns the number of memory-tier entries
// removed. The KV tier is swept by key prefix; the disk tier by directory
// listing, since neither keeps an in-process index of everything it holds.
func (c *Cache) FlushAll() int {
	c.mu.Lock()
	n := len(c.memory)
	c.memory = make(map[Fingerprint]*Entry)
	c.memOrder = nil
	c.mu.Unlock()

	if c.kv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if keys, err := c.kv.Keys(ctx, c.cfg.KeyPrefix+"*"); err == nil {
			for _, k := range keys {
				_ = c.kv.Del(ctx, k)
			}
		}
	}
	if c.cfg.DiskDir != "" {
		if entries, err := os.ReadDir(c.cfg.DiskDir); err == nil {
			for _, e := range entries {
				_ = os.Remove(filepath.Join(c.cfg.DiskDir, e.Name()))
			}
		}
	}
	return n
}

// TokensFor derives the token set used by the semantic tier for a request's
// messages, exposed so callers can pass it to Lookup/Store without this
// package leaking its internal Entry representation.
func TokensFor(msgs []Message) map[string]struct{} { return tokenSet(msgs) }
