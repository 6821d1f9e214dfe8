// Package ratelimit implements the multi-dimensional Rate Limiter (§4.7):
// per (dimension, key, window) rules selecting one of token-bucket,
// sliding-window, or fixed-window algorithms, a most-restrictive-wins check
// across applicable dimensions, and a soft-threshold warning flag.
//
// The sliding-window algorithm is adapted near-verbatim from
// middleware/ratelimit.go's RateLimiter.allow; token-bucket is backed by
// golang.org/x/time/rate instead of a hand-rolled bucket (§9 DOMAIN STACK).
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Algorithm identifies which bucket implementation a Rule uses.
type Algorithm int

const (
	TokenBucket Algorithm = iota
	SlidingWindow
	FixedWindow
)

// Dimension is one of the axes a request can be rate-limited along.
type Dimension string

const (
	DimUser       Dimension = "user"
	DimIP         Dimension = "ip"
	DimEndpoint   Dimension = "endpoint"
	DimCredential Dimension = "credential"
	DimGlobal     Dimension = "global"
)

// Rule configures one dimension's limiter.
type Rule struct {
	Dimension Dimension
	Algorithm Algorithm
	Limit     int           // requests allowed per Window
	Window    time.Duration
	Burst     int // token-bucket burst / sliding-window capacity hint
}

// Decision is the outcome of a Check across every applicable dimension: the
// most restrictive single-dimension decision wins.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	ResetAfter time.Duration
	RetryAfter time.Duration
	Soft       bool // soft threshold crossed (warn, don't deny)
	Dimension  Dimension
}

// Limiter evaluates a fixed set of Rules against (dimension, key) pairs.
type Limiter struct {
	mu            sync.Mutex
	rules         []Rule
	softThreshold float64

	tokenBuckets   map[string]*rate.Limiter
	slidingWindows map[string]*slidingWindow
	fixedWindows   map[string]*fixedWindow
}

type slidingWindow struct {
	events    []time.Time
	lastClean time.Time
}

type fixedWindow struct {
	count   int
	resetAt time.Time
}

// New returns a Limiter with the given rules and soft-threshold fraction
// (default 0.8 per §4.7 if zero is passed).
func New(rules []Rule, softThreshold float64) *Limiter {
	if softThreshold <= 0 {
		softThreshold = 0.8
	}
	return &Limiter{
		rules:          rules,
		softThreshold:  softThreshold,
		tokenBuckets:   make(map[string]*rate.Limiter),
		slidingWindows: make(map[string]*slidingWindow),
		fixedWindows:   make(map[string]*fixedWindow),
	}
}

// Check evaluates every rule whose dimension is present in keys (a map from
// Dimension to the identity value for that dimension, e.g. DimUser -> "u123")
// and returns the single most restrictive Decision.
func (l *Limiter) Check(keys map[Dimension]string) Decision {
	var worst Decision
	haveWorst := false

	for _, rule := range l.rules {
		key, ok := keys[rule.Dimension]
		if !ok {
			continue
		}
		d := l.checkRule(rule, key)
		if !haveWorst || isMoreRestrictive(d, worst) {
			worst = d
			haveWorst = true
		}
	}

	if !haveWorst {
		return Decision{Allowed: true}
	}
	return worst
}

func isMoreRestrictive(a, b Decision) bool {
	if a.Allowed != b.Allowed {
		return !a.Allowed
	}
	return a.Remaining < b.Remaining
}

func (l *Limiter) checkRule(rule Rule, key string) Decision {
	bucketKey := string(rule.Dimension) + ":" + key
	switch rule.Algorithm {
	case TokenBucket:
		return l.checkTokenBucket(bucketKey, rule)
	case FixedWindow:
		return l.checkFixedWindow(bucketKey, rule)
	default:
		return l.checkSlidingWindow(bucketKey, rule)
	}
}

func (l *Limiter) checkTokenBucket(key string, rule Rule) Decision {
	l.mu.Lock()
	lim, ok := l.tokenBuckets[key]
	if !ok {
		ratePerSec := float64(rule.Limit) / rule.Window.Seconds()
		burst := rule.Burst
		if burst <= 0 {
			burst = rule.Limit
		}
		lim = rate.NewLimiter(rate.Limit(ratePerSec), burst)
		l.tokenBuckets[key] = lim
	}
	l.mu.Unlock()

	allowed := lim.Allow()
	tokens := lim.Tokens()
	remaining := int(tokens)
	if remaining < 0 {
		remaining = 0
	}
	resetAfter := time.Duration(0)
	if !allowed {
		// time until one token is available
		resetAfter = time.Duration(float64(time.Second) / float64(lim.Limit()))
	}
	return Decision{
		Allowed:    allowed,
		Limit:      rule.Limit,
		Remaining:  remaining,
		ResetAfter: resetAfter,
		RetryAfter: resetAfter,
		Soft:       float64(remaining) <= float64(rule.Limit)*(1-l.softThreshold),
		Dimension:  rule.Dimension,
	}
}

// checkSlidingWindow is adapted from middleware/ratelimit.go's RateLimiter.allow.
func (l *Limiter) checkSlidingWindow(key string, rule Rule) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rule.Window)

	sw, exists := l.slidingWindows[key]
	if !exists {
		sw = &slidingWindow{events: make([]time.Time, 0, rule.Limit), lastClean: now}
		l.slidingWindows[key] = sw
	}

	if now.Sub(sw.lastClean) > rule.Window/6 {
		valid := sw.events[:0]
		for _, t := range sw.events {
			if t.After(windowStart) {
				valid = append(valid, t)
			}
		}
		sw.events = valid
		sw.lastClean = now
	}

	count := 0
	for _, t := range sw.events {
		if t.After(windowStart) {
			count++
		}
	}

	remaining := rule.Limit - count
	resetAt := now.Add(rule.Window)
	if len(sw.events) > 0 {
		resetAt = sw.events[0].Add(rule.Window)
	}

	if remaining <= 0 {
		return Decision{
			Allowed:    false,
			Limit:      rule.Limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: time.Until(resetAt),
			Dimension:  rule.Dimension,
		}
	}

	sw.events = append(sw.events, now)
	remaining--
	return Decision{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
		Soft:      float64(remaining) <= float64(rule.Limit)*(1-l.softThreshold),
		Dimension: rule.Dimension,
	}
}

func (l *Limiter) checkFixedWindow(key string, rule Rule) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	fw, exists := l.fixedWindows[key]
	if !exists || !now.Before(fw.resetAt) {
		fw = &fixedWindow{count: 0, resetAt: now.Add(rule.Window)}
		l.fixedWindows[key] = fw
	}

	remaining := rule.Limit - fw.count
	if remaining <= 0 {
		return Decision{
			Allowed:    false,
			Limit:      rule.Limit,
			Remaining:  0,
			ResetAt:    fw.resetAt,
			RetryAfter: time.Until(fw.resetAt),
			Dimension:  rule.Dimension,
		}
	}

	fw.count++
	remaining--
	return Decision{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: remaining,
		ResetAt:   fw.resetAt,
		Soft:      float64(remaining) <= float64(rule.Limit)*(1-l.softThreshold),
		Dimension: rule.Dimension,
	}
}

// Cleanup removes stale sliding/fixed window entries. Call periodically
// from a janitor goroutine, matching §5's "background janitor task per pool".
func (l *Limiter) Cleanup(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for key, sw := range l.slidingWindows {
		if len(sw.events) == 0 || sw.events[len(sw.events)-1].Before(cutoff) {
			delete(l.slidingWindows, key)
		}
	}
	for key, fw := range l.fixedWindows {
		if fw.resetAt.Before(cutoff) {
			delete(l.fixedWindows, key)
		}
	}
}
