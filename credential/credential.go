// Package credential implements the Credential Pool (§4.2): a per-provider
// set of API keys with health, rate budgets, and a configurable rotation
// strategy. Grounded on routing/routing.go's FailoverState for the
// failure-decay health shape, generalized into the four-state health
// machine §4.2 specifies.
package credential

import (
	"errors"
	"sync"
	"time"

	"github.com/alfred-oss/fabric/clock"
	"github.com/alfred-oss/fabric/events"
	"github.com/alfred-oss/fabric/ratelimit"
)

// Health is a credential's position in the healthy → degraded →
// rate-limited → unavailable machine.
type Health int

const (
	Healthy Health = iota
	Degraded
	RateLimited
	Unavailable
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case RateLimited:
		return "rate_limited"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Strategy selects among eligible credentials for a provider.
type Strategy int

const (
	RoundRobin Strategy = iota
	LeastRecentlyUsed
	LeastLoaded
	Weighted
)

// Outcome describes what happened to a credential after use, reported via
// RecordOutcome.
type Outcome struct {
	Tokens    int
	Latency   time.Duration
	Success   bool
	RateLimited bool
	RateLimitReset time.Duration // honored when RateLimited
	Unavailable bool
	UnavailableReason string
}

// Credential is one API key and its rolling state. Exported fields that are
// read-only snapshots are safe to copy; mutation happens only through the
// Pool that owns it.
type Credential struct {
	ID       string
	Provider string
	KeyMaterial string

	PerMinuteRequestBudget int
	PerMinuteTokenBudget   int
	PerDayRequestBudget    int
	PriorityWeight         float64
	Enabled                bool

	mu                sync.Mutex
	health            Health
	healthScore       int // 0-100
	rateLimitedUntil  time.Time
	lastUsed          time.Time
	windowRequests    int
	windowTokens      int
	windowStart       time.Time
}

func newCredential(id, provider, key string, reqBudget, tokenBudget, dayBudget int, weight float64) *Credential {
	return &Credential{
		ID:                     id,
		Provider:               provider,
		KeyMaterial:            key,
		PerMinuteRequestBudget: reqBudget,
		PerMinuteTokenBudget:   tokenBudget,
		PerDayRequestBudget:    dayBudget,
		PriorityWeight:         weight,
		Enabled:                true,
		health:                 Healthy,
		healthScore:            100,
	}
}

func (c *Credential) snapshotHealth() (Health, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health, c.healthScore
}

// ErrNoCredentialAvailable is returned by Acquire when no eligible
// credential exists for the provider.
var ErrNoCredentialAvailable = errors.New("credential: no credential available")

// Pool is the Credential Pool for every provider, keyed by provider name.
// Each credential's state is guarded by its own mutex; membership and the
// round-robin cursors sit behind one pool-level lock shared by all
// providers, so there is no separate lock per provider.
type Pool struct {
	mu        sync.RWMutex
	byProvider map[string][]*Credential
	cursor     map[string]int // round-robin cursor per provider

	strategy         Strategy
	safetyBuffer     time.Duration
	degradedFloor    int
	unavailableFloor int

	clk     clock.Clock
	bus     *events.Bus
	limiter *ratelimit.Limiter
}

// Config mirrors config.CredentialPoolConfig without importing config,
// keeping this package dependency-free of the ambient config layer.
type Config struct {
	Strategy         Strategy
	SafetyBuffer     time.Duration
	DegradedFloor    int
	UnavailableFloor int
}

func NewPool(cfg Config, clk clock.Clock, bus *events.Bus, limiter *ratelimit.Limiter) *Pool {
	return &Pool{
		byProvider:       make(map[string][]*Credential),
		cursor:           make(map[string]int),
		strategy:         cfg.Strategy,
		safetyBuffer:     cfg.SafetyBuffer,
		degradedFloor:    cfg.DegradedFloor,
		unavailableFloor: cfg.UnavailableFloor,
		clk:              clk,
		bus:              bus,
		limiter:          limiter,
	}
}

// AddCredential registers a credential for provider at startup or at runtime.
func (p *Pool) AddCredential(id, provider, keyMaterial string, perMinuteReq, perMinuteTokens, perDayReq int, weight float64) {
	c := newCredential(id, provider, keyMaterial, perMinuteReq, perMinuteTokens, perDayReq, weight)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byProvider[provider] = append(p.byProvider[provider], c)
}

// Acquire returns one eligible credential for provider able to cover
// estimatedTokens, chosen by the pool's configured strategy.
func (p *Pool) Acquire(provider string, estimatedTokens int) (*Credential, error) {
	p.mu.RLock()
	creds := p.byProvider[provider]
	p.mu.RUnlock()

	eligible := make([]*Credential, 0, len(creds))
	for _, c := range creds {
		if p.isEligible(c, estimatedTokens) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil, ErrNoCredentialAvailable
	}

	switch p.strategy {
	case LeastRecentlyUsed:
		return p.pickLRU(eligible), nil
	case LeastLoaded:
		return p.pickLeastLoaded(eligible), nil
	case Weighted:
		return p.pickWeighted(eligible), nil
	default:
		return p.pickRoundRobin(provider, eligible), nil
	}
}

func (p *Pool) isEligible(c *Credential, estimatedTokens int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.Enabled {
		return false
	}
	if c.health == Unavailable {
		return false
	}
	if c.health == RateLimited {
		if p.clk.Now().Before(c.rateLimitedUntil.Add(p.safetyBuffer)) {
			return false
		}
		c.health = Healthy
	}
	if c.PerMinuteTokenBudget > 0 {
		p.rollWindow(c)
		if c.windowTokens+estimatedTokens > c.PerMinuteTokenBudget {
			return false
		}
	}
	// Per-key rate check delegated to the Rate Limiter's sliding window per
	// §9's resolution, scoped by credential identity, rather than counting here.
	if p.limiter != nil {
		d := p.limiter.Check(map[ratelimit.Dimension]string{ratelimit.DimCredential: c.ID})
		if !d.Allowed {
			return false
		}
	}
	return true
}

// rollWindow resets the one-minute rolling counters; must be called with c.mu held.
func (p *Pool) rollWindow(c *Credential) {
	now := p.clk.Now()
	if now.Sub(c.windowStart) > time.Minute {
		c.windowStart = now
		c.windowRequests = 0
		c.windowTokens = 0
	}
}

func (p *Pool) pickRoundRobin(provider string, eligible []*Credential) *Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.cursor[provider] % len(eligible)
	p.cursor[provider] = (i + 1) % len(eligible)
	return eligible[i]
}

func (p *Pool) pickLRU(eligible []*Credential) *Credential {
	best := eligible[0]
	for _, c := range eligible[1:] {
		c.mu.Lock()
		bestUsed := best.lastUsed
		cUsed := c.lastUsed
		c.mu.Unlock()
		if cUsed.Before(bestUsed) {
			best = c
		}
	}
	return best
}

func (p *Pool) pickLeastLoaded(eligible []*Credential) *Credential {
	best := eligible[0]
	bestLoad := load(best)
	for _, c := range eligible[1:] {
		l := load(c)
		if l < bestLoad {
			best, bestLoad = c, l
		}
	}
	return best
}

// load = in-window requests + in-window tokens/1000, per §4.2.
func load(c *Credential) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(c.windowRequests) + float64(c.windowTokens)/1000.0
}

func (p *Pool) pickWeighted(eligible []*Credential) *Credential {
	best := eligible[0]
	bestScore := weightedScore(best)
	for _, c := range eligible[1:] {
		s := weightedScore(c)
		if s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

// weight = priority * health_score, per §4.2.
func weightedScore(c *Credential) float64 {
	_, score := c.snapshotHealth()
	return c.PriorityWeight * float64(score)
}

// RecordOutcome updates a credential's rolling metrics and health score
// (success += 1, error -= 5, rate-limit -= 20, clamped 0-100); below the
// configured degraded floor flips state to degraded; below the unavailable
// floor, unavailable.
func (p *Pool) RecordOutcome(c *Credential, outcome Outcome) {
	c.mu.Lock()
	c.lastUsed = p.clk.Now()
	p.rollWindow(c)
	c.windowRequests++
	c.windowTokens += outcome.Tokens

	prevHealth := c.health
	switch {
	case outcome.Unavailable:
		c.health = Unavailable
	case outcome.RateLimited:
		c.health = RateLimited
		c.rateLimitedUntil = p.clk.Now().Add(outcome.RateLimitReset)
		c.healthScore = clamp(c.healthScore-20, 0, 100)
	case outcome.Success:
		c.healthScore = clamp(c.healthScore+1, 0, 100)
		if c.health != Unavailable {
			c.health = healthFromScore(c.healthScore, p.degradedFloor, p.unavailableFloor)
		}
	default:
		c.healthScore = clamp(c.healthScore-5, 0, 100)
		if c.health != Unavailable {
			c.health = healthFromScore(c.healthScore, p.degradedFloor, p.unavailableFloor)
		}
	}
	newHealth := c.health
	id := c.ID
	provider := c.Provider
	c.mu.Unlock()

	if p.bus == nil {
		return
	}
	if outcome.RateLimited {
		p.bus.Publish(events.Event{
			Kind:       events.CredentialRateLimited,
			Credential: id,
			Target:     provider,
			Reason:     "upstream_429",
		})
	}
	if newHealth != prevHealth {
		p.bus.Publish(events.Event{
			Kind:       events.CredentialHealthChanged,
			Credential: id,
			Target:     provider,
			From:       prevHealth.String(),
			To:         newHealth.String(),
		})
	}
}

func healthFromScore(score, degradedFloor, unavailableFloor int) Health {
	if score < unavailableFloor {
		return Unavailable
	}
	if score < degradedFloor {
		return Degraded
	}
	return Healthy
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
