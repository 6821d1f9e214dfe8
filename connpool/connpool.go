// Package connpool implements the Connection & Session Pool (§4.3): a
// bounded fleet of long-lived logical connections per provider, session
// affinity with sticky/fallback connection ids, tie-break rules, and a
// cleanup sweep. Connections here are a logical multiplexing unit (an
// in-flight slot with capacity, age, and health) layered on top of the
// teacher's provider.ConnectionPool, which owns the actual *http.Transport
// per provider (kept unmodified — see DESIGN.md); this package is the new
// structure the spec requires on top of that transport layer: session
// affinity, tie-break selection, and the exact invariant in-flight ≤
// capacity, none of which provider.ConnectionPool tracks.
//
// Grounded on provider/pool.go's double-checked-locking get-or-create
// pattern and atomic per-key counters, generalized from "one transport per
// provider" to "many logical connections per provider, each with its own
// capacity and in-flight count".
package connpool

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alfred-oss/fabric/clock"
	"github.com/alfred-oss/fabric/events"
	"github.com/google/uuid"
)

// Connection is one logical slot multiplexing concurrent requests for a
// provider. It carries no knowledge of sessions (§9 re-architecture #5: the
// cycle is broken by making this a one-way dependency).
type Connection struct {
	ID          string
	Provider    string
	CreatedAt   time.Time
	Capacity    int

	mu         sync.Mutex
	inFlight   int
	lastUsed   time.Time
	healthy    bool
	reuseCount atomic.Int64 // exact reuse counter, §9 open-question resolution
}

func (c *Connection) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

func (c *Connection) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

func (c *Connection) Reuses() int64 { return c.reuseCount.Load() }

func (c *Connection) loadFraction() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Capacity == 0 {
		return 1
	}
	return float64(c.inFlight) / float64(c.Capacity)
}

// Config holds the connection lifecycle parameters from §4.3/§6.
type Config struct {
	MaxSockets        int
	MaxFreeSockets    int
	IdleTimeout       time.Duration
	MaxLifetime       time.Duration
	StickyLoadCeiling float64 // fraction of capacity sticky picks tolerate
	PerConnCapacity   int     // concurrent in-flight requests one logical connection accepts
	SessionInactivity time.Duration
}

// ErrPoolExhausted is returned by Get when a provider's socket budget is
// exhausted; Get does not wait for capacity to free up.
var ErrPoolExhausted = errors.New("connpool: provider connection pool exhausted")

type providerSet struct {
	mu          sync.Mutex
	connections []*Connection
	waiters     []chan *Connection
}

// Pool owns every provider's connection set and the session index. Each
// provider's set has its own mutex so unrelated providers never contend (§5).
type Pool struct {
	cfg Config
	clk clock.Clock
	bus *events.Bus

	mu   sync.RWMutex
	sets map[string]*providerSet

	sessions *SessionIndex
}

func New(cfg Config, clk clock.Clock, bus *events.Bus) *Pool {
	if cfg.PerConnCapacity <= 0 {
		cfg.PerConnCapacity = 1
	}
	p := &Pool{
		cfg:  cfg,
		clk:  clk,
		bus:  bus,
		sets: make(map[string]*providerSet),
	}
	p.sessions = newSessionIndex(clk, cfg.SessionInactivity)
	bus.Subscribe("connpool-session-reconcile", func(ev events.Event) {
		if ev.Kind == events.ConnectionRetired {
			p.sessions.clearConnection(ev.Connection)
		}
	})
	return p
}

func (p *Pool) Sessions() *SessionIndex { return p.sessions }

func (p *Pool) setFor(provider string) *providerSet {
	p.mu.RLock()
	s, ok := p.sets[provider]
	p.mu.RUnlock()
	if ok {
		return s
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sets[provider]; ok {
		return s
	}
	s = &providerSet{}
	p.sets[provider] = s
	return s
}

// Get returns a connection for provider, honoring session stickiness per
// §4.3: if sessionID is non-empty and sticky, prefer its preferred
// connection while under the sticky load ceiling, then its fallback list,
// then the least-loaded healthy connection, then open a new one up to
// max_sockets, else ErrPoolExhausted.
func (p *Pool) Get(provider, sessionID string) (*Connection, error) {
	set := p.setFor(provider)

	if sessionID != "" {
		if sess := p.sessions.touch(sessionID, provider); sess != nil && sess.Sticky {
			if c := p.tryPreferred(set, sess); c != nil {
				return c, nil
			}
			if c := p.tryFallbacks(set, sess); c != nil {
				return c, nil
			}
		}
	}

	set.mu.Lock()
	defer set.mu.Unlock()

	if c := pickLeastLoaded(set.connections); c != nil {
		p.acquireLocked(c)
		if sessionID != "" {
			p.sessions.setPreferred(sessionID, provider, c.ID)
		}
		return c, nil
	}

	if len(set.connections) < p.cfg.MaxSockets {
		c := p.newConnection(provider)
		set.connections = append(set.connections, c)
		p.acquireLocked(c)
		if sessionID != "" {
			p.sessions.setPreferred(sessionID, provider, c.ID)
		}
		return c, nil
	}

	return nil, ErrPoolExhausted
}

func (p *Pool) tryPreferred(set *providerSet, sess *Session) *Connection {
	set.mu.Lock()
	defer set.mu.Unlock()
	for _, c := range set.connections {
		if c.ID != sess.PreferredConnID {
			continue
		}
		if !c.Healthy() {
			return nil
		}
		// Sticky picks tolerate load up to the ceiling even when a
		// less-loaded alternative exists (§4.3 tie-break rule).
		if c.loadFraction() < p.cfg.StickyLoadCeiling {
			p.acquireLocked(c)
			return c
		}
		return nil
	}
	return nil
}

func (p *Pool) tryFallbacks(set *providerSet, sess *Session) *Connection {
	set.mu.Lock()
	defer set.mu.Unlock()
	for _, fallbackID := range sess.FallbackConnIDs {
		for _, c := range set.connections {
			if c.ID == fallbackID && c.Healthy() && c.loadFraction() < 1.0 {
				p.acquireLocked(c)
				return c
			}
		}
	}
	return nil
}

// pickLeastLoaded implements the non-sticky tie-break: among equally loaded
// healthy connections, prefer the oldest last-used (promotes recycling).
func pickLeastLoaded(conns []*Connection) *Connection {
	var best *Connection
	var bestLoad float64 = 1e9
	var bestLastUsed time.Time
	for _, c := range conns {
		if !c.Healthy() {
			continue
		}
		c.mu.Lock()
		if c.inFlight >= c.Capacity {
			c.mu.Unlock()
			continue
		}
		l := float64(c.inFlight) / float64(c.Capacity)
		lastUsed := c.lastUsed
		c.mu.Unlock()

		if best == nil || l < bestLoad || (l == bestLoad && lastUsed.Before(bestLastUsed)) {
			best, bestLoad, bestLastUsed = c, l, lastUsed
		}
	}
	return best
}

// acquireLocked increments in-flight and marks reuse; caller holds set.mu.
func (p *Pool) acquireLocked(c *Connection) {
	c.mu.Lock()
	if !c.lastUsed.IsZero() {
		c.reuseCount.Add(1)
	}
	c.inFlight++
	c.lastUsed = p.clk.Now()
	c.mu.Unlock()
}

func (p *Pool) newConnection(provider string) *Connection {
	c := &Connection{
		ID:        uuid.NewString(),
		Provider:  provider,
		CreatedAt: p.clk.Now(),
		Capacity:  p.cfg.PerConnCapacity,
		healthy:   true,
	}
	return c
}

// Release decrements in-flight, refreshes last-used, and wakes one waiter.
func (p *Pool) Release(c *Connection) {
	c.mu.Lock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	c.lastUsed = p.clk.Now()
	c.mu.Unlock()

	set := p.setFor(c.Provider)
	set.mu.Lock()
	if len(set.waiters) > 0 {
		w := set.waiters[0]
		set.waiters = set.waiters[1:]
		set.mu.Unlock()
		p.acquireLocked(c)
		w <- c
		return
	}
	set.mu.Unlock()
}

// Retire marks c unhealthy (connection-fatal error, idle expiry, or
// lifetime expiry) and publishes ConnectionRetired so the session index can
// reconcile its preferred/fallback entries (§9 re-architecture #5).
func (p *Pool) Retire(c *Connection) {
	c.mu.Lock()
	c.healthy = false
	c.mu.Unlock()

	set := p.setFor(c.Provider)
	set.mu.Lock()
	for i, existing := range set.connections {
		if existing.ID == c.ID {
			set.connections = append(set.connections[:i], set.connections[i+1:]...)
			break
		}
	}
	set.mu.Unlock()

	p.bus.Publish(events.Event{
		Kind:       events.ConnectionRetired,
		Target:     c.Provider,
		Connection: c.ID,
	})
}

// Sweep runs one cleanup pass: retires connections past max_lifetime or
// idle past idle_timeout. Intended to run on a fixed interval from a
// janitor goroutine (§5).
func (p *Pool) Sweep() {
	now := p.clk.Now()
	p.mu.RLock()
	sets := make([]*providerSet, 0, len(p.sets))
	for _, s := range p.sets {
		sets = append(sets, s)
	}
	p.mu.RUnlock()

	for _, set := range sets {
		set.mu.Lock()
		var toRetire []*Connection
		for _, c := range set.connections {
			c.mu.Lock()
			expired := now.Sub(c.CreatedAt) > p.cfg.MaxLifetime
			idle := c.inFlight == 0 && now.Sub(c.lastUsed) > p.cfg.IdleTimeout
			c.mu.Unlock()
			if expired || idle {
				toRetire = append(toRetire, c)
			}
		}
		set.mu.Unlock()
		for _, c := range toRetire {
			p.Retire(c)
		}
	}

	p.sessions.reap()
}
