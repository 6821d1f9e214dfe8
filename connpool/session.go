package connpool

import (
	"sync"
	"time"

	"github.com/alfred-oss/fabric/clock"
)

// Priority orders queued/sequential-mode requests for a session; see §4.4.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Session tracks affinity for a client-identified stream of requests. It
// holds connection ids only — never a *Connection — so retiring a
// connection never needs to walk sessions synchronously (§9 re-architecture
// #5: one-way dependency, reconciled via the ConnectionRetired event).
type Session struct {
	ID       string
	Provider string
	Priority Priority
	Sticky   bool

	PreferredConnID string
	FallbackConnIDs []string

	FirstActivity time.Time
	LastActivity  time.Time
	RequestCount  int64

	mu             sync.Mutex
	latencySumNs   int64
	latencyCount   int64
}

func (s *Session) RecordLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencySumNs += int64(d)
	s.latencyCount++
}

func (s *Session) AverageLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latencyCount == 0 {
		return 0
	}
	return time.Duration(s.latencySumNs / s.latencyCount)
}

// SessionIndex is the separate index maintained alongside the Connection
// Pool per §4.3: "Sessions are maintained by a separate index."
type SessionIndex struct {
	mu         sync.Mutex
	clk        clock.Clock
	inactivity time.Duration
	byID       map[string]*Session
}

func newSessionIndex(clk clock.Clock, inactivity time.Duration) *SessionIndex {
	return &SessionIndex{clk: clk, inactivity: inactivity, byID: make(map[string]*Session)}
}

// touch refreshes last-activity for sessionID, creating it on first
// observation, and returns it (never nil).
func (si *SessionIndex) touch(sessionID, provider string) *Session {
	si.mu.Lock()
	defer si.mu.Unlock()

	s, ok := si.byID[sessionID]
	now := si.clk.Now()
	if !ok {
		s = &Session{
			ID:            sessionID,
			Provider:      provider,
			Priority:      PriorityNormal,
			Sticky:        true,
			FirstActivity: now,
		}
		si.byID[sessionID] = s
	}
	s.LastActivity = now
	s.RequestCount++
	return s
}

func (si *SessionIndex) setPreferred(sessionID, provider, connID string) {
	si.mu.Lock()
	defer si.mu.Unlock()
	s, ok := si.byID[sessionID]
	if !ok {
		return
	}
	if s.PreferredConnID != "" && s.PreferredConnID != connID {
		s.FallbackConnIDs = append([]string{s.PreferredConnID}, s.FallbackConnIDs...)
		if len(s.FallbackConnIDs) > 4 {
			s.FallbackConnIDs = s.FallbackConnIDs[:4]
		}
	}
	s.PreferredConnID = connID
}

// clearConnection reconciles every session referencing a retired
// connection id, dropping it from preferred/fallback (§9 re-architecture #5).
func (si *SessionIndex) clearConnection(connID string) {
	si.mu.Lock()
	defer si.mu.Unlock()
	for _, s := range si.byID {
		if s.PreferredConnID == connID {
			s.PreferredConnID = ""
		}
		filtered := s.FallbackConnIDs[:0]
		for _, id := range s.FallbackConnIDs {
			if id != connID {
				filtered = append(filtered, id)
			}
		}
		s.FallbackConnIDs = filtered
	}
}

// reap removes sessions inactive past the configured window.
func (si *SessionIndex) reap() {
	si.mu.Lock()
	defer si.mu.Unlock()
	now := si.clk.Now()
	for id, s := range si.byID {
		if now.Sub(s.LastActivity) > si.inactivity {
			delete(si.byID, id)
		}
	}
}

// Get returns the session for id if one exists.
func (si *SessionIndex) Get(id string) (*Session, bool) {
	si.mu.Lock()
	defer si.mu.Unlock()
	s, ok := si.byID[id]
	return s, ok
}
