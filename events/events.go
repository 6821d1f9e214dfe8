// Package events is a small typed publish-subscribe abstraction replacing the
// broadcast-channel / generic event-emitter pattern: a closed set of event
// kinds, registered at container build time, fanned out without blocking
// publishers.
package events

import (
	"time"

	"github.com/rs/zerolog"
)

// Kind identifies one of the fixed event shapes this bus carries.
type Kind int

const (
	BreakerTransitioned Kind = iota
	CredentialRateLimited
	CredentialHealthChanged
	ConnectionRetired
	CacheDegraded
	ProviderHealthChanged
)

func (k Kind) String() string {
	switch k {
	case BreakerTransitioned:
		return "breaker_transitioned"
	case CredentialRateLimited:
		return "credential_rate_limited"
	case CredentialHealthChanged:
		return "credential_health_changed"
	case ConnectionRetired:
		return "connection_retired"
	case CacheDegraded:
		return "cache_degraded"
	case ProviderHealthChanged:
		return "provider_health_changed"
	default:
		return "unknown"
	}
}

// Event is the single envelope type carried over the bus. Only the fields
// relevant to Kind are populated; this keeps Subscribe's signature to one
// function type instead of one per event kind.
type Event struct {
	Kind      Kind
	At        time.Time
	Target    string // "provider,model" or provider name
	Credential string
	Connection string
	From      string // prior state/health, kind-dependent
	To        string // new state/health, kind-dependent
	Reason    string
}

type subscriber struct {
	ch   chan Event
	name string
}

// Bus fans out published events to subscribers on independent goroutines so
// a slow or stuck subscriber never blocks a publisher.
type Bus struct {
	logger zerolog.Logger
	subs   []subscriber
}

// New returns a Bus that logs a warning for every event dropped because a
// subscriber's queue is full.
func New(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers fn to receive every future published Event. fn runs on
// its own goroutine reading from a bounded internal channel; if the
// subscriber falls behind, newest events are dropped and logged rather than
// blocking Publish.
func (b *Bus) Subscribe(name string, fn func(Event)) {
	ch := make(chan Event, 64)
	b.subs = append(b.subs, subscriber{ch: ch, name: name})
	go func() {
		for ev := range ch {
			fn(ev)
		}
	}()
}

// Publish delivers ev to every subscriber without blocking on any of them.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			b.logger.Warn().Str("subscriber", s.name).Str("kind", ev.Kind.String()).Msg("event dropped, subscriber queue full")
		}
	}
}
