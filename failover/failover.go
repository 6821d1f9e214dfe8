// Package failover implements the Failover Controller (§4.8): the
// orchestrator tying the cache, credential pool, connection pool, circuit
// breaker registry, smart retry, and (optionally) the sequential-mode queue
// together into one call path per request.
//
// Grounded on handler/proxy.go's ChatCompletions/handleNonStreamingChat,
// which today calls prov.ChatCompletion directly with no resilience layer —
// this package is what gets inserted between the handler and the provider
// call, generalized from "one provider" to "ordered list of targets with
// cache/credential/breaker/retry/queue wrapping each attempt".
package failover

import (
	"context"
	"errors"
	"time"

	"github.com/alfred-oss/fabric/breaker"
	"github.com/alfred-oss/fabric/cache"
	"github.com/alfred-oss/fabric/clock"
	"github.com/alfred-oss/fabric/connpool"
	"github.com/alfred-oss/fabric/credential"
	"github.com/alfred-oss/fabric/events"
	"github.com/alfred-oss/fabric/retry"
	"github.com/alfred-oss/fabric/seqqueue"
	"github.com/rs/zerolog"
)

// Call is everything the Controller needs to perform and retry one logical
// request against a target. Implemented by the caller (the chat/embeddings
// handler) so this package stays provider-interface agnostic.
type Call[T any] func(ctx context.Context, target string, cred *credential.Credential, conn *connpool.Connection) retry.Outcome[T]

// Target is one candidate provider in priority order (primary first).
type Target struct {
	Name            string
	EstimatedTokens int
}

// Request bundles everything the Controller needs for one logical call.
type Request[T any] struct {
	Fingerprint   cache.Fingerprint
	Model         string
	MessageTokens map[string]struct{} // for the cache's semantic tier; nil disables it
	SessionID     string
	Priority      seqqueue.Priority
	Deadline      time.Time
	Targets       []Target
	Call          Call[T]

	// Encode/Decode let the cache store/retrieve a generic T as bytes. Set
	// both to enable caching for this Request; leave both nil to bypass the
	// cache entirely (e.g. streaming calls).
	Encode func(T) ([]byte, error)
	Decode func([]byte) (T, error)
}

// Response is what the Controller returns for a successful call.
type Response[T any] struct {
	Value     T
	Target    string
	Failover  bool // true if the primary target was not the one that served it
	CacheHit  bool
	FromCache string // cache tier that served it, empty if not a cache hit
}

// ErrExhausted is returned when every target in the ordered list failed.
var ErrExhausted = errors.New("failover: all targets exhausted")

// Config holds the orchestrator's retry policy and sequential-mode wiring.
type Config struct {
	RetryPolicy retry.Policy
	// SequentialProviders lists providers for which Sequential-Mode
	// overrides session affinity (§9 open-question resolution d).
	SequentialProviders map[string]bool
}

// Controller is the Failover Controller (§4.8).
type Controller struct {
	cfg Config
	clk clock.Clock
	log zerolog.Logger
	bus *events.Bus

	cache      *cache.Cache
	credential *credential.Pool
	conns      *connpool.Pool
	breakers   *breaker.Registry
	seq        *seqqueue.Manager
}

func New(cfg Config, clk clock.Clock, bus *events.Bus, log zerolog.Logger, c *cache.Cache, cred *credential.Pool, conns *connpool.Pool, breakers *breaker.Registry, seq *seqqueue.Manager) *Controller {
	return &Controller{
		cfg:        cfg,
		clk:        clk,
		log:        log.With().Str("component", "failover").Logger(),
		bus:        bus,
		cache:      c,
		credential: cred,
		conns:      conns,
		breakers:   breakers,
		seq:        seq,
	}
}

// Execute runs req's call against its targets in order, applying cache,
// credential acquisition, connection acquisition, the circuit breaker, and
// smart retry at each step; it advances to the next target on exhaustion and
// stops at the first success (§4.8 end-to-end flow).
func Execute[T any](ctx context.Context, fc *Controller, req Request[T]) (Response[T], error) {
	if fc.cache != nil && req.Encode != nil && req.Decode != nil {
		return executeCached(ctx, fc, req)
	}
	return executeDirect(ctx, fc, req)
}

func executeCached[T any](ctx context.Context, fc *Controller, req Request[T]) (Response[T], error) {
	if r := fc.cache.Lookup(ctx, req.Fingerprint, req.Model, req.MessageTokens); r.Hit {
		v, err := req.Decode(r.Entry.Response)
		if err != nil {
			fc.log.Warn().Err(err).Msg("failover: cache entry failed to decode, treating as miss")
		} else {
			return Response[T]{Value: v, CacheHit: true, FromCache: r.Source}, nil
		}
	}

	raw, err, _ := fc.cache.BuildOnMiss(ctx, req.Fingerprint, req.Model, req.MessageTokens, func(ctx context.Context) ([]byte, error) {
		resp, err := executeDirect(ctx, fc, req)
		if err != nil {
			return nil, err
		}
		return req.Encode(resp.Value)
	})
	if err != nil {
		var zero T
		return Response[T]{Value: zero}, err
	}
	v, err := req.Decode(raw)
	if err != nil {
		var zero T
		return Response[T]{Value: zero}, err
	}
	return Response[T]{Value: v}, nil
}

// executeDirect walks the target list without consulting the cache.
func executeDirect[T any](ctx context.Context, fc *Controller, req Request[T]) (Response[T], error) {
	order := fc.buildOrder(req.Targets)
	if len(order) == 0 {
		var zero T
		return Response[T]{Value: zero}, ErrExhausted
	}

	var lastErr error
	for _, target := range order {
		resp, err := attempt(ctx, fc, req, target)
		if err == nil {
			resp.Failover = target.Name != req.Targets[0].Name
			return resp, nil
		}
		lastErr = err
	}

	var zero T
	if lastErr == nil {
		lastErr = ErrExhausted
	}
	return Response[T]{Value: zero}, lastErr
}

// buildOrder filters out targets whose breaker does not allow a request
// (credential availability is not checked here; attemptOnce fails a target
// that has no eligible credential), but never returns zero candidates when at
// least one target exists — an open breaker alone doesn't remove the last
// remaining target, since §4.8 requires surfacing the real upstream error
// rather than a breaker-induced synthetic one when there is truly nowhere
// else to go.
func (fc *Controller) buildOrder(targets []Target) []Target {
	var eligible []Target
	for _, t := range targets {
		if fc.breakers != nil && !fc.breakers.Allow(t.Name) {
			continue
		}
		eligible = append(eligible, t)
	}
	if len(eligible) == 0 {
		return targets
	}
	return eligible
}

func attempt[T any](ctx context.Context, fc *Controller, req Request[T], target Target) (Response[T], error) {
	useSeq := fc.seq != nil && fc.cfg.SequentialProviders[target.Name]
	if useSeq {
		// Sequential-Mode overrides session affinity for this provider
		// (§9 open-question resolution d): every attempt queues regardless
		// of req.SessionID's usual sticky-connection preference.
		if err := fc.seq.Submit(ctx, target.Name, req.Priority, req.Deadline); err != nil {
			var zero T
			return Response[T]{Value: zero}, err
		}
		defer fc.seq.Complete(target.Name)
	}

	outcome := retry.Do(ctx, fc.clk, fc.cfg.RetryPolicy, func(ctx context.Context, n int) retry.Outcome[T] {
		return attemptOnce(ctx, fc, req, target)
	})
	if !outcome.IsOk() {
		var zero T
		return Response[T]{Value: zero}, outcome.Err
	}
	return Response[T]{Value: outcome.Value, Target: target.Name}, nil
}

// attemptOnce acquires a credential and connection for target, invokes the
// caller-supplied Call, and records the outcome against both the credential
// pool and the breaker registry, re-evaluating the session's preferred
// connection on every single attempt per §5.
func attemptOnce[T any](ctx context.Context, fc *Controller, req Request[T], target Target) retry.Outcome[T] {
	var cred *credential.Credential
	if fc.credential != nil {
		c, err := fc.credential.Acquire(target.Name, target.EstimatedTokens)
		if err != nil {
			return retry.Fail[T](&retry.CallError{Kind: retry.KindConfig, Retryable: false, Cause: err})
		}
		cred = c
	}

	var conn *connpool.Connection
	if fc.conns != nil {
		c, err := fc.conns.Get(target.Name, req.SessionID)
		if err != nil {
			return retry.Fail[T](&retry.CallError{Kind: retry.KindTransientNetwork, Retryable: true, Cause: err})
		}
		conn = c
		defer fc.conns.Release(c)
	}

	start := fc.clk.Now()
	outcome := req.Call(ctx, target.Name, cred, conn)
	latency := fc.clk.Now().Sub(start)

	if fc.credential != nil && cred != nil {
		fc.credential.RecordOutcome(cred, credentialOutcome(outcome, latency))
	}
	if fc.breakers != nil {
		if outcome.IsOk() {
			fc.breakers.RecordSuccess(target.Name)
		} else if outcome.Err.Retryable || outcome.Err.Kind == retry.KindUpstreamServerError {
			fc.breakers.RecordFailure(target.Name)
		}
	}
	return outcome
}

// credentialOutcome projects a generic retry.Outcome into the Outcome shape
// the credential pool's health machine understands.
func credentialOutcome[T any](outcome retry.Outcome[T], latency time.Duration) credential.Outcome {
	if outcome.IsOk() {
		return credential.Outcome{Success: true, Latency: latency}
	}
	o := credential.Outcome{Latency: latency}
	switch outcome.Err.Kind {
	case retry.KindUpstreamRateLimit:
		o.RateLimited = true
		o.RateLimitReset = outcome.Err.RetryAfter
	case retry.KindAuth, retry.KindConfig:
		o.Unavailable = true
		o.UnavailableReason = outcome.Err.Kind.String()
	}
	return o
}
