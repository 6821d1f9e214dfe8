// Package container builds and owns one instance of every resilience-core
// component for the process: the Request Cache, Credential Pool, Connection
// & Session Pool, Circuit Breaker Registry, Rate Limiter, Sequential-Mode
// Manager, Failover Controller, Event Bus, and Metrics registry.
//
// Grounded on main.go's existing wiring order (config -> logger -> redis ->
// registry -> router): that sequence is the precedent, this package just
// makes it an explicit, testable type per §9 re-architecture #1 instead of
// leaving the construction inline in main. There is no package-level
// singleton anywhere in the resilience core; every component lives on this
// struct and is threaded through by reference.
package container

import (
	"time"

	"github.com/alfred-oss/fabric/breaker"
	"github.com/alfred-oss/fabric/cache"
	"github.com/alfred-oss/fabric/clock"
	"github.com/alfred-oss/fabric/config"
	"github.com/alfred-oss/fabric/connpool"
	"github.com/alfred-oss/fabric/credential"
	"github.com/alfred-oss/fabric/events"
	"github.com/alfred-oss/fabric/failover"
	"github.com/alfred-oss/fabric/metrics"
	"github.com/alfred-oss/fabric/provider"
	"github.com/alfred-oss/fabric/ratelimit"
	"github.com/alfred-oss/fabric/redisclient"
	"github.com/alfred-oss/fabric/retry"
	"github.com/alfred-oss/fabric/seqqueue"
	"github.com/rs/zerolog"
)

// Container holds every resilience-core component for the process. Built
// once in main, passed by reference to the router and handlers.
type Container struct {
	Config *config.Config
	Core   config.CoreConfig
	Clock  clock.Clock
	Bus    *events.Bus
	Redis  *redisclient.Client

	Registry   *provider.Registry
	Cache      *cache.Cache
	Credential *credential.Pool
	Connection *connpool.Pool
	Breakers   *breaker.Registry
	RateLimit  *ratelimit.Limiter
	Sequential *seqqueue.Manager
	Failover   *failover.Controller
	Metrics    *metrics.Metrics
}

// New builds every core component from cfg and wires them into one
// Container. rc may be nil (redis optional, degrades the cache's KV tier per
// §9 silent-degradation resolution); registry must already have its
// providers registered.
func New(cfg *config.Config, log zerolog.Logger, rc *redisclient.Client, registry *provider.Registry) *Container {
	core := config.LoadCoreConfig()
	clk := clock.Real{}
	bus := events.New(log)
	met := metrics.New()

	var kv *redisclient.Client
	if core.Cache.KVEnabled {
		kv = rc
	}

	c := cache.New(cache.Config{
		DefaultTTL:            core.Cache.MemoryTTL,
		TTLJitter:             durationFromMs(core.Cache.TTLVarianceMs),
		MemoryMaxEntries:      core.Cache.MemoryMaxEntries,
		SemanticEnabled:       core.Cache.SemanticEnabled,
		SemanticThreshold:     core.Cache.SemanticThreshold,
		SemanticMaxCandidates: core.Cache.SemanticMaxComparisons,
		DiskDir:               core.Cache.DiskPath,
		DiskByteBudget:        core.Cache.DiskMaxBytes,
		DiskMinEntryBytes:     core.Cache.DiskMinEntryBytes,
		KeyPrefix:             "fabric:cache:",
	}, clk, bus, kv, log)

	limiter := ratelimit.New([]ratelimit.Rule{
		{
			Dimension: ratelimit.DimGlobal,
			Algorithm: algorithmFromString(core.RateLimit.DefaultAlgorithm),
			Limit:     core.RateLimit.DefaultLimit,
			Window:    core.RateLimit.DefaultWindow,
			Burst:     core.RateLimit.DefaultBurst,
		},
		{
			Dimension: ratelimit.DimIP,
			Algorithm: algorithmFromString(core.RateLimit.DefaultAlgorithm),
			Limit:     core.RateLimit.DefaultLimit,
			Window:    core.RateLimit.DefaultWindow,
			Burst:     core.RateLimit.DefaultBurst,
		},
		{
			Dimension: ratelimit.DimCredential,
			Algorithm: algorithmFromString(core.RateLimit.DefaultAlgorithm),
			Limit:     core.RateLimit.DefaultLimit,
			Window:    core.RateLimit.DefaultWindow,
			Burst:     core.RateLimit.DefaultBurst,
		},
	}, core.RateLimit.SoftThreshold)

	credPool := credential.NewPool(credential.Config{
		Strategy:         strategyFromString(core.Credential.Strategy),
		SafetyBuffer:     core.Credential.RateLimitSafetyBuffer,
		DegradedFloor:    core.Credential.DegradedHealthFloor,
		UnavailableFloor: core.Credential.UnavailableHealthFloor,
	}, clk, bus, limiter)

	connPool := connpool.New(connpool.Config{
		MaxSockets:        core.Connection.MaxSockets,
		MaxFreeSockets:    core.Connection.MaxFreeSockets,
		IdleTimeout:       core.Connection.IdleTimeout,
		MaxLifetime:       core.Connection.MaxLifetime,
		StickyLoadCeiling: core.Connection.StickyLoadCeiling,
		SessionInactivity: core.Connection.SessionInactivity,
	}, clk, bus)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: core.Failover.BreakerFailureThreshold,
		ResetTimeout:     core.Failover.BreakerResetTimeout,
		SuccessThreshold: core.Failover.BreakerSuccessThreshold,
		HalfOpenMax:      core.Failover.BreakerHalfOpenMax,
	}, clk, bus)

	seq := seqqueue.NewManager(seqqueue.Config{
		MaxQueue:    core.Sequential.MaxQueue,
		ReuseWindow: core.Sequential.ReuseWindow,
	}, clk)

	fc := failover.New(failover.Config{
		RetryPolicy: retry.Policy{
			MaxAttempts:       core.Failover.MaxRetries + 1,
			BaseDelay:         core.Failover.RetryBaseDelay,
			BackoffMultiplier: core.Failover.BackoffMultiplier,
			MaxDelay:          core.Failover.MaxDelay,
		},
		SequentialProviders: core.Sequential.PerProvider,
	}, clk, bus, log, c, credPool, connPool, breakers, seq)

	return &Container{
		Config:     cfg,
		Core:       core,
		Clock:      clk,
		Bus:        bus,
		Redis:      rc,
		Registry:   registry,
		Cache:      c,
		Credential: credPool,
		Connection: connPool,
		Breakers:   breakers,
		RateLimit:  limiter,
		Sequential: seq,
		Failover:   fc,
		Metrics:    met,
	}
}

func durationFromMs(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func algorithmFromString(s string) ratelimit.Algorithm {
	switch s {
	case "token_bucket":
		return ratelimit.TokenBucket
	case "sliding_window":
		return ratelimit.SlidingWindow
	case "fixed_window":
		return ratelimit.FixedWindow
	default:
		return ratelimit.SlidingWindow
	}
}

func strategyFromString(s string) credential.Strategy {
	switch s {
	case "round_robin":
		return credential.RoundRobin
	case "lru":
		return credential.LeastRecentlyUsed
	case "least_loaded":
		return credential.LeastLoaded
	case "weighted":
		return credential.Weighted
	default:
		return credential.LeastLoaded
	}
}
