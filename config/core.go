package config

import (
	"fmt"
	"time"
)

// CoreConfig composes the strongly-typed per-component configuration for the
// resilience core (§9 re-architecture: typed configs instead of dynamically
// shaped objects). Each sub-config validates itself; unknown environment keys
// are simply ignored (env is an open namespace), but every recognized key is
// parsed eagerly here, once, at startup.
type CoreConfig struct {
	Cache      CacheConfig
	Credential CredentialPoolConfig
	Connection ConnectionPoolConfig
	Sequential SequentialConfig
	Failover   FailoverConfig
	RateLimit  RateLimiterConfig
}

func (c CoreConfig) Validate() error {
	for name, v := range map[string]interface{ Validate() error }{
		"cache":      c.Cache,
		"credential": c.Credential,
		"connection": c.Connection,
		"sequential": c.Sequential,
		"failover":   c.Failover,
		"ratelimit":  c.RateLimit,
	} {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%s config: %w", name, err)
		}
	}
	return nil
}

// CacheConfig configures the multi-tier Request Cache (§4.1, §6).
type CacheConfig struct {
	Enabled bool

	MemoryMaxEntries int
	MemoryTTL        time.Duration

	KVEnabled bool
	KVTTL     time.Duration

	DiskEnabled   bool
	DiskPath      string
	DiskMaxBytes  int64
	DiskTTL       time.Duration
	DiskMinEntryBytes int64 // §4.1: overflow to disk only past this response size

	FingerprintIncludeFields []string
	FingerprintIgnoreFields  []string
	FingerprintVaryBy        []string

	SemanticEnabled        bool
	SemanticThreshold      float64
	SemanticMaxComparisons int

	TTLVarianceMs int
	SingleFlightTimeout time.Duration
}

func (c CacheConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.MemoryMaxEntries <= 0 {
		return fmt.Errorf("memory_max_entries must be > 0")
	}
	if c.SemanticEnabled && (c.SemanticThreshold < 0 || c.SemanticThreshold > 1) {
		return fmt.Errorf("semantic threshold must be in [0,1]")
	}
	if c.DiskEnabled && c.DiskMaxBytes <= 0 {
		return fmt.Errorf("disk_max_bytes must be > 0 when disk tier enabled")
	}
	return nil
}

// LoadCacheConfig reads CacheConfig from the environment.
func LoadCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:                 getEnvBool("CACHE_ENABLED", true),
		MemoryMaxEntries:        getEnvInt("CACHE_MEMORY_MAX_ENTRIES", 10000),
		MemoryTTL:               getEnvDuration("CACHE_MEMORY_TTL_MS", 3600000),
		KVEnabled:               getEnvBool("CACHE_KV_ENABLED", false),
		KVTTL:                   getEnvDuration("CACHE_KV_TTL_MS", 3600000),
		DiskEnabled:             getEnvBool("CACHE_DISK_ENABLED", false),
		DiskPath:                getEnv("CACHE_DISK_PATH", "/var/lib/fabric/cache"),
		DiskMaxBytes:            int64(getEnvInt("CACHE_DISK_MAX_BYTES", 512*1024*1024)),
		DiskTTL:                 getEnvDuration("CACHE_DISK_TTL_MS", 86400000),
		DiskMinEntryBytes:       int64(getEnvInt("CACHE_DISK_MIN_ENTRY_BYTES", 8192)),
		SemanticEnabled:         getEnvBool("CACHE_SEMANTIC_ENABLED", false),
		SemanticThreshold:       getEnvFloat("CACHE_SEMANTIC_THRESHOLD", 0.92),
		SemanticMaxComparisons:  getEnvInt("CACHE_SEMANTIC_MAX_COMPARISONS", 200),
		TTLVarianceMs:           getEnvInt("CACHE_TTL_VARIANCE_MS", 30000),
		SingleFlightTimeout:     getEnvDuration("CACHE_SINGLEFLIGHT_TIMEOUT_MS", 30000),
	}
}

// CredentialPoolConfig configures the Credential Pool (§4.2).
type CredentialPoolConfig struct {
	Enabled                bool
	Strategy               string // round_robin | lru | least_loaded | weighted
	HealthCheckInterval    time.Duration
	RateLimitSafetyBuffer  time.Duration
	DegradedHealthFloor    int
	UnavailableHealthFloor int
}

func (c CredentialPoolConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Strategy {
	case "round_robin", "lru", "least_loaded", "weighted":
	default:
		return fmt.Errorf("unknown credential pool strategy %q", c.Strategy)
	}
	if c.DegradedHealthFloor <= c.UnavailableHealthFloor {
		return fmt.Errorf("degraded floor must exceed unavailable floor")
	}
	return nil
}

func LoadCredentialPoolConfig() CredentialPoolConfig {
	return CredentialPoolConfig{
		Enabled:                getEnvBool("CREDENTIAL_POOL_ENABLED", true),
		Strategy:               getEnv("CREDENTIAL_POOL_STRATEGY", "least_loaded"),
		HealthCheckInterval:    getEnvDuration("CREDENTIAL_HEALTH_CHECK_INTERVAL_MS", 30000),
		RateLimitSafetyBuffer:  getEnvDuration("CREDENTIAL_RATE_LIMIT_SAFETY_BUFFER_MS", 5000),
		DegradedHealthFloor:    getEnvInt("CREDENTIAL_DEGRADED_HEALTH_FLOOR", 50),
		UnavailableHealthFloor: getEnvInt("CREDENTIAL_UNAVAILABLE_HEALTH_FLOOR", 10),
	}
}

// ConnectionPoolConfig configures the Connection & Session Pool (§4.3).
type ConnectionPoolConfig struct {
	MaxSockets           int
	MaxFreeSockets       int
	IdleTimeout          time.Duration
	KeepAlive            time.Duration
	MaxLifetime          time.Duration
	SessionInactivity    time.Duration
	StickyLoadCeiling    float64 // fraction of capacity, e.g. 0.8
	CleanupSweepInterval time.Duration
}

func (c ConnectionPoolConfig) Validate() error {
	if c.MaxSockets <= 0 {
		return fmt.Errorf("max_sockets must be > 0")
	}
	if c.MaxFreeSockets < 0 || c.MaxFreeSockets > c.MaxSockets {
		return fmt.Errorf("max_free_sockets must be within [0, max_sockets]")
	}
	if c.StickyLoadCeiling <= 0 || c.StickyLoadCeiling > 1 {
		return fmt.Errorf("sticky_load_ceiling must be in (0,1]")
	}
	return nil
}

func LoadConnectionPoolConfig() ConnectionPoolConfig {
	return ConnectionPoolConfig{
		MaxSockets:           getEnvInt("CONN_POOL_MAX_SOCKETS", 64),
		MaxFreeSockets:       getEnvInt("CONN_POOL_MAX_FREE_SOCKETS", 16),
		IdleTimeout:          getEnvDuration("CONN_POOL_IDLE_TIMEOUT_MS", 90000),
		KeepAlive:            getEnvDuration("CONN_POOL_KEEP_ALIVE_MS", 30000),
		MaxLifetime:          getEnvDuration("CONN_POOL_MAX_LIFETIME_MS", 3600000),
		SessionInactivity:    getEnvDuration("CONN_POOL_SESSION_INACTIVITY_MS", 30*60*1000),
		StickyLoadCeiling:    getEnvFloat("CONN_POOL_STICKY_LOAD_CEILING", 0.8),
		CleanupSweepInterval: getEnvDuration("CONN_POOL_CLEANUP_SWEEP_MS", 15000),
	}
}

// SequentialConfig configures the Sequential-Mode Queue (§4.4).
type SequentialConfig struct {
	Enabled      bool
	Mode         string // normal | sequential
	MaxQueue     int
	QueueTimeout time.Duration
	ReuseWindow  time.Duration // dwell between completions, ~10ms default
	PerProvider  map[string]bool
}

func (c SequentialConfig) Validate() error {
	if c.Mode != "normal" && c.Mode != "sequential" {
		return fmt.Errorf("unknown sequential mode %q", c.Mode)
	}
	if c.MaxQueue <= 0 {
		return fmt.Errorf("max_queue must be > 0")
	}
	return nil
}

func LoadSequentialConfig() SequentialConfig {
	return SequentialConfig{
		Enabled:      getEnvBool("SEQUENTIAL_ENABLED", false),
		Mode:         getEnv("SEQUENTIAL_MODE", "normal"),
		MaxQueue:     getEnvInt("SEQUENTIAL_MAX_QUEUE", 100),
		QueueTimeout: getEnvDuration("SEQUENTIAL_QUEUE_TIMEOUT_MS", 60000),
		ReuseWindow:  getEnvDuration("SEQUENTIAL_REUSE_WINDOW_MS", 10),
		PerProvider:  map[string]bool{},
	}
}

// FailoverConfig configures the Failover Controller, Smart Retry, and
// Circuit Breaker Registry together since they are declared as one
// configuration surface in §6.
type FailoverConfig struct {
	Enabled           bool
	MaxRetries        int
	RetryBaseDelay    time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration

	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration
	BreakerHalfOpenMax      int
	BreakerSuccessThreshold int

	HealthCheckEnabled  bool
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	ProbeEndpoint       string
}

func (c FailoverConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0")
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1")
	}
	if c.BreakerFailureThreshold <= 0 {
		return fmt.Errorf("breaker failure_threshold must be > 0")
	}
	if c.BreakerSuccessThreshold <= 0 {
		return fmt.Errorf("breaker success_threshold must be > 0")
	}
	return nil
}

func LoadFailoverConfig() FailoverConfig {
	return FailoverConfig{
		Enabled:                 getEnvBool("FAILOVER_ENABLED", true),
		MaxRetries:              getEnvInt("FAILOVER_MAX_RETRIES", 2),
		RetryBaseDelay:          getEnvDuration("FAILOVER_RETRY_BASE_DELAY_MS", 250),
		BackoffMultiplier:       getEnvFloat("FAILOVER_BACKOFF_MULTIPLIER", 2.0),
		MaxDelay:                getEnvDuration("FAILOVER_MAX_DELAY_MS", 10000),
		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerResetTimeout:     getEnvDuration("BREAKER_RESET_TIMEOUT_MS", 60000),
		BreakerHalfOpenMax:      getEnvInt("BREAKER_HALF_OPEN_MAX", 1),
		BreakerSuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", 3),
		HealthCheckEnabled:      getEnvBool("PROVIDER_HEALTH_CHECK_ENABLED", true),
		HealthCheckInterval:     getEnvDuration("PROVIDER_HEALTH_CHECK_INTERVAL_MS", 30000),
		HealthCheckTimeout:      getEnvDuration("PROVIDER_HEALTH_CHECK_TIMEOUT_MS", 5000),
		ProbeEndpoint:           getEnv("PROVIDER_HEALTH_PROBE_ENDPOINT", "/models"),
	}
}

// RateLimiterConfig configures the multi-dimensional Rate Limiter (§4.7).
type RateLimiterConfig struct {
	Enabled       bool
	SoftThreshold float64 // fraction of limit that sets the warning flag, default 0.8

	DefaultAlgorithm string // token_bucket | sliding_window | fixed_window
	DefaultLimit     int
	DefaultWindow    time.Duration
	DefaultBurst     int
}

func (c RateLimiterConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.SoftThreshold <= 0 || c.SoftThreshold > 1 {
		return fmt.Errorf("soft_threshold must be in (0,1]")
	}
	switch c.DefaultAlgorithm {
	case "token_bucket", "sliding_window", "fixed_window":
	default:
		return fmt.Errorf("unknown rate limit algorithm %q", c.DefaultAlgorithm)
	}
	if c.DefaultLimit <= 0 {
		return fmt.Errorf("default limit must be > 0")
	}
	return nil
}

func LoadRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Enabled:          getEnvBool("RATE_LIMIT_ENABLED", true),
		SoftThreshold:    getEnvFloat("RATE_LIMIT_SOFT_THRESHOLD", 0.8),
		DefaultAlgorithm: getEnv("RATE_LIMIT_ALGORITHM", "sliding_window"),
		DefaultLimit:     getEnvInt("RATE_LIMIT_RPM", 60),
		DefaultWindow:    getEnvDuration("RATE_LIMIT_WINDOW_MS", 60000),
		DefaultBurst:     getEnvInt("RATE_LIMIT_BURST", 10),
	}
}

// LoadCoreConfig reads every sub-config from the environment.
func LoadCoreConfig() CoreConfig {
	return CoreConfig{
		Cache:      LoadCacheConfig(),
		Credential: LoadCredentialPoolConfig(),
		Connection: LoadConnectionPoolConfig(),
		Sequential: LoadSequentialConfig(),
		Failover:   LoadFailoverConfig(),
		RateLimit:  LoadRateLimiterConfig(),
	}
}
