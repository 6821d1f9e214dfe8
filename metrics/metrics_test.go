package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTrackRequestIncrementsCountersAndHistogram(t *testing.T) {
	m := New()
	m.TrackRequest("openai", "gpt-4", "/v1/chat/completions", "success", 120.0, 350)

	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("openai", "gpt-4", "/v1/chat/completions", "success")); got != 1 {
		t.Fatalf("expected requestsTotal=1, got %v", got)
	}
	if got := testutil.ToFloat64(m.tokensTotal.WithLabelValues("openai", "gpt-4")); got != 350 {
		t.Fatalf("expected tokensTotal=350, got %v", got)
	}
}

func TestTrackCacheHitAttributesTier(t *testing.T) {
	m := New()
	m.TrackCacheHit("openai", "gpt-4", "memory")
	m.TrackCacheHit("openai", "gpt-4", "disk")

	if got := testutil.ToFloat64(m.cacheHitsTotal.WithLabelValues("openai", "gpt-4")); got != 2 {
		t.Fatalf("expected cacheHitsTotal=2, got %v", got)
	}
	if got := testutil.ToFloat64(m.cacheTierHits.WithLabelValues("memory")); got != 1 {
		t.Fatalf("expected memory tier hits=1, got %v", got)
	}
	if got := testutil.ToFloat64(m.cacheTierHits.WithLabelValues("disk")); got != 1 {
		t.Fatalf("expected disk tier hits=1, got %v", got)
	}
}

func TestSetBreakerStateReflectsLatestValue(t *testing.T) {
	m := New()
	m.SetBreakerState("openai", 0)
	m.SetBreakerState("openai", 2)

	if got := testutil.ToFloat64(m.breakerState.WithLabelValues("openai")); got != 2 {
		t.Fatalf("expected breakerState=2 (open), got %v", got)
	}
}

func TestSetCredentialHealthTracksPerCredential(t *testing.T) {
	m := New()
	m.SetCredentialHealth("openai", "k1", 95)
	m.SetCredentialHealth("openai", "k2", 40)

	if got := testutil.ToFloat64(m.credentialHealth.WithLabelValues("openai", "k1")); got != 95 {
		t.Fatalf("expected k1 health=95, got %v", got)
	}
	if got := testutil.ToFloat64(m.credentialHealth.WithLabelValues("openai", "k2")); got != 40 {
		t.Fatalf("expected k2 health=40, got %v", got)
	}
}

func TestTrackProviderHealthConvertsBoolToGauge(t *testing.T) {
	m := New()
	m.TrackProviderHealth("openai", true)
	if got := testutil.ToFloat64(m.providerHealthy.WithLabelValues("openai")); got != 1 {
		t.Fatalf("expected healthy provider gauge=1, got %v", got)
	}
	m.TrackProviderHealth("openai", false)
	if got := testutil.ToFloat64(m.providerHealthy.WithLabelValues("openai")); got != 0 {
		t.Fatalf("expected unhealthy provider gauge=0, got %v", got)
	}
}

func TestSetConnPoolInFlightAndSeqQueueDepth(t *testing.T) {
	m := New()
	m.SetConnPoolInFlight("anthropic", 7)
	m.SetSeqQueueDepth("anthropic", 3)

	if got := testutil.ToFloat64(m.connPoolInFlight.WithLabelValues("anthropic")); got != 7 {
		t.Fatalf("expected connpool in-flight=7, got %v", got)
	}
	if got := testutil.ToFloat64(m.seqQueueDepth.WithLabelValues("anthropic")); got != 3 {
		t.Fatalf("expected seqqueue depth=3, got %v", got)
	}
}

func TestTrackRateLimitRejectedIncrementsByDimension(t *testing.T) {
	m := New()
	m.TrackRateLimitRejected("user")
	m.TrackRateLimitRejected("user")
	m.TrackRateLimitRejected("ip")

	if got := testutil.ToFloat64(m.rateLimitRejected.WithLabelValues("user")); got != 2 {
		t.Fatalf("expected user dimension rejections=2, got %v", got)
	}
	if got := testutil.ToFloat64(m.rateLimitRejected.WithLabelValues("ip")); got != 1 {
		t.Fatalf("expected ip dimension rejections=1, got %v", got)
	}
}

func TestHandlerServesPrometheusExposition(t *testing.T) {
	m := New()
	m.TrackRequest("openai", "gpt-4", "/v1/chat/completions", "success", 10, 5)

	count, err := testutil.GatherAndCount(m.registry, "fabric_requests_total")
	if err != nil {
		t.Fatalf("unexpected error gathering metrics: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one fabric_requests_total series, got %d", count)
	}
}
