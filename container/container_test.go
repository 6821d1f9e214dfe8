package container

import (
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/alfred-oss/fabric/config"
	"github.com/alfred-oss/fabric/provider"
)

func TestNewWiresEveryComponentWithoutRedis(t *testing.T) {
	cfg := &config.Config{}
	log := zerolog.New(io.Discard)
	reg := provider.NewRegistry()

	c := New(cfg, log, nil, reg)

	if c.Cache == nil || c.Credential == nil || c.Connection == nil ||
		c.Breakers == nil || c.RateLimit == nil || c.Sequential == nil ||
		c.Failover == nil || c.Metrics == nil || c.Bus == nil {
		t.Fatal("expected every core component to be non-nil after construction")
	}
	if c.Redis != nil {
		t.Fatal("expected Redis to remain nil when not supplied")
	}
	if c.Registry != reg {
		t.Fatal("expected the passed-in registry to be stored as-is")
	}
}

func TestNewIsIndependentAcrossCalls(t *testing.T) {
	cfg := &config.Config{}
	log := zerolog.New(io.Discard)

	c1 := New(cfg, log, nil, provider.NewRegistry())
	c2 := New(cfg, log, nil, provider.NewRegistry())

	if c1.Cache == c2.Cache || c1.Credential == c2.Credential {
		t.Fatal("expected independent Container instances to hold independent components")
	}
}
