package main

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mcncl/edge-pipeline/internal/audit"
	"github.com/mcncl/edge-pipeline/internal/config"
	"github.com/mcncl/edge-pipeline/internal/logging"
	"github.com/mcncl/edge-pipeline/internal/middleware/ratelimit"
	"github.com/mcncl/edge-pipeline/internal/pipeline"
	"github.com/mcncl/edge-pipeline/internal/publisher"
)

func TestNewServer(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Port = 9090

	srv := newServer(cfg, nil)
	if srv.Addr != ":9090" {
		t.Errorf("Addr = %q", srv.Addr)
	}
	if srv.ReadTimeout != 5*time.Second || srv.WriteTimeout != 35*time.Second || srv.IdleTimeout != 120*time.Second {
		t.Errorf("timeouts = %v %v %v", srv.ReadTimeout, srv.WriteTimeout, srv.IdleTimeout)
	}
}

func TestTelemetryConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Telemetry.OTLPEndpoint = "collector:4317"
	cfg.Telemetry.SamplingRatio = 0.5

	tc := telemetryConfig(cfg)
	if tc.ServiceName != "edge-gateway" || tc.OTLPEndpoint != "collector:4317" || tc.SamplingRatio != 0.5 {
		t.Errorf("telemetryConfig() = %+v", tc)
	}
	if tc.ServiceVersion != version {
		t.Errorf("ServiceVersion = %q", tc.ServiceVersion)
	}
	if err := tc.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestNewLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := logging.NewLoggerWithWriter(&bytes.Buffer{}, "error", "json")
	policy := pipeline.RateLimitPolicy{Strategy: "ip", ReplenishRate: 1, BurstCapacity: 2, RequestedTokens: 1}

	t.Run("memory", func(t *testing.T) {
		cfg := config.DefaultConfig()
		limiter, closeFn := newLimiter(ctx, cfg, logger)
		defer closeFn()
		if _, ok := limiter.(*ratelimit.MemoryLimiter); !ok {
			t.Fatalf("limiter = %T, want *ratelimit.MemoryLimiter", limiter)
		}
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := config.DefaultConfig()
		cfg.RateLimit.Store = config.StoreRedis
		cfg.RateLimit.RedisAddr = mr.Addr()

		limiter, closeFn := newLimiter(ctx, cfg, logger)
		defer closeFn()
		if _, ok := limiter.(*ratelimit.RedisLimiter); !ok {
			t.Fatalf("limiter = %T, want *ratelimit.RedisLimiter", limiter)
		}
		d, err := limiter.Allow(ctx, "orders", "ip:192.0.2.1", policy)
		if err != nil || !d.Allowed {
			t.Errorf("Allow() = %+v, %v", d, err)
		}
	})

	t.Run("unreachable redis is still returned", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.RateLimit.Store = config.StoreRedis
		cfg.RateLimit.RedisAddr = "127.0.0.1:1"

		var logs bytes.Buffer
		limiter, closeFn := newLimiter(ctx, cfg, logging.NewLoggerWithWriter(&logs, "warn", "json"))
		defer closeFn()
		if limiter == nil {
			t.Fatal("no limiter returned")
		}
		if !bytes.Contains(logs.Bytes(), []byte("Rate limit store unreachable")) {
			t.Errorf("missing warning: %s", logs.String())
		}
	})
}

func TestNewPublisher_WithoutTopic(t *testing.T) {
	cfg := config.DefaultConfig()
	pub, err := newPublisher(context.Background(), cfg, logging.NewLoggerWithWriter(&bytes.Buffer{}, "info", "json"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := pub.(*publisher.LogPublisher); !ok {
		t.Errorf("publisher = %T, want *publisher.LogPublisher", pub)
	}
}

func TestNewAuditSink(t *testing.T) {
	logger := logging.NewLoggerWithWriter(&bytes.Buffer{}, "error", "json")

	t.Run("disabled", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Audit.Enabled = false
		emitter, closeFn, err := newAuditSink(context.Background(), cfg, logger)
		if err != nil {
			t.Fatal(err)
		}
		defer closeFn()
		if _, isSink := emitter.(*audit.Sink); isSink {
			t.Error("disabled audit still built a sink")
		}
	})

	t.Run("with spool", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Audit.SpoolPath = filepath.Join(t.TempDir(), "audit.db")
		cfg.Audit.PublishTimeout = config.Seconds(1)

		emitter, closeFn, err := newAuditSink(context.Background(), cfg, logger)
		if err != nil {
			t.Fatal(err)
		}
		sink, ok := emitter.(*audit.Sink)
		if !ok {
			t.Fatalf("emitter = %T, want *audit.Sink", emitter)
		}
		sink.Emit(audit.SecurityEvent("corr-1", "/api/orders", "invalid_token", "bad signature"))
		closeFn()

		if delivered, _, _ := sink.Stats(); delivered != 1 {
			t.Errorf("delivered = %d, want 1", delivered)
		}
	})
}

// slowPublisher holds every publish until its context ends and records
// whether a publish was still running after Close.
type slowPublisher struct {
	started   chan struct{}
	startOnce sync.Once

	mu         sync.Mutex
	closed     bool
	afterClose bool
}

func (p *slowPublisher) Publish(ctx context.Context, data interface{}, attributes map[string]string) (string, error) {
	p.startOnce.Do(func() { close(p.started) })
	select {
	case <-ctx.Done():
	case <-time.After(200 * time.Millisecond):
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.afterClose = true
	}
	return "id", ctx.Err()
}

func (p *slowPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestStartAuditSink_ReplayStopsBeforePublisherCloses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	spool, err := audit.OpenSpool(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := spool.Store(context.Background(), audit.SecurityEvent("corr-1", "/api/orders", "invalid_token", "bad signature")); err != nil {
			t.Fatal(err)
		}
	}
	if err := spool.Close(); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.Audit.SpoolPath = path
	cfg.Audit.PublishTimeout = config.Seconds(5)

	pub := &slowPublisher{started: make(chan struct{})}
	_, closeFn, err := startAuditSink(context.Background(), cfg, pub, logging.NewLoggerWithWriter(&bytes.Buffer{}, "error", "json"))
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-pub.started:
	case <-time.After(2 * time.Second):
		t.Fatal("replay never published")
	}
	closeFn()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if !pub.closed {
		t.Error("publisher was not closed")
	}
	if pub.afterClose {
		t.Error("replay was still publishing after the publisher closed")
	}
}
