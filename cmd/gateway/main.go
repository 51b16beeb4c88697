package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcncl/edge-pipeline/internal/audit"
	"github.com/mcncl/edge-pipeline/internal/config"
	"github.com/mcncl/edge-pipeline/internal/errors"
	"github.com/mcncl/edge-pipeline/internal/gateway"
	"github.com/mcncl/edge-pipeline/internal/logging"
	"github.com/mcncl/edge-pipeline/internal/metrics"
	"github.com/mcncl/edge-pipeline/internal/middleware/identity"
	"github.com/mcncl/edge-pipeline/internal/middleware/ratelimit"
	"github.com/mcncl/edge-pipeline/internal/publisher"
	"github.com/mcncl/edge-pipeline/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// version is set at build time
var version = "dev"

const janitorInterval = time.Minute

func main() {
	// A missing .env file is not an error
	_ = godotenv.Load()

	configFile := flag.String("config", "", "Path to configuration file (JSON or YAML)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (json, text)")
	flag.Parse()

	override := &config.Config{}
	override.Server.LogLevel = *logLevel
	override.Server.LogFormat = *logFormat

	cfg, err := config.Load(*configFile, override)
	if err != nil {
		logging.NewLogger("error", "json").Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(logger)
	logger.Debug("Configuration loaded", "config", cfg.String())

	if err := run(cfg, logger); err != nil {
		logger.Error("Gateway stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.InitMetrics(reg); err != nil {
		return errors.Wrap(err, "failed to initialize metrics")
	}

	if cfg.Telemetry.Enabled {
		provider, err := telemetry.NewProvider(telemetryConfig(cfg))
		if err != nil {
			return errors.Wrap(err, "invalid telemetry configuration")
		}
		if err := provider.Start(ctx); err != nil {
			return errors.Wrap(err, "failed to start tracing")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Error("Failed to flush traces", "error", err)
			}
		}()
	}

	emitter, closeAudit, err := newAuditSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeAudit()

	limiter, closeLimiter := newLimiter(ctx, cfg, logger)
	defer closeLimiter()

	var verifier identity.Verifier
	if cfg.Identity.Enabled {
		v, err := identity.NewJWTVerifier(cfg.Identity)
		if err != nil {
			return errors.Wrap(err, "failed to create credential verifier")
		}
		verifier = v
	}

	gw, err := gateway.New(gateway.Options{
		Config:   cfg,
		Logger:   logger,
		Emitter:  emitter,
		Limiter:  limiter,
		Verifier: verifier,
		Gatherer: reg,
	})
	if err != nil {
		return err
	}
	for _, r := range gw.Routes().Routes() {
		logger.Info("Route registered", "id", r.ID, "prefix", r.PathPrefix, "target", r.Target.String())
	}

	srv := newServer(cfg, gw)
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "port", cfg.Server.Port, "version", version)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	gw.Health().SetReady(true)

	select {
	case err := <-serveErr:
		return errors.Wrap(err, "HTTP server error")
	case <-ctx.Done():
	}
	logger.Info("Shutting down server")

	gw.Health().SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Server shutdown complete")
	return nil
}

func newServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}
}

func telemetryConfig(cfg *config.Config) telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceName = cfg.Telemetry.ServiceName
	tc.ServiceVersion = version
	tc.Environment = cfg.Telemetry.Environment
	tc.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	tc.SamplingRatio = cfg.Telemetry.SamplingRatio
	return tc
}

// newPublisher returns the Pub/Sub publisher guarded by a breaker, or a
// logging publisher when no topic is configured.
func newPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (publisher.Publisher, error) {
	if cfg.Audit.TopicID == "" {
		return publisher.NewLogPublisher(logger.With("component", "audit")), nil
	}

	pub, err := publisher.NewPubSubPublisher(ctx, cfg.Audit.ProjectID, cfg.Audit.TopicID)
	if err != nil {
		err = errors.WithDetails(errors.Wrap(err, "failed to create audit publisher"), map[string]interface{}{
			"project_id": cfg.Audit.ProjectID,
			"topic_id":   cfg.Audit.TopicID,
		})
		return nil, err
	}
	return publisher.NewCircuitBreaker(pub, "audit-pubsub", publisher.DefaultCircuitBreakerConfig()), nil
}

// newAuditSink wires the audit sink, its spool and the startup replay. The
// returned func drains and closes everything.
func newAuditSink(ctx context.Context, cfg *config.Config, logger *slog.Logger) (audit.Emitter, func(), error) {
	if !cfg.Audit.Enabled {
		return audit.Discard, func() {}, nil
	}

	pub, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return startAuditSink(ctx, cfg, pub, logger)
}

// startAuditSink builds the sink around pub, opens the spool and starts the
// replay of events spooled by a previous run.
func startAuditSink(ctx context.Context, cfg *config.Config, pub publisher.Publisher, logger *slog.Logger) (audit.Emitter, func(), error) {
	var (
		spool *audit.Spool
		err   error
	)
	if cfg.Audit.SpoolPath != "" {
		spool, err = audit.OpenSpool(cfg.Audit.SpoolPath)
		if err != nil {
			_ = pub.Close()
			return nil, nil, errors.Wrap(err, "failed to open audit spool")
		}
	}

	sink := audit.NewSink(pub, audit.SinkConfig{
		BufferSize:     cfg.Audit.BufferSize,
		Workers:        cfg.Audit.Workers,
		PublishTimeout: cfg.Audit.PublishTimeout.Duration,
	}, spool, logger)

	replayCtx, stopReplay := context.WithCancel(ctx)
	replayDone := make(chan struct{})
	if spool != nil {
		go func() {
			defer close(replayDone)
			n, err := sink.Replay(replayCtx, 100)
			if err != nil {
				logger.Warn("Audit spool replay stopped", "replayed", n, "error", err)
				return
			}
			if n > 0 {
				logger.Info("Audit spool replayed", "replayed", n)
			}
		}()
	} else {
		close(replayDone)
	}

	// Replay and the sink workers both publish, so both stop before the
	// publisher closes.
	closeFn := func() {
		stopReplay()
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Audit.PublishTimeout.Duration+time.Second)
		defer cancel()
		if err := sink.Close(drainCtx); err != nil {
			logger.Warn("Audit events lost on shutdown", "error", err)
		}
		<-replayDone
		delivered, failed, dropped := sink.Stats()
		logger.Info("Audit sink closed", "delivered", delivered, "failed", failed, "dropped", dropped)
		if err := pub.Close(); err != nil {
			logger.Error("Failed to close audit publisher", "error", err)
		}
		if spool != nil {
			_ = spool.Close()
		}
	}
	return sink, closeFn, nil
}

// newLimiter builds the configured limiter store. An unreachable Redis is
// logged and used anyway; the limiter stage lets requests through while the
// store fails.
func newLimiter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ratelimit.Limiter, func()) {
	if cfg.RateLimit.Store != config.StoreRedis {
		limiter := ratelimit.NewMemoryLimiter()
		limiter.StartJanitor(ctx, janitorInterval)
		return limiter, func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RateLimit.RedisAddr,
		Password: cfg.RateLimit.RedisPassword,
		DB:       cfg.RateLimit.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Rate limit store unreachable, requests will not be limited until it recovers",
			"addr", cfg.RateLimit.RedisAddr,
			"error", err,
		)
	}

	return ratelimit.NewRedisLimiter(rdb, cfg.RateLimit.KeyPrefix), func() {
		if err := rdb.Close(); err != nil {
			logger.Error("Failed to close redis client", "error", err)
		}
	}
}
