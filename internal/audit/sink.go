package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcncl/edge-pipeline/internal/metrics"
	"github.com/mcncl/edge-pipeline/internal/publisher"
)

// SinkConfig tunes the sink
type SinkConfig struct {
	BufferSize     int
	Workers        int
	PublishTimeout time.Duration
}

// DefaultSinkConfig returns sensible defaults
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		BufferSize:     1024,
		Workers:        2,
		PublishTimeout: 5 * time.Second,
	}
}

// Sink queues events and delivers them to a publisher from background
// workers. Emit never blocks: when the queue is full the event is dropped and
// counted. Delivery failures are logged and, when a spool is configured,
// persisted for replay.
type Sink struct {
	pub     publisher.Publisher
	spool   *Spool
	logger  *slog.Logger
	timeout time.Duration

	events chan Event
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	dropped   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

// NewSink starts cfg.Workers delivery goroutines. spool may be nil.
func NewSink(pub publisher.Publisher, cfg SinkConfig, spool *Spool, logger *slog.Logger) *Sink {
	def := DefaultSinkConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sink{
		pub:     pub,
		spool:   spool,
		logger:  logger.With("component", "audit_sink"),
		timeout: cfg.PublishTimeout,
		events:  make(chan Event, cfg.BufferSize),
	}

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Emit queues e for delivery
func (s *Sink) Emit(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.drop(e, "closed")
		return
	}

	select {
	case s.events <- e:
		metrics.SetAuditQueueDepth(len(s.events))
	default:
		s.drop(e, "queue full")
	}
}

func (s *Sink) drop(e Event, reason string) {
	s.dropped.Add(1)
	metrics.RecordAuditEvent(string(e.Type), "dropped")
	s.logger.Debug("audit event dropped",
		"reason", reason,
		"event_type", e.Type,
		"correlation_id", e.CorrelationID,
	)
}

func (s *Sink) worker() {
	defer s.wg.Done()
	for e := range s.events {
		metrics.SetAuditQueueDepth(len(s.events))
		s.deliver(e)
	}
}

func (s *Sink) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			s.failed.Add(1)
			metrics.RecordAuditEvent(string(e.Type), "failed")
			s.logger.Error("panic delivering audit event",
				"panic", fmt.Sprint(r),
				"event_type", e.Type,
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.pub.Publish(ctx, e, e.Attributes()); err != nil {
		s.failed.Add(1)
		metrics.RecordAuditEvent(string(e.Type), "failed")
		s.logger.Warn("failed to deliver audit event",
			"error", err,
			"event_type", e.Type,
			"event_id", e.ID,
			"correlation_id", e.CorrelationID,
		)
		s.spoolEvent(e)
		return
	}

	s.delivered.Add(1)
	metrics.RecordAuditEvent(string(e.Type), "delivered")
}

func (s *Sink) spoolEvent(e Event) {
	if s.spool == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.spool.Store(ctx, e); err != nil {
		s.logger.Error("failed to spool audit event", "error", err, "event_id", e.ID)
		return
	}
	metrics.RecordAuditEvent(string(e.Type), "spooled")
}

// Replay re-publishes spooled events, removing each one once it is
// delivered. It stops at the first delivery failure and returns the number of
// events replayed.
func (s *Sink) Replay(ctx context.Context, batch int) (int, error) {
	if s.spool == nil {
		return 0, nil
	}
	if batch <= 0 {
		batch = 100
	}

	replayed := 0
	for {
		events, err := s.spool.Pending(ctx, batch)
		if err != nil {
			return replayed, err
		}
		if len(events) == 0 {
			return replayed, nil
		}
		for _, e := range events {
			pubCtx, cancel := context.WithTimeout(ctx, s.timeout)
			_, err := s.pub.Publish(pubCtx, e, e.Attributes())
			cancel()
			if err != nil {
				return replayed, fmt.Errorf("replaying event %s: %w", e.ID, err)
			}
			if err := s.spool.Delete(ctx, e.ID); err != nil {
				return replayed, err
			}
			replayed++
			metrics.RecordAuditEvent(string(e.Type), "replayed")
		}
	}
}

// Stats returns delivery counters
func (s *Sink) Stats() (delivered, failed, dropped int64) {
	return s.delivered.Load(), s.failed.Load(), s.dropped.Load()
}

// Close stops accepting events and waits for queued events to drain or for
// ctx to expire. The publisher is not closed.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit sink drain: %w", ctx.Err())
	}
}
