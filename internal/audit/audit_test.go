package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mcncl/edge-pipeline/internal/publisher"
)

// blockingPublisher holds every Publish until release is closed
type blockingPublisher struct {
	release chan struct{}
	mu      sync.Mutex
	count   int
}

func (b *blockingPublisher) Publish(ctx context.Context, data interface{}, attrs map[string]string) (string, error) {
	<-b.release
	b.mu.Lock()
	b.count++
	b.mu.Unlock()
	return "id", nil
}

func (b *blockingPublisher) Close() error { return nil }

type panickingPublisher struct{}

func (panickingPublisher) Publish(context.Context, interface{}, map[string]string) (string, error) {
	panic("boom")
}

func (panickingPublisher) Close() error { return nil }

func TestSink_DeliversEvents(t *testing.T) {
	pub := publisher.NewMockPublisher()
	sink := NewSink(pub, SinkConfig{BufferSize: 16, Workers: 2}, nil, nil)

	sink.Emit(RequestEvent("corr-1", http.MethodGet, "/api/orders", "10.0.0.1:1234", nil))
	sink.Emit(ResponseEvent("corr-1", http.MethodGet, "/api/orders", 200, 15*time.Millisecond))

	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	published := pub.GetPublished()
	if len(published) != 2 {
		t.Fatalf("published %d events, want 2", len(published))
	}
	for _, msg := range published {
		if msg.Attributes["correlation_id"] != "corr-1" {
			t.Errorf("attributes = %v", msg.Attributes)
		}
	}
	if delivered, _, _ := sink.Stats(); delivered != 2 {
		t.Errorf("delivered = %d, want 2", delivered)
	}
}

func TestSink_EmitNeverBlocks(t *testing.T) {
	pub := &blockingPublisher{release: make(chan struct{})}
	sink := NewSink(pub, SinkConfig{BufferSize: 1, Workers: 1}, nil, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			sink.Emit(SecurityEvent("c", "/api", "invalid_token", "bad signature"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full queue")
	}

	if _, _, dropped := sink.Stats(); dropped == 0 {
		t.Error("expected events to be dropped when the queue is full")
	}

	close(pub.release)
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestSink_EmitAfterCloseIsDropped(t *testing.T) {
	pub := publisher.NewMockPublisher()
	sink := NewSink(pub, DefaultSinkConfig(), nil, nil)
	if err := sink.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	sink.Emit(CircuitBreakerEvent("orders-service", "closed", "open"))

	if len(pub.GetPublished()) != 0 {
		t.Error("event emitted after Close was delivered")
	}
	if _, _, dropped := sink.Stats(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestSink_CloseHonoursDeadline(t *testing.T) {
	pub := &blockingPublisher{release: make(chan struct{})}
	defer close(pub.release)
	sink := NewSink(pub, SinkConfig{BufferSize: 4, Workers: 1}, nil, nil)
	sink.Emit(ErrorEvent("c", "GET", "/api", "UNKNOWN_ERROR", 500, "boom"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := sink.Close(ctx); err == nil {
		t.Error("Close() should report the drain deadline")
	}
}

func TestSink_RecoversFromPublisherPanic(t *testing.T) {
	sink := NewSink(panickingPublisher{}, SinkConfig{BufferSize: 4, Workers: 1}, nil, nil)
	sink.Emit(RateLimitEvent("c", "orders", "ip:1.2.3.4", false, 0))
	sink.Emit(RateLimitEvent("c", "orders", "ip:1.2.3.4", false, 0))

	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, failed, _ := sink.Stats(); failed != 2 {
		t.Errorf("failed = %d, want 2", failed)
	}
}

func openTestSpool(t *testing.T) *Spool {
	t.Helper()
	spool, err := OpenSpool(filepath.Join(t.TempDir(), "spool.db"))
	if err != nil {
		t.Fatalf("OpenSpool() error = %v", err)
	}
	t.Cleanup(func() { _ = spool.Close() })
	return spool
}

func TestSink_SpoolsFailuresAndReplays(t *testing.T) {
	spool := openTestSpool(t)
	pub := publisher.NewMockPublisher()
	pub.SetError(errors.New("sink down"))

	sink := NewSink(pub, SinkConfig{BufferSize: 8, Workers: 1}, spool, nil)
	sink.Emit(SecurityEvent("corr-9", "/api/users", "invalid_token", "expired"))
	sink.Emit(ResponseEvent("corr-9", "GET", "/api/users", 200, time.Millisecond))
	if err := sink.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if n, err := spool.Len(ctx); err != nil || n != 2 {
		t.Fatalf("spool Len() = %d, %v; want 2", n, err)
	}

	pub.Reset()
	replayer := NewSink(pub, DefaultSinkConfig(), spool, nil)
	defer replayer.Close(ctx)

	n, err := replayer.Replay(ctx, 1)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Replay() = %d, want 2", n)
	}
	if left, _ := spool.Len(ctx); left != 0 {
		t.Errorf("spool still holds %d events", left)
	}

	published := pub.GetPublished()
	if len(published) != 2 {
		t.Fatalf("replayed %d events, want 2", len(published))
	}
	first, ok := published[0].Data.(Event)
	if !ok || first.Type != EventSecurity || first.CorrelationID != "corr-9" {
		t.Errorf("first replayed event = %+v", published[0].Data)
	}
}

func TestSpool_StoreIsIdempotent(t *testing.T) {
	spool := openTestSpool(t)
	ctx := context.Background()
	e := CircuitBreakerEvent("payment-service", "closed", "open")

	for i := 0; i < 3; i++ {
		if err := spool.Store(ctx, e); err != nil {
			t.Fatalf("Store() error = %v", err)
		}
	}
	if n, _ := spool.Len(ctx); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}

	pending, err := spool.Pending(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if pending[0].Dependency != "payment-service" || pending[0].ToState != "open" {
		t.Errorf("pending = %+v", pending[0])
	}
}

func TestReplay_StopsOnFailure(t *testing.T) {
	spool := openTestSpool(t)
	ctx := context.Background()
	_ = spool.Store(ctx, SecurityEvent("c", "/", "r", "m"))

	pub := publisher.NewMockPublisher()
	pub.SetError(errors.New("still down"))
	sink := NewSink(pub, DefaultSinkConfig(), spool, nil)
	defer sink.Close(ctx)

	if _, err := sink.Replay(ctx, 10); err == nil {
		t.Error("Replay() should fail while the publisher is down")
	}
	if n, _ := spool.Len(ctx); n != 1 {
		t.Errorf("event removed despite failed replay, Len() = %d", n)
	}
}

func TestRedactor(t *testing.T) {
	r := NewRedactor([]string{"authorization", "Cookie", " X-API-Key "})

	h := http.Header{}
	h.Set("Authorization", "Bearer secret")
	h.Add("Cookie", "a=1")
	h.Add("Cookie", "b=2")
	h.Set("X-Api-Key", "k")
	h.Set("Accept", "application/json")

	out := r.Headers(h)

	if out.Get("Authorization") != Redacted || out.Get("X-API-Key") != Redacted {
		t.Errorf("sensitive headers not redacted: %v", out)
	}
	if vs := out.Values("Cookie"); len(vs) != 2 || vs[0] != Redacted {
		t.Errorf("Cookie = %v", vs)
	}
	if out.Get("Accept") != "application/json" {
		t.Errorf("Accept = %q", out.Get("Accept"))
	}
	if h.Get("Authorization") != "Bearer secret" {
		t.Error("Headers modified the input")
	}
}

func TestEventSerialization(t *testing.T) {
	e := RateLimitEvent("corr-1", "orders", "user:42", false, 0)

	b, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}

	if m["type"] != "rate-limit" || m["key"] != "user:42" {
		t.Errorf("serialized event = %s", b)
	}
	if allowed, ok := m["allowed"].(bool); !ok || allowed {
		t.Errorf("allowed = %v, want false", m["allowed"])
	}
	if _, ok := m["headers"]; ok {
		t.Error("unrelated fields should be omitted")
	}
	if e.ID == "" {
		t.Error("event id not set")
	}
}
