package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mcncl/edge-pipeline/internal/audit"
	"github.com/mcncl/edge-pipeline/internal/breaker"
	"github.com/mcncl/edge-pipeline/internal/config"
	"github.com/mcncl/edge-pipeline/internal/logging"
	"github.com/mcncl/edge-pipeline/internal/metrics"
	"github.com/mcncl/edge-pipeline/internal/middleware/identity"
	"github.com/prometheus/client_golang/prometheus"
)

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Emit(e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t audit.EventType) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type backendCall struct {
	path   string
	header http.Header
	body   string
}

// fakeBackend records what it receives and answers with status
func fakeBackend(t *testing.T, status int) (*httptest.Server, func() []backendCall) {
	t.Helper()
	var mu sync.Mutex
	var calls []backendCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		calls = append(calls, backendCall{path: r.URL.Path, header: r.Header.Clone(), body: string(b)})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []backendCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]backendCall(nil), calls...)
	}
}

func testConfig(backendURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Security.AdminAllowedCIDRs = []string{"192.0.2.0/24"}
	cfg.Routes = []config.RouteConfig{
		{
			ID:         "orders",
			PathPrefix: "/api/orders",
			URI:        backendURL,
			Timeout:    config.Seconds(2),
			CircuitBreaker: &config.RouteBreakerConfig{
				BreakerConfig: config.BreakerConfig{
					FailureRateThreshold: 50,
					MinimumCalls:         2,
					WindowSize:           4,
					OpenDuration:         config.Seconds(30),
					HalfOpenProbes:       1,
				},
			},
		},
		{
			ID:         "limited",
			PathPrefix: "/api/limited",
			URI:        backendURL,
			Methods:    []string{"GET"},
			RateLimit: &config.RouteRateLimit{
				Strategy:      config.RateLimitIP,
				ReplenishRate: 0.001,
				BurstCapacity: 1,
			},
		},
	}
	return cfg
}

func newGateway(t *testing.T, opts Options) *Gateway {
	t.Helper()
	g, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return g
}

func do(g *Gateway, method, target string, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("body is not JSON: %v (%s)", err, w.Body.String())
	}
	return m
}

func TestNew_RequiresConfig(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("expected an error without config")
	}
}

func TestGateway_ForwardsWithContext(t *testing.T) {
	srv, calls := fakeBackend(t, http.StatusOK)
	rec := &recorder{}
	g := newGateway(t, Options{Config: testConfig(srv.URL), Emitter: rec})

	w := do(g, http.MethodGet, "/api/v2/orders/42", "", map[string]string{
		"X-Correlation-ID": "corr-123",
		"X-User-Id":        "spoofed",
		"Authorization":    "Bearer secret-token",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Correlation-ID") != "corr-123" {
		t.Errorf("X-Correlation-ID = %q", w.Header().Get("X-Correlation-ID"))
	}
	if w.Header().Get("X-API-Version") != "v2" {
		t.Errorf("X-API-Version = %q", w.Header().Get("X-API-Version"))
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}

	got := calls()
	if len(got) != 1 {
		t.Fatalf("backend called %d times", len(got))
	}
	call := got[0]
	if call.path != "/api/orders/42" {
		t.Errorf("backend path = %q, want version segment removed", call.path)
	}
	for header, want := range map[string]string{
		"X-Correlation-ID":       "corr-123",
		"X-API-Version":          "v2",
		"X-API-Version-Strategy": "path",
		"X-User-Id":              "",
	} {
		if v := call.header.Get(header); v != want {
			t.Errorf("backend header %s = %q, want %q", header, v, want)
		}
	}

	reqEvents := rec.ofType(audit.EventRequest)
	if len(reqEvents) != 1 || reqEvents[0].Headers["Authorization"][0] != audit.Redacted {
		t.Errorf("request audit events = %+v", reqEvents)
	}
	if len(rec.ofType(audit.EventResponse)) != 1 {
		t.Error("missing response audit event")
	}
}

func TestGateway_MintsCorrelationID(t *testing.T) {
	srv, _ := fakeBackend(t, http.StatusOK)
	g := newGateway(t, Options{Config: testConfig(srv.URL)})

	w := do(g, http.MethodGet, "/api/orders", "", nil)
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("no correlation id minted")
	}
	if w.Header().Get("X-API-Version") != "v1" {
		t.Errorf("X-API-Version = %q, want default v1", w.Header().Get("X-API-Version"))
	}
}

func TestGateway_ErrorEnvelopes(t *testing.T) {
	srv, _ := fakeBackend(t, http.StatusOK)
	g := newGateway(t, Options{Config: testConfig(srv.URL)})

	tests := []struct {
		name       string
		method     string
		target     string
		body       string
		headers    map[string]string
		wantStatus int
		wantCode   string
	}{
		{name: "no route", method: http.MethodGet, target: "/api/unknown", wantStatus: 404, wantCode: "NOT_FOUND"},
		{name: "method not allowed", method: http.MethodDelete, target: "/api/limited", wantStatus: 405, wantCode: "METHOD_NOT_ALLOWED"},
		{
			name:       "malformed json",
			method:     http.MethodPost,
			target:     "/api/orders",
			body:       `{"qty":`,
			headers:    map[string]string{"Content-Type": "application/json"},
			wantStatus: 400,
			wantCode:   "BAD_REQUEST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(g, tt.method, tt.target, tt.body, tt.headers)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if w.Header().Get("Content-Type") != "application/json" {
				t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
			}
			env := decode(t, w)
			if env["errorCode"] != tt.wantCode {
				t.Errorf("errorCode = %v, want %s", env["errorCode"], tt.wantCode)
			}
			if env["requestId"] != w.Header().Get("X-Correlation-ID") {
				t.Errorf("requestId = %v, header = %q", env["requestId"], w.Header().Get("X-Correlation-ID"))
			}
			if env["path"] != tt.target {
				t.Errorf("path = %v", env["path"])
			}
		})
	}
}

func TestGateway_RateLimit(t *testing.T) {
	srv, calls := fakeBackend(t, http.StatusOK)
	rec := &recorder{}
	g := newGateway(t, Options{Config: testConfig(srv.URL), Emitter: rec})

	first := do(g, http.MethodGet, "/api/limited", "", nil)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}
	if first.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q", first.Header().Get("X-RateLimit-Remaining"))
	}

	second := do(g, http.MethodGet, "/api/limited", "", nil)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", second.Code)
	}
	if decode(t, second)["errorCode"] != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("envelope = %s", second.Body.String())
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
	if len(calls()) != 1 {
		t.Errorf("backend called %d times, want 1", len(calls()))
	}

	events := rec.ofType(audit.EventRateLimit)
	if len(events) != 2 || events[0].Key != "ip:192.0.2.1" || *events[1].Allowed {
		t.Errorf("rate-limit events = %+v", events)
	}
}

func TestGateway_CircuitBreakerOpens(t *testing.T) {
	srv, calls := fakeBackend(t, http.StatusInternalServerError)
	rec := &recorder{}
	g := newGateway(t, Options{Config: testConfig(srv.URL), Emitter: rec})

	for i := 0; i < 2; i++ {
		if w := do(g, http.MethodGet, "/api/orders/1", "", nil); w.Code != http.StatusInternalServerError {
			t.Fatalf("call %d status = %d", i+1, w.Code)
		}
	}

	w := do(g, http.MethodGet, "/api/orders/1", "", nil)
	if w.Code != http.StatusServiceUnavailable || decode(t, w)["errorCode"] != "SERVICE_UNAVAILABLE" {
		t.Fatalf("open breaker answered %d %s", w.Code, w.Body.String())
	}
	if len(calls()) != 2 {
		t.Errorf("backend called %d times while open", len(calls()))
	}

	transitions := rec.ofType(audit.EventCircuitBreaker)
	if len(transitions) != 1 || transitions[0].Dependency != "orders-service" || transitions[0].ToState != "open" {
		t.Errorf("circuit-breaker events = %+v", transitions)
	}

	admin := do(g, http.MethodGet, "/admin/circuit-breakers", "", nil)
	if admin.Code != http.StatusOK {
		t.Fatalf("admin status = %d", admin.Code)
	}
	var list struct {
		Breakers []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"breakers"`
	}
	if err := json.Unmarshal(admin.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Breakers) != 1 || list.Breakers[0].Name != "orders-service" || list.Breakers[0].State != "open" {
		t.Errorf("admin breakers = %+v", list.Breakers)
	}

	one := do(g, http.MethodGet, "/admin/circuit-breakers/orders-service", "", nil)
	if one.Code != http.StatusOK {
		t.Errorf("single breaker status = %d", one.Code)
	}
	if missing := do(g, http.MethodGet, "/admin/circuit-breakers/nope", "", nil); missing.Code != http.StatusNotFound {
		t.Errorf("unknown breaker status = %d", missing.Code)
	}
}

func TestGateway_BreakerRecoversWithClock(t *testing.T) {
	srv, _ := fakeBackend(t, http.StatusOK)
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	g := newGateway(t, Options{
		Config:         testConfig(srv.URL),
		BreakerOptions: []breaker.Option{breaker.WithClock(clock)},
	})

	b := g.Registry().Get("orders-service", breaker.Config{
		FailureRateThreshold: 50, MinimumCalls: 1, WindowSize: 2, OpenDuration: time.Minute, HalfOpenProbes: 1,
	})
	done, err := b.Allow()
	if err != nil {
		t.Fatal(err)
	}
	done(false)

	if w := do(g, http.MethodGet, "/api/orders", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status while open = %d", w.Code)
	}

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()

	if w := do(g, http.MethodGet, "/api/orders", "", nil); w.Code != http.StatusOK {
		t.Fatalf("probe status = %d", w.Code)
	}
	if b.State() != breaker.StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestGateway_ForwardFallback(t *testing.T) {
	srv, _ := fakeBackend(t, http.StatusBadGateway)
	cfg := testConfig(srv.URL)
	cfg.Routes[0].CircuitBreaker.FallbackURI = "forward:/fallback/orders"
	g := newGateway(t, Options{Config: cfg})

	for i := 0; i < 2; i++ {
		do(g, http.MethodGet, "/api/orders", "", nil)
	}

	w := do(g, http.MethodGet, "/api/orders", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decode(t, w); body["service"] != "orders-service" {
		t.Errorf("fallback body = %v", body)
	}

	direct := do(g, http.MethodGet, "/fallback/orders", "", nil)
	if direct.Code != http.StatusServiceUnavailable || decode(t, direct)["service"] != "orders" {
		t.Errorf("fallback endpoint = %d %s", direct.Code, direct.Body.String())
	}
}

func TestGateway_BackendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	g := newGateway(t, Options{Config: testConfig(url)})
	w := do(g, http.MethodGet, "/api/orders", "", nil)
	if w.Code != http.StatusServiceUnavailable || decode(t, w)["errorCode"] != "SERVICE_UNAVAILABLE" {
		t.Errorf("unreachable backend = %d %s", w.Code, w.Body.String())
	}
}

func TestGateway_Identity(t *testing.T) {
	srv, calls := fakeBackend(t, http.StatusOK)
	cfg := testConfig(srv.URL)
	cfg.Identity = config.IdentityConfig{Enabled: true, SigningKey: "test-signing-key", UserIDClaim: "user_id"}

	verifier, err := identity.NewJWTVerifier(cfg.Identity)
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	g := newGateway(t, Options{Config: cfg, Verifier: verifier, Emitter: rec})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":     "subject-1",
		"user_id": "u-42",
		"email":   "ada@example.com",
		"roles":   []string{"admin", "buyer"},
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-signing-key"))
	if err != nil {
		t.Fatal(err)
	}

	if w := do(g, http.MethodGet, "/api/orders", "", map[string]string{"Authorization": "Bearer " + token}); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	h := calls()[0].header
	if h.Get("X-User-Id") != "u-42" || h.Get("X-User-Email") != "ada@example.com" || h.Get("X-User-Roles") != "admin,buyer" {
		t.Errorf("identity headers = %v", h)
	}

	// An invalid token never rejects the request; it is audited instead.
	if w := do(g, http.MethodGet, "/api/orders", "", map[string]string{"Authorization": "Bearer not-a-jwt"}); w.Code != http.StatusOK {
		t.Fatalf("invalid token status = %d", w.Code)
	}
	if calls()[1].header.Get("X-User-Id") != "" {
		t.Error("identity headers forwarded for an invalid token")
	}
	if sec := rec.ofType(audit.EventSecurity); len(sec) != 1 || sec[0].Reason != "invalid_token" {
		t.Errorf("security events = %+v", sec)
	}
}

func TestGateway_OperationalEndpoints(t *testing.T) {
	srv, _ := fakeBackend(t, http.StatusOK)
	reg := prometheus.NewRegistry()
	if err := metrics.InitMetrics(reg); err != nil {
		t.Fatal(err)
	}
	g := newGateway(t, Options{Config: testConfig(srv.URL), Gatherer: reg})

	if w := do(g, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("health = %d", w.Code)
	}
	if w := do(g, http.MethodGet, "/ready", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("ready before SetReady = %d", w.Code)
	}
	g.Health().SetReady(true)
	if w := do(g, http.MethodGet, "/ready", "", nil); w.Code != http.StatusOK {
		t.Errorf("ready = %d", w.Code)
	}

	do(g, http.MethodGet, "/api/orders", "", nil)
	w := do(g, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "edge_requests_total") {
		t.Errorf("metrics = %d, missing request counter", w.Code)
	}
}

func TestGateway_AdminAllowList(t *testing.T) {
	srv, _ := fakeBackend(t, http.StatusOK)
	cfg := testConfig(srv.URL)
	cfg.Security.AdminAllowedCIDRs = []string{"10.0.0.0/8"}
	g := newGateway(t, Options{Config: cfg})

	if w := do(g, http.MethodGet, "/admin/circuit-breakers", "", nil); w.Code != http.StatusForbidden {
		t.Errorf("admin from outside the allow list = %d, want 403", w.Code)
	}
}

func TestNew_WarnsOnUnnamedCatchAllBreaker(t *testing.T) {
	tests := []struct {
		name     string
		prefix   string
		breaker  string
		wantWarn bool
	}{
		{name: "catch-all without name", prefix: "/api", wantWarn: true},
		{name: "catch-all with name", prefix: "/api", breaker: "monolith", wantWarn: false},
		{name: "scoped route", prefix: "/api/orders", wantWarn: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			rc := config.RouteConfig{ID: "all", PathPrefix: tt.prefix, URI: "http://backend.internal"}
			if tt.breaker != "" {
				rc.CircuitBreaker = &config.RouteBreakerConfig{Name: tt.breaker, BreakerConfig: cfg.CircuitBreaker}
			}
			cfg.Routes = []config.RouteConfig{rc}

			var logs bytes.Buffer
			newGateway(t, Options{Config: cfg, Logger: logging.NewLoggerWithWriter(&logs, "warn", "json")})

			if got := strings.Contains(logs.String(), "catch-all route"); got != tt.wantWarn {
				t.Errorf("warning logged = %v, want %v (%s)", got, tt.wantWarn, logs.String())
			}
		})
	}
}
