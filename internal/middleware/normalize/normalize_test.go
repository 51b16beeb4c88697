package normalize

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/mcncl/edge-pipeline/internal/audit"
	"github.com/mcncl/edge-pipeline/internal/errors"
	"github.com/mcncl/edge-pipeline/internal/logging"
	"github.com/mcncl/edge-pipeline/internal/pipeline"
)

type recorder struct {
	events []audit.Event
}

func (r *recorder) Emit(e audit.Event) { r.events = append(r.events, e) }

func failWith(err error) pipeline.Handler {
	return pipeline.HandlerFunc(func(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error) {
		return nil, err
	})
}

func newRequest(correlationID string) *pipeline.Request {
	req := pipeline.NewRequest(httptest.NewRequest(http.MethodPost, "/api/v2/orders", nil))
	if correlationID != "" {
		req.Context.SetCorrelation(correlationID, time.Now())
	}
	return req
}

func decode(t *testing.T, resp *pipeline.Response) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(resp.Body, &m); err != nil {
		t.Fatalf("body is not JSON: %v (%s)", err, resp.Body)
	}
	return m
}

func TestStage_Classification(t *testing.T) {
	dialErr := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "not found", err: errors.NewNotFoundError("No route"), wantStatus: 404, wantCode: "NOT_FOUND"},
		{name: "rate limited", err: errors.NewRateLimitError("slow down"), wantStatus: 429, wantCode: "RATE_LIMIT_EXCEEDED"},
		{name: "unavailable", err: errors.NewUnavailableError("down"), wantStatus: 503, wantCode: "SERVICE_UNAVAILABLE"},
		{name: "timeout", err: context.DeadlineExceeded, wantStatus: 504, wantCode: "GATEWAY_TIMEOUT"},
		{name: "connection refused", err: dialErr, wantStatus: 503, wantCode: "SERVICE_UNAVAILABLE"},
		{name: "malformed json", err: &json.SyntaxError{Offset: 3}, wantStatus: 400, wantCode: "BAD_REQUEST"},
		{name: "foreign error", err: stderrors.New("db password=hunter2"), wantStatus: 500, wantCode: "UNKNOWN_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			stage := NewStage(rec, nil)

			resp, err := stage.Process(context.Background(), newRequest("corr-1"), failWith(tt.err))
			if err != nil {
				t.Fatalf("Process() returned error %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.Status, tt.wantStatus)
			}

			body := decode(t, resp)
			if body["errorCode"] != tt.wantCode {
				t.Errorf("errorCode = %v, want %s", body["errorCode"], tt.wantCode)
			}
			if int(body["status"].(float64)) != tt.wantStatus {
				t.Errorf("body status = %v", body["status"])
			}
			if body["error"] != http.StatusText(tt.wantStatus) {
				t.Errorf("error = %v", body["error"])
			}
			if body["path"] != "/api/v2/orders" || body["method"] != http.MethodPost {
				t.Errorf("path/method = %v %v", body["path"], body["method"])
			}
			if strings.Contains(string(resp.Body), "hunter2") {
				t.Error("internal error text leaked into the envelope")
			}
			if d, ok := body["details"].(map[string]interface{}); !ok || len(d) != 0 {
				t.Errorf("details = %v, want empty object", body["details"])
			}

			if len(rec.events) != 1 || rec.events[0].Type != audit.EventError || rec.events[0].ErrorCode != tt.wantCode {
				t.Errorf("audit events = %+v", rec.events)
			}
		})
	}
}

func TestStage_ClientClosedRequest(t *testing.T) {
	rec := &recorder{}
	var logs bytes.Buffer
	stage := NewStage(rec, logging.NewLoggerWithWriter(&logs, "debug", "json"))

	err := errors.NewCanceledError("Client closed the request", context.Canceled)
	resp, _ := stage.Process(context.Background(), newRequest("corr-7"), failWith(err))

	if resp.Status != errors.StatusClientClosedRequest {
		t.Errorf("status = %d, want %d", resp.Status, errors.StatusClientClosedRequest)
	}
	body := decode(t, resp)
	if body["errorCode"] != "CLIENT_CLOSED_REQUEST" || body["error"] != "Client Closed Request" {
		t.Errorf("envelope = %v", body)
	}
	if len(rec.events) != 0 {
		t.Errorf("audit events = %d, want none for an abandoned request", len(rec.events))
	}
	if strings.Contains(logs.String(), `"level":"ERROR"`) || strings.Contains(logs.String(), `"level":"WARN"`) {
		t.Errorf("abandoned request logged as a failure: %s", logs.String())
	}
}

func TestStage_CorrelationEcho(t *testing.T) {
	stage := NewStage(nil, nil)

	resp, _ := stage.Process(context.Background(), newRequest("corr-42"), failWith(errors.NewNotFoundError("x")))
	if decode(t, resp)["requestId"] != "corr-42" {
		t.Errorf("requestId = %v", decode(t, resp)["requestId"])
	}
	if resp.Header.Get(pipeline.HeaderCorrelationID) != "corr-42" {
		t.Errorf("header = %q", resp.Header.Get(pipeline.HeaderCorrelationID))
	}

	resp, _ = stage.Process(context.Background(), newRequest(""), failWith(errors.NewNotFoundError("x")))
	body := decode(t, resp)
	if v, present := body["requestId"]; !present || v != nil {
		t.Errorf("requestId = %v (present %v), want null", v, present)
	}
}

func TestStage_CopiesErrorHeaders(t *testing.T) {
	stage := NewStage(nil, nil)
	err := errors.WithHeader(errors.NewRateLimitError("slow down"), "Retry-After", "3")

	resp, _ := stage.Process(context.Background(), newRequest("c"), failWith(err))
	if resp.Header.Get("Retry-After") != "3" {
		t.Errorf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
}

func TestStage_ExplicitDetails(t *testing.T) {
	stage := NewStage(nil, nil)
	err := errors.WithDetails(errors.NewValidationError("bad field"), map[string]interface{}{"field": "quantity"})

	resp, _ := stage.Process(context.Background(), newRequest("c"), failWith(err))
	body := decode(t, resp)
	if body["message"] != "bad field" {
		t.Errorf("message = %v", body["message"])
	}
	if d := body["details"].(map[string]interface{}); d["field"] != "quantity" {
		t.Errorf("details = %v", d)
	}
}

func TestStage_RecoversPanic(t *testing.T) {
	var logs bytes.Buffer
	stage := NewStage(nil, logging.NewLoggerWithWriter(&logs, "error", "json"))

	panicking := pipeline.HandlerFunc(func(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error) {
		panic("nil map write")
	})

	resp, err := stage.Process(context.Background(), newRequest("c"), panicking)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.Status)
	}
	if strings.Contains(string(resp.Body), "nil map write") {
		t.Error("panic value leaked to the client")
	}
	if !strings.Contains(logs.String(), "panic in pipeline") {
		t.Errorf("panic not logged: %s", logs.String())
	}
}

func TestStage_PassesSuccessThrough(t *testing.T) {
	stage := NewStage(nil, nil)
	ok := pipeline.HandlerFunc(func(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error) {
		return pipeline.NewResponse(http.StatusAccepted, []byte("ok")), nil
	})

	resp, err := stage.Process(context.Background(), newRequest("c"), ok)
	if err != nil || resp.Status != http.StatusAccepted || string(resp.Body) != "ok" {
		t.Errorf("Process() = %+v, %v", resp, err)
	}
}

func TestRender_FallbackBody(t *testing.T) {
	err := errors.WithDetails(errors.NewValidationError("x"), map[string]interface{}{"bad": make(chan int)})
	env := NewEnvelope(err, http.MethodGet, "/api", "c", time.Now())

	resp := Render(env, err)
	if resp.Status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.Status)
	}
	if string(resp.Body) != fallbackBody {
		t.Errorf("body = %s", resp.Body)
	}
}
