package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mcncl/edge-pipeline/internal/logging"
	"github.com/mcncl/edge-pipeline/internal/pipeline"
)

func TestWithStructuredLogging(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		path           string
		requestHandler func(w http.ResponseWriter, r *http.Request)
		wantStatus     int
		wantLevel      string
		wantLogFields  map[string]interface{}
	}{
		{
			name:   "logs successful request",
			method: http.MethodGet,
			path:   "/api/orders",
			requestHandler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set(pipeline.HeaderCorrelationID, "corr-1")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("success"))
			},
			wantStatus: http.StatusOK,
			wantLevel:  "INFO",
			wantLogFields: map[string]interface{}{
				"correlation_id": "corr-1",
				"method":         "GET",
				"path":           "/api/orders",
				"status":         float64(200), // JSON numbers are parsed as float64
				"size":           float64(7),
			},
		},
		{
			name:   "logs server errors at warn",
			method: http.MethodPost,
			path:   "/api/payments",
			requestHandler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set(pipeline.HeaderCorrelationID, "corr-2")
				w.WriteHeader(http.StatusBadGateway)
			},
			wantStatus: http.StatusBadGateway,
			wantLevel:  "WARN",
			wantLogFields: map[string]interface{}{
				"correlation_id": "corr-2",
				"method":         "POST",
				"status":         float64(502),
			},
		},
		{
			name:   "handles missing correlation id",
			method: http.MethodGet,
			path:   "/health",
			requestHandler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			},
			wantStatus: http.StatusOK,
			wantLevel:  "INFO",
			wantLogFields: map[string]interface{}{
				"correlation_id": "unknown",
				"path":           "/health",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := logging.NewLoggerWithWriter(&buf, "debug", "json")

			handler := WithStructuredLogging(logger)(http.HandlerFunc(tt.requestHandler))

			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("Status code = %d, want %d", w.Code, tt.wantStatus)
			}

			logLines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			if len(logLines) != 2 {
				t.Fatalf("Expected 2 log lines, got %d: %s", len(logLines), buf.String())
			}

			var completionLog map[string]interface{}
			if err := json.Unmarshal([]byte(logLines[1]), &completionLog); err != nil {
				t.Fatalf("Failed to parse completion log JSON: %v", err)
			}

			if completionLog["msg"] != "Request completed" {
				t.Errorf("msg = %v, want 'Request completed'", completionLog["msg"])
			}
			if completionLog["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", completionLog["level"], tt.wantLevel)
			}
			for field, want := range tt.wantLogFields {
				if got, ok := completionLog[field]; !ok {
					t.Errorf("Completion log missing field %q", field)
				} else if got != want {
					t.Errorf("Completion log field %q = %v, want %v", field, got, want)
				}
			}
			if _, ok := completionLog["duration_ms"]; !ok {
				t.Errorf("Log missing 'duration_ms' field")
			}
		})
	}
}
