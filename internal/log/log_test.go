package log

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newBufferLogger(buf *bytes.Buffer, component string) *Logger {
	return New(Config{
		Component: component,
		Handler:   slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
	})
}

func TestLoggerAddsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf, ComponentScheduler)

	logger.Info("tick", FieldAsOf, "2025-03-20")

	out := buf.String()
	if !strings.Contains(out, "component=scheduler") || !strings.Contains(out, "as_of=2025-03-20") {
		t.Fatalf("unexpected log line: %s", out)
	}
}

func TestContextMiddlewareChain(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf, ComponentApp)

	var got *Logger
	h := Middleware(logger)(
		ComponentMiddleware(ComponentHTTP)(
			RequestIDMiddleware(func(r *http.Request) string { return "req-42" })(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					got = FromContext(r.Context())
					got.Info("handled")
				}))))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	if got == nil || got.Component() != ComponentHTTP {
		t.Fatalf("expected http component logger, got %+v", got)
	}
	if !strings.Contains(buf.String(), "request_id=req-42") {
		t.Fatalf("request id missing: %s", buf.String())
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if l := FromContext(context.Background()); l == nil || l.Component() != "unknown" {
		t.Fatalf("unexpected fallback logger: %+v", l)
	}
}

func TestStructuredLoggerLevels(t *testing.T) {
	cases := []struct {
		status int
		level  string
	}{
		{200, "level=INFO"},
		{404, "level=WARN"},
		{503, "level=ERROR"},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			var buf bytes.Buffer
			sl := NewStructuredLogger(newBufferLogger(&buf, ComponentHTTP))
			r := httptest.NewRequest(http.MethodPost, "/transactions", nil)
			sl.LogHTTPEnd(context.Background(), r, tc.status, 3, "127.0.0.1")
			if !strings.Contains(buf.String(), tc.level) {
				t.Fatalf("expected %s in %s", tc.level, buf.String())
			}
		})
	}
}

func TestLogErrorFields(t *testing.T) {
	var buf bytes.Buffer
	sl := NewStructuredLogger(newBufferLogger(&buf, ComponentWorker))
	sl.LogError(context.Background(), "mirror failed", errors.New("quota"), ErrorTypeTransient, OpAppend,
		NewFields().WithTransaction("t1", 1250, "EXPENSE"))

	out := buf.String()
	for _, want := range []string{"error=quota", "error_type=transient_error", "operation=append", "transaction_id=t1", "amount_cents=1250"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %s", want, out)
		}
	}
}

func TestJSONFormatAndSingleComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelInfo, Format: FormatJSON, Component: ComponentApp, Output: &buf})

	logger.WithComponent(ComponentHTTP).With(FieldRequestID, "req-1").Info("served")

	line := buf.String()
	if !strings.HasPrefix(line, "{") {
		t.Fatalf("expected JSON output, got %s", line)
	}
	if strings.Count(line, `"component"`) != 1 || !strings.Contains(line, `"component":"http"`) {
		t.Fatalf("component attribute: %s", line)
	}
	if !strings.Contains(line, `"request_id":"req-1"`) {
		t.Fatalf("request id missing: %s", line)
	}
}
