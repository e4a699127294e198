package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewLogger_WritesJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "pipeline", slog.LevelInfo)

	logger.Info("poll complete", "records", 3)
	logger.Debug("hidden")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v (raw %q)", err, buf.String())
	}
	if entry["component"] != "pipeline" {
		t.Errorf("component = %v, want pipeline", entry["component"])
	}
	if entry["msg"] != "poll complete" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["records"] != float64(3) {
		t.Errorf("records = %v, want 3", entry["records"])
	}
}

func TestNewLogger_Stdout(t *testing.T) {
	if NewLogger("test", slog.LevelInfo) == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" Error ", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLogLevel(tt.input); got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestGetLogLevel(t *testing.T) {
	t.Setenv(LogLevelEnv, "error")

	if got := GetLogLevel(""); got != slog.LevelError {
		t.Errorf("env level = %v, want error", got)
	}
	if got := GetLogLevel("debug"); got != slog.LevelDebug {
		t.Errorf("flag level = %v, want debug", got)
	}
}

func TestTraceLogger_AddsSpanIDs(t *testing.T) {
	var buf bytes.Buffer
	tl := NewTraceLogger(newLogger(&buf, "engine", slog.LevelDebug))

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	tl.Info(ctx, "with span")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v", entry["trace_id"])
	}
	if entry["span_id"] != span.SpanContext().SpanID().String() {
		t.Errorf("span_id = %v", entry["span_id"])
	}
}

func TestTraceLogger_NoSpan(t *testing.T) {
	var buf bytes.Buffer
	tl := NewTraceLogger(newLogger(&buf, "engine", slog.LevelDebug))

	tl.Warn(context.Background(), "plain")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := entry["trace_id"]; ok {
		t.Error("unexpected trace_id without a span")
	}
}

func TestNewTraceLogger_NilFallsBackToDefault(t *testing.T) {
	tl := NewTraceLogger(nil)
	if tl.WithTraceContext(context.Background()) == nil {
		t.Fatal("expected default logger")
	}
}
