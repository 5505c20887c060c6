package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLoggerFromContextAddsIDs(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&buf, "debug")

	ctx := WithSessionID(WithRequestID(context.Background(), "req-1"), "sess-1")
	LoggerFromContext(ctx, base).Debug("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["request_id"] != "req-1" || line["session_id"] != "sess-1" || line["msg"] != "hello" {
		t.Fatalf("unexpected log line %v", line)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.Analyses.WithLabelValues("ok").Inc()
	m.Inflight.Set(2)

	if got := testutil.ToFloat64(m.Inflight); got != 2 {
		t.Fatalf("expected gauge 2, got %v", got)
	}
	if n, err := testutil.GatherAndCount(reg, "triage_analyses_total"); err != nil || n != 1 {
		t.Fatalf("expected one analyses series, got %d (%v)", n, err)
	}
}
