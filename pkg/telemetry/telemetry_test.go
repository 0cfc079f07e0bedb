package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidation(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing service name", func(c *Config) { c.ServiceName = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad trace exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}},
		{"sampling rate out of range", func(c *Config) { c.Tracing.SamplingRate = 1.5 }},
		{"metrics with no address", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddress = ""
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoggerWritesStructuredFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lift.log")

	lg, err := NewLogger(LoggingConfig{
		Level:  "debug",
		Format: "json",
		Output: path,
	})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	lg.NewComponentLogger("executor").
		WithEnvironment("staging").
		WithResource("postgres.db").
		Info("resource created")
	lg.WithError(fmt.Errorf("connection refused")).Error("adapter call failed")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log output: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %q", len(lines), string(data))
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if first["component"] != "executor" {
		t.Errorf("component = %v, want executor", first["component"])
	}
	if first["environment"] != "staging" {
		t.Errorf("environment = %v, want staging", first["environment"])
	}
	if first["resource"] != "postgres.db" {
		t.Errorf("resource = %v, want postgres.db", first["resource"])
	}

	var second map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if second["error"] != "connection refused" {
		t.Errorf("error = %v, want connection refused", second["error"])
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lift.log")

	lg, err := NewLogger(LoggingConfig{
		Level:  "warn",
		Format: "json",
		Output: path,
	})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	lg.Debug("suppressed")
	lg.Infof("also %s", "suppressed")
	lg.Warn("kept")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log output: %v", err)
	}
	out := strings.TrimSpace(string(data))
	if strings.Contains(out, "suppressed") {
		t.Errorf("messages below warn level were written: %q", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("warn message was dropped: %q", out)
	}
}

func TestLoggerContextRoundTrip(t *testing.T) {
	lg, err := NewLogger(LoggingConfig{Level: "info"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	ctx := lg.WithContext(context.Background())
	if got := FromContext(ctx); got != lg {
		t.Error("FromContext did not return the stored logger")
	}

	// An empty context still yields a usable logger.
	fallback := FromContext(context.Background())
	if fallback == nil {
		t.Fatal("FromContext returned nil for empty context")
	}
	fallback.Debug("no-op")
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.RecordApplyStarted("dev")
	m.RecordApplyCompleted("dev", "success", time.Second)
	m.RecordAction("CREATE", "success", "postgres", time.Second)
	m.RecordAdapterCall("postgres", "apply", time.Second)
	m.RecordAdapterError("postgres", "apply")
	m.RecordLockConflict("env:dev")
	m.RecordVersionConflict("dev")
	m.RecordPromotion("dev", "prod", "success")

	if err := m.StartMetricsServer(); err != nil {
		t.Fatalf("disabled metrics server: %v", err)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("disabled handler status = %d, want 404", rec.Code)
	}
}

func TestMetricsExposition(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{
		Enabled:   true,
		Namespace: "openlift",
		Path:      "/metrics",
	})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.RecordApplyStarted("dev")
	m.RecordApplyCompleted("dev", "success", 1500*time.Millisecond)
	m.RecordAction("CREATE", "success", "postgres", time.Second)
	m.RecordLockConflict("env:dev")
	m.RecordPromotion("dev", "prod", "success")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("metrics endpoint status = %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"openlift_applies_started_total",
		"openlift_applies_completed_total",
		"openlift_actions_executed_total",
		"openlift_lock_conflicts_total",
		"openlift_promotions_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestTracerDisabledSpans(t *testing.T) {
	tr, err := NewTracer(TracingConfig{}, "openlift", "test")
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	defer func() {
		if err := tr.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}()

	ctx, span := tr.StartApplySpan(context.Background(), "dev")
	if ctx == nil || span == nil {
		t.Fatal("disabled tracer returned nil span")
	}
	RecordError(span, fmt.Errorf("boom"))
	span.End()

	_, span = tr.StartPromoteSpan(context.Background(), "app.web", "dev", "prod")
	RecordSuccess(span)
	span.End()
}
