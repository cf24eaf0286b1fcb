package telemetry

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "production", mutate: func(c *Config) { *c = *ProductionConfig() }},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: true},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "metrics without address", mutate: func(c *Config) { c.Metrics.ListenAddress = "" }, wantErr: true},
		{name: "missing service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.WithRunID("run-1").WithStep("WhitespaceTokenizer", 0).Info("step done")

	out := buf.String()
	for _, want := range []string{`"run_id":"run-1"`, `"component":"WhitespaceTokenizer"`, `"position":0`, `"step done"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %s", out, want)
		}
	}
}

func TestLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn line missing")
	}
}

func TestFromContextDefaultsToNop(t *testing.T) {
	logger := FromContext(context.Background())
	if logger == nil {
		t.Fatal("FromContext() returned nil")
	}
	logger.Info("discarded")
}

func TestMetricsRecordRun(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordRunStarted("train")
	if got := testutil.ToFloat64(m.activeRuns.WithLabelValues("train")); got != 1 {
		t.Errorf("active runs = %v, want 1", got)
	}

	m.RecordRunCompleted("train", "succeeded", 10*time.Millisecond)
	if got := testutil.ToFloat64(m.runsCompleted.WithLabelValues("train", "succeeded")); got != 1 {
		t.Errorf("completed runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.activeRuns.WithLabelValues("train")); got != 0 {
		t.Errorf("active runs after completion = %v, want 0", got)
	}

	m.RecordStep("CentroidIntentClassifier", "train", time.Millisecond, true)
	if got := testutil.ToFloat64(m.stepErrors.WithLabelValues("CentroidIntentClassifier", "train")); got != 1 {
		t.Errorf("step errors = %v, want 1", got)
	}

	m.RecordDelivery("slack", "duplicate")
	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("slack", "duplicate")); got != 1 {
		t.Errorf("deliveries = %v, want 1", got)
	}
}

func TestNopMetricsAreSafe(t *testing.T) {
	m := NewNopMetrics()
	m.RecordRunStarted("inference")
	m.RecordRunCompleted("inference", "failed", time.Second)
	m.RecordStep("x", "inference", time.Second, true)
	m.RecordError("configuration", "UNKNOWN_COMPONENT")
	m.RecordArchiveSaved()
	m.RecordArchiveLoaded(false)
	m.RecordDelivery("slack", "processed")
	m.ObserveBatchSize(4)

	if m.Registry() != nil {
		t.Error("nop metrics should not own a registry")
	}
}

func TestEventPublisherAsyncOrdering(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
	}, FilterByRunID("run-9"))

	_ = ep.PublishRunStarted("run-9", "train", 2)
	_ = ep.PublishStepCompleted("run-9", "WhitespaceTokenizer", 0, time.Millisecond)
	_ = ep.PublishRunStarted("other", "train", 2)
	_ = ep.PublishRunCompleted("run-9", "train", time.Millisecond)

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{EventTypeRunStarted, EventTypeStepCompleted, EventTypeRunCompleted}
	if len(got) != len(want) {
		t.Fatalf("got events %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDisabledPublisherDropsEvents(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: false})
	if err := ep.PublishRunFailed("r", "train", "c", "boom"); err != nil {
		t.Errorf("Publish() on disabled publisher error = %v", err)
	}

	var nilPublisher *EventPublisher
	if err := nilPublisher.PublishArchiveSaved("a", "/tmp/a"); err != nil {
		t.Errorf("Publish() on nil publisher error = %v", err)
	}
}

func TestStartOperationWithoutTelemetry(t *testing.T) {
	op := StartOperation(context.Background(), "persistence.save")
	if op.Span != nil {
		t.Error("expected no span without telemetry in context")
	}
	op.End(nil)
}

func TestStartOperationWithTelemetry(t *testing.T) {
	tel := NewNop()
	ctx := tel.WithContext(context.Background())

	op := StartOperation(ctx, "persistence.load", AttrArchive.String("/tmp/model"))
	if op.Span == nil {
		t.Fatal("expected span with telemetry in context")
	}
	op.End(context.Canceled)
}
