package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/zylhub/rasa/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Logging.Output = "discard"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	telemetry.FromContext(ctx).Info("engine started")

	fmt.Println("telemetry ready")
	// Output: telemetry ready
}

// Example_eventPublishing demonstrates synchronous event delivery.
func Example_eventPublishing() {
	ep, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:    true,
		BufferSize: 10,
	})
	defer ep.Shutdown(context.Background())

	ep.Subscribe(func(event telemetry.Event) {
		fmt.Printf("%s: %s\n", event.Type, event.Message)
	}, telemetry.FilterByType(telemetry.EventTypeRunCompleted))

	_ = ep.PublishRunStarted("run-1", "inference", 3)
	_ = ep.PublishRunCompleted("run-1", "inference", 5*time.Millisecond)

	// Output: run.completed: inference run run-1 completed
}

// Example_metricsCollection demonstrates pipeline metrics.
func Example_metricsCollection() {
	m, _ := telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:   true,
		Namespace: "rasa",
	})

	m.RecordRunStarted("inference")
	m.RecordStep("WhitespaceTokenizer", "inference", 200*time.Microsecond, false)
	m.RecordRunCompleted("inference", "succeeded", time.Millisecond)
	m.RecordError("component_runtime", "PROCESS_FAILED")

	fmt.Println("metrics recorded")
	// Output: metrics recorded
}
