// Package telemetry provides logging, tracing, metrics and lifecycle events
// for the NLU engine.
//
// The package combines four pieces:
//
//  1. Structured logging with zerolog
//  2. Tracing with OpenTelemetry (stdout or OTLP/gRPC exporters)
//  3. Prometheus metrics on a private registry
//  4. An event publisher for pipeline lifecycle events
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// The scheduler opens one span per run (pipeline.train, pipeline.inference)
// and one child span per component step, records step durations in
// component_step_duration_seconds and publishes run and step events.
//
// Components log through the context logger:
//
//	logger := telemetry.FromContext(ctx)
//	logger.WithStep("CountVectorsFeaturizer", 1).Debug("vocabulary built")
//
// Every constructor has a no-op counterpart (NewNop, NewNopLogger,
// NewNopMetrics, NewNopTracer) for tests and library use.
package telemetry
