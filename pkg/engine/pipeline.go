package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/zylhub/rasa/pkg/telemetry"
)

// Step is one constructed component with its resolved configuration.
type Step struct {
	Position   int
	Name       string
	Type       string
	Params     Params
	Descriptor Descriptor
	Component  Component
}

func newStep(rs ResolvedStep, c Component) *Step {
	return &Step{
		Position:   rs.Position,
		Name:       rs.Name,
		Type:       rs.Type,
		Params:     rs.Params,
		Descriptor: rs.Descriptor,
		Component:  c,
	}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTelemetry attaches logging, tracing, metrics and events.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.tel = t
		}
	}
}

// WithRunRecorder stores a summary of every training run.
func WithRunRecorder(r RunRecorder) Option {
	return func(p *Pipeline) {
		p.recorder = r
	}
}

// WithWorkers sets the number of concurrent inference runs used by
// ProcessBatch. Defaults to GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// Pipeline runs an ordered list of components. Training takes an exclusive
// lock; inference runs share a read lock and may run concurrently.
type Pipeline struct {
	mu       sync.RWMutex
	config   PipelineConfig
	steps    []*Step
	trained  bool
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	recorder RunRecorder
	workers  int
}

func newPipeline(cfg PipelineConfig, steps []*Step, trained bool, opts ...Option) *Pipeline {
	p := &Pipeline{
		config:  cfg,
		steps:   steps,
		trained: trained,
		tel:     telemetry.NewNop(),
		workers: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.tel.Logger.NewComponentLogger("pipeline")
	return p
}

// Config returns the configuration the pipeline was built from.
func (p *Pipeline) Config() PipelineConfig {
	return p.config
}

// Steps returns the pipeline's components in order.
func (p *Pipeline) Steps() []*Step {
	out := make([]*Step, len(p.steps))
	copy(out, p.steps)
	return out
}

// Trained reports whether Train has completed or the pipeline was loaded
// from an archive.
func (p *Pipeline) Trained() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.trained || !p.hasTrainable()
}

func (p *Pipeline) hasTrainable() bool {
	for _, s := range p.steps {
		if s.Descriptor.Trainable {
			return true
		}
	}
	return false
}

// Train runs every trainable component in order against a working copy of
// data. The first failure aborts the run; the pipeline is then left
// untrained. A run cancelled through ctx stops between components.
func (p *Pipeline) Train(ctx context.Context, data *TrainingData) (*RunSummary, error) {
	if data == nil {
		return nil, NewComponentRuntimeError("", -1, PhaseTrain, errors.New("training data is nil")).
			WithCode(ErrCodeTrainFailed)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.trained = false

	summary := &RunSummary{
		RunID:     uuid.New().String(),
		Phase:     PhaseTrain,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
		Examples:  len(data.Examples),
		Steps:     make([]StepResult, 0, len(p.steps)),
	}
	logger := p.logger.WithRunID(summary.RunID)
	phase := string(PhaseTrain)

	ctx = logger.WithContext(ctx)
	ctx, span := p.tel.Tracer.StartRunSpan(ctx, summary.RunID, phase)
	defer span.End()
	p.tel.Metrics.RecordRunStarted(phase)
	_ = p.tel.Events.PublishRunStarted(summary.RunID, phase, len(p.steps))
	logger.Infof("training started with %d examples", len(data.Examples))

	working := data.Clone()
	sc := NewSharedContext()

	err := p.trainSteps(ctx, summary, working, sc, logger)
	if closeErr := sc.Close(); closeErr != nil {
		logger.WithError(closeErr).Warn("failed to release run resources")
	}

	p.finishRun(ctx, summary, err)
	if err != nil {
		recordSpanError(span, err)
		logger.WithError(err).Error("training failed")
		return summary, err
	}

	telemetry.RecordSuccess(span)
	p.trained = true
	logger.Infof("training completed in %s", summary.Duration)
	return summary, nil
}

func (p *Pipeline) trainSteps(
	ctx context.Context,
	summary *RunSummary,
	data *TrainingData,
	sc *SharedContext,
	logger *telemetry.Logger,
) error {
	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return cancelledError(step, PhaseTrain, err)
		}

		start := time.Now()
		stepCtx, span := p.tel.Tracer.StartStepSpan(ctx, step.Name, step.Position, string(PhaseTrain))
		err := p.trainStep(stepCtx, step, data, sc)
		duration := time.Since(start)

		result := StepResult{
			Name:     step.Name,
			Position: step.Position,
			Status:   StepStatusSucceeded,
			Duration: duration,
		}
		if !step.Descriptor.Trainable && !step.Descriptor.ProcessTrainingData {
			result.Status = StepStatusSkipped
		}
		p.tel.Metrics.RecordStep(step.Name, string(PhaseTrain), duration, err != nil)

		if err != nil {
			recordSpanError(span, err)
			span.End()
			result.Status = StepStatusFailed
			result.Error = err.Error()
			summary.Steps = append(summary.Steps, result)
			return err
		}
		telemetry.RecordSuccess(span)
		span.End()
		summary.Steps = append(summary.Steps, result)

		_ = p.tel.Events.PublishStepCompleted(summary.RunID, step.Name, step.Position, duration)
		logger.WithStep(step.Name, step.Position).Debugf("step finished in %s", duration)
	}
	return nil
}

func (p *Pipeline) trainStep(ctx context.Context, step *Step, data *TrainingData, sc *SharedContext) error {
	if trainer, ok := step.Component.(Trainer); ok && step.Descriptor.Trainable {
		if err := guard(func() error { return trainer.Train(ctx, data, sc) }); err != nil {
			return runtimeError(step, PhaseTrain, ErrCodeTrainFailed, err)
		}
	}

	if !step.Descriptor.ProcessTrainingData {
		return nil
	}
	for _, example := range data.Examples {
		if err := ctx.Err(); err != nil {
			return cancelledError(step, PhaseTrain, err)
		}
		if err := guard(func() error { return step.Component.Process(ctx, example, sc) }); err != nil {
			return runtimeError(step, PhaseTrain, ErrCodeProcessFailed, err)
		}
	}
	return nil
}

// Process runs one inference run over msg. The message is annotated in
// place. On failure no result is returned.
func (p *Pipeline) Process(ctx context.Context, msg *Message) (*Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.trained && p.hasTrainable() {
		return nil, NewComponentRuntimeError("", -1, PhaseInference,
			errors.New("pipeline has not been trained or loaded")).
			WithCode(ErrCodeNotTrained)
	}
	return p.processLocked(ctx, msg)
}

// Parse wraps text in a new message and processes it.
func (p *Pipeline) Parse(ctx context.Context, text string) (*Result, error) {
	return p.Process(ctx, NewMessage(text))
}

func (p *Pipeline) processLocked(ctx context.Context, msg *Message) (*Result, error) {
	phase := string(PhaseInference)
	timer := telemetry.NewTimer()
	p.tel.Metrics.RecordRunStarted(phase)
	ctx = p.logger.WithMessageID(msg.ID).WithContext(ctx)

	sc := NewSharedContext()
	defer func() {
		if err := sc.Close(); err != nil {
			p.logger.WithMessageID(msg.ID).WithError(err).Warn("failed to release run resources")
		}
	}()

	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			err = cancelledError(step, PhaseInference, err)
			p.recordInferenceFailure(timer, err)
			return nil, err
		}

		start := time.Now()
		err := guard(func() error { return step.Component.Process(ctx, msg, sc) })
		p.tel.Metrics.RecordStep(step.Name, phase, time.Since(start), err != nil)
		if err != nil {
			err = runtimeError(step, PhaseInference, ErrCodeProcessFailed, err)
			p.recordInferenceFailure(timer, err)
			p.logger.WithMessageID(msg.ID).WithStep(step.Name, step.Position).
				WithError(err).Warn("inference run failed")
			return nil, err
		}
	}

	p.tel.Metrics.RecordRunCompleted(phase, string(RunStatusSucceeded), timer.Duration())
	return NewResult(msg), nil
}

// recordSpanError marks span failed and tags it with the error class and
// code.
func recordSpanError(span trace.Span, err error) {
	telemetry.RecordError(span, err)
	span.SetAttributes(
		telemetry.AttrErrorClass.String(string(ErrorClassOf(err))),
		telemetry.AttrErrorCode.String(ErrorCodeOf(err)),
	)
}

func (p *Pipeline) recordInferenceFailure(timer *telemetry.Timer, err error) {
	status := RunStatusFailed
	if ErrorCodeOf(err) == ErrCodeRunCancelled {
		status = RunStatusCancelled
	}
	p.tel.Metrics.RecordRunCompleted(string(PhaseInference), string(status), timer.Duration())
	p.tel.Metrics.RecordError(string(ErrorClassOf(err)), ErrorCodeOf(err))
}

// ProcessBatch runs one independent inference run per message on a worker
// pool. Messages may complete in any order; results are returned in input
// order. The first failure cancels the remaining runs and no results are
// returned.
func (p *Pipeline) ProcessBatch(ctx context.Context, msgs []*Message) ([]*Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.trained && p.hasTrainable() {
		return nil, NewComponentRuntimeError("", -1, PhaseInference,
			errors.New("pipeline has not been trained or loaded")).
			WithCode(ErrCodeNotTrained)
	}
	if len(msgs) == 0 {
		return []*Result{}, nil
	}
	p.tel.Metrics.ObserveBatchSize(len(msgs))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workerCount := p.workers
	if len(msgs) < workerCount {
		workerCount = len(msgs)
	}

	workQueue := make(chan int, len(msgs))
	for i := range msgs {
		workQueue <- i
	}
	close(workQueue)

	results := make([]*Result, len(msgs))
	errChan := make(chan error, len(msgs))
	var wg sync.WaitGroup

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range workQueue {
				if ctx.Err() != nil {
					return
				}
				res, err := p.processLocked(ctx, msgs[idx])
				if err != nil {
					errChan <- fmt.Errorf("message %s: %w", msgs[idx].ID, err)
					cancel()
					return
				}
				results[idx] = res
			}
		}()
	}

	wg.Wait()
	close(errChan)

	// Runs cancelled by an earlier failure report RUN_CANCELLED. Prefer the
	// error that caused the cancellation.
	var firstErr error
	for err := range errChan {
		if firstErr == nil || (ErrorCodeOf(firstErr) == ErrCodeRunCancelled && ErrorCodeOf(err) != ErrCodeRunCancelled) {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, NewComponentRuntimeError("", -1, PhaseInference, err).WithCode(ErrCodeRunCancelled)
	}
	return results, nil
}

// Close releases components holding external resources.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, step := range p.steps {
		if closer, ok := step.Component.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close %s: %w", step.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) finishRun(ctx context.Context, summary *RunSummary, err error) {
	summary.CompletedAt = time.Now()
	summary.Duration = summary.CompletedAt.Sub(summary.StartedAt)
	phase := string(summary.Phase)

	switch {
	case err == nil:
		summary.Status = RunStatusSucceeded
		_ = p.tel.Events.PublishRunCompleted(summary.RunID, phase, summary.Duration)
	case ErrorCodeOf(err) == ErrCodeRunCancelled:
		summary.Status = RunStatusCancelled
		summary.Error = err.Error()
	default:
		summary.Status = RunStatusFailed
		summary.Error = err.Error()
	}

	if err != nil {
		var ee *EngineError
		component := ""
		if errors.As(err, &ee) {
			component = ee.Component
		}
		p.tel.Metrics.RecordError(string(ErrorClassOf(err)), ErrorCodeOf(err))
		_ = p.tel.Events.PublishRunFailed(summary.RunID, phase, component, err.Error())
	}
	p.tel.Metrics.RecordRunCompleted(phase, string(summary.Status), summary.Duration)

	if p.recorder != nil {
		if recErr := p.recorder.RecordRun(ctx, summary); recErr != nil {
			p.logger.WithRunID(summary.RunID).WithError(recErr).Warn("failed to record run")
		}
	}
}

func guard(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &EngineError{
				Class:    ErrorClassComponentRuntime,
				Message:  fmt.Sprintf("panic: %v", rec),
				Code:     ErrCodePanic,
				Position: -1,
			}
		}
	}()
	return fn()
}

func runtimeError(step *Step, phase Phase, code string, err error) *EngineError {
	var ee *EngineError
	if errors.As(err, &ee) && ee.Code == ErrCodePanic {
		code = ErrCodePanic
	}
	return NewComponentRuntimeError(step.Name, step.Position, phase, err).WithCode(code)
}

func cancelledError(step *Step, phase Phase, err error) *EngineError {
	e := NewComponentRuntimeError(step.Name, step.Position, phase, err).WithCode(ErrCodeRunCancelled)
	e.Message = fmt.Sprintf("run cancelled before %s", step.Name)
	return e
}
