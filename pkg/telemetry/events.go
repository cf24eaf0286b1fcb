package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a pipeline lifecycle event.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// Type is one of the EventType constants.
	Type string `json:"type"`

	// Source is the subsystem that emitted the event.
	Source string `json:"source"`

	RunID     string `json:"run_id,omitempty"`
	Component string `json:"component,omitempty"`
	Message   string `json:"message"`

	// Level is info, warning or error.
	Level string                 `json:"level"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

const (
	EventTypeRunStarted      = "run.started"
	EventTypeRunCompleted    = "run.completed"
	EventTypeRunFailed       = "run.failed"
	EventTypeStepCompleted   = "step.completed"
	EventTypeStepFailed      = "step.failed"
	EventTypeArchiveSaved    = "archive.saved"
	EventTypeArchiveLoaded   = "archive.loaded"
	EventTypeModelReloaded   = "model.reloaded"
	EventTypeDeliverySkipped = "delivery.skipped"
	EventTypePolicyViolation = "policy.violation"
)

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles a delivered event.
type EventSubscriber func(event Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. With EnableAsync the
// events go through a buffered channel drained by one goroutine, so
// subscribers see events in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish stamps and publishes an event. A nil or disabled publisher drops it.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, phase string, steps int) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "scheduler",
		RunID:   runID,
		Message: fmt.Sprintf("%s run %s started with %d components", phase, runID, steps),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"phase": phase, "steps": steps},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, phase string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "scheduler",
		RunID:   runID,
		Message: fmt.Sprintf("%s run %s completed", phase, runID),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"phase": phase, "duration": duration.Seconds()},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(runID, phase, component, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeRunFailed,
		Source:    "scheduler",
		RunID:     runID,
		Component: component,
		Message:   fmt.Sprintf("%s run %s failed: %s", phase, runID, reason),
		Level:     EventLevelError,
		Data:      map[string]interface{}{"phase": phase, "reason": reason},
	})
}

// PublishStepCompleted publishes a component step completed event.
func (ep *EventPublisher) PublishStepCompleted(runID, component string, position int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeStepCompleted,
		Source:    "scheduler",
		RunID:     runID,
		Component: component,
		Message:   fmt.Sprintf("component %s at position %d completed", component, position),
		Level:     EventLevelInfo,
		Data:      map[string]interface{}{"position": position, "duration": duration.Seconds()},
	})
}

// PublishArchiveSaved publishes an archive saved event.
func (ep *EventPublisher) PublishArchiveSaved(archiveID, path string) error {
	return ep.Publish(Event{
		Type:    EventTypeArchiveSaved,
		Source:  "persistence",
		Message: fmt.Sprintf("archive %s saved to %s", archiveID, path),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"archive_id": archiveID, "path": path},
	})
}

// PublishArchiveLoaded publishes an archive loaded event.
func (ep *EventPublisher) PublishArchiveLoaded(archiveID, path string) error {
	return ep.Publish(Event{
		Type:    EventTypeArchiveLoaded,
		Source:  "persistence",
		Message: fmt.Sprintf("archive %s loaded from %s", archiveID, path),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"archive_id": archiveID, "path": path},
	})
}

// PublishModelReloaded publishes a hot reload event.
func (ep *EventPublisher) PublishModelReloaded(path string, err error) error {
	ev := Event{
		Type:    EventTypeModelReloaded,
		Source:  "interpreter",
		Message: fmt.Sprintf("model reloaded from %s", path),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"path": path},
	}
	if err != nil {
		ev.Level = EventLevelError
		ev.Message = fmt.Sprintf("model reload from %s failed: %v", path, err)
	}
	return ep.Publish(ev)
}

// PublishDeliverySkipped publishes a suppressed connector delivery.
func (ep *EventPublisher) PublishDeliverySkipped(channel, deliveryID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeDeliverySkipped,
		Source:  "connector",
		Message: fmt.Sprintf("delivery %s on %s skipped: %s", deliveryID, channel, reason),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"channel": channel, "delivery_id": deliveryID, "reason": reason},
	})
}

// PublishPolicyViolation publishes a pipeline policy violation.
func (ep *EventPublisher) PublishPolicyViolation(policyName, component, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypePolicyViolation,
		Source:    "policy",
		Component: component,
		Message:   fmt.Sprintf("policy %s violated: %s", policyName, reason),
		Level:     EventLevelWarning,
		Data:      map[string]interface{}{"policy": policyName, "reason": reason},
	})
}

// Subscribe adds a new event subscriber with an optional filter.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel allows events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType allows only the given event types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID allows only events for one run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
