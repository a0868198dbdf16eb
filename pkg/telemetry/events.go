package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeUnitStarted   = "unit.started"
	EventTypeUnitCompleted = "unit.completed"
	EventTypeUnitFailed    = "unit.failed"
)

const (
	EventLevelInfo  = "info"
	EventLevelError = "error"
)

var (
	errPublisherStopped = errors.New("event publisher stopped")
	errBufferFull       = errors.New("event buffer full")
)

// Event is a task or unit lifecycle notification.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	Unit      string         `json:"unit,omitempty"`
	Message   string         `json:"message"`
	Level     string         `json:"level"`
	Data      map[string]any `json:"data,omitempty"`
}

type (
	EventSubscriber func(Event)
	EventFilter     func(Event) bool
)

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers. With async enabled events
// go through a bounded buffer and Publish never blocks: a full buffer drops
// the event.
type EventPublisher struct {
	enabled bool
	buffer  chan Event
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once

	mu   sync.RWMutex
	subs []subscription
}

func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{enabled: cfg.Enabled}
	if cfg.Enabled && cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.stop = make(chan struct{})
		ep.done = make(chan struct{})
		go ep.drain()
	}
	return ep, nil
}

// Subscribe registers fn for the events filter accepts. A nil filter
// accepts everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

func (ep *EventPublisher) Publish(ev Event) error {
	if ep == nil || !ep.enabled {
		return nil
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ep.buffer == nil {
		ep.deliver(ev)
		return nil
	}
	select {
	case <-ep.stop:
		return errPublisherStopped
	default:
	}
	select {
	case ep.buffer <- ev:
		return nil
	default:
		return errBufferFull
	}
}

func (ep *EventPublisher) PublishTaskStarted(taskID, kind string) error {
	return ep.Publish(Event{
		Type:    EventTypeTaskStarted,
		TaskID:  taskID,
		Level:   EventLevelInfo,
		Message: fmt.Sprintf("%s task started", kind),
		Data:    map[string]any{"kind": kind},
	})
}

func (ep *EventPublisher) PublishTaskCompleted(taskID string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeTaskCompleted,
		TaskID:  taskID,
		Level:   EventLevelInfo,
		Message: "task completed",
		Data:    map[string]any{"duration": duration.Seconds()},
	})
}

func (ep *EventPublisher) PublishTaskFailed(taskID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeTaskFailed,
		TaskID:  taskID,
		Level:   EventLevelError,
		Message: "task failed: " + reason,
	})
}

// PublishUnit reports a unit moving to status: running, success or failure.
func (ep *EventPublisher) PublishUnit(taskID, unit, status string) error {
	ev := Event{
		Type:    EventTypeUnitCompleted,
		TaskID:  taskID,
		Unit:    unit,
		Level:   EventLevelInfo,
		Message: unit + " " + status,
	}
	switch status {
	case "running":
		ev.Type = EventTypeUnitStarted
	case "failure":
		ev.Type, ev.Level = EventTypeUnitFailed, EventLevelError
	}
	return ep.Publish(ev)
}

func (ep *EventPublisher) deliver(ev Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(ev) {
			s.fn(ev)
		}
	}
}

func (ep *EventPublisher) drain() {
	defer close(ep.done)
	for {
		select {
		case ev := <-ep.buffer:
			ep.deliver(ev)
		case <-ep.stop:
			for {
				select {
				case ev := <-ep.buffer:
					ep.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// Shutdown stops accepting events and waits for buffered ones to be
// delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || ep.buffer == nil {
		return nil
	}
	ep.once.Do(func() { close(ep.stop) })
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByTaskID accepts only the events of one task.
func FilterByTaskID(taskID string) EventFilter {
	return func(ev Event) bool { return ev.TaskID == taskID }
}

// LogEvents writes every event to logger at debug level, or error level for
// failures.
func LogEvents(logger zerolog.Logger) EventSubscriber {
	return func(ev Event) {
		e := logger.Debug()
		if ev.Level == EventLevelError {
			e = logger.Error()
		}
		e.Str("event", ev.Type).Str("task_id", ev.TaskID).Str("unit", ev.Unit).Msg(ev.Message)
	}
}
