package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents an engine I/O or session event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// SessionID is the associated session, if any.
	SessionID string `json:"session_id,omitempty"`

	// Resource is the file name involved, if any.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants.
const (
	EventTypeSessionStarted   = "session.started"
	EventTypeSessionCompleted = "session.completed"
	EventTypeSessionFailed    = "session.failed"
	EventTypePassCompleted    = "pass.completed"
	EventTypeInputOpened      = "input.opened"
	EventTypeInputClosed      = "input.closed"
	EventTypeOutputOpened     = "output.opened"
	EventTypeOutputClosed     = "output.closed"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers.
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
	if cfg.EnableAsync && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// ForSession returns a view of ep that stamps every event with sessionID.
// The returned value satisfies the engine's file event sink.
func (ep *EventPublisher) ForSession(sessionID string) *SessionEvents {
	return &SessionEvents{publisher: ep, sessionID: sessionID}
}

// Publish publishes an event to all subscribers.
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

// Subscribe adds a new event subscriber. A nil filter accepts everything.
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

// deliverEvent calls subscribers in order. Engine I/O events must reach
// subscribers in the order the engine produced them, so delivery is not
// spread across goroutines.
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

// Shutdown drains pending events and stops the publisher.
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

// SessionEvents publishes events for one processing session.
type SessionEvents struct {
	publisher *EventPublisher
	sessionID string
}

func (s *SessionEvents) publish(event Event) {
	if s == nil {
		return
	}
	event.SessionID = s.sessionID
	_ = s.publisher.Publish(event)
}

// SessionStarted publishes a session started event.
func (s *SessionEvents) SessionStarted(input string) {
	s.publish(Event{
		Type:     EventTypeSessionStarted,
		Resource: input,
		Message:  fmt.Sprintf("processing %s", input),
		Level:    EventLevelInfo,
	})
}

// SessionCompleted publishes a session completed event.
func (s *SessionEvents) SessionCompleted(passes int, duration time.Duration) {
	s.publish(Event{
		Type:    EventTypeSessionCompleted,
		Message: fmt.Sprintf("session converged after %d passes", passes),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"passes":   passes,
			"duration": duration.Seconds(),
		},
	})
}

// SessionFailed publishes a session failed event.
func (s *SessionEvents) SessionFailed(reason string) {
	s.publish(Event{
		Type:    EventTypeSessionFailed,
		Message: reason,
		Level:   EventLevelError,
	})
}

// PassCompleted publishes the outcome of one engine pass.
func (s *SessionEvents) PassCompleted(engine string, pass int, outcome string) {
	level := EventLevelInfo
	if outcome != "clean" {
		level = EventLevelWarning
	}
	s.publish(Event{
		Type:    EventTypePassCompleted,
		Message: fmt.Sprintf("%s pass %d: %s", engine, pass, outcome),
		Level:   level,
		Data: map[string]interface{}{
			"engine":  engine,
			"pass":    pass,
			"outcome": outcome,
		},
	})
}

// InputOpened publishes an input open, with the layer that satisfied it.
func (s *SessionEvents) InputOpened(name, origin string) {
	s.publish(Event{
		Type:     EventTypeInputOpened,
		Resource: name,
		Message:  fmt.Sprintf("opened %s from %s", name, origin),
		Level:    EventLevelInfo,
		Data:     map[string]interface{}{"origin": origin},
	})
}

// InputClosed publishes an input close.
func (s *SessionEvents) InputClosed(name string) {
	s.publish(Event{
		Type:     EventTypeInputClosed,
		Resource: name,
		Message:  fmt.Sprintf("closed %s", name),
		Level:    EventLevelInfo,
	})
}

// OutputOpened publishes an output open.
func (s *SessionEvents) OutputOpened(name string) {
	s.publish(Event{
		Type:     EventTypeOutputOpened,
		Resource: name,
		Message:  fmt.Sprintf("writing %s", name),
		Level:    EventLevelInfo,
	})
}

// OutputClosed publishes an output close.
func (s *SessionEvents) OutputClosed(name string) {
	s.publish(Event{
		Type:     EventTypeOutputClosed,
		Resource: name,
		Message:  fmt.Sprintf("wrote %s", name),
		Level:    EventLevelInfo,
	})
}

// LogEvents returns a subscriber that writes each event to l at debug
// level, or warn for events above info.
func LogEvents(l *Logger) EventSubscriber {
	return func(event Event) {
		zl := l.Zerolog()
		entry := zl.Debug()
		if event.Level != EventLevelInfo {
			entry = zl.Warn()
		}
		entry.Str("event", event.Type).
			Str("session_id", event.SessionID).
			Str("resource", event.Resource).
			Fields(event.Data).
			Msg(event.Message)
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
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

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterBySession creates a filter that only allows events for one session.
func FilterBySession(sessionID string) EventFilter {
	return func(event Event) bool {
		return event.SessionID == sessionID
	}
}
