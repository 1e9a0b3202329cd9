package events

import (
	"sync"
	"time"
)

// EventType names an observable acquisition step.
type EventType string

const (
	EventTimepointStarted  EventType = "timepoint_started"
	EventTimepointFinished EventType = "timepoint_finished"
	EventPositionMoved     EventType = "position_moved"
	EventFocusDecided      EventType = "focus_decided"
	EventImagesAcquired    EventType = "images_acquired"
	// EventVisitSaved is published after a position's metadata file has
	// been replaced on disk.
	EventVisitSaved      EventType = "visit_saved"
	EventRevisitEnqueued EventType = "revisit_enqueued"
	EventOverrideApplied EventType = "override_applied"
	EventHeartbeatMissed EventType = "heartbeat_missed"
)

// AllTypes lists every event type the acquisition publishes.
var AllTypes = []EventType{
	EventTimepointStarted,
	EventTimepointFinished,
	EventPositionMoved,
	EventFocusDecided,
	EventImagesAcquired,
	EventVisitSaved,
	EventRevisitEnqueued,
	EventOverrideApplied,
	EventHeartbeatMissed,
}

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe bus. Each subscriber gets a
// buffered channel; when it is full the event is dropped for that
// subscriber. A nil *Bus accepts and drops everything.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	now         func() time.Time
	wg          sync.WaitGroup
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
		now:         time.Now,
	}
}

// SetClock makes the bus stamp events with now instead of the wall clock.
func (b *Bus) SetClock(now func() time.Time) {
	if b == nil || now == nil {
		return
	}
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Subscribe registers fn for eventType. fn runs on its own goroutine, in
// publish order; a panic in fn is recovered. The returned func unsubscribes.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	if b == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

func (b *Bus) Publish(eventType EventType, data map[string]any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: b.now().UTC(),
		Data:      data,
	}
	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close unsubscribes everyone and waits until already-queued events have
// been delivered.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
