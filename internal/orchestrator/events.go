package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/harborlab/driftsync/internal/conflict"
	"github.com/harborlab/driftsync/internal/engine"
)

// EventType enumerates the engine's outward notification surface.
type EventType string

const (
	EventSyncProgressChanged EventType = "sync_progress_changed"
	EventConflictDetected    EventType = "conflict_detected"
	EventSyncCompleted       EventType = "sync_completed"
	EventSyncErrorOccurred   EventType = "sync_error_occurred"
)

// Event is an immutable notification payload. Only the fields relevant to
// the event type are populated.
type Event struct {
	Type       EventType        `json:"type"`
	EntityType string           `json:"entity_type,omitempty"`
	Processed  int              `json:"processed,omitempty"`
	Total      int              `json:"total,omitempty"`
	Conflict   *conflict.Record `json:"conflict,omitempty"`
	Result     *Result          `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Dispatcher fans events out to subscribers. Slow subscribers lose events
// rather than stalling the sync loop; the buffered channel absorbs bursts.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher constructs an event dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  32,
	}
}

// Subscribe registers a listener. The returned cleanup must be called (or the
// context cancelled) to release the subscription. The stream is never closed:
// a publish snapshotting the subscriber list may still be sending after the
// subscription is released, so readers stop on their own context instead of
// waiting for channel close.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan Event, func()) {
	sub := &subscriber{stream: make(chan Event, d.bufferSize)}

	d.mu.Lock()
	d.nextID++
	sub.id = d.nextID
	d.subscribers[sub.id] = sub
	d.mu.Unlock()

	cleanup := func() {
		d.mu.Lock()
		delete(d.subscribers, sub.id)
		d.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers an event to every subscriber that has buffer room.
func (d *Dispatcher) Publish(event Event) {
	if event.Type == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*subscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscriptions.
func (d *Dispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

// engineNotifier adapts the dispatcher to the engine's notification hooks.
type engineNotifier struct {
	dispatcher *Dispatcher
	clock      func() time.Time
}

// NewEngineNotifier returns an engine.Notifier that publishes progress and
// conflict events through the dispatcher.
func NewEngineNotifier(dispatcher *Dispatcher, clock func() time.Time) engine.Notifier {
	if clock == nil {
		clock = time.Now
	}
	return &engineNotifier{dispatcher: dispatcher, clock: clock}
}

func (n *engineNotifier) Progress(entityType string, processed, total int) {
	n.dispatcher.Publish(Event{
		Type:       EventSyncProgressChanged,
		EntityType: entityType,
		Processed:  processed,
		Total:      total,
		Timestamp:  n.clock().UTC(),
	})
}

func (n *engineNotifier) ConflictDetected(record conflict.Record) {
	n.dispatcher.Publish(Event{
		Type:      EventConflictDetected,
		Conflict:  &record,
		Timestamp: n.clock().UTC(),
	})
}
