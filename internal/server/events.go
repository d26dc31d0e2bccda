package server

import (
	"context"
	"sync"

	"github.com/harborlab/driftsync/internal/orchestrator"
)

const eventLogCapacity = 256

// LoggedEvent is one dispatcher event annotated with a poll cursor.
type LoggedEvent struct {
	Seq   int64              `json:"seq"`
	Event orchestrator.Event `json:"event"`
}

// eventLog tails the orchestrator dispatcher into a bounded ring so HTTP
// clients can poll for events instead of holding a subscription open.
type eventLog struct {
	mu      sync.Mutex
	entries []LoggedEvent
	nextSeq int64
}

func newEventLog(dispatcher *orchestrator.Dispatcher) (*eventLog, func()) {
	log := &eventLog{nextSeq: 1}
	ctx, cancel := context.WithCancel(context.Background())
	stream, _ := dispatcher.Subscribe(ctx)
	go func() {
		// The dispatcher never closes the stream; the context bounds the tail.
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-stream:
				log.append(event)
			}
		}
	}()
	return log, cancel
}

func (l *eventLog) append(event orchestrator.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, LoggedEvent{Seq: l.nextSeq, Event: event})
	l.nextSeq++
	if len(l.entries) > eventLogCapacity {
		l.entries = l.entries[len(l.entries)-eventLogCapacity:]
	}
}

// Since returns the retained events with a sequence greater than after, plus
// the cursor to pass on the next poll. Events older than the ring capacity
// are gone; callers that fall behind simply resume from the oldest retained
// entry.
func (l *eventLog) Since(after int64) ([]LoggedEvent, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cursor := l.nextSeq - 1
	if cursor < after {
		cursor = after
	}
	matched := make([]LoggedEvent, 0)
	for _, entry := range l.entries {
		if entry.Seq > after {
			matched = append(matched, entry)
		}
	}
	return matched, cursor
}
