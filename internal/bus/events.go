package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handling events published by the dispatch worker.
const (
	EventMessageReceived = "message.received"
	EventReplySent       = "reply.sent"
	EventReplyFailed     = "reply.failed"
	EventPipelineAborted = "pipeline.aborted"
	EventMessageIgnored  = "message.ignored"
)

// AnyEvent subscribes to, or queries, every event type.
const AnyEvent = "*"

const defaultHistory = 1000

// Event is a notification about how a message was handled.
type Event struct {
	Type      string
	Platform  string
	PeerID    string
	Payload   map[string]any
	Timestamp time.Time
}

type EventHandler func(Event)

type subscription struct {
	id string
	fn EventHandler
}

// EventBus delivers events to subscribers synchronously and remembers the
// most recent ones in a ring.
type EventBus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string][]subscription
	seq    uint64
	ring   []Event
	next   int // slot the next event goes to
	filled bool
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return newEventBus(logger, defaultHistory)
}

func newEventBus(logger *slog.Logger, history int) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]subscription),
		ring:   make([]Event, history),
	}
}

// On subscribes fn to eventType (AnyEvent for all) and returns an id for Off.
func (eb *EventBus) On(eventType string, fn EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.seq++
	id := fmt.Sprintf("%s#%d", eventType, eb.seq)
	eb.subs[eventType] = append(eb.subs[eventType], subscription{id: id, fn: fn})
	return id
}

func (eb *EventBus) Off(eventType, id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	subs := eb.subs[eventType]
	for i := range subs {
		if subs[i].id == id {
			eb.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit records ev and calls its subscribers, type subscribers first. A
// panicking subscriber is logged and does not stop the others.
func (eb *EventBus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	eb.mu.Lock()
	eb.ring[eb.next] = ev
	eb.next = (eb.next + 1) % len(eb.ring)
	if eb.next == 0 {
		eb.filled = true
	}
	targets := make([]subscription, 0, len(eb.subs[ev.Type])+len(eb.subs[AnyEvent]))
	targets = append(targets, eb.subs[ev.Type]...)
	targets = append(targets, eb.subs[AnyEvent]...)
	eb.mu.Unlock()

	for _, s := range targets {
		eb.deliver(s, ev)
	}
}

func (eb *EventBus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", ev.Type, "handler", s.id, "panic", r)
		}
	}()
	s.fn(ev)
}

// each walks the remembered events oldest first. Callers hold mu.
func (eb *EventBus) each(fn func(Event)) {
	if eb.filled {
		for _, ev := range eb.ring[eb.next:] {
			fn(ev)
		}
	}
	for _, ev := range eb.ring[:eb.next] {
		fn(ev)
	}
}

func matches(ev Event, eventType string, since time.Time) bool {
	return (eventType == AnyEvent || ev.Type == eventType) && !ev.Timestamp.Before(since)
}

// Replay returns remembered events of eventType emitted at or after since.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	var out []Event
	eb.each(func(ev Event) {
		if matches(ev, eventType, since) {
			out = append(out, ev)
		}
	})
	return out
}

// Count is len(Replay(eventType, since)) without the copy.
func (eb *EventBus) Count(eventType string, since time.Time) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	n := 0
	eb.each(func(ev Event) {
		if matches(ev, eventType, since) {
			n++
		}
	})
	return n
}

func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.filled {
		return len(eb.ring)
	}
	return eb.next
}
