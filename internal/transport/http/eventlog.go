package statushttp

import (
	"context"
	"sync"

	"perpd/internal/events"
)

const defaultKeep = 512

// EventLog keeps a bounded ring of recent observability events for the
// /api/events endpoint. It is a plain bus consumer; losing an event under
// pressure is acceptable here.
type EventLog struct {
	mu   sync.Mutex
	ring []events.Event
	next int
	full bool
}

func NewEventLog() *EventLog {
	return &EventLog{ring: make([]events.Event, defaultKeep)}
}

// Consume drains the bus into the ring until ctx ends.
func (l *EventLog) Consume(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			l.add(evt)
		}
	}
}

func (l *EventLog) add(evt events.Event) {
	l.mu.Lock()
	l.ring[l.next] = evt
	l.next++
	if l.next == len(l.ring) {
		l.next = 0
		l.full = true
	}
	l.mu.Unlock()
}

// Recent returns events oldest-first.
func (l *EventLog) Recent() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		out := make([]events.Event, l.next)
		copy(out, l.ring[:l.next])
		return out
	}
	out := make([]events.Event, 0, len(l.ring))
	out = append(out, l.ring[l.next:]...)
	out = append(out, l.ring[:l.next]...)
	return out
}
