// Package events fans job status changes out to in-process subscribers (SSE streams)
// and, optionally, to NATS.
package events

import (
	"sync"

	"github.com/tunegate/tunegate/internal/job"
)

// Event names carried on the SSE stream.
const (
	EventStatus = "status"
	EventResult = "result"
)

const subscriberBuffer = 16

// Event is one status change for a job.
type Event struct {
	Name string
	View job.View
}

// Hub delivers events to subscribers of a job id. Slow subscribers miss events rather
// than block the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string][]chan Event)}
}

// Subscribe returns a buffered channel receiving events for id. The channel is closed
// after the terminal event.
func (h *Hub) Subscribe(id string) chan Event {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[id] = append(h.subs[id], ch)
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes ch. It is safe to call after the hub closed the channel.
func (h *Hub) Unsubscribe(id string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	chans := h.subs[id]
	for i, c := range chans {
		if c == ch {
			h.subs[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(h.subs[id]) == 0 {
		delete(h.subs, id)
	}
}

// Publish delivers v to the job's subscribers. A terminal view is sent as a result
// event and closes every subscription for the job.
func (h *Hub) Publish(v job.View) {
	if v.Terminal() {
		h.publishAndClose(v.JobID, Event{Name: EventResult, View: v})
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[v.JobID] {
		select {
		case ch <- Event{Name: EventStatus, View: v}:
		default:
		}
	}
}

// Subscribers returns the number of open subscriptions for id.
func (h *Hub) Subscribers(id string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[id])
}

func (h *Hub) publishAndClose(id string, ev Event) {
	h.mu.Lock()
	chans := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
		}
		close(ch)
	}
}
