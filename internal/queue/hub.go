package queue

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Event types emitted on a job's stream.
const (
	EventConnected = "connected"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventCancelled = "cancelled"
)

// EventError mirrors the proxy error shape on the stream.
type EventError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Event is one SSE payload for a job.
type Event struct {
	Type     string          `json:"type"`
	JobID    string          `json:"jobId"`
	Status   string          `json:"status,omitempty"`
	Progress int             `json:"progress,omitempty"`
	Attempt  int             `json:"attempt,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *EventError     `json:"error,omitempty"`
}

// Hub fans job events out to SSE subscribers. Sends never block: a slow
// subscriber drops events rather than stalling the worker, and the client
// can always re-read authoritative state from the job endpoint.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[int]chan Event
	nextID int
}

// NewHub creates a new event hub
func NewHub() *Hub {
	return &Hub{subs: make(map[uuid.UUID]map[int]chan Event)}
}

// Subscribe registers a listener for one job's events. The returned cancel
// func must be called when the client disconnects.
func (h *Hub) Subscribe(jobID uuid.UUID) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	ch := make(chan Event, 16)

	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[int]chan Event)
	}
	h.subs[jobID][id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if listeners, ok := h.subs[jobID]; ok {
			if _, ok := listeners[id]; ok {
				delete(listeners, id)
				close(ch)
			}
			if len(listeners) == 0 {
				delete(h.subs, jobID)
			}
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of the job
func (h *Hub) Publish(jobID uuid.UUID, event Event) {
	event.JobID = jobID.String()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[jobID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of listeners on a job
func (h *Hub) SubscriberCount(jobID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}
