package session

import (
	"sync"
	"time"

	"github.com/asheshgoplani/termdeck/internal/adapter"
	"github.com/asheshgoplani/termdeck/internal/logging"
	"github.com/asheshgoplani/termdeck/internal/termstate"
)

// EventType names an outbound event.
type EventType string

const (
	EventData              EventType = "data"
	EventStateChange       EventType = "stateChange"
	EventAttention         EventType = "attention"
	EventExit              EventType = "exit"
	EventPromptDetected    EventType = "promptDetected"
	EventErrorDetected     EventType = "errorDetected"
	EventSessionNotFound   EventType = "sessionNotFound"
	EventSessionIDDetected EventType = "sessionIdDetected"
	EventDevServerURL      EventType = "devServerUrlDetected"
)

// DefaultSubscriberBuffer is the channel size handed to Subscribe(0).
const DefaultSubscriberBuffer = 256

// Event is one outbound notification. Only the fields relevant to Type are
// set.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Time      time.Time `json:"time"`

	Data string `json:"data,omitempty"`
	Seq  uint64 `json:"seq,omitempty"`

	State     termstate.State `json:"state,omitempty"`
	PrevState termstate.State `json:"prevState,omitempty"`

	ExitCode *int `json:"exitCode,omitempty"`

	Prompt *adapter.PromptInfo `json:"prompt,omitempty"`
	Error  *adapter.ErrorInfo  `json:"error,omitempty"`

	ConversationID string `json:"conversationId,omitempty"`
	URL            string `json:"url,omitempty"`
}

// Hub fans events out to subscribers. Publish never blocks: a subscriber
// whose channel is full misses the event. Data subscribers recover with
// Manager.GetBufferSince using the seq gap.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber. The returned func unsubscribes and
// closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
			h.mu.Unlock()
		})
	}
}

// Publish delivers e to every subscriber without blocking.
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			logging.Aggregate(logging.CompSession, "event_dropped")
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later Subscribe calls get a closed
// channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
