package stream

import (
	"sync"

	"github.com/hashicorp/go-hclog"

	"huntd/pkg/model"
)

// Reasons a subscription's channel was closed by the hub.
const (
	ReasonUnsubscribed = "unsubscribed"
	ReasonOverflow     = "subscriber too slow"
	ReasonDeleted      = "execution deleted"
	ReasonShutdown     = "server shutting down"
)

// Subscription receives the live frames of one execution.
type Subscription struct {
	ExecutionID string
	ch          chan model.Frame
	reason      string // written before ch is closed
}

func (s *Subscription) Frames() <-chan model.Frame { return s.ch }

// Reason reports why Frames was closed. Only meaningful after it is.
func (s *Subscription) Reason() string { return s.reason }

// Hub fans published frames out to subscribers keyed by execution id.
// Publish never blocks: a subscriber whose buffer is full is dropped.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	closed bool
	log    hclog.Logger
}

func NewHub(buffer int, logger hclog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Hub{
		subs:   map[string]map[*Subscription]struct{}{},
		buffer: buffer,
		log:    logger,
	}
}

func (h *Hub) Subscribe(executionID string) *Subscription {
	s := &Subscription{ExecutionID: executionID, ch: make(chan model.Frame, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.reason = ReasonShutdown
		close(s.ch)
		return s
	}
	if h.subs[executionID] == nil {
		h.subs[executionID] = map[*Subscription]struct{}{}
	}
	h.subs[executionID][s] = struct{}{}
	return s
}

// Unsubscribe is safe to call more than once.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(s, ReasonUnsubscribed)
}

func (h *Hub) Publish(f model.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[f.ExecutionID] {
		select {
		case s.ch <- f:
		default:
			h.log.Warn("dropping slow subscriber", "execution_id", f.ExecutionID, "error_kind", model.ErrTransport)
			h.remove(s, ReasonOverflow)
		}
	}
}

// CloseExecution disconnects every subscriber of executionID.
func (h *Hub) CloseExecution(executionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[executionID] {
		h.remove(s, ReasonDeleted)
	}
}

// Close disconnects everyone and rejects later subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, set := range h.subs {
		for s := range set {
			h.remove(s, ReasonShutdown)
		}
	}
}

// Subscribers returns the number of live subscribers for executionID.
func (h *Hub) Subscribers(executionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[executionID])
}

func (h *Hub) remove(s *Subscription, reason string) {
	set, ok := h.subs[s.ExecutionID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.ExecutionID)
	}
	s.reason = reason
	close(s.ch)
}
