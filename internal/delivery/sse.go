package delivery

import (
	"context"
	"sync"
	"time"

	"subscription-engine/internal/common/logger"
	"subscription-engine/internal/subscription"
)

// SSEMessage is the payload streamed to server-sent-event subscribers. The
// HTTP layer formats it as a text/event-stream frame; the engine only fans
// out.
type SSEMessage struct {
	Event           subscription.Event `json:"event"`
	SubscriptionIDs []string           `json:"subscription_ids"`
	Timestamp       time.Time          `json:"timestamp"`
}

type sseClient struct {
	userID string
	ch     chan SSEMessage
}

// SSEHandler fans matched events out to per-user buffered channels. A full
// channel drops the message rather than blocking event processing; SSE
// clients are expected to tolerate gaps and re-sync.
type SSEHandler struct {
	logger     logger.Logger
	bufferSize int

	mu      sync.RWMutex
	clients map[uint64]*sseClient
	nextID  uint64
}

func NewSSEHandler(bufferSize int, log logger.Logger) *SSEHandler {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &SSEHandler{
		logger:     log.WithFields(map[string]interface{}{"handler": "sse"}),
		bufferSize: bufferSize,
		clients:    make(map[uint64]*sseClient),
	}
}

func (h *SSEHandler) Name() string {
	return "sse"
}

// Subscribe registers a stream for a user and returns the message channel
// plus a cancel func. The channel is closed on cancel.
func (h *SSEHandler) Subscribe(userID string) (<-chan SSEMessage, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	client := &sseClient{
		userID: userID,
		ch:     make(chan SSEMessage, h.bufferSize),
	}
	h.clients[id] = client
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.clients[id]; ok {
			delete(h.clients, id)
			close(c.ch)
		}
		h.mu.Unlock()
	}
	return client.ch, cancel
}

// ClientCount reports the number of open streams.
func (h *SSEHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *SSEHandler) HandleEvent(_ context.Context, evt subscription.Event, matches []*subscription.Subscription) error {
	if len(matches) == 0 {
		return nil
	}

	byUser := make(map[string][]string)
	for _, sub := range matches {
		byUser[sub.UserID] = append(byUser[sub.UserID], sub.ID)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		ids, ok := byUser[client.userID]
		if !ok {
			continue
		}
		msg := SSEMessage{
			Event:           evt,
			SubscriptionIDs: ids,
			Timestamp:       time.Now().UTC(),
		}
		select {
		case client.ch <- msg:
		default:
			// Drop for slow consumers instead of blocking dispatch.
			h.logger.Warn("sse client buffer full, dropping message", map[string]interface{}{
				"userId": client.userID,
			})
		}
	}
	return nil
}
