package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"subscription-engine/internal/common/logger"
	"subscription-engine/internal/subscription"
)

// WSMessage is the frame pushed to WebSocket clients for each matched event.
type WSMessage struct {
	Event           subscription.Event `json:"event"`
	SubscriptionIDs []string           `json:"subscription_ids"`
	Timestamp       time.Time          `json:"timestamp"`
}

// WSConn is the slice of *websocket.Conn the hub needs; tests substitute a
// recording implementation.
type WSConn interface {
	WriteJSON(v interface{}) error
	Close() error
}

var _ WSConn = (*websocket.Conn)(nil)

// WebSocketHandler fans matched events out to connected clients, keyed by
// user. A failed write evicts the connection; the next event does not retry
// dead sockets.
type WebSocketHandler struct {
	logger logger.Logger

	mu    sync.RWMutex
	conns map[string]map[WSConn]struct{} // userID -> connections
}

func NewWebSocketHandler(log logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		logger: log.WithFields(map[string]interface{}{"handler": "websocket"}),
		conns:  make(map[string]map[WSConn]struct{}),
	}
}

func (h *WebSocketHandler) Name() string {
	return "websocket"
}

// Register attaches a client connection for a user and returns an
// unregister func. The transport layer (upgrader, auth) lives outside the
// engine; it hands the established conn here.
func (h *WebSocketHandler) Register(userID string, conn WSConn) func() {
	h.mu.Lock()
	set := h.conns[userID]
	if set == nil {
		set = make(map[WSConn]struct{})
		h.conns[userID] = set
	}
	set[conn] = struct{}{}
	h.mu.Unlock()

	return func() {
		h.remove(userID, conn)
	}
}

func (h *WebSocketHandler) remove(userID string, conn WSConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.conns[userID]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.conns, userID)
		}
	}
}

// ConnectionCount reports the number of live connections for a user.
func (h *WebSocketHandler) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

func (h *WebSocketHandler) HandleEvent(_ context.Context, evt subscription.Event, matches []*subscription.Subscription) error {
	if len(matches) == 0 {
		return nil
	}

	// Group by user so each client gets one frame per event with all of
	// their matched subscription ids.
	byUser := make(map[string][]string)
	for _, sub := range matches {
		byUser[sub.UserID] = append(byUser[sub.UserID], sub.ID)
	}

	for userID, ids := range byUser {
		msg := WSMessage{
			Event:           evt,
			SubscriptionIDs: ids,
			Timestamp:       time.Now().UTC(),
		}

		for _, conn := range h.userConns(userID) {
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.WithError(err).Warn("websocket write failed, evicting connection", map[string]interface{}{
					"userId": userID,
				})
				h.remove(userID, conn)
				_ = conn.Close()
			}
		}
	}
	return nil
}

func (h *WebSocketHandler) userConns(userID string) []WSConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.conns[userID]
	out := make([]WSConn, 0, len(set))
	for conn := range set {
		out = append(out, conn)
	}
	return out
}
