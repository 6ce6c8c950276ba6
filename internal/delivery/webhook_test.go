package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subscription-engine/internal/common/logger"
	"subscription-engine/internal/subscription"
)

// ==========================
// Test Helper Functions
// ==========================

type webhookRecorder struct {
	mu       sync.Mutex
	messages []WebhookMessage
	status   int
}

func (r *webhookRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var msg WebhookMessage
		if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		r.messages = append(r.messages, msg)
		status := r.status
		r.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
		}
	}
}

func (r *webhookRecorder) received() []WebhookMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]WebhookMessage(nil), r.messages...)
}

func webhookSub(userID, topic, url string) *subscription.Subscription {
	sub := subscription.New(userID, subscription.TypeTopic)
	sub.Topic = topic
	if url != "" {
		sub.Metadata = map[string]interface{}{MetadataWebhook: url}
	}
	return sub
}

// ==========================
// Delivery Tests
// ==========================

func TestWebhookHandler_PostsOneRequestPerURL(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	h := NewWebhookHandler(time.Second, logger.NewTestLogger(t))

	subA := webhookSub("user-1", "orders", srv.URL)
	subB := webhookSub("user-2", "orders", srv.URL)

	evt := subscription.Event{"topic": "orders", "amount": float64(10)}
	require.NoError(t, h.HandleEvent(context.Background(), evt, []*subscription.Subscription{subA, subB}))

	msgs := rec.received()
	require.Len(t, msgs, 1)
	assert.Equal(t, evt, msgs[0].Event)
	assert.ElementsMatch(t, []string{subA.ID, subB.ID}, msgs[0].SubscriptionIDs)
}

func TestWebhookHandler_SkipsSubscriptionsWithoutURL(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	h := NewWebhookHandler(time.Second, logger.NewTestLogger(t))

	matches := []*subscription.Subscription{webhookSub("user-1", "orders", "")}
	require.NoError(t, h.HandleEvent(context.Background(), subscription.Event{"topic": "orders"}, matches))
	assert.Empty(t, rec.received())
}

func TestWebhookHandler_NonSuccessStatusReported(t *testing.T) {
	rec := &webhookRecorder{status: http.StatusInternalServerError}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	h := NewWebhookHandler(time.Second, logger.NewTestLogger(t))

	matches := []*subscription.Subscription{webhookSub("user-1", "orders", srv.URL)}
	err := h.HandleEvent(context.Background(), subscription.Event{"topic": "orders"}, matches)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestWebhookHandler_UnreachableURLReported(t *testing.T) {
	h := NewWebhookHandler(100*time.Millisecond, logger.NewTestLogger(t))

	matches := []*subscription.Subscription{webhookSub("user-1", "orders", "http://127.0.0.1:1/hook")}
	err := h.HandleEvent(context.Background(), subscription.Event{"topic": "orders"}, matches)
	assert.Error(t, err)
}

func TestWebhookHandler_OneFailureDoesNotBlockOthers(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	h := NewWebhookHandler(100*time.Millisecond, logger.NewTestLogger(t))

	matches := []*subscription.Subscription{
		webhookSub("user-1", "orders", "http://127.0.0.1:1/hook"),
		webhookSub("user-2", "orders", srv.URL),
	}
	err := h.HandleEvent(context.Background(), subscription.Event{"topic": "orders"}, matches)
	require.Error(t, err)
	assert.Len(t, rec.received(), 1)
}

func TestWebhookHandler_NoMatchesIsNoop(t *testing.T) {
	h := NewWebhookHandler(time.Second, logger.NewTestLogger(t))
	require.NoError(t, h.HandleEvent(context.Background(), subscription.Event{"topic": "orders"}, nil))
}
