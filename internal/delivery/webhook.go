package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"subscription-engine/internal/common/logger"
	"subscription-engine/internal/subscription"
)

// MetadataWebhook is the subscription metadata key holding the callback URL.
const MetadataWebhook = "notify_webhook"

// WebhookMessage is the JSON body POSTed to subscriber callback URLs.
type WebhookMessage struct {
	Event           subscription.Event `json:"event"`
	SubscriptionIDs []string           `json:"subscription_ids"`
	Timestamp       time.Time          `json:"timestamp"`
}

// WebhookHandler POSTs matched events to callback URLs subscribers register
// via metadata. One request per URL per event; matches sharing a URL are
// batched into a single message.
type WebhookHandler struct {
	client *http.Client
	logger logger.Logger
}

func NewWebhookHandler(timeout time.Duration, log logger.Logger) *WebhookHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookHandler{
		client: &http.Client{Timeout: timeout},
		logger: log.WithFields(map[string]interface{}{"handler": "webhook"}),
	}
}

func (h *WebhookHandler) Name() string {
	return "webhook"
}

func (h *WebhookHandler) HandleEvent(ctx context.Context, evt subscription.Event, matches []*subscription.Subscription) error {
	if len(matches) == 0 {
		return nil
	}

	byURL := make(map[string][]string)
	for _, sub := range matches {
		url, _ := sub.Metadata[MetadataWebhook].(string)
		if url == "" {
			continue
		}
		byURL[url] = append(byURL[url], sub.ID)
	}

	var errs []string
	for url, ids := range byURL {
		msg := WebhookMessage{
			Event:           evt,
			SubscriptionIDs: ids,
			Timestamp:       time.Now().UTC(),
		}
		if err := h.post(ctx, url, msg); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", url, err))
			continue
		}
		h.logger.Debug("webhook delivered", map[string]interface{}{
			"url":           url,
			"subscriptions": len(ids),
		})
	}

	if len(errs) > 0 {
		return fmt.Errorf("webhook delivery: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (h *WebhookHandler) post(ctx context.Context, url string, msg WebhookMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}
