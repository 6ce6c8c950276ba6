package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/google/uuid"

	"subscription-engine/internal/common/logger"
	"subscription-engine/internal/subscription"
)

// archiveDocument is the audit record indexed per processed event.
type archiveDocument struct {
	Event           subscription.Event `json:"event"`
	SubscriptionIDs []string           `json:"subscription_ids"`
	MatchCount      int                `json:"match_count"`
	ProcessedAt     time.Time          `json:"processed_at"`
}

// ESTransport is the slice of the Elasticsearch client the archive uses.
type ESTransport interface {
	Perform(req *esapi.IndexRequest, ctx context.Context) error
}

type esClientTransport struct {
	client *elasticsearch.Client
}

func (t esClientTransport) Perform(req *esapi.IndexRequest, ctx context.Context) error {
	res, err := req.Do(ctx, t.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index request failed: %s", res.Status())
	}
	return nil
}

// ArchiveHandler indexes every processed event with its match summary into
// Elasticsearch for audit and search. Events with zero matches are archived
// too; an unmatched event is still an audit-relevant fact.
type ArchiveHandler struct {
	index     string
	transport ESTransport
	logger    logger.Logger
}

func NewArchiveHandler(client *elasticsearch.Client, index string, log logger.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		index:     index,
		transport: esClientTransport{client: client},
		logger:    log.WithFields(map[string]interface{}{"handler": "archive"}),
	}
}

// NewArchiveHandlerWithTransport injects a transport; used by tests.
func NewArchiveHandlerWithTransport(transport ESTransport, index string, log logger.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		index:     index,
		transport: transport,
		logger:    log.WithFields(map[string]interface{}{"handler": "archive"}),
	}
}

func (h *ArchiveHandler) Name() string {
	return "archive"
}

func (h *ArchiveHandler) HandleEvent(ctx context.Context, evt subscription.Event, matches []*subscription.Subscription) error {
	ids := make([]string, len(matches))
	for i, sub := range matches {
		ids[i] = sub.ID
	}

	doc := archiveDocument{
		Event:           evt,
		SubscriptionIDs: ids,
		MatchCount:      len(matches),
		ProcessedAt:     time.Now().UTC(),
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal archive document: %w", err)
	}

	req := &esapi.IndexRequest{
		Index:      h.index,
		DocumentID: uuid.NewString(),
		Body:       bytes.NewReader(body),
	}
	if err := h.transport.Perform(req, ctx); err != nil {
		return fmt.Errorf("archive event: %w", err)
	}

	h.logger.Debug("event archived", map[string]interface{}{
		"index":   h.index,
		"matches": len(matches),
	})
	return nil
}
