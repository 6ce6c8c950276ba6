package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"subscription-engine/internal/subscription"
)

// Schema is the table definition the PostgresStore expects. The btree
// indexes mirror the in-memory secondary indexes.
const Schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
    id             TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL,
    type           TEXT NOT NULL,
    resource_id    TEXT NOT NULL DEFAULT '',
    resource_type  TEXT NOT NULL DEFAULT '',
    topic          TEXT NOT NULL DEFAULT '',
    payload_filter JSONB,
    query          JSONB,
    status         TEXT NOT NULL,
    expires_at     TIMESTAMPTZ,
    labels         TEXT[],
    metadata       JSONB,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions (user_id);
CREATE INDEX IF NOT EXISTS idx_subscriptions_resource ON subscriptions (resource_id) WHERE resource_id <> '';
CREATE INDEX IF NOT EXISTS idx_subscriptions_rtype ON subscriptions (resource_type) WHERE resource_type <> '';
CREATE INDEX IF NOT EXISTS idx_subscriptions_topic ON subscriptions (topic) WHERE topic <> '';
`

const pgColumns = `id, user_id, type, resource_id, resource_type, topic, payload_filter, query, status, expires_at, labels, metadata, created_at, updated_at`

const pgActiveClause = `status = 'ACTIVE' AND (expires_at IS NULL OR expires_at > NOW())`

// PostgresStore implements Store on PostgreSQL via database/sql. Index
// migration on update is a single-row UPDATE, so readers see it atomically.
type PostgresStore struct {
	db        *sql.DB
	evaluator subscription.QueryEvaluator
}

func NewPostgresStore(db *sql.DB, evaluator subscription.QueryEvaluator) *PostgresStore {
	return &PostgresStore{db: db, evaluator: evaluator}
}

// Init creates the subscriptions table and indexes if absent.
func (p *PostgresStore) Init(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func marshalJSONB(m map[string]interface{}) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (p *PostgresStore) Save(ctx context.Context, sub *subscription.Subscription) (string, error) {
	payloadFilter, err := marshalJSONB(sub.PayloadFilter)
	if err != nil {
		return "", fmt.Errorf("marshal payload_filter: %w", err)
	}
	query, err := marshalJSONB(sub.Query)
	if err != nil {
		return "", fmt.Errorf("marshal query: %w", err)
	}
	metadata, err := marshalJSONB(sub.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO subscriptions (`+pgColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		sub.ID, sub.UserID, string(sub.Type), sub.ResourceID, sub.ResourceType, sub.Topic,
		payloadFilter, query, string(sub.Status), sub.ExpiresAt,
		pq.Array(sub.Labels), metadata, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return "", ErrDuplicateID
		}
		return "", fmt.Errorf("insert subscription: %w", err)
	}
	return sub.ID, nil
}

func scanSubscription(scan func(dest ...interface{}) error) (*subscription.Subscription, error) {
	var (
		sub           subscription.Subscription
		typ, status   string
		payloadFilter []byte
		query         []byte
		metadata      []byte
		expiresAt     sql.NullTime
		labels        pq.StringArray
	)
	err := scan(
		&sub.ID, &sub.UserID, &typ, &sub.ResourceID, &sub.ResourceType, &sub.Topic,
		&payloadFilter, &query, &status, &expiresAt, &labels, &metadata,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Type = subscription.Type(typ)
	sub.Status = subscription.Status(status)
	sub.Labels = labels
	if expiresAt.Valid {
		t := expiresAt.Time
		sub.ExpiresAt = &t
	}
	if len(payloadFilter) > 0 {
		if err := json.Unmarshal(payloadFilter, &sub.PayloadFilter); err != nil {
			return nil, fmt.Errorf("unmarshal payload_filter: %w", err)
		}
	}
	if len(query) > 0 {
		if err := json.Unmarshal(query, &sub.Query); err != nil {
			return nil, fmt.Errorf("unmarshal query: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sub.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &sub, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*subscription.Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+pgColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (p *PostgresStore) Update(ctx context.Context, sub *subscription.Subscription) (bool, error) {
	payloadFilter, err := marshalJSONB(sub.PayloadFilter)
	if err != nil {
		return false, fmt.Errorf("marshal payload_filter: %w", err)
	}
	query, err := marshalJSONB(sub.Query)
	if err != nil {
		return false, fmt.Errorf("marshal query: %w", err)
	}
	metadata, err := marshalJSONB(sub.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}

	res, err := p.db.ExecContext(ctx,
		`UPDATE subscriptions SET user_id = $2, type = $3, resource_id = $4, resource_type = $5, topic = $6, payload_filter = $7, query = $8, status = $9, expires_at = $10, labels = $11, metadata = $12, updated_at = NOW() WHERE id = $1`,
		sub.ID, sub.UserID, string(sub.Type), sub.ResourceID, sub.ResourceType, sub.Topic,
		payloadFilter, query, string(sub.Status), sub.ExpiresAt, pq.Array(sub.Labels), metadata,
	)
	if err != nil {
		return false, fmt.Errorf("update subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update subscription: %w", err)
	}
	return n > 0, nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	return n > 0, nil
}

func (p *PostgresStore) queryMany(ctx context.Context, query string, args ...interface{}) ([]*subscription.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetForUser(ctx context.Context, userID string, activeOnly bool, types ...subscription.Type) ([]*subscription.Subscription, error) {
	q := `SELECT ` + pgColumns + ` FROM subscriptions WHERE user_id = $1`
	if activeOnly {
		q += ` AND ` + pgActiveClause
	}
	subs, err := p.queryMany(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	if len(types) == 0 {
		return subs, nil
	}
	out := subs[:0]
	for _, sub := range subs {
		if typeAllowed(sub.Type, types) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (p *PostgresStore) GetByResource(ctx context.Context, resourceID string, activeOnly bool) ([]*subscription.Subscription, error) {
	q := `SELECT ` + pgColumns + ` FROM subscriptions WHERE resource_id = $1 AND resource_id <> ''`
	if activeOnly {
		q += ` AND ` + pgActiveClause
	}
	return p.queryMany(ctx, q, resourceID)
}

func (p *PostgresStore) GetByResourceType(ctx context.Context, resourceType string, activeOnly bool) ([]*subscription.Subscription, error) {
	q := `SELECT ` + pgColumns + ` FROM subscriptions WHERE resource_type = $1 AND resource_type <> ''`
	if activeOnly {
		q += ` AND ` + pgActiveClause
	}
	return p.queryMany(ctx, q, resourceType)
}

func (p *PostgresStore) GetByTopic(ctx context.Context, topic string, activeOnly bool) ([]*subscription.Subscription, error) {
	q := `SELECT ` + pgColumns + ` FROM subscriptions WHERE topic = $1 AND topic <> ''`
	if activeOnly {
		q += ` AND ` + pgActiveClause
	}
	return p.queryMany(ctx, q, topic)
}

// GetMatchingEvent selects candidates by the three event keys plus the whole
// QUERY set in one statement (the primary key dedupes), then applies the
// per-subscription predicate in Go, exactly like the memory store.
func (p *PostgresStore) GetMatchingEvent(ctx context.Context, evt subscription.Event, activeOnly bool) ([]*subscription.Subscription, error) {
	q := `SELECT ` + pgColumns + ` FROM subscriptions WHERE ((resource_id <> '' AND resource_id = $1) OR (resource_type <> '' AND resource_type = $2) OR (topic <> '' AND topic = $3) OR type = 'QUERY')`
	if activeOnly {
		q += ` AND ` + pgActiveClause
	}

	subs, err := p.queryMany(ctx, q, evt.ResourceID(), evt.ResourceType(), evt.Topic())
	if err != nil {
		return nil, err
	}

	out := subs[:0]
	for _, sub := range subs {
		if activeOnly && !sub.IsActive() {
			continue
		}
		if !sub.MatchesEvent(evt, p.evaluator) {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

// CleanupExpired reclassifies only. The updated_at bump starts the retention
// clock; the rows themselves are CleanupOld's to delete.
func (p *PostgresStore) CleanupExpired(ctx context.Context) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = 'EXPIRED', updated_at = NOW() WHERE status IN ('ACTIVE', 'PAUSED') AND expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup expired: %w", err)
	}
	return int(n), nil
}

func (p *PostgresStore) CleanupOld(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE status IN ('EXPIRED', 'CANCELLED') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup old: %w", err)
	}
	return int(n), nil
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*RedisStore)(nil)
var _ Store = (*MemoryStore)(nil)
