package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"subscription-engine/internal/subscription"
)

const (
	redisDocPrefix = "sub:"
	redisIdxAll    = "idx:all"
	redisIdxQuery  = "idx:query"
)

// RedisStore implements Store on Redis. Subscription documents are JSON
// values under sub:{id}; secondary indexes are Redis sets. Index mutations
// for one subscription are applied in a single transactional pipeline.
type RedisStore struct {
	client    *redis.Client
	evaluator subscription.QueryEvaluator
}

func NewRedisStore(client *redis.Client, evaluator subscription.QueryEvaluator) *RedisStore {
	return &RedisStore{client: client, evaluator: evaluator}
}

func redisDocKey(id string) string {
	return redisDocPrefix + id
}

func redisUserKey(userID string) string {
	return "idx:user:" + userID
}

func redisResourceKey(resourceID string) string {
	return "idx:resource:" + resourceID
}

func redisResourceTypeKey(resourceType string) string {
	return "idx:rtype:" + resourceType
}

func redisTopicKey(topic string) string {
	return "idx:topic:" + topic
}

// indexKeys lists every index set the subscription belongs to.
func indexKeys(sub *subscription.Subscription) []string {
	keys := []string{redisIdxAll, redisUserKey(sub.UserID)}
	switch sub.Type {
	case subscription.TypeResource:
		keys = append(keys, redisResourceKey(sub.ResourceID))
		if sub.ResourceType != "" {
			keys = append(keys, redisResourceTypeKey(sub.ResourceType))
		}
	case subscription.TypeResourceType:
		keys = append(keys, redisResourceTypeKey(sub.ResourceType))
	case subscription.TypeTopic:
		keys = append(keys, redisTopicKey(sub.Topic))
	case subscription.TypeQuery:
		keys = append(keys, redisIdxQuery)
	}
	return keys
}

func (r *RedisStore) Save(ctx context.Context, sub *subscription.Subscription) (string, error) {
	doc, err := json.Marshal(sub)
	if err != nil {
		return "", fmt.Errorf("marshal subscription: %w", err)
	}

	created, err := r.client.SetNX(ctx, redisDocKey(sub.ID), doc, 0).Result()
	if err != nil {
		return "", fmt.Errorf("save subscription: %w", err)
	}
	if !created {
		return "", ErrDuplicateID
	}

	pipe := r.client.TxPipeline()
	for _, key := range indexKeys(sub) {
		pipe.SAdd(ctx, key, sub.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("index subscription: %w", err)
	}
	return sub.ID, nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*subscription.Subscription, error) {
	doc, err := r.client.Get(ctx, redisDocKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}

	var sub subscription.Subscription
	if err := json.Unmarshal([]byte(doc), &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscription: %w", err)
	}
	return &sub, nil
}

func (r *RedisStore) Update(ctx context.Context, sub *subscription.Subscription) (bool, error) {
	old, err := r.Get(ctx, sub.ID)
	if err != nil {
		return false, err
	}
	if old == nil {
		return false, nil
	}

	updated := sub.Clone()
	updated.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(updated)
	if err != nil {
		return false, fmt.Errorf("marshal subscription: %w", err)
	}

	// Document write and index migration in one transaction so readers
	// never observe the subscription under stale or duplicate indexes.
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, redisDocKey(sub.ID), doc, 0)
	for _, key := range indexKeys(old) {
		pipe.SRem(ctx, key, sub.ID)
	}
	for _, key := range indexKeys(updated) {
		pipe.SAdd(ctx, key, sub.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("update subscription: %w", err)
	}
	return true, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	old, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if old == nil {
		return false, nil
	}
	return true, r.deleteIndexed(ctx, old)
}

func (r *RedisStore) deleteIndexed(ctx context.Context, sub *subscription.Subscription) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, redisDocKey(sub.ID))
	for _, key := range indexKeys(sub) {
		pipe.SRem(ctx, key, sub.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// fetchSet loads every subscription whose id is in the given index set.
func (r *RedisStore) fetchSet(ctx context.Context, indexKey string) ([]*subscription.Subscription, error) {
	ids, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", indexKey, err)
	}
	return r.fetchIDs(ctx, ids)
}

func (r *RedisStore) fetchIDs(ctx context.Context, ids []string) ([]*subscription.Subscription, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisDocKey(id)
	}
	docs, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch subscriptions: %w", err)
	}

	out := make([]*subscription.Subscription, 0, len(docs))
	for _, raw := range docs {
		doc, ok := raw.(string)
		if !ok {
			// Index member without a document: the doc was deleted
			// out-of-band. Skip rather than fail the read.
			continue
		}
		var sub subscription.Subscription
		if err := json.Unmarshal([]byte(doc), &sub); err != nil {
			continue
		}
		out = append(out, &sub)
	}
	return out, nil
}

func filterActive(subs []*subscription.Subscription, activeOnly bool) []*subscription.Subscription {
	if !activeOnly {
		return subs
	}
	out := subs[:0]
	for _, sub := range subs {
		if sub.IsActive() {
			out = append(out, sub)
		}
	}
	return out
}

func (r *RedisStore) GetForUser(ctx context.Context, userID string, activeOnly bool, types ...subscription.Type) ([]*subscription.Subscription, error) {
	subs, err := r.fetchSet(ctx, redisUserKey(userID))
	if err != nil {
		return nil, err
	}
	subs = filterActive(subs, activeOnly)
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

func (r *RedisStore) GetByResource(ctx context.Context, resourceID string, activeOnly bool) ([]*subscription.Subscription, error) {
	subs, err := r.fetchSet(ctx, redisResourceKey(resourceID))
	if err != nil {
		return nil, err
	}
	return filterActive(subs, activeOnly), nil
}

func (r *RedisStore) GetByResourceType(ctx context.Context, resourceType string, activeOnly bool) ([]*subscription.Subscription, error) {
	subs, err := r.fetchSet(ctx, redisResourceTypeKey(resourceType))
	if err != nil {
		return nil, err
	}
	return filterActive(subs, activeOnly), nil
}

func (r *RedisStore) GetByTopic(ctx context.Context, topic string, activeOnly bool) ([]*subscription.Subscription, error) {
	subs, err := r.fetchSet(ctx, redisTopicKey(topic))
	if err != nil {
		return nil, err
	}
	return filterActive(subs, activeOnly), nil
}

func (r *RedisStore) GetMatchingEvent(ctx context.Context, evt subscription.Event, activeOnly bool) ([]*subscription.Subscription, error) {
	idSet := make(map[string]struct{})

	addMembers := func(key string) error {
		ids, err := r.client.SMembers(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("read index %s: %w", key, err)
		}
		for _, id := range ids {
			idSet[id] = struct{}{}
		}
		return nil
	}

	if rid := evt.ResourceID(); rid != "" {
		if err := addMembers(redisResourceKey(rid)); err != nil {
			return nil, err
		}
	}
	if rt := evt.ResourceType(); rt != "" {
		if err := addMembers(redisResourceTypeKey(rt)); err != nil {
			return nil, err
		}
	}
	if topic := evt.Topic(); topic != "" {
		if err := addMembers(redisTopicKey(topic)); err != nil {
			return nil, err
		}
	}
	if err := addMembers(redisIdxQuery); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}

	subs, err := r.fetchIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := subs[:0]
	for _, sub := range subs {
		if activeOnly && !sub.IsActive() {
			continue
		}
		if !sub.MatchesEvent(evt, r.evaluator) {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

func (r *RedisStore) CleanupExpired(ctx context.Context) (int, error) {
	subs, err := r.fetchSet(ctx, redisIdxAll)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, sub := range subs {
		if !sub.IsExpired() || sub.Status.Terminal() {
			continue
		}
		if err := sub.UpdateStatus(subscription.StatusExpired); err != nil {
			return expired, err
		}
		doc, err := json.Marshal(sub)
		if err != nil {
			return expired, fmt.Errorf("marshal subscription: %w", err)
		}
		if err := r.client.Set(ctx, redisDocKey(sub.ID), doc, 0).Err(); err != nil {
			return expired, fmt.Errorf("persist expiry: %w", err)
		}
		expired++
	}
	return expired, nil
}

func (r *RedisStore) CleanupOld(ctx context.Context, cutoff time.Time) (int, error) {
	subs, err := r.fetchSet(ctx, redisIdxAll)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, sub := range subs {
		if !sub.Status.Terminal() {
			continue
		}
		if sub.UpdatedAt.Before(cutoff) {
			if err := r.deleteIndexed(ctx, sub); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}
