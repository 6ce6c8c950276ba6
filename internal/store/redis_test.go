package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subscription-engine/internal/subscription"
)

// ==========================
// Test Helper Functions
// ==========================

func newRedisTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client, subscription.FieldEvaluator{}), mr
}

// ==========================
// CRUD Tests
// ==========================

func TestRedisStore_SaveAndGet(t *testing.T) {
	s, _ := newRedisTestStore(t)
	ctx := context.Background()

	sub := topicSub("user-1", "orders")
	id, err := s.Save(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "orders", got.Topic)
	assert.Equal(t, subscription.StatusActive, got.Status)
}

func TestRedisStore_Save_DuplicateID(t *testing.T) {
	s, _ := newRedisTestStore(t)
	ctx := context.Background()

	sub := topicSub("user-1", "orders")
	_, err := s.Save(ctx, sub)
	require.NoError(t, err)

	_, err = s.Save(ctx, sub)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestRedisStore_Get_Missing(t *testing.T) {
	s, _ := newRedisTestStore(t)
	got, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStore_Update_MigratesIndexSets(t *testing.T) {
	s, _ := newRedisTestStore(t)
	ctx := context.Background()

	sub := topicSub("user-1", "orders")
	_, err := s.Save(ctx, sub)
	require.NoError(t, err)

	sub.Topic = "shipments"
	ok, err := s.Update(ctx, sub)
	require.NoError(t, err)
	assert.True(t, ok)

	old, err := s.GetByTopic(ctx, "orders", false)
	require.NoError(t, err)
	assert.Empty(t, old)

	moved, err := s.GetByTopic(ctx, "shipments", false)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, sub.ID, moved[0].ID)
}

func TestRedisStore_Update_Missing(t *testing.T) {
	s, _ := newRedisTestStore(t)
	ok, err := s.Update(context.Background(), topicSub("user-1", "orders"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_Delete(t *testing.T) {
	s, _ := newRedisTestStore(t)
	ctx := context.Background()

	sub := resourceSub("user-1", "doc-42")
	_, err := s.Save(ctx, sub)
	require.NoError(t, err)

	ok, err := s.Delete(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	byRes, err := s.GetByResource(ctx, "doc-42", false)
	require.NoError(t, err)
	assert.Empty(t, byRes)

	ok, err = s.Delete(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

// ==========================
// Lookup Tests
// ==========================

func TestRedisStore_GetForUser(t *testing.T) {
	s, _ := newRedisTestStore(t)
	ctx := context.Background()

	active := topicSub("user-1", "orders")
	_, err := s.Save(ctx, active)
	require.NoError(t, err)

	paused := topicSub("user-1", "shipments")
	require.NoError(t, paused.UpdateStatus(subscription.StatusPaused))
	_, err = s.Save(ctx, paused)
	require.NoError(t, err)

	other := querySub("user-2", map[string]interface{}{"region": "us"})
	_, err = s.Save(ctx, other)
	require.NoError(t, err)

	all, err := s.GetForUser(ctx, "user-1", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	activeOnly, err := s.GetForUser(ctx, "user-1", true)
	require.NoError(t, err)
	require.Len(t, activeOnly, 1)
	assert.Equal(t, active.ID, activeOnly[0].ID)

	topicsOnly, err := s.GetForUser(ctx, "user-1", false, subscription.TypeTopic)
	require.NoError(t, err)
	assert.Len(t, topicsOnly, 2)
}

func TestRedisStore_FetchSkipsDanglingIndexMembers(t *testing.T) {
	s, mr := newRedisTestStore(t)
	ctx := context.Background()

	sub := topicSub("user-1", "orders")
	_, err := s.Save(ctx, sub)
	require.NoError(t, err)

	// Simulate a document removed out-of-band while its index entry remains.
	mr.Del(redisDocKey(sub.ID))

	subs, err := s.GetByTopic(ctx, "orders", false)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

// ==========================
// Event Matching Tests
// ==========================

func TestRedisStore_GetMatchingEvent(t *testing.T) {
	s, _ := newRedisTestStore(t)
	ctx := context.Background()

	byResource := resourceSub("user-1", "doc-42")
	_, err := s.Save(ctx, byResource)
	require.NoError(t, err)

	byTopic := topicSub("user-2", "orders")
	_, err = s.Save(ctx, byTopic)
	require.NoError(t, err)

	byQuery := querySub("user-3", map[string]interface{}{"region": "us"})
	_, err = s.Save(ctx, byQuery)
	require.NoError(t, err)

	unrelated := topicSub("user-4", "shipments")
	_, err = s.Save(ctx, unrelated)
	require.NoError(t, err)

	evt := subscription.Event{
		"resource_id": "doc-42",
		"topic":       "orders",
		"region":      "us",
	}

	matches, err := s.GetMatchingEvent(ctx, evt, true)
	require.NoError(t, err)

	got := idSet(matches)
	assert.Len(t, got, 3)
	assert.Contains(t, got, byResource.ID)
	assert.Contains(t, got, byTopic.ID)
	assert.Contains(t, got, byQuery.ID)
}

func TestRedisStore_GetMatchingEvent_SkipsInactive(t *testing.T) {
	s, _ := newRedisTestStore(t)
	ctx := context.Background()

	paused := topicSub("user-1", "orders")
	require.NoError(t, paused.UpdateStatus(subscription.StatusPaused))
	_, err := s.Save(ctx, paused)
	require.NoError(t, err)

	matches, err := s.GetMatchingEvent(ctx, subscription.Event{"topic": "orders"}, true)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

// ==========================
// Cleanup Tests
// ==========================

func TestRedisStore_CleanupExpired(t *testing.T) {
	s, _ := newRedisTestStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	stale := topicSub("user-1", "orders")
	stale.ExpiresAt = &past
	_, err := s.Save(ctx, stale)
	require.NoError(t, err)

	cancelled := topicSub("user-2", "orders")
	cancelled.ExpiresAt = &past
	require.NoError(t, cancelled.UpdateStatus(subscription.StatusCancelled))
	_, err = s.Save(ctx, cancelled)
	require.NoError(t, err)

	expired, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	flipped, err := s.Get(ctx, stale.ID)
	require.NoError(t, err)
	require.NotNil(t, flipped)
	assert.Equal(t, subscription.StatusExpired, flipped.Status)

	// Terminal records wait for the retention sweep.
	retained, err := s.Get(ctx, cancelled.ID)
	require.NoError(t, err)
	require.NotNil(t, retained)
	assert.Equal(t, subscription.StatusCancelled, retained.Status)

	// A second expiry sweep leaves the reclassified record in place.
	expired, err = s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)

	still, err := s.Get(ctx, stale.ID)
	require.NoError(t, err)
	require.NotNil(t, still)
	assert.Equal(t, subscription.StatusExpired, still.Status)
}

func TestRedisStore_CleanupOld(t *testing.T) {
	s, _ := newRedisTestStore(t)
	ctx := context.Background()

	terminal := topicSub("user-1", "orders")
	require.NoError(t, terminal.UpdateStatus(subscription.StatusCancelled))
	_, err := s.Save(ctx, terminal)
	require.NoError(t, err)

	active := topicSub("user-2", "orders")
	_, err = s.Save(ctx, active)
	require.NoError(t, err)

	deleted, err := s.CleanupOld(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	kept, err := s.Get(ctx, active.ID)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}
