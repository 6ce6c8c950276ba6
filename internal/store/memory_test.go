package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subscription-engine/internal/subscription"
)

// ==========================
// Test Helper Functions
// ==========================

func newTestStore() *MemoryStore {
	return NewMemoryStore(subscription.FieldEvaluator{})
}

func mustSave(t *testing.T, s Store, sub *subscription.Subscription) string {
	t.Helper()
	id, err := s.Save(context.Background(), sub)
	require.NoError(t, err)
	return id
}

func resourceSub(userID, resourceID string) *subscription.Subscription {
	sub := subscription.New(userID, subscription.TypeResource)
	sub.ResourceID = resourceID
	return sub
}

func resourceTypeSub(userID, resourceType string) *subscription.Subscription {
	sub := subscription.New(userID, subscription.TypeResourceType)
	sub.ResourceType = resourceType
	return sub
}

func topicSub(userID, topic string) *subscription.Subscription {
	sub := subscription.New(userID, subscription.TypeTopic)
	sub.Topic = topic
	return sub
}

func querySub(userID string, query map[string]interface{}) *subscription.Subscription {
	sub := subscription.New(userID, subscription.TypeQuery)
	sub.Query = query
	return sub
}

func idSet(subs []*subscription.Subscription) map[string]struct{} {
	out := make(map[string]struct{}, len(subs))
	for _, s := range subs {
		out[s.ID] = struct{}{}
	}
	return out
}

// ==========================
// CRUD Tests
// ==========================

func TestMemoryStore_SaveAndGet(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	sub := topicSub("user-1", "orders")
	id := mustSave(t, s, sub)
	assert.Equal(t, sub.ID, id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "orders", got.Topic)

	// The store owns its own copy.
	got.Topic = "mutated"
	again, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "orders", again.Topic)
}

func TestMemoryStore_Save_DuplicateID(t *testing.T) {
	s := newTestStore()
	sub := topicSub("user-1", "orders")
	mustSave(t, s, sub)

	_, err := s.Save(context.Background(), sub)
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_Get_Missing(t *testing.T) {
	s := newTestStore()
	got, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore_Update_MigratesIndexes(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	sub := topicSub("user-1", "orders")
	mustSave(t, s, sub)

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

func TestMemoryStore_Update_Missing(t *testing.T) {
	s := newTestStore()
	ok, err := s.Update(context.Background(), topicSub("user-1", "orders"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_Delete_RemovesFromIndexes(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	sub := resourceSub("user-1", "doc-42")
	mustSave(t, s, sub)

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

func TestMemoryStore_GetForUser(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	active := topicSub("user-1", "orders")
	mustSave(t, s, active)

	paused := topicSub("user-1", "shipments")
	require.NoError(t, paused.UpdateStatus(subscription.StatusPaused))
	mustSave(t, s, paused)

	other := topicSub("user-2", "orders")
	mustSave(t, s, other)

	query := querySub("user-1", map[string]interface{}{"region": "us"})
	mustSave(t, s, query)

	all, err := s.GetForUser(ctx, "user-1", false)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	activeOnly, err := s.GetForUser(ctx, "user-1", true)
	require.NoError(t, err)
	assert.Len(t, activeOnly, 2)

	topicsOnly, err := s.GetForUser(ctx, "user-1", false, subscription.TypeTopic)
	require.NoError(t, err)
	assert.Len(t, topicsOnly, 2)
}

func TestMemoryStore_GetByResource_ActiveOnly(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	live := resourceSub("user-1", "doc-42")
	mustSave(t, s, live)

	expired := resourceSub("user-2", "doc-42")
	past := time.Now().Add(-time.Hour)
	expired.ExpiresAt = &past
	mustSave(t, s, expired)

	all, err := s.GetByResource(ctx, "doc-42", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	activeOnly, err := s.GetByResource(ctx, "doc-42", true)
	require.NoError(t, err)
	require.Len(t, activeOnly, 1)
	assert.Equal(t, live.ID, activeOnly[0].ID)
}

// ==========================
// Event Matching Tests
// ==========================

func TestMemoryStore_GetMatchingEvent_UnionAcrossIndexes(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	byResource := resourceSub("user-1", "doc-42")
	mustSave(t, s, byResource)

	byType := resourceTypeSub("user-2", "document")
	mustSave(t, s, byType)

	byTopic := topicSub("user-3", "orders")
	mustSave(t, s, byTopic)

	byQuery := querySub("user-4", map[string]interface{}{"region": "us"})
	mustSave(t, s, byQuery)

	unrelated := topicSub("user-5", "shipments")
	mustSave(t, s, unrelated)

	evt := subscription.Event{
		"resource_id":   "doc-42",
		"resource_type": "document",
		"topic":         "orders",
		"region":        "us",
	}

	matches, err := s.GetMatchingEvent(ctx, evt, true)
	require.NoError(t, err)

	got := idSet(matches)
	assert.Len(t, got, 4)
	assert.Contains(t, got, byResource.ID)
	assert.Contains(t, got, byType.ID)
	assert.Contains(t, got, byTopic.ID)
	assert.Contains(t, got, byQuery.ID)
	assert.NotContains(t, got, unrelated.ID)
}

func TestMemoryStore_GetMatchingEvent_NoDoubleCount(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	// Sits in both the resource and resource type indexes.
	sub := resourceSub("user-1", "doc-42")
	sub.ResourceType = "document"
	mustSave(t, s, sub)

	evt := subscription.Event{"resource_id": "doc-42", "resource_type": "document"}
	matches, err := s.GetMatchingEvent(ctx, evt, true)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestMemoryStore_GetMatchingEvent_SkipsInactive(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	paused := topicSub("user-1", "orders")
	require.NoError(t, paused.UpdateStatus(subscription.StatusPaused))
	mustSave(t, s, paused)

	matches, err := s.GetMatchingEvent(ctx, subscription.Event{"topic": "orders"}, true)
	require.NoError(t, err)
	assert.Empty(t, matches)

	all, err := s.GetMatchingEvent(ctx, subscription.Event{"topic": "orders"}, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemoryStore_GetMatchingEvent_TopicPayloadFilter(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	filtered := topicSub("user-1", "orders")
	filtered.PayloadFilter = map[string]interface{}{"region": "us"}
	mustSave(t, s, filtered)

	matches, err := s.GetMatchingEvent(ctx, subscription.Event{"topic": "orders", "region": "eu"}, true)
	require.NoError(t, err)
	assert.Empty(t, matches)

	matches, err = s.GetMatchingEvent(ctx, subscription.Event{"topic": "orders", "region": "us"}, true)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestMemoryStore_GetMatchingEvent_Idempotent(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	mustSave(t, s, topicSub("user-1", "orders"))

	evt := subscription.Event{"topic": "orders"}
	first, err := s.GetMatchingEvent(ctx, evt, true)
	require.NoError(t, err)
	second, err := s.GetMatchingEvent(ctx, evt, true)
	require.NoError(t, err)
	assert.Equal(t, idSet(first), idSet(second))
}

// ==========================
// Cleanup Tests
// ==========================

func TestMemoryStore_CleanupExpired(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	// Active but past expiry: should flip to EXPIRED, not be deleted.
	stale := topicSub("user-1", "orders")
	stale.ExpiresAt = &past
	mustSave(t, s, stale)

	// Already terminal and past expiry: the retention sweep owns it.
	cancelled := topicSub("user-2", "orders")
	cancelled.ExpiresAt = &past
	require.NoError(t, cancelled.UpdateStatus(subscription.StatusCancelled))
	mustSave(t, s, cancelled)

	// Healthy subscription stays untouched.
	healthy := topicSub("user-3", "orders")
	mustSave(t, s, healthy)

	expired, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	flipped, err := s.Get(ctx, stale.ID)
	require.NoError(t, err)
	require.NotNil(t, flipped)
	assert.Equal(t, subscription.StatusExpired, flipped.Status)

	retained, err := s.Get(ctx, cancelled.ID)
	require.NoError(t, err)
	require.NotNil(t, retained)
	assert.Equal(t, subscription.StatusCancelled, retained.Status)

	kept, err := s.Get(ctx, healthy.ID)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, subscription.StatusActive, kept.Status)
}

func TestMemoryStore_CleanupExpired_KeepsReclassifiedUntilRetention(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	sub := topicSub("user-1", "orders")
	sub.ExpiresAt = &past
	mustSave(t, s, sub)

	expired, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	// A later expiry sweep must not delete the now-EXPIRED record.
	expired, err = s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)

	got, err := s.Get(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, subscription.StatusExpired, got.Status)
}

func TestMemoryStore_CleanupExpired_ThenRetentionDelete(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	sub := topicSub("user-1", "orders")
	sub.ExpiresAt = &past
	mustSave(t, s, sub)

	// First sweep only reclassifies.
	expired, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	// Retention sweep with a future cutoff removes the now-terminal record.
	deleted, err := s.CleanupOld(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStore_CleanupOld_KeepsRecentAndNonTerminal(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	terminal := topicSub("user-1", "orders")
	require.NoError(t, terminal.UpdateStatus(subscription.StatusCancelled))
	mustSave(t, s, terminal)

	active := topicSub("user-2", "orders")
	mustSave(t, s, active)

	// Cutoff in the past: nothing is old enough yet.
	deleted, err := s.CleanupOld(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)

	// Cutoff in the future: only the terminal record goes.
	deleted, err = s.CleanupOld(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, 1, s.Len())
}

// ==========================
// Concurrency Tests
// ==========================

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sub := topicSub(fmt.Sprintf("user-%d", n), "orders")
			if _, err := s.Save(ctx, sub); err != nil {
				t.Errorf("save: %v", err)
				return
			}
			if _, err := s.GetMatchingEvent(ctx, subscription.Event{"topic": "orders"}, true); err != nil {
				t.Errorf("match: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, s.Len())
	matches, err := s.GetMatchingEvent(ctx, subscription.Event{"topic": "orders"}, true)
	require.NoError(t, err)
	assert.Len(t, matches, 20)
}
