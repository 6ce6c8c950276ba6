package store

import (
	"context"
	"sync"
	"time"

	"subscription-engine/internal/subscription"
)

// MemoryStore is the in-memory reference implementation. One primary map
// plus explicit secondary index maps, all guarded by a single RWMutex.
// Writers hold the write lock across every index mutation for one
// subscription, so readers never observe a half-indexed record.
type MemoryStore struct {
	mu sync.RWMutex

	subs map[string]*subscription.Subscription

	byUser         map[string]map[string]struct{}
	byResource     map[string]map[string]struct{}
	byResourceType map[string]map[string]struct{}
	byTopic        map[string]map[string]struct{}
	querySubs      map[string]struct{}

	evaluator subscription.QueryEvaluator
}

// NewMemoryStore creates an empty store. The evaluator is used for
// QUERY-type predicate checks during matching; nil disables QUERY matching.
func NewMemoryStore(evaluator subscription.QueryEvaluator) *MemoryStore {
	return &MemoryStore{
		subs:           make(map[string]*subscription.Subscription),
		byUser:         make(map[string]map[string]struct{}),
		byResource:     make(map[string]map[string]struct{}),
		byResourceType: make(map[string]map[string]struct{}),
		byTopic:        make(map[string]map[string]struct{}),
		querySubs:      make(map[string]struct{}),
		evaluator:      evaluator,
	}
}

// indexLocked adds the subscription to every index relevant for its type.
// Shared by Save and Update so index maintenance has a single home.
func (m *MemoryStore) indexLocked(sub *subscription.Subscription) {
	addToIndex(m.byUser, sub.UserID, sub.ID)

	switch sub.Type {
	case subscription.TypeResource:
		addToIndex(m.byResource, sub.ResourceID, sub.ID)
		if sub.ResourceType != "" {
			addToIndex(m.byResourceType, sub.ResourceType, sub.ID)
		}
	case subscription.TypeResourceType:
		addToIndex(m.byResourceType, sub.ResourceType, sub.ID)
	case subscription.TypeTopic:
		addToIndex(m.byTopic, sub.Topic, sub.ID)
	case subscription.TypeQuery:
		m.querySubs[sub.ID] = struct{}{}
	}
}

// unindexLocked removes the subscription from every index it may sit in.
func (m *MemoryStore) unindexLocked(sub *subscription.Subscription) {
	removeFromIndex(m.byUser, sub.UserID, sub.ID)
	removeFromIndex(m.byResource, sub.ResourceID, sub.ID)
	removeFromIndex(m.byResourceType, sub.ResourceType, sub.ID)
	removeFromIndex(m.byTopic, sub.Topic, sub.ID)
	delete(m.querySubs, sub.ID)
}

func addToIndex(idx map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set := idx[key]
	if set == nil {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeFromIndex(idx map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// Save inserts a new subscription. Create-only: a duplicate ID is rejected
// with ErrDuplicateID.
func (m *MemoryStore) Save(_ context.Context, sub *subscription.Subscription) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.subs[sub.ID]; exists {
		return "", ErrDuplicateID
	}

	stored := sub.Clone()
	m.subs[stored.ID] = stored
	m.indexLocked(stored)
	return stored.ID, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*subscription.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subs[id]
	if !ok {
		return nil, nil
	}
	return sub.Clone(), nil
}

// Update replaces an existing subscription, migrating index membership
// atomically with respect to readers.
func (m *MemoryStore) Update(_ context.Context, sub *subscription.Subscription) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.subs[sub.ID]
	if !ok {
		return false, nil
	}

	m.unindexLocked(old)
	stored := sub.Clone()
	stored.UpdatedAt = time.Now().UTC()
	m.subs[stored.ID] = stored
	m.indexLocked(stored)
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[id]
	if !ok {
		return false, nil
	}

	m.unindexLocked(sub)
	delete(m.subs, id)
	return true, nil
}

func (m *MemoryStore) GetForUser(_ context.Context, userID string, activeOnly bool, types ...subscription.Type) ([]*subscription.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*subscription.Subscription
	for id := range m.byUser[userID] {
		sub := m.subs[id]
		if sub == nil {
			continue
		}
		if activeOnly && !sub.IsActive() {
			continue
		}
		if !typeAllowed(sub.Type, types) {
			continue
		}
		out = append(out, sub.Clone())
	}
	return out, nil
}

func (m *MemoryStore) GetByResource(_ context.Context, resourceID string, activeOnly bool) ([]*subscription.Subscription, error) {
	return m.collect(m.byResource, resourceID, activeOnly), nil
}

func (m *MemoryStore) GetByResourceType(_ context.Context, resourceType string, activeOnly bool) ([]*subscription.Subscription, error) {
	return m.collect(m.byResourceType, resourceType, activeOnly), nil
}

func (m *MemoryStore) GetByTopic(_ context.Context, topic string, activeOnly bool) ([]*subscription.Subscription, error) {
	return m.collect(m.byTopic, topic, activeOnly), nil
}

func (m *MemoryStore) collect(idx map[string]map[string]struct{}, key string, activeOnly bool) []*subscription.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*subscription.Subscription
	for id := range idx[key] {
		sub := m.subs[id]
		if sub == nil {
			continue
		}
		if activeOnly && !sub.IsActive() {
			continue
		}
		out = append(out, sub.Clone())
	}
	return out
}

// GetMatchingEvent gathers candidates from the three event-keyed indexes,
// unions them by id, adds the QUERY set, then applies the per-subscription
// predicate to drop index false positives and evaluate payload filters.
func (m *MemoryStore) GetMatchingEvent(_ context.Context, evt subscription.Event, activeOnly bool) ([]*subscription.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	candidates := make(map[string]struct{})
	if rid := evt.ResourceID(); rid != "" {
		for id := range m.byResource[rid] {
			candidates[id] = struct{}{}
		}
	}
	if rt := evt.ResourceType(); rt != "" {
		for id := range m.byResourceType[rt] {
			candidates[id] = struct{}{}
		}
	}
	if topic := evt.Topic(); topic != "" {
		for id := range m.byTopic[topic] {
			candidates[id] = struct{}{}
		}
	}
	// QUERY subscriptions are not indexed by event fields; scan their set.
	for id := range m.querySubs {
		candidates[id] = struct{}{}
	}

	var out []*subscription.Subscription
	for id := range candidates {
		sub := m.subs[id]
		if sub == nil {
			continue
		}
		if activeOnly && !sub.IsActive() {
			continue
		}
		if !sub.MatchesEvent(evt, m.evaluator) {
			continue
		}
		out = append(out, sub.Clone())
	}
	return out, nil
}

func (m *MemoryStore) CleanupExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := 0
	for _, sub := range m.subs {
		if !sub.IsExpired() || sub.Status.Terminal() {
			continue
		}
		// UpdateStatus bumps UpdatedAt, starting the retention clock that
		// CleanupOld measures against.
		if err := sub.UpdateStatus(subscription.StatusExpired); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (m *MemoryStore) CleanupOld(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for id, sub := range m.subs {
		if !sub.Status.Terminal() {
			continue
		}
		if sub.UpdatedAt.Before(cutoff) {
			m.unindexLocked(sub)
			delete(m.subs, id)
			deleted++
		}
	}
	return deleted, nil
}

// Len reports the number of stored subscriptions. Used by tests and the
// stats endpoint.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}
