// Package manager implements the subscription engine façade: validation,
// quota, authorization, hook execution, persistence and event dispatch.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	engerrors "subscription-engine/internal/common/errors"
	"subscription-engine/internal/common/logger"
	"subscription-engine/internal/common/metrics"
	"subscription-engine/internal/store"
	"subscription-engine/internal/subscription"
)

// AuthorizationFunc decides whether a user may create a subscription of one
// type. Registered per subscription type.
type AuthorizationFunc func(ctx context.Context, sub *subscription.Subscription) (bool, error)

// PreHook is a predicate run before persistence. Returning false vetoes the
// creation; returning an error is logged and treated as non-vetoing.
type PreHook func(ctx context.Context, sub *subscription.Subscription) (bool, error)

// PostHook runs after successful persistence, best-effort.
type PostHook func(ctx context.Context, sub *subscription.Subscription) error

// EventHandler is a delivery adapter invoked with each processed event and
// its matched subscriptions. Handlers receive read-only snapshots; failures
// are isolated and never fail ProcessEvent.
type EventHandler interface {
	Name() string
	HandleEvent(ctx context.Context, evt subscription.Event, matches []*subscription.Subscription) error
}

// Config holds the manager's tunables.
type Config struct {
	MaxSubscriptionsPerUser int
	EnableAuthorization     bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxSubscriptionsPerUser: 100,
		EnableAuthorization:     true,
	}
}

// Manager owns no subscription state of its own; the store holds the
// canonical copies. Registration lists are guarded by their own lock and
// snapshot-iterated, so no lock is held while handlers run.
type Manager struct {
	store  store.Store
	config Config
	logger logger.Logger

	mu        sync.RWMutex
	preHooks  []PreHook
	postHooks []PostHook
	handlers  []EventHandler
	authFuncs map[subscription.Type]AuthorizationFunc
}

func New(st store.Store, cfg Config, log logger.Logger) *Manager {
	if cfg.MaxSubscriptionsPerUser <= 0 {
		cfg.MaxSubscriptionsPerUser = 100
	}
	return &Manager{
		store:     st,
		config:    cfg,
		logger:    log.WithFields(map[string]interface{}{"component": "subscription-manager"}),
		authFuncs: make(map[subscription.Type]AuthorizationFunc),
	}
}

// AddPreHook appends a pre-subscription hook. Hooks run in registration order.
func (m *Manager) AddPreHook(hook PreHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preHooks = append(m.preHooks, hook)
}

// AddPostHook appends a post-subscription hook.
func (m *Manager) AddPostHook(hook PostHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postHooks = append(m.postHooks, hook)
}

// AddEventHandler registers a delivery adapter.
func (m *Manager) AddEventHandler(handler EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// SetAuthorizationFunc registers the authorization handler for one
// subscription type, replacing any previous one.
func (m *Manager) SetAuthorizationFunc(typ subscription.Type, fn AuthorizationFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authFuncs[typ] = fn
}

// CreateSubscription validates, quota-checks, authorizes and persists a new
// subscription, then runs post hooks best-effort and returns the new id.
//
// The quota check and the save are not one atomic step: concurrent creates
// for the same user can transiently overshoot the cap. The quota is a soft
// cap; callers needing a hard cap must serialize creates per user.
func (m *Manager) CreateSubscription(ctx context.Context, sub *subscription.Subscription) (string, error) {
	if err := sub.Validate(); err != nil {
		return "", err
	}

	existing, err := m.store.GetForUser(ctx, sub.UserID, true)
	if err != nil {
		return "", engerrors.NewStoreError("get_for_user", err)
	}
	if len(existing) >= m.config.MaxSubscriptionsPerUser {
		return "", engerrors.NewLimitReachedError(sub.UserID, m.config.MaxSubscriptionsPerUser)
	}

	if err := m.authorize(ctx, sub); err != nil {
		return "", err
	}

	for _, hook := range m.snapshotPreHooks() {
		ok, err := m.runPreHook(ctx, hook, sub)
		if err != nil {
			// A buggy hook must not block creation; only an explicit
			// rejection vetoes.
			m.logger.WithError(err).Warn("pre-subscription hook failed", map[string]interface{}{
				"subscriptionId": sub.ID,
			})
			continue
		}
		if !ok {
			return "", engerrors.NewValidationError("rejected by pre-subscription hook")
		}
	}

	id, err := m.store.Save(ctx, sub)
	if err != nil {
		return "", engerrors.NewStoreError("save", err)
	}
	metrics.SubscriptionsCreated.WithLabelValues(string(sub.Type)).Inc()

	for _, hook := range m.snapshotPostHooks() {
		if err := m.runPostHook(ctx, hook, sub); err != nil {
			m.logger.WithError(err).Warn("post-subscription hook failed", map[string]interface{}{
				"subscriptionId": id,
			})
		}
	}

	m.logger.Info("subscription created", map[string]interface{}{
		"subscriptionId": id,
		"userId":         sub.UserID,
		"type":           string(sub.Type),
	})
	return id, nil
}

func (m *Manager) authorize(ctx context.Context, sub *subscription.Subscription) error {
	if !m.config.EnableAuthorization {
		return nil
	}

	m.mu.RLock()
	fn := m.authFuncs[sub.Type]
	m.mu.RUnlock()
	if fn == nil {
		return nil
	}

	allowed, err := m.runAuthFunc(ctx, fn, sub)
	if err != nil {
		m.logger.WithError(err).Warn("authorization handler failed", map[string]interface{}{
			"userId": sub.UserID,
			"type":   string(sub.Type),
		})
		return engerrors.NewPermissionDeniedError(sub.UserID, string(sub.Type))
	}
	if !allowed {
		return engerrors.NewPermissionDeniedError(sub.UserID, string(sub.Type))
	}
	return nil
}

// runAuthFunc isolates panics from authorization handlers; a panic is a
// denial, not a crash.
func (m *Manager) runAuthFunc(ctx context.Context, fn AuthorizationFunc, sub *subscription.Subscription) (allowed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			allowed = false
			err = fmt.Errorf("authorization handler panic: %v", r)
		}
	}()
	return fn(ctx, sub)
}

func (m *Manager) runPreHook(ctx context.Context, hook PreHook, sub *subscription.Subscription) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = true
			err = fmt.Errorf("pre-subscription hook panic: %v", r)
		}
	}()
	return hook(ctx, sub)
}

func (m *Manager) runPostHook(ctx context.Context, hook PostHook, sub *subscription.Subscription) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("post-subscription hook panic: %v", r)
		}
	}()
	return hook(ctx, sub)
}

func (m *Manager) snapshotPreHooks() []PreHook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]PreHook(nil), m.preHooks...)
}

func (m *Manager) snapshotPostHooks() []PostHook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]PostHook(nil), m.postHooks...)
}

func (m *Manager) snapshotHandlers() []EventHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]EventHandler(nil), m.handlers...)
}

// UpdateSubscription re-validates and persists an existing subscription.
// Returns false when the subscription does not exist. If the owner changed
// and authorization is enabled, the new owner is re-authorized.
func (m *Manager) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) (bool, error) {
	if err := sub.Validate(); err != nil {
		return false, err
	}

	existing, err := m.store.Get(ctx, sub.ID)
	if err != nil {
		return false, engerrors.NewStoreError("get", err)
	}
	if existing == nil {
		return false, nil
	}

	if existing.UserID != sub.UserID {
		if err := m.authorize(ctx, sub); err != nil {
			return false, err
		}
	}

	updated, err := m.store.Update(ctx, sub)
	if err != nil {
		return false, engerrors.NewStoreError("update", err)
	}
	return updated, nil
}

// DeleteSubscription hard-deletes. Returns false when not found.
func (m *Manager) DeleteSubscription(ctx context.Context, id string) (bool, error) {
	deleted, err := m.store.Delete(ctx, id)
	if err != nil {
		return false, engerrors.NewStoreError("delete", err)
	}
	if deleted {
		metrics.SubscriptionsDeleted.Inc()
		m.logger.Info("subscription deleted", map[string]interface{}{
			"subscriptionId": id,
		})
	}
	return deleted, nil
}

// GetSubscription returns the subscription or nil when unknown.
func (m *Manager) GetSubscription(ctx context.Context, id string) (*subscription.Subscription, error) {
	sub, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, engerrors.NewStoreError("get", err)
	}
	return sub, nil
}

// GetUserSubscriptions lists a user's subscriptions, optionally restricted
// to active ones and to the given types.
func (m *Manager) GetUserSubscriptions(ctx context.Context, userID string, activeOnly bool, types ...subscription.Type) ([]*subscription.Subscription, error) {
	subs, err := m.store.GetForUser(ctx, userID, activeOnly, types...)
	if err != nil {
		return nil, engerrors.NewStoreError("get_for_user", err)
	}
	return subs, nil
}

// UpdateSubscriptionStatus applies a lifecycle transition through the entity
// so legality is validated. Returns false when not found.
func (m *Manager) UpdateSubscriptionStatus(ctx context.Context, id string, status subscription.Status) (bool, error) {
	sub, err := m.store.Get(ctx, id)
	if err != nil {
		return false, engerrors.NewStoreError("get", err)
	}
	if sub == nil {
		return false, nil
	}

	if err := sub.UpdateStatus(status); err != nil {
		return false, err
	}

	updated, err := m.store.Update(ctx, sub)
	if err != nil {
		return false, engerrors.NewStoreError("update", err)
	}
	return updated, nil
}

// UpdateSubscriptionExpiration replaces the expiry. Returns false when not
// found.
func (m *Manager) UpdateSubscriptionExpiration(ctx context.Context, id string, expiry *time.Time) (bool, error) {
	sub, err := m.store.Get(ctx, id)
	if err != nil {
		return false, engerrors.NewStoreError("get", err)
	}
	if sub == nil {
		return false, nil
	}

	if err := sub.UpdateExpiration(expiry); err != nil {
		return false, err
	}

	updated, err := m.store.Update(ctx, sub)
	if err != nil {
		return false, engerrors.NewStoreError("update", err)
	}
	return updated, nil
}

// ProcessEvent matches the event against the store and invokes every
// registered handler with the match list. Handler failures are logged and
// isolated; the match list is returned regardless of handler outcomes.
func (m *Manager) ProcessEvent(ctx context.Context, evt subscription.Event) ([]*subscription.Subscription, error) {
	start := time.Now()
	matches, err := m.store.GetMatchingEvent(ctx, evt, true)
	if err != nil {
		return nil, engerrors.NewOperationFailedError("get_matching_event", err)
	}
	metrics.EventsProcessed.Inc()
	metrics.EventMatches.Observe(float64(len(matches)))
	metrics.MatchDuration.Observe(time.Since(start).Seconds())

	for _, handler := range m.snapshotHandlers() {
		if err := m.invokeHandler(ctx, handler, evt, matches); err != nil {
			metrics.HandlerFailures.WithLabelValues(handler.Name()).Inc()
			m.logger.WithError(err).Error("event handler failed", map[string]interface{}{
				"handler": handler.Name(),
				"matches": len(matches),
			})
		}
	}

	return matches, nil
}

func (m *Manager) invokeHandler(ctx context.Context, handler EventHandler, evt subscription.Event, matches []*subscription.Subscription) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.HandleEvent(ctx, evt, matches)
}

// SubscribeToResource creates a RESOURCE subscription. resourceType may be
// empty to match the resource regardless of type.
func (m *Manager) SubscribeToResource(ctx context.Context, userID, resourceID, resourceType string) (string, error) {
	sub := subscription.New(userID, subscription.TypeResource)
	sub.ResourceID = resourceID
	sub.ResourceType = resourceType
	return m.CreateSubscription(ctx, sub)
}

// SubscribeToResourceType creates a RESOURCE_TYPE subscription.
func (m *Manager) SubscribeToResourceType(ctx context.Context, userID, resourceType string) (string, error) {
	sub := subscription.New(userID, subscription.TypeResourceType)
	sub.ResourceType = resourceType
	return m.CreateSubscription(ctx, sub)
}

// SubscribeToTopic creates a TOPIC subscription with an optional exact-match
// payload filter.
func (m *Manager) SubscribeToTopic(ctx context.Context, userID, topic string, payloadFilter map[string]interface{}) (string, error) {
	sub := subscription.New(userID, subscription.TypeTopic)
	sub.Topic = topic
	sub.PayloadFilter = payloadFilter
	return m.CreateSubscription(ctx, sub)
}

// SubscribeToQuery creates a QUERY subscription.
func (m *Manager) SubscribeToQuery(ctx context.Context, userID string, query map[string]interface{}) (string, error) {
	sub := subscription.New(userID, subscription.TypeQuery)
	sub.Query = query
	return m.CreateSubscription(ctx, sub)
}
