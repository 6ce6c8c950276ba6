// Package store defines the subscription storage contract and its
// implementations. Every implementation is safe under concurrent use and
// maintains secondary indexes by user, resource, resource type and topic so
// that event matching stays an indexed lookup rather than a full scan.
package store

import (
	"context"
	"errors"
	"time"

	"subscription-engine/internal/subscription"
)

// ErrDuplicateID is returned by Save when the subscription ID already exists.
var ErrDuplicateID = errors.New("subscription id already exists")

// Store is the persistence contract for subscriptions.
//
// Get returns (nil, nil) when the id is unknown. Update and Delete return
// false when the subscription does not exist; that is not an error.
// GetMatchingEvent result ordering is unspecified.
type Store interface {
	Save(ctx context.Context, sub *subscription.Subscription) (string, error)
	Get(ctx context.Context, id string) (*subscription.Subscription, error)
	Update(ctx context.Context, sub *subscription.Subscription) (bool, error)
	Delete(ctx context.Context, id string) (bool, error)

	GetForUser(ctx context.Context, userID string, activeOnly bool, types ...subscription.Type) ([]*subscription.Subscription, error)
	GetByResource(ctx context.Context, resourceID string, activeOnly bool) ([]*subscription.Subscription, error)
	GetByResourceType(ctx context.Context, resourceType string, activeOnly bool) ([]*subscription.Subscription, error)
	GetByTopic(ctx context.Context, topic string, activeOnly bool) ([]*subscription.Subscription, error)

	// GetMatchingEvent is the hot path: indexed candidate lookup, union,
	// dedupe by id, QUERY-set scan, then per-candidate predicate filtering.
	GetMatchingEvent(ctx context.Context, evt subscription.Event, activeOnly bool) ([]*subscription.Subscription, error)

	// CleanupExpired transitions expired ACTIVE/PAUSED subscriptions to
	// EXPIRED and returns the number reclassified. It never deletes;
	// terminal records are removed by CleanupOld once the retention
	// window has passed, so an expired record stays observable until then.
	CleanupExpired(ctx context.Context) (int, error)

	// CleanupOld hard-deletes terminal subscriptions whose UpdatedAt
	// predates the cutoff, bounding storage growth from dead records.
	CleanupOld(ctx context.Context, cutoff time.Time) (int, error)
}

func typeAllowed(typ subscription.Type, types []subscription.Type) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == typ {
			return true
		}
	}
	return false
}
