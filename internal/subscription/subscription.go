// Package subscription defines the subscription entity, its lifecycle rules
// and the event matching predicates used by the dispatch engine.
package subscription

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	engerrors "subscription-engine/internal/common/errors"
)

// Type discriminates what a subscription is interested in.
type Type string

const (
	TypeResource     Type = "RESOURCE"
	TypeResourceType Type = "RESOURCE_TYPE"
	TypeTopic        Type = "TOPIC"
	TypeQuery        Type = "QUERY"
)

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further status transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusCancelled
}

// Subscription is one subscriber's registered interest declaration.
//
// Exactly one of ResourceID / ResourceType / Topic / Query is populated,
// consistent with Type (a RESOURCE subscription may additionally carry
// ResourceType to narrow the match). Validate enforces this before the
// record is ever persisted.
type Subscription struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Type   Type   `json:"type"`

	ResourceID    string                 `json:"resource_id,omitempty"`
	ResourceType  string                 `json:"resource_type,omitempty"`
	Topic         string                 `json:"topic,omitempty"`
	PayloadFilter map[string]interface{} `json:"payload_filter,omitempty"`
	Query         map[string]interface{} `json:"query,omitempty"`

	Status    Status     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	Labels   []string               `json:"labels,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates an ACTIVE subscription with a fresh ID and timestamps. The
// type-specific payload fields are set by the caller before Validate.
func New(userID string, typ Type) *Subscription {
	now := time.Now().UTC()
	return &Subscription{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      typ,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks the exactly-one-payload invariant for the subscription's
// type. It returns a SUBSCRIPTION_INVALID error on any violation.
func (s *Subscription) Validate() error {
	if s.UserID == "" {
		return engerrors.NewValidationError("user_id is required")
	}

	switch s.Type {
	case TypeResource:
		if s.ResourceID == "" {
			return engerrors.NewValidationError("RESOURCE subscription requires resource_id")
		}
		if s.Topic != "" || len(s.Query) > 0 {
			return engerrors.NewValidationError("RESOURCE subscription must not set topic or query")
		}
	case TypeResourceType:
		if s.ResourceType == "" {
			return engerrors.NewValidationError("RESOURCE_TYPE subscription requires resource_type")
		}
		if s.ResourceID != "" || s.Topic != "" || len(s.Query) > 0 {
			return engerrors.NewValidationError("RESOURCE_TYPE subscription must only set resource_type")
		}
	case TypeTopic:
		if s.Topic == "" {
			return engerrors.NewValidationError("TOPIC subscription requires topic")
		}
		if s.ResourceID != "" || s.ResourceType != "" || len(s.Query) > 0 {
			return engerrors.NewValidationError("TOPIC subscription must only set topic (and payload_filter)")
		}
	case TypeQuery:
		if len(s.Query) == 0 {
			return engerrors.NewValidationError("QUERY subscription requires a non-empty query")
		}
		if s.ResourceID != "" || s.ResourceType != "" || s.Topic != "" {
			return engerrors.NewValidationError("QUERY subscription must only set query")
		}
	default:
		return engerrors.NewValidationError(fmt.Sprintf("unknown subscription type %q", s.Type))
	}

	if len(s.PayloadFilter) > 0 && s.Type != TypeTopic {
		return engerrors.NewValidationError("payload_filter is only valid on TOPIC subscriptions")
	}

	return nil
}

// IsActive reports whether the subscription should participate in matching.
func (s *Subscription) IsActive() bool {
	if s.Status != StatusActive {
		return false
	}
	if s.ExpiresAt != nil && !s.ExpiresAt.After(time.Now()) {
		return false
	}
	return true
}

// IsExpired reports whether ExpiresAt is set and in the past, regardless of
// status.
func (s *Subscription) IsExpired() bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(time.Now())
}

// MatchesEvent reports whether the event satisfies this subscription's
// criterion. QUERY subscriptions delegate to eval; with a nil evaluator they
// never match.
func (s *Subscription) MatchesEvent(evt Event, eval QueryEvaluator) bool {
	switch s.Type {
	case TypeResource:
		if s.ResourceID == "" || evt.ResourceID() != s.ResourceID {
			return false
		}
		if s.ResourceType != "" && evt.ResourceType() != s.ResourceType {
			return false
		}
		return true
	case TypeResourceType:
		return s.ResourceType != "" && evt.ResourceType() == s.ResourceType
	case TypeTopic:
		if s.Topic == "" || evt.Topic() != s.Topic {
			return false
		}
		for key, want := range s.PayloadFilter {
			got, ok := evt.Field(key)
			if !ok || !valueEqual(got, want) {
				return false
			}
		}
		return true
	case TypeQuery:
		if eval == nil || len(s.Query) == 0 {
			return false
		}
		return eval.Matches(s.Query, evt)
	default:
		// Unknown type never matches.
		return false
	}
}

// UpdateStatus applies a lifecycle transition, validating legality and
// bumping UpdatedAt. Allowed moves: ACTIVE<->PAUSED, {ACTIVE,PAUSED}->EXPIRED,
// {ACTIVE,PAUSED}->CANCELLED. Terminal states admit nothing.
func (s *Subscription) UpdateStatus(next Status) error {
	if next == s.Status {
		return nil
	}
	if s.Status.Terminal() {
		return engerrors.NewIllegalTransitionError(string(s.Status), string(next))
	}

	switch next {
	case StatusActive, StatusPaused, StatusExpired, StatusCancelled:
	default:
		return engerrors.NewIllegalTransitionError(string(s.Status), string(next))
	}

	s.Status = next
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateExpiration replaces the expiration timestamp. A nil expiry means the
// subscription never expires. Rejected on terminal subscriptions.
func (s *Subscription) UpdateExpiration(expiry *time.Time) error {
	if s.Status.Terminal() {
		return engerrors.NewIllegalTransitionError(string(s.Status), string(s.Status))
	}
	s.ExpiresAt = expiry
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Clone returns a deep copy. Handlers receive clones so they can never
// mutate store-owned state.
func (s *Subscription) Clone() *Subscription {
	out := *s
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		out.ExpiresAt = &t
	}
	if s.PayloadFilter != nil {
		out.PayloadFilter = make(map[string]interface{}, len(s.PayloadFilter))
		for k, v := range s.PayloadFilter {
			out.PayloadFilter[k] = v
		}
	}
	if s.Query != nil {
		out.Query = make(map[string]interface{}, len(s.Query))
		for k, v := range s.Query {
			out.Query[k] = v
		}
	}
	if s.Labels != nil {
		out.Labels = append([]string(nil), s.Labels...)
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
