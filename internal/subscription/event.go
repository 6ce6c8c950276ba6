package subscription

import "time"

// Event is the event data handed to ProcessEvent by producers. It carries
// the three routing fields recognized by the indexes plus arbitrary payload
// fields consumed by payload filters and query predicates.
type Event map[string]interface{}

// Well-known event keys.
const (
	KeyResourceID   = "resource_id"
	KeyResourceType = "resource_type"
	KeyTopic        = "topic"
	KeyTimestamp    = "timestamp"
)

func (e Event) stringField(key string) string {
	if v, ok := e[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ResourceID returns the event's resource id, or "" if absent.
func (e Event) ResourceID() string {
	return e.stringField(KeyResourceID)
}

// ResourceType returns the event's resource type, or "" if absent.
func (e Event) ResourceType() string {
	return e.stringField(KeyResourceType)
}

// Topic returns the event's topic, or "" if absent.
func (e Event) Topic() string {
	return e.stringField(KeyTopic)
}

// Timestamp returns the producer-supplied event time, accepting either a
// time.Time or an RFC 3339 string. Zero when absent or unparseable.
func (e Event) Timestamp() time.Time {
	switch v := e[KeyTimestamp].(type) {
	case time.Time:
		return v
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// Field looks up an arbitrary payload field.
func (e Event) Field(key string) (interface{}, bool) {
	v, ok := e[key]
	return v, ok
}
