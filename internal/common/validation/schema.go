// Package validation checks QUERY subscription query documents against a
// JSON schema so malformed predicates are rejected at creation time instead
// of silently never matching.
package validation

import (
	"context"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"subscription-engine/internal/subscription"
)

// querySchema constrains a query document to field constraints (literal
// equality or an operator map) plus an optional $expr expression string.
const querySchema = `{
  "type": "object",
  "minProperties": 1,
  "properties": {
    "$expr": {
      "type": "string",
      "minLength": 1
    }
  },
  "additionalProperties": {
    "anyOf": [
      {"type": "string"},
      {"type": "number"},
      {"type": "boolean"},
      {
        "type": "object",
        "minProperties": 1,
        "properties": {
          "$eq": {},
          "$ne": {},
          "$in": {"type": "array"},
          "$gt": {"type": "number"},
          "$gte": {"type": "number"},
          "$lt": {"type": "number"},
          "$lte": {"type": "number"}
        },
        "additionalProperties": false
      }
    ]
  }
}`

var compiledQuerySchema = gojsonschema.NewStringLoader(querySchema)

// ValidateQueryDocument returns a descriptive error when the query document
// does not fit the supported predicate shape.
func ValidateQueryDocument(query map[string]interface{}) error {
	result, err := gojsonschema.Validate(compiledQuerySchema, gojsonschema.NewGoLoader(query))
	if err != nil {
		return fmt.Errorf("query validation error: %w", err)
	}

	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return fmt.Errorf("query document invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}

// QueryPreHook returns a pre-subscription hook that vetoes QUERY
// subscriptions with malformed query documents. Non-QUERY subscriptions pass
// through.
func QueryPreHook() func(ctx context.Context, sub *subscription.Subscription) (bool, error) {
	return func(_ context.Context, sub *subscription.Subscription) (bool, error) {
		if sub.Type != subscription.TypeQuery {
			return true, nil
		}
		if err := ValidateQueryDocument(sub.Query); err != nil {
			return false, nil
		}
		return true, nil
	}
}
