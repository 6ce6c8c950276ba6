package subscription

import (
	"encoding/json"
	"reflect"

	"github.com/Knetic/govaluate"
)

// QueryEvaluator decides whether a QUERY subscription's query document
// matches an event. The engine treats query semantics as opaque; evaluators
// are supplied at manager construction.
type QueryEvaluator interface {
	Matches(query map[string]interface{}, evt Event) bool
}

// FieldEvaluator is the baseline evaluator: every entry in the query
// document constrains one event field. A literal value means exact equality;
// an operator map supports set membership and numeric comparison:
//
//	{"region": "us"}                         region == "us"
//	{"amount": {"$gt": 100}}                 amount > 100
//	{"kind": {"$in": ["a", "b"]}}            kind in {a, b}
//
// Supported operators: $eq, $ne, $in, $gt, $gte, $lt, $lte.
type FieldEvaluator struct{}

func (FieldEvaluator) Matches(query map[string]interface{}, evt Event) bool {
	for field, constraint := range query {
		got, present := evt.Field(field)

		ops, isOps := constraint.(map[string]interface{})
		if !isOps {
			if !present || !valueEqual(got, constraint) {
				return false
			}
			continue
		}

		for op, want := range ops {
			if !applyOperator(op, got, present, want) {
				return false
			}
		}
	}
	return true
}

func applyOperator(op string, got interface{}, present bool, want interface{}) bool {
	switch op {
	case "$eq":
		return present && valueEqual(got, want)
	case "$ne":
		return !present || !valueEqual(got, want)
	case "$in":
		if !present {
			return false
		}
		set, ok := want.([]interface{})
		if !ok {
			return false
		}
		for _, candidate := range set {
			if valueEqual(got, candidate) {
				return true
			}
		}
		return false
	case "$gt", "$gte", "$lt", "$lte":
		if !present {
			return false
		}
		a, okA := toFloat(got)
		b, okB := toFloat(want)
		if !okA || !okB {
			return false
		}
		switch op {
		case "$gt":
			return a > b
		case "$gte":
			return a >= b
		case "$lt":
			return a < b
		default:
			return a <= b
		}
	default:
		// Unknown operator never matches.
		return false
	}
}

// ExpressionEvaluator understands an "$expr" entry holding a govaluate
// expression evaluated against the event's fields, e.g.
//
//	{"$expr": "amount > 100 && region == 'us'"}
//
// Remaining entries fall back to FieldEvaluator semantics, so a query can mix
// both forms.
type ExpressionEvaluator struct {
	fields FieldEvaluator
}

// ExprKey marks the expression entry inside a query document.
const ExprKey = "$expr"

func (e ExpressionEvaluator) Matches(query map[string]interface{}, evt Event) bool {
	rest := query
	if raw, ok := query[ExprKey]; ok {
		exprStr, ok := raw.(string)
		if !ok {
			return false
		}
		expr, err := govaluate.NewEvaluableExpression(exprStr)
		if err != nil {
			return false
		}
		result, err := expr.Evaluate(map[string]interface{}(evt))
		if err != nil {
			return false
		}
		pass, ok := result.(bool)
		if !ok || !pass {
			return false
		}

		rest = make(map[string]interface{}, len(query)-1)
		for k, v := range query {
			if k != ExprKey {
				rest[k] = v
			}
		}
	}

	if len(rest) == 0 {
		return true
	}
	return e.fields.Matches(rest, evt)
}

// valueEqual compares an event value with a filter value. Numeric values are
// compared as floats so JSON-decoded events (float64) match filters written
// with Go ints.
func valueEqual(got, want interface{}) bool {
	if a, ok := toFloat(got); ok {
		if b, okB := toFloat(want); okB {
			return a == b
		}
		return false
	}
	return reflect.DeepEqual(got, want)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
