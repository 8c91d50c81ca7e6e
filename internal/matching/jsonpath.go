package matching

import (
	"encoding/json"
	"reflect"

	"github.com/ohler55/ojg/jp"
)

// MatchJSONPath evaluates JSONPath conditions against a JSON body.
// Returns ScoreJSONPathCondition per matched condition, or 0 when the body
// is not valid JSON or any condition fails (all must match).
//
// The expected value for a path is compared with type coercion (JSON
// numbers arrive as float64). A map of the single form {"exists": bool}
// asserts presence or absence instead of comparing a value.
func MatchJSONPath(conditions map[string]interface{}, body []byte) int {
	if len(conditions) == 0 {
		return 0
	}

	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		// Not valid JSON - no match, not an error
		return 0
	}

	score := 0
	for path, expected := range conditions {
		if !matchSingleJSONPath(path, expected, data) {
			return 0
		}
		score += ScoreJSONPathCondition
	}

	return score
}

// matchSingleJSONPath evaluates one JSONPath condition.
func matchSingleJSONPath(path string, expected interface{}, data interface{}) bool {
	expr, err := jp.ParseString(path)
	if err != nil {
		// Invalid expression - treat as no match
		return false
	}

	results := expr.Get(data)

	if len(results) == 0 {
		// Nothing found: only {"exists": false} matches
		return isExistenceCheck(expected) && !getExistsValue(expected)
	}

	if isExistenceCheck(expected) {
		return getExistsValue(expected)
	}

	// Wildcard paths may return several values; any match suffices
	for _, result := range results {
		if valuesEqual(result, expected) {
			return true
		}
	}

	return false
}

// isExistenceCheck determines if the expected value is an existence check:
// a map with a single "exists" key.
func isExistenceCheck(expected interface{}) bool {
	m, ok := expected.(map[string]interface{})
	if !ok {
		return false
	}
	_, hasExists := m["exists"]
	return hasExists && len(m) == 1
}

// getExistsValue extracts the boolean from an existence check.
func getExistsValue(expected interface{}) bool {
	m, ok := expected.(map[string]interface{})
	if !ok {
		return false
	}
	exists, ok := m["exists"]
	if !ok {
		return false
	}
	b, ok := exists.(bool)
	return ok && b
}

// valuesEqual compares two values for equality with type coercion across
// strings, numbers (JSON numbers are float64), booleans, and null.
func valuesEqual(actual, expected interface{}) bool {
	if actual == nil && expected == nil {
		return true
	}
	if actual == nil || expected == nil {
		return false
	}

	if reflect.DeepEqual(actual, expected) {
		return true
	}

	actualNum, actualIsNum := toFloat64(actual)
	expectedNum, expectedIsNum := toFloat64(expected)
	if actualIsNum && expectedIsNum {
		return actualNum == expectedNum
	}

	actualStr, actualIsStr := actual.(string)
	expectedStr, expectedIsStr := expected.(string)
	if actualIsStr && expectedIsStr {
		return actualStr == expectedStr
	}

	actualBool, actualIsBool := actual.(bool)
	expectedBool, expectedIsBool := expected.(bool)
	if actualIsBool && expectedIsBool {
		return actualBool == expectedBool
	}

	return false
}

// toFloat64 attempts to convert a value to float64.
func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int16:
		return float64(n), true
	case int8:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint8:
		return float64(n), true
	default:
		return 0, false
	}
}
