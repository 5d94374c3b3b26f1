package services

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// CompareValues applies a condition operator to an actual/expected pair.
// Numeric operators coerce both sides through numeric parsing and yield
// false when either side does not parse. String operators stringify and
// lowercase both sides unless caseInsensitive is false. exists/not_exists
// treat nil as non-existent.
func CompareValues(actual any, op string, expected any, caseInsensitive bool) bool {
	switch op {
	case "exists":
		return actual != nil
	case "not_exists":
		return actual == nil
	}

	if actual == nil {
		return false
	}

	switch op {
	case "<", ">", "<=", ">=":
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		if !aok || !bok {
			logrus.Warnf("cannot compare non-numeric values: %v %s %v", actual, op, expected)
			return false
		}
		switch op {
		case "<":
			return a < b
		case ">":
			return a > b
		case "<=":
			return a <= b
		case ">=":
			return a >= b
		}
	case "==", "eq":
		if a, aok := toFloat(actual); aok {
			if b, bok := toFloat(expected); bok {
				return a == b
			}
		}
		return stringify(actual) == stringify(expected)
	case "!=", "neq":
		if a, aok := toFloat(actual); aok {
			if b, bok := toFloat(expected); bok {
				return a != b
			}
		}
		return stringify(actual) != stringify(expected)
	case "contains":
		return strings.Contains(fold(actual, caseInsensitive), fold(expected, caseInsensitive))
	case "not_contains":
		return !strings.Contains(fold(actual, caseInsensitive), fold(expected, caseInsensitive))
	case "contains_any":
		values, ok := expected.([]any)
		if !ok {
			return strings.Contains(fold(actual, caseInsensitive), fold(expected, caseInsensitive))
		}
		haystack := fold(actual, caseInsensitive)
		for _, v := range values {
			if strings.Contains(haystack, fold(v, caseInsensitive)) {
				return true
			}
		}
		return false
	case "starts_with":
		return strings.HasPrefix(fold(actual, caseInsensitive), fold(expected, caseInsensitive))
	case "ends_with":
		return strings.HasSuffix(fold(actual, caseInsensitive), fold(expected, caseInsensitive))
	}

	// Unknown operators pass through rather than silently suppressing events.
	logrus.Warnf("unknown comparison operator: %s", op)
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

func fold(v any, caseInsensitive bool) string {
	s := stringify(v)
	if caseInsensitive {
		return strings.ToLower(s)
	}
	return s
}

// conditionLookup resolves a clause path against the context. Authors are
// inconsistent about the trigger_data prefix, so the path is tried as
// written, then with the prefix stripped, then with it added.
func conditionLookup(ctx map[string]any, path string) any {
	if v := GetPath(ctx, path); v != nil {
		return v
	}
	if rest, ok := strings.CutPrefix(path, "trigger_data."); ok {
		if v := GetPath(ctx, rest); v != nil {
			return v
		}
	} else if v := GetPath(ctx, "trigger_data."+path); v != nil {
		return v
	}
	return nil
}

// evaluateClause evaluates a single {path, op, value} clause. The expected
// value may itself be a template; after resolution it is numerically coerced
// when it parses as a number.
func evaluateClause(clause map[string]any, ctx map[string]any, now time.Time) bool {
	path, _ := clause["path"].(string)
	op, _ := clause["op"].(string)
	if op == "" {
		op = "=="
	}
	expected := clause["value"]

	if s, ok := expected.(string); ok {
		resolved := ResolveTemplate(s, ctx, now)
		expected = resolved
		if rs, ok := resolved.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(rs), 64); err == nil {
				expected = f
			}
		}
	}

	caseInsensitive := true
	if ci, ok := clause["case_insensitive"].(bool); ok {
		caseInsensitive = ci
	}

	actual := conditionLookup(ctx, path)
	return CompareValues(actual, op, expected, caseInsensitive)
}

// EvaluateCondition evaluates a condition against the execution context.
// A condition is either a single clause {path, op, value} or a group
// {operator: AND|OR, clauses: [...]}; groups nest and short-circuit in
// declared order. An empty condition passes, and so does a group whose
// clauses are missing, not an array, or empty. The evaluator never errors:
// an unknown logical operator fails, and a non-object clause fails an AND
// group and is skipped in an OR group.
func EvaluateCondition(condition map[string]any, ctx map[string]any, now time.Time) bool {
	if len(condition) == 0 {
		return true
	}

	if _, ok := condition["path"]; ok {
		return evaluateClause(condition, ctx, now)
	}

	rawClauses, ok := condition["clauses"].([]any)
	if !ok || len(rawClauses) == 0 {
		return true
	}
	operator, _ := condition["operator"].(string)
	operator = strings.ToUpper(operator)
	if operator == "" {
		operator = "AND"
	}

	switch operator {
	case "AND":
		for _, rc := range rawClauses {
			clause, ok := rc.(map[string]any)
			if !ok || !EvaluateCondition(clause, ctx, now) {
				return false
			}
		}
		return true
	case "OR":
		for _, rc := range rawClauses {
			if clause, ok := rc.(map[string]any); ok && EvaluateCondition(clause, ctx, now) {
				return true
			}
		}
		return false
	default:
		logrus.Warnf("unknown logical operator: %s", operator)
		return false
	}
}
