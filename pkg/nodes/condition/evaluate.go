package condition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dukex/courier/pkg/models"
)

// Match applies op to the actual variable value and the rule's expected value.
// String comparisons are case-insensitive; ordering tries numbers first and
// falls back to lexical comparison.
func Match(op models.Operator, actual, expected any) (bool, error) {
	switch op {
	case models.OpEquals:
		return equals(actual, expected), nil
	case models.OpNotEquals:
		return !equals(actual, expected), nil
	case models.OpGreaterThan:
		return compare(actual, expected) > 0, nil
	case models.OpLessThan:
		return compare(actual, expected) < 0, nil
	case models.OpGreaterOrEqual:
		return compare(actual, expected) >= 0, nil
	case models.OpLessOrEqual:
		return compare(actual, expected) <= 0, nil
	case models.OpContains:
		return strings.Contains(lower(actual), lower(expected)), nil
	case models.OpNotContains:
		return !strings.Contains(lower(actual), lower(expected)), nil
	case models.OpStartsWith:
		return strings.HasPrefix(lower(actual), lower(expected)), nil
	case models.OpEndsWith:
		return strings.HasSuffix(lower(actual), lower(expected)), nil
	case models.OpIsEmpty:
		return isEmpty(actual), nil
	case models.OpIsNotEmpty:
		return !isEmpty(actual), nil
	case models.OpInList:
		return inList(actual, expected), nil
	case models.OpNotInList:
		return !inList(actual, expected), nil
	case models.OpIsTrue:
		return isTrue(actual), nil
	case models.OpIsFalse:
		return !isTrue(actual), nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprint(t)
	}
}

func lower(v any) string {
	return strings.ToLower(toString(v))
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)

		return f, err == nil
	default:
		return 0, false
	}
}

func equals(actual, expected any) bool {
	a, aok := toNumber(actual)
	b, bok := toNumber(expected)

	if aok && bok {
		return a == b
	}

	return strings.EqualFold(strings.TrimSpace(toString(actual)), strings.TrimSpace(toString(expected)))
}

func compare(actual, expected any) int {
	a, aok := toNumber(actual)
	b, bok := toNumber(expected)

	if aok && bok {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	}

	return strings.Compare(lower(actual), lower(expected))
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

// listOf accepts a literal array or a comma-separated string.
func listOf(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}

		return out
	case string:
		parts := strings.Split(t, ",")

		out := make([]any, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}

		return out
	case nil:
		return nil
	default:
		return []any{t}
	}
}

func inList(actual, expected any) bool {
	for _, item := range listOf(expected) {
		if equals(actual, item) {
			return true
		}
	}

	return false
}

func isTrue(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}

	switch strings.ToLower(strings.TrimSpace(toString(v))) {
	case "true", "yes", "1":
		return true
	default:
		return false
	}
}
