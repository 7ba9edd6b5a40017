package gate

import (
	"strconv"
	"strings"

	"github.com/spindle-dev/spindle/pkg/template"
)

// EvalExpr evaluates the approval-condition mini-language against a data
// map:
//
//	field OP literal     with OP ∈ > >= < <= == !=   (numeric compare)
//	field in [a, b, c]
//	field not in [a, b, c]
//
// Fields drill through nested maps with dots. Anything unparseable is
// false.
func EvalExpr(expr string, data map[string]any) bool {
	expr = strings.TrimSpace(expr)

	for _, op := range []string{">=", "<=", "!=", "==", ">", "<"} {
		field, rest, found := strings.Cut(expr, op)
		if !found {
			continue
		}
		// "a > b" would also cut on the ">" of a later ">="; the two-char
		// forms are tried first so this cannot happen.
		value, ok := fieldNumber(data, strings.TrimSpace(field))
		if !ok {
			return false
		}
		lit, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
		if err != nil {
			return false
		}
		switch op {
		case ">":
			return value > lit
		case ">=":
			return value >= lit
		case "<":
			return value < lit
		case "<=":
			return value <= lit
		case "==":
			return value == lit
		case "!=":
			return value != lit
		}
	}

	if field, list, found := strings.Cut(expr, " not in "); found {
		return !inList(data, field, list)
	}
	if field, list, found := strings.Cut(expr, " in "); found {
		return inList(data, field, list)
	}
	return false
}

func inList(data map[string]any, field, list string) bool {
	list = strings.TrimSpace(list)
	if !strings.HasPrefix(list, "[") || !strings.HasSuffix(list, "]") {
		return false
	}
	v, ok := template.Lookup(data, strings.TrimSpace(field))
	if !ok {
		return false
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	for _, item := range strings.Split(list[1:len(list)-1], ",") {
		if strings.Trim(strings.TrimSpace(item), `"'`) == s {
			return true
		}
	}
	return false
}

func fieldNumber(data map[string]any, field string) (float64, bool) {
	v, ok := template.Lookup(data, field)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
