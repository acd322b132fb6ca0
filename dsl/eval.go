package dsl

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/loopworks/taskmesh/task"
)

// EvaluateFunc decides a step condition against the environment. The
// environment carries "variables" (the task context variables) and
// "result" (prior step results as JSON-shaped maps).
type EvaluateFunc func(expr string, env map[string]any) (bool, error)

// SubstituteFunc resolves placeholder references inside step parameters
// before dispatch.
type SubstituteFunc func(params map[string]any, env map[string]any) (map[string]any, error)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// DefaultEvaluate handles the condition forms the step language uses:
// a bare reference ("variables.approved"), a negated reference
// ("!variables.approved"), and equality comparisons against a quoted
// string, number or boolean literal ("result[0].status == 'completed'").
func DefaultEvaluate(expr string, env map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, fmt.Errorf("empty condition")
	}

	for _, op := range []string{"==", "!="} {
		if left, right, ok := strings.Cut(expr, op); ok {
			lv, err := resolveOperand(strings.TrimSpace(left), env)
			if err != nil {
				return false, err
			}
			rv, err := resolveOperand(strings.TrimSpace(right), env)
			if err != nil {
				return false, err
			}
			eq := looseEqual(lv, rv)
			if op == "!=" {
				return !eq, nil
			}
			return eq, nil
		}
	}

	if rest, ok := strings.CutPrefix(expr, "!"); ok {
		v, err := resolveRef(strings.TrimSpace(rest), env)
		if err != nil {
			return false, err
		}
		return !truthy(v), nil
	}

	v, err := resolveRef(expr, env)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// DefaultSubstitute walks params and resolves {{...}} placeholders in
// string values. A string that is exactly one placeholder is replaced by
// the referenced value with its type intact; placeholders embedded in a
// longer string are interpolated as text. Unresolved references fail with
// an INVALID_PARAMS error.
func DefaultSubstitute(params map[string]any, env map[string]any) (map[string]any, error) {
	out, err := substituteValue(params, env)
	if err != nil {
		return nil, err
	}
	m, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("substitution produced %T, want map", out)
	}
	return m, nil
}

func substituteValue(v any, env map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return substituteString(val, env)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			sub, err := substituteValue(inner, env)
			if err != nil {
				return nil, err
			}
			out[k] = sub
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			sub, err := substituteValue(inner, env)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	default:
		return v, nil
	}
}

func substituteString(s string, env map[string]any) (any, error) {
	matches := placeholderRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string placeholder keeps the referenced value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		ref := strings.TrimSpace(s[matches[0][2]:matches[0][3]])
		v, err := resolveRef(ref, env)
		if err != nil {
			return nil, err
		}
		return v, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		ref := strings.TrimSpace(s[m[2]:m[3]])
		v, err := resolveRef(ref, env)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(v))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// resolveRef walks a dotted/indexed path like "variables.x" or
// "result[0].result.sentiment" through the environment.
func resolveRef(path string, env map[string]any) (any, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	var cur any = env
	for _, seg := range segments {
		if seg.index >= 0 {
			list, ok := cur.([]any)
			if !ok {
				return nil, task.Errorf(task.CodeInvalidParams, "unresolved reference %q: %q is not a list", path, seg.name)
			}
			if seg.index >= len(list) {
				return nil, task.Errorf(task.CodeInvalidParams, "unresolved reference %q: index %d out of range", path, seg.index)
			}
			cur = list[seg.index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, task.Errorf(task.CodeInvalidParams, "unresolved reference %q at %q", path, seg.name)
		}
		v, ok := m[seg.name]
		if !ok {
			return nil, task.Errorf(task.CodeInvalidParams, "unresolved reference %q: no key %q", path, seg.name)
		}
		cur = v
	}
	return cur, nil
}

type pathSegment struct {
	name  string
	index int
}

func splitPath(path string) ([]pathSegment, error) {
	if path == "" {
		return nil, fmt.Errorf("empty reference")
	}
	var segs []pathSegment
	for _, part := range strings.Split(path, ".") {
		name := part
		var indexes []int
		for {
			open := strings.IndexByte(name, '[')
			if open < 0 {
				break
			}
			closeIdx := strings.IndexByte(name, ']')
			if closeIdx < open {
				return nil, fmt.Errorf("malformed reference %q", path)
			}
			idx, err := strconv.Atoi(name[open+1 : closeIdx])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("malformed index in reference %q", path)
			}
			indexes = append(indexes, idx)
			name = name[:open] + name[closeIdx+1:]
		}
		if name != "" {
			segs = append(segs, pathSegment{name: name, index: -1})
		}
		for _, idx := range indexes {
			segs = append(segs, pathSegment{index: idx})
		}
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("empty reference")
	}
	return segs, nil
}

// resolveOperand treats quoted strings, numbers and booleans as literals
// and everything else as a reference.
func resolveOperand(s string, env map[string]any) (any, error) {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1], nil
	}
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "nil":
		return nil, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	return resolveRef(s, env)
}

func looseEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false" && val != "0"
	case float64:
		return val != 0
	case int:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case float64, bool, int, int64:
		return fmt.Sprint(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}
