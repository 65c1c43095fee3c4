package workflow

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Predicate scope roots:
//   - params.<key>            workflow global_parameters
//   - steps.<id>.result.<key> recorded step results
//   - steps.<id>.state        step state string
//   - steps.<id>.iteration    loop iteration count
//   - result.<key>            result of the step being evaluated (loop exit)
//   - iteration               iteration count of the step being evaluated
//
// Grammar, loosest binding first: a || b, a && b, !a, comparisons
// (== != >= <= > <), length(x), exists(x), literals ('s', "s", 1.5, true,
// false, null) and dot paths.

// EvalPredicate evaluates expr against scope and coerces the value to a bool.
func EvalPredicate(expr string, scope map[string]any) (bool, error) {
	val, err := Eval(expr, scope)
	if err != nil {
		return false, err
	}
	return truthy(val), nil
}

// Eval evaluates expr against scope.
func Eval(expr string, scope map[string]any) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty expression")
	}

	if inner, ok := unwrapParens(expr); ok {
		return Eval(inner, scope)
	}

	if parts := splitTop(expr, "||"); len(parts) > 1 {
		for _, part := range parts {
			v, err := Eval(part, scope)
			if err != nil {
				return nil, err
			}
			if truthy(v) {
				return true, nil
			}
		}
		return false, nil
	}
	if parts := splitTop(expr, "&&"); len(parts) > 1 {
		for _, part := range parts {
			v, err := Eval(part, scope)
			if err != nil {
				return nil, err
			}
			if !truthy(v) {
				return false, nil
			}
		}
		return true, nil
	}

	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		left, right, ok := cutTop(expr, op)
		if !ok {
			continue
		}
		lv, err := Eval(left, scope)
		if err != nil {
			return nil, err
		}
		rv, err := Eval(right, scope)
		if err != nil {
			return nil, err
		}
		return compare(lv, rv, op), nil
	}

	if strings.HasPrefix(expr, "!") {
		v, err := Eval(expr[1:], scope)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}

	if arg, ok := call(expr, "length"); ok {
		v, err := Eval(arg, scope)
		if err != nil {
			return nil, err
		}
		switch t := v.(type) {
		case []any:
			return float64(len(t)), nil
		case string:
			return float64(len(t)), nil
		case map[string]any:
			return float64(len(t)), nil
		}
		return float64(0), nil
	}
	if arg, ok := call(expr, "exists"); ok {
		v, err := Eval(arg, scope)
		if err != nil {
			return nil, err
		}
		return v != nil, nil
	}

	if len(expr) >= 2 {
		if (expr[0] == '\'' && expr[len(expr)-1] == '\'') || (expr[0] == '"' && expr[len(expr)-1] == '"') {
			return expr[1 : len(expr)-1], nil
		}
	}
	switch expr {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}
	if n, err := strconv.ParseFloat(expr, 64); err == nil {
		return n, nil
	}
	if strings.ContainsAny(expr, " ()'\"") {
		return nil, fmt.Errorf("cannot parse %q", expr)
	}
	return lookup(expr, scope), nil
}

// unwrapParens strips one pair of parentheses enclosing the whole expression.
func unwrapParens(expr string) (string, bool) {
	if len(expr) < 2 || expr[0] != '(' || expr[len(expr)-1] != ')' {
		return "", false
	}
	depth := 0
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 && i != len(expr)-1 {
				return "", false
			}
		}
	}
	return expr[1 : len(expr)-1], true
}

func call(expr, name string) (string, bool) {
	prefix := name + "("
	if strings.HasPrefix(expr, prefix) && strings.HasSuffix(expr, ")") {
		return expr[len(prefix) : len(expr)-1], true
	}
	return "", false
}

// splitTop splits on sep outside quotes and parentheses.
func splitTop(expr, sep string) []string {
	var parts []string
	depth, start := 0, 0
	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case depth == 0 && strings.HasPrefix(expr[i:], sep):
			parts = append(parts, expr[start:i])
			i += len(sep) - 1
			start = i + 1
		}
	}
	if parts == nil {
		return nil
	}
	return append(parts, expr[start:])
}

// cutTop cuts around the first top-level occurrence of op. A single-char
// operator does not match inside a two-char one.
func cutTop(expr, op string) (string, string, bool) {
	depth := 0
	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
			continue
		case c == '\'' || c == '"':
			quote = c
			continue
		case c == '(':
			depth++
			continue
		case c == ')':
			depth--
			continue
		}
		if depth != 0 || !strings.HasPrefix(expr[i:], op) {
			continue
		}
		if len(op) == 1 && i+1 < len(expr) && expr[i+1] == '=' {
			continue
		}
		left := strings.TrimSpace(expr[:i])
		right := strings.TrimSpace(expr[i+len(op):])
		if left == "" || right == "" {
			return "", "", false
		}
		return left, right, true
	}
	return "", "", false
}

func lookup(path string, scope map[string]any) any {
	var cur any = scope
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

func compare(a, b any, op string) bool {
	if af, ok := number(a); ok {
		if bf, ok := number(b); ok {
			switch op {
			case "==":
				return af == bf
			case "!=":
				return af != bf
			case ">":
				return af > bf
			case "<":
				return af < bf
			case ">=":
				return af >= bf
			case "<=":
				return af <= bf
			}
			return false
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch op {
		case "==":
			return as == bs
		case "!=":
			return as != bs
		case ">":
			return as > bs
		case "<":
			return as < bs
		case ">=":
			return as >= bs
		case "<=":
			return as <= bs
		}
		return false
	}
	switch op {
	case "==":
		return fmt.Sprint(a) == fmt.Sprint(b)
	case "!=":
		return fmt.Sprint(a) != fmt.Sprint(b)
	}
	return false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	}
	return true
}

// predicateScope builds the evaluation scope for a step.
func predicateScope(snap *Snapshot, stepID string, result map[string]any) map[string]any {
	steps := make(map[string]any, len(snap.StepStates))
	for id, st := range snap.StepStates {
		entry := map[string]any{"state": string(st)}
		if sp := snap.Steps[id]; sp != nil {
			entry["iteration"] = float64(sp.Iteration)
			if sp.Result != nil {
				entry["result"] = sp.Result
			}
		}
		steps[id] = entry
	}
	var params map[string]any
	if snap.Definition != nil {
		params = snap.Definition.GlobalParameters
	}
	scope := map[string]any{
		"params": params,
		"steps":  steps,
	}
	if result != nil {
		scope["result"] = result
	}
	if sp := snap.Steps[stepID]; sp != nil {
		scope["iteration"] = float64(sp.Iteration)
	}
	return scope
}
