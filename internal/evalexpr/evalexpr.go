// Package evalexpr implements the closed-grammar expression evaluator
// (C1): template interpolation against a variable scope, and boolean
// predicate evaluation over a small hand-written recognizer rather than a
// general-purpose host-language eval.
package evalexpr

import (
	"regexp"
	"strings"

	"github.com/hanaponodata/alexos-chainbot/internal/wfmodel"
)

var placeholder = regexp.MustCompile(`\$\{([^}]*)\}`)

// Interpolate replaces every ${NAME} occurrence in a string with the
// string form of scope[NAME] (empty string if unbound). Maps and lists of
// Envelope recurse; every other value passes through unchanged.
func Interpolate(template wfmodel.Envelope, scope wfmodel.Scope) wfmodel.Envelope {
	switch template.Tag() {
	case wfmodel.TagString:
		s, _ := template.AsString()
		return wfmodel.String(interpolateString(s, scope))
	case wfmodel.TagList:
		items, _ := template.AsList()
		out := make([]wfmodel.Envelope, len(items))
		for i, item := range items {
			out[i] = Interpolate(item, scope)
		}
		return wfmodel.List(out)
	case wfmodel.TagMap:
		m, _ := template.AsMap()
		out := make(map[string]wfmodel.Envelope, len(m))
		for k, v := range m {
			out[k] = Interpolate(v, scope)
		}
		return wfmodel.Map(out)
	default:
		return template
	}
}

// InterpolateString is a convenience for the common case of a raw string
// template, used by handlers whose config value is plain text (e.g. a URL
// or webhook payload field).
func InterpolateString(template string, scope wfmodel.Scope) string {
	return interpolateString(template, scope)
}

func interpolateString(s string, scope wfmodel.Scope) string {
	return placeholder.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return scope.Lookup(name).String()
	})
}

// Evaluate accepts the closed expression language: equality (==, !=),
// membership (A contains B, case-insensitive substring), and bare
// identifier lookup coerced to boolean. Unrecognized syntax returns false,
// it never raises; unknown identifiers resolve to null.
func Evaluate(expression string, scope wfmodel.Scope) bool {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return false
	}

	if lhs, rhs, ok := splitOperator(expr, "!="); ok {
		return resolveOperand(lhs, scope) != resolveOperand(rhs, scope)
	}
	if lhs, rhs, ok := splitOperator(expr, "=="); ok {
		return resolveOperand(lhs, scope) == resolveOperand(rhs, scope)
	}
	if lhs, rhs, ok := splitKeyword(expr, "contains"); ok {
		haystack := strings.ToLower(resolveOperand(lhs, scope))
		needle := strings.ToLower(resolveOperand(rhs, scope))
		return strings.Contains(haystack, needle)
	}
	// bare identifier: coerce its scope value to boolean
	return scope.Lookup(expr).Truthy()
}

func splitOperator(expr, op string) (lhs, rhs string, ok bool) {
	idx := strings.Index(expr, op)
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(expr[:idx]), strings.TrimSpace(expr[idx+len(op):]), true
}

func splitKeyword(expr, kw string) (lhs, rhs string, ok bool) {
	needle := " " + kw + " "
	idx := strings.Index(expr, needle)
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(expr[:idx]), strings.TrimSpace(expr[idx+len(needle):]), true
}

// resolveOperand treats a quoted literal as itself and anything else as an
// identifier to look up in scope, rendered through Envelope.String.
func resolveOperand(operand string, scope wfmodel.Scope) string {
	if len(operand) >= 2 {
		if (operand[0] == '"' && operand[len(operand)-1] == '"') ||
			(operand[0] == '\'' && operand[len(operand)-1] == '\'') {
			return operand[1 : len(operand)-1]
		}
	}
	return scope.Lookup(operand).String()
}
