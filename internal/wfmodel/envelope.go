// Package wfmodel holds the data model shared by the step handler registry,
// the orchestrator, and the expression evaluator: the typed envelope that
// replaces a dynamically-typed variable scope, and the workflow/execution
// structures built from it.
package wfmodel

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Tag identifies an Envelope's dynamic type.
type Tag int

const (
	TagNull Tag = iota
	TagString
	TagNumber
	TagBool
	TagList
	TagMap
)

// Envelope is a tagged value: string | number | bool | null | list | map.
// It is the serialization-total replacement for a free-form dynamic
// variable, used for step config values, step results, and the variable
// scope the expression evaluator interpolates against.
type Envelope struct {
	tag  Tag
	str  string
	num  float64
	b    bool
	list []Envelope
	m    map[string]Envelope
}

func Null() Envelope                { return Envelope{tag: TagNull} }
func String(s string) Envelope      { return Envelope{tag: TagString, str: s} }
func Number(n float64) Envelope     { return Envelope{tag: TagNumber, num: n} }
func Bool(b bool) Envelope          { return Envelope{tag: TagBool, b: b} }
func List(items []Envelope) Envelope {
	return Envelope{tag: TagList, list: items}
}
func Map(m map[string]Envelope) Envelope {
	return Envelope{tag: TagMap, m: m}
}

func (e Envelope) Tag() Tag   { return e.tag }
func (e Envelope) IsNull() bool { return e.tag == TagNull }

func (e Envelope) AsString() (string, bool) {
	if e.tag == TagString {
		return e.str, true
	}
	return "", false
}

func (e Envelope) AsNumber() (float64, bool) {
	if e.tag == TagNumber {
		return e.num, true
	}
	return 0, false
}

func (e Envelope) AsBool() (bool, bool) {
	if e.tag == TagBool {
		return e.b, true
	}
	return false, false
}

func (e Envelope) AsList() ([]Envelope, bool) {
	if e.tag == TagList {
		return e.list, true
	}
	return nil, false
}

func (e Envelope) AsMap() (map[string]Envelope, bool) {
	if e.tag == TagMap {
		return e.m, true
	}
	return nil, false
}

// Truthy coerces any envelope to a boolean, used by bare-identifier
// predicates in the expression evaluator: null and empty string/zero/empty
// collections are false, everything else is true.
func (e Envelope) Truthy() bool {
	switch e.tag {
	case TagNull:
		return false
	case TagString:
		return e.str != ""
	case TagNumber:
		return e.num != 0
	case TagBool:
		return e.b
	case TagList:
		return len(e.list) > 0
	case TagMap:
		return len(e.m) > 0
	}
	return false
}

// String renders the envelope the way Interpolate substitutes it into a
// template: strings pass through raw, null renders as "", numbers and
// bools print plainly, and lists and maps use their JSON form.
func (e Envelope) String() string {
	switch e.tag {
	case TagNull:
		return ""
	case TagString:
		return e.str
	case TagNumber:
		if e.num == float64(int64(e.num)) {
			return fmt.Sprintf("%d", int64(e.num))
		}
		return fmt.Sprintf("%g", e.num)
	case TagBool:
		return fmt.Sprintf("%t", e.b)
	default:
		b, err := json.Marshal(e)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	switch e.tag {
	case TagNull:
		return []byte("null"), nil
	case TagString:
		return json.Marshal(e.str)
	case TagNumber:
		return json.Marshal(e.num)
	case TagBool:
		return json.Marshal(e.b)
	case TagList:
		return json.Marshal(e.list)
	case TagMap:
		return json.Marshal(e.m)
	}
	return []byte("null"), nil
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = FromAny(raw)
	return nil
}

// FromAny converts a decoded JSON value (as produced by encoding/json into
// an any) into an Envelope.
func FromAny(v any) Envelope {
	switch val := v.(type) {
	case nil:
		return Null()
	case string:
		return String(val)
	case float64:
		return Number(val)
	case int:
		return Number(float64(val))
	case bool:
		return Bool(val)
	case []any:
		items := make([]Envelope, len(val))
		for i, it := range val {
			items[i] = FromAny(it)
		}
		return List(items)
	case map[string]any:
		m := make(map[string]Envelope, len(val))
		for k, it := range val {
			m[k] = FromAny(it)
		}
		return Map(m)
	case Envelope:
		return val
	default:
		return String(fmt.Sprintf("%v", val))
	}
}

// ToAny converts an Envelope back to a plain any tree, the inverse of
// FromAny, useful when handing a result to a collaborator expecting plain
// JSON-shaped data.
func (e Envelope) ToAny() any {
	switch e.tag {
	case TagNull:
		return nil
	case TagString:
		return e.str
	case TagNumber:
		return e.num
	case TagBool:
		return e.b
	case TagList:
		out := make([]any, len(e.list))
		for i, it := range e.list {
			out[i] = it.ToAny()
		}
		return out
	case TagMap:
		out := make(map[string]any, len(e.m))
		for k, it := range e.m {
			out[k] = it.ToAny()
		}
		return out
	}
	return nil
}

// Scope is the name → Envelope variable binding the expression evaluator
// and interpolator read against.
type Scope map[string]Envelope

// Lookup resolves a name against the scope by exact key (a dotted name is
// not split into a path); unknown identifiers resolve to null, per the
// evaluator's "never raises" contract.
func (s Scope) Lookup(name string) Envelope {
	if v, ok := s[name]; ok {
		return v
	}
	return Null()
}

// Overlay returns a new scope with extra bound on top of s, used to derive
// a loop iteration's child scope without mutating the parent.
func (s Scope) Overlay(extra map[string]Envelope) Scope {
	out := make(Scope, len(s)+len(extra))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// SortedKeys returns the scope's keys in ascending order.
func (s Scope) SortedKeys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
