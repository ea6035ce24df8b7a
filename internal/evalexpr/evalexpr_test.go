package evalexpr

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hanaponodata/alexos-chainbot/internal/wfmodel"
)

func TestInterpolateSubstitutesVariables(t *testing.T) {
	scope := wfmodel.Scope{"input": wfmodel.String("hi")}
	result := Interpolate(wfmodel.String("say ${input}"), scope)
	s, _ := result.AsString()
	assert.Equal(t, "say hi", s)
}

func TestInterpolateUnboundIsEmptyString(t *testing.T) {
	result := InterpolateString("hello ${missing}", wfmodel.Scope{})
	assert.Equal(t, "hello ", result)
}

func TestInterpolateIsIdempotentWhenNoPlaceholdersRemain(t *testing.T) {
	scope := wfmodel.Scope{"greeting": wfmodel.String("say hi")}
	template := wfmodel.String("${greeting}")
	once := Interpolate(template, scope)
	twice := Interpolate(once, scope)
	assert.Equal(t, once, twice)
}

func TestInterpolateRecursesIntoMapsAndLists(t *testing.T) {
	scope := wfmodel.Scope{"name": wfmodel.String("alex")}
	template := wfmodel.Map(map[string]wfmodel.Envelope{
		"greeting": wfmodel.String("hi ${name}"),
		"tags":     wfmodel.List([]wfmodel.Envelope{wfmodel.String("${name}-tag")}),
	})
	result := Interpolate(template, scope)
	m, _ := result.AsMap()
	g, _ := m["greeting"].AsString()
	assert.Equal(t, "hi alex", g)
	tags, _ := m["tags"].AsList()
	tag, _ := tags[0].AsString()
	assert.Equal(t, "alex-tag", tag)
}

func TestEvaluateEquality(t *testing.T) {
	scope := wfmodel.Scope{"status": wfmodel.String("ok")}
	assert.True(t, Evaluate(`status == "ok"`, scope))
	assert.False(t, Evaluate(`status == "bad"`, scope))
	assert.True(t, Evaluate(`status != "bad"`, scope))
}

func TestEvaluateContains(t *testing.T) {
	scope := wfmodel.Scope{"greeting": wfmodel.String("say hi")}
	assert.True(t, Evaluate("greeting contains say", scope))
	assert.True(t, Evaluate("greeting contains SAY", scope))
	assert.False(t, Evaluate("greeting contains bye", scope))
}

func TestEvaluateBareIdentifier(t *testing.T) {
	scope := wfmodel.Scope{"flag": wfmodel.Bool(true), "off": wfmodel.Bool(false)}
	assert.True(t, Evaluate("flag", scope))
	assert.False(t, Evaluate("off", scope))
	assert.False(t, Evaluate("unknown", scope))
}

func TestEvaluateNeverRaisesOnGarbage(t *testing.T) {
	assert.False(t, Evaluate("((( not a real expr )))", wfmodel.Scope{}))
	assert.False(t, Evaluate("", wfmodel.Scope{}))
}
