package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanaponodata/alexos-chainbot/internal/wfmodel"
)

func newTestExecCtx() *wfmodel.ExecutionContext {
	def := &wfmodel.WorkflowDefinition{ID: "wf", Type: wfmodel.WorkflowSequential, Steps: []wfmodel.Step{{ID: "s1"}}}
	return wfmodel.NewExecutionContext("ex1", def, nil)
}

func TestConditionHandler(t *testing.T) {
	execCtx := newTestExecCtx()
	scope := wfmodel.Scope{"greeting": wfmodel.String("say hi")}
	step := wfmodel.Step{Config: map[string]wfmodel.Envelope{"condition": wfmodel.String("greeting contains say")}}
	result, err := ConditionHandler{}.Execute(context.Background(), execCtx, step, scope, nil)
	require.NoError(t, err)
	m, _ := result.AsMap()
	b, _ := m["condition_result"].AsBool()
	assert.True(t, b)
}

func TestTransformTemplate(t *testing.T) {
	execCtx := newTestExecCtx()
	scope := wfmodel.Scope{}
	step := wfmodel.Step{Config: map[string]wfmodel.Envelope{
		"type":     wfmodel.String("template"),
		"input":    wfmodel.String("hi"),
		"template": wfmodel.String("say ${input}"),
	}}
	result, err := TransformHandler{}.Execute(context.Background(), execCtx, step, scope, nil)
	require.NoError(t, err)
	m, _ := result.AsMap()
	s, _ := m["transformed"].AsString()
	assert.Equal(t, "say hi", s)
}

func TestWaitHandlerRespectsCancellation(t *testing.T) {
	execCtx := newTestExecCtx()
	ctx, cancel := context.WithCancel(context.Background())
	step := wfmodel.Step{Config: map[string]wfmodel.Envelope{"duration": wfmodel.Number(10)}}
	cancel()
	_, err := WaitHandler{}.Execute(ctx, execCtx, step, wfmodel.Scope{}, nil)
	require.Error(t, err)
}

func TestWaitHandlerCompletes(t *testing.T) {
	execCtx := newTestExecCtx()
	step := wfmodel.Step{Config: map[string]wfmodel.Envelope{"duration": wfmodel.Number(0.01)}}
	start := time.Now()
	result, err := WaitHandler{}.Execute(context.Background(), execCtx, step, wfmodel.Scope{}, nil)
	require.NoError(t, err)
	assert.True(t, time.Since(start) >= 10*time.Millisecond)
	m, _ := result.AsMap()
	secs, _ := m["waited_seconds"].AsNumber()
	assert.Equal(t, 0.01, secs)
}

type recordingRunner struct {
	seen []string
}

func (r *recordingRunner) RunStep(ctx context.Context, execCtx *wfmodel.ExecutionContext, step wfmodel.Step, scope wfmodel.Scope) (wfmodel.Envelope, error) {
	r.seen = append(r.seen, step.ID)
	item := scope.Lookup("loop_item")
	return wfmodel.Map(map[string]wfmodel.Envelope{"item": item}), nil
}

func TestLoopHandlerEmptySequence(t *testing.T) {
	execCtx := newTestExecCtx()
	step := wfmodel.Step{Config: map[string]wfmodel.Envelope{"items": wfmodel.List(nil)}}
	runner := &recordingRunner{}
	result, err := LoopHandler{}.Execute(context.Background(), execCtx, step, wfmodel.Scope{}, runner)
	require.NoError(t, err)
	m, _ := result.AsMap()
	list, _ := m["loop_results"].AsList()
	assert.Empty(t, list)
	assert.Empty(t, runner.seen)
}

func TestLoopHandlerIteratesItems(t *testing.T) {
	execCtx := newTestExecCtx()
	step := wfmodel.Step{
		Config: map[string]wfmodel.Envelope{"items": wfmodel.List([]wfmodel.Envelope{wfmodel.String("a"), wfmodel.String("b")})},
		Steps:  []wfmodel.Step{{ID: "inner"}},
	}
	runner := &recordingRunner{}
	result, err := LoopHandler{}.Execute(context.Background(), execCtx, step, wfmodel.Scope{}, runner)
	require.NoError(t, err)
	m, _ := result.AsMap()
	list, _ := m["loop_results"].AsList()
	assert.Len(t, list, 2)
	assert.Equal(t, []string{"inner", "inner"}, runner.seen)
}

// stepIDRunner returns each nested step's id as its result, so result
// order can be checked against definition order.
type stepIDRunner struct{}

func (stepIDRunner) RunStep(ctx context.Context, execCtx *wfmodel.ExecutionContext, step wfmodel.Step, scope wfmodel.Scope) (wfmodel.Envelope, error) {
	return wfmodel.String(step.ID), nil
}

func TestParallelHandlerPreservesOrder(t *testing.T) {
	execCtx := newTestExecCtx()
	steps := []wfmodel.Step{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	step := wfmodel.Step{Steps: steps}
	result, err := ParallelHandler{}.Execute(context.Background(), execCtx, step, wfmodel.Scope{}, stepIDRunner{})
	require.NoError(t, err)
	m, _ := result.AsMap()
	list, _ := m["parallel_results"].AsList()
	require.Len(t, list, 3)
	for i, want := range []string{"a", "b", "c"} {
		got, _ := list[i].AsString()
		assert.Equal(t, want, got)
	}
}

func TestAPICallHandler(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	execCtx := newTestExecCtx()
	step := wfmodel.Step{Config: map[string]wfmodel.Envelope{
		"url":    wfmodel.String(server.URL),
		"method": wfmodel.String("GET"),
	}}
	result, err := APICallHandler{}.Execute(context.Background(), execCtx, step, wfmodel.Scope{}, nil)
	require.NoError(t, err)
	m, _ := result.AsMap()
	status, _ := m["status_code"].AsNumber()
	assert.Equal(t, float64(200), status)
}

type fakeAgentSender struct {
	response string
}

func (f *fakeAgentSender) SendMessage(ctx context.Context, agentID, message string, extra map[string]wfmodel.Envelope) (wfmodel.Envelope, map[string]wfmodel.Envelope, error) {
	return wfmodel.String(f.response), map[string]wfmodel.Envelope{"tokens_used": wfmodel.Number(5)}, nil
}

func TestAgentTaskHandler(t *testing.T) {
	execCtx := newTestExecCtx()
	scope := wfmodel.Scope{}
	step := wfmodel.Step{Config: map[string]wfmodel.Envelope{
		"agent_id": wfmodel.String("agent-1"),
		"task":     wfmodel.String("say hi"),
	}}
	handler := AgentTaskHandler{Agents: &fakeAgentSender{response: "hello"}}
	result, err := handler.Execute(context.Background(), execCtx, step, scope, nil)
	require.NoError(t, err)
	m, _ := result.AsMap()
	resp, _ := m["response"].AsString()
	assert.Equal(t, "hello", resp)
}

func TestAIAgentHandlerPullsFromVisualScope(t *testing.T) {
	execCtx := newTestExecCtx()
	scope := wfmodel.Scope{}
	step := wfmodel.Step{
		TypeTag: "ai_agent",
		Config: map[string]wfmodel.Envelope{
			"agent_id": wfmodel.String("agent-1"),
			"task":     wfmodel.String("say hi"),
		},
	}
	handler := AIAgentHandler{Agents: &fakeAgentSender{response: "hello"}}
	result, err := handler.Execute(context.Background(), execCtx, step, scope, nil)
	require.NoError(t, err)
	m, _ := result.AsMap()
	resp, _ := m["response"].AsString()
	assert.Equal(t, "hello", resp)
}

func TestAgentTaskHandlerMissingAgentFails(t *testing.T) {
	execCtx := newTestExecCtx()
	step := wfmodel.Step{TypeTag: "agent_task", Config: map[string]wfmodel.Envelope{"task": wfmodel.String("say hi")}}
	handler := AgentTaskHandler{Agents: &fakeAgentSender{response: "hello"}}
	_, err := handler.Execute(context.Background(), execCtx, step, wfmodel.Scope{}, nil)
	require.Error(t, err)
}

func TestUserInputHandlerInterpolatesConfiguredValue(t *testing.T) {
	execCtx := newTestExecCtx()
	scope := wfmodel.Scope{"name": wfmodel.String("Ada")}
	step := wfmodel.Step{Config: map[string]wfmodel.Envelope{"value": wfmodel.String("hello ${name}")}}
	result, err := UserInputHandler{}.Execute(context.Background(), execCtx, step, scope, nil)
	require.NoError(t, err)
	m, _ := result.AsMap()
	v, _ := m["value"].AsString()
	assert.Equal(t, "hello Ada", v)
}

func TestOutputHandlerUnwrapsUpstreamTransformResult(t *testing.T) {
	execCtx := newTestExecCtx()
	scope := wfmodel.Scope{"B": wfmodel.Map(map[string]wfmodel.Envelope{"transformed": wfmodel.String("XY")})}
	step := wfmodel.Step{InputSources: []string{"B"}}
	result, err := OutputHandler{}.Execute(context.Background(), execCtx, step, scope, nil)
	require.NoError(t, err)
	m, _ := result.AsMap()
	content, _ := m["content"].AsString()
	assert.Equal(t, "XY", content)
}

func TestOutputHandlerPrefersExplicitConfigInput(t *testing.T) {
	execCtx := newTestExecCtx()
	scope := wfmodel.Scope{"B": wfmodel.Map(map[string]wfmodel.Envelope{"transformed": wfmodel.String("XY")})}
	step := wfmodel.Step{
		InputSources: []string{"B"},
		Config:       map[string]wfmodel.Envelope{"input": wfmodel.String("override")},
	}
	result, err := OutputHandler{}.Execute(context.Background(), execCtx, step, scope, nil)
	require.NoError(t, err)
	m, _ := result.AsMap()
	content, _ := m["content"].AsString()
	assert.Equal(t, "override", content)
}

func TestOutputHandlerFailsWithoutInputSourcesOrConfig(t *testing.T) {
	execCtx := newTestExecCtx()
	step := wfmodel.Step{}
	_, err := OutputHandler{}.Execute(context.Background(), execCtx, step, wfmodel.Scope{}, nil)
	require.Error(t, err)
}
