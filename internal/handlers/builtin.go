package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hanaponodata/alexos-chainbot/internal/evalexpr"
	"github.com/hanaponodata/alexos-chainbot/internal/wfmodel"
)

// AgentSender is the C5 surface agent_task needs; satisfied by
// agentmgr.StepSender.
type AgentSender interface {
	SendMessage(ctx context.Context, agentID, message string, extra map[string]wfmodel.Envelope) (response wfmodel.Envelope, metadata map[string]wfmodel.Envelope, err error)
}

// Notifier is the C6 surface the notification handler needs; satisfied by
// bus.Bus.
type Notifier interface {
	BroadcastToWindow(window string, msgType string, data wfmodel.Envelope, userID string) error
}

func cfgString(cfg map[string]wfmodel.Envelope, key string) string {
	v, ok := cfg[key]
	if !ok {
		return ""
	}
	s, _ := v.AsString()
	return s
}

func cfgEnvelope(cfg map[string]wfmodel.Envelope, key string) wfmodel.Envelope {
	if v, ok := cfg[key]; ok {
		return v
	}
	return wfmodel.Null()
}

// ConditionHandler evaluates config.condition via C1.
type ConditionHandler struct{}

func (ConditionHandler) Kind() string { return "condition" }

func (ConditionHandler) Execute(ctx context.Context, execCtx *wfmodel.ExecutionContext, step wfmodel.Step, scope wfmodel.Scope, runner Runner) (wfmodel.Envelope, error) {
	expr := cfgString(step.Config, "condition")
	result := evalexpr.Evaluate(expr, scope)
	return wfmodel.Map(map[string]wfmodel.Envelope{"condition_result": wfmodel.Bool(result)}), nil
}

// TransformHandler implements json_parse, json_stringify, and template
// sub-tags over an interpolated config.input.
type TransformHandler struct{}

func (TransformHandler) Kind() string { return "transform" }

func (TransformHandler) Execute(ctx context.Context, execCtx *wfmodel.ExecutionContext, step wfmodel.Step, scope wfmodel.Scope, runner Runner) (wfmodel.Envelope, error) {
	subTag := cfgString(step.Config, "type")
	input := evalexpr.Interpolate(cfgEnvelope(step.Config, "input"), scope)

	switch subTag {
	case "json_parse":
		s, _ := input.AsString()
		var raw any
		if err := json.Unmarshal([]byte(s), &raw); err != nil {
			return wfmodel.Null(), NewStepError("json_parse: " + err.Error())
		}
		return wfmodel.Map(map[string]wfmodel.Envelope{"transformed": wfmodel.FromAny(raw)}), nil
	case "json_stringify":
		b, err := json.Marshal(input.ToAny())
		if err != nil {
			return wfmodel.Null(), NewStepError("json_stringify: " + err.Error())
		}
		return wfmodel.Map(map[string]wfmodel.Envelope{"transformed": wfmodel.String(string(b))}), nil
	case "template", "":
		tmpl := cfgString(step.Config, "template")
		extra := scope.Overlay(map[string]wfmodel.Envelope{"input": input})
		rendered := evalexpr.InterpolateString(tmpl, extra)
		return wfmodel.Map(map[string]wfmodel.Envelope{"transformed": wfmodel.String(rendered)}), nil
	default:
		return wfmodel.Null(), NewStepError(fmt.Sprintf("unknown transform sub-tag %q", subTag))
	}
}

// WaitHandler suspends for config.duration seconds; cancellable via ctx.
type WaitHandler struct{}

func (WaitHandler) Kind() string { return "wait" }

func (WaitHandler) Execute(ctx context.Context, execCtx *wfmodel.ExecutionContext, step wfmodel.Step, scope wfmodel.Scope, runner Runner) (wfmodel.Envelope, error) {
	seconds, _ := cfgEnvelope(step.Config, "duration").AsNumber()
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return wfmodel.Null(), NewStepError("cancelled")
	case <-timer.C:
		return wfmodel.Map(map[string]wfmodel.Envelope{"waited_seconds": wfmodel.Number(seconds)}), nil
	}
}

// LoopHandler iterates config.items, executing nested steps sequentially
// in a per-iteration child scope overlaying loop_item/loop_index.
type LoopHandler struct{}

func (LoopHandler) Kind() string { return "loop" }

func (LoopHandler) Execute(ctx context.Context, execCtx *wfmodel.ExecutionContext, step wfmodel.Step, scope wfmodel.Scope, runner Runner) (wfmodel.Envelope, error) {
	itemsEnv := evalexpr.Interpolate(cfgEnvelope(step.Config, "items"), scope)
	items, ok := itemsEnv.AsList()
	if !ok {
		return wfmodel.Null(), NewStepError("loop: config.items must resolve to a sequence")
	}

	results := make([]wfmodel.Envelope, 0, len(items))
	for i, item := range items {
		childScope := scope.Overlay(map[string]wfmodel.Envelope{
			"loop_item":  item,
			"loop_index": wfmodel.Number(float64(i)),
		})
		var iterResults []wfmodel.Envelope
		for _, nested := range step.Steps {
			result, err := runner.RunStep(ctx, execCtx, nested, childScope)
			if err != nil {
				return wfmodel.Null(), err
			}
			iterResults = append(iterResults, result)
		}
		if len(iterResults) == 1 {
			results = append(results, iterResults[0])
		} else {
			results = append(results, wfmodel.List(iterResults))
		}
	}
	return wfmodel.Map(map[string]wfmodel.Envelope{"loop_results": wfmodel.List(results)}), nil
}

// ParallelHandler executes nested steps with a concurrency bound,
// preserving result order regardless of completion order.
type ParallelHandler struct {
	MaxConcurrency int // fallback when the execution context carries none
}

func (ParallelHandler) Kind() string { return "parallel" }

func (h ParallelHandler) Execute(ctx context.Context, execCtx *wfmodel.ExecutionContext, step wfmodel.Step, scope wfmodel.Scope, runner Runner) (wfmodel.Envelope, error) {
	cap64 := int64(execCtx.MaxParallelSteps())
	if cap64 <= 0 {
		cap64 = int64(h.MaxConcurrency)
	}
	if cap64 <= 0 {
		cap64 = 1
	}
	sem := semaphore.NewWeighted(cap64)

	results := make([]wfmodel.Envelope, len(step.Steps))
	errs := make([]error, len(step.Steps))
	done := make(chan int, len(step.Steps))

	for i, nested := range step.Steps {
		if err := sem.Acquire(ctx, 1); err != nil {
			errs[i] = err
			done <- i
			continue
		}
		go func(idx int, s wfmodel.Step) {
			defer sem.Release(1)
			result, err := runner.RunStep(ctx, execCtx, s, scope)
			results[idx] = result
			errs[idx] = err
			done <- idx
		}(i, nested)
	}
	for range step.Steps {
		<-done
	}
	for _, err := range errs {
		if err != nil {
			return wfmodel.Null(), err
		}
	}
	return wfmodel.Map(map[string]wfmodel.Envelope{"parallel_results": wfmodel.List(results)}), nil
}

// APICallHandler performs an interpolated HTTP call.
type APICallHandler struct {
	Client *http.Client
}

func (APICallHandler) Kind() string { return "api_call" }

func (h APICallHandler) Execute(ctx context.Context, execCtx *wfmodel.ExecutionContext, step wfmodel.Step, scope wfmodel.Scope, runner Runner) (wfmodel.Envelope, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	url := evalexpr.InterpolateString(cfgString(step.Config, "url"), scope)
	method := strings.ToUpper(cfgString(step.Config, "method"))
	if method == "" {
		method = "GET"
	}
	var body io.Reader
	if data, ok := step.Config["data"]; ok {
		interpolated := evalexpr.Interpolate(data, scope)
		b, err := json.Marshal(interpolated.ToAny())
		if err != nil {
			return wfmodel.Null(), NewStepError("api_call: encoding body: " + err.Error())
		}
		body = strings.NewReader(string(b))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return wfmodel.Null(), NewStepError("api_call: " + err.Error())
	}
	if headers, ok := step.Config["headers"]; ok {
		if hm, ok := headers.AsMap(); ok {
			for k, v := range hm {
				req.Header.Set(k, evalexpr.InterpolateString(v.String(), scope))
			}
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return wfmodel.Null(), NewStepError("api_call: " + err.Error())
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	var parsed any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		parsed = string(respBody)
	}
	respHeaders := make(map[string]wfmodel.Envelope)
	for k := range resp.Header {
		respHeaders[k] = wfmodel.String(resp.Header.Get(k))
	}
	return wfmodel.Map(map[string]wfmodel.Envelope{
		"status_code": wfmodel.Number(float64(resp.StatusCode)),
		"headers":     wfmodel.Map(respHeaders),
		"data":        wfmodel.FromAny(parsed),
	}), nil
}

// WebhookHandler POSTs config.payload to config.url.
type WebhookHandler struct {
	Client *http.Client
}

func (WebhookHandler) Kind() string { return "webhook" }

func (h WebhookHandler) Execute(ctx context.Context, execCtx *wfmodel.ExecutionContext, step wfmodel.Step, scope wfmodel.Scope, runner Runner) (wfmodel.Envelope, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	url := evalexpr.InterpolateString(cfgString(step.Config, "url"), scope)
	payload := evalexpr.Interpolate(cfgEnvelope(step.Config, "payload"), scope)
	b, err := json.Marshal(payload.ToAny())
	if err != nil {
		return wfmodel.Null(), NewStepError("webhook: encoding payload: " + err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(b)))
	if err != nil {
		return wfmodel.Null(), NewStepError("webhook: " + err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return wfmodel.Null(), NewStepError("webhook: " + err.Error())
	}
	defer resp.Body.Close()
	return wfmodel.Map(map[string]wfmodel.Envelope{"status_code": wfmodel.Number(float64(resp.StatusCode))}), nil
}

// NotificationHandler publishes a typed message via C6 to the user's
// windows.
type NotificationHandler struct {
	Bus Notifier
}

func (NotificationHandler) Kind() string { return "notification" }

func (h NotificationHandler) Execute(ctx context.Context, execCtx *wfmodel.ExecutionContext, step wfmodel.Step, scope wfmodel.Scope, runner Runner) (wfmodel.Envelope, error) {
	window := cfgString(step.Config, "window_type")
	if window == "" {
		window = "workflow_builder"
	}
	msgType := cfgString(step.Config, "message_type")
	if msgType == "" {
		msgType = "workflow_update"
	}
	data := evalexpr.Interpolate(cfgEnvelope(step.Config, "data"), scope)
	userID := cfgString(step.Config, "user_id")
	if h.Bus == nil {
		return wfmodel.Map(map[string]wfmodel.Envelope{"sent": wfmodel.Bool(false)}), nil
	}
	if err := h.Bus.BroadcastToWindow(window, msgType, data, userID); err != nil {
		return wfmodel.Null(), NewStepError("notification: " + err.Error())
	}
	return wfmodel.Map(map[string]wfmodel.Envelope{"sent": wfmodel.Bool(true)}), nil
}

// AgentTaskHandler resolves config.task against ctx.variables and invokes
// C5.SendMessage, returning the agent's response value.
type AgentTaskHandler struct {
	Agents AgentSender
}

func (AgentTaskHandler) Kind() string { return "agent_task" }

func (h AgentTaskHandler) Execute(ctx context.Context, execCtx *wfmodel.ExecutionContext, step wfmodel.Step, scope wfmodel.Scope, runner Runner) (wfmodel.Envelope, error) {
	return runAgentTask(ctx, h.Agents, step, scope)
}

// AIAgentHandler is the visual-graph node type mirroring agent_task: same
// agent_id/task config, but task interpolation draws from the pulled
// input_sources scope a visual node receives rather than a shared
// variable scope.
type AIAgentHandler struct {
	Agents AgentSender
}

func (AIAgentHandler) Kind() string { return "ai_agent" }

func (h AIAgentHandler) Execute(ctx context.Context, execCtx *wfmodel.ExecutionContext, step wfmodel.Step, scope wfmodel.Scope, runner Runner) (wfmodel.Envelope, error) {
	return runAgentTask(ctx, h.Agents, step, scope)
}

func runAgentTask(ctx context.Context, agents AgentSender, step wfmodel.Step, scope wfmodel.Scope) (wfmodel.Envelope, error) {
	agentID := cfgString(step.Config, "agent_id")
	task := cfgString(step.Config, "task")
	if agentID == "" || task == "" {
		return wfmodel.Null(), NewStepError(step.TypeTag + ": config must contain agent_id and task")
	}
	resolved := evalexpr.InterpolateString(task, scope)
	if agents == nil {
		return wfmodel.Null(), NewStepError(step.TypeTag + ": no agent manager configured")
	}
	response, metadata, err := agents.SendMessage(ctx, agentID, resolved, nil)
	if err != nil {
		return wfmodel.Null(), NewStepError(step.TypeTag + ": " + err.Error())
	}
	result := map[string]wfmodel.Envelope{"response": response}
	for k, v := range metadata {
		result[k] = v
	}
	return wfmodel.Map(result), nil
}

// UserInputHandler is the visual graph's source node type: it has no
// input_sources and yields the value captured for it at config.value,
// interpolated against whatever scope it does receive. There is no
// interactive UI surface behind this (C6 carries the realtime fanout, not
// a form-submission surface), so the captured value is supplied up front
// via workflow config rather than solicited live.
type UserInputHandler struct{}

func (UserInputHandler) Kind() string { return "user_input" }

func (UserInputHandler) Execute(ctx context.Context, execCtx *wfmodel.ExecutionContext, step wfmodel.Step, scope wfmodel.Scope, runner Runner) (wfmodel.Envelope, error) {
	value := evalexpr.Interpolate(cfgEnvelope(step.Config, "value"), scope)
	return wfmodel.Map(map[string]wfmodel.Envelope{"value": value}), nil
}

// outputCanonicalKeys is the order in which OutputHandler unwraps a
// single upstream node's result map when config.input is not given
// explicitly, matching each built-in/visual handler's own result shape.
var outputCanonicalKeys = []string{"content", "transformed", "response", "value", "condition_result"}

// OutputHandler is the visual graph's terminal node type: it pulls its
// single upstream node's result (via input_sources, already projected
// into scope by the orchestrator) and republishes it as {content: ...}.
// config.input, if present, overrides the pulled value with an
// interpolated expression instead.
type OutputHandler struct{}

func (OutputHandler) Kind() string { return "output" }

func (OutputHandler) Execute(ctx context.Context, execCtx *wfmodel.ExecutionContext, step wfmodel.Step, scope wfmodel.Scope, runner Runner) (wfmodel.Envelope, error) {
	if _, ok := step.Config["input"]; ok {
		resolved := evalexpr.Interpolate(cfgEnvelope(step.Config, "input"), scope)
		return wfmodel.Map(map[string]wfmodel.Envelope{"content": resolved}), nil
	}
	if len(step.InputSources) == 0 {
		return wfmodel.Null(), NewStepError("output: node has no input_sources and no config.input")
	}
	upstream := scope.Lookup(step.InputSources[0])
	if m, ok := upstream.AsMap(); ok {
		for _, key := range outputCanonicalKeys {
			if inner, present := m[key]; present {
				return wfmodel.Map(map[string]wfmodel.Envelope{"content": inner}), nil
			}
		}
	}
	return wfmodel.Map(map[string]wfmodel.Envelope{"content": upstream}), nil
}
