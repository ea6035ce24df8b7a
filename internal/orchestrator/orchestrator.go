// Package orchestrator implements the Workflow Orchestrator (C7): the
// driver that walks a WorkflowDefinition's steps (or visual graph),
// dispatches each to the C2 handler registry, and tracks lifecycle state
// through a live-executions table.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hanaponodata/alexos-chainbot/internal/audit"
	"github.com/hanaponodata/alexos-chainbot/internal/evalexpr"
	"github.com/hanaponodata/alexos-chainbot/internal/handlers"
	"github.com/hanaponodata/alexos-chainbot/internal/logging"
	"github.com/hanaponodata/alexos-chainbot/internal/wfmodel"
)

// WorkflowNotFoundError reports ExecuteWorkflow given an unregistered
// workflow_id.
type WorkflowNotFoundError struct{ WorkflowID string }

func (e *WorkflowNotFoundError) Error() string {
	return fmt.Sprintf("orchestrator: workflow %q not found", e.WorkflowID)
}

// ExecutionNotFoundError reports an unknown execution_id.
type ExecutionNotFoundError struct{ ExecutionID string }

func (e *ExecutionNotFoundError) Error() string {
	return fmt.Sprintf("orchestrator: execution %q not found", e.ExecutionID)
}

// InvalidWorkflowError reports a workflow that fails validation at
// registration time (e.g. a visual graph with a cycle).
type InvalidWorkflowError struct{ Reason string }

func (e *InvalidWorkflowError) Error() string { return "orchestrator: invalid workflow: " + e.Reason }

// Publisher is the C6 surface execution/step transitions broadcast
// through.
type Publisher interface {
	BroadcastToWindow(window string, msgType string, data wfmodel.Envelope, userID string) error
}

// Auditor is the C8 surface execution lifecycle events are recorded
// through.
type Auditor interface {
	LogEvent(action, actorID, targetType, targetID string, assoc audit.Associations, metadata map[string]wfmodel.Envelope, severity audit.Severity) audit.Record
}

// MetricsRecorder is the narrow surface the orchestrator's retry path
// reports against; *metrics.Registry satisfies it without this package
// importing metrics directly.
type MetricsRecorder interface {
	RecordStepRetry(ctx context.Context, typeTag string)
}

const stepPollInterval = 50 * time.Millisecond

type execution struct {
	ctx    *wfmodel.ExecutionContext
	cancel context.CancelFunc
	userID string
	paused atomic.Bool
}

// Orchestrator owns the live-executions table and the workflow
// definition registry.
type Orchestrator struct {
	mu          sync.RWMutex
	definitions map[string]*wfmodel.WorkflowDefinition
	executions  map[string]*execution

	registry *handlers.Registry
	bus      Publisher
	audit    Auditor
	metrics  MetricsRecorder
	log      *logging.Logger
}

func New(registry *handlers.Registry, bus Publisher, auditSink Auditor) *Orchestrator {
	return &Orchestrator{
		definitions: make(map[string]*wfmodel.WorkflowDefinition),
		executions:  make(map[string]*execution),
		registry:    registry,
		bus:         bus,
		audit:       auditSink,
		log:         logging.NewComponentLogger("orchestrator"),
	}
}

// WithMetrics attaches a metrics collaborator for the retry path; nil is a
// valid no-op (the core wires this after New since metrics.Registry's own
// construction can fail).
func (o *Orchestrator) WithMetrics(m MetricsRecorder) *Orchestrator {
	o.metrics = m
	return o
}

// RegisterWorkflow validates the definition (cycle check for visual
// workflows) and stores it for later ExecuteWorkflow calls.
func (o *Orchestrator) RegisterWorkflow(def *wfmodel.WorkflowDefinition) error {
	if err := def.ValidateAcyclic(); err != nil {
		return &InvalidWorkflowError{Reason: err.Error()}
	}
	o.mu.Lock()
	o.definitions[def.ID] = def
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) lookupDefinition(workflowID string) (*wfmodel.WorkflowDefinition, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	def, ok := o.definitions[workflowID]
	if !ok {
		return nil, &WorkflowNotFoundError{WorkflowID: workflowID}
	}
	return def, nil
}

// ExecuteWorkflow loads the definition, creates an ExecutionContext
// (status pending), stores it in the live-executions map, spawns the
// async driver, and immediately returns the execution id.
func (o *Orchestrator) ExecuteWorkflow(workflowID, userID string, input map[string]wfmodel.Envelope) (string, error) {
	def, err := o.lookupDefinition(workflowID)
	if err != nil {
		return "", err
	}

	executionID := uuid.NewString()
	execCtx := wfmodel.NewExecutionContext(executionID, def, input)

	driverCtx, cancel := context.WithCancel(context.Background())
	if def.TimeoutSeconds > 0 {
		deadline := time.Now().Add(time.Duration(def.TimeoutSeconds) * time.Second)
		execCtx.SetTimeoutDeadline(deadline)
		driverCtx, cancel = context.WithDeadline(driverCtx, deadline)
	}

	e := &execution{ctx: execCtx, cancel: cancel, userID: userID}
	o.mu.Lock()
	o.executions[executionID] = e
	o.mu.Unlock()

	if o.audit != nil {
		o.audit.LogEvent("workflow_started", userID, "workflow", workflowID,
			audit.Associations{WorkflowID: workflowID}, map[string]wfmodel.Envelope{
				"execution_id": wfmodel.String(executionID),
			}, audit.SeverityInfo)
	}

	go o.drive(driverCtx, e)

	return executionID, nil
}

// drive runs the execution to a terminal state.
func (o *Orchestrator) drive(ctx context.Context, e *execution) {
	execCtx := e.ctx
	def := execCtx.Definition

	execCtx.SetStatus(wfmodel.ExecRunning)
	o.broadcastExecution(e, "workflow_start")

	var driveErr error
	switch def.Type {
	case wfmodel.WorkflowParallel:
		driveErr = o.driveParallel(ctx, e, def.Steps)
	case wfmodel.WorkflowVisual:
		driveErr = o.driveVisual(ctx, e)
	default: // sequential, conditional: flat step-by-step with per-step condition gating
		driveErr = o.driveSequential(ctx, e, def.Steps)
	}

	final := wfmodel.ExecCompleted
	switch {
	case ctx.Err() == context.Canceled && execCtx.Status() == wfmodel.ExecCancelled:
		final = wfmodel.ExecCancelled
	case ctx.Err() == context.DeadlineExceeded:
		final = wfmodel.ExecFailed
		execCtx.SetLastError(fmt.Errorf("execution exceeded its timeout"))
	case driveErr != nil:
		final = wfmodel.ExecFailed
		execCtx.SetLastError(driveErr)
	}
	if final == wfmodel.ExecFailed || final == wfmodel.ExecCancelled {
		execCtx.SkipPendingAsRetroactive()
	}
	execCtx.SetStatus(final)

	msgType := "workflow_complete"
	if final == wfmodel.ExecFailed {
		msgType = "workflow_error"
	}
	o.broadcastExecution(e, msgType)

	if o.audit != nil {
		o.audit.LogEvent("workflow_finished", e.userID, "workflow", def.ID,
			audit.Associations{WorkflowID: def.ID}, map[string]wfmodel.Envelope{
				"execution_id": wfmodel.String(execCtx.ExecutionID),
				"status":       wfmodel.String(string(final)),
			}, audit.SeverityInfo)
	}
}

// driveSequential runs steps in definition order, consulting each step's
// on_failure policy on error and its condition gate before running.
func (o *Orchestrator) driveSequential(ctx context.Context, e *execution, steps []wfmodel.Step) error {
	execCtx := e.ctx
	for _, step := range steps {
		if err := o.waitWhilePaused(ctx, e); err != nil {
			return err
		}
		if ctx.Err() != nil {
			execCtx.SetStatus(wfmodel.ExecCancelled)
			return nil
		}
		execCtx.SetCurrentStep(step.ID)
		scope := execCtx.SnapshotVariables()
		_, err := o.RunStep(ctx, execCtx, step, scope)
		o.broadcastStep(e, step.ID)
		if err != nil {
			return err
		}
	}
	return nil
}

// driveParallel runs one dependency group (the whole step list, absent
// explicit dependency data) bounded by max_parallel_steps, gathering all
// before returning.
func (o *Orchestrator) driveParallel(ctx context.Context, e *execution, steps []wfmodel.Step) error {
	execCtx := e.ctx
	if err := o.waitWhilePaused(ctx, e); err != nil {
		return err
	}
	scope := execCtx.SnapshotVariables()

	cap64 := int64(execCtx.MaxParallelSteps())
	if cap64 <= 0 {
		cap64 = 1
	}
	sem := make(chan struct{}, cap64)
	errs := make([]error, len(steps))
	var wg sync.WaitGroup
	for i, step := range steps {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, s wfmodel.Step) {
			defer wg.Done()
			defer func() { <-sem }()
			_, err := o.RunStep(ctx, execCtx, s, scope)
			o.broadcastStep(e, s.ID)
			errs[idx] = err
		}(i, step)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// driveVisual builds an adjacency-list execution graph from nodes+edges,
// repeatedly runs the wavefront of nodes whose predecessors have all
// reached executed, and propagates each result into dependents' scopes
// keyed by source node id. Visual workflows share no variable scope.
func (o *Orchestrator) driveVisual(ctx context.Context, e *execution) error {
	execCtx := e.ctx
	def := execCtx.Definition

	dependsOn := make(map[string][]string) // target -> sources
	for _, edge := range def.Edges {
		dependsOn[edge.TargetNodeID] = append(dependsOn[edge.TargetNodeID], edge.SourceNodeID)
	}
	nodesByID := make(map[string]wfmodel.Node, len(def.Nodes))
	for _, n := range def.Nodes {
		nodesByID[n.ID] = n
	}

	executed := make(map[string]bool, len(def.Nodes))
	remaining := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		remaining[n.ID] = true
	}

	for len(remaining) > 0 {
		if err := o.waitWhilePaused(ctx, e); err != nil {
			return err
		}
		if ctx.Err() != nil {
			execCtx.SetStatus(wfmodel.ExecCancelled)
			return nil
		}

		ready := make([]string, 0)
		for id := range remaining {
			allDone := true
			for _, dep := range dependsOn[id] {
				if !executed[dep] {
					allDone = false
					break
				}
			}
			if allDone {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			return fmt.Errorf("visual workflow graph cannot make progress: remaining nodes have unsatisfied dependencies")
		}

		errs := make([]error, len(ready))
		var wg sync.WaitGroup
		for i, id := range ready {
			wg.Add(1)
			go func(idx int, nodeID string) {
				defer wg.Done()
				node := nodesByID[nodeID]
				scope := make(wfmodel.Scope, len(node.InputSources))
				for _, sourceID := range node.InputSources {
					if result, ok := execCtx.Result(sourceID); ok {
						scope[sourceID] = result
					}
				}
				result, err := o.RunStep(ctx, execCtx, node, scope)
				execCtx.SetResult(nodeID, result)
				o.broadcastStep(e, nodeID)
				errs[idx] = err
			}(i, id)
		}
		wg.Wait()

		for i, id := range ready {
			executed[id] = true
			delete(remaining, id)
			if errs[i] != nil {
				return errs[i]
			}
		}
	}
	return nil
}

// RunStep implements handlers.Runner: it gates on the step's condition,
// invokes the registered handler, applies the on_failure policy
// (retry/continue/fail), and on success writes output_variable into the
// execution's shared scope.
func (o *Orchestrator) RunStep(ctx context.Context, execCtx *wfmodel.ExecutionContext, step wfmodel.Step, scope wfmodel.Scope) (wfmodel.Envelope, error) {
	if step.Condition != "" && !evalexpr.Evaluate(step.Condition, scope) {
		execCtx.MarkStepTerminal(step.ID, wfmodel.StepSkipped, wfmodel.Null(), nil)
		return wfmodel.Null(), nil
	}

	handler, err := o.registry.Lookup(step.TypeTag)
	if err != nil {
		execCtx.MarkStepTerminal(step.ID, wfmodel.StepFailed, wfmodel.Null(), err)
		return wfmodel.Null(), err
	}

	policy := step.OnFailure
	maxRetries := 0
	action := wfmodel.FailureActionFail
	if policy != nil {
		maxRetries = policy.MaxRetries
		action = policy.Action
	}

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			execCtx.MarkStepTerminal(step.ID, wfmodel.StepCancelled, wfmodel.Null(), ctx.Err())
			return wfmodel.Null(), nil
		}

		execCtx.MarkStepRunning(step.ID)
		result, execErr := handler.Execute(ctx, execCtx, step, scope, o)
		if execErr == nil {
			execCtx.MarkStepTerminal(step.ID, wfmodel.StepCompleted, result, nil)
			if step.OutputVariable != "" {
				execCtx.SetVariable(step.OutputVariable, result)
			}
			return result, nil
		}

		if stepErr, ok := execErr.(*handlers.StepError); ok && stepErr.Reason == "cancelled" {
			execCtx.MarkStepTerminal(step.ID, wfmodel.StepCancelled, wfmodel.Null(), execErr)
			return wfmodel.Null(), nil
		}

		if action == wfmodel.FailureActionRetry && attempt < maxRetries {
			execCtx.MarkStepRetrying(step.ID)
			if o.metrics != nil {
				o.metrics.RecordStepRetry(ctx, step.TypeTag)
			}
			continue
		}

		execCtx.MarkStepTerminal(step.ID, wfmodel.StepFailed, wfmodel.Null(), execErr)
		if action == wfmodel.FailureActionContinue {
			return wfmodel.Null(), nil
		}
		return wfmodel.Null(), execErr
	}
}

func (o *Orchestrator) waitWhilePaused(ctx context.Context, e *execution) error {
	for e.paused.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(stepPollInterval):
		}
	}
	return nil
}

func (o *Orchestrator) broadcastExecution(e *execution, msgType string) {
	snap := e.ctx.Snapshot()
	data := wfmodel.Map(map[string]wfmodel.Envelope{
		"execution_id":    wfmodel.String(snap.ExecutionID),
		"workflow_id":     wfmodel.String(snap.WorkflowID),
		"status":          wfmodel.String(string(snap.Status)),
		"current_step":    wfmodel.String(snap.CurrentStep),
		"completed_steps": wfmodel.List(stringsToEnvelopes(snap.CompletedSteps)),
		"failed_steps":    wfmodel.List(stringsToEnvelopes(snap.FailedSteps)),
	})
	if o.bus != nil {
		_ = o.bus.BroadcastToWindow("workflow_builder", msgType, data, e.userID)
	}
}

func (o *Orchestrator) broadcastStep(e *execution, stepID string) {
	sc := e.ctx.StepContextFor(stepID)
	if sc == nil {
		return
	}
	data := wfmodel.Map(map[string]wfmodel.Envelope{
		"execution_id": wfmodel.String(e.ctx.ExecutionID),
		"step_id":      wfmodel.String(stepID),
		"status":       wfmodel.String(string(sc.Status)),
	})
	if o.bus != nil {
		_ = o.bus.BroadcastToWindow("workflow_builder", "workflow_update", data, e.userID)
	}
}

func stringsToEnvelopes(values []string) []wfmodel.Envelope {
	out := make([]wfmodel.Envelope, len(values))
	for i, v := range values {
		out[i] = wfmodel.String(v)
	}
	return out
}

func (o *Orchestrator) getExecution(executionID string) (*execution, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.executions[executionID]
	if !ok {
		return nil, &ExecutionNotFoundError{ExecutionID: executionID}
	}
	return e, nil
}

// CancelExecution transitions to cancelled and cancels the driver's
// context; idempotent.
func (o *Orchestrator) CancelExecution(executionID, userID string) bool {
	e, err := o.getExecution(executionID)
	if err != nil {
		return false
	}
	if e.ctx.Status() == wfmodel.ExecCancelled {
		return true
	}
	e.ctx.SetStatus(wfmodel.ExecCancelled)
	e.cancel()
	o.broadcastExecution(e, "workflow_update")
	return true
}

// PauseExecution toggles a running execution to paused; the driver stops
// initiating new steps but lets in-flight ones finish.
func (o *Orchestrator) PauseExecution(executionID string) error {
	e, err := o.getExecution(executionID)
	if err != nil {
		return err
	}
	if e.ctx.Status() != wfmodel.ExecRunning {
		return fmt.Errorf("orchestrator: execution %q is not running", executionID)
	}
	e.paused.Store(true)
	e.ctx.SetStatus(wfmodel.ExecPaused)
	o.broadcastExecution(e, "workflow_update")
	return nil
}

// ResumeExecution toggles a paused execution back to running.
func (o *Orchestrator) ResumeExecution(executionID string) error {
	e, err := o.getExecution(executionID)
	if err != nil {
		return err
	}
	if e.ctx.Status() != wfmodel.ExecPaused {
		return fmt.Errorf("orchestrator: execution %q is not paused", executionID)
	}
	e.paused.Store(false)
	e.ctx.SetStatus(wfmodel.ExecRunning)
	o.broadcastExecution(e, "workflow_update")
	return nil
}

// GetExecutionStatus returns a read-copy snapshot for introspection.
func (o *Orchestrator) GetExecutionStatus(executionID string) (wfmodel.StatusSnapshot, error) {
	e, err := o.getExecution(executionID)
	if err != nil {
		return wfmodel.StatusSnapshot{}, err
	}
	return e.ctx.Snapshot(), nil
}

// GetAllExecutions returns a snapshot of every live execution.
func (o *Orchestrator) GetAllExecutions() []wfmodel.StatusSnapshot {
	o.mu.RLock()
	executions := make([]*execution, 0, len(o.executions))
	for _, e := range o.executions {
		executions = append(executions, e)
	}
	o.mu.RUnlock()

	out := make([]wfmodel.StatusSnapshot, len(executions))
	for i, e := range executions {
		out[i] = e.ctx.Snapshot()
	}
	return out
}

// RunWorkflow satisfies bus.SlashCommandRunner's /run command, treating
// the slash-command argument as a workflow_id run with no caller input.
func (o *Orchestrator) RunWorkflow(ctx context.Context, workflowID string) error {
	_, err := o.ExecuteWorkflow(workflowID, "", nil)
	return err
}
