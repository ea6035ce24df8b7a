package wfmodel

import (
	"errors"
	"sync"
	"time"
)

var ErrCyclicWorkflow = errors.New("workflow graph contains a cycle")

// ExecutionStatus is the lifecycle status of an ExecutionContext.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecRunning   ExecutionStatus = "running"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
	ExecPaused    ExecutionStatus = "paused"
)

// StepStatus is the lifecycle status of a single StepContext.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// IsTerminal reports whether s is sticky (never transitions again, except
// a retry resetting it back to pending).
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// StepContext tracks one step's execution state within an ExecutionContext.
type StepContext struct {
	StepID     string
	Status     StepStatus
	Result     Envelope
	Err        error
	RetryCount int
	MaxRetries int
	Start      time.Time
	End        time.Time
}

// ExecutionContext is mutable and shared: the orchestrator's driver and
// step goroutines mutate it, and so do cancel/pause/resume calls from
// other goroutines, all under the mutex. Readers (status queries,
// broadcast composers) take a Snapshot under the mutex and then read the
// copy lock-free, mirroring the teacher's ExecutionContext/mutex split.
type ExecutionContext struct {
	mu sync.RWMutex

	ExecutionID string
	WorkflowID  string
	Definition  *WorkflowDefinition

	variables Scope
	results   map[string]Envelope

	status          ExecutionStatus
	currentStep     string
	completedSteps  []string
	failedSteps     []string
	stepContexts    map[string]*StepContext

	start   time.Time
	end     time.Time
	timeout *time.Time

	maxParallelSteps int
	lastErr          error
}

// NewExecutionContext seeds variables from caller input and initializes a
// StepContext per step/node in the definition, status = pending.
func NewExecutionContext(executionID string, def *WorkflowDefinition, input map[string]Envelope) *ExecutionContext {
	ctx := &ExecutionContext{
		ExecutionID:      executionID,
		WorkflowID:       def.ID,
		Definition:       def,
		variables:        Scope(input).Overlay(nil),
		results:          make(map[string]Envelope),
		status:           ExecPending,
		stepContexts:     make(map[string]*StepContext),
		maxParallelSteps: def.MaxParallelSteps,
	}
	if ctx.maxParallelSteps <= 0 {
		ctx.maxParallelSteps = 1
	}
	for id := range def.AllStepIDs() {
		ctx.stepContexts[id] = &StepContext{StepID: id, Status: StepPending}
	}
	if def.TimeoutSeconds > 0 {
		// resolved to an absolute deadline by the orchestrator via SetTimeoutDeadline
	}
	return ctx
}

func (c *ExecutionContext) SetStatus(s ExecutionStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
	switch s {
	case ExecRunning:
		if c.start.IsZero() {
			c.start = time.Now()
		}
	case ExecCompleted, ExecFailed, ExecCancelled:
		c.end = time.Now()
	}
}

func (c *ExecutionContext) Status() ExecutionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *ExecutionContext) SetCurrentStep(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentStep = id
}

func (c *ExecutionContext) SetTimeoutDeadline(d time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = &d
}

func (c *ExecutionContext) Deadline() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.timeout == nil {
		return time.Time{}, false
	}
	return *c.timeout, true
}

// GetVariable reads a variable from the shared scope.
func (c *ExecutionContext) GetVariable(name string) Envelope {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.variables.Lookup(name)
}

// SetVariable writes a variable into the shared scope, e.g. a step's
// output_variable write-back.
func (c *ExecutionContext) SetVariable(name string, value Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.variables == nil {
		c.variables = make(Scope)
	}
	c.variables[name] = value
}

// SnapshotVariables returns a read-only copy of the current variable scope,
// suitable for handing to the expression evaluator without holding the
// execution's lock across I/O.
func (c *ExecutionContext) SnapshotVariables() Scope {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.variables.Overlay(nil)
}

func (c *ExecutionContext) SetResult(stepID string, value Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[stepID] = value
}

func (c *ExecutionContext) Result(stepID string) (Envelope, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.results[stepID]
	return v, ok
}

func (c *ExecutionContext) SnapshotResults() map[string]Envelope {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Envelope, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}

// StepContextFor returns the StepContext for a step id, nil if unknown.
func (c *ExecutionContext) StepContextFor(stepID string) *StepContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stepContexts[stepID]
}

// MarkStepRunning moves a step into running, resetting its Err, matching
// the "clearing error on retry entry" decision in the Open Questions.
func (c *ExecutionContext) MarkStepRunning(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sc := c.stepContexts[stepID]
	if sc == nil {
		return
	}
	sc.Status = StepRunning
	sc.Err = nil
	sc.Start = time.Now()
}

// MarkStepTerminal transitions a step to a terminal status, appending to
// completed_steps/failed_steps as appropriate and maintaining invariant 1
// (the two sets stay disjoint).
func (c *ExecutionContext) MarkStepTerminal(stepID string, status StepStatus, result Envelope, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sc := c.stepContexts[stepID]
	if sc == nil {
		return
	}
	sc.Status = status
	sc.Result = result
	sc.Err = err
	sc.End = time.Now()
	switch status {
	case StepCompleted:
		c.completedSteps = appendUnique(c.completedSteps, stepID)
		c.failedSteps = removeAll(c.failedSteps, stepID)
	case StepFailed, StepCancelled:
		c.failedSteps = appendUnique(c.failedSteps, stepID)
		c.completedSteps = removeAll(c.completedSteps, stepID)
		c.lastErr = err
	}
}

// MarkStepRetrying resets a step to pending for another attempt, clearing
// its error and bumping retry_count, per §9's resolved open question.
func (c *ExecutionContext) MarkStepRetrying(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sc := c.stepContexts[stepID]
	if sc == nil {
		return
	}
	sc.RetryCount++
	sc.Status = StepPending
	sc.Err = nil
}

func (c *ExecutionContext) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *ExecutionContext) SetLastError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

func (c *ExecutionContext) MaxParallelSteps() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxParallelSteps
}

// StatusSnapshot is the read-copy handed to broadcast composers and status
// queries, matching the "observe through a read-copy" shared-resource
// policy.
type StatusSnapshot struct {
	ExecutionID    string
	WorkflowID     string
	Status         ExecutionStatus
	CurrentStep    string
	CompletedSteps []string
	FailedSteps    []string
	LastError      error
	Start          time.Time
	End            time.Time
}

func (c *ExecutionContext) Snapshot() StatusSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	completed := make([]string, len(c.completedSteps))
	copy(completed, c.completedSteps)
	failed := make([]string, len(c.failedSteps))
	copy(failed, c.failedSteps)
	return StatusSnapshot{
		ExecutionID:    c.ExecutionID,
		WorkflowID:     c.WorkflowID,
		Status:         c.status,
		CurrentStep:    c.currentStep,
		CompletedSteps: completed,
		FailedSteps:    failed,
		LastError:      c.lastErr,
		Start:          c.start,
		End:            c.end,
	}
}

// SkipPendingAsRetroactive marks every non-terminal step skipped, used when
// an execution finishes failed (including timed out) or cancelled with
// steps that never started.
func (c *ExecutionContext) SkipPendingAsRetroactive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, sc := range c.stepContexts {
		if !sc.Status.IsTerminal() {
			sc.Status = StepSkipped
			c.completedSteps = removeAll(c.completedSteps, id)
			c.failedSteps = removeAll(c.failedSteps, id)
		}
	}
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func removeAll(list []string, v string) []string {
	out := list[:0:0]
	for _, existing := range list {
		if existing != v {
			out = append(out, existing)
		}
	}
	return out
}
