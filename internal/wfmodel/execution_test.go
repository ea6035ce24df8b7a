package wfmodel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExecutionContextSeedsStepContexts(t *testing.T) {
	def := &WorkflowDefinition{
		ID:   "wf1",
		Type: WorkflowSequential,
		Steps: []Step{
			{ID: "s1", TypeTag: "transform"},
			{ID: "s2", TypeTag: "condition"},
		},
	}
	ctx := NewExecutionContext("ex1", def, map[string]Envelope{"input": String("hi")})
	assert.Equal(t, ExecPending, ctx.Status())
	assert.NotNil(t, ctx.StepContextFor("s1"))
	assert.NotNil(t, ctx.StepContextFor("s2"))
	assert.Equal(t, "hi", ctx.GetVariable("input").String())
}

func TestMarkStepTerminalKeepsCompletedAndFailedDisjoint(t *testing.T) {
	def := &WorkflowDefinition{ID: "wf1", Type: WorkflowSequential, Steps: []Step{{ID: "s1"}}}
	ctx := NewExecutionContext("ex1", def, nil)

	ctx.MarkStepRunning("s1")
	ctx.MarkStepTerminal("s1", StepFailed, Null(), errors.New("boom"))
	snap := ctx.Snapshot()
	assert.Contains(t, snap.FailedSteps, "s1")
	assert.NotContains(t, snap.CompletedSteps, "s1")

	ctx.MarkStepRetrying("s1")
	ctx.MarkStepRunning("s1")
	ctx.MarkStepTerminal("s1", StepCompleted, String("ok"), nil)
	snap = ctx.Snapshot()
	assert.Contains(t, snap.CompletedSteps, "s1")
	assert.NotContains(t, snap.FailedSteps, "s1")
}

func TestMarkStepRetryingClearsError(t *testing.T) {
	def := &WorkflowDefinition{ID: "wf1", Type: WorkflowSequential, Steps: []Step{{ID: "s1"}}}
	ctx := NewExecutionContext("ex1", def, nil)
	ctx.MarkStepTerminal("s1", StepFailed, Null(), errors.New("boom"))
	ctx.MarkStepRetrying("s1")
	sc := ctx.StepContextFor("s1")
	require.NotNil(t, sc)
	assert.Equal(t, StepPending, sc.Status)
	assert.Nil(t, sc.Err)
	assert.Equal(t, 1, sc.RetryCount)
}

func TestValidateAcyclicRejectsCycle(t *testing.T) {
	def := &WorkflowDefinition{
		Type:  WorkflowVisual,
		Nodes: []Node{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Edges: []Edge{{SourceNodeID: "a", TargetNodeID: "b"}, {SourceNodeID: "b", TargetNodeID: "c"}, {SourceNodeID: "c", TargetNodeID: "a"}},
	}
	err := def.ValidateAcyclic()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCyclicWorkflow)
}

func TestValidateAcyclicAcceptsDAG(t *testing.T) {
	def := &WorkflowDefinition{
		Type:  WorkflowVisual,
		Nodes: []Node{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Edges: []Edge{{SourceNodeID: "a", TargetNodeID: "b"}, {SourceNodeID: "b", TargetNodeID: "c"}},
	}
	assert.NoError(t, def.ValidateAcyclic())
}
