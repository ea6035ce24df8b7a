// Package handlers implements the Step Handler Registry (C2): a dispatch
// table from step type_tag to handler, plus the built-in handlers for
// agent_task, api_call, condition, loop, parallel, wait, transform,
// webhook, and notification, plus the visual-node kinds ai_agent,
// user_input, and output.
package handlers

import (
	"context"
	"fmt"

	"github.com/hanaponodata/alexos-chainbot/internal/wfmodel"
)

// StepError is the error a handler surfaces to the orchestrator on
// failure; the orchestrator decides retry/continue/fail from its
// on_failure policy, not the handler.
type StepError struct {
	Reason string
}

func (e *StepError) Error() string { return e.Reason }

func NewStepError(reason string) *StepError { return &StepError{Reason: reason} }

// Runner is the subset of orchestrator behavior a handler needs in order
// to recurse into nested steps (loop, parallel) without importing the
// orchestrator package, which itself depends on the registry.
type Runner interface {
	RunStep(ctx context.Context, execCtx *wfmodel.ExecutionContext, step wfmodel.Step, scope wfmodel.Scope) (wfmodel.Envelope, error)
}

// Handler is the contract every step type_tag implements:
// (ExecutionContext, Step) → result value, possibly failing with
// StepError. Handlers may perform I/O and therefore may block.
type Handler interface {
	Kind() string
	Execute(ctx context.Context, execCtx *wfmodel.ExecutionContext, step wfmodel.Step, scope wfmodel.Scope, runner Runner) (wfmodel.Envelope, error)
}

// Registry is the dispatch table from type_tag to Handler. It has no
// locking: Register writes the map directly, so all registration happens
// at startup, before concurrent lookups begin; Register is not safe to
// call while Lookup runs on other goroutines.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) {
	r.handlers[h.Kind()] = h
}

// Lookup returns the handler for a type_tag, or an error if none is
// registered — the orchestrator marks the step failed with this error.
func (r *Registry) Lookup(typeTag string) (Handler, error) {
	h, ok := r.handlers[typeTag]
	if !ok {
		return nil, fmt.Errorf("no handler registered for step type %q", typeTag)
	}
	return h, nil
}
