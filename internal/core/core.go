// Package core is the composition root: it constructs C1 through C9 in
// dependency order, wires their cross-component collaborator interfaces,
// and exposes the lifecycle (Start/Stop) and ALEX-OS reporting hooks a
// bootstrap entrypoint drives.
package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hanaponodata/alexos-chainbot/internal/agentmgr"
	"github.com/hanaponodata/alexos-chainbot/internal/alexos"
	"github.com/hanaponodata/alexos-chainbot/internal/audit"
	"github.com/hanaponodata/alexos-chainbot/internal/brain"
	"github.com/hanaponodata/alexos-chainbot/internal/bus"
	"github.com/hanaponodata/alexos-chainbot/internal/config"
	"github.com/hanaponodata/alexos-chainbot/internal/entanglement"
	"github.com/hanaponodata/alexos-chainbot/internal/handlers"
	"github.com/hanaponodata/alexos-chainbot/internal/llm"
	"github.com/hanaponodata/alexos-chainbot/internal/logging"
	"github.com/hanaponodata/alexos-chainbot/internal/metrics"
	"github.com/hanaponodata/alexos-chainbot/internal/orchestrator"
	"github.com/hanaponodata/alexos-chainbot/internal/wfmodel"
)

var log = logging.NewComponentLogger("core")

// Core owns every component and is the only thing a bootstrap
// entrypoint talks to.
type Core struct {
	cfg *config.Config

	Bus           *bus.Bus
	Audit         *audit.Sink
	Personas      *brain.PersonaStore
	Brain         *brain.Brain
	Registry      *handlers.Registry
	Agents        *agentmgr.Manager
	Entanglements *entanglement.Manager
	Orchestrator  *orchestrator.Orchestrator
	Metrics       *metrics.Registry
	AlexOS        *alexos.Client

	mu      sync.Mutex
	started bool
}

// slashCommandRunner adapts Orchestrator.RunWorkflow and
// agentmgr.Manager.SpawnAgent/KillAgent to bus.SlashCommandRunner; the bus
// only needs the narrow three-method surface, not either collaborator's
// full API.
type slashCommandRunner struct {
	orch   *orchestrator.Orchestrator
	agents *agentmgr.Manager
}

func (r slashCommandRunner) RunWorkflow(ctx context.Context, name string) error {
	return r.orch.RunWorkflow(ctx, name)
}

func (r slashCommandRunner) SpawnAgent(ctx context.Context, typeTag string) error {
	return r.agents.SpawnAgent(ctx, typeTag)
}

func (r slashCommandRunner) KillAgent(ctx context.Context, agentID string) error {
	return r.agents.KillAgent(ctx, agentID)
}

// New wires every component in dependency order: metrics (handed to the
// bus, the providers and the orchestrator), bus, audit, brain (personas +
// providers), handler registry, agent manager, entanglement manager,
// orchestrator, and the outbound ALEX-OS client.
func New(cfg *config.Config) (*Core, error) {
	c := &Core{cfg: cfg}

	reg, err := metrics.New(nil)
	if err != nil {
		return nil, fmt.Errorf("core: building metrics registry: %w", err)
	}
	c.Metrics = reg

	c.Bus = bus.New(cfg.WebSocket.ConnectionTimeout, cfg.WebSocket.HeartbeatInterval).WithMetrics(c.Metrics)
	c.Audit = audit.New(c.Bus)

	providers := map[string]llm.Provider{}
	if cfg.OpenAI.APIKey != "" {
		providers["remote"] = llm.NewRemoteProvider(llm.RemoteConfig{
			BaseURL:      cfg.OpenAI.BaseURL,
			DefaultModel: cfg.OpenAI.Model,
			Timeout:      cfg.OpenAI.Timeout,
		}, []llm.Credential{{ID: "primary", APIKey: cfg.OpenAI.APIKey}}).WithMetrics(c.Metrics)
	}
	candidates := []llm.CandidateEndpoint{
		{Family: "ollama", BaseURL: "http://localhost:11434", ModelsPath: "/api/tags", GeneratePath: "/api/generate"},
		{Family: "lmstudio", BaseURL: "http://localhost:1234", ModelsPath: "/v1/models", GeneratePath: "/v1/chat/completions"},
	}
	if cfg.Maclink.Enabled {
		candidates = append(candidates, llm.CandidateEndpoint{
			Family:       "maclink",
			BaseURL:      cfg.Maclink.BaseURL,
			ModelsPath:   cfg.Maclink.ModelsPath,
			GeneratePath: cfg.Maclink.GeneratePath,
		})
	}
	providers["local"] = llm.NewLocalProvider(candidates).WithMetrics(c.Metrics)
	c.Personas = brain.NewPersonaStore()
	c.Brain = brain.New(providers, providerAvailability{providers}, c.Personas)

	c.Registry = handlers.NewRegistry()
	c.Registry.Register(handlers.ConditionHandler{})
	c.Registry.Register(handlers.TransformHandler{})
	c.Registry.Register(handlers.WaitHandler{})
	c.Registry.Register(handlers.LoopHandler{})
	c.Registry.Register(handlers.ParallelHandler{MaxConcurrency: cfg.Workflow.MaxConcurrentWorkflows})
	c.Registry.Register(handlers.APICallHandler{Client: &http.Client{Timeout: 30 * time.Second}})
	c.Registry.Register(handlers.WebhookHandler{Client: &http.Client{Timeout: 30 * time.Second}})
	c.Registry.Register(handlers.NotificationHandler{Bus: c.Bus})
	c.Registry.Register(handlers.UserInputHandler{})
	c.Registry.Register(handlers.OutputHandler{})

	c.Agents = agentmgr.New(c.Brain, c.Bus, c.Audit)
	agentSender := agentmgr.StepSender{Manager: c.Agents}
	c.Registry.Register(handlers.AgentTaskHandler{Agents: agentSender})
	c.Registry.Register(handlers.AIAgentHandler{Agents: agentSender})

	c.Entanglements = entanglement.New(c.Bus, c.Audit, agentSender)

	c.Orchestrator = orchestrator.New(c.Registry, c.Bus, c.Audit).WithMetrics(c.Metrics)

	bus.SetSlashCommandRunner(slashCommandRunner{orch: c.Orchestrator, agents: c.Agents})

	c.AlexOS = alexos.New(alexos.Config{
		ModuleRegistryURL:         cfg.AlexOS.ModuleRegistryURL,
		EventBusURL:               cfg.AlexOS.EventBusURL,
		WebhookURL:                cfg.AlexOS.WebhookURL,
		HealthCheckInterval:       cfg.AlexOS.HealthCheckInterval,
		RegistrationRetryInterval: cfg.AlexOS.RegistrationRetryInterval,
		MaxRegistrationAttempts:   cfg.AlexOS.MaxRegistrationAttempts,
	}, alexos.AgentInfo{
		Name:           "chainbot",
		Version:        "1.0.0",
		Role:           "workflow_orchestrator",
		Capabilities:   []string{"workflows", "agents", "entanglement"},
		UIFeatures:     []string{"workflow_builder", "agent_console", "watchtower"},
		Endpoints:      []string{"/api/workflows", "/api/agents"},
		Port:           cfg.Server.Port,
		HealthEndpoint: "/health",
	})

	return c, nil
}

// providerAvailability reports a provider tag as available whenever a
// provider was actually configured for it.
type providerAvailability struct {
	providers map[string]llm.Provider
}

func (a providerAvailability) Available(tag string) bool {
	_, ok := a.providers[tag]
	return ok
}

// Start brings up the bus idle reaper and the ALEX-OS registration
// client. A second call is a no-op.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	c.Bus.StartReaper(ctx)

	c.AlexOS.RegisterHandler("hot_swap", func(eventType string, data map[string]any) {
		log.Info("received hot_swap event from ALEX-OS event bus")
	})
	if err := c.AlexOS.Start(ctx); err != nil {
		log.Warn("alex-os registration did not complete immediately: %v", err)
	}

	c.started = true
	return nil
}

// Stop tears components down in reverse dependency order. Idempotent.
func (c *Core) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.AlexOS.Stop()
	c.Bus.Stop()
	if err := c.Metrics.Shutdown(ctx); err != nil {
		return fmt.Errorf("core: metrics shutdown: %w", err)
	}
	c.started = false
	return nil
}

// ExecuteWorkflow runs a workflow to completion asynchronously and
// reflects the start into the ALEX-OS workflow-state counter and the
// metrics registry, emitting a lifecycle webhook on both ends.
func (c *Core) ExecuteWorkflow(ctx context.Context, workflowID, userID string, input map[string]wfmodel.Envelope) (string, error) {
	executionID, err := c.Orchestrator.ExecuteWorkflow(workflowID, userID, input)
	if err != nil {
		return "", err
	}
	c.Metrics.RecordExecutionStarted(ctx, workflowID)
	c.AlexOS.UpdateWorkflowState(len(c.Orchestrator.GetAllExecutions()), nil)
	_ = c.AlexOS.EmitLifecycleEvent(ctx, "workflow_started", map[string]wfmodel.Envelope{
		"workflow_id":  wfmodel.String(workflowID),
		"execution_id": wfmodel.String(executionID),
	})
	go c.watchExecution(ctx, workflowID, executionID)
	return executionID, nil
}

// watchExecution polls an execution to terminality and reports the
// outcome; the orchestrator itself has no completion callback, only a
// pollable status snapshot.
func (c *Core) watchExecution(ctx context.Context, workflowID, executionID string) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := c.Orchestrator.GetExecutionStatus(executionID)
			if err != nil {
				return
			}
			switch snap.Status {
			case wfmodel.ExecCompleted, wfmodel.ExecFailed, wfmodel.ExecCancelled:
				c.Metrics.RecordExecutionCompleted(ctx, workflowID, string(snap.Status))
				c.AlexOS.UpdateWorkflowState(len(c.Orchestrator.GetAllExecutions()), nil)
				eventType := "workflow_completed"
				if snap.Status == wfmodel.ExecFailed {
					eventType = "workflow_failed"
				}
				_ = c.AlexOS.EmitLifecycleEvent(ctx, eventType, map[string]wfmodel.Envelope{
					"workflow_id":  wfmodel.String(workflowID),
					"execution_id": wfmodel.String(executionID),
					"status":       wfmodel.String(string(snap.Status)),
				})
				return
			}
		}
	}
}

// SpawnAgent creates an agent and reflects the new count to ALEX-OS.
func (c *Core) SpawnAgent(ctx context.Context, typeTag, name string, cfgData map[string]wfmodel.Envelope, ownerID string) (string, error) {
	agentID, err := c.Agents.CreateAgent(typeTag, name, cfgData, ownerID)
	if err != nil {
		return "", err
	}
	c.AlexOS.UpdateAgentState(len(c.Agents.List()))
	_ = c.AlexOS.EmitLifecycleEvent(ctx, "agent_spawned", map[string]wfmodel.Envelope{
		"agent_id": wfmodel.String(agentID),
		"type_tag": wfmodel.String(typeTag),
	})
	return agentID, nil
}

// TerminateAgent terminates an agent and reflects the new count to ALEX-OS.
func (c *Core) TerminateAgent(ctx context.Context, agentID string) error {
	if err := c.Agents.Terminate(agentID); err != nil {
		return err
	}
	c.AlexOS.UpdateAgentState(len(c.Agents.List()))
	_ = c.AlexOS.EmitLifecycleEvent(ctx, "agent_terminated", map[string]wfmodel.Envelope{
		"agent_id": wfmodel.String(agentID),
	})
	return nil
}

// CreateEntanglement creates an entanglement group and emits its
// lifecycle event.
func (c *Core) CreateEntanglement(ctx context.Context, name, description, owner string) string {
	id := c.Entanglements.Create(name, description, owner)
	_ = c.AlexOS.EmitLifecycleEvent(ctx, "entanglement_created", map[string]wfmodel.Envelope{
		"entanglement_id": wfmodel.String(id),
		"name":            wfmodel.String(name),
	})
	return id
}

// DestroyEntanglement cleans up an entanglement group and emits its
// lifecycle event.
func (c *Core) DestroyEntanglement(ctx context.Context, entanglementID string) error {
	if err := c.Entanglements.Cleanup(entanglementID); err != nil {
		return err
	}
	_ = c.AlexOS.EmitLifecycleEvent(ctx, "entanglement_destroyed", map[string]wfmodel.Envelope{
		"entanglement_id": wfmodel.String(entanglementID),
	})
	return nil
}
