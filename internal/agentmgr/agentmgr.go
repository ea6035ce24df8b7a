// Package agentmgr implements the Agent Manager (C5): agent lifecycle,
// per-type config validation, chain routing, and the idle/thinking/
// busy/error/offline state machine.
package agentmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hanaponodata/alexos-chainbot/internal/audit"
	"github.com/hanaponodata/alexos-chainbot/internal/brain"
	"github.com/hanaponodata/alexos-chainbot/internal/logging"
	"github.com/hanaponodata/alexos-chainbot/internal/wfmodel"
)

// ValidationError reports a type_tag/config mismatch from CreateAgent.
type ValidationError struct {
	TypeTag string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("agentmgr: invalid config for type %q: %s", e.TypeTag, e.Reason)
}

// NotFoundError reports an unknown agent_id.
type NotFoundError struct{ AgentID string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("agentmgr: agent %q not found", e.AgentID) }

// Publisher is the C6 surface agent lifecycle/state events broadcast
// through.
type Publisher interface {
	BroadcastToWindow(window string, msgType string, data wfmodel.Envelope, userID string) error
}

// Auditor is the C8 surface agent operations are recorded through.
type Auditor interface {
	LogEvent(action, actorID, targetType, targetID string, assoc audit.Associations, metadata map[string]wfmodel.Envelope, severity audit.Severity) audit.Record
}

// Brainer is the C4 surface SendMessage issues completions through.
type Brainer interface {
	GenerateCompletion(ctx context.Context, req brain.BrainRequest) (brain.BrainResponse, error)
}

// Manager owns the live-agents table. Known type_tags: assistant,
// data_processor, api, workflow, custom_gpt, specialist — the first four
// from hector's generic agent roles, the latter two (and custom_gpt's
// config rule) from the Python original's agent_spawner/ai_agent_manager.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*wfmodel.Agent

	brain *brain.Brain
	bus   Publisher
	audit Auditor
	log   *logging.Logger
}

func New(b *brain.Brain, bus Publisher, auditSink Auditor) *Manager {
	return &Manager{
		agents: make(map[string]*wfmodel.Agent),
		brain:  b,
		bus:    bus,
		audit:  auditSink,
		log:    logging.NewComponentLogger("agentmgr"),
	}
}

var requiredConfigKeys = map[string][]string{
	"custom_gpt":    {"gpt_id", "instructions"},
	"alex_os_agent": {"agent_type", "capabilities"},
	"chatgpt":       {"api_key"},
}

// validateAgentConfig enforces the per-type_tag config rules the Python
// original's AIAgentManager._validate_agent_config implements.
func validateAgentConfig(typeTag string, config map[string]wfmodel.Envelope) error {
	required, ok := requiredConfigKeys[typeTag]
	if !ok {
		return nil
	}
	for _, key := range required {
		if _, present := config[key]; !present {
			return &ValidationError{TypeTag: typeTag, Reason: fmt.Sprintf("missing required key %q", key)}
		}
	}
	return nil
}

func defaultCapabilities(typeTag string) []string {
	switch typeTag {
	case "assistant":
		return []string{"conversation", "task_execution", "reasoning"}
	case "data_processor":
		return []string{"data_processing", "analysis", "reporting"}
	case "api":
		return []string{"api_calls", "integration", "webhooks"}
	case "workflow":
		return []string{"workflow_management", "orchestration", "monitoring"}
	case "custom_gpt":
		return []string{"conversation", "custom_instructions"}
	case "specialist":
		return []string{"code_generation", "code_review"}
	default:
		return []string{"conversation"}
	}
}

// CreateAgent validates config by type_tag, assigns capabilities, stores
// the record, and emits an agent_spawned event via C8+C6.
func (m *Manager) CreateAgent(typeTag, name string, config map[string]wfmodel.Envelope, ownerID string) (string, error) {
	if err := validateAgentConfig(typeTag, config); err != nil {
		return "", err
	}

	agent := &wfmodel.Agent{
		ID:           uuid.NewString(),
		Name:         name,
		TypeTag:      typeTag,
		Config:       config,
		Status:       wfmodel.AgentIdle,
		Capabilities: defaultCapabilities(typeTag),
		LastActivity: time.Now(),
		OwnerID:      ownerID,
	}

	m.mu.Lock()
	m.agents[agent.ID] = agent
	m.mu.Unlock()

	if m.audit != nil {
		m.audit.LogEvent("agent_spawned", ownerID, "agent", agent.ID,
			audit.Associations{AgentID: agent.ID}, map[string]wfmodel.Envelope{
				"type_tag": wfmodel.String(typeTag),
				"name":     wfmodel.String(name),
			}, audit.SeverityInfo)
	}
	if m.bus != nil {
		_ = m.bus.BroadcastToWindow("agent_map", "agent_spawn", agentSnapshot(agent), ownerID)
	}
	return agent.ID, nil
}

func agentSnapshot(a *wfmodel.Agent) wfmodel.Envelope {
	return wfmodel.Map(map[string]wfmodel.Envelope{
		"agent_id": wfmodel.String(a.ID),
		"name":     wfmodel.String(a.Name),
		"type_tag": wfmodel.String(a.TypeTag),
		"status":   wfmodel.String(string(a.Status)),
	})
}

func (m *Manager) get(agentID string) (*wfmodel.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	if !ok {
		return nil, &NotFoundError{AgentID: agentID}
	}
	return a, nil
}

func (m *Manager) setStatus(a *wfmodel.Agent, status wfmodel.AgentStatus) {
	m.mu.Lock()
	a.Status = status
	a.LastActivity = time.Now()
	m.mu.Unlock()
	if m.bus != nil {
		_ = m.bus.BroadcastToWindow("agent_map", "agent_status_update", agentSnapshot(a), a.OwnerID)
	}
}

// MessageResult is SendMessage's public return shape.
type MessageResult struct {
	Response       string
	Metadata       map[string]string
	TokensUsed     int
	ProcessingTime time.Duration
}

// SendMessage transitions the agent idle→thinking→idle (error on
// exception), resolves a persona from the agent's type/config, issues a
// BrainRequest, records audit, and broadcasts the final text on the
// agent_map window.
func (m *Manager) SendMessage(ctx context.Context, agentID, message string, extra map[string]wfmodel.Envelope) (MessageResult, error) {
	agent, err := m.get(agentID)
	if err != nil {
		return MessageResult{}, err
	}
	if agent.Status == wfmodel.AgentOffline {
		return MessageResult{}, &ValidationError{TypeTag: agent.TypeTag, Reason: "agent is offline"}
	}

	m.setStatus(agent, wfmodel.AgentThinking)

	persona := personaForType(agent.TypeTag, agent.Config)
	resp, err := m.brain.GenerateCompletion(ctx, brain.BrainRequest{
		Prompt:      message,
		AgentID:     agentID,
		Persona:     persona,
		ContextData: extra,
	})
	if err != nil {
		m.setStatus(agent, wfmodel.AgentError)
		if m.audit != nil {
			m.audit.LogEvent("agent_message_failed", agent.OwnerID, "agent", agentID,
				audit.Associations{AgentID: agentID}, map[string]wfmodel.Envelope{
					"error": wfmodel.String(err.Error()),
				}, audit.SeverityWarning)
		}
		return MessageResult{}, err
	}

	m.setStatus(agent, wfmodel.AgentIdle)

	if m.audit != nil {
		m.audit.LogEvent("agent_message", agent.OwnerID, "agent", agentID,
			audit.Associations{AgentID: agentID}, map[string]wfmodel.Envelope{
				"message":  wfmodel.String(message),
				"response": wfmodel.String(resp.Content),
			}, audit.SeverityInfo)
	}
	if m.bus != nil {
		_ = m.bus.BroadcastToWindow("agent_map", "agent_response", wfmodel.Map(map[string]wfmodel.Envelope{
			"agent_id": wfmodel.String(agentID),
			"response": wfmodel.String(resp.Content),
		}), agent.OwnerID)
	}

	return MessageResult{
		Response:       resp.Content,
		Metadata:       resp.Metadata,
		TokensUsed:     resp.TokensUsed,
		ProcessingTime: resp.ProcessingTime,
	}, nil
}

// StepSender adapts Manager to handlers.AgentSender's shape for the
// agent_task step handler, which needs a method literally named
// SendMessage with an Envelope-shaped return — distinct from Manager's
// own richer SendMessage result type.
type StepSender struct{ *Manager }

func (s StepSender) SendMessage(ctx context.Context, agentID, message string, extra map[string]wfmodel.Envelope) (wfmodel.Envelope, map[string]wfmodel.Envelope, error) {
	result, err := s.Manager.SendMessage(ctx, agentID, message, extra)
	if err != nil {
		return wfmodel.Null(), nil, err
	}
	meta := make(map[string]wfmodel.Envelope, len(result.Metadata))
	for k, v := range result.Metadata {
		meta[k] = wfmodel.String(v)
	}
	meta["tokens_used"] = wfmodel.Number(float64(result.TokensUsed))
	return wfmodel.String(result.Response), meta, nil
}

func personaForType(typeTag string, config map[string]wfmodel.Envelope) string {
	switch typeTag {
	case "specialist", "custom_gpt":
		return "code_assistant"
	case "data_processor":
		return "analyst"
	default:
		return "general_assistant"
	}
}

// ChainStep is one hop's result in RouteThroughChain's trace.
type ChainStep struct {
	AgentID  string
	Response string
	Err      error
}

// RouteThroughChain sequentially sends through each agent, piping each
// response as the next agent's prompt; returns the ordered per-agent
// responses plus the full trace.
func (m *Manager) RouteThroughChain(ctx context.Context, workflowID string, agents []string, initialMessage string) ([]ChainStep, error) {
	trace := make([]ChainStep, 0, len(agents))
	current := initialMessage
	for _, agentID := range agents {
		result, err := m.SendMessage(ctx, agentID, current, nil)
		if err != nil {
			trace = append(trace, ChainStep{AgentID: agentID, Err: err})
			return trace, err
		}
		trace = append(trace, ChainStep{AgentID: agentID, Response: result.Response})
		current = result.Response
	}
	return trace, nil
}

// Terminate sets status to offline and removes the agent from routing;
// offline is terminal.
func (m *Manager) Terminate(agentID string) error {
	agent, err := m.get(agentID)
	if err != nil {
		return err
	}
	m.setStatus(agent, wfmodel.AgentOffline)
	if m.audit != nil {
		m.audit.LogEvent("agent_terminated", agent.OwnerID, "agent", agentID,
			audit.Associations{AgentID: agentID}, nil, audit.SeverityInfo)
	}
	if m.bus != nil {
		_ = m.bus.BroadcastToWindow("agent_map", "agent_kill", agentSnapshot(agent), agent.OwnerID)
	}
	return nil
}

// Recover transitions an agent in the error state back to idle; this
// requires an explicit call per the error→idle recovery rule.
func (m *Manager) Recover(agentID string) error {
	agent, err := m.get(agentID)
	if err != nil {
		return err
	}
	m.mu.RLock()
	status := agent.Status
	m.mu.RUnlock()
	if status != wfmodel.AgentError {
		return &ValidationError{TypeTag: agent.TypeTag, Reason: "agent is not in error state"}
	}
	m.setStatus(agent, wfmodel.AgentIdle)
	return nil
}

// Get returns a snapshot of the agent record (by value).
func (m *Manager) Get(agentID string) (wfmodel.Agent, error) {
	agent, err := m.get(agentID)
	if err != nil {
		return wfmodel.Agent{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *agent, nil
}

// List returns a snapshot of every agent record.
func (m *Manager) List() []wfmodel.Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]wfmodel.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, *a)
	}
	return out
}

// SpawnAgent satisfies bus.SlashCommandRunner's /spawn command: the
// argument is the new agent's type_tag, and the agent is named
// "<type_tag>-spawned" with no config and no owner.
func (m *Manager) SpawnAgent(ctx context.Context, typeTag string) error {
	_, err := m.CreateAgent(typeTag, typeTag+"-spawned", nil, "")
	return err
}

// KillAgent satisfies bus.SlashCommandRunner's /kill command.
func (m *Manager) KillAgent(ctx context.Context, agentID string) error {
	return m.Terminate(agentID)
}
