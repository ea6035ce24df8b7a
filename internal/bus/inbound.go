package bus

import (
	"context"
	"strings"
)

// SlashCommandRunner executes the small slash-command grammar's effects;
// satisfied by the orchestrator (/run) and agent manager (/spawn, /kill)
// in the bootstrap wiring.
type SlashCommandRunner interface {
	RunWorkflow(ctx context.Context, name string) error
	SpawnAgent(ctx context.Context, typeTag string) error
	KillAgent(ctx context.Context, agentID string) error
}

var slashRunner SlashCommandRunner

// SetSlashCommandRunner wires the orchestrator/agent-manager collaborators
// the slash-command grammar dispatches to. Package-level because the
// built-in handlers are registered once at Bus construction, before the
// rest of Core exists.
func SetSlashCommandRunner(r SlashCommandRunner) { slashRunner = r }

func registerBuiltinHandlers(b *Bus) {
	b.RegisterHandler(MsgWindowFocus, handleWindowFocus)
	b.RegisterHandler(MsgHotSwap, handleHotSwap)
	b.RegisterHandler(MsgSlashCommand, handleSlashCommand)
}

// handleWindowFocus updates the connection's active window subscription
// without re-registering the connection.
func handleWindowFocus(ctx context.Context, bus *Bus, conn *Connection, msg Message) error {
	m, ok := msg.Data.AsMap()
	if !ok {
		return nil
	}
	windowStr, _ := m["window_type"].AsString()
	if windowStr == "" {
		return nil
	}
	window := WindowType(windowStr)

	bus.mu.Lock()
	if bus.byWindow[window] == nil {
		bus.byWindow[window] = make(map[string]*Connection)
	}
	bus.byWindow[window][conn.ConnectionID] = conn
	conn.Subscriptions[window] = struct{}{}
	bus.mu.Unlock()
	return nil
}

// handleHotSwap republishes a payload to a different window.
func handleHotSwap(ctx context.Context, bus *Bus, conn *Connection, msg Message) error {
	m, ok := msg.Data.AsMap()
	if !ok {
		return nil
	}
	targetWindow, _ := m["target_window"].AsString()
	payload := m["payload"]
	if targetWindow == "" {
		return nil
	}
	return bus.BroadcastToWindow(targetWindow, string(MsgHotSwap), payload, conn.UserID)
}

// handleSlashCommand parses "/run <workflow>", "/spawn <agent_type>", and
// "/kill <agent_id>".
func handleSlashCommand(ctx context.Context, bus *Bus, conn *Connection, msg Message) error {
	m, ok := msg.Data.AsMap()
	if !ok {
		return nil
	}
	raw, _ := m["command"].AsString()
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "/") || slashRunner == nil {
		return nil
	}
	parts := strings.Fields(raw)
	if len(parts) < 2 {
		return nil
	}
	switch parts[0] {
	case "/run":
		return slashRunner.RunWorkflow(ctx, parts[1])
	case "/spawn":
		return slashRunner.SpawnAgent(ctx, parts[1])
	case "/kill":
		return slashRunner.KillAgent(ctx, parts[1])
	}
	return nil
}
