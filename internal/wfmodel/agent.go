package wfmodel

import "time"

// AgentStatus is the agent state-machine's current state.
type AgentStatus string

const (
	AgentIdle          AgentStatus = "idle"
	AgentBusy          AgentStatus = "busy"
	AgentThinking      AgentStatus = "thinking"
	AgentCommunicating AgentStatus = "communicating"
	AgentError         AgentStatus = "error"
	AgentOffline       AgentStatus = "offline"
)

// Agent is an addressable interlocutor; issues completions via the Brain.
// Agent is shared by value: callers receive cheap snapshots rather than a
// pointer into the manager's table.
type Agent struct {
	ID           string
	Name         string
	TypeTag      string
	Config       map[string]Envelope
	Status       AgentStatus
	Capabilities []string
	LastActivity time.Time
	OwnerID      string
}
