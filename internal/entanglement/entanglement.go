// Package entanglement implements Agent Entanglement (C9): named groups
// of agents sharing a message log, with direct send, group broadcast,
// and coordinated parallel task dispatch.
package entanglement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hanaponodata/alexos-chainbot/internal/audit"
	"github.com/hanaponodata/alexos-chainbot/internal/wfmodel"
)

// NotFoundError reports an unknown entanglement_id.
type NotFoundError struct{ EntanglementID string }

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("entanglement: %q not found", e.EntanglementID)
}

// NotEntangledError reports that sender and receiver do not share an
// entanglement.
type NotEntangledError struct{ Sender, Receiver string }

func (e *NotEntangledError) Error() string {
	return fmt.Sprintf("entanglement: %q and %q do not share an entanglement", e.Sender, e.Receiver)
}

// InsufficientMembersError reports Coordinate called on a group with
// fewer than two members.
type InsufficientMembersError struct{ EntanglementID string }

func (e *InsufficientMembersError) Error() string {
	return fmt.Sprintf("entanglement: %q needs at least 2 members to coordinate", e.EntanglementID)
}

// Message is one entry of an entanglement's shared log.
type Message struct {
	ID        string
	SenderID  string
	Receiver  string // empty for a broadcast
	Content   string
	Type      string
	Metadata  map[string]wfmodel.Envelope
	Timestamp time.Time
}

type group struct {
	ID          string
	Name        string
	Description string
	Owner       string
	Members     map[string]struct{}
	Log         []Message
	CreatedAt   time.Time
}

// Publisher is the C6 surface entanglement events broadcast through.
type Publisher interface {
	BroadcastToWindow(window string, msgType string, data wfmodel.Envelope, userID string) error
}

// Auditor is the C8 surface entanglement operations are recorded
// through.
type Auditor interface {
	LogEvent(action, actorID, targetType, targetID string, assoc audit.Associations, metadata map[string]wfmodel.Envelope, severity audit.Severity) audit.Record
}

// AgentSender is the C5 surface Coordinate dispatches task messages
// through; satisfied by agentmgr.StepSender.
type AgentSender interface {
	SendMessage(ctx context.Context, agentID, message string, extra map[string]wfmodel.Envelope) (wfmodel.Envelope, map[string]wfmodel.Envelope, error)
}

// Manager owns the live entanglement-group table.
type Manager struct {
	mu     sync.RWMutex
	groups map[string]*group

	bus    Publisher
	audit  Auditor
	agents AgentSender
}

func New(bus Publisher, auditSink Auditor, agents AgentSender) *Manager {
	return &Manager{
		groups: make(map[string]*group),
		bus:    bus,
		audit:  auditSink,
		agents: agents,
	}
}

// Create allocates a new entanglement group.
func (m *Manager) Create(name, description, owner string) string {
	g := &group{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Owner:       owner,
		Members:     make(map[string]struct{}),
		CreatedAt:   time.Now(),
	}
	m.mu.Lock()
	m.groups[g.ID] = g
	m.mu.Unlock()

	if m.audit != nil {
		m.audit.LogEvent("entanglement_created", owner, "entanglement", g.ID,
			audit.Associations{EntanglementID: g.ID}, map[string]wfmodel.Envelope{
				"name": wfmodel.String(name),
			}, audit.SeverityInfo)
	}
	return g.ID
}

func (m *Manager) get(entanglementID string) (*group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[entanglementID]
	if !ok {
		return nil, &NotFoundError{EntanglementID: entanglementID}
	}
	return g, nil
}

// AddAgent adds an agent to the entanglement's membership set.
func (m *Manager) AddAgent(entanglementID, agentID string) error {
	g, err := m.get(entanglementID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	g.Members[agentID] = struct{}{}
	m.mu.Unlock()

	if m.bus != nil {
		_ = m.bus.BroadcastToWindow("agent_map", "agent_map_update", wfmodel.Map(map[string]wfmodel.Envelope{
			"entanglement_id": wfmodel.String(entanglementID),
			"agent_id":        wfmodel.String(agentID),
			"event":           wfmodel.String("agent_added"),
		}), g.Owner)
	}
	return nil
}

// RemoveAgent removes an agent from the entanglement's membership set.
func (m *Manager) RemoveAgent(entanglementID, agentID string) error {
	g, err := m.get(entanglementID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(g.Members, agentID)
	m.mu.Unlock()

	if m.bus != nil {
		_ = m.bus.BroadcastToWindow("agent_map", "agent_map_update", wfmodel.Map(map[string]wfmodel.Envelope{
			"entanglement_id": wfmodel.String(entanglementID),
			"agent_id":        wfmodel.String(agentID),
			"event":           wfmodel.String("agent_removed"),
		}), g.Owner)
	}
	return nil
}

func (g *group) hasMember(agentID string) bool {
	_, ok := g.Members[agentID]
	return ok
}

// sharedGroup returns the first entanglement both sender and receiver
// belong to.
func (m *Manager) sharedGroup(sender, receiver string) *group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.groups {
		if g.hasMember(sender) && g.hasMember(receiver) {
			return g
		}
	}
	return nil
}

// Send requires sender and receiver share an entanglement, appends the
// message to the group log, and broadcasts it on C6.
func (m *Manager) Send(sender, receiver, content, msgType string, meta map[string]wfmodel.Envelope) (Message, error) {
	g := m.sharedGroup(sender, receiver)
	if g == nil {
		return Message{}, &NotEntangledError{Sender: sender, Receiver: receiver}
	}

	msg := Message{
		ID:        uuid.NewString(),
		SenderID:  sender,
		Receiver:  receiver,
		Content:   content,
		Type:      msgType,
		Metadata:  meta,
		Timestamp: time.Now(),
	}

	m.mu.Lock()
	g.Log = append(g.Log, msg)
	m.mu.Unlock()

	if m.bus != nil {
		_ = m.bus.BroadcastToWindow("agent_map", "chat_message", messageEnvelope(msg), "")
	}
	return msg, nil
}

// Broadcast fans a message out to every other member of an
// entanglement.
func (m *Manager) Broadcast(sender, entanglementID, content, msgType string, meta map[string]wfmodel.Envelope) ([]Message, error) {
	g, err := m.get(entanglementID)
	if err != nil {
		return nil, err
	}
	if !g.hasMember(sender) {
		return nil, &NotEntangledError{Sender: sender, Receiver: entanglementID}
	}

	m.mu.RLock()
	receivers := make([]string, 0, len(g.Members))
	for agentID := range g.Members {
		if agentID != sender {
			receivers = append(receivers, agentID)
		}
	}
	m.mu.RUnlock()

	sent := make([]Message, 0, len(receivers))
	for _, receiver := range receivers {
		msg := Message{
			ID:        uuid.NewString(),
			SenderID:  sender,
			Receiver:  receiver,
			Content:   content,
			Type:      msgType,
			Metadata:  meta,
			Timestamp: time.Now(),
		}
		m.mu.Lock()
		g.Log = append(g.Log, msg)
		m.mu.Unlock()
		sent = append(sent, msg)
	}

	if m.bus != nil {
		_ = m.bus.BroadcastToWindow("agent_map", "chat_message", wfmodel.Map(map[string]wfmodel.Envelope{
			"entanglement_id": wfmodel.String(entanglementID),
			"sender_id":       wfmodel.String(sender),
			"content":         wfmodel.String(content),
		}), "")
	}
	return sent, nil
}

// CoordinateResult is Coordinate's public return shape.
type CoordinateResult struct {
	EntanglementID string
	Task           string
	Agents         []string
	ResultsByAgent map[string]string
}

// Coordinate requires at least 2 members, broadcasts the task, and
// invokes C5.SendMessage on each member in parallel.
func (m *Manager) Coordinate(ctx context.Context, entanglementID, task string, taskContext map[string]wfmodel.Envelope) (CoordinateResult, error) {
	g, err := m.get(entanglementID)
	if err != nil {
		return CoordinateResult{}, err
	}

	m.mu.RLock()
	members := make([]string, 0, len(g.Members))
	for agentID := range g.Members {
		members = append(members, agentID)
	}
	m.mu.RUnlock()

	if len(members) < 2 {
		return CoordinateResult{}, &InsufficientMembersError{EntanglementID: entanglementID}
	}

	if m.bus != nil {
		_ = m.bus.BroadcastToWindow("agent_map", "chat_message", wfmodel.Map(map[string]wfmodel.Envelope{
			"entanglement_id": wfmodel.String(entanglementID),
			"task":            wfmodel.String(task),
			"event":           wfmodel.String("coordination_started"),
		}), g.Owner)
	}

	type outcome struct {
		agentID  string
		response string
	}
	results := make(chan outcome, len(members))
	var wg sync.WaitGroup
	for _, agentID := range members {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			response := ""
			if m.agents != nil {
				env, _, err := m.agents.SendMessage(ctx, agentID, task, taskContext)
				if err == nil {
					response, _ = env.AsString()
				}
			}
			results <- outcome{agentID: agentID, response: response}
		}(agentID)
	}
	wg.Wait()
	close(results)

	resultsByAgent := make(map[string]string, len(members))
	for o := range results {
		resultsByAgent[o.agentID] = o.response
	}

	return CoordinateResult{
		EntanglementID: entanglementID,
		Task:           task,
		Agents:         members,
		ResultsByAgent: resultsByAgent,
	}, nil
}

// Cleanup removes all members and drops the log.
func (m *Manager) Cleanup(entanglementID string) error {
	g, err := m.get(entanglementID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	g.Members = make(map[string]struct{})
	g.Log = nil
	m.mu.Unlock()
	return nil
}

func messageEnvelope(msg Message) wfmodel.Envelope {
	return wfmodel.Map(map[string]wfmodel.Envelope{
		"id":        wfmodel.String(msg.ID),
		"sender_id": wfmodel.String(msg.SenderID),
		"receiver":  wfmodel.String(msg.Receiver),
		"content":   wfmodel.String(msg.Content),
		"type":      wfmodel.String(msg.Type),
	})
}
