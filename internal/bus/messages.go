// Package bus implements the Realtime Fanout Bus (C6): a typed,
// window-scoped publish/subscribe layer multiplexing orchestrator and
// agent state changes onto long-lived connections.
package bus

import (
	"time"

	"github.com/hanaponodata/alexos-chainbot/internal/wfmodel"
)

// WindowType is one of the closed set of logical client-side view tags.
type WindowType string

const (
	WindowAgentMap        WindowType = "agent_map"
	WindowCodeAgent       WindowType = "code_agent"
	WindowChat            WindowType = "chat"
	WindowWatchtower      WindowType = "watchtower"
	WindowWorkflowBuilder WindowType = "workflow_builder"
	WindowDataImporter    WindowType = "data_importer"
)

// MessageType is the closed enumeration covering connection lifecycle and
// the §6 external type taxonomy: agent lifecycle, code/chat, monitoring,
// workflow, and system message types.
type MessageType string

const (
	// Connection lifecycle.
	MsgConnect     MessageType = "connect"
	MsgDisconnect  MessageType = "disconnect"
	MsgMessage     MessageType = "message"
	MsgStream      MessageType = "stream"
	MsgError       MessageType = "error"
	MsgHeartbeat   MessageType = "heartbeat"
	MsgComplete    MessageType = "complete"

	// Agent lifecycle.
	MsgAgentStatusUpdate MessageType = "agent_status_update"
	MsgAgentSpawn        MessageType = "agent_spawn"
	MsgAgentKill         MessageType = "agent_kill"
	MsgAgentMapUpdate    MessageType = "agent_map_update"

	// Code/chat.
	MsgCodeChange    MessageType = "code_change"
	MsgChatMessage   MessageType = "chat_message"
	MsgAgentResponse MessageType = "agent_response"
	MsgSlashCommand  MessageType = "slash_command"

	// Monitoring.
	MsgLogUpdate   MessageType = "log_update"
	MsgSystemStats MessageType = "system_stats"
	MsgAlert       MessageType = "alert"
	MsgIncident    MessageType = "incident"

	// Workflow.
	MsgWorkflowUpdate   MessageType = "workflow_update"
	MsgWorkflowStart    MessageType = "workflow_start"
	MsgWorkflowComplete MessageType = "workflow_complete"
	MsgWorkflowError    MessageType = "workflow_error"

	// System.
	MsgWindowOpen   MessageType = "window_open"
	MsgWindowFocus  MessageType = "window_focus"
	MsgHotSwap      MessageType = "hot_swap"
	MsgHealthCheck  MessageType = "health_check"
)

// Message is the wire shape of every realtime frame: {message_type,
// window_type, timestamp, data, optional user_id, optional session_id}.
type Message struct {
	MessageType MessageType         `json:"type"`
	WindowType  WindowType          `json:"window_type"`
	Timestamp   time.Time           `json:"timestamp"`
	Data        wfmodel.Envelope    `json:"data"`
	UserID      string              `json:"user_id,omitempty"`
	SessionID   string              `json:"session_id,omitempty"`
}

func NewMessage(msgType MessageType, window WindowType, data wfmodel.Envelope) Message {
	return Message{MessageType: msgType, WindowType: window, Timestamp: time.Now(), Data: data}
}
