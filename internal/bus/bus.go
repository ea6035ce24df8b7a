package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hanaponodata/alexos-chainbot/internal/logging"
	"github.com/hanaponodata/alexos-chainbot/internal/wfmodel"
)

// Transport is the send/close surface a connection's underlying socket
// implements; gorilla/websocket.Conn is adapted to this in the bootstrap
// wiring, and tests use an in-memory fake.
type Transport interface {
	Send(Message) error
	Close() error
}

// Connection is exclusively owned by the Bus.
type Connection struct {
	ConnectionID  string
	Transport     Transport
	WindowType    WindowType
	UserID        string
	SessionID     string
	ConnectedAt   time.Time
	lastActivity  atomicTime
	Subscriptions map[WindowType]struct{}
}

func (c *Connection) LastActivity() time.Time { return c.lastActivity.Load() }
func (c *Connection) touch()                  { c.lastActivity.Store(time.Now()) }

// InboundHandler processes a parsed inbound Message from a connection.
type InboundHandler func(ctx context.Context, bus *Bus, conn *Connection, msg Message) error

// ConnectionMetrics is the narrow surface Connect/Disconnect report
// against; *metrics.Registry satisfies it without this package importing
// metrics directly.
type ConnectionMetrics interface {
	IncBusConnection(ctx context.Context)
	DecBusConnection(ctx context.Context)
}

// Bus is the connection registry and dispatcher. The global map, the
// per-window buckets, and the per-user index are each a single logical
// critical section on mutation; lookups proceed against a consistent
// snapshot under RLock.
type Bus struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	byWindow    map[WindowType]map[string]*Connection
	byUser      map[string]map[string]*Connection

	handlersMu sync.RWMutex
	handlers   map[MessageType][]InboundHandler

	idleThreshold time.Duration
	reapInterval  time.Duration
	log           *logging.Logger
	metrics       ConnectionMetrics

	stop     chan struct{}
	stopOnce sync.Once
}

func New(idleThreshold, reapInterval time.Duration) *Bus {
	if idleThreshold <= 0 {
		idleThreshold = 30 * time.Minute
	}
	if reapInterval <= 0 {
		reapInterval = time.Minute
	}
	b := &Bus{
		connections:   make(map[string]*Connection),
		byWindow:      make(map[WindowType]map[string]*Connection),
		byUser:        make(map[string]map[string]*Connection),
		handlers:      make(map[MessageType][]InboundHandler),
		idleThreshold: idleThreshold,
		reapInterval:  reapInterval,
		log:           logging.NewComponentLogger("bus"),
		stop:          make(chan struct{}),
	}
	registerBuiltinHandlers(b)
	return b
}

// WithMetrics attaches a connection-count collaborator; nil is a valid
// no-op (the core wires this after New since metrics.Registry's own
// construction can fail).
func (b *Bus) WithMetrics(m ConnectionMetrics) *Bus {
	b.metrics = m
	return b
}

// Connect registers a new connection, assigns a unique connection_id,
// sends a welcome message announcing the window's capability set, and
// returns the Connection for the caller's receive loop.
func (b *Bus) Connect(transport Transport, window WindowType, userID, sessionID string) *Connection {
	conn := &Connection{
		ConnectionID:  uuid.NewString(),
		Transport:     transport,
		WindowType:    window,
		UserID:        userID,
		SessionID:     sessionID,
		ConnectedAt:   time.Now(),
		Subscriptions: map[WindowType]struct{}{window: {}},
	}
	conn.touch()

	b.mu.Lock()
	b.connections[conn.ConnectionID] = conn
	if b.byWindow[window] == nil {
		b.byWindow[window] = make(map[string]*Connection)
	}
	b.byWindow[window][conn.ConnectionID] = conn
	if userID != "" {
		if b.byUser[userID] == nil {
			b.byUser[userID] = make(map[string]*Connection)
		}
		b.byUser[userID][conn.ConnectionID] = conn
	}
	b.mu.Unlock()

	welcome := NewMessage(MsgConnect, window, wfmodel.Map(map[string]wfmodel.Envelope{
		"connection_id": wfmodel.String(conn.ConnectionID),
		"window_type":   wfmodel.String(string(window)),
	}))
	_ = b.SendTo(conn.ConnectionID, welcome)
	if b.metrics != nil {
		b.metrics.IncBusConnection(context.Background())
	}
	return conn
}

// Disconnect deregisters a connection from every index and closes its
// transport.
func (b *Bus) Disconnect(connectionID string) {
	b.mu.Lock()
	conn, ok := b.connections[connectionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.connections, connectionID)
	if bucket := b.byWindow[conn.WindowType]; bucket != nil {
		delete(bucket, connectionID)
	}
	if conn.UserID != "" {
		if bucket := b.byUser[conn.UserID]; bucket != nil {
			delete(bucket, connectionID)
		}
	}
	b.mu.Unlock()

	_ = conn.Transport.Close()
	if b.metrics != nil {
		b.metrics.DecBusConnection(context.Background())
	}
	b.log.Info("disconnected connection %s", connectionID)
}

// SendTo delivers msg to one connection, preserving send order for that
// connection. A failing send triggers immediate disconnection.
func (b *Bus) SendTo(connectionID string, msg Message) error {
	b.mu.RLock()
	conn, ok := b.connections[connectionID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no such connection %q", connectionID)
	}
	if err := conn.Transport.Send(msg); err != nil {
		b.Disconnect(connectionID)
		return err
	}
	conn.touch()
	return nil
}

// BroadcastToWindow iterates that window's bucket; a failing send
// disconnects only that recipient.
func (b *Bus) BroadcastToWindow(window string, msgType string, data wfmodel.Envelope, userID string) error {
	msg := NewMessage(MessageType(msgType), WindowType(window), data)
	msg.UserID = userID
	b.mu.RLock()
	targets := make([]*Connection, 0, len(b.byWindow[WindowType(window)]))
	for _, c := range b.byWindow[WindowType(window)] {
		targets = append(targets, c)
	}
	b.mu.RUnlock()
	for _, conn := range targets {
		if err := conn.Transport.Send(msg); err != nil {
			b.Disconnect(conn.ConnectionID)
			continue
		}
		conn.touch()
	}
	return nil
}

// BroadcastToUser delivers msg to every connection owned by userID.
func (b *Bus) BroadcastToUser(userID string, msg Message) {
	b.mu.RLock()
	targets := make([]*Connection, 0, len(b.byUser[userID]))
	for _, c := range b.byUser[userID] {
		targets = append(targets, c)
	}
	b.mu.RUnlock()
	for _, conn := range targets {
		if err := conn.Transport.Send(msg); err != nil {
			b.Disconnect(conn.ConnectionID)
			continue
		}
		conn.touch()
	}
}

// BroadcastToAll delivers msg to every connected client.
func (b *Bus) BroadcastToAll(msg Message) {
	b.mu.RLock()
	targets := make([]*Connection, 0, len(b.connections))
	for _, c := range b.connections {
		targets = append(targets, c)
	}
	b.mu.RUnlock()
	for _, conn := range targets {
		if err := conn.Transport.Send(msg); err != nil {
			b.Disconnect(conn.ConnectionID)
			continue
		}
		conn.touch()
	}
}

// RegisterHandler adds an inbound handler for a message type; built-ins
// are registered at construction and run in registration order, ahead of
// any caller-supplied handler for the same type.
func (b *Bus) RegisterHandler(msgType MessageType, handler InboundHandler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers[msgType] = append(b.handlers[msgType], handler)
}

// HandleInbound parses an incoming client message (already decoded into
// the typed shape by the caller) and invokes registered handlers in
// order.
func (b *Bus) HandleInbound(ctx context.Context, conn *Connection, msg Message) error {
	conn.touch()
	b.handlersMu.RLock()
	handlers := append([]InboundHandler(nil), b.handlers[msg.MessageType]...)
	b.handlersMu.RUnlock()
	for _, h := range handlers {
		if err := h(ctx, b, conn, msg); err != nil {
			return err
		}
	}
	return nil
}

// StartReaper sweeps at reapInterval and disconnects any connection whose
// last_activity is older than idleThreshold.
func (b *Bus) StartReaper(ctx context.Context) {
	ticker := time.NewTicker(b.reapInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stop:
				return
			case <-ticker.C:
				b.reapIdle()
			}
		}
	}()
}

func (b *Bus) reapIdle() {
	cutoff := time.Now().Add(-b.idleThreshold)
	b.mu.RLock()
	stale := make([]string, 0)
	for id, c := range b.connections {
		if c.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	b.mu.RUnlock()
	for _, id := range stale {
		b.Disconnect(id)
	}
}

func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// ConnectionCount reports the number of live connections, for metrics.
func (b *Bus) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.connections)
}
