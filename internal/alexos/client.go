// Package alexos is the outbound ALEX-OS registration, health-reporting,
// and event-bus client: a side-effect-only collaborator that registers
// this process with the deployment host's agent registry, reports health
// on an interval, emits lifecycle webhooks, and listens on the host's
// event bus for inbound commands.
package alexos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hanaponodata/alexos-chainbot/internal/coreerrors"
	"github.com/hanaponodata/alexos-chainbot/internal/logging"
	"github.com/hanaponodata/alexos-chainbot/internal/wfmodel"
)

// RegistrationStatus is the client's registration lifecycle state.
type RegistrationStatus string

const (
	StatusUnregistered RegistrationStatus = "unregistered"
	StatusRegistering  RegistrationStatus = "registering"
	StatusRegistered   RegistrationStatus = "registered"
	StatusFailed       RegistrationStatus = "failed"
	StatusRetrying     RegistrationStatus = "retrying"
)

// HealthStatus is the client's self-reported health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// Config configures where and how often the client talks to the
// deployment host, named after the alex_os.* config keys.
type Config struct {
	ModuleRegistryURL         string
	EventBusURL               string
	WebhookURL                string
	HealthCheckInterval       time.Duration
	RegistrationRetryInterval time.Duration
	MaxRegistrationAttempts   int
}

func (c Config) withDefaults() Config {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 60 * time.Second
	}
	if c.RegistrationRetryInterval <= 0 {
		c.RegistrationRetryInterval = 30 * time.Second
	}
	if c.MaxRegistrationAttempts <= 0 {
		c.MaxRegistrationAttempts = 10
	}
	return c
}

// AgentInfo is this process's self-description, sent verbatim in the
// registration envelope.
type AgentInfo struct {
	Name           string
	Version        string
	Role           string
	Capabilities   []string
	UIFeatures     []string
	Endpoints      []string
	Port           int
	HealthEndpoint string
}

type registrationPayload struct {
	AgentName        string   `json:"agent_name"`
	AgentVersion     string   `json:"agent_version"`
	Role             string   `json:"role"`
	Capabilities     []string `json:"capabilities"`
	UIFeatures       []string `json:"ui_features"`
	Endpoints        []string `json:"endpoints"`
	Port             int      `json:"port"`
	HealthEndpoint   string   `json:"health_endpoint"`
	EventBusURL      string   `json:"event_bus_url"`
	WebhookURL       string   `json:"webhook_url"`
	RegistrationTime string   `json:"registration_time"`
}

type healthReport struct {
	AgentName            string   `json:"agent_name"`
	AgentVersion         string   `json:"agent_version"`
	Timestamp            string   `json:"timestamp"`
	StatusID             string   `json:"status_id"`
	WorkflowState        string   `json:"workflow_state"`
	ActiveWorkflows      int      `json:"active_workflows"`
	WorkflowBlockers     []string `json:"workflow_blockers"`
	LogExcerpt           string   `json:"log_excerpt"`
	RequiresAttention    bool     `json:"requires_attention"`
	AttentionReason      string   `json:"attention_reason"`
	WebsocketConnections int      `json:"websocket_connections"`
	ActiveAgents         int      `json:"active_agents"`
}

type webhookEvent struct {
	EventType         string         `json:"event_type"`
	Timestamp         string         `json:"timestamp"`
	Source            string         `json:"source"`
	Data              map[string]any `json:"data"`
	Severity          string         `json:"severity"`
	RequiresAttention bool           `json:"requires_attention"`
}

// EventHandler reacts to one inbound event-bus message.
type EventHandler func(eventType string, data map[string]any)

// Client owns the registration/health/event-bus connection lifecycle.
// Safe for concurrent use; UpdateWorkflowState/UpdateAgentState/
// UpdateWebSocketState/SetAttentionRequired are expected to be called
// from other components as their own state changes.
type Client struct {
	cfg   Config
	agent AgentInfo

	httpClient *http.Client
	breaker    *coreerrors.CircuitBreaker
	log        *logging.Logger

	mu               sync.Mutex
	status           RegistrationStatus
	health           HealthStatus
	attempts         int
	lastRegistration time.Time
	activeWorkflows  int
	workflowBlockers []string
	wsConnections    int
	activeAgents     int
	needsAttention   bool
	attentionReason  string

	handlersMu sync.RWMutex
	handlers   map[string][]EventHandler

	connMu sync.Mutex
	conn   *websocket.Conn

	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Client for agent, targeting cfg's registry/event-bus/
// webhook URLs. Call Start to begin registration and background loops.
func New(cfg Config, agent AgentInfo) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:        cfg,
		agent:      agent,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		breaker:    coreerrors.NewCircuitBreaker(5, 30*time.Second),
		log:        logging.NewComponentLogger("alexos"),
		status:     StatusUnregistered,
		health:     HealthUnknown,
		handlers:   make(map[string][]EventHandler),
		done:       make(chan struct{}),
	}
}

// Start performs the initial registration attempt, then launches the
// health-report loop (which also drives registration retries) and, if the
// event bus is reachable, the inbound event listener. Start never blocks
// on the health loop or event listener; it returns once the first
// registration attempt has been made.
func (c *Client) Start(ctx context.Context) error {
	c.registerOnce(ctx)

	c.wg.Add(1)
	go c.healthLoop(ctx)

	if err := c.connectEventBus(ctx); err != nil {
		c.log.Warn("event bus connect failed, will not retry until restart: %v", err)
	} else {
		c.wg.Add(1)
		go c.eventListener()
	}
	return nil
}

// Stop closes the event-bus connection and stops the health loop.
func (c *Client) Stop() {
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()
}

// RegisterHandler subscribes h to inbound event-bus messages of the given
// event_type.
func (c *Client) RegisterHandler(eventType string, h EventHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], h)
}

// UpdateWorkflowState records the orchestrator's current active-execution
// count and any blockers, reflected in the next health report.
func (c *Client) UpdateWorkflowState(active int, blockers []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeWorkflows = active
	c.workflowBlockers = blockers
}

// UpdateAgentState records the agent manager's current active-agent count.
func (c *Client) UpdateAgentState(active int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeAgents = active
}

// UpdateWebSocketState records the fanout bus's current connection count.
func (c *Client) UpdateWebSocketState(connections int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wsConnections = connections
}

// SetAttentionRequired flags (or clears) an operator-attention condition,
// surfaced in the next health report.
func (c *Client) SetAttentionRequired(required bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.needsAttention = required
	c.attentionReason = reason
}

// Status returns the current registration and health status, mostly for
// introspection and tests.
func (c *Client) Status() (RegistrationStatus, HealthStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.health
}

// EmitLifecycleEvent POSTs a named lifecycle event (workflow_started,
// agent_spawned, entanglement_created, ...) to its webhook sub-path and,
// if the event-bus connection is live, also pushes it over the socket.
func (c *Client) EmitLifecycleEvent(ctx context.Context, eventType string, data map[string]wfmodel.Envelope) error {
	c.mu.Lock()
	attention := c.needsAttention
	c.mu.Unlock()

	plain := make(map[string]any, len(data))
	for k, v := range data {
		plain[k] = v.ToAny()
	}
	event := webhookEvent{
		EventType:         eventType,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
		Source:            c.agent.Name,
		Data:              plain,
		Severity:          "info",
		RequiresAttention: attention,
	}

	url := fmt.Sprintf("%s/api/webhooks/chainbot/%s", c.cfg.ModuleRegistryURL, eventType)
	if _, err := c.postJSON(ctx, url, event); err != nil {
		c.log.Warn("lifecycle event %q delivery failed: %v", eventType, err)
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		if err := conn.WriteJSON(event); err != nil {
			return fmt.Errorf("event bus push failed: %w", err)
		}
	}
	return nil
}

func (c *Client) registerOnce(ctx context.Context) {
	c.mu.Lock()
	c.status = StatusRegistering
	c.attempts++
	c.mu.Unlock()

	payload := registrationPayload{
		AgentName:        c.agent.Name,
		AgentVersion:      c.agent.Version,
		Role:             c.agent.Role,
		Capabilities:     c.agent.Capabilities,
		UIFeatures:       c.agent.UIFeatures,
		Endpoints:        c.agent.Endpoints,
		Port:             c.agent.Port,
		HealthEndpoint:   c.agent.HealthEndpoint,
		EventBusURL:      c.cfg.EventBusURL,
		WebhookURL:       c.cfg.WebhookURL,
		RegistrationTime: time.Now().UTC().Format(time.RFC3339),
	}

	url := c.cfg.ModuleRegistryURL + "/api/agents/register"
	resp, err := c.postJSON(ctx, url, payload)
	if err != nil {
		c.log.Error("registration failed: %v", err)
		c.mu.Lock()
		c.status = StatusFailed
		c.mu.Unlock()
		return
	}
	defer resp.Body.Close()

	c.mu.Lock()
	c.status = StatusRegistered
	c.lastRegistration = time.Now()
	c.attempts = 0
	c.mu.Unlock()
	c.log.Info("registered with ALEX OS as %q", c.agent.Name)
}

// healthLoop retries registration while failed, and otherwise POSTs a
// periodic health report, mirroring the original service's combined
// health-monitor/registration-retry loop.
func (c *Client) healthLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			status := c.status
			attempts := c.attempts
			c.mu.Unlock()

			if status == StatusFailed {
				if attempts < c.cfg.MaxRegistrationAttempts {
					c.mu.Lock()
					c.status = StatusRetrying
					c.mu.Unlock()
					c.registerOnce(ctx)
				} else {
					c.log.Error("max registration attempts (%d) reached", c.cfg.MaxRegistrationAttempts)
					c.SetAttentionRequired(true, "failed to register with ALEX OS after maximum attempts")
				}
			}

			report := c.buildHealthReport()
			if err := c.sendHealthReport(ctx, report); err != nil {
				c.log.Warn("health report delivery failed: %v", err)
			}
		}
	}
}

func (c *Client) buildHealthReport() healthReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.status == StatusRegistered:
		c.health = HealthHealthy
	default:
		c.health = HealthUnhealthy
	}

	workflowState := "idle"
	if c.activeWorkflows > 0 {
		workflowState = "running"
	}

	return healthReport{
		AgentName:            c.agent.Name,
		AgentVersion:         c.agent.Version,
		Timestamp:            time.Now().UTC().Format(time.RFC3339),
		StatusID:             string(c.health),
		WorkflowState:        workflowState,
		ActiveWorkflows:      c.activeWorkflows,
		WorkflowBlockers:     c.workflowBlockers,
		LogExcerpt:           "operational - no recent errors",
		RequiresAttention:    c.needsAttention,
		AttentionReason:      c.attentionReason,
		WebsocketConnections: c.wsConnections,
		ActiveAgents:         c.activeAgents,
	}
}

func (c *Client) sendHealthReport(ctx context.Context, report healthReport) error {
	healthURL := c.cfg.WebhookURL + "/health"
	if _, err := c.postJSON(ctx, healthURL, report); err != nil {
		return err
	}
	statusURL := c.cfg.WebhookURL + "/status"
	_, err := c.postJSON(ctx, statusURL, report)
	return err
}

func (c *Client) connectEventBus(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.EventBusURL, nil)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.log.Info("connected to ALEX OS event bus")
	return nil
}

// eventListener reads inbound messages until the socket closes or Stop is
// called, dispatching each to handlers registered for its event_type.
func (c *Client) eventListener() {
	defer c.wg.Done()
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return
	}

	for {
		var msg struct {
			EventType string         `json:"event_type"`
			Source    string         `json:"source"`
			Data      map[string]any `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.log.Error("event listener error: %v", err)
			return
		}

		c.handlersMu.RLock()
		hs := append([]EventHandler(nil), c.handlers[msg.EventType]...)
		c.handlersMu.RUnlock()
		for _, h := range hs {
			h(msg.EventType, msg.Data)
		}
		c.log.Info("received event %q from %q", msg.EventType, msg.Source)
	}
}

func (c *Client) postJSON(ctx context.Context, url string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	breakerErr := c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		r, err := c.httpClient.Do(req)
		if err != nil {
			return coreerrors.ClassifyExternalError(err, 0)
		}
		if r.StatusCode >= 300 {
			raw, _ := io.ReadAll(r.Body)
			r.Body.Close()
			if r.StatusCode >= 500 {
				return coreerrors.NewTransientError(fmt.Errorf("status %d: %s", r.StatusCode, string(raw)), r.StatusCode, 0)
			}
			return coreerrors.NewPermanentError(fmt.Errorf("status %d: %s", r.StatusCode, string(raw)), r.StatusCode)
		}
		resp = r
		return nil
	})
	if breakerErr != nil {
		if breakerErr == coreerrors.ErrCircuitOpen {
			return nil, fmt.Errorf("alex os endpoint circuit open: %s", url)
		}
		return nil, breakerErr
	}
	return resp, nil
}
