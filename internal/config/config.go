// Package config defines the root Config structure and its layered
// loader: YAML file, ${VAR}-expansion, then a fixed-prefix environment
// overlay, matching the recognized key sections of the external
// interface contract.
package config

import (
	"fmt"
	"strings"
	"time"
)

// ServerConfig is the bind address for the HTTP collaborator; the core
// itself has no HTTP surface but still recognizes and validates the key.
type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8000
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	return nil
}

// DatabaseConfig is the backing-store connection string; recognized but
// unused since persistence is out of scope.
type DatabaseConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// AlexOSConfig mirrors alexos.Config's field set for YAML/env loading.
type AlexOSConfig struct {
	ModuleRegistryURL         string        `yaml:"module_registry_url" mapstructure:"module_registry_url"`
	EventBusURL               string        `yaml:"event_bus_url" mapstructure:"event_bus_url"`
	WebhookURL                string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	HealthCheckInterval       time.Duration `yaml:"health_check_interval" mapstructure:"health_check_interval"`
	RegistrationRetryInterval time.Duration `yaml:"registration_retry_interval" mapstructure:"registration_retry_interval"`
	MaxRegistrationAttempts   int           `yaml:"max_registration_attempts" mapstructure:"max_registration_attempts"`
}

func (c *AlexOSConfig) SetDefaults() {
	if c.ModuleRegistryURL == "" {
		c.ModuleRegistryURL = "http://10.42.69.208:8000"
	}
	if c.EventBusURL == "" {
		c.EventBusURL = "ws://10.42.69.208:8000/ws/events"
	}
	if c.WebhookURL == "" {
		c.WebhookURL = "http://10.42.69.208:9000/api/webhooks/chainbot"
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 60 * time.Second
	}
	if c.RegistrationRetryInterval <= 0 {
		c.RegistrationRetryInterval = 30 * time.Second
	}
	if c.MaxRegistrationAttempts <= 0 {
		c.MaxRegistrationAttempts = 10
	}
}

// OpenAIConfig configures the remote provider client (C3).
type OpenAIConfig struct {
	APIKey      string        `yaml:"api_key" mapstructure:"api_key"`
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	Model       string        `yaml:"model" mapstructure:"model"`
	MaxTokens   int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64       `yaml:"temperature" mapstructure:"temperature"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

func (c *OpenAIConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com"
	}
	if c.Model == "" {
		c.Model = "gpt-4"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 2048
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

func (c *OpenAIConfig) Validate() error {
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature %v out of range [0,2]", c.Temperature)
	}
	return nil
}

// MaclinkConfig configures one of C3's local-provider candidate endpoint
// families.
type MaclinkConfig struct {
	BaseURL      string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey       string        `yaml:"api_key" mapstructure:"api_key"`
	ModelsPath   string        `yaml:"models_path" mapstructure:"models_path"`
	GeneratePath string        `yaml:"generate_path" mapstructure:"generate_path"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
}

func (c *MaclinkConfig) SetDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.ModelsPath == "" {
		c.ModelsPath = "/v1/models"
	}
	if c.GeneratePath == "" {
		c.GeneratePath = "/v1/chat/completions"
	}
}

// WebSocketConfig configures the realtime fanout bus (C6).
type WebSocketConfig struct {
	MaxConnections    int           `yaml:"max_connections" mapstructure:"max_connections"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" mapstructure:"connection_timeout"`
	MessageSizeLimit  int           `yaml:"message_size_limit" mapstructure:"message_size_limit"`
}

func (c *WebSocketConfig) SetDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 500
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 90 * time.Second
	}
	if c.MessageSizeLimit <= 0 {
		c.MessageSizeLimit = 1 << 20
	}
}

// SecurityConfig configures auth concerns owned by the HTTP collaborator;
// recognized and validated here even though auth middleware itself is out
// of scope.
type SecurityConfig struct {
	SecretKey                string        `yaml:"secret_key" mapstructure:"secret_key"`
	Algorithm                string        `yaml:"algorithm" mapstructure:"algorithm"`
	AccessTokenExpireMinutes int           `yaml:"access_token_expire_minutes" mapstructure:"access_token_expire_minutes"`
	CORSOrigins              []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
	RateLimitRequests        int           `yaml:"rate_limit_requests" mapstructure:"rate_limit_requests"`
	RateLimitWindow          time.Duration `yaml:"rate_limit_window" mapstructure:"rate_limit_window"`
}

func (c *SecurityConfig) SetDefaults() {
	if c.Algorithm == "" {
		c.Algorithm = "HS256"
	}
	if c.AccessTokenExpireMinutes <= 0 {
		c.AccessTokenExpireMinutes = 60
	}
	if c.RateLimitRequests <= 0 {
		c.RateLimitRequests = 100
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Minute
	}
}

// WorkflowConfig configures the orchestrator (C7).
type WorkflowConfig struct {
	MaxConcurrentWorkflows int           `yaml:"max_concurrent_workflows" mapstructure:"max_concurrent_workflows"`
	WorkflowTimeout        time.Duration `yaml:"workflow_timeout" mapstructure:"workflow_timeout"`
	AutoRetryFailed        bool          `yaml:"auto_retry_failed" mapstructure:"auto_retry_failed"`
	MaxRetryAttempts       int           `yaml:"max_retry_attempts" mapstructure:"max_retry_attempts"`
}

func (c *WorkflowConfig) SetDefaults() {
	if c.MaxConcurrentWorkflows <= 0 {
		c.MaxConcurrentWorkflows = 50
	}
	if c.WorkflowTimeout <= 0 {
		c.WorkflowTimeout = 30 * time.Minute
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
}

// AgentConfig configures the agent manager (C5).
type AgentConfig struct {
	MaxConcurrentAgents    int           `yaml:"max_concurrent_agents" mapstructure:"max_concurrent_agents"`
	AgentTimeout           time.Duration `yaml:"agent_timeout" mapstructure:"agent_timeout"`
	DefaultAgentType       string        `yaml:"default_agent_type" mapstructure:"default_agent_type"`
	AgentHeartbeatInterval time.Duration `yaml:"agent_heartbeat_interval" mapstructure:"agent_heartbeat_interval"`
}

func (c *AgentConfig) SetDefaults() {
	if c.MaxConcurrentAgents <= 0 {
		c.MaxConcurrentAgents = 100
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 5 * time.Minute
	}
	if c.DefaultAgentType == "" {
		c.DefaultAgentType = "assistant"
	}
	if c.AgentHeartbeatInterval <= 0 {
		c.AgentHeartbeatInterval = 30 * time.Second
	}
}

// AuditConfig configures the audit sink (C8).
type AuditConfig struct {
	Enabled       bool `yaml:"enabled" mapstructure:"enabled"`
	LogAllActions bool `yaml:"log_all_actions" mapstructure:"log_all_actions"`
	RetentionDays int  `yaml:"retention_days" mapstructure:"retention_days"`
}

func (c *AuditConfig) SetDefaults() {
	c.Enabled = true
	if c.RetentionDays <= 0 {
		c.RetentionDays = 90
	}
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	AlexOS    AlexOSConfig    `yaml:"alex_os" mapstructure:"alex_os"`
	OpenAI    OpenAIConfig    `yaml:"openai" mapstructure:"openai"`
	Maclink   MaclinkConfig   `yaml:"maclink" mapstructure:"maclink"`
	WebSocket WebSocketConfig `yaml:"websocket" mapstructure:"websocket"`
	Security  SecurityConfig  `yaml:"security" mapstructure:"security"`
	Workflow  WorkflowConfig  `yaml:"workflow" mapstructure:"workflow"`
	Agent     AgentConfig     `yaml:"agent" mapstructure:"agent"`
	Audit     AuditConfig     `yaml:"audit" mapstructure:"audit"`
}

// SetDefaults fills in every section's zero-valued fields.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.AlexOS.SetDefaults()
	c.OpenAI.SetDefaults()
	c.Maclink.SetDefaults()
	c.WebSocket.SetDefaults()
	c.Security.SetDefaults()
	c.Workflow.SetDefaults()
	c.Agent.SetDefaults()
	c.Audit.SetDefaults()
}

// Validate checks every section, accumulating errors rather than failing
// on the first one.
func (c *Config) Validate() error {
	var errs []string
	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server: %v", err))
	}
	if err := c.OpenAI.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("openai: %v", err))
	}
	if c.Workflow.MaxConcurrentWorkflows <= 0 {
		errs = append(errs, "workflow.max_concurrent_workflows must be positive")
	}
	if c.Agent.MaxConcurrentAgents <= 0 {
		errs = append(errs, "agent.max_concurrent_agents must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
