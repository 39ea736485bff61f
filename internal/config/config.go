package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/artemis/fleetmigrate/internal/observability"
)

// Role constants
const (
	RoleOrchestrator = "orchestrator"
	RoleAgent        = "agent"
)

// Config holds all application configuration
type Config struct {
	// Operator HTTP/WS surface
	HTTPAddr string `json:"http_addr"`

	// Orchestration wire ports
	DiscoveryPort int `json:"discovery_port"`
	ControlPort   int `json:"control_port"`
	DataPort      int `json:"data_port"`

	// Security configuration
	TLSEnabled bool   `json:"tls_enabled"`
	CertFile   string `json:"cert_file"`
	KeyFile    string `json:"key_file"`

	// Liveness/timing
	StaleTimeout      time.Duration `json:"stale_timeout"`
	HealthInterval    time.Duration `json:"health_interval"`
	ReconnectInterval time.Duration `json:"reconnect_interval"`

	// Scheduling configuration
	MaxConcurrent      int           `json:"max_concurrent"`
	GlobalBandwidthMbps int          `json:"global_bandwidth_mbps"`
	PerJobBandwidthMbps int          `json:"per_job_bandwidth_mbps"`
	RetryBaseDelay     time.Duration `json:"retry_base_delay"`
	RetryMaxDelay      time.Duration `json:"retry_max_delay"`
	MappingStrategy    string        `json:"mapping_strategy"`

	// Transfer worker facade
	TransferDriver  string   `json:"transfer_driver"`
	TransferCommand string   `json:"transfer_command"`
	TransferArgs    []string `json:"transfer_args"`
	TransferImage   string   `json:"transfer_image"`
	DockerHost      string   `json:"docker_host"`

	// Logging configuration
	LogLevel string `json:"log_level"`

	// Data directory for state (assignment queue, history, templates)
	DataDir string `json:"data_dir"`

	// Control-plane auth
	ClusterSecret string `json:"cluster_secret"`

	// Role configuration (orchestrator or agent)
	Role        string       `json:"role,omitempty"`
	Orchestrator *OrchestratorConfig `json:"orchestrator,omitempty"`
	Agent       *AgentConfig `json:"agent,omitempty"`

	mu sync.RWMutex
}

// OrchestratorConfig holds orchestrator-specific configuration
type OrchestratorConfig struct {
	// AutoAssignment enables automatic dispatch of queued assignments
	AutoAssignment bool `json:"auto_assignment"`

	// MaxDestinations is the maximum number of registered destinations allowed (0 = unlimited)
	MaxDestinations int `json:"max_destinations"`
}

// AgentConfig holds destination-agent-specific configuration
type AgentConfig struct {
	// OrchestratorAddr is the last-known control-plane address
	OrchestratorAddr string `json:"orchestrator_addr"`

	// AuthToken is issued by the orchestrator after registration
	AuthToken string `json:"auth_token"`

	// DestinationID is assigned on first registration, then stable
	DestinationID string `json:"destination_id"`

	// AutoReconnect enables the fixed-interval reconnect timer
	AutoReconnect bool `json:"auto_reconnect"`
}

// DefaultOrchestratorConfig returns default orchestrator configuration
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		AutoAssignment:  true,
		MaxDestinations: 0,
	}
}

// DefaultAgentConfig returns default agent configuration
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		OrchestratorAddr: "",
		AuthToken:        "",
		DestinationID:    "",
		AutoReconnect:    true,
	}
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:            ":8080",
		DiscoveryPort:       54321,
		ControlPort:         54322,
		DataPort:            54323,
		TLSEnabled:          false,
		StaleTimeout:        30 * time.Second,
		HealthInterval:      10 * time.Second,
		ReconnectInterval:   5 * time.Second,
		MaxConcurrent:       10,
		GlobalBandwidthMbps: 0,
		PerJobBandwidthMbps: 0,
		RetryBaseDelay:      2 * time.Second,
		RetryMaxDelay:       60 * time.Second,
		MappingStrategy:     "LargestFree",
		TransferDriver:      "shell",
		LogLevel:            "info",
		DataDir:             "", // will use ~/.fleetmigrate by default
	}
}

// LoadConfig loads configuration from a file or returns default config
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, ".fleetmigrate", "config.json")
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".fleetmigrate", "config.json")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	return nil
}

// Redact returns a redacted copy of the config for logging
func (c *Config) Redact() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"http_addr":              c.HTTPAddr,
		"discovery_port":         c.DiscoveryPort,
		"control_port":           c.ControlPort,
		"data_port":              c.DataPort,
		"tls_enabled":            c.TLSEnabled,
		"cert_file":              c.CertFile,
		"key_file":               "***REDACTED***",
		"cluster_secret":         "***REDACTED***",
		"stale_timeout":          c.StaleTimeout,
		"health_interval":        c.HealthInterval,
		"reconnect_interval":     c.ReconnectInterval,
		"max_concurrent":         c.MaxConcurrent,
		"global_bandwidth_mbps":  c.GlobalBandwidthMbps,
		"per_job_bandwidth_mbps": c.PerJobBandwidthMbps,
		"mapping_strategy":       c.MappingStrategy,
		"transfer_driver":        c.TransferDriver,
		"log_level":              c.LogLevel,
		"role":                   observability.RedactString(c.Role),
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = defaults.HTTPAddr
	}
	if cfg.DiscoveryPort == 0 {
		cfg.DiscoveryPort = defaults.DiscoveryPort
	}
	if cfg.ControlPort == 0 {
		cfg.ControlPort = defaults.ControlPort
	}
	if cfg.DataPort == 0 {
		cfg.DataPort = defaults.DataPort
	}
	if cfg.StaleTimeout == 0 {
		cfg.StaleTimeout = defaults.StaleTimeout
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = defaults.HealthInterval
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaults.ReconnectInterval
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = defaults.MaxConcurrent
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = defaults.RetryMaxDelay
	}
	if cfg.MappingStrategy == "" {
		cfg.MappingStrategy = defaults.MappingStrategy
	}
	if cfg.TransferDriver == "" {
		cfg.TransferDriver = defaults.TransferDriver
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}

	if cfg.Role == RoleOrchestrator && cfg.Orchestrator == nil {
		cfg.Orchestrator = DefaultOrchestratorConfig()
	}
	if cfg.Role == RoleAgent && cfg.Agent == nil {
		cfg.Agent = DefaultAgentConfig()
	}
}

// IsOrchestrator returns true if running in orchestrator mode
func (c *Config) IsOrchestrator() bool {
	return c.Role == RoleOrchestrator
}

// IsAgent returns true if running in agent mode
func (c *Config) IsAgent() bool {
	return c.Role == RoleAgent
}

// GetOrchestratorConfig returns orchestrator config, initializing if needed
func (c *Config) GetOrchestratorConfig() *OrchestratorConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Orchestrator == nil {
		c.Orchestrator = DefaultOrchestratorConfig()
	}
	return c.Orchestrator
}

// GetAgentConfig returns agent config, initializing if needed
func (c *Config) GetAgentConfig() *AgentConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Agent == nil {
		c.Agent = DefaultAgentConfig()
	}
	return c.Agent
}

// SetAgentCredentials stores agent credentials after registration
func (c *Config) SetAgentCredentials(destinationID, authToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Agent == nil {
		c.Agent = DefaultAgentConfig()
	}
	c.Agent.DestinationID = destinationID
	c.Agent.AuthToken = authToken
}
