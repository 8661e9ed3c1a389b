// Package config provides configuration loading for the Carapace server.
//
// Configuration lives in config.yaml inside the data directory; the data
// directory itself is selected by CARAPACE_DATA_DIR. Individual values can
// be overridden through CARAPACE_-prefixed environment variables, e.g.
// CARAPACE_SERVER_PORT overrides server.port.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level server and agent configuration.
type Config struct {
	// Carapace holds process-wide settings.
	Carapace CarapaceConfig `yaml:"carapace" mapstructure:"carapace"`
	// Server configures the HTTP/WebSocket listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	// Agent selects the conversation and classifier models.
	Agent AgentConfig `yaml:"agent" mapstructure:"agent"`
	// Security configures the approval gate.
	Security SecurityConfig `yaml:"security" mapstructure:"security"`
	// Sessions configures persistence retention.
	Sessions SessionsConfig `yaml:"sessions" mapstructure:"sessions"`
	// Credentials selects the credential broker backend.
	Credentials CredentialsConfig `yaml:"credentials" mapstructure:"credentials"`
	// Audit configures the gate-decision audit log.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`
}

// CarapaceConfig holds process-wide settings.
type CarapaceConfig struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// ServerConfig configures the listener.
type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AgentConfig selects models.
type AgentConfig struct {
	// Model drives the conversation agent.
	Model string `yaml:"model" mapstructure:"model" validate:"required"`
	// ClassifierModel drives classification and rule evaluation; it should
	// be fast and inexpensive.
	ClassifierModel string `yaml:"classifier_model" mapstructure:"classifier_model" validate:"required"`
}

// SecurityConfig configures the approval gate.
type SecurityConfig struct {
	// ApprovalTimeout is how long a pending approval waits before it is
	// treated as cancelled (Go duration string).
	ApprovalTimeout string `yaml:"approval_timeout" mapstructure:"approval_timeout" validate:"omitempty,duration"`
}

// ApprovalTimeoutDuration parses the approval timeout; zero when unset.
func (s SecurityConfig) ApprovalTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(s.ApprovalTimeout)
	if err != nil {
		return 0
	}
	return d
}

// SessionsConfig configures retention.
type SessionsConfig struct {
	// HistoryRetentionDays is how long idle sessions are kept.
	HistoryRetentionDays int `yaml:"history_retention_days" mapstructure:"history_retention_days" validate:"min=1"`
}

// CredentialsConfig selects the broker backend.
type CredentialsConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend" validate:"oneof=mock"`
}

// AuditConfig configures the decision audit log.
type AuditConfig struct {
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"min=1"`
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Carapace.LogLevel == "" {
		c.Carapace.LogLevel = "info"
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8321
	}
	if c.Agent.Model == "" {
		c.Agent.Model = "gemini-2.0-flash"
	}
	if c.Agent.ClassifierModel == "" {
		c.Agent.ClassifierModel = "gemini-2.0-flash-lite"
	}
	if c.Security.ApprovalTimeout == "" {
		c.Security.ApprovalTimeout = "10m"
	}
	if c.Sessions.HistoryRetentionDays == 0 {
		c.Sessions.HistoryRetentionDays = 90
	}
	if c.Credentials.Backend == "" {
		c.Credentials.Backend = "mock"
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 90
	}
}
