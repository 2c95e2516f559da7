// Package config loads tracescope configuration from YAML with environment
// overrides. The config file lives at <workspace>/.tracescope/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all tracescope configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// HTTP service endpoint
	Server ServerConfig `yaml:"server"`

	// Companion channel (editor integration peer)
	Companion CompanionConfig `yaml:"companion"`

	// Embedded trace store
	Storage StorageConfig `yaml:"storage"`

	// Editor integration manager
	Integration IntegrationConfig `yaml:"integration"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the local service endpoint.
type ServerConfig struct {
	// Preferred port; negotiation scans upward from here when occupied.
	PreferredPort int    `yaml:"preferred_port"`
	Host          string `yaml:"host"`
	// Maximum number of consecutive ports tried during negotiation.
	PortScanLimit int `yaml:"port_scan_limit"`
}

// CompanionConfig configures the companion channel and peer client policy.
type CompanionConfig struct {
	// Base reconnect delay; attempt N waits N*base.
	ReconnectDelay string `yaml:"reconnect_delay"`
	// Attempts before the client gives up until the next refresh.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	// Outbound commands buffered while the peer is unregistered.
	CommandBufferSize int `yaml:"command_buffer_size"`
}

// StorageConfig configures the embedded SQLite store.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// IntegrationConfig configures the editor integration manager.
type IntegrationConfig struct {
	// Editor binary probed with exec.LookPath ("code" for VS Code).
	EditorBinary string `yaml:"editor_binary"`
	// Marketplace id of the companion extension.
	ExtensionID string `yaml:"extension_id"`
	// Health check interval; 0 disables periodic checking.
	CheckInterval string `yaml:"check_interval"`
	// Workspace root watched for workspace-changed events.
	WorkspacePath   string `yaml:"workspace_path"`
	EnableJumpToCode bool  `yaml:"enable_jump_to_code"`
	EnableTraceSync  bool  `yaml:"enable_trace_sync"`
}

// LoggingConfig configures categorized logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "tracescope",
		Version: "1.0.0",

		Server: ServerConfig{
			PreferredPort: 31847,
			Host:          "127.0.0.1",
			PortScanLimit: 100,
		},

		Companion: CompanionConfig{
			ReconnectDelay:       "2s",
			MaxReconnectAttempts: 5,
			CommandBufferSize:    64,
		},

		Storage: StorageConfig{
			DatabasePath: "data/tracescope.db",
		},

		Integration: IntegrationConfig{
			EditorBinary:     "code",
			ExtensionID:      "tracescope.tracescope-companion",
			CheckInterval:    "5m",
			WorkspacePath:    ".",
			EnableJumpToCode: true,
			EnableTraceSync:  true,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("TRACESCOPE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			c.Server.PreferredPort = p
		}
	}
	if db := os.Getenv("TRACESCOPE_DB"); db != "" {
		c.Storage.DatabasePath = db
	}
	if ws := os.Getenv("TRACESCOPE_WORKSPACE"); ws != "" {
		c.Integration.WorkspacePath = ws
	}
	if editor := os.Getenv("TRACESCOPE_EDITOR"); editor != "" {
		c.Integration.EditorBinary = editor
	}
}
