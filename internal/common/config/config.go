// Package config provides configuration management for crewmux.
// It supports loading configuration from environment variables, config files,
// and defaults. The orchestration core never reads the environment itself;
// it consumes the parsed Config struct assembled here.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for crewmux.
type Config struct {
	Adapter AdapterConfig `mapstructure:"adapter"`
	Comms   CommsConfig   `mapstructure:"comms"`
	Mission MissionConfig `mapstructure:"mission"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// AdapterConfig holds downstream agent session configuration.
type AdapterConfig struct {
	// Command is the child process that serves the downstream agent protocol
	// over stdio (default: codex).
	Command string `mapstructure:"command"`
	// Args are passed to Command (default: ["mcp-server"]).
	Args []string `mapstructure:"args"`
	// StartTool and ReplyTool are the tool names the child exposes for
	// starting a conversation and continuing one.
	StartTool string `mapstructure:"startTool"`
	ReplyTool string `mapstructure:"replyTool"`
	// CallTimeout bounds a single agent call, in seconds (default: 3 hours).
	CallTimeout int `mapstructure:"callTimeout"`
	// DefaultModel is applied to agents that do not specify one.
	DefaultModel string `mapstructure:"defaultModel"`
}

// CommsConfig holds the agent-facing loopback MCP service configuration.
type CommsConfig struct {
	// Host the comms service binds to. Loopback only; agents run on this host.
	Host string `mapstructure:"host"`
	// Port 0 asks the OS for an ephemeral port.
	Port int `mapstructure:"port"`
}

// MissionConfig holds mission engine configuration.
type MissionConfig struct {
	// VerifyTimeout bounds the verification subprocess, in seconds.
	VerifyTimeout int `mapstructure:"verifyTimeout"`
	// RetentionMinutes keeps terminal mission records retrievable.
	RetentionMinutes int `mapstructure:"retentionMinutes"`
	// AwaitPollSeconds is the default await_mission poll interval.
	AwaitPollSeconds int `mapstructure:"awaitPollSeconds"`
	// AwaitTimeoutMinutes is the default await_mission timeout.
	AwaitTimeoutMinutes int `mapstructure:"awaitTimeoutMinutes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// CallTimeoutDuration returns the adapter call timeout as a time.Duration.
func (a *AdapterConfig) CallTimeoutDuration() time.Duration {
	return time.Duration(a.CallTimeout) * time.Second
}

// VerifyTimeoutDuration returns the verify timeout as a time.Duration.
func (m *MissionConfig) VerifyTimeoutDuration() time.Duration {
	return time.Duration(m.VerifyTimeout) * time.Second
}

// Retention returns the mission record retention window.
func (m *MissionConfig) Retention() time.Duration {
	return time.Duration(m.RetentionMinutes) * time.Minute
}

// detectDefaultLogFormat returns "json" for production environments and the
// human-readable console format for terminal use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("CREWMUX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Adapter defaults
	v.SetDefault("adapter.command", "codex")
	v.SetDefault("adapter.args", []string{"mcp-server"})
	v.SetDefault("adapter.startTool", "codex")
	v.SetDefault("adapter.replyTool", "codex-reply")
	v.SetDefault("adapter.callTimeout", 3*60*60)
	v.SetDefault("adapter.defaultModel", "gpt-5.3-codex")

	// Comms defaults - port 0 means OS-assigned ephemeral port
	v.SetDefault("comms.host", "127.0.0.1")
	v.SetDefault("comms.port", 0)

	// Mission defaults
	v.SetDefault("mission.verifyTimeout", 10*60)
	v.SetDefault("mission.retentionMinutes", 30)
	v.SetDefault("mission.awaitPollSeconds", 3)
	v.SetDefault("mission.awaitTimeoutMinutes", 60)

	// Logging defaults - stderr because stdout carries the MCP stream
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CREWMUX_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/crewmux/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CREWMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// bind the keys where env var naming differs from the config key naming.
	_ = v.BindEnv("adapter.callTimeout", "CREWMUX_ADAPTER_CALL_TIMEOUT")
	_ = v.BindEnv("adapter.defaultModel", "CREWMUX_ADAPTER_DEFAULT_MODEL")
	_ = v.BindEnv("adapter.startTool", "CREWMUX_ADAPTER_START_TOOL")
	_ = v.BindEnv("adapter.replyTool", "CREWMUX_ADAPTER_REPLY_TOOL")
	_ = v.BindEnv("mission.verifyTimeout", "CREWMUX_MISSION_VERIFY_TIMEOUT")
	_ = v.BindEnv("logging.outputPath", "CREWMUX_LOGGING_OUTPUT_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/crewmux/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Adapter.Command == "" {
		errs = append(errs, "adapter.command is required")
	}
	if cfg.Adapter.StartTool == "" || cfg.Adapter.ReplyTool == "" {
		errs = append(errs, "adapter.startTool and adapter.replyTool are required")
	}
	if cfg.Adapter.CallTimeout <= 0 {
		errs = append(errs, "adapter.callTimeout must be positive")
	}
	if cfg.Comms.Port < 0 || cfg.Comms.Port > 65535 {
		errs = append(errs, "comms.port must be between 0 and 65535")
	}
	if cfg.Mission.VerifyTimeout <= 0 {
		errs = append(errs, "mission.verifyTimeout must be positive")
	}
	if cfg.Mission.RetentionMinutes <= 0 {
		errs = append(errs, "mission.retentionMinutes must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
