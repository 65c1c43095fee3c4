package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig tunes command handling, assignment and fan-out.
type EngineConfig struct {
	CheckpointInterval   int    `yaml:"checkpoint_interval"`
	ConflictRetries      int    `yaml:"conflict_retries"`
	ConflictBackoffMs    int64  `yaml:"conflict_backoff_ms"`
	DefaultMaxRetries    int    `yaml:"default_max_retries"`
	RetryPrecedence      string `yaml:"retry_precedence"`
	DirectoryTimeoutMs   int64  `yaml:"directory_timeout_ms"`
	AgentCooldownSec     int64  `yaml:"agent_cooldown_sec"`
	AssignPollIntervalMs int64  `yaml:"assign_poll_interval_ms"`
	SubscriberBacklog    int    `yaml:"subscriber_backlog"`
	ReadPageSize         int    `yaml:"read_page_size"`
}

// DefaultEngineConfig returns the settings used when no file is supplied.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		CheckpointInterval:   100,
		ConflictRetries:      3,
		ConflictBackoffMs:    20,
		DefaultMaxRetries:    0,
		RetryPrecedence:      "step_first",
		DirectoryTimeoutMs:   2000,
		AgentCooldownSec:     60,
		AssignPollIntervalMs: 1000,
		SubscriberBacklog:    256,
		ReadPageSize:         256,
	}
}

// LoadEngine loads a YAML engine config file; returns defaults if missing.
func LoadEngine(path string) (*EngineConfig, error) {
	if path == "" {
		return DefaultEngineConfig(), nil
	}
	// #nosec G304 -- engine config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultEngineConfig(), fmt.Errorf("read engine config: %w", err)
	}
	return ParseEngine(data)
}

// ParseEngine parses engine config from YAML/JSON bytes. Zero or absent
// fields take their defaults, except conflict_retries and
// default_max_retries where zero is meaningful; those keep the default only
// when the key is absent.
func ParseEngine(data []byte) (*EngineConfig, error) {
	if len(data) == 0 {
		return DefaultEngineConfig(), nil
	}
	if err := validateConfigSchema("engine", engineSchemaFile, data); err != nil {
		return DefaultEngineConfig(), err
	}
	cfg := DefaultEngineConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return DefaultEngineConfig(), fmt.Errorf("parse engine config: %w", err)
	}
	def := DefaultEngineConfig()
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = def.CheckpointInterval
	}
	if cfg.ConflictBackoffMs <= 0 {
		cfg.ConflictBackoffMs = def.ConflictBackoffMs
	}
	if cfg.RetryPrecedence == "" {
		cfg.RetryPrecedence = def.RetryPrecedence
	}
	if cfg.DirectoryTimeoutMs <= 0 {
		cfg.DirectoryTimeoutMs = def.DirectoryTimeoutMs
	}
	if cfg.AgentCooldownSec < 0 {
		cfg.AgentCooldownSec = def.AgentCooldownSec
	}
	if cfg.AssignPollIntervalMs <= 0 {
		cfg.AssignPollIntervalMs = def.AssignPollIntervalMs
	}
	if cfg.SubscriberBacklog <= 0 {
		cfg.SubscriberBacklog = def.SubscriberBacklog
	}
	if cfg.ReadPageSize <= 0 {
		cfg.ReadPageSize = def.ReadPageSize
	}
	return cfg, nil
}

func (c *EngineConfig) ConflictBackoff() time.Duration {
	return time.Duration(c.ConflictBackoffMs) * time.Millisecond
}

func (c *EngineConfig) DirectoryTimeout() time.Duration {
	return time.Duration(c.DirectoryTimeoutMs) * time.Millisecond
}

func (c *EngineConfig) AgentCooldown() time.Duration {
	return time.Duration(c.AgentCooldownSec) * time.Second
}

func (c *EngineConfig) AssignPollInterval() time.Duration {
	return time.Duration(c.AssignPollIntervalMs) * time.Millisecond
}
