// Package config provides configuration loading and management for the
// module build orchestrator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete orchestrator configuration
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Builds    BuildsConfig    `yaml:"builds"`
	Messaging MessagingConfig `yaml:"messaging"`
	Database  DatabaseConfig  `yaml:"database"`
	Monitor   MonitorConfig   `yaml:"monitor"`
}

// SchedulerConfig configures the event loop and poller
type SchedulerConfig struct {
	// PollingInterval is the delay between poller reconciliation passes
	PollingInterval time.Duration `yaml:"polling_interval"`
	// MaxConcurrentComponentBuilds caps component tasks in flight across all modules
	MaxConcurrentComponentBuilds int `yaml:"max_concurrent_component_builds"`
	// StuckThreshold marks a building module as stuck when its current
	// batch has been quiet for longer than this
	StuckThreshold time.Duration `yaml:"stuck_threshold"`
	// QueueSize bounds the internal event queue
	QueueSize int `yaml:"queue_size"`
}

// BuildsConfig configures submission and rebuild behavior
type BuildsConfig struct {
	// System selects the build system back-end ("mock" is the only
	// in-tree implementation)
	System string `yaml:"system"`
	// RebuildStrategy is the default when a submission omits one
	RebuildStrategy string `yaml:"rebuild_strategy"`
	// RebuildStrategiesAllowed gates per-submission strategy overrides
	RebuildStrategiesAllowed []string `yaml:"rebuild_strategies_allowed"`
	// BaseModuleNames are module names treated as base modules for
	// version prefixing and stream-version ordering
	BaseModuleNames []string `yaml:"base_module_names"`
	// CheckForEOL rejects submissions buildrequiring end-of-life streams
	CheckForEOL bool `yaml:"check_for_eol"`
	// AllowNameOverrideFromSCM loosens the manifest name check
	AllowNameOverrideFromSCM bool `yaml:"allow_name_override_from_scm"`
	// AllowStreamOverrideFromSCM loosens the manifest stream check
	AllowStreamOverrideFromSCM bool `yaml:"allow_stream_override_from_scm"`
	// MockResultsdir is the path prefix marking locally built modules
	MockResultsdir string `yaml:"mock_resultsdir"`
	// AllowCustomRepositories permits component-level repository overrides
	AllowCustomRepositories bool `yaml:"allow_custom_repositories"`
	// ResolveRetries bounds resolver retry attempts inside handlers
	ResolveRetries int `yaml:"resolve_retries"`
	// ResolveRetryInterval is the delay between resolver retries
	ResolveRetryInterval time.Duration `yaml:"resolve_retry_interval"`
}

// MessagingConfig configures the NATS transport
type MessagingConfig struct {
	// URL is the NATS server URL (empty = in-process transport)
	URL string `yaml:"url"`
	// Stream is the JetStream stream holding build system events
	Stream string `yaml:"stream"`
	// Consumer is the durable consumer name for the event loop
	Consumer string `yaml:"consumer"`
	// PublishRetries bounds best-effort outbound publish retries
	PublishRetries int `yaml:"publish_retries"`
}

// DatabaseConfig configures the persistent store
type DatabaseConfig struct {
	// Path is the SQLite database path (":memory:" for tests)
	Path string `yaml:"path"`
}

// MonitorConfig configures the metrics endpoint
type MonitorConfig struct {
	// Addr is the listen address for /metrics (empty = disabled)
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			PollingInterval:              2 * time.Minute,
			MaxConcurrentComponentBuilds: 5,
			StuckThreshold:               20 * time.Minute,
			QueueSize:                    1024,
		},
		Builds: BuildsConfig{
			System:                   "mock",
			RebuildStrategy:          "changed-and-after",
			RebuildStrategiesAllowed: []string{"all", "changed-and-after", "only-changed"},
			BaseModuleNames:          []string{"platform"},
			ResolveRetries:           3,
			ResolveRetryInterval:     10 * time.Second,
		},
		Messaging: MessagingConfig{
			Stream:         "BUILDSYS",
			Consumer:       "mbs-scheduler",
			PublishRetries: 3,
		},
		Database: DatabaseConfig{
			Path: "mbs.db",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Scheduler.PollingInterval <= 0 {
		return fmt.Errorf("scheduler.polling_interval must be positive")
	}
	if c.Scheduler.MaxConcurrentComponentBuilds < 1 {
		return fmt.Errorf("scheduler.max_concurrent_component_builds must be at least 1")
	}
	if c.Scheduler.QueueSize < 1 {
		return fmt.Errorf("scheduler.queue_size must be at least 1")
	}
	if c.Builds.System == "" {
		return fmt.Errorf("builds.system is required")
	}
	if !c.StrategyAllowed(c.Builds.RebuildStrategy) {
		return fmt.Errorf("builds.rebuild_strategy %q is not in builds.rebuild_strategies_allowed", c.Builds.RebuildStrategy)
	}
	if c.Builds.ResolveRetries < 1 {
		return fmt.Errorf("builds.resolve_retries must be at least 1")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

// StrategyAllowed reports whether a rebuild strategy may be requested.
func (c *Config) StrategyAllowed(strategy string) bool {
	for _, s := range c.Builds.RebuildStrategiesAllowed {
		if s == strategy {
			return true
		}
	}
	return false
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence
// for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Scheduler.PollingInterval != 0 {
		c.Scheduler.PollingInterval = other.Scheduler.PollingInterval
	}
	if other.Scheduler.MaxConcurrentComponentBuilds != 0 {
		c.Scheduler.MaxConcurrentComponentBuilds = other.Scheduler.MaxConcurrentComponentBuilds
	}
	if other.Scheduler.StuckThreshold != 0 {
		c.Scheduler.StuckThreshold = other.Scheduler.StuckThreshold
	}
	if other.Scheduler.QueueSize != 0 {
		c.Scheduler.QueueSize = other.Scheduler.QueueSize
	}

	if other.Builds.System != "" {
		c.Builds.System = other.Builds.System
	}
	if other.Builds.RebuildStrategy != "" {
		c.Builds.RebuildStrategy = other.Builds.RebuildStrategy
	}
	if len(other.Builds.RebuildStrategiesAllowed) > 0 {
		c.Builds.RebuildStrategiesAllowed = other.Builds.RebuildStrategiesAllowed
	}
	if len(other.Builds.BaseModuleNames) > 0 {
		c.Builds.BaseModuleNames = other.Builds.BaseModuleNames
	}
	if other.Builds.CheckForEOL {
		c.Builds.CheckForEOL = true
	}
	if other.Builds.AllowNameOverrideFromSCM {
		c.Builds.AllowNameOverrideFromSCM = true
	}
	if other.Builds.AllowStreamOverrideFromSCM {
		c.Builds.AllowStreamOverrideFromSCM = true
	}
	if other.Builds.MockResultsdir != "" {
		c.Builds.MockResultsdir = other.Builds.MockResultsdir
	}
	if other.Builds.AllowCustomRepositories {
		c.Builds.AllowCustomRepositories = true
	}
	if other.Builds.ResolveRetries != 0 {
		c.Builds.ResolveRetries = other.Builds.ResolveRetries
	}
	if other.Builds.ResolveRetryInterval != 0 {
		c.Builds.ResolveRetryInterval = other.Builds.ResolveRetryInterval
	}

	if other.Messaging.URL != "" {
		c.Messaging.URL = other.Messaging.URL
	}
	if other.Messaging.Stream != "" {
		c.Messaging.Stream = other.Messaging.Stream
	}
	if other.Messaging.Consumer != "" {
		c.Messaging.Consumer = other.Messaging.Consumer
	}
	if other.Messaging.PublishRetries != 0 {
		c.Messaging.PublishRetries = other.Messaging.PublishRetries
	}

	if other.Database.Path != "" {
		c.Database.Path = other.Database.Path
	}
	if other.Monitor.Addr != "" {
		c.Monitor.Addr = other.Monitor.Addr
	}
}
