// Package config loads and validates the layered core configuration:
// built-in defaults → YAML files → environment overrides. The resulting
// Config is immutable after Initialize returns.
package config

import (
	"os"
	"time"

	"github.com/mycosoft/mascore/pkg/models"
)

// Config is the umbrella configuration consumed by every subsystem.
type Config struct {
	configDir string

	Bus        *BusConfig        `yaml:"bus"`
	Scheduler  *SchedulerConfig  `yaml:"scheduler"`
	Supervisor *SupervisorConfig `yaml:"supervisor"`
	LLM        *LLMConfig        `yaml:"llm"`
	Approval   *ApprovalConfig   `yaml:"approval"`
	Memory     *MemoryConfig     `yaml:"memory"`
	Logging    *LoggingConfig    `yaml:"logging"`
	Stores     *StoresConfig     `yaml:"stores"`
	Server     *ServerConfig     `yaml:"server"`
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// BucketFor resolves the role bucket for a capability, defaulting to generic.
func (c *Config) BucketFor(capability string) string {
	if b, ok := c.Scheduler.CapabilityBuckets[capability]; ok {
		return b
	}
	return "generic"
}

// Default returns the built-in configuration. Every field has a working
// value so the core can start with no config files at all.
func Default() *Config {
	return &Config{
		Bus: &BusConfig{
			MailboxCapacity:        64,
			PubSubSubscriberBuffer: 128,
			SendBudget:             2 * time.Second,
		},
		Scheduler: &SchedulerConfig{
			DefaultTaskDeadline: 5 * time.Minute,
			MaxAttempts:         3,
			BackoffBase:         250 * time.Millisecond,
			BackoffMax:          30 * time.Second,
			Buckets: map[string]int{
				"generic": 8,
				"llm":     4,
			},
			CapabilityBuckets: map[string]string{
				"chat": "llm",
			},
			AdmissionBudget:   5 * time.Second,
			RouteRetryWait:    500 * time.Millisecond,
			IdempotencyWindow: 10 * time.Minute,
			ResultSizeCap:     256 * 1024,
			FailureWindow:     time.Minute,
		},
		Supervisor: &SupervisorConfig{
			ProbeInterval:      10 * time.Second,
			ProbeTimeout:       3 * time.Second,
			DrainThreshold:     2 * time.Second,
			FailureThreshold:   3,
			FailureWindow:      time.Minute,
			MaxRestartAttempts: 3,
			RestartWindow:      5 * time.Minute,
			RestartBackoff:     time.Second,
			ShutdownTimeout:    30 * time.Second,
		},
		LLM: &LLMConfig{
			Providers:      map[string]LLMProviderConfig{},
			Roles:          map[models.RoleTag]string{},
			Policy:         "by_role",
			Fallback:       nil,
			RequestTimeout: 60 * time.Second,
		},
		Approval: &ApprovalConfig{
			RequiredFor: []models.ActionCategory{models.CategoryRisky},
			Wait:        2 * time.Minute,
			Actions:     map[string]models.ActionCategory{},
		},
		Memory: &MemoryConfig{
			SessionTTL:      30 * time.Minute,
			WorkingTTL:      10 * time.Minute,
			SearchThreshold: 0.75,
			TopK:            5,
		},
		Logging: &LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Stores: &StoresConfig{},
		Server: &ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// applyEnvOverrides applies the small set of MASCORE_* environment overrides
// that operators commonly set without editing files.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MASCORE_HTTP_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("MASCORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MASCORE_POSTGRES_DSN"); v != "" {
		if c.Stores.Postgres == nil {
			c.Stores.Postgres = &PostgresConfig{MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: time.Hour}
		}
		c.Stores.Postgres.DSN = v
	}
	if v := os.Getenv("MASCORE_REDIS_ADDR"); v != "" {
		if c.Stores.Redis == nil {
			c.Stores.Redis = &RedisConfig{}
		}
		c.Stores.Redis.Addr = v
	}
}

// Sanitized returns a loggable snapshot with secrets replaced by a fixed
// redaction token. Emitted once at startup.
func (c *Config) Sanitized() map[string]any {
	providers := make(map[string]any, len(c.LLM.Providers))
	for name, p := range c.LLM.Providers {
		providers[name] = map[string]any{
			"kind":          p.Kind,
			"base_url":      p.BaseURL,
			"api_key_env":   p.APIKeyEnv, // env var name only; never the value
			"model_aliases": p.ModelAliases,
			"cost":          p.Cost,
			"latency_class": p.LatencyClass,
		}
	}

	stores := map[string]any{}
	if c.Stores.Postgres != nil {
		stores["postgres"] = map[string]any{"dsn": "[REDACTED]"}
	}
	if c.Stores.Redis != nil {
		stores["redis"] = map[string]any{"addr": c.Stores.Redis.Addr, "password": "[REDACTED]"}
	}

	return map[string]any{
		"bus":        c.Bus,
		"scheduler":  c.Scheduler,
		"supervisor": c.Supervisor,
		"llm": map[string]any{
			"providers": providers,
			"roles":     c.LLM.Roles,
			"policy":    c.LLM.Policy,
			"fallback":  c.LLM.Fallback,
		},
		"approval": c.Approval,
		"memory":   c.Memory,
		"logging":  map[string]any{"level": c.Logging.Level, "format": c.Logging.Format},
		"stores":   stores,
		"server":   c.Server,
	}
}
