package config

import (
	"time"

	"github.com/mycosoft/mascore/pkg/models"
)

// BusConfig controls mailbox and pub/sub sizing.
type BusConfig struct {
	// MailboxCapacity is the default per-agent mailbox depth.
	MailboxCapacity int `yaml:"mailbox_capacity"`

	// PubSubSubscriberBuffer is the per-subscriber event buffer; overflow
	// drops the oldest event and increments bus_drops_total.
	PubSubSubscriberBuffer int `yaml:"pubsub_subscriber_buffer"`

	// SendBudget is how long a send blocks on a full mailbox before
	// returning Backpressured.
	SendBudget time.Duration `yaml:"send_budget"`
}

// SchedulerConfig controls task routing, retry, and concurrency.
type SchedulerConfig struct {
	// DefaultTaskDeadline is applied when a submission carries no deadline.
	DefaultTaskDeadline time.Duration `yaml:"default_task_deadline"`

	// MaxAttempts is the default attempt budget per task.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBase is the base delay for retry backoff
	// (base · 2^(attempts-1) · jitter(0.5..1.5)).
	BackoffBase time.Duration `yaml:"backoff_base"`

	// BackoffMax caps a single retry delay.
	BackoffMax time.Duration `yaml:"backoff_max"`

	// Buckets maps role-bucket name to its global concurrency limit.
	Buckets map[string]int `yaml:"buckets"`

	// CapabilityBuckets maps a capability to its role bucket; unmapped
	// capabilities use the "generic" bucket.
	CapabilityBuckets map[string]string `yaml:"capability_buckets"`

	// AdmissionBudget is how long submit blocks when all buckets are
	// saturated before returning Overloaded.
	AdmissionBudget time.Duration `yaml:"admission_budget"`

	// RouteRetryWait bounds how long a task waits in Pending for a capable
	// agent between routing attempts.
	RouteRetryWait time.Duration `yaml:"route_retry_wait"`

	// IdempotencyWindow is how long after a terminal state a task with the
	// same idempotency key returns the original result.
	IdempotencyWindow time.Duration `yaml:"idempotency_window"`

	// ResultSizeCap is the largest inline task result in bytes; larger
	// results are stored by reference.
	ResultSizeCap int `yaml:"result_size_cap"`

	// FailureWindow is the sliding window for the per-agent failure rate
	// used as a routing tie-breaker.
	FailureWindow time.Duration `yaml:"failure_window"`
}

// SupervisorConfig controls health probing and restart policy.
type SupervisorConfig struct {
	ProbeInterval      time.Duration `yaml:"probe_interval"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	DrainThreshold     time.Duration `yaml:"drain_threshold"`
	FailureThreshold   int           `yaml:"failure_threshold"`
	FailureWindow      time.Duration `yaml:"failure_window"`
	MaxRestartAttempts int           `yaml:"max_restart_attempts"`
	RestartWindow      time.Duration `yaml:"restart_window"`
	RestartBackoff     time.Duration `yaml:"restart_backoff"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// LLMProviderConfig describes one provider in the provider table.
type LLMProviderConfig struct {
	// Kind selects the adapter: anthropic, openai_compat, or mock.
	Kind string `yaml:"kind"`

	// BaseURL overrides the provider endpoint (required for openai_compat).
	BaseURL string `yaml:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding the credential.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// ModelAliases maps alias → concrete model name.
	ModelAliases map[string]string `yaml:"model_aliases"`

	// Cost is the relative cost weight used by the by_cost policy.
	Cost float64 `yaml:"cost"`

	// LatencyClass orders providers for the by_latency policy (lower is faster).
	LatencyClass int `yaml:"latency_class"`

	// Cooldown applied after a rate_limit error before the provider is retried.
	Cooldown time.Duration `yaml:"cooldown,omitempty"`
}

// LLMConfig is the gateway configuration.
type LLMConfig struct {
	Providers map[string]LLMProviderConfig `yaml:"providers"`

	// Roles maps role tag → "provider/alias".
	Roles map[models.RoleTag]string `yaml:"roles"`

	// Policy is one of by_role, by_cost, by_latency.
	Policy string `yaml:"policy"`

	// Fallback is the ordered provider chain tried after the primary fails.
	Fallback []string `yaml:"fallback"`

	// RequestTimeout bounds a single provider attempt.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ApprovalConfig controls the action gate.
type ApprovalConfig struct {
	// RequiredFor lists categories that need explicit approval.
	RequiredFor []models.ActionCategory `yaml:"approval_required_for"`

	// Wait bounds how long a pending action waits before being rejected
	// with reason ApprovalTimeout.
	Wait time.Duration `yaml:"wait"`

	// Actions maps action type → category for classification.
	Actions map[string]models.ActionCategory `yaml:"actions"`
}

// Requires reports whether the category needs approval.
func (a *ApprovalConfig) Requires(cat models.ActionCategory) bool {
	for _, c := range a.RequiredFor {
		if c == cat {
			return true
		}
	}
	return false
}

// MemoryConfig sets per-layer TTLs and vector search parameters.
type MemoryConfig struct {
	SessionTTL      time.Duration `yaml:"session_ttl"`
	WorkingTTL      time.Duration `yaml:"working_ttl"`
	SearchThreshold float64       `yaml:"search_threshold"`
	TopK            int           `yaml:"top_k"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level             string   `yaml:"level"`
	Format            string   `yaml:"format"`
	RedactionPatterns []string `yaml:"redaction_patterns"`
}

// PostgresConfig configures the relational store.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig configures the KV store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// StoresConfig selects and configures the data-store collaborators.
// Unset postgres/redis sections fall back to the in-memory implementations.
type StoresConfig struct {
	Postgres *PostgresConfig `yaml:"postgres,omitempty"`
	Redis    *RedisConfig    `yaml:"redis,omitempty"`
}

// ServerConfig configures the control-plane HTTP server.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// RequiredAgents must be Ready for /ready to return 200.
	RequiredAgents []string `yaml:"required_agents"`
}
