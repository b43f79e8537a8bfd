package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mycosoft/mascore/pkg/models"
)

var validPolicies = map[string]bool{
	"by_role":    true,
	"by_cost":    true,
	"by_latency": true,
}

var validProviderKinds = map[string]bool{
	"anthropic":     true,
	"openai_compat": true,
	"mock":          true,
}

// validate checks the whole configuration and returns every problem found,
// joined into one error, so operators fix a bad file in one pass.
func validate(cfg *Config) error {
	var problems []error

	problems = append(problems, validateBus(cfg.Bus)...)
	problems = append(problems, validateScheduler(cfg.Scheduler)...)
	problems = append(problems, validateSupervisor(cfg.Supervisor)...)
	problems = append(problems, validateLLM(cfg.LLM)...)
	problems = append(problems, validateApproval(cfg.Approval)...)
	problems = append(problems, validateMemory(cfg.Memory)...)
	problems = append(problems, validateLogging(cfg.Logging)...)
	problems = append(problems, validateStores(cfg.Stores)...)
	problems = append(problems, validateServer(cfg.Server)...)

	return errors.Join(problems...)
}

func validateBus(b *BusConfig) []error {
	var errs []error
	if b.MailboxCapacity < 1 {
		errs = append(errs, NewValidationError("bus", "mailbox_capacity", errors.New("must be at least 1")))
	}
	if b.PubSubSubscriberBuffer < 1 {
		errs = append(errs, NewValidationError("bus", "pubsub_subscriber_buffer", errors.New("must be at least 1")))
	}
	if b.SendBudget <= 0 {
		errs = append(errs, NewValidationError("bus", "send_budget", errors.New("must be positive")))
	}
	return errs
}

func validateScheduler(s *SchedulerConfig) []error {
	var errs []error
	if s.DefaultTaskDeadline <= 0 {
		errs = append(errs, NewValidationError("scheduler", "default_task_deadline", errors.New("must be positive")))
	}
	if s.MaxAttempts < 1 {
		errs = append(errs, NewValidationError("scheduler", "max_attempts", errors.New("must be at least 1")))
	}
	if s.BackoffBase <= 0 {
		errs = append(errs, NewValidationError("scheduler", "backoff_base", errors.New("must be positive")))
	}
	if s.BackoffMax < s.BackoffBase {
		errs = append(errs, NewValidationError("scheduler", "backoff_max", errors.New("must be >= backoff_base")))
	}
	if _, ok := s.Buckets["generic"]; !ok {
		errs = append(errs, NewValidationError("scheduler", "buckets", errors.New("the 'generic' bucket is required")))
	}
	for name, limit := range s.Buckets {
		if limit < 1 {
			errs = append(errs, NewValidationError("scheduler", "buckets",
				fmt.Errorf("bucket '%s' limit must be at least 1, got %d", name, limit)))
		}
	}
	for capability, bucket := range s.CapabilityBuckets {
		if _, ok := s.Buckets[bucket]; !ok {
			errs = append(errs, NewValidationError("scheduler", "capability_buckets",
				fmt.Errorf("capability '%s' references undefined bucket '%s'", capability, bucket)))
		}
	}
	if s.ResultSizeCap < 1024 {
		errs = append(errs, NewValidationError("scheduler", "result_size_cap", errors.New("must be at least 1024 bytes")))
	}
	return errs
}

func validateSupervisor(s *SupervisorConfig) []error {
	var errs []error
	if s.ProbeInterval <= 0 {
		errs = append(errs, NewValidationError("supervisor", "probe_interval", errors.New("must be positive")))
	}
	if s.ProbeTimeout <= 0 || s.ProbeTimeout >= s.ProbeInterval {
		errs = append(errs, NewValidationError("supervisor", "probe_timeout", errors.New("must be positive and shorter than probe_interval")))
	}
	if s.FailureThreshold < 1 {
		errs = append(errs, NewValidationError("supervisor", "failure_threshold", errors.New("must be at least 1")))
	}
	if s.MaxRestartAttempts < 0 {
		errs = append(errs, NewValidationError("supervisor", "max_restart_attempts", errors.New("must not be negative")))
	}
	return errs
}

func validateLLM(l *LLMConfig) []error {
	var errs []error
	if !validPolicies[l.Policy] {
		errs = append(errs, NewValidationError("llm", "policy",
			fmt.Errorf("must be one of by_role, by_cost, by_latency; got '%s'", l.Policy)))
	}
	if l.RequestTimeout <= 0 {
		errs = append(errs, NewValidationError("llm", "request_timeout", errors.New("must be positive")))
	}
	for name, p := range l.Providers {
		if !validProviderKinds[p.Kind] {
			errs = append(errs, NewValidationError("llm", "providers",
				fmt.Errorf("provider '%s': kind must be one of anthropic, openai_compat, mock; got '%s'", name, p.Kind)))
		}
		if p.Kind == "openai_compat" && p.BaseURL == "" {
			errs = append(errs, NewValidationError("llm", "providers",
				fmt.Errorf("provider '%s': base_url is required for openai_compat", name)))
		}
		if len(p.ModelAliases) == 0 {
			errs = append(errs, NewValidationError("llm", "providers",
				fmt.Errorf("provider '%s': at least one model alias is required", name)))
		}
	}
	for role, target := range l.Roles {
		switch role {
		case models.RolePlanning, models.RoleExecution, models.RoleFast, models.RoleEmbedding:
		default:
			errs = append(errs, NewValidationError("llm", "roles", fmt.Errorf("unknown role tag '%s'", role)))
		}
		provider, alias, ok := strings.Cut(target, "/")
		if !ok || provider == "" || alias == "" {
			errs = append(errs, NewValidationError("llm", "roles",
				fmt.Errorf("role '%s': mapping must be 'provider/alias', got '%s'", role, target)))
			continue
		}
		p, ok := l.Providers[provider]
		if !ok {
			errs = append(errs, NewValidationError("llm", "roles",
				fmt.Errorf("role '%s' references undefined provider '%s'", role, provider)))
			continue
		}
		if _, ok := p.ModelAliases[alias]; !ok {
			errs = append(errs, NewValidationError("llm", "roles",
				fmt.Errorf("role '%s': provider '%s' has no model alias '%s'", role, provider, alias)))
		}
	}
	for _, name := range l.Fallback {
		if _, ok := l.Providers[name]; !ok {
			errs = append(errs, NewValidationError("llm", "fallback",
				fmt.Errorf("fallback references undefined provider '%s'", name)))
		}
	}
	return errs
}

func validateApproval(a *ApprovalConfig) []error {
	var errs []error
	if a.Wait <= 0 {
		errs = append(errs, NewValidationError("approval", "wait", errors.New("must be positive")))
	}
	for _, cat := range a.RequiredFor {
		if !cat.Valid() {
			errs = append(errs, NewValidationError("approval", "approval_required_for",
				fmt.Errorf("unknown action category '%s'", cat)))
		}
	}
	for action, cat := range a.Actions {
		if !cat.Valid() {
			errs = append(errs, NewValidationError("approval", "actions",
				fmt.Errorf("action '%s': unknown category '%s'", action, cat)))
		}
	}
	return errs
}

func validateMemory(m *MemoryConfig) []error {
	var errs []error
	if m.SessionTTL <= 0 {
		errs = append(errs, NewValidationError("memory", "session_ttl", errors.New("must be positive")))
	}
	if m.WorkingTTL <= 0 {
		errs = append(errs, NewValidationError("memory", "working_ttl", errors.New("must be positive")))
	}
	if m.SearchThreshold < 0 || m.SearchThreshold > 1 {
		errs = append(errs, NewValidationError("memory", "search_threshold", errors.New("must be between 0 and 1")))
	}
	if m.TopK < 1 {
		errs = append(errs, NewValidationError("memory", "top_k", errors.New("must be at least 1")))
	}
	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, NewValidationError("logging", "level",
			fmt.Errorf("must be one of debug, info, warn, error; got '%s'", l.Level)))
	}
	switch l.Format {
	case "json", "text":
	default:
		errs = append(errs, NewValidationError("logging", "format",
			fmt.Errorf("must be json or text; got '%s'", l.Format)))
	}
	return errs
}

func validateStores(s *StoresConfig) []error {
	var errs []error
	if s.Postgres != nil && s.Postgres.DSN == "" {
		errs = append(errs, NewValidationError("stores", "postgres.dsn", errors.New("must not be empty when postgres is configured")))
	}
	if s.Redis != nil && s.Redis.Addr == "" {
		errs = append(errs, NewValidationError("stores", "redis.addr", errors.New("must not be empty when redis is configured")))
	}
	return errs
}

func validateServer(s *ServerConfig) []error {
	var errs []error
	if s.Addr == "" {
		errs = append(errs, NewValidationError("server", "addr", errors.New("must not be empty")))
	}
	if s.ShutdownTimeout <= 0 {
		errs = append(errs, NewValidationError("server", "shutdown_timeout", errors.New("must be positive")))
	}
	return errs
}
