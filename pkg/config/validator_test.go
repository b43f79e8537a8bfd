package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycosoft/mascore/pkg/models"
)

func TestValidateDefaults(t *testing.T) {
	assert.NoError(t, validate(Default()))
}

func TestValidateSchedulerBuckets(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.Buckets = map[string]int{"llm": 4}

	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'generic' bucket is required")
}

func TestValidateCapabilityBucketReference(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.CapabilityBuckets["vision"] = "gpu"

	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undefined bucket 'gpu'")
}

func TestValidateLLMPolicy(t *testing.T) {
	cfg := Default()
	cfg.LLM.Policy = "cheapest"

	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "by_role, by_cost, by_latency")
}

func TestValidateLLMRoleMappings(t *testing.T) {
	cfg := Default()
	cfg.LLM.Providers["main"] = LLMProviderConfig{
		Kind:         "anthropic",
		ModelAliases: map[string]string{"default": "claude-sonnet-4-5"},
	}

	tests := []struct {
		name    string
		role    models.RoleTag
		target  string
		wantErr string
	}{
		{"valid", models.RolePlanning, "main/default", ""},
		{"missing slash", models.RoleFast, "main", "must be 'provider/alias'"},
		{"unknown provider", models.RoleExecution, "ghost/default", "undefined provider 'ghost'"},
		{"unknown alias", models.RoleEmbedding, "main/embed", "no model alias 'embed'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg.LLM.Roles = map[models.RoleTag]string{tt.role: tt.target}
			err := validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateOpenAICompatRequiresBaseURL(t *testing.T) {
	cfg := Default()
	cfg.LLM.Providers["local"] = LLMProviderConfig{
		Kind:         "openai_compat",
		ModelAliases: map[string]string{"default": "llama3"},
	}

	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url is required")
}

func TestValidateFallbackReferences(t *testing.T) {
	cfg := Default()
	cfg.LLM.Fallback = []string{"nonexistent"}

	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undefined provider 'nonexistent'")
}

func TestValidateApprovalCategories(t *testing.T) {
	cfg := Default()
	cfg.Approval.RequiredFor = []models.ActionCategory{"dangerous"}

	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action category 'dangerous'")
}

func TestValidateProbeTimeoutBound(t *testing.T) {
	cfg := Default()
	cfg.Supervisor.ProbeTimeout = cfg.Supervisor.ProbeInterval

	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shorter than probe_interval")
}

func TestValidateStoresRequireEndpoints(t *testing.T) {
	cfg := Default()
	cfg.Stores.Postgres = &PostgresConfig{}
	cfg.Stores.Redis = &RedisConfig{}

	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres.dsn")
	assert.Contains(t, err.Error(), "redis.addr")
}

func TestApprovalRequires(t *testing.T) {
	a := &ApprovalConfig{RequiredFor: []models.ActionCategory{models.CategoryRisky, models.CategoryExternal}}
	assert.True(t, a.Requires(models.CategoryRisky))
	assert.True(t, a.Requires(models.CategoryExternal))
	assert.False(t, a.Requires(models.CategoryRead))
}
