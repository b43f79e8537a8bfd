package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("EXPAND_TEST_KEY", "secret-value")

	out := ExpandEnv([]byte("api_key: {{.EXPAND_TEST_KEY}}"))
	assert.Equal(t, "api_key: secret-value", string(out))
}

func TestExpandEnvMissingVariable(t *testing.T) {
	out := ExpandEnv([]byte("api_key: {{.DEFINITELY_NOT_SET_ANYWHERE}}"))
	assert.Equal(t, "api_key: ", string(out))
}

func TestExpandEnvLeavesDollarSignsAlone(t *testing.T) {
	// Regex anchors in redaction patterns must survive expansion.
	in := []byte(`redaction_patterns: ["(?i)key\\s*=\\s*\\S+$"]`)
	assert.Equal(t, in, ExpandEnv(in))
}

func TestExpandEnvMalformedTemplatePassesThrough(t *testing.T) {
	in := []byte("value: {{.UNCLOSED")
	assert.Equal(t, in, ExpandEnv(in))
}
