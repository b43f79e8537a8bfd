// Package masking redacts sensitive values from audit payloads, config
// snapshots, and log-bound strings. Patterns are compiled once at startup;
// the masker is stateless afterwards and safe for concurrent use.
package masking

import (
	"log/slog"
	"regexp"
)

// RedactionToken replaces every masked value.
const RedactionToken = "[REDACTED]"

// failClosedNotice replaces the whole payload when masking itself fails.
const failClosedNotice = "[REDACTED: masking failure — content could not be safely processed]"

// CompiledPattern holds a pre-compiled regex with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// Masker applies built-in and configured redaction patterns.
type Masker struct {
	patterns []*CompiledPattern
}

// builtinPatterns cover the credential shapes the core is most likely to see
// in action inputs and provider configs.
var builtinPatterns = map[string]struct{ pattern, replacement string }{
	"api_key": {
		pattern:     `(?i)(api[_-]?key|apikey)["'\s:=]+[A-Za-z0-9_\-\.]{16,}`,
		replacement: "${1}=" + RedactionToken,
	},
	"bearer_token": {
		pattern:     `(?i)bearer\s+[A-Za-z0-9_\-\.=]{16,}`,
		replacement: "Bearer " + RedactionToken,
	},
	"password": {
		pattern:     `(?i)(password|passwd|secret)["'\s:=]+\S+`,
		replacement: "${1}=" + RedactionToken,
	},
	"certificate": {
		pattern:     `-----BEGIN [A-Z ]+-----[\s\S]*?-----END [A-Z ]+-----`,
		replacement: RedactionToken,
	},
	"basic_auth_url": {
		pattern:     `(?i)(https?://)[^:/\s]+:[^@/\s]+@`,
		replacement: "${1}" + RedactionToken + "@",
	},
}

// New compiles the built-in patterns plus the configured custom ones.
// Invalid custom patterns are logged and skipped.
func New(customPatterns []string) *Masker {
	m := &Masker{}

	for name, p := range builtinPatterns {
		compiled, err := regexp.Compile(p.pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		m.patterns = append(m.patterns, &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: p.replacement,
		})
	}

	for i, pattern := range customPatterns {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			slog.Error("Failed to compile custom masking pattern, skipping",
				"index", i, "error", err)
			continue
		}
		m.patterns = append(m.patterns, &CompiledPattern{
			Name:        "custom",
			Regex:       compiled,
			Replacement: RedactionToken,
		})
	}

	slog.Info("Masking initialized", "patterns", len(m.patterns))
	return m
}

// Mask applies every pattern to s. On internal failure the whole content is
// replaced (fail-closed) — audit records must never leak what the masker
// could not process.
func (m *Masker) Mask(s string) string {
	if s == "" {
		return s
	}

	masked := s
	for _, p := range m.patterns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Masking pattern panicked, redacting content",
						"pattern", p.Name, "recover", r)
					masked = failClosedNotice
				}
			}()
			masked = p.Regex.ReplaceAllString(masked, p.Replacement)
		}()
		if masked == failClosedNotice {
			break
		}
	}
	return masked
}

// PatternCount returns the number of active patterns.
func (m *Masker) PatternCount() int {
	return len(m.patterns)
}
