package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// providersFile is the optional separate provider table, kept apart from
// mascore.yaml so credentials-adjacent config can have tighter file modes.
const (
	coreFile      = "mascore.yaml"
	providersFile = "llm-providers.yaml"
)

// providersYAML is the llm-providers.yaml file structure.
type providersYAML struct {
	LLMProviders map[string]LLMProviderConfig `yaml:"llm_providers"`
}

// Initialize loads, merges, and validates configuration from configDir.
// Missing files are fine — defaults cover everything — but present files
// must parse, contain no unknown keys, and validate. All validation
// problems are reported in one aggregated error.
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg := Default()
	cfg.configDir = configDir

	// 1. mascore.yaml over defaults.
	var fileCfg Config
	found, err := loadYAML(filepath.Join(configDir, coreFile), &fileCfg)
	if err != nil {
		return nil, NewLoadError(coreFile, err)
	}
	if found {
		if err := mergo.Merge(cfg, &fileCfg, mergo.WithOverride); err != nil {
			return nil, NewLoadError(coreFile, fmt.Errorf("merging configuration: %w", err))
		}
	}

	// 2. llm-providers.yaml merges into the provider table.
	var pv providersYAML
	found, err = loadYAML(filepath.Join(configDir, providersFile), &pv)
	if err != nil {
		return nil, NewLoadError(providersFile, err)
	}
	if found {
		for name, provider := range pv.LLMProviders {
			cfg.LLM.Providers[name] = provider
		}
	}

	// 3. Environment overrides win over files.
	cfg.applyEnvOverrides()

	// 4. Validate everything; aggregate all problems.
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized",
		"llm_providers", len(cfg.LLM.Providers),
		"buckets", len(cfg.Scheduler.Buckets),
		"policy", cfg.LLM.Policy)

	return cfg, nil
}

// loadYAML reads, env-expands, and strictly parses one YAML file.
// Returns found=false when the file does not exist.
func loadYAML(path string, target any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	data = ExpandEnv(data)

	// Unknown keys are a startup error: the schema is closed.
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(target); err != nil {
		return true, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return true, nil
}
