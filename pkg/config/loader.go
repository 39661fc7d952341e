package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up inside the config dir.
const FileName = "gather.yaml"

// Initialize loads, merges, validates, and returns ready-to-use
// configuration. A missing gather.yaml is not an error: the built-in
// defaults apply.
//
// Steps performed:
//  1. Read gather.yaml from configDir (optional)
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Parse YAML
//  4. Merge built-in defaults under user values
//  5. Validate
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	cfg := &Config{}
	path := filepath.Join(configDir, FileName)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.Info("No configuration file found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	default:
		data = ExpandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
		}
	}

	if err := mergo.Merge(cfg, Default()); err != nil {
		return nil, fmt.Errorf("failed to merge defaults: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"server_addr", cfg.Server.Addr,
		"executor_pool", cfg.Executor.PoolSize,
		"scheduler_tick_s", cfg.Scheduler.TickSeconds)
	return cfg, nil
}
