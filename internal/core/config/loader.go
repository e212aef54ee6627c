package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = 50
	}
	if cfg.Queue.BatchInterval == 0 {
		cfg.Queue.BatchInterval = 30 * time.Second
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = 4
	}
	if cfg.Warmup.Interval == 0 {
		cfg.Warmup.Interval = 15 * time.Minute
	}

	for _, p := range cfg.Providers {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid provider config: %w", err)
		}
	}
	if cfg.Warmup.Provider == "" && len(cfg.Providers) > 0 {
		cfg.Warmup.Provider = cfg.Providers[0].Name
	}

	return &cfg, nil
}
