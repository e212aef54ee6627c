package config

import (
	"time"

	"github.com/coldsend/relay/internal/delivery/transport"
	"github.com/coldsend/relay/internal/ingest"
	redisclient "github.com/coldsend/relay/internal/infra/redis"
	"github.com/coldsend/relay/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig               `yaml:"server"`
	Database  postgres.Config            `yaml:"database"`
	Redis     redisclient.Config         `yaml:"redis"`
	Broker    ingest.Config              `yaml:"broker"`
	Providers []transport.ProviderConfig `yaml:"providers"`
	Queue     QueueConfig                `yaml:"queue"`
	Warmup    WarmupConfig               `yaml:"warmup"`
	Logging   LoggingConfig              `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// QueueConfig paces the batch processor.
type QueueConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	BatchInterval time.Duration `yaml:"batch_interval"`
	Workers       int           `yaml:"workers"`
}

// WarmupConfig selects the provider warm-up traffic goes through and how
// often passes run.
type WarmupConfig struct {
	Provider string        `yaml:"provider"`
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}
