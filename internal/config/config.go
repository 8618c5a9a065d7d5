package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Backfill BackfillConfig `yaml:"backfill" mapstructure:"backfill"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the warehouse backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// IngestConfig configures record processing.
type IngestConfig struct {
	Concurrency   int     `yaml:"concurrency" mapstructure:"concurrency"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// BackfillConfig configures the reconciliation sweep. MaxChunks 0 means a
// full pass.
type BackfillConfig struct {
	ChunkSize int `yaml:"chunk_size" mapstructure:"chunk_size"`
	MaxChunks int `yaml:"max_chunks" mapstructure:"max_chunks"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RECONCILE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("server.port", 8080)
	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("ingest.rate_per_second", 50)
	v.SetDefault("ingest.rate_burst", 25)
	v.SetDefault("backfill.chunk_size", 100)
	v.SetDefault("backfill.max_chunks", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the fields a command mode actually needs. Modes map to
// the top-level CLI commands.
func (c *Config) Validate(mode string) error {
	var problems []string

	needsDB := func() {
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	}

	switch mode {
	case "serve":
		needsDB()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Ingest.Concurrency < 1 || c.Ingest.Concurrency > 64 {
			problems = append(problems, "ingest.concurrency must be between 1 and 64")
		}
	case "ingest":
		needsDB()
		if c.Ingest.Concurrency < 1 || c.Ingest.Concurrency > 64 {
			problems = append(problems, "ingest.concurrency must be between 1 and 64")
		}
		if c.Ingest.RatePerSecond <= 0 {
			problems = append(problems, "ingest.rate_per_second must be > 0")
		}
	case "backfill":
		needsDB()
		if c.Backfill.ChunkSize < 1 || c.Backfill.ChunkSize > 10000 {
			problems = append(problems, "backfill.chunk_size must be between 1 and 10000")
		}
		if c.Backfill.MaxChunks < 0 {
			problems = append(problems, "backfill.max_chunks must be >= 0")
		}
	case "migrate":
		// Migrations always run against Postgres, whatever the driver.
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	case "review", "provenance":
		needsDB()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
