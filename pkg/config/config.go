// Package config provides configuration loading and validation for the
// chainfeed daemon.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sentinel validation errors.
var (
	ErrNoTasks            = errors.New("configure at least one task")
	ErrDuplicateTask      = errors.New("duplicate task name")
	ErrInvalidConcurrency = errors.New("task concurrency must be positive")
	ErrUnknownTaskKind    = errors.New("unknown task kind")
	ErrUnknownBackend     = errors.New("unknown progress backend")
	ErrMissingPath        = errors.New("checkpoint path must be set")
	ErrMissingStoreURL    = errors.New("task needs a store url")
	ErrMissingMongoTarget = errors.New("task needs a mongodb uri, database and collection")
	ErrInvalidCompression = errors.New("unknown archive compression")
)

// Task kinds understood by the daemon.
const (
	TaskKindBlob       = "blob"
	TaskKindKV         = "kv"
	TaskKindHistorical = "historical"
)

// Progress store backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
)

// Default configuration values.
const (
	defaultProgressPath   = "progress.json"
	defaultMetricsAddr    = ":9184"
	defaultTickInterval   = 100 * time.Millisecond
	defaultFetchTimeout   = 5 * time.Second
	defaultBatchSize      = 10
	defaultConcurrency    = 1
	defaultCommitDuration = 10 * time.Minute
)

// Config holds all configuration for the chainfeed daemon.
type Config struct {
	// Path is the local directory checkpoint files arrive in.
	Path string `mapstructure:"path"`

	// RemoteStoreURL optionally backfills checkpoints missing locally.
	RemoteStoreURL string `mapstructure:"remote_store_url"`

	// RemoteStoreOptions carries opaque store options such as credentials.
	RemoteStoreOptions map[string]string `mapstructure:"remote_store_options"`

	Progress ProgressConfig `mapstructure:"progress"`
	Reader   ReaderConfig   `mapstructure:"reader"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`

	Tasks []TaskConfig `mapstructure:"tasks"`
}

// ProgressConfig selects and configures the watermark store.
type ProgressConfig struct {
	Backend string `mapstructure:"backend"`

	// Path is the file or sqlite database location.
	Path string `mapstructure:"path"`

	// MongoDB settings.
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// ReaderConfig tunes the checkpoint reader.
type ReaderConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	BatchSize    int           `mapstructure:"batch_size"`
	DataLimit    uint64        `mapstructure:"data_limit"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Addr    string `mapstructure:"addr"`
	Enabled bool   `mapstructure:"enabled"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
	Insecure     bool    `mapstructure:"insecure"`
	Environment  string  `mapstructure:"environment"`
}

// TaskConfig describes one worker pool.
type TaskConfig struct {
	Name        string `mapstructure:"name"`
	Kind        string `mapstructure:"kind"`
	Concurrency int    `mapstructure:"concurrency"`

	// StoreURL is the object store target for blob and historical tasks.
	StoreURL     string            `mapstructure:"store_url"`
	StoreOptions map[string]string `mapstructure:"store_options"`

	// MongoDB target for kv tasks.
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`

	// Historical task tuning.
	CommitDuration time.Duration `mapstructure:"commit_duration"`
	Compression    string        `mapstructure:"compression"`
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("chainfeed")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("/etc/chainfeed")
	}

	viperCfg.SetEnvPrefix("CHAINFEED")
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var config Config

	unmarshalErr := viperCfg.Unmarshal(&config)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	validateErr := validateConfig(&config)
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("path", "./checkpoints")

	viperCfg.SetDefault("progress.backend", BackendFile)
	viperCfg.SetDefault("progress.path", defaultProgressPath)

	viperCfg.SetDefault("reader.tick_interval", defaultTickInterval.String())
	viperCfg.SetDefault("reader.fetch_timeout", defaultFetchTimeout.String())
	viperCfg.SetDefault("reader.batch_size", defaultBatchSize)

	viperCfg.SetDefault("metrics.enabled", true)
	viperCfg.SetDefault("metrics.addr", defaultMetricsAddr)

	viperCfg.SetDefault("logging.level", "info")
	viperCfg.SetDefault("logging.format", "json")

	viperCfg.SetDefault("tracing.sample_ratio", 0.0)
}

// validateConfig validates the configuration.
func validateConfig(config *Config) error {
	if config.Path == "" {
		return ErrMissingPath
	}

	switch config.Progress.Backend {
	case BackendFile, BackendSQLite, BackendMongo:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, config.Progress.Backend)
	}

	if config.Progress.Backend == BackendMongo &&
		(config.Progress.URI == "" || config.Progress.Database == "" || config.Progress.Collection == "") {
		return fmt.Errorf("%w: progress store", ErrMissingMongoTarget)
	}

	if len(config.Tasks) == 0 {
		return ErrNoTasks
	}

	seen := make(map[string]struct{}, len(config.Tasks))

	for i := range config.Tasks {
		task := &config.Tasks[i]

		if _, dup := seen[task.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateTask, task.Name)
		}

		seen[task.Name] = struct{}{}

		if task.Concurrency == 0 {
			task.Concurrency = defaultConcurrency
		}

		if task.Concurrency < 0 {
			return fmt.Errorf("%w: task %q", ErrInvalidConcurrency, task.Name)
		}

		if err := validateTask(task); err != nil {
			return err
		}
	}

	return nil
}

func validateTask(task *TaskConfig) error {
	switch task.Kind {
	case TaskKindBlob:
		if task.StoreURL == "" {
			return fmt.Errorf("%w: %q", ErrMissingStoreURL, task.Name)
		}
	case TaskKindKV:
		if task.URI == "" || task.Database == "" || task.Collection == "" {
			return fmt.Errorf("%w: %q", ErrMissingMongoTarget, task.Name)
		}
	case TaskKindHistorical:
		if task.StoreURL == "" {
			return fmt.Errorf("%w: %q", ErrMissingStoreURL, task.Name)
		}

		if task.CommitDuration == 0 {
			task.CommitDuration = defaultCommitDuration
		}

		switch task.Compression {
		case "", "none", "zstd", "lz4":
		default:
			return fmt.Errorf("%w: %q", ErrInvalidCompression, task.Compression)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTaskKind, task.Kind)
	}

	return nil
}
