// Package config loads the service configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"invpredict/ml"
	"invpredict/monitoring"
	"invpredict/pipeline"
	"invpredict/training"
)

// Environment overrides.
const (
	EnvTestFraction = "INVPREDICT_TEST_FRACTION"
	EnvRandomSeed   = "INVPREDICT_RANDOM_SEED"
	EnvHTTPPort     = "INVPREDICT_HTTP_PORT"
)

type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
	Schema     ml.Schema        `yaml:"schema"`
	Model      ModelConfig      `yaml:"model"`
	Training   TrainingConfig   `yaml:"training"`
	Prediction PredictionConfig `yaml:"prediction"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Database   struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	// ShutdownTimeout bounds how long in-flight requests may run after a signal.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File enables a rotated log file in addition to stdout.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type ModelConfig struct {
	Algorithm    string             `yaml:"algorithm"`
	Params       ml.AlgorithmParams `yaml:"params"`
	ArtifactPath string             `yaml:"artifact_path"`
	// Watch reloads the artifact when another process replaces it.
	Watch bool `yaml:"watch"`
}

type TrainingConfig struct {
	TestFraction float64                  `yaml:"test_fraction"`
	RandomSeed   *int64                   `yaml:"random_seed"`
	Metrics      []string                 `yaml:"metrics"`
	DatasetPath  string                   `yaml:"dataset_path"`
	CSV          pipeline.IngestionConfig `yaml:"csv"`
	// OnStartup trains from DatasetPath when no artifact could be loaded.
	OnStartup  bool `yaml:"on_startup"`
	QueueSize  int  `yaml:"queue_size"`
	MaxHistory int  `yaml:"max_history"`
}

// Orchestrator returns the per-run settings.
func (t TrainingConfig) Orchestrator() training.Config {
	return training.Config{
		TestFraction: t.TestFraction,
		RandomSeed:   t.RandomSeed,
		Metrics:      append([]string(nil), t.Metrics...),
	}
}

type PredictionConfig struct {
	MaxBatchSize int `yaml:"max_batch_size"`
	CacheSize    int `yaml:"cache_size"`
}

// AlertsConfig names the channels notified when a training job fails.
type AlertsConfig struct {
	Channels map[string]monitoring.AlertChannel `yaml:"channels"`
}

func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// Load reads path (if it exists), fills defaults and applies environment
// overrides. A missing file yields the defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = 15 * time.Second
	}
	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = 30 * time.Second
	}
	if c.HTTP.MaxBodyBytes == 0 {
		c.HTTP.MaxBodyBytes = 10 << 20
	}
	if len(c.HTTP.AllowedOrigins) == 0 {
		c.HTTP.AllowedOrigins = []string{"*"}
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 30
	}
	if len(c.Schema.Features) == 0 {
		c.Schema.Features = ml.DefaultSchema().Features
	}
	if c.Schema.Target == "" {
		c.Schema.Target = ml.DefaultSchema().Target
	}
	if c.Model.Algorithm == "" {
		c.Model.Algorithm = ml.AlgorithmRandomForest
	}
	if c.Model.ArtifactPath == "" {
		c.Model.ArtifactPath = "models/model.json"
	}
	if c.Training.TestFraction == 0 {
		c.Training.TestFraction = training.DefaultTestFraction
	}
	if len(c.Training.Metrics) == 0 {
		c.Training.Metrics = ml.DefaultMetrics()
	}
	if c.Prediction.MaxBatchSize == 0 {
		c.Prediction.MaxBatchSize = 1000
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/invpredict.db"
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvTestFraction); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTestFraction, err)
		}
		c.Training.TestFraction = f
	}
	if v, ok := lookup(EnvRandomSeed); ok {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRandomSeed, err)
		}
		c.Training.RandomSeed = &seed
	}
	if v, ok := lookup(EnvHTTPPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvHTTPPort, err)
		}
		c.HTTP.Port = port
	}
	return nil
}

func (c Config) Validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if err := c.Schema.Validate(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	if _, err := ml.NewAlgorithm(c.Model.Algorithm, c.Model.Params); err != nil {
		return fmt.Errorf("model.algorithm: %w", err)
	}
	if err := c.Training.Orchestrator().Validate(); err != nil {
		return fmt.Errorf("training: %w", err)
	}
	if c.Training.OnStartup && c.Training.DatasetPath == "" {
		return errors.New("training.on_startup requires training.dataset_path")
	}
	if c.Prediction.MaxBatchSize < 0 || c.Prediction.CacheSize < 0 {
		return errors.New("prediction limits must not be negative")
	}
	for name, ch := range c.Alerts.Channels {
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("alerts.channels.%s: %w", name, err)
		}
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q must be json or console", c.Log.Format)
	}
	return nil
}
