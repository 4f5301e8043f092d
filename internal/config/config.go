// Package config loads stageflow settings from an optional YAML file, a .env
// file and the environment, in that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/backoff"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	LogLevel string         `yaml:"log_level"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	HTTP     HTTPConfig     `yaml:"http"`
	Worker   WorkerConfig   `yaml:"worker"`
	Inbox    QueueConfig    `yaml:"inbox"`
	Outbox   QueueConfig    `yaml:"outbox"`
	Retry    RetryConfig    `yaml:"retry"`
	Reaper   ReaperConfig   `yaml:"reaper"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	// ConnectRetries bounds startup connection attempts.
	ConnectRetries uint64 `yaml:"connect_retries"`
}

// ConnString returns URL, or a connection string built from the parts.
func (d DatabaseConfig) ConnString() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type RedisConfig struct {
	// Addr enables Redis transport when set.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// EventStream is the stream inbound events are read from.
	EventStream string `yaml:"event_stream"`
	// StreamPrefix is prepended to the outbox exchange to name the stream it is published on.
	StreamPrefix string `yaml:"stream_prefix"`
}

type HTTPConfig struct {
	Port string `yaml:"port"`
}

type WorkerConfig struct {
	ID                string        `yaml:"id"`
	Concurrency       int           `yaml:"concurrency"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxParallelStages int           `yaml:"max_parallel_stages"`
}

// QueueConfig configures the inbox or the outbox.
type QueueConfig struct {
	ConsumerID    string        `yaml:"consumer_id"`
	BatchSize     int           `yaml:"batch_size"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffPreset string        `yaml:"backoff_preset"`
	LockTimeout   time.Duration `yaml:"lock_timeout"`
	Interval      time.Duration `yaml:"interval"`

	Backoff backoff.Policy `yaml:"-"`
}

type RetryConfig struct {
	Preset            string `yaml:"preset"`
	CircuitOpenPreset string `yaml:"circuit_open_preset"`

	Policy        backoff.Policy `yaml:"-"`
	CircuitPolicy backoff.Policy `yaml:"-"`
}

type ReaperConfig struct {
	Interval              time.Duration              `yaml:"interval"`
	TimeoutClassification models.ErrorClassification `yaml:"timeout_classification"`
	ProcessingTimeout     time.Duration              `yaml:"processing_timeout"`
}

func Default() Config {
	return Config{
		LogLevel: "INFO",
		Database: DatabaseConfig{Host: "localhost", Port: "5432", User: "postgres", Name: "stageflow", SSLMode: "disable", ConnectRetries: 5},
		Redis:    RedisConfig{EventStream: "stageflow.events", StreamPrefix: "stageflow:"},
		HTTP:     HTTPConfig{Port: "8080"},
		Worker:   WorkerConfig{ID: hostname(), Concurrency: 4, PollInterval: time.Second, MaxParallelStages: 0},
		Inbox: QueueConfig{
			ConsumerID: models.DefaultConsumerID, BatchSize: 50, MaxAttempts: 5,
			BackoffPreset: backoff.PresetFast, LockTimeout: 5 * time.Minute, Interval: time.Second,
		},
		Outbox: QueueConfig{
			BatchSize: 100, MaxAttempts: 10,
			BackoffPreset: backoff.PresetStandard, LockTimeout: 5 * time.Minute, Interval: time.Second,
		},
		Retry:  RetryConfig{Preset: backoff.PresetStandard, CircuitOpenPreset: backoff.PresetConservative},
		Reaper: ReaperConfig{Interval: 30 * time.Second, TimeoutClassification: models.PermanentError, ProcessingTimeout: 30 * time.Minute},
	}
}

// Load reads path (optional), then .env, then environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}
	// a missing .env is fine
	_ = godotenv.Load()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("LOG_LEVEL", &c.LogLevel)
	str("DATABASE_URL", &c.Database.URL)
	str("DB_HOST", &c.Database.Host)
	str("DB_PORT", &c.Database.Port)
	str("DB_USERNAME", &c.Database.User)
	str("DB_PASSWORD", &c.Database.Password)
	str("DB_NAME", &c.Database.Name)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("PORT", &c.HTTP.Port)
	str("WORKER_ID", &c.Worker.ID)
	if v, ok := lookup("WORKER_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "WORKER_CONCURRENCY=%q is not a number", v)
		}
		c.Worker.Concurrency = n
	}
	return nil
}

// Validate checks values and resolves backoff presets into policies.
func (c *Config) Validate() error {
	var err error
	if c.Worker.Concurrency < 0 {
		return errors.Wrapf(ErrInvalidConfig, "worker concurrency must be >= 0, got %d", c.Worker.Concurrency)
	}
	if c.Worker.MaxParallelStages < 0 {
		return errors.Wrapf(ErrInvalidConfig, "max parallel stages must be >= 0, got %d", c.Worker.MaxParallelStages)
	}
	if !c.Reaper.TimeoutClassification.Valid() {
		return errors.Wrapf(ErrInvalidConfig, "unknown timeout classification '%s'", c.Reaper.TimeoutClassification)
	}
	for name, q := range map[string]*QueueConfig{"inbox": &c.Inbox, "outbox": &c.Outbox} {
		if q.BatchSize <= 0 || q.MaxAttempts <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "%s batch size and max attempts must be positive", name)
		}
		if q.Backoff, err = preset(q.BackoffPreset); err != nil {
			return errors.WithMessagef(err, "%s", name)
		}
	}
	if c.Retry.Policy, err = preset(c.Retry.Preset); err != nil {
		return errors.WithMessage(err, "retry")
	}
	if c.Retry.CircuitPolicy, err = preset(c.Retry.CircuitOpenPreset); err != nil {
		return errors.WithMessage(err, "retry")
	}
	return nil
}

func preset(name string) (backoff.Policy, error) {
	p, err := backoff.Preset(name)
	if err != nil {
		return backoff.Policy{}, errors.Wrapf(ErrInvalidConfig, "%v", err)
	}
	return p, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return h
}
