// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type HTTPConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	BasePath    string   `yaml:"base_path"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // postgres|memory
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type QueueConfig struct {
	Driver string `yaml:"driver"` // rabbitmq|memory
	Buffer int    `yaml:"buffer"` // memory driver only
}

type RabbitMQConfig struct {
	URL            string        `yaml:"url"`
	Exchange       string        `yaml:"exchange"`
	Queue          string        `yaml:"queue"`
	RoutingKey     string        `yaml:"routing_key"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	PublishRetries int           `yaml:"publish_retries"`
	PublishDelay   time.Duration `yaml:"publish_delay"`
}

type EventsConfig struct {
	Driver  string `yaml:"driver"` // redis|local
	Channel string `yaml:"channel"`
}

type AIConfig struct {
	Provider        string            `yaml:"provider"` // openai|gemini|scripted
	OpenAIKey       string            `yaml:"openai_key"`
	OpenAIBaseURL   string            `yaml:"openai_base_url"`
	GeminiKey       string            `yaml:"gemini_key"`
	GeminiURL       string            `yaml:"gemini_url"`
	DefaultModel    string            `yaml:"default_model"`
	ModelProviders  map[string]string `yaml:"model_providers"` // model -> provider
	ConcurrentLimit int               `yaml:"concurrent_limit"`
	MaxOutputTokens int               `yaml:"max_output_tokens"`
	SystemPrompt    string            `yaml:"system_prompt"`
}

type JobsConfig struct {
	Workers            int           `yaml:"workers"`
	LeaseDuration      time.Duration `yaml:"lease_duration"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	CheckpointBytes    int           `yaml:"checkpoint_bytes"`
	ReaperInterval     time.Duration `yaml:"reaper_interval"`
	ReaperBatch        int           `yaml:"reaper_batch"`
	RedispatchAfter    time.Duration `yaml:"redispatch_after"`
	Retention          time.Duration `yaml:"retention"`
	RetentionInterval  time.Duration `yaml:"retention_interval"`
	MaxMessageChars    int           `yaml:"max_message_chars"`
	HistoryLimit       int           `yaml:"history_limit"`
	SubmitRateLimit    int           `yaml:"submit_rate_limit"`
	SubmitRateWindow   time.Duration `yaml:"submit_rate_window"`
}

type CompletionConfig struct {
	Marker   string   `yaml:"marker"`
	Patterns []string `yaml:"patterns"`
}

type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Auth       AuthConfig       `yaml:"auth"`
	Log        LogConfig        `yaml:"log"`
	Storage    StorageConfig    `yaml:"storage"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Events     EventsConfig     `yaml:"events"`
	AI         AIConfig         `yaml:"ai"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Completion CompletionConfig `yaml:"completion"`
	Security   SecurityConfig   `yaml:"security"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path, applies environment overrides
// (a .env file in the working directory is honoured) and fills defaults.
func LoadConfig(path string, dev bool) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b, dev)
}

// Parse decodes raw YAML into a validated Config.
func Parse(raw []byte, dev bool) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Runtime.Dev = dev
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&cfg.Database.URL, "DATABASE_URL")
	override(&cfg.Redis.URL, "REDIS_URL")
	override(&cfg.RabbitMQ.URL, "RABBITMQ_URL")
	override(&cfg.AI.OpenAIKey, "OPENAI_API_KEY")
	override(&cfg.AI.GeminiKey, "GEMINI_API_KEY")
	override(&cfg.Auth.JWTSecret, "JWT_SECRET")
	override(&cfg.Security.EncryptionKey, "ENCRYPTION_KEY")
}

func applyDefaults(cfg *Config) {
	if cfg.HTTP.Port <= 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.BasePath == "" {
		cfg.HTTP.BasePath = "/api/v1"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "postgres"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "rabbitmq"
	}
	if cfg.Queue.Buffer <= 0 {
		cfg.Queue.Buffer = 1024
	}
	if cfg.RabbitMQ.Exchange == "" {
		cfg.RabbitMQ.Exchange = "chat.jobs"
	}
	if cfg.RabbitMQ.Queue == "" {
		cfg.RabbitMQ.Queue = "chat.jobs.created"
	}
	if cfg.RabbitMQ.RoutingKey == "" {
		cfg.RabbitMQ.RoutingKey = "job.created"
	}
	if cfg.RabbitMQ.RetryAttempts <= 0 {
		cfg.RabbitMQ.RetryAttempts = 5
	}
	if cfg.RabbitMQ.RetryInterval <= 0 {
		cfg.RabbitMQ.RetryInterval = 2 * time.Second
	}
	if cfg.RabbitMQ.Heartbeat <= 0 {
		cfg.RabbitMQ.Heartbeat = 10 * time.Second
	}
	if cfg.RabbitMQ.PublishRetries <= 0 {
		cfg.RabbitMQ.PublishRetries = 3
	}
	if cfg.RabbitMQ.PublishDelay <= 0 {
		cfg.RabbitMQ.PublishDelay = 100 * time.Millisecond
	}
	if cfg.Events.Driver == "" {
		cfg.Events.Driver = "redis"
	}
	if cfg.Events.Channel == "" {
		cfg.Events.Channel = "chat:job-events"
	}
	if cfg.AI.Provider == "" {
		cfg.AI.Provider = "openai"
	}
	if cfg.AI.DefaultModel == "" {
		cfg.AI.DefaultModel = "gpt-4o-mini"
	}
	if cfg.AI.ConcurrentLimit <= 0 {
		cfg.AI.ConcurrentLimit = 16
	}
	if cfg.AI.MaxOutputTokens <= 0 {
		cfg.AI.MaxOutputTokens = 2048
	}

	j := &cfg.Jobs
	if j.Workers <= 0 {
		j.Workers = 8
	}
	if j.LeaseDuration <= 0 {
		j.LeaseDuration = 2 * time.Minute
	}
	if j.HeartbeatInterval <= 0 || j.HeartbeatInterval >= j.LeaseDuration {
		j.HeartbeatInterval = j.LeaseDuration / 4
	}
	if j.CheckpointInterval <= 0 {
		j.CheckpointInterval = 750 * time.Millisecond
	}
	if j.CheckpointBytes <= 0 {
		j.CheckpointBytes = 512
	}
	if j.ReaperInterval <= 0 {
		j.ReaperInterval = 15 * time.Second
	}
	if j.ReaperBatch <= 0 {
		j.ReaperBatch = 100
	}
	if j.RedispatchAfter <= 0 {
		j.RedispatchAfter = time.Minute
	}
	if j.Retention <= 0 {
		j.Retention = 72 * time.Hour
	}
	if j.RetentionInterval <= 0 {
		j.RetentionInterval = time.Hour
	}
	if j.MaxMessageChars <= 0 {
		j.MaxMessageChars = 8000
	}
	if j.HistoryLimit <= 0 {
		j.HistoryLimit = 20
	}
	if j.SubmitRateWindow <= 0 {
		j.SubmitRateWindow = time.Minute
	}

	if cfg.Completion.Marker == "" && len(cfg.Completion.Patterns) == 0 {
		cfg.Completion.Marker = "[[SESSION_COMPLETE]]"
	}

	// dev mode runs the whole pipeline in one process without external services
	if cfg.Runtime.Dev {
		if cfg.Database.URL == "" {
			cfg.Storage.Driver = "memory"
		}
		if cfg.RabbitMQ.URL == "" {
			cfg.Queue.Driver = "memory"
		}
		if cfg.Redis.URL == "" {
			cfg.Events.Driver = "local"
		}
		if cfg.AI.OpenAIKey == "" && cfg.AI.GeminiKey == "" {
			cfg.AI.Provider = "scripted"
		}
		if cfg.Auth.JWTSecret == "" {
			cfg.Auth.JWTSecret = "dev-secret-change-me"
		}
	}
}

// Minimal validation
func validate(cfg *Config) error {
	switch cfg.Storage.Driver {
	case "memory":
	case "postgres":
		if cfg.Database.URL == "" {
			return errors.New("database.url is required for the postgres storage driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", cfg.Storage.Driver)
	}
	switch cfg.Queue.Driver {
	case "memory":
	case "rabbitmq":
		if cfg.RabbitMQ.URL == "" {
			return errors.New("rabbitmq.url is required for the rabbitmq queue driver")
		}
	default:
		return fmt.Errorf("unknown queue.driver %q", cfg.Queue.Driver)
	}
	switch cfg.Events.Driver {
	case "local":
	case "redis":
		if cfg.Redis.URL == "" {
			return errors.New("redis.url is required for the redis events driver")
		}
	default:
		return fmt.Errorf("unknown events.driver %q", cfg.Events.Driver)
	}
	if cfg.Storage.Driver == "memory" && (cfg.Queue.Driver != "memory" || cfg.Events.Driver != "local") {
		return errors.New("storage.driver=memory requires queue.driver=memory and events.driver=local")
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if cfg.Jobs.CheckpointInterval >= cfg.Jobs.LeaseDuration {
		return errors.New("jobs.checkpoint_interval must be shorter than jobs.lease_duration")
	}
	return nil
}
