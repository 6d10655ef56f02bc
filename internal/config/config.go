package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"salesync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Remote     RemoteConfig     `yaml:"remote"`
	Sync       SyncConfig       `yaml:"sync"`
	Retry      RetryConfig      `yaml:"retry"`
	Conflict   ConflictConfig   `yaml:"conflict"`
	Redis      RedisConfig      `yaml:"redis"`
	API        APIConfig        `yaml:"api"`
	Exports    ExportsConfig    `yaml:"exports"`
	Logging    LoggingConfig    `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
	DeviceID    string `yaml:"device_id"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RemoteConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// SyncConfig tunes the queue coordinator.
type SyncConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	DefaultPriority   int           `yaml:"default_priority"`
	DefaultMaxRetries int           `yaml:"default_max_retries"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ReconnectDelayMin time.Duration `yaml:"reconnect_delay_min"`
	ReconnectDelayMax time.Duration `yaml:"reconnect_delay_max"`
	RateLimitRPS      float64       `yaml:"rate_limit_rps"`
	RateLimitBurst    int           `yaml:"rate_limit_burst"`
	RequeueBaseDelay  time.Duration `yaml:"requeue_base_delay"`
	RequeueMaxDelay   time.Duration `yaml:"requeue_max_delay"`
}

// RetryConfig overrides fields of the sync retry preset used for remote
// submissions. Zero values keep the preset defaults.
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Multiplier     float64       `yaml:"multiplier"`
	Jitter         *bool         `yaml:"jitter"`
	Timeout        time.Duration `yaml:"timeout"`
	RateLimitFloor time.Duration `yaml:"rate_limit_floor"`
}

// ConflictConfig carries detection thresholds, resolution defaults and the
// confidence constants used to gate automatic resolution.
type ConflictConfig struct {
	DefaultStrategy        models.ResolutionStrategy                         `yaml:"default_strategy"`
	ByType                 map[models.ConflictType]models.ResolutionStrategy `yaml:"by_type"`
	ByEntity               map[models.EntityType]models.ResolutionStrategy  `yaml:"by_entity"`
	UpdateThreshold        time.Duration                                     `yaml:"update_threshold"`
	AutoResolve            bool                                              `yaml:"auto_resolve"`
	ConfidenceThreshold    float64                                           `yaml:"confidence_threshold"`
	UpdateUpdateConfidence float64                                           `yaml:"update_update_confidence"`
	VersionConfidence      float64                                           `yaml:"version_confidence"`
	DefaultConfidence      float64                                           `yaml:"default_confidence"`
}

type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Address       string `yaml:"address"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	PoolSize      int    `yaml:"pool_size"`
	DeadLetterKey string `yaml:"dead_letter_key"`
}

// APIConfig описывает локальный сервисный HTTP API движка.
type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ExportsConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

func Load(configPath string) (*Config, error) {
	// .env отсутствует в большинстве окружений — не ошибка
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return errors.New("remote base_url is required")
	}

	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.App.DeviceID == "" {
		return errors.New("app device_id is required")
	}

	if c.Redis.Enabled && c.Redis.Address == "" {
		return errors.New("redis address is required when redis is enabled")
	}

	if c.Conflict.ConfidenceThreshold < 0 || c.Conflict.ConfidenceThreshold > 1 {
		return fmt.Errorf("conflict confidence_threshold must be within [0, 1], got %v", c.Conflict.ConfidenceThreshold)
	}

	if c.Sync.ReconnectDelayMax < c.Sync.ReconnectDelayMin {
		return errors.New("sync reconnect_delay_max must not be less than reconnect_delay_min")
	}

	if c.API.Enabled && c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return errors.New("api auth requires at least one api key")
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "salesync"
	}
	if c.App.Environment == "" {
		c.App.Environment = "production"
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 30 * time.Second
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	// Sync defaults
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = models.DefaultBatchSize
	}
	if c.Sync.DefaultPriority == 0 {
		c.Sync.DefaultPriority = models.DefaultPriority
	}
	if c.Sync.DefaultMaxRetries == 0 {
		c.Sync.DefaultMaxRetries = models.DefaultMaxRetries
	}
	if c.Sync.PollInterval == 0 {
		c.Sync.PollInterval = 30 * time.Second
	}
	if c.Sync.ReconnectDelayMin == 0 {
		c.Sync.ReconnectDelayMin = 1 * time.Second
	}
	if c.Sync.ReconnectDelayMax == 0 {
		c.Sync.ReconnectDelayMax = 3 * time.Second
	}
	if c.Sync.RateLimitRPS == 0 {
		c.Sync.RateLimitRPS = 10
	}
	if c.Sync.RateLimitBurst == 0 {
		c.Sync.RateLimitBurst = 5
	}
	if c.Sync.RequeueBaseDelay == 0 {
		c.Sync.RequeueBaseDelay = 5 * time.Second
	}
	if c.Sync.RequeueMaxDelay == 0 {
		c.Sync.RequeueMaxDelay = 5 * time.Minute
	}

	// Conflict defaults
	if c.Conflict.DefaultStrategy == "" {
		c.Conflict.DefaultStrategy = models.StrategyLastWriteWins
	}
	if c.Conflict.UpdateThreshold == 0 {
		c.Conflict.UpdateThreshold = 1 * time.Second
	}
	if c.Conflict.ConfidenceThreshold == 0 {
		c.Conflict.ConfidenceThreshold = 0.8
	}
	if c.Conflict.UpdateUpdateConfidence == 0 {
		c.Conflict.UpdateUpdateConfidence = 0.9
	}
	if c.Conflict.VersionConfidence == 0 {
		c.Conflict.VersionConfidence = 0.8
	}
	if c.Conflict.DefaultConfidence == 0 {
		c.Conflict.DefaultConfidence = 0.5
	}

	if c.Redis.DeadLetterKey == "" {
		c.Redis.DeadLetterKey = "salesync:dead_letter"
	}

	if c.API.Enabled && c.API.Port == 0 {
		c.API.Port = 8090
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
