package config

import (
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Queue        QueueConfig        `yaml:"queue" mapstructure:"queue"`
	Reactor      ReactorConfig      `yaml:"reactor" mapstructure:"reactor"`
	TenantConfig TenantConfigConfig `yaml:"tenant_config" mapstructure:"tenant_config"`
	Entities     EntitiesConfig     `yaml:"entities" mapstructure:"entities"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the metric store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// QueueConfig configures the trigger queue.
type QueueConfig struct {
	Driver        string        `yaml:"driver" mapstructure:"driver"`
	RedisAddr     string        `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string        `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int           `yaml:"redis_db" mapstructure:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	Consumer      string        `yaml:"consumer" mapstructure:"consumer"`
	BatchSize     int           `yaml:"batch_size" mapstructure:"batch_size"`
	EnqueueRate   float64       `yaml:"enqueue_rate" mapstructure:"enqueue_rate"`
	EnqueueBurst  int           `yaml:"enqueue_burst" mapstructure:"enqueue_burst"`
	Visibility    time.Duration `yaml:"visibility" mapstructure:"visibility"`
}

// ReactorConfig configures the worker loop.
type ReactorConfig struct {
	Workers         int           `yaml:"workers" mapstructure:"workers"`
	MaxRetries      int           `yaml:"max_retries" mapstructure:"max_retries"`
	SoftDeadline    time.Duration `yaml:"soft_deadline" mapstructure:"soft_deadline"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	PeekLimit       int           `yaml:"peek_limit" mapstructure:"peek_limit"`
}

// TenantConfigConfig configures where tenant risk-model settings come from.
type TenantConfigConfig struct {
	Driver   string        `yaml:"driver" mapstructure:"driver"`
	FilePath string        `yaml:"file_path" mapstructure:"file_path"`
	CacheTTL time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// EntitiesConfig configures the entity graph source.
type EntitiesConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	FixturePath string `yaml:"fixture_path" mapstructure:"fixture_path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

var (
	storeDrivers        = []string{"postgres", "sqlite", "memory"}
	queueDrivers        = []string{"redis", "postgres", "memory"}
	tenantConfigDrivers = []string{"postgres", "redis", "file", "memory"}
	entityDrivers       = []string{"postgres", "fixture"}
)

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RISK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "riskengine.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("queue.driver", "redis")
	v.SetDefault("queue.redis_addr", "localhost:6379")
	v.SetDefault("queue.redis_password", "")
	v.SetDefault("queue.redis_db", 0)
	v.SetDefault("queue.key_prefix", "riskengine")
	v.SetDefault("queue.consumer", "")
	v.SetDefault("queue.batch_size", 50)
	v.SetDefault("queue.enqueue_rate", 0)
	v.SetDefault("queue.enqueue_burst", 100)
	v.SetDefault("queue.visibility", 5*time.Minute)
	v.SetDefault("reactor.workers", 1)
	v.SetDefault("reactor.max_retries", 3)
	v.SetDefault("reactor.soft_deadline", 60*time.Second)
	v.SetDefault("reactor.shutdown_timeout", 30*time.Second)
	v.SetDefault("reactor.poll_interval", time.Second)
	v.SetDefault("reactor.peek_limit", 1000)
	v.SetDefault("tenant_config.driver", "postgres")
	v.SetDefault("tenant_config.file_path", "tenants.yaml")
	v.SetDefault("tenant_config.cache_ttl", 5*time.Minute)
	v.SetDefault("entities.driver", "postgres")
	v.SetDefault("entities.fixture_path", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{})
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

// Validate rejects unknown drivers and settings the components cannot run
// with. Connection strings are checked by the components that use them.
func (c *Config) Validate() error {
	checks := []struct {
		section, driver string
		allowed         []string
	}{
		{"store", c.Store.Driver, storeDrivers},
		{"queue", c.Queue.Driver, queueDrivers},
		{"tenant_config", c.TenantConfig.Driver, tenantConfigDrivers},
		{"entities", c.Entities.Driver, entityDrivers},
	}
	for _, ch := range checks {
		if !slices.Contains(ch.allowed, ch.driver) {
			return eris.Errorf("config: unknown %s.driver %q (want one of %s)",
				ch.section, ch.driver, strings.Join(ch.allowed, ", "))
		}
	}

	if c.Queue.BatchSize <= 0 {
		return eris.Errorf("config: queue.batch_size must be positive, got %d", c.Queue.BatchSize)
	}
	if c.Queue.EnqueueRate < 0 {
		return eris.Errorf("config: queue.enqueue_rate must not be negative, got %v", c.Queue.EnqueueRate)
	}
	if c.Queue.EnqueueRate > 0 && c.Queue.EnqueueBurst <= 0 {
		return eris.New("config: queue.enqueue_burst must be positive when enqueue_rate is set")
	}
	if c.Reactor.Workers <= 0 {
		return eris.Errorf("config: reactor.workers must be positive, got %d", c.Reactor.Workers)
	}
	if c.Reactor.MaxRetries < 0 {
		return eris.Errorf("config: reactor.max_retries must not be negative, got %d", c.Reactor.MaxRetries)
	}
	if c.Reactor.SoftDeadline <= 0 || c.Reactor.ShutdownTimeout <= 0 {
		return eris.New("config: reactor deadlines must be positive")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return eris.Errorf("config: server.port out of range: %d", c.Server.Port)
	}
	if c.Store.Driver == "postgres" && c.Store.MinConns > c.Store.MaxConns {
		return eris.Errorf("config: store.min_conns (%d) exceeds store.max_conns (%d)", c.Store.MinConns, c.Store.MaxConns)
	}
	if c.Entities.Driver == "fixture" && c.Entities.FixturePath == "" {
		return eris.New("config: entities.fixture_path is required for the fixture driver")
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
