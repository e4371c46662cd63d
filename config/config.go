// Package config loads server settings from an optional YAML/JSON/TOML file
// and ROSCA_* environment variables.
//
// Precedence, highest first: command-line flags (applied by cmd/server),
// environment, config file, defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// AllowedOrigins feeds the CORS middleware.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// EnableReset mounts POST /api/admin/reset. Demo deployments only.
	EnableReset bool `mapstructure:"enable_reset"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type EngineConfig struct {
	MinReputation            int  `mapstructure:"min_reputation"`
	RequireEmailVerification bool `mapstructure:"require_email_verification"`
	RequireKYC               bool `mapstructure:"require_kyc"`
}

type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type KafkaConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Brokers    []string `mapstructure:"brokers"`
	Topic      string   `mapstructure:"topic"`
	MaxRetries int      `mapstructure:"max_retries"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.enable_reset", false)

	v.SetDefault("database.path", "rosca.db")

	v.SetDefault("engine.min_reputation", 50)
	v.SetDefault("engine.require_email_verification", false)
	v.SetDefault("engine.require_kyc", false)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", time.Hour)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 30*time.Second)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "rosca.events")
	v.SetDefault("kafka.max_retries", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// LoadConfig reads path if it is non-empty, then overlays the environment.
// A missing path is an error; an empty path means defaults plus environment.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ROSCA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Engine.MinReputation < 0 {
		errs = append(errs, fmt.Errorf("engine.min_reputation %d is negative", c.Engine.MinReputation))
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if c.Redis.Enabled && c.Redis.LockTTL <= 0 {
		errs = append(errs, errors.New("redis.lock_ttl must be positive"))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, errors.New("kafka.brokers and kafka.topic are required when kafka is enabled"))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or console", c.Logging.Format))
	}
	return errors.Join(errs...)
}
