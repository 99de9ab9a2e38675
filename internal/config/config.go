// Package config loads the engagement server configuration from YAML with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/civic-chain/engagement/pkg/logger"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AuditFile       string        `yaml:"audit_file"`
}

// DatabaseConfig holds the PostgreSQL connection settings. An empty DSN runs
// the server on the in-memory store.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the leaderboard cache settings. An empty address falls
// back to the in-process cache.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig holds token issuance settings.
type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// LedgerConfig holds the civic ledger notification settings. An empty
// endpoint disables delivery.
type LedgerConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SweepConfig holds the proposal deadline sweeper settings.
type SweepConfig struct {
	Schedule string `yaml:"schedule"`
}

// LeaderboardConfig holds cache freshness settings.
type LeaderboardConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// Config is the root server configuration.
type Config struct {
	Server      ServerConfig         `yaml:"server"`
	Database    DatabaseConfig       `yaml:"database"`
	Redis       RedisConfig          `yaml:"redis"`
	Auth        AuthConfig           `yaml:"auth"`
	Ledger      LedgerConfig         `yaml:"ledger"`
	Sweep       SweepConfig          `yaml:"sweep"`
	Leaderboard LeaderboardConfig    `yaml:"leaderboard"`
	Logging     logger.LoggingConfig `yaml:"logging"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Ledger: LedgerConfig{
			Timeout: 10 * time.Second,
		},
		Sweep: SweepConfig{
			Schedule: "* * * * *",
		},
		Leaderboard: LeaderboardConfig{
			TTL:             30 * time.Second,
			RefreshInterval: 30 * time.Second,
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file at path, falling back to defaults when
// path is empty or missing, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if cfg.Auth.Secret == "" {
		return Config{}, fmt.Errorf("auth secret is required (set auth.secret or ENGAGEMENT_AUTH_SECRET)")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ENGAGEMENT_ADDR"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("ENGAGEMENT_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("ENGAGEMENT_REDIS_ADDR"); v != "" {
		cfg.Redis.Address = v
	}
	if v := os.Getenv("ENGAGEMENT_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ENGAGEMENT_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("ENGAGEMENT_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("ENGAGEMENT_LEDGER_ENDPOINT"); v != "" {
		cfg.Ledger.Endpoint = v
	}
	if v := os.Getenv("ENGAGEMENT_LEDGER_API_KEY"); v != "" {
		cfg.Ledger.APIKey = v
	}
	if v := os.Getenv("ENGAGEMENT_SWEEP_SCHEDULE"); v != "" {
		cfg.Sweep.Schedule = v
	}
	if v := os.Getenv("ENGAGEMENT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ENGAGEMENT_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("ENGAGEMENT_AUDIT_FILE"); v != "" {
		cfg.Server.AuditFile = v
	}
}
