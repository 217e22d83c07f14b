// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github-pr-tracker/internal/database"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DBURL             string        `mapstructure:"DB_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	DBMaxConnLifetime time.Duration `mapstructure:"DB_MAX_CONN_LIFETIME"`
	DBConnectTimeout  time.Duration `mapstructure:"DB_CONNECT_TIMEOUT"`
	MigrationsPath    string        `mapstructure:"MIGRATIONS_PATH"`

	GithubToken          string        `mapstructure:"GITHUB_TOKEN"`
	GithubAPIURL         string        `mapstructure:"GITHUB_API_URL"`
	ReposToSync          []string      `mapstructure:"REPOS_TO_SYNC"`
	SyncInterval         time.Duration `mapstructure:"SYNC_INTERVAL"`
	SyncConcurrency      int           `mapstructure:"SYNC_CONCURRENCY"`
	DefaultSyncSinceDate string        `mapstructure:"DEFAULT_SYNC_SINCE_DATE"`
	DefaultSyncSinceTime time.Time     `mapstructure:"-"`

	HTTPAddr            string        `mapstructure:"HTTP_ADDR"`
	HealthCheckInterval time.Duration `mapstructure:"HEALTH_CHECK_INTERVAL"`
	HealthCheckTimeout  time.Duration `mapstructure:"HEALTH_CHECK_TIMEOUT"`
}

var defaults = map[string]any{
	"LOG_LEVEL":               "info",
	"DB_MAX_CONNS":            10,
	"DB_MIN_CONNS":            1,
	"DB_MAX_CONN_LIFETIME":    "1h",
	"DB_CONNECT_TIMEOUT":      "10s",
	"MIGRATIONS_PATH":         "migrations",
	"SYNC_INTERVAL":           "1h",
	"SYNC_CONCURRENCY":        5,
	"DEFAULT_SYNC_SINCE_DATE": "2023-01-01T00:00:00Z",
	"HTTP_ADDR":               ":8080",
	"HEALTH_CHECK_INTERVAL":   "30s",
	"HEALTH_CHECK_TIMEOUT":    "2s",
}

// Keys without a default still have to be bound, or Unmarshal ignores them when
// they only come from the environment.
var envOnly = []string{"DB_URL", "GITHUB_TOKEN", "GITHUB_API_URL", "REPOS_TO_SYNC"}

// LoadConfig reads configuration from a .env file in the working directory and/or environment variables.
func LoadConfig() (*Config, error) {
	return load(viper.New(), ".")
}

func load(v *viper.Viper, configPath string) (*Config, error) {
	// Set default values
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	// Load from .env file if it exists
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(configPath)
	_ = v.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envOnly {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse DefaultSyncSinceDate
	parsedTime, err := time.Parse(time.RFC3339, cfg.DefaultSyncSinceDate)
	if err != nil {
		return nil, errors.New("DEFAULT_SYNC_SINCE_DATE must be in RFC3339 format (e.g. 2023-01-01T00:00:00Z)")
	}
	cfg.DefaultSyncSinceTime = parsedTime

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DBURL == "" {
		return errors.New("DB_URL is a required configuration field")
	}
	if c.GithubToken == "" {
		return errors.New("GITHUB_TOKEN is a required configuration field")
	}
	if len(c.ReposToSync) == 0 {
		return errors.New("REPOS_TO_SYNC must contain at least one repository")
	}
	if c.SyncInterval <= 0 {
		return errors.New("SYNC_INTERVAL must be a positive duration")
	}
	if c.SyncConcurrency <= 0 {
		return errors.New("SYNC_CONCURRENCY must be at least 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.HealthCheckInterval <= 0 {
		return errors.New("HEALTH_CHECK_INTERVAL must be a positive duration")
	}
	return nil
}

// PoolConfig returns the connection pool settings.
func (c *Config) PoolConfig() database.PoolConfig {
	return database.PoolConfig{
		URL:             c.DBURL,
		MaxConns:        c.DBMaxConns,
		MinConns:        c.DBMinConns,
		MaxConnLifetime: c.DBMaxConnLifetime,
		ConnectTimeout:  c.DBConnectTimeout,
	}
}
