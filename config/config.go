// Package config loads service configuration.
//
// Priority (highest to lowest):
//  1. Environment variables with LEDGER_ prefix (e.g., LEDGER_STORE_DRIVER)
//  2. config.toml (or the file given with --config)
//  3. Built-in defaults
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/warp/points-ledger/expiration"
	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/logging"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	App        AppConfig
	HTTP       HTTPConfig
	Store      StoreConfig
	Ledger     LedgerConfig
	Expiration ExpirationConfig
	Log        LogConfig
}

type AppConfig struct {
	Env             string
	ShutdownTimeout time.Duration
}

type HTTPConfig struct {
	Addr             string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	CORSAllowOrigins []string
	MetricsEnabled   bool
}

type StoreConfig struct {
	Driver           string
	SQLitePath       string
	PostgresDSN      string
	PostgresMaxConns int32
}

type LedgerConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	OperationTimeout  time.Duration
	VerifyOnWrite     bool
	DirectoryCacheTTL time.Duration
}

type ExpirationConfig struct {
	Enabled          bool
	CheckInterval    time.Duration
	BatchSize        int
	SubjectAttempts  int
	RetryInterval    time.Duration
	MaxCycleAttempts int
}

type LogConfig struct {
	Level  string
	Format string
	Output string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.shutdown_timeout", 30*time.Second)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.cors_allow_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("http.metrics_enabled", true)

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.sqlite_path", "points.db")
	v.SetDefault("store.postgres_max_conns", 10)

	d := ledger.DefaultOptions()
	v.SetDefault("ledger.max_attempts", d.MaxAttempts)
	v.SetDefault("ledger.initial_backoff", d.InitialBackoff)
	v.SetDefault("ledger.max_backoff", d.MaxBackoff)
	v.SetDefault("ledger.operation_timeout", d.OperationTimeout)
	v.SetDefault("ledger.verify_on_write", false)
	v.SetDefault("ledger.directory_cache_ttl", 30*time.Second)

	e := expiration.DefaultConfig()
	v.SetDefault("expiration.enabled", e.Enabled)
	v.SetDefault("expiration.check_interval", e.CheckInterval)
	v.SetDefault("expiration.batch_size", e.BatchSize)
	v.SetDefault("expiration.subject_attempts", e.SubjectAttempts)
	v.SetDefault("expiration.retry_interval", e.RetryInterval)
	v.SetDefault("expiration.max_cycle_attempts", e.MaxCycleAttempts)

	l := logging.DefaultConfig()
	v.SetDefault("log.level", l.Level)
	v.SetDefault("log.format", l.Format)
	v.SetDefault("log.output", l.Output)
}

// Load reads configuration. An empty path searches for config.toml in the
// working directory and /etc/points-ledger; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/points-ledger")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Env:             v.GetString("app.env"),
			ShutdownTimeout: v.GetDuration("app.shutdown_timeout"),
		},
		HTTP: HTTPConfig{
			Addr:             v.GetString("http.addr"),
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
			MetricsEnabled:   v.GetBool("http.metrics_enabled"),
		},
		Store: StoreConfig{
			Driver:           strings.ToLower(v.GetString("store.driver")),
			SQLitePath:       v.GetString("store.sqlite_path"),
			PostgresDSN:      v.GetString("store.postgres_dsn"),
			PostgresMaxConns: v.GetInt32("store.postgres_max_conns"),
		},
		Ledger: LedgerConfig{
			MaxAttempts:       v.GetInt("ledger.max_attempts"),
			InitialBackoff:    v.GetDuration("ledger.initial_backoff"),
			MaxBackoff:        v.GetDuration("ledger.max_backoff"),
			OperationTimeout:  v.GetDuration("ledger.operation_timeout"),
			VerifyOnWrite:     v.GetBool("ledger.verify_on_write"),
			DirectoryCacheTTL: v.GetDuration("ledger.directory_cache_ttl"),
		},
		Expiration: ExpirationConfig{
			Enabled:          v.GetBool("expiration.enabled"),
			CheckInterval:    v.GetDuration("expiration.check_interval"),
			BatchSize:        v.GetInt("expiration.batch_size"),
			SubjectAttempts:  v.GetInt("expiration.subject_attempts"),
			RetryInterval:    v.GetDuration("expiration.retry_interval"),
			MaxCycleAttempts: v.GetInt("expiration.max_cycle_attempts"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres driver")
		}
		if c.Store.PostgresMaxConns <= 0 {
			return fmt.Errorf("store.postgres_max_conns must be positive")
		}
	case DriverMemory:
		if c.App.Env == "production" {
			return fmt.Errorf("store.driver=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	if c.Ledger.MaxAttempts <= 0 {
		return fmt.Errorf("ledger.max_attempts must be positive")
	}
	if c.Ledger.OperationTimeout <= 0 {
		return fmt.Errorf("ledger.operation_timeout must be positive")
	}
	if c.Ledger.MaxBackoff < c.Ledger.InitialBackoff {
		return fmt.Errorf("ledger.max_backoff (%s) cannot be below ledger.initial_backoff (%s)",
			c.Ledger.MaxBackoff, c.Ledger.InitialBackoff)
	}
	if c.Ledger.DirectoryCacheTTL < 0 {
		return fmt.Errorf("ledger.directory_cache_ttl cannot be negative")
	}
	if c.Expiration.BatchSize <= 0 {
		return fmt.Errorf("expiration.batch_size must be positive")
	}
	if c.Expiration.CheckInterval <= 0 {
		return fmt.Errorf("expiration.check_interval must be positive")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	if c.App.Env == "production" {
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("http.cors_allow_origins cannot be '*' in production")
			}
		}
	}
	return nil
}

// LedgerOptions converts the ledger section for ledger.WithOptions.
func (c *Config) LedgerOptions() ledger.Options {
	return ledger.Options{
		MaxAttempts:      c.Ledger.MaxAttempts,
		InitialBackoff:   c.Ledger.InitialBackoff,
		MaxBackoff:       c.Ledger.MaxBackoff,
		OperationTimeout: c.Ledger.OperationTimeout,
		VerifyOnWrite:    c.Ledger.VerifyOnWrite,
	}
}

func (c *Config) ExpirationConfig() expiration.Config {
	return expiration.Config{
		Enabled:          c.Expiration.Enabled,
		CheckInterval:    c.Expiration.CheckInterval,
		BatchSize:        c.Expiration.BatchSize,
		SubjectAttempts:  c.Expiration.SubjectAttempts,
		RetryInterval:    c.Expiration.RetryInterval,
		MaxCycleAttempts: c.Expiration.MaxCycleAttempts,
	}
}

func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Log.Level
	cfg.Format = c.Log.Format
	cfg.Output = c.Log.Output
	return cfg
}
