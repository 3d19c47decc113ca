// Package config loads the engine configuration from YAML with environment
// variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the exchange engine.
type Config struct {
	Server   Server   `yaml:"server"`
	Storage  Storage  `yaml:"storage"`
	Cache    Cache    `yaml:"cache"`
	Oracle   Oracle   `yaml:"oracle"`
	Accounts Accounts `yaml:"accounts"`
	Stats    Stats    `yaml:"stats"`
	Logging  Logging  `yaml:"logging"`
	Tracing  Tracing  `yaml:"tracing"`
}

// Server holds network listener configuration.
type Server struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr is the listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Storage selects the ledger backend: memory, postgres or sqlite.
type Storage struct {
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
}

// Cache selects the dashboard stats cache: memory or redis.
type Cache struct {
	Driver     string `yaml:"driver"`
	MaxEntries int    `yaml:"max_entries"`
	RedisURL   string `yaml:"redis_url"`
}

// Oracle selects the price source: static, http or alpaca.
type Oracle struct {
	Driver       string            `yaml:"driver"`
	BaseURL      string            `yaml:"base_url"`
	Timeout      time.Duration     `yaml:"timeout"`
	StaticPrices map[string]string `yaml:"static_prices"`
	Alpaca       Alpaca            `yaml:"alpaca"`
}

// Alpaca holds credentials for the Alpaca market data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Accounts configures registration.
type Accounts struct {
	InitialCash string `yaml:"initial_cash"`
}

// Stats configures the dashboard stats refresher.
type Stats struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Tracing configures OpenTelemetry span export.
type Tracing struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// ---------------------------------------------------------------------------
// Defaults and loading
// ---------------------------------------------------------------------------

// Default returns a configuration that runs fully in memory.
func Default() *Config {
	return &Config{
		Server:   Server{Host: "0.0.0.0", Port: 8080, ShutdownTimeout: 10 * time.Second},
		Storage:  Storage{Driver: "memory", SQLitePath: "exchange.db"},
		Cache:    Cache{Driver: "memory", MaxEntries: 10000},
		Oracle:   Oracle{Driver: "static", Timeout: 3 * time.Second},
		Accounts: Accounts{InitialCash: "10000.00"},
		Stats:    Stats{RefreshInterval: 60 * time.Second},
		Logging:  Logging{Level: "info", Format: "json"},
		Tracing:  Tracing{ServiceName: "exchange-engine"},
	}
}

// Load reads the YAML configuration file at path over the defaults, then
// applies environment variable overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set. Setting a backend URL
// also selects that backend unless the matching *_DRIVER variable is set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
		cfg.Storage.Driver = "postgres"
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
		cfg.Cache.Driver = "redis"
	}
	if v := os.Getenv("CACHE_DRIVER"); v != "" {
		cfg.Cache.Driver = v
	}

	if v := os.Getenv("PRICING_SERVICE_URL"); v != "" {
		cfg.Oracle.BaseURL = v
		cfg.Oracle.Driver = "http"
	}
	// Standard Alpaca env vars, the canonical names used by the SDK.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Oracle.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Oracle.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Oracle.Alpaca.DataURL = v
	}
	if v := os.Getenv("ORACLE_DRIVER"); v != "" {
		cfg.Oracle.Driver = v
	}

	if v := os.Getenv("INITIAL_CASH"); v != "" {
		cfg.Accounts.InitialCash = v
	}
	if v := os.Getenv("STATS_REFRESH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("STATS_REFRESH_INTERVAL: %w", err)
		}
		cfg.Stats.RefreshInterval = d
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = v == "true" || v == "1"
	}
	return nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate rejects unknown drivers, missing connection settings and
// malformed amounts.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}

	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("storage.database_url is required for postgres"))
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	switch c.Cache.Driver {
	case "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			errs = append(errs, errors.New("cache.redis_url is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache.driver %q", c.Cache.Driver))
	}

	switch c.Oracle.Driver {
	case "static":
		if _, err := c.Oracle.Prices(); err != nil {
			errs = append(errs, err)
		}
	case "http":
		if c.Oracle.BaseURL == "" {
			errs = append(errs, errors.New("oracle.base_url is required for http"))
		}
	case "alpaca":
		if c.Oracle.Alpaca.APIKey == "" || c.Oracle.Alpaca.APISecret == "" {
			errs = append(errs, errors.New("oracle.alpaca credentials are required for alpaca"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown oracle.driver %q", c.Oracle.Driver))
	}

	if cash, err := c.InitialCash(); err != nil {
		errs = append(errs, err)
	} else if cash.IsNegative() {
		errs = append(errs, fmt.Errorf("accounts.initial_cash must not be negative: %s", cash))
	}

	return errors.Join(errs...)
}

// InitialCash parses accounts.initial_cash.
func (c *Config) InitialCash() (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(c.Accounts.InitialCash))
	if err != nil {
		return decimal.Zero, fmt.Errorf("accounts.initial_cash: %w", err)
	}
	return v, nil
}

// Prices parses oracle.static_prices.
func (o Oracle) Prices() (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(o.StaticPrices))
	for sym, raw := range o.StaticPrices {
		p, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("oracle.static_prices[%s]: %w", sym, err)
		}
		prices[sym] = p
	}
	return prices, nil
}
