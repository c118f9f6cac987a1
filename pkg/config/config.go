package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Duration is a time.Duration written as "30s" or "5m" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config holds all daemon configuration
type Config struct {
	Server  ServerConfig     `toml:"server"`
	Engine  EngineConfig     `toml:"engine"`
	Stream  StreamConfig     `toml:"stream"`
	Store   StoreConfig      `toml:"store"`
	Catalog CatalogConfig    `toml:"catalog"`
	Auth    AuthConfig       `toml:"auth"`
	Log     LogConfig        `toml:"log"`
	Plugins []map[string]any `toml:"plugins"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Addr     string `toml:"addr"`
	TLSCert  string `toml:"tls_cert"`
	TLSKey   string `toml:"tls_key"`
	ClientCA string `toml:"client_ca"`
}

// EngineConfig bounds step execution
type EngineConfig struct {
	MaxParallelSteps int      `toml:"max_parallel_steps"`
	MaxGlobalSteps   int      `toml:"max_global_steps"`
	StepTimeout      Duration `toml:"step_timeout"`
	GracePeriod      Duration `toml:"grace_period"`
}

// StreamConfig holds live channel settings
type StreamConfig struct {
	TokenTTL     Duration `toml:"token_ttl"`
	PingInterval Duration `toml:"ping_interval"`
	PongWait     Duration `toml:"pong_wait"`
	Buffer       int      `toml:"buffer"`
}

// StoreConfig selects the execution store backend
type StoreConfig struct {
	Backend       string `toml:"backend"` // memory, sqlite or mysql
	DSN           string `toml:"dsn"`
	RetentionDays int    `toml:"retention_days"`
	SweepSchedule string `toml:"sweep_schedule"` // cron spec
}

// CatalogConfig says where hunt definitions come from
type CatalogConfig struct {
	Dir          string `toml:"dir"`
	Watch        bool   `toml:"watch"`
	ConsulAddr   string `toml:"consul_addr"`
	ConsulToken  string `toml:"consul_token"`
	ConsulPrefix string `toml:"consul_prefix"`
}

// AuthConfig holds credential settings
type AuthConfig struct {
	Disabled   bool     `toml:"disabled"`
	JWTSecret  string   `toml:"jwt_secret"`
	APIKeyHash string   `toml:"api_key_hash"`
	SessionTTL Duration `toml:"session_ttl"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Engine: EngineConfig{
			MaxParallelSteps: 4,
			MaxGlobalSteps:   16,
			StepTimeout:      Duration{5 * time.Minute},
			GracePeriod:      Duration{5 * time.Second},
		},
		Stream: StreamConfig{
			TokenTTL:     Duration{5 * time.Minute},
			PingInterval: Duration{30 * time.Second},
			PongWait:     Duration{60 * time.Second},
			Buffer:       256,
		},
		Store: StoreConfig{
			Backend:       "memory",
			RetentionDays: 30,
			SweepSchedule: "@hourly",
		},
		Catalog: CatalogConfig{
			Dir:          "hunts",
			Watch:        true,
			ConsulPrefix: "huntd/hunts/",
		},
		Auth: AuthConfig{
			SessionTTL: Duration{12 * time.Hour},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads configuration from a TOML file, falling back to defaults, then
// applies .env and environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, err
		}
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.Catalog.Dir = ExpandPath(cfg.Catalog.Dir)
	if cfg.Store.Backend == "sqlite" {
		cfg.Store.DSN = ExpandPath(cfg.Store.DSN)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var merr *multierror.Error
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				merr = multierror.Append(merr, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				merr = multierror.Append(merr, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	setString("JWT_SECRET", &c.Auth.JWTSecret)
	setString("HUNTD_ADDR", &c.Server.Addr)
	setString("HUNTD_STORE", &c.Store.Backend)
	setString("HUNTD_STORE_DSN", &c.Store.DSN)
	setString("HUNTD_HUNTS_DIR", &c.Catalog.Dir)
	setString("HUNTD_CONSUL_ADDR", &c.Catalog.ConsulAddr)
	setString("CONSUL_HTTP_TOKEN", &c.Catalog.ConsulToken)
	setString("HUNTD_API_KEY_HASH", &c.Auth.APIKeyHash)
	setString("HUNTD_LOG_LEVEL", &c.Log.Level)
	setInt("HUNTD_MAX_PARALLEL_STEPS", &c.Engine.MaxParallelSteps)
	setInt("HUNTD_MAX_GLOBAL_STEPS", &c.Engine.MaxGlobalSteps)
	setInt("HUNTD_RETENTION_DAYS", &c.Store.RetentionDays)
	setBool("HUNTD_AUTH_DISABLED", &c.Auth.Disabled)
	return merr.ErrorOrNil()
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var merr *multierror.Error
	switch c.Store.Backend {
	case "memory", "sqlite", "mysql":
	default:
		merr = multierror.Append(merr, fmt.Errorf("store.backend: unsupported %q", c.Store.Backend))
	}
	if c.Engine.MaxGlobalSteps <= 0 {
		merr = multierror.Append(merr, fmt.Errorf("engine.max_global_steps must be positive"))
	}
	if c.Engine.MaxParallelSteps < 0 {
		merr = multierror.Append(merr, fmt.Errorf("engine.max_parallel_steps must not be negative"))
	}
	if c.Stream.PingInterval.Duration >= c.Stream.PongWait.Duration {
		merr = multierror.Append(merr, fmt.Errorf("stream.ping_interval must be shorter than stream.pong_wait"))
	}
	if c.Stream.TokenTTL.Duration <= 0 {
		merr = multierror.Append(merr, fmt.Errorf("stream.token_ttl must be positive"))
	}
	if c.Store.RetentionDays > 0 {
		if _, err := cron.ParseStandard(c.Store.SweepSchedule); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("store.sweep_schedule: %w", err))
		}
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		merr = multierror.Append(merr, fmt.Errorf("server.tls_cert and server.tls_key must be set together"))
	}
	if !c.Auth.Disabled && c.Auth.JWTSecret == "" && c.Auth.APIKeyHash == "" {
		merr = multierror.Append(merr, fmt.Errorf("auth: set jwt_secret (or JWT_SECRET) or api_key_hash, or disable auth"))
	}
	return merr.ErrorOrNil()
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
