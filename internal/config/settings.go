package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mawis/couriergrey/internal/support"
)

type Config struct {
	SocketPath    string `json:"socket_path"`
	WhitelistPath string `json:"whitelist_path"`

	Greylist struct {
		Window Timer `json:"window"`
	} `json:"greylist"`

	Store StoreConfig `json:"store"`

	Maintenance struct {
		Enabled       bool   `json:"enabled"`
		Interval      Timer  `json:"interval"`
		RetentionDays uint32 `json:"retention_days"`
	} `json:"maintenance"`

	Metrics struct {
		ListenAddress string `json:"listen_address"`
	} `json:"metrics"`

	GeoLite struct {
		CountryDB string `json:"country_db"`
	} `json:"geolite"`
}

type StoreConfig struct {
	Engine        string `json:"engine"`
	Path          string `json:"path"`
	LockTimeoutMs uint32 `json:"lock_timeout_ms"`
	OpenAttempts  uint32 `json:"open_attempts"`
	RetryDelay    Timer  `json:"retry_delay"`
	RedisURL      string `json:"redis_url"`

	SQL struct {
		Driver string `json:"driver"`
		DSN    string `json:"dsn"`
	} `json:"sql"`
}

const (
	EngineBolt  = "bolt"
	EngineRedis = "redis"
	EngineSQL   = "sql"

	DefaultSettingsPath = "/etc/courier/filters/couriergrey.json"
)

var (
	//go:embed default_settings.json
	defaultConfig []byte

	configValue atomic.Value
)

func init() {
	cfg, err := Defaults()
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	configValue.Store(cfg)
}

// Defaults returns the embedded default configuration.
func Defaults() (Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ReadSettings loads the settings file at path on top of the embedded
// defaults, applies environment overrides and makes the result current. A
// missing settings file is not an error.
func ReadSettings(path string) (Config, error) {
	cfg, err := Defaults()
	if err != nil {
		return Config{}, fmt.Errorf("config: embedded defaults: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		log.Debug("Settings file loaded", "path", path)
	case errors.Is(err, os.ErrNotExist):
		log.Debug("Settings file not found, using defaults", "path", path)
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	SetConfig(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Store.Engine = support.GetEnv("COURIERGREY_STORE_ENGINE", cfg.Store.Engine)
	cfg.Store.Path = support.GetEnv("COURIERGREY_STORE_PATH", cfg.Store.Path)
	cfg.Store.RedisURL = support.GetEnv("COURIERGREY_REDIS_URL", cfg.Store.RedisURL)
	cfg.Store.SQL.Driver = support.GetEnv("COURIERGREY_SQL_DRIVER", cfg.Store.SQL.Driver)
	cfg.Store.SQL.DSN = support.GetEnv("COURIERGREY_SQL_DSN", cfg.Store.SQL.DSN)
	cfg.Metrics.ListenAddress = support.GetEnv("COURIERGREY_METRICS_ADDR", cfg.Metrics.ListenAddress)
	cfg.GeoLite.CountryDB = support.GetEnv("COURIERGREY_GEOLITE_DB", cfg.GeoLite.CountryDB)

	if days := support.GetEnvInt("COURIERGREY_RETENTION_DAYS", -1); days >= 0 {
		cfg.Maintenance.RetentionDays = uint32(days)
	}

	cfg.Store.Engine = strings.ToLower(strings.TrimSpace(cfg.Store.Engine))
}

func (c Config) Validate() error {
	switch c.Store.Engine {
	case EngineBolt:
		if c.Store.Path == "" {
			return errors.New("config: store.path is required for the bolt engine")
		}
	case EngineRedis:
		if c.Store.RedisURL == "" {
			return errors.New("config: store.redis_url is required for the redis engine")
		}
	case EngineSQL:
		if c.Store.SQL.DSN == "" {
			return errors.New("config: store.sql.dsn is required for the sql engine")
		}
	default:
		return fmt.Errorf("config: unknown store engine %q", c.Store.Engine)
	}
	return nil
}

func SetConfig(cfg Config) {
	configValue.Store(cfg)
}

func GetConfig() Config {
	return configValue.Load().(Config)
}

// GreylistWindow is the minimum time between the first delivery attempt and
// acceptance.
func (c Config) GreylistWindow() time.Duration {
	return CalculateBetweenTime(c.Greylist.Window)
}

func (c StoreConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMs) * time.Millisecond
}
