// Package config loads process configuration from defaults, an optional YAML
// file, REGIONCRON_* environment variables and bound CLI flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const EnvPrefix = "REGIONCRON"

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	HolderID   string           `mapstructure:"holder_id"`
	Regions    RegionsConfig    `mapstructure:"regions"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Relay      RelayConfig      `mapstructure:"relay"`
	FileImport FileImportConfig `mapstructure:"fileimport"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Debug   bool   `mapstructure:"debug"`
}

type RegionsConfig struct {
	Default          string            `mapstructure:"default"`
	Extra            map[string]string `mapstructure:"extra"`
	Discover         bool              `mapstructure:"discover"`
	ProjectCacheSize int               `mapstructure:"project_cache_size"`
}

type NotifyConfig struct {
	Driver        string `mapstructure:"driver"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

type RelayConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type FileImportConfig struct {
	Disabled         bool          `mapstructure:"disabled"`
	TimeLimitMinutes int           `mapstructure:"time_limit_minutes"`
	Lease            time.Duration `mapstructure:"lease"`
}

// Notification drivers. DriverMemory is an in-process broker: nothing outside
// the process can publish to it, so serve only receives notifications with
// the postgres or redis drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// New returns a viper instance with defaults and env binding applied.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.debug", false)
	v.SetDefault("holder_id", "")
	v.SetDefault("regions.default", "regioncron.db")
	v.SetDefault("regions.extra", map[string]string{})
	v.SetDefault("regions.discover", false)
	v.SetDefault("regions.project_cache_size", 1024)
	v.SetDefault("notify.driver", DriverMemory)
	v.SetDefault("notify.postgres_dsn", "")
	v.SetDefault("notify.redis_addr", "localhost:6379")
	v.SetDefault("notify.redis_password", "")
	v.SetDefault("notify.redis_db", 0)
	v.SetDefault("relay.concurrency", 8)
	v.SetDefault("fileimport.disabled", false)
	v.SetDefault("fileimport.time_limit_minutes", 10)
	v.SetDefault("fileimport.lease", time.Duration(0))

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file at path into v and decodes it.
func Load(v *viper.Viper, path string) (*Config, error) {
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
	if cfg.HolderID == "" {
		cfg.HolderID = DefaultHolderID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultHolderID identifies this process in task locks.
func DefaultHolderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "regioncron"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Regions.Default) == "" {
		errs = append(errs, errors.New("regions.default is required"))
	}
	switch c.Notify.Driver {
	case DriverMemory, DriverRedis:
	case DriverPostgres:
		if c.Notify.PostgresDSN == "" {
			errs = append(errs, errors.New("notify.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown notify.driver %q", c.Notify.Driver))
	}
	if c.Relay.Concurrency <= 0 {
		errs = append(errs, errors.New("relay.concurrency must be positive"))
	}
	if c.FileImport.TimeLimitMinutes <= 0 {
		errs = append(errs, errors.New("fileimport.time_limit_minutes must be positive"))
	}
	if c.FileImport.Lease < 0 {
		errs = append(errs, errors.New("fileimport.lease must not be negative"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
