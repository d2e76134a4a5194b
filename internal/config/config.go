// Package config loads service and client settings from defaults, an
// optional YAML file and FRAUD_* environment variables, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "FRAUD"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	DataDir   string          `mapstructure:"data_dir"`
	Store     StoreConfig     `mapstructure:"store"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Poll      PollConfig      `mapstructure:"poll"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
	Models    ModelsConfig    `mapstructure:"models"`
	Events    EventsConfig    `mapstructure:"events"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	BaseURL         string        `mapstructure:"base_url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
}

type UploadConfig struct {
	MaxBytes int64 `mapstructure:"max_bytes"`
}

type BackendConfig struct {
	URL            string        `mapstructure:"url"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	StatusRetries  int           `mapstructure:"status_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	RateLimit      float64       `mapstructure:"rate_limit"`
}

type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type SimulatorConfig struct {
	StepDelay          time.Duration `mapstructure:"step_delay"`
	ProgressStep       int           `mapstructure:"progress_step"`
	RejectionThreshold float64       `mapstructure:"rejection_threshold"`
	FixedRows          int           `mapstructure:"fixed_rows"`
	Seed               int64         `mapstructure:"seed"`
}

type ModelsConfig struct {
	IndexPath string `mapstructure:"index_path"`
	Current   string `mapstructure:"current"`
}

type EventsConfig struct {
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("data_dir", "local-data")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("upload.max_bytes", 10<<20)

	v.SetDefault("backend.url", "http://localhost:8080")
	v.SetDefault("backend.probe_timeout", "3s")
	v.SetDefault("backend.request_timeout", "30s")
	v.SetDefault("backend.status_retries", 2)
	v.SetDefault("backend.retry_backoff", "250ms")
	v.SetDefault("backend.rate_limit", 0)

	v.SetDefault("poll.interval", "2s")

	v.SetDefault("simulator.step_delay", "500ms")
	v.SetDefault("simulator.progress_step", 10)
	v.SetDefault("simulator.rejection_threshold", 0.5)
	v.SetDefault("simulator.fixed_rows", 0)
	v.SetDefault("simulator.seed", 0)

	v.SetDefault("models.index_path", "")
	v.SetDefault("models.current", "")

	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject", "jobs.complete")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("metrics.enabled", true)
}

// Load reads the configuration. An empty path skips the file.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite or memory, got %q", c.Store.Driver))
	}
	if c.Upload.MaxBytes <= 0 {
		errs = append(errs, errors.New("upload.max_bytes must be positive"))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("poll.interval must be positive"))
	}
	if c.Simulator.RejectionThreshold < 0 || c.Simulator.RejectionThreshold > 1 {
		errs = append(errs, fmt.Errorf("simulator.rejection_threshold must be in [0,1], got %v", c.Simulator.RejectionThreshold))
	}
	if c.Backend.StatusRetries < 0 {
		errs = append(errs, errors.New("backend.status_retries must not be negative"))
	}
	return errors.Join(errs...)
}

// PublicBaseURL is the address clients use to reach the API.
func (c Config) PublicBaseURL() string {
	if c.Server.BaseURL != "" {
		return strings.TrimRight(c.Server.BaseURL, "/")
	}
	addr := c.Server.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}
