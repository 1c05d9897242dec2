// Package config loads followupd settings from followup.yaml, FOLLOWUP_*
// environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"followup/internal/delivery"
)

const EnvPrefix = "FOLLOWUP"

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
	Delivery  delivery.Config `mapstructure:"delivery"`
	Sequences SequencesConfig `mapstructure:"sequences"`
	Log       LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	// Debug mounts /debug/pprof.
	Debug bool `mapstructure:"debug"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type SweeperConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	Concurrency  int           `mapstructure:"concurrency"`
	ClaimTimeout time.Duration `mapstructure:"claim_timeout"`
}

type SequencesConfig struct {
	// Dir holds *.yaml definitions that add to or override the builtins.
	Dir      string        `mapstructure:"dir"`
	Watch    bool          `mapstructure:"watch"`
	Debounce time.Duration `mapstructure:"debounce"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Default() Config {
	return Config{
		HTTP:     HTTPConfig{Addr: ":8080"},
		Database: DatabaseConfig{Path: "followup.db"},
		Sweeper: SweeperConfig{
			Enabled:      true,
			Interval:     60 * time.Second,
			Concurrency:  1,
			ClaimTimeout: 10 * time.Minute,
		},
		Delivery: delivery.Config{
			Driver:  delivery.DriverLog,
			Timeout: 30 * time.Second,
		},
		Sequences: SequencesConfig{Dir: "sequences", Watch: true, Debounce: 500 * time.Millisecond},
		Log:       LogConfig{Level: "info", Format: "console"},
	}
}

// SetDefaults registers Default() on v so env vars and flags can override
// every key.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.debug", d.HTTP.Debug)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("sweeper.enabled", d.Sweeper.Enabled)
	v.SetDefault("sweeper.interval", d.Sweeper.Interval)
	v.SetDefault("sweeper.concurrency", d.Sweeper.Concurrency)
	v.SetDefault("sweeper.claim_timeout", d.Sweeper.ClaimTimeout)
	v.SetDefault("delivery.driver", d.Delivery.Driver)
	v.SetDefault("delivery.webhook_url", "")
	v.SetDefault("delivery.command", "")
	v.SetDefault("delivery.timeout", d.Delivery.Timeout)
	v.SetDefault("delivery.rate_per_sec", d.Delivery.RatePerSec)
	v.SetDefault("sequences.dir", d.Sequences.Dir)
	v.SetDefault("sequences.watch", d.Sequences.Watch)
	v.SetDefault("sequences.debounce", d.Sequences.Debounce)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// New returns a viper instance with defaults, env binding and the config
// file search path set up. file may be empty.
func New(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("followup")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/followup")
	}
	return v
}

// LoadEnvFile exports the variables of a dotenv file that are not already
// set in the environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads the config file, if any, and decodes v into a validated Config.
// A missing file is only an error when it was named explicitly.
func Load(v *viper.Viper) (*Config, error) {
	if f := v.ConfigFileUsed(); f != "" {
		if _, err := os.Stat(f); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
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

func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Sweeper.Interval < time.Second {
		errs = append(errs, fmt.Errorf("sweeper.interval must be at least 1s, got %s", c.Sweeper.Interval))
	}
	if c.Sweeper.Concurrency < 1 {
		errs = append(errs, errors.New("sweeper.concurrency must be at least 1"))
	}
	if c.Sweeper.ClaimTimeout <= 0 {
		errs = append(errs, errors.New("sweeper.claim_timeout must be positive"))
	}
	if c.Delivery.Timeout <= 0 {
		errs = append(errs, errors.New("delivery.timeout must be positive"))
	}
	if c.Sweeper.ClaimTimeout > 0 && c.Delivery.Timeout >= c.Sweeper.ClaimTimeout {
		errs = append(errs, errors.New("delivery.timeout must be shorter than sweeper.claim_timeout"))
	}
	if c.Delivery.RatePerSec < 0 {
		errs = append(errs, errors.New("delivery.rate_per_sec must not be negative"))
	}
	switch c.Delivery.Driver {
	case delivery.DriverLog, delivery.DriverWebhook, delivery.DriverCommand:
	default:
		errs = append(errs, fmt.Errorf("delivery.driver %q is not one of log, webhook, command", c.Delivery.Driver))
	}
	if c.Delivery.Driver == delivery.DriverWebhook && c.Delivery.WebhookURL == "" {
		errs = append(errs, errors.New("delivery.webhook_url is required for the webhook driver"))
	}
	if c.Delivery.Driver == delivery.DriverCommand && c.Delivery.Command == "" {
		errs = append(errs, errors.New("delivery.command is required for the command driver"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of console, json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
