package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"payflow/db"
	"payflow/logging"
	"payflow/poller"
)

const (
	// EnvPrefix namespaces environment overrides, e.g. PAYFLOW_DATABASE_URL.
	EnvPrefix = "PAYFLOW"
	// DotEnvFile is loaded from the working directory when present.
	DotEnvFile = ".env"
)

// Config is the effective process configuration.
type Config struct {
	Log      logging.Config `mapstructure:"log" yaml:"log"`
	Database db.Config      `mapstructure:"database" yaml:"database"`
	HTTP     HTTPConfig     `mapstructure:"http" yaml:"http"`
	Poll     PollConfig     `mapstructure:"poll" yaml:"poll"`
	Client   ClientConfig   `mapstructure:"client" yaml:"client"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// PollConfig holds the default watch policy. Requests may override interval
// and timeout per session.
type PollConfig struct {
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Backoff     float64       `mapstructure:"backoff" yaml:"backoff"`
	MaxInterval time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
}

// Policy converts the section into a resolver policy.
func (p PollConfig) Policy() poller.Policy {
	return poller.Policy{
		Interval:    p.Interval,
		Timeout:     p.Timeout,
		MaxAttempts: p.MaxAttempts,
		Backoff:     p.Backoff,
		MaxInterval: p.MaxInterval,
	}
}

type ClientConfig struct {
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// flagKeys maps CLI flag names onto configuration keys.
var flagKeys = map[string]string{
	"log-level":    "log.level",
	"log-format":   "log.format",
	"database-url": "database.url",
	"http-addr":    "http.addr",
	"interval":     "poll.interval",
	"timeout":      "poll.timeout",
	"max-attempts": "poll.max_attempts",
	"base-url":     "client.base_url",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logging.FormatJSON)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("poll.interval", "3s")
	v.SetDefault("poll.timeout", poller.DefaultTimeout.String())
	v.SetDefault("poll.max_attempts", 0)
	v.SetDefault("poll.backoff", 1.0)
	v.SetDefault("poll.max_interval", "0s")
	v.SetDefault("client.base_url", "http://localhost:8080")
	v.SetDefault("client.request_timeout", "10s")
}

// Load resolves configuration from defaults, an optional .env file, an
// optional YAML file at path, PAYFLOW_* environment variables and changed
// flags, in increasing order of precedence.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	if err := loadDotEnv(DotEnvFile); err != nil {
		return Config{}, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil || !flag.Changed {
				continue
			}
			v.Set(key, flag.Value.String())
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.StringToTimeDurationHookFunc())
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the services cannot run with.
func (c Config) Validate() error {
	if err := c.Poll.Policy().Validate(); err != nil {
		return fmt.Errorf("config: poll: %w", err)
	}
	if c.Database.MaxConns < 0 {
		return fmt.Errorf("config: database.max_conns must not be negative")
	}
	if c.HTTP.ShutdownTimeout < 0 {
		return fmt.Errorf("config: http.shutdown_timeout must not be negative")
	}
	return nil
}

// Render prints cfg as YAML with the database password masked.
func Render(cfg Config) (string, error) {
	cfg.Database.URL = redactURL(cfg.Database.URL)
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("config: render: %w", err)
	}
	return string(out), nil
}

func redactURL(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.User == nil {
		return raw
	}
	if _, ok := parsed.User.Password(); ok {
		parsed.User = url.UserPassword(parsed.User.Username(), "xxxxx")
	}
	return parsed.String()
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}
