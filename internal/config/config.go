// Package config loads stripd settings from defaults, an optional YAML file,
// STRIPD_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "STRIPD"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full stripd configuration.
type Config struct {
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Feed   FeedConfig   `yaml:"feed" mapstructure:"feed"`
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`

	// Classes maps sector tags to classification categories.
	Classes map[string]string `yaml:"classes" mapstructure:"classes"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr      string        `yaml:"addr" mapstructure:"addr"`
	StaticDir string        `yaml:"static_dir" mapstructure:"static_dir"`
	Heartbeat time.Duration `yaml:"heartbeat" mapstructure:"heartbeat"`
}

// FeedConfig configures the upstream sources.
type FeedConfig struct {
	// URL is the upstream WebSocket. Empty disables the connector.
	URL string `yaml:"url" mapstructure:"url"`
	// SnapshotURL is fetched once at startup. Empty skips the bootstrap.
	SnapshotURL    string        `yaml:"snapshot_url" mapstructure:"snapshot_url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" mapstructure:"reconnect_delay"`
	// NATSURL enables the NATS source when set.
	NATSURL     string `yaml:"nats_url" mapstructure:"nats_url"`
	NATSSubject string `yaml:"nats_subject" mapstructure:"nats_subject"`
	// Dedupe is "none" or "callsign".
	Dedupe string `yaml:"dedupe" mapstructure:"dedupe"`
}

// StoreConfig configures strip retention.
type StoreConfig struct {
	Lifetime      time.Duration `yaml:"lifetime" mapstructure:"lifetime"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      ":3000",
			Heartbeat: 15 * time.Second,
		},
		Feed: FeedConfig{
			URL:            "wss://24data.ptfs.app/wss",
			SnapshotURL:    "https://24data.ptfs.app/api/v1/flight-plans",
			ReconnectDelay: 5 * time.Second,
			NATSSubject:    "flightplans",
			Dedupe:         "none",
		},
		Store: StoreConfig{
			Lifetime:      20 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"addr":         "server.addr",
	"static-dir":   "server.static_dir",
	"feed-url":     "feed.url",
	"snapshot-url": "feed.snapshot_url",
	"nats-url":     "feed.nats_url",
	"dedupe":       "feed.dedupe",
	"lifetime":     "store.lifetime",
	"log-level":    "log.level",
	"log-format":   "log.format",
}

// RegisterFlags adds the overridable settings to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("addr", d.Server.Addr, "HTTP listen address")
	fs.String("static-dir", d.Server.StaticDir, "directory served at /")
	fs.String("feed-url", d.Feed.URL, "upstream WebSocket URL (empty disables)")
	fs.String("snapshot-url", d.Feed.SnapshotURL, "startup snapshot URL (empty skips)")
	fs.String("nats-url", d.Feed.NATSURL, "NATS server URL (empty disables)")
	fs.String("dedupe", d.Feed.Dedupe, "import dedupe mode: none or callsign")
	fs.Duration("lifetime", d.Store.Lifetime, "import strip lifetime")
	fs.String("log-level", d.Log.Level, "log level: debug, info, warn, error")
	fs.String("log-format", d.Log.Format, "log format: text or json")
}

// Load builds the configuration. path may be empty. fs may be nil; only
// flags the user actually set override lower layers.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	// PORT is honoured for platform deployments unless an explicit address is set.
	if port := os.Getenv("PORT"); port != "" && os.Getenv(EnvPrefix+"_SERVER_ADDR") == "" && !flagChanged(fs, "addr") {
		v.Set("server.addr", ":"+port)
	}

	if fs != nil {
		for name, key := range flagKeys {
			if flagChanged(fs, name) {
				if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func flagChanged(fs *pflag.FlagSet, name string) bool {
	if fs == nil {
		return false
	}
	f := fs.Lookup(name)
	return f != nil && f.Changed
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.static_dir", d.Server.StaticDir)
	v.SetDefault("server.heartbeat", d.Server.Heartbeat)
	v.SetDefault("feed.url", d.Feed.URL)
	v.SetDefault("feed.snapshot_url", d.Feed.SnapshotURL)
	v.SetDefault("feed.reconnect_delay", d.Feed.ReconnectDelay)
	v.SetDefault("feed.nats_url", d.Feed.NATSURL)
	v.SetDefault("feed.nats_subject", d.Feed.NATSSubject)
	v.SetDefault("feed.dedupe", d.Feed.Dedupe)
	v.SetDefault("store.lifetime", d.Store.Lifetime)
	v.SetDefault("store.sweep_interval", d.Store.SweepInterval)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, fmt.Errorf("%w: server.addr is empty", ErrInvalid))
	}
	if c.Server.Heartbeat <= 0 {
		errs = append(errs, fmt.Errorf("%w: server.heartbeat must be positive", ErrInvalid))
	}
	if c.Feed.ReconnectDelay <= 0 {
		errs = append(errs, fmt.Errorf("%w: feed.reconnect_delay must be positive", ErrInvalid))
	}
	switch c.Feed.Dedupe {
	case "none", "callsign":
	default:
		errs = append(errs, fmt.Errorf("%w: feed.dedupe %q (want none or callsign)", ErrInvalid, c.Feed.Dedupe))
	}
	if c.Feed.NATSURL != "" && c.Feed.NATSSubject == "" {
		errs = append(errs, fmt.Errorf("%w: feed.nats_subject is required with feed.nats_url", ErrInvalid))
	}
	if c.Store.Lifetime <= 0 {
		errs = append(errs, fmt.Errorf("%w: store.lifetime must be positive", ErrInvalid))
	}
	if c.Store.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: store.sweep_interval must be positive", ErrInvalid))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("%w: log.format %q (want text or json)", ErrInvalid, c.Log.Format))
	}
	return errors.Join(errs...)
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log.level %q", ErrInvalid, s)
	}
	return l, nil
}
