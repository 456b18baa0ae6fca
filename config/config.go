// Package config provides the gateway's one concrete process
// configuration loader: flags via spf13/pflag, overridable by
// environment variables, the way cmd/serve/httplib.AddFlags registers
// server flags directly onto a pflag.FlagSet rather than behind a
// generic config framework.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
)

// Config is every knob the gateway's entry point needs. There is
// exactly one of these per process; it is not a pluggable abstraction.
type Config struct {
	// BindAddr is the address the admission HTTP server listens on.
	BindAddr string
	// RegistryFile is the path to the YAML client registry.
	RegistryFile string
	// RegistryReloadInterval controls how often the file watcher checks
	// RegistryFile's mtime. Zero disables polling.
	RegistryReloadInterval time.Duration
	// Skew is the clock-skew tolerance applied on top of X-Sw-Expires. A
	// non-zero default means a request is admitted up to this long past
	// its nominal expiry.
	Skew time.Duration
	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string
	// UpstreamScheme is the scheme used when forwarding to upstream
	// hosts; https in production, overridable for local test upstreams.
	UpstreamScheme string
	// DialTimeout, ResponseHeaderTimeout and IdleConnTimeout configure
	// the forwarder's per-upstream transports.
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
}

// Default returns the configuration Signway ships with before flags or
// environment variables are applied.
func Default() Config {
	return Config{
		BindAddr:               ":8080",
		RegistryFile:           "registry.yaml",
		RegistryReloadInterval: 30 * time.Second,
		Skew:                   5 * time.Second,
		LogLevel:               "info",
		UpstreamScheme:         "https",
		DialTimeout:            10 * time.Second,
		ResponseHeaderTimeout:  30 * time.Second,
		IdleConnTimeout:        60 * time.Second,
	}
}

// AddFlags registers every Config field onto flagSet, seeded with
// cfg's current values as defaults.
func AddFlags(flagSet *pflag.FlagSet, cfg *Config) {
	flagSet.StringVar(&cfg.BindAddr, "addr", cfg.BindAddr, "address to bind the admission server to")
	flagSet.StringVar(&cfg.RegistryFile, "registry", cfg.RegistryFile, "path to the client registry YAML file")
	flagSet.DurationVar(&cfg.RegistryReloadInterval, "registry-reload-interval", cfg.RegistryReloadInterval, "how often to poll the registry file for changes, 0 to disable")
	flagSet.DurationVar(&cfg.Skew, "skew", cfg.Skew, "clock skew tolerance applied on top of X-Sw-Expires")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "logrus level: debug, info, warn, error")
	flagSet.StringVar(&cfg.UpstreamScheme, "upstream-scheme", cfg.UpstreamScheme, "scheme used when forwarding to upstream hosts")
	flagSet.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "upstream TCP connect timeout")
	flagSet.DurationVar(&cfg.ResponseHeaderTimeout, "response-header-timeout", cfg.ResponseHeaderTimeout, "upstream response header timeout")
	flagSet.DurationVar(&cfg.IdleConnTimeout, "idle-conn-timeout", cfg.IdleConnTimeout, "upstream idle connection timeout")
}

// envOverrides maps an environment variable name to the setter applied
// when it is present. Environment variables take precedence over flag
// defaults but are themselves overridden by an explicitly passed flag,
// since pflag.Parse runs after ApplyEnv in the CLI's wiring order.
var envOverrides = map[string]func(cfg *Config, value string) error{
	"SIGNWAY_ADDR": func(cfg *Config, v string) error {
		cfg.BindAddr = v
		return nil
	},
	"SIGNWAY_REGISTRY": func(cfg *Config, v string) error {
		cfg.RegistryFile = v
		return nil
	},
	"SIGNWAY_LOG_LEVEL": func(cfg *Config, v string) error {
		cfg.LogLevel = v
		return nil
	},
	"SIGNWAY_UPSTREAM_SCHEME": func(cfg *Config, v string) error {
		cfg.UpstreamScheme = v
		return nil
	},
	"SIGNWAY_SKEW": func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SIGNWAY_SKEW: %w", err)
		}
		cfg.Skew = d
		return nil
	},
	"SIGNWAY_REGISTRY_RELOAD_INTERVAL": func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SIGNWAY_REGISTRY_RELOAD_INTERVAL: %w", err)
		}
		cfg.RegistryReloadInterval = d
		return nil
	},
}

// ApplyEnv overlays any SIGNWAY_* environment variables onto cfg. Call
// it before AddFlags/flagSet.Parse so a flag passed on the command line
// still wins.
func ApplyEnv(cfg *Config) error {
	for name, set := range envOverrides {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			continue
		}
		if err := set(cfg, v); err != nil {
			return err
		}
	}
	return nil
}

// Validate reports the first structural problem found in cfg, if any.
func (c Config) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("config: addr must not be empty")
	}
	if c.RegistryFile == "" {
		return fmt.Errorf("config: registry path must not be empty")
	}
	if c.UpstreamScheme != "http" && c.UpstreamScheme != "https" {
		return fmt.Errorf("config: upstream-scheme must be http or https, got %q", c.UpstreamScheme)
	}
	return nil
}
