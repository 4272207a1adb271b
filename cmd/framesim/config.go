package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gogpu/gpures"
	"github.com/gogpu/gpures/backend"
	"github.com/gogpu/gpures/ring"
)

// envPrefix namespaces environment overrides, e.g. GPURES_FRAMES_IN_FLIGHT.
const envPrefix = "GPURES"

// simConfig is resolved from flags, then environment, then the config
// file, then defaults.
type simConfig struct {
	Frames          int           `mapstructure:"frames"`
	FramesInFlight  int           `mapstructure:"frames-in-flight"`
	Instances       int           `mapstructure:"instances"`
	Growth          int           `mapstructure:"growth"`
	RingPageSize    uint64        `mapstructure:"ring-page-size"`
	BindingCapacity uint32        `mapstructure:"binding-capacity"`
	Backend         string        `mapstructure:"backend"`
	LogLevel        string        `mapstructure:"log-level"`
	MetricsAddr     string        `mapstructure:"metrics-addr"`
	FailurePolicy   string        `mapstructure:"failure-policy"`
	FenceTimeout    time.Duration `mapstructure:"fence-timeout"`
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("framesim", pflag.ContinueOnError)
	fs.Int("frames", 240, "number of frames to simulate")
	fs.Int("frames-in-flight", 3, "frames the CPU may record ahead of the GPU")
	fs.Int("instances", 256, "drawables in the first frame")
	fs.Int("growth", 16, "drawables added every frame")
	fs.Uint64("ring-page-size", ring.DefaultPageSize, "upload page size in bytes")
	fs.Uint32("binding-capacity", gpures.DefaultBindingCapacity, "binding table slots")
	fs.String("backend", backend.BackendSoftware, "hal backend: software or noop")
	fs.String("log-level", "warn", "log level: debug, info, warn or error")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	fs.String("failure-policy", "return", "error handling: return or panic")
	fs.Duration("fence-timeout", 5*time.Second, "fence wait limit, 0 for none")
	fs.String("config", "", "config file (yaml, toml or json)")
	return fs
}

// loadConfig parses args and merges the other configuration sources.
func loadConfig(args []string) (simConfig, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return simConfig{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return simConfig{}, fmt.Errorf("bind flags: %w", err)
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return simConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg simConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return simConfig{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c simConfig) validate() error {
	var errs []error
	if c.Frames < 1 {
		errs = append(errs, fmt.Errorf("frames %d < 1", c.Frames))
	}
	if c.Instances < 0 || c.Growth < 0 {
		errs = append(errs, errors.New("instances and growth must not be negative"))
	}
	if _, err := c.level(); err != nil {
		errs = append(errs, err)
	}
	if _, err := gpures.ParseFailurePolicy(c.FailurePolicy); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c simConfig) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// managerConfig maps the simulator settings onto the manager.
func (c simConfig) managerConfig() gpures.Config {
	cfg := gpures.DefaultConfig()
	cfg.FramesInFlight = c.FramesInFlight
	cfg.RingPageSize = c.RingPageSize
	cfg.BindingCapacity = c.BindingCapacity
	cfg.FenceTimeout = c.FenceTimeout
	cfg.FailurePolicy, _ = gpures.ParseFailurePolicy(c.FailurePolicy)
	return cfg
}
