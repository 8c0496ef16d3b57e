// Package config layers dirwatch settings: built-in defaults, then an
// optional YAML file, then DIRWATCH_* environment variables. Flags are
// applied on top by the CLI. Later layers win.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dirwatch/internal/logging"
	"dirwatch/internal/source"
)

// DefaultFileName is the config file probed in the working directory
// when no --config path is given.
const DefaultFileName = "dirwatch.yaml"

// Duration is a time.Duration that unmarshals from Go duration strings
// ("150ms", "2s") in YAML and environment values.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the full set of dirwatch settings.
type Config struct {
	Roots     []string `yaml:"roots"`
	Recursive bool     `yaml:"recursive"`
	Include   []string `yaml:"include"`
	Exclude   []string `yaml:"exclude"`

	Backend      string   `yaml:"backend"`
	PollInterval Duration `yaml:"poll_interval"`
	MaxWatches   int      `yaml:"max_watches"`

	DebounceWindow      Duration `yaml:"debounce_window"`
	RenamePairingWindow Duration `yaml:"rename_pairing_window"`
	MaxPendingPaths     int      `yaml:"max_pending_paths"`

	SubscriberQueueCapacity int      `yaml:"subscriber_queue_capacity"`
	BackpressureTimeout     Duration `yaml:"backpressure_timeout"`
	HistorySize             int      `yaml:"history_size"`

	Listen string `yaml:"listen"`
	Token  string `yaml:"token"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in settings every other layer starts from.
func Default() Config {
	return Config{
		Recursive:               true,
		Backend:                 source.BackendAuto,
		DebounceWindow:          Duration(100 * time.Millisecond),
		MaxPendingPaths:         1024,
		SubscriberQueueCapacity: 256,
		BackpressureTimeout:     Duration(time.Second),
		HistorySize:             100,
		LogLevel:                string(logging.LevelInfo),
	}
}

// Load builds the layered configuration up to the environment. An
// empty path probes DefaultFileName and tolerates its absence; an
// explicit path must exist.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultFileName
	}
	if err := cfg.applyFile(path, explicit); err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg *Config) applyFile(path string, explicit bool) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays DIRWATCH_* variables. The lookup indirection keeps
// tests hermetic.
func (cfg *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if cfg == nil || lookup == nil {
		return nil
	}
	take := func(name string, apply func(string) error) error {
		value, ok := lookup(name)
		if !ok || strings.TrimSpace(value) == "" {
			return nil
		}
		if err := apply(strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("%s: %v", name, err)
		}
		return nil
	}
	steps := []error{
		take("DIRWATCH_BACKEND", setString(&cfg.Backend)),
		take("DIRWATCH_LISTEN", setString(&cfg.Listen)),
		take("DIRWATCH_TOKEN", setString(&cfg.Token)),
		take("DIRWATCH_LOG_LEVEL", setString(&cfg.LogLevel)),
		take("DIRWATCH_DEBOUNCE_WINDOW", setDuration(&cfg.DebounceWindow)),
		take("DIRWATCH_RENAME_PAIRING_WINDOW", setDuration(&cfg.RenamePairingWindow)),
		take("DIRWATCH_BACKPRESSURE_TIMEOUT", setDuration(&cfg.BackpressureTimeout)),
		take("DIRWATCH_POLL_INTERVAL", setDuration(&cfg.PollInterval)),
		take("DIRWATCH_MAX_PENDING_PATHS", setInt(&cfg.MaxPendingPaths)),
		take("DIRWATCH_SUBSCRIBER_QUEUE_CAPACITY", setInt(&cfg.SubscriberQueueCapacity)),
		take("DIRWATCH_MAX_WATCHES", setInt(&cfg.MaxWatches)),
		take("DIRWATCH_HISTORY_SIZE", setInt(&cfg.HistorySize)),
	}
	for _, err := range steps {
		if err != nil {
			return err
		}
	}
	return nil
}

func setString(target *string) func(string) error {
	return func(value string) error {
		*target = value
		return nil
	}
}

func setDuration(target *Duration) func(string) error {
	return func(value string) error {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*target = Duration(parsed)
		return nil
	}
}

func setInt(target *int) func(string) error {
	return func(value string) error {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*target = parsed
		return nil
	}
}

// Validate rejects combinations the watcher cannot run with. Called
// after the final flag overlay.
func (cfg Config) Validate() error {
	switch cfg.Backend {
	case source.BackendAuto, source.BackendFSNotify, source.BackendPoll:
	default:
		return fmt.Errorf("unknown backend %q (want %s, %s or %s)",
			cfg.Backend, source.BackendAuto, source.BackendFSNotify, source.BackendPoll)
	}
	if cfg.DebounceWindow < 0 {
		return fmt.Errorf("debounce_window must not be negative")
	}
	if cfg.RenamePairingWindow < 0 {
		return fmt.Errorf("rename_pairing_window must not be negative")
	}
	if cfg.BackpressureTimeout < 0 {
		return fmt.Errorf("backpressure_timeout must not be negative")
	}
	if cfg.PollInterval < 0 {
		return fmt.Errorf("poll_interval must not be negative")
	}
	if cfg.MaxPendingPaths < 0 {
		return fmt.Errorf("max_pending_paths must not be negative")
	}
	if cfg.SubscriberQueueCapacity < 0 {
		return fmt.Errorf("subscriber_queue_capacity must not be negative")
	}
	if cfg.HistorySize < 0 {
		return fmt.Errorf("history_size must not be negative")
	}
	if _, ok := logging.ParseLevel(cfg.LogLevel); !ok {
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	return nil
}
