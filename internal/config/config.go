// Package config provides YAML configuration loading and validation for the
// logwatch agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultInterval is the polling interval in seconds used when the
	// configuration omits one.
	DefaultInterval = 60

	// DefaultQueueCapacity is the Line Queue capacity used when the
	// configuration omits one.
	DefaultQueueCapacity = 1000
)

// Config is the top-level configuration structure for the logwatch agent.
type Config struct {
	// Interval is the polling interval in seconds shared by every file and
	// directory poller. Defaults to 60.
	Interval int `yaml:"interval"`

	// QueueCapacity bounds the number of lines buffered between the pollers
	// and the dispatcher. Defaults to 1000.
	QueueCapacity int `yaml:"queue_capacity"`

	// Include lists the glob patterns of files to tail. Required.
	Include Patterns `yaml:"include"`

	// Exclude lists glob patterns removed from the include set.
	Exclude Patterns `yaml:"exclude"`

	// WatchNewFiles enables rescanning of the include patterns so that files
	// created after startup are picked up.
	WatchNewFiles bool `yaml:"watch_new_files"`

	// Directories lists directory patterns whose files are rescanned on every
	// interval.
	Directories Patterns `yaml:"directories"`

	// MaxLinesPerCycle caps the number of lines a file poller forwards per
	// interval. Zero forwards every complete line available.
	MaxLinesPerCycle int `yaml:"max_lines_per_cycle"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// Status configures the HTTP status server.
	Status StatusConfig `yaml:"status"`

	// Handlers is the ordered list of line handlers.
	Handlers []HandlerConfig `yaml:"handlers"`
}

// StatusConfig configures the HTTP status API.
type StatusConfig struct {
	// Addr is the listen address (e.g. "127.0.0.1:9100"). Empty disables the
	// status server.
	Addr string `yaml:"addr"`

	// JWTPublicKey is the path to a PEM-encoded RSA public key. When set,
	// /api/v1 routes require an RS256 bearer token.
	JWTPublicKey string `yaml:"jwt_public_key"`
}

// HandlerConfig describes one (predicate, actions) handler.
type HandlerConfig struct {
	// Name identifies the handler in logs and metrics. Required.
	Name string `yaml:"name"`

	// Match is a regular expression evaluated against each trimmed line.
	Match string `yaml:"match"`

	// Contains is a substring predicate. Ignored when Match is set. When both
	// are empty the handler matches every line.
	Contains string `yaml:"contains"`

	// RateLimit caps the lines per second this handler acts on; the
	// dispatcher waits when it is exceeded. Zero disables the limit.
	RateLimit float64 `yaml:"rate_limit"`

	// Burst is the number of lines allowed above RateLimit at once.
	// Defaults to 1 when RateLimit is set.
	Burst int `yaml:"burst"`

	// Actions run in order for every matching line. At least one is required.
	Actions []ActionConfig `yaml:"actions"`
}

// ActionConfig describes a single handler action.
type ActionConfig struct {
	// Type is one of "log", "stdout", "jsonl", "sqlite" or "postgres".
	Type string `yaml:"type"`

	// Path is the output file for "jsonl" and the database file for
	// "sqlite".
	Path string `yaml:"path"`

	// DSN is the connection string for "postgres".
	DSN string `yaml:"dsn"`

	// BatchSize and FlushInterval tune the "postgres" batcher.
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Patterns is a list of glob patterns that also accepts a single scalar
// string in YAML.
type Patterns []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *Patterns) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		if s == "" {
			*p = nil
			return nil
		}
		*p = Patterns{s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*p = list
		return nil
	default:
		return fmt.Errorf("line %d: patterns must be a string or a list of strings", node.Line)
	}
}

// PollInterval returns Interval as a time.Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validActionTypes is the set of accepted action type strings.
var validActionTypes = map[string]bool{
	"log":      true,
	"stdout":   true,
	"jsonl":    true,
	"sqlite":   true,
	"postgres": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// Parse unmarshals and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields.
func applyDefaults(cfg *Config) {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	for i := range cfg.Handlers {
		if h := &cfg.Handlers[i]; h.RateLimit > 0 && h.Burst == 0 {
			h.Burst = 1
		}
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Interval < 0 {
		errs = append(errs, fmt.Errorf("interval %d must be positive", cfg.Interval))
	}
	if cfg.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("queue_capacity %d must be positive", cfg.QueueCapacity))
	}
	if cfg.MaxLinesPerCycle < 0 {
		errs = append(errs, fmt.Errorf("max_lines_per_cycle %d must not be negative", cfg.MaxLinesPerCycle))
	}
	if len(cfg.Include) == 0 && len(cfg.Directories) == 0 {
		errs = append(errs, errors.New("include or directories is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	for i, h := range cfg.Handlers {
		prefix := fmt.Sprintf("handlers[%d]", i)
		if h.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		}
		if h.Match != "" {
			if _, err := regexp.Compile(h.Match); err != nil {
				errs = append(errs, fmt.Errorf("%s: match: %w", prefix, err))
			}
		}
		if h.RateLimit < 0 {
			errs = append(errs, fmt.Errorf("%s: rate_limit %g must not be negative", prefix, h.RateLimit))
		}
		if h.Burst < 0 {
			errs = append(errs, fmt.Errorf("%s: burst %d must not be negative", prefix, h.Burst))
		}
		if len(h.Actions) == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one action is required", prefix))
		}
		for j, a := range h.Actions {
			aprefix := fmt.Sprintf("%s.actions[%d]", prefix, j)
			if !validActionTypes[a.Type] {
				errs = append(errs, fmt.Errorf("%s: type %q must be one of: log, stdout, jsonl, sqlite, postgres", aprefix, a.Type))
				continue
			}
			switch a.Type {
			case "jsonl", "sqlite":
				if a.Path == "" {
					errs = append(errs, fmt.Errorf("%s: path is required for %s", aprefix, a.Type))
				}
			case "postgres":
				if a.DSN == "" {
					errs = append(errs, fmt.Errorf("%s: dsn is required for postgres", aprefix))
				}
			}
		}
	}

	return errors.Join(errs...)
}
