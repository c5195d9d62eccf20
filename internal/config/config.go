// Package config provides YAML configuration loading and validation for the
// casper-inotify daemon. YAML is a superset of JSON, so historic JSON
// configuration documents load unchanged.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultMessage is the message template applied when neither the document
// nor the rule supplies one.
const DefaultMessage = "CASPER-INOTIFY :: WARNING :: ${CASPER_INOTIFY_NAME} ${CASPER_INOTIFY_OBJECT} was ${CASPER_INOTIFY_EVENT} @ ${CASPER_INOTIFY_HOSTNAME} [ ${CASPER_INOTIFY_DATETIME} ]"

// Config is the top-level configuration document.
type Config struct {
	// User is the default OS username commands run under. Required unless
	// every rule overrides it.
	User string `yaml:"user"`

	// Command is the default command template. Optional.
	Command string `yaml:"command"`

	// Message is the default message template. Defaults to DefaultMessage
	// when omitted.
	Message string `yaml:"message"`

	// Log configures the event log sink.
	Log LogConfig `yaml:"log"`

	// SyslogTag is the identifier used for syslog lines. Defaults to
	// "casper-inotify".
	SyslogTag string `yaml:"syslog_tag"`

	// Status configures the optional local status HTTP API. Disabled when
	// Addr is empty.
	Status StatusConfig `yaml:"status"`

	// History configures the optional spawn history store. Disabled when
	// Path is empty.
	History HistoryConfig `yaml:"history"`

	// Directories lists the directory watch rules.
	Directories []Rule `yaml:"directories"`

	// Files lists the file watch rules.
	Files []Rule `yaml:"files"`
}

// LogConfig locates the event log sink and sets its threshold level.
type LogConfig struct {
	// URI is the event log file path. Required.
	URI string `yaml:"uri"`

	// Level is one of "info", "warning", "error", "event", "debug".
	// Defaults to "event" when omitted.
	Level string `yaml:"level"`
}

// StatusConfig configures the local status HTTP server.
type StatusConfig struct {
	// Addr is the listen address (e.g. "127.0.0.1:9217"). Empty disables
	// the server.
	Addr string `yaml:"addr"`

	// JWTPublicKey is the path to a PEM-encoded RSA public key used to
	// verify RS256 bearer tokens on /api routes. Empty leaves the API
	// unauthenticated (local-only deployments).
	JWTPublicKey string `yaml:"jwt_public_key"`

	// Issuer, when non-empty, is matched against the token "iss" claim.
	Issuer string `yaml:"issuer"`

	// Audience, when non-empty, must appear in the token "aud" claim.
	Audience string `yaml:"audience"`
}

// HistoryConfig configures the spawn history store.
type HistoryConfig struct {
	// Path is the SQLite database path. Empty disables the store;
	// ":memory:" is accepted for tests.
	Path string `yaml:"path"`

	// Retain caps how many spawn records are kept. Defaults to 10000.
	Retain int `yaml:"retain"`
}

// Rule describes one directory or file watch.
type Rule struct {
	// URI is the absolute path to watch. Required.
	URI string `yaml:"uri"`

	// Events lists the event keywords to watch for. Required.
	Events []string `yaml:"events"`

	// User, Command, and Message override the document defaults for this
	// rule.
	User    string `yaml:"user"`
	Command string `yaml:"command"`
	Message string `yaml:"message"`

	// Pattern is an optional glob filter applied to the event's object
	// name.
	Pattern string `yaml:"pattern"`
}

// validLogLevels is the set of accepted event log level strings.
var validLogLevels = map[string]bool{
	"info":    true,
	"warning": true,
	"error":   true,
	"event":   true,
	"debug":   true,
}

// Load reads the document at path, unmarshals it, applies defaults, and
// validates required fields. A malformed or invalid document is fatal at
// startup; every validation failure is returned, joined into one error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields.
func applyDefaults(cfg *Config) {
	if cfg.Message == "" {
		cfg.Message = DefaultMessage
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "event"
	}
	if cfg.SyslogTag == "" {
		cfg.SyslogTag = "casper-inotify"
	}
	if cfg.History.Path != "" && cfg.History.Retain <= 0 {
		cfg.History.Retain = 10000
	}
}

// validate checks required fields and enumerated values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Log.URI == "" {
		errs = append(errs, errors.New("log.uri is required"))
	}
	if !validLogLevels[cfg.Log.Level] {
		errs = append(errs, fmt.Errorf("log.level %q must be one of: info, warning, error, event, debug", cfg.Log.Level))
	}
	if len(cfg.Directories) == 0 && len(cfg.Files) == 0 {
		errs = append(errs, errors.New("at least one directory or file rule is required"))
	}

	checkRules := func(kind string, rs []Rule) {
		for i, r := range rs {
			prefix := fmt.Sprintf("%s[%d]", kind, i)
			if r.URI == "" {
				errs = append(errs, fmt.Errorf("%s: uri is required", prefix))
			}
			if len(r.Events) == 0 {
				errs = append(errs, fmt.Errorf("%s: events is required", prefix))
			}
			if r.User == "" && cfg.User == "" {
				errs = append(errs, fmt.Errorf("%s: user is required when no default user is set", prefix))
			}
		}
	}
	checkRules("directories", cfg.Directories)
	checkRules("files", cfg.Files)

	return errors.Join(errs...)
}
