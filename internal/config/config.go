package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string         `toml:"default_session"`
	Remote         RemoteConfig   `toml:"remote"`
	Realtime       RealtimeConfig `toml:"realtime"`
	Outbox         OutboxConfig   `toml:"outbox"`
	Network        NetworkConfig  `toml:"network"`
	Log            LogConfig      `toml:"log"`
	Metrics        MetricsConfig  `toml:"metrics"`
}

// RemoteConfig locates the remote store and the session identity.
type RemoteConfig struct {
	URL         string `toml:"url"`
	APIKey      string `toml:"api_key"`
	AccessToken string `toml:"access_token"`
	UserID      string `toml:"user_id"`
}

type RealtimeConfig struct {
	URL         string   `toml:"url"`
	Heartbeat   Duration `toml:"heartbeat"`
	JoinTimeout Duration `toml:"join_timeout"`
}

type OutboxConfig struct {
	SendTimeout   Duration `toml:"send_timeout"`
	SweepInterval Duration `toml:"sweep_interval"`
	MaxAttempts   int      `toml:"max_attempts"`
}

// NetworkConfig controls the connectivity probe. An empty ProbeAddr probes
// the remote store's host.
type NetworkConfig struct {
	ProbeAddr     string   `toml:"probe_addr"`
	ProbeInterval Duration `toml:"probe_interval"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// Duration is a time.Duration written as a Go duration string ("10s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a config with every tunable set.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	setDuration(&c.Realtime.Heartbeat, 30*time.Second)
	setDuration(&c.Realtime.JoinTimeout, 10*time.Second)
	setDuration(&c.Outbox.SendTimeout, 10*time.Second)
	setDuration(&c.Outbox.SweepInterval, 30*time.Second)
	setDuration(&c.Network.ProbeInterval, 5*time.Second)
	if c.Outbox.MaxAttempts == 0 {
		c.Outbox.MaxAttempts = 5
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Realtime.URL == "" && c.Remote.URL != "" {
		c.Realtime.URL = RealtimeURL(c.Remote.URL)
	}
	if c.Network.ProbeAddr == "" && c.Remote.URL != "" {
		c.Network.ProbeAddr = hostPort(c.Remote.URL)
	}
}

func setDuration(d *Duration, def time.Duration) {
	if d.Duration == 0 {
		d.Duration = def
	}
}

// RealtimeURL derives the changefeed websocket endpoint from the remote
// store's base URL.
func RealtimeURL(remoteURL string) string {
	u, err := url.Parse(remoteURL)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime/v1/websocket"
	return u.String()
}

func hostPort(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return u.Host + ":443"
	}
	return u.Host + ":80"
}

var logLevels = []any{"debug", "info", "warn", "error"}

// Validate checks the shape of every set value.
func (c *Config) Validate() error {
	return validation.Errors{
		"remote.url":   validation.Validate(c.Remote.URL, is.RequestURL),
		"realtime.url": validation.Validate(c.Realtime.URL, is.RequestURL),
		"outbox.max_attempts": validation.Validate(c.Outbox.MaxAttempts,
			validation.Min(0)),
		"log.level":     validation.Validate(c.Log.Level, validation.In(logLevels...)),
		"metrics.addr":  validation.Validate(c.Metrics.Addr, is.DialString),
		"network.probe": validation.Validate(c.Network.ProbeAddr, is.DialString),
		"durations":     validateDurations(c),
	}.Filter()
}

// ValidateDaemon additionally requires what the daemon cannot run without.
func (c *Config) ValidateDaemon() error {
	if err := c.Validate(); err != nil {
		return err
	}
	return validation.Errors{
		"remote.url":     validation.Validate(c.Remote.URL, validation.Required),
		"remote.user_id": validation.Validate(c.Remote.UserID, validation.Required),
		"realtime.url":   validation.Validate(c.Realtime.URL, validation.Required),
	}.Filter()
}

func validateDurations(c *Config) error {
	for name, d := range map[string]Duration{
		"realtime.heartbeat":     c.Realtime.Heartbeat,
		"realtime.join_timeout":  c.Realtime.JoinTimeout,
		"outbox.send_timeout":    c.Outbox.SendTimeout,
		"outbox.sweep_interval":  c.Outbox.SweepInterval,
		"network.probe_interval": c.Network.ProbeInterval,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault reads path and applies defaults. A missing file yields the
// defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

type field struct {
	get func(*Config) string
	set func(*Config, string) error
}

func stringField(p func(*Config) *string) field {
	return field{
		get: func(c *Config) string { return *p(c) },
		set: func(c *Config, v string) error { *p(c) = v; return nil },
	}
}

func durationField(p func(*Config) *Duration) field {
	return field{
		get: func(c *Config) string { return p(c).String() },
		set: func(c *Config, v string) error { return p(c).UnmarshalText([]byte(v)) },
	}
}

var fields = map[string]field{
	"default_session":        stringField(func(c *Config) *string { return &c.DefaultSession }),
	"remote.url":             stringField(func(c *Config) *string { return &c.Remote.URL }),
	"remote.api_key":         stringField(func(c *Config) *string { return &c.Remote.APIKey }),
	"remote.access_token":    stringField(func(c *Config) *string { return &c.Remote.AccessToken }),
	"remote.user_id":         stringField(func(c *Config) *string { return &c.Remote.UserID }),
	"realtime.url":           stringField(func(c *Config) *string { return &c.Realtime.URL }),
	"realtime.heartbeat":     durationField(func(c *Config) *Duration { return &c.Realtime.Heartbeat }),
	"realtime.join_timeout":  durationField(func(c *Config) *Duration { return &c.Realtime.JoinTimeout }),
	"outbox.send_timeout":    durationField(func(c *Config) *Duration { return &c.Outbox.SendTimeout }),
	"outbox.sweep_interval":  durationField(func(c *Config) *Duration { return &c.Outbox.SweepInterval }),
	"network.probe_addr":     stringField(func(c *Config) *string { return &c.Network.ProbeAddr }),
	"network.probe_interval": durationField(func(c *Config) *Duration { return &c.Network.ProbeInterval }),
	"log.level":              stringField(func(c *Config) *string { return &c.Log.Level }),
	"metrics.addr":           stringField(func(c *Config) *string { return &c.Metrics.Addr }),
	"outbox.max_attempts": {
		get: func(c *Config) string { return strconv.Itoa(c.Outbox.MaxAttempts) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			c.Outbox.MaxAttempts = n
			return nil
		},
	},
}

// Keys lists the dotted keys accepted by Get and Set.
func Keys() []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the value at a dotted key such as "remote.url".
func (c *Config) Get(key string) (string, error) {
	f, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("unknown config key %q", key)
	}
	return f.get(c), nil
}

// Set assigns a dotted key and validates the result.
func (c *Config) Set(key, value string) error {
	f, ok := fields[key]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	if err := f.set(c, value); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return c.Validate()
}
