package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"mirrorcal/internal/model"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

const (
	defaultListen               = "127.0.0.1:8080"
	defaultTimezone             = "Local"
	defaultDataDir              = "./data"
	defaultInstanceID           = "default"
	defaultUpdateInterval       = time.Minute
	defaultUpdateIntervalHidden = 3 * time.Minute
	defaultCacheTTL             = 15 * time.Minute
	defaultFetchTimeout         = 15 * time.Second
	defaultLookaheadDays        = 90
	defaultFetchRatePerSec      = 2
	defaultFetchRetries         = 2
	defaultAPIRatePerMin        = 120
	defaultLogLevel             = "info"
	defaultLogFormat            = "console"
)

// CalendarConfig seeds one subscription into an instance's store on start.
type CalendarConfig struct {
	URL      string      `yaml:"url" json:"url"`
	Name     string      `yaml:"name" json:"name"`
	Symbol   string      `yaml:"symbol,omitempty" json:"symbol,omitempty"`
	Category string      `yaml:"category,omitempty" json:"category,omitempty"`
	Color    string      `yaml:"color,omitempty" json:"color,omitempty"`
	Auth     *model.Auth `yaml:"auth,omitempty" json:"auth,omitempty"`
}

// Subscription converts the seed into the runtime type.
func (c CalendarConfig) Subscription() model.Subscription {
	return model.Subscription{
		URL:      c.URL,
		Name:     c.Name,
		Symbol:   c.Symbol,
		Category: c.Category,
		Color:    c.Color,
		Auth:     c.Auth,
	}
}

// InstanceConfig describes one display instance.
type InstanceConfig struct {
	// ID names the instance's data files and API path.
	ID string `yaml:"id" json:"id"`
	// Hidden starts the instance on the background interval.
	Hidden bool `yaml:"hidden,omitempty" json:"hidden,omitempty"`
	// Calendars seed the store the first time the instance starts. Later
	// edits go through the API.
	Calendars []CalendarConfig `yaml:"calendars,omitempty" json:"calendars,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone events are displayed in ("Local" uses
	// the host zone).
	Timezone string `yaml:"timezone" json:"timezone"`

	// DataDir holds the per-instance calendars and settings JSON files.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	Instances []InstanceConfig `yaml:"instances" json:"instances"`

	// UpdateInterval is the poll period of a visible instance.
	UpdateInterval time.Duration `yaml:"update_interval" json:"update_interval"`
	// UpdateIntervalHidden is the poll period of a hidden instance.
	UpdateIntervalHidden time.Duration `yaml:"update_interval_hidden" json:"update_interval_hidden"`

	// CacheTTL is how long a fetched feed is reused. 0 refetches every cycle.
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`

	// LookaheadDays bounds recurrence expansion.
	LookaheadDays int `yaml:"lookahead_days" json:"lookahead_days"`

	FetchTimeout    time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`
	FetchRatePerSec float64       `yaml:"fetch_rate_per_sec" json:"fetch_rate_per_sec"`
	FetchRetries    int           `yaml:"fetch_retries" json:"fetch_retries"`

	// MaxEntries and MaxDaysInFuture are used when an instance has no
	// stored settings of its own.
	MaxEntries      int `yaml:"max_entries" json:"max_entries"`
	MaxDaysInFuture int `yaml:"max_days_in_future" json:"max_days_in_future"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	// APIRatePerMin limits API requests per client IP. 0 disables the limit.
	APIRatePerMin int `yaml:"api_rate_per_min" json:"api_rate_per_min"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:               defaultListen,
		Timezone:             defaultTimezone,
		DataDir:              defaultDataDir,
		Instances:            []InstanceConfig{{ID: defaultInstanceID}},
		UpdateInterval:       defaultUpdateInterval,
		UpdateIntervalHidden: defaultUpdateIntervalHidden,
		CacheTTL:             defaultCacheTTL,
		LookaheadDays:        defaultLookaheadDays,
		FetchTimeout:         defaultFetchTimeout,
		FetchRatePerSec:      defaultFetchRatePerSec,
		FetchRetries:         defaultFetchRetries,
		MaxEntries:           model.DefaultMaximumEntries,
		MaxDaysInFuture:      model.DefaultMaximumDaysInFuture,
		LogLevel:             defaultLogLevel,
		LogFormat:            defaultLogFormat,
		BasicAuth:            nil,
		APIRatePerMin:        defaultAPIRatePerMin,
	}
}

// Normalize fills in missing/invalid values with sensible defaults so that
// partially-filled configs still behave correctly. Zero is a meaningful
// value for cache_ttl, fetch_retries, fetch_rate_per_sec and
// api_rate_per_min, so only negatives are reset there.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.Instances == nil {
		c.Instances = []InstanceConfig{}
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = defaultUpdateInterval
	}
	if c.UpdateIntervalHidden <= 0 {
		c.UpdateIntervalHidden = defaultUpdateIntervalHidden
	}
	if c.CacheTTL < 0 {
		c.CacheTTL = defaultCacheTTL
	}
	if c.LookaheadDays <= 0 {
		c.LookaheadDays = defaultLookaheadDays
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.FetchRatePerSec < 0 {
		c.FetchRatePerSec = defaultFetchRatePerSec
	}
	if c.FetchRetries < 0 {
		c.FetchRetries = defaultFetchRetries
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = model.DefaultMaximumEntries
	}
	if c.MaxDaysInFuture <= 0 {
		c.MaxDaysInFuture = model.DefaultMaximumDaysInFuture
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = defaultLogLevel
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		c.LogFormat = defaultLogFormat
	}
	if c.APIRatePerMin < 0 {
		c.APIRatePerMin = defaultAPIRatePerMin
	}
}

// Validate reports problems Normalize cannot repair.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Instances))
	for _, inst := range c.Instances {
		if !model.ValidInstanceID(inst.ID) {
			return fmt.Errorf("config: invalid instance id %q", inst.ID)
		}
		if seen[inst.ID] {
			return fmt.Errorf("config: duplicate instance id %q", inst.ID)
		}
		seen[inst.ID] = true
		for _, cal := range inst.Calendars {
			if cal.URL == "" {
				return fmt.Errorf("config: instance %q has a calendar without url", inst.ID)
			}
		}
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		return errors.New("config: basic_auth needs both username and password")
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// DefaultSettings are the per-instance settings used before an instance
// saves its own.
func (c *Config) DefaultSettings() model.Settings {
	return model.Settings{
		MaximumEntries:      c.MaxEntries,
		MaximumDaysInFuture: c.MaxDaysInFuture,
	}
}

// Instance returns the instance with the given id.
func (c *Config) Instance(id string) (InstanceConfig, bool) {
	for _, inst := range c.Instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return InstanceConfig{}, false
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - unmarshal YAML over DefaultConfig, so omitted keys keep defaults
//   - normalize and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".mirrorcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// Credentials may live in this file.
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
