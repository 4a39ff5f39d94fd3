package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	defaultListen        = "127.0.0.1:8080"
	defaultTimezone      = "UTC"
	defaultDatabasePath  = "/var/lib/relcal/relcal.db"
	defaultCacheDir      = "/var/lib/relcal/ics-cache"
	defaultRefreshCron   = "*/30 * * * *"
	defaultMaxOccurrence = 5000
	defaultRateLimit     = 300
	defaultLogLevel      = "info"

	// DefaultTenant scopes every request when no users are configured.
	DefaultTenant = "default"
)

// SubscriptionConfig describes an external ICS feed imported into a tenant's
// calendar.
type SubscriptionConfig struct {
	// ID is an internal identifier used to replace previously imported events.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label used in logs.
	Name string `yaml:"name" json:"name"`
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// TenantID owns the imported events.
	TenantID string `yaml:"tenant_id" json:"tenant_id"`
	// Color is copied onto every imported event.
	Color string `yaml:"color,omitempty" json:"color,omitempty"`
}

// UserConfig maps HTTP Basic Auth credentials to a tenant.
type UserConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	TenantID string `yaml:"tenant_id" json:"tenant_id"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used to render occurrence start/end strings.
	Timezone string `yaml:"timezone" json:"timezone"`

	// DatabasePath is the SQLite file holding stored events.
	DatabasePath string `yaml:"database_path" json:"database_path"`

	// CacheDir stores ICS bodies and HTTP cache metadata per subscription URL.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// RefreshCron is a cron-style schedule (e.g. "*/30 * * * *") for
	// re-importing subscriptions.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// MaxOccurrencesPerEvent caps a single recurring event's expansion.
	MaxOccurrencesPerEvent int `yaml:"max_occurrences_per_event" json:"max_occurrences_per_event"`

	// RateLimitPerMinute bounds API requests per client IP.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// Users, if non-empty, enables HTTP Basic Authentication on all endpoints
	// except /health and scopes each user to a tenant.
	Users []UserConfig `yaml:"users" json:"users"`

	Subscriptions []SubscriptionConfig `yaml:"subscriptions" json:"subscriptions"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:                 defaultListen,
		Timezone:               defaultTimezone,
		DatabasePath:           defaultDatabasePath,
		CacheDir:               defaultCacheDir,
		RefreshCron:            defaultRefreshCron,
		MaxOccurrencesPerEvent: defaultMaxOccurrence,
		RateLimitPerMinute:     defaultRateLimit,
		LogLevel:               defaultLogLevel,
		Users:                  []UserConfig{},
		Subscriptions:          []SubscriptionConfig{},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.DatabasePath == "" {
		c.DatabasePath = defaultDatabasePath
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.MaxOccurrencesPerEvent <= 0 {
		c.MaxOccurrencesPerEvent = defaultMaxOccurrence
	}
	if c.RateLimitPerMinute <= 0 {
		c.RateLimitPerMinute = defaultRateLimit
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.Users == nil {
		c.Users = []UserConfig{}
	}
	if c.Subscriptions == nil {
		c.Subscriptions = []SubscriptionConfig{}
	}
	for i := range c.Users {
		if c.Users[i].TenantID == "" {
			c.Users[i].TenantID = c.Users[i].Username
		}
	}
	for i := range c.Subscriptions {
		s := &c.Subscriptions[i]
		if s.ID == "" {
			if s.Name != "" {
				s.ID = s.Name
			} else {
				s.ID = s.URL
			}
		}
		if s.TenantID == "" {
			s.TenantID = DefaultTenant
		}
	}
}

// Validate reports configuration errors that Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		errs = append(errs, errors.New("refresh: "+err.Error()))
	}
	seen := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if u.Username == "" || u.Password == "" {
			errs = append(errs, errors.New("users: username and password are required"))
			continue
		}
		if seen[u.Username] {
			errs = append(errs, errors.New("users: duplicate username "+u.Username))
		}
		seen[u.Username] = true
	}
	subIDs := make(map[string]bool, len(c.Subscriptions))
	for _, s := range c.Subscriptions {
		if s.URL == "" {
			errs = append(errs, errors.New("subscriptions: url is required for "+s.ID))
		}
		if subIDs[s.ID] {
			errs = append(errs, errors.New("subscriptions: duplicate id "+s.ID+"; set a distinct name"))
		}
		subIDs[s.ID] = true
	}
	return errors.Join(errs...)
}

// AuthEnabled reports whether any API user is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Users) > 0
}

// ApplyEnv overrides file values from RELCAL_* environment variables.
// Callers load a .env file first (see cmd/relcal).
func (c *Config) ApplyEnv() {
	if v := os.Getenv("RELCAL_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("RELCAL_TIMEZONE"); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv("RELCAL_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("RELCAL_CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
	if v := os.Getenv("RELCAL_LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("RELCAL_MAX_OCCURRENCES_PER_EVENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxOccurrencesPerEvent = n
		}
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
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

	tmp, err := os.CreateTemp(dir, ".relcal-config-*.tmp")
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

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
