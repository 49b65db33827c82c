package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Reminder settings live in reminder.go because they are the
// only part that can be replaced while the daemon runs.

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	// ID is the provider tag used in event identity keys and logs.
	ID string `yaml:"id" json:"id"`
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
}

// GoogleConfig describes a Google Calendar account.
type GoogleConfig struct {
	ID string `yaml:"id" json:"id"`
	// CalendarIDs defaults to ["primary"].
	CalendarIDs []string `yaml:"calendar_ids" json:"calendar_ids"`
	// TokenFile holds the OAuth token written by `chronocal auth google`.
	TokenFile string `yaml:"token_file" json:"token_file"`
	// ClientID and ClientSecret identify the OAuth client. They are usually
	// supplied through GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET. When both
	// are empty CredentialsFile (a console-downloaded credentials.json) is read.
	ClientID        string `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret    string `yaml:"client_secret,omitempty" json:"-"`
	CredentialsFile string `yaml:"credentials_file,omitempty" json:"credentials_file,omitempty"`
}

// CalDAVConfig describes a CalDAV calendar (iCloud, Fastmail, Nextcloud, ...).
type CalDAVConfig struct {
	ID       string `yaml:"id" json:"id"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Username string `yaml:"username" json:"username"`
	// Password is usually supplied through CALDAV_PASSWORD instead.
	Password string `yaml:"password,omitempty" json:"-"`
	// Calendar is the display name of the calendar to read. Empty reads all.
	Calendar string `yaml:"calendar" json:"calendar"`
}

// ZohoConfig describes a Zoho Calendar account.
type ZohoConfig struct {
	ID           string `yaml:"id" json:"id"`
	AccountsURL  string `yaml:"accounts_url" json:"accounts_url"`
	APIURL       string `yaml:"api_url" json:"api_url"`
	CalendarUID  string `yaml:"calendar_uid" json:"calendar_uid"`
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret,omitempty" json:"-"`
	RefreshToken string `yaml:"refresh_token,omitempty" json:"-"`
}

// ProvidersConfig groups every configured calendar source.
type ProvidersConfig struct {
	ICS    []ICSConfig    `yaml:"ics" json:"ics"`
	Google []GoogleConfig `yaml:"google" json:"google"`
	CalDAV []CalDAVConfig `yaml:"caldav" json:"caldav"`
	Zoho   []ZohoConfig   `yaml:"zoho" json:"zoho"`
}

// SyncConfig controls the sync coordinator.
type SyncConfig struct {
	// Schedule is a cron-style schedule string (e.g. "*/10 * * * *" or
	// "@every 10m").
	Schedule string `yaml:"schedule" json:"schedule"`
	// LookaheadHours is the size of the fetch window starting now.
	LookaheadHours int `yaml:"lookahead_hours" json:"lookahead_hours"`
	// FailureThreshold is the number of consecutive failures after which a
	// provider is reported as degraded.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
}

// AudioConfig selects the announcer.
type AudioConfig struct {
	// Command is an external TTS command. "{text}" and "{volume}" (0-100)
	// placeholders are substituted per argument. Empty logs announcements only.
	Command []string `yaml:"command" json:"command"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the Web API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the UI boundary.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// DataDir holds the ICS cache and the delivery journal.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	Reminder  ReminderConfig  `yaml:"reminder" json:"reminder"`
	Sync      SyncConfig      `yaml:"sync" json:"sync"`
	Audio     AudioConfig     `yaml:"audio" json:"audio"`
	Providers ProvidersConfig `yaml:"providers" json:"providers"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen           = "127.0.0.1:8765"
	defaultDataDir          = "./var"
	defaultSyncSchedule     = "@every 10m"
	defaultLookaheadHours   = 36
	defaultFailureThreshold = 3
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   defaultListen,
		LogLevel: "info",
		DataDir:  defaultDataDir,
		Reminder: DefaultReminder(),
		Sync: SyncConfig{
			Schedule:         defaultSyncSchedule,
			LookaheadHours:   defaultLookaheadHours,
			FailureThreshold: defaultFailureThreshold,
		},
		Providers: ProvidersConfig{
			ICS:    []ICSConfig{},
			Google: []GoogleConfig{},
			CalDAV: []CalDAVConfig{},
			Zoho:   []ZohoConfig{},
		},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.Sync.Schedule == "" {
		c.Sync.Schedule = defaultSyncSchedule
	}
	if c.Sync.LookaheadHours <= 0 {
		c.Sync.LookaheadHours = defaultLookaheadHours
	}
	if c.Sync.FailureThreshold <= 0 {
		c.Sync.FailureThreshold = defaultFailureThreshold
	}
	c.Reminder.Normalize()

	if c.Providers.ICS == nil {
		c.Providers.ICS = []ICSConfig{}
	}
	if c.Providers.Google == nil {
		c.Providers.Google = []GoogleConfig{}
	}
	for i := range c.Providers.Google {
		g := &c.Providers.Google[i]
		if len(g.CalendarIDs) == 0 {
			g.CalendarIDs = []string{"primary"}
		}
		if g.TokenFile == "" {
			g.TokenFile = filepath.Join(c.DataDir, "token-"+g.ID+".json")
		}
	}
	if c.Providers.CalDAV == nil {
		c.Providers.CalDAV = []CalDAVConfig{}
	}
	if c.Providers.Zoho == nil {
		c.Providers.Zoho = []ZohoConfig{}
	}
}

// Lookahead returns the fetch window length.
func (c *Config) Lookahead() time.Duration {
	return time.Duration(c.Sync.LookaheadHours) * time.Hour
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal over DefaultConfig, so absent keys keep
//     their defaults and explicit zeros stay zero
//   - normalize defaults
//   - validate the reminder section
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
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Reminder.Validate(); err != nil {
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
	tmp, err := os.CreateTemp(dir, ".chronocal-config-*.tmp")
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
