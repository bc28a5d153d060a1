package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/tunez/scrobbler/internal/logging"
)

// Scrobbler types.
const (
	TypeREST   = "rest"
	TypeLegacy = "legacy"
)

// Config holds scrobbler runtime configuration loaded from TOML.
type Config struct {
	Logging    LoggingConfig    `toml:"logging"`
	Transport  TransportConfig  `toml:"transport"`
	History    HistoryConfig    `toml:"history"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Player     PlayerConfig     `toml:"player"`
	Scrobble   ScrobbleConfig   `toml:"scrobble"`
	Scrobblers []ScrobblerEntry `toml:"scrobblers"`
}

type LoggingConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
	File  string `toml:"file"`
}

// TransportConfig holds HTTP timeouts. A zero response timeout waits
// indefinitely.
type TransportConfig struct {
	ConnectTimeoutMs  int `toml:"connect_timeout_ms"`
	ResponseTimeoutMs int `toml:"response_timeout_ms"`
}

// HistoryConfig holds the submission journal settings.
type HistoryConfig struct {
	Enabled *bool  `toml:"enabled"`
	Path    string `toml:"path"`
}

type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// PlayerConfig describes how to reach mpv.
type PlayerConfig struct {
	MPVPath string `toml:"mpv_path"`
	IPC     string `toml:"ipc"`
}

// ScrobbleConfig holds global scrobbling settings.
type ScrobbleConfig struct {
	MinPlayedMs int   `toml:"min_played_ms"`
	Durable     *bool `toml:"durable"`
}

// ScrobblerEntry defines one remote service.
type ScrobblerEntry struct {
	ID            string `toml:"id"`
	Type          string `toml:"type"` // "rest", "legacy"
	Enabled       *bool  `toml:"enabled"`
	URL           string `toml:"url"`
	Username      string `toml:"username"`
	Password      string `toml:"password"`
	PasswordEnv   string `toml:"password_env"`
	DataFile      string `toml:"data_file"`
	ClientID      string `toml:"client_id"`
	ClientVersion string `toml:"client_version"`
}

// IsEnabled treats a missing enabled key as true.
func (s ScrobblerEntry) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// IsEnabled treats a missing enabled key as true.
func (h HistoryConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// IsDurable treats a missing durable key as true.
func (s ScrobbleConfig) IsDurable() bool {
	return s.Durable == nil || *s.Durable
}

// MinPlayed returns the minimum track length as a duration.
func (s ScrobbleConfig) MinPlayed() time.Duration {
	return time.Duration(s.MinPlayedMs) * time.Millisecond
}

func (t TransportConfig) ConnectTimeout() time.Duration {
	return time.Duration(t.ConnectTimeoutMs) * time.Millisecond
}

func (t TransportConfig) ResponseTimeout() time.Duration {
	return time.Duration(t.ResponseTimeoutMs) * time.Millisecond
}

// Load reads configuration from disk. If path is empty, a default OS-specific
// location is used. A .env file next to the config and one in the working
// directory are loaded first so password_env can refer to them.
func Load(path string) (*Config, string, error) {
	cfgPath := path
	if cfgPath == "" {
		var err error
		cfgPath, err = DefaultPath()
		if err != nil {
			return nil, "", fmt.Errorf("resolve config path: %w", err)
		}
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(cfgPath), ".env"), ".env"); err != nil {
		return nil, cfgPath, err
	}

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, cfgPath, err
	}
	return cfg, cfgPath, nil
}

// Parse decodes TOML, applies defaults, resolves secrets and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	resolveSecrets(&cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotEnv loads the files that exist. Variables already set win. A file
// that exists but cannot be parsed is an error.
func loadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// DefaultPath returns the OS-specific config file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	name := "tunez"
	if runtime.GOOS == "windows" {
		name = "Tunez"
	}
	return filepath.Join(dir, name, "scrobbler.toml"), nil
}

func stateDir() string {
	dir, err := logging.StateDir()
	if err != nil {
		return os.TempDir()
	}
	return dir
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Transport.ConnectTimeoutMs == 0 {
		cfg.Transport.ConnectTimeoutMs = 10000
	}
	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(stateDir(), "history.db")
	}
	if cfg.Player.MPVPath == "" {
		cfg.Player.MPVPath = "mpv"
	}
	if cfg.Scrobble.MinPlayedMs == 0 {
		cfg.Scrobble.MinPlayedMs = 30000
	}
	for i := range cfg.Scrobblers {
		s := &cfg.Scrobblers[i]
		s.Type = strings.ToLower(s.Type)
		if s.DataFile == "" && s.ID != "" {
			s.DataFile = filepath.Join(stateDir(), fmt.Sprintf("scrobbles_%s.jsonl", s.ID))
		}
		if s.Type == TypeLegacy {
			if s.ClientID == "" {
				s.ClientID = "tnz"
			}
			if s.ClientVersion == "" {
				s.ClientVersion = "0.1"
			}
		}
	}
}

// resolveSecrets fills passwords from the environment. An explicit password
// wins over password_env.
func resolveSecrets(cfg *Config) {
	for i := range cfg.Scrobblers {
		s := &cfg.Scrobblers[i]
		if s.Password == "" && s.PasswordEnv != "" {
			s.Password = os.Getenv(s.PasswordEnv)
		}
	}
}

var levels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate performs semantic validation of config.
func Validate(cfg Config) error {
	if !levels[strings.ToLower(cfg.Logging.Level)] {
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", cfg.Logging.Level)
	}
	if cfg.Transport.ConnectTimeoutMs < 0 || cfg.Transport.ResponseTimeoutMs < 0 {
		return errors.New("transport timeouts must not be negative")
	}
	if cfg.Scrobble.MinPlayedMs < 0 {
		return errors.New("scrobble.min_played_ms must not be negative")
	}

	seen := map[string]bool{}
	for i, s := range cfg.Scrobblers {
		if s.ID == "" {
			return fmt.Errorf("scrobblers[%d].id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate scrobbler id %q", s.ID)
		}
		seen[s.ID] = true
		switch s.Type {
		case TypeREST, TypeLegacy:
		default:
			return fmt.Errorf("scrobbler %q: unknown type %q", s.ID, s.Type)
		}
	}
	return nil
}

// ScrobblerByID returns the entry and true when found.
func (c Config) ScrobblerByID(id string) (ScrobblerEntry, bool) {
	for _, s := range c.Scrobblers {
		if s.ID == id {
			return s, true
		}
	}
	return ScrobblerEntry{}, false
}

// EnabledScrobblers returns the entries that are switched on.
func (c Config) EnabledScrobblers() []ScrobblerEntry {
	var out []ScrobblerEntry
	for _, s := range c.Scrobblers {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}
