package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "giglink"
	// DefaultAPIURL is the backend REST base URL used when no override exists.
	DefaultAPIURL = "http://localhost:5000/api"
	// DiscoverAPIURL asks the client to locate the backend via mDNS.
	DiscoverAPIURL = "mdns"
	// DefaultNotificationPollInterval is the unread-count refresh period.
	DefaultNotificationPollInterval = 30 * time.Second
	// DefaultTypingTimeout clears a typing indicator after this quiet period.
	DefaultTypingTimeout = 3 * time.Second
	// DefaultLogLevel is the zerolog level name used when none is configured.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ClientConfig contains persistent local client settings.
type ClientConfig struct {
	DeviceID                 string   `json:"device_id"`
	APIURL                   string   `json:"api_url"`
	WSURL                    string   `json:"ws_url"`
	NotificationPollInterval Duration `json:"notification_poll_interval"`
	TypingTimeout            Duration `json:"typing_timeout"`
	LogLevel                 string   `json:"log_level"`
	StorageKeyPath           string   `json:"storage_key_path"`
}

// Duration marshals as a Go duration string ("30s").
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if text == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If GIGLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("GIGLINK_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
// Environment overrides are applied to the returned value but never persisted.
func LoadOrCreate() (*ClientConfig, string, error) {
	_ = godotenv.Load()

	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, cfgPath, nil
}

// UsesDiscovery reports whether the backend should be located over mDNS.
func (c *ClientConfig) UsesDiscovery() bool {
	return strings.EqualFold(strings.TrimSpace(c.APIURL), DiscoverAPIURL)
}

// ResolvedWSURL returns the configured gateway URL, deriving it from the API
// URL when unset: http(s)://host/api becomes ws(s)://host/ws.
func (c *ClientConfig) ResolvedWSURL() string {
	if c.WSURL != "" {
		return c.WSURL
	}
	return DeriveWSURL(c.APIURL)
}

// DeriveWSURL maps a REST base URL to the gateway URL on the same host.
func DeriveWSURL(apiURL string) string {
	base := strings.TrimSuffix(strings.TrimSpace(apiURL), "/")
	base = strings.TrimSuffix(base, "/api")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

func defaultConfig(dataDir string) *ClientConfig {
	return &ClientConfig{
		DeviceID:                 uuid.NewString(),
		APIURL:                   DefaultAPIURL,
		NotificationPollInterval: Duration(DefaultNotificationPollInterval),
		TypingTimeout:            Duration(DefaultTypingTimeout),
		LogLevel:                 DefaultLogLevel,
		StorageKeyPath:           filepath.Join(dataDir, "keys", "storage.key"),
	}
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = DefaultAPIURL
		updated = true
	}
	if cfg.NotificationPollInterval <= 0 {
		cfg.NotificationPollInterval = Duration(DefaultNotificationPollInterval)
		updated = true
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = Duration(DefaultTypingTimeout)
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}
	if cfg.StorageKeyPath == "" {
		cfg.StorageKeyPath = filepath.Join(dataDir, "keys", "storage.key")
		updated = true
	}

	return updated
}

func applyEnvOverrides(cfg *ClientConfig) {
	if v := os.Getenv("GIGLINK_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("GIGLINK_WS_URL"); v != "" {
		cfg.WSURL = v
	}
	if v := os.Getenv("GIGLINK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
