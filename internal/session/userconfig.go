package session

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/termdeck/internal/adapter"
	"github.com/asheshgoplani/termdeck/internal/logging"
	"github.com/asheshgoplani/termdeck/internal/termquery"
	"github.com/asheshgoplani/termdeck/internal/termstate"
)

// UserConfigFileName is the name of the user configuration file
const UserConfigFileName = "config.toml"

// UserConfig represents ~/.termdeck/config.toml.
type UserConfig struct {
	// DefaultMode is used when a create request names no mode (default "claude")
	DefaultMode string `toml:"default_mode"`

	Server        ServerSettings          `toml:"server"`
	Session       SessionSettings         `toml:"session"`
	Tools         map[string]ToolSettings `toml:"tools"`
	Notifications NotificationSettings    `toml:"notifications"`
	Theme         termquery.Theme         `toml:"theme"`
	Logs          LogSettings             `toml:"logs"`
}

// ServerSettings configures `termdeck serve`.
type ServerSettings struct {
	// Listen is the HTTP listen address (default "127.0.0.1:7420")
	Listen string `toml:"listen"`

	// Token enables bearer-token auth when non-empty
	Token string `toml:"token"`
}

// SessionSettings holds the manager's timing knobs, all in milliseconds.
// Zero means the built-in default.
type SessionSettings struct {
	BufferMB                     int `toml:"buffer_mb"`
	StartupTimeoutMs             int `toml:"startup_timeout_ms"`
	FastExitMs                   int `toml:"fast_exit_ms"`
	ExitGraceMs                  int `toml:"exit_grace_ms"`
	IdleCheckMs                  int `toml:"idle_check_ms"`
	DefaultIdleTimeoutMs         int `toml:"default_idle_timeout_ms"`
	RunningToAttentionDebounceMs int `toml:"running_to_attention_debounce_ms"`
	DefaultDebounceMs            int `toml:"default_debounce_ms"`
	StatusWatchMs                int `toml:"status_watch_ms"`
	SessionIDDetectMs            int `toml:"session_id_detect_ms"`
}

// ToolSettings overrides one adapter ([tools.claude], [tools.codex], ...).
type ToolSettings struct {
	// Command replaces the tool binary
	Command string `toml:"command"`

	// Args are appended to every launch
	Args []string `toml:"args"`

	// IdleTimeoutMs replaces the adapter's idle window
	IdleTimeoutMs int `toml:"idle_timeout_ms"`

	// Env is merged into the session environment
	Env map[string]string `toml:"env"`

	// BusyPatterns and PromptPatterns extend detection ("re:" prefix for regex)
	BusyPatterns   []string `toml:"busy_patterns"`
	PromptPatterns []string `toml:"prompt_patterns"`
}

// NotificationSettings configures the notification bridge.
type NotificationSettings struct {
	// Enabled is the default before the user toggles the preference (default true)
	Enabled *bool `toml:"enabled"`

	// Desktop enables OS notifications (default true)
	Desktop *bool `toml:"desktop"`

	// WebPush enables browser push (default false)
	WebPush bool `toml:"web_push"`

	// VAPIDSubject is the contact sent to push services
	VAPIDSubject string `toml:"vapid_subject"`
}

// LogSettings defines debug log configuration.
type LogSettings struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `toml:"level"`

	// Format sets the log format: "json" (default) or "text"
	Format string `toml:"format"`

	// MaxMB is the max size in MB for debug.log before rotation
	// Default: 10
	MaxMB int `toml:"max_mb"`

	// Backups is the number of rotated debug.log files to keep
	// Default: 5
	Backups int `toml:"backups"`

	// RetentionDays is the number of days to keep rotated logs
	// Default: 10
	RetentionDays int `toml:"retention_days"`

	Compress bool `toml:"compress"`

	// CrashRingMB sizes the in-memory crash dump buffer
	// Default: 4
	CrashRingMB int `toml:"crash_ring_mb"`

	// PprofEnabled starts pprof on localhost:6060
	PprofEnabled bool `toml:"pprof_enabled"`

	// AggregateIntervalS is the event aggregation flush interval in seconds
	// Default: 30
	AggregateIntervalS int `toml:"aggregate_interval_secs"`
}

var defaultUserConfig = UserConfig{
	Tools: make(map[string]ToolSettings),
}

// Cache for user config (loaded once per process)
var (
	userConfigCache   *UserConfig
	userConfigCacheMu sync.RWMutex
)

// GetTermdeckDir returns $TERMDECK_HOME or ~/.termdeck.
func GetTermdeckDir() (string, error) {
	if dir := os.Getenv("TERMDECK_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".termdeck"), nil
}

// GetUserConfigPath returns the path to the user config file
func GetUserConfigPath() (string, error) {
	dir, err := GetTermdeckDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, UserConfigFileName), nil
}

// LoadUserConfig loads the user configuration from TOML file.
// Returns cached config after first load.
func LoadUserConfig() (*UserConfig, error) {
	userConfigCacheMu.RLock()
	if userConfigCache != nil {
		defer userConfigCacheMu.RUnlock()
		return userConfigCache, nil
	}
	userConfigCacheMu.RUnlock()

	userConfigCacheMu.Lock()
	defer userConfigCacheMu.Unlock()

	// Double-check after acquiring write lock
	if userConfigCache != nil {
		return userConfigCache, nil
	}

	configPath, err := GetUserConfigPath()
	if err != nil {
		userConfigCache = &defaultUserConfig
		return userConfigCache, nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		userConfigCache = &defaultUserConfig
		return userConfigCache, nil
	}

	var config UserConfig
	if _, err := toml.DecodeFile(configPath, &config); err != nil {
		// Cache defaults to prevent repeated parse attempts
		userConfigCache = &defaultUserConfig
		return userConfigCache, fmt.Errorf("config.toml parse error: %w", err)
	}
	if config.Tools == nil {
		config.Tools = make(map[string]ToolSettings)
	}
	if err := config.Theme.Validate(); err != nil {
		configLog.Warn("config_theme_invalid", "error", err.Error())
		config.Theme = termquery.Theme{}
	}

	userConfigCache = &config
	return userConfigCache, nil
}

// ReloadUserConfig forces a reload of the user config
func ReloadUserConfig() (*UserConfig, error) {
	ClearUserConfigCache()
	return LoadUserConfig()
}

// SaveUserConfig writes the config atomically (temp file, fsync, rename)
// and clears the cache.
func SaveUserConfig(config *UserConfig) error {
	configPath, err := GetUserConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# termdeck configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmpPath := configPath + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := syncConfigFile(tmpPath); err != nil {
		configLog.Warn("config_fsync_failed", "error", err.Error())
	}
	if err := os.Rename(tmpPath, configPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize config save: %w", err)
	}

	ClearUserConfigCache()
	return nil
}

func syncConfigFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// ClearUserConfigCache drops the cached config; the next LoadUserConfig
// reads from disk.
func ClearUserConfigCache() {
	userConfigCacheMu.Lock()
	userConfigCache = nil
	userConfigCacheMu.Unlock()
}

func ms(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

// ManagerConfig resolves [session] and default_mode into a manager Config.
func (c *UserConfig) ManagerConfig() Config {
	cfg := DefaultConfig()
	s := c.Session
	if s.BufferMB > 0 {
		cfg.BufferBytes = s.BufferMB * 1024 * 1024
	}
	cfg.StartupTimeout = ms(s.StartupTimeoutMs, cfg.StartupTimeout)
	cfg.FastExitWindow = ms(s.FastExitMs, cfg.FastExitWindow)
	cfg.ExitGrace = ms(s.ExitGraceMs, cfg.ExitGrace)
	cfg.IdleCheckInterval = ms(s.IdleCheckMs, cfg.IdleCheckInterval)
	cfg.DefaultIdleTimeout = ms(s.DefaultIdleTimeoutMs, cfg.DefaultIdleTimeout)
	cfg.StatusWatchTimeout = ms(s.StatusWatchMs, cfg.StatusWatchTimeout)
	cfg.SessionIDDetectTimeout = ms(s.SessionIDDetectMs, cfg.SessionIDDetectTimeout)

	policy := termstate.DefaultPolicy()
	policy.Default = ms(s.DefaultDebounceMs, policy.Default)
	policy.Edges[termstate.Edge{From: termstate.StateRunning, To: termstate.StateAttention}] =
		ms(s.RunningToAttentionDebounceMs, termstate.DefaultRunningToAttentionDelay)
	cfg.Policy = policy

	if c.DefaultMode != "" {
		cfg.DefaultMode = adapter.Mode(c.DefaultMode)
	}
	return cfg
}

// AdapterOptions converts [tools.*] into registry options.
func (c *UserConfig) AdapterOptions() adapter.Options {
	opts := adapter.Options{Tools: make(map[adapter.Mode]adapter.ToolOptions, len(c.Tools))}
	names := make([]string, 0, len(c.Tools))
	for name := range c.Tools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := c.Tools[name]
		opts.Tools[adapter.Mode(name)] = adapter.ToolOptions{
			Command:           t.Command,
			Args:              t.Args,
			Env:               t.Env,
			IdleTimeout:       ms(t.IdleTimeoutMs, 0),
			WorkingPatterns:   t.BusyPatterns,
			AttentionPatterns: t.PromptPatterns,
		}
	}
	return opts
}

// GetServerSettings returns [server] with defaults applied.
func GetServerSettings() ServerSettings {
	config, err := LoadUserConfig()
	if err != nil || config == nil {
		return ServerSettings{Listen: "127.0.0.1:7420"}
	}
	s := config.Server
	if s.Listen == "" {
		s.Listen = "127.0.0.1:7420"
	}
	return s
}

// NotificationsEnabledDefault is the notifications.enabled default.
func (n NotificationSettings) NotificationsEnabledDefault() bool {
	return n.Enabled == nil || *n.Enabled
}

// DesktopEnabled reports whether OS notifications are on (default true).
func (n NotificationSettings) DesktopEnabled() bool {
	return n.Desktop == nil || *n.Desktop
}

// GetNotificationSettings returns [notifications] with defaults applied.
func GetNotificationSettings() NotificationSettings {
	config, err := LoadUserConfig()
	if err != nil || config == nil {
		return NotificationSettings{VAPIDSubject: "mailto:termdeck@localhost"}
	}
	n := config.Notifications
	if n.VAPIDSubject == "" {
		n.VAPIDSubject = "mailto:termdeck@localhost"
	}
	return n
}

// ResolveTheme returns the [theme] colors over the OS default.
func ResolveTheme() termquery.Theme {
	base := termquery.SystemTheme()
	config, err := LoadUserConfig()
	if err != nil || config == nil {
		return base
	}
	return config.Theme.Merge(base)
}

// GetLogSettings returns [logs] with defaults applied.
func GetLogSettings() LogSettings {
	config, err := LoadUserConfig()
	if err != nil || config == nil {
		return LogSettings{MaxMB: 10, Backups: 5, RetentionDays: 10, CrashRingMB: 4, AggregateIntervalS: 30}
	}
	s := config.Logs
	if s.MaxMB <= 0 {
		s.MaxMB = 10
	}
	if s.Backups <= 0 {
		s.Backups = 5
	}
	if s.RetentionDays <= 0 {
		s.RetentionDays = 10
	}
	if s.CrashRingMB <= 0 {
		s.CrashRingMB = 4
	}
	if s.AggregateIntervalS <= 0 {
		s.AggregateIntervalS = 30
	}
	return s
}

var configLog = logging.ForComponent(logging.CompConfig)
