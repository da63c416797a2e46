// Package config handles configuration loading, validation, and hot reload
// for rootsite.
package config

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"rootsite/internal/logging"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Keyboard selects the input method driving the view.
	Keyboard KeyboardConfig `toml:"keyboard" json:"keyboard" yaml:"keyboard"`

	// Composition controls how preedit text enters the buffer.
	Composition CompositionConfig `toml:"composition" json:"composition" yaml:"composition"`

	// IBus configures the D-Bus connection to an IBus daemon.
	IBus IBusConfig `toml:"ibus" json:"ibus" yaml:"ibus"`

	// Journal configures the edit journal.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// KeyboardConfig selects an input method family.
type KeyboardConfig struct {
	// Family names the keyboard behavior, e.g. "commit-on-space" or "ibus".
	Family string `toml:"family" json:"family" yaml:"family"`

	// Glyphs maps letter sequences to replacements for the
	// glyph-substitution family. Empty means the built-in table.
	Glyphs map[string]string `toml:"glyphs" json:"glyphs" yaml:"glyphs"`
}

// CompositionConfig controls the composition machine.
type CompositionConfig struct {
	// Normalization is the Unicode form of buffer text: "nfd", "nfc",
	// "nfkd", "nfkc" or "none".
	Normalization string `toml:"normalization" json:"normalization" yaml:"normalization"`

	// RangeMode is "preserve" or "replace".
	RangeMode string `toml:"range_mode" json:"range_mode" yaml:"range_mode"`
}

// IBusConfig configures the IBus connection.
type IBusConfig struct {
	// Address overrides bus discovery when set.
	Address string `toml:"address" json:"address" yaml:"address"`

	// ClientName is passed to CreateInputContext.
	ClientName string `toml:"client_name" json:"client_name" yaml:"client_name"`

	// SettleMs is how long to wait for signals after each call.
	SettleMs int `toml:"settle_ms" json:"settle_ms" yaml:"settle_ms"`

	// Capabilities are advertised to the input context.
	Capabilities []string `toml:"capabilities" json:"capabilities" yaml:"capabilities"`
}

// JournalConfig configures the SQLite edit journal.
type JournalConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Path    string `toml:"path" json:"path" yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file", "both" or "discard".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`

	// RedactText keeps typed text out of the logs.
	RedactText bool `toml:"redact_text" json:"redact_text" yaml:"redact_text"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Keyboard: KeyboardConfig{
			Family: "commit-on-space",
		},
		Composition: CompositionConfig{
			Normalization: "nfd",
			RangeMode:     "preserve",
		},
		IBus: IBusConfig{
			ClientName:   "rootsite",
			SettleMs:     50,
			Capabilities: []string{"preedit_text", "focus"},
		},
		Journal: JournalConfig{
			Path: filepath.Join(DataDir(), "journal.db"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(StateDir(), "rootsite.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 14,
			Compress:   true,
		},
	}
}

// ConfigDir returns the configuration directory, following XDG.
func ConfigDir() string {
	if dir := os.Getenv("ROOTSITE_CONFIG_DIR"); dir != "" {
		return dir
	}
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// DataDir returns the data directory, following XDG.
func DataDir() string {
	if dir := os.Getenv("ROOTSITE_DATA_DIR"); dir != "" {
		return dir
	}
	return xdgDir("XDG_DATA_HOME", ".local", "share")
}

// StateDir returns the state directory used for logs.
func StateDir() string {
	return xdgDir("XDG_STATE_HOME", ".local", "state")
}

func xdgDir(env string, fallback ...string) string {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, "rootsite")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(append(append([]string{home}, fallback...), "rootsite")...)
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// ApplyEnvOverrides applies ROOTSITE_* environment variables on top of the
// file configuration.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("ROOTSITE_KEYBOARD"); v != "" {
		c.Keyboard.Family = v
	}
	if v := os.Getenv("ROOTSITE_NORMALIZATION"); v != "" {
		c.Composition.Normalization = v
	}
	if v := os.Getenv("ROOTSITE_RANGE_MODE"); v != "" {
		c.Composition.RangeMode = v
	}

	// IBUS_ADDRESS is what ibus itself exports
	if v := os.Getenv("IBUS_ADDRESS"); v != "" {
		c.IBus.Address = v
	}
	if v := os.Getenv("ROOTSITE_IBUS_ADDRESS"); v != "" {
		c.IBus.Address = v
	}
	if v := os.Getenv("ROOTSITE_IBUS_SETTLE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.IBus.SettleMs = n
		}
	}

	if v := os.Getenv("ROOTSITE_JOURNAL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Journal.Enabled = b
		}
	}
	if v := os.Getenv("ROOTSITE_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}

	if v := os.Getenv("ROOTSITE_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("ROOTSITE_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Keyboard.Glyphs = maps.Clone(c.Keyboard.Glyphs)
	clone.IBus.Capabilities = slices.Clone(c.IBus.Capabilities)
	return &clone
}

// EnsureDirectories creates the directories the configured files live in.
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Journal.Enabled && c.Journal.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Journal.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// LogConfig converts the logging section into a logger configuration.
func (c *Config) LogConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = c.Logging.Output
	lc.FilePath = c.Logging.FilePath
	lc.MaxSize = int64(c.Logging.MaxSizeMB)
	lc.MaxBackups = c.Logging.MaxBackups
	lc.MaxAge = c.Logging.MaxAgeDays
	lc.Compress = c.Logging.Compress
	lc.RedactText = c.Logging.RedactText
	return lc, nil
}
