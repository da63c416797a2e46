package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"rootsite/internal/logging"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Composition.Normalization != "nfd" {
		t.Errorf("expected nfd normalization, got %s", cfg.Composition.Normalization)
	}
	if cfg.Composition.RangeMode != "preserve" {
		t.Errorf("expected preserve range mode, got %s", cfg.Composition.RangeMode)
	}
	if cfg.Journal.Enabled {
		t.Error("journal should be off by default")
	}
	if !strings.HasSuffix(cfg.Journal.Path, "journal.db") {
		t.Errorf("unexpected journal path: %s", cfg.Journal.Path)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("ROOTSITE_CONFIG_DIR", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg/config")

	if got := ConfigPath(); got != "/xdg/config/rootsite/config.toml" {
		t.Errorf("ConfigPath() = %s", got)
	}

	t.Setenv("ROOTSITE_CONFIG_DIR", "/custom")
	if got := ConfigPath(); got != "/custom/config.toml" {
		t.Errorf("ConfigPath() with override = %s", got)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Keyboard.Family != DefaultConfig().Keyboard.Family {
		t.Errorf("expected default keyboard, got %s", cfg.Keyboard.Family)
	}
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"toml", "config.toml", `
version = 1

[keyboard]
family = "glyph-substitution"

[keyboard.glyphs]
ae = "æ"

[composition]
range_mode = "replace"

[ibus]
settle_ms = 20
`},
		{"json", "config.json", `{
  "version": 1,
  "keyboard": {"family": "glyph-substitution", "glyphs": {"ae": "æ"}},
  "composition": {"range_mode": "replace"},
  "ibus": {"settle_ms": 20}
}`},
		{"yaml", "config.yaml", `
version: 1
keyboard:
  family: glyph-substitution
  glyphs:
    ae: æ
composition:
  range_mode: replace
ibus:
  settle_ms: 20
`},
		{"no extension", "config", `
version = 1
[keyboard]
family = "glyph-substitution"
glyphs = { ae = "æ" }
[composition]
range_mode = "replace"
[ibus]
settle_ms = 20
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}

			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Keyboard.Family != "glyph-substitution" {
				t.Errorf("keyboard family = %s", cfg.Keyboard.Family)
			}
			if cfg.Keyboard.Glyphs["ae"] != "æ" {
				t.Errorf("glyphs = %v", cfg.Keyboard.Glyphs)
			}
			if cfg.Composition.RangeMode != "replace" {
				t.Errorf("range mode = %s", cfg.Composition.RangeMode)
			}
			// untouched keys keep their defaults
			if cfg.Composition.Normalization != "nfd" {
				t.Errorf("normalization = %s", cfg.Composition.Normalization)
			}
			if cfg.IBus.SettleMs != 20 {
				t.Errorf("settle = %d", cfg.IBus.SettleMs)
			}
		})
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[keyboard\nfamily = "), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed TOML")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[composition]
normalization = "nfx"
range_mode = "overwrite"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(verrs) != 2 {
		t.Errorf("expected 2 errors, got %d: %v", len(verrs), verrs)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"version", func(c *Config) { c.Version = 9 }, "version"},
		{"family", func(c *Config) { c.Keyboard.Family = "" }, "keyboard.family"},
		{"unknown family", func(c *Config) { c.Keyboard.Family = "dvorak" }, "keyboard.family"},
		{"capability", func(c *Config) { c.IBus.Capabilities = []string{"telepathy"} }, "ibus.capabilities"},
		{"glyph key", func(c *Config) { c.Keyboard.Glyphs = map[string]string{"": "x"} }, "keyboard.glyphs"},
		{"settle", func(c *Config) { c.IBus.SettleMs = -1 }, "ibus.settle_ms"},
		{"client", func(c *Config) { c.IBus.ClientName = "" }, "ibus.client_name"},
		{"journal", func(c *Config) { c.Journal.Enabled = true; c.Journal.Path = "" }, "journal.path"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"output", func(c *Config) { c.Logging.Output = "printer" }, "logging.output"},
		{"file path", func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" }, "logging.file_path"},
		{"size", func(c *Config) { c.Logging.MaxSizeMB = 0 }, "logging.max_size_mb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not mention %s", err, tt.field)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("ROOTSITE_KEYBOARD", "backspace-forward")
	t.Setenv("ROOTSITE_RANGE_MODE", "replace")
	t.Setenv("IBUS_ADDRESS", "unix:path=/tmp/ibus")
	t.Setenv("ROOTSITE_IBUS_SETTLE_MS", "5")
	t.Setenv("ROOTSITE_JOURNAL", "true")
	t.Setenv("ROOTSITE_LOG_LEVEL", "DEBUG")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Keyboard.Family != "backspace-forward" {
		t.Errorf("family = %s", cfg.Keyboard.Family)
	}
	if cfg.Composition.RangeMode != "replace" {
		t.Errorf("range mode = %s", cfg.Composition.RangeMode)
	}
	if cfg.IBus.Address != "unix:path=/tmp/ibus" {
		t.Errorf("address = %s", cfg.IBus.Address)
	}
	if cfg.IBus.SettleMs != 5 {
		t.Errorf("settle = %d", cfg.IBus.SettleMs)
	}
	if !cfg.Journal.Enabled {
		t.Error("journal not enabled")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %s", cfg.Logging.Level)
	}
}

func TestCloneIsDeep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Keyboard.Glyphs = map[string]string{"th": "θ"}

	clone := cfg.Clone()
	clone.Keyboard.Glyphs["th"] = "þ"
	clone.IBus.Capabilities[0] = "aux_text"

	if cfg.Keyboard.Glyphs["th"] != "θ" {
		t.Error("clone shares glyph table")
	}
	if cfg.IBus.Capabilities[0] != "preedit_text" {
		t.Error("clone shares capabilities")
	}
}

func TestLogConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"
	cfg.Logging.RedactText = true

	lc, err := cfg.LogConfig()
	if err != nil {
		t.Fatal(err)
	}
	if lc.Level != logging.LevelDebug {
		t.Errorf("level = %v", lc.Level)
	}
	if lc.Format != logging.FormatJSON {
		t.Errorf("format = %v", lc.Format)
	}
	if !lc.RedactText {
		t.Error("redaction not carried over")
	}
	if lc.MaxSize != 10 {
		t.Errorf("max size = %d", lc.MaxSize)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	for _, name := range []string{"config.toml", "config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			cfg := DefaultConfig()
			cfg.Keyboard.Family = "backspace-commit"
			cfg.Keyboard.Glyphs = map[string]string{"ng": "ŋ"}

			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig: %v", err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if loaded.Keyboard.Family != "backspace-commit" || loaded.Keyboard.Glyphs["ng"] != "ŋ" {
				t.Errorf("loaded keyboard = %+v", loaded.Keyboard)
			}
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	_, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("expected file to be created")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}

	_, created, err = LoadOrCreate(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second call should load the existing file")
	}
}

func TestLoaderWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := SaveConfig(DefaultConfig(), path); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(path)
	l.debounce = 50 * time.Millisecond
	defer l.Close()
	if _, err := l.Load(); err != nil {
		t.Fatal(err)
	}

	changed := make(chan *Config, 1)
	l.OnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})
	if err := l.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Keyboard.Family = "no-preedit"
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changed:
		if c.Keyboard.Family != "no-preedit" {
			t.Errorf("reloaded family = %s", c.Keyboard.Family)
		}
		if l.Config().Keyboard.Family != "no-preedit" {
			t.Error("loader did not keep the new config")
		}
	case err := <-l.Errors():
		t.Fatalf("reload error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
