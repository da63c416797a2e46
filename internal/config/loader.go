package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

// codec reads and writes one file format.
type codec struct {
	name   string
	decode func([]byte, *Config) error
	encode func(*Config) ([]byte, error)
}

var (
	tomlCodec = codec{
		name: "TOML",
		decode: func(data []byte, c *Config) error {
			_, err := toml.Decode(string(data), c)
			return err
		},
		encode: func(c *Config) ([]byte, error) {
			var buf bytes.Buffer
			buf.WriteString("# rootsite configuration\n\n")
			err := toml.NewEncoder(&buf).Encode(c)
			return buf.Bytes(), err
		},
	}
	jsonCodec = codec{
		name:   "JSON",
		decode: func(data []byte, c *Config) error { return json.Unmarshal(data, c) },
		encode: func(c *Config) ([]byte, error) { return json.MarshalIndent(c, "", "  ") },
	}
	yamlCodec = codec{
		name:   "YAML",
		decode: func(data []byte, c *Config) error { return yaml.Unmarshal(data, c) },
		encode: func(c *Config) ([]byte, error) { return yaml.Marshal(c) },
	}
)

// codecFor picks the codec by extension. ok is false for unknown
// extensions, whose content is sniffed on read and written as TOML.
func codecFor(path string) (c codec, ok bool) {
	switch filepath.Ext(path) {
	case ".toml":
		return tomlCodec, true
	case ".json":
		return jsonCodec, true
	case ".yaml", ".yml":
		return yamlCodec, true
	}
	return tomlCodec, false
}

// Loader reads one configuration file and, once Watch is called, reloads
// it whenever it changes on disk.
type Loader struct {
	path     string
	debounce time.Duration

	mu        sync.RWMutex
	current   *Config
	listeners []func(*Config)

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	errs    chan error
}

// NewLoader returns a loader for path, or for ConfigPath() when path is
// empty.
func NewLoader(path string) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	return &Loader{
		path:     path,
		debounce: 100 * time.Millisecond,
		done:     make(chan struct{}),
		errs:     make(chan error, 1),
	}
}

// Path returns the file the loader reads.
func (l *Loader) Path() string { return l.path }

// Load reads the file, applies environment overrides and validates the
// result. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.read()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) read() (*Config, error) {
	cfg, err := readFile(l.path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// Config returns the last successfully loaded configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers fn to receive a copy of each reloaded configuration
// that differs from the previous one.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Errors delivers reload and watcher errors. Errors are dropped while one
// is pending.
func (l *Loader) Errors() <-chan error { return l.errs }

// Watch starts reloading on changes. Invalid files are reported on Errors
// and leave the current configuration in place.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors save by writing a new file and renaming
	// it over the old one.
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	l.watcher = w

	l.wg.Add(1)
	go l.watch()
	return nil
}

func (l *Loader) watch() {
	defer l.wg.Done()

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	name := filepath.Base(l.path)
	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == name && ev.Has(fsnotify.Write|fsnotify.Create) {
				timer.Reset(l.debounce)
			}
		case <-timer.C:
			l.reload()
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

func (l *Loader) reload() {
	cfg, err := l.read()
	if err != nil {
		l.report(fmt.Errorf("reload config: %w", err))
		return
	}

	l.mu.Lock()
	prev := l.current
	l.current = cfg
	listeners := append(([]func(*Config))(nil), l.listeners...)
	l.mu.Unlock()

	if prev != nil && cmp.Equal(prev, cfg) {
		return
	}
	for _, fn := range listeners {
		fn(cfg.Clone())
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

// Close stops watching.
func (l *Loader) Close() error {
	select {
	case <-l.done:
		return nil
	default:
		close(l.done)
	}
	var err error
	if l.watcher != nil {
		err = l.watcher.Close()
	}
	l.wg.Wait()
	return err
}

// Load reads the configuration at path, or at ConfigPath() when path is
// empty.
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// readFile decodes path over the defaults, so absent keys keep their
// default values.
func readFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if c, ok := codecFor(path); ok {
		if err := c.decode(data, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", c.name, err)
		}
		return cfg, nil
	}

	for _, c := range []codec{tomlCodec, jsonCodec, yamlCodec} {
		attempt := DefaultConfig()
		if c.decode(data, attempt) == nil {
			return attempt, nil
		}
	}
	return nil, fmt.Errorf("parse config: unable to parse %s (tried TOML, JSON, YAML)", path)
}

// LoadOrCreate loads path, first writing the defaults there if it does not
// exist. created reports whether it did.
func LoadOrCreate(path string) (cfg *Config, created bool, err error) {
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		return cfg, true, nil
	}

	cfg, err = Load(path)
	return cfg, false, err
}

// SaveConfig writes cfg in the format path's extension names, TOML by
// default.
func SaveConfig(cfg *Config, path string) error {
	c, _ := codecFor(path)
	data, err := c.encode(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
