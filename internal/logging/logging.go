// Package logging sets up the slog loggers used across rootsite.
//
// Every logger derived from one New call shares its outputs, so closing the
// root logger closes the log file for all of them. Loggers carry a component
// name and, once attached to an editing view, the view's ID. Typed text can
// be kept out of the logs with Config.RedactText: attributes that carry
// preedit or committed strings are then logged as their length only.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"
)

// Level is a slog level.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the slog handler.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Config holds the logging configuration.
type Config struct {
	Level  Level
	Format Format

	// Output is one of "stderr", "stdout", "file", "both" (stderr and
	// file) or "discard". Writer, when set, takes precedence.
	Output string
	Writer io.Writer

	// FilePath and the rotation limits apply when Output includes a file.
	// MaxSize is in megabytes and MaxAge in days.
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool

	AddSource bool

	// RedactText logs typed strings as their length.
	RedactText bool

	Component string
}

// DefaultConfig logs text at info level to stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   defaultLogPath(),
		MaxSize:    10,
		MaxAge:     14,
		MaxBackups: 3,
		Compress:   true,
		Component:  "rootsite",
	}
}

func defaultLogPath() string {
	state := os.Getenv("XDG_STATE_HOME")
	if state == "" {
		home, _ := os.UserHomeDir()
		state = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(state, "rootsite", "rootsite.log")
}

// output is the state shared by a logger and everything derived from it.
type output struct {
	component string
	rotator   *FileRotator
	views     atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// Logger is a slog.Logger with rootsite's attributes and outputs.
type Logger struct {
	*slog.Logger
	out *output
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// Default returns the process-wide logger, creating one from
// DefaultConfig on first use.
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultLogger == nil {
		l, err := New(DefaultConfig())
		if err != nil {
			l = &Logger{Logger: slog.Default(), out: &output{component: "rootsite"}}
		}
		defaultLogger = l
	}
	return defaultLogger
}

// SetDefault replaces the process-wide logger and slog's default.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// New builds a logger from cfg. A nil cfg means DefaultConfig.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	out := &output{component: cfg.Component}
	w, err := out.open(cfg)
	if err != nil {
		return nil, fmt.Errorf("setup writers: %w", err)
	}

	red := redactor{text: cfg.RedactText}
	opts := &slog.HandlerOptions{
		Level:       cfg.Level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: red.replace,
	}

	var h slog.Handler
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}

	sl := slog.New(h)
	if cfg.Component != "" {
		sl = sl.With(slog.String("component", cfg.Component))
	}
	return &Logger{Logger: sl, out: out}, nil
}

func (o *output) open(cfg *Config) (io.Writer, error) {
	if cfg.Writer != nil {
		return cfg.Writer, nil
	}

	mode := strings.ToLower(cfg.Output)
	switch mode {
	case "stdout":
		return os.Stdout, nil
	case "discard":
		return io.Discard, nil
	case "file", "both":
		r, err := NewFileRotator(cfg)
		if err != nil {
			return nil, err
		}
		o.rotator = r
		if mode == "both" {
			return io.MultiWriter(os.Stderr, r), nil
		}
		return r, nil
	default:
		return os.Stderr, nil
	}
}

// secretKeys are attribute key fragments that are always redacted.
var secretKeys = []string{"password", "secret", "token", "credential", "cookie", "api_key"}

// textKeys are attributes that carry what the user typed.
var textKeys = map[string]bool{
	"text": true, "preedit": true, "commit": true, "removed": true, "inserted": true,
}

type redactor struct {
	text bool
}

func (r redactor) replace(_ []string, a slog.Attr) slog.Attr {
	switch {
	case shouldRedact(a.Key):
		a.Value = slog.StringValue("[REDACTED]")
	case r.text && textKeys[strings.ToLower(a.Key)]:
		n := utf8.RuneCountInString(a.Value.String())
		a.Value = slog.StringValue(fmt.Sprintf("[%d chars]", n))
	}
	return a
}

func shouldRedact(key string) bool {
	key = strings.ToLower(key)
	for _, s := range secretKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

// WithView tags the logger with an editing view's ID.
func (l *Logger) WithView(id string) *Logger {
	return &Logger{Logger: l.With(slog.String("view", id)), out: l.out}
}

// NewViewID returns an ID that is unique among loggers sharing l's
// outputs, e.g. "rootsite-view-3".
func (l *Logger) NewViewID() string {
	return fmt.Sprintf("%s-view-%d", l.out.component, l.out.views.Add(1))
}

// WithComponent overrides the component attribute.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.With(slog.String("component", name)), out: l.out}
}

// WithContext tags the logger with the view ID carried by ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := ViewIDFromContext(ctx); id != "" {
		return l.WithView(id)
	}
	return l
}

// Close closes the log file, if any. Later writes to a file output reopen
// it.
func (l *Logger) Close() error {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()

	if l.out.rotator == nil || l.out.closed {
		return nil
	}
	l.out.closed = true
	return l.out.rotator.Close()
}

// Sync flushes the log file.
func (l *Logger) Sync() error {
	if l.out.rotator == nil {
		return nil
	}
	return l.out.rotator.Sync()
}

type viewIDKey struct{}

// ContextWithViewID attaches a view ID to ctx.
func ContextWithViewID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, viewIDKey{}, id)
}

// ViewIDFromContext returns the view ID attached to ctx, or "".
func ViewIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(viewIDKey{}).(string)
	return id
}

// ParseLevel accepts slog's level names in any case, plus "warning".
func ParseLevel(s string) (Level, error) {
	if strings.EqualFold(s, "warning") {
		return LevelWarn, nil
	}
	if s == "" {
		return LevelInfo, fmt.Errorf("empty log level")
	}
	var level Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
	return level, nil
}

// ParseFormat parses "text" or "json". The empty string means text.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("unknown log format: %s", s)
}
