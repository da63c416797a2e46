package config

import (
	"fmt"
	"strings"

	"rootsite/internal/composition"
	"rootsite/internal/inputbus"
	"rootsite/internal/logging"
	"rootsite/internal/textbuf"
)

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors lists every invalid field found by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i := range e {
		msgs[i] = e[i].Error()
	}
	return strings.Join(msgs, "; ")
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs.add("version", "unsupported version %d (current: %d)", c.Version, Version)
	}

	switch c.Keyboard.Family {
	case "":
		errs.add("keyboard.family", "keyboard family is required")
	case string(inputbus.IBus):
	default:
		if !isSimulated(c.Keyboard.Family) {
			errs.add("keyboard.family", "unknown keyboard family %q", c.Keyboard.Family)
		}
	}
	if _, ok := c.Keyboard.Glyphs[""]; ok {
		errs.add("keyboard.glyphs", "empty sequence in glyph table")
	}

	if _, err := textbuf.ParseForm(c.Composition.Normalization); err != nil {
		errs.add("composition.normalization", "%v", err)
	}
	if _, err := composition.ParseRangeMode(c.Composition.RangeMode); err != nil {
		errs.add("composition.range_mode", "%v", err)
	}

	if c.IBus.ClientName == "" {
		errs.add("ibus.client_name", "client name is required")
	}
	if c.IBus.SettleMs < 0 || c.IBus.SettleMs > 5000 {
		errs.add("ibus.settle_ms", "must be between 0 and 5000, got %d", c.IBus.SettleMs)
	}
	if _, err := inputbus.ParseCapabilities(c.IBus.Capabilities); err != nil {
		errs.add("ibus.capabilities", "%v", err)
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		errs.add("journal.path", "path is required when the journal is enabled")
	}

	c.Logging.validate(&errs)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func isSimulated(name string) bool {
	for _, f := range inputbus.Families() {
		if string(f) == name {
			return true
		}
	}
	return false
}

func (l *LoggingConfig) validate(errs *ValidationErrors) {
	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs.add("logging.level", "invalid log level: %s (valid: debug, info, warn, error)", l.Level)
	}
	if _, err := logging.ParseFormat(l.Format); err != nil {
		errs.add("logging.format", "invalid log format: %s (valid: text, json)", l.Format)
	}

	switch l.Output {
	case "stdout", "stderr", "discard":
	case "file", "both":
		if l.FilePath == "" {
			errs.add("logging.file_path", "file path is required when logging to a file")
		}
	default:
		errs.add("logging.output", "invalid log output: %q", l.Output)
	}

	if l.MaxSizeMB < 1 {
		errs.add("logging.max_size_mb", "max size must be at least 1 MB")
	}
	if l.MaxBackups < 0 {
		errs.add("logging.max_backups", "max backups cannot be negative")
	}
	if l.MaxAgeDays < 0 {
		errs.add("logging.max_age_days", "max age cannot be negative")
	}
}
