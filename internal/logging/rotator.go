package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// FileRotator appends to a log file and moves it aside as
// "<path>.<timestamp>" when it would grow past the size limit or when the
// local date changes. Old files are gzipped and pruned in the background.
type FileRotator struct {
	path     string
	maxBytes int64
	maxAge   time.Duration
	keep     int
	compress bool

	mu   sync.Mutex
	f    *os.File
	size int64
	day  string
	now  func() time.Time

	// housekeeping serializes compression and pruning.
	housekeeping sync.Mutex
}

// NewFileRotator opens cfg.FilePath for appending, creating its directory.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	r := &FileRotator{
		path:     cfg.FilePath,
		maxBytes: cfg.MaxSize << 20,
		maxAge:   time.Duration(cfg.MaxAge) * 24 * time.Hour,
		keep:     cfg.MaxBackups,
		compress: cfg.Compress,
		now:      time.Now,
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.f, r.size, r.day = f, st.Size(), r.now().Format(time.DateOnly)
	return nil
}

func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.due(len(p)) {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

// due reports whether the next write of n bytes goes to a fresh file. An
// empty file is never rotated.
func (r *FileRotator) due(n int) bool {
	switch {
	case r.size == 0:
		return false
	case r.maxBytes > 0 && r.size+int64(n) > r.maxBytes:
		return true
	default:
		return r.now().Format(time.DateOnly) != r.day
	}
}

func (r *FileRotator) rotate() error {
	if err := r.f.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.f = nil

	backup := r.path + "." + r.now().Format("20060102-150405.000")
	if err := os.Rename(r.path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}

	go r.tidy(backup)
	return nil
}

func (r *FileRotator) tidy(backup string) {
	r.housekeeping.Lock()
	defer r.housekeeping.Unlock()

	if r.compress {
		gzipFile(backup)
	}
	r.prune()
}

func gzipFile(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(path)

	_, err = io.Copy(zw, in)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// prune keeps the newest r.keep backups and drops any older than maxAge.
func (r *FileRotator) prune() {
	backups, err := r.backups()
	if err != nil {
		return
	}

	type backup struct {
		path string
		mod  time.Time
	}
	var list []backup
	for _, p := range backups {
		if st, err := os.Stat(p); err == nil {
			list = append(list, backup{p, st.ModTime()})
		}
	}
	slices.SortFunc(list, func(a, b backup) int { return b.mod.Compare(a.mod) })

	cutoff := r.now().Add(-r.maxAge)
	for i, b := range list {
		if (r.keep > 0 && i >= r.keep) || (r.maxAge > 0 && b.mod.Before(cutoff)) {
			os.Remove(b.path)
		}
	}
}

func (r *FileRotator) backups() ([]string, error) {
	return filepath.Glob(r.path + ".*")
}

// Close closes the current file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// Sync flushes the current file to disk.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		return nil
	}
	return r.f.Sync()
}

// LogFiles returns the live file followed by its backups.
func (r *FileRotator) LogFiles() ([]string, error) {
	backups, err := r.backups()
	return append([]string{r.path}, backups...), err
}
