package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/randalmurphal/eventrelay/pkg/eventrelay/clock"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/message"
)

const fileExt = ".msg"

// File is a file-based IPC transport. Each message is one file named
// <category>_<unixnano>_<counter>.msg in a shared directory; names sort
// in write order. Writes go through a temp file and rename so readers
// never see partial payloads.
type File struct {
	dir    string
	clock  clock.Clock
	logger *slog.Logger

	mu          sync.Mutex
	counter     uint64
	lastWritten map[string]string
}

// Compile-time interface check.
var _ message.Transport = (*File)(nil)

// FileOption configures a File transport.
type FileOption func(*File)

// WithFileClock sets the clock used for file names and cleanup.
func WithFileClock(clk clock.Clock) FileOption {
	return func(f *File) {
		if clk != nil {
			f.clock = clk
		}
	}
}

// WithFileLogger sets the logger.
func WithFileLogger(logger *slog.Logger) FileOption {
	return func(f *File) {
		f.logger = logger
	}
}

// NewFile creates a file transport rooted at dir, creating it if needed.
func NewFile(dir string, opts ...FileOption) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create message dir: %w", err)
	}
	f := &File{
		dir:         dir,
		clock:       clock.Real(),
		logger:      slog.Default(),
		lastWritten: make(map[string]string),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Dir returns the message directory.
func (f *File) Dir() string {
	return f.dir
}

// Write implements message.Transport.
func (f *File) Write(_ context.Context, payload []byte, category string) error {
	f.mu.Lock()
	f.counter++
	name := fmt.Sprintf("%s_%020d_%06d%s", category, f.clock.Now().UnixNano(), f.counter, fileExt)
	f.mu.Unlock()

	path := filepath.Join(f.dir, name)
	tmp, err := os.CreateTemp(f.dir, ".tmp-"+category+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename message file: %w", err)
	}

	f.mu.Lock()
	f.lastWritten[category] = path
	f.mu.Unlock()
	return nil
}

// pending returns message files in category, oldest first.
func (f *File) pending(category string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(f.dir, category+"_*"+fileExt))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Read implements message.Transport. The oldest message in category is
// returned and removed.
func (f *File) Read(_ context.Context, category string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	files, err := f.pending(category)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if len(files) == 0 {
		return nil, message.ErrNoData
	}

	data, err := os.ReadFile(files[0])
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	if err := os.Remove(files[0]); err != nil {
		return nil, fmt.Errorf("consume message: %w", err)
	}
	return data, nil
}

// Verify implements message.Transport by reading back the last file
// written to category.
func (f *File) Verify(_ context.Context, payload []byte, category string) error {
	f.mu.Lock()
	path, ok := f.lastWritten[category]
	f.mu.Unlock()
	if !ok {
		return message.ErrVerifyMismatch
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", message.ErrVerifyMismatch, err)
	}
	if !bytes.Equal(data, payload) {
		return message.ErrVerifyMismatch
	}
	return nil
}

// CleanupOldMessages implements message.Transport. Stale temp files
// left by interrupted writes are removed too.
func (f *File) CleanupOldMessages(_ context.Context, maxAge time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, fmt.Errorf("list messages: %w", err)
	}

	cutoff := f.clock.Now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, fileExt) || strings.HasPrefix(name, ".tmp-")) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(f.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		f.logger.Debug("cleaned up old messages",
			slog.String("dir", f.dir),
			slog.Int("removed", removed),
		)
	}
	return removed, errors.Join(errs...)
}

// Available implements message.Transport.
func (f *File) Available() bool {
	info, err := os.Stat(f.dir)
	return err == nil && info.IsDir()
}
