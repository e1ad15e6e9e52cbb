package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// RotatingWriter is an io.WriteCloser that rolls its file over once it grows
// past maxSize, keeping at most maxBackups rotated copies.
type RotatingWriter struct {
	filename   string
	maxSize    int64
	maxBackups int
	compress   bool

	mu   sync.Mutex
	file *os.File
	size int64
	now  func() time.Time
}

// NewRotatingWriter opens (or creates) filename for appending.
// maxSize <= 0 disables rotation.
func NewRotatingWriter(filename string, maxSize int64, maxBackups int, compress bool) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	rw := &RotatingWriter{
		filename:   filename,
		maxSize:    maxSize,
		maxBackups: maxBackups,
		compress:   compress,
		now:        time.Now,
	}
	if err := rw.openFile(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) openFile() error {
	f, err := os.OpenFile(rw.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.file = f
	rw.size = st.Size()
	return nil
}

// Write implements io.Writer.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, os.ErrClosed
	}
	if rw.maxSize > 0 && rw.size > 0 && rw.size+int64(len(p)) > rw.maxSize {
		if err := rw.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log file: %w", err)
		}
	}
	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Close closes the current file.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}

func (rw *RotatingWriter) rotate() error {
	if err := rw.file.Close(); err != nil {
		return fmt.Errorf("close current file: %w", err)
	}
	rotated := fmt.Sprintf("%s.%s", rw.filename, rw.now().Format("20060102-150405.000000"))
	if err := os.Rename(rw.filename, rotated); err != nil {
		return fmt.Errorf("rename log file: %w", err)
	}
	if rw.compress {
		if err := gzipFile(rotated); err != nil {
			fmt.Fprintf(os.Stderr, "compress rotated log %s: %v\n", rotated, err)
		}
	}
	if err := rw.pruneBackups(); err != nil {
		fmt.Fprintf(os.Stderr, "prune rotated logs: %v\n", err)
	}
	return rw.openFile()
}

func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = zw.Close()
		_ = dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// backups lists rotated files, oldest first.
func (rw *RotatingWriter) backups() ([]string, error) {
	dir := filepath.Dir(rw.filename)
	prefix := filepath.Base(rw.filename) + "."
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			names = append(names, e.Name())
		}
	}
	// Timestamp suffixes sort lexically in creation order.
	sort.Strings(names)
	for i := range names {
		names[i] = filepath.Join(dir, names[i])
	}
	return names, nil
}

func (rw *RotatingWriter) pruneBackups() error {
	names, err := rw.backups()
	if err != nil {
		return err
	}
	if len(names) <= rw.maxBackups {
		return nil
	}
	for _, name := range names[:len(names)-rw.maxBackups] {
		if err := os.Remove(name); err != nil {
			return err
		}
	}
	return nil
}
