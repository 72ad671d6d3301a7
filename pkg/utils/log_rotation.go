package utils

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotationConfig holds configuration for log file rotation
type RotationConfig struct {
	// Filename is the active log file
	Filename string

	// MaxSize in bytes before the file is rotated (0 = never by size)
	MaxSize int64

	// MaxBackups is the number of rotated files kept (0 = keep all)
	MaxBackups int

	// Compress gzips rotated files
	Compress bool
}

// RotatingFile is a zapcore.WriteSyncer that rotates its file by size.
type RotatingFile struct {
	mu     sync.Mutex
	config RotationConfig
	file   *os.File
	size   int64
	now    func() time.Time
}

// NewRotatingFile opens config.Filename for appending, creating its directory.
func NewRotatingFile(config RotationConfig) (*RotatingFile, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	rf := &RotatingFile{config: config, now: time.Now}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

// Write appends p, rotating first when p would push the file past MaxSize.
func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return 0, os.ErrClosed
	}
	if rf.config.MaxSize > 0 && rf.size > 0 && rf.size+int64(len(p)) > rf.config.MaxSize {
		if err := rf.rotateLocked(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}
	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

// Sync flushes the active file
func (rf *RotatingFile) Sync() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file == nil {
		return nil
	}
	return rf.file.Sync()
}

// Close closes the active file
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}

// Rotate moves the active file aside and starts a new one
func (rf *RotatingFile) Rotate() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.rotateLocked()
}

func (rf *RotatingFile) open() error {
	if err := os.MkdirAll(filepath.Dir(rf.config.Filename), 0750); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(rf.config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	rf.file = f
	rf.size = info.Size()
	return nil
}

func (rf *RotatingFile) rotateLocked() error {
	if rf.file != nil {
		if err := rf.file.Close(); err != nil {
			return err
		}
		rf.file = nil
	}

	backup := rf.backupName(rf.now().UTC())
	if err := os.Rename(rf.config.Filename, backup); err != nil && !os.IsNotExist(err) {
		return err
	}
	if rf.config.Compress {
		if err := gzipFile(backup); err != nil {
			fmt.Fprintf(os.Stderr, "failed to compress log file %s: %v\n", backup, err)
		}
	}
	rf.prune()
	return rf.open()
}

// backupName is <name>-<UTC timestamp><ext> next to the active file.
func (rf *RotatingFile) backupName(t time.Time) string {
	dir, base := filepath.Split(rf.config.Filename)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", stem, t.Format("20060102T150405.000"), ext))
}

// backups lists rotated files, oldest first. Timestamped names sort in
// creation order.
func (rf *RotatingFile) backups() []string {
	dir, base := filepath.Split(rf.config.Filename)
	if dir == "" {
		dir = "."
	}
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext) + "-"

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		if strings.HasSuffix(name, ext) || strings.HasSuffix(name, ext+".gz") {
			names = append(names, filepath.Join(dir, name))
		}
	}
	sort.Strings(names)
	return names
}

func (rf *RotatingFile) prune() {
	if rf.config.MaxBackups <= 0 {
		return
	}
	names := rf.backups()
	for len(names) > rf.config.MaxBackups {
		if err := os.Remove(names[0]); err != nil {
			fmt.Fprintf(os.Stderr, "failed to remove old log %s: %v\n", names[0], err)
		}
		names = names[1:]
	}
}

func gzipFile(name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(name + ".gz")
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
	return os.Remove(name)
}
