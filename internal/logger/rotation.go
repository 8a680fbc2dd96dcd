package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const rotationStamp = "20060102-150405.000"

// RotationConfig configures a RotatingWriter
type RotationConfig struct {
	Path       string
	MaxBytes   int64 // rotate once the file would grow past this; 0 never rotates
	MaxAgeDays int   // rotated files older than this are removed; 0 keeps them
	Compress   bool
}

// RotatingWriter is a size-rotated log file. Concurrent runs log through it, hence the mutex.
type RotatingWriter struct {
	cfg RotationConfig

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewRotatingWriter opens cfg.Path for appending and prunes expired rotations
func NewRotatingWriter(cfg RotationConfig) (*RotatingWriter, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("log file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat log file: %w", err)
	}

	rw := &RotatingWriter{cfg: cfg, file: file, size: info.Size()}
	rw.cleanup()
	return rw, nil
}

// Write appends p, rotating first when p would overflow a non-empty file
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.cfg.MaxBytes > 0 && w.size > 0 && w.size+int64(len(p)) > w.cfg.MaxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the current log file
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	rotated := fmt.Sprintf("%s.%s", w.cfg.Path, time.Now().Format(rotationStamp))
	if err := os.Rename(w.cfg.Path, rotated); err != nil {
		return err
	}
	if w.cfg.Compress {
		if err := compressFile(rotated); err != nil {
			return err
		}
	}

	file, err := os.OpenFile(w.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	w.file = file
	w.size = 0

	w.cleanup()
	return nil
}

func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}

	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		dst.Close()
		return err
	}
	if err := gzw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// cleanup removes rotated files older than MaxAgeDays
func (w *RotatingWriter) cleanup() {
	if w.cfg.MaxAgeDays <= 0 {
		return
	}

	matches, err := filepath.Glob(w.cfg.Path + ".*")
	if err != nil {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -w.cfg.MaxAgeDays)
	for _, path := range matches {
		if !strings.HasPrefix(filepath.Base(path), filepath.Base(w.cfg.Path)+".") {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		os.Remove(path)
	}
}
