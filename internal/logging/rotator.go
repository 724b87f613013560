package logging

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

// RotatorConfig configures a FileRotator.
type RotatorConfig struct {
	Path string
	// MaxSize in megabytes; zero disables size rotation.
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
}

// FileRotator is an io.Writer that rotates its file once it grows past
// MaxSize. Rotated files are named <name>-<timestamp><ext>.
type FileRotator struct {
	cfg  RotatorConfig
	mu   sync.Mutex
	file *os.File
	size int64
	// wg tracks background compression and cleanup.
	wg sync.WaitGroup
}

// NewFileRotator opens cfg.Path for appending, creating its directory.
func NewFileRotator(cfg RotatorConfig) (*FileRotator, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	r := &FileRotator{cfg: cfg}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	file, err := os.OpenFile(r.cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = file
	r.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if max := r.cfg.MaxSize * 1024 * 1024; max > 0 && r.size > 0 && r.size+int64(len(p)) > max {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	name, ext := r.parts()
	rotated := filepath.Join(filepath.Dir(r.cfg.Path),
		fmt.Sprintf("%s-%s%s", name, time.Now().Format("20060102-150405.000"), ext))
	if err := os.Rename(r.cfg.Path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if r.cfg.Compress {
			compress(rotated)
		}
		r.cleanup()
	}()
	return nil
}

func (r *FileRotator) parts() (name, ext string) {
	base := filepath.Base(r.cfg.Path)
	ext = filepath.Ext(base)
	return strings.TrimSuffix(base, ext), ext
}

func compress(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)

	_, err = io.Copy(gz, in)
	if cerr := gz.Close(); err == nil {
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

// Backups returns the rotated files, oldest first.
func (r *FileRotator) Backups() ([]string, error) {
	name, ext := r.parts()
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(r.cfg.Path), name+"-*"+ext+"*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (r *FileRotator) cleanup() {
	files, err := r.Backups()
	if err != nil {
		return
	}

	if r.cfg.MaxBackups > 0 && len(files) > r.cfg.MaxBackups {
		for _, f := range files[:len(files)-r.cfg.MaxBackups] {
			os.Remove(f)
		}
		files = files[len(files)-r.cfg.MaxBackups:]
	}
	if r.cfg.MaxAge > 0 {
		cutoff := time.Now().AddDate(0, 0, -r.cfg.MaxAge)
		for _, f := range files {
			if info, err := os.Stat(f); err == nil && info.ModTime().Before(cutoff) {
				os.Remove(f)
			}
		}
	}
}

// Close waits for background work and closes the file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wg.Wait()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
