package logging

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"forkd/internal/security"
)

// Rotator is an io.Writer over a log file that keeps numbered backups,
// newest first: forkd.log.1, forkd.log.2.gz and so on. Log files may carry
// keycodes, so they are created private to the user.
type Rotator struct {
	path    string
	limit   int64
	backups int
	maxAge  time.Duration
	gzip    bool

	mu     sync.Mutex
	f      *os.File
	size   int64
	opened time.Time

	// compression of .1 runs in the background; rotation and Close wait for it.
	pending sync.WaitGroup
}

// NewRotator opens cfg.FilePath for appending. A missing directory is
// created private; an existing one is left alone.
func NewRotator(cfg *Config) (*Rotator, error) {
	r := &Rotator{
		path:    cfg.FilePath,
		limit:   cfg.MaxSize << 20,
		backups: cfg.MaxBackups,
		maxAge:  time.Duration(cfg.MaxAge) * 24 * time.Hour,
		gzip:    cfg.Compress,
	}
	if err := os.MkdirAll(filepath.Dir(r.path), security.PermPrivateDir); err != nil {
		return nil, fmt.Errorf("log directory: %w", err)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, security.PermPrivateFile)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("open log: %w", err)
	}
	r.f, r.size, r.opened = f, st.Size(), time.Now()
	return nil
}

func (r *Rotator) Write(p []byte) (int, error) {
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

// due reports whether writing n more bytes needs a fresh file. A file that
// is still empty is never rotated, however large the write.
func (r *Rotator) due(n int) bool {
	if r.size == 0 {
		return false
	}
	if r.limit > 0 && r.size+int64(n) > r.limit {
		return true
	}
	now := time.Now()
	return now.YearDay() != r.opened.YearDay() || now.Year() != r.opened.Year()
}

// Rotate forces a rotation, as on SIGHUP.
func (r *Rotator) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotate()
}

func (r *Rotator) rotate() error {
	if r.f != nil {
		if err := r.f.Close(); err != nil {
			return err
		}
		r.f = nil
	}
	r.pending.Wait()

	if err := r.shift(); err != nil {
		return err
	}
	if err := r.open(); err != nil {
		return err
	}
	if r.gzip && r.backups > 0 {
		r.pending.Add(1)
		go func() {
			defer r.pending.Done()
			_ = compress(r.backupName(1, false))
		}()
	}
	return nil
}

// shift renumbers backups one step up, dropping what falls past the limit
// or has aged out, then moves the live file to .1.
func (r *Rotator) shift() error {
	found, err := r.scan()
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-r.maxAge)
	for i := len(found) - 1; i >= 0; i-- {
		b := found[i]
		if b.index >= r.backups || (r.maxAge > 0 && b.mod.Before(cutoff)) {
			if err := os.Remove(b.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			continue
		}
		if err := os.Rename(b.path, r.backupName(b.index+1, b.gz)); err != nil {
			return err
		}
	}
	if r.backups <= 0 {
		err = os.Remove(r.path)
	} else {
		err = os.Rename(r.path, r.backupName(1, false))
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

type backup struct {
	path  string
	index int
	gz    bool
	mod   time.Time
}

// scan lists existing backups ordered by index.
func (r *Rotator) scan() ([]backup, error) {
	entries, err := os.ReadDir(filepath.Dir(r.path))
	if err != nil {
		return nil, err
	}
	prefix := filepath.Base(r.path) + "."
	var out []backup
	for _, e := range entries {
		name, ok := strings.CutPrefix(e.Name(), prefix)
		if !ok || e.IsDir() {
			continue
		}
		num, gz := strings.CutSuffix(name, ".gz")
		idx, err := strconv.Atoi(num)
		if err != nil || idx < 1 {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, backup{
			path:  filepath.Join(filepath.Dir(r.path), e.Name()),
			index: idx,
			gz:    gz,
			mod:   info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out, nil
}

func (r *Rotator) backupName(i int, gz bool) string {
	name := r.path + "." + strconv.Itoa(i)
	if gz {
		name += ".gz"
	}
	return name
}

// compress replaces path with path.gz.
func compress(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := security.CreateAtomic(path+".gz", security.PermPrivateFile)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(path)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Abort()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Abort()
		return err
	}
	if err := out.Commit(); err != nil {
		return err
	}
	return os.Remove(path)
}

// Close waits for background compression and closes the live file.
func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending.Wait()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

func (r *Rotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	return r.f.Sync()
}

// Files returns the live log followed by its backups, newest first.
func (r *Rotator) Files() ([]string, error) {
	found, err := r.scan()
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(found)+1)
	files = append(files, r.path)
	for _, b := range found {
		files = append(files, b.path)
	}
	return files, nil
}
