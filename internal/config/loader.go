package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// settle is how long the file must stay quiet after a change before it is
// reread; editors often write a file in several steps.
const settle = 100 * time.Millisecond

type decoder func(data []byte, cfg *Config) error

func decodeTOML(data []byte, cfg *Config) error {
	_, err := toml.NewDecoder(bytes.NewReader(data)).Decode(cfg)
	return err
}

func decodeJSON(data []byte, cfg *Config) error {
	if err := ValidateJSON(data); err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

func decodeYAML(data []byte, cfg *Config) error {
	return yaml.Unmarshal(data, cfg)
}

var decoders = map[string]decoder{
	".toml": decodeTOML,
	".json": decodeJSON,
	".yaml": decodeYAML,
	".yml":  decodeYAML,
}

// parse decodes data over the defaults. Files without a known extension
// are tried as TOML, then YAML, then JSON.
func parse(path string, data []byte) (*Config, error) {
	if dec, ok := decoders[strings.ToLower(filepath.Ext(path))]; ok {
		cfg := DefaultConfig()
		if err := dec(data, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		return cfg, nil
	}
	for _, dec := range []decoder{decodeTOML, decodeYAML, decodeJSON} {
		cfg := DefaultConfig()
		if dec(data, cfg) == nil {
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("%s: not TOML, YAML or JSON", filepath.Base(path))
}

// read parses path, applies FORKD_* overrides and validates. A missing
// file stands for the defaults.
func read(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if cfg, err = parse(path, data); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// Loader owns the current configuration of a file and can follow edits
// to it.
type Loader struct {
	path string

	mu        sync.RWMutex
	current   *Config
	listeners []func(*Config)

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
	errs    chan error
}

func NewLoader(path string) *Loader {
	return &Loader{
		path: path,
		done: make(chan struct{}),
		errs: make(chan error, 1),
	}
}

func (l *Loader) Path() string { return l.path }

// Load reads the file and makes it current.
func (l *Loader) Load() (*Config, error) {
	cfg, err := read(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config is the configuration of the last successful Load or Reload.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers fn to run after every successful Reload.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Reload rereads the file. A file that fails to load leaves the current
// configuration in place and notifies no one.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := read(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	listeners := slices.Clone(l.listeners)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
	return cfg, nil
}

// Watch reloads the file whenever it changes on disk. The directory is
// watched rather than the file so that editors that replace the file are
// followed.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(l.path), err)
	}
	l.watcher = w
	go l.follow(w)
	return nil
}

func (l *Loader) follow(w *fsnotify.Watcher) {
	name := filepath.Clean(l.path)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == name && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(settle)
			}
		case <-timer.C:
			if _, err := l.Reload(); err != nil {
				l.report(fmt.Errorf("reload config: %w", err))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

// report hands err to Errors, dropping it if the last one is still unread.
func (l *Loader) report(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

// Errors delivers reload and watch failures.
func (l *Loader) Errors() <-chan error { return l.errs }

// Close stops watching.
func (l *Loader) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		if l.watcher != nil {
			err = l.watcher.Close()
		}
	})
	return err
}
