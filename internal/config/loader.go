package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadEnv loads the dotenv files that exist, without overriding variables
// already set in the environment. It returns how many files were loaded.
func LoadEnv(files ...string) (int, error) {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return 0, errors.Wrap(err, "load env files")
	}
	return len(existing), nil
}

// Loader builds the configuration from defaults, an optional YAML file and
// the environment, and watches the file for changes.
type Loader struct {
	path     string
	logger   *slog.Logger
	reloadMu sync.Mutex // one reload and its callbacks at a time
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
}

// NewLoader creates a Loader and performs the initial load. path may be
// empty, in which case only defaults and the environment apply.
func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{path: path, logger: logger}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file changes.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	if l.path == "" {
		return func() {}, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "config watcher")
	}
	// Watch the directory: editors often replace the file instead of writing it.
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "config watcher add %s", dir)
	}
	target := filepath.Clean(l.path)

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					if _, err := l.Reload(); err != nil {
						l.logger.Error("config reload failed, keeping previous config", "path", l.path, "err", err)
						continue
					}
					l.logger.Info("config reloaded", "path", l.path)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("config watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the config. An invalid config is
// rejected and the current one kept. Reloads and their callbacks never overlap.
func (l *Loader) Reload() (*Config, error) {
	l.reloadMu.Lock()
	defer l.reloadMu.Unlock()
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	cfg := Defaults()
	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", l.path)
		}
		// A file caught mid-write reads as empty.
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, errors.Errorf("config %s is empty", l.path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", l.path)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides file values with the environment variables that are set.
func applyEnv(cfg *Config) error {
	sections := []any{
		&cfg.Queue,
		&cfg.Redis,
		&cfg.Postgres,
		&cfg.Consumer,
		&cfg.Webhooks.WebhookDelivery,
		&cfg.Secret,
		&cfg.HTTP,
		&cfg.Log,
	}
	for _, s := range sections {
		if err := env.Parse(s); err != nil {
			return errors.Wrap(err, "parse environment")
		}
	}
	return nil
}
