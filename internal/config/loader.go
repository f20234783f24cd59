package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader owns a configuration file: it parses it, applies migrations
// and env overrides, and can hot-reload it on edit.
type Loader struct {
	path     string
	config   *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	ctx      context.Context
	cancel   context.CancelFunc
	errChan  chan error
}

// NewLoader creates a loader for the file at path. Nothing is read
// until Load.
func NewLoader(path string) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:    path,
		errChan: make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Load parses the file, applies env overrides and any pending
// migration, validates, and installs the result as current.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	if cfg.Version < Version {
		result, err := MigrateConfig(cfg, l.path)
		if err != nil {
			return nil, fmt.Errorf("migrate config: %w", err)
		}
		if result != nil {
			_ = SaveMigrationHistory(result)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l.config = cfg
	return cfg, nil
}

// Config returns the current configuration. Callers must not mutate it.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// OnChange registers a callback invoked after each successful reload.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Errors returns a channel carrying reload errors. Reads are optional;
// errors are dropped when nobody is listening.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Watch starts watching the configuration file for changes. Edits are
// debounced, then re-parsed and validated before replacing the current
// configuration. A file that fails to parse or validate leaves the
// running configuration untouched.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}

	// Watch the directory rather than the file. Editors replace files
	// by rename, which drops a watch on the file itself.
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config directory: %w", err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	base := filepath.Base(l.path)
	var debounce *time.Timer

	for {
		select {
		case <-l.ctx.Done():
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, l.reload)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.reportError(fmt.Errorf("config watcher: %w", err))
		}
	}
}

func (l *Loader) reload() {
	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		l.reportError(fmt.Errorf("reload config: %w", err))
		return
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		l.reportError(fmt.Errorf("reload config: %w", err))
		return
	}

	l.mu.Lock()
	l.config = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
}

func (l *Loader) reportError(err error) {
	select {
	case l.errChan <- err:
	default:
	}
}

// Close stops watching and releases resources.
func (l *Loader) Close() error {
	l.cancel()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher != nil {
		err := l.watcher.Close()
		l.watcher = nil
		return err
	}
	return nil
}

// loadConfigFromFile reads a configuration file, choosing the parser by
// extension. A missing file yields the defaults.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := DefaultConfig()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse TOML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse YAML config: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// autoDetectAndParse tries each supported format in turn.
func autoDetectAndParse(data []byte, cfg *Config) error {
	if err := toml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	return fmt.Errorf("config format not recognized (tried TOML, JSON, YAML)")
}

// LoadFromEnv builds a configuration purely from defaults and
// environment overrides, ignoring any file on disk.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreate loads the configuration at path, writing the default
// configuration there first when no file exists. The second return
// value reports whether a new file was created.
func LoadOrCreate(path string) (*Config, bool, error) {
	created := false

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		created = true
	}

	loader := NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, created, err
	}
	return cfg, created, nil
}
