package config

import (
	"fmt"
	"os"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"hacoordinator/pkg/clock"
)

// ChangeFunc receives the previous and the newly loaded configuration.
type ChangeFunc func(prev, next *Config)

// Loader reads config.yaml and optionally re-reads it on an interval.
type Loader struct {
	path   string
	logger *zap.Logger
	clock  clock.Clock

	mu       sync.Mutex
	current  *Config
	timer    clock.Timer
	onChange ChangeFunc
	stopped  bool
}

// NewLoader creates a loader for the file at path.
func NewLoader(path string, logger *zap.Logger, c clock.Clock) *Loader {
	if c == nil {
		c = clock.NewRealClock()
	}
	return &Loader{
		path:   path,
		logger: logger.Named("config"),
		clock:  c,
	}
}

// Load reads, parses and validates the file and makes it current.
func (l *Loader) Load() (*Config, error) {
	l.logger.Debug("Loading config", zap.String("path", l.path))

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()

	l.logger.Info("Config loaded",
		zap.String("path", l.path),
		zap.Int("integrations", len(cfg.Integrations)))
	return cfg, nil
}

// Current returns the last successfully loaded config.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// StartAutoReload re-reads the file every reload_interval of the current
// config. onChange runs when the reloaded config differs from the previous
// one. A broken file is logged and the previous config stays current.
func (l *Loader) StartAutoReload(onChange ChangeFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current == nil || l.current.ReloadInterval <= 0 {
		l.logger.Info("Config auto-reload disabled")
		return
	}
	l.onChange = onChange
	l.logger.Info("Starting config auto-reload",
		zap.Duration("interval", l.current.ReloadInterval))
	l.armLocked()
}

func (l *Loader) armLocked() {
	if l.stopped || l.current.ReloadInterval <= 0 {
		l.timer = nil
		return
	}
	l.timer = l.clock.AfterFunc(l.current.ReloadInterval, l.reload)
}

func (l *Loader) reload() {
	prev := l.Current()

	next, err := l.Load()
	if err != nil {
		l.logger.Error("Failed to auto-reload config", zap.Error(err))
	} else if !reflect.DeepEqual(prev, next) {
		l.mu.Lock()
		onChange := l.onChange
		l.mu.Unlock()
		if onChange != nil {
			onChange(prev, next)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.armLocked()
}

// Stop ends auto-reload.
func (l *Loader) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}
