package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"hacoordinator/pkg/clock"
	"hacoordinator/pkg/coordinator"
)

// EntryState is the lifecycle state of a configured entry.
type EntryState string

const (
	EntrySetupInProgress EntryState = "setup_in_progress"
	EntryLoaded          EntryState = "loaded"
	EntrySetupRetry      EntryState = "setup_retry"
	EntrySetupError      EntryState = "setup_error"
)

// EntryStatus is a snapshot of one entry.
type EntryStatus struct {
	Name      string
	Type      string
	State     EntryState
	Reason    string
	Attempts  int
	NextRetry time.Time
}

var (
	// ErrUnknownEntry is returned for names that were never loaded.
	ErrUnknownEntry = errors.New("unknown integration entry")

	// ErrSupervisorStopped is returned by Load after Shutdown.
	ErrSupervisorStopped = errors.New("supervisor is shut down")
)

// NewSetupBackOff returns the default retry schedule for entries that are
// not ready: 5s doubling up to 80s with a little randomisation.
func NewSetupBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     5 * time.Second,
		RandomizationFactor: 0.1,
		Multiplier:          2,
		MaxInterval:         80 * time.Second,
	}
	b.Reset()
	return b
}

type entry struct {
	cfg         EntryConfig
	integration Integration
	state       EntryState
	reason      string
	attempts    int
	backoff     backoff.BackOff
	retryTimer  clock.Timer
	nextRetry   time.Time
	gen         uint64
	detach      []func()
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithSupervisorClock sets the clock used for retries and passed to
// integrations.
func WithSupervisorClock(c clock.Clock) SupervisorOption {
	return func(s *Supervisor) {
		s.clock = c
	}
}

// WithSetupBackOff replaces the retry schedule factory.
func WithSetupBackOff(newBackOff func() backoff.BackOff) SupervisorOption {
	return func(s *Supervisor) {
		s.newBackOff = newBackOff
	}
}

// WithCoordinatorOptions sets options applied to every coordinator.
func WithCoordinatorOptions(opts ...coordinator.Option) SupervisorOption {
	return func(s *Supervisor) {
		s.coordinatorOptions = append(s.coordinatorOptions, opts...)
	}
}

// LoadedHook runs when an entry finishes loading. The returned function, if
// any, runs when the entry is unloaded, before the integration itself.
type LoadedHook func(name string, coordinators []coordinator.Handle) (detach func())

// WithOnLoaded registers a hook that runs each time an entry finishes
// loading, including loads that succeed on a background retry.
func WithOnLoaded(hook LoadedHook) SupervisorOption {
	return func(s *Supervisor) {
		s.onLoaded = append(s.onLoaded, hook)
	}
}

// Supervisor owns the configured integrations. It runs setup, retries
// entries that are not ready, and unloads them on shutdown.
type Supervisor struct {
	registry           *Registry
	logger             *zap.Logger
	clock              clock.Clock
	newBackOff         func() backoff.BackOff
	coordinatorOptions []coordinator.Option
	onLoaded           []LoadedHook

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	stopped bool
}

// NewSupervisor creates a supervisor for types in registry.
func NewSupervisor(registry *Registry, logger *zap.Logger, opts ...SupervisorOption) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		registry:   registry,
		logger:     logger.Named("supervisor"),
		clock:      clock.NewRealClock(),
		newBackOff: NewSetupBackOff,
		ctx:        ctx,
		cancel:     cancel,
		entries:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load creates and sets up an entry. An entry that is not ready is kept in
// setup_retry and retried in the background; Load then returns nil. Unknown
// types, factory errors, auth failures and other setup errors are returned.
func (s *Supervisor) Load(ctx context.Context, cfg EntryConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("integration entry name cannot be empty")
	}
	if _, ok := s.registry.Get(cfg.Type); !ok {
		return fmt.Errorf("entry %s: unknown integration type %q", cfg.Name, cfg.Type)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSupervisorStopped
	}
	if _, exists := s.entries[cfg.Name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("entry %s is already loaded", cfg.Name)
	}
	e := &entry{
		cfg:     cfg,
		state:   EntrySetupInProgress,
		backoff: s.newBackOff(),
	}
	s.entries[cfg.Name] = e
	s.order = append(s.order, cfg.Name)
	s.mu.Unlock()

	return s.setup(ctx, e)
}

// LoadAll loads entries in order and joins the permanent failures.
func (s *Supervisor) LoadAll(ctx context.Context, cfgs []EntryConfig) error {
	var errs []error
	for _, cfg := range cfgs {
		if err := s.Load(ctx, cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) setup(ctx context.Context, e *entry) error {
	s.mu.Lock()
	e.attempts++
	attempt := e.attempts
	cfg := e.cfg
	s.mu.Unlock()

	info, _ := s.registry.Get(cfg.Type)
	logger := s.logger.With(zap.String("entry", cfg.Name), zap.String("type", cfg.Type))

	integ, err := info.Factory(&Context{
		Entry:              cfg,
		Logger:             s.logger.Named(cfg.Name),
		Clock:              s.clock,
		CoordinatorOptions: s.coordinatorOptions,
	})
	if err != nil {
		s.fail(e, EntrySetupError, err.Error())
		logger.Error("Failed to create integration", zap.Error(err))
		return fmt.Errorf("failed to create integration %s: %w", cfg.Name, err)
	}

	err = integ.Setup(ctx)
	if err == nil {
		s.mu.Lock()
		stale := s.stopped || s.entries[cfg.Name] != e
		if !stale {
			e.integration = integ
			e.state = EntryLoaded
			e.reason = ""
			e.nextRetry = time.Time{}
			e.backoff.Reset()
		}
		s.mu.Unlock()
		if stale {
			integ.Unload()
			return nil
		}
		handles := integ.Coordinators()
		logger.Info("Integration loaded",
			zap.Int("attempt", attempt),
			zap.Int("coordinators", len(handles)))
		var detach []func()
		for _, hook := range s.onLoaded {
			if d := hook(cfg.Name, handles); d != nil {
				detach = append(detach, d)
			}
		}
		s.mu.Lock()
		current := !s.stopped && s.entries[cfg.Name] == e && e.integration == integ
		if current {
			e.detach = detach
		}
		s.mu.Unlock()
		if !current {
			runDetach(detach)
		}
		return nil
	}

	integ.Unload()

	switch {
	case errors.Is(err, coordinator.ErrAuthFailed):
		s.fail(e, EntrySetupError, err.Error())
		logger.Error("Integration authentication failed; not retrying", zap.Error(err))
		return fmt.Errorf("failed to set up %s: %w", cfg.Name, err)
	case errors.Is(err, coordinator.ErrNotReady):
		delay := s.scheduleRetry(e, err)
		if attempt == 1 {
			logger.Warn("Integration not ready yet; retrying in background",
				zap.Error(err), zap.Duration("retry_in", delay))
		} else {
			logger.Debug("Integration still not ready",
				zap.Error(err), zap.Int("attempt", attempt), zap.Duration("retry_in", delay))
		}
		return nil
	default:
		s.fail(e, EntrySetupError, err.Error())
		logger.Error("Integration setup failed", zap.Error(err))
		return fmt.Errorf("failed to set up %s: %w", cfg.Name, err)
	}
}

func (s *Supervisor) fail(e *entry, state EntryState, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.state = state
	e.reason = reason
}

func (s *Supervisor) scheduleRetry(e *entry, cause error) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.entries[e.cfg.Name] != e {
		return 0
	}
	delay := e.backoff.NextBackOff()
	if delay == backoff.Stop {
		e.state = EntrySetupError
		e.reason = cause.Error()
		return 0
	}
	e.state = EntrySetupRetry
	e.reason = cause.Error()
	e.gen++
	gen := e.gen
	e.nextRetry = s.clock.Now().Add(delay)
	e.retryTimer = s.clock.AfterFunc(delay, func() { s.retry(e, gen) })
	return delay
}

func (s *Supervisor) retry(e *entry, gen uint64) {
	s.mu.Lock()
	if s.stopped || e.gen != gen || e.state != EntrySetupRetry || s.entries[e.cfg.Name] != e {
		s.mu.Unlock()
		return
	}
	e.state = EntrySetupInProgress
	e.retryTimer = nil
	e.nextRetry = time.Time{}
	s.mu.Unlock()

	_ = s.setup(s.ctx, e)
}

// Unload unloads one entry and forgets it.
func (s *Supervisor) Unload(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEntry, name)
	}
	delete(s.entries, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	teardown := s.detachLocked(e)
	s.mu.Unlock()

	teardown()
	s.logger.Info("Integration unloaded", zap.String("entry", name))
	return nil
}

// detachLocked stops any pending retry and takes the loaded integration
// out of e. The returned teardown runs the detach hooks and unloads it.
func (s *Supervisor) detachLocked(e *entry) (teardown func()) {
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.gen++
	integ, detach := e.integration, e.detach
	e.integration, e.detach = nil, nil
	return func() {
		runDetach(detach)
		if integ != nil {
			integ.Unload()
		}
	}
}

func runDetach(detach []func()) {
	for _, d := range detach {
		d()
	}
}

// Shutdown unloads every entry in reverse load order. Further Loads fail.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	var teardowns []func()
	loaded := 0
	for i := len(s.order) - 1; i >= 0; i-- {
		e := s.entries[s.order[i]]
		if e.integration != nil {
			loaded++
		}
		teardowns = append(teardowns, s.detachLocked(e))
	}
	s.entries = make(map[string]*entry)
	s.order = nil
	s.mu.Unlock()

	s.cancel()
	for _, teardown := range teardowns {
		teardown()
	}
	s.logger.Info("All integrations unloaded", zap.Int("count", loaded))
}

// Entries returns the status of every entry in load order.
func (s *Supervisor) Entries() []EntryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]EntryStatus, 0, len(s.order))
	for _, name := range s.order {
		e := s.entries[name]
		result = append(result, EntryStatus{
			Name:      e.cfg.Name,
			Type:      e.cfg.Type,
			State:     e.state,
			Reason:    e.reason,
			Attempts:  e.attempts,
			NextRetry: e.nextRetry,
		})
	}
	return result
}

// Coordinators returns the coordinators of all loaded entries.
func (s *Supervisor) Coordinators() []coordinator.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []coordinator.Handle
	for _, name := range s.order {
		if integ := s.entries[name].integration; integ != nil {
			result = append(result, integ.Coordinators()...)
		}
	}
	return result
}

// Coordinator finds a coordinator of a loaded entry by name.
func (s *Supervisor) Coordinator(name string) (coordinator.Handle, bool) {
	for _, h := range s.Coordinators() {
		if h.Name() == name {
			return h, true
		}
	}
	return nil, false
}

// SetScanInterval changes the interval of every coordinator of a loaded
// entry.
func (s *Supervisor) SetScanInterval(name string, d time.Duration) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	var integ Integration
	if ok {
		integ = e.integration
		e.cfg.ScanInterval = &d
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, name)
	}
	if integ == nil {
		return nil
	}
	for _, h := range integ.Coordinators() {
		h.SetInterval(d)
	}
	s.logger.Info("Scan interval changed", zap.String("entry", name), zap.Duration("interval", d))
	return nil
}

// ResetScanInterval drops the entry's scan_interval override and returns its
// coordinators to the default interval of the entry's type.
func (s *Supervisor) ResetScanInterval(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	var integ Integration
	var typ string
	if ok {
		integ = e.integration
		typ = e.cfg.Type
		e.cfg.ScanInterval = nil
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, name)
	}
	if integ == nil {
		return nil
	}
	info, _ := s.registry.Get(typ)
	for _, h := range integ.Coordinators() {
		h.SetInterval(info.DefaultScanInterval)
	}
	s.logger.Info("Scan interval reset to default",
		zap.String("entry", name), zap.Duration("interval", info.DefaultScanInterval))
	return nil
}
