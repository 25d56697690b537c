// Package coordinator implements the update coordinator: a generic poller
// that fetches data for a group of entities, caches the last good result and
// notifies every listener after each refresh.
//
// A Coordinator runs at most one fetch at a time. Concurrent refresh requests
// join the fetch already in flight and receive its outcome. The periodic
// timer is armed lazily when the first listener registers, re-armed exactly
// once after every refresh, and cancelled when the last listener leaves. An
// interval of zero puts the coordinator in push mode, where data only changes
// through RequestRefresh or SetUpdatedData.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"hacoordinator/pkg/clock"
)

// refreshKey is the single singleflight key; one coordinator has one fetch.
const refreshKey = "refresh"

// FetchFunc retrieves fresh data. It owns its own timeouts; an error is
// recorded as a failed refresh and never clears the cached data.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Coordinator polls a FetchFunc and fans the result out to listeners.
type Coordinator[T any] struct {
	name           string
	fetch          FetchFunc[T]
	logger         *zap.Logger
	clock          clock.Clock
	observers      []Observer
	failureBackOff backoff.BackOff
	reconcile      func(T) T
	offset         time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	group     singleflight.Group
	debouncer *Debouncer
	ready     chan struct{}
	waiting   atomic.Int64

	mu                    sync.RWMutex
	data                  T
	interval              time.Duration
	state                 State
	firstRefreshDone      bool
	lastUpdateSuccess     bool
	lastUpdateSuccessTime time.Time
	lastErr               error
	failures              int
	retryAfter            time.Duration
	failureDelay          time.Duration
	listeners             map[uint64]func()
	nextListenerID        uint64
	timer                 clock.Timer
	timerGen              uint64
	nextRefresh           time.Time
}

var _ Handle = (*Coordinator[struct{}])(nil)

// New creates a coordinator. Nothing is fetched until FirstRefresh,
// RequestRefresh or the first listener's timer.
func New[T any](name string, fetch FetchFunc[T], opts ...Option) (*Coordinator[T], error) {
	if name == "" {
		return nil, fmt.Errorf("coordinator name cannot be empty")
	}
	if fetch == nil {
		return nil, fmt.Errorf("coordinator %s: fetch function cannot be nil", name)
	}

	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	if s.interval < 0 {
		return nil, fmt.Errorf("coordinator %s: refresh interval cannot be negative", name)
	}
	var reconcile func(T) T
	if s.reconcile != nil {
		fn, ok := s.reconcile.(func(T) T)
		if !ok {
			return nil, fmt.Errorf("coordinator %s: reconcile function has type %T, want %T", name, s.reconcile, reconcile)
		}
		reconcile = fn
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator[T]{
		name:              name,
		fetch:             fetch,
		logger:            s.logger.With(zap.String("coordinator", name)),
		clock:             s.clock,
		observers:         s.observers,
		failureBackOff:    s.failureBackOff,
		reconcile:         reconcile,
		ctx:               ctx,
		cancel:            cancel,
		ready:             make(chan struct{}),
		interval:          s.interval,
		state:             StateIdle,
		lastUpdateSuccess: true,
		listeners:         make(map[uint64]func()),
	}
	if s.jitter > 0 {
		c.offset = rand.N(s.jitter)
	}
	c.debouncer = NewDebouncer(s.clock, s.cooldown, func() {
		_ = c.refresh(context.Background(), TriggerRequested)
	})
	return c, nil
}

// Name returns the coordinator name.
func (c *Coordinator[T]) Name() string {
	return c.name
}

// Data returns the cached data and whether any refresh has succeeded yet.
// The value is shared with every listener and must not be modified.
func (c *Coordinator[T]) Data() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data, c.firstRefreshDone
}

// Value implements Handle.
func (c *Coordinator[T]) Value() (any, bool) {
	data, ok := c.Data()
	return data, ok
}

// LastError returns the error of the most recent failed refresh, or nil
// after a success.
func (c *Coordinator[T]) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Interval returns the current polling interval.
func (c *Coordinator[T]) Interval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.interval
}

// Status returns a snapshot of the coordinator.
func (c *Coordinator[T]) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		Name:                  c.name,
		State:                 c.state,
		Interval:              c.interval,
		FirstRefreshDone:      c.firstRefreshDone,
		LastUpdateSuccess:     c.lastUpdateSuccess,
		LastUpdateSuccessTime: c.lastUpdateSuccessTime,
		ConsecutiveFailures:   c.failures,
		Listeners:             len(c.listeners),
		NextRefresh:           c.nextRefresh,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// FirstRefresh performs the setup-time refresh. A failed fetch comes back as
// a *NotReadyError, except authentication failures which are returned as is
// so the caller can stop retrying.
func (c *Coordinator[T]) FirstRefresh(ctx context.Context) error {
	err := c.refresh(ctx, TriggerFirstRefresh)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrShutdown), errors.Is(err, ErrAuthFailed):
		return err
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return err
	default:
		return &NotReadyError{Coordinator: c.name, Err: err}
	}
}

// WaitReady blocks until the first successful refresh.
func (c *Coordinator[T]) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.ctx.Done():
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestRefresh fetches now, or joins the fetch already in flight, and
// waits for its outcome. The periodic countdown restarts when the refresh
// completes. If ctx ends first the refresh keeps running.
func (c *Coordinator[T]) RequestRefresh(ctx context.Context) error {
	return c.refresh(ctx, TriggerRequested)
}

// TriggerRefresh requests a refresh without waiting. Requests are debounced
// by the request cooldown.
func (c *Coordinator[T]) TriggerRefresh() {
	c.debouncer.Call()
}

// SetInterval changes the polling interval. An armed timer keeps its
// deadline; the new interval applies from the next re-arm. Zero switches to
// push mode.
func (c *Coordinator[T]) SetInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateShutdown || c.interval == d {
		return
	}
	c.interval = d
	c.logger.Debug("Refresh interval changed", zap.Duration("interval", d))
	if c.timer == nil && c.state == StateIdle {
		c.scheduleLocked()
	}
}

// AddListener registers cb to run after every refresh. The first listener
// arms the periodic timer.
func (c *Coordinator[T]) AddListener(cb func()) Subscription {
	if cb == nil {
		return noopSubscription{}
	}

	c.mu.Lock()
	if c.state == StateShutdown {
		c.mu.Unlock()
		return noopSubscription{}
	}
	id := c.nextListenerID
	c.nextListenerID++
	first := len(c.listeners) == 0
	c.listeners[id] = cb
	if first && c.timer == nil && c.state == StateIdle {
		c.scheduleLocked()
	}
	count := len(c.listeners)
	c.mu.Unlock()

	c.observeListeners(count)
	return &subscription{remove: func() { c.removeListener(id) }}
}

func (c *Coordinator[T]) removeListener(id uint64) {
	c.mu.Lock()
	if _, ok := c.listeners[id]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.listeners, id)
	if len(c.listeners) == 0 {
		c.unscheduleLocked()
	}
	count := len(c.listeners)
	c.mu.Unlock()

	c.observeListeners(count)
}

// SetUpdatedData stores data pushed by the integration as a successful
// refresh, restarts the countdown and notifies listeners.
func (c *Coordinator[T]) SetUpdatedData(data T) {
	c.storePushed(func(T, bool) (T, bool) { return data, true })
}

// UpdateData replaces the cached data with fn(current) in one step, so
// concurrent pushes cannot overwrite each other. It behaves like
// SetUpdatedData and reports false without calling fn when there is no data
// yet. fn must not call back into the coordinator.
func (c *Coordinator[T]) UpdateData(fn func(current T) T) bool {
	return c.storePushed(func(current T, ok bool) (T, bool) {
		if !ok {
			return current, false
		}
		return fn(current), true
	})
}

func (c *Coordinator[T]) storePushed(next func(current T, ok bool) (T, bool)) bool {
	c.mu.Lock()
	if c.state == StateShutdown {
		c.mu.Unlock()
		return false
	}
	data, ok := next(c.data, c.firstRefreshDone)
	if !ok {
		c.mu.Unlock()
		return false
	}
	wasSuccessful := c.lastUpdateSuccess
	c.data = data
	c.recordSuccessLocked()
	listeners := c.snapshotListenersLocked()
	if c.state == StateIdle {
		c.scheduleLocked()
	}
	c.mu.Unlock()

	c.debouncer.Cancel()
	if !wasSuccessful {
		c.logger.Info("Fetching data recovered")
	}
	c.notify(listeners)
	return true
}

// SetUpdateError records a failure reported outside the fetch function, for
// example a dropped push connection. Cached data is kept.
func (c *Coordinator[T]) SetUpdateError(err error) {
	if err == nil {
		return
	}

	c.mu.Lock()
	if c.state == StateShutdown {
		c.mu.Unlock()
		return
	}
	wasSuccessful := c.lastUpdateSuccess
	c.recordFailureLocked(err)
	failures := c.failures
	listeners := c.snapshotListenersLocked()
	c.mu.Unlock()

	c.logFailure(err, wasSuccessful, failures)
	c.notify(listeners)
}

// UpdateListeners notifies every listener without fetching.
func (c *Coordinator[T]) UpdateListeners() {
	c.mu.RLock()
	listeners := c.snapshotListenersLocked()
	c.mu.RUnlock()

	c.notify(listeners)
}

// Shutdown cancels the timer, drops all listeners and cancels the context
// passed to the fetch function. It is safe to call more than once.
func (c *Coordinator[T]) Shutdown() {
	c.mu.Lock()
	if c.state == StateShutdown {
		c.mu.Unlock()
		return
	}
	c.state = StateShutdown
	c.unscheduleLocked()
	c.listeners = make(map[uint64]func())
	c.mu.Unlock()

	c.debouncer.Stop()
	c.cancel()
	c.observeListeners(0)
	c.logger.Debug("Coordinator shut down")
}

// refresh runs or joins the single in-flight refresh and waits for it.
func (c *Coordinator[T]) refresh(ctx context.Context, trigger Trigger) error {
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return nil, c.runRefresh(trigger)
	})
	c.waiting.Add(1)
	defer c.waiting.Add(-1)

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runRefresh is one refresh cycle. It never panics: singleflight would
// re-raise the panic on a fresh goroutine and take the process down.
func (c *Coordinator[T]) runRefresh(trigger Trigger) (err error) {
	c.mu.Lock()
	if c.state == StateShutdown {
		c.mu.Unlock()
		return ErrShutdown
	}
	c.state = StateRefreshing
	c.unscheduleLocked()
	c.mu.Unlock()

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err = fmt.Errorf("refresh of %s panicked: %v", c.name, r)
		c.logger.Error("Unexpected error in refresh cycle", zap.Any("panic", r), zap.Stack("stack"))

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == StateShutdown {
			return
		}
		c.recordFailureLocked(err)
		c.state = StateIdle
		c.scheduleLocked()
	}()

	start := c.clock.Now()
	data, fetchErr := c.safeFetch()
	elapsed := c.clock.Since(start)

	c.mu.Lock()
	if c.state == StateShutdown {
		c.mu.Unlock()
		return ErrShutdown
	}
	wasSuccessful := c.lastUpdateSuccess
	if fetchErr == nil {
		c.data = c.safeReconcile(data)
		c.recordSuccessLocked()
	} else {
		c.recordFailureLocked(fetchErr)
	}
	failures := c.failures
	c.state = StateIdle
	listeners := c.snapshotListenersLocked()
	c.mu.Unlock()

	// The outcome is stored. Requests made from here on, including ones
	// from listeners below, start a new cycle instead of joining this one.
	c.group.Forget(refreshKey)

	c.logger.Debug("Finished fetching data",
		zap.String("trigger", string(trigger)),
		zap.Duration("elapsed", elapsed),
		zap.Bool("success", fetchErr == nil))
	if fetchErr != nil {
		c.logFailure(fetchErr, wasSuccessful, failures)
	} else if !wasSuccessful {
		c.logger.Info("Fetching data recovered")
	}
	c.observeRefresh(trigger, elapsed, fetchErr)
	c.notify(listeners)

	c.mu.Lock()
	if c.state == StateIdle {
		c.scheduleLocked()
	}
	c.mu.Unlock()

	return fetchErr
}

func (c *Coordinator[T]) safeFetch() (data T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch panicked: %v", r)
		}
	}()
	return c.fetch(c.ctx)
}

// safeReconcile runs under c.mu, so a panic must not escape it. The fetched
// value is stored unchanged in that case.
func (c *Coordinator[T]) safeReconcile(fetched T) (data T) {
	if c.reconcile == nil {
		return fetched
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Reconcile panicked", zap.Any("panic", r))
			data = fetched
		}
	}()
	return c.reconcile(fetched)
}

func (c *Coordinator[T]) recordSuccessLocked() {
	c.lastUpdateSuccess = true
	c.lastUpdateSuccessTime = c.clock.Now()
	c.lastErr = nil
	c.failures = 0
	c.retryAfter = 0
	c.failureDelay = 0
	if c.failureBackOff != nil {
		c.failureBackOff.Reset()
	}
	if !c.firstRefreshDone {
		c.firstRefreshDone = true
		close(c.ready)
	}
}

func (c *Coordinator[T]) recordFailureLocked(err error) {
	c.lastUpdateSuccess = false
	c.lastErr = err
	c.failures++

	var updateFailed *UpdateFailedError
	if errors.As(err, &updateFailed) && updateFailed.RetryAfter > 0 {
		c.retryAfter = updateFailed.RetryAfter
	}
	if c.failureBackOff != nil {
		if next := c.failureBackOff.NextBackOff(); next != backoff.Stop {
			c.failureDelay = next
		}
	}
}

func (c *Coordinator[T]) logFailure(err error, wasSuccessful bool, failures int) {
	if wasSuccessful {
		c.logger.Error("Error fetching data", zap.Error(err))
		return
	}
	c.logger.Debug("Error fetching data", zap.Error(err), zap.Int("consecutive_failures", failures))
}

// scheduleLocked replaces any armed timer with one for the next refresh.
// Nothing is armed in push mode, without listeners, or after shutdown.
func (c *Coordinator[T]) scheduleLocked() {
	c.unscheduleLocked()
	if c.interval <= 0 || len(c.listeners) == 0 || c.state == StateShutdown {
		return
	}

	delay := c.interval
	if c.retryAfter > 0 {
		delay = c.retryAfter
		c.retryAfter = 0
	} else if c.failureDelay > delay {
		delay = c.failureDelay
	}
	delay += c.offset

	gen := c.timerGen
	c.nextRefresh = c.clock.Now().Add(delay)
	c.timer = c.clock.AfterFunc(delay, func() { c.handleTimer(gen) })
}

func (c *Coordinator[T]) unscheduleLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.nextRefresh = time.Time{}
	c.timerGen++
}

// handleTimer runs a scheduled refresh unless the timer was superseded.
func (c *Coordinator[T]) handleTimer(gen uint64) {
	c.mu.Lock()
	if gen != c.timerGen || c.state == StateShutdown {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	_ = c.refresh(context.Background(), TriggerScheduled)
}

func (c *Coordinator[T]) snapshotListenersLocked() []func() {
	listeners := make([]func(), 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	return listeners
}

func (c *Coordinator[T]) notify(listeners []func()) {
	for _, l := range listeners {
		c.invokeListener(l)
	}
}

func (c *Coordinator[T]) invokeListener(l func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Listener panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	l()
}

func (c *Coordinator[T]) observeRefresh(trigger Trigger, elapsed time.Duration, err error) {
	for _, o := range c.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warn("Observer panicked", zap.Any("panic", r))
				}
			}()
			o.RefreshFinished(c.name, trigger, elapsed, err)
		}()
	}
}

func (c *Coordinator[T]) observeListeners(count int) {
	for _, o := range c.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warn("Observer panicked", zap.Any("panic", r))
				}
			}()
			o.ListenersChanged(c.name, count)
		}()
	}
}
