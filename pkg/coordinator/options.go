package coordinator

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"hacoordinator/pkg/clock"
)

// DefaultRequestRefreshCooldown spaces out TriggerRefresh calls.
const DefaultRequestRefreshCooldown = 10 * time.Second

type settings struct {
	logger         *zap.Logger
	clock          clock.Clock
	interval       time.Duration
	cooldown       time.Duration
	jitter         time.Duration
	failureBackOff backoff.BackOff
	observers      []Observer
	reconcile      any
}

func defaultSettings() settings {
	return settings{
		logger:   zap.NewNop(),
		clock:    clock.NewRealClock(),
		cooldown: DefaultRequestRefreshCooldown,
	}
}

// Option configures a Coordinator.
type Option func(*settings)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *settings) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithInterval sets the polling interval. Zero means push mode: the
// coordinator never schedules itself.
func WithInterval(d time.Duration) Option {
	return func(s *settings) {
		s.interval = d
	}
}

// WithRequestRefreshCooldown sets the debounce window of TriggerRefresh.
// Zero disables debouncing.
func WithRequestRefreshCooldown(d time.Duration) Option {
	return func(s *settings) {
		s.cooldown = d
	}
}

// WithJitter adds a fixed random offset in [0, maxOffset) to every
// scheduled refresh of this coordinator.
func WithJitter(maxOffset time.Duration) Option {
	return func(s *settings) {
		s.jitter = maxOffset
	}
}

// WithFailureBackOff stretches the re-arm delay while fetches keep failing.
// The delay is the larger of the interval and b.NextBackOff(); b is reset on
// the next success.
func WithFailureBackOff(b backoff.BackOff) Option {
	return func(s *settings) {
		s.failureBackOff = b
	}
}

// WithObserver registers refresh observers, e.g. metrics.
func WithObserver(observers ...Observer) Option {
	return func(s *settings) {
		for _, o := range observers {
			if o != nil {
				s.observers = append(s.observers, o)
			}
		}
	}
}

// WithFailureBackOffFunc is WithFailureBackOff for options shared between
// coordinators: every coordinator built with it gets its own backoff.
func WithFailureBackOffFunc(newBackOff func() backoff.BackOff) Option {
	return func(s *settings) {
		s.failureBackOff = newBackOff()
	}
}

// WithReconcile sets fn to run on every successfully fetched value while it
// is stored, under the coordinator lock. Integrations that also push updates
// use it to fold in changes that arrived during the fetch. fn must not call
// back into the coordinator. T must match the coordinator's data type.
func WithReconcile[T any](fn func(fetched T) T) Option {
	return func(s *settings) {
		s.reconcile = fn
	}
}
