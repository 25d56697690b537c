package coordinator

import (
	"context"
	"sync"
	"time"
)

// State is the refresh state of a coordinator.
type State string

const (
	StateIdle       State = "idle"
	StateRefreshing State = "refreshing"
	StateShutdown   State = "shutdown"
)

// Trigger says what started a refresh.
type Trigger string

const (
	TriggerFirstRefresh Trigger = "first_refresh"
	TriggerScheduled    Trigger = "scheduled"
	TriggerRequested    Trigger = "requested"
)

// Status is a point-in-time snapshot of a coordinator.
type Status struct {
	Name                  string
	State                 State
	Interval              time.Duration
	FirstRefreshDone      bool
	LastUpdateSuccess     bool
	LastUpdateSuccessTime time.Time
	LastError             string
	ConsecutiveFailures   int
	Listeners             int
	NextRefresh           time.Time
}

// Handle is the type-erased view of a Coordinator used by code that does not
// know the data type, such as the HTTP API and output sinks.
type Handle interface {
	Name() string
	Status() Status
	// Value returns the cached data and whether a refresh has ever succeeded.
	Value() (any, bool)
	RequestRefresh(ctx context.Context) error
	TriggerRefresh()
	SetInterval(d time.Duration)
	AddListener(cb func()) Subscription
}

// Observer receives refresh outcomes and listener counts. Implementations
// must not block.
type Observer interface {
	RefreshFinished(name string, trigger Trigger, elapsed time.Duration, err error)
	ListenersChanged(name string, count int)
}

// Subscription removes a listener. Unsubscribe is safe to call more than once.
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	once   sync.Once
	remove func()
}

func (s *subscription) Unsubscribe() {
	s.once.Do(s.remove)
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() {}
