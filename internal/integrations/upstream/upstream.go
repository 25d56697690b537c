// Package upstream mirrors the entity states of another Home Assistant
// instance. It runs in push mode: the first refresh reads every state, then
// state_changed events update the cache without polling.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"sync"

	"go.uber.org/zap"

	"hacoordinator/internal/ha"
	"hacoordinator/pkg/coordinator"
	"hacoordinator/pkg/integration"
)

// DefaultTokenEnv is read when the entry has no inline token.
const DefaultTokenEnv = "HA_TOKEN"

// Source is the upstream connection.
type Source interface {
	Connect(ctx context.Context) error
	Disconnect() error
	GetAllStates(ctx context.Context) ([]ha.State, error)
	OnStateChanged(h ha.StateChangeHandler)
	OnConnectionLost(f func(error))
	OnConnectionRestored(f func())
}

// Snapshot maps entity IDs to their last known state.
type Snapshot map[string]ha.State

// Options is the options block of an upstream entry.
type Options struct {
	URL      string   `yaml:"url"`
	Token    string   `yaml:"token"`
	TokenEnv string   `yaml:"token_env"`
	Entities []string `yaml:"entities"`
}

func (o *Options) resolveToken() error {
	if o.URL == "" {
		return fmt.Errorf("url is required")
	}
	if o.Token != "" {
		return nil
	}
	if o.TokenEnv == "" {
		o.TokenEnv = DefaultTokenEnv
	}
	o.Token = os.Getenv(o.TokenEnv)
	if o.Token == "" {
		return fmt.Errorf("no token configured and %s is empty", o.TokenEnv)
	}
	return nil
}

// Integration mirrors one upstream instance.
type Integration struct {
	name   string
	logger *zap.Logger
	source Source
	filter map[string]bool
	coord  *coordinator.Coordinator[Snapshot]

	// eventMu guards the journal of events received while a resync is in
	// flight. They are replayed onto the fresh snapshot when it is stored.
	eventMu   sync.Mutex
	resyncing bool
	journal   []ha.StateChangedEvent
}

// New is the integration.Factory for type "upstream".
func New(ctx *integration.Context) (integration.Integration, error) {
	var opts Options
	if err := ctx.DecodeOptions(&opts); err != nil {
		return nil, err
	}
	if err := opts.resolveToken(); err != nil {
		return nil, fmt.Errorf("upstream entry %s: %w", ctx.Entry.Name, err)
	}
	return NewWithSource(ctx, opts, ha.NewClient(opts.URL, opts.Token, ctx.Logger))
}

// NewWithSource builds the integration on an existing connection.
func NewWithSource(ctx *integration.Context, opts Options, source Source) (*Integration, error) {
	u := &Integration{
		name:   ctx.Entry.Name,
		logger: ctx.Logger,
		source: source,
	}
	if len(opts.Entities) > 0 {
		u.filter = make(map[string]bool, len(opts.Entities))
		for _, id := range opts.Entities {
			u.filter[id] = true
		}
	}

	// Push mode unless the entry asks for a periodic resync.
	coord, err := coordinator.New(ctx.CoordinatorName(""), u.fetch,
		ctx.Options(0, coordinator.WithReconcile(u.replayJournal))...)
	if err != nil {
		return nil, err
	}
	u.coord = coord
	return u, nil
}

// Register adds the upstream type to r.
func Register(r *integration.Registry) error {
	return r.Register(integration.TypeInfo{
		Type:        "upstream",
		Description: "Entity states mirrored from a Home Assistant websocket",
		Priority:    integration.PriorityDefault,
		Factory:     New,
	})
}

func (u *Integration) Name() string { return u.name }

func (u *Integration) Setup(ctx context.Context) error {
	u.source.OnStateChanged(u.handleStateChanged)
	u.source.OnConnectionLost(u.handleConnectionLost)
	u.source.OnConnectionRestored(u.handleConnectionRestored)

	if err := u.source.Connect(ctx); err != nil {
		if errors.Is(err, ha.ErrAuthInvalid) {
			return fmt.Errorf("%w: %w", coordinator.ErrAuthFailed, err)
		}
		return &coordinator.NotReadyError{Coordinator: u.coord.Name(), Err: err}
	}
	if err := u.coord.FirstRefresh(ctx); err != nil {
		return err
	}

	snap, _ := u.coord.Data()
	u.logger.Info("Mirroring upstream states", zap.Int("entities", len(snap)))
	return nil
}

func (u *Integration) Unload() {
	u.coord.Shutdown()
	u.eventMu.Lock()
	u.resyncing = false
	u.journal = nil
	u.eventMu.Unlock()
	if err := u.source.Disconnect(); err != nil {
		u.logger.Debug("Error closing upstream connection", zap.Error(err))
	}
}

func (u *Integration) Coordinators() []coordinator.Handle {
	return []coordinator.Handle{u.coord}
}

// Coordinator returns the typed coordinator.
func (u *Integration) Coordinator() *coordinator.Coordinator[Snapshot] {
	return u.coord
}

func (u *Integration) fetch(ctx context.Context) (Snapshot, error) {
	u.eventMu.Lock()
	u.resyncing = true
	u.journal = nil
	u.eventMu.Unlock()

	states, err := u.source.GetAllStates(ctx)
	if err != nil {
		u.eventMu.Lock()
		u.resyncing = false
		u.journal = nil
		u.eventMu.Unlock()
		return nil, err
	}
	snap := make(Snapshot, len(states))
	for _, s := range states {
		if u.wanted(s.EntityID) {
			snap[s.EntityID] = s
		}
	}
	return snap, nil
}

// replayJournal runs while the coordinator stores a fetched snapshot. Events
// that arrived after get_states was sent may be newer than the snapshot, so
// they are applied on top of it in arrival order.
func (u *Integration) replayJournal(snap Snapshot) Snapshot {
	u.eventMu.Lock()
	defer u.eventMu.Unlock()

	for _, evt := range u.journal {
		applyEvent(snap, evt)
	}
	u.resyncing = false
	u.journal = nil
	return snap
}

func (u *Integration) wanted(entityID string) bool {
	return u.filter == nil || u.filter[entityID]
}

func (u *Integration) handleStateChanged(evt ha.StateChangedEvent) {
	if !u.wanted(evt.EntityID) {
		return
	}

	u.eventMu.Lock()
	if u.resyncing {
		u.journal = append(u.journal, evt)
	}
	u.eventMu.Unlock()

	u.coord.UpdateData(func(current Snapshot) Snapshot {
		next := maps.Clone(current)
		if next == nil {
			next = make(Snapshot)
		}
		applyEvent(next, evt)
		return next
	})
}

func applyEvent(snap Snapshot, evt ha.StateChangedEvent) {
	if evt.NewState == nil {
		delete(snap, evt.EntityID)
		return
	}
	snap[evt.EntityID] = *evt.NewState
}

func (u *Integration) handleConnectionLost(err error) {
	u.coord.SetUpdateError(err)
}

func (u *Integration) handleConnectionRestored() {
	u.logger.Info("Upstream connection restored; resyncing")
	u.coord.TriggerRefresh()
}
