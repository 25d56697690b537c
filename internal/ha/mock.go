package ha

import (
	"context"
	"sync"
	"time"
)

// MockClient is an in-memory stand-in for Client used by tests of code that
// consumes Home Assistant states.
type MockClient struct {
	mu           sync.Mutex
	states       map[string]State
	connectErr   error
	getStatesErr error
	connected    bool
	connects     int
	onState      StateChangeHandler
	onLost       func(error)
	onRestored   func()
}

// NewMockClient creates an empty, disconnected mock.
func NewMockClient() *MockClient {
	return &MockClient{states: make(map[string]State)}
}

// SetConnectError makes Connect fail with err until cleared with nil.
func (m *MockClient) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetGetStatesError makes GetAllStates fail with err until cleared with nil.
func (m *MockClient) SetGetStatesError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getStatesErr = err
}

// Connects returns the number of successful Connect calls.
func (m *MockClient) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

func (m *MockClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	m.connects++
	return nil
}

func (m *MockClient) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockClient) GetAllStates(ctx context.Context) ([]State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, ErrNotConnected
	}
	if m.getStatesErr != nil {
		return nil, m.getStatesErr
	}
	states := make([]State, 0, len(m.states))
	for _, s := range m.states {
		states = append(states, s)
	}
	return states, nil
}

func (m *MockClient) OnStateChanged(h StateChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = h
}

func (m *MockClient) OnConnectionLost(f func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLost = f
}

func (m *MockClient) OnConnectionRestored(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRestored = f
}

// SetState stores a state without emitting an event.
func (m *MockClient) SetState(entityID, value string, attributes map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.states[entityID] = State{
		EntityID:    entityID,
		State:       value,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
}

// SimulateStateChange stores a state and emits state_changed.
func (m *MockClient) SimulateStateChange(entityID, value string) {
	m.mu.Lock()
	old, had := m.states[entityID]
	now := time.Now()
	next := State{EntityID: entityID, State: value, Attributes: old.Attributes, LastChanged: now, LastUpdated: now}
	m.states[entityID] = next
	h := m.onState
	m.mu.Unlock()

	evt := StateChangedEvent{EntityID: entityID, NewState: &next}
	if had {
		evt.OldState = &old
	}
	if h != nil {
		h(evt)
	}
}

// SimulateRemoval deletes an entity and emits state_changed with no new state.
func (m *MockClient) SimulateRemoval(entityID string) {
	m.mu.Lock()
	old, had := m.states[entityID]
	delete(m.states, entityID)
	h := m.onState
	m.mu.Unlock()

	if !had || h == nil {
		return
	}
	h(StateChangedEvent{EntityID: entityID, OldState: &old})
}

// SimulateConnectionLoss marks the mock disconnected and runs the lost
// callback.
func (m *MockClient) SimulateConnectionLoss(err error) {
	m.mu.Lock()
	m.connected = false
	f := m.onLost
	m.mu.Unlock()
	if f != nil {
		f(err)
	}
}

// SimulateReconnect marks the mock connected and runs the restored callback.
func (m *MockClient) SimulateReconnect() {
	m.mu.Lock()
	m.connected = true
	f := m.onRestored
	m.mu.Unlock()
	if f != nil {
		f()
	}
}
