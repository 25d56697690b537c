// Package ha is a minimal Home Assistant websocket client: it authenticates,
// reads all entity states and streams state_changed events. It reconnects
// on its own after the connection drops.
package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrAuthInvalid is returned when the server rejects the token.
	ErrAuthInvalid = errors.New("home assistant rejected the access token")

	// ErrNotConnected is returned for requests without a live connection.
	ErrNotConnected = errors.New("not connected to home assistant")

	// ErrClosed is returned by Connect after Disconnect.
	ErrClosed = errors.New("client is closed")
)

// DefaultRequestTimeout bounds the handshake and each request.
const DefaultRequestTimeout = 10 * time.Second

// StateChangeHandler receives state_changed events on the reader goroutine.
type StateChangeHandler func(event StateChangedEvent)

// Client is a Home Assistant websocket client. It is single use: after
// Disconnect it cannot connect again.
type Client struct {
	url            string
	token          string
	logger         *zap.Logger
	dialer         *websocket.Dialer
	requestTimeout time.Duration
	newBackOff     func() backoff.BackOff

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connDone  chan struct{}
	connected bool
	closed    chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex

	pendingMu sync.Mutex
	msgID     int
	pending   map[int]chan Message

	handlersMu sync.RWMutex
	onState    StateChangeHandler
	onLost     func(error)
	onRestored func()
}

// NewClient creates a client for the websocket URL, e.g.
// ws://homeassistant.local:8123/api/websocket.
func NewClient(url, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:            url,
		token:          token,
		logger:         logger.Named("ha"),
		dialer:         websocket.DefaultDialer,
		requestTimeout: DefaultRequestTimeout,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			return b
		},
		closed:  make(chan struct{}),
		pending: make(map[int]chan Message),
	}
}

// OnStateChanged sets the handler for state_changed events.
func (c *Client) OnStateChanged(h StateChangeHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onState = h
}

// OnConnectionLost sets a callback run when an established connection drops.
func (c *Client) OnConnectionLost(f func(error)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onLost = f
}

// OnConnectionRestored sets a callback run after a successful reconnect.
func (c *Client) OnConnectionRestored(f func()) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onRestored = f
}

// Connect dials, authenticates and subscribes to state_changed events.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if c.IsConnected() {
		return fmt.Errorf("already connected")
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}
	if err := c.authenticate(conn); err != nil {
		conn.Close()
		return err
	}

	done := make(chan struct{})
	c.connMu.Lock()
	select {
	case <-c.closed:
		c.connMu.Unlock()
		conn.Close()
		return ErrClosed
	default:
	}
	c.conn = conn
	c.connDone = done
	c.connected = true
	c.connMu.Unlock()

	go c.receive(conn, done)

	if _, err := c.send(ctx, request{Type: "subscribe_events", EventType: "state_changed"}); err != nil {
		c.dropConnection(conn)
		return fmt.Errorf("failed to subscribe to state changes: %w", err)
	}

	c.logger.Info("Connected to Home Assistant", zap.String("url", c.url))
	return nil
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(c.requestTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if msg.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", msg.Type)
	}
	if err := conn.WriteJSON(AuthMessage{Type: "auth", AccessToken: c.token}); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	switch msg.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return ErrAuthInvalid
	default:
		return fmt.Errorf("expected auth_ok, got %s", msg.Type)
	}
}

// Disconnect closes the connection and stops reconnecting.
func (c *Client) Disconnect() error {
	c.closeOnce.Do(func() { close(c.closed) })

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.connMu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := conn.Close()
	c.logger.Info("Disconnected from Home Assistant")
	return err
}

// IsConnected reports whether a connection is established.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// GetAllStates returns every entity state.
func (c *Client) GetAllStates(ctx context.Context) ([]State, error) {
	resp, err := c.send(ctx, request{Type: "get_states"})
	if err != nil {
		return nil, fmt.Errorf("failed to get states: %w", err)
	}
	var states []State
	if err := json.Unmarshal(resp.Result, &states); err != nil {
		return nil, fmt.Errorf("failed to decode states: %w", err)
	}
	return states, nil
}

// send writes a request and waits for its result.
func (c *Client) send(ctx context.Context, req request) (*Message, error) {
	c.connMu.RLock()
	conn, done, connected := c.conn, c.connDone, c.connected
	c.connMu.RUnlock()
	if !connected {
		return nil, ErrNotConnected
	}

	respCh := make(chan Message, 1)
	c.pendingMu.Lock()
	c.msgID++
	req.ID = c.msgID
	c.pending[req.ID] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", req.Type, err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s failed: %s: %s", req.Type, resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("%s failed", req.Type)
		}
		return &resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for %s response", req.Type)
	case <-done:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// receive reads frames from one connection until it fails.
func (c *Client) receive(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.handleReadError(conn, err)
			return
		}

		if msg.Type == "event" {
			c.handleEvent(&msg)
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[msg.ID]
		c.pendingMu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
				c.logger.Warn("Dropping duplicate response", zap.Int("id", msg.ID))
			}
		}
	}
}

func (c *Client) handleEvent(msg *Message) {
	if msg.Event == nil || msg.Event.EventType != "state_changed" {
		return
	}
	var evt StateChangedEvent
	if err := json.Unmarshal(msg.Event.Data, &evt); err != nil {
		c.logger.Warn("Failed to decode state_changed event", zap.Error(err))
		return
	}

	c.handlersMu.RLock()
	h := c.onState
	c.handlersMu.RUnlock()
	if h != nil {
		h(evt)
	}
}

func (c *Client) handleReadError(conn *websocket.Conn, err error) {
	if !c.dropConnection(conn) {
		// Disconnect closed it.
		return
	}
	c.logger.Warn("Connection to Home Assistant lost", zap.Error(err))

	c.handlersMu.RLock()
	onLost := c.onLost
	c.handlersMu.RUnlock()
	if onLost != nil {
		onLost(fmt.Errorf("connection lost: %w", err))
	}

	go c.reconnectLoop()
}

// dropConnection forgets conn if it is still the current connection.
func (c *Client) dropConnection(conn *websocket.Conn) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != conn {
		return false
	}
	c.conn = nil
	c.connected = false
	conn.Close()
	return true
}

func (c *Client) reconnectLoop() {
	b := c.newBackOff()
	for {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			c.logger.Error("Giving up reconnecting to Home Assistant")
			return
		}
		select {
		case <-c.closed:
			return
		case <-time.After(wait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
		err := c.Connect(ctx)
		cancel()
		switch {
		case err == nil:
			c.handlersMu.RLock()
			onRestored := c.onRestored
			c.handlersMu.RUnlock()
			if onRestored != nil {
				onRestored()
			}
			return
		case errors.Is(err, ErrClosed):
			return
		default:
			c.logger.Debug("Reconnect failed", zap.Error(err), zap.Duration("waited", wait))
		}
	}
}
