// Package transport maintains one long-lived duplex connection to a signaling
// endpoint and exposes named-event emission, per-event subscriptions and
// connection-state notifications. Both the chat channel and the call session
// own their own Client instance; nothing in here is a process-wide singleton.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshmeet/meshmeet/internal/dns"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 * 1024 // generous: relayed SDP offers can be large

	maxReconnectAttempts = 8
	reconnectBaseDelay   = 500 * time.Millisecond
	reconnectMaxDelay    = 10 * time.Second
)

// ErrNoEndpoint is returned by Connect when the client was built with an
// empty endpoint URL. It distinguishes "not configured" from "unreachable".
var ErrNoEndpoint = errors.New("signaling endpoint is not configured")

// Client manages the WebSocket connection to a signaling server.
type Client struct {
	serverURL string

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	connecting bool
	closed     bool
	outgoing   chan *Frame
	stop       chan struct{} // closed on explicit Disconnect, ends reconnects

	handlers  map[string][]subscription
	stateSubs []stateSubscription
	nextSubID int
}

type subscription struct {
	id int
	fn Handler
}

type stateSubscription struct {
	id int
	fn StateHandler
}

// NewClient creates a new signaling client for the given endpoint.
// No connection is opened until Connect is called.
func NewClient(serverURL string) *Client {
	return &Client{
		serverURL: serverURL,
		handlers:  make(map[string][]subscription),
		stop:      make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection. It is idempotent: calling it
// while already connected or mid-connect returns immediately without opening
// a duplicate connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("transport already closed")
	}
	if c.connected || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.mu.Unlock()

	err := c.dial(ctx)

	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()

	if err != nil {
		c.notify(StateChange{State: StateConnectError, Err: err})
		return err
	}

	c.notify(StateChange{State: StateConnected})
	return nil
}

// dial opens the websocket and starts the pumps. Caller holds no locks.
func (c *Client) dial(ctx context.Context) error {
	if c.serverURL == "" {
		return ErrNoEndpoint
	}
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	// Custom dialer with robust DNS lookup, falling back to public resolvers.
	dialer := *websocket.DefaultDialer
	dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		resolvedIP, err := dns.Lookup(host)
		if err != nil {
			return nil, fmt.Errorf("dns lookup failed: %w", err)
		}

		d := new(net.Dialer)
		return d.DialContext(ctx, network, net.JoinHostPort(resolvedIP, port))
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.outgoing = make(chan *Frame, 32)
	c.mu.Unlock()

	go c.readPump(conn)
	go c.writePump(conn, c.outgoing)

	return nil
}

// readPump reads frames from the WebSocket connection and dispatches them to
// subscribers in delivery order.
func (c *Client) readPump(conn *websocket.Conn) {
	defer c.dropConnection(conn, "read pump exited")

	conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		c.dispatch(&frame)
	}
}

// writePump writes frames to the WebSocket connection and sends periodic pings.
func (c *Client) writePump(conn *websocket.Conn, outgoing <-chan *Frame) {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-outgoing:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dropConnection marks the client disconnected after conn dies and, unless
// Disconnect was called, starts the reconnect loop.
func (c *Client) dropConnection(conn *websocket.Conn, reason string) {
	conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		// already superseded by a reconnect
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	closed := c.closed
	c.mu.Unlock()

	c.notify(StateChange{State: StateDisconnected, Reason: reason})

	if !closed {
		go c.reconnectLoop()
	}
}

// reconnectLoop retries the connection with capped exponential backoff.
// Every attempt and its outcome is observable through state notifications.
func (c *Client) reconnectLoop() {
	delay := reconnectBaseDelay

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		select {
		case <-c.stop:
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		if c.closed || c.connected {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		err := c.dial(ctx)
		cancel()

		if err == nil {
			slog.Info("signaling reconnected", "attempt", attempt)
			c.notify(StateChange{State: StateConnected, Attempt: attempt})
			return
		}

		slog.Warn("signaling reconnect failed", "attempt", attempt, "error", err)
		c.notify(StateChange{State: StateConnectError, Err: err, Attempt: attempt})

		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}

	slog.Error("signaling reconnect gave up", "attempts", maxReconnectAttempts)
}

// Emit sends a named event with a payload. Emitting while disconnected is a
// no-op with a logged warning, never an error the caller has to handle.
func (c *Client) Emit(event string, payload any) {
	frame, err := NewFrame(event, payload)
	if err != nil {
		slog.Error("emit: marshal payload", "event", event, "error", err)
		return
	}

	// The send stays under the lock: Disconnect closes outgoing under the
	// same lock, so the channel cannot be closed between the connected check
	// and the send. The send itself never blocks.
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		slog.Warn("emit while disconnected, dropping", "event", event)
		return
	}

	select {
	case c.outgoing <- frame:
	default:
		slog.Warn("emit: outgoing buffer full, dropping", "event", event)
	}
}

// Subscribe registers fn for the named event and returns a disposer.
// Handlers for one event run in registration order, synchronously with frame
// delivery, so subscribers observe events in signaling-delivery order.
func (c *Client) Subscribe(event string, fn Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	c.handlers[event] = append(c.handlers[event], subscription{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.handlers[event]
		for i, s := range subs {
			if s.id == id {
				c.handlers[event] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// OnState registers fn for connection-state notifications and returns a
// disposer.
func (c *Client) OnState(fn StateHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	c.stateSubs = append(c.stateSubs, stateSubscription{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.stateSubs {
			if s.id == id {
				c.stateSubs = append(c.stateSubs[:i:i], c.stateSubs[i+1:]...)
				break
			}
		}
	}
}

// Connected reports whether the transport currently has a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect closes the transport and stops any reconnect attempts.
// Safe to call when already disconnected or never connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	outgoing := c.outgoing
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	close(c.stop)
	if outgoing != nil {
		close(outgoing)
	}
	if conn != nil {
		conn.Close()
	}
}

// dispatch fans a frame out to the event's subscribers.
func (c *Client) dispatch(frame *Frame) {
	c.mu.Lock()
	subs := make([]subscription, len(c.handlers[frame.Event]))
	copy(subs, c.handlers[frame.Event])
	c.mu.Unlock()

	if len(subs) == 0 {
		slog.Debug("unhandled signaling event", "event", frame.Event)
		return
	}
	for _, s := range subs {
		s.fn(frame.Data)
	}
}

// notify fans a state change out to state subscribers.
func (c *Client) notify(change StateChange) {
	c.mu.Lock()
	subs := make([]stateSubscription, len(c.stateSubs))
	copy(subs, c.stateSubs)
	c.mu.Unlock()

	for _, s := range subs {
		s.fn(change)
	}
}
