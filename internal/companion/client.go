package companion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tracescope/internal/logging"
)

// ClientOptions configures a peer client.
type ClientOptions struct {
	// URL of the companion channel, e.g. ws://127.0.0.1:31848/companion/ws.
	URL string
	// Identity announced during registration.
	Registration Registration
	// Base reconnect delay; attempt N waits N*Base before redialing.
	ReconnectDelay time.Duration
	// Attempts before the client stops until Refresh is called.
	MaxReconnectAttempts int
	// OnMessage receives every host message after the welcome.
	OnMessage func(Message)
}

// Client is the peer side of the companion channel. It dials the host,
// registers, and redials with linear backoff when the connection drops.
// After MaxReconnectAttempts consecutive failures it goes dormant until
// Refresh re-arms it.
type Client struct {
	opts ClientOptions

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected bool
	attempt   int
	dormant   bool
	refresh   chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a client. Call Start to begin connecting.
func NewClient(opts ClientOptions) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	return &Client{
		opts:    opts,
		refresh: make(chan struct{}, 1),
	}
}

// Connected reports whether the channel is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Start runs the connect loop until ctx is cancelled or Stop is called.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(ctx)
	}()
}

// Stop tears the connection down and ends the connect loop.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
}

// Refresh resets the attempt counter and wakes a dormant client.
func (c *Client) Refresh() {
	c.mu.Lock()
	c.attempt = 0
	c.dormant = false
	c.mu.Unlock()

	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

func (c *Client) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		dormant := c.dormant
		c.mu.Unlock()

		if dormant {
			select {
			case <-ctx.Done():
				return
			case <-c.refresh:
				continue
			}
		}

		if err := c.connectOnce(ctx); err != nil {
			c.mu.Lock()
			c.attempt++
			attempt := c.attempt
			if attempt >= c.opts.MaxReconnectAttempts {
				c.dormant = true
			}
			dormant := c.dormant
			c.mu.Unlock()

			if dormant {
				logging.Companion("Giving up after %d attempts, waiting for refresh", attempt)
				continue
			}

			delay := time.Duration(attempt) * c.opts.ReconnectDelay
			logging.CompanionDebug("Reconnect attempt %d in %s: %v", attempt, delay, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

// connectOnce dials, registers, and reads until the connection drops. A
// successful registration resets the attempt counter.
func (c *Client) connectOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.opts.URL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.mu.Unlock()
		conn.Close()
	}()

	// Close the socket when ctx ends so ReadJSON unblocks.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stopWatch:
		}
	}()

	reg, err := NewMessage(TypeRegistration, c.opts.Registration)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(reg); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	heartbeatStop := make(chan struct{})
	defer close(heartbeatStop)
	go c.heartbeatLoop(conn, heartbeatStop)

	for {
		var m Message
		if err := conn.ReadJSON(&m); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		switch m.Type {
		case TypeHeartbeat:
			// The host greets new connections with a heartbeat frame
			// before the registration ack.
		case TypeRegistrationAck:
			c.mu.Lock()
			c.connected = true
			c.attempt = 0
			c.mu.Unlock()
			logging.Companion("Registered with host at %s", c.opts.URL)
		case TypeHeartbeatAck:
			// Keepalive round trip, nothing to do.
		default:
			if c.opts.OnMessage != nil {
				c.opts.OnMessage(m)
			}
		}
	}
}

func (c *Client) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			hb, err := NewMessage(TypeHeartbeat, nil)
			if err != nil {
				continue
			}
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err = conn.WriteJSON(hb)
			c.writeMu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
		}
	}
}

// Send delivers a message to the host over the live connection.
func (c *Client) Send(msgType string, payload interface{}) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if conn == nil || !connected {
		return ErrNoPeer
	}

	m, err := NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}
