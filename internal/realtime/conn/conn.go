// Package conn maintains the persistent websocket connection that carries
// live vehicle frames, reconnecting with exponential backoff until told to
// stop.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/drobiAlex/wabus-fleetsync/internal/realtime/wire"
)

// ErrNotConnected is returned by Send while no socket is open
var ErrNotConnected = errors.New("realtime connection is not open")

const (
	DefaultKeepalive    = 25 * time.Second
	DefaultReconnectMin = 2 * time.Second
	DefaultReconnectMax = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second

	stateBuffer   = 32
	messageBuffer = 256
)

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Resubscriber re-sends the full subscription set after a socket opens
type Resubscriber interface {
	Resubscribe()
}

// Options configures a Connection. Zero values take the defaults above.
type Options struct {
	URL          string
	Header       http.Header
	Keepalive    time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	WriteTimeout time.Duration
	Dialer       Dialer
	Logger       *log.Logger
}

// Connection owns at most one websocket at a time. State transitions are
// published on States, parsed frames on Messages in receipt order.
type Connection struct {
	url          string
	header       http.Header
	keepalive    time.Duration
	writeTimeout time.Duration
	dialer       Dialer
	logger       *log.Logger

	backoff *backoff.ExponentialBackOff
	wait    func(ctx context.Context, d time.Duration) bool

	states   chan State
	messages chan wire.Inbound

	mu      sync.Mutex
	state   State
	ws      *websocket.Conn
	resub   Resubscriber
	cancel  context.CancelFunc
	done    chan struct{}
	writeMu sync.Mutex
}

// New creates a disconnected Connection
func New(opts Options) *Connection {
	if opts.Keepalive <= 0 {
		opts.Keepalive = DefaultKeepalive
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = DefaultReconnectMin
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = DefaultReconnectMax
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
		}
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	return &Connection{
		url:          opts.URL,
		header:       opts.Header,
		keepalive:    opts.Keepalive,
		writeTimeout: opts.WriteTimeout,
		dialer:       opts.Dialer,
		logger:       opts.Logger,
		backoff:      newReconnectBackOff(opts.ReconnectMin, opts.ReconnectMax),
		wait:         sleepContext,
		states:       make(chan State, stateBuffer),
		messages:     make(chan wire.Inbound, messageBuffer),
	}
}

// newReconnectBackOff doubles from min up to max with no jitter and no
// elapsed-time limit
func newReconnectBackOff(initial, ceiling time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = ceiling
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// SetResubscriber registers the component asked to replay subscriptions on
// every open
func (c *Connection) SetResubscriber(r Resubscriber) {
	c.mu.Lock()
	c.resub = r
	c.mu.Unlock()
}

// States returns the state notification channel. When the consumer falls
// behind, the oldest pending notification is dropped; State is always
// authoritative.
func (c *Connection) States() <-chan State {
	return c.states
}

// Messages returns the inbound frame channel
func (c *Connection) Messages() <-chan wire.Inbound {
	return c.messages
}

// State returns the current connection state
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the connection loop. It returns immediately; progress is
// reported on States. Calling Connect on a running connection is a no-op.
func (c *Connection) Connect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.backoff.Reset()

	go c.run(runCtx, done)
}

// Disconnect closes the socket, abandons any pending reconnect and waits
// for the loop to exit. No reconnect is scheduled afterwards.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	cancel, done, ws := c.cancel, c.done, c.ws
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}

	if ws != nil {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
	}
	cancel()
	<-done
}

// Send writes one frame. Writes are serialized across goroutines.
func (c *Connection) Send(msg wire.Outbound) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	ws, state := c.ws, c.state
	c.mu.Unlock()

	if ws == nil || state != Connected {
		return ErrNotConnected
	}

	_ = ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		// Closing forces the read loop onto the reconnect path
		ws.Close()
		return fmt.Errorf("failed to send %s frame: %w", msg.Type, err)
	}
	return nil
}

func (c *Connection) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		err := c.session(ctx)
		c.setState(Disconnected)

		if ctx.Err() != nil {
			c.logger.Println("Realtime: disconnected")
			return
		}

		delay := c.backoff.NextBackOff()
		c.logger.Printf("Realtime: connection lost (%v), reconnecting in %s", err, delay)

		if !c.wait(ctx, delay) {
			return
		}
	}
}

// session dials once and reads until the socket fails or ctx ends
func (c *Connection) session(ctx context.Context) error {
	c.setState(Connecting)

	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	resub := c.resub
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		ws.Close()
	}()

	c.backoff.Reset()
	c.setState(Connected)
	c.logger.Printf("Realtime: connected to %s", c.url)

	if resub != nil {
		resub.Resubscribe()
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock ReadMessage when the session ends
	go func() {
		<-sessCtx.Done()
		ws.Close()
	}()
	go c.keepaliveLoop(sessCtx)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read frame: %w", err)
		}

		msg, err := wire.Parse(data)
		if err != nil {
			continue
		}
		if msg.Kind == wire.KindPong {
			continue
		}

		select {
		case c.messages <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Send(wire.Ping()); err != nil && !errors.Is(err, ErrNotConnected) {
				c.logger.Printf("Realtime: keepalive failed: %v", err)
			}
		}
	}
}

// setState records s and publishes it, dropping the oldest queued
// notification when the buffer is full. Only the run loop calls it.
func (c *Connection) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	for {
		select {
		case c.states <- s:
			return
		default:
			select {
			case <-c.states:
			default:
			}
		}
	}
}
