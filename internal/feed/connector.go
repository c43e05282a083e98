package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// State is the connection state of a Connector.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// DefaultReconnectDelay is the fixed wait between connection attempts.
const DefaultReconnectDelay = 5 * time.Second

// DefaultReadLimit bounds a single upstream frame.
const DefaultReadLimit = 1 << 20

// Conn is an open upstream stream.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens upstream streams.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the upstream over WebSocket.
type WebsocketDialer struct {
	Header    http.Header
	ReadLimit int64
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	header := d.Header
	if header == nil {
		// The upstream rejects browser-like origins.
		header = http.Header{"Origin": []string{""}}
	}
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	c.SetReadLimit(limit)
	return wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

// Config configures a Connector.
type Config struct {
	URL            string
	ReconnectDelay time.Duration
	Dialer         Dialer
	Now            func() time.Time
	Log            *slog.Logger
}

// Connector keeps a single upstream connection alive and feeds every
// flight-plan frame into an Ingester.
//
// It is a three-state machine driven by one goroutine (Run). Entering
// Disconnected arms the reconnect timer; entering Connecting or Connected
// disarms it. There is exactly one timer, so there is never more than one
// pending or active attempt.
type Connector struct {
	url    string
	delay  time.Duration
	dialer Dialer
	log    *slog.Logger

	*pipeline

	state atomic.Int32
	timer *time.Timer

	// onState is called after every transition; used by tests.
	onState func(from, to State)
}

// NewConnector creates a Connector in the Disconnected state.
func NewConnector(cfg Config, sink Ingester) *Connector {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer{}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log.With("component", "feed", "url", cfg.URL)
	return &Connector{
		url:      cfg.URL,
		delay:    cfg.ReconnectDelay,
		dialer:   cfg.Dialer,
		log:      log,
		pipeline: newPipeline(sink, cfg.Now, log),
	}
}

// State returns the current connection state.
func (c *Connector) State() State {
	return State(c.state.Load())
}

// Connected reports whether the upstream stream is open.
func (c *Connector) Connected() bool {
	return c.State() == StateConnected
}

// Stats returns cumulative frame counters.
func (c *Connector) Stats() Stats {
	return c.stats()
}

// Run connects immediately and then reconnects after the fixed delay every
// time the stream ends, until ctx is cancelled. It returns ctx.Err().
func (c *Connector) Run(ctx context.Context) error {
	c.timer = time.NewTimer(0)
	defer c.timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("feed connector stopped")
			return ctx.Err()
		case <-c.timer.C:
		}

		err := c.session(ctx)
		if ctx.Err() != nil {
			c.enter(StateDisconnected)
			c.log.Info("feed connector stopped")
			return ctx.Err()
		}
		c.log.Warn("feed connection lost, reconnecting", "error", err, "delay", c.delay)
		c.enter(StateDisconnected)
	}
}

// session performs one connect-and-read cycle. It returns when the stream
// fails or ctx is cancelled.
func (c *Connector) session(ctx context.Context) error {
	c.enter(StateConnecting)

	conn, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c.enter(StateConnected)
	c.log.Info("connected to feed")

	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.handle(frame)
	}
}

// enter moves the machine to state to and arms or disarms the reconnect timer.
func (c *Connector) enter(to State) {
	from := State(c.state.Swap(int32(to)))
	switch to {
	case StateDisconnected:
		c.timer.Reset(c.delay)
	case StateConnecting, StateConnected:
		c.timer.Stop()
	}
	if from != to {
		c.log.Debug("feed state changed", "from", from, "to", to)
	}
	if c.onState != nil {
		c.onState(from, to)
	}
}
