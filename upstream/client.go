// Package upstream owns the relay's WebSocket connection to the OpenAI
// Realtime API: dialing with credentials, the initialization envelope, the
// receive loop and bounded reconnects.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/medrevise/realtime-relay/messages"
	"github.com/medrevise/realtime-relay/observe"
)

// Defaults applied by New when the Config leaves a field zero
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadLimit      = 16 << 20
	DefaultMaxAttempts    = 3
	DefaultBackoff        = 250 * time.Millisecond
	DefaultMaxBackoff     = 2 * time.Second
)

var (
	ErrMissingAPIKey = errors.New("upstream: API key is required")
	ErrMissingURL    = errors.New("upstream: URL is required")
	ErrMissingModel  = errors.New("upstream: model is required")
	ErrInvalidURL    = errors.New("upstream: URL must use ws or wss")

	// ErrNotOpen is returned by Send when no connection is established.
	ErrNotOpen = errors.New("upstream: connection not open")

	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("upstream: client closed")
)

// State of the upstream connection
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// RetryPolicy bounds EnsureOpen
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// Config describes how to reach the upstream
type Config struct {
	URL            string
	Model          string
	APIKey         string
	BetaHeader     string
	Instructions   string
	ConnectTimeout time.Duration
	ReadLimit      int64
	Retry          RetryPolicy
}

// Frame is one message read from the upstream socket
type Frame struct {
	Binary bool
	Data   []byte
}

// Option configures a Client
type Option func(*Client)

// WithMetrics records connect attempts and socket errors on m
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client is a single reconnectable upstream connection.
//
// Callbacks must be set before the first Connect and are invoked from the
// receive goroutine. Events from a connection that has since been replaced
// or dropped are discarded.
type Client struct {
	cfg      Config
	endpoint string
	initMsg  []byte
	logger   *zap.Logger
	metrics  *observe.Metrics

	// OnMessage receives every upstream frame in arrival order.
	OnMessage func(Frame)
	// OnError reports a runtime socket failure. The client is Disconnected
	// afterwards and may be reopened.
	OnError func(error)
	// OnClose reports a close frame from the upstream.
	OnClose func(code websocket.StatusCode, reason string)

	connectMu sync.Mutex

	mu     sync.RWMutex
	conn   *websocket.Conn
	state  State
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New validates cfg and returns a Disconnected client
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.URL == "" {
		return nil, ErrMissingURL
	}
	if cfg.Model == "" {
		return nil, ErrMissingModel
	}
	endpoint, err := buildEndpoint(cfg.URL, cfg.Model)
	if err != nil {
		return nil, err
	}

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Retry.Backoff <= 0 {
		cfg.Retry.Backoff = DefaultBackoff
	}
	if cfg.Retry.MaxBackoff <= 0 {
		cfg.Retry.MaxBackoff = DefaultMaxBackoff
	}

	initMsg, err := messages.NewResponseCreate(cfg.Instructions)
	if err != nil {
		return nil, fmt.Errorf("upstream: encode init envelope: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		endpoint: endpoint,
		initMsg:  initMsg,
		logger:   logger,
		metrics:  observe.Noop(),
		state:    Disconnected,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func buildEndpoint(raw, model string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect makes one attempt to open the upstream, bounded by ConnectTimeout,
// and sends the response.create envelope once the socket is open. It is a
// no-op when already Open.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Open {
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	c.mu.Unlock()

	err := c.dial(ctx)
	c.metrics.RecordConnect(ctx, err)
	if err != nil {
		c.mu.Lock()
		if !c.closed {
			c.state = Disconnected
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{"Authorization": []string{"Bearer " + c.cfg.APIKey}}
	if c.cfg.BetaHeader != "" {
		header.Set("OpenAI-Beta", c.cfg.BetaHeader)
	}

	conn, _, err := websocket.Dial(dialCtx, c.endpoint, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("upstream: dial: %w", err)
	}
	conn.SetReadLimit(c.cfg.ReadLimit)

	if err := conn.Write(dialCtx, websocket.MessageText, c.initMsg); err != nil {
		conn.Close(websocket.StatusInternalError, "init failed")
		return fmt.Errorf("upstream: send response.create: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "relay session closed")
		return ErrClosed
	}
	c.conn = conn
	c.state = Open
	c.mu.Unlock()

	c.logger.Info("upstream connected", zap.String("model", c.cfg.Model))
	go c.receiveLoop(conn)
	return nil
}

// EnsureOpen returns immediately when Open, otherwise retries Connect with
// exponential backoff up to Retry.MaxAttempts times.
func (c *Client) EnsureOpen(ctx context.Context) error {
	if c.State() == Open {
		return nil
	}

	backoff := c.cfg.Retry.Backoff
	var err error
	for attempt := 1; attempt <= c.cfg.Retry.MaxAttempts; attempt++ {
		err = c.Connect(ctx)
		if err == nil || errors.Is(err, ErrClosed) {
			return err
		}
		c.logger.Warn("upstream connect failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.Retry.MaxAttempts),
			zap.Error(err))
		if attempt == c.cfg.Retry.MaxAttempts {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, c.cfg.Retry.MaxBackoff)
	}
	return fmt.Errorf("upstream: giving up after %d attempts: %w", c.cfg.Retry.MaxAttempts, err)
}

// Send writes data to the upstream as a single text frame. A failed write
// drops the connection so the next EnsureOpen dials a fresh one.
func (c *Client) Send(ctx context.Context, data []byte) error {
	c.mu.RLock()
	conn, state, closed := c.conn, c.state, c.closed
	c.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if conn == nil || state != Open {
		return ErrNotOpen
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.drop(conn)
		return fmt.Errorf("upstream: write: %w", err)
	}
	return nil
}

// drop forgets conn if it is still the current connection
func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		if !c.closed {
			c.state = Disconnected
		}
	}
	c.mu.Unlock()
	conn.CloseNow()
}

func (c *Client) receiveLoop(conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(c.ctx)
		if err != nil {
			c.handleReadError(conn, err)
			return
		}
		if c.OnMessage != nil {
			c.OnMessage(Frame{Binary: typ == websocket.MessageBinary, Data: data})
		}
	}
}

func (c *Client) handleReadError(conn *websocket.Conn, err error) {
	c.mu.Lock()
	current := c.conn == conn
	closed := c.closed
	if current {
		c.conn = nil
		if !closed {
			c.state = Disconnected
		}
	}
	c.mu.Unlock()
	conn.CloseNow()

	if !current || closed {
		return
	}

	var ce websocket.CloseError
	if errors.As(err, &ce) {
		c.logger.Info("upstream closed",
			zap.Int("code", int(ce.Code)),
			zap.String("reason", ce.Reason))
		if c.OnClose != nil {
			c.OnClose(ce.Code, ce.Reason)
		}
		return
	}

	c.metrics.UpstreamErrors.Add(context.Background(), 1)
	c.logger.Error("upstream socket error", zap.Error(err))
	if c.OnError != nil {
		c.OnError(err)
	}
}

// Close shuts the connection down and moves the client to Closed. Safe to
// call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = Closing
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "relay session closed")
	}
	c.cancel()

	c.mu.Lock()
	c.state = Closed
	c.mu.Unlock()
	return err
}
