package session

import (
	"context"
	"errors"
	"sync"
	"time"

	cws "github.com/coder/websocket"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/medrevise/realtime-relay/messages"
	"github.com/medrevise/realtime-relay/observe"
	"github.com/medrevise/realtime-relay/upstream"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
	clientReadLimit = 1 << 20
)

// outbound is one frame queued for the client. A closeAfter entry flushes
// everything queued before it and then ends the session.
type outbound struct {
	data       []byte
	closeAfter bool
}

// Upstream is the part of the upstream client a session drives
type Upstream interface {
	Connect(ctx context.Context) error
	EnsureOpen(ctx context.Context) error
	Send(ctx context.Context, data []byte) error
	Close() error
	State() upstream.State
}

// Options tune a session
type Options struct {
	Logger  *zap.Logger
	Metrics *observe.Metrics

	// ReportMalformed sends an error envelope back for rejected client
	// frames instead of dropping them silently.
	ReportMalformed bool
}

// Session pairs one client connection with one upstream connection
type Session struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time

	clientConn      *websocket.Conn
	upstream        Upstream
	logger          *zap.Logger
	metrics         *observe.Metrics
	reportMalformed bool

	writeChan chan outbound

	mu        sync.RWMutex
	closed    bool
	CloseChan chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// New wires a session around an accepted client connection and installs its
// handlers on up, which must not be connected yet.
func New(id string, clientConn *websocket.Conn, up *upstream.Client, opts Options) *Session {
	s := newSession(id, clientConn, up, opts)
	up.OnMessage = s.handleUpstreamFrame
	up.OnError = s.handleUpstreamError
	up.OnClose = func(code cws.StatusCode, reason string) {
		s.handleUpstreamClose(int(code), reason)
	}
	return s
}

func newSession(id string, clientConn *websocket.Conn, up Upstream, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observe.Noop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	clientConn.SetReadLimit(clientReadLimit)
	clientConn.EnableWriteCompression(false)

	metrics.ActiveSessions.Add(context.Background(), 1)

	now := time.Now()
	return &Session{
		ID:              id,
		CreatedAt:       now,
		LastActivity:    now,
		clientConn:      clientConn,
		upstream:        up,
		logger:          logger.With(zap.String("session_id", id)),
		metrics:         metrics,
		reportMalformed: opts.ReportMalformed,
		writeChan:       make(chan outbound, writeBufferSize),
		CloseChan:       make(chan struct{}),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start begins relaying. The upstream connect starts right away rather than
// waiting for the first client message.
func (s *Session) Start() {
	go s.writePump()
	go s.connectUpstream()
	go s.handleClientMessages()
}

func (s *Session) connectUpstream() {
	err := s.upstream.Connect(s.ctx)
	if err == nil || errors.Is(err, upstream.ErrClosed) || s.IsClosed() {
		return
	}
	s.logger.Warn("initial upstream connect failed", zap.Error(err))
	s.queueMessage(messages.NewError(messages.ErrTextUpstreamConnection))
}

func (s *Session) handleUpstreamFrame(f upstream.Frame) {
	out, err := messages.FromUpstream(f.Data, f.Binary)
	if err != nil {
		s.logger.Warn("unprocessable upstream frame", zap.Int("bytes", len(f.Data)), zap.Error(err))
		s.metrics.RecordDrop(s.ctx, observe.DropNotJSON)
		s.queueMessage(messages.NewError(messages.ErrTextUpstreamMessage))
		return
	}
	s.metrics.RecordFrame(s.ctx, observe.DirectionUpstreamToClient)
	s.queueMessage(out)
}

func (s *Session) handleUpstreamError(err error) {
	s.logger.Warn("upstream error, will reconnect on next client message", zap.Error(err))
	s.queueMessage(messages.NewError(messages.ErrTextUpstreamConnection))
}

func (s *Session) handleUpstreamClose(code int, reason string) {
	s.logger.Info("upstream closed the session", zap.Int("code", code), zap.String("reason", reason))
	s.enqueue(outbound{closeAfter: true})
}

// writePump handles all outgoing messages in a single goroutine
func (s *Session) writePump() {
	defer s.Close()
	defer func() {
		s.clientConn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout),
		)
	}()

	for {
		select {
		case <-s.CloseChan:
			return
		case msg := <-s.writeChan:
			if msg.closeAfter {
				return
			}
			s.clientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.clientConn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				s.logger.Debug("client write failed", zap.Error(err))
				return
			}
		}
	}
}

// queueMessage adds a frame to the write queue. It blocks while the queue is
// full so frames are never dropped or reordered.
func (s *Session) queueMessage(data []byte) {
	s.enqueue(outbound{data: data})
}

func (s *Session) enqueue(msg outbound) {
	if s.IsClosed() {
		return
	}
	select {
	case s.writeChan <- msg:
		s.touch()
	case <-s.CloseChan:
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.LastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) handleClientMessages() {
	defer s.Close()

	for {
		_, message, err := s.clientConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && !s.IsClosed() {
				s.logger.Warn("client connection lost", zap.Error(err))
			} else {
				s.logger.Info("client disconnected")
			}
			return
		}
		s.touch()
		s.processClientMessage(message)
	}
}

func (s *Session) processClientMessage(message []byte) {
	if _, err := messages.ParseClientEnvelope(message); err != nil {
		s.metrics.RecordDrop(s.ctx, observe.DropMalformed)
		s.logger.Debug("rejected client frame", zap.Error(err))
		if s.reportMalformed {
			s.queueMessage(messages.NewError(messages.ErrTextProcessMessage))
		}
		return
	}

	if err := s.forwardUpstream(message); err != nil {
		if s.IsClosed() {
			return
		}
		s.metrics.RecordDrop(s.ctx, observe.DropUpstreamErr)
		s.logger.Warn("could not forward client frame", zap.Error(err))
		s.queueMessage(messages.NewError(messages.ErrTextUpstreamConnection))
		return
	}
	s.metrics.RecordFrame(s.ctx, observe.DirectionClientToUpstream)
}

// forwardUpstream sends the client's bytes unmodified. A failed send drops
// the upstream socket, so one more EnsureOpen + Send is tried before giving up.
func (s *Session) forwardUpstream(message []byte) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = s.upstream.EnsureOpen(s.ctx); err != nil {
			return err
		}
		if err = s.upstream.Send(s.ctx, message); err == nil {
			return nil
		}
		if errors.Is(err, upstream.ErrClosed) {
			return err
		}
	}
	return err
}

// UpstreamState reports the state of the paired upstream connection
func (s *Session) UpstreamState() upstream.State {
	return s.upstream.State()
}

// IdleFor returns how long the session has seen no traffic
func (s *Session) IdleFor(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.LastActivity)
}

// Close terminates both legs. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	close(s.CloseChan)

	if err := s.upstream.Close(); err != nil {
		s.logger.Debug("upstream close", zap.Error(err))
	}
	s.clientConn.Close()
	s.metrics.ActiveSessions.Add(context.Background(), -1)

	s.logger.Info("session closed", zap.Duration("duration", time.Since(s.CreatedAt)))
	return nil
}

// IsClosed returns whether the session is closed
func (s *Session) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
