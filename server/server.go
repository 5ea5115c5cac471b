package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/medrevise/realtime-relay/avatar"
	"github.com/medrevise/realtime-relay/config"
	"github.com/medrevise/realtime-relay/messages"
	"github.com/medrevise/realtime-relay/session"
)

const (
	readHeaderTimeout = 10 * time.Second
	closeGrace        = time.Second
)

// Server accepts browser connections and gives each its own relay session
type Server struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	config         *config.Config
	avatar         *avatar.Client
	metrics        http.Handler
	logger         *zap.Logger
}

// Option configures a Server
type Option func(*Server)

// WithAvatar enables POST /video-chat and POST /video-chat/stream, each
// when the client is configured for it
func WithAvatar(c *avatar.Client) Option {
	return func(s *Server) { s.avatar = c }
}

// WithMetricsHandler replaces the default Prometheus handler on /metrics
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// New builds the relay's HTTP server
func New(cfg *config.Config, sessionManager *session.Manager, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		sessionManager: sessionManager,
		config:         cfg,
		metrics:        promhttp.Handler(),
		logger:         logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    64 * 1024,
			WriteBufferSize:   64 * 1024,
			EnableCompression: false,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}
	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.RelayPath, s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics)
	if s.avatar != nil && s.avatar.GenerationsEnabled() {
		mux.HandleFunc("POST /video-chat", s.handleVideoChat)
	}
	if s.avatar != nil && s.avatar.ConversationsEnabled() {
		mux.HandleFunc("POST /video-chat/stream", s.handleVideoStream)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler exposes the routing table
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for connections. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("relay server starting",
		zap.Int("port", s.config.Port),
		zap.String("endpoint", fmt.Sprintf("ws://localhost:%d%s", s.config.Port, s.config.RelayPath)),
		zap.Bool("video_chat", s.avatar != nil))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes every session, both legs, then stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down relay server")
	s.sessionManager.Shutdown(ctx)
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	clientSession, err := s.sessionManager.CreateSession(r.Context(), conn)
	if err != nil {
		s.logger.Warn("failed to create session", zap.String("remote", r.RemoteAddr), zap.Error(err))
		s.reject(conn, err)
		return
	}

	s.logger.Info("client connected",
		zap.String("session_id", clientSession.ID),
		zap.String("remote", r.RemoteAddr))

	clientSession.Start()
	<-clientSession.CloseChan

	s.sessionManager.RemoveSession(context.Background(), clientSession.ID)
	s.logger.Info("client disconnected", zap.String("session_id", clientSession.ID))
}

// reject tells the client why no session was created and closes it
func (s *Server) reject(conn *websocket.Conn, err error) {
	text, code := messages.ErrTextUpstreamConnection, websocket.CloseInternalServerErr
	if errors.Is(err, session.ErrMaxSessions) {
		text, code = messages.ErrTextMaxSessions, websocket.CloseTryAgainLater
	}

	conn.SetWriteDeadline(time.Now().Add(closeGrace))
	_ = conn.WriteMessage(websocket.TextMessage, messages.NewError(text))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(closeGrace))
	conn.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.sessionManager.GetActiveSessionCount())
}
