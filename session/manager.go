package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/medrevise/realtime-relay/config"
	"github.com/medrevise/realtime-relay/observe"
	"github.com/medrevise/realtime-relay/upstream"
)

const cleanupInterval = 1 * time.Minute

// ErrMaxSessions is returned by CreateSession at capacity
var ErrMaxSessions = errors.New("maximum sessions reached")

// Manager tracks live sessions for capacity, idle cleanup and shutdown.
// Sessions never see each other through it.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	registry    *Registry
	config      *config.Config
	upstreamCfg upstream.Config
	logger      *zap.Logger
	metrics     *observe.Metrics
}

// UpstreamConfig derives the per-session upstream settings from cfg
func UpstreamConfig(cfg *config.Config) upstream.Config {
	return upstream.Config{
		URL:            cfg.RealtimeURL,
		Model:          cfg.RealtimeModel,
		APIKey:         cfg.APIKey,
		BetaHeader:     cfg.BetaHeader,
		Instructions:   cfg.Instructions,
		ConnectTimeout: cfg.ConnectTimeout,
		Retry: upstream.RetryPolicy{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     cfg.ReconnectBackoff,
			MaxBackoff:  cfg.ReconnectMaxBackoff,
		},
	}
}

// NewManager validates the upstream settings once so a bad configuration
// stops the process before it listens, then connects the optional registry.
func NewManager(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *observe.Metrics) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observe.Noop()
	}

	upCfg := UpstreamConfig(cfg)
	probe, err := upstream.New(upCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("upstream configuration: %w", err)
	}
	probe.Close()

	return &Manager{
		sessions:    make(map[string]*Session),
		registry:    NewRegistry(ctx, cfg.RedisURL, cfg.RedisPassword, cfg.SessionTimeout, logger),
		config:      cfg,
		upstreamCfg: upCfg,
		logger:      logger,
		metrics:     metrics,
	}, nil
}

// CreateSession pairs clientConn with a fresh, not yet connected upstream
// client. The caller starts it.
func (sm *Manager) CreateSession(ctx context.Context, clientConn *websocket.Conn) (*Session, error) {
	s, err := sm.addSession(clientConn)
	if err != nil {
		return nil, err
	}
	// Redis is recorded outside the lock so a slow registry never stalls
	// other accepts, removals or health checks.
	sm.registry.Add(ctx, s)
	return s, nil
}

func (sm *Manager) addSession(clientConn *websocket.Conn) (*Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.sessions) >= sm.config.MaxSessions {
		return nil, ErrMaxSessions
	}

	sessionID := uuid.New().String()
	logger := sm.logger.With(zap.String("session_id", sessionID))

	up, err := upstream.New(sm.upstreamCfg, logger, upstream.WithMetrics(sm.metrics))
	if err != nil {
		return nil, err
	}

	s := New(sessionID, clientConn, up, Options{
		Logger:          sm.logger,
		Metrics:         sm.metrics,
		ReportMalformed: sm.config.ReportMalformedFrames,
	})

	sm.sessions[sessionID] = s
	return s, nil
}

// GetSession retrieves a session by ID
func (sm *Manager) GetSession(sessionID string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	s, exists := sm.sessions[sessionID]
	return s, exists
}

// RemoveSession closes and forgets a session
func (sm *Manager) RemoveSession(ctx context.Context, sessionID string) {
	sm.mu.Lock()
	s, exists := sm.sessions[sessionID]
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()

	if !exists {
		return
	}
	s.Close()
	sm.registry.Remove(ctx, sessionID)
}

// GetActiveSessionCount returns current session count
func (sm *Manager) GetActiveSessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CleanupInactiveSessions removes sessions idle longer than SessionTimeout
// and refreshes the registry records of the rest
func (sm *Manager) CleanupInactiveSessions(ctx context.Context) {
	now := time.Now()

	sm.mu.Lock()
	var stale []*Session
	live := make([]string, 0, len(sm.sessions))
	for id, s := range sm.sessions {
		if s.IdleFor(now) > sm.config.SessionTimeout {
			stale = append(stale, s)
			delete(sm.sessions, id)
			continue
		}
		live = append(live, id)
	}
	sm.mu.Unlock()

	sm.registry.Refresh(ctx, live)

	for _, s := range stale {
		sm.logger.Info("closing idle session", zap.String("session_id", s.ID))
		s.Close()
		sm.registry.Remove(ctx, s.ID)
	}
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions
func (sm *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupInactiveSessions(ctx)
		}
	}
}

// Shutdown closes all sessions
func (sm *Manager) Shutdown(ctx context.Context) {
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[string]*Session)
	sm.mu.Unlock()

	var wg sync.WaitGroup
	for id, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
			sm.registry.Remove(ctx, id)
		}()
	}
	wg.Wait()

	if err := sm.registry.Close(); err != nil {
		sm.logger.Warn("registry close", zap.Error(err))
	}
}
