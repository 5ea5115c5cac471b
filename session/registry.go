package session

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	activeSessionsKey = "active_sessions"
	sessionKeyPrefix  = "session:"
	redisPingTimeout  = 5 * time.Second
)

// Registry records live sessions in Redis for operators. It is write-only:
// the relay never reads these records back, so a missing or failing Redis
// never affects relaying.
type Registry struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRegistry connects to Redis at addr. When addr is empty or the server
// does not answer a ping, the returned Registry is disabled and every method
// is a no-op.
func NewRegistry(ctx context.Context, addr, password string, ttl time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{ttl: ttl, logger: logger}
	if addr == "" {
		return r
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, session registry disabled", zap.String("addr", addr), zap.Error(err))
		client.Close()
		return r
	}

	logger.Info("session registry connected", zap.String("addr", addr))
	r.redis = client
	return r
}

// Enabled reports whether records are being written
func (r *Registry) Enabled() bool {
	return r != nil && r.redis != nil
}

// Add records a new session
func (r *Registry) Add(ctx context.Context, s *Session) {
	if !r.Enabled() {
		return
	}
	key := sessionKeyPrefix + s.ID
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"created_at": s.CreatedAt.Format(time.RFC3339),
			"status":     "active",
		})
		pipe.SAdd(ctx, activeSessionsKey, s.ID)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		r.logger.Debug("registry add failed", zap.String("session_id", s.ID), zap.Error(err))
	}
}

// Refresh pushes back the expiry of live sessions' records so they outlast
// SessionTimeout for as long as the sessions do.
func (r *Registry) Refresh(ctx context.Context, ids []string) {
	if !r.Enabled() || r.ttl <= 0 || len(ids) == 0 {
		return
	}
	_, err := r.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Expire(ctx, sessionKeyPrefix+id, r.ttl)
		}
		return nil
	})
	if err != nil {
		r.logger.Debug("registry refresh failed", zap.Int("sessions", len(ids)), zap.Error(err))
	}
}

// Remove deletes a session's record
func (r *Registry) Remove(ctx context.Context, id string) {
	if !r.Enabled() {
		return
	}
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKeyPrefix+id)
		pipe.SRem(ctx, activeSessionsKey, id)
		return nil
	})
	if err != nil {
		r.logger.Debug("registry remove failed", zap.String("session_id", id), zap.Error(err))
	}
}

// Close releases the Redis connection
func (r *Registry) Close() error {
	if !r.Enabled() {
		return nil
	}
	return r.redis.Close()
}
