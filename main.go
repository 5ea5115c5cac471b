package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/medrevise/realtime-relay/avatar"
	"github.com/medrevise/realtime-relay/config"
	"github.com/medrevise/realtime-relay/logging"
	"github.com/medrevise/realtime-relay/observe"
	"github.com/medrevise/realtime-relay/server"
	"github.com/medrevise/realtime-relay/session"
)

const (
	serviceName     = "realtime-relay"
	serviceVersion  = "0.1.0"
	shutdownTimeout = 10 * time.Second
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := observe.InitProvider(ctx, serviceName, serviceVersion)
	if err != nil {
		logger.Fatal("failed to init metrics provider", zap.Error(err))
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		logger.Fatal("failed to create metrics", zap.Error(err))
	}

	// Create session manager
	sessionManager, err := session.NewManager(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Fatal("failed to create session manager", zap.Error(err))
	}

	// Start cleanup routine
	go sessionManager.StartCleanupRoutine(ctx)

	var opts []server.Option
	if cfg.AvatarEnabled() {
		av, err := avatar.New(avatar.Config{
			BaseURL:         cfg.TavusURL,
			APIKey:          cfg.TavusAPIKey,
			AvatarID:        cfg.TavusAvatarID,
			ConversationURL: cfg.TavusConversationURL,
			ReplicaID:       cfg.TavusReplicaID,
			PersonaID:       cfg.TavusPersonaID,
			Conversation: avatar.ConversationSettings{
				Name:                cfg.TavusConversationName,
				Context:             cfg.TavusConversationContext,
				EnableRecording:     true,
				EnableTranscription: true,
			},
		}, logger.Named("avatar"))
		if err != nil {
			logger.Fatal("failed to create avatar client", zap.Error(err))
		}
		opts = append(opts, server.WithAvatar(av))
	}

	srv := server.New(cfg, sessionManager, logger, opts...)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Error("metrics shutdown error", zap.Error(err))
		}
	}()

	if err := srv.Start(); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	<-stopped

	logger.Info("server stopped")
}
