// Command upstreamprobe opens a single upstream connection with the relay's
// configuration and prints what the realtime API sends back.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/medrevise/realtime-relay/audio"
	"github.com/medrevise/realtime-relay/config"
	"github.com/medrevise/realtime-relay/session"
	"github.com/medrevise/realtime-relay/upstream"
)

const previewBytes = 200

func main() {
	duration := flag.Duration("duration", 10*time.Second, "how long to listen")
	audioFile := flag.String("file", "", "optional PCM16 file sent as one input_audio item")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	client, err := upstream.New(session.UpstreamConfig(cfg), logger)
	if err != nil {
		logger.Fatal("failed to create upstream client", zap.Error(err))
	}
	defer client.Close()

	closed := make(chan struct{})
	client.OnMessage = func(f upstream.Frame) {
		kind := "text"
		if f.Binary {
			kind = "binary"
		}
		preview := f.Data
		if len(preview) > previewBytes {
			preview = preview[:previewBytes]
		}
		fmt.Printf("📥 %s frame, %d bytes: %s\n", kind, len(f.Data), preview)
	}
	client.OnError = func(err error) {
		logger.Error("upstream error", zap.Error(err))
	}
	client.OnClose = func(code websocket.StatusCode, reason string) {
		logger.Info("upstream closed", zap.Int("code", int(code)), zap.String("reason", reason))
		close(closed)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		logger.Fatal("failed to connect", zap.Error(err))
	}

	if *audioFile != "" {
		pcm, err := os.ReadFile(*audioFile)
		if err != nil {
			logger.Fatal("failed to read audio", zap.Error(err))
		}
		frame, err := audio.NewInputAudioFrame(pcm)
		if err != nil {
			logger.Fatal("failed to encode audio", zap.Error(err))
		}
		if err := client.Send(ctx, frame); err != nil {
			logger.Fatal("failed to send audio", zap.Error(err))
		}
		logger.Info("sent audio item", zap.Int("bytes", len(pcm)))
	}

	logger.Info("listening", zap.Duration("duration", *duration))
	select {
	case <-closed:
	case <-ctx.Done():
	case <-time.After(*duration):
	}
	logger.Info("done")
}
