// Command relayclient streams a PCM16 file through the relay the way the
// browser client does and plays the audio it gets back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/medrevise/realtime-relay/audio"
	"github.com/medrevise/realtime-relay/messages"
)

func main() {
	// Flags
	serverURL := flag.String("server", "ws://localhost:3001/", "relay WebSocket URL")
	audioFile := flag.String("file", "examples/user.pcm", "24kHz mono PCM16 or WAV file to send")
	chunkSamples := flag.Int("chunk", audio.FrameSamples, "samples per frame")
	noPlay := flag.Bool("no-play", false, "do not play audio replies")
	wait := flag.Duration("wait", 30*time.Second, "how long to wait for replies after sending")
	flag.Parse()

	if *chunkSamples <= 0 {
		fmt.Fprintf(os.Stderr, "invalid -chunk %d: must be a positive number of samples\n", *chunkSamples)
		os.Exit(2)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	log.Infof("connecting to %s", *serverURL)
	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	var queue *audio.PlaybackQueue
	if !*noPlay {
		player, err := audio.NewSoxPlayer()
		if err != nil {
			log.Fatalf("failed to create audio player: %v", err)
		}
		defer player.Close()

		queue = audio.NewPlaybackQueue(player, logger)
		defer queue.Clear()
		go queue.Run(ctx)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		readReplies(conn, queue, log)
	}()

	pcm, err := loadAudioFile(*audioFile, log)
	if err != nil {
		log.Fatalf("failed to load audio: %v", err)
	}

	// running the command is the user interaction that allows playback
	if queue != nil {
		queue.Unlock()
	}

	if err := stream(ctx, conn, pcm, *chunkSamples*audio.BytesPerSample, log); err != nil {
		log.Errorf("send error: %v", err)
	}
	log.Info("audio sent, waiting for response...")

	select {
	case <-done:
		log.Info("connection closed")
	case <-ctx.Done():
		log.Info("interrupted, closing...")
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	case <-time.After(*wait):
		log.Info("timeout waiting for response")
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
}

// stream sends pcm as conversation.item.create frames paced in real time
func stream(ctx context.Context, conn *websocket.Conn, pcm []byte, chunkBytes int, log *zap.SugaredLogger) error {
	if chunkBytes <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d bytes", chunkBytes)
	}
	total := (len(pcm) + chunkBytes - 1) / chunkBytes
	for i := 0; i < len(pcm); i += chunkBytes {
		chunk := pcm[i:min(i+chunkBytes, len(pcm))]

		frame, err := audio.NewInputAudioFrame(chunk)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
		log.Debugf("sent chunk %d/%d (%d bytes)", i/chunkBytes+1, total, len(chunk))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(audio.Duration(len(chunk))):
		}
	}
	return nil
}

func readReplies(conn *websocket.Conn, queue *audio.PlaybackQueue, log *zap.SugaredLogger) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Infof("read: %v", err)
			return
		}

		env, err := messages.DecodeServerEnvelope(message)
		if errors.Is(err, messages.ErrUnknownEnvelope) {
			continue
		}
		if err != nil {
			log.Warnf("parse error: %v", err)
			continue
		}

		switch e := env.(type) {
		case messages.TextDelta:
			fmt.Printf("📝 %s\n", e.Delta)
		case messages.AudioDelta:
			if queue != nil {
				queue.Enqueue(e.Delta)
			}
		case messages.Error:
			log.Errorf("server error: %s", e.Error)
		}
	}
}

// loadAudioFile loads PCM or WAV file and returns raw PCM bytes
func loadAudioFile(path string, log *zap.SugaredLogger) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Check if it's a WAV file (starts with "RIFF")
	if len(data) > 44 && string(data[0:4]) == "RIFF" {
		log.Info("detected WAV file, skipping header")
		return data[44:], nil
	}
	return data, nil
}
