package audio

import (
	"context"
	"encoding/base64"
	"sync"

	"go.uber.org/zap"
)

// Player plays one chunk of PCM16 audio and returns once it has finished
type Player interface {
	Play(ctx context.Context, pcm []byte) error
}

// PlaybackQueue plays received audio deltas strictly in arrival order, one at
// a time. Nothing plays until Unlock is called, mirroring a browser that
// refuses autoplay before the user interacts with the page.
type PlaybackQueue struct {
	player Player
	logger *zap.Logger

	mu       sync.Mutex
	chunks   []string
	unlocked bool
	playing  bool

	wake chan struct{}
}

// NewPlaybackQueue creates a locked, empty queue
func NewPlaybackQueue(player Player, logger *zap.Logger) *PlaybackQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PlaybackQueue{
		player: player,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue appends a base64 audio chunk
func (q *PlaybackQueue) Enqueue(b64 string) {
	q.mu.Lock()
	q.chunks = append(q.chunks, b64)
	q.mu.Unlock()
	q.signal()
}

// Unlock opens the interaction gate; queued chunks start playing
func (q *PlaybackQueue) Unlock() {
	q.mu.Lock()
	q.unlocked = true
	q.mu.Unlock()
	q.signal()
}

// Clear discards every chunk not yet started
func (q *PlaybackQueue) Clear() {
	q.mu.Lock()
	q.chunks = nil
	q.mu.Unlock()
}

// Len returns the number of chunks waiting to play
func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}

// Playing reports whether a chunk is currently being played
func (q *PlaybackQueue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

func (q *PlaybackQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// next pops the head chunk when the gate is open and nothing is playing
func (q *PlaybackQueue) next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.unlocked || q.playing || len(q.chunks) == 0 {
		return "", false
	}
	chunk := q.chunks[0]
	q.chunks = q.chunks[1:]
	q.playing = true
	return chunk, true
}

func (q *PlaybackQueue) done() {
	q.mu.Lock()
	q.playing = false
	q.mu.Unlock()
}

// Run is the single consumer. It returns when ctx is cancelled.
func (q *PlaybackQueue) Run(ctx context.Context) error {
	for {
		chunk, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.wake:
				continue
			}
		}

		pcm, err := base64.StdEncoding.DecodeString(chunk)
		if err != nil {
			q.logger.Warn("skipping undecodable audio chunk", zap.Error(err))
		} else if err := q.player.Play(ctx, pcm); err != nil {
			q.logger.Warn("audio playback failed", zap.Error(err))
		}
		q.done()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
