package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// ErrPlayerClosed is returned by Play after Close
var ErrPlayerClosed = errors.New("audio: player closed")

// SoxPlayer streams raw PCM16 into a long-running sox process that plays to
// the default output device.
type SoxPlayer struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex
	closed bool
}

// NewSoxPlayer starts sox reading 24 kHz mono PCM16 from stdin
func NewSoxPlayer() (*SoxPlayer, error) {
	cmd := exec.Command("sox",
		"-t", "raw",
		"-r", strconv.Itoa(SampleRate),
		"-b", "16",
		"-c", strconv.Itoa(Channels),
		"-e", "signed-integer",
		"-",
		"-d",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sox stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sox start (is sox installed?): %w", err)
	}
	return &SoxPlayer{cmd: cmd, stdin: stdin}, nil
}

// Play writes pcm to sox and waits for its playback time so the queue only
// advances once the chunk has been heard.
func (p *SoxPlayer) Play(ctx context.Context, pcm []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPlayerClosed
	}
	_, err := p.stdin.Write(pcm)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("sox write: %w", err)
	}

	timer := time.NewTimer(Duration(len(pcm)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Close stops sox after it drains what it has buffered
func (p *SoxPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.stdin.Close()
	return p.cmd.Wait()
}
