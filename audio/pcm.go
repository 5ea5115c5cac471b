// Package audio frames captured microphone audio for the relay and plays
// back the audio deltas it returns.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"time"

	"github.com/medrevise/realtime-relay/messages"
)

// Capture format expected by the upstream: 24 kHz mono signed 16-bit LE
const (
	SampleRate     = 24000
	Channels       = 1
	BytesPerSample = 2

	// FrameSamples is the capture block size the browser client emits.
	FrameSamples = 4096
)

// EncodePCM16 clamps samples to [-1, 1], scales by 0x7FFF and writes them as
// little-endian int16.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(int16(s*0x7FFF)))
	}
	return out
}

// DecodePCM16 reads little-endian int16 samples; a trailing odd byte is ignored
func DecodePCM16(data []byte) []int16 {
	out := make([]int16, len(data)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))
	}
	return out
}

// NewInputAudioFrame wraps raw PCM16 bytes in a conversation.item.create
// envelope ready to send to the relay.
func NewInputAudioFrame(pcm []byte) ([]byte, error) {
	return messages.NewConversationItemCreate(base64.StdEncoding.EncodeToString(pcm)).Marshal()
}

// Duration returns the playback time of n bytes of PCM16 at SampleRate
func Duration(n int) time.Duration {
	samples := n / (BytesPerSample * Channels)
	return time.Duration(samples) * time.Second / SampleRate
}
