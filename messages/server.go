package messages

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Relay -> client envelope types
const (
	TypeTextDelta  = "response.text.delta"
	TypeAudioDelta = "response.audio.delta"
	TypeError      = "error"
)

// Error texts sent to the client
const (
	ErrTextUpstreamConnection = "OpenAI connection error"
	ErrTextProcessMessage     = "Failed to process message"
	ErrTextUpstreamMessage    = "Error processing message"
	ErrTextMaxSessions        = "maximum sessions reached"
)

// ErrNotJSON is returned for upstream text frames that are not JSON
var ErrNotJSON = errors.New("upstream text frame is not JSON")

// ServerEnvelope is one of TextDelta, AudioDelta or Error
type ServerEnvelope interface {
	serverEnvelope()
}

// TextDelta carries a partial text response
type TextDelta struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

// AudioDelta carries one base64 audio chunk
type AudioDelta struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

// Error is the relay's error envelope: {"error": "..."}
type Error struct {
	Error string `json:"error"`
}

func (TextDelta) serverEnvelope()  {}
func (AudioDelta) serverEnvelope() {}
func (Error) serverEnvelope()      {}

// NewAudioDelta encodes an audio delta frame
func NewAudioDelta(b64 string) []byte {
	return mustMarshal(AudioDelta{Type: TypeAudioDelta, Delta: b64})
}

// NewTextDelta encodes a text delta frame
func NewTextDelta(text string) []byte {
	return mustMarshal(TextDelta{Type: TypeTextDelta, Delta: text})
}

// NewError encodes an error frame
func NewError(msg string) []byte {
	return mustMarshal(Error{Error: msg})
}

// WrapBinaryAudio turns raw upstream bytes into an audio delta frame
func WrapBinaryAudio(data []byte) []byte {
	return NewAudioDelta(base64.StdEncoding.EncodeToString(data))
}

// FromUpstream applies the framing rule for upstream -> client frames:
// valid JSON passes through byte-identical, binary non-JSON becomes an audio
// delta, text non-JSON is an error.
func FromUpstream(data []byte, binary bool) ([]byte, error) {
	if sonic.Valid(data) {
		return data, nil
	}
	if binary {
		return WrapBinaryAudio(data), nil
	}
	return nil, ErrNotJSON
}

type serverProbe struct {
	Type  string          `json:"type"`
	Delta *string         `json:"delta"`
	Error json.RawMessage `json:"error"`
}

type upstreamError struct {
	Message string `json:"message"`
}

// DecodeServerEnvelope classifies a relay -> client frame. Upstream event
// types other than text/audio deltas and errors yield ErrUnknownEnvelope.
func DecodeServerEnvelope(data []byte) (ServerEnvelope, error) {
	var probe serverProbe
	if err := sonic.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if len(probe.Error) > 0 && string(probe.Error) != "null" {
		// The relay sends a bare string; upstream error events nest an object.
		var msg string
		if err := sonic.Unmarshal(probe.Error, &msg); err == nil {
			return Error{Error: msg}, nil
		}
		var ue upstreamError
		if err := sonic.Unmarshal(probe.Error, &ue); err != nil {
			return nil, fmt.Errorf("%w: error field: %v", ErrMalformed, err)
		}
		return Error{Error: ue.Message}, nil
	}

	switch probe.Type {
	case TypeTextDelta:
		if probe.Delta == nil {
			return nil, fmt.Errorf("%w: %s without delta", ErrMalformed, probe.Type)
		}
		return TextDelta{Type: probe.Type, Delta: *probe.Delta}, nil
	case TypeAudioDelta:
		if probe.Delta == nil {
			return nil, fmt.Errorf("%w: %s without delta", ErrMalformed, probe.Type)
		}
		return AudioDelta{Type: probe.Type, Delta: *probe.Delta}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvelope, probe.Type)
	}
}

// marshalling these fixed string shapes cannot fail
func mustMarshal(v any) []byte {
	b, err := sonic.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("messages: marshal %T: %v", v, err))
	}
	return b
}
