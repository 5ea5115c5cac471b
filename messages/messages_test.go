package messages

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validFrame = `{"type":"conversation.item.create","item":{"type":"message","role":"user","content":[{"type":"input_audio","audio":"AAABAA=="}]}}`

func TestParseClientEnvelope_Valid(t *testing.T) {
	env, err := ParseClientEnvelope([]byte(validFrame))
	require.NoError(t, err)
	assert.Equal(t, TypeConversationItemCreate, env.Type)
	require.Len(t, env.Item.Content, 1)
	assert.Equal(t, "AAABAA==", env.Item.Content[0].Audio)
}

func TestParseClientEnvelope_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr error
	}{
		{"not json", `hello`, ErrMalformed},
		{"truncated json", `{"type":"conversation.item.create"`, ErrMalformed},
		{"unknown field", `{"type":"conversation.item.create","extra":1,"item":{"type":"message","role":"user","content":[{"type":"input_audio","audio":"AA=="}]}}`, ErrMalformed},
		{"unknown type", `{"type":"response.cancel"}`, ErrUnknownEnvelope},
		{"missing type", `{"item":{"type":"message","role":"user","content":[{"type":"input_audio","audio":"AA=="}]}}`, ErrUnknownEnvelope},
		{"wrong role", `{"type":"conversation.item.create","item":{"type":"message","role":"assistant","content":[{"type":"input_audio","audio":"AA=="}]}}`, ErrInvalidItem},
		{"wrong item type", `{"type":"conversation.item.create","item":{"type":"function_call","role":"user","content":[{"type":"input_audio","audio":"AA=="}]}}`, ErrInvalidItem},
		{"no content", `{"type":"conversation.item.create","item":{"type":"message","role":"user","content":[]}}`, ErrInvalidItem},
		{"text part", `{"type":"conversation.item.create","item":{"type":"message","role":"user","content":[{"type":"input_text","audio":"AA=="}]}}`, ErrInvalidItem},
		{"empty audio", `{"type":"conversation.item.create","item":{"type":"message","role":"user","content":[{"type":"input_audio","audio":""}]}}`, ErrInvalidItem},
		{"upper-case keys", `{"TYPE":"conversation.item.create","Item":{"type":"message","role":"user","content":[{"type":"input_audio","audio":"AA=="}]}}`, ErrMalformed},
		{"mixed-case nested key", `{"type":"conversation.item.create","item":{"type":"message","Role":"user","content":[{"type":"input_audio","audio":"AA=="}]}}`, ErrMalformed},
		{"duplicate type", `{"type":"session.update","type":"conversation.item.create","item":{"type":"message","role":"user","content":[{"type":"input_audio","audio":"AA=="}]}}`, ErrMalformed},
		{"duplicate nested key", `{"type":"conversation.item.create","item":{"type":"message","role":"system","role":"user","content":[{"type":"input_audio","audio":"AA=="}]}}`, ErrMalformed},
		{"duplicate key in content part", `{"type":"conversation.item.create","item":{"type":"message","role":"user","content":[{"type":"input_text","type":"input_audio","audio":"AA=="}]}}`, ErrMalformed},
		{"bad base64", `{"type":"conversation.item.create","item":{"type":"message","role":"user","content":[{"type":"input_audio","audio":"@@@"}]}}`, ErrInvalidItem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseClientEnvelope([]byte(tt.frame))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewConversationItemCreate_RoundTripsThroughParser(t *testing.T) {
	data, err := NewConversationItemCreate("AAAA").Marshal()
	require.NoError(t, err)

	env, err := ParseClientEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, "AAAA", env.Item.Content[0].Audio)
}

func TestFromUpstream(t *testing.T) {
	t.Run("json text is byte identical", func(t *testing.T) {
		in := []byte(`{"type":"response.text.delta","delta":"Hello"}`)
		out, err := FromUpstream(in, false)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("json in a binary frame is byte identical", func(t *testing.T) {
		in := []byte(`{"type":"session.created",  "session":{}}`)
		out, err := FromUpstream(in, true)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("raw binary is wrapped as audio delta", func(t *testing.T) {
		in := []byte{0x00, 0xff, 0x10, 0x80, 0x7f}
		out, err := FromUpstream(in, true)
		require.NoError(t, err)

		env, err := DecodeServerEnvelope(out)
		require.NoError(t, err)
		audio, ok := env.(AudioDelta)
		require.True(t, ok)
		assert.Equal(t, TypeAudioDelta, audio.Type)
		assert.Equal(t, base64.StdEncoding.EncodeToString(in), audio.Delta)
	})

	t.Run("non-json text is an error", func(t *testing.T) {
		_, err := FromUpstream([]byte("not json"), false)
		assert.ErrorIs(t, err, ErrNotJSON)
	})
}

func TestDecodeServerEnvelope(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want ServerEnvelope
	}{
		{"text delta", `{"type":"response.text.delta","delta":"Hi"}`, TextDelta{Type: TypeTextDelta, Delta: "Hi"}},
		{"audio delta", `{"type":"response.audio.delta","delta":"AAAA","item_id":"x"}`, AudioDelta{Type: TypeAudioDelta, Delta: "AAAA"}},
		{"relay error", `{"error":"OpenAI connection error"}`, Error{Error: ErrTextUpstreamConnection}},
		{"upstream error event", `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`, Error{Error: "bad"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeServerEnvelope([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeServerEnvelope_Unknown(t *testing.T) {
	_, err := DecodeServerEnvelope([]byte(`{"type":"session.created","session":{}}`))
	assert.ErrorIs(t, err, ErrUnknownEnvelope)

	_, err = DecodeServerEnvelope([]byte(`{"type":"response.text.delta"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNewResponseCreate(t *testing.T) {
	data, err := NewResponseCreate("Please assist the user.")
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"response.create","response":{"modalities":["text","audio"],"instructions":"Please assist the user."}}`,
		string(data))
}

func TestNewError(t *testing.T) {
	assert.JSONEq(t, `{"error":"OpenAI connection error"}`, string(NewError(ErrTextUpstreamConnection)))
}
