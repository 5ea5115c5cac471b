package avatar

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJob_Transitions(t *testing.T) {
	tests := []struct {
		name      string
		polls     []GenerationStatus
		pollErr   error
		wantState State
		wantPolls int
		wantURL   string
	}{
		{
			name:      "succeeds on completed",
			polls:     []GenerationStatus{{Status: "queued"}, {Status: "processing"}, {Status: StatusCompleted, VideoURL: "https://v/1.mp4"}},
			wantState: Succeeded,
			wantPolls: 3,
			wantURL:   "https://v/1.mp4",
		},
		{
			name:      "fails on provider failure",
			polls:     []GenerationStatus{{Status: "processing"}, {Status: StatusFailed}},
			wantState: Failed,
			wantPolls: 2,
		},
		{
			name:      "completed without url is a failure",
			polls:     []GenerationStatus{{Status: StatusCompleted}},
			wantState: Failed,
			wantPolls: 1,
		},
		{
			name:      "times out after max polls",
			polls:     []GenerationStatus{{Status: "processing"}, {Status: "processing"}, {Status: "processing"}},
			wantState: TimedOut,
			wantPolls: 3,
		},
		{
			name:      "fails on poll error",
			polls:     []GenerationStatus{{}},
			pollErr:   errors.New("connection reset"),
			wantState: Failed,
			wantPolls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewJob("gen-1", 3)
			var state State
			for _, p := range tt.polls {
				state = job.Advance(p, tt.pollErr)
				if state != Pending {
					break
				}
			}
			assert.Equal(t, tt.wantState, state)
			assert.Equal(t, tt.wantPolls, job.Polls)
			assert.Equal(t, tt.wantURL, job.VideoURL)
			if tt.wantState == Succeeded {
				assert.NoError(t, job.Err)
			} else {
				assert.Error(t, job.Err)
			}
		})
	}
}

func TestJob_TerminalStatesAreSticky(t *testing.T) {
	job := NewJob("gen-1", 5)
	require.Equal(t, Failed, job.Advance(GenerationStatus{Status: StatusFailed}, nil))
	assert.Equal(t, Failed, job.Advance(GenerationStatus{Status: StatusCompleted, VideoURL: "u"}, nil))
	assert.Equal(t, 1, job.Polls)
	assert.Empty(t, job.VideoURL)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{AvatarID: "a", BaseURL: "http://x"}, nil)
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	_, err = New(Config{APIKey: "k", BaseURL: "http://x"}, nil)
	assert.ErrorIs(t, err, ErrMissingAvatarID)
	_, err = New(Config{APIKey: "k", AvatarID: "a"}, nil)
	assert.ErrorIs(t, err, ErrMissingBaseURL)

	_, err = New(Config{APIKey: "k", ReplicaID: "r"}, nil)
	assert.ErrorIs(t, err, ErrMissingAvatarID, "replica alone enables nothing")

	c, err := New(Config{APIKey: "k", AvatarID: "a", BaseURL: "http://x/"}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxPolls, c.cfg.MaxPolls)
	assert.Equal(t, DefaultPollInterval, c.cfg.PollInterval)
	assert.True(t, c.GenerationsEnabled())
	assert.False(t, c.ConversationsEnabled())

	c, err = New(Config{APIKey: "k", ReplicaID: "r", PersonaID: "p"}, nil)
	require.NoError(t, err)
	assert.False(t, c.GenerationsEnabled())
	assert.True(t, c.ConversationsEnabled())
	assert.Equal(t, DefaultConversationURL, c.cfg.ConversationURL)

	_, err = c.Generate(context.Background(), []byte("a"), "audio/wav")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

// fakeTavus serves the three endpoints; the generation completes after
// pendingPolls status requests.
type fakeTavus struct {
	pendingPolls int32
	statusPolls  atomic.Int32
	uploaded     atomic.Value
	generation   atomic.Value
	failStatus   bool
}

func (f *fakeTavus) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /uploads", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tavus-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.uploaded.Store(string(body))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"uploadId":"up-1"}`)
	})
	mux.HandleFunc("POST /generations", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.generation.Store(string(body))
		io.WriteString(w, `{"generationId":"gen-1"}`)
	})
	mux.HandleFunc("GET /generations/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gen-1", r.PathValue("id"))
		n := f.statusPolls.Add(1)
		switch {
		case f.failStatus:
			io.WriteString(w, `{"status":"failed"}`)
		case n > f.pendingPolls:
			io.WriteString(w, `{"status":"completed","videoUrl":"https://cdn.test/video.mp4"}`)
		default:
			io.WriteString(w, `{"status":"processing"}`)
		}
	})
	return mux
}

func newFakeTavus(t *testing.T, f *fakeTavus, maxPolls int) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:      srv.URL,
		APIKey:       "tavus-key",
		AvatarID:     "avatar-9",
		PollInterval: time.Millisecond,
		MaxPolls:     maxPolls,
	}, nil)
	require.NoError(t, err)
	return c
}

func TestGenerate_Success(t *testing.T) {
	f := &fakeTavus{pendingPolls: 2}
	c := newFakeTavus(t, f, 30)

	url, err := c.Generate(context.Background(), []byte("RIFFfake-wav"), "audio/wav")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/video.mp4", url)
	assert.Equal(t, int32(3), f.statusPolls.Load())
	assert.Equal(t, "RIFFfake-wav", f.uploaded.Load())

	var req generationRequest
	require.NoError(t, sonic.UnmarshalString(f.generation.Load().(string), &req))
	assert.Equal(t, "avatar-9", req.AvatarID)
	assert.Equal(t, "up-1", req.UploadID)
	assert.Equal(t, "mp4", req.Config.Output.Format)
}

func TestGenerate_TimesOut(t *testing.T) {
	f := &fakeTavus{pendingPolls: 1000}
	c := newFakeTavus(t, f, 4)

	_, err := c.Generate(context.Background(), []byte("a"), "audio/wav")
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.Equal(t, int32(4), f.statusPolls.Load())
}

func TestGenerate_ProviderFailure(t *testing.T) {
	f := &fakeTavus{failStatus: true}
	c := newFakeTavus(t, f, 30)

	_, err := c.Generate(context.Background(), []byte("a"), "audio/wav")
	assert.ErrorIs(t, err, ErrGeneration)
	assert.Equal(t, int32(1), f.statusPolls.Load())
}

func TestGenerate_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, APIKey: "k", AvatarID: "a"}, nil)
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), []byte("a"), "audio/wav")
	require.ErrorIs(t, err, ErrGeneration)
	assert.True(t, strings.Contains(err.Error(), "500"))
}

func TestAwait_ContextCancelledBetweenPolls(t *testing.T) {
	f := &fakeTavus{pendingPolls: 1000}
	c := newFakeTavus(t, f, 30)
	c.cfg.PollInterval = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	job, err := c.Await(ctx, "gen-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Failed, job.State)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func newConversationClient(t *testing.T, h http.HandlerFunc, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		APIKey:          "tavus-key",
		ConversationURL: srv.URL,
		ReplicaID:       "replica-1",
		PersonaID:       "persona-1",
		RequestTimeout:  timeout,
		Conversation:    ConversationSettings{Context: "Patient with a headache", EnableRecording: true},
	}, nil)
	require.NoError(t, err)
	return c
}

func TestCreateConversation_Success(t *testing.T) {
	var got conversationRequest
	c := newConversationClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/conversations", r.URL.Path)
		assert.Equal(t, "tavus-key", r.Header.Get("x-api-key"))
		assert.Empty(t, r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, sonic.Unmarshal(body, &got))
		io.WriteString(w, `{"conversation_id":"c-1","conversation_url":"https://tavus.daily.co/c-1","status":"active"}`)
	}, 0)

	conv, err := c.CreateConversation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Conversation{ID: "c-1", URL: "https://tavus.daily.co/c-1", Status: "active"}, conv)

	assert.Equal(t, "replica-1", got.ReplicaID)
	assert.Equal(t, "persona-1", got.PersonaID)
	assert.Equal(t, DefaultConversationName, got.ConversationName)
	assert.Equal(t, "Patient with a headache", got.ConversationalContext)
	assert.Equal(t, DefaultMaxCallDuration, got.Properties.MaxCallDuration)
	assert.Equal(t, DefaultParticipantAbsentTimeout, got.Properties.ParticipantAbsentTimeout)
	assert.True(t, got.Properties.EnableRecording)
	assert.Equal(t, "english", got.Properties.Language)
}

func TestCreateConversation_ProviderError(t *testing.T) {
	c := newConversationClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"invalid replica"}`, http.StatusBadRequest)
	}, 0)

	_, err := c.CreateConversation(context.Background())
	require.ErrorIs(t, err, ErrConversation)
	assert.Contains(t, err.Error(), "400")
}

func TestCreateConversation_MissingURL(t *testing.T) {
	c := newConversationClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"conversation_id":"c-1"}`)
	}, 0)

	_, err := c.CreateConversation(context.Background())
	assert.ErrorIs(t, err, ErrConversation)
}

func TestCreateConversation_AbortsAfterTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := newConversationClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 50*time.Millisecond)

	start := time.Now()
	_, err := c.CreateConversation(context.Background())
	assert.ErrorIs(t, err, ErrRequestTimedOut)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCreateConversation_NotConfigured(t *testing.T) {
	c, err := New(Config{APIKey: "k", AvatarID: "a", BaseURL: "http://x"}, nil)
	require.NoError(t, err)
	_, err = c.CreateConversation(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
}
