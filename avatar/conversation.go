package avatar

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Conversation session limits applied when none are configured
const (
	DefaultConversationName         = "Consultation"
	DefaultMaxCallDuration          = 720
	DefaultParticipantLeftTimeout   = 60
	DefaultParticipantAbsentTimeout = 300
	DefaultConversationLanguage     = "english"
)

// ErrConversation wraps a provider refusal to start a conversation
var ErrConversation = errors.New("avatar: conversation could not be created")

// ConversationSettings describe the live session Tavus opens. Durations are
// in seconds.
type ConversationSettings struct {
	Name                     string
	Context                  string
	MaxCallDuration          int
	ParticipantLeftTimeout   int
	ParticipantAbsentTimeout int
	EnableRecording          bool
	EnableTranscription      bool
	Language                 string
}

func (s ConversationSettings) withDefaults() ConversationSettings {
	if s.Name == "" {
		s.Name = DefaultConversationName
	}
	if s.MaxCallDuration <= 0 {
		s.MaxCallDuration = DefaultMaxCallDuration
	}
	if s.ParticipantLeftTimeout <= 0 {
		s.ParticipantLeftTimeout = DefaultParticipantLeftTimeout
	}
	if s.ParticipantAbsentTimeout <= 0 {
		s.ParticipantAbsentTimeout = DefaultParticipantAbsentTimeout
	}
	if s.Language == "" {
		s.Language = DefaultConversationLanguage
	}
	return s
}

type conversationRequest struct {
	ReplicaID             string                 `json:"replica_id"`
	PersonaID             string                 `json:"persona_id"`
	ConversationName      string                 `json:"conversation_name"`
	ConversationalContext string                 `json:"conversational_context,omitempty"`
	Properties            conversationProperties `json:"properties"`
}

type conversationProperties struct {
	MaxCallDuration          int    `json:"max_call_duration"`
	ParticipantLeftTimeout   int    `json:"participant_left_timeout"`
	ParticipantAbsentTimeout int    `json:"participant_absent_timeout"`
	EnableRecording          bool   `json:"enable_recording"`
	EnableTranscription      bool   `json:"enable_transcription"`
	Language                 string `json:"language"`
}

// Conversation is a live avatar session the browser joins at URL
type Conversation struct {
	ID     string `json:"conversation_id"`
	URL    string `json:"conversation_url"`
	Status string `json:"status"`
}

// CreateConversation opens a live conversation with the configured replica
// and persona. The request is abandoned after RequestTimeout or when ctx
// ends, whichever comes first.
func (c *Client) CreateConversation(ctx context.Context) (*Conversation, error) {
	if !c.ConversationsEnabled() {
		return nil, fmt.Errorf("%w: conversations", ErrNotConfigured)
	}

	settings := c.cfg.Conversation
	body, err := sonic.Marshal(conversationRequest{
		ReplicaID:             c.cfg.ReplicaID,
		PersonaID:             c.cfg.PersonaID,
		ConversationName:      settings.Name,
		ConversationalContext: settings.Context,
		Properties: conversationProperties{
			MaxCallDuration:          settings.MaxCallDuration,
			ParticipantLeftTimeout:   settings.ParticipantLeftTimeout,
			ParticipantAbsentTimeout: settings.ParticipantAbsentTimeout,
			EnableRecording:          settings.EnableRecording,
			EnableTranscription:      settings.EnableTranscription,
			Language:                 settings.Language,
		},
	})
	if err != nil {
		return nil, err
	}

	var out Conversation
	err = c.send(ctx, request{
		method:      fasthttp.MethodPost,
		uri:         c.conversationBase.String() + "/conversations",
		authHeader:  "x-api-key",
		authValue:   c.cfg.APIKey,
		contentType: "application/json",
		body:        body,
		statusErr:   ErrConversation,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if out.URL == "" {
		return nil, fmt.Errorf("create conversation: %w: empty conversation_url", ErrConversation)
	}

	c.logger.Info("avatar conversation created",
		zap.String("conversation_id", out.ID),
		zap.String("status", out.Status))
	return &out, nil
}
