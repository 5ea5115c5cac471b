// Package avatar turns a recorded audio answer into a talking-avatar video
// through the Tavus REST API: upload the audio, request a generation, then
// poll the generation until it settles.
package avatar

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	DefaultConversationURL = "https://tavusapi.com/v2"
	DefaultPollInterval    = 2 * time.Second
	DefaultMaxPolls       = 30
	DefaultRequestTimeout = 10 * time.Second
)

var (
	ErrMissingAPIKey   = errors.New("avatar: API key is required")
	ErrMissingAvatarID = errors.New("avatar: avatar id is required")
	ErrMissingBaseURL  = errors.New("avatar: base URL is required")
	ErrTimedOut        = errors.New("avatar: video generation timed out")
	ErrGeneration      = errors.New("avatar: video generation failed")
	ErrNotConfigured   = errors.New("avatar: feature not configured")
	ErrRequestTimedOut = errors.New("avatar: request timed out")
)

// Config for the Tavus API. Video generation needs AvatarID and BaseURL;
// live conversations need ReplicaID and PersonaID. At least one of the two
// must be set.
type Config struct {
	BaseURL        string
	APIKey         string
	AvatarID       string
	PollInterval   time.Duration
	MaxPolls       int
	RequestTimeout time.Duration

	ConversationURL string
	ReplicaID       string
	PersonaID       string
	Conversation    ConversationSettings
}

// Client talks to the Tavus API over fasthttp
type Client struct {
	cfg              Config
	base             *url.URL
	conversationBase *url.URL
	http             *fasthttp.Client
	logger           *zap.Logger
}

// New validates cfg and fills in polling defaults
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	conversations := cfg.ReplicaID != "" && cfg.PersonaID != ""
	if cfg.AvatarID == "" && !conversations {
		return nil, ErrMissingAvatarID
	}

	var base *url.URL
	if cfg.AvatarID != "" {
		if cfg.BaseURL == "" {
			return nil, ErrMissingBaseURL
		}
		u, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
		if err != nil {
			return nil, fmt.Errorf("avatar: parse base URL: %w", err)
		}
		base = u
	}

	var conversationBase *url.URL
	if conversations {
		if cfg.ConversationURL == "" {
			cfg.ConversationURL = DefaultConversationURL
		}
		u, err := url.Parse(strings.TrimSuffix(cfg.ConversationURL, "/"))
		if err != nil {
			return nil, fmt.Errorf("avatar: parse conversation URL: %w", err)
		}
		conversationBase = u
		cfg.Conversation = cfg.Conversation.withDefaults()
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = DefaultMaxPolls
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:              cfg,
		base:             base,
		conversationBase: conversationBase,
		http:             &fasthttp.Client{Name: "realtime-relay"},
		logger:           logger,
	}, nil
}

// GenerationsEnabled reports whether Generate can be used
func (c *Client) GenerationsEnabled() bool {
	return c.base != nil
}

// ConversationsEnabled reports whether CreateConversation can be used
func (c *Client) ConversationsEnabled() bool {
	return c.conversationBase != nil
}

type uploadResponse struct {
	UploadID string `json:"uploadId"`
}

type generationRequest struct {
	AvatarID string           `json:"avatarId"`
	UploadID string           `json:"uploadId"`
	Config   generationConfig `json:"config"`
}

type generationConfig struct {
	Background string       `json:"background"`
	Output     outputConfig `json:"output"`
}

type outputConfig struct {
	Format  string `json:"format"`
	Quality string `json:"quality"`
}

type generationResponse struct {
	GenerationID string `json:"generationId"`
}

// GenerationStatus is one poll result
type GenerationStatus struct {
	Status   string `json:"status"`
	VideoURL string `json:"videoUrl"`
}

// Upload sends the recorded audio and returns its upload id
func (c *Client) Upload(ctx context.Context, audio []byte, contentType string) (string, error) {
	var out uploadResponse
	if err := c.do(ctx, fasthttp.MethodPost, "/uploads", contentType, audio, &out); err != nil {
		return "", fmt.Errorf("upload audio: %w", err)
	}
	if out.UploadID == "" {
		return "", fmt.Errorf("upload audio: %w: empty uploadId", ErrGeneration)
	}
	return out.UploadID, nil
}

// CreateGeneration requests a video of the configured avatar speaking the upload
func (c *Client) CreateGeneration(ctx context.Context, uploadID string) (string, error) {
	body, err := sonic.Marshal(generationRequest{
		AvatarID: c.cfg.AvatarID,
		UploadID: uploadID,
		Config: generationConfig{
			Background: "office",
			Output:     outputConfig{Format: "mp4", Quality: "high"},
		},
	})
	if err != nil {
		return "", err
	}

	var out generationResponse
	if err := c.do(ctx, fasthttp.MethodPost, "/generations", "application/json", body, &out); err != nil {
		return "", fmt.Errorf("create generation: %w", err)
	}
	if out.GenerationID == "" {
		return "", fmt.Errorf("create generation: %w: empty generationId", ErrGeneration)
	}
	return out.GenerationID, nil
}

// Status fetches the current state of a generation
func (c *Client) Status(ctx context.Context, generationID string) (GenerationStatus, error) {
	var out GenerationStatus
	err := c.do(ctx, fasthttp.MethodGet, "/generations/"+url.PathEscape(generationID), "", nil, &out)
	return out, err
}

// Generate runs the whole flow and returns the finished video's URL
func (c *Client) Generate(ctx context.Context, audio []byte, contentType string) (string, error) {
	if !c.GenerationsEnabled() {
		return "", fmt.Errorf("%w: video generation", ErrNotConfigured)
	}
	uploadID, err := c.Upload(ctx, audio, contentType)
	if err != nil {
		return "", err
	}
	generationID, err := c.CreateGeneration(ctx, uploadID)
	if err != nil {
		return "", err
	}
	c.logger.Info("avatar generation requested", zap.String("generation_id", generationID))

	job, err := c.Await(ctx, generationID)
	if err != nil {
		return "", err
	}
	return job.VideoURL, nil
}

// Await polls generationID until the job leaves Pending. Waits between
// polls end early when ctx is cancelled.
func (c *Client) Await(ctx context.Context, generationID string) (*Job, error) {
	job := NewJob(generationID, c.cfg.MaxPolls)

	for {
		status, err := c.Status(ctx, generationID)
		if job.Advance(status, err) != Pending {
			break
		}

		timer := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			job.fail(ctx.Err())
			return job, ctx.Err()
		case <-timer.C:
		}
	}

	c.logger.Info("avatar generation settled",
		zap.String("generation_id", generationID),
		zap.Stringer("state", job.State),
		zap.Int("polls", job.Polls))

	switch job.State {
	case Succeeded:
		return job, nil
	case TimedOut:
		return job, ErrTimedOut
	default:
		return job, job.Err
	}
}

// request is one Tavus API call
type request struct {
	method      string
	uri         string
	authHeader  string
	authValue   string
	contentType string
	body        []byte

	// statusErr wraps non-2xx answers
	statusErr error
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	if c.base == nil {
		return fmt.Errorf("%w: video generation", ErrNotConfigured)
	}
	return c.send(ctx, request{
		method:      method,
		uri:         c.base.String() + path,
		authHeader:  "Authorization",
		authValue:   "Bearer " + c.cfg.APIKey,
		contentType: contentType,
		body:        body,
		statusErr:   ErrGeneration,
	}, out)
}

// send performs r within RequestTimeout, or sooner when ctx has an earlier
// deadline
func (c *Client) send(ctx context.Context, r request, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(r.uri)
	req.Header.SetMethod(r.method)
	req.Header.Set(r.authHeader, r.authValue)
	if r.contentType != "" {
		req.Header.SetContentType(r.contentType)
	}
	if r.body != nil {
		req.SetBody(r.body)
	}

	deadline := time.Now().Add(c.cfg.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return fmt.Errorf("%w: %v", ErrRequestTimedOut, err)
		}
		return fmt.Errorf("performing HTTP request: %w", err)
	}

	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return fmt.Errorf("%w: unexpected status code: %d, body: %s", r.statusErr, code, resp.Body())
	}
	if err := sonic.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
