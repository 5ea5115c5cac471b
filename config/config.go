package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults mirror the values the browser client and the upstream API expect
const (
	DefaultPort          = 3001
	DefaultRelayPath     = "/"
	DefaultRealtimeURL   = "wss://api.openai.com/v1/realtime"
	DefaultRealtimeModel = "gpt-4o-realtime-preview-2024-10-01"
	DefaultBetaHeader    = "realtime=v1"
	DefaultInstructions  = "Please assist the user."
	DefaultTavusURL      = "https://api.tavus.io/v1"
	DefaultTavusConvURL  = "https://tavusapi.com/v2"
)

var (
	ErrMissingAPIKey = errors.New("OPENAI_API_KEY environment variable is required")
	ErrMissingURL    = errors.New("OPENAI_REALTIME_URL must be a ws:// or wss:// URL")
	ErrMissingModel  = errors.New("OPENAI_REALTIME_MODEL must not be empty")
)

// Config holds all relay configuration
type Config struct {
	Port           int           `yaml:"port"`
	RelayPath      string        `yaml:"relay_path"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	MaxSessions    int           `yaml:"max_sessions"`
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// Upstream realtime API
	APIKey         string        `yaml:"-"`
	RealtimeURL    string        `yaml:"realtime_url"`
	RealtimeModel  string        `yaml:"realtime_model"`
	BetaHeader     string        `yaml:"beta_header"`
	Instructions   string        `yaml:"instructions"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Bounded reconnect policy for the upstream leg
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
	ReconnectBackoff     time.Duration `yaml:"reconnect_backoff"`
	ReconnectMaxBackoff  time.Duration `yaml:"reconnect_max_backoff"`

	// ReportMalformedFrames answers rejected client frames with an error
	// envelope instead of dropping them silently.
	ReportMalformedFrames bool `yaml:"report_malformed_frames"`

	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	// Avatar video provider, disabled when TavusAPIKey is empty
	TavusAPIKey   string `yaml:"-"`
	TavusAvatarID string `yaml:"tavus_avatar_id"`
	TavusURL      string `yaml:"tavus_url"`

	// Live avatar conversations, enabled by a replica and persona pair
	TavusReplicaID           string `yaml:"tavus_replica_id"`
	TavusPersonaID           string `yaml:"tavus_persona_id"`
	TavusConversationURL     string `yaml:"tavus_conversation_url"`
	TavusConversationName    string `yaml:"tavus_conversation_name"`
	TavusConversationContext string `yaml:"tavus_conversation_context"`
}

// Default returns a Config populated with defaults only
func Default() *Config {
	return &Config{
		Port:                 DefaultPort,
		RelayPath:            DefaultRelayPath,
		AllowedOrigins:       []string{"*"},
		MaxSessions:          100,
		SessionTimeout:       30 * time.Minute,
		RealtimeURL:          DefaultRealtimeURL,
		RealtimeModel:        DefaultRealtimeModel,
		BetaHeader:           DefaultBetaHeader,
		Instructions:         DefaultInstructions,
		ConnectTimeout:       10 * time.Second,
		ReconnectMaxAttempts: 3,
		ReconnectBackoff:     250 * time.Millisecond,
		ReconnectMaxBackoff:  2 * time.Second,
		RedisURL:             "localhost:6379",
		LogLevel:             "info",
		TavusURL:             DefaultTavusURL,
		TavusConversationURL: DefaultTavusConvURL,
	}
}

// LoadConfig loads configuration from .env files, an optional YAML file
// named by RELAY_CONFIG and environment variables, in that order of
// increasing precedence.
func LoadConfig() (*Config, error) {
	// Load .env files if they exist (doesn't error if missing)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	config := Default()

	if path := os.Getenv("RELAY_CONFIG"); path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := config.loadEnv(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	// Required: OPENAI_API_KEY (checked in Validate)
	c.APIKey = os.Getenv("OPENAI_API_KEY")

	if v := os.Getenv("OPENAI_REALTIME_URL"); v != "" {
		c.RealtimeURL = v
	}
	if v := os.Getenv("OPENAI_REALTIME_MODEL"); v != "" {
		c.RealtimeModel = v
	}
	if v := os.Getenv("OPENAI_BETA_HEADER"); v != "" {
		c.BetaHeader = v
	}
	if v := os.Getenv("RELAY_INSTRUCTIONS"); v != "" {
		c.Instructions = v
	}

	// Optional: PORT
	if err := envInt("PORT", &c.Port); err != nil {
		return err
	}
	if v := os.Getenv("RELAY_PATH"); v != "" {
		c.RelayPath = v
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = splitList(origins)
	}

	if err := envInt("MAX_SESSIONS", &c.MaxSessions); err != nil {
		return err
	}

	// Optional: SESSION_TIMEOUT (in minutes)
	if err := envDuration("SESSION_TIMEOUT", time.Minute, &c.SessionTimeout); err != nil {
		return err
	}
	// Optional: CONNECT_TIMEOUT (in seconds)
	if err := envDuration("CONNECT_TIMEOUT", time.Second, &c.ConnectTimeout); err != nil {
		return err
	}

	if err := envInt("RECONNECT_MAX_ATTEMPTS", &c.ReconnectMaxAttempts); err != nil {
		return err
	}
	if err := envDuration("RECONNECT_BACKOFF_MS", time.Millisecond, &c.ReconnectBackoff); err != nil {
		return err
	}
	if err := envDuration("RECONNECT_MAX_BACKOFF_MS", time.Millisecond, &c.ReconnectMaxBackoff); err != nil {
		return err
	}

	if v := os.Getenv("REPORT_MALFORMED_FRAMES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid REPORT_MALFORMED_FRAMES: %w", err)
		}
		c.ReportMalformedFrames = b
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.LogFile = v
	}

	c.TavusAPIKey = os.Getenv("TAVUS_API_KEY")
	if v := os.Getenv("TAVUS_AVATAR_ID"); v != "" {
		c.TavusAvatarID = v
	}
	if v := os.Getenv("TAVUS_API_URL"); v != "" {
		c.TavusURL = v
	}
	if v := os.Getenv("TAVUS_REPLICA_ID"); v != "" {
		c.TavusReplicaID = v
	}
	if v := os.Getenv("TAVUS_PERSONA_ID"); v != "" {
		c.TavusPersonaID = v
	}
	if v := os.Getenv("TAVUS_CONVERSATION_URL"); v != "" {
		c.TavusConversationURL = v
	}
	if v := os.Getenv("TAVUS_CONVERSATION_NAME"); v != "" {
		c.TavusConversationName = v
	}
	if v := os.Getenv("TAVUS_CONVERSATION_CONTEXT"); v != "" {
		c.TavusConversationContext = v
	}
	return nil
}

// Validate reports the first configuration problem that must stop the
// process from starting.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	u, err := url.Parse(c.RealtimeURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return ErrMissingURL
	}
	if strings.TrimSpace(c.RealtimeModel) == "" {
		return ErrMissingModel
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if !strings.HasPrefix(c.RelayPath, "/") {
		return fmt.Errorf("invalid RELAY_PATH: %q must start with /", c.RelayPath)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("invalid MAX_SESSIONS: %d", c.MaxSessions)
	}
	if c.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("invalid RECONNECT_MAX_ATTEMPTS: %d", c.ReconnectMaxAttempts)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("invalid CONNECT_TIMEOUT: %s", c.ConnectTimeout)
	}
	return nil
}

// AvatarEnabled reports whether any avatar endpoint should be served
func (c *Config) AvatarEnabled() bool {
	return c.TavusAPIKey != "" && (c.TavusAvatarID != "" || c.AvatarConversationsEnabled())
}

// AvatarConversationsEnabled reports whether live avatar conversations are configured
func (c *Config) AvatarConversationsEnabled() bool {
	return c.TavusAPIKey != "" && c.TavusReplicaID != "" && c.TavusPersonaID != ""
}

// splitList splits a comma-separated value, trimming spaces and dropping
// empty entries
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, unit time.Duration, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = time.Duration(n) * unit
	return nil
}
