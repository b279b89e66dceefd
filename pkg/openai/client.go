package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path"
	"strings"
	"time"
)

const (
	DefaultEndpoint = "https://api.openai.com/v1/realtime/calls"
	DefaultModel    = "gpt-realtime"
	DefaultVoice    = "marin"
	DefaultTimeout  = 15 * time.Second

	// maxAnswerBytes bounds the response body read for an SDP answer or error.
	maxAnswerBytes = 1 << 20
)

var (
	// ErrMissingCredential is returned before any request when no API key is
	// configured.
	ErrMissingCredential = errors.New("openai api key not configured")
	// ErrEmptyAnswer is returned when a successful response carries no SDP.
	ErrEmptyAnswer = errors.New("signaling endpoint returned an empty answer")
)

// APIError is the structured error body returned by the endpoint.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
	Param   string `json:"param"`
}

// StatusError reports a non-200 response from the signaling endpoint.
type StatusError struct {
	StatusCode int
	Endpoint   string
	Detail     *APIError
	Body       string
}

func (e *StatusError) Error() string {
	if e.Detail != nil && e.Detail.Message != "" {
		return fmt.Sprintf("signaling %s returned %d: %s (%s)", e.Endpoint, e.StatusCode, e.Detail.Message, e.Detail.Type)
	}
	return fmt.Sprintf("signaling %s returned %d", e.Endpoint, e.StatusCode)
}

// SessionConfig is the session object sent with the offer.
type SessionConfig struct {
	Type  string       `json:"type"`
	Model string       `json:"model"`
	Audio SessionAudio `json:"audio"`
}

// SessionAudio selects output audio settings.
type SessionAudio struct {
	Output SessionAudioOutput `json:"output"`
}

// SessionAudioOutput selects the voice the model speaks with.
type SessionAudioOutput struct {
	Voice string `json:"voice"`
}

// Answer is the result of a successful exchange.
type Answer struct {
	SDP    string
	CallID string
}

// Config holds signaling client configuration
type Config struct {
	Endpoint   string        // Signaling endpoint URL
	APIKey     string        // Bearer credential
	Model      string        // Realtime model identifier
	Voice      string        // Output voice
	Timeout    time.Duration // Bound on the offer/answer round-trip
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client exchanges an SDP offer for an answer with the realtime endpoint.
type Client struct {
	endpoint string
	apiKey   string
	session  SessionConfig
	timeout  time.Duration
	http     *http.Client
	logger   *slog.Logger
}

// NewClient creates a new signaling client
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	return &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		session: SessionConfig{
			Type:  "realtime",
			Model: cfg.Model,
			Audio: SessionAudio{Output: SessionAudioOutput{Voice: cfg.Voice}},
		},
		timeout: cfg.Timeout,
		http:    cfg.HTTPClient,
		logger:  cfg.Logger,
	}
}

// HasCredential reports whether an API key is configured.
func (c *Client) HasCredential() bool {
	return c.apiKey != ""
}

// Exchange posts the offer and returns the endpoint's answer. Any error is
// fatal for the session; the answer must not be applied unless err is nil.
func (c *Client) Exchange(ctx context.Context, offerSDP string) (Answer, error) {
	if c.apiKey == "" {
		return Answer{}, ErrMissingCredential
	}

	body, contentType, err := c.encodeOffer(offerSDP)
	if err != nil {
		return Answer{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return Answer{}, fmt.Errorf("failed to build signaling request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", contentType)

	c.logger.Info("sending SDP offer", "endpoint", c.endpoint, "model", c.session.Model, "voice", c.session.Audio.Output.Voice)
	resp, err := c.http.Do(req)
	if err != nil {
		return Answer{}, fmt.Errorf("signaling request to %s failed: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
	if err != nil {
		return Answer{}, fmt.Errorf("failed to read signaling response: %w", err)
	}

	// Only 200 carries an answer.
	if resp.StatusCode != http.StatusOK {
		serr := &StatusError{StatusCode: resp.StatusCode, Endpoint: c.endpoint, Body: string(data)}
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil {
			serr.Detail = envelope.Error
		}
		c.logger.Error("signaling rejected offer", "endpoint", c.endpoint, "status", resp.StatusCode, "error", serr)
		return Answer{}, serr
	}

	answer := string(data)
	if strings.TrimSpace(answer) == "" {
		return Answer{}, ErrEmptyAnswer
	}

	return Answer{SDP: answer, CallID: callIDFromLocation(resp.Header.Get("Location"))}, nil
}

func (c *Client) encodeOffer(offerSDP string) (io.Reader, string, error) {
	session, err := json.Marshal(c.session)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode session config: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("sdp", offerSDP); err != nil {
		return nil, "", fmt.Errorf("failed to write sdp field: %w", err)
	}
	if err := w.WriteField("session", string(session)); err != nil {
		return nil, "", fmt.Errorf("failed to write session field: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// callIDFromLocation extracts "rtc_123" from "/v1/realtime/calls/rtc_123".
func callIDFromLocation(loc string) string {
	if loc == "" {
		return ""
	}
	if i := strings.IndexAny(loc, "?#"); i >= 0 {
		loc = loc[:i]
	}
	id := path.Base(strings.TrimRight(loc, "/"))
	if id == "." || id == "/" || id == "calls" {
		return ""
	}
	return id
}
