// Package config loads relay settings from defaults, an optional gcfg file,
// environment variables and command-line flags, in that order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/gcfg.v1"

	"github.com/workano/ai-audio-relay/pkg/audio"
	"github.com/workano/ai-audio-relay/pkg/openai"
	"github.com/workano/ai-audio-relay/pkg/udp"
)

const (
	envVarConfigFile         = "RELAY_CONFIG"
	envVarAPIKey             = "OPENAI_API_KEY"
	envVarHost               = "RELAY_HOST"
	envVarPort               = "RELAY_PORT"
	envVarLogLevel           = "LOG_LEVEL"
	envVarLogFormat          = "LOG_FORMAT"
	envVarSignalingURL       = "OPENAI_REALTIME_URL"
	envVarModel              = "OPENAI_MODEL"
	envVarVoice              = "OPENAI_VOICE"
	envVarCodec              = "RELAY_CODEC"
	envVarSampleRate         = "RELAY_SAMPLE_RATE"
	envVarQueueFrames        = "RELAY_QUEUE_FRAMES"
	envVarNegotiationTimeout = "RELAY_NEGOTIATION_TIMEOUT"
	envVarSTUN               = "RELAY_STUN"
	envVarICETimeout         = "RELAY_ICE_TIMEOUT"
	envVarSideband           = "RELAY_SIDEBAND"
	envVarAdminAddr          = "RELAY_ADMIN_ADDR"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config is the resolved relay configuration.
type Config struct {
	ConfigFile string

	Host string
	Port int

	APIKey             string
	SignalingURL       string
	Model              string
	Voice              string
	NegotiationTimeout time.Duration
	Sideband           bool
	SidebandURL        string

	Codec       audio.Codec
	SampleRate  int
	QueueFrames int
	STUN        []string

	// ICETimeout bounds how long the peer transport may go silent before
	// the session is torn down; zero keeps the WebRTC stack defaults.
	ICETimeout time.Duration

	LogLevel  slog.Level
	LogFormat LogFormat

	// AdminAddr is the listen address of the health/metrics server; empty
	// disables it.
	AdminAddr string
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		Host:               udp.DefaultHost,
		Port:               udp.DefaultPort,
		SignalingURL:       openai.DefaultEndpoint,
		Model:              openai.DefaultModel,
		Voice:              openai.DefaultVoice,
		NegotiationTimeout: openai.DefaultTimeout,
		SidebandURL:        openai.DefaultSidebandURL,
		Codec:              audio.CodecPCMU,
		SampleRate:         audio.DefaultSampleRate,
		QueueFrames:        audio.DefaultQueueChunks,
		LogLevel:           slog.LevelInfo,
		LogFormat:          LogFormatText,
	}
}

// fileConfig mirrors the INI layout read by gcfg.
type fileConfig struct {
	Relay struct {
		Host        string
		Port        int
		Codec       string
		SampleRate  int `gcfg:"sample-rate"`
		QueueFrames int `gcfg:"queue-frames"`
	}
	OpenAI struct {
		APIKey             string `gcfg:"api-key"`
		SignalingURL       string `gcfg:"signaling-url"`
		Model              string
		Voice              string
		NegotiationTimeout string `gcfg:"negotiation-timeout"`
		Sideband           bool
		SidebandURL        string `gcfg:"sideband-url"`
	}
	WebRTC struct {
		STUN       []string `gcfg:"stun"`
		ICETimeout string   `gcfg:"ice-timeout"`
	}
	Log struct {
		Level  string
		Format string
	}
	Admin struct {
		Addr string
	}
}

// Load resolves the configuration for the process.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args, os.Stderr)
}

func load(lookup func(string) (string, bool), args []string, usage io.Writer) (Config, error) {
	cfg := Defaults()

	fs := flag.NewFlagSet("ai-relay", flag.ContinueOnError)
	fs.SetOutput(usage)

	var (
		configFile         = fs.String("config", "", "gcfg configuration file (env "+envVarConfigFile+")")
		host               = fs.String("host", cfg.Host, "UDP listen host")
		port               = fs.Int("port", cfg.Port, "UDP listen port")
		apiKey             = fs.String("openai-key", "", "OpenAI API key (env "+envVarAPIKey+")")
		logLevel           = fs.String("log-level", "info", "log level (debug, info, warn, error)")
		logFormat          = fs.String("log-format", string(cfg.LogFormat), "log format (text, json)")
		signalingURL       = fs.String("signaling-url", cfg.SignalingURL, "realtime calls endpoint")
		model              = fs.String("model", cfg.Model, "realtime model identifier")
		voice              = fs.String("voice", cfg.Voice, "output voice")
		codec              = fs.String("codec", string(cfg.Codec), "WebRTC audio codec (pcmu, opus)")
		sampleRate         = fs.Int("sample-rate", cfg.SampleRate, "telephony PCM sample rate (8000, 16000)")
		queueFrames        = fs.Int("queue-frames", cfg.QueueFrames, "outbound queue capacity in chunks")
		negotiationTimeout = fs.Duration("negotiation-timeout", cfg.NegotiationTimeout, "bound on the SDP offer/answer exchange")
		stun               = fs.String("stun", "", "comma-separated STUN server URLs")
		iceTimeout         = fs.Duration("ice-timeout", 0, "silence on the peer transport before the session ends (0 uses WebRTC defaults)")
		sideband           = fs.Bool("sideband", false, "observe realtime server events over WebSocket")
		adminAddr          = fs.String("admin-addr", "", "health/metrics listen address (empty disables)")
	)

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	cfg.ConfigFile = envOrDefault(lookup, envVarConfigFile, "")
	if *configFile != "" {
		cfg.ConfigFile = *configFile
	}
	if cfg.ConfigFile != "" {
		if err := applyFile(&cfg, cfg.ConfigFile); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}

	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		if flagErr != nil {
			return
		}
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "openai-key":
			cfg.APIKey = *apiKey
		case "log-level":
			cfg.LogLevel = parseLevel(*logLevel)
		case "log-format":
			cfg.LogFormat = LogFormat(strings.ToLower(*logFormat))
		case "signaling-url":
			cfg.SignalingURL = *signalingURL
		case "model":
			cfg.Model = *model
		case "voice":
			cfg.Voice = *voice
		case "codec":
			cfg.Codec, flagErr = audio.ParseCodec(*codec)
		case "sample-rate":
			cfg.SampleRate = *sampleRate
		case "queue-frames":
			cfg.QueueFrames = *queueFrames
		case "negotiation-timeout":
			cfg.NegotiationTimeout = *negotiationTimeout
		case "stun":
			cfg.STUN = splitList(*stun)
		case "ice-timeout":
			cfg.ICETimeout = *iceTimeout
		case "sideband":
			cfg.Sideband = *sideband
		case "admin-addr":
			cfg.AdminAddr = *adminAddr
		}
	})
	if flagErr != nil {
		return Config{}, flagErr
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var fc fileConfig
	if err := gcfg.ReadFileInto(&fc, path); err != nil {
		return fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	setString(&cfg.Host, fc.Relay.Host)
	if fc.Relay.Port != 0 {
		cfg.Port = fc.Relay.Port
	}
	if fc.Relay.Codec != "" {
		c, err := audio.ParseCodec(fc.Relay.Codec)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		cfg.Codec = c
	}
	if fc.Relay.SampleRate != 0 {
		cfg.SampleRate = fc.Relay.SampleRate
	}
	if fc.Relay.QueueFrames != 0 {
		cfg.QueueFrames = fc.Relay.QueueFrames
	}

	setString(&cfg.APIKey, fc.OpenAI.APIKey)
	setString(&cfg.SignalingURL, fc.OpenAI.SignalingURL)
	setString(&cfg.Model, fc.OpenAI.Model)
	setString(&cfg.Voice, fc.OpenAI.Voice)
	setString(&cfg.SidebandURL, fc.OpenAI.SidebandURL)
	if fc.OpenAI.NegotiationTimeout != "" {
		d, err := time.ParseDuration(fc.OpenAI.NegotiationTimeout)
		if err != nil {
			return fmt.Errorf("%s: invalid negotiation-timeout %q: %w", path, fc.OpenAI.NegotiationTimeout, err)
		}
		cfg.NegotiationTimeout = d
	}
	if fc.OpenAI.Sideband {
		cfg.Sideband = true
	}

	if len(fc.WebRTC.STUN) > 0 {
		cfg.STUN = fc.WebRTC.STUN
	}
	if fc.WebRTC.ICETimeout != "" {
		d, err := time.ParseDuration(fc.WebRTC.ICETimeout)
		if err != nil {
			return fmt.Errorf("%s: invalid ice-timeout %q: %w", path, fc.WebRTC.ICETimeout, err)
		}
		cfg.ICETimeout = d
	}
	if fc.Log.Level != "" {
		cfg.LogLevel = parseLevel(fc.Log.Level)
	}
	if fc.Log.Format != "" {
		cfg.LogFormat = LogFormat(strings.ToLower(fc.Log.Format))
	}
	setString(&cfg.AdminAddr, fc.Admin.Addr)
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	cfg.Host = envOrDefault(lookup, envVarHost, cfg.Host)
	cfg.APIKey = envOrDefault(lookup, envVarAPIKey, cfg.APIKey)
	cfg.SignalingURL = envOrDefault(lookup, envVarSignalingURL, cfg.SignalingURL)
	cfg.Model = envOrDefault(lookup, envVarModel, cfg.Model)
	cfg.Voice = envOrDefault(lookup, envVarVoice, cfg.Voice)
	cfg.AdminAddr = envOrDefault(lookup, envVarAdminAddr, cfg.AdminAddr)

	var err error
	if cfg.Port, err = envIntOrDefault(lookup, envVarPort, cfg.Port); err != nil {
		return err
	}
	if cfg.SampleRate, err = envIntOrDefault(lookup, envVarSampleRate, cfg.SampleRate); err != nil {
		return err
	}
	if cfg.QueueFrames, err = envIntOrDefault(lookup, envVarQueueFrames, cfg.QueueFrames); err != nil {
		return err
	}

	if raw, ok := lookup(envVarLogLevel); ok && strings.TrimSpace(raw) != "" {
		cfg.LogLevel = parseLevel(raw)
	}
	if raw, ok := lookup(envVarLogFormat); ok && strings.TrimSpace(raw) != "" {
		cfg.LogFormat = LogFormat(strings.ToLower(strings.TrimSpace(raw)))
	}
	if raw, ok := lookup(envVarCodec); ok && strings.TrimSpace(raw) != "" {
		if cfg.Codec, err = audio.ParseCodec(raw); err != nil {
			return fmt.Errorf("invalid %s: %w", envVarCodec, err)
		}
	}
	if raw, ok := lookup(envVarNegotiationTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", envVarNegotiationTimeout, raw, err)
		}
		cfg.NegotiationTimeout = d
	}
	if raw, ok := lookup(envVarSTUN); ok && strings.TrimSpace(raw) != "" {
		cfg.STUN = splitList(raw)
	}
	if raw, ok := lookup(envVarICETimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", envVarICETimeout, raw, err)
		}
		cfg.ICETimeout = d
	}
	if raw, ok := lookup(envVarSideband); ok && strings.TrimSpace(raw) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", envVarSideband, raw, err)
		}
		cfg.Sideband = b
	}
	return nil
}

// Validate reports the first invalid setting. A missing API key is not an
// error here; negotiation fails on it later.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.SampleRate != audio.DefaultSampleRate && c.SampleRate != audio.WidebandSampleRate {
		errs = append(errs, fmt.Errorf("sample rate %d unsupported (want %d or %d)", c.SampleRate, audio.DefaultSampleRate, audio.WidebandSampleRate))
	}
	if c.QueueFrames <= 0 {
		errs = append(errs, fmt.Errorf("queue-frames must be positive, got %d", c.QueueFrames))
	}
	if c.NegotiationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("negotiation-timeout must be positive, got %s", c.NegotiationTimeout))
	}
	if c.ICETimeout < 0 {
		errs = append(errs, fmt.Errorf("ice-timeout must not be negative, got %s", c.ICETimeout))
	}
	if _, err := audio.ParseCodec(string(c.Codec)); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != LogFormatText && c.LogFormat != LogFormatJSON {
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger.
func NewLogger(cfg Config) (*slog.Logger, error) {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg Config, w io.Writer) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// parseLevel accepts debug/info/warn/warning/error in any case; anything
// else is info.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}
