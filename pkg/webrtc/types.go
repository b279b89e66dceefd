package webrtc

import (
	"context"
	"log/slog"
	"time"

	"github.com/workano/ai-audio-relay/pkg/audio"
	"github.com/workano/ai-audio-relay/pkg/metrics"
	"github.com/workano/ai-audio-relay/pkg/openai"
)

// Config holds peer session configuration
type Config struct {
	Codec      audio.Codec // Transport payload codec (default PCMU)
	SampleRate int         // Relay PCM rate in Hz (default 8000)
	STUN       []string    // STUN server URLs

	// ICETimeout is the silence allowed on the transport before the
	// connection is reported failed. Zero keeps the pion defaults.
	ICETimeout time.Duration

	Logger     *slog.Logger
	Metrics    *metrics.Relay
}

// FrameSource supplies the PCM frames sent on the local track.
type FrameSource interface {
	NextFrame(ctx context.Context) (audio.Frame, error)
}

// backlogTrimmer is implemented by sources that can discard audio buffered
// before the connection came up.
type backlogTrimmer interface {
	TrimBacklog() int
}

// Signaler exchanges a complete SDP offer for the remote answer.
type Signaler interface {
	Exchange(ctx context.Context, offerSDP string) (openai.Answer, error)
}
