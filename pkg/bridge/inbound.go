package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"

	"github.com/workano/ai-audio-relay/pkg/audio"
	"github.com/workano/ai-audio-relay/pkg/metrics"
	"github.com/workano/ai-audio-relay/pkg/udp"
)

// DefaultFaultPause is how long the inbound loop waits after a faulty frame.
const DefaultFaultPause = 20 * time.Millisecond

// RTPReader is the remote media track. *webrtc.TrackRemote implements it.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Sender delivers PCM back to the telephony platform.
type Sender interface {
	SendTo(payload []byte) error
}

// InboundConfig configures an Inbound bridge.
type InboundConfig struct {
	Decoder    audio.Decoder
	Sender     Sender
	FaultPause time.Duration
	Logger     *slog.Logger
	Metrics    *metrics.Relay
}

// Inbound forwards one remote audio track to the telephony platform.
type Inbound struct {
	decoder audio.Decoder
	sender  Sender
	pause   time.Duration
	logger  *slog.Logger
	metrics *metrics.Relay
}

// NewInbound creates a bridge for a single remote track.
func NewInbound(cfg InboundConfig) *Inbound {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FaultPause <= 0 {
		cfg.FaultPause = DefaultFaultPause
	}
	return &Inbound{
		decoder: cfg.Decoder,
		sender:  cfg.Sender,
		pause:   cfg.FaultPause,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Run forwards frames until the track ends or ctx is done. Frames that
// arrive before the telephony address is known are dropped, not buffered.
func (b *Inbound) Run(ctx context.Context, track RTPReader) error {
	frameCount := 0
	noPeerCount := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				b.logger.Debug("remote track ended", "error", err, "frames", frameCount)
				return nil
			}
			b.logger.Debug("remote track read error", "error", err)
			b.sleep(ctx)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		frame, err := b.decoder.Decode(pkt.Payload)
		if err != nil {
			b.metrics.Drop(metrics.DropDecode)
			b.logger.Debug("dropping undecodable remote frame", "error", err,
				"seq", pkt.SequenceNumber, "payloadLen", len(pkt.Payload))
			b.sleep(ctx)
			continue
		}

		if err := b.sender.SendTo(frame.Data); err != nil {
			if errors.Is(err, udp.ErrNoPeer) {
				noPeerCount++
				b.metrics.Drop(metrics.DropNoPeer)
				if noPeerCount == 1 || noPeerCount%100 == 0 {
					b.logger.Debug("no telephony address yet, dropping remote frame", "dropped", noPeerCount)
				}
				continue
			}
			b.metrics.Drop(metrics.DropSend)
			b.logger.Debug("failed to forward frame to telephony", "error", err)
			b.sleep(ctx)
			continue
		}

		frameCount++
		b.metrics.Frame(metrics.DirectionToTelephony)
		if frameCount == 1 {
			b.logger.Info("forwarding remote audio to telephony", "samples", frame.Samples(), "sampleRate", frame.SampleRate)
		}
	}
}

func (b *Inbound) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(b.pause):
	}
}
