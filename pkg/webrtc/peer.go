package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/workano/ai-audio-relay/pkg/audio"
	"github.com/workano/ai-audio-relay/pkg/metrics"
	"github.com/workano/ai-audio-relay/pkg/openai"
)

const (
	pcmuPayloadType = 0
	opusPayloadType = 111
)

// ErrPeerFailed reports that an established connection was lost.
var ErrPeerFailed = errors.New("peer connection lost")

// Peer is the single WebRTC session with the realtime model. It carries one
// local audio track fed by a FrameSource and delivers the first remote audio
// track on RemoteTracks.
type Peer struct {
	pc         *webrtc.PeerConnection
	track      *webrtc.TrackLocalStaticSample
	codec      audio.Codec
	sampleRate int
	logger     *slog.Logger
	metrics    *metrics.Relay
	state      stateMachine

	remoteTracks chan *webrtc.TrackRemote
	trackMu      sync.Mutex
	haveTrack    bool

	srcMu   sync.Mutex
	source  FrameSource
	encoder audio.Encoder

	negotiated string

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	doneOnce  sync.Once
	pumpOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPeer creates the peer connection and its local audio track.
func NewPeer(cfg Config) (*Peer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Codec == "" {
		cfg.Codec = audio.CodecPCMU
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}

	capability, payloadType, err := codecCapability(cfg.Codec)
	if err != nil {
		return nil, err
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: capability,
		PayloadType:        payloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register %s codec: %w", cfg.Codec, err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: slogFactory{logger: cfg.Logger}}
	se.SetSRTPReplayProtectionWindow(1024)
	if cfg.ICETimeout > 0 {
		// Half the budget to reach disconnected, half more to fail.
		se.SetICETimeouts(cfg.ICETimeout/2, cfg.ICETimeout/2, cfg.ICETimeout/10)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)

	rtcConfig := webrtc.Configuration{}
	for _, stunURL := range cfg.STUN {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{
			URLs: []string{stunURL},
		})
	}

	pc, err := api.NewPeerConnection(rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(capability, "audio", "ai-relay")
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to add local track: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		pc:           pc,
		track:        track,
		codec:        cfg.Codec,
		sampleRate:   cfg.SampleRate,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		remoteTracks: make(chan *webrtc.TrackRemote, 1),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	p.state.onChange = func(from, to State) {
		p.logger.Info("peer state changed", "from", from.String(), "to", to.String())
		p.metrics.PeerState(to.String(), States())
	}
	p.metrics.PeerState(StateIdle.String(), States())

	// RTCP must be drained for the interceptors to run.
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnTrack(p.onTrack)

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.logger.Info("ICE connection state changed", "state", state.String())
	})

	pc.OnConnectionStateChange(p.onConnectionState)

	p.logger.Info("peer connection created", "codec", string(cfg.Codec), "sampleRate", cfg.SampleRate)
	return p, nil
}

func codecCapability(c audio.Codec) (webrtc.RTPCodecCapability, webrtc.PayloadType, error) {
	switch c {
	case audio.CodecPCMU:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000}, pcmuPayloadType, nil
	case audio.CodecOpus:
		return webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		}, opusPayloadType, nil
	default:
		return webrtc.RTPCodecCapability{}, 0, fmt.Errorf("unsupported codec %q", c)
	}
}

// AttachSource registers the sole local audio source. Frames are pulled from
// src once the connection is up.
func (p *Peer) AttachSource(src FrameSource, enc audio.Encoder) {
	p.srcMu.Lock()
	p.source = src
	p.encoder = enc
	p.srcMu.Unlock()
}

// RemoteTracks delivers the first remote audio track.
func (p *Peer) RemoteTracks() <-chan *webrtc.TrackRemote {
	return p.remoteTracks
}

// State returns the current state.
func (p *Peer) State() State {
	return p.state.get()
}

// Codec returns the codec the local track was created with.
func (p *Peer) Codec() audio.Codec {
	return p.codec
}

// NegotiatedCodec returns the audio codec named in the applied answer, or ""
// before negotiation succeeds.
func (p *Peer) NegotiatedCodec() string {
	p.srcMu.Lock()
	defer p.srcMu.Unlock()
	return p.negotiated
}

// Done is closed once the peer reaches Closed, either through Close or
// because the transport failed or was closed by the remote side.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

func (p *Peer) markDone() {
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *Peer) onConnectionState(state webrtc.PeerConnectionState) {
	p.logger.Info("peer connection state changed", "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateConnected:
		p.startPump()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		if p.state.get() != StateClosed {
			p.logger.Warn("peer connection lost", "state", state.String())
		}
		_ = p.state.transition(StateClosed)
		p.srcMu.Lock()
		p.cancel()
		p.srcMu.Unlock()
		p.markDone()
	}
}

func (p *Peer) onTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	codec := remote.Codec()
	if remote.Kind() != webrtc.RTPCodecTypeAudio {
		p.logger.Debug("ignoring non-audio track", "codec", codec.MimeType)
		return
	}

	p.trackMu.Lock()
	defer p.trackMu.Unlock()
	if p.haveTrack {
		p.logger.Warn("unexpected additional remote audio track", "codec", codec.MimeType, "ssrc", uint32(remote.SSRC()))
		return
	}
	p.haveTrack = true

	p.logger.Info("remote audio track received",
		"codec", codec.MimeType,
		"clockRate", codec.ClockRate,
		"channels", codec.Channels,
	)
	select {
	case p.remoteTracks <- remote:
	default:
	}
}

// Negotiate creates the offer, waits for ICE gathering, exchanges it through
// sig and applies the answer. Any error leaves the peer Closed with no remote
// description applied.
func (p *Peer) Negotiate(ctx context.Context, sig Signaler) (openai.Answer, error) {
	if s := p.state.get(); s != StateIdle {
		return openai.Answer{}, fmt.Errorf("%w: negotiate from %s", ErrInvalidTransition, s)
	}
	answer, err := p.negotiate(ctx, sig)
	if err != nil {
		_ = p.state.transition(StateClosed)
		return openai.Answer{}, err
	}
	return answer, nil
}

func (p *Peer) negotiate(ctx context.Context, sig Signaler) (openai.Answer, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return openai.Answer{}, fmt.Errorf("failed to create offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return openai.Answer{}, fmt.Errorf("failed to set local description: %w", err)
	}
	if err := p.state.transition(StateOfferCreated); err != nil {
		return openai.Answer{}, err
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return openai.Answer{}, fmt.Errorf("ICE gathering interrupted: %w", ctx.Err())
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return openai.Answer{}, errors.New("local description missing after gathering")
	}
	if err := p.state.transition(StateAwaitingAnswer); err != nil {
		return openai.Answer{}, err
	}

	start := time.Now()
	answer, err := sig.Exchange(ctx, local.SDP)
	p.metrics.NegotiationSeconds(time.Since(start).Seconds())
	if err != nil {
		return openai.Answer{}, fmt.Errorf("offer/answer exchange failed: %w", err)
	}

	codec, err := answerAudioCodec(answer.SDP)
	if err != nil {
		return openai.Answer{}, err
	}

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		return openai.Answer{}, fmt.Errorf("failed to set remote description: %w", err)
	}

	p.srcMu.Lock()
	p.negotiated = codec
	p.srcMu.Unlock()

	if err := p.state.transition(StateConnected); err != nil {
		return openai.Answer{}, err
	}
	p.logger.Info("answer applied", "callID", answer.CallID, "codec", codec)
	return answer, nil
}

// answerAudioCodec parses the answer and returns the first audio format's
// codec name.
func answerAudioCodec(raw string) (string, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("unparsable answer SDP: %w", err)
	}
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" || len(md.MediaName.Formats) == 0 {
			continue
		}
		var pt uint8
		if _, err := fmt.Sscanf(md.MediaName.Formats[0], "%d", &pt); err != nil {
			return "", fmt.Errorf("answer audio format %q: %w", md.MediaName.Formats[0], err)
		}
		c, err := sd.GetCodecForPayloadType(pt)
		if err != nil {
			// Static payload types may omit rtpmap.
			if pt == pcmuPayloadType {
				return "PCMU", nil
			}
			return "", fmt.Errorf("answer payload type %d: %w", pt, err)
		}
		return c.Name, nil
	}
	return "", errors.New("answer SDP has no audio media")
}

func (p *Peer) startPump() {
	p.pumpOnce.Do(func() {
		p.srcMu.Lock()
		defer p.srcMu.Unlock()
		if p.ctx.Err() != nil {
			return
		}
		if p.source == nil || p.encoder == nil {
			p.logger.Warn("connected without a local audio source")
			return
		}
		if t, ok := p.source.(backlogTrimmer); ok {
			if n := t.TrimBacklog(); n > 0 {
				p.logger.Info("discarded audio queued during negotiation", "chunks", n)
			}
		}
		p.wg.Add(1)
		go p.pump(p.source, p.encoder)
	})
}

// pump writes source frames to the local track until the source or the peer
// closes.
func (p *Peer) pump(src FrameSource, enc audio.Encoder) {
	defer p.wg.Done()
	p.logger.Info("outbound audio started", "codec", string(p.codec))

	for {
		f, err := src.NextFrame(p.ctx)
		if err != nil {
			if errors.Is(err, audio.ErrOddLength) {
				p.logger.Debug("dropping malformed outbound chunk", "error", err)
				continue
			}
			p.logger.Info("outbound audio stopped", "reason", err)
			return
		}

		payload, err := enc.Encode(f)
		if err != nil {
			p.metrics.Drop(metrics.DropEncode)
			p.logger.Debug("dropping frame, encode failed", "error", err)
			continue
		}

		if err := p.track.WriteSample(media.Sample{Data: payload, Duration: f.Duration()}); err != nil {
			if errors.Is(err, io.ErrClosedPipe) || p.ctx.Err() != nil {
				return
			}
			p.metrics.Drop(metrics.DropSend)
			p.logger.Debug("failed to write sample", "error", err)
			continue
		}
		p.metrics.Frame(metrics.DirectionToPeer)
	}
}

// Close closes the peer connection. Only the first call has any effect.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		_ = p.state.transition(StateClosed)
		p.srcMu.Lock()
		p.cancel()
		p.srcMu.Unlock()
		err = p.pc.Close()
		p.wg.Wait()
		p.markDone()
		if err != nil {
			p.logger.Warn("error closing peer connection", "error", err)
		}
	})
	return err
}
