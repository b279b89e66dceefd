package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/workano/ai-audio-relay/pkg/audio"
	"github.com/workano/ai-audio-relay/pkg/bridge"
	"github.com/workano/ai-audio-relay/pkg/metrics"
	"github.com/workano/ai-audio-relay/pkg/openai"
	"github.com/workano/ai-audio-relay/pkg/udp"
	"github.com/workano/ai-audio-relay/pkg/webrtc"
)

// StateStopped is reported by Status when no session is running.
const StateStopped = "stopped"

// Config holds controller configuration
type Config struct {
	Host        string
	Port        int
	SampleRate  int
	QueueFrames int
	Codec       audio.Codec
	STUN        []string
	ICETimeout  time.Duration

	OpenAI             openai.Config // Signaling endpoint, credential, model and voice
	NegotiationTimeout time.Duration

	// Sideband enables the realtime events WebSocket after negotiation.
	Sideband    bool
	SidebandURL string

	// Signaler overrides the client built from OpenAI.
	Signaler webrtc.Signaler

	Logger  *slog.Logger
	Metrics *metrics.Relay
}

// Controller runs the single relay session of the process.
type Controller struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Relay
	signaler webrtc.Signaler

	mu      sync.RWMutex
	session *RelaySession
	running bool
}

// NewController creates a controller; Run starts the session.
func NewController(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = audio.DefaultQueueChunks
	}
	if cfg.Codec == "" {
		cfg.Codec = audio.CodecPCMU
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = openai.DefaultTimeout
	}

	sig := cfg.Signaler
	if sig == nil {
		oc := cfg.OpenAI
		oc.Timeout = cfg.NegotiationTimeout
		if oc.Logger == nil {
			oc.Logger = cfg.Logger
		}
		sig = openai.NewClient(oc)
	}

	return &Controller{
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		signaler: sig,
	}
}

// Run binds the socket, negotiates the peer session and relays audio until
// ctx is cancelled. Cancellation returns nil; a failed negotiation returns
// its error and losing the established connection returns
// webrtc.ErrPeerFailed. All resources are released before Run returns.
func (c *Controller) Run(ctx context.Context) (err error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	listener, err := udp.Listen(runCtx, udp.Config{
		Host:    c.cfg.Host,
		Port:    c.cfg.Port,
		Logger:  c.logger,
		Metrics: c.metrics,
	})
	if err != nil {
		return err
	}
	queue := audio.NewQueue(c.cfg.QueueFrames)
	sess := newRelaySession(listener, queue, c.logger)
	logger := sess.logger

	c.mu.Lock()
	c.session = sess
	c.running = true
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	defer func() {
		cancel()
		sess.Close()
		if werr := g.Wait(); err == nil && werr != nil {
			err = werr
		}
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	g.Go(func() error {
		return listener.Run(gctx, func(chunk audio.Chunk) {
			if !queue.Push(chunk) {
				c.metrics.Drop(metrics.DropQueueOverflow)
			}
			c.metrics.QueueDepth(queue.Len())
		})
	})

	peer, err := webrtc.NewPeer(webrtc.Config{
		Codec:      c.cfg.Codec,
		SampleRate: c.cfg.SampleRate,
		STUN:       c.cfg.STUN,
		ICETimeout: c.cfg.ICETimeout,
		Logger:     logger,
		Metrics:    c.metrics,
	})
	if err != nil {
		return err
	}
	sess.setPeer(peer)

	encoder, err := audio.NewEncoder(c.cfg.Codec, c.cfg.SampleRate)
	if err != nil {
		return err
	}
	decoder, err := audio.NewDecoder(c.cfg.Codec, c.cfg.SampleRate)
	if err != nil {
		return err
	}
	peer.AttachSource(bridge.NewOutbound(queue, c.cfg.SampleRate, c.metrics), encoder)

	g.Go(func() error {
		select {
		case track := <-peer.RemoteTracks():
			in := bridge.NewInbound(bridge.InboundConfig{
				Decoder: decoder,
				Sender:  listener,
				Logger:  logger,
				Metrics: c.metrics,
			})
			return in.Run(gctx, track)
		case <-gctx.Done():
			return nil
		}
	})

	negCtx, negCancel := context.WithTimeout(gctx, c.cfg.NegotiationTimeout)
	answer, err := peer.Negotiate(negCtx, c.signaler)
	negCancel()
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("shutdown during negotiation")
			return nil
		}
		logger.Error("negotiation failed", "error", err)
		return fmt.Errorf("negotiation failed: %w", err)
	}
	logger.Info("peer session established", "callID", answer.CallID, "codec", peer.NegotiatedCodec())

	var sb *openai.Sideband
	if c.cfg.Sideband {
		sb = c.startSideband(gctx, answer.CallID, logger)
	}
	sess.setCall(answer.CallID, sb)
	if sb != nil {
		g.Go(func() error {
			c.observe(gctx, sb, logger)
			return nil
		})
	}

	select {
	case <-gctx.Done():
	case <-peer.Done():
		if ctx.Err() == nil {
			logger.Error("peer session ended", "callID", answer.CallID)
			return fmt.Errorf("relay session %s: %w", sess.ID, webrtc.ErrPeerFailed)
		}
	}
	if ctx.Err() != nil {
		logger.Info("shutting down relay session")
	}
	return nil
}

func (c *Controller) startSideband(ctx context.Context, callID string, logger *slog.Logger) *openai.Sideband {
	if callID == "" {
		logger.Warn("sideband enabled but the answer carried no call id")
		return nil
	}
	sb := openai.NewSideband(openai.SidebandConfig{
		URL:    c.cfg.SidebandURL,
		APIKey: c.cfg.OpenAI.APIKey,
		Logger: logger,
	})
	if err := sb.Connect(ctx, callID); err != nil {
		// Audio keeps flowing without it.
		logger.Warn("sideband unavailable", "error", err)
		return nil
	}
	return sb
}

// Status returns a snapshot of the current session.
func (c *Controller) Status() Status {
	c.mu.RLock()
	sess, running := c.session, c.running
	c.mu.RUnlock()

	if sess == nil {
		return Status{State: StateStopped}
	}
	st := sess.status()
	if !running {
		st.State = webrtc.StateClosed.String()
	}
	return st
}

// Running reports whether Run is active.
func (c *Controller) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}
