package session

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/workano/ai-audio-relay/pkg/audio"
	"github.com/workano/ai-audio-relay/pkg/openai"
	"github.com/workano/ai-audio-relay/pkg/udp"
	"github.com/workano/ai-audio-relay/pkg/webrtc"
)

// RelaySession groups the resources of one relayed call: the telephony
// socket, the outbound queue and the peer session.
type RelaySession struct {
	ID string

	listener *udp.Listener
	queue    *audio.Queue
	logger   *slog.Logger

	mu       sync.RWMutex
	peer     *webrtc.Peer
	sideband *openai.Sideband
	callID   string

	closeOnce sync.Once
}

func newRelaySession(listener *udp.Listener, queue *audio.Queue, logger *slog.Logger) *RelaySession {
	id := uuid.NewString()
	return &RelaySession{
		ID:       id,
		listener: listener,
		queue:    queue,
		logger:   logger.With("sessionID", id),
	}
}

func (s *RelaySession) setPeer(p *webrtc.Peer) {
	s.mu.Lock()
	s.peer = p
	s.mu.Unlock()
}

func (s *RelaySession) setCall(callID string, sb *openai.Sideband) {
	s.mu.Lock()
	s.callID = callID
	s.sideband = sb
	s.mu.Unlock()
}

// Close releases the queue, the peer session and the socket, in that order.
// It is safe to call more than once and from any exit path.
func (s *RelaySession) Close() {
	s.closeOnce.Do(func() {
		s.queue.Close()

		s.mu.RLock()
		peer, sb := s.peer, s.sideband
		s.mu.RUnlock()

		if sb != nil {
			_ = sb.Close()
		}
		if peer != nil {
			if err := peer.Close(); err != nil {
				s.logger.Warn("failed to close peer", "error", err)
			}
		}
		if err := s.listener.Close(); err != nil {
			s.logger.Warn("failed to close udp socket", "error", err)
		}
		s.logger.Info("relay session closed")
	})
}

// Status is a point-in-time view of the session.
type Status struct {
	SessionID   string `json:"session_id,omitempty"`
	State       string `json:"state"`
	ListenAddr  string `json:"listen_addr,omitempty"`
	PeerAddress string `json:"peer_address,omitempty"`
	CallID      string `json:"call_id,omitempty"`
	Codec       string `json:"codec,omitempty"`
	QueueDepth  int    `json:"queue_depth"`
	QueueDrops  uint64 `json:"queue_drops"`
}

func (s *RelaySession) status() Status {
	st := Status{
		SessionID:  s.ID,
		State:      webrtc.StateIdle.String(),
		ListenAddr: s.listener.LocalAddr().String(),
		QueueDepth: s.queue.Len(),
		QueueDrops: s.queue.DropCount(),
	}
	if addr := s.listener.Peer().Load(); addr != nil {
		st.PeerAddress = addr.String()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	st.CallID = s.callID
	if s.peer != nil {
		st.State = s.peer.State().String()
		st.Codec = s.peer.NegotiatedCodec()
	}
	return st
}
