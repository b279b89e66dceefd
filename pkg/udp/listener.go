package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/workano/ai-audio-relay/pkg/audio"
	"github.com/workano/ai-audio-relay/pkg/metrics"
)

const (
	DefaultHost = "0.0.0.0"
	DefaultPort = 4000

	// DefaultReadBufferBytes fits any datagram the telephony platform sends.
	DefaultReadBufferBytes = 2048

	// DefaultBackoff is the pause after a transient socket error.
	DefaultBackoff = 50 * time.Millisecond
)

// ErrNoPeer is returned by SendTo before any datagram has been received.
var ErrNoPeer = errors.New("telephony peer address not learned yet")

// PeerAddress is the telephony platform's media endpoint, learned from the
// first datagram. Once set it is never overwritten.
type PeerAddress struct {
	v atomic.Pointer[net.UDPAddr]
}

// SetIfAbsent stores addr if no address is set yet and reports whether it did.
func (p *PeerAddress) SetIfAbsent(addr *net.UDPAddr) bool {
	if addr == nil {
		return false
	}
	cp := *addr
	cp.IP = append(net.IP(nil), addr.IP...)
	return p.v.CompareAndSwap(nil, &cp)
}

// Load returns the learned address or nil.
func (p *PeerAddress) Load() *net.UDPAddr {
	return p.v.Load()
}

// Config configures a Listener.
type Config struct {
	Host            string
	Port            int
	ReadBufferBytes int
	Backoff         time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Relay
}

// Listener owns the UDP socket shared by both audio directions: it receives
// telephony audio and sends peer audio back to the learned PeerAddress.
type Listener struct {
	conn    *net.UDPConn
	peer    PeerAddress
	bufSize int
	backoff time.Duration
	logger  *slog.Logger
	metrics *metrics.Relay

	closeOnce sync.Once
	closeErr  error
}

// Listen binds the socket.
func Listen(ctx context.Context, cfg Config) (*Listener, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.ReadBufferBytes <= 0 {
		cfg.ReadBufferBytes = DefaultReadBufferBytes
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind udp %s: %w", addr, err)
	}

	l := &Listener{
		conn:    pc.(*net.UDPConn),
		bufSize: cfg.ReadBufferBytes,
		backoff: cfg.Backoff,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	l.logger.Info("listening for telephony audio", "addr", l.conn.LocalAddr().String())
	return l, nil
}

// LocalAddr returns the bound address.
func (l *Listener) LocalAddr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Peer returns the learned telephony address cell.
func (l *Listener) Peer() *PeerAddress {
	return &l.peer
}

// Run receives datagrams until ctx is done or the socket is closed. Each
// payload is copied into a fresh chunk and passed to sink, which must not
// block.
func (l *Listener) Run(ctx context.Context, sink func(audio.Chunk)) error {
	stop := context.AfterFunc(ctx, func() {
		// Unblock ReadFromUDP.
		_ = l.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, l.bufSize)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.metrics.ReadError()
			l.logger.Debug("udp read error", "error", err, "backoff", l.backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(l.backoff):
			}
			continue
		}

		l.metrics.DatagramReceived()
		if l.peer.SetIfAbsent(from) {
			l.logger.Info("telephony peer address learned", "addr", from.String())
		} else if known := l.peer.Load(); !sameAddr(known, from) {
			l.logger.Debug("datagram from unexpected source", "from", from.String(), "peer", known.String())
		}

		if n == 0 {
			continue
		}
		chunk := make(audio.Chunk, n)
		copy(chunk, buf[:n])
		sink(chunk)
	}
}

// SendTo writes payload to the learned telephony address.
func (l *Listener) SendTo(payload []byte) error {
	addr := l.peer.Load()
	if addr == nil {
		return ErrNoPeer
	}
	if _, err := l.conn.WriteToUDP(payload, addr); err != nil {
		return fmt.Errorf("failed to send %d bytes to %s: %w", len(payload), addr, err)
	}
	return nil
}

// Close releases the socket. Only the first call closes it.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.conn.Close()
		l.logger.Debug("udp socket closed")
	})
	return l.closeErr
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
