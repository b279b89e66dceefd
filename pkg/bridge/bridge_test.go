package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workano/ai-audio-relay/pkg/audio"
	"github.com/workano/ai-audio-relay/pkg/udp"
)

// fakeTrack replays a fixed list of reads, then returns io.EOF.
type fakeTrack struct {
	mu    sync.Mutex
	reads []trackRead
}

type trackRead struct {
	pkt *rtp.Packet
	err error
}

func (f *fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reads) == 0 {
		return nil, nil, io.EOF
	}
	r := f.reads[0]
	f.reads = f.reads[1:]
	return r.pkt, nil, r.err
}

func packet(seq uint16, payload ...byte) trackRead {
	return trackRead{pkt: &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}, Payload: payload}}
}

// identityDecoder treats payloads as PCM.
type identityDecoder struct{}

func (identityDecoder) Decode(p []byte) (audio.Frame, error) {
	if len(p)%2 != 0 {
		return audio.Frame{}, audio.ErrOddLength
	}
	return audio.Frame{Data: p, SampleRate: audio.DefaultSampleRate, Channels: 1}, nil
}

type recordingSender struct {
	mu      sync.Mutex
	sent    [][]byte
	peerSet bool
	failN   int
}

func (s *recordingSender) SendTo(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.peerSet {
		return udp.ErrNoPeer
	}
	if s.failN > 0 {
		s.failN--
		return fmt.Errorf("write: %w", errors.New("transient"))
	}
	s.sent = append(s.sent, append([]byte(nil), p...))
	return nil
}

func TestOutboundFIFOByteIdentical(t *testing.T) {
	q := audio.NewQueue(128)
	out := NewOutbound(q, audio.DefaultSampleRate, nil)

	var want [][]byte
	for i := 0; i < 100; i++ {
		c := make(audio.Chunk, 320)
		for j := range c {
			c[j] = byte(i + j)
		}
		want = append(want, c)
		q.Push(c)
	}

	ctx := context.Background()
	for i, w := range want {
		f, err := out.NextFrame(ctx)
		require.NoError(t, err)
		require.Equal(t, w, f.Data, "frame %d", i)
		assert.Equal(t, 160, f.Samples())
		assert.Equal(t, 1, f.Channels)
		assert.Equal(t, audio.DefaultSampleRate, f.SampleRate)
	}
}

func TestOutboundMalformedChunkDropped(t *testing.T) {
	q := audio.NewQueue(4)
	out := NewOutbound(q, audio.DefaultSampleRate, nil)
	q.Push(audio.Chunk{1, 2, 3})
	q.Push(audio.Chunk{4, 5})

	_, err := out.NextFrame(context.Background())
	assert.ErrorIs(t, err, audio.ErrOddLength)

	f, err := out.NextFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, f.Data)
}

func TestOutboundTrimBacklog(t *testing.T) {
	q := audio.NewQueue(64)
	out := NewOutbound(q, audio.DefaultSampleRate, nil)
	for i := 0; i < 50; i++ {
		q.Push(audio.Chunk{byte(i), 0})
	}

	assert.Equal(t, 50-DefaultBacklog, out.TrimBacklog())
	assert.Equal(t, DefaultBacklog, q.Len())

	f, err := out.NextFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(50 - DefaultBacklog), 0}, f.Data)

	assert.Equal(t, 0, out.TrimBacklog())
}

func TestOutboundClosed(t *testing.T) {
	q := audio.NewQueue(4)
	out := NewOutbound(q, 0, nil)
	assert.Equal(t, audio.DefaultSampleRate, out.SampleRate())
	q.Close()

	_, err := out.NextFrame(context.Background())
	assert.ErrorIs(t, err, ErrSourceClosed)
}

func TestInboundDropsBeforeAddress(t *testing.T) {
	track := &fakeTrack{reads: []trackRead{
		packet(1, 1, 1),
		packet(2, 2, 2),
	}}
	sender := &recordingSender{}
	b := NewInbound(InboundConfig{Decoder: identityDecoder{}, Sender: sender})

	require.NoError(t, b.Run(context.Background(), track))
	assert.Empty(t, sender.sent)
}

func TestInboundForwardsAfterAddress(t *testing.T) {
	track := &fakeTrack{reads: []trackRead{
		packet(1, 1, 1),
		packet(2, 2, 2, 2, 2),
		packet(3),
	}}
	sender := &recordingSender{peerSet: true}
	b := NewInbound(InboundConfig{Decoder: identityDecoder{}, Sender: sender})

	require.NoError(t, b.Run(context.Background(), track))
	assert.Equal(t, [][]byte{{1, 1}, {2, 2, 2, 2}}, sender.sent)
}

func TestInboundSurvivesFaults(t *testing.T) {
	track := &fakeTrack{reads: []trackRead{
		{err: errors.New("srtp: replayed packet")},
		packet(1, 1, 2, 3), // undecodable
		packet(2, 7, 7),    // send fails once
		packet(3, 8, 8),
	}}
	sender := &recordingSender{peerSet: true, failN: 1}
	b := NewInbound(InboundConfig{
		Decoder:    identityDecoder{},
		Sender:     sender,
		FaultPause: time.Millisecond,
	})

	require.NoError(t, b.Run(context.Background(), track))
	assert.Equal(t, [][]byte{{8, 8}}, sender.sent)
}

func TestInboundStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	track := &fakeTrack{reads: []trackRead{packet(1, 1, 1)}}
	sender := &recordingSender{peerSet: true}
	b := NewInbound(InboundConfig{Decoder: identityDecoder{}, Sender: sender})

	require.NoError(t, b.Run(ctx, track))
	assert.Empty(t, sender.sent)
}

func TestInboundThroughListener(t *testing.T) {
	l, err := udp.Listen(context.Background(), udp.Config{Host: "127.0.0.1"})
	require.NoError(t, err)
	defer l.Close()

	b := NewInbound(InboundConfig{Decoder: identityDecoder{}, Sender: l})

	// Nothing learned yet: the frame is dropped.
	require.NoError(t, b.Run(context.Background(), &fakeTrack{reads: []trackRead{packet(1, 5, 5)}}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan audio.Chunk, 1)
	go func() { _ = l.Run(ctx, func(c audio.Chunk) { got <- c }) }()

	phone, err := net.DialUDP("udp", nil, l.LocalAddr())
	require.NoError(t, err)
	defer phone.Close()
	_, err = phone.Write([]byte{0, 0})
	require.NoError(t, err)
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not receive datagram")
	}

	require.NoError(t, b.Run(context.Background(), &fakeTrack{reads: []trackRead{packet(2, 6, 6)}}))

	require.NoError(t, phone.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 8)
	n, err := phone.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{6, 6}, buf[:n])
}
