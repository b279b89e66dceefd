// Package bridge moves audio between the telephony socket and the WebRTC
// peer session.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/workano/ai-audio-relay/pkg/audio"
	"github.com/workano/ai-audio-relay/pkg/metrics"
)

// ErrSourceClosed is returned by NextFrame once the queue has been closed.
var ErrSourceClosed = errors.New("outbound audio source closed")

// DefaultBacklog is how many queued chunks survive TrimBacklog, 100ms of
// 20ms telephony audio.
const DefaultBacklog = 5

// Outbound is the local audio source of the peer session. The transport
// pulls frames from it whenever it is ready to send.
type Outbound struct {
	queue      *audio.Queue
	sampleRate int
	metrics    *metrics.Relay
}

// NewOutbound reads chunks from q and frames them at sampleRate, mono.
func NewOutbound(q *audio.Queue, sampleRate int, m *metrics.Relay) *Outbound {
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	return &Outbound{queue: q, sampleRate: sampleRate, metrics: m}
}

// NextFrame blocks until the next chunk is queued and returns it framed.
// The frame's bytes are the chunk's bytes. A malformed chunk is consumed and
// reported as an error wrapping audio.ErrOddLength; callers drop it and ask
// again.
func (o *Outbound) NextFrame(ctx context.Context) (audio.Frame, error) {
	chunk, err := o.queue.Pop(ctx)
	o.metrics.QueueDepth(o.queue.Len())
	if err != nil {
		if errors.Is(err, audio.ErrQueueClosed) {
			return audio.Frame{}, ErrSourceClosed
		}
		return audio.Frame{}, err
	}

	f, err := audio.NewFrame(chunk, o.sampleRate)
	if err != nil {
		o.metrics.Drop(metrics.DropMalformed)
		return audio.Frame{}, fmt.Errorf("outbound chunk dropped: %w", err)
	}
	return f, nil
}

// TrimBacklog discards all but the newest DefaultBacklog chunks. Audio that
// piled up while the session was negotiating is stale by the time the
// transport is up.
func (o *Outbound) TrimBacklog() int {
	n := o.queue.Trim(DefaultBacklog)
	o.metrics.DropN(metrics.DropStale, n)
	o.metrics.QueueDepth(o.queue.Len())
	return n
}

// SampleRate returns the rate frames are tagged with.
func (o *Outbound) SampleRate() int {
	return o.sampleRate
}
