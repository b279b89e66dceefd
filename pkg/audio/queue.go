package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrQueueClosed is returned by Pop once the queue is closed and drained.
var ErrQueueClosed = errors.New("audio queue closed")

// DefaultQueueChunks holds roughly ten seconds of 20ms telephony audio.
const DefaultQueueChunks = 500

// Queue is a bounded FIFO of chunks between the UDP listener and the
// outbound bridge.
//
// Push never blocks: when the queue is full the oldest chunk is discarded so
// a stalled peer cannot grow memory without bound and the freshest audio is
// what eventually reaches it.
type Queue struct {
	mu     sync.Mutex
	chunks []Chunk
	max    int
	closed bool
	ready  chan struct{}
	done   chan struct{}

	drops atomic.Uint64
}

// NewQueue creates a queue holding at most max chunks.
func NewQueue(max int) *Queue {
	if max <= 0 {
		max = DefaultQueueChunks
	}
	return &Queue{
		max:   max,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends c, evicting the oldest chunk on overflow. It returns false if
// a chunk was evicted or the queue is closed.
func (q *Queue) Push(c Chunk) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.drops.Add(1)
		return false
	}
	ok := true
	if len(q.chunks) >= q.max {
		q.chunks[0] = nil
		q.chunks = q.chunks[1:]
		q.drops.Add(1)
		ok = false
	}
	q.chunks = append(q.chunks, c)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return ok
}

// Pop blocks until a chunk is available, the context is done, or the queue
// is closed and empty.
func (q *Queue) Pop(ctx context.Context) (Chunk, error) {
	for {
		q.mu.Lock()
		if len(q.chunks) > 0 {
			c := q.chunks[0]
			q.chunks[0] = nil
			q.chunks = q.chunks[1:]
			q.mu.Unlock()
			return c, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Trim discards the oldest chunks so at most keep remain, and returns how
// many were discarded. Discarded chunks count as drops.
func (q *Queue) Trim(keep int) int {
	if keep < 0 {
		keep = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.chunks) - keep
	if n <= 0 {
		return 0
	}
	for i := 0; i < n; i++ {
		q.chunks[i] = nil
	}
	q.chunks = q.chunks[n:]
	q.drops.Add(uint64(n))
	return n
}

// Len returns the number of queued chunks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}

// DropCount returns how many chunks were discarded on overflow, by Trim, or
// after close.
func (q *Queue) DropCount() uint64 {
	return q.drops.Load()
}

// Close wakes any blocked Pop. Queued chunks are discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for i := range q.chunks {
		q.chunks[i] = nil
	}
	q.chunks = nil
	close(q.done)
	q.mu.Unlock()
}
