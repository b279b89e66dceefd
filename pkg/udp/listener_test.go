package udp

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workano/ai-audio-relay/pkg/audio"
)

func newTestListener(t *testing.T) *Listener {
	t.Helper()
	l, err := Listen(context.Background(), Config{Host: "127.0.0.1", Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func dialFrom(t *testing.T, to *net.UDPAddr) *net.UDPConn {
	t.Helper()
	c, err := net.DialUDP("udp", nil, to)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// runListener starts Run and returns a channel of received chunks.
func runListener(t *testing.T, l *Listener) (<-chan audio.Chunk, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan audio.Chunk, 16)
	done := make(chan error, 1)
	go func() {
		done <- l.Run(ctx, func(c audio.Chunk) { ch <- c })
	}()
	t.Cleanup(cancel)
	return ch, cancel, done
}

func recvChunk(t *testing.T, ch <-chan audio.Chunk) audio.Chunk {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chunk")
		return nil
	}
}

func TestPeerAddressFirstSenderWins(t *testing.T) {
	var p PeerAddress
	a := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1000}
	b := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 2000}

	assert.Nil(t, p.Load())
	assert.True(t, p.SetIfAbsent(a))
	assert.False(t, p.SetIfAbsent(b))
	assert.False(t, p.SetIfAbsent(a))
	assert.True(t, sameAddr(a, p.Load()))
	assert.False(t, p.SetIfAbsent(nil))
}

func TestPeerAddressConcurrentSet(t *testing.T) {
	var p PeerAddress
	var wg sync.WaitGroup
	var wins sync.Map
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			if p.SetIfAbsent(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}) {
				wins.Store(port, true)
			}
		}(5000 + i)
	}
	wg.Wait()

	count := 0
	wins.Range(func(_, _ any) bool { count++; return true })
	assert.Equal(t, 1, count)
}

func TestListenerLearnsFirstSender(t *testing.T) {
	l := newTestListener(t)
	chunks, _, _ := runListener(t, l)

	connA := dialFrom(t, l.LocalAddr())
	connB := dialFrom(t, l.LocalAddr())

	_, err := connA.Write([]byte{1, 1})
	require.NoError(t, err)
	recvChunk(t, chunks)
	_, err = connB.Write([]byte{2, 2})
	require.NoError(t, err)
	recvChunk(t, chunks)
	_, err = connA.Write([]byte{3, 3})
	require.NoError(t, err)
	recvChunk(t, chunks)

	learned := l.Peer().Load()
	require.NotNil(t, learned)
	assert.True(t, sameAddr(connA.LocalAddr().(*net.UDPAddr), learned))

	// Return audio always targets A.
	require.NoError(t, l.SendTo([]byte{9, 9, 9, 9}))
	require.NoError(t, connA.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 16)
	n, err := connA.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9, 9, 9}, buf[:n])

	require.NoError(t, connB.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err = connB.Read(buf)
	assert.Error(t, err)
}

func TestListenerThreeDatagramsInOrder(t *testing.T) {
	l := newTestListener(t)
	q := audio.NewQueue(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx, func(c audio.Chunk) { q.Push(c) }) }()

	conn := dialFrom(t, l.LocalAddr())
	var sent [][]byte
	for i := 0; i < 3; i++ {
		payload := make([]byte, 320)
		for j := range payload {
			payload[j] = byte(i*31 + j)
		}
		sent = append(sent, payload)
		_, err := conn.Write(payload)
		require.NoError(t, err)
	}

	popCtx, popCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer popCancel()
	for i := 0; i < 3; i++ {
		c, err := q.Pop(popCtx)
		require.NoError(t, err)
		f, err := audio.NewFrame(c, audio.DefaultSampleRate)
		require.NoError(t, err)
		assert.Equal(t, sent[i], f.Data, "frame %d", i)
		assert.Equal(t, 160, f.Samples())
		assert.Equal(t, audio.DefaultSampleRate, f.SampleRate)
	}
}

func TestListenerSendBeforePeer(t *testing.T) {
	l := newTestListener(t)
	err := l.SendTo([]byte{1, 2})
	assert.True(t, errors.Is(err, ErrNoPeer))
}

func TestListenerRunStopsOnCancel(t *testing.T) {
	l := newTestListener(t)
	_, cancel, done := runListener(t, l)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestListenerRunStopsOnClose(t *testing.T) {
	l := newTestListener(t)
	_, _, done := runListener(t, l)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after close")
	}
}

func TestListenerChunksAreCopies(t *testing.T) {
	l := newTestListener(t)
	chunks, _, _ := runListener(t, l)
	conn := dialFrom(t, l.LocalAddr())

	_, err := conn.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	first := recvChunk(t, chunks)
	_, err = conn.Write([]byte{5, 6, 7, 8})
	require.NoError(t, err)
	recvChunk(t, chunks)

	assert.Equal(t, audio.Chunk{1, 2, 3, 4}, first)
}
