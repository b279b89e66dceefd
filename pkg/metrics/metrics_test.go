package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.DatagramReceived()
	m.DatagramReceived()
	m.Drop(DropNoPeer)
	m.DropN(DropStale, 4)
	m.DropN(DropStale, 0)
	m.Frame(DirectionToPeer)
	m.QueueDepth(7)
	m.PeerState("connected", []string{"idle", "connected", "closed"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.datagrams))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.drops.WithLabelValues(DropNoPeer)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.drops.WithLabelValues(DropStale)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.frames.WithLabelValues(DirectionToPeer)))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.peerState.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.peerState.WithLabelValues("idle")))
}

func TestNilRelayIsNoop(t *testing.T) {
	var m *Relay
	m.DatagramReceived()
	m.ReadError()
	m.Frame(DirectionToTelephony)
	m.Drop(DropSend)
	m.DropN(DropStale, 2)
	m.QueueDepth(1)
	m.PeerState("closed", nil)
	m.NegotiationSeconds(1)
	m.SidebandEvent("session.created")
}

func TestHandlerExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.DatagramReceived()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), "ai_relay_datagrams_received_total 1"))
}
