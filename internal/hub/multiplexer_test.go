package hub

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMultiplexerAttachDetach(t *testing.T) {
	m := NewMultiplexer(4, testLogger())

	a := m.Attach()
	b := m.Attach()
	assert.Equal(t, 2, m.SinkCount())
	assert.NotEqual(t, a.ID(), b.ID())

	m.Detach(a)
	assert.Equal(t, 1, m.SinkCount())

	select {
	case <-a.Done():
	default:
		t.Fatal("detached sink should have Done closed")
	}

	// Detaching twice is safe.
	m.Detach(a)
	assert.Equal(t, 1, m.SinkCount())
}

func TestMultiplexerBroadcastFanOut(t *testing.T) {
	m := NewMultiplexer(4, testLogger())
	a := m.Attach()
	b := m.Attach()

	payload := []byte("0123456789")
	m.Broadcast(payload)

	for _, sink := range []*Sink{a, b} {
		select {
		case got := <-sink.Chunks():
			assert.Equal(t, payload, got)
		case <-time.After(time.Second):
			t.Fatal("chunk not delivered")
		}
	}
	assert.Equal(t, uint64(10), m.TotalBytes())
}

func TestMultiplexerBroadcastCopiesChunk(t *testing.T) {
	m := NewMultiplexer(4, testLogger())
	sink := m.Attach()

	buf := []byte("aaaa")
	m.Broadcast(buf)
	buf[0] = 'z'

	got := <-sink.Chunks()
	assert.Equal(t, []byte("aaaa"), got)
}

func TestMultiplexerDropsSlowSink(t *testing.T) {
	m := NewMultiplexer(2, testLogger())
	slow := m.Attach()
	fast := m.Attach()

	// Fill the slow sink's queue without draining it, then overflow.
	m.Broadcast([]byte("1"))
	m.Broadcast([]byte("2"))

	// Keep the fast sink drained.
	for i := 0; i < 2; i++ {
		<-fast.Chunks()
	}

	m.Broadcast([]byte("3"))

	require.True(t, slow.Dropped())
	assert.Equal(t, 1, m.SinkCount())

	select {
	case <-slow.Done():
	default:
		t.Fatal("dropped sink should have Done closed")
	}

	select {
	case got := <-fast.Chunks():
		assert.Equal(t, []byte("3"), got)
	case <-time.After(time.Second):
		t.Fatal("fast sink missed the chunk")
	}
	assert.False(t, fast.Dropped())
}

func TestMultiplexerBroadcastEmptyIsNoop(t *testing.T) {
	m := NewMultiplexer(2, testLogger())
	sink := m.Attach()

	m.Broadcast(nil)
	m.Broadcast([]byte{})

	select {
	case <-sink.Chunks():
		t.Fatal("empty broadcast should not deliver")
	default:
	}
	assert.Zero(t, m.TotalBytes())
}

func TestMultiplexerCloseAll(t *testing.T) {
	m := NewMultiplexer(2, testLogger())
	a := m.Attach()
	b := m.Attach()

	m.CloseAll()
	assert.Equal(t, 0, m.SinkCount())
	<-a.Done()
	<-b.Done()
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "direct_pipe", StateDirectPipe.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "error", StateError.String())
	assert.Equal(t, "unknown", State(99).String())

	assert.True(t, StateStopped.Terminal())
	assert.True(t, StateError.Terminal())
	assert.False(t, StateStreaming.Terminal())
}

func TestSinkClientInfo(t *testing.T) {
	m := NewMultiplexer(4, testLogger())
	s := m.Attach()
	defer m.Detach(s)

	remote, ua := s.ClientInfo()
	assert.Empty(t, remote)
	assert.Empty(t, ua)

	s.SetClientInfo("10.0.0.7:51234", "vlc/3.0.20")
	remote, ua = s.ClientInfo()
	assert.Equal(t, "10.0.0.7:51234", remote)
	assert.Equal(t, "vlc/3.0.20", ua)
	assert.False(t, s.ConnectedAt().IsZero())
}

func TestMultiplexerSinkStats(t *testing.T) {
	m := NewMultiplexer(4, testLogger())
	s1 := m.Attach()
	s2 := m.Attach()
	s1.SetClientInfo("10.0.0.7:51234", "vlc/3.0.20")

	m.Broadcast([]byte("abcd"))
	<-s1.Chunks()
	<-s2.Chunks()

	stats := m.SinkStats()
	require.Len(t, stats, 2)
	byID := map[string]SinkStats{}
	for _, st := range stats {
		byID[st.ID] = st
	}
	require.Contains(t, byID, s1.ID())
	assert.Equal(t, "10.0.0.7:51234", byID[s1.ID()].RemoteAddr)
	assert.Equal(t, "vlc/3.0.20", byID[s1.ID()].UserAgent)
	assert.Empty(t, byID[s2.ID()].RemoteAddr)
	assert.Equal(t, uint64(4), byID[s1.ID()].BytesSent)

	m.CloseAll()
	assert.Empty(t, m.SinkStats())
}
