package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Sink is one client attached to a broadcaster. Chunks are delivered through
// a bounded queue; a sink that cannot keep up is dropped rather than allowed
// to stall the broadcast.
type Sink struct {
	id          string
	chunks      chan []byte
	done        chan struct{}
	once        sync.Once
	connectedAt time.Time

	mu         sync.Mutex
	remoteAddr string
	userAgent  string

	bytesSent atomic.Uint64
	dropped   atomic.Bool
}

// ID returns the sink's unique identifier.
func (s *Sink) ID() string { return s.id }

// Chunks returns the channel of broadcast data for this sink.
func (s *Sink) Chunks() <-chan []byte { return s.chunks }

// Done is closed when the sink is detached or dropped.
func (s *Sink) Done() <-chan struct{} { return s.done }

// Dropped reports whether the sink was removed for falling behind.
func (s *Sink) Dropped() bool { return s.dropped.Load() }

// BytesSent returns the number of bytes queued to this sink.
func (s *Sink) BytesSent() uint64 { return s.bytesSent.Load() }

// ConnectedAt returns when the sink attached.
func (s *Sink) ConnectedAt() time.Time { return s.connectedAt }

// SetClientInfo records the consuming client's address and user agent.
func (s *Sink) SetClientInfo(remoteAddr, userAgent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteAddr = remoteAddr
	s.userAgent = userAgent
}

// ClientInfo returns the recorded client address and user agent.
func (s *Sink) ClientInfo() (remoteAddr, userAgent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteAddr, s.userAgent
}

func (s *Sink) close() {
	s.once.Do(func() { close(s.done) })
}

// Multiplexer fans broadcast chunks out to attached sinks.
type Multiplexer struct {
	mu         sync.RWMutex
	sinks      map[string]*Sink
	queueDepth int
	logger     *slog.Logger

	totalBytes atomic.Uint64
}

// NewMultiplexer creates a multiplexer whose sinks buffer up to queueDepth
// chunks before being considered too slow.
func NewMultiplexer(queueDepth int, logger *slog.Logger) *Multiplexer {
	if queueDepth < 1 {
		queueDepth = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		sinks:      make(map[string]*Sink),
		queueDepth: queueDepth,
		logger:     logger,
	}
}

// Attach registers a new sink and returns it.
func (m *Multiplexer) Attach() *Sink {
	sink := &Sink{
		id:          uuid.NewString(),
		chunks:      make(chan []byte, m.queueDepth),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}

	m.mu.Lock()
	m.sinks[sink.id] = sink
	count := len(m.sinks)
	m.mu.Unlock()

	m.logger.Debug("sink attached",
		slog.String("sink_id", sink.id),
		slog.Int("sinks", count),
	)
	return sink
}

// Detach removes a sink. Safe to call more than once.
func (m *Multiplexer) Detach(sink *Sink) {
	m.mu.Lock()
	_, present := m.sinks[sink.id]
	delete(m.sinks, sink.id)
	count := len(m.sinks)
	m.mu.Unlock()

	sink.close()
	if present {
		m.logger.Debug("sink detached",
			slog.String("sink_id", sink.id),
			slog.Int("sinks", count),
		)
	}
}

// Broadcast copies the chunk once and queues it to every sink. Sinks whose
// queue is full are dropped; the broadcast itself never blocks.
func (m *Multiplexer) Broadcast(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	// Writers reuse their buffer between calls, so the fan-out needs its
	// own copy. One copy is shared by all sinks.
	data := make([]byte, len(chunk))
	copy(data, chunk)
	m.totalBytes.Add(uint64(len(data)))

	var slow []*Sink

	m.mu.RLock()
	for _, sink := range m.sinks {
		select {
		case sink.chunks <- data:
			sink.bytesSent.Add(uint64(len(data)))
		default:
			slow = append(slow, sink)
		}
	}
	m.mu.RUnlock()

	for _, sink := range slow {
		sink.dropped.Store(true)
		m.Detach(sink)
		m.logger.Warn("dropping slow sink",
			slog.String("sink_id", sink.id),
			slog.Uint64("bytes_sent", sink.BytesSent()),
		)
	}
}

// SinkCount returns the number of attached sinks.
func (m *Multiplexer) SinkCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sinks)
}

// SinkStats is a point-in-time snapshot of one sink.
type SinkStats struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	BytesSent   uint64    `json:"bytes_sent"`
	ConnectedAt time.Time `json:"connected_at"`
}

// SinkStats returns a snapshot of every attached sink.
func (m *Multiplexer) SinkStats() []SinkStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SinkStats, 0, len(m.sinks))
	for _, s := range m.sinks {
		remote, ua := s.ClientInfo()
		out = append(out, SinkStats{
			ID:          s.id,
			RemoteAddr:  remote,
			UserAgent:   ua,
			BytesSent:   s.BytesSent(),
			ConnectedAt: s.connectedAt,
		})
	}
	return out
}

// TotalBytes returns the total bytes broadcast so far.
func (m *Multiplexer) TotalBytes() uint64 {
	return m.totalBytes.Load()
}

// CloseAll detaches every sink.
func (m *Multiplexer) CloseAll() {
	m.mu.Lock()
	sinks := make([]*Sink, 0, len(m.sinks))
	for _, s := range m.sinks {
		sinks = append(sinks, s)
	}
	m.sinks = make(map[string]*Sink)
	m.mu.Unlock()

	for _, s := range sinks {
		s.close()
	}
}
