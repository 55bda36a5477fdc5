package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/relaycast/relaycast/internal/config"
	"github.com/relaycast/relaycast/internal/ffmpeg"
	"github.com/relaycast/relaycast/internal/repository"
	"github.com/relaycast/relaycast/internal/upstream"
)

var (
	// ErrCapacityExceeded is returned when the unique channel limit is hit.
	ErrCapacityExceeded = errors.New("hub: channel capacity exceeded")
	// ErrLoopDetected is returned when a requested URL points back at this
	// relay.
	ErrLoopDetected = errors.New("hub: request would loop back to this relay")
	// ErrInvalidURL is returned for URLs that cannot be relayed.
	ErrInvalidURL = errors.New("hub: invalid stream url")
)

// Options carries the hub's configuration and dependencies.
type Options struct {
	Relay    config.RelayConfig
	FFmpeg   config.FFmpegConfig
	CacheTTL time.Duration
	Detector *ffmpeg.Detector
	Fetcher  *upstream.Fetcher
	Codecs   repository.ChannelCodecRepository
	Logger   *slog.Logger
}

// Hub owns all live broadcasters, keyed by upstream URL. Concurrent requests
// for the same URL share one broadcaster; idle broadcasters are reaped after
// a grace period.
type Hub struct {
	relay    config.RelayConfig
	ffcfg    config.FFmpegConfig
	cacheTTL time.Duration
	detector *ffmpeg.Detector
	fetcher  *upstream.Fetcher
	codecs   repository.ChannelCodecRepository
	logger   *slog.Logger

	advertisedHost string

	mu       sync.Mutex
	channels map[string]*Broadcaster
	runCtx   context.Context
}

// New builds a hub. Call Run to start the idle sweeper before serving.
func New(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		relay:    opts.Relay,
		ffcfg:    opts.FFmpeg,
		cacheTTL: opts.CacheTTL,
		detector: opts.Detector,
		fetcher:  opts.Fetcher,
		codecs:   opts.Codecs,
		logger:   logger,
		channels: make(map[string]*Broadcaster),
	}
	if opts.Relay.AdvertisedURL != "" {
		if u, err := url.Parse(opts.Relay.AdvertisedURL); err == nil {
			h.advertisedHost = strings.ToLower(u.Host)
		}
	}
	return h
}

// Run drives the idle sweeper until ctx is cancelled, then stops every
// broadcaster.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	h.runCtx = ctx
	h.mu.Unlock()

	ticker := time.NewTicker(h.relay.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case <-ticker.C:
			h.sweep()
		}
	}
}

// Acquire joins the channel for rawURL, creating its broadcaster when none
// exists. The returned sink must be released when the client disconnects.
func (h *Hub) Acquire(ctx context.Context, rawURL string) (*Broadcaster, *Sink, error) {
	normalized, err := h.validateURL(rawURL)
	if err != nil {
		return nil, nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.channels[normalized]
	if ok && b.State().Terminal() {
		delete(h.channels, normalized)
		ok = false
	}

	if !ok {
		if len(h.channels) >= h.relay.MaxChannels {
			return nil, nil, fmt.Errorf("%w: %d active", ErrCapacityExceeded, len(h.channels))
		}
		b = NewBroadcaster(BroadcasterOptions{
			URL:      normalized,
			Relay:    h.relay,
			FFmpeg:   h.ffcfg,
			CacheTTL: h.cacheTTL,
			Detector: h.detector,
			Fetcher:  h.fetcher,
			Codecs:   h.codecs,
			Logger:   h.logger,
		})
		startCtx := h.runCtx
		if startCtx == nil {
			startCtx = context.Background()
		}
		b.Start(startCtx)
		h.channels[normalized] = b
		h.logger.Info("channel created",
			slog.String("channel_id", b.ID()),
			slog.Int("active_channels", len(h.channels)),
		)
	}

	sink := b.Mux().Attach()
	b.MarkActive()
	return b, sink, nil
}

// Release detaches a sink from its broadcaster. The broadcaster itself stays
// up until the idle sweeper reaps it.
func (h *Hub) Release(b *Broadcaster, sink *Sink) {
	b.Mux().Detach(sink)
	if b.Mux().SinkCount() == 0 {
		b.MarkIdle()
	}
}

// Count returns the number of live channels.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

// ChannelStatus is a point-in-time snapshot of one channel.
type ChannelStatus struct {
	ID        string        `json:"id"`
	URL       string        `json:"url"`
	State     string        `json:"state"`
	Sinks     int           `json:"sinks"`
	BytesOut  uint64        `json:"bytes_out"`
	StartedAt time.Time     `json:"started_at"`
	IdleFor   time.Duration `json:"idle_for"`

	FirstByteAt *time.Time           `json:"first_byte_at,omitempty"`
	Transcoder  *ffmpeg.ProcessStats `json:"transcoder,omitempty"`
	Clients     []SinkStats          `json:"clients,omitempty"`
}

// Channels returns a snapshot of every live channel.
func (h *Hub) Channels() []ChannelStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]ChannelStatus, 0, len(h.channels))
	for _, b := range h.channels {
		st := ChannelStatus{
			ID:         b.ID(),
			URL:        b.URL(),
			State:      b.State().String(),
			Sinks:      b.Mux().SinkCount(),
			BytesOut:   b.Mux().TotalBytes(),
			StartedAt:  b.createdAt,
			IdleFor:    b.IdleFor(),
			Transcoder: b.TranscoderStats(),
			Clients:    b.Mux().SinkStats(),
		}
		if fb := b.FirstByteAt(); !fb.IsZero() {
			st.FirstByteAt = &fb
		}
		out = append(out, st)
	}
	return out
}

// validateURL checks scheme and loop safety and returns the canonical key.
func (h *Hub) validateURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if h.advertisedHost != "" && strings.EqualFold(u.Host, h.advertisedHost) {
		return "", ErrLoopDetected
	}
	return u.String(), nil
}

// sweep reaps broadcasters that are dead or have been idle past the grace
// period.
func (h *Hub) sweep() {
	var reap []*Broadcaster

	h.mu.Lock()
	for key, b := range h.channels {
		if b.Mux().SinkCount() == 0 {
			b.MarkIdle()
		} else {
			b.MarkActive()
		}
		if b.State().Terminal() || b.IdleFor() > h.relay.IdleGrace {
			delete(h.channels, key)
			reap = append(reap, b)
		}
	}
	h.mu.Unlock()

	for _, b := range reap {
		h.logger.Info("reaping channel",
			slog.String("channel_id", b.ID()),
			slog.String("state", b.State().String()),
			slog.Duration("idle_for", b.IdleFor()),
		)
		go b.Stop()
	}
}

// shutdown stops every broadcaster and waits for them to exit.
func (h *Hub) shutdown() {
	h.mu.Lock()
	all := make([]*Broadcaster, 0, len(h.channels))
	for _, b := range h.channels {
		all = append(all, b)
	}
	h.channels = make(map[string]*Broadcaster)
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, b := range all {
		wg.Add(1)
		go func(b *Broadcaster) {
			defer wg.Done()
			b.Stop()
		}(b)
	}
	wg.Wait()
	h.logger.Info("hub shut down", slog.Int("channels_stopped", len(all)))
}
