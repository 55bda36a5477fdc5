package hub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/relaycast/relaycast/internal/config"
	"github.com/relaycast/relaycast/internal/ffmpeg"
	"github.com/relaycast/relaycast/internal/models"
	"github.com/relaycast/relaycast/internal/observability"
	"github.com/relaycast/relaycast/internal/repository"
	"github.com/relaycast/relaycast/internal/tsprobe"
	"github.com/relaycast/relaycast/internal/upstream"
)

const (
	reconnectBackoffMin = 500 * time.Millisecond
	reconnectBackoffMax = 5 * time.Second
	// A source that survived this long gets a fresh backoff on its next
	// failure.
	stableRunTime = 10 * time.Second

	// Enough packets for the demuxer to see PAT and PMT on real streams.
	probeCaptureBytes = 512 * 188

	pipeCopyBufferSize = 32 * 1024

	// Attempts that produce no output at all before the supervisor gives
	// up on the source entirely.
	maxSilentAttempts = 8
)

var (
	errStartupTimeout = errors.New("hub: no output before startup deadline")
	errStalled        = errors.New("hub: source stalled")
)

// BroadcasterOptions carries the dependencies a broadcaster needs.
type BroadcasterOptions struct {
	URL      string
	Relay    config.RelayConfig
	FFmpeg   config.FFmpegConfig
	CacheTTL time.Duration
	Detector *ffmpeg.Detector
	Fetcher  *upstream.Fetcher
	Codecs   repository.ChannelCodecRepository
	Logger   *slog.Logger
}

// Broadcaster supervises the single source feeding one channel and fans its
// output to attached sinks. The source is an ffmpeg transcode when a binary
// is available, or a direct byte pipe from upstream otherwise.
type Broadcaster struct {
	id        string
	url       string
	createdAt time.Time

	relay    config.RelayConfig
	ffcfg    config.FFmpegConfig
	cacheTTL time.Duration
	detector *ffmpeg.Detector
	fetcher  *upstream.Fetcher
	codecs   repository.ChannelCodecRepository
	logger   *slog.Logger

	mux *Multiplexer

	state      atomic.Int32
	lastOutput atomic.Int64 // unix nanos
	firstByte  atomic.Int64 // unix nanos, 0 until output seen
	sawOutput  atomic.Bool  // reset per attempt

	backoffMin time.Duration
	backoffMax time.Duration

	idleMu    sync.Mutex
	idleSince time.Time

	cmdMu  sync.Mutex
	curCmd *ffmpeg.Command

	probeOnce sync.Once

	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewBroadcaster builds a broadcaster for one upstream URL. Call Start to
// begin pulling data.
func NewBroadcaster(opts BroadcasterOptions) *Broadcaster {
	id := ulid.Make().String()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		id:         id,
		url:        opts.URL,
		createdAt:  time.Now(),
		relay:      opts.Relay,
		ffcfg:      opts.FFmpeg,
		cacheTTL:   opts.CacheTTL,
		detector:   opts.Detector,
		fetcher:    opts.Fetcher,
		codecs:     opts.Codecs,
		logger:     observability.WithChannel(logger, id),
		mux:        NewMultiplexer(opts.Relay.SinkQueueChunks, logger),
		doneCh:     make(chan struct{}),
		backoffMin: reconnectBackoffMin,
		backoffMax: reconnectBackoffMax,
	}
	b.state.Store(int32(StateStarting))
	return b
}

// ID returns the broadcaster's identifier.
func (b *Broadcaster) ID() string { return b.id }

// FirstByteAt returns when the current source produced its first byte, or
// the zero time when nothing has arrived yet.
func (b *Broadcaster) FirstByteAt() time.Time {
	ns := b.firstByte.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (b *Broadcaster) setCurrentCommand(cmd *ffmpeg.Command) {
	b.cmdMu.Lock()
	b.curCmd = cmd
	b.cmdMu.Unlock()
}

// TranscoderStats returns resource usage of the live transcoder process,
// or nil when the channel is on the direct pipe or between attempts.
func (b *Broadcaster) TranscoderStats() *ffmpeg.ProcessStats {
	b.cmdMu.Lock()
	cmd := b.curCmd
	b.cmdMu.Unlock()

	if cmd == nil {
		return nil
	}
	return cmd.ProcessStats()
}

// URL returns the upstream URL this broadcaster serves.
func (b *Broadcaster) URL() string { return b.url }

// State returns the current lifecycle state.
func (b *Broadcaster) State() State { return State(b.state.Load()) }

// Mux returns the sink multiplexer.
func (b *Broadcaster) Mux() *Multiplexer { return b.mux }

// Done is closed when the supervision loop has fully exited.
func (b *Broadcaster) Done() <-chan struct{} { return b.doneCh }

// Start launches the supervision loop.
func (b *Broadcaster) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go b.run(runCtx)
}

// Stop tears the broadcaster down and waits for the loop to exit. A no-op
// when Start was never called.
func (b *Broadcaster) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.doneCh
}

// MarkIdle records the moment the last sink detached.
func (b *Broadcaster) MarkIdle() {
	b.idleMu.Lock()
	defer b.idleMu.Unlock()
	if b.idleSince.IsZero() {
		b.idleSince = time.Now()
	}
}

// MarkActive clears any idle timestamp.
func (b *Broadcaster) MarkActive() {
	b.idleMu.Lock()
	defer b.idleMu.Unlock()
	b.idleSince = time.Time{}
}

// IdleFor returns how long the broadcaster has been without sinks, or zero
// when it has at least one.
func (b *Broadcaster) IdleFor() time.Duration {
	b.idleMu.Lock()
	defer b.idleMu.Unlock()
	if b.idleSince.IsZero() {
		return 0
	}
	return time.Since(b.idleSince)
}

func (b *Broadcaster) setState(s State) {
	old := State(b.state.Swap(int32(s)))
	if old != s {
		b.logger.Debug("broadcaster state change",
			slog.String("from", old.String()),
			slog.String("to", s.String()),
		)
	}
}

func (b *Broadcaster) run(ctx context.Context) {
	defer close(b.doneCh)
	defer b.mux.CloseAll()

	backoff := b.backoffMin
	silentAttempts := 0

	for {
		if ctx.Err() != nil {
			b.setState(StateStopped)
			return
		}

		b.sawOutput.Store(false)
		started := time.Now()
		err := b.attempt(ctx)
		ran := time.Since(started)

		if ctx.Err() != nil {
			b.setState(StateStopped)
			return
		}

		if b.sawOutput.Load() {
			silentAttempts = 0
		} else {
			silentAttempts++
			if silentAttempts >= maxSilentAttempts {
				b.logger.Error("source never produced output, giving up",
					slog.Int("attempts", silentAttempts),
					slog.Any("error", err),
				)
				b.setState(StateError)
				return
			}
		}

		b.setState(StateReconnecting)
		b.logger.Warn("source ended, reconnecting",
			slog.Duration("ran_for", ran),
			slog.Duration("backoff", backoff),
			slog.Any("error", err),
		)

		select {
		case <-ctx.Done():
			b.setState(StateStopped)
			return
		case <-time.After(backoff):
		}

		if ran >= stableRunTime {
			backoff = b.backoffMin
		} else {
			backoff *= 2
			if backoff > b.backoffMax {
				backoff = b.backoffMax
			}
		}
	}
}

// attempt runs one source until it fails or the context ends. ffmpeg is
// preferred; when it is missing or produces nothing before the startup
// deadline, the upstream bytes are piped through untouched instead.
func (b *Broadcaster) attempt(ctx context.Context) error {
	if b.detector != nil && b.detector.Available(ctx) {
		err := b.runFFmpeg(ctx)
		if !errors.Is(err, errStartupTimeout) {
			return err
		}
		b.logger.Warn("transcoder produced no output, falling back to direct pipe")
	} else {
		b.logger.Info("no transcoder available, using direct pipe")
	}
	return b.runDirectPipe(ctx)
}

func (b *Broadcaster) runFFmpeg(ctx context.Context) error {
	info, err := b.detector.Detect(ctx)
	if err != nil {
		return errStartupTimeout
	}

	cmd := ffmpeg.NewRelayCommand(info.Path, b.url, b.ffcfg.AudioBitrateKbps, b.stderrLogPath())
	w := b.newSourceWriter()

	b.setCurrentCommand(cmd)
	defer b.setCurrentCommand(nil)

	b.setState(StateStarting)
	b.logger.Info("starting transcoder",
		slog.String("binary", info.Path),
		slog.String("version", info.Version),
	)

	runErr := make(chan error, 1)
	go func() {
		runErr <- cmd.StreamToWriter(ctx, w)
	}()

	select {
	case <-w.started:
		b.setState(StateStreaming)
	case <-time.After(b.relay.StartupTimeout):
		_ = cmd.Kill()
		<-runErr
		b.logStderrTail(cmd)
		return errStartupTimeout
	case err := <-runErr:
		// Died before producing a byte: treat like a startup failure
		// so the direct pipe gets a chance.
		b.logStderrTail(cmd)
		if err == nil {
			err = errStartupTimeout
		}
		return fmt.Errorf("%w: %w", errStartupTimeout, err)
	case <-ctx.Done():
		_ = cmd.Kill()
		<-runErr
		return ctx.Err()
	}

	return b.superviseOutput(ctx, runErr, func() { _ = cmd.Kill() }, cmd)
}

func (b *Broadcaster) runDirectPipe(ctx context.Context) error {
	pipeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := b.fetcher.Open(pipeCtx, b.url)
	if err != nil {
		return fmt.Errorf("open upstream: %w", err)
	}
	defer stream.Close()

	b.setState(StateDirectPipe)
	b.logger.Info("direct pipe established",
		slog.String("content_type", stream.ContentType),
	)

	w := b.newSourceWriter()
	runErr := make(chan error, 1)
	go func() {
		buf := make([]byte, pipeCopyBufferSize)
		_, err := io.CopyBuffer(w, stream.Body, buf)
		runErr <- err
	}()

	return b.superviseOutput(ctx, runErr, cancel, nil)
}

// superviseOutput watches a running source for stalls and exit. kill stops
// the source; it must cause the runErr goroutine to return.
func (b *Broadcaster) superviseOutput(ctx context.Context, runErr <-chan error, kill func(), cmd *ffmpeg.Command) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case err := <-runErr:
			if cmd != nil {
				b.logStderrTail(cmd)
			}
			if err == nil {
				err = io.EOF
			}
			return err
		case <-ticker.C:
			last := time.Unix(0, b.lastOutput.Load())
			if since := time.Since(last); since > b.relay.StallTimeout {
				b.logger.Warn("source stalled, restarting",
					slog.Duration("since_last_output", since),
				)
				kill()
				<-runErr
				return errStalled
			}
		case <-ctx.Done():
			kill()
			<-runErr
			return ctx.Err()
		}
	}
}

func (b *Broadcaster) stderrLogPath() string {
	if b.ffcfg.StderrLogDir == "" {
		return ""
	}
	return filepath.Join(b.ffcfg.StderrLogDir, fmt.Sprintf("relay-%s.log", b.id))
}

func (b *Broadcaster) logStderrTail(cmd *ffmpeg.Command) {
	lines := cmd.StderrLines()
	if len(lines) == 0 {
		return
	}
	tail := lines
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	b.logger.Debug("transcoder stderr tail", slog.Any("lines", tail))
}

// sourceWriter feeds the multiplexer, tracks output liveness, and captures
// the first packets for codec probing. One writer per source attempt.
type sourceWriter struct {
	b       *Broadcaster
	started chan struct{}
	once    sync.Once
	capture []byte
}

func (b *Broadcaster) newSourceWriter() *sourceWriter {
	b.lastOutput.Store(time.Now().UnixNano())
	return &sourceWriter{
		b:       b,
		started: make(chan struct{}),
	}
}

func (w *sourceWriter) Write(p []byte) (int, error) {
	now := time.Now().UnixNano()
	w.b.lastOutput.Store(now)
	w.b.firstByte.CompareAndSwap(0, now)
	w.b.sawOutput.Store(true)
	w.once.Do(func() { close(w.started) })

	if w.b.codecs != nil && len(w.capture) < probeCaptureBytes {
		w.capture = append(w.capture, p...)
		if len(w.capture) >= probeCaptureBytes {
			data := w.capture
			w.capture = nil
			w.b.probeOnce.Do(func() { go w.b.probeCodecs(data) })
		}
	}

	w.b.mux.Broadcast(p)
	return len(p), nil
}

// probeCodecs sniffs the captured transport stream and records the result in
// the codec cache. Failures only get logged.
func (b *Broadcaster) probeCodecs(data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry := &models.ChannelCodec{
		StreamURL: b.url,
		ProbedAt:  time.Now(),
	}
	result, err := tsprobe.Probe(ctx, bytes.NewReader(data))
	if err != nil {
		entry.ProbeError = err.Error()
	} else {
		entry.VideoCodec = result.VideoCodec
		entry.VideoPID = result.VideoPID
		entry.AudioCodec = result.AudioCodec
		entry.AudioPID = result.AudioPID
	}
	if b.cacheTTL > 0 {
		entry.SetExpiry(b.cacheTTL)
	}

	if err := b.codecs.Upsert(ctx, entry); err != nil {
		b.logger.Warn("codec cache update failed", slog.Any("error", err))
		return
	}
	b.logger.Info("channel codecs probed",
		slog.String("video_codec", entry.VideoCodec),
		slog.String("audio_codec", entry.AudioCodec),
	)
}
