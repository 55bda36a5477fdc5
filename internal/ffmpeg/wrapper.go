package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// maxStderrLines bounds the in-memory stderr ring buffer.
const maxStderrLines = 100

// CommandBuilder builds FFmpeg commands with a fluent API.
type CommandBuilder struct {
	binary        string
	globalArgs    []string
	inputArgs     []string
	input         string
	outputArgs    []string
	output        string
	logLevel      string
	stderrLogPath string
}

// NewCommandBuilder creates a new FFmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the FFmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the FFmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// InputArgs adds arbitrary input arguments.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// Reconnect enables automatic reconnection for network inputs, including at
// end-of-stream and on transient HTTP errors.
func (b *CommandBuilder) Reconnect() *CommandBuilder {
	b.inputArgs = append(b.inputArgs,
		"-reconnect", "1",
		"-reconnect_at_eof", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "2",
		"-reconnect_on_http_error", "4xx,5xx",
	)
	return b
}

// TimestampRecovery regenerates missing presentation timestamps and discards
// corrupt packets, which keeps long-running live inputs playable.
func (b *CommandBuilder) TimestampRecovery() *CommandBuilder {
	b.inputArgs = append(b.inputArgs, "-fflags", "+genpts+discardcorrupt")
	return b
}

// VideoCodec sets the video codec.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// AudioCodec sets the audio codec.
func (b *CommandBuilder) AudioCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	return b
}

// AudioBitrate sets the audio bitrate.
func (b *CommandBuilder) AudioBitrate(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:a", bitrate)
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// MpegtsFormat sets MPEG-TS container output.
func (b *CommandBuilder) MpegtsFormat() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-f", "mpegts")
	return b
}

// FlushPackets enables immediate packet flushing for low latency.
func (b *CommandBuilder) FlushPackets() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-flush_packets", "1")
	return b
}

// MuxDelay sets the muxer delay for live streaming.
func (b *CommandBuilder) MuxDelay(delay string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-muxdelay", delay)
	return b
}

// StderrLogPath sets a file path to write FFmpeg stderr output for debugging.
func (b *CommandBuilder) StderrLogPath(path string) *CommandBuilder {
	b.stderrLogPath = path
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build builds the command. Argument order is loglevel, global args, input
// args, -i input, output args, output.
func (b *CommandBuilder) Build() *Command {
	var args []string

	args = append(args, "-loglevel", b.logLevel)
	args = append(args, b.globalArgs...)
	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)
	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return &Command{
		Binary:        b.binary,
		Args:          args,
		Input:         b.input,
		Output:        b.output,
		stderrLogPath: b.stderrLogPath,
		stderrLines:   make([]string, 0, maxStderrLines),
	}
}

// NewRelayCommand builds the transcoding command used by the broadcast hub:
// reconnecting network input, video copied through, audio re-encoded to AAC,
// MPEG-TS on stdout.
func NewRelayCommand(ffmpegPath, inputURL string, audioBitrateKbps int, stderrLogPath string) *Command {
	return NewCommandBuilder(ffmpegPath).
		HideBanner().
		Reconnect().
		TimestampRecovery().
		Input(inputURL).
		VideoCodec("copy").
		AudioCodec("aac").
		AudioBitrate(strconv.Itoa(audioBitrateKbps) + "k").
		MpegtsFormat().
		FlushPackets().
		MuxDelay("0").
		StderrLogPath(stderrLogPath).
		Output("pipe:1").
		Build()
}

// Command represents an FFmpeg invocation.
type Command struct {
	Binary string
	Args   []string
	Input  string
	Output string

	cmd     *exec.Cmd
	started time.Time
	mu      sync.RWMutex

	monitor *ProcessMonitor

	stderrLogPath string
	stderrLines   []string
	stderrMu      sync.RWMutex
}

// String returns the command as a string.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Kill terminates the FFmpeg process.
func (c *Command) Kill() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// IsRunning returns true if the process has started and not yet exited.
func (c *Command) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cmd == nil || c.cmd.Process == nil {
		return false
	}
	return c.cmd.ProcessState == nil
}

// Duration returns how long the command has been running.
func (c *Command) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.started.IsZero() {
		return 0
	}
	return time.Since(c.started)
}

// StreamToWriter runs FFmpeg and copies stdout to the writer until the
// process exits or the context is cancelled. Stderr is captured to the ring
// buffer and optionally a log file; bytes written are tracked by the monitor.
func (c *Command) StreamToWriter(ctx context.Context, w io.Writer) error {
	c.mu.Lock()
	c.cmd = exec.CommandContext(ctx, c.Binary, c.Args...)
	c.started = time.Now()

	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("getting stdout pipe: %w", err)
	}
	stderr, err := c.cmd.StderrPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("getting stderr pipe: %w", err)
	}
	c.mu.Unlock()

	if err := c.cmd.Start(); err != nil {
		return fmt.Errorf("starting ffmpeg: %w", err)
	}

	c.mu.Lock()
	c.monitor = NewProcessMonitor(int32(c.cmd.Process.Pid))
	c.monitor.Start()
	logPath := c.stderrLogPath
	c.mu.Unlock()

	stderrDone := make(chan struct{})
	go c.captureStderr(stderr, logPath, stderrDone)

	counting := NewCountingWriter(w, c.monitor)
	copyDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(counting, stdout)
		copyDone <- err
	}()

	waitErr := c.cmd.Wait()
	<-stderrDone
	c.stopMonitor()

	select {
	case copyErr := <-copyDone:
		if copyErr != nil && waitErr == nil {
			return fmt.Errorf("copying output: %w", copyErr)
		}
	default:
	}

	return waitErr
}

// captureStderr reads FFmpeg stderr into the ring buffer and optionally a
// log file.
func (c *Command) captureStderr(stderr io.ReadCloser, logPath string, done chan struct{}) {
	defer close(done)

	var logFile *os.File
	if logPath != "" {
		var err error
		logFile, err = os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open ffmpeg log file %s: %v\n", logPath, err)
		} else {
			defer logFile.Close()
			fmt.Fprintf(logFile, "\n=== ffmpeg session started at %s ===\n", time.Now().Format(time.RFC3339))
			fmt.Fprintf(logFile, "command: %s\n\n", c.String())
		}
	}

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()

		c.stderrMu.Lock()
		if len(c.stderrLines) >= maxStderrLines {
			c.stderrLines = c.stderrLines[1:]
		}
		c.stderrLines = append(c.stderrLines, line)
		c.stderrMu.Unlock()

		if logFile != nil {
			fmt.Fprintln(logFile, line)
		}
	}

	if logFile != nil {
		fmt.Fprintf(logFile, "\n=== ffmpeg session ended at %s ===\n", time.Now().Format(time.RFC3339))
	}
}

// StderrLines returns the recent stderr lines captured from FFmpeg.
func (c *Command) StderrLines() []string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()

	lines := make([]string, len(c.stderrLines))
	copy(lines, c.stderrLines)
	return lines
}

func (c *Command) stopMonitor() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.monitor != nil {
		c.monitor.Stop()
	}
}

// ProcessStats returns current process statistics, or nil when monitoring is
// not active.
func (c *Command) ProcessStats() *ProcessStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.monitor == nil {
		return nil
	}
	stats := c.monitor.Stats()
	return &stats
}
