package ffmpeg

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats contains resource usage statistics for a transcoder process.
type ProcessStats struct {
	PID int32 `json:"pid"`

	CPUPercent    float64 `json:"cpu_percent"`
	MemoryRSS     uint64  `json:"memory_rss_bytes"`
	MemoryVMS     uint64  `json:"memory_vms_bytes"`
	MemoryPercent float64 `json:"memory_percent"`

	BytesWritten  uint64  `json:"bytes_written"`
	WriteRateBps  float64 `json:"write_rate_bps"`
	WriteRateKbps float64 `json:"write_rate_kbps"`

	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	LastUpdated time.Time     `json:"last_updated"`
}

// ProcessMonitor samples resource usage of a transcoder process.
type ProcessMonitor struct {
	pid       int32
	proc      *process.Process
	startedAt time.Time
	interval  time.Duration

	mu    sync.RWMutex
	stats ProcessStats

	lastBytesWritten uint64
	lastBytesCheck   time.Time

	bytesWritten atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessMonitor creates a monitor for the given PID.
func NewProcessMonitor(pid int32) *ProcessMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	pm := &ProcessMonitor{
		pid:       pid,
		startedAt: time.Now(),
		interval:  time.Second,
		ctx:       ctx,
		cancel:    cancel,
	}
	if proc, err := process.NewProcess(pid); err == nil {
		pm.proc = proc
	}
	return pm
}

// Start begins sampling in the background.
func (pm *ProcessMonitor) Start() {
	pm.mu.Lock()
	pm.lastBytesCheck = time.Now()
	pm.mu.Unlock()

	pm.wg.Add(1)
	go pm.loop()
}

// Stop stops sampling and waits for the loop to exit.
func (pm *ProcessMonitor) Stop() {
	pm.cancel()
	pm.wg.Wait()
}

// Stats returns the latest sampled statistics.
func (pm *ProcessMonitor) Stats() ProcessStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	stats := pm.stats
	stats.BytesWritten = pm.bytesWritten.Load()
	return stats
}

// AddBytesWritten adds to the bytes written counter.
func (pm *ProcessMonitor) AddBytesWritten(n uint64) {
	pm.bytesWritten.Add(n)
}

func (pm *ProcessMonitor) loop() {
	defer pm.wg.Done()

	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()

	pm.sample()
	for {
		select {
		case <-pm.ctx.Done():
			return
		case <-ticker.C:
			pm.sample()
		}
	}
}

func (pm *ProcessMonitor) sample() {
	now := time.Now()

	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.stats.PID = pm.pid
	pm.stats.StartedAt = pm.startedAt
	pm.stats.Duration = now.Sub(pm.startedAt)
	pm.stats.LastUpdated = now

	if pm.proc != nil {
		if cpu, err := pm.proc.CPUPercent(); err == nil {
			pm.stats.CPUPercent = cpu
		}
		if mem, err := pm.proc.MemoryInfo(); err == nil {
			pm.stats.MemoryRSS = mem.RSS
			pm.stats.MemoryVMS = mem.VMS
		}
		if pct, err := pm.proc.MemoryPercent(); err == nil {
			pm.stats.MemoryPercent = float64(pct)
		}
	}

	current := pm.bytesWritten.Load()
	if elapsed := now.Sub(pm.lastBytesCheck); elapsed > 0 {
		delta := current - pm.lastBytesWritten
		pm.stats.WriteRateBps = float64(delta) / elapsed.Seconds()
		pm.stats.WriteRateKbps = pm.stats.WriteRateBps * 8 / 1000
	}
	pm.stats.BytesWritten = current
	pm.lastBytesWritten = current
	pm.lastBytesCheck = now
}

// CountingWriter wraps an io.Writer and reports bytes written to a monitor.
type CountingWriter struct {
	w       io.Writer
	monitor *ProcessMonitor
}

// NewCountingWriter creates a writer that counts bytes and reports to monitor.
func NewCountingWriter(w io.Writer, monitor *ProcessMonitor) *CountingWriter {
	return &CountingWriter{w: w, monitor: monitor}
}

// Write implements io.Writer.
func (cw *CountingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 && cw.monitor != nil {
		cw.monitor.AddBytesWritten(uint64(n))
	}
	return n, err
}
