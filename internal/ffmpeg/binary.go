// Package ffmpeg provides FFmpeg binary detection and a process wrapper for
// live transcoding to MPEG-TS.
package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BinaryInfo contains information about the detected FFmpeg installation.
type BinaryInfo struct {
	Path         string `json:"path"`
	Version      string `json:"version"`
	MajorVersion int    `json:"major_version"`
	MinorVersion int    `json:"minor_version"`
}

// Detector locates the FFmpeg binary and caches the result.
// When no binary is found the relay falls back to piping upstream bytes
// through untouched, so detection failure is not fatal.
type Detector struct {
	configuredPath string

	mu           sync.RWMutex
	info         *BinaryInfo
	lastDetected time.Time
	cacheTTL     time.Duration
}

// NewDetector creates a detector. configuredPath overrides the search when
// non-empty.
func NewDetector(configuredPath string) *Detector {
	return &Detector{
		configuredPath: configuredPath,
		cacheTTL:       5 * time.Minute,
	}
}

// WithCacheTTL sets the cache TTL for binary detection.
func (d *Detector) WithCacheTTL(ttl time.Duration) *Detector {
	d.cacheTTL = ttl
	return d
}

// Detect locates ffmpeg and probes its version.
// Search order: configured path, RELAYCAST_FFMPEG_BINARY, ./ffmpeg, PATH.
func (d *Detector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		info := d.info
		d.mu.RUnlock()
		return info, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		return d.info, nil
	}

	path, err := d.findBinary()
	if err != nil {
		return nil, err
	}

	info := &BinaryInfo{Path: path}
	version, err := probeVersion(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("probing ffmpeg version: %w", err)
	}
	info.Version = version.full
	info.MajorVersion = version.major
	info.MinorVersion = version.minor

	d.info = info
	d.lastDetected = time.Now()
	return info, nil
}

// Available reports whether a working ffmpeg binary could be found.
func (d *Detector) Available(ctx context.Context) bool {
	_, err := d.Detect(ctx)
	return err == nil
}

// Clear drops the cached binary information.
func (d *Detector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = nil
}

func (d *Detector) findBinary() (string, error) {
	if d.configuredPath != "" {
		if _, err := os.Stat(d.configuredPath); err != nil {
			return "", fmt.Errorf("configured ffmpeg path %q: %w", d.configuredPath, err)
		}
		return d.configuredPath, nil
	}

	if env := os.Getenv("RELAYCAST_FFMPEG_BINARY"); env != "" {
		if _, err := os.Stat(env); err == nil {
			return env, nil
		}
	}

	if wd, err := os.Getwd(); err == nil {
		local := filepath.Join(wd, "ffmpeg")
		if fi, err := os.Stat(local); err == nil && !fi.IsDir() {
			return local, nil
		}
	}

	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return "", fmt.Errorf("ffmpeg not found: %w", err)
	}
	return path, nil
}

type versionInfo struct {
	full  string
	major int
	minor int
}

var versionRe = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// probeVersion runs ffmpeg -version and parses the banner line.
func probeVersion(ctx context.Context, path string) (*versionInfo, error) {
	cmd := exec.CommandContext(ctx, path, "-version")
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	for _, line := range strings.Split(string(output), "\n") {
		if !strings.HasPrefix(line, "ffmpeg version") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			break
		}
		info := &versionInfo{full: parts[2]}
		if m := versionRe.FindStringSubmatch(parts[2]); len(m) >= 3 {
			info.major, _ = strconv.Atoi(m[1])
			info.minor, _ = strconv.Atoi(m[2])
		}
		return info, nil
	}

	return nil, fmt.Errorf("unrecognized ffmpeg version output")
}

// SupportsMinVersion returns true if the version meets the minimum requirement.
func (info *BinaryInfo) SupportsMinVersion(major, minor int) bool {
	if info.MajorVersion > major {
		return true
	}
	return info.MajorVersion == major && info.MinorVersion >= minor
}
