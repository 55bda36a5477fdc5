// Package upstream fetches media and metadata from origin servers.
//
// Some origins only serve segments to clients that look like a media player
// or that present the right Referer. The fetcher rotates player user agents
// and applies per-host header profiles before each request.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/relaycast/relaycast/internal/httpclient"
)

// ErrBadStatus indicates the origin answered with a non-success status.
var ErrBadStatus = errors.New("upstream returned non-success status")

// HeaderProfile supplies extra request headers for origins that gate access
// on Referer or Origin. HostSuffix matches the request host case-insensitively.
type HeaderProfile struct {
	HostSuffix string
	Referer    string
	Origin     string
}

// DefaultProfiles covers origins known to require spoofed browser headers.
var DefaultProfiles = []HeaderProfile{
	{HostSuffix: "sofascore.com", Referer: "https://www.sofascore.com/", Origin: "https://www.sofascore.com"},
	{HostSuffix: "sofascore.app", Referer: "https://www.sofascore.com/", Origin: "https://www.sofascore.com"},
}

// Stream is an open upstream media response.
type Stream struct {
	Body        io.ReadCloser
	ContentType string
	StatusCode  int
	URL         string
}

// Close releases the upstream connection.
func (s *Stream) Close() error {
	if s.Body == nil {
		return nil
	}
	return s.Body.Close()
}

// Config holds fetcher configuration.
type Config struct {
	ConnectTimeout time.Duration
	HeaderTimeout  time.Duration
	UserAgents     []string
	Profiles       []HeaderProfile
	Logger         *slog.Logger
}

// Fetcher opens upstream streams and fetches small metadata documents.
type Fetcher struct {
	streaming  *http.Client
	metadata   *httpclient.Client
	userAgents []string
	profiles   []HeaderProfile
	logger     *slog.Logger
	rotation   atomic.Uint64
}

// NewFetcher creates a Fetcher from the given configuration.
func NewFetcher(cfg Config) *Fetcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	agents := cfg.UserAgents
	if len(agents) == 0 {
		agents = []string{"VLC/3.0.18 LibVLC/3.0.18"}
	}
	profiles := cfg.Profiles
	if profiles == nil {
		profiles = DefaultProfiles
	}

	metaCfg := httpclient.DefaultConfig()
	metaCfg.Timeout = cfg.HeaderTimeout + cfg.ConnectTimeout
	metaCfg.Logger = logger

	return &Fetcher{
		streaming:  httpclient.NewStreamingClient(cfg.ConnectTimeout, cfg.HeaderTimeout),
		metadata:   httpclient.New(metaCfg),
		userAgents: agents,
		profiles:   profiles,
		logger:     logger,
	}
}

// Open starts a streaming GET against the origin. The returned Stream stays
// open until closed by the caller; only connect and header waits are bounded.
func (f *Fetcher) Open(ctx context.Context, rawURL string) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	f.applyHeaders(req)

	resp, err := f.streaming.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to upstream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %d from %s", ErrBadStatus, resp.StatusCode, req.URL.Host)
	}

	return &Stream{
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
		URL:         rawURL,
	}, nil
}

// FetchDocument retrieves a small document (playlist, JSON) with retries and
// transparent decompression.
func (f *Fetcher) FetchDocument(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("building upstream request: %w", err)
	}
	f.applyHeaders(req)

	resp, err := f.metadata.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("%w: %d from %s", ErrBadStatus, resp.StatusCode, req.URL.Host)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("reading upstream body: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// applyHeaders sets the rotated user agent and any matching header profile.
func (f *Fetcher) applyHeaders(req *http.Request) {
	idx := f.rotation.Add(1) - 1
	req.Header.Set("User-Agent", f.userAgents[idx%uint64(len(f.userAgents))])
	req.Header.Set("Accept", "*/*")

	if p := f.profileFor(req.URL); p != nil {
		if p.Referer != "" {
			req.Header.Set("Referer", p.Referer)
		}
		if p.Origin != "" {
			req.Header.Set("Origin", p.Origin)
		}
	}
}

// profileFor returns the first profile whose host suffix matches the URL.
func (f *Fetcher) profileFor(u *url.URL) *HeaderProfile {
	host := strings.ToLower(u.Hostname())
	for i := range f.profiles {
		suffix := strings.ToLower(f.profiles[i].HostSuffix)
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return &f.profiles[i]
		}
	}
	return nil
}
