// Package handlers provides the HTTP handlers for relaycast.
package handlers

import (
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/relaycast/relaycast/internal/auth"
	"github.com/relaycast/relaycast/internal/hub"
	"github.com/relaycast/relaycast/internal/observability"
	"github.com/relaycast/relaycast/internal/upstream"
)

const streamContentType = "video/mp2t"

// StreamHandler serves the /stream endpoint: clients join the shared relay
// for an upstream URL, or get a direct passthrough when transcoding is
// explicitly bypassed.
type StreamHandler struct {
	hub      *hub.Hub
	verifier *auth.Verifier
	fetcher  *upstream.Fetcher
	logger   *slog.Logger
}

// NewStreamHandler builds the stream handler.
func NewStreamHandler(h *hub.Hub, verifier *auth.Verifier, fetcher *upstream.Fetcher, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		hub:      h,
		verifier: verifier,
		fetcher:  fetcher,
		logger:   observability.WithComponent(logger, "stream-handler"),
	}
}

// Register mounts the route on the router.
func (h *StreamHandler) Register(r chi.Router) {
	r.Get("/stream", h.ServeStream)
}

// decodeStreamID reverses the Base64 masking applied by the playlist
// rewriter. Both standard and URL-safe alphabets are accepted, padded or
// not, since players pass the id through untouched in either form.
func decodeStreamID(id string) (string, bool) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if raw, err := enc.DecodeString(id); err == nil {
			return string(raw), true
		}
	}
	return "", false
}

// ServeStream handles GET /stream?url=|id=&key=[&nocode=true].
func (h *StreamHandler) ServeStream(w http.ResponseWriter, r *http.Request) {
	if !h.verifier.VerifyRequest(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	streamURL := r.URL.Query().Get("url")
	if id := r.URL.Query().Get("id"); id != "" {
		decoded, ok := decodeStreamID(id)
		if !ok {
			http.Error(w, "Invalid stream ID", http.StatusBadRequest)
			return
		}
		streamURL = decoded
	}
	if streamURL == "" {
		http.Error(w, `Missing "url" or "id"`, http.StatusBadRequest)
		return
	}

	nocode := r.URL.Query().Get("nocode")
	if nocode == "true" || nocode == "1" || strings.Contains(streamURL, ".m3u") {
		h.servePassthrough(w, r, streamURL)
		return
	}

	h.serveRelay(w, r, streamURL)
}

// serveRelay joins the shared broadcaster for the URL and copies its output
// until the client goes away or the sink is dropped.
func (h *StreamHandler) serveRelay(w http.ResponseWriter, r *http.Request, streamURL string) {
	b, sink, err := h.hub.Acquire(r.Context(), streamURL)
	if err != nil {
		switch {
		case errors.Is(err, hub.ErrCapacityExceeded):
			http.Error(w, "Relay at capacity, try again later", http.StatusServiceUnavailable)
		case errors.Is(err, hub.ErrLoopDetected):
			http.Error(w, "Refusing to relay this server's own address", http.StatusBadRequest)
		default:
			http.Error(w, "Invalid stream URL", http.StatusBadRequest)
		}
		return
	}
	defer h.hub.Release(b, sink)
	sink.SetClientInfo(r.RemoteAddr, r.UserAgent())

	logger := observability.LoggerFromContext(r.Context())
	logger.Info("client joined stream",
		slog.String("channel_id", b.ID()),
		slog.String("sink_id", sink.ID()),
		slog.String("remote_addr", r.RemoteAddr),
	)

	w.Header().Set("Content-Type", streamContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case chunk := <-sink.Chunks():
			if _, err := w.Write(chunk); err != nil {
				logger.Debug("client write failed, disconnecting",
					slog.String("sink_id", sink.ID()),
				)
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-sink.Done():
			logger.Info("sink closed by relay",
				slog.String("sink_id", sink.ID()),
				slog.Bool("dropped", sink.Dropped()),
			)
			return
		case <-r.Context().Done():
			logger.Info("client disconnected",
				slog.String("sink_id", sink.ID()),
				slog.Uint64("bytes_sent", sink.BytesSent()),
			)
			return
		}
	}
}

// servePassthrough pipes upstream bytes straight through for one client,
// with no shared broadcaster and no transcoding.
func (h *StreamHandler) servePassthrough(w http.ResponseWriter, r *http.Request, streamURL string) {
	stream, err := h.fetcher.Open(r.Context(), streamURL)
	if err != nil {
		observability.LoggerFromContext(r.Context()).Warn("passthrough fetch failed",
			slog.Any("error", err),
		)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer stream.Close()

	contentType := stream.ContentType
	if contentType == "" {
		contentType = streamContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := stream.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				observability.LoggerFromContext(r.Context()).Debug("passthrough ended",
					slog.Any("error", err),
				)
			}
			return
		}
	}
}
