package handlers

import (
	"bufio"
	"encoding/base64"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/relaycast/relaycast/internal/auth"
	"github.com/relaycast/relaycast/internal/observability"
	"github.com/relaycast/relaycast/internal/upstream"
)

// DocumentHandler serves the /json passthrough and the /playlist rewriter.
type DocumentHandler struct {
	verifier    *auth.Verifier
	fetcher     *upstream.Fetcher
	playlistURL string
	logger      *slog.Logger
}

// NewDocumentHandler builds the document handler. playlistURL may be empty,
// in which case /playlist reports the missing configuration.
func NewDocumentHandler(verifier *auth.Verifier, fetcher *upstream.Fetcher, playlistURL string, logger *slog.Logger) *DocumentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentHandler{
		verifier:    verifier,
		fetcher:     fetcher,
		playlistURL: playlistURL,
		logger:      observability.WithComponent(logger, "document-handler"),
	}
}

// Register mounts the routes on the router.
func (h *DocumentHandler) Register(r chi.Router) {
	r.Get("/json", h.ServeJSON)
	r.Get("/playlist", h.ServePlaylist)
}

// ServeJSON handles GET /json?url=&key=: fetch a JSON document upstream with
// the matching header profile and hand it back verbatim.
func (h *DocumentHandler) ServeJSON(w http.ResponseWriter, r *http.Request) {
	if !h.verifier.VerifyRequest(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		http.Error(w, "Missing url", http.StatusBadRequest)
		return
	}

	body, contentType, err := h.fetcher.FetchDocument(r.Context(), rawURL)
	if err != nil {
		observability.LoggerFromContext(r.Context()).Warn("json fetch failed",
			slog.Any("error", err),
		)
		http.Error(w, "Error fetching JSON", http.StatusBadGateway)
		return
	}

	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// ServePlaylist handles GET /playlist: fetch the configured playlist and
// rewrite every absolute URL line into a masked relative /stream reference,
// so players route segment requests back through this relay.
func (h *DocumentHandler) ServePlaylist(w http.ResponseWriter, r *http.Request) {
	if !h.verifier.VerifyRequest(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if h.playlistURL == "" {
		http.Error(w, "Playlist URL not configured on server", http.StatusInternalServerError)
		return
	}

	body, _, err := h.fetcher.FetchDocument(r.Context(), h.playlistURL)
	if err != nil {
		observability.LoggerFromContext(r.Context()).Warn("playlist fetch failed",
			slog.Any("error", err),
		)
		http.Error(w, "Failed to fetch playlist", http.StatusBadGateway)
		return
	}

	rewritten := RewritePlaylist(string(body), r.URL.Query().Get("key"))

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(rewritten))
}

// RewritePlaylist masks every absolute URL line of an M3U document as a
// relative /stream reference with a Base64 id. Comment and tag lines pass
// through untouched. The key, when present, is carried so players need no
// extra auth plumbing.
func RewritePlaylist(playlist, key string) string {
	scanner := bufio.NewScanner(strings.NewReader(playlist))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var out strings.Builder
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if !first {
			out.WriteByte('\n')
		}
		first = false

		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
			id := base64.StdEncoding.EncodeToString([]byte(trimmed))
			out.WriteString("/stream?id=" + id)
			if key != "" {
				out.WriteString("&key=" + url.QueryEscape(key))
			}
			continue
		}
		out.WriteString(line)
	}
	return out.String()
}
