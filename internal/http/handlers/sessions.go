package handlers

import (
	"context"
	"net/url"
	"sort"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/relaycast/relaycast/internal/hub"
)

// SessionsHandler exposes live relay channel state for operators.
type SessionsHandler struct {
	hub *hub.Hub
}

// NewSessionsHandler creates a sessions handler.
func NewSessionsHandler(hb *hub.Hub) *SessionsHandler {
	return &SessionsHandler{hub: hb}
}

// SessionInfo describes one live channel. The upstream URL is reported
// without its query string since that is where credentials live.
type SessionInfo struct {
	ID          string          `json:"id"`
	UpstreamURL string          `json:"upstream_url"`
	State       string          `json:"state"`
	Sinks       int             `json:"sinks"`
	BytesOut    uint64          `json:"bytes_out"`
	StartedAt   time.Time       `json:"started_at"`
	IdleSeconds float64         `json:"idle_seconds"`
	FirstByteAt *time.Time      `json:"first_byte_at,omitempty"`
	Transcoder  *TranscoderInfo `json:"transcoder,omitempty"`
	Clients     []ClientInfo    `json:"clients,omitempty"`
}

// TranscoderInfo reports resource usage of a channel's ffmpeg process.
type TranscoderInfo struct {
	PID           int32   `json:"pid"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryRSS     uint64  `json:"memory_rss_bytes"`
	WriteRateKbps float64 `json:"write_rate_kbps"`
}

// ClientInfo describes one connected sink on a channel.
type ClientInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	UserAgent   string    `json:"user_agent,omitempty"`
	BytesSent   uint64    `json:"bytes_sent"`
	ConnectedAt time.Time `json:"connected_at"`
}

// SessionsResponse is the sessions endpoint payload.
type SessionsResponse struct {
	Channels []SessionInfo `json:"channels"`
	Count    int           `json:"count"`
}

// SessionsOutput wraps the sessions response body.
type SessionsOutput struct {
	Body SessionsResponse
}

// Register registers the sessions route with the API.
func (h *SessionsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listHubSessions",
		Method:      "GET",
		Path:        "/api/v1/hub/sessions",
		Summary:     "List relay sessions",
		Description: "Returns every live channel with sink counts and throughput",
		Tags:        []string{"Hub"},
	}, h.ListSessions)
}

// ListSessions returns a snapshot of all live channels.
func (h *SessionsHandler) ListSessions(_ context.Context, _ *struct{}) (*SessionsOutput, error) {
	channels := h.hub.Channels()

	infos := make([]SessionInfo, 0, len(channels))
	for _, ch := range channels {
		info := SessionInfo{
			ID:          ch.ID,
			UpstreamURL: redactURL(ch.URL),
			State:       ch.State,
			Sinks:       ch.Sinks,
			BytesOut:    ch.BytesOut,
			StartedAt:   ch.StartedAt,
			IdleSeconds: ch.IdleFor.Seconds(),
			FirstByteAt: ch.FirstByteAt,
			Clients:     clientInfos(ch.Clients),
		}
		if t := ch.Transcoder; t != nil {
			info.Transcoder = &TranscoderInfo{
				PID:           t.PID,
				CPUPercent:    t.CPUPercent,
				MemoryRSS:     t.MemoryRSS,
				WriteRateKbps: t.WriteRateKbps,
			}
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartedAt.Before(infos[j].StartedAt) })

	return &SessionsOutput{Body: SessionsResponse{
		Channels: infos,
		Count:    len(infos),
	}}, nil
}

func clientInfos(stats []hub.SinkStats) []ClientInfo {
	if len(stats) == 0 {
		return nil
	}
	out := make([]ClientInfo, 0, len(stats))
	for _, s := range stats {
		out = append(out, ClientInfo{
			ID:          s.ID,
			RemoteAddr:  s.RemoteAddr,
			UserAgent:   s.UserAgent,
			BytesSent:   s.BytesSent,
			ConnectedAt: s.ConnectedAt,
		})
	}
	return out
}

// redactURL strips the query string from an upstream URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
