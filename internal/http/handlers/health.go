package handlers

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"gorm.io/gorm"

	"github.com/relaycast/relaycast/internal/hub"
)

// HealthHandler serves the service health endpoint.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        *gorm.DB
	hub       *hub.Hub
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB adds a database liveness check.
func (h *HealthHandler) WithDB(db *gorm.DB) *HealthHandler {
	h.db = db
	return h
}

// WithHub adds relay channel counts.
func (h *HealthHandler) WithHub(hb *hub.Hub) *HealthHandler {
	h.hub = hb
	return h
}

// HealthResponse is the health endpoint payload.
type HealthResponse struct {
	Status         string `json:"status" example:"ok"`
	Version        string `json:"version" example:"1.0.0"`
	UptimeSeconds  int64  `json:"uptime_seconds" example:"3600"`
	Database       string `json:"database,omitempty" example:"ok"`
	ActiveChannels int    `json:"active_channels" example:"2"`
}

// HealthOutput wraps the health response body.
type HealthOutput struct {
	Body HealthResponse
}

// Register registers the health route with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/api/v1/health",
		Summary:     "Health check",
		Description: "Returns service liveness, database state and relay load",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth reports overall service health.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	resp := HealthResponse{
		Status:        "ok",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}

	if h.db != nil {
		resp.Database = "ok"
		sqlDB, err := h.db.DB()
		if err != nil || sqlDB.PingContext(ctx) != nil {
			resp.Database = "unavailable"
			resp.Status = "degraded"
		}
	}

	if h.hub != nil {
		resp.ActiveChannels = h.hub.Count()
	}

	return &HealthOutput{Body: resp}, nil
}
