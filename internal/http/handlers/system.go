package handlers

import (
	"context"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemHandler serves host-level statistics.
type SystemHandler struct{}

// NewSystemHandler creates a system handler.
func NewSystemHandler() *SystemHandler {
	return &SystemHandler{}
}

// SystemResponse is the system stats payload.
type SystemResponse struct {
	Hostname      string  `json:"hostname"`
	Platform      string  `json:"platform"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	CPUCount      int     `json:"cpu_count"`
	CPUPercent    float64 `json:"cpu_percent"`
	Load1         float64 `json:"load1"`
	Load5         float64 `json:"load5"`
	Load15        float64 `json:"load15"`
	MemoryTotal   uint64  `json:"memory_total"`
	MemoryUsed    uint64  `json:"memory_used"`
	MemoryPercent float64 `json:"memory_percent"`
	GoVersion     string  `json:"go_version"`
	Goroutines    int     `json:"goroutines"`
}

// SystemOutput wraps the system response body.
type SystemOutput struct {
	Body SystemResponse
}

// Register registers the system route with the API.
func (h *SystemHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getSystem",
		Method:      "GET",
		Path:        "/api/v1/system",
		Summary:     "System statistics",
		Description: "Returns host CPU, memory and load statistics",
		Tags:        []string{"System"},
	}, h.GetSystem)
}

// GetSystem collects host statistics. Individual probe failures leave their
// fields zeroed rather than failing the request.
func (h *SystemHandler) GetSystem(ctx context.Context, _ *struct{}) (*SystemOutput, error) {
	resp := SystemResponse{
		CPUCount:   runtime.NumCPU(),
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		resp.Hostname = info.Hostname
		resp.Platform = info.Platform
		resp.UptimeSeconds = info.Uptime
	}

	if percents, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false); err == nil && len(percents) > 0 {
		resp.CPUPercent = percents[0]
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		resp.Load1 = avg.Load1
		resp.Load5 = avg.Load5
		resp.Load15 = avg.Load15
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		resp.MemoryTotal = vm.Total
		resp.MemoryUsed = vm.Used
		resp.MemoryPercent = vm.UsedPercent
	}

	return &SystemOutput{Body: resp}, nil
}
