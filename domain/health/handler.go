package health

import (
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/emergent-company/emergent.extract/internal/config"
	"github.com/emergent-company/emergent.extract/internal/version"
	"github.com/emergent-company/emergent.extract/pkg/llm/gemini"
	"github.com/emergent-company/emergent.extract/pkg/syshealth"
)

// Handler handles health check requests
type Handler struct {
	cfg     *config.Config
	llm     *gemini.Client
	monitor syshealth.Monitor
	startAt time.Time
}

// NewHandler creates a new health handler
func NewHandler(cfg *config.Config, llm *gemini.Client, monitor syshealth.Monitor) *Handler {
	return &Handler{
		cfg:     cfg,
		llm:     llm,
		monitor: monitor,
		startAt: time.Now(),
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Version   string           `json:"version"`
	Checks    map[string]Check `json:"checks"`
	System    *SystemHealth    `json:"system,omitempty"`
}

// Check represents an individual health check result
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SystemHealth summarizes the host resource pressure snapshot
type SystemHealth struct {
	Score         int     `json:"score"`
	Zone          string  `json:"zone"`
	CPULoadAvg    float64 `json:"cpu_load_avg"`
	IOWaitPercent float64 `json:"io_wait_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	Stale         bool    `json:"stale"`
}

// Health returns the overall service health
func (h *Handler) Health(c echo.Context) error {
	llmStatus := "healthy"
	llmMessage := ""
	if !h.llm.IsConfigured() {
		llmStatus = "unhealthy"
		llmMessage = "LLM API key not configured"
	}

	graphStatus := "healthy"
	graphMessage := ""
	if h.cfg.Graph.APIKey == "" {
		graphStatus = "unhealthy"
		graphMessage = "graph API key not configured"
	}

	overallStatus := "healthy"
	if llmStatus == "unhealthy" || graphStatus == "unhealthy" {
		overallStatus = "unhealthy"
	}

	response := HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startAt).String(),
		Version:   version.Version,
		Checks: map[string]Check{
			"llm": {
				Status:  llmStatus,
				Message: llmMessage,
			},
			"graph": {
				Status:  graphStatus,
				Message: graphMessage,
			},
		},
	}

	if metrics := h.monitor.GetHealth(); metrics != nil {
		response.System = &SystemHealth{
			Score:         metrics.Score,
			Zone:          string(metrics.Zone),
			CPULoadAvg:    metrics.CPULoadAvg,
			IOWaitPercent: metrics.IOWaitPercent,
			MemoryPercent: metrics.MemoryPercent,
			Stale:         metrics.Stale,
		}
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	return c.JSON(statusCode, response)
}

// Healthz returns a simple health check (for k8s liveness probe)
func (h *Handler) Healthz(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// Ready returns readiness status (for k8s readiness probe)
func (h *Handler) Ready(c echo.Context) error {
	if !h.llm.IsConfigured() || h.cfg.Graph.APIKey == "" {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":  "not_ready",
			"message": "worker credentials not configured",
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// Debug returns debug information (only in development)
func (h *Handler) Debug(c echo.Context) error {
	if h.cfg.Environment == "production" {
		return echo.NewHTTPError(http.StatusNotFound, "Not found")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return c.JSON(http.StatusOK, map[string]any{
		"environment": h.cfg.Environment,
		"debug":       h.cfg.Debug,
		"go_version":  runtime.Version(),
		"goroutines":  runtime.NumGoroutine(),
		"memory": map[string]any{
			"alloc_mb":       mem.Alloc / 1024 / 1024,
			"total_alloc_mb": mem.TotalAlloc / 1024 / 1024,
			"sys_mb":         mem.Sys / 1024 / 1024,
			"num_gc":         mem.NumGC,
		},
		"llm": map[string]any{
			"model":      h.llm.Model(),
			"configured": h.llm.IsConfigured(),
		},
	})
}
