package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/quantdesk/rebalancer/internal/database"
	"github.com/quantdesk/rebalancer/internal/work"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// TaskCounter reports the size of the rebalance task queue
type TaskCounter interface {
	CountByStatus(ctx context.Context) (map[work.TaskStatus]int, error)
}

// SystemStatusResponse is the body of GET /api/system/status
type SystemStatusResponse struct {
	Status        string                  `json:"status"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	CPUPercent    float64                 `json:"cpu_percent"`
	MemoryPercent float64                 `json:"memory_percent"`
	Goroutines    int                     `json:"goroutines"`
	Database      *database.Stats         `json:"database,omitempty"`
	Tasks         map[work.TaskStatus]int `json:"tasks"`
}

// SystemHandlers serves host and queue health
type SystemHandlers struct {
	log       zerolog.Logger
	db        *database.DB
	tasks     TaskCounter
	startedAt time.Time
	// sample returns CPU and RAM usage percentages
	sample func() (float64, float64)
}

// NewSystemHandlers creates system handlers
func NewSystemHandlers(log zerolog.Logger, db *database.DB, tasks TaskCounter) *SystemHandlers {
	h := &SystemHandlers{
		log:       log.With().Str("handler", "system").Logger(),
		db:        db,
		tasks:     tasks,
		startedAt: time.Now(),
	}
	h.sample = h.getSystemStats
	return h
}

// HandleSystemStatus handles GET /api/system/status
//
// A failing probe degrades the status instead of failing the request.
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := h.sample()

	resp := SystemStatusResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		Goroutines:    runtime.NumGoroutine(),
		Tasks:         map[work.TaskStatus]int{},
	}

	if h.db != nil {
		if err := h.db.HealthCheck(r.Context()); err != nil {
			h.log.Error().Err(err).Msg("Database health check failed")
			resp.Status = "degraded"
		} else if stats, err := h.db.GetStats(); err != nil {
			h.log.Warn().Err(err).Msg("Failed to read database statistics")
		} else {
			resp.Database = stats
		}
	}

	if h.tasks != nil {
		counts, err := h.tasks.CountByStatus(r.Context())
		if err != nil {
			h.log.Error().Err(err).Msg("Failed to count tasks")
			resp.Status = "degraded"
		} else {
			resp.Tasks = counts
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// getSystemStats calculates CPU and RAM usage percentages
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	// 100ms keeps the endpoint responsive for pollers
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}
