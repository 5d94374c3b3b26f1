package handlers

import (
	"net/http"
	"time"

	"triggerflow/internal/config"
	"triggerflow/internal/metrics"
	"triggerflow/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	cfg     *config.Config
	db      *gorm.DB
	started time.Time
}

func NewHealthHandler(cfg *config.Config, db *gorm.DB) *HealthHandler {
	return &HealthHandler{cfg: cfg, db: db, started: time.Now()}
}

// Health is the liveness probe.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	})
}

// Ready is the readiness probe: the engine is ready when the store answers.
func (h *HealthHandler) Ready(c *gin.Context) {
	checks := gin.H{}
	healthy := true

	if h.db != nil {
		if sqlDB, err := h.db.DB(); err == nil {
			if err := sqlDB.Ping(); err != nil {
				checks["database"] = "down: " + err.Error()
				healthy = false
			} else {
				checks["database"] = "ok"
			}
		} else {
			checks["database"] = "down: " + err.Error()
			healthy = false
		}
	}

	status := http.StatusOK
	state := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

// MetricsHandler exposes the process-local engine counters.
type MetricsHandler struct {
	db *gorm.DB
}

func NewMetricsHandler(db *gorm.DB) *MetricsHandler {
	return &MetricsHandler{db: db}
}

// GetMetrics snapshots the counters plus current queue depth.
func (h *MetricsHandler) GetMetrics(c *gin.Context) {
	snapshot := metrics.Snapshot()
	if h.db != nil {
		var pending int64
		if err := h.db.Model(&models.Event{}).Where("processed = ?", false).Count(&pending).Error; err == nil {
			snapshot["queue_depth"] = pending
		}
	}
	c.JSON(http.StatusOK, snapshot)
}
