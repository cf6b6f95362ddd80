// internal/handler/health_handler.go
package handler

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rtu-gateway/internal/channel"
	"rtu-gateway/internal/config"
	"rtu-gateway/internal/model"
	"rtu-gateway/internal/utils"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	registry  *channel.Registry
	config    *config.Config
	logger    *utils.ServiceLogger
	startedAt time.Time
	ready     atomic.Bool
}

// NewHealthHandler creates a new health handler. It reports not ready until
// SetReady(true) is called.
func NewHealthHandler(registry *channel.Registry, config *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		registry:  registry,
		config:    config,
		logger:    utils.NewServiceLogger(logger, "health-handler"),
		startedAt: time.Now(),
	}
}

// SetReady flips the readiness probe
func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// HealthCheck reports overall gateway health. Failed channels degrade the
// status without failing the probe.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		Checks:    make(map[string]CheckResult),
	}

	counts := make(map[model.ChannelStatus]int)
	for _, info := range h.registry.List() {
		counts[info.Status]++
	}
	check := CheckResult{
		Status: "healthy",
		Data: map[string]interface{}{
			"open":   counts[model.ChannelStatusOpen],
			"closed": counts[model.ChannelStatusClosed],
			"failed": counts[model.ChannelStatusFailed],
		},
	}
	if failed := counts[model.ChannelStatusFailed]; failed > 0 {
		check.Status = "degraded"
		check.Message = "one or more channels failed"
		health.Status = "degraded"
		h.logger.Debug("Health check found failed channels", zap.Int("failed", failed))
	}
	health.Checks["channels"] = check

	c.JSON(http.StatusOK, health)
}

// ReadinessCheck for Kubernetes readiness probe
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	if !h.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "gateway starting or shutting down",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": time.Now(),
	})
}

// LivenessCheck for Kubernetes liveness probe
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual check result
type CheckResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
