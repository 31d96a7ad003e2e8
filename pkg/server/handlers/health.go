package handlers

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/soundprediction/factmemory"
)

// Build information - can be set at build time using ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
)

const serviceName = "factmemory"

// HealthHandler handles health check requests
type HealthHandler struct {
	memory  factmemory.FactMemory
	started time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(m factmemory.FactMemory) *HealthHandler {
	return &HealthHandler{
		memory:  m,
		started: time.Now(),
	}
}

// HealthCheck handles GET /health - basic liveness check
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   Version,
	})
}

// ReadinessCheck handles GET /ready. The store is checked by reading its
// row counts.
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := gin.H{
		"status":    "ready",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	checks := gin.H{}
	response["checks"] = checks

	allHealthy := true
	if h.memory != nil {
		dbStart := time.Now()
		stats, err := h.memory.Stats(ctx)
		dbDuration := time.Since(dbStart)

		if err != nil {
			msg := err.Error()
			if ctx.Err() != nil {
				msg = "database connection timeout"
			}
			checks["database"] = gin.H{
				"status":   "unhealthy",
				"error":    msg,
				"duration": dbDuration.String(),
			}
			allHealthy = false
		} else {
			checks["database"] = gin.H{
				"status":   "healthy",
				"duration": dbDuration.String(),
				"facts":    stats.FactCount,
			}
		}
	} else {
		checks["database"] = gin.H{
			"status": "unhealthy",
			"error":  "fact memory not initialized",
		}
		allHealthy = false
	}

	checks["system"] = gin.H{
		"status": "healthy",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	}

	if !allHealthy {
		response["status"] = "not_ready"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

// LivenessCheck handles GET /live - Kubernetes liveness endpoint
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// DetailedHealthCheck handles GET /health/detailed - comprehensive health information
func (h *HealthHandler) DetailedHealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	startTime := time.Now()
	response := gin.H{
		"status":  "healthy",
		"service": serviceName,
		"version": Version,
		"build_info": gin.H{
			"git_commit": GitCommit,
			"build_time": BuildTime,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"environment": gin.H{
			"go_version": GoVersion,
		},
	}
	checks := gin.H{}
	response["checks"] = checks

	allHealthy := true
	if h.memory != nil {
		dbStart := time.Now()
		stats, err := h.memory.Stats(ctx)
		dbStatus := gin.H{
			"status":      "healthy",
			"duration_ms": time.Since(dbStart).Milliseconds(),
			"operation":   "Stats",
		}
		if err != nil {
			dbStatus["status"] = "unhealthy"
			dbStatus["error"] = err.Error()
			allHealthy = false
		} else {
			dbStatus["stats"] = stats
		}
		checks["database"] = dbStatus

		// A search exercises the embedder and the ranking path together.
		searchStart := time.Now()
		_, searchErr := h.memory.Search(ctx, "health-check", &factmemory.SearchOptions{MinSimilarity: 1, Limit: 1})
		searchStatus := gin.H{
			"status":      "healthy",
			"duration_ms": time.Since(searchStart).Milliseconds(),
			"operation":   "Search",
		}
		if searchErr != nil {
			searchStatus["status"] = "unhealthy"
			searchStatus["error"] = searchErr.Error()
			if ctx.Err() != nil {
				searchStatus["error"] = "search timeout"
			}
			allHealthy = false
		}
		checks["search"] = searchStatus
	} else {
		checks["factmemory_client"] = gin.H{
			"status": "unhealthy",
			"error":  "client not initialized",
		}
		allHealthy = false
	}

	systemMetrics := h.getSystemMetrics()
	checks["system"] = gin.H{
		"status":       "healthy",
		"uptime":       time.Since(h.started).Round(time.Second).String(),
		"memory_usage": systemMetrics.MemoryUsage,
		"goroutines":   systemMetrics.Goroutines,
		"gc_cycles":    systemMetrics.GCCycles,
		"heap_objects": systemMetrics.HeapObjects,
		"stack_usage":  systemMetrics.StackUsage,
	}

	response["metrics"] = gin.H{
		"response_time_ms": time.Since(startTime).Milliseconds(),
	}

	if !allHealthy {
		response["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

// SystemMetrics holds system runtime metrics
type SystemMetrics struct {
	MemoryUsage string `json:"memory_usage"`
	Goroutines  int    `json:"goroutines"`
	GCCycles    uint32 `json:"gc_cycles"`
	HeapObjects uint64 `json:"heap_objects"`
	StackUsage  string `json:"stack_usage"`
}

// getSystemMetrics collects current system runtime metrics
func (h *HealthHandler) getSystemMetrics() SystemMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemMetrics{
		MemoryUsage: fmt.Sprintf("%.2f MB", float64(m.Alloc)/(1024*1024)),
		Goroutines:  runtime.NumGoroutine(),
		GCCycles:    m.NumGC,
		HeapObjects: m.HeapObjects,
		StackUsage:  fmt.Sprintf("%.2f MB", float64(m.StackSys)/(1024*1024)),
	}
}
