package adminserver

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/Helselia/Stryker/internal/workerpool"
)

var startTime = time.Now()

// healthHandler serves liveness and readiness checks, adapted from
// the teacher's HealthHandler (internal/server/health.go) with worker
// pool stats standing in for its PHP process pool stats.
type healthHandler struct {
	pool *workerpool.Pool
}

func newHealthHandler(pool *workerpool.Pool) *healthHandler {
	return &healthHandler{pool: pool}
}

func (h *healthHandler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(startTime).String(),
	})
}

func (h *healthHandler) readiness(w http.ResponseWriter, r *http.Request) {
	var stats workerpool.Stats
	ready := true
	if h.pool != nil {
		stats = h.pool.Stats()
		ready = stats.Busy < stats.Capacity
	}

	status := http.StatusOK
	statusStr := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		statusStr = "not_ready"
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         statusStr,
		"uptime":         time.Since(startTime).String(),
		"uptime_seconds": time.Since(startTime).Seconds(),
		"worker_pool": map[string]interface{}{
			"capacity": stats.Capacity,
			"busy":     stats.Busy,
			"submitted": stats.TotalSubmitted,
		},
		"memory": map[string]interface{}{
			"alloc_mb":  mem.Alloc / 1024 / 1024,
			"sys_mb":    mem.Sys / 1024 / 1024,
			"gc_cycles": mem.NumGC,
		},
		"go_version": runtime.Version(),
		"goroutines": runtime.NumGoroutine(),
	})
}
