package api

import (
	"net/http"
	"syscall"
	"time"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type diskStatus struct {
	Path       string  `json:"path"`
	TotalBytes uint64  `json:"totalBytes"`
	FreeBytes  uint64  `json:"freeBytes"`
	UsedBytes  uint64  `json:"usedBytes"`
	UsedRatio  float64 `json:"usedRatio"`
}

// HandleHealthz serves the cheap liveness probe.
func (h *Handler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleHealthDetailed serves GET /api/v1/health/detailed with per-component
// status and staging-disk usage.
func (h *Handler) HandleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ctx, cancel := contextWithTimeout(r, 5*time.Second)
	defer cancel()

	overall := "ok"
	statusCode := http.StatusOK
	record := func(component string, err error) componentStatus {
		status := componentStatus{Component: component, Status: "ok"}
		if err != nil {
			status.Status = "degraded"
			status.Error = err.Error()
			overall = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return status
	}

	components := make([]componentStatus, 0, 2)
	if h.Store != nil {
		components = append(components, record("datastore", h.Store.Ping(ctx)))
	}

	stagingRoot := h.Coordinator.ArtifactRoot()
	disk, diskErr := stagingDiskUsage(stagingRoot)
	components = append(components, record("staging", diskErr))

	payload := map[string]interface{}{
		"status":     overall,
		"components": components,
		"slots": map[string]interface{}{
			"capacity": h.Coordinator.Admission().Capacity(),
			"active":   h.Metrics.ActiveConversions(),
		},
	}
	if diskErr == nil {
		payload["disk"] = disk
	}
	writeJSON(w, statusCode, payload)
}

// HandleHealthReady serves the readiness probe: the service is ready when the
// datastore answers and at least staging is writable.
func (h *Handler) HandleHealthReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ctx, cancel := contextWithTimeout(r, 5*time.Second)
	defer cancel()

	if h.Store != nil {
		if err := h.Store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"detail": "datastore unavailable",
			})
			return
		}
	}
	if _, err := stagingDiskUsage(h.Coordinator.ArtifactRoot()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"detail": "staging area unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func stagingDiskUsage(path string) (diskStatus, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return diskStatus{}, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	used := total - free
	status := diskStatus{
		Path:       path,
		TotalBytes: total,
		FreeBytes:  free,
		UsedBytes:  used,
	}
	if total > 0 {
		status.UsedRatio = float64(used) / float64(total)
	}
	return status, nil
}
