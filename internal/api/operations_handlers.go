package api

import (
	"net/http"
	"time"
)

type operationInfo struct {
	Name    string `json:"name"`
	Summary string `json:"summary"`
}

// HandleOperations serves GET /api/v1/operations with the registered
// conversion operations.
func (h *Handler) HandleOperations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	registry := h.Coordinator.Registry()
	names := registry.Operations()
	operations := make([]operationInfo, 0, len(names))
	for _, name := range names {
		info := operationInfo{Name: name}
		if cap, ok := registry.Lookup(name); ok {
			info.Summary = cap.Summary()
		}
		operations = append(operations, info)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"operations": operations,
		"count":      len(operations),
	})
}

// HandleStats serves GET /api/v1/stats with the metrics snapshot.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, h.Metrics.Snapshot())
}

// HandleConversions serves GET /api/v1/conversions with recent history.
func (h *Handler) HandleConversions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit := parsePositiveInt(r.URL.Query().Get("limit"), 100)
	ctx, cancel := contextWithTimeout(r, 10*time.Second)
	defer cancel()
	records, err := h.Store.ListConversions(ctx, limit)
	if err != nil {
		h.Logger.Error("list conversions", "error", err)
		writeDetailMessage(w, http.StatusInternalServerError, "could not load conversion history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversions": records,
		"count":       len(records),
	})
}
