// Package api implements the HTTP handlers for the conversion service:
// conversion submission and delivery, operation discovery, items CRUD,
// conversion history, stats, and health.
package api

import (
	"log/slog"
	"net/http"

	"github.com/bldmahavidyalaya/kitsapi/internal/coordinator"
	"github.com/bldmahavidyalaya/kitsapi/internal/observability/metrics"
	"github.com/bldmahavidyalaya/kitsapi/internal/storage"
)

// DefaultMaxUploadBytes caps multipart conversion uploads.
const DefaultMaxUploadBytes = 512 << 20

// Handler owns the request handlers and their collaborators.
type Handler struct {
	Store          storage.Repository
	Coordinator    *coordinator.Coordinator
	Metrics        *metrics.Recorder
	Delivery       coordinator.DeliveryConfig
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// NewHandler wires a handler set around the coordinator and datastore.
func NewHandler(store storage.Repository, coord *coordinator.Coordinator, recorder *metrics.Recorder, logger *slog.Logger) *Handler {
	if recorder == nil {
		recorder = metrics.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Store:          store,
		Coordinator:    coord,
		Metrics:        recorder,
		Delivery:       coordinator.DeliveryConfig{Logger: logger},
		MaxUploadBytes: DefaultMaxUploadBytes,
		Logger:         logger,
	}
}

func (h *Handler) maxUploadBytes() int64 {
	if h.MaxUploadBytes > 0 {
		return h.MaxUploadBytes
	}
	return DefaultMaxUploadBytes
}

func methodNotAllowed(w http.ResponseWriter) {
	writeDetailMessage(w, http.StatusMethodNotAllowed, "method not allowed")
}
