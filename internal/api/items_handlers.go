package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bldmahavidyalaya/kitsapi/internal/storage"
)

type itemPayload struct {
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	Price       *float64 `json:"price"`
	Quantity    *int     `json:"quantity"`
}

// HandleItems serves GET and POST /api/v1/items.
func (h *Handler) HandleItems(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, 10*time.Second)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		items, err := h.Store.ListItems(ctx)
		if err != nil {
			h.Logger.Error("list items", "error", err)
			writeDetailMessage(w, http.StatusInternalServerError, "could not load items")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"items": items,
			"count": len(items),
		})
	case http.MethodPost:
		var payload itemPayload
		if err := decodeJSON(r, &payload); err != nil {
			writeDetailMessage(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		if payload.Name == nil || strings.TrimSpace(*payload.Name) == "" {
			writeDetailMessage(w, http.StatusBadRequest, "item name is required")
			return
		}
		params := storage.CreateItemParams{Name: *payload.Name}
		if payload.Description != nil {
			params.Description = *payload.Description
		}
		if payload.Price != nil {
			params.Price = *payload.Price
		}
		if payload.Quantity != nil {
			params.Quantity = *payload.Quantity
		}
		item, err := h.Store.CreateItem(ctx, params)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, item)
	default:
		methodNotAllowed(w)
	}
}

// HandleItemByID serves GET, PUT and DELETE /api/v1/items/{id}.
func (h *Handler) HandleItemByID(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/items/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeDetailMessage(w, http.StatusNotFound, "item not found")
		return
	}
	ctx, cancel := contextWithTimeout(r, 10*time.Second)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		item, err := h.Store.GetItem(ctx, id)
		if err != nil {
			h.writeItemError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	case http.MethodPut:
		var payload itemPayload
		if err := decodeJSON(r, &payload); err != nil {
			writeDetailMessage(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		item, err := h.Store.UpdateItem(ctx, id, storage.ItemUpdate{
			Name:        payload.Name,
			Description: payload.Description,
			Price:       payload.Price,
			Quantity:    payload.Quantity,
		})
		if err != nil {
			h.writeItemError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	case http.MethodDelete:
		if err := h.Store.DeleteItem(ctx, id); err != nil {
			h.writeItemError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
	default:
		methodNotAllowed(w)
	}
}

func (h *Handler) writeItemError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeDetailMessage(w, http.StatusNotFound, "item not found")
		return
	}
	writeDetail(w, http.StatusBadRequest, err)
}

func parsePositiveInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
