package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bldmahavidyalaya/kitsapi/internal/coordinator"
	"github.com/bldmahavidyalaya/kitsapi/internal/models"
	"github.com/bldmahavidyalaya/kitsapi/internal/observability/metrics"
)

// HandleConvert serves POST /api/v1/convert/{operation}. The uploaded file is
// staged, converted, streamed back, and every staged byte is removed before
// the handler returns, success or not.
func (h *Handler) HandleConvert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	operation := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/convert/"), "/")
	if operation == "" {
		writeDetailMessage(w, http.StatusBadRequest, "conversion operation is required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes())
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDetailMessage(w, http.StatusRequestEntityTooLarge, "uploaded file is too large")
			return
		}
		writeDetailMessage(w, http.StatusBadRequest, "request must be multipart/form-data with a file field")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeDetailMessage(w, http.StatusBadRequest, "a file field is required")
		return
	}
	defer file.Close()

	params := make(coordinator.Params)
	for key, values := range r.MultipartForm.Value {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}

	start := time.Now()
	result, err := h.Coordinator.Process(r.Context(), operation, file, header.Filename, params)
	if err != nil {
		h.recordConversion(r.Context(), operation, header.Filename, header.Size, 0, time.Since(start), err)
		h.writeConversionError(w, err)
		return
	}
	defer result.Close()

	h.recordConversion(r.Context(), operation, header.Filename, header.Size,
		result.Output.Size, result.Elapsed, nil)
	coordinator.Deliver(w, r, result.Output, result.OutputName, h.Delivery)
}

func (h *Handler) writeConversionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrUnknownOperation):
		writeDetail(w, http.StatusNotFound, err)
	case errors.Is(err, coordinator.ErrAdmissionTimeout):
		// Load shedding: the service is saturated, not broken.
		writeDetailMessage(w, http.StatusServiceUnavailable,
			"server is busy processing other conversions, retry shortly")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing meaningful to write.
	default:
		if convErr, ok := coordinator.AsConversionError(err); ok {
			if convErr.Kind == coordinator.FailureBadInput {
				writeDetail(w, http.StatusBadRequest, convErr)
				return
			}
			writeDetail(w, http.StatusInternalServerError, convErr)
			return
		}
		var stagingErr *coordinator.StagingError
		if errors.As(err, &stagingErr) {
			writeDetailMessage(w, http.StatusInternalServerError,
				"could not stage the uploaded file")
			return
		}
		writeDetailMessage(w, http.StatusInternalServerError, "conversion failed")
	}
}

func (h *Handler) recordConversion(ctx context.Context, operation, inputName string, inputBytes, outputBytes int64, elapsed time.Duration, convErr error) {
	if h.Store == nil {
		return
	}
	record := models.ConversionRecord{
		Operation:   operation,
		Status:      metrics.StatusSuccess,
		InputName:   inputName,
		InputBytes:  inputBytes,
		OutputBytes: outputBytes,
		DurationMS:  elapsed.Milliseconds(),
	}
	if convErr != nil {
		record.Status = metrics.StatusFailure
		record.Detail = convErr.Error()
		if errors.Is(convErr, coordinator.ErrAdmissionTimeout) {
			record.Status = metrics.StatusRejected
		} else if ce, ok := coordinator.AsConversionError(convErr); ok && ce.Kind == coordinator.FailureTimeout {
			record.Status = metrics.StatusTimeout
		}
	}
	// History is best effort; a datastore hiccup must not fail the request,
	// and a client disconnect must not abort the write.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if storeErr := h.Store.RecordConversion(ctx, record); storeErr != nil {
		h.Logger.Error("record conversion history", "operation", operation, "error", storeErr)
	}
}
