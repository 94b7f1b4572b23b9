package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bldmahavidyalaya/kitsapi/internal/coordinator"
	"github.com/bldmahavidyalaya/kitsapi/internal/models"
	"github.com/bldmahavidyalaya/kitsapi/internal/observability/metrics"
	"github.com/bldmahavidyalaya/kitsapi/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubCapability struct {
	name    string
	ext     string
	convert func(ctx context.Context, input, output *coordinator.StagedArtifact, params coordinator.Params) error
}

func (s *stubCapability) Name() string    { return s.name }
func (s *stubCapability) Summary() string { return "stub for " + s.name }
func (s *stubCapability) OutputExt(coordinator.Params) string {
	if s.ext == "" {
		return ".out"
	}
	return s.ext
}

func (s *stubCapability) Convert(ctx context.Context, input, output *coordinator.StagedArtifact, params coordinator.Params) error {
	return s.convert(ctx, input, output, params)
}

func echoCapability(name string) coordinator.Capability {
	return &stubCapability{
		name: name,
		ext:  ".txt",
		convert: func(_ context.Context, in, out *coordinator.StagedArtifact, _ coordinator.Params) error {
			data, err := os.ReadFile(in.Path)
			if err != nil {
				return err
			}
			return os.WriteFile(out.Path, data, 0o600)
		},
	}
}

func newTestHandler(t *testing.T, slots int, admissionTimeout time.Duration, caps ...coordinator.Capability) *Handler {
	t.Helper()
	logger := testLogger()
	artifacts, err := coordinator.NewArtifactManager(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("new artifact manager: %v", err)
	}
	registry := coordinator.NewRegistry()
	for _, cap := range caps {
		registry.Register(cap)
	}
	recorder := metrics.New()
	coord := coordinator.New(coordinator.Config{
		Admission:  coordinator.NewAdmissionController(slots, admissionTimeout),
		Artifacts:  artifacts,
		Registry:   registry,
		Dispatcher: coordinator.NewDispatcher(time.Second, logger),
		Metrics:    recorder,
		Logger:     logger,
	})
	store, err := storage.NewStorage(t.TempDir() + "/store.json")
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	return NewHandler(store, coord, recorder, logger)
}

func multipartRequest(t *testing.T, path, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decodeDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("response is not JSON: %v (%q)", err, rec.Body.String())
	}
	return payload["detail"]
}

func TestConvertSuccess(t *testing.T) {
	handler := newTestHandler(t, 2, time.Second, echoCapability("text/echo"))

	req := multipartRequest(t, "/api/v1/convert/text/echo", "note.md",
		[]byte("conversion payload"), nil)
	rec := httptest.NewRecorder()
	handler.HandleConvert(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != "conversion payload" {
		t.Fatalf("body = %q", got)
	}
	if cl := rec.Header().Get("Content-Length"); cl != "18" {
		t.Fatalf("Content-Length = %q", cl)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "note.txt") {
		t.Fatalf("Content-Disposition = %q", cd)
	}

	// History row was written.
	records, err := handler.Store.ListConversions(context.Background(), 10)
	if err != nil {
		t.Fatalf("list conversions: %v", err)
	}
	if len(records) != 1 || records[0].Status != metrics.StatusSuccess {
		t.Fatalf("history = %+v", records)
	}
}

func TestConvertUnknownOperation(t *testing.T) {
	handler := newTestHandler(t, 1, time.Second)

	req := multipartRequest(t, "/api/v1/convert/video/imagine", "x.bin", []byte("x"), nil)
	rec := httptest.NewRecorder()
	handler.HandleConvert(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if decodeDetail(t, rec) == "" {
		t.Fatal("missing detail message")
	}
}

func TestConvertBadInputMapsTo400(t *testing.T) {
	picky := &stubCapability{
		name: "text/picky",
		convert: func(context.Context, *coordinator.StagedArtifact, *coordinator.StagedArtifact, coordinator.Params) error {
			return coordinator.BadInputError("target format is required")
		},
	}
	handler := newTestHandler(t, 1, time.Second, picky)

	req := multipartRequest(t, "/api/v1/convert/text/picky", "x.bin", []byte("x"), nil)
	rec := httptest.NewRecorder()
	handler.HandleConvert(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeDetail(t, rec); got != "target format is required" {
		t.Fatalf("detail = %q", got)
	}
}

func TestConvertFailureMapsTo500(t *testing.T) {
	failing := &stubCapability{
		name: "always/fails",
		convert: func(context.Context, *coordinator.StagedArtifact, *coordinator.StagedArtifact, coordinator.Params) error {
			return errors.New("stderr: /private/path/tool exploded")
		},
	}
	handler := newTestHandler(t, 1, time.Second, failing)

	req := multipartRequest(t, "/api/v1/convert/always/fails", "x.bin", []byte("x"), nil)
	rec := httptest.NewRecorder()
	handler.HandleConvert(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if detail := decodeDetail(t, rec); strings.Contains(detail, "/private/path") {
		t.Fatalf("internal details leaked: %q", detail)
	}
}

func TestConvertAdmissionTimeoutMapsTo503(t *testing.T) {
	release := make(chan struct{})
	blocker := &stubCapability{
		name: "slow/block",
		ext:  ".bin",
		convert: func(_ context.Context, _, out *coordinator.StagedArtifact, _ coordinator.Params) error {
			<-release
			return os.WriteFile(out.Path, []byte("done"), 0o600)
		},
	}
	handler := newTestHandler(t, 1, 50*time.Millisecond, blocker)

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		req := multipartRequest(t, "/api/v1/convert/slow/block", "a.bin", []byte("first"), nil)
		rec := httptest.NewRecorder()
		handler.HandleConvert(rec, req)
	}()
	time.Sleep(20 * time.Millisecond)

	req := multipartRequest(t, "/api/v1/convert/slow/block", "b.bin", []byte("second"), nil)
	rec := httptest.NewRecorder()
	handler.HandleConvert(rec, req)

	close(release)
	<-firstDone

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if decodeDetail(t, rec) == "" {
		t.Fatal("missing detail message")
	}
}

func TestConvertRequiresFileField(t *testing.T) {
	handler := newTestHandler(t, 1, time.Second, echoCapability("text/echo"))

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	_ = writer.WriteField("width", "100")
	_ = writer.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/convert/text/echo", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	rec := httptest.NewRecorder()
	handler.HandleConvert(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestConvertEmptyUpload(t *testing.T) {
	handler := newTestHandler(t, 1, time.Second, echoCapability("text/echo"))

	req := multipartRequest(t, "/api/v1/convert/text/echo", "empty.txt", nil, nil)
	rec := httptest.NewRecorder()
	handler.HandleConvert(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestConvertMethodNotAllowed(t *testing.T) {
	handler := newTestHandler(t, 1, time.Second)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/convert/text/echo", nil)
	rec := httptest.NewRecorder()
	handler.HandleConvert(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestConvertParamsReachCapability(t *testing.T) {
	var seen coordinator.Params
	capturing := &stubCapability{
		name: "text/capture",
		ext:  ".txt",
		convert: func(_ context.Context, _, out *coordinator.StagedArtifact, params coordinator.Params) error {
			seen = params
			return os.WriteFile(out.Path, []byte("ok"), 0o600)
		},
	}
	handler := newTestHandler(t, 1, time.Second, capturing)

	req := multipartRequest(t, "/api/v1/convert/text/capture", "x.txt", []byte("x"),
		map[string]string{"width": "120", "format": "png"})
	rec := httptest.NewRecorder()
	handler.HandleConvert(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if seen.Get("width", "") != "120" || seen.Get("format", "") != "png" {
		t.Fatalf("params = %v", seen)
	}
}

func TestOperationsListing(t *testing.T) {
	handler := newTestHandler(t, 1, time.Second,
		echoCapability("text/echo"), echoCapability("alpha/echo"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/operations", nil)
	rec := httptest.NewRecorder()
	handler.HandleOperations(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		Operations []operationInfo `json:"operations"`
		Count      int             `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Count != 2 || payload.Operations[0].Name != "alpha/echo" {
		t.Fatalf("payload = %+v", payload)
	}
	if payload.Operations[0].Summary == "" {
		t.Fatal("missing operation summary")
	}
}

func TestStatsSnapshot(t *testing.T) {
	handler := newTestHandler(t, 1, time.Second, echoCapability("text/echo"))

	req := multipartRequest(t, "/api/v1/convert/text/echo", "x.txt", []byte("payload"), nil)
	handler.HandleConvert(httptest.NewRecorder(), req)

	statsReq := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	rec := httptest.NewRecorder()
	handler.HandleStats(rec, statsReq)

	var snap metrics.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.ConversionsAttempted != 1 || snap.ConversionsSucceeded != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.SuccessRate != 1 {
		t.Fatalf("success rate = %v", snap.SuccessRate)
	}
	if snap.UptimeSeconds < 0 {
		t.Fatalf("uptime = %v", snap.UptimeSeconds)
	}
}

func TestItemsCRUDOverHTTP(t *testing.T) {
	handler := newTestHandler(t, 1, time.Second)

	// Create
	body := strings.NewReader(`{"name":"Cassette deck","price":75.5,"quantity":2}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/items", body)
	rec := httptest.NewRecorder()
	handler.HandleItems(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created models.Item
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}

	// Read
	req = httptest.NewRequest(http.MethodGet, "/api/v1/items/"+created.ID, nil)
	rec = httptest.NewRecorder()
	handler.HandleItemByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	// Update
	req = httptest.NewRequest(http.MethodPut, "/api/v1/items/"+created.ID,
		strings.NewReader(`{"quantity":9}`))
	rec = httptest.NewRecorder()
	handler.HandleItemByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var updated models.Item
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode updated: %v", err)
	}
	if updated.Quantity != 9 || updated.Name != "Cassette deck" {
		t.Fatalf("updated = %+v", updated)
	}

	// List
	req = httptest.NewRequest(http.MethodGet, "/api/v1/items", nil)
	rec = httptest.NewRecorder()
	handler.HandleItems(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), created.ID) {
		t.Fatalf("list status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// Delete, then 404
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/items/"+created.ID, nil)
	rec = httptest.NewRecorder()
	handler.HandleItemByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/v1/items/"+created.ID, nil)
	rec = httptest.NewRecorder()
	handler.HandleItemByID(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", rec.Code)
	}
}

func TestItemsValidation(t *testing.T) {
	handler := newTestHandler(t, 1, time.Second)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/items",
		strings.NewReader(`{"price":10}`))
	rec := httptest.NewRecorder()
	handler.HandleItems(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing name status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/items",
		strings.NewReader(`not json`))
	rec = httptest.NewRecorder()
	handler.HandleItems(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad JSON status = %d", rec.Code)
	}
}

func TestConversionsHistoryEndpoint(t *testing.T) {
	handler := newTestHandler(t, 1, time.Second, echoCapability("text/echo"))

	for i := 0; i < 3; i++ {
		req := multipartRequest(t, "/api/v1/convert/text/echo", "x.txt", []byte("payload"), nil)
		handler.HandleConvert(httptest.NewRecorder(), req)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversions?limit=2", nil)
	rec := httptest.NewRecorder()
	handler.HandleConversions(rec, req)

	var payload struct {
		Conversions []models.ConversionRecord `json:"conversions"`
		Count       int                       `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Count != 2 {
		t.Fatalf("count = %d", payload.Count)
	}
	for _, record := range payload.Conversions {
		if record.Operation != "text/echo" || record.Status != metrics.StatusSuccess {
			t.Fatalf("record = %+v", record)
		}
	}
}

func TestHealthEndpoints(t *testing.T) {
	handler := newTestHandler(t, 1, time.Second)

	rec := httptest.NewRecorder()
	handler.HandleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.HandleHealthReady(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.HandleHealthDetailed(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health/detailed", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("detailed status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode detailed: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("detailed payload = %v", payload)
	}
	if _, ok := payload["disk"]; !ok {
		t.Fatal("detailed health missing disk usage")
	}
}
