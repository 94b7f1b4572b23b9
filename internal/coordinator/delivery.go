package coordinator

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// DefaultChunkSize is the streaming read size for artifact delivery.
	DefaultChunkSize = 8 * 1024
	// DefaultCompressMinBytes is the smallest artifact worth gzipping;
	// below it the compression overhead outweighs the saving.
	DefaultCompressMinBytes = 1024
)

// DeliveryConfig tunes how finished artifacts are streamed back to clients.
type DeliveryConfig struct {
	ChunkSize        int
	CompressMinBytes int64
	Logger           *slog.Logger
}

func (c DeliveryConfig) withDefaults() DeliveryConfig {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.CompressMinBytes <= 0 {
		c.CompressMinBytes = DefaultCompressMinBytes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Deliver streams the artifact to the client in fixed-size chunks. Identity
// responses advertise Content-Length up front; gzip is applied only when the
// client accepts it and the artifact meets the compression threshold. A
// client disconnect stops the transfer without surfacing an error — the
// caller still closes the staging scope.
func Deliver(w http.ResponseWriter, r *http.Request, artifact *StagedArtifact, filename string, cfg DeliveryConfig) {
	cfg = cfg.withDefaults()

	file, err := os.Open(artifact.Path)
	if err != nil {
		cfg.Logger.Error("open artifact for delivery", "path", artifact.Path, "error", err)
		http.Error(w, `{"detail":"conversion result is unavailable"}`, http.StatusInternalServerError)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", contentTypeFor(artifact.Path, file))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", sanitizeFilename(filename, artifact.Path)))

	compress := artifact.Size >= cfg.CompressMinBytes && acceptsGzip(r)
	var dst io.Writer = w
	if compress {
		// Compressed length is unknown ahead of time, so the identity
		// Content-Length cannot be sent.
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		dst = gz
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(artifact.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	if err := streamChunks(r, dst, file, cfg.ChunkSize); err != nil {
		// The artifact is gone after cleanup, so a broken transfer is
		// not resumable; log and stop.
		cfg.Logger.Info("artifact delivery interrupted",
			"artifact_id", artifact.ID, "error", err)
	}
}

func streamChunks(r *http.Request, dst io.Writer, src io.Reader, chunkSize int) error {
	buf := make([]byte, chunkSize)
	flusher, _ := dst.(http.Flusher)
	for {
		select {
		case <-r.Context().Done():
			return r.Context().Err()
		default:
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}

func contentTypeFor(path string, file *os.File) string {
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		return byExt
	}
	// Sniff the first block, then rewind so delivery starts at byte zero.
	head := make([]byte, 512)
	n, _ := io.ReadFull(file, head)
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "application/octet-stream"
	}
	if n == 0 {
		return "application/octet-stream"
	}
	return http.DetectContentType(head[:n])
}

func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		encoding := strings.TrimSpace(part)
		var params string
		if semicolon := strings.IndexByte(encoding, ';'); semicolon >= 0 {
			params = strings.TrimSpace(encoding[semicolon+1:])
			encoding = strings.TrimSpace(encoding[:semicolon])
		}
		if !strings.EqualFold(encoding, "gzip") {
			continue
		}
		// A q-value of zero is an explicit refusal.
		if q, ok := strings.CutPrefix(strings.ToLower(params), "q="); ok {
			if weight, err := strconv.ParseFloat(strings.TrimSpace(q), 64); err == nil && weight <= 0 {
				return false
			}
		}
		return true
	}
	return false
}

func sanitizeFilename(name, fallbackPath string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = filepath.Base(fallbackPath)
	}
	return name
}
