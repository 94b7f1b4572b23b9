package convert

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bldmahavidyalaya/kitsapi/internal/coordinator"
)

// ArchiveZip wraps a single uploaded file in a zip archive.
type ArchiveZip struct{}

func (ArchiveZip) Name() string                        { return "archive/zip" }
func (ArchiveZip) Summary() string                     { return "wrap a file in a zip archive" }
func (ArchiveZip) OutputExt(coordinator.Params) string { return ".zip" }

func (ArchiveZip) Convert(ctx context.Context, input, output *coordinator.StagedArtifact, params coordinator.Params) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := os.Open(input.Path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(output.Path, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	entryName := sanitizeEntryName(params.Get("name", ""), input.Path)
	zw := zip.NewWriter(dst)
	entry, err := zw.Create(entryName)
	if err == nil {
		_, err = io.Copy(entry, src)
	}
	if closeErr := zw.Close(); err == nil {
		err = closeErr
	}
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return coordinator.NewConversionError(coordinator.FailureTool,
			"building the zip archive failed").WithCause(err)
	}
	return nil
}

// ArchiveUnzip extracts one entry from an uploaded zip archive. Extraction of
// whole archives would need a multi-file response format, so the entry is
// selected by name, defaulting to the first regular file.
type ArchiveUnzip struct{}

func (ArchiveUnzip) Name() string    { return "archive/unzip" }
func (ArchiveUnzip) Summary() string { return "extract one entry from a zip archive" }

func (ArchiveUnzip) OutputExt(params coordinator.Params) string {
	if entry := params.Get("entry", ""); entry != "" {
		if ext := filepath.Ext(entry); ext != "" {
			return ext
		}
	}
	return ".bin"
}

func (ArchiveUnzip) Convert(ctx context.Context, input, output *coordinator.StagedArtifact, params coordinator.Params) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	reader, err := zip.OpenReader(input.Path)
	if err != nil {
		return coordinator.BadInputError("uploaded file is not a readable zip archive").WithCause(err)
	}
	defer reader.Close()

	wanted := params.Get("entry", "")
	var file *zip.File
	for _, candidate := range reader.File {
		if candidate.FileInfo().IsDir() {
			continue
		}
		if wanted == "" || candidate.Name == wanted {
			file = candidate
			break
		}
	}
	if file == nil {
		if wanted == "" {
			return coordinator.BadInputError("archive contains no files")
		}
		return coordinator.BadInputError("archive has no entry named %q", wanted)
	}

	src, err := file.Open()
	if err != nil {
		return coordinator.BadInputError("archive entry could not be read").WithCause(err)
	}
	defer src.Close()

	dst, err := os.OpenFile(output.Path, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("extract %s: %w", file.Name, err)
	}
	return nil
}

func sanitizeEntryName(name, fallbackPath string) string {
	name = strings.TrimSpace(name)
	if name != "" {
		name = filepath.Base(filepath.Clean(name))
	}
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = filepath.Base(fallbackPath)
	}
	return name
}
