package convert

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bldmahavidyalaya/kitsapi/internal/coordinator"
)

// PDFToText extracts plain text from a PDF with pdftotext.
type PDFToText struct {
	runner *toolRunner
}

// NewPDFToText builds the pdftotext-backed extraction capability.
func NewPDFToText(logger *slog.Logger) *PDFToText {
	return &PDFToText{runner: newToolRunner(logger)}
}

func (*PDFToText) Name() string               { return "document/pdf-to-text" }
func (*PDFToText) Summary() string            { return "extract plain text from a PDF" }
func (*PDFToText) OutputExt(coordinator.Params) string { return ".txt" }

func (c *PDFToText) Convert(ctx context.Context, input, output *coordinator.StagedArtifact, params coordinator.Params) error {
	args := []string{"-layout"}
	if params.Get("layout", "true") == "false" {
		args = args[:0]
	}
	args = append(args, input.Path, output.Path)
	return c.runner.run(ctx, "pdftotext", args...)
}

var documentFormats = map[string]struct{}{
	"pdf":  {},
	"odt":  {},
	"docx": {},
	"txt":  {},
	"html": {},
	"rtf":  {},
}

// DocumentConvert converts office documents with a headless LibreOffice.
// soffice insists on choosing the output filename itself, so the capability
// converts into the scope directory and renames the result onto the
// pre-allocated output artifact.
type DocumentConvert struct {
	runner *toolRunner
}

// NewDocumentConvert builds the LibreOffice-backed conversion capability.
func NewDocumentConvert(logger *slog.Logger) *DocumentConvert {
	return &DocumentConvert{runner: newToolRunner(logger)}
}

func (*DocumentConvert) Name() string    { return "document/convert" }
func (*DocumentConvert) Summary() string { return "convert an office document into another format" }

func (*DocumentConvert) OutputExt(params coordinator.Params) string {
	return "." + strings.ToLower(params.Get("format", "pdf"))
}

func (c *DocumentConvert) Convert(ctx context.Context, input, output *coordinator.StagedArtifact, params coordinator.Params) error {
	format := strings.ToLower(params.Get("format", "pdf"))
	if _, ok := documentFormats[format]; !ok {
		return coordinator.BadInputError("unsupported document format %q", format)
	}

	outDir := filepath.Dir(output.Path)
	if err := c.runner.run(ctx, "soffice",
		"--headless", "--convert-to", format, "--outdir", outDir, input.Path); err != nil {
		return err
	}

	// soffice writes <input-stem>.<format> into outdir.
	stem := strings.TrimSuffix(filepath.Base(input.Path), filepath.Ext(input.Path))
	produced := filepath.Join(outDir, stem+"."+format)
	if err := os.Rename(produced, output.Path); err != nil {
		return coordinator.NewConversionError(coordinator.FailureTool,
			fmt.Sprintf("document conversion to %s produced no output", format)).WithCause(err)
	}
	return nil
}
