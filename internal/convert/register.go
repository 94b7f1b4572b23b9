package convert

import (
	"log/slog"

	"github.com/bldmahavidyalaya/kitsapi/internal/coordinator"
)

// NewRegistry builds the full capability registry the server exposes.
func NewRegistry(logger *slog.Logger) *coordinator.Registry {
	registry := coordinator.NewRegistry()
	registry.Register(ImageResize{})
	registry.Register(ImageConvert{})
	registry.Register(NewAudioConvert(logger))
	registry.Register(NewAudioTrim(logger))
	registry.Register(NewPDFToText(logger))
	registry.Register(NewDocumentConvert(logger))
	registry.Register(TextEncode{})
	registry.Register(Encrypt{})
	registry.Register(Decrypt{})
	registry.Register(ArchiveZip{})
	registry.Register(ArchiveUnzip{})
	return registry
}
