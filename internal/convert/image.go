// Package convert holds the conversion capabilities the coordinator
// dispatches to. Each capability wraps one external collaborator (an imaging
// library, ffmpeg, an office suite) behind the same narrow interface: read
// the staged input, populate the staged output, report a single error.
package convert

import (
	"context"
	"image"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/bldmahavidyalaya/kitsapi/internal/coordinator"
)

var imageFormats = map[string]imaging.Format{
	"jpeg": imaging.JPEG,
	"jpg":  imaging.JPEG,
	"png":  imaging.PNG,
	"gif":  imaging.GIF,
	"tiff": imaging.TIFF,
	"tif":  imaging.TIFF,
	"bmp":  imaging.BMP,
}

// ImageResize scales an image to the requested dimensions. Aspect ratio is
// preserved when only one dimension is given.
type ImageResize struct{}

func (ImageResize) Name() string    { return "image/resize" }
func (ImageResize) Summary() string { return "resize an image, preserving aspect ratio by default" }

func (ImageResize) OutputExt(params coordinator.Params) string {
	if format := params.Get("format", ""); format != "" {
		return "." + strings.ToLower(format)
	}
	return ".png"
}

func (c ImageResize) Convert(ctx context.Context, input, output *coordinator.StagedArtifact, params coordinator.Params) error {
	width, err := dimensionParam(params, "width")
	if err != nil {
		return err
	}
	height, err := dimensionParam(params, "height")
	if err != nil {
		return err
	}
	if width == 0 && height == 0 {
		return coordinator.BadInputError("at least one of width or height is required")
	}
	if format := strings.ToLower(params.Get("format", "")); format != "" {
		if _, ok := imageFormats[format]; !ok {
			return coordinator.BadInputError("unsupported image format %q", params.Get("format", ""))
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	img, err := imaging.Open(input.Path, imaging.AutoOrientation(true))
	if err != nil {
		return coordinator.BadInputError("uploaded file is not a decodable image").WithCause(err)
	}
	resized := imaging.Resize(img, width, height, imaging.Lanczos)
	if err := saveImage(resized, output.Path, params); err != nil {
		return err
	}
	return nil
}

// ImageConvert re-encodes an image into another format.
type ImageConvert struct{}

func (ImageConvert) Name() string    { return "image/convert" }
func (ImageConvert) Summary() string { return "re-encode an image into another format" }

func (ImageConvert) OutputExt(params coordinator.Params) string {
	return "." + strings.ToLower(params.Get("format", "png"))
}

func (c ImageConvert) Convert(ctx context.Context, input, output *coordinator.StagedArtifact, params coordinator.Params) error {
	if _, ok := imageFormats[strings.ToLower(params.Get("format", "png"))]; !ok {
		return coordinator.BadInputError("unsupported image format %q", params.Get("format", ""))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	img, err := imaging.Open(input.Path, imaging.AutoOrientation(true))
	if err != nil {
		return coordinator.BadInputError("uploaded file is not a decodable image").WithCause(err)
	}
	return saveImage(img, output.Path, params)
}

func saveImage(img image.Image, path string, params coordinator.Params) error {
	quality, err := qualityParam(params)
	if err != nil {
		return err
	}
	if err := imaging.Save(img, path, imaging.JPEGQuality(quality)); err != nil {
		return coordinator.NewConversionError(coordinator.FailureTool,
			"encoding the converted image failed").WithCause(err)
	}
	return nil
}

func dimensionParam(params coordinator.Params, key string) (int, error) {
	raw := params.Get(key, "")
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, coordinator.BadInputError("%s must be a non-negative integer", key)
	}
	if value > 20000 {
		return 0, coordinator.BadInputError("%s exceeds the 20000 pixel limit", key)
	}
	return value, nil
}

func qualityParam(params coordinator.Params) (int, error) {
	raw := params.Get("quality", "90")
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 || value > 100 {
		return 0, coordinator.BadInputError("quality must be an integer between 1 and 100")
	}
	return value, nil
}

