package convert

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bldmahavidyalaya/kitsapi/internal/coordinator"
)

var audioFormats = map[string]struct{}{
	"mp3":  {},
	"wav":  {},
	"ogg":  {},
	"flac": {},
	"aac":  {},
	"m4a":  {},
	"opus": {},
}

// AudioConvert transcodes an audio file with ffmpeg.
type AudioConvert struct {
	runner *toolRunner
}

// NewAudioConvert builds the ffmpeg-backed transcode capability.
func NewAudioConvert(logger *slog.Logger) *AudioConvert {
	return &AudioConvert{runner: newToolRunner(logger)}
}

func (*AudioConvert) Name() string    { return "audio/convert" }
func (*AudioConvert) Summary() string { return "transcode audio into another container/codec" }

func (*AudioConvert) OutputExt(params coordinator.Params) string {
	return "." + strings.ToLower(params.Get("format", "mp3"))
}

func (c *AudioConvert) Convert(ctx context.Context, input, output *coordinator.StagedArtifact, params coordinator.Params) error {
	format := strings.ToLower(params.Get("format", "mp3"))
	if _, ok := audioFormats[format]; !ok {
		return coordinator.BadInputError("unsupported audio format %q", format)
	}
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", input.Path}
	if bitrate := params.Get("bitrate", ""); bitrate != "" {
		if !validBitrate(bitrate) {
			return coordinator.BadInputError("bitrate must look like 128k or 192000")
		}
		args = append(args, "-b:a", bitrate)
	}
	args = append(args, output.Path)
	return c.runner.run(ctx, "ffmpeg", args...)
}

// AudioTrim cuts a time range out of an audio file without re-encoding when
// the container allows it.
type AudioTrim struct {
	runner *toolRunner
}

// NewAudioTrim builds the ffmpeg-backed trim capability.
func NewAudioTrim(logger *slog.Logger) *AudioTrim {
	return &AudioTrim{runner: newToolRunner(logger)}
}

func (*AudioTrim) Name() string    { return "audio/trim" }
func (*AudioTrim) Summary() string { return "cut a time range out of an audio file" }

func (*AudioTrim) OutputExt(params coordinator.Params) string {
	if format := params.Get("format", ""); format != "" {
		return "." + strings.ToLower(format)
	}
	return ".mp3"
}

func (c *AudioTrim) Convert(ctx context.Context, input, output *coordinator.StagedArtifact, params coordinator.Params) error {
	start, err := secondsParam(params, "start", 0)
	if err != nil {
		return err
	}
	duration, err := secondsParam(params, "duration", -1)
	if err != nil {
		return err
	}
	if duration == 0 {
		return coordinator.BadInputError("duration must be greater than zero")
	}

	args := []string{"-hide_banner", "-nostdin", "-y",
		"-ss", strconv.FormatFloat(start, 'f', -1, 64),
		"-i", input.Path}
	if duration > 0 {
		args = append(args, "-t", strconv.FormatFloat(duration, 'f', -1, 64))
	}
	args = append(args, output.Path)
	return c.runner.run(ctx, "ffmpeg", args...)
}

func secondsParam(params coordinator.Params, key string, fallback float64) (float64, error) {
	raw := params.Get(key, "")
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value < 0 {
		return 0, coordinator.BadInputError("%s must be a non-negative number of seconds", key)
	}
	return value, nil
}

func validBitrate(s string) bool {
	s = strings.ToLower(s)
	digits := strings.TrimSuffix(s, "k")
	if digits == "" {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
