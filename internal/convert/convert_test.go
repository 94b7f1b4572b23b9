package convert

import (
	"archive/zip"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bldmahavidyalaya/kitsapi/internal/coordinator"
)

func testScope(t *testing.T) *coordinator.Scope {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager, err := coordinator.NewArtifactManager(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("new artifact manager: %v", err)
	}
	scope, err := manager.NewScope()
	if err != nil {
		t.Fatalf("new scope: %v", err)
	}
	t.Cleanup(scope.Close)
	return scope
}

func stage(t *testing.T, scope *coordinator.Scope, name string, content []byte) *coordinator.StagedArtifact {
	t.Helper()
	artifact, err := scope.StageInput(bytes.NewReader(content), name)
	if err != nil {
		t.Fatalf("stage %s: %v", name, err)
	}
	return artifact
}

func allocate(t *testing.T, scope *coordinator.Scope, cap coordinator.Capability, params coordinator.Params) *coordinator.StagedArtifact {
	t.Helper()
	output, err := scope.AllocateOutput(cap.OutputExt(params))
	if err != nil {
		t.Fatalf("allocate output: %v", err)
	}
	return output
}

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestImageResize(t *testing.T) {
	scope := testScope(t)
	cap := ImageResize{}
	params := coordinator.Params{"width": "20", "format": "png"}

	input := stage(t, scope, "photo.png", pngBytes(t, 40, 30))
	output := allocate(t, scope, cap, params)

	if err := cap.Convert(context.Background(), input, output, params); err != nil {
		t.Fatalf("convert: %v", err)
	}

	file, err := os.Open(output.Path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer file.Close()
	decoded, err := png.Decode(file)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	bounds := decoded.Bounds()
	if bounds.Dx() != 20 || bounds.Dy() != 15 {
		t.Fatalf("resized to %dx%d, want 20x15", bounds.Dx(), bounds.Dy())
	}
}

func TestImageResizeRejectsGarbage(t *testing.T) {
	scope := testScope(t)
	cap := ImageResize{}
	params := coordinator.Params{"width": "20"}

	input := stage(t, scope, "notimage.png", []byte("plainly not an image"))
	output := allocate(t, scope, cap, params)

	err := cap.Convert(context.Background(), input, output, params)
	convErr, ok := coordinator.AsConversionError(err)
	if !ok || convErr.Kind != coordinator.FailureBadInput {
		t.Fatalf("expected bad input, got %v", err)
	}
}

func TestImageResizeRequiresDimension(t *testing.T) {
	scope := testScope(t)
	cap := ImageResize{}

	input := stage(t, scope, "photo.png", pngBytes(t, 10, 10))
	output := allocate(t, scope, cap, nil)

	err := cap.Convert(context.Background(), input, output, nil)
	convErr, ok := coordinator.AsConversionError(err)
	if !ok || convErr.Kind != coordinator.FailureBadInput {
		t.Fatalf("expected bad input, got %v", err)
	}
}

func TestImageResizeRejectsUnknownFormat(t *testing.T) {
	scope := testScope(t)
	cap := ImageResize{}
	params := coordinator.Params{"width": "20", "format": "webp2"}

	input := stage(t, scope, "photo.png", pngBytes(t, 10, 10))
	output := allocate(t, scope, cap, params)

	err := cap.Convert(context.Background(), input, output, params)
	convErr, ok := coordinator.AsConversionError(err)
	if !ok || convErr.Kind != coordinator.FailureBadInput {
		t.Fatalf("expected bad input, got %v", err)
	}
}

func TestImageConvertToJPEG(t *testing.T) {
	scope := testScope(t)
	cap := ImageConvert{}
	params := coordinator.Params{"format": "jpg", "quality": "80"}

	input := stage(t, scope, "photo.png", pngBytes(t, 16, 16))
	output := allocate(t, scope, cap, params)

	if err := cap.Convert(context.Background(), input, output, params); err != nil {
		t.Fatalf("convert: %v", err)
	}
	data, err := os.ReadFile(output.Path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Fatal("output does not start with a JPEG marker")
	}
}

func TestTextEncodeRoundTrip(t *testing.T) {
	scope := testScope(t)
	cap := TextEncode{}
	original := "héllo wörld, ça va"

	input := stage(t, scope, "in.txt", []byte(original))
	toLatin := coordinator.Params{"from": "utf-8", "to": "iso-8859-1"}
	mid := allocate(t, scope, cap, toLatin)
	if err := cap.Convert(context.Background(), input, mid, toLatin); err != nil {
		t.Fatalf("encode to latin1: %v", err)
	}
	if err := mid.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	back := coordinator.Params{"from": "iso-8859-1", "to": "utf-8"}
	final := allocate(t, scope, cap, back)
	if err := cap.Convert(context.Background(), mid, final, back); err != nil {
		t.Fatalf("decode back to utf-8: %v", err)
	}
	data, err := os.ReadFile(final.Path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != original {
		t.Fatalf("round trip = %q, want %q", data, original)
	}
}

func TestTextEncodeUnknownCharset(t *testing.T) {
	scope := testScope(t)
	cap := TextEncode{}
	params := coordinator.Params{"to": "klingon-8"}

	input := stage(t, scope, "in.txt", []byte("text"))
	output := allocate(t, scope, cap, params)

	err := cap.Convert(context.Background(), input, output, params)
	convErr, ok := coordinator.AsConversionError(err)
	if !ok || convErr.Kind != coordinator.FailureBadInput {
		t.Fatalf("expected bad input, got %v", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	scope := testScope(t)
	secret := []byte("the warehouse door code is 4-8-15-16")
	params := coordinator.Params{"passphrase": "correct horse battery"}

	input := stage(t, scope, "note.txt", secret)
	sealed := allocate(t, scope, Encrypt{}, params)
	if err := (Encrypt{}).Convert(context.Background(), input, sealed, params); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := sealed.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	sealedData, _ := os.ReadFile(sealed.Path)
	if bytes.Contains(sealedData, secret) {
		t.Fatal("ciphertext contains the plaintext")
	}

	opened := allocate(t, scope, Decrypt{}, params)
	if err := (Decrypt{}).Convert(context.Background(), sealed, opened, params); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	plain, err := os.ReadFile(opened.Path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(plain, secret) {
		t.Fatal("round trip did not restore the plaintext")
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	scope := testScope(t)
	params := coordinator.Params{"passphrase": "first passphrase"}

	input := stage(t, scope, "note.txt", []byte("secret"))
	sealed := allocate(t, scope, Encrypt{}, params)
	if err := (Encrypt{}).Convert(context.Background(), input, sealed, params); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := sealed.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	wrong := coordinator.Params{"passphrase": "second passphrase"}
	opened := allocate(t, scope, Decrypt{}, wrong)
	err := (Decrypt{}).Convert(context.Background(), sealed, opened, wrong)
	convErr, ok := coordinator.AsConversionError(err)
	if !ok || convErr.Kind != coordinator.FailureBadInput {
		t.Fatalf("expected bad input, got %v", err)
	}
}

func TestEncryptShortPassphrase(t *testing.T) {
	scope := testScope(t)
	params := coordinator.Params{"passphrase": "short"}
	input := stage(t, scope, "note.txt", []byte("secret"))
	output := allocate(t, scope, Encrypt{}, params)

	err := (Encrypt{}).Convert(context.Background(), input, output, params)
	convErr, ok := coordinator.AsConversionError(err)
	if !ok || convErr.Kind != coordinator.FailureBadInput {
		t.Fatalf("expected bad input, got %v", err)
	}
}

func TestArchiveZipUnzipRoundTrip(t *testing.T) {
	scope := testScope(t)
	content := []byte(strings.Repeat("row row row your boat\n", 50))

	input := stage(t, scope, "song.txt", content)
	zipParams := coordinator.Params{"name": "song.txt"}
	archived := allocate(t, scope, ArchiveZip{}, zipParams)
	if err := (ArchiveZip{}).Convert(context.Background(), input, archived, zipParams); err != nil {
		t.Fatalf("zip: %v", err)
	}
	if err := archived.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	reader, err := zip.OpenReader(archived.Path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	if len(reader.File) != 1 || reader.File[0].Name != "song.txt" {
		t.Fatalf("unexpected archive contents: %+v", reader.File)
	}
	reader.Close()

	unzipParams := coordinator.Params{"entry": "song.txt"}
	extracted := allocate(t, scope, ArchiveUnzip{}, unzipParams)
	if err := (ArchiveUnzip{}).Convert(context.Background(), archived, extracted, unzipParams); err != nil {
		t.Fatalf("unzip: %v", err)
	}
	data, err := os.ReadFile(extracted.Path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Fatal("extracted content differs from original")
	}
}

func TestArchiveUnzipMissingEntry(t *testing.T) {
	scope := testScope(t)
	input := stage(t, scope, "song.txt", []byte("not a zip"))
	params := coordinator.Params{"entry": "whatever"}
	output := allocate(t, scope, ArchiveUnzip{}, params)

	err := (ArchiveUnzip{}).Convert(context.Background(), input, output, params)
	convErr, ok := coordinator.AsConversionError(err)
	if !ok || convErr.Kind != coordinator.FailureBadInput {
		t.Fatalf("expected bad input, got %v", err)
	}
}

func TestZipEntryNameStripsPaths(t *testing.T) {
	if got := sanitizeEntryName("../../evil.sh", filepath.Join("x", "fallback.txt")); got != "evil.sh" {
		t.Fatalf("sanitizeEntryName = %q", got)
	}
	if got := sanitizeEntryName("", filepath.Join("x", "fallback.txt")); got != "fallback.txt" {
		t.Fatalf("sanitizeEntryName fallback = %q", got)
	}
}

func TestRegistryCoversAllOperations(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := NewRegistry(logger)
	want := []string{
		"archive/unzip",
		"archive/zip",
		"audio/convert",
		"audio/trim",
		"data/text-encode",
		"document/convert",
		"document/pdf-to-text",
		"image/convert",
		"image/resize",
		"security/decrypt",
		"security/encrypt",
	}
	got := registry.Operations()
	if len(got) != len(want) {
		t.Fatalf("operations = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("operations = %v, want %v", got, want)
		}
	}
}

func TestAudioConvertRejectsUnknownFormat(t *testing.T) {
	scope := testScope(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cap := NewAudioConvert(logger)
	params := coordinator.Params{"format": "midi"}

	input := stage(t, scope, "in.wav", []byte("RIFF"))
	output := allocate(t, scope, cap, params)

	err := cap.Convert(context.Background(), input, output, params)
	convErr, ok := coordinator.AsConversionError(err)
	if !ok || convErr.Kind != coordinator.FailureBadInput {
		t.Fatalf("expected bad input, got %v", err)
	}
}

func TestAudioTrimRejectsNegativeStart(t *testing.T) {
	scope := testScope(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cap := NewAudioTrim(logger)
	params := coordinator.Params{"start": "-3"}

	input := stage(t, scope, "in.mp3", []byte("ID3"))
	output := allocate(t, scope, cap, params)

	err := cap.Convert(context.Background(), input, output, params)
	convErr, ok := coordinator.AsConversionError(err)
	if !ok || convErr.Kind != coordinator.FailureBadInput {
		t.Fatalf("expected bad input, got %v", err)
	}
}

func TestValidBitrate(t *testing.T) {
	cases := map[string]bool{
		"128k":   true,
		"192000": true,
		"64K":    true,
		"":       false,
		"k":      false,
		"12x8k":  false,
	}
	for in, want := range cases {
		if got := validBitrate(in); got != want {
			t.Errorf("validBitrate(%q) = %v, want %v", in, got, want)
		}
	}
}
