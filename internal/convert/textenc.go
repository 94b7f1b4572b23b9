package convert

import (
	"context"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"

	"github.com/bldmahavidyalaya/kitsapi/internal/coordinator"
)

var charsets = map[string]encoding.Encoding{
	"utf-8":        unicode.UTF8,
	"utf8":         unicode.UTF8,
	"utf-16le":     unicode.UTF16(unicode.LittleEndian, unicode.UseBOM),
	"utf-16be":     unicode.UTF16(unicode.BigEndian, unicode.UseBOM),
	"iso-8859-1":   charmap.ISO8859_1,
	"latin1":       charmap.ISO8859_1,
	"iso-8859-15":  charmap.ISO8859_15,
	"windows-1250": charmap.Windows1250,
	"windows-1251": charmap.Windows1251,
	"windows-1252": charmap.Windows1252,
	"koi8-r":       charmap.KOI8R,
	"shift-jis":    japanese.ShiftJIS,
	"shift_jis":    japanese.ShiftJIS,
	"euc-jp":       japanese.EUCJP,
	"euc-kr":       korean.EUCKR,
	"gbk":          simplifiedchinese.GBK,
	"gb18030":      simplifiedchinese.GB18030,
}

// TextEncode transcodes a text file between character sets.
type TextEncode struct{}

func (TextEncode) Name() string                        { return "data/text-encode" }
func (TextEncode) Summary() string                     { return "transcode text between character sets" }
func (TextEncode) OutputExt(coordinator.Params) string { return ".txt" }

func (TextEncode) Convert(ctx context.Context, input, output *coordinator.StagedArtifact, params coordinator.Params) error {
	from, ok := charsets[strings.ToLower(params.Get("from", "utf-8"))]
	if !ok {
		return coordinator.BadInputError("unsupported source charset %q", params.Get("from", ""))
	}
	to, ok := charsets[strings.ToLower(params.Get("to", ""))]
	if !ok {
		return coordinator.BadInputError("unsupported target charset %q", params.Get("to", ""))
	}
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

	writer := to.NewEncoder().Writer(dst)
	_, err = io.Copy(writer, from.NewDecoder().Reader(src))
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return coordinator.BadInputError("text could not be transcoded between the requested charsets").WithCause(err)
	}
	return nil
}
