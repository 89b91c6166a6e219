// Package imaging turns arbitrary image bytes into an opaque JPEG data URI
// that any vision model accepts.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io"
	"strings"

	_ "image/gif"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"
)

const (
	// OutputMIME is the MIME type of every normalized image.
	OutputMIME = "image/jpeg"
	// DefaultQuality is the JPEG quality used when none is configured.
	DefaultQuality = 75
)

// ErrDecode is returned when the input is not a decodable image.
var ErrDecode = errors.New("not a decodable image")

// Normalizer flattens and re-encodes images. The zero value is not usable; call NewNormalizer.
type Normalizer struct {
	quality int
}

// NewNormalizer returns a Normalizer encoding at quality, or DefaultQuality if out of range.
func NewNormalizer(quality int) *Normalizer {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	return &Normalizer{quality: quality}
}

// Normalize decodes data, composites any transparency onto white, and
// returns the result as a base64 JPEG data URI.
func (n *Normalizer) Normalize(data []byte) (string, error) {
	mime := mimetype.Detect(data)
	if !strings.HasPrefix(mime.String(), "image/") {
		return "", fmt.Errorf("%w: detected %s", ErrDecode, mime.String())
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Flatten(img), &jpeg.Options{Quality: n.quality}); err != nil {
		return "", fmt.Errorf("encode jpeg: %w", err)
	}
	return DataURI(OutputMIME, buf.Bytes()), nil
}

// NormalizeReader reads r fully and normalizes it.
func (n *Normalizer) NormalizeReader(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	return n.Normalize(data)
}

// Flatten composites img over an opaque white canvas of the same bounds.
// Opaque images are returned unchanged.
func Flatten(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	canvas := image.NewRGBA(b)
	draw.Draw(canvas, b, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(canvas, b, img, b.Min, draw.Over)
	return canvas
}

// DataURI wraps payload as data:<mime>;base64,<payload>.
func DataURI(mime string, payload []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(payload)
}
