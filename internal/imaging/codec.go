// Package imaging decodes, encodes and transforms images for the photo
// commands.
package imaging

import (
	"bytes"
	"image"
	"image/jpeg"
	"io"

	_ "image/gif"
	_ "image/png"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// DefaultQuality is the JPEG quality used when none is configured.
const DefaultQuality = 90

// DefaultMaxPixels bounds the declared width*height of a decoded image.
// A decoded NRGBA costs four bytes per pixel plus the source buffer.
const DefaultMaxPixels = 40_000_000

// ErrTooLarge is returned for images whose header declares more pixels
// than allowed.
var ErrTooLarge = errors.New("image too large")

// Decode parses data in any registered format and converts it to NRGBA,
// rejecting images larger than DefaultMaxPixels.
func Decode(data []byte) (*image.NRGBA, string, error) {
	return DecodeLimited(data, DefaultMaxPixels)
}

// DecodeLimited is Decode with an explicit pixel limit. The header is read
// first so oversized images are refused before any pixel memory is
// allocated. maxPixels <= 0 means DefaultMaxPixels.
func DecodeLimited(data []byte, maxPixels int64) (*image.NRGBA, string, error) {
	if len(data) == 0 {
		return nil, "", errors.New("empty image data")
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, _, err := DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", errors.Errorf("invalid image dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, "", errors.Wrapf(ErrTooLarge, "%dx%d exceeds %d pixels", cfg.Width, cfg.Height, maxPixels)
	}
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", errors.Wrap(err, "decode image")
	}
	return ToNRGBA(src), format, nil
}

// DecodeConfig reports the format and dimensions of an encoded image
// without decoding its pixels.
func DecodeConfig(r io.Reader) (image.Config, string, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return cfg, "", errors.Wrap(err, "decode image header")
	}
	return cfg, format, nil
}

// ToNRGBA returns img as an NRGBA whose bounds start at the origin.
func ToNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// EncodeJPEG writes img as a JPEG. Quality outside 1..100 falls back to
// DefaultQuality.
func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	if img == nil || img.Bounds().Empty() {
		return errors.New("nothing to encode")
	}
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	if err := jpeg.Encode(w, img, &jpeg.Options{Quality: quality}); err != nil {
		return errors.Wrap(err, "encode jpeg")
	}
	return nil
}
