package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"math/rand/v2"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	compressQuality = 6
	compressFactor  = 6

	liquidateMaxSide = 320
	liquidateRatio   = 0.4
)

var errEmptyImage = errors.New("empty image")

func checkImage(img *image.NRGBA) (*image.NRGBA, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.WithStack(errEmptyImage)
	}
	return ToNRGBA(img), nil
}

// Break displaces random horizontal bands and splits the colour channels.
func Break(img *image.NRGBA, rng *rand.Rand) (*image.NRGBA, error) {
	img, err := checkImage(img)
	if err != nil {
		return nil, err
	}
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := image.NewNRGBA(img.Rect)
	split := max(1, w/40)

	for y := 0; y < h; {
		band := 1 + rng.IntN(max(1, h/12))
		dx := 0
		if rng.IntN(3) == 0 {
			dx = rng.IntN(w/4+1) - w/8
		}
		for yy := y; yy < min(y+band, h); yy++ {
			for x := 0; x < w; x++ {
				sx := wrap(x+dx, w)
				o := out.PixOffset(x, yy)
				g := img.PixOffset(sx, yy)
				out.Pix[o] = img.Pix[img.PixOffset(wrap(sx+split, w), yy)]
				out.Pix[o+1] = img.Pix[g+1]
				out.Pix[o+2] = img.Pix[img.PixOffset(wrap(sx-split, w), yy)+2]
				out.Pix[o+3] = img.Pix[g+3]
			}
		}
		y += band
	}
	return out, nil
}

func wrap(v, n int) int {
	v %= n
	if v < 0 {
		v += n
	}
	return v
}

// Liquidate removes low-energy seams in both directions and stretches the
// result back to the original size.
func Liquidate(img *image.NRGBA) (*image.NRGBA, error) {
	img, err := checkImage(img)
	if err != nil {
		return nil, err
	}
	w, h := img.Rect.Dx(), img.Rect.Dy()

	work := img
	if side := max(w, h); side > liquidateMaxSide {
		k := float64(liquidateMaxSide) / float64(side)
		work = resize(img, max(1, int(float64(w)*k)), max(1, int(float64(h)*k)), draw.ApproxBiLinear)
	}

	work = carve(work, int(float64(work.Rect.Dx())*liquidateRatio))
	work = transpose(carve(transpose(work), int(float64(work.Rect.Dy())*liquidateRatio)))

	return resize(work, w, h, draw.CatmullRom), nil
}

func carve(img *image.NRGBA, seams int) *image.NRGBA {
	for i := 0; i < seams && img.Rect.Dx() > 2; i++ {
		img = removeSeam(img, findSeam(img))
	}
	return img
}

func luminance(img *image.NRGBA, x, y int) int {
	i := img.PixOffset(x, y)
	return (299*int(img.Pix[i]) + 587*int(img.Pix[i+1]) + 114*int(img.Pix[i+2])) / 1000
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// findSeam returns, per row, the column of the cheapest 8-connected vertical
// path through the gradient energy map.
func findSeam(img *image.NRGBA) []int {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	cost := make([]int, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			e := abs(luminance(img, min(x+1, w-1), y)-luminance(img, max(x-1, 0), y)) +
				abs(luminance(img, x, min(y+1, h-1))-luminance(img, x, max(y-1, 0)))
			if y > 0 {
				best := cost[(y-1)*w+x]
				if x > 0 {
					best = min(best, cost[(y-1)*w+x-1])
				}
				if x < w-1 {
					best = min(best, cost[(y-1)*w+x+1])
				}
				e += best
			}
			cost[y*w+x] = e
		}
	}

	seam := make([]int, h)
	last := (h - 1) * w
	for x := 1; x < w; x++ {
		if cost[last+x] < cost[last+seam[h-1]] {
			seam[h-1] = x
		}
	}
	for y := h - 2; y >= 0; y-- {
		x := seam[y+1]
		seam[y] = x
		for _, c := range []int{x - 1, x + 1} {
			if c >= 0 && c < w && cost[y*w+c] < cost[y*w+seam[y]] {
				seam[y] = c
			}
		}
	}
	return seam
}

func removeSeam(img *image.NRGBA, seam []int) *image.NRGBA {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := image.NewNRGBA(image.Rect(0, 0, w-1, h))
	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+w*4]
		dst := out.Pix[y*out.Stride : y*out.Stride+(w-1)*4]
		cut := seam[y] * 4
		copy(dst, src[:cut])
		copy(dst[cut:], src[cut+4:])
	}
	return out
}

func transpose(img *image.NRGBA) *image.NRGBA {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := image.NewNRGBA(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			copy(out.Pix[out.PixOffset(y, x):out.PixOffset(y, x)+4], img.Pix[img.PixOffset(x, y):img.PixOffset(x, y)+4])
		}
	}
	return out
}

func resize(src *image.NRGBA, w, h int, interp draw.Interpolator) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	interp.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// Compress pixelates the image and passes it through a very low quality JPEG
// round trip.
func Compress(img *image.NRGBA, quality int) (*image.NRGBA, error) {
	img, err := checkImage(img)
	if err != nil {
		return nil, err
	}
	w, h := img.Rect.Dx(), img.Rect.Dy()
	small := resize(img, max(1, w/compressFactor), max(1, h/compressFactor), draw.NearestNeighbor)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, small, &jpeg.Options{Quality: quality}); err != nil {
		return nil, errors.Wrap(err, "compress round trip")
	}
	crushed, err := jpeg.Decode(&buf)
	if err != nil {
		return nil, errors.Wrap(err, "compress round trip")
	}
	return resize(ToNRGBA(crushed), w, h, draw.NearestNeighbor), nil
}

// AddText draws caption near the bottom of the image in outlined white
// letters scaled to the image width.
func AddText(img *image.NRGBA, caption string) (*image.NRGBA, error) {
	img, err := checkImage(img)
	if err != nil {
		return nil, err
	}
	caption = strings.Join(strings.Fields(caption), " ")
	if caption == "" {
		return nil, errors.New("no caption to draw")
	}

	label := renderLabel(caption)
	w, h := img.Rect.Dx(), img.Rect.Dy()
	lw, lh := label.Rect.Dx(), label.Rect.Dy()
	scale := max(1, min(w*9/10/lw, h/6/lh))

	dw, dh := lw*scale, lh*scale
	x0 := (w - dw) / 2
	y0 := h - dh - h/20

	out := image.NewNRGBA(img.Rect)
	copy(out.Pix, img.Pix)
	draw.NearestNeighbor.Scale(out, image.Rect(x0, y0, x0+dw, y0+dh), label, label.Bounds(), draw.Over, nil)
	return out, nil
}

// renderLabel draws text with a one pixel black outline on a transparent
// canvas at the font's native size.
func renderLabel(text string) *image.NRGBA {
	face := basicfont.Face7x13
	tw := font.MeasureString(face, text).Ceil()
	canvas := image.NewNRGBA(image.Rect(0, 0, tw+2, face.Height+2))

	d := &font.Drawer{Dst: canvas, Face: face}
	d.Src = image.NewUniform(color.Black)
	for _, off := range [][2]int{{-1, -1}, {0, -1}, {1, -1}, {-1, 0}, {1, 0}, {-1, 1}, {0, 1}, {1, 1}} {
		d.Dot = fixed.P(1+off[0], 1+face.Ascent+off[1])
		d.DrawString(text)
	}
	d.Src = image.NewUniform(color.White)
	d.Dot = fixed.P(1, 1+face.Ascent)
	d.DrawString(text)
	return canvas
}
