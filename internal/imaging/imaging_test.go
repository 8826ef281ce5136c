package imaging

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalya/internal/domain"
)

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: uint8((x + y) % 256), A: 255})
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecode_PNGToNRGBA(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 8, 6))
	src.Set(1, 1, color.RGBA{R: 200, A: 255})

	img, format, err := Decode(pngBytes(t, src))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, image.Rect(0, 0, 8, 6), img.Bounds())
	assert.Equal(t, uint8(200), img.NRGBAAt(1, 1).R)
}

func TestDecode_Garbage(t *testing.T) {
	_, _, err := Decode([]byte("definitely not an image"))
	assert.Error(t, err)

	_, _, err = Decode(nil)
	assert.Error(t, err)
}

func TestDecodeLimited_RejectsBeforeDecoding(t *testing.T) {
	data := pngBytes(t, image.NewGray(image.Rect(0, 0, 300, 200)))

	_, _, err := DecodeLimited(data, 300*200-1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooLarge)

	img, _, err := DecodeLimited(data, 300*200)
	require.NoError(t, err)
	assert.Equal(t, 300, img.Bounds().Dx())
}

func TestDecode_HugeDeclaredSize(t *testing.T) {
	// Header of a 20000x20000 grayscale PNG; the pixel data is never read.
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	require.NoError(t, enc.Encode(&buf, image.NewGray(image.Rect(0, 0, 1, 1))))
	data := buf.Bytes()
	// IHDR width and height live at bytes 16..23, its CRC at 29..32.
	binary.BigEndian.PutUint32(data[16:20], 20000)
	binary.BigEndian.PutUint32(data[20:24], 20000)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))

	_, _, err := Decode(data)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestDecodeConfig(t *testing.T) {
	cfg, format, err := DecodeConfig(bytes.NewReader(pngBytes(t, gradient(12, 7))))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 12, cfg.Width)
	assert.Equal(t, 7, cfg.Height)

	_, _, err = DecodeConfig(bytes.NewReader([]byte("nope")))
	assert.Error(t, err)
}

func TestToNRGBA_ShiftsOrigin(t *testing.T) {
	sub := gradient(10, 10).SubImage(image.Rect(2, 3, 6, 8))
	out := ToNRGBA(sub)
	assert.Equal(t, image.Rect(0, 0, 4, 5), out.Bounds())
}

func TestEncodeJPEG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeJPEG(&buf, gradient(16, 16), 0))
	img, format, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 16, img.Bounds().Dx())

	assert.Error(t, EncodeJPEG(&buf, image.NewNRGBA(image.Rect(0, 0, 0, 0)), 90))
}

func TestTransforms_KeepSize(t *testing.T) {
	src := gradient(64, 48)
	rng := rand.New(rand.NewPCG(1, 2))

	broken, err := Break(src, rng)
	require.NoError(t, err)
	assert.Equal(t, src.Bounds(), broken.Bounds())

	liquid, err := Liquidate(src)
	require.NoError(t, err)
	assert.Equal(t, src.Bounds(), liquid.Bounds())

	crushed, err := Compress(src, compressQuality)
	require.NoError(t, err)
	assert.Equal(t, src.Bounds(), crushed.Bounds())

	captioned, err := AddText(src, "hello world")
	require.NoError(t, err)
	assert.Equal(t, src.Bounds(), captioned.Bounds())
}

func TestTransforms_DoNotMutateInput(t *testing.T) {
	src := gradient(32, 32)
	before := append([]byte(nil), src.Pix...)

	_, err := Break(src, rand.New(rand.NewPCG(3, 4)))
	require.NoError(t, err)
	_, err = AddText(src, "caption")
	require.NoError(t, err)

	assert.Equal(t, before, src.Pix)
}

func TestAddText_ChangesPixels(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 200, 120))
	out, err := AddText(src, "HELLO")
	require.NoError(t, err)
	assert.NotEqual(t, src.Pix, out.Pix)
}

func TestAddText_EmptyCaption(t *testing.T) {
	_, err := AddText(gradient(10, 10), "   ")
	assert.Error(t, err)
}

func TestTransforms_RejectEmpty(t *testing.T) {
	_, err := Liquidate(nil)
	assert.ErrorIs(t, err, errEmptyImage)
	_, err = Compress(image.NewNRGBA(image.Rect(0, 0, 0, 0)), 10)
	assert.ErrorIs(t, err, errEmptyImage)
}

func TestLiquidate_TinyImages(t *testing.T) {
	for _, size := range [][2]int{{1, 1}, {2, 5}, {5, 2}} {
		out, err := Liquidate(gradient(size[0], size[1]))
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, size[0], size[1]), out.Bounds())
	}
}

func TestFindSeam_FollowsFlatColumn(t *testing.T) {
	img := gradient(9, 9)
	// a flat vertical stripe has zero horizontal gradient except at its edges
	for y := 0; y < 9; y++ {
		for x := 0; x < 9; x++ {
			if x < 4 {
				img.SetNRGBA(x, y, color.NRGBA{A: 255})
			} else {
				img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
			}
		}
	}
	seam := findSeam(img)
	require.Len(t, seam, 9)
	for _, x := range seam {
		assert.True(t, x < 3 || x > 4, "seam crossed the edge at %d", x)
	}
}

func TestDefaultRegistry(t *testing.T) {
	reg := DefaultRegistry(Options{Caption: func() string { return "hi" }})
	for _, kind := range domain.ImageCommands {
		tr, ok := reg.Lookup(kind)
		require.True(t, ok, "missing %s", kind)
		out, err := tr(gradient(20, 20))
		require.NoError(t, err)
		assert.Equal(t, 20, out.Bounds().Dx())
	}

	_, ok := reg.Lookup(domain.CommandEcho)
	assert.False(t, ok)
}
