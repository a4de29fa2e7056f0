package imaging

import (
	"image"
	"image/color"
	"image/png"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 0, A: 255})
		}
	}
	return img
}

func TestFormatHintTable(t *testing.T) {
	require.Equal(t, HintJPEG, FormatHint("image/jpeg"))
	require.Equal(t, HintJPEG, FormatHint("image/jpg"))
	require.Equal(t, HintPNG, FormatHint("image/png"))
	require.Equal(t, HintTIFF, FormatHint("image/tif"))
	require.Equal(t, HintPPM, FormatHint("image/x-portable-pixmap"))
	// Exact match only; parameters fall through to auto-detection.
	require.Equal(t, "", FormatHint("image/jpeg;charset=binary"))
	require.Equal(t, "", FormatHint("application/pdf"))
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	var d StdDecoder
	src := testImage(12, 8)

	for _, hint := range []string{HintPNG, HintJPEG, HintGIF, HintBMP, HintTIFF} {
		data, err := d.Encode(src, hint)
		require.NoError(t, err, hint)
		img, err := d.Decode(data, hint)
		require.NoError(t, err, hint)
		require.Equal(t, src.Bounds().Dx(), img.Bounds().Dx(), hint)
		require.Equal(t, src.Bounds().Dy(), img.Bounds().Dy(), hint)
	}
}

func TestDecodeAutoDetect(t *testing.T) {
	var d StdDecoder
	data, err := d.Encode(testImage(4, 4), HintPNG)
	require.NoError(t, err)

	img, err := d.Decode(data, "")
	require.NoError(t, err)
	require.Equal(t, 4, img.Bounds().Dx())
}

func TestDecodeUnsupportedHint(t *testing.T) {
	var d StdDecoder
	_, err := d.Decode([]byte("<svg/>"), HintSVG)
	require.Equal(t, ErrUnsupportedFormat, err)
}

func TestDecodeGarbage(t *testing.T) {
	var d StdDecoder
	_, err := d.Decode([]byte("not an image"), HintPNG)
	require.Error(t, err)
	_, err = d.Decode([]byte("not an image"), "")
	require.Error(t, err)
}

func TestSniffProber(t *testing.T) {
	dir, err := ioutil.TempDir("", "imaging")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "img.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, testImage(4, 4)))
	require.NoError(t, f.Close())

	mimeType, err := SniffProber{}.Probe(path)
	require.NoError(t, err)
	require.Equal(t, "image/png", mimeType)

	_, err = SniffProber{}.Probe(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestThumbnailExactSize(t *testing.T) {
	for _, tc := range []struct{ w, h int }{{640, 480}, {480, 640}, {100, 100}, {30, 700}} {
		for _, orientation := range []int{0, 90, 180, 270} {
			thumb := Thumbnail(testImage(tc.w, tc.h), 64, 64, orientation)
			require.Equal(t, 64, thumb.Bounds().Dx())
			require.Equal(t, 64, thumb.Bounds().Dy())
		}
	}
}

func TestRotateDimensions(t *testing.T) {
	src := testImage(10, 6)
	require.Equal(t, image.Pt(6, 10), image.Pt(
		Rotate(src, 90).Bounds().Dx(), Rotate(src, 90).Bounds().Dy()))
	require.Equal(t, image.Pt(10, 6), image.Pt(
		Rotate(src, 180).Bounds().Dx(), Rotate(src, 180).Bounds().Dy()))
	require.Equal(t, image.Pt(6, 10), image.Pt(
		Rotate(src, 270).Bounds().Dx(), Rotate(src, 270).Bounds().Dy()))
	// Zero degrees returns the image unchanged.
	require.Equal(t, src.Bounds(), Rotate(src, 0).Bounds())
}

func TestRotateRoundTrip(t *testing.T) {
	src := testImage(5, 3)
	back := Rotate(Rotate(src, 90), 270)
	require.Equal(t, src.Bounds(), back.Bounds())
	for y := 0; y < 3; y++ {
		for x := 0; x < 5; x++ {
			require.Equal(t, src.At(x, y), back.At(x, y))
		}
	}
}

func TestLRUPixmapCache(t *testing.T) {
	c, err := NewLRUPixmapCache(2)
	require.NoError(t, err)

	a, b := testImage(1, 1), testImage(2, 2)
	c.Publish("a", a)
	c.Publish("b", b)
	got, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, a, got)

	c.Release("a")
	_, ok = c.Get("a")
	require.False(t, ok)
	require.Equal(t, 1, c.Len())
}
