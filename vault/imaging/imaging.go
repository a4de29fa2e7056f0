// Package imaging holds the image collaborators the engine consumes: the
// pixel decoder, the MIME-type probe, the thumbnailer and the pixmap cache
// handed to the gallery. The engine only depends on the interfaces; the
// default implementations here cover the common formats.
package imaging

import (
	"bytes"
	"image"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"os"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// Format hints understood by the default decoder. A MIME type missing from
// the table means "let the decoder auto-detect".
const (
	HintBMP  = "BMP"
	HintGIF  = "GIF"
	HintJPEG = "JPEG"
	HintPNG  = "PNG"
	HintSVG  = "SVG"
	HintTIFF = "TIFF"
	HintPBM  = "PBM"
	HintPGM  = "PGM"
	HintPPM  = "PPM"
)

// formatHints maps probed MIME types to decoder format hints. Lookup is by
// exact string match on the probe's output; variants with parameters fall
// through to auto-detection.
var formatHints = map[string]string{
	"image/bmp":                HintBMP,
	"image/x-bmp":              HintBMP,
	"image/gif":                HintGIF,
	"image/jpeg":               HintJPEG,
	"image/jpg":                HintJPEG,
	"image/png":                HintPNG,
	"image/svg+xml":            HintSVG,
	"image/tif":                HintTIFF,
	"image/tiff":               HintTIFF,
	"image/x-portable-bitmap":  HintPBM,
	"image/x-portable-graymap": HintPGM,
	"image/x-portable-pixmap":  HintPPM,
}

// FormatHint returns the decoder hint for a probed MIME type, or the empty
// string for auto-detection.
func FormatHint(mimeType string) string {
	return formatHints[mimeType]
}

// ErrUnsupportedFormat is returned when no decoder or encoder exists for the
// requested format.
var ErrUnsupportedFormat = errors.New("imaging: unsupported image format")

// Decoder turns raw image bytes into pixels and back.
type Decoder interface {
	// Decode decodes an image, using the format hint when non-empty.
	Decode(data []byte, hint string) (image.Image, error)
	// Encode serializes an image in the hinted format.
	Encode(img image.Image, hint string) ([]byte, error)
}

// Prober reports the MIME type of a file on disk.
type Prober interface {
	Probe(path string) (string, error)
}

// StdDecoder decodes PNG, JPEG, GIF, BMP and TIFF with the standard
// decoders. SVG and the portable anymap formats have no decoder here;
// importing them fails and the engine discards the source untouched.
type StdDecoder struct{}

type codec struct {
	decode func(io.Reader) (image.Image, error)
	encode func(io.Writer, image.Image) error
}

var codecs = map[string]codec{
	HintPNG: {png.Decode, png.Encode},
	HintJPEG: {jpeg.Decode, func(w io.Writer, img image.Image) error {
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 90})
	}},
	HintGIF: {gif.Decode, func(w io.Writer, img image.Image) error {
		return gif.Encode(w, img, nil)
	}},
	HintBMP: {bmp.Decode, bmp.Encode},
	HintTIFF: {tiff.Decode, func(w io.Writer, img image.Image) error {
		return tiff.Encode(w, img, nil)
	}},
}

// Decode implements Decoder.
func (StdDecoder) Decode(data []byte, hint string) (image.Image, error) {
	if c, ok := codecs[hint]; ok {
		img, err := c.decode(bytes.NewReader(data))
		return img, errors.Wrapf(err, "imaging: decode %s", hint)
	}
	if hint != "" {
		return nil, ErrUnsupportedFormat
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, errors.Wrap(err, "imaging: decode")
}

// Encode implements Decoder. An empty or unknown hint encodes as PNG, which
// is lossless and always available.
func (StdDecoder) Encode(img image.Image, hint string) ([]byte, error) {
	c, ok := codecs[hint]
	if !ok {
		c = codecs[HintPNG]
	}
	var buf bytes.Buffer
	if err := c.encode(&buf, img); err != nil {
		return nil, errors.Wrapf(err, "imaging: encode %s", hint)
	}
	return buf.Bytes(), nil
}

// SniffProber probes MIME types by content sniffing the first 512 bytes.
type SniffProber struct{}

// Probe implements Prober.
func (SniffProber) Probe(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "imaging: probe open")
	}
	defer f.Close()
	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return "", errors.Wrap(err, "imaging: probe read")
	}
	return http.DetectContentType(buf[:n]), nil
}

// Thumbnail scales src so the longer cover-axis matches the target
// rectangle, center-crops to exactly width x height, then rotates by
// -orientation degrees around the rectangle center.
func Thumbnail(src image.Image, width, height, orientation int) image.Image {
	b := src.Bounds()
	sw, sh := b.Dx(), b.Dy()
	if sw == 0 || sh == 0 {
		return image.NewRGBA(image.Rect(0, 0, width, height))
	}

	// Cover scaling: the scaled image is at least as large as the target
	// on both axes.
	scaledW, scaledH := width, (sh*width+sw-1)/sw
	if scaledH < height {
		scaledH = height
		scaledW = (sw*height + sh - 1) / sh
	}
	scaled := resize.Resize(uint(scaledW), uint(scaledH), src, resize.Lanczos3)

	cropped := image.NewRGBA(image.Rect(0, 0, width, height))
	offset := image.Pt((scaledW-width)/2, (scaledH-height)/2)
	draw.Draw(cropped, cropped.Bounds(), scaled, scaled.Bounds().Min.Add(offset), draw.Src)

	return Rotate(cropped, (360-orientation)%360)
}

// Rotate turns img clockwise by the given degrees, normalized to [0, 360).
// Only multiples of 90 rotate; any other value returns img unchanged.
func Rotate(img image.Image, degrees int) image.Image {
	degrees = ((degrees % 360) + 360) % 360
	if degrees == 0 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	var dst *image.RGBA
	switch degrees {
	case 90:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst.Set(h-1-y, x, img.At(b.Min.X+x, b.Min.Y+y))
			}
		}
	case 180:
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst.Set(w-1-x, h-1-y, img.At(b.Min.X+x, b.Min.Y+y))
			}
		}
	case 270:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst.Set(y, w-1-x, img.At(b.Min.X+x, b.Min.Y+y))
			}
		}
	default:
		return img
	}
	return dst
}
