package classify

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
)

// ErrImageDecode is returned for empty, unrecognized or corrupt uploads.
var ErrImageDecode = errors.New("image decode failed")

// DefaultMaxPixels caps the declared width times height of an upload.
const DefaultMaxPixels = 40_000_000

// Interpolation is the resampling filter used to reach the model's input
// size.
const Interpolation = resize.Bicubic

// decodeImage sniffs and decodes an uploaded byte stream. The header is read
// first so an image declaring more than maxPixels pixels is rejected before
// its pixel buffer is allocated. maxPixels <= 0 disables the check.
func decodeImage(data []byte, maxPixels int) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty input", ErrImageDecode)
	}

	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, "", fmt.Errorf("%w: unsupported content type %s", ErrImageDecode, mt.String())
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %w", ErrImageDecode, mt.String(), err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", fmt.Errorf("%w: image has no pixels", ErrImageDecode)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, "", fmt.Errorf("%w: image is %dx%d, limit is %d pixels",
			ErrImageDecode, cfg.Width, cfg.Height, maxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %w", ErrImageDecode, mt.String(), err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, "", fmt.Errorf("%w: image has no pixels", ErrImageDecode)
	}
	return img, format, nil
}

// toRGB copies src into an opaque RGBA image anchored at the origin. Alpha
// is dropped rather than blended; gray and paletted sources come out with
// three equal or looked-up channels.
func toRGB(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := dst.PixOffset(x, y)
			dst.Pix[i+0] = c.R
			dst.Pix[i+1] = c.G
			dst.Pix[i+2] = c.B
			dst.Pix[i+3] = 0xff
		}
	}
	return dst
}

// tensorize lays the image out as NHWC float32 with raw 0-255 values. The
// leading batch dimension of 1 adds no elements.
func tensorize(img image.Image) []float32 {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	out := make([]float32, 0, width*height*3)

	if rgba, ok := img.(*image.RGBA); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				i := rgba.PixOffset(x, y)
				out = append(out, float32(rgba.Pix[i]), float32(rgba.Pix[i+1]), float32(rgba.Pix[i+2]))
			}
		}
		return out
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			out = append(out, float32(c.R), float32(c.G), float32(c.B))
		}
	}
	return out
}

// preprocess turns raw image bytes into a [1, height, width, 3] tensor.
func preprocess(data []byte, width, height, maxPixels int) ([]float32, string, error) {
	img, format, err := decodeImage(data, maxPixels)
	if err != nil {
		return nil, "", err
	}

	rgb := toRGB(img)
	resized := resize.Resize(uint(width), uint(height), rgb, Interpolation)
	return tensorize(resized), format, nil
}
