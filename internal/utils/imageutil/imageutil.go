package imageutil

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"github.com/anthonynsimon/bild/transform"
	"golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var ErrUnsupportedFormat = errors.New("unsupported image format")

func ConvertImageFromBitmap(bmpBytes []byte, format string) ([]byte, error) {
	img, err := bmp.Decode(bytes.NewReader(bmpBytes))
	if err != nil {
		return nil, err
	}

	return Encode(img, format)
}

func Encode(img image.Image, format string) ([]byte, error) {
	var output bytes.Buffer
	var err error
	switch format {
	case "png":
		err = png.Encode(&output, img)
	case "jpg", "jpeg":
		err = jpeg.Encode(&output, img, &jpeg.Options{Quality: 90})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	if err != nil {
		return nil, err
	}

	return output.Bytes(), nil
}

// Dimensions reads only the image header.
func Dimensions(data []byte) (width, height int, format string, err error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, "", err
	}
	return cfg.Width, cfg.Height, format, nil
}

// Downscale shrinks the image so its longest side is at most maxSide and
// re-encodes it as PNG. Smaller images are returned re-encoded but unscaled.
func Downscale(data []byte, maxSide int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxSide > 0 && (w > maxSide || h > maxSide) {
		if w >= h {
			h = h * maxSide / w
			w = maxSide
		} else {
			w = w * maxSide / h
			h = maxSide
		}
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
		img = transform.Resize(img, w, h, transform.Linear)
	}

	return Encode(img, "png")
}

// Resize scales to exactly width x height.
func Resize(data []byte, width, height int, format string) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if format == "" {
		format = "png"
	}
	return Encode(transform.Resize(img, width, height, transform.Linear), format)
}
