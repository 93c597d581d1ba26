package imageutil

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
)

func solid(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDownscaleKeepsAspect(t *testing.T) {
	out, err := Downscale(solid(t, 400, 200), 100)
	require.NoError(t, err)

	w, h, format, err := Dimensions(out)
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 100, w)
	assert.Equal(t, 50, h)
}

func TestDownscaleSmallImageUnchanged(t *testing.T) {
	out, err := Downscale(solid(t, 32, 48), 100)
	require.NoError(t, err)

	w, h, _, err := Dimensions(out)
	require.NoError(t, err)
	assert.Equal(t, 32, w)
	assert.Equal(t, 48, h)
}

func TestDownscaleRejectsGarbage(t *testing.T) {
	_, err := Downscale([]byte("not an image"), 100)
	assert.Error(t, err)
}

func TestConvertImageFromBitmap(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	var buf bytes.Buffer
	require.NoError(t, bmp.Encode(&buf, img))

	out, err := ConvertImageFromBitmap(buf.Bytes(), "jpeg")
	require.NoError(t, err)
	_, _, format, err := Dimensions(out)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)

	_, err = ConvertImageFromBitmap(buf.Bytes(), "tiff")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
