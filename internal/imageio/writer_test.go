package imageio

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drew-sinha/rpc-scope/internal/logging"
	"github.com/drew-sinha/rpc-scope/internal/model"
)

func gradient(w, h int) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray16(x, y, color.Gray16{Y: uint16(x*1000 + y)})
		}
	}
	return img
}

func TestWriteAndClose(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(2, logging.Discard())

	frames := []image.Image{gradient(8, 4), gradient(8, 4), gradient(8, 4)}
	paths := []string{
		filepath.Join(dir, "a", "2024-01-01t0900 bf_1.png"),
		filepath.Join(dir, "a", "2024-01-01t0900 gfp_1.png"),
		filepath.Join(dir, "a", "2024-01-01t0900 mcherry_1.png"),
	}
	handles, err := w.Write(frames, paths, model.CompressionFast)
	require.NoError(t, err)
	require.Len(t, handles, 3)

	require.NoError(t, w.Close(context.Background()))
	assert.Empty(t, w.Outstanding())
	assert.Equal(t, 3, w.Written())

	for _, p := range paths {
		f, err := os.Open(p)
		require.NoError(t, err)
		img, err := png.Decode(f)
		_ = f.Close()
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 8, 4), img.Bounds())
		assert.Equal(t, uint16(7003), color.Gray16Model.Convert(img.At(7, 3)).(color.Gray16).Y)
	}
}

func TestHandleWaitAndOutstanding(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(1, logging.Discard())
	handles, err := w.Write([]image.Image{gradient(2, 2)}, []string{filepath.Join(dir, "x.png")}, model.CompressionBest)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, handles[0].Wait(ctx))
	assert.Empty(t, w.Outstanding())
	assert.Equal(t, 1, w.Written())
}

func TestWriteErrorsSurfaceAtClose(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	w := NewWriter(1, logging.Discard())
	_, err := w.Write([]image.Image{gradient(2, 2)}, []string{filepath.Join(blocker, "sub", "x.png")}, model.CompressionNone)
	require.NoError(t, err)

	err = w.Close(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x.png")
}

func TestWriteValidation(t *testing.T) {
	w := NewWriter(0, logging.Discard())

	_, err := w.Write([]image.Image{gradient(1, 1)}, nil, model.CompressionFast)
	assert.Error(t, err)

	_, err = w.Write(nil, nil, "lzw")
	assert.Error(t, err)

	require.NoError(t, w.Close(context.Background()))
	_, err = w.Write(nil, nil, model.CompressionFast)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOffsetCorrector(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 3, 1))
	img.SetGray16(0, 0, color.Gray16{Y: 50})
	img.SetGray16(1, 0, color.Gray16{Y: 1000})
	img.SetGray16(2, 0, color.Gray16{Y: 65535})

	out := OffsetCorrector{Offset: 90, RatePerMS: 0.5}.Correct(img, 20)

	assert.Equal(t, uint16(0), out.Gray16At(0, 0).Y)
	assert.Equal(t, uint16(900), out.Gray16At(1, 0).Y)
	assert.Equal(t, uint16(65435), out.Gray16At(2, 0).Y)
	assert.Equal(t, uint16(1000), img.Gray16At(1, 0).Y, "input must not be modified")
}

func TestOffsetCorrectorSubImage(t *testing.T) {
	full := gradient(4, 4)
	sub := full.SubImage(image.Rect(1, 1, 3, 3)).(*image.Gray16)

	out := OffsetCorrector{Offset: 1}.Correct(sub, 0)

	assert.Equal(t, sub.Bounds(), out.Bounds())
	assert.Equal(t, uint16(2*1000+2-1), out.Gray16At(2, 2).Y)
}
