package imageio

import (
	"image"
	"image/color"
	"math"
)

// OffsetCorrector subtracts a dark level that grows linearly with exposure
// time, clamping at zero.
type OffsetCorrector struct {
	Offset    float64
	RatePerMS float64
}

func (c OffsetCorrector) Correct(frame *image.Gray16, exposureMS float64) *image.Gray16 {
	dark := c.Offset + c.RatePerMS*exposureMS
	b := frame.Bounds()
	out := image.NewGray16(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := math.Round(float64(frame.Gray16At(x, y).Y) - dark)
			v = math.Max(0, math.Min(v, math.MaxUint16))
			out.SetGray16(x, y, color.Gray16{Y: uint16(v)})
		}
	}
	return out
}
