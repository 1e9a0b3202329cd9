package acquire

import "math"

// RelativeTimestamps converts camera tick counts to seconds relative to the
// first channel. Missing ticks become NaN and are counted; a missing first
// tick makes every offset NaN.
func RelativeTimestamps(ticks []*float64, hz float64) (offsets []float64, missing int) {
	offsets = make([]float64, len(ticks))
	if len(ticks) == 0 {
		return offsets, 0
	}
	if hz <= 0 {
		hz = 1
	}
	raw := make([]float64, len(ticks))
	for i, t := range ticks {
		if t == nil {
			raw[i] = math.NaN()
			missing++
			continue
		}
		raw[i] = *t
	}
	t0 := raw[0]
	for i, t := range raw {
		offsets[i] = (t - t0) / hz
	}
	return offsets, missing
}
