// Package sim is a simulated microscope: a stage, a channel sequencer and
// an autofocuser over synthetic frames. It is deterministic for a given
// seed and advances a fake clock when driven by one.
package sim

import (
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/drew-sinha/rpc-scope/internal/acquire"
	"github.com/drew-sinha/rpc-scope/internal/clock"
	"github.com/drew-sinha/rpc-scope/internal/focus"
	"github.com/drew-sinha/rpc-scope/internal/model"
)

const (
	DefaultWidth      = 64
	DefaultHeight     = 64
	DefaultExposureMS = 10
	DefaultMoveTime   = 500 * time.Millisecond
	// DepthOfField is the z distance at which sharpness halves.
	DepthOfField = 0.005
)

type Options struct {
	Seed        uint64
	Channels    []string
	Width       int
	Height      int
	ExposureMS  float64
	MoveTime    time.Duration
	TimestampHz float64
	Clock       clock.Clock
	// DropTimestamps lists channel indexes for which no camera timestamp
	// is reported.
	DropTimestamps []int
}

// Instrument implements acquire.Stage, acquire.Sequencer and
// focus.Autofocuser.
type Instrument struct {
	opts Options

	mu     sync.Mutex
	rng    *rand.Rand
	pos    model.Coords
	moves  int
	focal  map[string]float64
	faults map[string]error
}

var (
	_ acquire.Stage     = (*Instrument)(nil)
	_ acquire.Sequencer = (*Instrument)(nil)
	_ focus.Autofocuser = (*Instrument)(nil)
)

func New(opts Options) *Instrument {
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Height <= 0 {
		opts.Height = DefaultHeight
	}
	if opts.ExposureMS <= 0 {
		opts.ExposureMS = DefaultExposureMS
	}
	if opts.MoveTime <= 0 {
		opts.MoveTime = DefaultMoveTime
	}
	if opts.TimestampHz <= 0 {
		opts.TimestampHz = 1e6
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if len(opts.Channels) == 0 {
		opts.Channels = []string{"bf"}
	}
	return &Instrument{
		opts:   opts,
		rng:    rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		focal:  make(map[string]float64),
		faults: make(map[string]error),
	}
}

// SetFocalPlane fixes the true focal z of a position.
func (in *Instrument) SetFocalPlane(position string, z float64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.focal[position] = z
}

// FocalPlane returns the true focal z of position. Unknown positions get a
// seed-dependent offset of at most 20 µm from nominal.
func (in *Instrument) FocalPlane(position string, nominal float64) float64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.focalLocked(position, nominal)
}

func (in *Instrument) focalLocked(position string, nominal float64) float64 {
	if z, ok := in.focal[position]; ok {
		return z
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%d/%s", in.opts.Seed, position)
	offset := (float64(h.Sum64()%4001)/4000 - 0.5) * 0.04
	z := nominal + offset
	in.focal[position] = z
	return z
}

// Fail makes the next call of op ("move", "acquire" or "autofocus") return err.
func (in *Instrument) Fail(op string, err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.faults[op] = err
}

func (in *Instrument) fault(op string) error {
	err := in.faults[op]
	delete(in.faults, op)
	return err
}

func (in *Instrument) Position() model.Coords {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.pos
}

func (in *Instrument) Moves() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.moves
}

func (in *Instrument) MoveTo(ctx context.Context, c model.Coords) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in.mu.Lock()
	if err := in.fault("move"); err != nil {
		in.mu.Unlock()
		return err
	}
	in.pos = c
	in.moves++
	in.mu.Unlock()
	in.elapse(in.opts.MoveTime)
	return nil
}

func (in *Instrument) MoveZ(ctx context.Context, z float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in.mu.Lock()
	in.pos.Z = z
	in.mu.Unlock()
	in.elapse(in.opts.MoveTime / 5)
	return nil
}

// Run exposes every channel in order. Frame sharpness falls off with the
// distance between the stage z and the nearest registered focal plane.
func (in *Instrument) Run(ctx context.Context) (acquire.Acquisition, error) {
	if err := ctx.Err(); err != nil {
		return acquire.Acquisition{}, err
	}
	in.mu.Lock()
	if err := in.fault("acquire"); err != nil {
		in.mu.Unlock()
		return acquire.Acquisition{}, err
	}
	z := in.pos.Z
	blur := in.blurLocked(z)
	in.mu.Unlock()

	var acq acquire.Acquisition
	exposure := time.Duration(in.opts.ExposureMS * float64(time.Millisecond))
	for i := range in.opts.Channels {
		now := in.opts.Clock.Now()
		in.mu.Lock()
		frame := in.frameLocked(blur, uint16(1000*(i+1)))
		in.mu.Unlock()
		acq.Frames = append(acq.Frames, frame)
		acq.Exposures = append(acq.Exposures, in.opts.ExposureMS)
		if in.dropped(i) {
			acq.Timestamps = append(acq.Timestamps, nil)
		} else {
			tick := math.Round(float64(now.UnixNano()) / 1e9 * in.opts.TimestampHz)
			acq.Timestamps = append(acq.Timestamps, model.Float(tick))
		}
		in.elapse(exposure)
	}
	return acq, nil
}

// Autofocus sweeps req.Steps planes across req.RangeMM centred on
// req.StartZ, clamped to req.ZMax when it is set, and reports the plane
// with the highest simulated sharpness.
func (in *Instrument) Autofocus(ctx context.Context, req focus.Request) (focus.Result, error) {
	if err := ctx.Err(); err != nil {
		return focus.Result{}, err
	}
	in.mu.Lock()
	if err := in.fault("autofocus"); err != nil {
		in.mu.Unlock()
		return focus.Result{}, err
	}
	focal := in.focalLocked(req.Position, req.StartZ)
	in.mu.Unlock()

	steps := req.Steps
	if steps < 2 {
		steps = 2
	}
	lo := req.StartZ - req.RangeMM/2
	hi := req.StartZ + req.RangeMM/2
	if req.ZMax > 0 && hi > req.ZMax {
		hi = req.ZMax
		if lo > hi {
			lo = hi
		}
	}

	var res focus.Result
	best := -1.0
	for i := 0; i < steps; i++ {
		z := lo + (hi-lo)*float64(i)/float64(steps-1)
		in.mu.Lock()
		score := sharpness(z, focal) + in.rng.Float64()*1e-6
		var img *image.Gray16
		if req.ReturnImages {
			img = in.frameLocked(1-sharpness(z, focal), 1000)
		}
		in.mu.Unlock()
		res.Scores = append(res.Scores, focus.Score{Z: z, Score: score})
		if img != nil {
			res.Images = append(res.Images, img)
		}
		if score > best {
			best = score
			res.BestZ = z
		}
	}
	if len(res.Scores) == 0 {
		return focus.Result{}, fmt.Errorf("autofocus %s: empty sweep", req.Position)
	}

	speed := req.Speed
	if speed <= 0 {
		speed = 1
	}
	in.elapse(time.Duration((hi - lo) / speed * float64(time.Second)))
	return res, nil
}

func (in *Instrument) dropped(channel int) bool {
	for _, d := range in.opts.DropTimestamps {
		if d == channel {
			return true
		}
	}
	return false
}

// blurLocked is 0 at a focal plane and approaches 1 far from it.
func (in *Instrument) blurLocked(z float64) float64 {
	blur := 1.0
	for _, f := range in.focal {
		blur = math.Min(blur, 1-sharpness(z, f))
	}
	return blur
}

func (in *Instrument) frameLocked(blur float64, level uint16) *image.Gray16 {
	w, h := in.opts.Width, in.opts.Height
	img := image.NewGray16(image.Rect(0, 0, w, h))
	contrast := 4000 * (1 - blur)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := float64(level) + 100*in.rng.NormFloat64()
			if (x/8+y/8)%2 == 0 {
				v += contrast
			}
			v = math.Max(0, math.Min(v, math.MaxUint16))
			img.SetGray16(x, y, color.Gray16{Y: uint16(v)})
		}
	}
	return img
}

func (in *Instrument) elapse(d time.Duration) {
	if a, ok := in.opts.Clock.(interface{ Advance(time.Duration) }); ok {
		a.Advance(d)
	}
}

func sharpness(z, focal float64) float64 {
	d := (z - focal) / DepthOfField
	return 1 / (1 + d*d)
}
