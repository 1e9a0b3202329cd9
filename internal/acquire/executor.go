// Package acquire performs a single visit to a position: move, focus,
// acquire, correct, hand frames to the writer and, on the final visit of a
// timepoint, persist the accumulated record.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"path/filepath"
	"time"

	"github.com/drew-sinha/rpc-scope/internal/clock"
	"github.com/drew-sinha/rpc-scope/internal/events"
	"github.com/drew-sinha/rpc-scope/internal/focus"
	"github.com/drew-sinha/rpc-scope/internal/imageio"
	"github.com/drew-sinha/rpc-scope/internal/logging"
	"github.com/drew-sinha/rpc-scope/internal/model"
	"github.com/drew-sinha/rpc-scope/internal/override"
	"github.com/drew-sinha/rpc-scope/internal/telemetry"
	yamlutil "github.com/drew-sinha/rpc-scope/internal/yaml"
)

// ErrChannelMismatch is returned when the sequencer produces a different
// number of frames than there are configured channels.
var ErrChannelMismatch = errors.New("frame count does not match channels")

// Stage moves the sample.
type Stage interface {
	MoveTo(ctx context.Context, c model.Coords) error
	MoveZ(ctx context.Context, z float64) error
}

// Acquisition is one run of the channel sequence. Timestamps are camera
// ticks; a nil entry means the camera did not report one.
type Acquisition struct {
	Frames     []*image.Gray16
	Exposures  []float64
	Timestamps []*float64
}

type Sequencer interface {
	Run(ctx context.Context) (Acquisition, error)
}

type DarkCorrector interface {
	Correct(frame *image.Gray16, exposureMS float64) *image.Gray16
}

type ImageWriter interface {
	Write(frames []image.Image, paths []string, c model.Compression) ([]*imageio.Handle, error)
}

// History is the per-position metadata store.
type History interface {
	Load(position string) (model.PositionMetadata, error)
	Append(position string, rec model.VisitRecord) error
}

type FocusPolicy interface {
	Decide(in focus.Input) focus.Decision
	Apply(ctx context.Context, pos model.Position, d focus.Decision, keepImages bool) (focus.Outcome, error)
}

type Beater interface {
	Signal(ctx context.Context)
}

type Publisher interface {
	Publish(t events.EventType, data map[string]any)
}

type Options struct {
	Root        string
	Timepoint   string
	Channels    []string
	Compression model.Compression
	TimestampHz float64
}

type Deps struct {
	Stage     Stage
	Sequencer Sequencer
	Focus     FocusPolicy
	Dark      DarkCorrector
	Writer    ImageWriter
	History   History
	Overrides override.Source
	Beater    Beater
	Events    Publisher
	Metrics   *telemetry.Metrics
	Clock     clock.Clock
	Logger    *logging.Logger
}

type Request struct {
	Position model.Position
	// Coords is where to go; revisits carry the z chosen on the previous visit.
	Coords model.Coords
	Visit  int
	// Final marks the last visit of the cycle; only then is the record saved.
	Final bool
	// Prior is the record accumulated by earlier visits of this cycle.
	Prior          *model.VisitRecord
	SaveFocusStack bool
}

type Result struct {
	Record model.VisitRecord
	// LastImageTime is the wall-clock time of the last channel's exposure.
	LastImageTime time.Time
}

type Executor struct {
	opts Options
	deps Deps
	log  *logging.Logger
}

func NewExecutor(opts Options, deps Deps) *Executor {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Overrides == nil {
		deps.Overrides = override.Static{}
	}
	if opts.TimestampHz <= 0 {
		opts.TimestampHz = 1
	}
	return &Executor{opts: opts, deps: deps, log: deps.Logger.With("acquire")}
}

// RunVisit performs one visit. Any error aborts the run; the caller must
// not continue with other positions.
func (e *Executor) RunVisit(ctx context.Context, req Request) (Result, error) {
	pos := req.Position.Name
	if req.Visit < 1 {
		return Result{}, fmt.Errorf("position %s: visit index %d", pos, req.Visit)
	}
	started := e.deps.Clock.Now()
	step := started
	lap := func(name string) {
		now := e.deps.Clock.Now()
		e.log.Debugf("position=%s visit=%d %s took %s", pos, req.Visit, name, now.Sub(step).Round(time.Millisecond))
		step = now
	}
	e.log.Infof("position=%s visit=%d start", pos, req.Visit)

	if err := e.deps.Stage.MoveTo(ctx, req.Coords); err != nil {
		return Result{}, fmt.Errorf("position %s: move stage: %w", pos, err)
	}
	e.publish(events.EventPositionMoved, req, map[string]any{"x": req.Coords.X, "y": req.Coords.Y, "z": req.Coords.Z})
	lap("move")

	outcome, err := e.focus(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if err := e.deps.Stage.MoveZ(ctx, outcome.Z); err != nil {
		return Result{}, fmt.Errorf("position %s: move to focus z: %w", pos, err)
	}
	lap("focus")

	acqStart := e.deps.Clock.Now()
	acq, err := e.deps.Sequencer.Run(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("position %s: acquire: %w", pos, err)
	}
	if len(acq.Frames) != len(e.opts.Channels) || len(acq.Timestamps) != len(acq.Frames) {
		return Result{}, fmt.Errorf("%w: position %s got %d frames, %d timestamps for %d channels",
			ErrChannelMismatch, pos, len(acq.Frames), len(acq.Timestamps), len(e.opts.Channels))
	}
	lap("acquire")

	offsets, missing := RelativeTimestamps(acq.Timestamps, e.opts.TimestampHz)
	if missing > 0 {
		e.log.Warnf("position=%s visit=%d camera reported no timestamp for %d of %d channels", pos, req.Visit, missing, len(offsets))
		e.deps.Metrics.RecordMissingTimestamps(ctx, missing)
	}
	lastImage := acqStart
	if n := len(offsets); n > 0 && !math.IsNaN(offsets[n-1]) {
		lastImage = acqStart.Add(time.Duration(offsets[n-1] * float64(time.Second)))
	}

	handles, err := e.write(req, acq)
	if err != nil {
		return Result{}, err
	}
	e.publish(events.EventImagesAcquired, req, map[string]any{"channels": len(handles), "missing_timestamps": missing})
	lap("write")

	if _, err := e.saveFocusStack(req, outcome); err != nil {
		return Result{}, err
	}

	rec := e.buildRecord(req, outcome, acqStart, offsets)
	if req.Final {
		if err := e.deps.History.Append(pos, rec); err != nil {
			return Result{}, fmt.Errorf("position %s: save metadata: %w", pos, err)
		}
		e.publish(events.EventVisitSaved, req, map[string]any{"passes": len(rec.Passes)})
		lap("save")
	}

	if e.deps.Beater != nil {
		e.deps.Beater.Signal(ctx)
	}
	elapsed := e.deps.Clock.Now().Sub(started)
	e.deps.Metrics.RecordVisit(ctx, req.Visit, req.Final, elapsed)
	e.log.Infof("position=%s visit=%d done z=%.4f focus=%s final=%t in %s",
		pos, req.Visit, outcome.Z, outcome.Action, req.Final, elapsed.Round(time.Millisecond))

	return Result{Record: rec, LastImageTime: lastImage}, nil
}

func (e *Executor) focus(ctx context.Context, req Request) (focus.Outcome, error) {
	pos := req.Position.Name
	md, err := e.deps.History.Load(pos)
	if err != nil {
		return focus.Outcome{}, fmt.Errorf("position %s: load history: %w", pos, err)
	}
	history := md.Records
	if req.Prior != nil && req.Prior.FineZ != nil {
		history = append(history[:len(history):len(history)], *req.Prior)
	}

	decision := e.deps.Focus.Decide(focus.Input{
		Position:  req.Position,
		History:   history,
		Now:       e.deps.Clock.Now(),
		Overrides: e.deps.Overrides.ZUpdates(),
	})
	keepImages := req.SaveFocusStack && req.Visit == 1
	outcome, err := e.deps.Focus.Apply(ctx, req.Position, decision, keepImages)
	if err != nil {
		return focus.Outcome{}, fmt.Errorf("position %s: %w", pos, err)
	}

	e.deps.Metrics.RecordFocus(ctx, decision.Action.String())
	data := map[string]any{"action": decision.Action.String(), "z": outcome.Z}
	if decision.Action == focus.ActionOverride {
		data["override_at"] = decision.OverrideAt.UTC().Format(time.RFC3339Nano)
		e.publish(events.EventOverrideApplied, req, map[string]any{"z": outcome.Z})
	}
	e.publish(events.EventFocusDecided, req, data)
	return outcome, nil
}

func (e *Executor) write(req Request, acq Acquisition) ([]*imageio.Handle, error) {
	frames := make([]image.Image, len(acq.Frames))
	paths := make([]string, len(acq.Frames))
	dir := filepath.Join(e.opts.Root, req.Position.Name)
	for i, frame := range acq.Frames {
		corrected := frame
		if e.deps.Dark != nil {
			var exposure float64
			if i < len(acq.Exposures) {
				exposure = acq.Exposures[i]
			}
			corrected = e.deps.Dark.Correct(frame, exposure)
		}
		frames[i] = corrected
		paths[i] = filepath.Join(dir, ImageName(e.opts.Timepoint, e.opts.Channels[i], req.Visit))
	}
	handles, err := e.deps.Writer.Write(frames, paths, e.opts.Compression)
	if err != nil {
		return nil, fmt.Errorf("position %s: queue image writes: %w", req.Position.Name, err)
	}
	return handles, nil
}

func (e *Executor) saveFocusStack(req Request, outcome focus.Outcome) ([]*imageio.Handle, error) {
	if !req.SaveFocusStack || req.Visit != 1 || outcome.Action != focus.ActionSearch || len(outcome.Scores) == 0 {
		return nil, nil
	}
	dir := filepath.Join(e.opts.Root, req.Position.Name, e.opts.Timepoint+" focus")
	if err := yamlutil.AtomicWrite(filepath.Join(dir, "focus_data.yaml"), focus.NewData(outcome.Scores)); err != nil {
		return nil, fmt.Errorf("position %s: save focus data: %w", req.Position.Name, err)
	}
	if len(outcome.Images) == 0 {
		return nil, nil
	}
	frames := make([]image.Image, len(outcome.Images))
	paths := make([]string, len(outcome.Images))
	for i, img := range outcome.Images {
		frames[i] = img
		paths[i] = filepath.Join(dir, fmt.Sprintf("%03d.png", i))
	}
	handles, err := e.deps.Writer.Write(frames, paths, e.opts.Compression)
	if err != nil {
		return nil, fmt.Errorf("position %s: queue focus stack writes: %w", req.Position.Name, err)
	}
	return handles, nil
}

// buildRecord returns a new record: a clone of the prior one with this
// visit's pass appended, or a fresh record on visit 1.
func (e *Executor) buildRecord(req Request, outcome focus.Outcome, acqStart time.Time, offsets []float64) model.VisitRecord {
	var rec model.VisitRecord
	if req.Prior != nil {
		rec = req.Prior.Clone()
	} else {
		rec = model.VisitRecord{
			Timepoint: e.opts.Timepoint,
			Timestamp: model.UnixSeconds(acqStart),
		}
	}

	stamps := make(map[string]float64, len(offsets))
	for i, ch := range e.opts.Channels {
		stamps[ch] = offsets[i]
	}
	if rec.ImageTimestamps == nil {
		rec.ImageTimestamps = stamps
	}

	rec.Visit = req.Visit
	if outcome.Action == focus.ActionReuse {
		if rec.FocusSource == "" {
			rec.FocusSource = model.FocusReuse
		}
	} else {
		rec.FocusSource = outcome.Action.Source()
		rec.FineZ = model.Float(outcome.Z)
		rec.FocusTimestamp = model.Float(model.UnixSeconds(outcome.FocusedAt))
		rec.CoarseZ = nil
		if outcome.CoarseZ != nil {
			rec.CoarseZ = model.Float(*outcome.CoarseZ)
		}
	}
	rec.Passes = append(rec.Passes, model.Pass{
		Visit:           req.Visit,
		Timestamp:       model.UnixSeconds(acqStart),
		Z:               outcome.Z,
		ImageTimestamps: stamps,
	})
	return rec
}

func (e *Executor) publish(t events.EventType, req Request, data map[string]any) {
	if e.deps.Events == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["timepoint"] = e.opts.Timepoint
	data["position"] = req.Position.Name
	data["visit"] = req.Visit
	e.deps.Events.Publish(t, data)
}

// ImageName is the file name of one channel image of a visit.
func ImageName(timepoint, channel string, visit int) string {
	return fmt.Sprintf("%s %s_%d.png", timepoint, channel, visit)
}
