// Package focus decides, per visit, whether to search for focus, reuse the
// last known focus or honour a manual override, and runs the search.
package focus

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/drew-sinha/rpc-scope/internal/clock"
	"github.com/drew-sinha/rpc-scope/internal/logging"
	"github.com/drew-sinha/rpc-scope/internal/model"
)

type Action int

const (
	ActionSearch Action = iota
	ActionReuse
	ActionOverride
)

func (a Action) String() string {
	switch a {
	case ActionReuse:
		return "reuse"
	case ActionOverride:
		return "override"
	default:
		return "search"
	}
}

// Source maps the action to the value recorded in visit metadata.
func (a Action) Source() model.FocusSource {
	switch a {
	case ActionReuse:
		return model.FocusReuse
	case ActionOverride:
		return model.FocusOverride
	default:
		return model.FocusSearch
	}
}

type Stage struct {
	Enabled bool
	RangeMM float64
	Steps   int
	Speed   float64
}

type Options struct {
	RefocusInterval time.Duration
	// UseLastPosition starts searches from the last known z instead of the
	// position's configured z.
	UseLastPosition bool
	Coarse          Stage
	Fine            Stage
	ZMax            float64
	MaskDir         string
}

// OptionsFromConfig builds Options from the focus section of cfg.
func OptionsFromConfig(cfg model.Config, zMax float64, maskDir string) Options {
	return Options{
		RefocusInterval: cfg.RefocusInterval(),
		UseLastPosition: cfg.Focus.UseLastFocusPosition,
		Coarse:          Stage(cfg.Focus.Coarse),
		Fine:            Stage(cfg.Focus.Fine),
		ZMax:            zMax,
		MaskDir:         maskDir,
	}
}

type Input struct {
	Position  model.Position
	History   []model.VisitRecord
	Now       time.Time
	Overrides model.ZUpdates
}

type Decision struct {
	Action Action
	// Z is the override or reused z, or the starting z of a search.
	Z           float64
	LastFocusAt time.Time
	OverrideAt  time.Time
}

// Decide is the pure focus policy.
//
// An override is honoured when the newest z update for the position is
// strictly newer than the last focus. Otherwise the last focus is reused
// until it is older than the refocus interval; a zero interval always
// searches.
func Decide(opts Options, in Input) Decision {
	lastZ, lastAt, found := model.LastFocus(in.History, in.Position.Coords.Z)

	if upd, ok := in.Overrides.Latest(in.Position.Name); ok && (!found || upd.At.After(lastAt)) {
		return Decision{Action: ActionOverride, Z: upd.Z, LastFocusAt: lastAt, OverrideAt: upd.At}
	}
	if found && opts.RefocusInterval > 0 && in.Now.Sub(lastAt) <= opts.RefocusInterval {
		return Decision{Action: ActionReuse, Z: lastZ, LastFocusAt: lastAt}
	}
	start := lastZ
	if !opts.UseLastPosition {
		start = in.Position.Coords.Z
	}
	return Decision{Action: ActionSearch, Z: start, LastFocusAt: lastAt}
}

// Autofocuser performs a z sweep and reports the sharpest plane.
type Autofocuser interface {
	Autofocus(ctx context.Context, req Request) (Result, error)
}

type Request struct {
	Position     string
	Coarse       bool
	StartZ       float64
	ZMax         float64
	RangeMM      float64
	Steps        int
	Speed        float64
	MaskPath     string
	ReturnImages bool
}

type Score struct {
	Z     float64
	Score float64
}

type Result struct {
	BestZ  float64
	Scores []Score
	Images []*image.Gray16
}

// ErrAutofocus wraps every failure of the autofocus collaborator.
var ErrAutofocus = errors.New("autofocus failed")

type Outcome struct {
	Action    Action
	Z         float64
	CoarseZ   *float64
	FocusedAt time.Time
	Scores    []Score
	Images    []*image.Gray16
}

type Policy struct {
	opts   Options
	af     Autofocuser
	clock  clock.Clock
	logger *logging.Logger
}

func NewPolicy(opts Options, af Autofocuser, clk clock.Clock, logger *logging.Logger) *Policy {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Policy{opts: opts, af: af, clock: clk, logger: logger.With("focus")}
}

func (p *Policy) Decide(in Input) Decision {
	return Decide(p.opts, in)
}

// Apply carries out d. Searches run the optional coarse stage then the
// fine stage; keepImages asks the autofocuser for the fine stack.
func (p *Policy) Apply(ctx context.Context, pos model.Position, d Decision, keepImages bool) (Outcome, error) {
	switch d.Action {
	case ActionOverride:
		p.logger.Infof("position=%s using override z=%.4f set at %s", pos.Name, d.Z, d.OverrideAt.Format(time.RFC3339))
		return Outcome{Action: d.Action, Z: d.Z, FocusedAt: p.clock.Now()}, nil
	case ActionReuse:
		p.logger.Debugf("position=%s reusing z=%.4f from %s", pos.Name, d.Z, d.LastFocusAt.Format(time.RFC3339))
		return Outcome{Action: d.Action, Z: d.Z}, nil
	}

	if p.af == nil {
		return Outcome{}, fmt.Errorf("%w: no autofocuser configured", ErrAutofocus)
	}
	mask := p.maskPath(pos.Name)
	start := d.Z
	out := Outcome{Action: ActionSearch}

	if p.opts.Coarse.Enabled {
		res, err := p.af.Autofocus(ctx, p.request(pos.Name, true, start, p.opts.Coarse, mask, false))
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: coarse position=%s: %w", ErrAutofocus, pos.Name, err)
		}
		coarse := res.BestZ
		out.CoarseZ = &coarse
		start = coarse
	}

	res, err := p.af.Autofocus(ctx, p.request(pos.Name, false, start, p.opts.Fine, mask, keepImages))
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: fine position=%s: %w", ErrAutofocus, pos.Name, err)
	}
	out.Z = res.BestZ
	out.FocusedAt = p.clock.Now()
	out.Scores = res.Scores
	out.Images = res.Images
	p.logger.Infof("position=%s focused z=%.4f (start %.4f, %d planes)", pos.Name, out.Z, d.Z, len(res.Scores))
	return out, nil
}

func (p *Policy) request(name string, coarse bool, start float64, st Stage, mask string, images bool) Request {
	return Request{
		Position:     name,
		Coarse:       coarse,
		StartZ:       start,
		ZMax:         p.opts.ZMax,
		RangeMM:      st.RangeMM,
		Steps:        st.Steps,
		Speed:        st.Speed,
		MaskPath:     mask,
		ReturnImages: images,
	}
}

func (p *Policy) maskPath(position string) string {
	if p.opts.MaskDir == "" {
		return ""
	}
	path := filepath.Join(p.opts.MaskDir, position+".png")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
