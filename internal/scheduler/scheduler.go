// Package scheduler drives one timepoint: a sweep of primary visits over
// every position, interleaved with revisits as they fall due, then a final
// drain of the revisit queue with heartbeat-chunked waits.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/drew-sinha/rpc-scope/internal/acquire"
	"github.com/drew-sinha/rpc-scope/internal/clock"
	"github.com/drew-sinha/rpc-scope/internal/events"
	"github.com/drew-sinha/rpc-scope/internal/journal"
	"github.com/drew-sinha/rpc-scope/internal/logging"
	"github.com/drew-sinha/rpc-scope/internal/model"
)

var (
	// ErrEarlyVisit means a revisit was about to start before its eligible time.
	ErrEarlyVisit = errors.New("revisit started before eligible time")
	// ErrVisitLimitExceeded means a visit index above the configured maximum was requested.
	ErrVisitLimitExceeded = errors.New("visit limit exceeded")
	ErrNoPositions        = errors.New("no positions to visit")
)

type State int

const (
	SweepPrimary State = iota
	DrainQueueInterleaved
	FinalDrain
	Done
)

func (s State) String() string {
	switch s {
	case SweepPrimary:
		return "sweep_primary"
	case DrainQueueInterleaved:
		return "drain_queue_interleaved"
	case FinalDrain:
		return "final_drain"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Visitor runs one visit. It signals the heartbeat before returning.
type Visitor interface {
	RunVisit(ctx context.Context, req acquire.Request) (acquire.Result, error)
}

type Beater interface {
	WaitUntil(ctx context.Context, deadline time.Time) error
}

type Journal interface {
	RecordVisit(ctx context.Context, e journal.Entry) (string, error)
}

type Publisher interface {
	Publish(t events.EventType, data map[string]any)
}

type Options struct {
	RunID     string
	Timepoint string
	Positions map[string]model.Coords
	Skip      []string
	// SaveFocusStacks lists positions whose first-visit focus stack is kept.
	SaveFocusStacks []string
	MaxVisits       int
	RevisitInterval time.Duration
	DevelopmentTime time.Duration
	// ExperimentStart is the first timepoint of the experiment. Zero means
	// this run is the first.
	ExperimentStart time.Time
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l.With("scheduler") }
}

// WithJournal records every visit. Journal failures are logged, never fatal.
func WithJournal(j Journal) Option {
	return func(s *Scheduler) { s.journal = j }
}

func WithEvents(p Publisher) Option {
	return func(s *Scheduler) { s.events = p }
}

// VisitLog is one completed visit, in execution order.
type VisitLog struct {
	Position   string
	Visit      int
	StartedAt  time.Time
	FinishedAt time.Time
	Final      bool
}

type Summary struct {
	VisitsPerPosition map[string]int
	PrimaryVisits     int
	Revisits          int
	Skipped           []string
	Waited            time.Duration
	Visits            []VisitLog
}

type Scheduler struct {
	opts    Options
	visitor Visitor
	beater  Beater
	clock   clock.Clock
	logger  *logging.Logger
	journal Journal
	events  Publisher

	queue   *Queue
	records map[string]*model.VisitRecord
	summary Summary

	mu    sync.Mutex
	state State
}

func New(opts Options, visitor Visitor, beater Beater, options ...Option) *Scheduler {
	if opts.MaxVisits <= 0 {
		opts.MaxVisits = 1
	}
	s := &Scheduler{
		opts:    opts,
		visitor: visitor,
		beater:  beater,
		clock:   clock.Real{},
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.logger.Debugf("state %s -> %s", prev, st)
	}
}

// Run executes the timepoint. Any visit error stops the run immediately and
// is returned together with the summary so far. Cancelling ctx stops the run
// between visits or at the next wait chunk.
func (s *Scheduler) Run(ctx context.Context) (Summary, error) {
	positions := model.SortedPositions(s.opts.Positions)
	if len(positions) == 0 {
		return Summary{}, ErrNoPositions
	}
	s.queue = NewQueue(s.opts.MaxVisits)
	s.records = make(map[string]*model.VisitRecord)
	s.summary = Summary{VisitsPerPosition: make(map[string]int)}
	s.setState(SweepPrimary)

	s.logger.Infof("timepoint %s: %d positions, max visits %d, past development=%t",
		s.opts.Timepoint, len(positions), s.opts.MaxVisits, s.pastDevelopment())

	for _, pos := range positions {
		for {
			e, ok := s.queue.PopDue(s.clock.Now())
			if !ok {
				break
			}
			s.setState(DrainQueueInterleaved)
			if err := s.revisit(ctx, e); err != nil {
				return s.summary, err
			}
		}
		s.setState(SweepPrimary)

		if slices.Contains(s.opts.Skip, pos.Name) {
			s.logger.Infof("position=%s skipped", pos.Name)
			s.summary.Skipped = append(s.summary.Skipped, pos.Name)
			continue
		}
		if err := s.visit(ctx, pos, pos.Coords, 1); err != nil {
			return s.summary, err
		}
		s.summary.PrimaryVisits++
	}

	s.setState(FinalDrain)
	for {
		e, ok := s.queue.Pop()
		if !ok {
			break
		}
		waitStart := s.clock.Now()
		if err := s.beater.WaitUntil(ctx, e.EligibleAt); err != nil {
			s.summary.Waited += s.clock.Now().Sub(waitStart)
			return s.summary, err
		}
		s.summary.Waited += s.clock.Now().Sub(waitStart)
		if err := s.revisit(ctx, e); err != nil {
			return s.summary, err
		}
	}

	s.setState(Done)
	s.logger.Infof("timepoint %s done: %d primary visits, %d revisits, waited %s",
		s.opts.Timepoint, s.summary.PrimaryVisits, s.summary.Revisits, s.summary.Waited.Round(time.Second))
	return s.summary, nil
}

func (s *Scheduler) revisit(ctx context.Context, e Entry) error {
	if now := s.clock.Now(); now.Before(e.EligibleAt) {
		return fmt.Errorf("%w: position %s visit %d at %s, eligible %s",
			ErrEarlyVisit, e.Position.Name, e.VisitsDone+1, now.Format(time.RFC3339Nano), e.EligibleAt.Format(time.RFC3339Nano))
	}
	if err := s.visit(ctx, e.Position, e.Coords, e.VisitsDone+1); err != nil {
		return err
	}
	s.summary.Revisits++
	return nil
}

func (s *Scheduler) visit(ctx context.Context, pos model.Position, coords model.Coords, n int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n > s.opts.MaxVisits {
		return fmt.Errorf("%w: position %s visit %d of %d", ErrVisitLimitExceeded, pos.Name, n, s.opts.MaxVisits)
	}
	// The development threshold is checked before every primary visit, so
	// a sweep that crosses it starts revisiting the remaining positions.
	final := n == s.opts.MaxVisits || (n == 1 && !s.pastDevelopment())

	req := acquire.Request{
		Position:       pos,
		Coords:         coords,
		Visit:          n,
		Final:          final,
		SaveFocusStack: slices.Contains(s.opts.SaveFocusStacks, pos.Name),
	}
	if n > 1 {
		req.Prior = s.records[pos.Name]
	}

	started := s.clock.Now()
	res, err := s.visitor.RunVisit(ctx, req)
	if err != nil {
		return fmt.Errorf("position %s visit %d: %w", pos.Name, n, err)
	}
	finished := s.clock.Now()

	s.summary.VisitsPerPosition[pos.Name]++
	s.summary.Visits = append(s.summary.Visits, VisitLog{Position: pos.Name, Visit: n, StartedAt: started, FinishedAt: finished, Final: final})
	s.journalVisit(ctx, res.Record, pos.Name, n, final, started, finished)

	if final {
		delete(s.records, pos.Name)
		return nil
	}
	rec := res.Record
	s.records[pos.Name] = &rec

	z := coords.Z
	if k := len(rec.Passes); k > 0 {
		z = rec.Passes[k-1].Z
	}
	next := Entry{
		Position:   pos,
		Coords:     coords.WithZ(z),
		EligibleAt: res.LastImageTime.Add(s.opts.RevisitInterval),
		VisitsDone: n,
	}
	if s.queue.Enqueue(next) {
		s.logger.Debugf("position=%s visit %d eligible at %s", pos.Name, n+1, next.EligibleAt.Format(time.RFC3339))
		s.publish(events.EventRevisitEnqueued, map[string]any{
			"position":    pos.Name,
			"visit":       n + 1,
			"eligible_at": next.EligibleAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return nil
}

func (s *Scheduler) pastDevelopment() bool {
	now := s.clock.Now()
	start := s.opts.ExperimentStart
	if start.IsZero() {
		start = now
	}
	return now.Sub(start) > s.opts.DevelopmentTime
}

func (s *Scheduler) journalVisit(ctx context.Context, rec model.VisitRecord, pos string, n int, final bool, started, finished time.Time) {
	if s.journal == nil {
		return
	}
	e := journal.Entry{
		RunID:       s.opts.RunID,
		Timepoint:   s.opts.Timepoint,
		Position:    pos,
		Visit:       n,
		Final:       final,
		FocusSource: string(rec.FocusSource),
		StartedAt:   started,
		FinishedAt:  finished,
	}
	if k := len(rec.Passes); k > 0 {
		e.Z = rec.Passes[k-1].Z
	}
	if _, err := s.journal.RecordVisit(ctx, e); err != nil {
		s.logger.Warnf("journal position=%s visit=%d: %v", pos, n, err)
	}
}

func (s *Scheduler) publish(t events.EventType, data map[string]any) {
	if s.events == nil {
		return
	}
	data["timepoint"] = s.opts.Timepoint
	s.events.Publish(t, data)
}
