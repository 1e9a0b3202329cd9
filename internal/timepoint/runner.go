// Package timepoint runs one timepoint of an experiment end to end: it
// takes the run lock, wires the acquisition collaborators, drives the
// scheduler and records when the next timepoint is due.
package timepoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/drew-sinha/rpc-scope/internal/acquire"
	"github.com/drew-sinha/rpc-scope/internal/clock"
	"github.com/drew-sinha/rpc-scope/internal/events"
	"github.com/drew-sinha/rpc-scope/internal/experiment"
	"github.com/drew-sinha/rpc-scope/internal/focus"
	"github.com/drew-sinha/rpc-scope/internal/heartbeat"
	"github.com/drew-sinha/rpc-scope/internal/imageio"
	"github.com/drew-sinha/rpc-scope/internal/instrument/sim"
	"github.com/drew-sinha/rpc-scope/internal/journal"
	"github.com/drew-sinha/rpc-scope/internal/lock"
	"github.com/drew-sinha/rpc-scope/internal/logging"
	"github.com/drew-sinha/rpc-scope/internal/metadata"
	"github.com/drew-sinha/rpc-scope/internal/model"
	"github.com/drew-sinha/rpc-scope/internal/override"
	"github.com/drew-sinha/rpc-scope/internal/scheduler"
	"github.com/drew-sinha/rpc-scope/internal/telemetry"
)

// ErrAlreadyRunning is returned when another process holds the run lock.
var ErrAlreadyRunning = errors.New("a timepoint is already running for this experiment")

// Instrument is the hardware a timepoint drives.
type Instrument interface {
	acquire.Stage
	acquire.Sequencer
	focus.Autofocuser
}

type Option func(*Runner)

func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithInstrument replaces the driver selected by instrument.driver.
func WithInstrument(i Instrument) Option {
	return func(r *Runner) { r.instrument = i }
}

// WithLogWriter mirrors the acquisition log to w instead of stderr.
func WithLogWriter(w io.Writer) Option {
	return func(r *Runner) { r.logWriter = w }
}

// WithHeartbeatSink adds a sink next to the heartbeat file and socket.
func WithHeartbeatSink(s heartbeat.Sink) Option {
	return func(r *Runner) { r.sinks = append(r.sinks, s) }
}

// WithScheduledStart sets when this timepoint was due. It defaults to the
// experiment's recorded next_run_time, or the actual start.
func WithScheduledStart(t time.Time) Option {
	return func(r *Runner) { r.scheduled = t }
}

// WithDelay postpones the start of the timepoint by d.
func WithDelay(d time.Duration) Option {
	return func(r *Runner) { r.delay = d }
}

// WithSignals cancels the run on SIGINT and SIGTERM.
func WithSignals() Option {
	return func(r *Runner) { r.signals = true }
}

type Runner struct {
	dir        experiment.Dir
	clock      clock.Clock
	instrument Instrument
	logWriter  io.Writer
	sinks      []heartbeat.Sink
	scheduled  time.Time
	delay      time.Duration
	signals    bool
}

// Report describes a finished timepoint.
type Report struct {
	RunID      string
	Timepoint  string
	StartedAt  time.Time
	FinishedAt time.Time
	Summary    scheduler.Summary
	Images     int
	NextRun    time.Time
	HasNextRun bool
}

func New(dir experiment.Dir, opts ...Option) *Runner {
	r := &Runner{
		dir:       dir,
		clock:     clock.Real{},
		logWriter: os.Stderr,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run acquires one timepoint. Shutdown always runs: pending image writes
// are awaited, the next run time and run metrics are saved, and the lock is
// released. Every failure along the way is joined into the returned error.
func (r *Runner) Run(ctx context.Context) (rep Report, err error) {
	if r.signals {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
	}
	if r.delay > 0 {
		select {
		case <-r.clock.After(r.delay):
		case <-ctx.Done():
			return rep, ctx.Err()
		}
	}

	cfg, err := r.dir.LoadConfig()
	if err != nil {
		return rep, err
	}
	logger, logCloser, err := logging.OpenFile(r.dir.LogPath(), logging.ParseLevel(cfg.Logging.Level), r.logWriter)
	if err != nil {
		return rep, err
	}
	defer logCloser.Close()
	logger = logger.WithClock(r.clock.Now).With("timepoint")

	runLock := lock.NewFileLock(r.dir.RunLockPath())
	if err := runLock.TryLock(); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return rep, fmt.Errorf("%w: %v", ErrAlreadyRunning, err)
		}
		return rep, fmt.Errorf("run lock: %w", err)
	}
	defer func() {
		if uerr := runLock.Unlock(); uerr != nil {
			err = errors.Join(err, fmt.Errorf("release run lock: %w", uerr))
		}
	}()

	md, err := r.dir.LoadExperiment()
	if err != nil {
		return rep, err
	}
	if err := md.Validate(); err != nil {
		return rep, fmt.Errorf("invalid experiment metadata: %w", err)
	}
	expStart, _ := md.StartTime()
	started := r.clock.Now()
	scheduled := r.scheduled
	if scheduled.IsZero() && md.NextRunTime != nil {
		scheduled = model.FromUnixSeconds(*md.NextRunTime)
	}
	if scheduled.IsZero() {
		scheduled = started
	}
	rep.RunID = uuid.NewString()
	rep.StartedAt = started
	rep.Timepoint = md.BeginTimepoint(started)
	if err := r.dir.SaveExperiment(md); err != nil {
		return rep, err
	}
	logger.Infof("timepoint %s starting run=%s positions=%d", rep.Timepoint, rep.RunID, len(md.Positions))

	bus := events.NewBus(256)
	bus.SetClock(r.clock.Now)
	audit, err := events.NewAuditLogger(r.dir.AuditLogPath(), 0)
	if err != nil {
		return rep, fmt.Errorf("open audit log: %w", err)
	}
	audit.SetRunID(rep.RunID)
	audit.EnableChecksum(true)
	audit.Attach(bus, func(aerr error) { logger.Warnf("audit log: %v", aerr) })

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := telemetry.NewMetrics(provider)
	if err != nil {
		logger.Warnf("metrics disabled: %v", err)
		metrics = nil
	}

	overrides := override.NewFileSource(r.dir.ZUpdatesPath(), logger)
	if err := overrides.Reload(); err != nil {
		logger.Warnf("load overrides: %v", err)
	}
	if err := overrides.Watch(ctx); err != nil {
		logger.Warnf("overrides will not be reloaded during this run: %v", err)
	}

	hb := heartbeat.New(r.heartbeatSink(cfg, rep.RunID, logger),
		heartbeat.WithClock(r.clock),
		heartbeat.WithLogger(logger),
		heartbeat.WithMetrics(metrics),
		heartbeat.WithMaxChunk(cfg.MaxChunk()),
	)

	inst := r.instrument
	if inst == nil {
		inst = sim.New(sim.Options{
			Seed:        uint64(cfg.Instrument.Seed),
			Channels:    cfg.Acquisition.Channels,
			TimestampHz: cfg.Acquisition.TimestampHz,
			Clock:       r.clock,
		})
	}

	writer := imageio.NewWriter(cfg.Writer.Workers, logger)
	executor := acquire.NewExecutor(acquire.Options{
		Root:        r.dir.Root,
		Timepoint:   rep.Timepoint,
		Channels:    cfg.Acquisition.Channels,
		Compression: cfg.Acquisition.Compression,
		TimestampHz: cfg.Acquisition.TimestampHz,
	}, acquire.Deps{
		Stage:     inst,
		Sequencer: inst,
		Focus:     focus.NewPolicy(focus.OptionsFromConfig(cfg, md.ZMax, r.dir.MaskDir()), inst, r.clock, logger),
		Dark:      imageio.OffsetCorrector{Offset: cfg.Acquisition.DarkOffset, RatePerMS: cfg.Acquisition.DarkRatePerMS},
		Writer:    writer,
		History:   metadata.NewStore(r.dir.Root, logger),
		Overrides: overrides,
		Beater:    hb,
		Events:    bus,
		Metrics:   metrics,
		Clock:     r.clock,
		Logger:    logger,
	})

	schedOpts := []scheduler.Option{
		scheduler.WithClock(r.clock),
		scheduler.WithLogger(logger),
		scheduler.WithEvents(bus),
	}
	var jrnl *journal.Store
	if cfg.Journal.Enabled {
		jrnl, err = openJournal(ctx, r.dir.Resolve(cfg.Journal.Path))
		if err != nil {
			logger.Warnf("visit journal disabled: %v", err)
		} else {
			schedOpts = append(schedOpts, scheduler.WithJournal(jrnl))
		}
	}

	sched := scheduler.New(scheduler.Options{
		RunID:           rep.RunID,
		Timepoint:       rep.Timepoint,
		Positions:       md.Positions,
		Skip:            md.SkipPositions,
		SaveFocusStacks: md.SaveFocusStacks,
		MaxVisits:       cfg.Revisit.MaxVisits,
		RevisitInterval: cfg.RevisitInterval(),
		DevelopmentTime: cfg.DevelopmentTime(),
		ExperimentStart: expStart,
	}, executor, hb, schedOpts...)

	bus.Publish(events.EventTimepointStarted, map[string]any{"timepoint": rep.Timepoint, "run_id": rep.RunID})
	hb.Signal(ctx)
	rep.Summary, err = sched.Run(ctx)
	if err != nil {
		logger.Errorf("timepoint %s aborted in state %s: %v", rep.Timepoint, sched.State(), err)
	}
	errs := []error{err}

	// Writes already accepted finish even when the run was cancelled.
	if n := len(writer.Outstanding()); n > 0 {
		logger.Infof("waiting for %d image writes", n)
	}
	if werr := writer.Close(context.Background()); werr != nil {
		logger.Errorf("image writes failed: %v", werr)
		errs = append(errs, fmt.Errorf("image writes: %w", werr))
	}
	rep.Images = writer.Written()
	rep.FinishedAt = r.clock.Now()

	next, ok, nerr := model.NextRunTime(cfg.Schedule.IntervalMode, cfg.RunInterval(), model.RunTimes{
		Scheduled: scheduled,
		Started:   started,
		Ended:     rep.FinishedAt,
	})
	switch {
	case nerr != nil:
		errs = append(errs, nerr)
	case ok:
		rep.NextRun, rep.HasNextRun = next, true
		md.NextRunTime = model.Float(model.UnixSeconds(next))
	default:
		md.NextRunTime = nil
	}
	if serr := r.dir.SaveExperiment(md); serr != nil {
		errs = append(errs, serr)
	}

	if merr := r.writeMetrics(reader, rep, hb); merr != nil {
		logger.Warnf("run metrics: %v", merr)
	}
	if jrnl != nil {
		if jerr := jrnl.Close(); jerr != nil {
			logger.Warnf("close journal: %v", jerr)
		}
	}
	if oerr := overrides.Close(); oerr != nil {
		logger.Warnf("close override watcher: %v", oerr)
	}
	_ = provider.Shutdown(context.Background())

	bus.Publish(events.EventTimepointFinished, map[string]any{
		"timepoint": rep.Timepoint,
		"run_id":    rep.RunID,
		"images":    rep.Images,
		"ok":        err == nil,
	})
	bus.Close()
	if aerr := audit.Close(); aerr != nil {
		logger.Warnf("close audit log: %v", aerr)
	} else if total, valid, verr := events.VerifyLogIntegrity(audit.Path()); verr == nil && valid < total {
		logger.Warnf("audit log %s: %d of %d entries fail their checksum", audit.Path(), total-valid, total)
	}

	if rep.HasNextRun {
		logger.Infof("timepoint %s finished: %d visits, %d images, next run %s",
			rep.Timepoint, len(rep.Summary.Visits), rep.Images, rep.NextRun.Format(time.RFC3339))
	} else {
		logger.Infof("timepoint %s finished: %d visits, %d images, no further runs",
			rep.Timepoint, len(rep.Summary.Visits), rep.Images)
	}
	return rep, errors.Join(errs...)
}

// heartbeatSink fans beats out to the heartbeat file, the watchdog socket
// when a watchdog is listening, and any extra sinks.
func (r *Runner) heartbeatSink(cfg model.Config, runID string, logger *logging.Logger) heartbeat.Sink {
	var sinks heartbeat.MultiSink
	if path := r.dir.Resolve(cfg.Heartbeat.File); path != "" {
		sinks = append(sinks, &heartbeat.FileSink{Path: path, RunID: runID})
	}
	socket := r.dir.SocketPath(cfg)
	if _, err := os.Stat(socket); err == nil {
		sinks = append(sinks, heartbeat.NewSocketSink(socket, runID))
	} else {
		logger.Infof("no watchdog socket at %s; beats go to the heartbeat file only", socket)
	}
	return append(sinks, r.sinks...)
}

func (r *Runner) writeMetrics(reader *sdkmetric.ManualReader, rep Report, hb *heartbeat.Heartbeat) error {
	snap, err := telemetry.Collect(context.Background(), reader)
	if err != nil {
		return err
	}
	snap.RunID = rep.RunID
	snap.Timepoint = rep.Timepoint
	snap.StartedAt = rep.StartedAt.UTC().Format(time.RFC3339)
	snap.FinishedAt = rep.FinishedAt.UTC().Format(time.RFC3339)
	if last, n := hb.Last(); n > 0 {
		s := last.UTC().Format(time.RFC3339Nano)
		snap.LastHeartbeat = &s
	}
	return telemetry.WriteSnapshot(r.dir.MetricsPath(), snap)
}

func openJournal(ctx context.Context, path string) (*journal.Store, error) {
	j, err := journal.Open(path)
	if err != nil {
		return nil, err
	}
	if err := j.Migrate(ctx); err != nil {
		_ = j.Close()
		return nil, err
	}
	return j, nil
}
