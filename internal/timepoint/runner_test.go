package timepoint

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drew-sinha/rpc-scope/internal/acquire"
	"github.com/drew-sinha/rpc-scope/internal/clock"
	"github.com/drew-sinha/rpc-scope/internal/events"
	"github.com/drew-sinha/rpc-scope/internal/experiment"
	"github.com/drew-sinha/rpc-scope/internal/heartbeat"
	"github.com/drew-sinha/rpc-scope/internal/instrument/sim"
	"github.com/drew-sinha/rpc-scope/internal/journal"
	"github.com/drew-sinha/rpc-scope/internal/lock"
	"github.com/drew-sinha/rpc-scope/internal/logging"
	"github.com/drew-sinha/rpc-scope/internal/metadata"
	"github.com/drew-sinha/rpc-scope/internal/model"
	"github.com/drew-sinha/rpc-scope/internal/telemetry"
	yamlutil "github.com/drew-sinha/rpc-scope/internal/yaml"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const revisitConfig = `revisit:
  interval_min: 3
  max_visits: 2
  development_time_hours: 45
acquisition:
  channels: [bf, gfp]
schedule:
  interval_hours: 3
`

type beatRecorder struct {
	mu    sync.Mutex
	beats []time.Time
}

func (b *beatRecorder) Beat(_ context.Context, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.beats = append(b.beats, at)
	return nil
}

func (b *beatRecorder) times() []time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]time.Time(nil), b.beats...)
}

// newExperiment creates an experiment with positions a and b. When
// started is non-zero a previous timepoint is recorded at that time.
func newExperiment(t *testing.T, config string, started time.Time) experiment.Dir {
	t.Helper()
	dir := experiment.Dir{Root: t.TempDir()}
	md := model.NewExperimentMetadata()
	md.Positions["a"] = model.Coords{X: 1, Y: 1, Z: 24}
	md.Positions["b"] = model.Coords{X: 2, Y: 1, Z: 24.1}
	md.ZMax = 26
	if !started.IsZero() {
		md.BeginTimepoint(started)
	}
	require.NoError(t, dir.SaveExperiment(md))
	require.NoError(t, os.WriteFile(dir.ConfigPath(), []byte(config), 0644))
	return dir
}

func newRunner(dir experiment.Dir, clk *clock.Fake, opts ...Option) *Runner {
	return New(dir, append([]Option{WithClock(clk), WithLogWriter(io.Discard)}, opts...)...)
}

func TestRun_WithRevisits(t *testing.T) {
	dir := newExperiment(t, revisitConfig, base.Add(-50*time.Hour))
	clk := clock.NewFake(base)
	beats := &beatRecorder{}

	rep, err := newRunner(dir, clk, WithHeartbeatSink(beats)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "2026-03-01t0900", rep.Timepoint)
	assert.NotEmpty(t, rep.RunID)
	assert.Len(t, rep.Summary.Visits, 4)
	assert.Equal(t, map[string]int{"a": 2, "b": 2}, rep.Summary.VisitsPerPosition)
	assert.Equal(t, 2, rep.Summary.Revisits)
	assert.Equal(t, 8, rep.Images)

	for _, pos := range []string{"a", "b"} {
		for visit := 1; visit <= 2; visit++ {
			for _, ch := range []string{"bf", "gfp"} {
				assert.FileExists(t, filepath.Join(dir.PositionDir(pos), acquire.ImageName(rep.Timepoint, ch, visit)))
			}
		}
	}

	store := metadata.NewStore(dir.Root, logging.Discard())
	pm, err := store.Load("a")
	require.NoError(t, err)
	require.Len(t, pm.Records, 1)
	rec := pm.Records[0]
	assert.Equal(t, rep.Timepoint, rec.Timepoint)
	require.Len(t, rec.Passes, 2)
	assert.GreaterOrEqual(t, rec.Passes[1].Timestamp-rec.Passes[0].Timestamp, 180.0)
	require.NotNil(t, rec.FineZ)

	md, err := dir.LoadExperiment()
	require.NoError(t, err)
	assert.Len(t, md.Timepoints, 2)
	require.NotNil(t, md.NextRunTime)
	assert.WithinDuration(t, base.Add(3*time.Hour), model.FromUnixSeconds(*md.NextRunTime), time.Millisecond)
	assert.True(t, rep.HasNextRun)

	var snap telemetry.Snapshot
	require.NoError(t, yamlutil.ReadDocument(dir.MetricsPath(), yamlutil.FileTypeRunMetrics, &snap))
	assert.Equal(t, rep.RunID, snap.RunID)
	assert.Equal(t, int64(4), snap.Counters[telemetry.MetricVisits])
	assert.NotNil(t, snap.LastHeartbeat)

	j, err := journal.Open(dir.Resolve("state/journal.db"))
	require.NoError(t, err)
	defer j.Close()
	entries, err := j.ListVisits(context.Background(), rep.Timepoint, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	audit, err := os.ReadFile(dir.AuditLogPath())
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(audit), `"event_type":"visit_saved"`))
	assert.Equal(t, 1, strings.Count(string(audit), `"event_type":"timepoint_finished"`))
	total, valid, err := events.VerifyLogIntegrity(dir.AuditLogPath())
	require.NoError(t, err)
	assert.Positive(t, total)
	assert.Equal(t, total, valid)

	hb, _, err := heartbeat.ReadFile(dir.Resolve("state/heartbeat.yaml"))
	require.NoError(t, err)
	assert.Equal(t, rep.RunID, hb.RunID)

	times := beats.times()
	require.NotEmpty(t, times)
	for i := 1; i < len(times); i++ {
		assert.Less(t, times[i].Sub(times[i-1]), time.Minute, "beat %d", i)
	}

	logData, err := os.ReadFile(dir.LogPath())
	require.NoError(t, err)
	assert.Contains(t, string(logData), "timepoint 2026-03-01t0900 finished")

	assert.False(t, lock.Held(dir.RunLockPath()))
}

func TestRun_HistoryAcrossTimepoints(t *testing.T) {
	dir := newExperiment(t, revisitConfig, base.Add(-50*time.Hour))
	clk := clock.NewFake(base)

	var timepoints []string
	for i := 0; i < 3; i++ {
		rep, err := newRunner(dir, clk).Run(context.Background())
		require.NoError(t, err)
		timepoints = append(timepoints, rep.Timepoint)
		clk.Advance(3 * time.Hour)
	}

	store := metadata.NewStore(dir.Root, logging.Discard())
	for _, pos := range []string{"a", "b"} {
		pm, err := store.Load(pos)
		require.NoError(t, err)
		require.Len(t, pm.Records, 3, pos)
		for i, rec := range pm.Records {
			assert.Equal(t, timepoints[i], rec.Timepoint)
			assert.Equal(t, 2, rec.Visit)
			visits := make([]int, len(rec.Passes))
			for j, p := range rec.Passes {
				visits[j] = p.Visit
			}
			assert.Equal(t, []int{1, 2}, visits, "%s record %d", pos, i)
			if i > 0 {
				assert.Greater(t, rec.Timestamp, pm.Records[i-1].Timestamp)
			}
		}
	}
}

func TestRun_WarnsOnTamperedAuditLog(t *testing.T) {
	dir := newExperiment(t, revisitConfig, time.Time{})
	tampered := `{"timestamp":"2026-02-28T09:00:00Z","event_type":"visit_saved","position":"a","checksum":"deadbeef"}` + "\n"
	require.NoError(t, os.MkdirAll(dir.LogsDir(), 0755))
	require.NoError(t, os.WriteFile(dir.AuditLogPath(), []byte(tampered), 0644))

	_, err := newRunner(dir, clock.NewFake(base)).Run(context.Background())
	require.NoError(t, err)

	logData, err := os.ReadFile(dir.LogPath())
	require.NoError(t, err)
	assert.Contains(t, string(logData), "1 of ")
	assert.Contains(t, string(logData), "fail their checksum")
}

func TestRun_FirstTimepointHasNoRevisits(t *testing.T) {
	dir := newExperiment(t, revisitConfig, time.Time{})
	clk := clock.NewFake(base)

	rep, err := newRunner(dir, clk).Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, rep.Summary.Visits, 2)
	assert.Zero(t, rep.Summary.Revisits)
	assert.Equal(t, 4, rep.Images)

	pm, err := metadata.NewStore(dir.Root, logging.Discard()).Load("b")
	require.NoError(t, err)
	require.Len(t, pm.Records, 1)
	assert.Len(t, pm.Records[0].Passes, 1)
}

func TestRun_AlreadyRunning(t *testing.T) {
	dir := newExperiment(t, revisitConfig, time.Time{})
	held := lock.NewFileLock(dir.RunLockPath())
	require.NoError(t, held.TryLock())
	defer held.Unlock()

	_, err := newRunner(dir, clock.NewFake(base)).Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	md, err := dir.LoadExperiment()
	require.NoError(t, err)
	assert.Empty(t, md.Timepoints)
}

func TestRun_NextRunTime(t *testing.T) {
	t.Run("keeps the recorded schedule", func(t *testing.T) {
		dir := newExperiment(t, revisitConfig, time.Time{})
		md, err := dir.LoadExperiment()
		require.NoError(t, err)
		md.NextRunTime = model.Float(model.UnixSeconds(base.Add(-30 * time.Minute)))
		require.NoError(t, dir.SaveExperiment(md))

		rep, err := newRunner(dir, clock.NewFake(base)).Run(context.Background())
		require.NoError(t, err)
		assert.WithinDuration(t, base.Add(150*time.Minute), rep.NextRun, time.Millisecond)
	})

	t.Run("explicit scheduled start", func(t *testing.T) {
		dir := newExperiment(t, revisitConfig, time.Time{})
		rep, err := newRunner(dir, clock.NewFake(base), WithScheduledStart(base.Add(-time.Hour))).Run(context.Background())
		require.NoError(t, err)
		assert.WithinDuration(t, base.Add(2*time.Hour), rep.NextRun, time.Millisecond)
	})

	t.Run("no interval means no further runs", func(t *testing.T) {
		dir := newExperiment(t, "schedule:\n  interval_hours: 0\n", time.Time{})
		md, err := dir.LoadExperiment()
		require.NoError(t, err)
		md.NextRunTime = model.Float(model.UnixSeconds(base))
		require.NoError(t, dir.SaveExperiment(md))

		rep, err := newRunner(dir, clock.NewFake(base)).Run(context.Background())
		require.NoError(t, err)
		assert.False(t, rep.HasNextRun)

		md, err = dir.LoadExperiment()
		require.NoError(t, err)
		assert.Nil(t, md.NextRunTime)
	})
}

func TestRun_Delay(t *testing.T) {
	dir := newExperiment(t, revisitConfig, time.Time{})
	rep, err := newRunner(dir, clock.NewFake(base), WithDelay(90*time.Minute)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, base.Add(90*time.Minute), rep.StartedAt)
	assert.Equal(t, "2026-03-01t1030", rep.Timepoint)
}

func TestRun_InstrumentFailureStillShutsDown(t *testing.T) {
	dir := newExperiment(t, revisitConfig, time.Time{})
	clk := clock.NewFake(base)
	inst := sim.New(sim.Options{Seed: 3, Channels: []string{"bf", "gfp"}, TimestampHz: 1e6, Clock: clk})
	boom := errors.New("camera disconnected")
	inst.Fail("acquire", boom)

	rep, err := newRunner(dir, clk, WithInstrument(inst)).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, rep.Summary.Visits)

	md, lerr := dir.LoadExperiment()
	require.NoError(t, lerr)
	assert.Len(t, md.Timepoints, 1)
	assert.NotNil(t, md.NextRunTime)
	assert.FileExists(t, dir.MetricsPath())
	assert.False(t, lock.Held(dir.RunLockPath()))
}

func TestRun_CancelledContext(t *testing.T) {
	dir := newExperiment(t, revisitConfig, time.Time{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := newRunner(dir, clock.NewFake(base)).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rep.Summary.Visits)
	assert.False(t, lock.Held(dir.RunLockPath()))
}

func TestRun_InvalidConfig(t *testing.T) {
	dir := newExperiment(t, "revisit:\n  max_visits: 0\n", time.Time{})
	_, err := newRunner(dir, clock.NewFake(base)).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_visits")
}
