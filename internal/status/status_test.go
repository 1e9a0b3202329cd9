package status

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drew-sinha/rpc-scope/internal/experiment"
	"github.com/drew-sinha/rpc-scope/internal/heartbeat"
	"github.com/drew-sinha/rpc-scope/internal/journal"
	"github.com/drew-sinha/rpc-scope/internal/lock"
	"github.com/drew-sinha/rpc-scope/internal/logging"
	"github.com/drew-sinha/rpc-scope/internal/metadata"
	"github.com/drew-sinha/rpc-scope/internal/model"
	"github.com/drew-sinha/rpc-scope/internal/uds"
	"github.com/drew-sinha/rpc-scope/internal/watchdog"
)

var now = time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC)

func init() {
	color.NoColor = true
}

// newExperiment builds an experiment with one focused position (a), one
// never-visited position (b) and one skipped position (c).
func newExperiment(t *testing.T, config string) experiment.Dir {
	t.Helper()
	dir := experiment.Dir{Root: t.TempDir()}
	md := model.NewExperimentMetadata()
	md.Positions["a"] = model.Coords{Z: 24}
	md.Positions["b"] = model.Coords{Z: 24.1}
	md.Positions["c"] = model.Coords{Z: 24.2}
	md.SkipPositions = []string{"c"}
	md.ZMax = 26
	md.BeginTimepoint(now.Add(-time.Hour))
	md.NextRunTime = model.Float(model.UnixSeconds(now.Add(2 * time.Hour)))
	require.NoError(t, dir.SaveExperiment(md))
	if config != "" {
		require.NoError(t, os.WriteFile(dir.ConfigPath(), []byte(config), 0644))
	}

	store := metadata.NewStore(dir.Root, logging.Discard())
	focusedAt := now.Add(-55 * time.Minute)
	require.NoError(t, store.Append("a", model.VisitRecord{
		Timepoint:      md.Timepoints[0],
		Visit:          1,
		Timestamp:      model.UnixSeconds(now.Add(-time.Hour)),
		FineZ:          model.Float(24.2),
		FocusTimestamp: model.Float(model.UnixSeconds(focusedAt)),
		FocusSource:    model.FocusSearch,
	}))
	return dir
}

func TestCollect(t *testing.T) {
	dir := newExperiment(t, "")

	j, err := journal.Open(dir.Resolve("state/journal.db"))
	require.NoError(t, err)
	require.NoError(t, j.Migrate(context.Background()))
	_, err = j.RecordVisit(context.Background(), journal.Entry{
		RunID: "r1", Timepoint: "tp", Position: "a", Visit: 1, Final: true,
		StartedAt:  now.Add(-time.Hour),
		FinishedAt: now.Add(-54 * time.Minute),
	})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	sink := &heartbeat.FileSink{Path: dir.Resolve("state/heartbeat.yaml"), RunID: "r1"}
	require.NoError(t, sink.Beat(context.Background(), now.Add(-30*time.Second)))

	s, err := Collect(context.Background(), dir, now, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 1, s.Timepoints)
	assert.Equal(t, now.Add(-time.Hour).Format(model.TimepointLayout), s.LastTimepoint)
	require.NotNil(t, s.NextRun)
	assert.WithinDuration(t, now.Add(2*time.Hour), *s.NextRun, time.Millisecond)
	assert.False(t, s.Running)

	require.Len(t, s.Positions, 3)
	a := s.Positions[0]
	assert.Equal(t, "a", a.Name)
	assert.Equal(t, 1, a.Records)
	require.NotNil(t, a.LastZ)
	assert.InDelta(t, 24.2, *a.LastZ, 1e-9)
	require.NotNil(t, a.LastFocus)
	assert.WithinDuration(t, now.Add(-55*time.Minute), *a.LastFocus, time.Millisecond)

	b := s.Positions[1]
	assert.Zero(t, b.Records)
	assert.Nil(t, b.LastZ)
	assert.True(t, s.Positions[2].Skipped)

	assert.False(t, s.Watchdog.Reachable)
	require.NotNil(t, s.LastBeat)
	assert.WithinDuration(t, now.Add(-30*time.Second), *s.LastBeat, time.Millisecond)

	require.NotNil(t, s.DutyCycle)
	assert.InDelta(t, 0.1, *s.DutyCycle, 1e-6)
}

func TestCollect_NoJournalIsNotCreated(t *testing.T) {
	dir := newExperiment(t, "")
	s, err := Collect(context.Background(), dir, now, time.Hour)
	require.NoError(t, err)
	assert.Nil(t, s.DutyCycle)
	assert.NoFileExists(t, dir.Resolve("state/journal.db"))
}

func TestCollect_RunningAcquisition(t *testing.T) {
	dir := newExperiment(t, "")
	held := lock.NewFileLock(dir.RunLockPath())
	require.NoError(t, held.TryLock())
	defer held.Unlock()

	s, err := Collect(context.Background(), dir, now, time.Hour)
	require.NoError(t, err)
	assert.True(t, s.Running)
	assert.Equal(t, os.Getpid(), s.RunnerPID)
}

func TestCollect_WatchdogReachable(t *testing.T) {
	sockDir, err := os.MkdirTemp("/tmp", "scope-status-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(sockDir) })
	sock := filepath.Join(sockDir, "w.sock")

	server := uds.NewServer(sock, logging.Discard())
	server.Handle(uds.CommandStatus, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(watchdog.Status{Beats: 7, Socket: sock})
	})
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })

	dir := newExperiment(t, "heartbeat:\n  socket: "+sock+"\n")
	s, err := Collect(context.Background(), dir, now, time.Hour)
	require.NoError(t, err)
	require.True(t, s.Watchdog.Reachable)
	require.NotNil(t, s.Watchdog.Status)
	assert.Equal(t, 7, s.Watchdog.Status.Beats)

	var buf bytes.Buffer
	Print(&buf, s)
	assert.Contains(t, buf.String(), "Watchdog:   ok, 7 beats")
}

func TestPrint(t *testing.T) {
	dir := newExperiment(t, "experiment:\n  name: lifespan\n")
	s, err := Collect(context.Background(), dir, now, time.Hour)
	require.NoError(t, err)
	dc := 0.25
	s.DutyCycle = &dc

	var buf bytes.Buffer
	Print(&buf, s)
	out := buf.String()
	assert.Contains(t, out, "Experiment: lifespan")
	assert.Contains(t, out, "Timepoints: 1")
	assert.Contains(t, out, "Acquisition: idle")
	assert.Contains(t, out, "Watchdog:   unreachable")
	assert.Contains(t, out, "24.2000")
	assert.Contains(t, out, "skipped")
	assert.Contains(t, out, "Duty cycle: 25.0% over 1h0m0s")
}

func TestPrint_Alarm(t *testing.T) {
	st := &watchdog.Status{}
	st.Alarmed = true
	st.Missed = 6
	var buf bytes.Buffer
	Print(&buf, ExperimentStatus{Root: "/x", Watchdog: WatchdogStatus{Reachable: true, Status: st}})
	assert.Contains(t, buf.String(), "ALARM, 6 intervals missed")
	assert.Contains(t, buf.String(), "Positions: none")
}

func TestRun_JSON(t *testing.T) {
	dir := newExperiment(t, "")
	var buf bytes.Buffer
	require.NoError(t, Run(context.Background(), dir, &buf, true))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, dir.Root, decoded["root"])
	positions, ok := decoded["positions"].([]any)
	require.True(t, ok)
	assert.Len(t, positions, 3)
}

func TestCollect_NotAnExperiment(t *testing.T) {
	_, err := Collect(context.Background(), experiment.Dir{Root: t.TempDir()}, now, time.Hour)
	assert.Error(t, err)
}
