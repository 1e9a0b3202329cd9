// Package status summarises an experiment: per-position focus history,
// watchdog reachability and recent instrument duty cycle.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/drew-sinha/rpc-scope/internal/experiment"
	"github.com/drew-sinha/rpc-scope/internal/heartbeat"
	"github.com/drew-sinha/rpc-scope/internal/journal"
	"github.com/drew-sinha/rpc-scope/internal/lock"
	"github.com/drew-sinha/rpc-scope/internal/metadata"
	"github.com/drew-sinha/rpc-scope/internal/model"
	"github.com/drew-sinha/rpc-scope/internal/uds"
	"github.com/drew-sinha/rpc-scope/internal/watchdog"
)

// DefaultWindow is the duty cycle window.
const DefaultWindow = 24 * time.Hour

type ExperimentStatus struct {
	Root          string           `json:"root"`
	Name          string           `json:"name,omitempty"`
	Timepoints    int              `json:"timepoints"`
	LastTimepoint string           `json:"last_timepoint,omitempty"`
	NextRun       *time.Time       `json:"next_run,omitempty"`
	Running       bool             `json:"running"`
	RunnerPID     int              `json:"runner_pid,omitempty"`
	Positions     []PositionStatus `json:"positions"`
	Watchdog      WatchdogStatus   `json:"watchdog"`
	LastBeat      *time.Time       `json:"last_beat,omitempty"`
	DutyCycle     *float64         `json:"duty_cycle,omitempty"`
	Window        string           `json:"duty_cycle_window"`
}

type PositionStatus struct {
	Name      string     `json:"name"`
	Skipped   bool       `json:"skipped,omitempty"`
	Records   int        `json:"records"`
	LastZ     *float64   `json:"last_z,omitempty"`
	LastFocus *time.Time `json:"last_focus,omitempty"`
	LastVisit *time.Time `json:"last_visit,omitempty"`
	Error     string     `json:"error,omitempty"`
}

type WatchdogStatus struct {
	Reachable bool             `json:"reachable"`
	Socket    string           `json:"socket"`
	Status    *watchdog.Status `json:"status,omitempty"`
}

// Run collects the status of the experiment in dir and prints it to w.
func Run(ctx context.Context, dir experiment.Dir, w io.Writer, jsonOutput bool) error {
	s, err := Collect(ctx, dir, time.Now(), DefaultWindow)
	if err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	Print(w, s)
	return nil
}

// Collect gathers the status as of now. Problems with a single position
// or with the journal are reported inline rather than failing the call.
func Collect(ctx context.Context, dir experiment.Dir, now time.Time, window time.Duration) (ExperimentStatus, error) {
	s := ExperimentStatus{Root: dir.Root, Window: window.String()}

	cfg, err := dir.LoadConfig()
	if err != nil {
		return s, err
	}
	md, err := dir.LoadExperiment()
	if err != nil {
		return s, err
	}
	s.Name = cfg.Experiment.Name
	s.Timepoints = len(md.Timepoints)
	if n := len(md.Timepoints); n > 0 {
		s.LastTimepoint = md.Timepoints[n-1]
	}
	if md.NextRunTime != nil {
		t := model.FromUnixSeconds(*md.NextRunTime)
		s.NextRun = &t
	}
	if lock.Held(dir.RunLockPath()) {
		s.Running = true
		s.RunnerPID, _ = lock.HolderPID(dir.RunLockPath())
	}

	store := metadata.NewStore(dir.Root, nil)
	for _, pos := range model.SortedPositions(md.Positions) {
		s.Positions = append(s.Positions, positionStatus(store, pos, md.Skips(pos.Name)))
	}

	s.Watchdog = queryWatchdog(ctx, dir.SocketPath(cfg))
	if path := dir.Resolve(cfg.Heartbeat.File); path != "" {
		if _, at, err := heartbeat.ReadFile(path); err == nil {
			s.LastBeat = &at
		}
	}

	if cfg.Journal.Enabled {
		if dc, ok := dutyCycle(ctx, dir.Resolve(cfg.Journal.Path), now.Add(-window), now); ok {
			s.DutyCycle = &dc
		}
	}
	return s, nil
}

func positionStatus(store *metadata.Store, pos model.Position, skipped bool) PositionStatus {
	ps := PositionStatus{Name: pos.Name, Skipped: skipped}
	pm, err := store.Load(pos.Name)
	if err != nil {
		ps.Error = err.Error()
		return ps
	}
	ps.Records = len(pm.Records)
	if ps.Records == 0 {
		return ps
	}
	last := model.FromUnixSeconds(pm.Records[ps.Records-1].Timestamp)
	ps.LastVisit = &last
	if z, at, ok := model.LastFocus(pm.Records, pos.Coords.Z); ok {
		ps.LastZ = &z
		ps.LastFocus = &at
	}
	return ps
}

func queryWatchdog(ctx context.Context, socket string) WatchdogStatus {
	ws := WatchdogStatus{Socket: socket}
	var st watchdog.Status
	if err := watchdog.Query(ctx, socket, uds.CommandStatus, &st); err != nil {
		return ws
	}
	ws.Reachable = true
	ws.Status = &st
	return ws
}

// dutyCycle reads the journal without creating it.
func dutyCycle(ctx context.Context, path string, since, until time.Time) (float64, bool) {
	if _, err := os.Stat(path); err != nil {
		return 0, false
	}
	j, err := journal.Open(path)
	if err != nil {
		return 0, false
	}
	defer j.Close()
	dc, err := j.DutyCycle(ctx, since, until)
	if err != nil {
		return 0, false
	}
	return dc, true
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	bold   = color.New(color.Bold)
)

// Print writes a human-readable report of s.
func Print(w io.Writer, s ExperimentStatus) {
	name := s.Name
	if name == "" {
		name = s.Root
	}
	fmt.Fprintf(w, "Experiment: %s\n", bold.Sprint(name))
	fmt.Fprintf(w, "Timepoints: %d", s.Timepoints)
	if s.LastTimepoint != "" {
		fmt.Fprintf(w, " (last %s)", s.LastTimepoint)
	}
	fmt.Fprintln(w)

	switch {
	case s.Running && s.RunnerPID > 0:
		fmt.Fprintf(w, "Acquisition: %s (pid %d)\n", green.Sprint("running"), s.RunnerPID)
	case s.Running:
		fmt.Fprintf(w, "Acquisition: %s\n", green.Sprint("running"))
	default:
		fmt.Fprintln(w, "Acquisition: idle")
	}
	if s.NextRun != nil {
		fmt.Fprintf(w, "Next run:   %s\n", s.NextRun.Local().Format(time.RFC3339))
	} else {
		fmt.Fprintf(w, "Next run:   %s\n", yellow.Sprint("not scheduled"))
	}

	switch {
	case !s.Watchdog.Reachable:
		fmt.Fprintf(w, "Watchdog:   %s (%s)\n", red.Sprint("unreachable"), s.Watchdog.Socket)
	case s.Watchdog.Status.Alarmed:
		fmt.Fprintf(w, "Watchdog:   %s, %d intervals missed\n", red.Sprint("ALARM"), s.Watchdog.Status.Missed)
	default:
		fmt.Fprintf(w, "Watchdog:   %s, %d beats\n", green.Sprint("ok"), s.Watchdog.Status.Beats)
	}
	if s.LastBeat != nil {
		fmt.Fprintf(w, "Last beat:  %s\n", s.LastBeat.Local().Format(time.RFC3339))
	}
	if s.DutyCycle != nil {
		fmt.Fprintf(w, "Duty cycle: %.1f%% over %s\n", *s.DutyCycle*100, s.Window)
	}

	if len(s.Positions) == 0 {
		fmt.Fprintln(w, "\nPositions: none")
		return
	}
	fmt.Fprintln(w, "\nPositions:")
	fmt.Fprintf(w, "  %-12s  %7s  %10s  %-25s\n", "NAME", "RECORDS", "LAST_Z", "LAST_FOCUS")
	for _, p := range s.Positions {
		switch {
		case p.Error != "":
			fmt.Fprintf(w, "  %-12s  %s\n", p.Name, red.Sprint(p.Error))
			continue
		case p.Skipped:
			fmt.Fprintf(w, "  %-12s  %7d  %s\n", p.Name, p.Records, yellow.Sprint("skipped"))
			continue
		}
		z, at := "-", "-"
		if p.LastZ != nil {
			z = fmt.Sprintf("%.4f", *p.LastZ)
		}
		if p.LastFocus != nil {
			at = p.LastFocus.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "  %-12s  %7d  %10s  %-25s\n", p.Name, p.Records, z, at)
	}
}
