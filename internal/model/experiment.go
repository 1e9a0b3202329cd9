package model

import (
	"errors"
	"fmt"
	"time"
)

// TimepointLayout formats the prefix of every image file of a timepoint.
const TimepointLayout = "2006-01-02t1504"

type ExperimentMetadata struct {
	SchemaVersion      int               `yaml:"schema_version"`
	FileType           string            `yaml:"file_type"`
	Positions          map[string]Coords `yaml:"positions"`
	ZMax               float64           `yaml:"z_max"`
	ReferencePositions []Coords          `yaml:"reference_positions,omitempty"`
	SkipPositions      []string          `yaml:"skip_positions,omitempty"`
	SaveFocusStacks    []string          `yaml:"save_focus_stacks,omitempty"`
	Timestamps         []float64         `yaml:"timestamps"`
	Timepoints         []string          `yaml:"timepoints"`
	NextRunTime        *float64          `yaml:"next_run_time,omitempty"`
}

func NewExperimentMetadata() ExperimentMetadata {
	return ExperimentMetadata{
		SchemaVersion: 1,
		FileType:      "experiment_metadata",
		Positions:     map[string]Coords{},
		Timestamps:    []float64{},
		Timepoints:    []string{},
	}
}

// StartTime is the start of the first timepoint; ok is false before the
// first run.
func (m ExperimentMetadata) StartTime() (time.Time, bool) {
	if len(m.Timestamps) == 0 {
		return time.Time{}, false
	}
	return FromUnixSeconds(m.Timestamps[0]), true
}

func (m ExperimentMetadata) Skips(position string) bool {
	return contains(m.SkipPositions, position)
}

func (m ExperimentMetadata) SavesFocusStack(position string) bool {
	return contains(m.SaveFocusStacks, position)
}

// BeginTimepoint records a timepoint starting at t and returns its prefix.
func (m *ExperimentMetadata) BeginTimepoint(t time.Time) string {
	prefix := t.Format(TimepointLayout)
	m.Timestamps = append(m.Timestamps, UnixSeconds(t))
	m.Timepoints = append(m.Timepoints, prefix)
	return prefix
}

func (m ExperimentMetadata) Validate() error {
	var errs []error
	if len(m.Positions) == 0 {
		errs = append(errs, errors.New("no positions defined"))
	}
	for name := range m.Positions {
		if !ValidPositionName(name) {
			errs = append(errs, fmt.Errorf("invalid position name %q", name))
		}
	}
	if m.ZMax <= 0 {
		errs = append(errs, fmt.Errorf("z_max must be > 0, got %g", m.ZMax))
	}
	for _, name := range m.SkipPositions {
		if _, ok := m.Positions[name]; !ok {
			errs = append(errs, fmt.Errorf("skip_positions names unknown position %q", name))
		}
	}
	if len(m.Timestamps) != len(m.Timepoints) {
		errs = append(errs, fmt.Errorf("timestamps (%d) and timepoints (%d) differ in length", len(m.Timestamps), len(m.Timepoints)))
	}
	return errors.Join(errs...)
}

// ValidPositionName reports whether name can be used as a directory name
// under the experiment root.
func ValidPositionName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	for _, r := range name {
		if r == '/' || r == '\\' || r == 0 {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
