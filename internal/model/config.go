// Package model defines the configuration and persisted documents of a
// timecourse experiment.
package model

import (
	"errors"
	"fmt"
	"time"
)

type Config struct {
	Experiment  ExperimentConfig  `yaml:"experiment"`
	Instrument  InstrumentConfig  `yaml:"instrument"`
	Focus       FocusConfig       `yaml:"focus"`
	Revisit     RevisitConfig     `yaml:"revisit"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Writer      WriterConfig      `yaml:"writer"`
	Journal     JournalConfig     `yaml:"journal"`
	Watchdog    WatchdogConfig    `yaml:"watchdog"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ExperimentConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

type InstrumentConfig struct {
	Driver string `yaml:"driver"`
	Seed   int64  `yaml:"seed"`
}

type FocusConfig struct {
	RefocusIntervalMin   float64    `yaml:"refocus_interval_min"`
	UseLastFocusPosition bool       `yaml:"use_last_focus_position"`
	Coarse               FocusStage `yaml:"coarse"`
	Fine                 FocusStage `yaml:"fine"`
}

type FocusStage struct {
	Enabled bool    `yaml:"enabled"`
	RangeMM float64 `yaml:"range_mm"`
	Steps   int     `yaml:"steps"`
	Speed   float64 `yaml:"speed"`
}

type RevisitConfig struct {
	IntervalMin          float64 `yaml:"interval_min"`
	MaxVisits            int     `yaml:"max_visits"`
	DevelopmentTimeHours float64 `yaml:"development_time_hours"`
}

type AcquisitionConfig struct {
	Channels    []string    `yaml:"channels"`
	Compression Compression `yaml:"compression"`
	TimestampHz float64     `yaml:"timestamp_hz"`
	// DarkOffset and DarkRatePerMS describe the camera's dark level:
	// offset + rate * exposure_ms is subtracted from every pixel.
	DarkOffset    float64 `yaml:"dark_offset"`
	DarkRatePerMS float64 `yaml:"dark_rate_per_ms"`
}

type HeartbeatConfig struct {
	MaxChunkSec float64 `yaml:"max_chunk_sec"`
	Socket      string  `yaml:"socket"`
	File        string  `yaml:"file"`
}

type ScheduleConfig struct {
	IntervalMode  IntervalMode `yaml:"interval_mode"`
	IntervalHours float64      `yaml:"interval_hours"`
}

type WriterConfig struct {
	Workers int `yaml:"workers"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type WatchdogConfig struct {
	IntervalSec        float64 `yaml:"interval_sec"`
	MaxMissed          int     `yaml:"max_missed"`
	ShutdownTimeoutSec int     `yaml:"shutdown_timeout_sec"`
	// AlarmCommand is run through /bin/sh when an alarm is raised or
	// cleared. Empty disables it.
	AlarmCommand string `yaml:"alarm_command"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration used for keys absent from
// config.yaml. Decoding a file over it keeps explicit zero values such as
// refocus_interval_min: 0.
func DefaultConfig() Config {
	return Config{
		Instrument: InstrumentConfig{Driver: "simulated", Seed: 1},
		Focus: FocusConfig{
			RefocusIntervalMin:   45,
			UseLastFocusPosition: true,
			Coarse:               FocusStage{Enabled: false, RangeMM: 1, Steps: 50, Speed: 0.8},
			Fine:                 FocusStage{Enabled: true, RangeMM: 0.1, Steps: 50, Speed: 0.3},
		},
		Revisit: RevisitConfig{
			IntervalMin:          3,
			MaxVisits:            1,
			DevelopmentTimeHours: 45,
		},
		Acquisition: AcquisitionConfig{
			Channels:    []string{"bf"},
			Compression: CompressionFast,
			TimestampHz: 1e6,
		},
		Heartbeat: HeartbeatConfig{
			MaxChunkSec: 55,
			File:        "state/heartbeat.yaml",
		},
		Schedule: ScheduleConfig{
			IntervalMode:  IntervalScheduledStart,
			IntervalHours: 3,
		},
		Writer:   WriterConfig{Workers: 4},
		Journal:  JournalConfig{Enabled: true, Path: "state/journal.db"},
		Watchdog: WatchdogConfig{IntervalSec: 60, MaxMissed: 5, ShutdownTimeoutSec: 10},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Validate reports every impossible value in c.
func (c Config) Validate() error {
	var errs []error
	if c.Revisit.MaxVisits < 1 {
		errs = append(errs, fmt.Errorf("revisit.max_visits must be >= 1, got %d", c.Revisit.MaxVisits))
	}
	if c.Revisit.IntervalMin < 0 {
		errs = append(errs, fmt.Errorf("revisit.interval_min must be >= 0, got %g", c.Revisit.IntervalMin))
	}
	if c.Focus.RefocusIntervalMin < 0 {
		errs = append(errs, fmt.Errorf("focus.refocus_interval_min must be >= 0, got %g", c.Focus.RefocusIntervalMin))
	}
	if len(c.Acquisition.Channels) == 0 {
		errs = append(errs, errors.New("acquisition.channels must not be empty"))
	}
	seen := make(map[string]bool, len(c.Acquisition.Channels))
	for _, ch := range c.Acquisition.Channels {
		if ch == "" {
			errs = append(errs, errors.New("acquisition.channels contains an empty name"))
		} else if seen[ch] {
			errs = append(errs, fmt.Errorf("acquisition.channels contains %q twice", ch))
		}
		seen[ch] = true
	}
	if c.Acquisition.TimestampHz <= 0 {
		errs = append(errs, fmt.Errorf("acquisition.timestamp_hz must be > 0, got %g", c.Acquisition.TimestampHz))
	}
	if !c.Acquisition.Compression.Valid() {
		errs = append(errs, fmt.Errorf("acquisition.compression %q is not one of none, fast, default, best", c.Acquisition.Compression))
	}
	if c.Heartbeat.MaxChunkSec <= 0 || c.Heartbeat.MaxChunkSec >= 60 {
		errs = append(errs, fmt.Errorf("heartbeat.max_chunk_sec must be in (0, 60), got %g", c.Heartbeat.MaxChunkSec))
	}
	if !c.Schedule.IntervalMode.Valid() {
		errs = append(errs, fmt.Errorf("schedule.interval_mode %q is not one of scheduled_start, actual_start, end", c.Schedule.IntervalMode))
	}
	if c.Instrument.Driver != "simulated" {
		errs = append(errs, fmt.Errorf("instrument.driver %q is not supported", c.Instrument.Driver))
	}
	return errors.Join(errs...)
}

func (c Config) RefocusInterval() time.Duration {
	return minutes(c.Focus.RefocusIntervalMin)
}

func (c Config) RevisitInterval() time.Duration {
	return minutes(c.Revisit.IntervalMin)
}

func (c Config) DevelopmentTime() time.Duration {
	return time.Duration(c.Revisit.DevelopmentTimeHours * float64(time.Hour))
}

func (c Config) MaxChunk() time.Duration {
	return time.Duration(c.Heartbeat.MaxChunkSec * float64(time.Second))
}

func (c Config) RunInterval() time.Duration {
	return time.Duration(c.Schedule.IntervalHours * float64(time.Hour))
}

func (c Config) WatchdogInterval() time.Duration {
	return time.Duration(c.Watchdog.IntervalSec * float64(time.Second))
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}
