package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RunTimes are the reference points of a finished timepoint.
type RunTimes struct {
	Scheduled time.Time
	Started   time.Time
	Ended     time.Time
}

// NextRunTime computes when the next timepoint should start. ok is false
// when interval <= 0, meaning no further runs.
//
// In scheduled_start mode a run that started more than one full interval
// late keeps the phase of the original schedule rather than drifting.
func NextRunTime(mode IntervalMode, interval time.Duration, rt RunTimes) (time.Time, bool, error) {
	if interval <= 0 {
		return time.Time{}, false, nil
	}
	switch mode {
	case IntervalScheduledStart:
		base := rt.Scheduled
		delayed := rt.Started.Sub(rt.Scheduled)
		if delayed > interval {
			phase := delayed % interval
			base = rt.Started.Add(-phase)
		}
		return base.Add(interval), true, nil
	case IntervalActualStart:
		return rt.Started.Add(interval), true, nil
	case IntervalEnd:
		return rt.Ended.Add(interval), true, nil
	default:
		return time.Time{}, false, fmt.Errorf("unknown interval mode %q", mode)
	}
}

// ParseDelay parses "h", "h:m" or "h:m:s" into a duration. Each field may
// be fractional.
func ParseDelay(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("delay %q: expected h, h:m or h:m:s", s)
	}
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	var total time.Duration
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return 0, fmt.Errorf("delay %q: %w", s, err)
		}
		if v < 0 {
			return 0, fmt.Errorf("delay %q: negative field", s)
		}
		total += time.Duration(v * float64(units[i]))
	}
	return total, nil
}
