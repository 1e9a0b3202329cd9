package model

// Compression selects the PNG compression effort of the image writer.
type Compression string

const (
	CompressionNone    Compression = "none"
	CompressionFast    Compression = "fast"
	CompressionDefault Compression = "default"
	CompressionBest    Compression = "best"
)

func (c Compression) Valid() bool {
	switch c {
	case CompressionNone, CompressionFast, CompressionDefault, CompressionBest:
		return true
	}
	return false
}

// IntervalMode selects the reference point for the next timepoint.
type IntervalMode string

const (
	IntervalScheduledStart IntervalMode = "scheduled_start"
	IntervalActualStart    IntervalMode = "actual_start"
	IntervalEnd            IntervalMode = "end"
)

func (m IntervalMode) Valid() bool {
	switch m {
	case IntervalScheduledStart, IntervalActualStart, IntervalEnd:
		return true
	}
	return false
}

// FocusSource records how the z of a visit was chosen.
type FocusSource string

const (
	FocusSearch   FocusSource = "search"
	FocusOverride FocusSource = "override"
	FocusReuse    FocusSource = "reuse"
)
