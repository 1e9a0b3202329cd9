package model

import "time"

// Pass is one visit within a timepoint cycle.
type Pass struct {
	Visit           int                `yaml:"visit"`
	Timestamp       float64            `yaml:"timestamp"`
	Z               float64            `yaml:"z"`
	ImageTimestamps map[string]float64 `yaml:"image_timestamps,omitempty"`
}

// VisitRecord is the accumulated result of every visit to a position during
// one timepoint. It is persisted once, after the final visit.
type VisitRecord struct {
	Timepoint       string             `yaml:"timepoint"`
	Visit           int                `yaml:"visit"`
	Timestamp       float64            `yaml:"timestamp"`
	ImageTimestamps map[string]float64 `yaml:"image_timestamps,omitempty"`
	FineZ           *float64           `yaml:"fine_z,omitempty"`
	CoarseZ         *float64           `yaml:"coarse_z,omitempty"`
	FocusTimestamp  *float64           `yaml:"focus_timestamp,omitempty"`
	FocusSource     FocusSource        `yaml:"focus_source,omitempty"`
	Passes          []Pass             `yaml:"passes,omitempty"`
	Results         map[string]any     `yaml:"results,omitempty"`
}

// Clone returns a copy of r that shares no maps, slices or pointers with it.
func (r VisitRecord) Clone() VisitRecord {
	c := r
	c.ImageTimestamps = cloneFloatMap(r.ImageTimestamps)
	c.FineZ = cloneFloat(r.FineZ)
	c.CoarseZ = cloneFloat(r.CoarseZ)
	c.FocusTimestamp = cloneFloat(r.FocusTimestamp)
	if r.Passes != nil {
		c.Passes = make([]Pass, len(r.Passes))
		for i, p := range r.Passes {
			p.ImageTimestamps = cloneFloatMap(p.ImageTimestamps)
			c.Passes[i] = p
		}
	}
	if r.Results != nil {
		c.Results = make(map[string]any, len(r.Results))
		for k, v := range r.Results {
			c.Results[k] = v
		}
	}
	return c
}

// FocusTime is when the record's z was last established: the focus
// timestamp when present, else the visit timestamp.
func (r VisitRecord) FocusTime() time.Time {
	if r.FocusTimestamp != nil {
		return FromUnixSeconds(*r.FocusTimestamp)
	}
	return FromUnixSeconds(r.Timestamp)
}

// LastFocus scans history backwards for the newest record carrying fine_z.
// When none has one it returns defaultZ and ok=false.
func LastFocus(history []VisitRecord, defaultZ float64) (z float64, at time.Time, ok bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].FineZ != nil {
			return *history[i].FineZ, history[i].FocusTime(), true
		}
	}
	return defaultZ, time.Time{}, false
}

type PositionMetadata struct {
	SchemaVersion int           `yaml:"schema_version"`
	FileType      string        `yaml:"file_type"`
	Position      string        `yaml:"position"`
	Records       []VisitRecord `yaml:"records"`
}

func NewPositionMetadata(position string) PositionMetadata {
	return PositionMetadata{
		SchemaVersion: 1,
		FileType:      "position_metadata",
		Position:      position,
		Records:       []VisitRecord{},
	}
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
