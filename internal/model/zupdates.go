package model

import (
	"fmt"
	"time"
)

// ZUpdates is the manual focus override signal: ISO-8601 timestamp to a map
// of position name to z. It is written by the operator and only read by the
// acquisition loop.
type ZUpdates struct {
	SchemaVersion int                           `yaml:"schema_version"`
	FileType      string                        `yaml:"file_type"`
	Updates       map[string]map[string]float64 `yaml:"updates"`
}

func NewZUpdates() ZUpdates {
	return ZUpdates{
		SchemaVersion: 1,
		FileType:      "z_updates",
		Updates:       map[string]map[string]float64{},
	}
}

type ZUpdate struct {
	At  time.Time
	Key string
	Z   float64
}

// Latest returns the newest update that mentions position. Keys that do not
// parse as timestamps are ignored.
func (u ZUpdates) Latest(position string) (ZUpdate, bool) {
	var best ZUpdate
	found := false
	for key, zs := range u.Updates {
		z, ok := zs[position]
		if !ok {
			continue
		}
		at, err := ParseISOTime(key)
		if err != nil {
			continue
		}
		if !found || at.After(best.At) || (at.Equal(best.At) && key > best.Key) {
			best = ZUpdate{At: at, Key: key, Z: z}
			found = true
		}
	}
	return best, found
}

// Add records z for position at t.
func (u *ZUpdates) Add(t time.Time, position string, z float64) {
	if u.Updates == nil {
		u.Updates = map[string]map[string]float64{}
	}
	key := t.Format(time.RFC3339Nano)
	if u.Updates[key] == nil {
		u.Updates[key] = map[string]float64{}
	}
	u.Updates[key][position] = z
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseISOTime accepts RFC 3339 and zone-less ISO-8601 timestamps; the
// latter are read in local time.
func ParseISOTime(s string) (time.Time, error) {
	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("not an ISO-8601 timestamp: %q", s)
}
