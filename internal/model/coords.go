package model

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// Coords is a stage position in millimetres. It is stored as [x, y, z].
type Coords struct {
	X float64
	Y float64
	Z float64
}

func (c Coords) WithZ(z float64) Coords {
	c.Z = z
	return c
}

func (c Coords) String() string {
	return fmt.Sprintf("(%.4f, %.4f, %.4f)", c.X, c.Y, c.Z)
}

func (c Coords) MarshalYAML() (any, error) {
	node := &yamlv3.Node{Kind: yamlv3.SequenceNode, Style: yamlv3.FlowStyle}
	for _, v := range []float64{c.X, c.Y, c.Z} {
		node.Content = append(node.Content, &yamlv3.Node{
			Kind:  yamlv3.ScalarNode,
			Value: strconv.FormatFloat(v, 'g', -1, 64),
		})
	}
	return node, nil
}

func (c *Coords) UnmarshalYAML(node *yamlv3.Node) error {
	var v []float64
	if err := node.Decode(&v); err != nil {
		return fmt.Errorf("coords: %w", err)
	}
	if len(v) != 3 {
		return fmt.Errorf("coords: expected [x, y, z], got %d values", len(v))
	}
	c.X, c.Y, c.Z = v[0], v[1], v[2]
	return nil
}

// Position is one named stage location visited every timepoint.
type Position struct {
	Name   string
	Coords Coords
}

// SortedPositions returns the positions ordered by name, the sweep order.
func SortedPositions(m map[string]Coords) []Position {
	out := make([]Position, 0, len(m))
	for name, c := range m {
		out = append(out, Position{Name: name, Coords: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UnixSeconds converts t to fractional seconds since the epoch.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// FromUnixSeconds is the inverse of UnixSeconds.
func FromUnixSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9)))
}
