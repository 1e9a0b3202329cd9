// Package cli implements the scope subcommands.
package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drew-sinha/rpc-scope/internal/model"
)

// dirFlag registers --dir on cmd. Commands walk up from it to the nearest
// experiment root.
func dirFlag(cmd *cobra.Command, dir *string) {
	cmd.Flags().StringVarP(dir, "dir", "d", ".", "Experiment directory (or any directory inside it)")
}

// parsePosition parses name=x,y,z.
func parsePosition(s string) (string, model.Coords, error) {
	name, coords, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return "", model.Coords{}, fmt.Errorf("position %q: expected name=x,y,z", s)
	}
	parts := strings.Split(coords, ",")
	if len(parts) != 3 {
		return "", model.Coords{}, fmt.Errorf("position %q: expected three coordinates", s)
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return "", model.Coords{}, fmt.Errorf("position %q: %w", s, err)
		}
		v[i] = f
	}
	return name, model.Coords{X: v[0], Y: v[1], Z: v[2]}, nil
}
