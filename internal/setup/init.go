// Package setup handles experiment directory initialization.
package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/drew-sinha/rpc-scope/internal/experiment"
	"github.com/drew-sinha/rpc-scope/internal/model"
	yamlutil "github.com/drew-sinha/rpc-scope/internal/yaml"
	"github.com/drew-sinha/rpc-scope/templates"
)

type Options struct {
	// Name overrides the experiment name (defaults to the directory basename).
	Name      string
	Positions map[string]model.Coords
	ZMax      float64
	Channels  []string
}

// Run initializes an experiment in dir, creating dir if needed.
func Run(dir string, opts Options) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve experiment dir: %w", err)
	}
	exp := experiment.Dir{Root: absDir}

	if _, err := os.Stat(exp.MetadataPath()); err == nil {
		return fmt.Errorf("%s already exists", exp.MetadataPath())
	}
	for name := range opts.Positions {
		if !model.ValidPositionName(name) {
			return fmt.Errorf("invalid position name %q", name)
		}
	}
	if len(opts.Positions) > 0 && opts.ZMax <= 0 {
		return fmt.Errorf("z_max must be > 0 when positions are given, got %g", opts.ZMax)
	}

	for _, d := range []string{exp.Root, exp.LogsDir(), exp.StateDir(), exp.LocksDir(), exp.MaskDir()} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(absDir, opts)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := yamlutil.AtomicWrite(exp.ConfigPath(), cfg); err != nil {
		return fmt.Errorf("write %s: %w", experiment.ConfigFile, err)
	}

	if _, err := os.Stat(exp.ZUpdatesPath()); errors.Is(err, os.ErrNotExist) {
		if err := yamlutil.AtomicWrite(exp.ZUpdatesPath(), model.NewZUpdates()); err != nil {
			return fmt.Errorf("write %s: %w", experiment.ZUpdatesFile, err)
		}
	}

	md := model.NewExperimentMetadata()
	for name, c := range opts.Positions {
		md.Positions[name] = c
	}
	md.ZMax = opts.ZMax
	// Metadata last: its presence marks the directory as an experiment.
	return exp.SaveExperiment(md)
}

func generateConfig(dir string, opts Options) (model.Config, error) {
	data, err := fs.ReadFile(templates.FS, experiment.ConfigFile)
	if err != nil {
		return model.Config{}, fmt.Errorf("read config template: %w", err)
	}

	cfg := model.DefaultConfig()
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config template: %w", err)
	}

	if opts.Name != "" {
		cfg.Experiment.Name = opts.Name
	} else {
		cfg.Experiment.Name = filepath.Base(dir)
	}
	if len(opts.Channels) > 0 {
		cfg.Acquisition.Channels = opts.Channels
	}
	return cfg, cfg.Validate()
}
