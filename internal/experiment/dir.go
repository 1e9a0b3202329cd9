// Package experiment resolves the on-disk layout of an experiment directory
// and loads its configuration and metadata documents.
package experiment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/drew-sinha/rpc-scope/internal/model"
	"github.com/drew-sinha/rpc-scope/internal/uds"
	yamlutil "github.com/drew-sinha/rpc-scope/internal/yaml"
	yamlv3 "gopkg.in/yaml.v3"
)

const (
	ConfigFile   = "config.yaml"
	MetadataFile = "experiment_metadata.yaml"
	ZUpdatesFile = "z_updates.yaml"
	MaskDirName  = "Focus Masks"
)

// ErrNotExperiment is returned when a directory has no experiment metadata.
var ErrNotExperiment = errors.New("not an experiment directory")

// Dir is an experiment root.
type Dir struct {
	Root string
}

// Open returns the experiment rooted at root.
func Open(root string) (Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Dir{}, err
	}
	if _, err := os.Stat(filepath.Join(abs, MetadataFile)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Dir{}, fmt.Errorf("%s: %w", abs, ErrNotExperiment)
		}
		return Dir{}, err
	}
	return Dir{Root: abs}, nil
}

// Find walks up from start until it finds an experiment root.
func Find(start string) (Dir, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return Dir{}, err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, MetadataFile)); err == nil {
			return Dir{Root: dir}, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Dir{}, fmt.Errorf("%s: %w", start, ErrNotExperiment)
		}
		dir = parent
	}
}

func (d Dir) ConfigPath() string      { return filepath.Join(d.Root, ConfigFile) }
func (d Dir) MetadataPath() string    { return filepath.Join(d.Root, MetadataFile) }
func (d Dir) ZUpdatesPath() string    { return filepath.Join(d.Root, ZUpdatesFile) }
func (d Dir) MaskDir() string         { return filepath.Join(d.Root, MaskDirName) }
func (d Dir) LogsDir() string         { return filepath.Join(d.Root, "logs") }
func (d Dir) StateDir() string        { return filepath.Join(d.Root, "state") }
func (d Dir) LocksDir() string        { return filepath.Join(d.Root, "locks") }
func (d Dir) LogPath() string         { return filepath.Join(d.LogsDir(), "acquisition.log") }
func (d Dir) WatchdogLogPath() string { return filepath.Join(d.LogsDir(), "watchdog.log") }
func (d Dir) AuditLogPath() string    { return filepath.Join(d.LogsDir(), "audit.jsonl") }
func (d Dir) MetricsPath() string     { return filepath.Join(d.StateDir(), "metrics.yaml") }
func (d Dir) RunLockPath() string     { return filepath.Join(d.LocksDir(), "run.lock") }
func (d Dir) ZUpdatesLockPath() string {
	return filepath.Join(d.LocksDir(), "z_updates.lock")
}
func (d Dir) WatchdogLockPath() string { return filepath.Join(d.LocksDir(), "watchdog.lock") }

// SocketPath is the watchdog socket: heartbeat.socket when set, else
// state/watchdog.sock.
func (d Dir) SocketPath(cfg model.Config) string {
	if cfg.Heartbeat.Socket != "" {
		return d.Resolve(cfg.Heartbeat.Socket)
	}
	return filepath.Join(d.StateDir(), uds.DefaultSocketName)
}

// PositionDir is where a position's images and metadata live.
func (d Dir) PositionDir(position string) string {
	return filepath.Join(d.Root, position)
}

// Resolve interprets p relative to the root unless it is absolute. Empty
// stays empty.
func (d Dir) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.Root, p)
}

// LoadConfig decodes config.yaml over model.DefaultConfig and validates it.
// A missing file yields the defaults.
func (d Dir) LoadConfig() (model.Config, error) {
	cfg := model.DefaultConfig()
	data, err := os.ReadFile(d.ConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (d Dir) LoadExperiment() (model.ExperimentMetadata, error) {
	md := model.NewExperimentMetadata()
	if err := yamlutil.ReadDocument(d.MetadataPath(), yamlutil.FileTypeExperimentMetadata, &md); err != nil {
		return md, fmt.Errorf("load experiment metadata: %w", err)
	}
	if md.Positions == nil {
		md.Positions = map[string]model.Coords{}
	}
	return md, nil
}

func (d Dir) SaveExperiment(md model.ExperimentMetadata) error {
	md.SchemaVersion = yamlutil.CurrentSchemaVersion
	md.FileType = yamlutil.FileTypeExperimentMetadata
	if err := yamlutil.AtomicWrite(d.MetadataPath(), md); err != nil {
		return fmt.Errorf("save experiment metadata: %w", err)
	}
	return nil
}
