package experiment

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drew-sinha/rpc-scope/internal/model"
)

func newExperiment(t *testing.T) Dir {
	t.Helper()
	d := Dir{Root: t.TempDir()}
	md := model.NewExperimentMetadata()
	md.Positions["a"] = model.Coords{X: 1, Y: 2, Z: 24}
	md.ZMax = 26
	require.NoError(t, d.SaveExperiment(md))
	return d
}

func TestOpenAndFind(t *testing.T) {
	d := newExperiment(t)
	nested := filepath.Join(d.Root, "a", "deeper")
	require.NoError(t, os.MkdirAll(nested, 0755))

	opened, err := Open(d.Root)
	require.NoError(t, err)
	assert.Equal(t, d.Root, opened.Root)

	found, err := Find(nested)
	require.NoError(t, err)
	assert.Equal(t, d.Root, found.Root)

	_, err = Open(t.TempDir())
	assert.True(t, errors.Is(err, ErrNotExperiment))
}

func TestExperimentRoundTrip(t *testing.T) {
	d := newExperiment(t)

	md, err := d.LoadExperiment()
	require.NoError(t, err)
	assert.Equal(t, model.Coords{X: 1, Y: 2, Z: 24}, md.Positions["a"])
	assert.Equal(t, "experiment_metadata", md.FileType)
}

func TestLoadConfigMissingUsesDefaults(t *testing.T) {
	d := newExperiment(t)
	cfg, err := d.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, model.DefaultConfig(), cfg)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	d := newExperiment(t)
	require.NoError(t, os.WriteFile(d.ConfigPath(), []byte("revisit:\n  max_visits: 0\n"), 0644))

	_, err := d.LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_visits")
}

func TestResolve(t *testing.T) {
	d := Dir{Root: "/data/exp"}
	assert.Equal(t, "/data/exp/state/hb.yaml", d.Resolve("state/hb.yaml"))
	assert.Equal(t, "/tmp/x.sock", d.Resolve("/tmp/x.sock"))
	assert.Equal(t, "", d.Resolve(""))
}

func TestSocketPath(t *testing.T) {
	d := Dir{Root: "/data/exp"}
	cfg := model.DefaultConfig()
	assert.Equal(t, "/data/exp/state/watchdog.sock", d.SocketPath(cfg))
	cfg.Heartbeat.Socket = "/tmp/scope.sock"
	assert.Equal(t, "/tmp/scope.sock", d.SocketPath(cfg))
}
