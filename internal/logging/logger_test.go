package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{" error ", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "ParseLevel(%q)", tt.in)
	}
}

func TestLogger_FormatAndFiltering(t *testing.T) {
	var buf bytes.Buffer
	fixed := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	l := New(&buf, LevelInfo).WithClock(func() time.Time { return fixed }).With("scheduler")

	l.Debugf("hidden %d", 1)
	l.Warnf("missing timestamp channel=%s", "gfp")

	assert.Equal(t, "2024-05-06T07:08:09Z WARN scheduler: missing timestamp channel=gfp\n", buf.String())
}

func TestLogger_WithDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := New(&buf, LevelDebug)
	child := parent.With("focus")

	parent.Infof("a")
	child.Infof("b")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], " scope: a")
	assert.Contains(t, lines[1], " focus: b")
}

func TestLogger_NilIsSilent(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() {
		l.Errorf("nothing")
		_ = l.With("x")
	})
	assert.False(t, l.Enabled(LevelError))
}

func TestOpenFile_AppendsAndMirrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "acquisition.log")
	var mirror bytes.Buffer

	l, closer, err := OpenFile(path, LevelInfo, &mirror)
	require.NoError(t, err)
	l.Infof("first")
	require.NoError(t, closer.Close())

	l, closer, err = OpenFile(path, LevelInfo)
	require.NoError(t, err)
	l.Infof("second")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "first")
	assert.Contains(t, string(data), "second")
	assert.Contains(t, mirror.String(), "first")
	assert.NotContains(t, mirror.String(), "second")
}
