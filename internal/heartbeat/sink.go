package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/drew-sinha/rpc-scope/internal/uds"
	yamlutil "github.com/drew-sinha/rpc-scope/internal/yaml"
)

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, at time.Time) error

func (f SinkFunc) Beat(ctx context.Context, at time.Time) error { return f(ctx, at) }

// MultiSink delivers every beat to all sinks and joins their errors.
type MultiSink []Sink

func (m MultiSink) Beat(ctx context.Context, at time.Time) error {
	var errs []error
	for _, s := range m {
		if err := s.Beat(ctx, at); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// File is the document FileSink maintains.
type File struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	PID           int    `yaml:"pid"`
	RunID         string `yaml:"run_id,omitempty"`
	Beat          string `yaml:"beat"`
	Count         int    `yaml:"count"`
}

// FileSink rewrites a small YAML file on every beat so that a watchdog
// without a socket can poll its age.
type FileSink struct {
	Path  string
	RunID string

	count int
}

func (s *FileSink) Beat(_ context.Context, at time.Time) error {
	s.count++
	doc := File{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      yamlutil.FileTypeHeartbeat,
		PID:           os.Getpid(),
		RunID:         s.RunID,
		Beat:          at.UTC().Format(time.RFC3339Nano),
		Count:         s.count,
	}
	if err := yamlutil.AtomicWrite(s.Path, doc); err != nil {
		return fmt.Errorf("heartbeat file: %w", err)
	}
	return nil
}

// ReadFile loads the heartbeat document at path.
func ReadFile(path string) (File, time.Time, error) {
	var f File
	if err := yamlutil.ReadDocument(path, yamlutil.FileTypeHeartbeat, &f); err != nil {
		return f, time.Time{}, err
	}
	at, err := time.Parse(time.RFC3339Nano, f.Beat)
	if err != nil {
		return f, time.Time{}, fmt.Errorf("heartbeat file: bad beat time: %w", err)
	}
	return f, at, nil
}

// SocketSink sends each beat to the watchdog over its Unix socket.
type SocketSink struct {
	Client *uds.Client
	RunID  string
}

func NewSocketSink(socketPath, runID string) *SocketSink {
	c := uds.NewClient(socketPath)
	c.SetTimeout(2 * time.Second)
	return &SocketSink{Client: c, RunID: runID}
}

func (s *SocketSink) Beat(ctx context.Context, at time.Time) error {
	resp, err := s.Client.SendCommand(ctx, uds.CommandBeat, uds.BeatParams{
		PID:   os.Getpid(),
		RunID: s.RunID,
		At:    at.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	return resp.Err()
}
