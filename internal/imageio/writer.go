// Package imageio writes acquired frames to disk in the background while the
// control loop moves on to the next position.
package imageio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/drew-sinha/rpc-scope/internal/logging"
	"github.com/drew-sinha/rpc-scope/internal/model"
	yamlutil "github.com/drew-sinha/rpc-scope/internal/yaml"
)

const DefaultWorkers = 4

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("image writer closed")

// Handle tracks one pending image write.
type Handle struct {
	Path string
	done chan struct{}
	err  error
}

func newHandle(path string) *Handle {
	return &Handle{Path: path, done: make(chan struct{})}
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// Wait blocks until the write finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Writer encodes PNGs on a bounded number of goroutines. Every handle it
// returns is retained until Close, which waits for all of them.
type Writer struct {
	sem    *semaphore.Weighted
	logger *logging.Logger

	mu      sync.Mutex
	pending []*Handle
	closed  bool
	written int
}

func NewWriter(workers int, logger *logging.Logger) *Writer {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Writer{
		sem:    semaphore.NewWeighted(int64(workers)),
		logger: logger.With("imageio"),
	}
}

// Write schedules one file per frame and returns immediately. The writes
// are not tied to any caller context: once accepted an image is always
// written, even during shutdown.
func (w *Writer) Write(frames []image.Image, paths []string, c model.Compression) ([]*Handle, error) {
	if len(frames) != len(paths) {
		return nil, fmt.Errorf("image writer: %d frames for %d paths", len(frames), len(paths))
	}
	level, err := compressionLevel(c)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrClosed
	}
	handles := make([]*Handle, len(frames))
	for i := range frames {
		handles[i] = newHandle(paths[i])
	}
	w.pending = append(w.pending, handles...)
	w.mu.Unlock()

	for i, h := range handles {
		go w.run(h, frames[i], level)
	}
	return handles, nil
}

func (w *Writer) run(h *Handle, img image.Image, level png.CompressionLevel) {
	_ = w.sem.Acquire(context.Background(), 1)
	defer w.sem.Release(1)

	err := encodeFile(h.Path, img, level)
	if err != nil {
		w.logger.Errorf("write %s: %v", h.Path, err)
	}
	w.mu.Lock()
	if err == nil {
		w.written++
	}
	w.mu.Unlock()
	h.finish(err)
}

// Outstanding returns the handles not yet finished.
func (w *Writer) Outstanding() []*Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*Handle
	for _, h := range w.pending {
		select {
		case <-h.done:
		default:
			out = append(out, h)
		}
	}
	return out
}

// Written is the number of images successfully written so far.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Close stops accepting writes and waits for every handle ever returned.
// All write errors are joined.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()

	var errs []error
	for _, h := range pending {
		if err := h.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.Path, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

func encodeFile(path string, img image.Image, level png.CompressionLevel) error {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: level}
	if err := enc.Encode(&buf, img); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return yamlutil.WriteFileAtomic(path, buf.Bytes(), 0644)
}

func compressionLevel(c model.Compression) (png.CompressionLevel, error) {
	switch c {
	case model.CompressionNone:
		return png.NoCompression, nil
	case model.CompressionFast, "":
		return png.BestSpeed, nil
	case model.CompressionDefault:
		return png.DefaultCompression, nil
	case model.CompressionBest:
		return png.BestCompression, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", c)
	}
}
