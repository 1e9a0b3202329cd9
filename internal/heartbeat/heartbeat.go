// Package heartbeat implements the liveness contract between a running
// acquisition and its external watchdog: the acquisition signals at least
// once per minute, including while it waits for revisits.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/drew-sinha/rpc-scope/internal/clock"
	"github.com/drew-sinha/rpc-scope/internal/logging"
	"github.com/drew-sinha/rpc-scope/internal/telemetry"
)

const (
	// DefaultMaxChunk keeps consecutive beats under a minute apart.
	DefaultMaxChunk = 55 * time.Second
	// ChunkLimit is the watchdog's tolerance; chunks must stay below it.
	ChunkLimit = 60 * time.Second
)

// Sink delivers a beat to whoever watches this process.
type Sink interface {
	Beat(ctx context.Context, at time.Time) error
}

type Heartbeat struct {
	sink     Sink
	clock    clock.Clock
	maxChunk time.Duration
	logger   *logging.Logger
	metrics  *telemetry.Metrics

	mu    sync.Mutex
	last  time.Time
	count int
}

type Option func(*Heartbeat)

func WithClock(c clock.Clock) Option {
	return func(h *Heartbeat) { h.clock = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(h *Heartbeat) { h.logger = l.With("heartbeat") }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(h *Heartbeat) { h.metrics = m }
}

// WithMaxChunk sets the longest uninterrupted wait. Values outside
// (0, ChunkLimit) fall back to DefaultMaxChunk.
func WithMaxChunk(d time.Duration) Option {
	return func(h *Heartbeat) { h.maxChunk = d }
}

func New(sink Sink, opts ...Option) *Heartbeat {
	h := &Heartbeat{
		sink:     sink,
		clock:    clock.Real{},
		maxChunk: DefaultMaxChunk,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.maxChunk <= 0 || h.maxChunk >= ChunkLimit {
		h.maxChunk = DefaultMaxChunk
	}
	return h
}

// Signal emits one beat. Sink failures are logged and otherwise ignored:
// a broken watchdog link must never stop an acquisition.
func (h *Heartbeat) Signal(ctx context.Context) {
	now := h.clock.Now()
	var err error
	if h.sink != nil {
		err = h.sink.Beat(ctx, now)
	}
	if err != nil {
		h.logger.Warnf("beat failed: %v", err)
	}
	h.metrics.RecordHeartbeat(ctx, err == nil)

	h.mu.Lock()
	h.last = now
	h.count++
	h.mu.Unlock()
}

// WaitUntil blocks until deadline in chunks of at most MaxChunk, signalling
// after each chunk. It returns ctx.Err() if ctx ends first.
func (h *Heartbeat) WaitUntil(ctx context.Context, deadline time.Time) error {
	start := h.clock.Now()
	defer func() { h.metrics.RecordWait(ctx, h.clock.Now().Sub(start)) }()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := deadline.Sub(h.clock.Now())
		if remaining <= 0 {
			return nil
		}
		chunk := min(remaining, h.maxChunk)
		h.logger.Debugf("waiting %s (%s remaining)", chunk.Round(time.Millisecond), remaining.Round(time.Second))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.clock.After(chunk):
		}
		h.Signal(ctx)
	}
}

func (h *Heartbeat) MaxChunk() time.Duration { return h.maxChunk }

// Last returns the time of the latest beat and how many have been sent.
func (h *Heartbeat) Last() (time.Time, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last, h.count
}
