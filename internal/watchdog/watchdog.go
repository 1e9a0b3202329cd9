// Package watchdog is the external liveness monitor of an acquisition. It
// listens on the experiment's Unix socket for beats and raises an error
// when too many intervals pass without one.
package watchdog

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/drew-sinha/rpc-scope/internal/clock"
	"github.com/drew-sinha/rpc-scope/internal/events"
	"github.com/drew-sinha/rpc-scope/internal/experiment"
	"github.com/drew-sinha/rpc-scope/internal/heartbeat"
	"github.com/drew-sinha/rpc-scope/internal/lock"
	"github.com/drew-sinha/rpc-scope/internal/logging"
	"github.com/drew-sinha/rpc-scope/internal/model"
	"github.com/drew-sinha/rpc-scope/internal/notify"
	"github.com/drew-sinha/rpc-scope/internal/uds"
)

// Status is the reply to the status command.
type Status struct {
	heartbeat.MonitorStatus
	PID       int       `json:"watchdog_pid"`
	StartedAt time.Time `json:"started_at"`
	Beats     int       `json:"beats"`
	Socket    string    `json:"socket"`
}

type Watchdog struct {
	dir     experiment.Dir
	cfg     model.Config
	logger  *logging.Logger
	logFile io.Closer
	clock   clock.Clock
	events  *events.Bus
	alarm   notify.Notifier

	fileLock *lock.FileLock
	server   *uds.Server
	monitor  *heartbeat.Monitor
	socket   string

	mu      sync.Mutex
	beats   int
	started time.Time
	alarmed bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

type Option func(*Watchdog)

// WithNotifier replaces the notifier built from watchdog.alarm_command.
func WithNotifier(n notify.Notifier) Option {
	return func(w *Watchdog) { w.alarm = n }
}

func WithClock(c clock.Clock) Option {
	return func(w *Watchdog) { w.clock = c }
}

// WithEvents publishes heartbeat_missed on the bus.
func WithEvents(b *events.Bus) Option {
	return func(w *Watchdog) { w.events = b }
}

// New creates a watchdog logging to logs/watchdog.log.
func New(dir experiment.Dir, cfg model.Config, opts ...Option) (*Watchdog, error) {
	logger, closer, err := logging.OpenFile(dir.WatchdogLogPath(), logging.ParseLevel(cfg.Logging.Level), os.Stderr)
	if err != nil {
		return nil, err
	}
	return newWatchdog(dir, cfg, logger, closer, opts...), nil
}

func newWatchdog(dir experiment.Dir, cfg model.Config, logger *logging.Logger, closer io.Closer, opts ...Option) *Watchdog {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watchdog{
		dir:      dir,
		cfg:      cfg,
		logger:   logger.With("watchdog"),
		logFile:  closer,
		clock:    clock.Real{},
		fileLock: lock.NewFileLock(dir.WatchdogLockPath()),
		socket:   dir.SocketPath(cfg),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.Watchdog.AlarmCommand != "" {
		w.alarm = notify.Command{Argv: []string{"/bin/sh", "-c", cfg.Watchdog.AlarmCommand}}
	}
	for _, o := range opts {
		o(w)
	}
	w.server = uds.NewServer(w.socket, w.logger)

	interval := cfg.WatchdogInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	w.monitor = &heartbeat.Monitor{
		Interval:    interval,
		MaxMissed:   cfg.Watchdog.MaxMissed,
		Clock:       w.clock,
		OnMissed:    w.onMissed,
		OnRecovered: w.onRecovered,
	}
	return w
}

func (w *Watchdog) SocketPath() string { return w.socket }

// Start takes the watchdog lock, starts the socket server and the monitor
// loop, and returns.
func (w *Watchdog) Start() error {
	if err := w.fileLock.TryLock(); err != nil {
		return fmt.Errorf("watchdog lock: %w", err)
	}
	w.logger.Infof("watchdog starting pid=%d interval=%s max_missed=%d", os.Getpid(), w.monitor.Interval, w.monitor.MaxMissed)

	w.registerHandlers()
	if err := w.server.Start(); err != nil {
		w.fileLock.Unlock()
		return fmt.Errorf("start watchdog socket: %w", err)
	}
	w.mu.Lock()
	w.started = w.clock.Now()
	w.mu.Unlock()
	w.logger.Infof("listening on %s", w.socket)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.monitor.Run(w.ctx)
	}()
	return nil
}

// Run starts the watchdog and blocks until ctx ends or SIGINT/SIGTERM
// arrives, then shuts down.
func (w *Watchdog) Run(ctx context.Context) error {
	if err := w.Start(); err != nil {
		return err
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		w.logger.Infof("received signal=%s, shutting down", sig)
	case <-ctx.Done():
	case <-w.ctx.Done():
	}
	w.Shutdown()
	return nil
}

func (w *Watchdog) registerHandlers() {
	w.server.Handle(uds.CommandPing, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{"status": "ok", "pid": os.Getpid()})
	})

	w.server.Handle(uds.CommandBeat, func(_ context.Context, req *uds.Request) *uds.Response {
		var p uds.BeatParams
		if err := req.DecodeParams(&p); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		at := w.clock.Now()
		if p.At != "" {
			t, err := time.Parse(time.RFC3339Nano, p.At)
			if err != nil {
				return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("bad beat time %q", p.At))
			}
			at = t
		}
		w.monitor.Beat(at, p.PID, p.RunID)
		w.mu.Lock()
		w.beats++
		n := w.beats
		w.mu.Unlock()
		w.logger.Debugf("beat pid=%d run=%s at=%s", p.PID, p.RunID, at.Format(time.RFC3339))
		return uds.SuccessResponse(map[string]int{"beats": n})
	})

	w.server.Handle(uds.CommandStatus, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(w.Status())
	})
}

func (w *Watchdog) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		MonitorStatus: w.monitor.Status(),
		PID:           os.Getpid(),
		StartedAt:     w.started,
		Beats:         w.beats,
		Socket:        w.socket,
	}
}

func (w *Watchdog) onMissed(missed int, last time.Time) {
	lastStr := "never"
	if !last.IsZero() {
		lastStr = last.Format(time.RFC3339)
	}
	msg := fmt.Sprintf("acquisition unresponsive: %d intervals without a heartbeat (last beat %s)", missed, lastStr)
	w.logger.Errorf("%s", msg)
	w.events.Publish(events.EventHeartbeatMissed, map[string]any{"missed": missed, "last_beat": lastStr})

	w.mu.Lock()
	first := !w.alarmed
	w.alarmed = true
	w.mu.Unlock()
	if first {
		w.notify("scope alarm: "+w.dir.Root, msg)
	}
}

func (w *Watchdog) onRecovered(missed int) {
	msg := fmt.Sprintf("heartbeat resumed after %d missed intervals", missed)
	w.logger.Infof("%s", msg)

	w.mu.Lock()
	w.alarmed = false
	w.mu.Unlock()
	w.notify("scope recovered: "+w.dir.Root, msg)
}

// notify runs the alarm notifier in the background; Shutdown waits for it.
func (w *Watchdog) notify(title, msg string) {
	if w.alarm == nil {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.alarm.Notify(w.ctx, title, msg); err != nil {
			w.logger.Warnf("alarm notification failed: %v", err)
		}
	}()
}

// Shutdown stops the server and monitor and releases the lock. It is safe
// to call more than once.
func (w *Watchdog) Shutdown() {
	w.shutdown.Do(func() {
		w.logger.Infof("shutdown started")
		w.cancel()
		w.server.Stop()

		timeout := time.Duration(w.cfg.Watchdog.ShutdownTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			w.logger.Warnf("shutdown timeout after %s", timeout)
		}

		w.fileLock.Unlock()
		w.logger.Infof("watchdog stopped")
		if w.logFile != nil {
			w.logFile.Close()
		}
	})
}

// Query sends cmd to the watchdog listening at socketPath and decodes the
// reply into out when out is non-nil.
func Query(ctx context.Context, socketPath, cmd string, out any) error {
	c := uds.NewClient(socketPath)
	c.SetTimeout(2 * time.Second)
	resp, err := c.SendCommand(ctx, cmd, nil)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}
