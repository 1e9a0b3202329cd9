package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/drew-sinha/rpc-scope/internal/clock"
)

// Monitor is the watchdog side of the contract. Every interval it checks
// whether a beat arrived; after MaxMissed silent intervals it calls
// OnMissed (again on each further silent interval) and, once beats resume,
// OnRecovered.
type Monitor struct {
	Interval    time.Duration
	MaxMissed   int
	OnMissed    func(missed int, last time.Time)
	OnRecovered func(missed int)
	Clock       clock.Clock

	mu       sync.Mutex
	last     time.Time
	beatSeen bool
	missed   int
	alarmed  bool
	runID    string
	pid      int
}

type MonitorStatus struct {
	LastBeat time.Time `json:"last_beat"`
	Missed   int       `json:"missed"`
	Alarmed  bool      `json:"alarmed"`
	RunID    string    `json:"run_id,omitempty"`
	PID      int       `json:"pid,omitempty"`
}

// Beat records a beat received from pid.
func (m *Monitor) Beat(at time.Time, pid int, runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if at.After(m.last) {
		m.last = at
	}
	m.beatSeen = true
	m.pid = pid
	m.runID = runID
}

// Check evaluates one interval.
func (m *Monitor) Check() {
	m.mu.Lock()
	var missedCb func(int, time.Time)
	var recoveredCb func(int)
	missed, last := 0, m.last

	if m.beatSeen {
		if m.alarmed {
			recoveredCb = m.OnRecovered
			missed = m.missed
		}
		m.beatSeen = false
		m.missed = 0
		m.alarmed = false
	} else {
		m.missed++
		if m.missed >= m.maxMissed() {
			m.alarmed = true
			missedCb = m.OnMissed
			missed = m.missed
		}
	}
	m.mu.Unlock()

	if missedCb != nil {
		missedCb(missed, last)
	}
	if recoveredCb != nil {
		recoveredCb(missed)
	}
}

// Run calls Check every Interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	clk := m.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	interval := m.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-clk.After(interval):
			m.Check()
		}
	}
}

func (m *Monitor) Status() MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MonitorStatus{LastBeat: m.last, Missed: m.missed, Alarmed: m.alarmed, RunID: m.runID, PID: m.pid}
}

func (m *Monitor) maxMissed() int {
	if m.MaxMissed <= 0 {
		return 1
	}
	return m.MaxMissed
}
