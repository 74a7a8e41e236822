// Package uplink owns the reconnection path: a connectivity Monitor that
// debounces flapping online transitions, and a queue Processor that drains
// the durable request queue when the link comes back.
//
// The two halves are wired by the engine: the Monitor notifies listeners on
// a settled online transition, and the listener triggers Processor.Drain.
// Offline transitions propagate immediately — only the online edge is
// debounced, since a link that flaps up for half a second is not worth a
// drain attempt.
package uplink

import (
	"log/slog"
	"sync"
	"time"
)

// MonitorOptions tunes the Monitor.
type MonitorOptions struct {
	// Debounce is the quiet period a reported online state must hold before
	// listeners fire. Default: 2s.
	Debounce time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *MonitorOptions) defaults() {
	if o.Debounce <= 0 {
		o.Debounce = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Monitor tracks connectivity as reported by the platform. It starts
// offline; SetOnline feeds it raw signals and Online returns the settled
// state. Safe for concurrent use.
type Monitor struct {
	opts MonitorOptions

	mu        sync.Mutex
	online    bool // settled state, post-debounce
	raw       bool // last reported state
	timer     *time.Timer
	listeners []func(online bool)
}

// NewMonitor creates a Monitor in the offline state.
func NewMonitor(opts MonitorOptions) *Monitor {
	opts.defaults()
	return &Monitor{opts: opts}
}

// Online reports the settled connectivity state. During the online debounce
// window it still reports false.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a listener for settled state transitions. The
// listener runs on the transition goroutine and must not block.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// SetOnline feeds a raw connectivity signal.
//
// Going offline settles immediately and cancels any pending online
// transition. Going online arms the debounce timer; the transition settles
// only if no offline signal arrives inside the window, so a flapping link
// produces at most one notification per stable period.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()

	m.raw = online
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	if !online {
		if !m.online {
			m.mu.Unlock()
			return
		}
		m.online = false
		notify := append([]func(bool){}, m.listeners...)
		m.mu.Unlock()
		m.opts.Logger.Info("uplink: offline")
		for _, fn := range notify {
			fn(false)
		}
		return
	}

	if m.online {
		m.mu.Unlock()
		return // already settled online
	}
	m.opts.Logger.Debug("uplink: online signal, debouncing", "window", m.opts.Debounce)
	m.timer = time.AfterFunc(m.opts.Debounce, m.settleOnline)
	m.mu.Unlock()
}

func (m *Monitor) settleOnline() {
	m.mu.Lock()
	if !m.raw || m.online {
		m.mu.Unlock()
		return // flapped back down, or a racing signal already settled
	}
	m.online = true
	m.timer = nil
	notify := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	m.opts.Logger.Info("uplink: online")
	for _, fn := range notify {
		fn(true)
	}
}
