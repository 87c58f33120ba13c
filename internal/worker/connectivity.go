package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/helpdesk/backend/internal/backend"
	"github.com/example/helpdesk/backend/internal/logging"
	"github.com/example/helpdesk/backend/internal/metrics"
)

// ConnectivityMonitor periodically pings the document store and maintains the online/offline
// indicator shown alongside the ticket feeds.
type ConnectivityMonitor struct {
	pinger   backend.Pinger
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger

	online atomic.Bool

	mu        sync.Mutex
	listeners map[uint64]func(bool)
	nextID    uint64
}

// NewConnectivityMonitor creates a monitor that assumes the backend is online until the
// first failed check.
func NewConnectivityMonitor(pinger backend.Pinger, interval time.Duration) *ConnectivityMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := interval / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	m := &ConnectivityMonitor{
		pinger:    pinger,
		interval:  interval,
		timeout:   timeout,
		log:       logging.With("connectivity"),
		listeners: make(map[uint64]func(bool)),
	}
	m.online.Store(true)
	metrics.SetOnline(true)
	return m
}

// Online reports the result of the last check.
func (m *ConnectivityMonitor) Online() bool { return m.online.Load() }

// OnChange registers fn for online/offline transitions.
func (m *ConnectivityMonitor) OnChange(fn func(online bool)) (cancel func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Run checks connectivity immediately and then on every tick until ctx is done. It should
// be launched in its own goroutine.
func (m *ConnectivityMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("connectivity monitor shutting down")
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check pings the backend once and records the result.
func (m *ConnectivityMonitor) Check(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.pinger.Ping(pingCtx)
	cancel()
	if ctx.Err() != nil {
		return m.Online()
	}

	online := err == nil
	if m.online.Swap(online) == online {
		return online
	}
	metrics.SetOnline(online)
	if online {
		m.log.Info().Msg("backend reachable again")
	} else {
		m.log.Warn().Err(err).Msg("backend unreachable")
	}

	m.mu.Lock()
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
	return online
}
