package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"kasirinaja/kiosk/internal/transport"
)

type Signal int

const (
	BecameOffline Signal = iota
	BecameOnline
)

func (s Signal) String() string {
	if s == BecameOnline {
		return "online"
	}
	return "offline"
}

// Source publishes connectivity transitions.
type Source interface {
	Subscribe() <-chan Signal
	Online() bool
}

const subscriberBuffer = 4

// Monitor tracks reachability of the server and fans transitions out to
// subscribers. It never blocks on a slow subscriber; the oldest pending
// signal is dropped instead.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   []chan Signal

	prober   transport.Prober
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

func NewMonitor(prober transport.Prober, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		timeout:  interval / 2,
		logger:   logger.With(slog.String("component", "connectivity")),
	}
}

func (m *Monitor) Subscribe() <-chan Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Signal, subscriberBuffer)
	m.subs = append(m.subs, ch)
	return ch
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the current reachability and emits a signal on a transition.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	sig := BecameOffline
	if online {
		sig = BecameOnline
	}
	m.logger.Info("connectivity changed", slog.String("state", sig.String()))
	for _, ch := range m.subs {
		deliver(ch, sig)
	}
}

func deliver(ch chan Signal, sig Signal) {
	for {
		select {
		case ch <- sig:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Run probes the server until ctx is cancelled. Subscriber channels are
// closed when it returns.
func (m *Monitor) Run(ctx context.Context) {
	defer m.closeSubscribers()
	if m.prober == nil {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.prober.Ping(probeCtx)
	if err != nil && ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Debug("probe failed", slog.Any("error", err))
	}
	m.Set(err == nil)
}

func (m *Monitor) closeSubscribers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
}

// Static is a manually driven Source.
type Static struct {
	*Monitor
}

func NewStatic(online bool) *Static {
	m := NewMonitor(nil, 0, nil)
	m.online = online
	return &Static{Monitor: m}
}

func (s *Static) GoOnline()  { s.Set(true) }
func (s *Static) GoOffline() { s.Set(false) }
