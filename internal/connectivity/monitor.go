// Package connectivity tracks whether the remote store is reachable.
//
// The monitor combines two signals: explicit host reports through SetOnline
// and, when a Prober is configured, a periodic reachability probe. Going
// online notifies immediately and then again after a settle delay, which is
// when the engine pulls and drains. Going offline before the delay elapses
// cancels the settled notification.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Prober checks reachability. remote.Store implements it.
type Prober interface {
	Ping(ctx context.Context) error
}

// Config holds configuration for the monitor.
type Config struct {
	// ProbeInterval is how often the prober is called. Zero disables
	// periodic probing.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration

	// SettleDelay is how long the connection must stay up before
	// OnSettled fires.
	SettleDelay time.Duration

	// Initial is the starting state when there is no prober.
	Initial bool

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
		SettleDelay:   2 * time.Second,
	}
}

// Handlers receive state transitions. Any of them may be nil.
// OnOnline and OnOffline run synchronously on the goroutine that observed
// the transition and must not call SetOnline.
type Handlers struct {
	OnOnline  func()
	OnOffline func()
	OnSettled func(ctx context.Context)
}

// Monitor holds the online flag and fires transition handlers.
type Monitor struct {
	prober   Prober
	config   *Config
	handlers Handlers
	logger   *zap.Logger

	notifyMu sync.Mutex // serializes transition handlers

	mu      sync.Mutex
	online  bool
	gen     uint64
	settle  *time.Timer
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor. prober may be nil, in which case the state only
// changes through SetOnline.
func New(prober Prober, handlers Handlers, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		prober:   prober,
		config:   config,
		handlers: handlers,
		logger:   logger.Named("connectivity"),
		online:   config.Initial,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start determines the initial state with one probe, without firing
// handlers, and starts periodic probing.
func (m *Monitor) Start(ctx context.Context) {
	if m.prober != nil {
		online := m.ping(ctx)
		m.mu.Lock()
		m.online = online
		m.mu.Unlock()
		m.logger.Info("Initial connectivity", zap.Bool("online", online))
	}

	if m.prober != nil && m.config.ProbeInterval > 0 {
		m.wg.Add(1)
		go m.probeLoop()
	}
}

// Stop cancels probing and any pending settled notification, and waits for
// running handlers to return.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.gen++
	if m.settle != nil {
		m.settle.Stop()
		m.settle = nil
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a host connectivity signal. Repeating the current state
// is a no-op.
func (m *Monitor) SetOnline(online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online || m.stopped {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.gen++
	if m.settle != nil {
		m.settle.Stop()
		m.settle = nil
	}
	if online {
		gen := m.gen
		m.settle = time.AfterFunc(m.config.SettleDelay, func() { m.settled(gen) })
	}
	m.mu.Unlock()

	if online {
		m.logger.Info("Connection restored")
		if m.handlers.OnOnline != nil {
			m.handlers.OnOnline()
		}
		return
	}
	m.logger.Info("Connection lost")
	if m.handlers.OnOffline != nil {
		m.handlers.OnOffline()
	}
}

// Probe pings the prober once and records the result.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.prober == nil {
		return m.Online()
	}
	online := m.ping(ctx)
	m.SetOnline(online)
	return online
}

func (m *Monitor) ping(ctx context.Context) bool {
	timeout := m.config.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := m.prober.Ping(ctx); err != nil {
		m.logger.Debug("Probe failed", zap.Error(err))
		return false
	}
	return true
}

// settled fires OnSettled if the connection stayed up since generation gen.
func (m *Monitor) settled(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.online || m.stopped {
		m.mu.Unlock()
		return
	}
	m.settle = nil
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	m.logger.Debug("Connection settled")
	if m.handlers.OnSettled != nil {
		m.handlers.OnSettled(m.ctx)
	}
}

// probeLoop periodically re-checks reachability.
func (m *Monitor) probeLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return

		case <-ticker.C:
			m.Probe(m.ctx)
		}
	}
}
