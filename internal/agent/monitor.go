package agent

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

type MonitorOptions struct {
	// ProbeURL is fetched each cycle; any delivered response counts as online.
	ProbeURL string
	Interval time.Duration
	// Jitter is the fraction of Interval each wait may deviate by (0.0-1.0).
	Jitter  float64
	Timeout time.Duration
	// OnReconnect runs after every offline to online transition.
	OnReconnect func(ctx context.Context)
	Logger      *zap.Logger
}

// Monitor probes connectivity and reports transitions. It starts offline
// so the first successful probe counts as a reconnect.
type Monitor struct {
	fetcher     Fetcher
	probeURL    string
	interval    time.Duration
	jitter      float64
	timeout     time.Duration
	onReconnect func(ctx context.Context)
	log         *zap.Logger

	mu         sync.RWMutex
	online     bool
	lastProbe  time.Time
	lastChange time.Time
}

type MonitorStatus struct {
	Online     bool      `json:"online"`
	LastProbe  time.Time `json:"lastProbe,omitempty"`
	LastChange time.Time `json:"lastChange,omitempty"`
}

func NewMonitor(fetcher Fetcher, opts MonitorOptions) *Monitor {
	interval := opts.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		fetcher:     fetcher,
		probeURL:    opts.ProbeURL,
		interval:    interval,
		jitter:      clampJitterRatio(opts.Jitter),
		timeout:     timeout,
		onReconnect: opts.OnReconnect,
		log:         logger,
	}
}

// Run probes until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.Probe(ctx)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(m.interval, m.jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.Probe(ctx)
			timer.Reset(jitteredIntervalWithSample(m.interval, m.jitter, rng.Float64()))
		}
	}
}

// Probe runs one connectivity check and returns the new state.
func (m *Monitor) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	_, err := m.fetcher.Fetch(probeCtx, Request{Method: http.MethodHead, URL: m.probeURL, Header: http.Header{}})
	cancel()
	online := err == nil
	if !m.set(online) {
		return online
	}
	if online {
		m.log.Info("connectivity restored", zap.String("probe", m.probeURL))
		if m.onReconnect != nil {
			m.onReconnect(ctx)
		}
	} else {
		m.log.Warn("connectivity lost", zap.String("probe", m.probeURL), zap.Error(err))
	}
	return online
}

// set records the probe and reports whether the state changed.
func (m *Monitor) set(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	m.lastProbe = now
	if m.online == online {
		return false
	}
	m.online = online
	m.lastChange = now
	return true
}

func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

func (m *Monitor) Status() MonitorStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MonitorStatus{Online: m.online, LastProbe: m.lastProbe, LastChange: m.lastChange}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
