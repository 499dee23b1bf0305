package supervisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gami/protocol-engine/internal/metrics"
)

// Status is an engine's observed health.
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusHealthy     Status = "healthy"
	StatusUnreachable Status = "unreachable"
)

// Snapshot is the result of the most recent completed poll of one engine.
type Snapshot struct {
	Engine    string          `json:"engine"`
	Status    Status          `json:"status"`
	CheckedAt time.Time       `json:"last_checked,omitzero"`
	LatencyMS float64         `json:"latency_ms"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Transition is emitted once each time an engine's status changes.
type Transition struct {
	Engine string
	From   Status
	To     Status
}

// Prober checks one engine.
type Prober interface {
	Probe(ctx context.Context) (json.RawMessage, error)
}

// Monitor polls every engine on a fixed interval.
type Monitor struct {
	probers  map[string]Prober
	names    []string
	interval time.Duration
	timeout  time.Duration

	// OnTransition, if set, is called for each status change. It runs on the
	// polling goroutine.
	OnTransition func(Transition)

	mu    sync.RWMutex
	snaps map[string]Snapshot
}

// NewMonitor creates a monitor. Every engine starts unknown.
func NewMonitor(probers map[string]Prober, interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	m := &Monitor{
		probers:  probers,
		interval: interval,
		timeout:  timeout,
		snaps:    make(map[string]Snapshot, len(probers)),
	}
	for name := range probers {
		m.names = append(m.names, name)
		m.snaps[name] = Snapshot{Engine: name, Status: StatusUnknown}
	}
	slices.Sort(m.names)
	return m
}

// Run polls immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll probes every engine concurrently, each under its own timeout, and
// records the results.
func (m *Monitor) Poll(ctx context.Context) {
	results := make([]Snapshot, len(m.names))
	var g errgroup.Group
	for i, name := range m.names {
		g.Go(func() error {
			results[i] = m.probe(ctx, name)
			return nil
		})
	}
	g.Wait()

	if ctx.Err() != nil {
		return
	}
	for _, snap := range results {
		m.record(snap)
	}
}

func (m *Monitor) probe(ctx context.Context, name string) Snapshot {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	detail, err := m.probers[name].Probe(ctx)
	snap := Snapshot{
		Engine:    name,
		Status:    StatusHealthy,
		CheckedAt: time.Now().UTC(),
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
		Detail:    detail,
	}
	if err != nil {
		snap.Status = StatusUnreachable
		snap.Error = err.Error()
	}
	return snap
}

func (m *Monitor) record(snap Snapshot) {
	m.mu.Lock()
	prev := m.snaps[snap.Engine].Status
	m.snaps[snap.Engine] = snap
	m.mu.Unlock()

	up := 0.0
	if snap.Status == StatusHealthy {
		up = 1
	}
	metrics.EngineUp.WithLabelValues(snap.Engine).Set(up)

	if prev == snap.Status {
		return
	}
	if snap.Status == StatusHealthy {
		slog.Info("engine health changed", "engine", snap.Engine, "from", prev, "to", snap.Status)
	} else {
		slog.Warn("engine health changed", "engine", snap.Engine, "from", prev, "to", snap.Status, "err", snap.Error)
	}
	if m.OnTransition != nil {
		m.OnTransition(Transition{Engine: snap.Engine, From: prev, To: snap.Status})
	}
}

// Snapshot returns the latest snapshot of every engine, sorted by name.
func (m *Monitor) Snapshot() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.names))
	for _, name := range m.names {
		out = append(out, m.snaps[name])
	}
	return out
}
