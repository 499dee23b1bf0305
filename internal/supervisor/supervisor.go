package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gami/protocol-engine/internal/metrics"
	"github.com/gami/protocol-engine/internal/notify"
)

// Engine names.
const (
	EngineEconomy  = "economy"
	EngineQuest    = "quest"
	EngineSecurity = "security"
)

const (
	serverName    = "gami-supervisor"
	serverVersion = "1.0.0"
)

// Config locates the engines and bounds every call to them.
type Config struct {
	EconomyURL  string
	QuestURL    string
	SecurityURL string

	HealthInterval time.Duration
	Timeouts       Timeouts
}

// HealthReport is the body of the supervisor's GET /health.
type HealthReport struct {
	Status  string     `json:"status"`
	Engines []Snapshot `json:"engines"`
}

// Supervisor owns the shared HTTP pool, the engine clients and the health
// monitor. Start and Close bracket their lifetime together.
type Supervisor struct {
	http    *http.Client
	clients map[string]*Client
	monitor *Monitor
	server  *mcp.Server

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a supervisor. Nothing runs until Start.
func New(cfg Config) *Supervisor {
	hc := NewHTTPClient(cfg.Timeouts)
	clients := map[string]*Client{
		EngineEconomy:  NewClient(EngineEconomy, cfg.EconomyURL, hc),
		EngineQuest:    NewClient(EngineQuest, cfg.QuestURL, hc),
		EngineSecurity: NewClient(EngineSecurity, cfg.SecurityURL, hc),
	}
	probers := make(map[string]Prober, len(clients))
	for name, c := range clients {
		probers[name] = c
	}

	s := &Supervisor{
		http:    hc,
		clients: clients,
		monitor: NewMonitor(probers, cfg.HealthInterval, cfg.Timeouts.Connect),
	}
	s.server = mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, nil)
	s.registerTools(s.server)
	return s
}

// Monitor exposes the health monitor, e.g. to hook transitions.
func (s *Supervisor) Monitor() *Monitor {
	return s.monitor
}

// Server returns the MCP server carrying the engine tools.
func (s *Supervisor) Server() *mcp.Server {
	return s.server
}

// Start launches health polling. It is a no-op if already started.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.monitor.Run(ctx)
	}()
}

// Close stops polling, waits for the poller to exit and only then releases
// the connection pool.
func (s *Supervisor) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.http.CloseIdleConnections()
}

// Handler serves MCP over streamable HTTP at /mcp, plus /health, /metrics
// and, when hub is non-nil, the circuit-breaker WebSocket.
func (s *Supervisor) Handler(hub *notify.Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		snaps := s.monitor.Snapshot()
		status := "healthy"
		for _, snap := range snaps {
			if snap.Status != StatusHealthy {
				status = "degraded"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(HealthReport{Status: status, Engines: snaps})
	})
	r.Handle("/metrics", metrics.Handler())
	if hub != nil {
		r.Get("/ws/circuit-breaker", hub.HandleWS)
	}
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, nil))
	return r
}

// ServeStdio runs the MCP server over stdin/stdout until ctx is done.
func (s *Supervisor) ServeStdio(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}
