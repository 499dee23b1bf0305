package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gami/protocol-engine/internal/anomaly"
	"github.com/gami/protocol-engine/internal/model"
	"github.com/gami/protocol-engine/internal/notify"
	"github.com/gami/protocol-engine/internal/security"
)

// Security serves the fraud engine.
type Security struct {
	engine *security.Engine
	hub    *notify.Hub
}

// NewSecurity creates the security handlers. hub may be nil, in which case
// the circuit-breaker WebSocket is not mounted.
func NewSecurity(engine *security.Engine, hub *notify.Hub) *Security {
	return &Security{engine: engine, hub: hub}
}

// Routes mounts the security endpoints.
func (s *Security) Routes(r chi.Router) {
	r.Post("/ingest-events", s.Ingest)
	r.Post("/detect-anomaly/{userID}", s.DetectAnomaly)
	r.Post("/train-model", s.Train)
	r.Post("/detect-sybil-cluster", s.DetectSybil)
	r.Get("/fraud-alerts", s.Alerts)
	r.Get("/user/{userID}/status", s.UserStatus)
	if s.hub != nil {
		r.Get("/ws/circuit-breaker", s.hub.HandleWS)
	}
}

// Health reports the model state and queue depth.
func (s *Security) Health() Health {
	trained := s.engine.Trained()
	depth := s.engine.QueueDepth()
	return Health{Status: "healthy", Service: "security", Trained: &trained, QueueDepth: &depth}
}

// Ingest handles POST /ingest-events
func (s *Security) Ingest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.Ingest(r.Context(), req.Events)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, IngestResponse{Status: "success", IngestResult: res})
}

// DetectAnomaly handles POST /detect-anomaly/{userID}
func (s *Security) DetectAnomaly(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.DetectAnomaly(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Train handles POST /train-model
func (s *Security) Train(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.TrainModel(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	status := "success"
	if !res.Trained {
		status = "insufficient_data"
	}
	writeJSON(w, http.StatusOK, TrainResponse{Status: status, TrainResult: res})
}

// DetectSybil handles POST /detect-sybil-cluster?lookback_hours=24
func (s *Security) DetectSybil(w http.ResponseWriter, r *http.Request) {
	hours, err := intQuery(r, "lookback_hours", anomaly.DefaultLookbackHours)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	report, err := s.engine.DetectSybil(r.Context(), hours)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Alerts handles GET /fraud-alerts?limit=50
func (s *Security) Alerts(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 50)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	alerts, err := s.engine.Alerts(r.Context(), limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []model.FraudAlert{}
	}
	writeJSON(w, http.StatusOK, AlertsResponse{Alerts: alerts, Count: len(alerts)})
}

// UserStatus handles GET /user/{userID}/status
func (s *Security) UserStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.UserStatus(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
