package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/gami/protocol-engine/internal/anomaly"
	"github.com/gami/protocol-engine/internal/difficulty"
	"github.com/gami/protocol-engine/internal/emission"
	"github.com/gami/protocol-engine/internal/model"
	"github.com/gami/protocol-engine/internal/security"
)

// --- Economy ---

// SimulationRequest is the body of POST /run-simulation. Absent days and
// iterations default to 30 and 1000; explicit values are validated as sent.
type SimulationRequest struct {
	CurrentSupply float64 `json:"current_supply"`
	AdoptionRate  float64 `json:"adoption_rate"` // percent
	Days          *int    `json:"days,omitempty"`
	Iterations    *int    `json:"iterations,omitempty"`
}

// Params fills in the defaults for absent fields.
func (r SimulationRequest) Params() emission.Params {
	return emission.Params{
		CurrentSupply: r.CurrentSupply,
		AdoptionRate:  r.AdoptionRate,
		Days:          valueOr(r.Days, defaultForecastDays),
		Iterations:    valueOr(r.Iterations, defaultIterations),
	}
}

func valueOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

// SimulationResponse carries the forecast and the decision it produced.
type SimulationResponse struct {
	Result   model.SimulationResult `json:"simulation_result"`
	Decision emission.Decision      `json:"adjustment_decision"`
	Rate     decimal.Decimal        `json:"current_emission_rate"`
}

// RateResponse is the body of GET /get-current-emission-rate.
type RateResponse struct {
	Rate        decimal.Decimal `json:"xp_to_gami_rate"`
	Description string          `json:"description"`
	InverseRate decimal.Decimal `json:"inverse_rate"`
}

// ConversionRequest is the body of POST /convert-xp-to-gami.
type ConversionRequest struct {
	XPAmount int64 `json:"xp_amount"`
}

// ConversionResponse is the result of a conversion.
type ConversionResponse struct {
	XPAmount   int64           `json:"xp_amount"`
	GamiAmount decimal.Decimal `json:"gami_amount"`
	Rate       decimal.Decimal `json:"conversion_rate"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ScenarioRequest is the body of POST /forecast-scenarios. Only absent fields
// take the defaults.
type ScenarioRequest struct {
	CurrentSupply *float64  `json:"current_supply,omitempty"`
	AdoptionRates []float64 `json:"adoption_rates"`
	Days          *int      `json:"days_per_scenario,omitempty"`
}

// ScenarioResponse lists one forecast per adoption rate.
type ScenarioResponse struct {
	Scenarios []emission.Scenario `json:"scenarios"`
	Rate      decimal.Decimal     `json:"current_emission_rate"`
}

// HistoryResponse is the body of GET /simulation-history.
type HistoryResponse struct {
	History []model.SimulationResult `json:"history"`
	Count   int                      `json:"count"`
}

// RateAdjustmentRequest is the body of POST /manual-rate-adjustment.
type RateAdjustmentRequest struct {
	NewRate decimal.Decimal `json:"new_rate"`
}

// RateAdjustmentResponse reports a manual override.
type RateAdjustmentResponse struct {
	Status string `json:"status"`
	emission.RateChange
}

// --- Quest ---

// FeedbackRequest is the body of POST /feedback.
type FeedbackRequest struct {
	UserID   string `json:"user_id"`
	QuestID  string `json:"quest_id"`
	Retained bool   `json:"retained"`
}

// FeedbackResponse acknowledges a policy update.
type FeedbackResponse struct {
	Status string  `json:"status"`
	State  string  `json:"state"`
	Action int     `json:"action"`
	Value  float64 `json:"value"`
}

// SegmentRequest is the body of POST /segments.
type SegmentRequest struct {
	Profiles []model.UserProfile `json:"profiles"`
	K        int                 `json:"k,omitempty"`
}

// SegmentResponse lists the user segments.
type SegmentResponse struct {
	Segments []difficulty.Segment `json:"segments"`
}

// --- Security ---

// IngestRequest is the body of POST /ingest-events.
type IngestRequest struct {
	Events []model.Event `json:"events"`
}

// IngestResponse acknowledges an ingest call.
type IngestResponse struct {
	Status string `json:"status"`
	security.IngestResult
}

// AnomalyResponse is the body of POST /detect-anomaly/{userID}.
type AnomalyResponse = security.AnomalyReport

// SybilResponse is the body of POST /detect-sybil-cluster.
type SybilResponse = security.SybilReport

// TrainResponse is the body of POST /train-model.
type TrainResponse struct {
	Status string `json:"status"`
	anomaly.TrainResult
}

// AlertsResponse is the body of GET /fraud-alerts.
type AlertsResponse struct {
	Alerts []model.FraudAlert `json:"alerts"`
	Count  int                `json:"count"`
}

// --- Health ---

// Health is the body of every agent's GET /health.
type Health struct {
	Status  string `json:"status"`
	Service string `json:"service"`

	Rate       *decimal.Decimal `json:"current_rate,omitempty"`
	Trained    *bool            `json:"model_trained,omitempty"`
	QueueDepth *int             `json:"queue_depth,omitempty"`
}
