package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/gami/protocol-engine/internal/emission"
	"github.com/gami/protocol-engine/internal/model"
)

const (
	defaultForecastDays   = 30
	defaultIterations     = 1000
	defaultScenarioSupply = 1_000_000
)

var defaultAdoptionRates = []float64{1, 3, 5, 10}

// SimulationCache keeps the latest forecast for fast reads. store.CachedStore
// implements it; failures are absorbed by the implementation.
type SimulationCache interface {
	SaveSimulation(ctx context.Context, result model.SimulationResult)
	LatestSimulation(ctx context.Context) (*model.SimulationResult, bool)
}

// Economy serves the emission controller.
type Economy struct {
	ctrl  *emission.Controller
	cache SimulationCache
}

// NewEconomy creates the economy handlers. cache may be nil.
func NewEconomy(ctrl *emission.Controller, cache SimulationCache) *Economy {
	return &Economy{ctrl: ctrl, cache: cache}
}

// Routes mounts the economy endpoints.
func (e *Economy) Routes(r chi.Router) {
	r.Post("/run-simulation", e.RunSimulation)
	r.Get("/get-current-emission-rate", e.GetRate)
	r.Post("/convert-xp-to-gami", e.Convert)
	r.Post("/forecast-scenarios", e.ForecastScenarios)
	r.Get("/simulation-history", e.History)
	r.Get("/last-simulation", e.LastSimulation)
	r.Post("/manual-rate-adjustment", e.SetRate)
}

// Health reports the current rate.
func (e *Economy) Health() Health {
	rate := e.ctrl.Rate()
	return Health{Status: "healthy", Service: "economy", Rate: &rate}
}

// RunSimulation handles POST /run-simulation
func (e *Economy) RunSimulation(w http.ResponseWriter, r *http.Request) {
	var req SimulationRequest
	if !decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	res, err := e.ctrl.Simulate(ctx, req.Params())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	decision, err := e.ctrl.AdjustRate(ctx, res)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if e.cache != nil {
		e.cache.SaveSimulation(ctx, res)
	}

	writeJSON(w, http.StatusOK, SimulationResponse{Result: res, Decision: decision, Rate: e.ctrl.Rate()})
}

// GetRate handles GET /get-current-emission-rate
func (e *Economy) GetRate(w http.ResponseWriter, r *http.Request) {
	rate := e.ctrl.Rate()
	writeJSON(w, http.StatusOK, RateResponse{
		Rate:        rate,
		Description: "1 GAMI = " + rate.String() + " XP",
		InverseRate: decimal.NewFromInt(1).DivRound(rate, 6),
	})
}

// Convert handles POST /convert-xp-to-gami
func (e *Economy) Convert(w http.ResponseWriter, r *http.Request) {
	var req ConversionRequest
	if !decode(w, r, &req) {
		return
	}
	rate := e.ctrl.Rate()
	gami, err := e.ctrl.ConvertXpToGami(req.XPAmount)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ConversionResponse{
		XPAmount:   req.XPAmount,
		GamiAmount: gami,
		Rate:       rate,
		Timestamp:  time.Now().UTC(),
	})
}

// ForecastScenarios handles POST /forecast-scenarios
func (e *Economy) ForecastScenarios(w http.ResponseWriter, r *http.Request) {
	var req ScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	rates := req.AdoptionRates
	if rates == nil {
		rates = defaultAdoptionRates
	}

	scenarios, err := e.ctrl.ForecastScenarios(r.Context(),
		valueOr(req.CurrentSupply, defaultScenarioSupply), rates, valueOr(req.Days, defaultForecastDays))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ScenarioResponse{Scenarios: scenarios, Rate: e.ctrl.Rate()})
}

// History handles GET /simulation-history?limit=10
func (e *Economy) History(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 10)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	history := e.ctrl.History(limit)
	writeJSON(w, http.StatusOK, HistoryResponse{History: history, Count: len(history)})
}

// LastSimulation handles GET /last-simulation. The cache is consulted first so
// a restarted agent still serves the forecast another replica produced.
func (e *Economy) LastSimulation(w http.ResponseWriter, r *http.Request) {
	if e.cache != nil {
		if res, ok := e.cache.LatestSimulation(r.Context()); ok {
			writeJSON(w, http.StatusOK, res)
			return
		}
	}
	if h := e.ctrl.History(1); len(h) > 0 {
		writeJSON(w, http.StatusOK, h[0])
		return
	}
	writeError(w, "no simulation has run yet", http.StatusNotFound)
}

// SetRate handles POST /manual-rate-adjustment
func (e *Economy) SetRate(w http.ResponseWriter, r *http.Request) {
	var req RateAdjustmentRequest
	if !decode(w, r, &req) {
		return
	}
	change, err := e.ctrl.SetRate(r.Context(), req.NewRate)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RateAdjustmentResponse{Status: "success", RateChange: change})
}
