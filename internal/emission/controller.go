// Package emission implements the emission-rate controller.
//
// The controller forecasts GAMI supply inflation with a Monte Carlo
// simulation and, when forecast inflation exceeds a threshold, raises the
// XP-per-GAMI rate so each XP converts into fewer tokens. The automatic rule
// only ever raises the rate; SetRate is the one explicit path that can lower it.
//
// Rates and GAMI amounts use shopspring/decimal. Simulation statistics are
// float64.
package emission

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gami/protocol-engine/internal/apperr"
	"github.com/gami/protocol-engine/internal/metrics"
	"github.com/gami/protocol-engine/internal/model"
)

const (
	// DefaultInflationThreshold is the forecast inflation percentage above
	// which the rate is raised.
	DefaultInflationThreshold = 5.0

	// DefaultHistoryLimit caps the number of retained simulation results.
	DefaultHistoryLimit = 100

	// ScenarioIterations is the reduced iteration count used per scenario
	// by ForecastScenarios.
	ScenarioIterations = 500

	dailyEmissionFraction = 0.001 // 0.1% of running supply per day
	adoptionSpread        = 0.2   // sd of daily adoption, relative to its mean
	marketVolatility      = 0.05  // uniform multiplicative noise in [-5%, +5%]
)

var (
	// DefaultBaseRate is the starting XP per GAMI rate.
	DefaultBaseRate = decimal.NewFromInt(1000)

	// DefaultDeflationAdjustment is the fractional rate increase applied when
	// the threshold is exceeded.
	DefaultDeflationAdjustment = decimal.RequireFromString("0.10")
)

// RateStore persists the current rate. store.Store satisfies it.
type RateStore interface {
	GetEmissionRate(ctx context.Context) (decimal.Decimal, bool, error)
	SetEmissionRate(ctx context.Context, rate decimal.Decimal) error
}

// Config tunes the controller. Zero values take the package defaults.
type Config struct {
	BaseRate            decimal.Decimal
	DeflationAdjustment decimal.Decimal
	InflationThreshold  float64
	HistoryLimit        int
	Workers             int

	// Seed fixes the random source. Zero draws a random seed.
	Seed uint64
}

// Params describes one simulation run.
type Params struct {
	CurrentSupply float64 `json:"current_supply"`
	AdoptionRate  float64 `json:"adoption_rate"` // percent
	Days          int     `json:"days"`
	Iterations    int     `json:"iterations"`
}

// Validate checks every bound before any simulation work starts.
func (p Params) Validate() error {
	switch {
	case !(p.CurrentSupply > 0):
		return apperr.Invalid("current_supply", "must be positive, got %v", p.CurrentSupply)
	case p.AdoptionRate < 0 || p.AdoptionRate > 100:
		return apperr.Invalid("adoption_rate", "must be within [0, 100], got %v", p.AdoptionRate)
	case p.Days < 1 || p.Days > 365:
		return apperr.Invalid("days", "must be within [1, 365], got %d", p.Days)
	case p.Iterations < 100 || p.Iterations > 10000:
		return apperr.Invalid("iterations", "must be within [100, 10000], got %d", p.Iterations)
	}
	return nil
}

// Decision records the outcome of applying the deflation rule to a forecast.
type Decision struct {
	Timestamp          time.Time       `json:"timestamp"`
	PredictedInflation float64         `json:"predicted_inflation"`
	Triggered          bool            `json:"adjustment_triggered"`
	PreviousRate       decimal.Decimal `json:"previous_rate"`
	NewRate            decimal.Decimal `json:"new_rate"`
	AdjustmentPct      float64         `json:"adjustment_percentage"`
	Reason             string          `json:"reason"`
}

// RateChange is the result of a manual override.
type RateChange struct {
	PreviousRate decimal.Decimal `json:"old_rate"`
	NewRate      decimal.Decimal `json:"new_rate"`
	ChangePct    float64         `json:"change_percentage"`
}

// Scenario is the reduced summary produced per adoption rate by ForecastScenarios.
type Scenario struct {
	AdoptionRate       float64 `json:"adoption_rate"`
	PredictedInflation float64 `json:"predicted_inflation"`
	MeanFinalSupply    float64 `json:"mean_final_supply"`
	Percentile95       float64 `json:"confidence_95"`
}

// Controller owns the current emission rate and the simulation history.
// It is safe for concurrent use.
type Controller struct {
	adjustment decimal.Decimal
	threshold  float64
	histLimit  int
	workers    int
	rates      RateStore

	mu      sync.Mutex
	rate    decimal.Decimal
	history []model.SimulationResult // oldest first

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewController creates a controller. If rates holds a persisted rate it
// takes precedence over cfg.BaseRate. rates may be nil.
func NewController(ctx context.Context, cfg Config, rates RateStore) (*Controller, error) {
	c := &Controller{
		adjustment: cfg.DeflationAdjustment,
		threshold:  cfg.InflationThreshold,
		histLimit:  cfg.HistoryLimit,
		workers:    cfg.Workers,
		rates:      rates,
		rate:       cfg.BaseRate,
	}
	if c.adjustment.IsZero() {
		c.adjustment = DefaultDeflationAdjustment
	}
	if c.threshold == 0 {
		c.threshold = DefaultInflationThreshold
	}
	if c.histLimit <= 0 {
		c.histLimit = DefaultHistoryLimit
	}
	if c.workers <= 0 {
		c.workers = runtime.GOMAXPROCS(0)
	}
	if !c.rate.IsPositive() {
		c.rate = DefaultBaseRate
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	c.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	if rates != nil {
		stored, ok, err := rates.GetEmissionRate(ctx)
		if err != nil {
			return nil, fmt.Errorf("load emission rate: %w", err)
		}
		if ok && stored.IsPositive() {
			c.rate = stored
		}
	}
	metrics.EmissionRate.Set(c.rate.InexactFloat64())
	return c, nil
}

// Rate returns the current XP per GAMI rate.
func (c *Controller) Rate() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// Simulate runs a validated Monte Carlo forecast and appends it to history.
func (c *Controller) Simulate(ctx context.Context, p Params) (model.SimulationResult, error) {
	if err := p.Validate(); err != nil {
		return model.SimulationResult{}, err
	}
	res, err := c.run(ctx, p)
	if err != nil {
		return model.SimulationResult{}, err
	}

	c.mu.Lock()
	c.history = append(c.history, res)
	if over := len(c.history) - c.histLimit; over > 0 {
		c.history = append(c.history[:0:0], c.history[over:]...)
	}
	c.mu.Unlock()
	return res, nil
}

// AdjustRate applies the deflation rule to a forecast. Above the threshold the
// rate is multiplied by (1 + adjustment) and persisted; otherwise it is left
// unchanged.
func (c *Controller) AdjustRate(ctx context.Context, res model.SimulationResult) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.rate
	d := Decision{
		Timestamp:          time.Now().UTC(),
		PredictedInflation: res.PredictedInflation,
		PreviousRate:       prev,
		NewRate:            prev,
	}

	if res.PredictedInflation <= c.threshold {
		d.Reason = fmt.Sprintf("Inflation %.2f%% within threshold", res.PredictedInflation)
		return d, nil
	}

	next := prev.Mul(decimal.NewFromInt(1).Add(c.adjustment))
	if err := c.persist(ctx, next); err != nil {
		return Decision{}, err
	}
	c.rate = next

	d.Triggered = true
	d.NewRate = next
	d.AdjustmentPct = changePct(prev, next)
	d.Reason = fmt.Sprintf("Inflation %.2f%% exceeds threshold", res.PredictedInflation)

	metrics.RateAdjustments.WithLabelValues("auto").Inc()
	metrics.EmissionRate.Set(next.InexactFloat64())
	slog.Info("emission rate raised",
		"previous_rate", prev.String(),
		"rate", next.String(),
		"predicted_inflation", res.PredictedInflation,
	)
	return d, nil
}

// SetRate overrides the rate. It is the only path that may lower it.
func (c *Controller) SetRate(ctx context.Context, rate decimal.Decimal) (RateChange, error) {
	if !rate.IsPositive() {
		return RateChange{}, apperr.Invalid("rate", "must be positive, got %s", rate)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.rate
	if err := c.persist(ctx, rate); err != nil {
		return RateChange{}, err
	}
	c.rate = rate

	metrics.RateAdjustments.WithLabelValues("manual").Inc()
	metrics.EmissionRate.Set(rate.InexactFloat64())
	slog.Warn("emission rate overridden", "previous_rate", prev.String(), "rate", rate.String())

	return RateChange{PreviousRate: prev, NewRate: rate, ChangePct: changePct(prev, rate)}, nil
}

// ConvertXpToGami converts xp at the current rate, rounded to 6 decimal places.
func (c *Controller) ConvertXpToGami(xp int64) (decimal.Decimal, error) {
	if xp <= 0 {
		return decimal.Zero, apperr.Invalid("xp", "must be positive, got %d", xp)
	}
	return decimal.NewFromInt(xp).DivRound(c.Rate(), 6), nil
}

// ForecastScenarios runs a reduced-fidelity forecast per adoption rate.
// Results are not recorded in history.
func (c *Controller) ForecastScenarios(ctx context.Context, supply float64, adoptionRates []float64, days int) ([]Scenario, error) {
	if len(adoptionRates) == 0 {
		return nil, apperr.Invalid("adoption_rates", "at least one rate is required")
	}

	out := make([]Scenario, 0, len(adoptionRates))
	for _, ar := range adoptionRates {
		p := Params{CurrentSupply: supply, AdoptionRate: ar, Days: days, Iterations: ScenarioIterations}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		res, err := c.run(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, Scenario{
			AdoptionRate:       ar,
			PredictedInflation: res.PredictedInflation,
			MeanFinalSupply:    res.MeanFinalSupply,
			Percentile95:       res.Percentile95,
		})
	}
	return out, nil
}

// History returns up to limit results, most recent first. limit <= 0 means 10.
func (c *Controller) History(limit int) []model.SimulationResult {
	if limit <= 0 {
		limit = 10
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	n := min(limit, len(c.history))
	out := make([]model.SimulationResult, 0, n)
	for i := len(c.history) - 1; i >= len(c.history)-n; i-- {
		out = append(out, c.history[i])
	}
	return out
}

func (c *Controller) persist(ctx context.Context, rate decimal.Decimal) error {
	if c.rates == nil {
		return nil
	}
	if err := c.rates.SetEmissionRate(ctx, rate); err != nil {
		return fmt.Errorf("persist emission rate: %w", err)
	}
	return nil
}

func changePct(prev, next decimal.Decimal) float64 {
	if prev.IsZero() {
		return 0
	}
	return next.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100)).InexactFloat64()
}
