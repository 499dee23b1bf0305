// Package anomaly detects abusive accounts from the event stream.
//
// Two independent paths exist: an isolation forest over per-user behavioral
// features (Detect), and a purely statistical Sybil check on XP accrual rate
// (DetectSybilCluster). The forest is trained off the request path and
// swapped in atomically; detection always reads one consistent model.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gami/protocol-engine/internal/apperr"
	"github.com/gami/protocol-engine/internal/metrics"
	"github.com/gami/protocol-engine/internal/model"
)

const (
	// MinTrainingUsers is the fewest distinct users a model is trained on.
	MinTrainingUsers = 10

	DefaultContamination = 0.05
	DefaultTrees         = 100
)

// Outcome classifies a detection result.
type Outcome string

const (
	OutcomeNormal           Outcome = "normal"
	OutcomeAnomaly          Outcome = "anomaly"
	OutcomeNotTrained       Outcome = "not_trained"
	OutcomeInsufficientData Outcome = "insufficient_data"
)

// Verdict is the result of Detect. NotTrained and InsufficientData verdicts
// carry no anomaly judgement either way.
type Verdict struct {
	UserID    string    `json:"user_id"`
	Outcome   Outcome   `json:"outcome"`
	IsAnomaly bool      `json:"is_anomaly"`
	Score     float64   `json:"anomaly_score"`
	Reason    string    `json:"reason"`
	Features  *Features `json:"features,omitempty"`
}

// TrainResult describes a training attempt.
type TrainResult struct {
	Trained   bool      `json:"trained"`
	Users     int       `json:"users"`
	Events    int       `json:"events"`
	TrainedAt time.Time `json:"trained_at,omitzero"`
}

// Config tunes the detector. Zero values take the package defaults.
type Config struct {
	Contamination float64
	Trees         int

	// SybilStdMultiplier is k in mean + k*std.
	SybilStdMultiplier float64

	// Seed fixes the random source. Zero draws a random seed.
	Seed uint64
}

type trainedModel struct {
	scaler    scaler
	forest    *forest
	users     int
	trainedAt time.Time
}

// Detector is safe for concurrent use.
type Detector struct {
	contamination float64
	trees         int
	sybilK        float64

	model atomic.Pointer[trainedModel]
	train singleflight.Group

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewDetector creates an untrained detector.
func NewDetector(cfg Config) *Detector {
	d := &Detector{
		contamination: cfg.Contamination,
		trees:         cfg.Trees,
		sybilK:        cfg.SybilStdMultiplier,
	}
	if d.contamination <= 0 || d.contamination >= 0.5 {
		d.contamination = DefaultContamination
	}
	if d.trees <= 0 {
		d.trees = DefaultTrees
	}
	if d.sybilK <= 0 {
		d.sybilK = DefaultSybilStdMultiplier
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	d.rng = rand.New(rand.NewPCG(seed, seed+1))
	return d
}

// Trained reports whether a model is installed.
func (d *Detector) Trained() bool {
	return d.model.Load() != nil
}

// Train fits a new model on one feature vector per distinct user and swaps it
// in. With fewer than MinTrainingUsers users nothing changes and the error
// wraps apperr.ErrInsufficientData. Concurrent calls share one training run.
func (d *Detector) Train(ctx context.Context, events []model.Event) (TrainResult, error) {
	v, err, _ := d.train.Do("train", func() (any, error) {
		return d.fit(ctx, events)
	})
	res, _ := v.(TrainResult)
	return res, err
}

func (d *Detector) fit(ctx context.Context, events []model.Event) (TrainResult, error) {
	users := userIDs(events)
	res := TrainResult{Users: len(users), Events: len(events)}
	if len(users) < MinTrainingUsers {
		metrics.ModelTrainings.WithLabelValues("insufficient_data").Inc()
		return res, fmt.Errorf("train on %d users, need %d: %w", len(users), MinTrainingUsers, apperr.ErrInsufficientData)
	}

	rows := make([][]float64, len(users))
	for i, u := range users {
		rows[i] = Extract(events, u).Vector()
	}
	sc := fitScaler(rows)
	scaled := make([][]float64, len(rows))
	for i, r := range rows {
		scaled[i] = sc.transform(r)
	}

	f, err := fitForest(ctx, scaled, d.trees, d.contamination, d.newRand())
	if err != nil {
		metrics.ModelTrainings.WithLabelValues("error").Inc()
		return res, fmt.Errorf("fit isolation forest: %w", err)
	}

	m := &trainedModel{scaler: sc, forest: f, users: len(users), trainedAt: time.Now().UTC()}
	d.model.Store(m)

	metrics.ModelTrainings.WithLabelValues("trained").Inc()
	slog.Info("fraud model trained", "users", len(users), "events", len(events))

	res.Trained = true
	res.TrainedAt = m.trainedAt
	return res, nil
}

// Detect scores userID's events against the installed model.
func (d *Detector) Detect(events []model.Event, userID string) Verdict {
	m := d.model.Load()
	if m == nil {
		return Verdict{UserID: userID, Outcome: OutcomeNotTrained, Reason: "Model not trained"}
	}

	f := Extract(events, userID)
	if f.IsZero() {
		return Verdict{UserID: userID, Outcome: OutcomeInsufficientData, Reason: "Insufficient data"}
	}

	score := m.forest.score(m.scaler.transform(f.Vector()))
	v := Verdict{
		UserID:   userID,
		Outcome:  OutcomeNormal,
		Score:    score,
		Reason:   "Normal behavior",
		Features: &f,
	}
	if m.forest.isOutlier(score) {
		v.Outcome = OutcomeAnomaly
		v.IsAnomaly = true
		v.Reason = explain(f)
		metrics.AnomaliesDetected.WithLabelValues("model").Inc()
	}
	return v
}

// explain turns raw feature thresholds into a human-readable reason.
func explain(f Features) string {
	var reasons []string
	if f.Frequency > 100 {
		reasons = append(reasons, fmt.Sprintf("High event frequency (%.1f events/hour)", f.Frequency))
	}
	if f.XPRate > 10000 {
		reasons = append(reasons, fmt.Sprintf("Excessive XP generation rate (%.0f XP/hour)", f.XPRate))
	}
	if f.Diversity < 2 {
		reasons = append(reasons, "Low action diversity (potential bot)")
	}
	if f.BurstRatio > 0.5 {
		reasons = append(reasons, fmt.Sprintf("Suspicious event bursts (%.1f%%)", f.BurstRatio*100))
	}
	if f.MeanInterval < 5 {
		reasons = append(reasons, fmt.Sprintf("Unnaturally consistent timing (%.1fs intervals)", f.MeanInterval))
	}
	if len(reasons) == 0 {
		return "Statistical anomaly detected"
	}
	return strings.Join(reasons, "; ")
}

func (d *Detector) newRand() *rand.Rand {
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return rand.New(rand.NewPCG(d.rng.Uint64(), d.rng.Uint64()))
}
