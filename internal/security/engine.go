package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gami/protocol-engine/internal/anomaly"
	"github.com/gami/protocol-engine/internal/apperr"
	"github.com/gami/protocol-engine/internal/metrics"
	"github.com/gami/protocol-engine/internal/model"
	"github.com/gami/protocol-engine/internal/store"
)

const (
	// DetectionWindow is how many of a user's latest events DetectAnomaly reads.
	DetectionWindow = 100

	// TrainingWindow is how far back TrainModel reads events.
	TrainingWindow = 7 * 24 * time.Hour

	// MinBootstrapEvents is the smallest batch that trains an untrained model.
	MinBootstrapEvents = 50

	// SybilReason is the alert reason for statistical Sybil locks.
	SybilReason = "Sybil cluster - excessive XP generation"

	maxIngestBatch   = 1000
	recentAlertLimit = 10
)

// Config tunes the ingest pipeline.
type Config struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	LookbackHours int
}

// Engine is the security agent: ingest, detection, training and alert queries.
type Engine struct {
	store    store.Store
	detector *anomaly.Detector
	guard    *Guard

	ingestMu      sync.Mutex
	queue         chan []model.Event
	batchSize     int
	flushInterval time.Duration
	lookbackHours int
	now           func() time.Time
}

// NewEngine wires the detector and guard over st.
func NewEngine(st store.Store, det *anomaly.Detector, guard *Guard, cfg Config) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.LookbackHours <= 0 {
		cfg.LookbackHours = anomaly.DefaultLookbackHours
	}
	return &Engine{
		store:         st,
		detector:      det,
		guard:         guard,
		queue:         make(chan []model.Event, cfg.QueueSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		lookbackHours: cfg.LookbackHours,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// IngestResult acknowledges an ingest call.
type IngestResult struct {
	Ingested   int `json:"events_ingested"`
	QueueDepth int `json:"queue_depth"`
}

// Ingest validates and records events, registers unseen users, and hands the
// batch to the background consumer. When the queue is full nothing is
// recorded and the error wraps apperr.ErrQueueFull. Events are persisted
// before the consumer can see them.
func (e *Engine) Ingest(ctx context.Context, events []model.Event) (IngestResult, error) {
	if len(events) == 0 {
		return IngestResult{}, apperr.Invalid("events", "at least one event is required")
	}
	if len(events) > maxIngestBatch {
		return IngestResult{}, apperr.Invalid("events", "at most %d events per call, got %d", maxIngestBatch, len(events))
	}

	batch := make([]model.Event, len(events))
	for i, ev := range events {
		if err := ev.Validate(); err != nil {
			return IngestResult{}, apperr.Invalid("events", "event %d: %v", i, err)
		}
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = e.now()
		}
		batch[i] = ev
	}

	// Producers are serialized so a slot seen free stays free until the batch
	// is recorded and queued; the consumer only ever drains.
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()
	if len(e.queue) == cap(e.queue) {
		return IngestResult{}, fmt.Errorf("ingest %d events: %w", len(batch), apperr.ErrQueueFull)
	}

	seen := make(map[string]bool)
	for _, ev := range batch {
		if seen[ev.UserID] {
			continue
		}
		seen[ev.UserID] = true
		if err := e.store.EnsureUser(ctx, ev.UserID); err != nil {
			return IngestResult{}, fmt.Errorf("register user %s: %w", ev.UserID, err)
		}
	}
	if err := e.store.InsertEvents(ctx, batch); err != nil {
		return IngestResult{}, fmt.Errorf("record events: %w", err)
	}

	e.queue <- batch
	metrics.IngestQueueDepth.Set(float64(len(e.queue)))
	metrics.EventsIngested.Add(float64(len(batch)))
	return IngestResult{Ingested: len(batch), QueueDepth: len(e.queue)}, nil
}

// QueueDepth returns the number of batches waiting for the consumer.
func (e *Engine) QueueDepth() int {
	return len(e.queue)
}

// Trained reports whether the anomaly model is installed.
func (e *Engine) Trained() bool {
	return e.detector.Trained()
}

// Run drains the ingest queue until ctx is done. Batches are accumulated
// until BatchSize events are pending or FlushInterval elapses.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	var pending []model.Event
	flush := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		e.processBatch(ctx, pending)
		pending = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.WithoutCancel(ctx))
			return
		case batch := <-e.queue:
			metrics.IngestQueueDepth.Set(float64(len(e.queue)))
			pending = append(pending, batch...)
			if len(pending) >= e.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// processBatch bootstraps the model from a large enough batch and locks any
// Sybil suspects in it.
func (e *Engine) processBatch(ctx context.Context, events []model.Event) {
	if !e.detector.Trained() && len(events) >= MinBootstrapEvents {
		if _, err := e.detector.Train(ctx, events); err != nil && !errors.Is(err, apperr.ErrInsufficientData) {
			slog.Error("bootstrap training failed", "err", err)
		}
	}

	suspects, err := e.detector.DetectSybilCluster(events, e.lookbackHours, e.now())
	if err != nil {
		slog.Error("batch sybil detection failed", "err", err)
		return
	}
	if len(suspects) > 0 {
		slog.Warn("sybil cluster detected in batch", "count", len(suspects))
	}
	for _, id := range suspects {
		if _, err := e.guard.Lock(ctx, id, SybilScore, "Sybil cluster detected"); err != nil {
			slog.Error("sybil lock failed", "user", id, "err", err)
		}
	}
}

// AnomalyReport is the result of DetectAnomaly.
type AnomalyReport struct {
	anomaly.Verdict
	ActionTaken    string `json:"action_taken"`
	EventsAnalyzed int    `json:"events_analyzed"`
}

// DetectAnomaly scores the user's latest events and locks the user if the
// model flags them.
func (e *Engine) DetectAnomaly(ctx context.Context, userID string) (AnomalyReport, error) {
	if userID == "" {
		return AnomalyReport{}, apperr.Invalid("user_id", "must not be empty")
	}
	events, err := e.store.RecentEventsByUser(ctx, userID, DetectionWindow)
	if err != nil {
		return AnomalyReport{}, fmt.Errorf("load events for %s: %w", userID, err)
	}

	v := e.detector.Detect(events, userID)
	report := AnomalyReport{Verdict: v, ActionTaken: "NONE", EventsAnalyzed: len(events)}
	if v.IsAnomaly {
		if _, err := e.guard.Lock(ctx, userID, v.Score, v.Reason); err != nil {
			return AnomalyReport{}, err
		}
		report.ActionTaken = string(model.ActionLocked)
	}
	return report, nil
}

// SybilReport is the result of DetectSybil.
type SybilReport struct {
	SuspiciousUsers []string `json:"suspicious_users"`
	Count           int      `json:"count"`
	LookbackHours   int      `json:"lookback_hours"`
	EventsAnalyzed  int      `json:"events_analyzed"`
}

// DetectSybil runs the statistical Sybil check over stored events and locks
// every suspect.
func (e *Engine) DetectSybil(ctx context.Context, lookbackHours int) (SybilReport, error) {
	if lookbackHours <= 0 || lookbackHours > 24*30 {
		return SybilReport{}, apperr.Invalid("lookback_hours", "must be within [1, 720], got %d", lookbackHours)
	}
	now := e.now()
	events, err := e.store.EventsSince(ctx, now.Add(-time.Duration(lookbackHours)*time.Hour))
	if err != nil {
		return SybilReport{}, fmt.Errorf("load events: %w", err)
	}

	suspects, err := e.detector.DetectSybilCluster(events, lookbackHours, now)
	if err != nil {
		return SybilReport{}, err
	}
	for _, id := range suspects {
		if _, err := e.guard.Lock(ctx, id, SybilScore, SybilReason); err != nil {
			return SybilReport{}, err
		}
	}
	if suspects == nil {
		suspects = []string{}
	}
	return SybilReport{
		SuspiciousUsers: suspects,
		Count:           len(suspects),
		LookbackHours:   lookbackHours,
		EventsAnalyzed:  len(events),
	}, nil
}

// TrainModel retrains the detector on the last seven days of events. Too few
// users is reported as Trained=false, not as an error.
func (e *Engine) TrainModel(ctx context.Context) (anomaly.TrainResult, error) {
	events, err := e.store.EventsSince(ctx, e.now().Add(-TrainingWindow))
	if err != nil {
		return anomaly.TrainResult{}, fmt.Errorf("load training events: %w", err)
	}
	res, err := e.detector.Train(ctx, events)
	if errors.Is(err, apperr.ErrInsufficientData) {
		slog.Info("fraud model not trained", "users", res.Users, "events", res.Events)
		return res, nil
	}
	return res, err
}

// Alerts returns up to limit alerts, newest first.
func (e *Engine) Alerts(ctx context.Context, limit int) ([]model.FraudAlert, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.store.ListAlerts(ctx, limit)
}

// UserStatus summarizes a user's trust state.
type UserStatus struct {
	UserID       string           `json:"user_id"`
	Status       model.UserStatus `json:"status"`
	Reputation   float64          `json:"reputation_score"`
	RecentAlerts int              `json:"recent_alerts"`
	LastAlert    *time.Time       `json:"last_alert"`
}

// UserStatus reports status, reputation and recent alerts for userID.
func (e *Engine) UserStatus(ctx context.Context, userID string) (UserStatus, error) {
	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return UserStatus{}, err
	}
	alerts, err := e.store.ListAlertsByUser(ctx, userID, recentAlertLimit)
	if err != nil {
		return UserStatus{}, fmt.Errorf("load alerts for %s: %w", userID, err)
	}
	st := UserStatus{
		UserID:       userID,
		Status:       u.Status,
		Reputation:   u.Reputation,
		RecentAlerts: len(alerts),
	}
	if len(alerts) > 0 {
		ts := alerts[0].Timestamp
		st.LastAlert = &ts
	}
	return st, nil
}
