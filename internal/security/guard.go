// Package security turns anomaly verdicts into consequences: locking users,
// recording fraud alerts and raising the circuit-breaker signal. It also
// owns the bounded ingest queue feeding batch Sybil detection.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gami/protocol-engine/internal/metrics"
	"github.com/gami/protocol-engine/internal/model"
	"github.com/gami/protocol-engine/internal/notify"
	"github.com/gami/protocol-engine/internal/store"
)

// SybilScore is the alert score recorded for statistical Sybil locks.
const SybilScore = 99.0

// Guard applies the lock response.
type Guard struct {
	store    store.Store
	notifier notify.Notifier
}

// NewGuard creates a guard. notifier may be nil.
func NewGuard(st store.Store, notifier notify.Notifier) *Guard {
	return &Guard{store: st, notifier: notifier}
}

// Lock transitions userID to LOCKED together with its alert, then broadcasts
// the circuit-breaker signal. Locking an already locked user does nothing and
// returns false. If the store fails nothing is recorded, so a retry redoes
// the whole response. Notification failures are logged, never returned.
func (g *Guard) Lock(ctx context.Context, userID string, score float64, reason string) (bool, error) {
	alert := &model.FraudAlert{
		ID:        uuid.New().String(),
		UserID:    userID,
		Score:     score,
		Reason:    reason,
		Action:    model.ActionLocked,
		Timestamp: time.Now().UTC(),
	}
	changed, err := g.store.LockUserWithAlert(ctx, alert)
	if err != nil {
		return false, fmt.Errorf("lock user %s: %w", userID, err)
	}
	if !changed {
		return false, nil
	}

	metrics.UsersLocked.Inc()
	slog.Warn("user locked", "user", userID, "score", score, "reason", reason)

	if g.notifier != nil {
		if err := g.notifier.Notify(ctx, notify.FraudDetected(userID, reason)); err != nil {
			slog.Warn("circuit-breaker notification failed", "user", userID, "err", err)
		}
	}
	return true, nil
}
