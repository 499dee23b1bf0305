// Package store defines the persistence interface for the protocol engines.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache) and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gami/protocol-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Users ---

	// EnsureUser registers an unseen wallet as ACTIVE with zero reputation.
	// Existing users are left untouched.
	EnsureUser(ctx context.Context, walletID string) error

	// UpsertUser creates or replaces a user's balance, reputation and status.
	UpsertUser(ctx context.Context, user *model.User) error

	// GetUser retrieves a user by wallet ID.
	GetUser(ctx context.Context, walletID string) (*model.User, error)

	// LockUserWithAlert transitions alert.UserID to LOCKED and appends the
	// alert as one atomic step. Returns false, recording nothing, if the user
	// was already locked.
	LockUserWithAlert(ctx context.Context, alert *model.FraudAlert) (bool, error)

	// --- Immutable event log ---

	// InsertEvents appends events.
	InsertEvents(ctx context.Context, events []model.Event) error

	// RecentEventsByUser returns up to limit of the user's latest events,
	// oldest first.
	RecentEventsByUser(ctx context.Context, userID string, limit int) ([]model.Event, error)

	// EventsSince returns all events at or after since, oldest first.
	EventsSince(ctx context.Context, since time.Time) ([]model.Event, error)

	// CountEventsByUser returns how many events a user has recorded.
	CountEventsByUser(ctx context.Context, userID string) (int, error)

	// --- Quests ---

	// InsertQuest persists a newly generated quest.
	InsertQuest(ctx context.Context, quest *model.Quest) error

	// GetQuest retrieves a quest by ID.
	GetQuest(ctx context.Context, id string) (*model.Quest, error)

	// ListQuestsByUser returns a user's quests, newest first.
	ListQuestsByUser(ctx context.Context, userID string) ([]model.Quest, error)

	// CountCompletedQuests returns how many quests a user has completed.
	CountCompletedQuests(ctx context.Context, userID string) (int, error)

	// CompleteQuest marks a quest COMPLETED and credits its XP reward to the
	// owning user. Completing an already completed quest is an error.
	CompleteQuest(ctx context.Context, id string, at time.Time) (*model.Quest, error)

	// --- Fraud alerts (append-only) ---

	// InsertAlert appends a fraud alert.
	InsertAlert(ctx context.Context, alert *model.FraudAlert) error

	// ListAlerts returns the newest alerts across all users.
	ListAlerts(ctx context.Context, limit int) ([]model.FraudAlert, error)

	// ListAlertsByUser returns a user's newest alerts.
	ListAlertsByUser(ctx context.Context, userID string, limit int) ([]model.FraudAlert, error)

	// --- Emission rate ---

	// GetEmissionRate returns the persisted rate; ok is false if none was stored.
	GetEmissionRate(ctx context.Context) (rate decimal.Decimal, ok bool, err error)

	// SetEmissionRate persists the current rate.
	SetEmissionRate(ctx context.Context, rate decimal.Decimal) error
}
