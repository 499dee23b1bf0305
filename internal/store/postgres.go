package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gami/protocol-engine/internal/apperr"
	"github.com/gami/protocol-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

const emissionRateKey = "xp_to_gami_rate"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// GAMI amounts and the emission rate are stored as NUMERIC.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they don't exist. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) EnsureUser(ctx context.Context, walletID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (wallet_id, status) VALUES ($1, 'ACTIVE')
		 ON CONFLICT (wallet_id) DO NOTHING`, walletID)
	return err
}

func (s *PostgresStore) UpsertUser(ctx context.Context, u *model.User) error {
	status := u.Status
	if status == "" {
		status = model.StatusActive
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (wallet_id, xp_balance, reputation_score, status)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (wallet_id) DO UPDATE
		 SET xp_balance = EXCLUDED.xp_balance,
		     reputation_score = EXCLUDED.reputation_score,
		     status = EXCLUDED.status,
		     updated_at = now()`,
		u.WalletID, u.XPBalance, u.Reputation, string(status),
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, walletID string) (*model.User, error) {
	var u model.User
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT wallet_id, xp_balance, reputation_score, status, created_at, updated_at
		 FROM users WHERE wallet_id = $1`, walletID).
		Scan(&u.WalletID, &u.XPBalance, &u.Reputation, &status, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("user", walletID)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", walletID, err)
	}
	u.Status = model.UserStatus(status)
	return &u, nil
}

func (s *PostgresStore) LockUserWithAlert(ctx context.Context, a *model.FraudAlert) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE users SET status = 'LOCKED', updated_at = now()
		 WHERE wallet_id = $1 AND status <> 'LOCKED'`, a.UserID)
	if err != nil {
		return false, fmt.Errorf("lock user %s: %w", a.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish "already locked" from "no such user".
		if _, err := s.GetUser(ctx, a.UserID); err != nil {
			return false, err
		}
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO fraud_alerts (alert_id, user_id, anomaly_score, reason, action_taken, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.UserID, a.Score, a.Reason, string(a.Action), a.Timestamp,
	); err != nil {
		return false, fmt.Errorf("record fraud alert for %s: %w", a.UserID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) InsertEvents(ctx context.Context, events []model.Event) error {
	batch := &pgx.Batch{}
	for _, e := range events {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata for event %s: %w", e.ID, err)
		}
		batch.Queue(
			`INSERT INTO mcp_events (event_id, user_id, source, action_type, meta_data, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.UserID, string(e.Source), e.ActionType, meta, e.Timestamp,
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) RecentEventsByUser(ctx context.Context, userID string, limit int) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, user_id, source, action_type, meta_data, timestamp FROM (
		     SELECT * FROM mcp_events WHERE user_id = $1
		     ORDER BY timestamp DESC LIMIT $2
		 ) recent ORDER BY timestamp`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) EventsSince(ctx context.Context, since time.Time) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, user_id, source, action_type, meta_data, timestamp
		 FROM mcp_events WHERE timestamp >= $1 ORDER BY timestamp`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) CountEventsByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM mcp_events WHERE user_id = $1`, userID).Scan(&n)
	return n, err
}

func (s *PostgresStore) InsertQuest(ctx context.Context, q *model.Quest) error {
	criteria, err := json.Marshal(q.Criteria)
	if err != nil {
		return fmt.Errorf("encode criteria: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO quests (quest_id, user_id, difficulty_rating, reward_xp, reward_gami,
		                     completion_criteria, status, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
		q.ID, q.UserID, q.Difficulty, q.RewardXP, q.RewardGami.String(),
		criteria, string(q.Status), q.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetQuest(ctx context.Context, id string) (*model.Quest, error) {
	rows, err := s.pool.Query(ctx, questSelect+` WHERE quest_id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	quests, err := scanQuests(rows)
	if err != nil {
		return nil, fmt.Errorf("get quest %s: %w", id, err)
	}
	if len(quests) == 0 {
		return nil, apperr.NotFound("quest", id)
	}
	return &quests[0], nil
}

func (s *PostgresStore) ListQuestsByUser(ctx context.Context, userID string) ([]model.Quest, error) {
	rows, err := s.pool.Query(ctx, questSelect+` WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanQuests(rows)
}

func (s *PostgresStore) CountCompletedQuests(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM quests WHERE user_id = $1 AND status = 'COMPLETED'`, userID).Scan(&n)
	return n, err
}

// CompleteQuest updates the quest and credits the user in one transaction.
func (s *PostgresStore) CompleteQuest(ctx context.Context, id string, at time.Time) (*model.Quest, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var userID string
	var rewardXP int64
	err = tx.QueryRow(ctx,
		`UPDATE quests SET status = 'COMPLETED', completed_at = $2
		 WHERE quest_id = $1 AND status = 'ACTIVE'
		 RETURNING user_id, reward_xp`, id, at).Scan(&userID, &rewardXP)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetQuest(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("quest %s already completed: %w", id, apperr.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("complete quest %s: %w", id, err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE users SET xp_balance = xp_balance + $2, updated_at = $3 WHERE wallet_id = $1`,
		userID, rewardXP, at)
	if err != nil {
		return nil, fmt.Errorf("credit xp to %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, apperr.NotFound("user", userID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s.GetQuest(ctx, id)
}

func (s *PostgresStore) InsertAlert(ctx context.Context, a *model.FraudAlert) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fraud_alerts (alert_id, user_id, anomaly_score, reason, action_taken, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.UserID, a.Score, a.Reason, string(a.Action), a.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListAlerts(ctx context.Context, limit int) ([]model.FraudAlert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT alert_id, user_id, anomaly_score, reason, action_taken, timestamp
		 FROM fraud_alerts ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAlerts(rows)
}

func (s *PostgresStore) ListAlertsByUser(ctx context.Context, userID string, limit int) ([]model.FraudAlert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT alert_id, user_id, anomaly_score, reason, action_taken, timestamp
		 FROM fraud_alerts WHERE user_id = $1 ORDER BY timestamp DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAlerts(rows)
}

func (s *PostgresStore) GetEmissionRate(ctx context.Context) (decimal.Decimal, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx,
		`SELECT value::TEXT FROM economy_state WHERE key = $1`, emissionRateKey).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("get emission rate: %w", err)
	}
	rate, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("parse emission rate %q: %w", v, err)
	}
	return rate, true, nil
}

func (s *PostgresStore) SetEmissionRate(ctx context.Context, rate decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO economy_state (key, value) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		emissionRateKey, rate.String())
	return err
}

// --- Scanners ---

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

const questSelect = `SELECT quest_id, user_id, difficulty_rating, reward_xp, reward_gami::TEXT,
        completion_criteria, status, created_at, completed_at FROM quests`

func scanEvents(rows pgxRows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var source string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.UserID, &source, &e.ActionType, &meta, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Source = model.Source(source)
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for event %s: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanQuests(rows pgxRows) ([]model.Quest, error) {
	var quests []model.Quest
	for rows.Next() {
		var q model.Quest
		var gami, status string
		var criteria []byte
		if err := rows.Scan(&q.ID, &q.UserID, &q.Difficulty, &q.RewardXP, &gami,
			&criteria, &status, &q.CreatedAt, &q.CompletedAt); err != nil {
			return nil, err
		}
		reward, err := decimal.NewFromString(gami)
		if err != nil {
			return nil, fmt.Errorf("decode reward_gami for quest %s: %w", q.ID, err)
		}
		q.RewardGami = reward
		q.Status = model.QuestStatus(status)
		if err := json.Unmarshal(criteria, &q.Criteria); err != nil {
			return nil, fmt.Errorf("decode criteria for quest %s: %w", q.ID, err)
		}
		quests = append(quests, q)
	}
	return quests, rows.Err()
}

func scanAlerts(rows pgxRows) ([]model.FraudAlert, error) {
	var alerts []model.FraudAlert
	for rows.Next() {
		var a model.FraudAlert
		var action string
		if err := rows.Scan(&a.ID, &a.UserID, &a.Score, &a.Reason, &action, &a.Timestamp); err != nil {
			return nil, err
		}
		a.Action = model.AlertAction(action)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
