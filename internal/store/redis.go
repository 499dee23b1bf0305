package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/gami/protocol-engine/internal/model"
)

const (
	rateKey           = "economy:xp_to_gami_rate"
	lastSimulationKey = "economy:last_simulation"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for users, the emission rate and the latest simulation result.
// Writes go to the primary store and invalidate or refresh the cache; reads
// check Redis first then fall back to the primary.
//
// Redis is never authoritative: any cache error is logged and the call
// proceeds against the primary store.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertUser(ctx context.Context, u *model.User) error {
	if err := s.primary.UpsertUser(ctx, u); err != nil {
		return err
	}
	s.invalidate(ctx, userKey(u.WalletID))
	return nil
}

func (s *CachedStore) LockUserWithAlert(ctx context.Context, a *model.FraudAlert) (bool, error) {
	changed, err := s.primary.LockUserWithAlert(ctx, a)
	if err != nil {
		return false, err
	}
	s.invalidate(ctx, userKey(a.UserID))
	return changed, nil
}

func (s *CachedStore) CompleteQuest(ctx context.Context, id string, at time.Time) (*model.Quest, error) {
	q, err := s.primary.CompleteQuest(ctx, id, at)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, userKey(q.UserID))
	return q, nil
}

func (s *CachedStore) SetEmissionRate(ctx context.Context, rate decimal.Decimal) error {
	if err := s.primary.SetEmissionRate(ctx, rate); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, rateKey, rate.String(), 0).Err(); err != nil {
		degraded("set emission rate", err)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, walletID string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(walletID)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	} else if err != redis.Nil {
		degraded("get user", err)
	}

	// Cache miss: read from primary.
	u, err := s.primary.GetUser(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(u); err == nil {
		if err := s.rdb.Set(ctx, userKey(walletID), data, s.ttl).Err(); err != nil {
			degraded("cache user", err)
		}
	}
	return u, nil
}

func (s *CachedStore) GetEmissionRate(ctx context.Context) (decimal.Decimal, bool, error) {
	v, err := s.rdb.Get(ctx, rateKey).Result()
	if err == nil {
		if rate, perr := decimal.NewFromString(v); perr == nil {
			return rate, true, nil
		}
	} else if err != redis.Nil {
		degraded("get emission rate", err)
	}
	return s.primary.GetEmissionRate(ctx)
}

// --- Simulation snapshot (cache only) ---

// SaveSimulation caches the latest simulation result. Failures are logged.
func (s *CachedStore) SaveSimulation(ctx context.Context, result model.SimulationResult) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, lastSimulationKey, data, 0).Err(); err != nil {
		degraded("save simulation", err)
	}
}

// LatestSimulation returns the cached simulation result, if any.
func (s *CachedStore) LatestSimulation(ctx context.Context) (*model.SimulationResult, bool) {
	data, err := s.rdb.Get(ctx, lastSimulationKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			degraded("get simulation", err)
		}
		return nil, false
	}
	var result model.SimulationResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false
	}
	return &result, true
}

// --- Passthrough (not cached) ---

func (s *CachedStore) EnsureUser(ctx context.Context, walletID string) error {
	return s.primary.EnsureUser(ctx, walletID)
}

func (s *CachedStore) InsertEvents(ctx context.Context, events []model.Event) error {
	return s.primary.InsertEvents(ctx, events)
}

func (s *CachedStore) RecentEventsByUser(ctx context.Context, userID string, limit int) ([]model.Event, error) {
	return s.primary.RecentEventsByUser(ctx, userID, limit)
}

func (s *CachedStore) EventsSince(ctx context.Context, since time.Time) ([]model.Event, error) {
	return s.primary.EventsSince(ctx, since)
}

func (s *CachedStore) CountEventsByUser(ctx context.Context, userID string) (int, error) {
	return s.primary.CountEventsByUser(ctx, userID)
}

func (s *CachedStore) InsertQuest(ctx context.Context, q *model.Quest) error {
	return s.primary.InsertQuest(ctx, q)
}

func (s *CachedStore) GetQuest(ctx context.Context, id string) (*model.Quest, error) {
	return s.primary.GetQuest(ctx, id)
}

func (s *CachedStore) ListQuestsByUser(ctx context.Context, userID string) ([]model.Quest, error) {
	return s.primary.ListQuestsByUser(ctx, userID)
}

func (s *CachedStore) CountCompletedQuests(ctx context.Context, userID string) (int, error) {
	return s.primary.CountCompletedQuests(ctx, userID)
}

func (s *CachedStore) InsertAlert(ctx context.Context, a *model.FraudAlert) error {
	return s.primary.InsertAlert(ctx, a)
}

func (s *CachedStore) ListAlerts(ctx context.Context, limit int) ([]model.FraudAlert, error) {
	return s.primary.ListAlerts(ctx, limit)
}

func (s *CachedStore) ListAlertsByUser(ctx context.Context, userID string, limit int) ([]model.FraudAlert, error) {
	return s.primary.ListAlertsByUser(ctx, userID, limit)
}

// --- Cache helpers ---

func (s *CachedStore) invalidate(ctx context.Context, key string) {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		degraded("invalidate "+key, err)
	}
}

func degraded(op string, err error) {
	slog.Warn("cache degraded, serving from primary", "op", op, "err", err)
}

func userKey(walletID string) string { return fmt.Sprintf("user:%s", walletID) }
