package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gami/protocol-engine/internal/apperr"
	"github.com/gami/protocol-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]*model.User
	events  []model.Event
	quests  map[string]*model.Quest
	alerts  []model.FraudAlert
	rate    decimal.Decimal
	hasRate bool
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]*model.User),
		quests: make(map[string]*model.Quest),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) EnsureUser(_ context.Context, walletID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[walletID]; ok {
		return nil
	}
	now := s.now()
	s.users[walletID] = &model.User{
		WalletID:  walletID,
		Status:    model.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

func (s *MemoryStore) UpsertUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	copy := *u
	if copy.Status == "" {
		copy.Status = model.StatusActive
	}
	if existing, ok := s.users[u.WalletID]; ok {
		copy.CreatedAt = existing.CreatedAt
	} else if copy.CreatedAt.IsZero() {
		copy.CreatedAt = now
	}
	copy.UpdatedAt = now
	s.users[u.WalletID] = &copy
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, walletID string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[walletID]
	if !ok {
		return nil, apperr.NotFound("user", walletID)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) LockUserWithAlert(_ context.Context, a *model.FraudAlert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[a.UserID]
	if !ok {
		return false, apperr.NotFound("user", a.UserID)
	}
	if u.Status == model.StatusLocked {
		return false, nil
	}
	u.Status = model.StatusLocked
	u.UpdatedAt = s.now()
	s.alerts = append(s.alerts, *a)
	return true, nil
}

func (s *MemoryStore) InsertEvents(_ context.Context, events []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, events...)
	return nil
}

func (s *MemoryStore) RecentEventsByUser(_ context.Context, userID string, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	sortEvents(result)
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (s *MemoryStore) EventsSince(_ context.Context, since time.Time) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if !e.Timestamp.Before(since) {
			result = append(result, e)
		}
	}
	sortEvents(result)
	return result, nil
}

func (s *MemoryStore) CountEventsByUser(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.events {
		if e.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) InsertQuest(_ context.Context, q *model.Quest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.quests[q.ID]; ok {
		return fmt.Errorf("quest %s already exists", q.ID)
	}
	copy := *q
	s.quests[q.ID] = &copy
	return nil
}

func (s *MemoryStore) GetQuest(_ context.Context, id string) (*model.Quest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quests[id]
	if !ok {
		return nil, apperr.NotFound("quest", id)
	}
	copy := *q
	return &copy, nil
}

func (s *MemoryStore) ListQuestsByUser(_ context.Context, userID string) ([]model.Quest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Quest
	for _, q := range s.quests {
		if q.UserID == userID {
			result = append(result, *q)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) CountCompletedQuests(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, q := range s.quests {
		if q.UserID == userID && q.Status == model.QuestCompleted {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CompleteQuest(_ context.Context, id string, at time.Time) (*model.Quest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quests[id]
	if !ok {
		return nil, apperr.NotFound("quest", id)
	}
	if q.Status == model.QuestCompleted {
		return nil, fmt.Errorf("quest %s already completed: %w", id, apperr.ErrConflict)
	}
	u, ok := s.users[q.UserID]
	if !ok {
		return nil, apperr.NotFound("user", q.UserID)
	}

	q.Status = model.QuestCompleted
	completedAt := at
	q.CompletedAt = &completedAt
	u.XPBalance += q.RewardXP
	u.UpdatedAt = at

	copy := *q
	return &copy, nil
}

func (s *MemoryStore) InsertAlert(_ context.Context, a *model.FraudAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.alerts = append(s.alerts, *a)
	return nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, limit int) ([]model.FraudAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return newestAlerts(s.alerts, "", limit), nil
}

func (s *MemoryStore) ListAlertsByUser(_ context.Context, userID string, limit int) ([]model.FraudAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return newestAlerts(s.alerts, userID, limit), nil
}

func (s *MemoryStore) GetEmissionRate(_ context.Context) (decimal.Decimal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.rate, s.hasRate, nil
}

func (s *MemoryStore) SetEmissionRate(_ context.Context, rate decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rate = rate
	s.hasRate = true
	return nil
}

// newestAlerts walks the append-only log backwards (newest first).
func newestAlerts(alerts []model.FraudAlert, userID string, limit int) []model.FraudAlert {
	var result []model.FraudAlert
	for i := len(alerts) - 1; i >= 0; i-- {
		if userID != "" && alerts[i].UserID != userID {
			continue
		}
		result = append(result, alerts[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result
}

func sortEvents(events []model.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}
