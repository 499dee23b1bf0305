package difficulty

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gami/protocol-engine/internal/apperr"
	"github.com/gami/protocol-engine/internal/metrics"
	"github.com/gami/protocol-engine/internal/model"
)

// GenericAction is the criteria action type when a user has no history.
const GenericAction = "generic_action"

// Rewards returns the XP and GAMI payout for a difficulty at a reputation.
func Rewards(difficulty int, reputation float64) (int64, decimal.Decimal) {
	scale := 1 + reputation/100
	xp := int64(math.Floor(float64(difficulty) * 100 * scale))
	return xp, roundCents(float64(difficulty) * 0.5 * scale)
}

// roundCents rounds the exact binary value of x to two places, ties to even.
// The shortest decimal form would turn 2.67499.. into 2.675 and round it up.
func roundCents(x float64) decimal.Decimal {
	// 64 fraction digits hold every float64 >= 2^-11 exactly.
	return decimal.RequireFromString(strconv.FormatFloat(x, 'f', 64, 64)).RoundBank(2)
}

// Criteria builds the completion rules for a difficulty from the user's
// recent events (oldest first).
func Criteria(difficulty int, recent []model.Event) model.CompletionCriteria {
	action := dominantAction(recent)
	switch {
	case difficulty <= 3:
		return model.CompletionCriteria{
			ActionsRequired: difficulty * 3,
			ActionType:      action,
			TimeLimitHours:  72,
		}
	case difficulty <= 6:
		return model.CompletionCriteria{
			ActionsRequired:     difficulty * 5,
			ActionType:          action,
			TimeLimitHours:      48,
			MinTransactionValue: 10,
			ChainRequired:       true,
		}
	default:
		return model.CompletionCriteria{
			ActionsRequired:     difficulty * 7,
			ActionType:          action,
			TimeLimitHours:      24,
			MinTransactionValue: 50,
			ChainRequired:       true,
			StreakRequired:      difficulty,
		}
	}
}

// dominantAction is the most frequent action type among the last 10 events.
// Ties go to the type seen first.
func dominantAction(events []model.Event) string {
	if len(events) > 10 {
		events = events[len(events)-10:]
	}
	counts := make(map[string]int, len(events))
	for _, e := range events {
		counts[e.ActionType]++
	}
	best, bestN := GenericAction, 0
	for _, e := range events {
		if n := counts[e.ActionType]; n > bestN {
			best, bestN = e.ActionType, n
		}
	}
	return best
}

// GenerateQuest predicts a difficulty for the profile and builds an ACTIVE
// quest. The caller persists it. LOCKED users get apperr.ErrLocked.
func (o *Optimizer) GenerateQuest(ctx context.Context, p model.UserProfile) (*model.Quest, error) {
	if p.User.Status == model.StatusLocked {
		return nil, apperr.Locked(p.User.WalletID)
	}
	d, err := o.Predict(ctx, StateOf(p))
	if err != nil {
		return nil, err
	}
	xp, gami := Rewards(d, p.User.Reputation)

	metrics.QuestsGenerated.WithLabelValues(strconv.Itoa(d)).Inc()
	return &model.Quest{
		ID:         uuid.New().String(),
		UserID:     p.User.WalletID,
		Difficulty: d,
		RewardXP:   xp,
		RewardGami: gami,
		Criteria:   Criteria(d, p.RecentEvents),
		Status:     model.QuestActive,
		CreatedAt:  time.Now().UTC(),
	}, nil
}
