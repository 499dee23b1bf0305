// Package model defines the core domain types shared across the protocol engines.
// GAMI amounts and the emission rate use shopspring/decimal; learned values,
// scores and simulation statistics stay float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserStatus is the trust state of a wallet.
type UserStatus string

const (
	StatusActive UserStatus = "ACTIVE"
	StatusLocked UserStatus = "LOCKED"
)

// User is the protocol-side identity of a wallet. Users are never deleted;
// XP, reputation and status are mutated by feedback, fraud detection and
// quest completion.
type User struct {
	WalletID   string     `json:"wallet_id" db:"wallet_id"`
	XPBalance  int64      `json:"xp_balance" db:"xp_balance"`             // >= 0, non-transferable
	Reputation float64    `json:"reputation_score" db:"reputation_score"` // [0, 100]
	Status     UserStatus `json:"status" db:"status"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// Locked reports whether the user has been locked by fraud detection.
func (u *User) Locked() bool {
	return u.Status == StatusLocked
}

// Source identifies where an event originated.
type Source string

const (
	SourceWeb2 Source = "web2"
	SourceWeb3 Source = "web3"
)

// Event is an immutable record of one user action. Ordered by timestamp per user.
type Event struct {
	ID         string    `json:"event_id" db:"event_id"`
	UserID     string    `json:"user_id" db:"user_id"`
	Source     Source    `json:"source" db:"source"`
	ActionType string    `json:"action_type" db:"action_type"`
	Metadata   Metadata  `json:"meta_data" db:"meta_data"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
}

// QuestStatus is the lifecycle state of a quest.
type QuestStatus string

const (
	QuestActive    QuestStatus = "ACTIVE"
	QuestCompleted QuestStatus = "COMPLETED"
)

// CompletionCriteria is the rule set a user must satisfy to complete a quest.
type CompletionCriteria struct {
	ActionsRequired     int    `json:"actions_required"`
	ActionType          string `json:"action_type"`
	TimeLimitHours      int    `json:"time_limit_hours"`
	MinTransactionValue int    `json:"min_transaction_value"`
	ChainRequired       bool   `json:"chain_required,omitempty"`
	StreakRequired      int    `json:"streak_required,omitempty"`
}

// Quest is a personalized task issued to a user.
// Difficulty is within [1, 3] whenever the user's reputation was below 20
// when the quest was generated.
type Quest struct {
	ID          string             `json:"quest_id" db:"quest_id"`
	UserID      string             `json:"user_id" db:"user_id"`
	Difficulty  int                `json:"difficulty_rating" db:"difficulty_rating"` // [1, 10]
	RewardXP    int64              `json:"reward_xp" db:"reward_xp"`
	RewardGami  decimal.Decimal    `json:"reward_gami" db:"reward_gami"`
	Criteria    CompletionCriteria `json:"completion_criteria" db:"completion_criteria"`
	Status      QuestStatus        `json:"status" db:"status"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty" db:"completed_at"`
}

// UserProfile is a user plus the recent history used to personalize quests.
type UserProfile struct {
	User                  User    `json:"user_identity"`
	RecentEvents          []Event `json:"recent_events"`
	QuestsCompleted       int     `json:"total_quests_completed"`
	AverageCompletionTime float64 `json:"average_completion_time"`
}

// AlertAction is the response taken on a fraud alert.
type AlertAction string

const (
	ActionLocked    AlertAction = "LOCKED"
	ActionFlagged   AlertAction = "FLAGGED"
	ActionMonitored AlertAction = "MONITORED"
)

// FraudAlert is an append-only record of a fraud decision.
type FraudAlert struct {
	ID        string      `json:"alert_id" db:"alert_id"`
	UserID    string      `json:"user_id" db:"user_id"`
	Score     float64     `json:"anomaly_score" db:"anomaly_score"`
	Reason    string      `json:"reason" db:"reason"`
	Action    AlertAction `json:"action_taken" db:"action_taken"`
	Timestamp time.Time   `json:"timestamp" db:"timestamp"`
}

// SimulationResult is the immutable outcome of one Monte Carlo forecast.
type SimulationResult struct {
	CurrentSupply      float64   `json:"current_supply"`
	ForecastDays       int       `json:"forecast_days"`
	Iterations         int       `json:"iterations"`
	PredictedInflation float64   `json:"predicted_inflation"` // mean, percent
	InflationStd       float64   `json:"inflation_std"`
	Percentile5        float64   `json:"confidence_interval_5"`
	Percentile95       float64   `json:"confidence_interval_95"`
	MeanFinalSupply    float64   `json:"mean_final_supply"`
	AvgSupplyPath      []float64 `json:"avg_supply_path"` // len ForecastDays+1
	Timestamp          time.Time `json:"timestamp"`
}
