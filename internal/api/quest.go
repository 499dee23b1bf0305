package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gami/protocol-engine/internal/apperr"
	"github.com/gami/protocol-engine/internal/difficulty"
	"github.com/gami/protocol-engine/internal/metrics"
	"github.com/gami/protocol-engine/internal/model"
	"github.com/gami/protocol-engine/internal/store"
)

// Quests serves the difficulty optimizer and the quest log.
type Quests struct {
	store store.Store
	opt   *difficulty.Optimizer
}

// NewQuests creates the quest handlers.
func NewQuests(st store.Store, opt *difficulty.Optimizer) *Quests {
	return &Quests{store: st, opt: opt}
}

// Routes mounts the quest endpoints.
func (q *Quests) Routes(r chi.Router) {
	r.Post("/generate-quest", q.Generate)
	r.Post("/feedback", q.Feedback)
	r.Get("/quest/{questID}", q.Get)
	r.Post("/quest/{questID}/complete", q.Complete)
	r.Get("/user/{userID}/quests", q.ListByUser)
	r.Post("/segments", q.Segments)
}

// Health reports liveness only.
func (q *Quests) Health() Health {
	return Health{Status: "healthy", Service: "quest"}
}

func validateProfile(p model.UserProfile) error {
	if p.User.WalletID == "" {
		return apperr.Invalid("user_identity.wallet_id", "must not be empty")
	}
	if p.User.Reputation < 0 || p.User.Reputation > 100 {
		return apperr.Invalid("user_identity.reputation_score", "must be within [0, 100], got %v", p.User.Reputation)
	}
	if p.User.XPBalance < 0 {
		return apperr.Invalid("user_identity.xp_balance", "must not be negative, got %d", p.User.XPBalance)
	}
	if p.QuestsCompleted < 0 {
		return apperr.Invalid("total_quests_completed", "must not be negative, got %d", p.QuestsCompleted)
	}
	return nil
}

// Generate handles POST /generate-quest
func (q *Quests) Generate(w http.ResponseWriter, r *http.Request) {
	var profile model.UserProfile
	if !decode(w, r, &profile) {
		return
	}
	if err := validateProfile(profile); err != nil {
		writeErr(w, r, err)
		return
	}

	// The stored trust state wins over whatever status the caller sent.
	ctx := r.Context()
	stored, err := q.store.GetUser(ctx, profile.User.WalletID)
	switch {
	case err == nil:
		profile.User.Status = stored.Status
	case !errors.Is(err, apperr.ErrNotFound):
		writeErr(w, r, err)
		return
	}

	quest, err := q.opt.GenerateQuest(ctx, profile)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := q.store.EnsureUser(ctx, profile.User.WalletID); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := q.store.InsertQuest(ctx, quest); err != nil {
		writeErr(w, r, fmt.Errorf("record quest: %w", err))
		return
	}

	slog.Info("quest generated",
		"quest", quest.ID,
		"user", quest.UserID,
		"difficulty", quest.Difficulty,
		"reward_xp", quest.RewardXP,
	)
	writeJSON(w, http.StatusOK, quest)
}

// Feedback handles POST /feedback. The policy state is rebuilt from stored
// reputation, event count and completed quests; the action is the quest's
// difficulty.
func (q *Quests) Feedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.QuestID == "" {
		writeErr(w, r, apperr.Invalid("feedback", "user_id and quest_id are required"))
		return
	}

	ctx := r.Context()
	quest, err := q.store.GetQuest(ctx, req.QuestID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	user, err := q.store.GetUser(ctx, req.UserID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if user.Status == model.StatusLocked {
		writeErr(w, r, apperr.Locked(user.WalletID))
		return
	}
	events, err := q.store.CountEventsByUser(ctx, req.UserID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	completed, err := q.store.CountCompletedQuests(ctx, req.UserID)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	key := difficulty.State{
		Reputation:      user.Reputation,
		RecentEvents:    events,
		CompletedQuests: completed,
	}.Key()
	value, err := q.opt.Update(ctx, key, quest.Difficulty, req.Retained)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	metrics.FeedbackTotal.WithLabelValues(strconv.FormatBool(req.Retained)).Inc()
	writeJSON(w, http.StatusOK, FeedbackResponse{
		Status: "success",
		State:  key,
		Action: quest.Difficulty,
		Value:  value,
	})
}

// Get handles GET /quest/{questID}
func (q *Quests) Get(w http.ResponseWriter, r *http.Request) {
	quest, err := q.store.GetQuest(r.Context(), chi.URLParam(r, "questID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quest)
}

// Complete handles POST /quest/{questID}/complete. Quests of LOCKED users
// cannot be completed.
func (q *Quests) Complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pending, err := q.store.GetQuest(ctx, chi.URLParam(r, "questID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	user, err := q.store.GetUser(ctx, pending.UserID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if user.Status == model.StatusLocked {
		writeErr(w, r, apperr.Locked(user.WalletID))
		return
	}

	quest, err := q.store.CompleteQuest(ctx, pending.ID, time.Now().UTC())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	slog.Info("quest completed", "quest", quest.ID, "user", quest.UserID, "reward_xp", quest.RewardXP)
	writeJSON(w, http.StatusOK, quest)
}

// ListByUser handles GET /user/{userID}/quests
func (q *Quests) ListByUser(w http.ResponseWriter, r *http.Request) {
	quests, err := q.store.ListQuestsByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if quests == nil {
		quests = []model.Quest{}
	}
	writeJSON(w, http.StatusOK, quests)
}

// Segments handles POST /segments
func (q *Quests) Segments(w http.ResponseWriter, r *http.Request) {
	var req SegmentRequest
	if !decode(w, r, &req) {
		return
	}
	segments, err := q.opt.Cluster(req.Profiles, req.K)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SegmentResponse{Segments: segments})
}
