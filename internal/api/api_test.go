package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gami/protocol-engine/internal/anomaly"
	"github.com/gami/protocol-engine/internal/api"
	"github.com/gami/protocol-engine/internal/difficulty"
	"github.com/gami/protocol-engine/internal/emission"
	"github.com/gami/protocol-engine/internal/model"
	"github.com/gami/protocol-engine/internal/policy"
	"github.com/gami/protocol-engine/internal/security"
	"github.com/gami/protocol-engine/internal/store"
)

type fakeCache struct {
	saved []model.SimulationResult
}

func (c *fakeCache) SaveSimulation(_ context.Context, res model.SimulationResult) {
	c.saved = append(c.saved, res)
}

func (c *fakeCache) LatestSimulation(context.Context) (*model.SimulationResult, bool) {
	if len(c.saved) == 0 {
		return nil, false
	}
	res := c.saved[len(c.saved)-1]
	return &res, true
}

type testEnv struct {
	store  *store.MemoryStore
	cache  *fakeCache
	router http.Handler
}

// newTestEnv mounts all three agents on one router, as `serve --agent all` does.
func newTestEnv(t *testing.T, cache *fakeCache) *testEnv {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()

	ctrl, err := emission.NewController(ctx, emission.Config{Seed: 7, Workers: 2}, st)
	require.NoError(t, err)
	opt := difficulty.NewOptimizer(policy.NewMemoryTable(), difficulty.Config{Epsilon: -1, Seed: 3})
	det := anomaly.NewDetector(anomaly.Config{Seed: 42})
	eng := security.NewEngine(st, det, security.NewGuard(st, nil), security.Config{})

	var sc api.SimulationCache
	if cache != nil {
		sc = cache
	}
	router := api.NewRouter(
		api.NewEconomy(ctrl, sc),
		api.NewQuests(st, opt),
		api.NewSecurity(eng, nil),
	)
	return &testEnv{store: st, cache: cache, router: router}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// --- Economy ---

func TestEconomy_GetRate(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "GET", "/economy/get-current-emission-rate", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeBody[api.RateResponse](t, w)
	assert.True(t, resp.Rate.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, "1 GAMI = 1000 XP", resp.Description)
	assert.Equal(t, "0.001", resp.InverseRate.String())
}

func TestEconomy_RunSimulationTriggersAdjustment(t *testing.T) {
	cache := &fakeCache{}
	env := newTestEnv(t, cache)

	w := env.do(t, "POST", "/economy/run-simulation", map[string]any{
		"current_supply": 1_000_000,
		"adoption_rate":  15,
		"days":           60,
		"iterations":     200,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decodeBody[api.SimulationResponse](t, w)
	assert.Greater(t, resp.Result.PredictedInflation, 5.0)
	assert.True(t, resp.Decision.Triggered)
	assert.True(t, resp.Rate.Equal(decimal.NewFromInt(1100)), "rate %s", resp.Rate)
	assert.Len(t, resp.Result.AvgSupplyPath, 61)
	require.Len(t, cache.saved, 1)

	stored, ok, err := env.store.GetEmissionRate(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, stored.Equal(decimal.NewFromInt(1100)))

	w = env.do(t, "GET", "/economy/simulation-history?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decodeBody[api.HistoryResponse](t, w).Count)

	w = env.do(t, "GET", "/economy/last-simulation", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 60, decodeBody[model.SimulationResult](t, w).ForecastDays)
}

func TestEconomy_RunSimulationDefaults(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/economy/run-simulation", map[string]any{
		"current_supply": 1_000_000,
		"adoption_rate":  2,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decodeBody[api.SimulationResponse](t, w)
	assert.Equal(t, 30, resp.Result.ForecastDays)
	assert.Equal(t, 1000, resp.Result.Iterations)
	assert.False(t, resp.Decision.Triggered)
	assert.True(t, resp.Rate.Equal(decimal.NewFromInt(1000)))
}

func TestEconomy_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		path string
		body any
	}{
		{"too many iterations", "/economy/run-simulation", map[string]any{"current_supply": 1e6, "adoption_rate": 5, "iterations": 20000}},
		{"zero supply", "/economy/run-simulation", map[string]any{"current_supply": 0, "adoption_rate": 5}},
		{"adoption over 100", "/economy/run-simulation", map[string]any{"current_supply": 1e6, "adoption_rate": 101}},
		{"explicit zero days", "/economy/run-simulation", map[string]any{"current_supply": 1e6, "adoption_rate": 5, "days": 0}},
		{"explicit zero iterations", "/economy/run-simulation", map[string]any{"current_supply": 1e6, "adoption_rate": 5, "iterations": 0}},
		{"explicit zero scenario supply", "/economy/forecast-scenarios", map[string]any{"current_supply": 0}},
		{"explicit zero scenario days", "/economy/forecast-scenarios", map[string]any{"days_per_scenario": 0}},
		{"explicit empty adoption rates", "/economy/forecast-scenarios", map[string]any{"adoption_rates": []float64{}}},
		{"zero xp", "/economy/convert-xp-to-gami", map[string]any{"xp_amount": 0}},
		{"zero rate", "/economy/manual-rate-adjustment", map[string]any{"new_rate": "0"}},
		{"bad body", "/economy/convert-xp-to-gami", "not an object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}

	w := env.do(t, "GET", "/economy/simulation-history?limit=-3", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEconomy_ConvertAndManualOverride(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/economy/convert-xp-to-gami", api.ConversionRequest{XPAmount: 1234})
	require.Equal(t, http.StatusOK, w.Code)
	conv := decodeBody[api.ConversionResponse](t, w)
	assert.Equal(t, "1.234", conv.GamiAmount.String())

	w = env.do(t, "POST", "/economy/manual-rate-adjustment", api.RateAdjustmentRequest{NewRate: decimal.NewFromInt(500)})
	require.Equal(t, http.StatusOK, w.Code)
	adj := decodeBody[api.RateAdjustmentResponse](t, w)
	assert.Equal(t, "success", adj.Status)
	assert.InDelta(t, -50.0, adj.ChangePct, 1e-9)
	assert.True(t, adj.PreviousRate.Equal(decimal.NewFromInt(1000)))

	w = env.do(t, "POST", "/economy/convert-xp-to-gami", api.ConversionRequest{XPAmount: 1234})
	assert.Equal(t, "2.468", decodeBody[api.ConversionResponse](t, w).GamiAmount.String())
}

func TestEconomy_ForecastScenariosDefaults(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/economy/forecast-scenarios", map[string]any{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decodeBody[api.ScenarioResponse](t, w)
	require.Len(t, resp.Scenarios, 4)
	for i, want := range []float64{1, 3, 5, 10} {
		assert.Equal(t, want, resp.Scenarios[i].AdoptionRate)
	}

	w = env.do(t, "GET", "/economy/simulation-history", nil)
	assert.Zero(t, decodeBody[api.HistoryResponse](t, w).Count, "scenarios are not recorded")
}

func TestEconomy_LastSimulationPrefersCache(t *testing.T) {
	cache := &fakeCache{saved: []model.SimulationResult{{ForecastDays: 99}}}
	env := newTestEnv(t, cache)

	w := env.do(t, "GET", "/economy/last-simulation", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 99, decodeBody[model.SimulationResult](t, w).ForecastDays)

	env = newTestEnv(t, nil)
	w = env.do(t, "GET", "/economy/last-simulation", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- Quest ---

func profile(wallet string, reputation float64) model.UserProfile {
	return model.UserProfile{User: model.User{WalletID: wallet, Reputation: reputation}}
}

func TestQuest_GenerateRespectsLowReputation(t *testing.T) {
	env := newTestEnv(t, nil)

	for range 20 {
		w := env.do(t, "POST", "/quest/generate-quest", profile("0xlow", 10))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		q := decodeBody[model.Quest](t, w)
		assert.GreaterOrEqual(t, q.Difficulty, 1)
		assert.LessOrEqual(t, q.Difficulty, 3)
		assert.Equal(t, model.QuestActive, q.Status)
	}

	w := env.do(t, "GET", "/quest/user/0xlow/quests", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.Quest](t, w), 20)
}

func TestQuest_GetAndComplete(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/quest/generate-quest", profile("0xA", 50))
	require.Equal(t, http.StatusOK, w.Code)
	q := decodeBody[model.Quest](t, w)

	w = env.do(t, "GET", "/quest/quest/"+q.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, q.RewardXP, decodeBody[model.Quest](t, w).RewardXP)

	w = env.do(t, "POST", "/quest/quest/"+q.ID+"/complete", nil)
	require.Equal(t, http.StatusOK, w.Code)
	done := decodeBody[model.Quest](t, w)
	assert.Equal(t, model.QuestCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	u, err := env.store.GetUser(context.Background(), "0xA")
	require.NoError(t, err)
	assert.Equal(t, q.RewardXP, u.XPBalance)

	w = env.do(t, "POST", "/quest/quest/"+q.ID+"/complete", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, "GET", "/quest/quest/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQuest_Feedback(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/quest/generate-quest", profile("0xA", 5))
	require.Equal(t, http.StatusOK, w.Code)
	q := decodeBody[model.Quest](t, w)

	w = env.do(t, "POST", "/quest/feedback", api.FeedbackRequest{UserID: "0xA", QuestID: q.ID, Retained: true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	fb := decodeBody[api.FeedbackResponse](t, w)
	assert.Equal(t, "0:0:0", fb.State)
	assert.Equal(t, q.Difficulty, fb.Action)
	assert.InDelta(t, 1.0, fb.Value, 1e-12)

	w = env.do(t, "POST", "/quest/feedback", api.FeedbackRequest{UserID: "0xA", QuestID: "missing", Retained: true})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, "POST", "/quest/feedback", api.FeedbackRequest{UserID: "0xNobody", QuestID: q.ID})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, "POST", "/quest/feedback", api.FeedbackRequest{QuestID: q.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQuest_LockedUserIsGated(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	w := env.do(t, "POST", "/quest/generate-quest", profile("0xbad", 50))
	require.Equal(t, http.StatusOK, w.Code)
	issued := decodeBody[model.Quest](t, w)

	require.NoError(t, env.store.UpsertUser(ctx, &model.User{WalletID: "0xbad", Reputation: 50, Status: model.StatusLocked}))

	// A caller-supplied ACTIVE status does not override the stored lock.
	active := profile("0xbad", 50)
	active.User.Status = model.StatusActive
	for range 3 {
		w = env.do(t, "POST", "/quest/generate-quest", active)
		assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), "user locked")
	}
	quests, err := env.store.ListQuestsByUser(ctx, "0xbad")
	require.NoError(t, err)
	assert.Len(t, quests, 1, "no quest is recorded for a locked user")

	w = env.do(t, "POST", "/quest/feedback", api.FeedbackRequest{UserID: "0xbad", QuestID: issued.ID, Retained: true})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, "POST", "/quest/quest/"+issued.ID+"/complete", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	q, err := env.store.GetQuest(ctx, issued.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QuestActive, q.Status)
	u, err := env.store.GetUser(ctx, "0xbad")
	require.NoError(t, err)
	assert.Zero(t, u.XPBalance, "no reward is credited")

	// Other users are unaffected.
	w = env.do(t, "POST", "/quest/generate-quest", profile("0xgood", 50))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestQuest_InvalidProfile(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, p := range []model.UserProfile{profile("", 10), profile("0xA", 120), profile("0xA", -1)} {
		w := env.do(t, "POST", "/quest/generate-quest", p)
		assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	}

	w := env.do(t, "POST", "/quest/segments", api.SegmentRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Security ---

func TestSecurity_IngestAndQueries(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/security/ingest-events", api.IngestRequest{Events: []model.Event{
		{UserID: "0xA", Source: model.SourceWeb3, ActionType: "swap", Metadata: model.NewMetadata(30)},
	}})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	ing := decodeBody[api.IngestResponse](t, w)
	assert.Equal(t, 1, ing.Ingested)

	w = env.do(t, "GET", "/security/user/0xA/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decodeBody[security.UserStatus](t, w)
	assert.Equal(t, model.StatusActive, st.Status)
	assert.Nil(t, st.LastAlert)

	w = env.do(t, "GET", "/security/user/0xMissing/status", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, "GET", "/security/fraud-alerts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"alerts":[],"count":0}`, w.Body.String())

	w = env.do(t, "POST", "/security/train-model", nil)
	require.Equal(t, http.StatusOK, w.Code)
	train := decodeBody[api.TrainResponse](t, w)
	assert.Equal(t, "insufficient_data", train.Status)
	assert.False(t, train.Trained)

	w = env.do(t, "POST", "/security/detect-anomaly/0xA", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decodeBody[api.AnomalyResponse](t, w)
	assert.Equal(t, anomaly.OutcomeNotTrained, report.Outcome)
	assert.Equal(t, "NONE", report.ActionTaken)
}

func TestSecurity_BadInput(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/security/ingest-events", api.IngestRequest{Events: []model.Event{
		{UserID: "0xA", Source: "fax", ActionType: "swap", Metadata: model.NewMetadata(1)},
	}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "POST", "/security/ingest-events", []byte(`{"events":[{"user_id":"0xA","source":"web2","action_type":"x","meta_data":{}}]}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "POST", "/security/detect-sybil-cluster?lookback_hours=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "POST", "/security/detect-sybil-cluster", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 24, decodeBody[api.SybilResponse](t, w).LookbackHours)
}

// --- Health ---

func TestHealth_Aggregate(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	all := decodeBody[[]api.Health](t, w)
	require.Len(t, all, 3)

	w = env.do(t, "GET", "/economy/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	eco := decodeBody[api.Health](t, w)
	require.NotNil(t, eco.Rate)
	assert.True(t, eco.Rate.Equal(decimal.NewFromInt(1000)))

	w = env.do(t, "GET", "/security/health", nil)
	sec := decodeBody[api.Health](t, w)
	require.NotNil(t, sec.Trained)
	assert.False(t, *sec.Trained)
	require.NotNil(t, sec.QueueDepth)
}

func TestHealth_SingleAgentAtRoot(t *testing.T) {
	opt := difficulty.NewOptimizer(policy.NewMemoryTable(), difficulty.Config{Seed: 1})
	router := api.NewRouter(api.NewQuests(store.NewMemoryStore(), opt))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"quest"}`, w.Body.String())
}
