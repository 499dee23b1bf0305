package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gami/protocol-engine/internal/api"
	"github.com/gami/protocol-engine/internal/apperr"
	"github.com/gami/protocol-engine/internal/model"
)

// --- Tool inputs ---

// SimulationInput is the input of run_simulation.
type SimulationInput struct {
	CurrentSupply float64 `json:"current_supply" jsonschema:"current GAMI supply, must be positive"`
	AdoptionRate  float64 `json:"adoption_rate" jsonschema:"daily adoption rate in percent, 0 to 100"`
	Days          *int    `json:"days,omitempty" jsonschema:"forecast horizon in days, 1 to 365 (default 30)"`
	Iterations    *int    `json:"iterations,omitempty" jsonschema:"Monte Carlo iterations, 100 to 10000 (default 1000)"`
}

func (in SimulationInput) validate() error {
	return api.SimulationRequest(in).Params().Validate()
}

// ConversionInput is the input of convert_xp_to_gami.
type ConversionInput struct {
	XPAmount int64 `json:"xp_amount" jsonschema:"XP to convert, must be positive"`
}

// ScenarioInput is the input of forecast_scenarios.
type ScenarioInput struct {
	CurrentSupply *float64  `json:"current_supply,omitempty" jsonschema:"current GAMI supply, must be positive (default 1000000)"`
	AdoptionRates []float64 `json:"adoption_rates,omitempty" jsonschema:"adoption rates to compare (default 1, 3, 5, 10)"`
	Days          *int      `json:"days_per_scenario,omitempty" jsonschema:"forecast horizon per scenario (default 30)"`
}

// EventInput is one behavioral event.
type EventInput struct {
	UserID     string  `json:"user_id" jsonschema:"wallet that performed the action"`
	Source     string  `json:"source" jsonschema:"web2 or web3"`
	ActionType string  `json:"action_type" jsonschema:"action name"`
	XPEarned   float64 `json:"xp_earned" jsonschema:"XP earned by the action"`
	Timestamp  string  `json:"timestamp,omitempty" jsonschema:"RFC 3339 time, defaults to now"`
}

func (in EventInput) event() (model.Event, error) {
	ev := model.Event{
		UserID:     in.UserID,
		Source:     model.Source(in.Source),
		ActionType: in.ActionType,
		Metadata:   model.NewMetadata(in.XPEarned),
	}
	if in.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, in.Timestamp)
		if err != nil {
			return model.Event{}, apperr.Invalid("timestamp", "must be RFC 3339, got %q", in.Timestamp)
		}
		ev.Timestamp = ts.UTC()
	}
	if err := ev.Validate(); err != nil {
		return model.Event{}, apperr.Invalid("event", "%v", err)
	}
	return ev, nil
}

func events(in []EventInput) ([]model.Event, error) {
	out := make([]model.Event, 0, len(in))
	for _, e := range in {
		ev, err := e.event()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// ProfileInput is the input of generate_quest.
type ProfileInput struct {
	WalletID        string       `json:"wallet_id" jsonschema:"user wallet"`
	Reputation      float64      `json:"reputation_score" jsonschema:"reputation, 0 to 100"`
	XPBalance       int64        `json:"xp_balance,omitempty" jsonschema:"current XP balance"`
	QuestsCompleted int          `json:"total_quests_completed,omitempty" jsonschema:"quests completed so far"`
	RecentEvents    []EventInput `json:"recent_events,omitempty" jsonschema:"recent activity used to personalize the quest"`
}

func (in ProfileInput) profile() (model.UserProfile, error) {
	if in.WalletID == "" {
		return model.UserProfile{}, apperr.Invalid("wallet_id", "must not be empty")
	}
	if in.Reputation < 0 || in.Reputation > 100 {
		return model.UserProfile{}, apperr.Invalid("reputation_score", "must be within [0, 100], got %v", in.Reputation)
	}
	recent, err := events(in.RecentEvents)
	if err != nil {
		return model.UserProfile{}, err
	}
	return model.UserProfile{
		User:            model.User{WalletID: in.WalletID, Reputation: in.Reputation, XPBalance: in.XPBalance, Status: model.StatusActive},
		RecentEvents:    recent,
		QuestsCompleted: in.QuestsCompleted,
	}, nil
}

// FeedbackInput is the input of submit_feedback.
type FeedbackInput struct {
	UserID   string `json:"user_id" jsonschema:"user who received the quest"`
	QuestID  string `json:"quest_id" jsonschema:"quest the feedback is about"`
	Retained bool   `json:"retained" jsonschema:"whether the user was retained"`
}

// UserInput names a user.
type UserInput struct {
	UserID string `json:"user_id" jsonschema:"user wallet"`
}

func (in UserInput) validate() error {
	if in.UserID == "" {
		return apperr.Invalid("user_id", "must not be empty")
	}
	return nil
}

// IngestInput is the input of ingest_events.
type IngestInput struct {
	Events []EventInput `json:"events" jsonschema:"events to record, 1 to 1000"`
}

// SybilInput is the input of detect_sybil_cluster.
type SybilInput struct {
	LookbackHours int `json:"lookback_hours,omitempty" jsonschema:"window to analyze in hours (default 24)"`
}

// LimitInput bounds a listing.
type LimitInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of records"`
}

// --- Registration ---

func (s *Supervisor) registerTools(server *mcp.Server) {
	eco, quest, sec := s.clients[EngineEconomy], s.clients[EngineQuest], s.clients[EngineSecurity]

	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_simulation",
		Description: "Forecast GAMI inflation with Monte Carlo and apply the deflationary rate rule",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in SimulationInput) (*mcp.CallToolResult, any, error) {
		if err := in.validate(); err != nil {
			return toolError(err), nil, nil
		}
		return dispatch(ctx, eco, http.MethodPost, "/run-simulation", nil, in)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_emission_rate",
		Description: "Current XP per GAMI emission rate",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
		return dispatch(ctx, eco, http.MethodGet, "/get-current-emission-rate", nil, nil)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "convert_xp_to_gami",
		Description: "Convert XP to GAMI at the current emission rate",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in ConversionInput) (*mcp.CallToolResult, any, error) {
		if in.XPAmount <= 0 {
			return toolError(apperr.Invalid("xp_amount", "must be positive, got %d", in.XPAmount)), nil, nil
		}
		return dispatch(ctx, eco, http.MethodPost, "/convert-xp-to-gami", nil, api.ConversionRequest{XPAmount: in.XPAmount})
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "forecast_scenarios",
		Description: "Compare inflation forecasts across adoption rates without changing the emission rate",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in ScenarioInput) (*mcp.CallToolResult, any, error) {
		if in.CurrentSupply != nil && !(*in.CurrentSupply > 0) {
			return toolError(apperr.Invalid("current_supply", "must be positive, got %v", *in.CurrentSupply)), nil, nil
		}
		return dispatch(ctx, eco, http.MethodPost, "/forecast-scenarios", nil, api.ScenarioRequest(in))
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "generate_quest",
		Description: "Generate a personalized quest; users below reputation 20 only receive difficulty 1 to 3",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in ProfileInput) (*mcp.CallToolResult, any, error) {
		p, err := in.profile()
		if err != nil {
			return toolError(err), nil, nil
		}
		return dispatch(ctx, quest, http.MethodPost, "/generate-quest", nil, p)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "submit_feedback",
		Description: "Report whether a quest retained its user, updating the difficulty policy",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in FeedbackInput) (*mcp.CallToolResult, any, error) {
		if in.UserID == "" || in.QuestID == "" {
			return toolError(apperr.Invalid("feedback", "user_id and quest_id are required")), nil, nil
		}
		return dispatch(ctx, quest, http.MethodPost, "/feedback", nil, api.FeedbackRequest(in))
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_user_quests",
		Description: "List the quests issued to a user",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in UserInput) (*mcp.CallToolResult, any, error) {
		if err := in.validate(); err != nil {
			return toolError(err), nil, nil
		}
		return dispatch(ctx, quest, http.MethodGet, "/user/"+url.PathEscape(in.UserID)+"/quests", nil, nil)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ingest_events",
		Description: "Record behavioral events for fraud analysis",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in IngestInput) (*mcp.CallToolResult, any, error) {
		if len(in.Events) == 0 || len(in.Events) > 1000 {
			return toolError(apperr.Invalid("events", "must contain 1 to 1000 events, got %d", len(in.Events))), nil, nil
		}
		evs, err := events(in.Events)
		if err != nil {
			return toolError(err), nil, nil
		}
		return dispatch(ctx, sec, http.MethodPost, "/ingest-events", nil, api.IngestRequest{Events: evs})
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "detect_anomaly",
		Description: "Score a user's recent behavior and lock the user if it is anomalous",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in UserInput) (*mcp.CallToolResult, any, error) {
		if err := in.validate(); err != nil {
			return toolError(err), nil, nil
		}
		return dispatch(ctx, sec, http.MethodPost, "/detect-anomaly/"+url.PathEscape(in.UserID), nil, nil)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "detect_sybil_cluster",
		Description: "Flag and lock users whose XP accrual rate is a statistical outlier",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in SybilInput) (*mcp.CallToolResult, any, error) {
		if in.LookbackHours < 0 || in.LookbackHours > 720 {
			return toolError(apperr.Invalid("lookback_hours", "must be within [1, 720], got %d", in.LookbackHours)), nil, nil
		}
		var q url.Values
		if in.LookbackHours > 0 {
			q = url.Values{"lookback_hours": {strconv.Itoa(in.LookbackHours)}}
		}
		return dispatch(ctx, sec, http.MethodPost, "/detect-sybil-cluster", q, nil)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "train_model",
		Description: "Retrain the anomaly model on the last seven days of events",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
		return dispatch(ctx, sec, http.MethodPost, "/train-model", nil, nil)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_fraud_alerts",
		Description: "Newest fraud alerts across all users",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in LimitInput) (*mcp.CallToolResult, any, error) {
		if in.Limit < 0 {
			return toolError(apperr.Invalid("limit", "must not be negative, got %d", in.Limit)), nil, nil
		}
		var q url.Values
		if in.Limit > 0 {
			q = url.Values{"limit": {strconv.Itoa(in.Limit)}}
		}
		return dispatch(ctx, sec, http.MethodGet, "/fraud-alerts", q, nil)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_user_security_status",
		Description: "A user's lock status, reputation and recent alerts",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in UserInput) (*mcp.CallToolResult, any, error) {
		if err := in.validate(); err != nil {
			return toolError(err), nil, nil
		}
		return dispatch(ctx, sec, http.MethodGet, "/user/"+url.PathEscape(in.UserID)+"/status", nil, nil)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "engine_health",
		Description: "Latest health snapshot of every engine",
	}, func(_ context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
		data, err := json.Marshal(s.monitor.Snapshot())
		if err != nil {
			return nil, nil, err
		}
		return textResult(data), nil, nil
	})
}

// dispatch forwards a call and returns the engine's JSON unchanged.
func dispatch(ctx context.Context, c *Client, method, path string, q url.Values, body any) (*mcp.CallToolResult, any, error) {
	raw, err := c.Call(ctx, method, path, q, body)
	if err != nil {
		return toolError(err), nil, nil
	}
	return textResult(raw), nil, nil
}

func textResult(data []byte) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}
}

// ToolFailure is the structured content of a failed tool call. Kind is
// "rejected" or "unreachable" for engine failures and "invalid" when the
// supervisor refused the arguments before dispatch.
type ToolFailure struct {
	Engine     string    `json:"engine,omitempty"`
	Kind       ErrorKind `json:"kind"`
	StatusCode int       `json:"status_code,omitempty"`
	Field      string    `json:"field,omitempty"`
	Detail     string    `json:"detail"`
}

// KindInvalid marks arguments rejected by the supervisor itself.
const KindInvalid ErrorKind = "invalid"

func toolError(err error) *mcp.CallToolResult {
	res := &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
	var ee *EngineError
	var ve *apperr.ValidationError
	switch {
	case errors.As(err, &ee):
		res.StructuredContent = ToolFailure{Engine: ee.Engine, Kind: ee.Kind, StatusCode: ee.StatusCode, Detail: ee.Detail}
	case errors.As(err, &ve):
		res.StructuredContent = ToolFailure{Kind: KindInvalid, Field: ve.Field, Detail: ve.Reason}
	}
	return res
}
