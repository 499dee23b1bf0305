package security

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gami/protocol-engine/internal/anomaly"
	"github.com/gami/protocol-engine/internal/apperr"
	"github.com/gami/protocol-engine/internal/model"
	"github.com/gami/protocol-engine/internal/notify"
	"github.com/gami/protocol-engine/internal/store"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu  sync.Mutex
	got []notify.Signal
	err error
}

func (r *recorder) Notify(_ context.Context, sig notify.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, sig)
	return r.err
}

func (r *recorder) signals() []notify.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Signal(nil), r.got...)
}

func ev(user string, at time.Time, action string, source model.Source, xp float64) model.Event {
	return model.Event{
		ID:         fmt.Sprintf("%s-%d", user, at.UnixNano()),
		UserID:     user,
		Source:     source,
		ActionType: action,
		Metadata:   model.NewMetadata(xp),
		Timestamp:  at,
	}
}

func humanEvents(user string) []model.Event {
	types := []string{"swap", "stake", "vote"}
	var out []model.Event
	for i := range 6 {
		src := model.SourceWeb2
		if i%2 == 1 {
			src = model.SourceWeb3
		}
		out = append(out, ev(user, t0.Add(time.Duration(i)*20*time.Minute), types[i%3], src, 10))
	}
	return out
}

func botEvents(user string) []model.Event {
	var out []model.Event
	for i := range 60 {
		out = append(out, ev(user, t0.Add(time.Duration(i)*3*time.Second), "claim", model.SourceWeb3, 500))
	}
	return out
}

func steadyEarner(user string, ratePerHour float64) []model.Event {
	var out []model.Event
	for i := range 5 {
		out = append(out, ev(user, t0.Add(time.Duration(i)*30*time.Minute), "quest", model.SourceWeb2, ratePerHour*2/5))
	}
	return out
}

func sybilPopulation() []model.Event {
	var events []model.Event
	rates := []float64{100, 92, 108, 97, 103, 85, 115, 99, 101, 94, 106, 110, 90, 104, 96, 88, 112, 102, 98, 100}
	for i, r := range rates {
		events = append(events, steadyEarner(fmt.Sprintf("user-%02d", i), r)...)
	}
	return append(events, steadyEarner("farmer", 1000)...)
}

type fixture struct {
	store    *store.MemoryStore
	notifier *recorder
	engine   *Engine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	rec := &recorder{}
	eng := NewEngine(st, anomaly.NewDetector(anomaly.Config{Seed: 42}), NewGuard(st, rec), cfg)
	eng.now = func() time.Time { return t0.Add(3 * time.Hour) }
	return &fixture{store: st, notifier: rec, engine: eng}
}

// seed records events directly, bypassing the ingest queue.
func (f *fixture) seed(t *testing.T, events []model.Event) {
	t.Helper()
	ctx := context.Background()
	for _, e := range events {
		require.NoError(t, f.store.EnsureUser(ctx, e.UserID))
	}
	require.NoError(t, f.store.InsertEvents(ctx, events))
}

// --- Guard ---

func TestGuard_LockIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	require.NoError(t, f.store.EnsureUser(ctx, "0xA"))
	guard := NewGuard(f.store, f.notifier)

	changed, err := guard.Lock(ctx, "0xA", 0.8, "Low action diversity (potential bot)")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = guard.Lock(ctx, "0xA", 0.9, "again")
	require.NoError(t, err)
	assert.False(t, changed)

	alerts, err := f.store.ListAlertsByUser(ctx, "0xA", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.ActionLocked, alerts[0].Action)
	assert.Equal(t, 0.8, alerts[0].Score)

	sigs := f.notifier.signals()
	require.Len(t, sigs, 1)
	assert.Equal(t, "FRAUD_DETECTED:0xA:Low action diversity (potential bot)", sigs[0].Wire())
}

func TestGuard_NotificationFailureDoesNotUndoLock(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.EnsureUser(ctx, "0xA"))
	guard := NewGuard(st, &recorder{err: errors.New("redis down")})

	changed, err := guard.Lock(ctx, "0xA", SybilScore, SybilReason)
	require.NoError(t, err)
	assert.True(t, changed)

	u, err := st.GetUser(ctx, "0xA")
	require.NoError(t, err)
	assert.True(t, u.Locked())
}

// alertOutage fails the next n lock-with-alert writes without touching the
// wrapped store, like a rolled back transaction.
type alertOutage struct {
	*store.MemoryStore
	n int
}

func (s *alertOutage) LockUserWithAlert(ctx context.Context, a *model.FraudAlert) (bool, error) {
	if s.n > 0 {
		s.n--
		return false, errors.New("insert fraud_alerts: connection reset")
	}
	return s.MemoryStore.LockUserWithAlert(ctx, a)
}

func TestGuard_FailedAlertWriteIsRetried(t *testing.T) {
	ctx := context.Background()
	st := &alertOutage{MemoryStore: store.NewMemoryStore(), n: 1}
	require.NoError(t, st.EnsureUser(ctx, "0xA"))
	rec := &recorder{}
	guard := NewGuard(st, rec)

	_, err := guard.Lock(ctx, "0xA", SybilScore, SybilReason)
	require.Error(t, err)

	u, err := st.GetUser(ctx, "0xA")
	require.NoError(t, err)
	assert.False(t, u.Locked(), "no lock without its alert")
	assert.Empty(t, rec.signals())

	changed, err := guard.Lock(ctx, "0xA", SybilScore, SybilReason)
	require.NoError(t, err)
	assert.True(t, changed, "retry performs the transition")

	alerts, err := st.ListAlertsByUser(ctx, "0xA", 10)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
	assert.Len(t, rec.signals(), 1)
}

func TestGuard_UnknownUser(t *testing.T) {
	guard := NewGuard(store.NewMemoryStore(), nil)
	_, err := guard.Lock(context.Background(), "0xMissing", 1, "x")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

// --- Ingest ---

func TestIngest_RecordsAndRegistersUsers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	res, err := f.engine.Ingest(ctx, []model.Event{
		{UserID: "0xA", Source: model.SourceWeb3, ActionType: "swap", Metadata: model.NewMetadata(25)},
		{UserID: "0xB", Source: model.SourceWeb2, ActionType: "login", Metadata: model.NewMetadata(1)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Ingested)
	assert.Equal(t, 1, res.QueueDepth)

	events, err := f.store.RecentEventsByUser(ctx, "0xA", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
	assert.Equal(t, t0.Add(3*time.Hour), events[0].Timestamp)

	b, err := f.store.GetUser(ctx, "0xB")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, b.Status)
}

func TestIngest_RejectsInvalidBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	_, err := f.engine.Ingest(ctx, nil)
	assert.True(t, apperr.IsValidation(err))

	_, err = f.engine.Ingest(ctx, []model.Event{
		{UserID: "0xA", Source: model.SourceWeb2, ActionType: "swap", Metadata: model.NewMetadata(1)},
		{UserID: "0xA", Source: "carrier-pigeon", ActionType: "swap", Metadata: model.NewMetadata(1)},
	})
	assert.True(t, apperr.IsValidation(err))
	assert.Zero(t, f.engine.QueueDepth())

	_, err = f.store.GetUser(ctx, "0xA")
	assert.ErrorIs(t, err, apperr.ErrNotFound, "a rejected batch records nothing")
}

func TestIngest_QueueFullRecordsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{QueueSize: 1})
	batch := []model.Event{{UserID: "0xA", Source: model.SourceWeb2, ActionType: "swap", Metadata: model.NewMetadata(1)}}

	_, err := f.engine.Ingest(ctx, batch)
	require.NoError(t, err)

	batch[0].UserID = "0xB"
	_, err = f.engine.Ingest(ctx, batch)
	assert.ErrorIs(t, err, apperr.ErrQueueFull)

	_, err = f.store.GetUser(ctx, "0xB")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

// --- Detection ---

func TestDetectAnomaly_LocksBot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	var events []model.Event
	for i := range 20 {
		events = append(events, humanEvents(fmt.Sprintf("human-%02d", i))...)
	}
	events = append(events, botEvents("bot")...)
	f.seed(t, events)

	untrained, err := f.engine.DetectAnomaly(ctx, "bot")
	require.NoError(t, err)
	assert.Equal(t, anomaly.OutcomeNotTrained, untrained.Outcome)
	assert.Equal(t, "NONE", untrained.ActionTaken)

	res, err := f.engine.TrainModel(ctx)
	require.NoError(t, err)
	assert.True(t, res.Trained)
	assert.Equal(t, 21, res.Users)

	bot, err := f.engine.DetectAnomaly(ctx, "bot")
	require.NoError(t, err)
	assert.True(t, bot.IsAnomaly)
	assert.Equal(t, "LOCKED", bot.ActionTaken)
	assert.Equal(t, 60, bot.EventsAnalyzed)

	human, err := f.engine.DetectAnomaly(ctx, "human-03")
	require.NoError(t, err)
	assert.False(t, human.IsAnomaly)
	assert.Equal(t, "NONE", human.ActionTaken)

	status, err := f.engine.UserStatus(ctx, "bot")
	require.NoError(t, err)
	assert.Equal(t, model.StatusLocked, status.Status)
	assert.Equal(t, 1, status.RecentAlerts)
	require.NotNil(t, status.LastAlert)

	require.Len(t, f.notifier.signals(), 1)
	assert.Equal(t, "bot", f.notifier.signals()[0].UserID)
}

func TestDetectAnomaly_EmptyUser(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.engine.DetectAnomaly(context.Background(), "")
	assert.True(t, apperr.IsValidation(err))
}

func TestTrainModel_TooFewUsersIsNotAnError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	for i := range 3 {
		f.seed(t, humanEvents(fmt.Sprintf("human-%d", i)))
	}

	res, err := f.engine.TrainModel(ctx)
	require.NoError(t, err)
	assert.False(t, res.Trained)
	assert.Equal(t, 3, res.Users)
	assert.False(t, f.engine.Trained())
}

func TestDetectSybil_LocksFarmer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.seed(t, sybilPopulation())

	rep, err := f.engine.DetectSybil(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, []string{"farmer"}, rep.SuspiciousUsers)
	assert.Equal(t, 1, rep.Count)
	assert.Equal(t, 105, rep.EventsAnalyzed)

	alerts, err := f.engine.Alerts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, SybilReason, alerts[0].Reason)
	assert.Equal(t, SybilScore, alerts[0].Score)

	// A second sweep finds the farmer again but does not re-alert.
	_, err = f.engine.DetectSybil(ctx, 24)
	require.NoError(t, err)
	alerts, err = f.engine.Alerts(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestDetectSybil_EmptyAndInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	rep, err := f.engine.DetectSybil(ctx, 24)
	require.NoError(t, err)
	assert.NotNil(t, rep.SuspiciousUsers)
	assert.Zero(t, rep.Count)

	for _, h := range []int{0, -1, 721} {
		_, err := f.engine.DetectSybil(ctx, h)
		assert.True(t, apperr.IsValidation(err), "lookback %d", h)
	}
}

func TestUserStatus_NotFound(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.engine.UserStatus(context.Background(), "0xMissing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

// --- Pipeline ---

func TestRun_BootstrapsModelAndLocksSybils(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, Config{BatchSize: 100, FlushInterval: time.Hour})

	done := make(chan struct{})
	go func() {
		f.engine.Run(ctx)
		close(done)
	}()

	_, err := f.engine.Ingest(ctx, sybilPopulation())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		u, err := f.store.GetUser(context.Background(), "farmer")
		return err == nil && u.Locked()
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.engine.Trained())

	alerts, err := f.engine.Alerts(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "Sybil cluster detected", alerts[0].Reason)

	cancel()
	<-done
}

func TestRun_FlushesPendingOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, Config{BatchSize: 10_000, FlushInterval: time.Hour})

	_, err := f.engine.Ingest(ctx, sybilPopulation())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		f.engine.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return f.engine.QueueDepth() == 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	u, err := f.store.GetUser(context.Background(), "farmer")
	require.NoError(t, err)
	assert.True(t, u.Locked())
}
