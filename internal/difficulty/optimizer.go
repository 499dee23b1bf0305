// Package difficulty assigns quest difficulty with an epsilon-greedy policy
// over a learned value table, and learns that table from retention feedback.
//
// The update treats every feedback as a single-step episode: the next state
// is the current state, so the table converges like a per-state bandit.
package difficulty

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/gami/protocol-engine/internal/apperr"
	"github.com/gami/protocol-engine/internal/model"
	"github.com/gami/protocol-engine/internal/policy"
)

const (
	MinDifficulty = 1
	MaxDifficulty = 10

	// DefaultEpsilon is the exploration probability.
	DefaultEpsilon = 0.10

	LearningRate = 0.1
	Discount     = 0.95

	RetainedReward = 10.0
	ChurnedReward  = -5.0

	// LowReputation is the bound below which only difficulties 1..3 are issued.
	LowReputation = 20.0
)

// State is the user signal the policy is conditioned on.
type State struct {
	Reputation      float64
	RecentEvents    int
	CompletedQuests int
}

// StateOf derives the policy state from a profile.
func StateOf(p model.UserProfile) State {
	return State{
		Reputation:      p.User.Reputation,
		RecentEvents:    len(p.RecentEvents),
		CompletedQuests: p.QuestsCompleted,
	}
}

// Key discretizes the state into the "rep:act:comp" table key.
func (s State) Key() string {
	rep := min(max(int(math.Floor(s.Reputation/20)), 0), 5)
	act := min(max(s.RecentEvents, 0)/5, 4)
	comp := min(max(s.CompletedQuests, 0), 10)
	return fmt.Sprintf("%d:%d:%d", rep, act, comp)
}

// Config tunes the optimizer.
type Config struct {
	// Epsilon is the exploration probability. Negative disables exploration;
	// zero takes DefaultEpsilon.
	Epsilon float64

	// Seed fixes the random source. Zero draws a random seed.
	Seed uint64
}

// Optimizer predicts difficulty and learns from feedback. It is safe for
// concurrent use; updates are serialized through a single lock.
type Optimizer struct {
	table   policy.Table
	epsilon float64

	updateMu sync.Mutex

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewOptimizer creates an optimizer over table.
func NewOptimizer(table policy.Table, cfg Config) *Optimizer {
	eps := cfg.Epsilon
	switch {
	case eps == 0:
		eps = DefaultEpsilon
	case eps < 0:
		eps = 0
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Optimizer{
		table:   table,
		epsilon: eps,
		rng:     rand.New(rand.NewPCG(seed, ^seed)),
	}
}

// Predict returns a difficulty in [1, 10]. Users below LowReputation always
// get a random value in [1, 3] without consulting the table.
func (o *Optimizer) Predict(ctx context.Context, s State) (int, error) {
	if s.Reputation < LowReputation {
		return MinDifficulty + o.intN(3), nil
	}
	if o.randFloat() < o.epsilon {
		return MinDifficulty + o.intN(MaxDifficulty), nil
	}

	values, err := o.actionValues(ctx, s.Key())
	if err != nil {
		return 0, err
	}

	best, bestVal, cold := MinDifficulty, values[0], true
	for i, v := range values {
		if v != 0 {
			cold = false
		}
		if v > bestVal {
			best, bestVal = MinDifficulty+i, v
		}
	}
	if cold {
		return heuristic(s.Reputation), nil
	}
	return best, nil
}

// Update applies one retention observation to (key, action) and flushes the
// table before returning. It returns the new value.
func (o *Optimizer) Update(ctx context.Context, key string, action int, retained bool) (float64, error) {
	if key == "" {
		return 0, apperr.Invalid("state", "must not be empty")
	}
	if action < MinDifficulty || action > MaxDifficulty {
		return 0, apperr.Invalid("action", "must be within [1, 10], got %d", action)
	}

	reward := ChurnedReward
	if retained {
		reward = RetainedReward
	}

	o.updateMu.Lock()
	defer o.updateMu.Unlock()

	values, err := o.actionValues(ctx, key)
	if err != nil {
		return 0, err
	}
	current := values[action-MinDifficulty]
	nextMax := values[0]
	for _, v := range values[1:] {
		nextMax = max(nextMax, v)
	}

	updated := current + LearningRate*(reward+Discount*nextMax-current)
	if err := o.table.Set(ctx, key, action, updated); err != nil {
		return 0, fmt.Errorf("set policy value: %w", err)
	}
	if err := o.table.Flush(ctx); err != nil {
		return 0, fmt.Errorf("flush policy table: %w", err)
	}

	slog.Debug("policy updated", "state", key, "action", action, "retained", retained, "value", updated)
	return updated, nil
}

func (o *Optimizer) actionValues(ctx context.Context, key string) ([MaxDifficulty]float64, error) {
	var values [MaxDifficulty]float64
	for a := MinDifficulty; a <= MaxDifficulty; a++ {
		v, err := o.table.Get(ctx, key, a)
		if err != nil {
			return values, fmt.Errorf("get policy value: %w", err)
		}
		values[a-MinDifficulty] = v
	}
	return values, nil
}

// heuristic is the reputation-banded ladder used for cold states.
func heuristic(reputation float64) int {
	switch {
	case reputation < 20:
		return 2
	case reputation < 40:
		return 4
	case reputation < 60:
		return 6
	case reputation < 80:
		return 8
	default:
		return 9
	}
}

func (o *Optimizer) intN(n int) int {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return o.rng.IntN(n)
}

func (o *Optimizer) randFloat() float64 {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return o.rng.Float64()
}

func (o *Optimizer) newRand() *rand.Rand {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return rand.New(rand.NewPCG(o.rng.Uint64(), o.rng.Uint64()))
}
