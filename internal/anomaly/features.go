package anomaly

import (
	"slices"
	"time"

	"github.com/gami/protocol-engine/internal/model"
)

const (
	// minActiveHours floors the active span so short windows do not blow up rates.
	minActiveHours = 0.1

	// burstGap is the inter-event gap below which two events count as a burst.
	burstGap = 10 * time.Second
)

// Features is the behavioral vector of one user over an event window.
type Features struct {
	Frequency        float64 `json:"event_frequency"`    // events per active hour
	XPRate           float64 `json:"xp_rate"`            // XP per active hour
	Diversity        float64 `json:"action_diversity"`   // distinct action types
	Web3Ratio        float64 `json:"web3_ratio"`         // fraction of web3 events
	IntervalVariance float64 `json:"time_variance"`      // seconds^2
	MeanInterval     float64 `json:"avg_event_interval"` // seconds
	BurstRatio       float64 `json:"event_burst_score"`  // fraction of gaps under 10s
}

// Vector returns the features in model order.
func (f Features) Vector() []float64 {
	return []float64{
		f.Frequency,
		f.XPRate,
		f.Diversity,
		f.Web3Ratio,
		f.IntervalVariance,
		f.MeanInterval,
		f.BurstRatio,
	}
}

// IsZero reports whether no signal was extracted.
func (f Features) IsZero() bool {
	return f == Features{}
}

// Extract computes the features of userID over events. Events of other users
// are ignored. A user with no events yields the zero vector.
func Extract(events []model.Event, userID string) Features {
	var own []model.Event
	for _, e := range events {
		if e.UserID == userID {
			own = append(own, e)
		}
	}
	if len(own) == 0 {
		return Features{}
	}
	slices.SortStableFunc(own, func(a, b model.Event) int { return a.Timestamp.Compare(b.Timestamp) })

	n := float64(len(own))
	hours := activeHours(own)

	var xp float64
	var web3 int
	types := make(map[string]struct{})
	for _, e := range own {
		xp += e.Metadata.XPEarned
		if e.Source == model.SourceWeb3 {
			web3++
		}
		types[e.ActionType] = struct{}{}
	}

	f := Features{
		Frequency: n / hours,
		XPRate:    xp / hours,
		Diversity: float64(len(types)),
		Web3Ratio: float64(web3) / n,
	}

	if len(own) > 1 {
		gaps := make([]float64, len(own)-1)
		var sum float64
		var bursts int
		for i := 1; i < len(own); i++ {
			gap := own[i].Timestamp.Sub(own[i-1].Timestamp)
			gaps[i-1] = gap.Seconds()
			sum += gaps[i-1]
			if gap < burstGap {
				bursts++
			}
		}
		f.MeanInterval = sum / float64(len(gaps))
		var ss float64
		for _, g := range gaps {
			d := g - f.MeanInterval
			ss += d * d
		}
		f.IntervalVariance = ss / float64(len(gaps))
		f.BurstRatio = float64(bursts) / float64(len(gaps))
	}
	return f
}

// activeHours is the span between first and last event, floored at 0.1h.
// events must be sorted by timestamp.
func activeHours(events []model.Event) float64 {
	span := events[len(events)-1].Timestamp.Sub(events[0].Timestamp).Hours()
	return max(span, minActiveHours)
}

// userIDs returns the distinct users in events in first-seen order.
func userIDs(events []model.Event) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, e := range events {
		if _, ok := seen[e.UserID]; !ok {
			seen[e.UserID] = struct{}{}
			ids = append(ids, e.UserID)
		}
	}
	return ids
}
