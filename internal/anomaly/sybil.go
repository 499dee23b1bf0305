package anomaly

import (
	"math"
	"slices"
	"time"

	"github.com/gami/protocol-engine/internal/apperr"
	"github.com/gami/protocol-engine/internal/metrics"
	"github.com/gami/protocol-engine/internal/model"
)

const (
	DefaultSybilStdMultiplier = 3.0
	DefaultLookbackHours      = 24

	// minSybilSpanHours guards against near-zero-duration bursts dominating
	// the statistic.
	minSybilSpanHours = 0.5
)

// DetectSybilCluster flags users whose XP accrual rate over the lookback
// window exceeds mean + k*std of the population, and whose active span is
// longer than half an hour. Only users with at least two in-window events
// take part. The result is sorted.
func (d *Detector) DetectSybilCluster(events []model.Event, lookbackHours int, now time.Time) ([]string, error) {
	if lookbackHours <= 0 {
		return nil, apperr.Invalid("lookback_hours", "must be positive, got %d", lookbackHours)
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	byUser := make(map[string][]model.Event)
	for _, e := range events {
		if !e.Timestamp.Before(cutoff) {
			byUser[e.UserID] = append(byUser[e.UserID], e)
		}
	}

	type userRate struct {
		id    string
		rate  float64
		hours float64
	}
	var rates []userRate
	for id, evs := range byUser {
		if len(evs) < 2 {
			continue
		}
		slices.SortFunc(evs, func(a, b model.Event) int { return a.Timestamp.Compare(b.Timestamp) })
		var xp float64
		for _, e := range evs {
			xp += e.Metadata.XPEarned
		}
		hours := activeHours(evs)
		rates = append(rates, userRate{id: id, rate: xp / hours, hours: hours})
	}
	if len(rates) == 0 {
		return nil, nil
	}

	var sum float64
	for _, r := range rates {
		sum += r.rate
	}
	mean := sum / float64(len(rates))
	var ss float64
	for _, r := range rates {
		diff := r.rate - mean
		ss += diff * diff
	}
	threshold := mean + d.sybilK*math.Sqrt(ss/float64(len(rates)))

	var flagged []string
	for _, r := range rates {
		if r.rate > threshold && r.hours > minSybilSpanHours {
			flagged = append(flagged, r.id)
		}
	}
	slices.Sort(flagged)
	metrics.AnomaliesDetected.WithLabelValues("sybil").Add(float64(len(flagged)))
	return flagged, nil
}
