package difficulty

import (
	"math"
	"math/rand/v2"

	"github.com/gami/protocol-engine/internal/apperr"
	"github.com/gami/protocol-engine/internal/model"
)

// DefaultClusters is the segment count used for offline personalization.
const DefaultClusters = 5

const maxKMeansIterations = 300

// Segment is one k-means cluster of users.
type Segment struct {
	Members []string `json:"members"`

	// Centroid in original units: reputation, XP balance, event count,
	// completed quests.
	Centroid [4]float64 `json:"centroid"`
}

// Cluster groups profiles by reputation, XP balance, event count and
// completed quests. Features are standardized before seeded k-means runs.
// Fewer profiles than k yields one segment per profile.
func (o *Optimizer) Cluster(profiles []model.UserProfile, k int) ([]Segment, error) {
	if k <= 0 {
		k = DefaultClusters
	}
	if len(profiles) == 0 {
		return nil, apperr.Invalid("profiles", "at least one profile is required")
	}
	k = min(k, len(profiles))

	raw := make([][4]float64, len(profiles))
	for i, p := range profiles {
		raw[i] = [4]float64{
			p.User.Reputation,
			float64(p.User.XPBalance),
			float64(len(p.RecentEvents)),
			float64(p.QuestsCompleted),
		}
	}
	points, means, stds := standardize(raw)
	labels, centroids := kmeans(points, k, o.newRand())

	segments := make([]Segment, k)
	for i, c := range centroids {
		for j := range c {
			segments[i].Centroid[j] = c[j]*stds[j] + means[j]
		}
	}
	for i, l := range labels {
		segments[l].Members = append(segments[l].Members, profiles[i].User.WalletID)
	}
	return segments, nil
}

// standardize scales each column to zero mean and unit variance. A constant
// column keeps a scale of 1.
func standardize(raw [][4]float64) (points [][4]float64, means, stds [4]float64) {
	n := float64(len(raw))
	for _, r := range raw {
		for j, v := range r {
			means[j] += v
		}
	}
	for j := range means {
		means[j] /= n
	}
	for _, r := range raw {
		for j, v := range r {
			d := v - means[j]
			stds[j] += d * d
		}
	}
	for j := range stds {
		stds[j] = math.Sqrt(stds[j] / n)
		if stds[j] == 0 {
			stds[j] = 1
		}
	}
	points = make([][4]float64, len(raw))
	for i, r := range raw {
		for j, v := range r {
			points[i][j] = (v - means[j]) / stds[j]
		}
	}
	return points, means, stds
}

// kmeans runs Lloyd's algorithm with k-means++ seeding.
func kmeans(points [][4]float64, k int, rng *rand.Rand) ([]int, [][4]float64) {
	centroids := seedCentroids(points, k, rng)
	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = -1
	}

	for range maxKMeansIterations {
		changed := false
		for i, p := range points {
			best := nearest(p, centroids)
			if best != labels[i] {
				labels[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		sums := make([][4]float64, k)
		counts := make([]int, k)
		for i, p := range points {
			l := labels[i]
			counts[l]++
			for j, v := range p {
				sums[l][j] += v
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue // keep an empty cluster's centroid where it was
			}
			for j := range centroids[c] {
				centroids[c][j] = sums[c][j] / float64(counts[c])
			}
		}
	}
	return labels, centroids
}

func seedCentroids(points [][4]float64, k int, rng *rand.Rand) [][4]float64 {
	centroids := make([][4]float64, 0, k)
	centroids = append(centroids, points[rng.IntN(len(points))])

	dist := make([]float64, len(points))
	for len(centroids) < k {
		var total float64
		for i, p := range points {
			dist[i] = sqDist(p, centroids[nearest(p, centroids)])
			total += dist[i]
		}
		if total == 0 {
			// Every point coincides with a centroid; take the next unused index.
			centroids = append(centroids, points[len(centroids)%len(points)])
			continue
		}
		target := rng.Float64() * total
		pick := len(points) - 1
		for i, d := range dist {
			target -= d
			if target <= 0 {
				pick = i
				break
			}
		}
		centroids = append(centroids, points[pick])
	}
	return centroids
}

func nearest(p [4]float64, centroids [][4]float64) int {
	best, bestD := 0, math.Inf(1)
	for c, centroid := range centroids {
		if d := sqDist(p, centroid); d < bestD {
			best, bestD = c, d
		}
	}
	return best
}

func sqDist(a, b [4]float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}
