package anomaly

import (
	"context"
	"math"
	"math/rand/v2"
	"slices"
)

const eulerGamma = 0.5772156649015329

// scaler standardizes each column to zero mean and unit variance.
// A constant column keeps a scale of 1.
type scaler struct {
	mean []float64
	std  []float64
}

func fitScaler(rows [][]float64) scaler {
	d := len(rows[0])
	s := scaler{mean: make([]float64, d), std: make([]float64, d)}
	n := float64(len(rows))
	for _, r := range rows {
		for j, v := range r {
			s.mean[j] += v
		}
	}
	for j := range s.mean {
		s.mean[j] /= n
	}
	for _, r := range rows {
		for j, v := range r {
			diff := v - s.mean[j]
			s.std[j] += diff * diff
		}
	}
	for j := range s.std {
		s.std[j] = math.Sqrt(s.std[j] / n)
		if s.std[j] == 0 {
			s.std[j] = 1
		}
	}
	return s
}

func (s scaler) transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.mean[j]) / s.std[j]
	}
	return out
}

// forest is an isolation forest. Anomalous points isolate in fewer random
// splits, so their average path length is short and their score high.
type forest struct {
	trees      []*isoNode
	sampleSize int

	// threshold is the training score quantile above which a point is an outlier.
	threshold float64
}

type isoNode struct {
	feature     int
	split       float64
	left, right *isoNode
	size        int // points reaching an external node
}

// fitForest grows nTrees trees on subsamples of min(256, n) rows and sets the
// decision threshold so that a contamination fraction of the training rows
// score above it.
func fitForest(ctx context.Context, rows [][]float64, nTrees int, contamination float64, rng *rand.Rand) (*forest, error) {
	sampleSize := min(256, len(rows))
	heightLimit := int(math.Ceil(math.Log2(float64(max(sampleSize, 2)))))

	f := &forest{trees: make([]*isoNode, 0, nTrees), sampleSize: sampleSize}
	idx := make([]int, len(rows))
	for i := range idx {
		idx[i] = i
	}
	for range nTrees {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		sample := make([][]float64, sampleSize)
		for i := range sample {
			sample[i] = rows[idx[i]]
		}
		f.trees = append(f.trees, growTree(sample, 0, heightLimit, rng))
	}

	scores := make([]float64, len(rows))
	for i, r := range rows {
		scores[i] = f.score(r)
	}
	slices.Sort(scores)
	f.threshold = quantile(scores, 1-contamination)
	return f, nil
}

func growTree(rows [][]float64, depth, limit int, rng *rand.Rand) *isoNode {
	if depth >= limit || len(rows) <= 1 {
		return &isoNode{size: len(rows)}
	}

	// Pick uniformly among features that still vary in this node.
	dims := len(rows[0])
	var candidates []int
	lo := make([]float64, dims)
	hi := make([]float64, dims)
	for j := range dims {
		lo[j], hi[j] = math.Inf(1), math.Inf(-1)
		for _, r := range rows {
			lo[j] = min(lo[j], r[j])
			hi[j] = max(hi[j], r[j])
		}
		if hi[j] > lo[j] {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return &isoNode{size: len(rows)}
	}

	feat := candidates[rng.IntN(len(candidates))]
	split := lo[feat] + rng.Float64()*(hi[feat]-lo[feat])

	var left, right [][]float64
	for _, r := range rows {
		if r[feat] < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	return &isoNode{
		feature: feat,
		split:   split,
		left:    growTree(left, depth+1, limit, rng),
		right:   growTree(right, depth+1, limit, rng),
	}
}

// score is 2^(-E[h(x)]/c(sampleSize)), in (0, 1].
func (f *forest) score(x []float64) float64 {
	var total float64
	for _, t := range f.trees {
		total += pathLength(t, x)
	}
	mean := total / float64(len(f.trees))
	return math.Pow(2, -mean/avgPathLength(f.sampleSize))
}

func (f *forest) isOutlier(score float64) bool {
	return score > f.threshold
}

func pathLength(n *isoNode, x []float64) float64 {
	depth := 0.0
	for n.left != nil {
		if x[n.feature] < n.split {
			n = n.left
		} else {
			n = n.right
		}
		depth++
	}
	return depth + avgPathLength(n.size)
}

// avgPathLength is the expected path length of an unsuccessful BST search
// among n points.
func avgPathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// quantile uses linear interpolation, q in [0, 1]. sorted must be ascending.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}
