package emission

import (
	"context"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gami/protocol-engine/internal/metrics"
	"github.com/gami/protocol-engine/internal/model"
)

// run fans the iterations out over independent workers. Each worker owns a
// disjoint index range of the output slices and its own path accumulator,
// so nothing is shared until the final reduce.
func (c *Controller) run(ctx context.Context, p Params) (model.SimulationResult, error) {
	start := time.Now()

	workers := min(c.workers, p.Iterations)
	chunk := (p.Iterations + workers - 1) / workers
	seeds := c.workerSeeds(workers)

	inflation := make([]float64, p.Iterations)
	finals := make([]float64, p.Iterations)
	pathSums := make([][]float64, workers)

	g, gctx := errgroup.WithContext(ctx)
	for w := range workers {
		lo := w * chunk
		hi := min(lo+chunk, p.Iterations)
		if lo >= hi {
			break
		}
		rng := rand.New(rand.NewPCG(seeds[w][0], seeds[w][1]))
		sum := make([]float64, p.Days+1)
		pathSums[w] = sum

		g.Go(func() error {
			path := make([]float64, p.Days+1)
			for i := lo; i < hi; i++ {
				if (i-lo)%64 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				final := simulateTrial(rng, p, path)
				for d, v := range path {
					sum[d] += v
				}
				finals[i] = final
				inflation[i] = (final - p.CurrentSupply) / p.CurrentSupply * 100
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.SimulationResult{}, err
	}

	avgPath := make([]float64, p.Days+1)
	for _, sum := range pathSums {
		for d, v := range sum {
			avgPath[d] += v
		}
	}
	for d := range avgPath {
		avgPath[d] /= float64(p.Iterations)
	}

	sorted := sortedCopy(inflation)
	res := model.SimulationResult{
		CurrentSupply:      p.CurrentSupply,
		ForecastDays:       p.Days,
		Iterations:         p.Iterations,
		PredictedInflation: mean(inflation),
		InflationStd:       stddev(inflation),
		Percentile5:        percentile(sorted, 5),
		Percentile95:       percentile(sorted, 95),
		MeanFinalSupply:    mean(finals),
		AvgSupplyPath:      avgPath,
		Timestamp:          time.Now().UTC(),
	}

	metrics.SimulationsTotal.Inc()
	metrics.SimulationDuration.Observe(time.Since(start).Seconds())
	return res, nil
}

// simulateTrial runs one supply path into path (len Days+1) and returns the
// final supply.
func simulateTrial(rng *rand.Rand, p Params, path []float64) float64 {
	supply := p.CurrentSupply
	path[0] = supply
	sd := adoptionSpread * p.AdoptionRate

	for d := 1; d <= p.Days; d++ {
		adoption := max(rng.NormFloat64()*sd+p.AdoptionRate, 0)
		emitted := supply * dailyEmissionFraction * (1 + adoption/100)
		emitted *= 1 + (rng.Float64()*2-1)*marketVolatility
		supply += emitted
		path[d] = supply
	}
	return supply
}

// workerSeeds draws one PCG seed pair per worker from the controller's
// source, making a run reproducible for a fixed seed and worker count.
func (c *Controller) workerSeeds(n int) [][2]uint64 {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	seeds := make([][2]uint64, n)
	for i := range seeds {
		seeds[i] = [2]uint64{c.rng.Uint64(), c.rng.Uint64()}
	}
	return seeds
}
