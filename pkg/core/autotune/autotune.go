// Package autotune searches the index configuration space for the cheapest
// setup that reaches a target search precision. It evaluates candidate
// configurations on a sample of the dataset against brute-force ground truth,
// scoring each by a weighted combination of search time, build time, and
// memory overhead.
package autotune

import (
	"context"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/quiverdb/quiver/pkg/core/dataset"
	"github.com/quiverdb/quiver/pkg/core/index"
	"github.com/quiverdb/quiver/pkg/core/params"
	"github.com/quiverdb/quiver/pkg/core/types"
)

// Candidate grids, after the original library's parameter sweeps.
var (
	kdTreeTrees      = []int{1, 4, 8, 16, 32}
	kmeansBranching  = []int{16, 32, 64, 128}
	kmeansIterations = []int{1, 5, 10, 15}
)

// tinyDataset is the row count below which tuning is pointless and a linear
// scan wins outright.
const tinyDataset = 32

// Result is the outcome of a tuning run.
type Result struct {
	// Params is the chosen configuration, with Checks set to the tuned
	// search budget.
	Params params.Parameters
	// Precision is the measured fraction of true nearest neighbors found.
	Precision float64
	BuildTime  time.Duration
	SearchTime time.Duration
	// Memory is the structure overhead of the evaluated sample index.
	Memory int
	// ReachedTarget is false when no candidate met the target precision and
	// Params holds the best configuration found instead.
	ReachedTarget bool
}

type trial struct {
	p          params.Parameters
	checks     int
	precision  float64
	buildTime  time.Duration
	searchTime time.Duration
	memory     int
}

// Tune evaluates candidate configurations over a sample of ds and returns the
// cheapest one meeting p.TargetPrecision. When no candidate reaches the
// target, the most precise one is returned with ReachedTarget false rather
// than failing the build.
func Tune[T types.Element](ctx context.Context, ds *dataset.Matrix[T], p params.Parameters, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if ds == nil || ds.Rows() == 0 {
		return nil, dataset.ErrEmpty
	}

	target := float64(p.TargetPrecision)
	if ds.Rows() < tinyDataset {
		logger.Info("dataset too small to tune, choosing linear scan", "rows", ds.Rows())
		chosen := p
		chosen.Algorithm = params.Linear
		return &Result{Params: chosen, Precision: 1, ReachedTarget: true}, nil
	}

	seed := p.RandomSeed
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	sampleN := int(float64(ds.Rows()) * float64(p.SampleFraction))
	if sampleN < 100 {
		sampleN = 100
	}
	if sampleN > ds.Rows() {
		sampleN = ds.Rows()
	}
	sample := ds.Sample(sampleN, rng)
	testN := sampleN / 10
	if testN < 1 {
		testN = 1
	}
	queries, buildSet, err := sample.Split(testN)
	if err != nil {
		return nil, err
	}

	gt, linearSearchTime, err := groundTruth(queries, buildSet, p)
	if err != nil {
		return nil, err
	}
	logger.Info("autotune baseline measured",
		"sample", buildSet.Rows(), "queries", queries.Rows(), "linear_search", linearSearchTime)

	trials := []trial{{
		p:          withAlgorithm(p, params.Linear),
		checks:     params.ChecksUnlimited,
		precision:  1,
		searchTime: linearSearchTime,
	}}
	for _, cp := range candidates(p) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tr, err := evaluate(cp, queries, buildSet, gt, target)
		if err != nil {
			logger.Warn("autotune candidate failed", "algorithm", cp.Algorithm, "error", err)
			continue
		}
		logger.Info("autotune candidate evaluated",
			"algorithm", tr.p.Algorithm, "precision", tr.precision, "checks", tr.checks,
			"build", tr.buildTime, "search", tr.searchTime)
		trials = append(trials, tr)
	}

	best, reached := pick(trials, p, linearSearchTime, ds.UsedMemory(), target)
	if !reached {
		logger.Warn("no configuration reached the target precision, degrading gracefully",
			"target", target, "best_precision", best.precision)
	}

	chosen := best.p
	chosen.Checks = best.checks
	return &Result{
		Params:        chosen,
		Precision:     best.precision,
		BuildTime:     best.buildTime,
		SearchTime:    best.searchTime,
		Memory:        best.memory,
		ReachedTarget: reached,
	}, nil
}

func withAlgorithm(p params.Parameters, alg params.Algorithm) params.Parameters {
	p.Algorithm = alg
	return p
}

func candidates(p params.Parameters) []params.Parameters {
	var out []params.Parameters
	for _, trees := range kdTreeTrees {
		cp := withAlgorithm(p, params.KDTree)
		cp.Trees = trees
		out = append(out, cp)
	}
	for _, branching := range kmeansBranching {
		for _, iters := range kmeansIterations {
			cp := withAlgorithm(p, params.KMeans)
			cp.Branching = branching
			cp.Iterations = iters
			out = append(out, cp)
		}
	}
	return out
}

// groundTruth computes the exact nearest neighbor of every query by linear
// scan, also timing it as the cost baseline.
func groundTruth[T types.Element](queries, buildSet *dataset.Matrix[T], p params.Parameters) ([]types.Candidate, time.Duration, error) {
	lin, err := index.Build[T](buildSet, withAlgorithm(p, params.Linear))
	if err != nil {
		return nil, 0, err
	}
	gt := make([]types.Candidate, queries.Rows())
	start := time.Now()
	for i := 0; i < queries.Rows(); i++ {
		rs := index.NewResultSet(1)
		if err := lin.SearchOne(queries.Row(i), rs, index.SearchParams{}); err != nil {
			return nil, 0, err
		}
		gt[i] = rs.Candidates(true)[0]
	}
	return gt, time.Since(start), nil
}

// evaluate builds one candidate and walks a doubling checks progression until
// the target precision is reached or the budget covers the whole sample.
func evaluate[T types.Element](cp params.Parameters, queries, buildSet *dataset.Matrix[T], gt []types.Candidate, target float64) (trial, error) {
	start := time.Now()
	idx, err := index.Build[T](buildSet, cp)
	if err != nil {
		return trial{}, err
	}
	buildTime := time.Since(start)

	best := trial{p: cp, checks: 1, buildTime: buildTime, memory: idx.UsedMemory()}
	for checks := 1; ; checks *= 2 {
		if checks > buildSet.Rows() {
			checks = buildSet.Rows()
		}
		precision, searchTime, err := measure(idx, queries, gt, checks)
		if err != nil {
			return trial{}, err
		}
		if precision > best.precision {
			best.precision = precision
			best.checks = checks
			best.searchTime = searchTime
		}
		if precision >= target || checks >= buildSet.Rows() {
			break
		}
	}
	return best, nil
}

func measure[T types.Element](idx index.Index[T], queries *dataset.Matrix[T], gt []types.Candidate, checks int) (float64, time.Duration, error) {
	hits := 0
	start := time.Now()
	for i := 0; i < queries.Rows(); i++ {
		rs := index.NewResultSet(1)
		if err := idx.SearchOne(queries.Row(i), rs, index.SearchParams{Checks: checks}); err != nil {
			return 0, 0, err
		}
		got := rs.Candidates(true)
		// A co-located point at the same distance counts as a hit.
		if len(got) > 0 && (got[0].ID == gt[i].ID || got[0].Distance <= gt[i].Distance+1e-12) {
			hits++
		}
	}
	return float64(hits) / float64(len(gt)), time.Since(start), nil
}

// pick returns the cheapest trial meeting the target, or the most precise one
// when none does.
func pick(trials []trial, p params.Parameters, linearSearchTime time.Duration, datasetMemory int, target float64) (trial, bool) {
	bestCost := math.Inf(1)
	var best trial
	reached := false
	for _, tr := range trials {
		if tr.precision < target {
			continue
		}
		if c := cost(tr, p, linearSearchTime, datasetMemory); c < bestCost {
			bestCost = c
			best = tr
			reached = true
		}
	}
	if reached {
		return best, true
	}
	for _, tr := range trials {
		if tr.precision > best.precision {
			best = tr
		}
	}
	return best, false
}

// cost normalizes timings against the linear baseline and adds the weighted
// memory overhead relative to the dataset itself.
func cost(tr trial, p params.Parameters, linearSearchTime time.Duration, datasetMemory int) float64 {
	baseline := float64(linearSearchTime)
	if baseline <= 0 {
		baseline = 1
	}
	timeCost := (float64(tr.searchTime) + float64(p.BuildWeight)*float64(tr.buildTime)) / baseline
	memCost := 0.0
	if datasetMemory > 0 {
		memCost = float64(p.MemoryWeight) * float64(tr.memory) / float64(datasetMemory)
	}
	return timeCost + memCost
}
