package index

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/quiverdb/quiver/pkg/core/dataset"
	"github.com/quiverdb/quiver/pkg/core/params"
	"github.com/quiverdb/quiver/pkg/core/types"
)

// Result holds per-query neighbor lists. Row i answers query i; rows may be
// shorter than k when the index holds fewer live points.
type Result struct {
	Indices   [][]int
	Distances [][]float64
}

// Search answers every row of queries with its k nearest neighbors, fanning
// the rows out over a worker pool. Cancelling ctx stops the fan-out; rows not
// yet answered are lost.
func Search[T types.Element](ctx context.Context, idx Index[T], queries *dataset.Matrix[T], k int, p params.Parameters) (*Result, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", params.ErrInvalidParam, k)
	}
	if queries == nil || queries.Rows() == 0 {
		return nil, dataset.ErrEmpty
	}
	if queries.Cols() != idx.Data().Cols() {
		return nil, fmt.Errorf("%w: queries have %d columns, index has %d",
			ErrDimensionMismatch, queries.Cols(), idx.Data().Cols())
	}
	if p.MaxNeighbors >= 0 && k > p.MaxNeighbors {
		k = p.MaxNeighbors
	}

	rows := queries.Rows()
	res := &Result{
		Indices:   make([][]int, rows),
		Distances: make([][]float64, rows),
	}
	if k == 0 {
		for i := range res.Indices {
			res.Indices[i] = []int{}
			res.Distances[i] = []float64{}
		}
		return res, nil
	}

	sp := SearchParams{Checks: p.Checks, Eps: p.Eps}
	workers := resolveCores(p.Cores, rows)

	jobs := make(chan int)
	var wg sync.WaitGroup
	var once sync.Once
	var searchErr error

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for qi := range jobs {
				rs := NewResultSet(k)
				if err := idx.SearchOne(queries.Row(qi), rs, sp); err != nil {
					once.Do(func() { searchErr = err })
					continue
				}
				cands := rs.Candidates(p.Sorted)
				ids := make([]int, len(cands))
				dists := make([]float64, len(cands))
				for i, c := range cands {
					ids[i] = c.ID
					dists[i] = c.Distance
				}
				res.Indices[qi] = ids
				res.Distances[qi] = dists
			}
		}()
	}

feed:
	for qi := 0; qi < rows; qi++ {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- qi:
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if searchErr != nil {
		return nil, searchErr
	}
	return res, nil
}

// RadiusSearch collects every point within radius of a single query, keeping
// at most maxResults of the best ones. The returned count is the total number
// of matches, so count > len(neighbors) signals a truncated buffer.
func RadiusSearch[T types.Element](ctx context.Context, idx Index[T], query []T, radius float64, maxResults int, p params.Parameters) (int, []types.Candidate, error) {
	if maxResults < 1 {
		return 0, nil, fmt.Errorf("%w: maxResults must be positive, got %d", params.ErrInvalidParam, maxResults)
	}
	if radius < 0 {
		return 0, nil, fmt.Errorf("%w: radius must be non-negative, got %v", params.ErrInvalidParam, radius)
	}
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	rs := NewResultSet(maxResults)
	sp := SearchParams{Checks: p.Checks, Eps: p.Eps}
	if err := idx.RadiusOne(query, radius, rs, sp); err != nil {
		return 0, nil, err
	}
	return rs.Found(), rs.Candidates(p.Sorted), nil
}

// resolveCores maps the cores parameter onto a worker count: 0 auto-detects,
// and the count never exceeds the number of queries.
func resolveCores(cores, rows int) int {
	if cores <= 0 {
		cores = runtime.NumCPU()
	}
	if cores > rows {
		cores = rows
	}
	if cores < 1 {
		cores = 1
	}
	return cores
}
