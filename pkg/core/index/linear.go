package index

import (
	"github.com/quiverdb/quiver/pkg/core/dataset"
	"github.com/quiverdb/quiver/pkg/core/params"
	"github.com/quiverdb/quiver/pkg/core/types"
)

// linearIndex is the brute-force scan. It is always exact, ignores the checks
// budget, and serves as the ground-truth reference for the autotuner.
type linearIndex[T types.Element] struct {
	baseIndex[T]
}

func newLinearIndex[T types.Element](ds *dataset.Matrix[T], p params.Parameters) (*linearIndex[T], error) {
	idx := &linearIndex[T]{}
	if err := idx.init(ds, p); err != nil {
		return nil, err
	}
	return idx, nil
}

func (l *linearIndex[T]) Algorithm() params.Algorithm { return params.Linear }

func (l *linearIndex[T]) Build() error {
	l.buildSize = l.data.Rows()
	return nil
}

func (l *linearIndex[T]) SearchOne(query []T, rs *ResultSet, _ SearchParams) error {
	if err := l.checkQuery(query); err != nil {
		return err
	}
	for i := 0; i < l.data.Rows(); i++ {
		if l.isRemoved(i) {
			continue
		}
		rs.Add(i, l.dist(query, l.data.Row(i)))
	}
	return nil
}

func (l *linearIndex[T]) RadiusOne(query []T, radius float64, rs *ResultSet, _ SearchParams) error {
	if err := l.checkQuery(query); err != nil {
		return err
	}
	for i := 0; i < l.data.Rows(); i++ {
		if l.isRemoved(i) {
			continue
		}
		rs.AddWithinRadius(i, l.dist(query, l.data.Row(i)), radius)
	}
	return nil
}

func (l *linearIndex[T]) AddPoints(pts *dataset.Matrix[T]) error {
	if _, err := l.data.AppendAll(pts); err != nil {
		return err
	}
	l.growRemoved()
	return nil
}

func (l *linearIndex[T]) UsedMemory() int {
	return len(l.removed) * 8
}

func (l *linearIndex[T]) Snapshot() (*Snapshot, error) {
	return l.snapshotBase(params.Linear), nil
}

func (l *linearIndex[T]) restore(snap *Snapshot) error {
	l.restoreBase(snap)
	return nil
}
