package index

import (
	"fmt"

	"github.com/quiverdb/quiver/pkg/core/dataset"
	"github.com/quiverdb/quiver/pkg/core/params"
	"github.com/quiverdb/quiver/pkg/core/types"
)

// Snapshot is the gob-encodable capture of a built index structure. It holds
// row ids and tree shapes but never the point data; restoring requires the
// original dataset. Element-type-independent so one snapshot type covers all
// structures.
type Snapshot struct {
	Algorithm params.Algorithm
	Params    params.Parameters
	Rows      int
	Cols      int
	Removed   []int32
	BuildSize int

	// Randomized k-d forest: one flat node slice per tree.
	KDTrees [][]kdNode

	// Single exact k-d tree.
	SingleNodes []singleNode
	SingleInds  []int32

	// Hierarchical k-means tree, node 0 is the root.
	KMNodes []kmNode

	// LSH hash tables.
	LSHTables []lshTable

	// Composite sub-structures, in order forest then k-means tree.
	Sub []*Snapshot
}

// Restore rebuilds an index from a snapshot over the original dataset. The
// dataset must have the same shape the snapshot was taken with.
func Restore[T types.Element](ds *dataset.Matrix[T], snap *Snapshot) (Index[T], error) {
	if ds == nil || snap == nil {
		return nil, fmt.Errorf("%w: nil dataset or snapshot", dataset.ErrEmpty)
	}
	if ds.Rows() != snap.Rows || ds.Cols() != snap.Cols {
		return nil, fmt.Errorf("%w: snapshot taken over %dx%d, dataset is %dx%d",
			ErrDimensionMismatch, snap.Rows, snap.Cols, ds.Rows(), ds.Cols())
	}
	p := snap.Params
	p.Algorithm = snap.Algorithm
	idx, err := newIndex[T](ds, p)
	if err != nil {
		return nil, err
	}
	if err := idx.restore(snap); err != nil {
		return nil, err
	}
	return idx, nil
}
