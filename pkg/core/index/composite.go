package index

import (
	"github.com/quiverdb/quiver/pkg/core/dataset"
	"github.com/quiverdb/quiver/pkg/core/params"
	"github.com/quiverdb/quiver/pkg/core/types"
)

// compositeIndex searches a randomized k-d forest and a k-means tree over the
// same dataset, merging the two candidate streams. The structures fail in
// different ways on different data shapes, so the union is more robust than
// either alone.
type compositeIndex[T types.Element] struct {
	forest *kdTreeIndex[T]
	kmeans *kmeansIndex[T]
}

func newCompositeIndex[T types.Element](ds *dataset.Matrix[T], p params.Parameters) (*compositeIndex[T], error) {
	forest, err := newKDTreeIndex(ds, p)
	if err != nil {
		return nil, err
	}
	km, err := newKMeansIndex(ds, p)
	if err != nil {
		return nil, err
	}
	return &compositeIndex[T]{forest: forest, kmeans: km}, nil
}

func (c *compositeIndex[T]) Algorithm() params.Algorithm { return params.Composite }

func (c *compositeIndex[T]) Data() *dataset.Matrix[T] { return c.forest.Data() }

func (c *compositeIndex[T]) Size() int { return c.forest.Size() }

func (c *compositeIndex[T]) Build() error {
	if err := c.forest.Build(); err != nil {
		return err
	}
	return c.kmeans.Build()
}

func (c *compositeIndex[T]) SearchOne(query []T, rs *ResultSet, sp SearchParams) error {
	// Both passes feed the same set; the id dedupe keeps candidates the
	// forest already offered from being added again by the k-means pass.
	rs.dedupe()
	if err := c.forest.SearchOne(query, rs, sp); err != nil {
		return err
	}
	return c.kmeans.SearchOne(query, rs, sp)
}

func (c *compositeIndex[T]) RadiusOne(query []T, radius float64, rs *ResultSet, sp SearchParams) error {
	// The dedupe also keeps the found count exact under truncation: a match
	// evicted from the buffer by one pass is not recounted by the other.
	rs.dedupe()
	if err := c.forest.RadiusOne(query, radius, rs, sp); err != nil {
		return err
	}
	return c.kmeans.RadiusOne(query, radius, rs, sp)
}

func (c *compositeIndex[T]) AddPoints(pts *dataset.Matrix[T]) error {
	// Append once; both structures index the shared dataset.
	first, err := c.forest.data.AppendAll(pts)
	if err != nil {
		return err
	}
	c.forest.growRemoved()
	c.kmeans.growRemoved()
	if err := c.forest.addAppended(first); err != nil {
		return err
	}
	return c.kmeans.addAppended(first)
}

func (c *compositeIndex[T]) RemovePoint(id int) error {
	if err := c.forest.RemovePoint(id); err != nil {
		return err
	}
	return c.kmeans.RemovePoint(id)
}

// ClusterCenters exposes the k-means half's top-level centroids.
func (c *compositeIndex[T]) ClusterCenters() [][]float64 {
	return c.kmeans.ClusterCenters()
}

func (c *compositeIndex[T]) UsedMemory() int {
	return c.forest.UsedMemory() + c.kmeans.UsedMemory()
}

func (c *compositeIndex[T]) Snapshot() (*Snapshot, error) {
	fs, err := c.forest.Snapshot()
	if err != nil {
		return nil, err
	}
	ks, err := c.kmeans.Snapshot()
	if err != nil {
		return nil, err
	}
	snap := c.forest.snapshotBase(params.Composite)
	snap.KDTrees = nil
	snap.Sub = []*Snapshot{fs, ks}
	return snap, nil
}

func (c *compositeIndex[T]) restore(snap *Snapshot) error {
	if len(snap.Sub) != 2 {
		return ErrUnknownAlgorithm
	}
	if err := c.forest.restore(snap.Sub[0]); err != nil {
		return err
	}
	return c.kmeans.restore(snap.Sub[1])
}
