package index

import (
	"math"
	"sort"

	"github.com/quiverdb/quiver/pkg/core/dataset"
	"github.com/quiverdb/quiver/pkg/core/params"
	"github.com/quiverdb/quiver/pkg/core/types"
)

// singleNode is one node of the exact k-d tree. Leaves have Dim == -1 and
// hold a contiguous [Begin, End) range of the inds permutation.
type singleNode struct {
	Dim   int32
	Cut   float64
	Left  int32
	Right int32
	Begin int32
	End   int32
}

// kdTreeSingleIndex is a single deterministic k-d tree: median splits on the
// widest dimension, multi-point leaves of at most leaf_max_size ids. With
// eps == 0 its search is exact regardless of the checks budget.
type kdTreeSingleIndex[T types.Element] struct {
	baseIndex[T]
	axis  axisFunc
	nodes []singleNode
	inds  []int32
}

func newKDTreeSingleIndex[T types.Element](ds *dataset.Matrix[T], p params.Parameters) (*kdTreeSingleIndex[T], error) {
	idx := &kdTreeSingleIndex[T]{}
	if err := idx.init(ds, p); err != nil {
		return nil, err
	}
	axis, err := resolveAxis(p)
	if err != nil {
		return nil, err
	}
	idx.axis = axis
	return idx, nil
}

func (s *kdTreeSingleIndex[T]) Algorithm() params.Algorithm { return params.KDTreeSingle }

func (s *kdTreeSingleIndex[T]) Build() error {
	s.inds = s.liveIDs()
	s.nodes = s.nodes[:0]
	if len(s.inds) > 0 {
		s.divide(0, len(s.inds))
	}
	s.buildSize = s.data.Rows()
	return nil
}

// divide recursively builds the subtree over inds[begin:end) and returns its
// node id.
func (s *kdTreeSingleIndex[T]) divide(begin, end int) int32 {
	self := int32(len(s.nodes))
	s.nodes = append(s.nodes, singleNode{})
	count := end - begin
	dim, span := s.widestDim(begin, end)
	if count <= s.p.LeafMaxSize || span == 0 {
		s.nodes[self] = singleNode{Dim: -1, Left: -1, Right: -1, Begin: int32(begin), End: int32(end)}
		return self
	}
	sub := s.inds[begin:end]
	sort.Slice(sub, func(i, j int) bool {
		return s.data.Row(int(sub[i]))[dim] < s.data.Row(int(sub[j]))[dim]
	})
	mid := begin + count/2
	cut := float64(s.data.Row(int(s.inds[mid]))[dim])
	left := s.divide(begin, mid)
	right := s.divide(mid, end)
	s.nodes[self] = singleNode{Dim: int32(dim), Cut: cut, Left: left, Right: right}
	return self
}

// widestDim returns the dimension with the largest value span over
// inds[begin:end), along with that span.
func (s *kdTreeSingleIndex[T]) widestDim(begin, end int) (int, float64) {
	cols := s.data.Cols()
	lo := make([]float64, cols)
	hi := make([]float64, cols)
	for d := range lo {
		lo[d] = math.Inf(1)
		hi[d] = math.Inf(-1)
	}
	for _, id := range s.inds[begin:end] {
		row := s.data.Row(int(id))
		for d := 0; d < cols; d++ {
			v := float64(row[d])
			if v < lo[d] {
				lo[d] = v
			}
			if v > hi[d] {
				hi[d] = v
			}
		}
	}
	dim, span := 0, -1.0
	for d := 0; d < cols; d++ {
		if w := hi[d] - lo[d]; w > span {
			dim, span = d, w
		}
	}
	return dim, span
}

func (s *kdTreeSingleIndex[T]) SearchOne(query []T, rs *ResultSet, sp SearchParams) error {
	return s.search(query, rs, sp, -1)
}

func (s *kdTreeSingleIndex[T]) RadiusOne(query []T, radius float64, rs *ResultSet, sp SearchParams) error {
	return s.search(query, rs, sp, radius)
}

func (s *kdTreeSingleIndex[T]) search(query []T, rs *ResultSet, sp SearchParams, radius float64) error {
	if err := s.checkQuery(query); err != nil {
		return err
	}
	if len(s.nodes) == 0 {
		return nil
	}
	// dists tracks the current per-dimension contribution along the path, so
	// the bound for a far subtree replaces rather than double-counts the
	// contribution of its splitting dimension.
	dists := make([]float64, s.data.Cols())
	s.searchNode(0, query, rs, 0, dists, sp, radius)
	return nil
}

func (s *kdTreeSingleIndex[T]) searchNode(node int32, query []T, rs *ResultSet,
	mindist float64, dists []float64, sp SearchParams, radius float64) {
	n := s.nodes[node]
	if n.Dim < 0 {
		for _, id := range s.inds[n.Begin:n.End] {
			if s.isRemoved(int(id)) {
				continue
			}
			d := s.dist(query, s.data.Row(int(id)))
			if radius >= 0 {
				rs.AddWithinRadius(int(id), d, radius)
			} else {
				rs.Add(int(id), d)
			}
		}
		return
	}
	qv := float64(query[n.Dim])
	near, far := n.Left, n.Right
	if qv >= n.Cut {
		near, far = far, near
	}
	s.searchNode(near, query, rs, mindist, dists, sp, radius)

	cd := s.axis(qv, n.Cut)
	farDist := mindist - dists[n.Dim] + cd
	bound := radius
	if radius < 0 {
		bound = rs.WorstDist()
	}
	if farDist <= sp.pruneBound(bound) {
		saved := dists[n.Dim]
		dists[n.Dim] = cd
		s.searchNode(far, query, rs, farDist, dists, sp, radius)
		dists[n.Dim] = saved
	}
}

// AddPoints rebuilds the tree: the contiguous leaf ranges make in-place
// insertion more expensive than a fresh build.
func (s *kdTreeSingleIndex[T]) AddPoints(pts *dataset.Matrix[T]) error {
	if _, err := s.data.AppendAll(pts); err != nil {
		return err
	}
	s.growRemoved()
	return s.Build()
}

func (s *kdTreeSingleIndex[T]) UsedMemory() int {
	return len(s.removed)*8 + len(s.nodes)*40 + len(s.inds)*4
}

func (s *kdTreeSingleIndex[T]) Snapshot() (*Snapshot, error) {
	snap := s.snapshotBase(params.KDTreeSingle)
	snap.SingleNodes = s.nodes
	snap.SingleInds = s.inds
	return snap, nil
}

func (s *kdTreeSingleIndex[T]) restore(snap *Snapshot) error {
	s.restoreBase(snap)
	s.nodes = snap.SingleNodes
	s.inds = snap.SingleInds
	return nil
}
