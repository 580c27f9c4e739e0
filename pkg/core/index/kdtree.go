package index

import (
	"container/heap"
	"math"

	"github.com/quiverdb/quiver/pkg/core/dataset"
	"github.com/quiverdb/quiver/pkg/core/params"
	"github.com/quiverdb/quiver/pkg/core/types"
)

// Split heuristics for the randomized forest: the cut dimension is drawn from
// the top meanSplitCandidates dimensions by variance, estimated over at most
// meanSplitSamples points.
const (
	meanSplitSamples    = 100
	meanSplitCandidates = 5
)

// kdNode is one node of a randomized k-d tree, stored in a flat per-tree
// slice. Leaves hold a single point id and have Dim == -1.
type kdNode struct {
	Dim   int32
	Cut   float64
	Left  int32
	Right int32
	Point int32
}

// kdTreeIndex is the randomized k-d tree forest. Each tree is built over a
// different shuffle with a randomized cut dimension, and search runs
// best-bin-first across all trees under a shared leaf-visit budget.
type kdTreeIndex[T types.Element] struct {
	baseIndex[T]
	axis  axisFunc
	trees [][]kdNode
}

// axisFunc mirrors distance.AxisFunc locally so tree files stay readable.
type axisFunc = func(a, b float64) float64

func newKDTreeIndex[T types.Element](ds *dataset.Matrix[T], p params.Parameters) (*kdTreeIndex[T], error) {
	idx := &kdTreeIndex[T]{}
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

func (k *kdTreeIndex[T]) Algorithm() params.Algorithm { return params.KDTree }

func (k *kdTreeIndex[T]) Build() error {
	k.trees = make([][]kdNode, k.p.Trees)
	for t := range k.trees {
		ids := k.liveIDs()
		k.rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
		k.trees[t] = k.buildTree(ids)
	}
	k.buildSize = k.data.Rows()
	return nil
}

func (k *kdTreeIndex[T]) buildTree(ids []int32) []kdNode {
	nodes := make([]kdNode, 0, 2*len(ids))
	var divide func(ids []int32) int32
	divide = func(ids []int32) int32 {
		self := int32(len(nodes))
		nodes = append(nodes, kdNode{})
		if len(ids) == 1 {
			nodes[self] = kdNode{Dim: -1, Left: -1, Right: -1, Point: ids[0]}
			return self
		}
		dim, cut := k.meanSplit(ids)
		mid := partitionByCut(ids, dim, cut, k.data)
		// A degenerate cut puts everything on one side; fall back to an
		// arbitrary halving so the recursion always terminates.
		if mid == 0 || mid == len(ids) {
			mid = len(ids) / 2
		}
		left := divide(ids[:mid])
		right := divide(ids[mid:])
		nodes[self] = kdNode{Dim: int32(dim), Cut: cut, Left: left, Right: right}
		return self
	}
	divide(ids)
	return nodes
}

// meanSplit picks a cut dimension among the highest-variance dimensions of a
// sample and returns the sample mean on that dimension as the cut value.
func (k *kdTreeIndex[T]) meanSplit(ids []int32) (int, float64) {
	cols := k.data.Cols()
	sample := ids
	if len(sample) > meanSplitSamples {
		// ids arrive shuffled, so a prefix is already a random sample.
		sample = sample[:meanSplitSamples]
	}
	mean := make([]float64, cols)
	for _, id := range sample {
		row := k.data.Row(int(id))
		for d := 0; d < cols; d++ {
			mean[d] += float64(row[d])
		}
	}
	for d := range mean {
		mean[d] /= float64(len(sample))
	}
	variance := make([]float64, cols)
	for _, id := range sample {
		row := k.data.Row(int(id))
		for d := 0; d < cols; d++ {
			diff := float64(row[d]) - mean[d]
			variance[d] += diff * diff
		}
	}

	// Partial selection of the top candidate dimensions by variance.
	n := meanSplitCandidates
	if n > cols {
		n = cols
	}
	top := make([]int, 0, n)
	for d := 0; d < cols; d++ {
		pos := len(top)
		for pos > 0 && variance[d] > variance[top[pos-1]] {
			pos--
		}
		if pos < n {
			if len(top) < n {
				top = append(top, 0)
			}
			copy(top[pos+1:], top[pos:])
			top[pos] = d
		}
	}
	dim := top[k.rng.Intn(len(top))]
	return dim, mean[dim]
}

// partitionByCut reorders ids so values below cut on dim come first, and
// returns the boundary position.
func partitionByCut[T types.Element](ids []int32, dim int, cut float64, ds *dataset.Matrix[T]) int {
	left, right := 0, len(ids)-1
	for left <= right {
		for left <= right && float64(ds.Row(int(ids[left]))[dim]) < cut {
			left++
		}
		for left <= right && float64(ds.Row(int(ids[right]))[dim]) >= cut {
			right--
		}
		if left < right {
			ids[left], ids[right] = ids[right], ids[left]
		}
	}
	return left
}

func (k *kdTreeIndex[T]) SearchOne(query []T, rs *ResultSet, sp SearchParams) error {
	return k.search(query, rs, sp, -1)
}

func (k *kdTreeIndex[T]) RadiusOne(query []T, radius float64, rs *ResultSet, sp SearchParams) error {
	return k.search(query, rs, sp, radius)
}

// search runs either k-nearest (radius < 0) or radius collection. With an
// unlimited budget the first tree is traversed exhaustively, which is exact;
// otherwise all trees feed one best-bin-first frontier.
func (k *kdTreeIndex[T]) search(query []T, rs *ResultSet, sp SearchParams, radius float64) error {
	if err := k.checkQuery(query); err != nil {
		return err
	}
	if len(k.trees) == 0 {
		return nil
	}
	if sp.Checks == params.ChecksUnlimited {
		k.searchExact(k.trees[0], 0, query, 0, rs, radius)
		return nil
	}
	maxChecks := sp.Checks
	if maxChecks <= 0 {
		maxChecks = params.Default().Checks
	}
	visited := newBitset(k.data.Rows())
	var frontier branchHeap
	checks := 0
	for t := range k.trees {
		k.traverse(int32(t), 0, query, 0, rs, sp, &frontier, visited, &checks, radius)
	}
	for len(frontier) > 0 && (checks < maxChecks || !rs.Full()) {
		br := heap.Pop(&frontier).(branch)
		if br.Key > k.limit(rs, sp, radius) {
			continue
		}
		k.traverse(br.Tree, br.Node, query, br.Key, rs, sp, &frontier, visited, &checks, radius)
	}
	return nil
}

// limit is the current prune bound: the radius in radius mode, the worst kept
// distance once the set is full, +Inf before that. Eps relaxes it.
func (k *kdTreeIndex[T]) limit(rs *ResultSet, sp SearchParams, radius float64) float64 {
	if radius >= 0 {
		return sp.pruneBound(radius)
	}
	if !rs.Full() {
		return math.Inf(1)
	}
	return sp.pruneBound(rs.WorstDist())
}

// traverse descends to the nearest leaf, deferring far subtrees onto the
// frontier with their lower-bound keys.
func (k *kdTreeIndex[T]) traverse(tree, node int32, query []T, mindist float64,
	rs *ResultSet, sp SearchParams, frontier *branchHeap, visited bitset, checks *int, radius float64) {
	nodes := k.trees[tree]
	for {
		n := nodes[node]
		if n.Dim < 0 {
			id := int(n.Point)
			if !visited.testAndSet(id) && !k.isRemoved(id) {
				d := k.dist(query, k.data.Row(id))
				if radius >= 0 {
					rs.AddWithinRadius(id, d, radius)
				} else {
					rs.Add(id, d)
				}
				*checks++
			}
			return
		}
		qv := float64(query[n.Dim])
		near, far := n.Left, n.Right
		if qv >= n.Cut {
			near, far = far, near
		}
		farDist := mindist + k.axis(qv, n.Cut)
		if farDist <= k.limit(rs, sp, radius) {
			heap.Push(frontier, branch{Key: farDist, Tree: tree, Node: far})
		}
		node = near
	}
}

// searchExact visits every subtree not provably outside the current bound.
func (k *kdTreeIndex[T]) searchExact(nodes []kdNode, node int32, query []T, mindist float64, rs *ResultSet, radius float64) {
	n := nodes[node]
	if n.Dim < 0 {
		id := int(n.Point)
		if !k.isRemoved(id) {
			d := k.dist(query, k.data.Row(id))
			if radius >= 0 {
				rs.AddWithinRadius(id, d, radius)
			} else {
				rs.Add(id, d)
			}
		}
		return
	}
	qv := float64(query[n.Dim])
	near, far := n.Left, n.Right
	if qv >= n.Cut {
		near, far = far, near
	}
	k.searchExact(nodes, near, query, mindist, rs, radius)
	farDist := mindist + k.axis(qv, n.Cut)
	bound := radius
	if radius < 0 {
		bound = rs.WorstDist()
	}
	if farDist <= bound {
		k.searchExact(nodes, far, query, farDist, rs, radius)
	}
}

func (k *kdTreeIndex[T]) AddPoints(pts *dataset.Matrix[T]) error {
	first, err := k.data.AppendAll(pts)
	if err != nil {
		return err
	}
	k.growRemoved()
	return k.addAppended(first)
}

// addAppended inserts already-appended rows, splitting the reached leaf in
// each tree. A full rebuild runs once the dataset doubles.
func (k *kdTreeIndex[T]) addAppended(first int) error {
	if k.needsRebuild() {
		return k.Build()
	}
	for id := first; id < k.data.Rows(); id++ {
		for t := range k.trees {
			k.insert(t, int32(id))
		}
	}
	return nil
}

func (k *kdTreeIndex[T]) insert(tree int, id int32) {
	nodes := k.trees[tree]
	point := k.data.Row(int(id))
	node := int32(0)
	for nodes[node].Dim >= 0 {
		n := nodes[node]
		if float64(point[n.Dim]) < n.Cut {
			node = n.Left
		} else {
			node = n.Right
		}
	}
	// Split the leaf between its point and the new one on the dimension
	// where they differ most.
	old := nodes[node].Point
	oldRow := k.data.Row(int(old))
	dim, maxDiff := 0, -1.0
	for d := 0; d < k.data.Cols(); d++ {
		diff := math.Abs(float64(point[d]) - float64(oldRow[d]))
		if diff > maxDiff {
			dim, maxDiff = d, diff
		}
	}
	cut := (float64(point[dim]) + float64(oldRow[dim])) / 2
	lo, hi := old, id
	if float64(point[dim]) < cut {
		lo, hi = id, old
	}
	left := int32(len(nodes))
	nodes = append(nodes, kdNode{Dim: -1, Left: -1, Right: -1, Point: lo})
	right := int32(len(nodes))
	nodes = append(nodes, kdNode{Dim: -1, Left: -1, Right: -1, Point: hi})
	nodes[node] = kdNode{Dim: int32(dim), Cut: cut, Left: left, Right: right}
	k.trees[tree] = nodes
}

func (k *kdTreeIndex[T]) UsedMemory() int {
	total := len(k.removed) * 8
	for _, t := range k.trees {
		total += len(t) * 32
	}
	return total
}

func (k *kdTreeIndex[T]) Snapshot() (*Snapshot, error) {
	snap := k.snapshotBase(params.KDTree)
	snap.KDTrees = k.trees
	return snap, nil
}

func (k *kdTreeIndex[T]) restore(snap *Snapshot) error {
	k.restoreBase(snap)
	k.trees = snap.KDTrees
	return nil
}
