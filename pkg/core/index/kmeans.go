package index

import (
	"container/heap"
	"math"

	"github.com/quiverdb/quiver/pkg/core/dataset"
	"github.com/quiverdb/quiver/pkg/core/distance"
	"github.com/quiverdb/quiver/pkg/core/params"
	"github.com/quiverdb/quiver/pkg/core/types"
)

// maxLloydIterations bounds convergence-driven clustering (iterations < 0).
const maxLloydIterations = 100

// kmNode is one node of the hierarchical k-means tree, stored in a flat
// slice with node 0 as the root. Leaves have no children and hold point ids.
type kmNode struct {
	Centroid []float64
	// Radius is the distance from the centroid to its farthest point, used
	// as an exclusion bound during exact search.
	Radius float64
	// Variance is the mean distance from the centroid to its points, weighted
	// by cb_index when ranking unexplored branches.
	Variance float64
	Children []int32
	Points   []int32
}

// kmeansIndex is the hierarchical k-means tree. Centroids live in float64
// space regardless of the dataset element type.
type kmeansIndex[T types.Element] struct {
	baseIndex[T]
	distF64 distance.Func[float64]
	nodes   []kmNode
}

func newKMeansIndex[T types.Element](ds *dataset.Matrix[T], p params.Parameters) (*kmeansIndex[T], error) {
	idx := &kmeansIndex[T]{}
	if err := idx.init(ds, p); err != nil {
		return nil, err
	}
	f, err := distance.Resolve[float64](p.Metric, p.MinkowskiOrder)
	if err != nil {
		return nil, err
	}
	idx.distF64 = f
	return idx, nil
}

func (k *kmeansIndex[T]) Algorithm() params.Algorithm { return params.KMeans }

func (k *kmeansIndex[T]) Build() error {
	k.nodes = k.nodes[:0]
	ids := k.liveIDs()
	if len(ids) > 0 {
		k.computeClustering(ids)
	}
	k.buildSize = k.data.Rows()
	return nil
}

// computeClustering builds the subtree over ids and returns its node id.
func (k *kmeansIndex[T]) computeClustering(ids []int32) int32 {
	self := int32(len(k.nodes))
	k.nodes = append(k.nodes, kmNode{})

	centroid, radius, variance := k.nodeStats(ids)
	// Too few points to produce branching clusters: stop at a leaf.
	if len(ids) <= k.p.LeafMaxSize || len(ids) <= k.p.Branching {
		k.nodes[self] = kmNode{
			Centroid: centroid,
			Radius:   radius,
			Variance: variance,
			Points:   append([]int32(nil), ids...),
		}
		return self
	}

	clusters := k.cluster(ids, k.p.Branching)
	children := make([]int32, 0, len(clusters))
	for _, c := range clusters {
		children = append(children, k.computeClustering(c))
	}
	k.nodes[self] = kmNode{
		Centroid: centroid,
		Radius:   radius,
		Variance: variance,
		Children: children,
	}
	return self
}

// nodeStats computes the mean centroid of ids plus its radius and variance.
func (k *kmeansIndex[T]) nodeStats(ids []int32) (centroid []float64, radius, variance float64) {
	cols := k.data.Cols()
	centroid = make([]float64, cols)
	for _, id := range ids {
		row := k.data.Row(int(id))
		for d := 0; d < cols; d++ {
			centroid[d] += float64(row[d])
		}
	}
	for d := range centroid {
		centroid[d] /= float64(len(ids))
	}
	buf := make([]float64, cols)
	for _, id := range ids {
		d := k.distF64(centroid, k.rowF64(int(id), buf))
		if d > radius {
			radius = d
		}
		variance += d
	}
	variance /= float64(len(ids))
	return centroid, radius, variance
}

func (k *kmeansIndex[T]) rowF64(id int, buf []float64) []float64 {
	row := k.data.Row(id)
	for i, v := range row {
		buf[i] = float64(v)
	}
	return buf[:len(row)]
}

// cluster runs Lloyd iterations over ids and returns the resulting non-empty
// clusters. iterations < 0 iterates to convergence.
func (k *kmeansIndex[T]) cluster(ids []int32, branching int) [][]int32 {
	cols := k.data.Cols()
	centers := k.initCenters(ids, branching)
	branching = len(centers)

	belongs := make([]int, len(ids))
	counts := make([]int, branching)
	buf := make([]float64, cols)

	iterations := k.p.Iterations
	if iterations < 0 {
		iterations = maxLloydIterations
	}
	for it := 0; it < iterations || it == 0; it++ {
		changed := false
		for i := range counts {
			counts[i] = 0
		}
		for i, id := range ids {
			p := k.rowF64(int(id), buf)
			best, bestDist := 0, math.Inf(1)
			for c := range centers {
				if d := k.distF64(centers[c], p); d < bestDist {
					best, bestDist = c, d
				}
			}
			if belongs[i] != best || it == 0 {
				belongs[i] = best
				changed = true
			}
			counts[best]++
		}
		// An empty cluster steals the member farthest from the centroid of
		// the largest cluster.
		for c := range counts {
			if counts[c] > 0 {
				continue
			}
			biggest := 0
			for b := range counts {
				if counts[b] > counts[biggest] {
					biggest = b
				}
			}
			far, farDist := -1, -1.0
			for i, id := range ids {
				if belongs[i] != biggest {
					continue
				}
				if d := k.distF64(centers[biggest], k.rowF64(int(id), buf)); d > farDist {
					far, farDist = i, d
				}
			}
			if far >= 0 {
				belongs[far] = c
				counts[biggest]--
				counts[c]++
				changed = true
			}
		}
		if !changed {
			break
		}
		// Recompute centers as cluster means.
		for c := range centers {
			for d := range centers[c] {
				centers[c][d] = 0
			}
		}
		for i, id := range ids {
			row := k.data.Row(int(id))
			c := belongs[i]
			for d := 0; d < cols; d++ {
				centers[c][d] += float64(row[d])
			}
		}
		for c := range centers {
			if counts[c] > 0 {
				for d := range centers[c] {
					centers[c][d] /= float64(counts[c])
				}
			}
		}
	}

	clusters := make([][]int32, branching)
	for i, id := range ids {
		clusters[belongs[i]] = append(clusters[belongs[i]], id)
	}
	out := clusters[:0]
	for _, c := range clusters {
		if len(c) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// initCenters seeds the Lloyd iteration according to centers_init.
func (k *kmeansIndex[T]) initCenters(ids []int32, branching int) [][]float64 {
	if branching > len(ids) {
		branching = len(ids)
	}
	cols := k.data.Cols()
	centers := make([][]float64, 0, branching)
	copyRow := func(id int32) []float64 {
		out := make([]float64, cols)
		return append(out[:0], k.rowF64(int(id), out)...)
	}

	switch k.p.CentersInit {
	case params.CentersGonzalez:
		// Farthest-point seeding: each center maximizes the distance to its
		// nearest already-chosen center.
		centers = append(centers, copyRow(ids[k.rng.Intn(len(ids))]))
		buf := make([]float64, cols)
		for len(centers) < branching {
			far, farDist := ids[0], -1.0
			for _, id := range ids {
				p := k.rowF64(int(id), buf)
				nearest := math.Inf(1)
				for _, c := range centers {
					if d := k.distF64(c, p); d < nearest {
						nearest = d
					}
				}
				if nearest > farDist {
					far, farDist = id, nearest
				}
			}
			if farDist <= 0 {
				break
			}
			centers = append(centers, copyRow(far))
		}
	case params.CentersKMeansPP:
		// D^2 sampling: the next center is drawn with probability
		// proportional to the squared distance to the nearest chosen one.
		centers = append(centers, copyRow(ids[k.rng.Intn(len(ids))]))
		buf := make([]float64, cols)
		weights := make([]float64, len(ids))
		for len(centers) < branching {
			var total float64
			for i, id := range ids {
				p := k.rowF64(int(id), buf)
				nearest := math.Inf(1)
				for _, c := range centers {
					if d := k.distF64(c, p); d < nearest {
						nearest = d
					}
				}
				weights[i] = nearest
				total += nearest
			}
			if total <= 0 {
				break
			}
			target := k.rng.Float64() * total
			pick := 0
			for i, w := range weights {
				target -= w
				if target <= 0 {
					pick = i
					break
				}
			}
			centers = append(centers, copyRow(ids[pick]))
		}
	default: // CentersRandom
		perm := k.rng.Perm(len(ids))[:branching]
		for _, i := range perm {
			centers = append(centers, copyRow(ids[i]))
		}
	}
	return centers
}

func (k *kmeansIndex[T]) SearchOne(query []T, rs *ResultSet, sp SearchParams) error {
	return k.search(query, rs, sp, -1)
}

func (k *kmeansIndex[T]) RadiusOne(query []T, radius float64, rs *ResultSet, sp SearchParams) error {
	return k.search(query, rs, sp, radius)
}

func (k *kmeansIndex[T]) search(query []T, rs *ResultSet, sp SearchParams, radius float64) error {
	if err := k.checkQuery(query); err != nil {
		return err
	}
	if len(k.nodes) == 0 {
		return nil
	}
	qf := make([]float64, k.data.Cols())
	for i, v := range query {
		qf[i] = float64(v)
	}
	if sp.Checks == params.ChecksUnlimited {
		k.searchExact(0, qf, query, rs, radius)
		return nil
	}
	maxChecks := sp.Checks
	if maxChecks <= 0 {
		maxChecks = params.Default().Checks
	}
	var frontier branchHeap
	checks := 0
	k.findNN(0, qf, query, rs, sp, &frontier, &checks, radius)
	for len(frontier) > 0 && (checks < maxChecks || !rs.Full()) {
		br := heap.Pop(&frontier).(branch)
		k.findNN(br.Node, qf, query, rs, sp, &frontier, &checks, radius)
	}
	return nil
}

// findNN descends toward the closest child centroid, deferring siblings onto
// the frontier keyed by centroid distance minus the cb_index-weighted
// cluster variance.
func (k *kmeansIndex[T]) findNN(node int32, qf []float64, query []T,
	rs *ResultSet, sp SearchParams, frontier *branchHeap, checks *int, radius float64) {
	n := &k.nodes[node]
	if len(n.Children) == 0 {
		for _, id := range n.Points {
			if k.isRemoved(int(id)) {
				continue
			}
			d := k.dist(query, k.data.Row(int(id)))
			if radius >= 0 {
				rs.AddWithinRadius(int(id), d, radius)
			} else {
				rs.Add(int(id), d)
			}
			*checks++
		}
		return
	}
	best, bestDist := int32(-1), math.Inf(1)
	for _, c := range n.Children {
		d := k.distF64(qf, k.nodes[c].Centroid)
		if d < bestDist {
			best, bestDist = c, d
		}
	}
	bound := math.Inf(1)
	if radius >= 0 {
		bound = sp.pruneBound(radius)
	} else if rs.Full() {
		bound = sp.pruneBound(rs.WorstDist())
	}
	for _, c := range n.Children {
		if c == best {
			continue
		}
		d := k.distF64(qf, k.nodes[c].Centroid)
		key := d - float64(k.p.CBIndex)*k.nodes[c].Variance
		if key <= bound {
			heap.Push(frontier, branch{Key: key, Node: c})
		}
	}
	k.findNN(best, qf, query, rs, sp, frontier, checks, radius)
}

// searchExact visits every subtree that cannot be excluded by the
// centroid-radius bound. The bound only holds for squared Euclidean; other
// metrics fall back to visiting everything, which stays exact.
func (k *kmeansIndex[T]) searchExact(node int32, qf []float64, query []T, rs *ResultSet, radius float64) {
	n := &k.nodes[node]
	if len(n.Children) == 0 {
		for _, id := range n.Points {
			if k.isRemoved(int(id)) {
				continue
			}
			d := k.dist(query, k.data.Row(int(id)))
			if radius >= 0 {
				rs.AddWithinRadius(int(id), d, radius)
			} else {
				rs.Add(int(id), d)
			}
		}
		return
	}
	for _, c := range n.Children {
		if k.excluded(c, qf, rs, radius) {
			continue
		}
		k.searchExact(c, qf, query, rs, radius)
	}
}

func (k *kmeansIndex[T]) excluded(node int32, qf []float64, rs *ResultSet, radius float64) bool {
	if k.p.Metric != distance.SqEuclidean && k.p.Metric != "" {
		return false
	}
	bound := radius
	if radius < 0 {
		if !rs.Full() {
			return false
		}
		bound = rs.WorstDist()
	}
	n := &k.nodes[node]
	d := k.distF64(qf, n.Centroid)
	// Triangle inequality in unsquared space.
	gap := math.Sqrt(d) - math.Sqrt(n.Radius)
	return gap > 0 && gap*gap > bound
}

func (k *kmeansIndex[T]) AddPoints(pts *dataset.Matrix[T]) error {
	first, err := k.data.AppendAll(pts)
	if err != nil {
		return err
	}
	k.growRemoved()
	return k.addAppended(first)
}

// addAppended routes each appended point into the nearest leaf, widening the
// radius of every node along the path. A full rebuild runs once the dataset
// doubles.
func (k *kmeansIndex[T]) addAppended(first int) error {
	if k.needsRebuild() {
		return k.Build()
	}
	buf := make([]float64, k.data.Cols())
	for id := first; id < k.data.Rows(); id++ {
		p := k.rowF64(id, buf)
		node := int32(0)
		for {
			n := &k.nodes[node]
			if d := k.distF64(p, n.Centroid); d > n.Radius {
				n.Radius = d
			}
			if len(n.Children) == 0 {
				n.Points = append(n.Points, int32(id))
				break
			}
			best, bestDist := n.Children[0], math.Inf(1)
			for _, c := range n.Children {
				if d := k.distF64(p, k.nodes[c].Centroid); d < bestDist {
					best, bestDist = c, d
				}
			}
			node = best
		}
	}
	return nil
}

// ClusterCenters returns the centroids of the top-level clusters.
func (k *kmeansIndex[T]) ClusterCenters() [][]float64 {
	if len(k.nodes) == 0 {
		return nil
	}
	root := &k.nodes[0]
	if len(root.Children) == 0 {
		return [][]float64{append([]float64(nil), root.Centroid...)}
	}
	out := make([][]float64, 0, len(root.Children))
	for _, c := range root.Children {
		out = append(out, append([]float64(nil), k.nodes[c].Centroid...))
	}
	return out
}

func (k *kmeansIndex[T]) UsedMemory() int {
	total := len(k.removed) * 8
	for i := range k.nodes {
		total += len(k.nodes[i].Centroid)*8 + len(k.nodes[i].Children)*4 + len(k.nodes[i].Points)*4 + 48
	}
	return total
}

func (k *kmeansIndex[T]) Snapshot() (*Snapshot, error) {
	snap := k.snapshotBase(params.KMeans)
	snap.KMNodes = k.nodes
	return snap, nil
}

func (k *kmeansIndex[T]) restore(snap *Snapshot) error {
	k.restoreBase(snap)
	k.nodes = snap.KMNodes
	return nil
}
