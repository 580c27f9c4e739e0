package index

import (
	"container/heap"
	"math"
	"sort"

	"github.com/quiverdb/quiver/pkg/core/types"
)

// candidateHeap is a max-heap of candidates ordered by (distance, id): the
// worst candidate sits at the root so a full ResultSet can evict it in O(log k).
type candidateHeap []types.Candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return h[j].Less(h[i]) }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(types.Candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// ResultSet collects the k best candidates seen during a single-query search.
// In radius mode it additionally counts every match inside the radius, even
// once the buffer is full, so callers can detect truncation.
type ResultSet struct {
	capacity int
	heap     candidateHeap
	found    int
	// seen is non-nil only when multiple structures feed the same set, where
	// one id can be offered more than once.
	seen map[int]struct{}
}

// NewResultSet returns a result set holding at most capacity candidates.
func NewResultSet(capacity int) *ResultSet {
	return &ResultSet{
		capacity: capacity,
		heap:     make(candidateHeap, 0, capacity),
	}
}

// Add offers a candidate. It is kept if the set is not full yet or if it beats
// the current worst candidate under (distance, id) ordering.
func (rs *ResultSet) Add(id int, dist float64) {
	if rs.alreadySeen(id) {
		return
	}
	rs.push(id, dist)
}

// AddWithinRadius offers a candidate during a radius search. Matches beyond
// the buffer capacity are counted but not stored.
func (rs *ResultSet) AddWithinRadius(id int, dist, radius float64) {
	if dist > radius {
		return
	}
	if rs.alreadySeen(id) {
		return
	}
	rs.found++
	rs.push(id, dist)
}

func (rs *ResultSet) push(id int, dist float64) {
	c := types.Candidate{ID: id, Distance: dist}
	if len(rs.heap) < rs.capacity {
		heap.Push(&rs.heap, c)
		return
	}
	if c.Less(rs.heap[0]) {
		rs.heap[0] = c
		heap.Fix(&rs.heap, 0)
	}
}

// dedupe switches the set to id-deduplicating mode: every offered id, kept or
// not, is remembered and later offers of it are dropped. The composite merge
// enables this so evicted or over-capacity matches are never counted twice.
func (rs *ResultSet) dedupe() {
	if rs.seen == nil {
		rs.seen = make(map[int]struct{})
	}
}

// alreadySeen records id and reports whether it was offered before. Always
// false outside dedupe mode.
func (rs *ResultSet) alreadySeen(id int) bool {
	if rs.seen == nil {
		return false
	}
	if _, ok := rs.seen[id]; ok {
		return true
	}
	rs.seen[id] = struct{}{}
	return false
}

// Full reports whether the set holds capacity candidates.
func (rs *ResultSet) Full() bool { return len(rs.heap) >= rs.capacity }

// WorstDist returns the distance of the current worst kept candidate, or +Inf
// while the set is not full. Tree traversals prune against this bound.
func (rs *ResultSet) WorstDist() float64 {
	if !rs.Full() {
		return math.Inf(1)
	}
	return rs.heap[0].Distance
}

// Found returns the total number of radius matches seen, including those that
// did not fit in the buffer.
func (rs *ResultSet) Found() int { return rs.found }

// Len returns the number of kept candidates.
func (rs *ResultSet) Len() int { return len(rs.heap) }

// Candidates returns the kept candidates. When sorted is true they are ordered
// by ascending (distance, id); otherwise heap order is returned as-is.
func (rs *ResultSet) Candidates(sorted bool) []types.Candidate {
	out := append([]types.Candidate(nil), rs.heap...)
	if sorted {
		sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	}
	return out
}

// branch is a deferred subtree during best-bin-first traversal: Node within
// tree Tree, with Key the lower bound on the distance to any point under it.
type branch struct {
	Key  float64
	Tree int32
	Node int32
}

// branchHeap is a min-heap keyed on the lower bound, so the most promising
// unexplored subtree is expanded first.
type branchHeap []branch

func (h branchHeap) Len() int { return len(h) }
func (h branchHeap) Less(i, j int) bool {
	if h[i].Key != h[j].Key {
		return h[i].Key < h[j].Key
	}
	if h[i].Tree != h[j].Tree {
		return h[i].Tree < h[j].Tree
	}
	return h[i].Node < h[j].Node
}
func (h branchHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *branchHeap) Push(x interface{}) { *h = append(*h, x.(branch)) }
func (h *branchHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
