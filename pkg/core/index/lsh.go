package index

import (
	"fmt"

	"github.com/quiverdb/quiver/pkg/core/dataset"
	"github.com/quiverdb/quiver/pkg/core/distance"
	"github.com/quiverdb/quiver/pkg/core/params"
	"github.com/quiverdb/quiver/pkg/core/types"
)

// lshTable is one hash table: key_size sampled bit positions and the buckets
// they induce. BitPos entries are global bit offsets into a row (byte*8+bit).
type lshTable struct {
	BitPos  []int32
	Buckets map[uint64][]int32
}

// lshIndex hashes binary (uint8) points into table_number tables and ranks
// bucket candidates by exact Hamming distance. Multi-probe search also visits
// buckets whose keys differ in up to multi_probe_level bits, which recovers
// near neighbors that fell across a bucket boundary.
//
// Bucket membership, not the checks budget, bounds the work per query.
type lshIndex[T types.Element] struct {
	baseIndex[T]
	tables []lshTable
	// probes are xor masks over the key bits, mask 0 first.
	probes []uint64
}

func newLSHIndex[T types.Element](ds *dataset.Matrix[T], p params.Parameters) (*lshIndex[T], error) {
	if dataset.TypeOf[T]() != dataset.Uint8 {
		return nil, fmt.Errorf("%w: lsh indexes binary uint8 data, got %s", ErrUnsupportedElementType, dataset.TypeOf[T]())
	}
	switch p.Metric {
	case distance.Hamming, distance.SqEuclidean, "":
		// The default metric silently means Hamming here; anything else is a
		// configuration error.
	default:
		return nil, fmt.Errorf("%w: lsh requires hamming, got '%s'", distance.ErrUnsupportedMetric, p.Metric)
	}
	p.Metric = distance.Hamming
	// The key cannot be wider than a row; masks over phantom bits would only
	// ever probe empty buckets.
	if totalBits := uint(ds.Cols() * 8); p.KeySize > totalBits {
		p.KeySize = totalBits
	}
	idx := &lshIndex[T]{}
	if err := idx.init(ds, p); err != nil {
		return nil, err
	}
	idx.probes = probeMasks(int(p.KeySize), int(p.MultiProbeLevel))
	return idx, nil
}

func (l *lshIndex[T]) Algorithm() params.Algorithm { return params.LSH }

func (l *lshIndex[T]) Build() error {
	totalBits := l.data.Cols() * 8
	keySize := int(l.p.KeySize)
	l.tables = make([]lshTable, l.p.TableNumber)
	for t := range l.tables {
		perm := l.rng.Perm(totalBits)[:keySize]
		pos := make([]int32, keySize)
		for i, p := range perm {
			pos[i] = int32(p)
		}
		l.tables[t] = lshTable{BitPos: pos, Buckets: make(map[uint64][]int32)}
	}
	for _, id := range l.liveIDs() {
		l.insert(id)
	}
	l.buildSize = l.data.Rows()
	return nil
}

func (l *lshIndex[T]) insert(id int32) {
	row := l.data.Row(int(id))
	for t := range l.tables {
		key := hashKey(row, l.tables[t].BitPos)
		l.tables[t].Buckets[key] = append(l.tables[t].Buckets[key], id)
	}
}

// hashKey gathers the sampled bits of a row into a bucket key.
func hashKey[T types.Element](row []T, bitPos []int32) uint64 {
	var key uint64
	for _, p := range bitPos {
		key <<= 1
		b := any(row[p/8]).(uint8)
		if b&(1<<(uint(p)%8)) != 0 {
			key |= 1
		}
	}
	return key
}

// probeMasks enumerates all xor masks over keyBits bits with at most level
// bits set, the zero mask first.
func probeMasks(keyBits, level int) []uint64 {
	masks := []uint64{0}
	var extend func(mask uint64, next, remaining int)
	extend = func(mask uint64, next, remaining int) {
		if remaining == 0 {
			return
		}
		for b := next; b < keyBits; b++ {
			m := mask | 1<<uint(b)
			masks = append(masks, m)
			extend(m, b+1, remaining-1)
		}
	}
	extend(0, 0, level)
	return masks
}

func (l *lshIndex[T]) SearchOne(query []T, rs *ResultSet, sp SearchParams) error {
	return l.search(query, rs, -1)
}

func (l *lshIndex[T]) RadiusOne(query []T, radius float64, rs *ResultSet, sp SearchParams) error {
	return l.search(query, rs, radius)
}

func (l *lshIndex[T]) search(query []T, rs *ResultSet, radius float64) error {
	if err := l.checkQuery(query); err != nil {
		return err
	}
	seen := newBitset(l.data.Rows())
	for t := range l.tables {
		key := hashKey(query, l.tables[t].BitPos)
		for _, mask := range l.probes {
			for _, id := range l.tables[t].Buckets[key^mask] {
				if seen.testAndSet(int(id)) || l.isRemoved(int(id)) {
					continue
				}
				d := l.dist(query, l.data.Row(int(id)))
				if radius >= 0 {
					rs.AddWithinRadius(int(id), d, radius)
				} else {
					rs.Add(int(id), d)
				}
			}
		}
	}
	return nil
}

func (l *lshIndex[T]) AddPoints(pts *dataset.Matrix[T]) error {
	first, err := l.data.AppendAll(pts)
	if err != nil {
		return err
	}
	l.growRemoved()
	for id := first; id < l.data.Rows(); id++ {
		l.insert(int32(id))
	}
	return nil
}

func (l *lshIndex[T]) UsedMemory() int {
	total := len(l.removed)*8 + len(l.probes)*8
	for t := range l.tables {
		total += len(l.tables[t].BitPos) * 4
		for _, bucket := range l.tables[t].Buckets {
			total += 16 + len(bucket)*4
		}
	}
	return total
}

func (l *lshIndex[T]) Snapshot() (*Snapshot, error) {
	snap := l.snapshotBase(params.LSH)
	snap.LSHTables = l.tables
	return snap, nil
}

func (l *lshIndex[T]) restore(snap *Snapshot) error {
	l.restoreBase(snap)
	l.tables = snap.LSHTables
	return nil
}
