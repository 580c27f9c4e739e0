// Package index implements the nearest-neighbor index structures: linear
// scan, randomized k-d tree forest, single exact k-d tree, hierarchical
// k-means tree, multi-probe LSH over binary data, and the composite of
// forest and k-means tree. A matrix-level orchestrator fans queries out over
// a worker pool.
//
// Every structure indexes row ids of a shared dataset.Matrix; the index never
// copies point data. Removal is a soft delete: removed ids stay in the trees
// and are filtered during search until the next rebuild.
package index

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/quiverdb/quiver/pkg/core/dataset"
	"github.com/quiverdb/quiver/pkg/core/distance"
	"github.com/quiverdb/quiver/pkg/core/params"
	"github.com/quiverdb/quiver/pkg/core/types"
)

var (
	// ErrDimensionMismatch is returned when query columns disagree with the
	// indexed dataset.
	ErrDimensionMismatch = errors.New("query dimension mismatch")
	// ErrUnknownAlgorithm is returned for algorithm values that do not name a
	// buildable structure.
	ErrUnknownAlgorithm = errors.New("unknown index algorithm")
	// ErrUnsupportedElementType is returned when a structure cannot index the
	// dataset's element type, such as LSH over non-byte data.
	ErrUnsupportedElementType = errors.New("unsupported element type for index")
	// ErrPointNotFound is returned when a point id is out of range or already
	// removed.
	ErrPointNotFound = errors.New("point not found")
)

// SearchParams is the per-query subset of the full parameter record.
type SearchParams struct {
	// Checks is the leaf-visit budget. params.ChecksUnlimited forces an
	// exact search.
	Checks int
	// Eps relaxes pruning bounds: a subtree is skipped once its lower bound
	// exceeds worst/(1+Eps), trading recall for speed.
	Eps float32
}

func (sp SearchParams) pruneBound(worst float64) float64 {
	if sp.Eps <= 0 {
		return worst
	}
	return worst / float64(1+sp.Eps)
}

// Inspector is the element-type-independent view of an index. The engine
// stores indexes behind this interface and recovers the typed view only for
// operations that touch point data.
type Inspector interface {
	Algorithm() params.Algorithm
	// Size returns the number of live (not removed) points.
	Size() int
	// UsedMemory returns the approximate bytes held by the index structure,
	// excluding the dataset itself.
	UsedMemory() int
	// RemovePoint soft-deletes a point by id.
	RemovePoint(id int) error
	// Snapshot captures the structure for persistence. The dataset is not
	// part of the snapshot.
	Snapshot() (*Snapshot, error)
}

// Index is a built nearest-neighbor structure over a dataset of element type T.
type Index[T types.Element] interface {
	Inspector

	Data() *dataset.Matrix[T]
	// Build constructs the structure over the current dataset rows.
	Build() error
	// SearchOne runs a single k-nearest query into rs.
	SearchOne(query []T, rs *ResultSet, sp SearchParams) error
	// RadiusOne collects every point within radius of query into rs.
	RadiusOne(query []T, radius float64, rs *ResultSet, sp SearchParams) error
	// AddPoints appends the rows of pts to the dataset and inserts them into
	// the structure, rebuilding if the index has doubled since the last build.
	AddPoints(pts *dataset.Matrix[T]) error

	restore(snap *Snapshot) error
}

// Build constructs the index structure selected by p.Algorithm over ds.
// The dataset must be non-empty and p must already be validated.
func Build[T types.Element](ds *dataset.Matrix[T], p params.Parameters) (Index[T], error) {
	if ds == nil || ds.Rows() == 0 || ds.Cols() == 0 {
		return nil, dataset.ErrEmpty
	}
	idx, err := newIndex[T](ds, p)
	if err != nil {
		return nil, err
	}
	if err := idx.Build(); err != nil {
		return nil, err
	}
	return idx, nil
}

func newIndex[T types.Element](ds *dataset.Matrix[T], p params.Parameters) (Index[T], error) {
	switch p.Algorithm {
	case params.Linear:
		return newLinearIndex(ds, p)
	case params.KDTree, "":
		return newKDTreeIndex(ds, p)
	case params.KDTreeSingle:
		return newKDTreeSingleIndex(ds, p)
	case params.KMeans:
		return newKMeansIndex(ds, p)
	case params.LSH:
		return newLSHIndex(ds, p)
	case params.Composite:
		return newCompositeIndex(ds, p)
	default:
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownAlgorithm, p.Algorithm)
	}
}

// baseIndex carries the state every structure shares: the dataset, the
// resolved distance function, the soft-delete set, and the build-time RNG.
type baseIndex[T types.Element] struct {
	data *dataset.Matrix[T]
	p    params.Parameters
	dist distance.Func[T]
	rng  *rand.Rand

	removed      bitset
	removedCount int
	// buildSize is the row count at the last full (re)build. Incremental
	// insertion triggers a rebuild once rows reach twice this value.
	buildSize int
}

func (b *baseIndex[T]) init(ds *dataset.Matrix[T], p params.Parameters) error {
	f, err := distance.Resolve[T](p.Metric, p.MinkowskiOrder)
	if err != nil {
		return err
	}
	seed := p.RandomSeed
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	b.data = ds
	b.p = p
	b.dist = f
	b.rng = rand.New(rand.NewSource(seed))
	b.removed = newBitset(ds.Rows())
	return nil
}

func (b *baseIndex[T]) Data() *dataset.Matrix[T] { return b.data }

func (b *baseIndex[T]) Size() int { return b.data.Rows() - b.removedCount }

func (b *baseIndex[T]) isRemoved(id int) bool { return b.removed.test(id) }

func (b *baseIndex[T]) RemovePoint(id int) error {
	if id < 0 || id >= b.data.Rows() {
		return fmt.Errorf("%w: id %d out of range [0,%d)", ErrPointNotFound, id, b.data.Rows())
	}
	if b.removed.testAndSet(id) {
		return fmt.Errorf("%w: id %d already removed", ErrPointNotFound, id)
	}
	b.removedCount++
	return nil
}

// growRemoved extends the soft-delete set after rows were appended.
func (b *baseIndex[T]) growRemoved() {
	need := (b.data.Rows() + 63) / 64
	for len(b.removed) < need {
		b.removed = append(b.removed, 0)
	}
}

// liveIDs returns the ids of all points that are not removed.
func (b *baseIndex[T]) liveIDs() []int32 {
	ids := make([]int32, 0, b.Size())
	for i := 0; i < b.data.Rows(); i++ {
		if !b.removed.test(i) {
			ids = append(ids, int32(i))
		}
	}
	return ids
}

func (b *baseIndex[T]) checkQuery(q []T) error {
	if len(q) != b.data.Cols() {
		return fmt.Errorf("%w: query has %d columns, index has %d", ErrDimensionMismatch, len(q), b.data.Cols())
	}
	return nil
}

// needsRebuild reports whether incremental insertions have doubled the index
// since the last build.
func (b *baseIndex[T]) needsRebuild() bool {
	return b.data.Rows() >= 2*b.buildSize
}

// restoreBase applies the common snapshot fields.
func (b *baseIndex[T]) restoreBase(snap *Snapshot) {
	b.removed = newBitset(b.data.Rows())
	b.removedCount = 0
	for _, id := range snap.Removed {
		if int(id) < b.data.Rows() && !b.removed.testAndSet(int(id)) {
			b.removedCount++
		}
	}
	b.buildSize = snap.BuildSize
}

func resolveAxis(p params.Parameters) (distance.AxisFunc, error) {
	return distance.ResolveAxis(p.Metric, p.MinkowskiOrder)
}

func (b *baseIndex[T]) snapshotBase(alg params.Algorithm) *Snapshot {
	var removed []int32
	for i := 0; i < b.data.Rows(); i++ {
		if b.removed.test(i) {
			removed = append(removed, int32(i))
		}
	}
	return &Snapshot{
		Algorithm: alg,
		Params:    b.p,
		Rows:      b.data.Rows(),
		Cols:      b.data.Cols(),
		Removed:   removed,
		BuildSize: b.buildSize,
	}
}
