// Package engine manages the lifecycle of built indexes behind opaque
// handles. A handle encodes a table slot and a generation counter, so a
// handle kept after Free fails with a stale-handle error instead of touching
// whatever index reuses the slot.
//
// Operations that read point data are generic free functions (methods cannot
// carry type parameters); element-type-independent operations are methods.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"github.com/quiverdb/quiver/pkg/core/autotune"
	"github.com/quiverdb/quiver/pkg/core/dataset"
	"github.com/quiverdb/quiver/pkg/core/index"
	"github.com/quiverdb/quiver/pkg/core/params"
	"github.com/quiverdb/quiver/pkg/core/types"
	"github.com/quiverdb/quiver/pkg/metrics"
	"github.com/quiverdb/quiver/pkg/persistence"
)

var (
	// ErrInvalidHandle means the handle never referenced an index.
	ErrInvalidHandle = errors.New("invalid index handle")
	// ErrStaleHandle means the handle's index has been freed.
	ErrStaleHandle = errors.New("stale index handle: index was freed")
	// ErrTypeMismatch means the caller's element type disagrees with the
	// type the index was built over.
	ErrTypeMismatch = errors.New("element type mismatch")
	// ErrUnsupported means the index algorithm does not implement the
	// requested operation.
	ErrUnsupported = errors.New("operation not supported by this index type")
)

// Handle identifies a built index: the low 32 bits are the table slot, the
// high 32 bits the slot's generation at build time.
type Handle uint64

func makeHandle(slot, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(slot))
}

func (h Handle) slot() uint32 { return uint32(h) }
func (h Handle) gen() uint32  { return uint32(h >> 32) }

type entry struct {
	mu      sync.RWMutex
	id      uuid.UUID
	created time.Time
	element dataset.ElementType
	// p holds the effective build parameters. For autotuned builds these
	// are the tuned values, so the ChecksAutotuned sentinel resolves here.
	p     params.Parameters
	insp  index.Inspector
	typed any
	tuned *autotune.Result
}

// Engine is the index handle table. All methods are safe for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	entries  btree.Map[uint32, *entry]
	gens     map[uint32]uint32
	nextSlot uint32
	free     []uint32
	log      *slog.Logger
}

// New returns an empty engine. A nil logger silences diagnostics.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	return &Engine{
		gens: make(map[uint32]uint32),
		log:  logger,
	}
}

// Build constructs an index over ds and returns its handle. With the
// autotuned algorithm the configuration is chosen by the tuner first; the
// whole run respects ctx.
func Build[T types.Element](ctx context.Context, e *Engine, ds *dataset.Matrix[T], p params.Parameters) (Handle, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ent := &entry{
		id:      uuid.New(),
		created: time.Now().UTC(),
		element: dataset.TypeOf[T](),
		p:       p,
	}
	if p.Algorithm == params.Autotuned {
		res, err := autotune.Tune(ctx, ds, p, e.log)
		if err != nil {
			return 0, err
		}
		metrics.AutotuneRuns.WithLabelValues(fmt.Sprintf("%t", res.ReachedTarget)).Inc()
		e.log.Info("autotune finished",
			"algorithm", res.Params.Algorithm, "checks", res.Params.Checks,
			"precision", res.Precision, "reached_target", res.ReachedTarget)
		ent.p = res.Params
		ent.tuned = res
	}

	start := time.Now()
	idx, err := index.Build[T](ds, ent.p)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	ent.insp = idx
	ent.typed = idx

	metrics.BuildsTotal.WithLabelValues(string(idx.Algorithm()), string(ent.element)).Inc()
	metrics.BuildDuration.WithLabelValues(string(idx.Algorithm())).Observe(elapsed.Seconds())
	metrics.ActiveIndexes.Inc()
	metrics.IndexedPoints.Add(float64(idx.Size()))

	h := e.put(ent)
	e.log.Info("index built",
		"handle", h, "id", ent.id, "algorithm", idx.Algorithm(),
		"element", ent.element, "points", idx.Size(), "duration", elapsed)
	return h, nil
}

func (e *Engine) put(ent *entry) Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	var slot uint32
	if n := len(e.free); n > 0 {
		slot = e.free[n-1]
		e.free = e.free[:n-1]
	} else {
		slot = e.nextSlot
		e.nextSlot++
	}
	gen := e.gens[slot] + 1
	e.gens[slot] = gen
	e.entries.Set(slot, ent)
	return makeHandle(slot, gen)
}

// lookup resolves a handle, distinguishing never-issued from freed handles.
func (e *Engine) lookup(h Handle) (*entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	gen, ok := e.gens[h.slot()]
	if !ok || h.gen() == 0 || h.gen() > gen {
		return nil, fmt.Errorf("%w: %#x", ErrInvalidHandle, uint64(h))
	}
	if h.gen() < gen {
		return nil, fmt.Errorf("%w: %#x", ErrStaleHandle, uint64(h))
	}
	ent, ok := e.entries.Get(h.slot())
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrStaleHandle, uint64(h))
	}
	return ent, nil
}

func typedIndex[T types.Element](ent *entry) (index.Index[T], error) {
	idx, ok := ent.typed.(index.Index[T])
	if !ok {
		return nil, fmt.Errorf("%w: index holds %s, caller passed %s",
			ErrTypeMismatch, ent.element, dataset.TypeOf[T]())
	}
	return idx, nil
}

// searchParams merges the per-call overrides into the build-time record. The
// metric is pinned at build time; the autotune checks sentinel resolves to
// the tuned budget.
func (ent *entry) searchParams(p params.Parameters) (params.Parameters, error) {
	if p.Metric != "" && p.Metric != ent.p.Metric {
		return p, fmt.Errorf("%w: metric is fixed at build time (built with '%s')",
			params.ErrInvalidParam, ent.p.Metric)
	}
	merged := ent.p
	merged.Checks = p.Checks
	if p.Checks == params.ChecksAutotuned {
		merged.Checks = ent.p.Checks
	}
	merged.Eps = p.Eps
	merged.Sorted = p.Sorted
	merged.MaxNeighbors = p.MaxNeighbors
	merged.Cores = p.Cores
	return merged, nil
}

// Search answers every query row with its k nearest neighbors.
func Search[T types.Element](ctx context.Context, e *Engine, h Handle, queries *dataset.Matrix[T], k int, p params.Parameters) (*index.Result, error) {
	ent, err := e.lookup(h)
	if err != nil {
		return nil, err
	}
	idx, err := typedIndex[T](ent)
	if err != nil {
		return nil, err
	}
	ent.mu.RLock()
	defer ent.mu.RUnlock()
	sp, err := ent.searchParams(p)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := index.Search(ctx, idx, queries, k, sp)
	if err != nil {
		return nil, err
	}
	metrics.SearchesTotal.WithLabelValues(string(idx.Algorithm())).Inc()
	metrics.SearchDuration.WithLabelValues(string(idx.Algorithm())).Observe(time.Since(start).Seconds())
	return res, nil
}

// RadiusSearch collects points within radius of a single query. The returned
// count includes matches beyond maxResults.
func RadiusSearch[T types.Element](ctx context.Context, e *Engine, h Handle, query []T, radius float64, maxResults int, p params.Parameters) (int, []types.Candidate, error) {
	ent, err := e.lookup(h)
	if err != nil {
		return 0, nil, err
	}
	idx, err := typedIndex[T](ent)
	if err != nil {
		return 0, nil, err
	}
	ent.mu.RLock()
	defer ent.mu.RUnlock()
	sp, err := ent.searchParams(p)
	if err != nil {
		return 0, nil, err
	}
	start := time.Now()
	found, neighbors, err := index.RadiusSearch(ctx, idx, query, radius, maxResults, sp)
	if err != nil {
		return 0, nil, err
	}
	metrics.SearchesTotal.WithLabelValues(string(idx.Algorithm())).Inc()
	metrics.SearchDuration.WithLabelValues(string(idx.Algorithm())).Observe(time.Since(start).Seconds())
	return found, neighbors, nil
}

// AddPoints appends the rows of pts to the index's dataset and structure.
func AddPoints[T types.Element](e *Engine, h Handle, pts *dataset.Matrix[T]) error {
	ent, err := e.lookup(h)
	if err != nil {
		return err
	}
	idx, err := typedIndex[T](ent)
	if err != nil {
		return err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if err := idx.AddPoints(pts); err != nil {
		return err
	}
	metrics.IndexedPoints.Add(float64(pts.Rows()))
	return nil
}

// RemovePoint soft-deletes one point by id.
func (e *Engine) RemovePoint(h Handle, id int) error {
	ent, err := e.lookup(h)
	if err != nil {
		return err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if err := ent.insp.RemovePoint(id); err != nil {
		return err
	}
	metrics.IndexedPoints.Sub(1)
	return nil
}

// ClusterCenters returns the top-level cluster centroids of a k-means style
// index. Other algorithms do not support it.
func (e *Engine) ClusterCenters(h Handle) ([][]float64, error) {
	ent, err := e.lookup(h)
	if err != nil {
		return nil, err
	}
	ent.mu.RLock()
	defer ent.mu.RUnlock()
	cp, ok := ent.typed.(interface{ ClusterCenters() [][]float64 })
	if !ok {
		return nil, fmt.Errorf("%w: %s has no cluster centers", ErrUnsupported, ent.insp.Algorithm())
	}
	return cp.ClusterCenters(), nil
}

// UsedMemory returns the structure overhead of the index in bytes.
func (e *Engine) UsedMemory(h Handle) (int, error) {
	ent, err := e.lookup(h)
	if err != nil {
		return 0, err
	}
	ent.mu.RLock()
	defer ent.mu.RUnlock()
	return ent.insp.UsedMemory(), nil
}

// Size returns the number of live points in the index.
func (e *Engine) Size(h Handle) (int, error) {
	ent, err := e.lookup(h)
	if err != nil {
		return 0, err
	}
	ent.mu.RLock()
	defer ent.mu.RUnlock()
	return ent.insp.Size(), nil
}

// Free releases a handle. In-flight operations on the index complete; later
// uses of the handle fail with ErrStaleHandle.
func (e *Engine) Free(h Handle) error {
	e.mu.Lock()
	gen, ok := e.gens[h.slot()]
	if !ok || h.gen() == 0 || h.gen() > gen {
		e.mu.Unlock()
		return fmt.Errorf("%w: %#x", ErrInvalidHandle, uint64(h))
	}
	if h.gen() < gen {
		e.mu.Unlock()
		return fmt.Errorf("%w: %#x", ErrStaleHandle, uint64(h))
	}
	ent, ok := e.entries.Get(h.slot())
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %#x", ErrStaleHandle, uint64(h))
	}
	e.entries.Delete(h.slot())
	e.free = append(e.free, h.slot())
	// Bump the generation so the freed handle can never match again, even
	// before the slot is reused.
	e.gens[h.slot()]++
	e.mu.Unlock()

	ent.mu.RLock()
	size := ent.insp.Size()
	ent.mu.RUnlock()
	metrics.ActiveIndexes.Dec()
	metrics.IndexedPoints.Sub(float64(size))
	e.log.Info("index freed", "handle", h, "id", ent.id, "points", size)
	return nil
}

// FreeAll releases every live handle.
func (e *Engine) FreeAll() {
	for _, info := range e.List() {
		_ = e.Free(info.Handle)
	}
}

// Info describes one live index.
type Info struct {
	Handle     Handle
	ID         uuid.UUID
	Algorithm  params.Algorithm
	Element    dataset.ElementType
	Size       int
	UsedMemory int
	CreatedAt  time.Time
	Autotuned  bool
}

// Info returns the description of one handle.
func (e *Engine) Info(h Handle) (Info, error) {
	ent, err := e.lookup(h)
	if err != nil {
		return Info{}, err
	}
	return e.describe(h, ent), nil
}

func (e *Engine) describe(h Handle, ent *entry) Info {
	ent.mu.RLock()
	defer ent.mu.RUnlock()
	return Info{
		Handle:     h,
		ID:         ent.id,
		Algorithm:  ent.insp.Algorithm(),
		Element:    ent.element,
		Size:       ent.insp.Size(),
		UsedMemory: ent.insp.UsedMemory(),
		CreatedAt:  ent.created,
		Autotuned:  ent.tuned != nil,
	}
}

// List describes every live index in slot order.
func (e *Engine) List() []Info {
	e.mu.RLock()
	type pair struct {
		h   Handle
		ent *entry
	}
	pairs := make([]pair, 0, e.entries.Len())
	e.entries.Scan(func(slot uint32, ent *entry) bool {
		pairs = append(pairs, pair{makeHandle(slot, e.gens[slot]), ent})
		return true
	})
	e.mu.RUnlock()

	out := make([]Info, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, e.describe(p.h, p.ent))
	}
	return out
}

// Save writes the index structure to w. The dataset is not included; loading
// requires the same points the index was built over.
func (e *Engine) Save(h Handle, w io.Writer) error {
	ent, err := e.lookup(h)
	if err != nil {
		return err
	}
	ent.mu.RLock()
	defer ent.mu.RUnlock()
	snap, err := ent.insp.Snapshot()
	if err != nil {
		return err
	}
	code, err := params.AlgorithmCode(snap.Algorithm)
	if err != nil {
		return err
	}
	header := &persistence.Header{
		IndexID:       ent.id,
		Algorithm:     snap.Algorithm,
		AlgorithmCode: code,
		Element:       ent.element,
		Metric:        ent.p.Metric,
		Rows:          snap.Rows,
		Cols:          snap.Cols,
		CreatedAt:     ent.created,
		SavedAt:       time.Now().UTC(),
	}
	if err := persistence.Write(w, header, snap); err != nil {
		return err
	}
	metrics.SavesTotal.Inc()
	e.log.Info("index saved", "handle", h, "id", ent.id, "algorithm", snap.Algorithm)
	return nil
}

// SaveFile writes the index structure to a file path.
func (e *Engine) SaveFile(h Handle, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	if err := e.Save(h, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadFile restores a saved index from a file path over its original dataset.
func LoadFile[T types.Element](e *Engine, ds *dataset.Matrix[T], path string) (Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open index file: %w", err)
	}
	defer f.Close()
	return Load(e, ds, f)
}

// Load restores a saved index over its original dataset and returns a fresh
// handle. The element type and dataset shape must match the saved header.
func Load[T types.Element](e *Engine, ds *dataset.Matrix[T], r io.Reader) (Handle, error) {
	header, snap, err := persistence.Read(r)
	if err != nil {
		return 0, err
	}
	if header.Element != dataset.TypeOf[T]() {
		return 0, fmt.Errorf("%w: file holds %s, caller passed %s",
			ErrTypeMismatch, header.Element, dataset.TypeOf[T]())
	}
	idx, err := index.Restore[T](ds, snap)
	if err != nil {
		return 0, err
	}
	ent := &entry{
		id:      header.IndexID,
		created: header.CreatedAt,
		element: header.Element,
		p:       snap.Params,
		insp:    idx,
		typed:   idx,
	}
	ent.p.Algorithm = snap.Algorithm

	metrics.LoadsTotal.Inc()
	metrics.ActiveIndexes.Inc()
	metrics.IndexedPoints.Add(float64(idx.Size()))

	h := e.put(ent)
	e.log.Info("index loaded",
		"handle", h, "id", ent.id, "algorithm", snap.Algorithm, "points", idx.Size())
	return h, nil
}

// discardHandler drops every record; used when no logger is supplied.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
