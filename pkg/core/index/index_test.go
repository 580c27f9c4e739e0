package index

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/quiverdb/quiver/pkg/core/dataset"
	"github.com/quiverdb/quiver/pkg/core/distance"
	"github.com/quiverdb/quiver/pkg/core/params"
	"github.com/quiverdb/quiver/pkg/core/types"
)

func randomMatrix(t *testing.T, rows, cols int, seed int64) *dataset.Matrix[float32] {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = rng.Float32()
	}
	m, err := dataset.FromSlice(data, rows, cols)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func testParams(alg params.Algorithm) params.Parameters {
	p := params.Default()
	p.Algorithm = alg
	p.RandomSeed = 42
	p.Cores = 1
	return p
}

// exactNeighbors runs a brute-force scan as ground truth.
func exactNeighbors(t *testing.T, ds *dataset.Matrix[float32], query []float32, k int) []int {
	t.Helper()
	lin, err := Build[float32](ds, testParams(params.Linear))
	if err != nil {
		t.Fatal(err)
	}
	rs := NewResultSet(k)
	if err := lin.SearchOne(query, rs, SearchParams{}); err != nil {
		t.Fatal(err)
	}
	cands := rs.Candidates(true)
	ids := make([]int, len(cands))
	for i, c := range cands {
		ids[i] = c.ID
	}
	return ids
}

// selfQuery builds an index over data and checks that every row is its own
// nearest neighbor at distance 0 under an exhaustive search.
func selfQuery[T types.Element](t *testing.T, data []T, rows, cols int, alg params.Algorithm) {
	t.Helper()
	ds, err := dataset.FromSlice(append([]T(nil), data...), rows, cols)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := Build[T](ds, testParams(alg))
	if err != nil {
		t.Fatalf("%s over %s: %v", alg, dataset.TypeOf[T](), err)
	}
	for i := 0; i < rows; i++ {
		rs := NewResultSet(1)
		if err := idx.SearchOne(ds.Row(i), rs, SearchParams{Checks: params.ChecksUnlimited}); err != nil {
			t.Fatal(err)
		}
		cands := rs.Candidates(true)
		if len(cands) != 1 || cands[0].ID != i || cands[0].Distance != 0 {
			t.Fatalf("%s over %s: row %d got %+v, want itself at distance 0", alg, dataset.TypeOf[T](), i, cands)
		}
	}
}

func TestSelfQueryAllElementTypes(t *testing.T) {
	rng := rand.New(rand.NewSource(83))
	rows, cols := 200, 6

	f32 := make([]float32, rows*cols)
	f64 := make([]float64, rows*cols)
	i32 := make([]int32, rows*cols)
	u8 := make([]uint8, rows*cols)
	for i := 0; i < rows*cols; i++ {
		f32[i] = rng.Float32()
		f64[i] = rng.Float64()
		i32[i] = int32(rng.Intn(100000))
		u8[i] = uint8(rng.Intn(256))
	}

	for _, alg := range []params.Algorithm{params.Linear, params.KDTree, params.KDTreeSingle, params.KMeans} {
		selfQuery(t, f32, rows, cols, alg)
		selfQuery(t, f64, rows, cols, alg)
		selfQuery(t, i32, rows, cols, alg)
		selfQuery(t, u8, rows, cols, alg)
	}
	selfQuery(t, u8, rows, cols, params.LSH)
}

func TestLinearFindsTrueNearest(t *testing.T) {
	ds, _ := dataset.FromRows([][]float32{{0, 0}, {1, 0}, {0, 3}, {5, 5}})
	idx, err := Build[float32](ds, testParams(params.Linear))
	if err != nil {
		t.Fatal(err)
	}
	rs := NewResultSet(2)
	if err := idx.SearchOne([]float32{0.9, 0.1}, rs, SearchParams{}); err != nil {
		t.Fatal(err)
	}
	cands := rs.Candidates(true)
	if cands[0].ID != 1 || cands[1].ID != 0 {
		t.Errorf("nearest ids = %d, %d; want 1, 0", cands[0].ID, cands[1].ID)
	}
}

func TestKDTreeSingleMatchesLinear(t *testing.T) {
	ds := randomMatrix(t, 300, 8, 7)
	idx, err := Build[float32](ds, testParams(params.KDTreeSingle))
	if err != nil {
		t.Fatal(err)
	}
	for q := 0; q < 20; q++ {
		query := randomMatrix(t, 1, 8, int64(100+q)).Row(0)
		want := exactNeighbors(t, ds, query, 5)
		rs := NewResultSet(5)
		if err := idx.SearchOne(query, rs, SearchParams{Checks: 32}); err != nil {
			t.Fatal(err)
		}
		got := rs.Candidates(true)
		for i := range want {
			if got[i].ID != want[i] {
				t.Fatalf("query %d: ids = %v..., want %v", q, got[i].ID, want)
			}
		}
	}
}

func TestKDTreeForestRecall(t *testing.T) {
	ds := randomMatrix(t, 500, 8, 11)
	p := testParams(params.KDTree)
	p.Trees = 4
	idx, err := Build[float32](ds, p)
	if err != nil {
		t.Fatal(err)
	}
	hits, total := 0, 0
	for q := 0; q < 50; q++ {
		query := randomMatrix(t, 1, 8, int64(200+q)).Row(0)
		want := exactNeighbors(t, ds, query, 5)
		rs := NewResultSet(5)
		if err := idx.SearchOne(query, rs, SearchParams{Checks: 128}); err != nil {
			t.Fatal(err)
		}
		wantSet := make(map[int]bool, len(want))
		for _, id := range want {
			wantSet[id] = true
		}
		for _, c := range rs.Candidates(true) {
			if wantSet[c.ID] {
				hits++
			}
		}
		total += len(want)
	}
	if recall := float64(hits) / float64(total); recall < 0.7 {
		t.Errorf("recall@5 = %.2f with 128 checks of 500 points, want >= 0.7", recall)
	}
}

func TestKDTreeExactModeRecall(t *testing.T) {
	ds := randomMatrix(t, 300, 6, 13)
	idx, err := Build[float32](ds, testParams(params.KDTree))
	if err != nil {
		t.Fatal(err)
	}
	hits, total := 0, 0
	for q := 0; q < 30; q++ {
		query := randomMatrix(t, 1, 6, int64(300+q)).Row(0)
		want := exactNeighbors(t, ds, query, 3)
		rs := NewResultSet(3)
		if err := idx.SearchOne(query, rs, SearchParams{Checks: params.ChecksUnlimited}); err != nil {
			t.Fatal(err)
		}
		wantSet := make(map[int]bool, len(want))
		for _, id := range want {
			wantSet[id] = true
		}
		for _, c := range rs.Candidates(true) {
			if wantSet[c.ID] {
				hits++
			}
		}
		total += len(want)
	}
	if recall := float64(hits) / float64(total); recall < 0.95 {
		t.Errorf("unlimited-checks recall@3 = %.2f, want >= 0.95", recall)
	}
}

func TestKMeansExactMatchesLinear(t *testing.T) {
	ds := randomMatrix(t, 400, 8, 17)
	p := testParams(params.KMeans)
	p.Branching = 16
	idx, err := Build[float32](ds, p)
	if err != nil {
		t.Fatal(err)
	}
	for q := 0; q < 20; q++ {
		query := randomMatrix(t, 1, 8, int64(400+q)).Row(0)
		want := exactNeighbors(t, ds, query, 4)
		rs := NewResultSet(4)
		if err := idx.SearchOne(query, rs, SearchParams{Checks: params.ChecksUnlimited}); err != nil {
			t.Fatal(err)
		}
		got := rs.Candidates(true)
		for i := range want {
			if got[i].ID != want[i] {
				t.Fatalf("query %d: got id %d at rank %d, want %d", q, got[i].ID, i, want[i])
			}
		}
	}
}

func TestKMeansCentersInitVariants(t *testing.T) {
	ds := randomMatrix(t, 200, 4, 19)
	for _, ci := range []params.CentersInit{params.CentersRandom, params.CentersGonzalez, params.CentersKMeansPP} {
		p := testParams(params.KMeans)
		p.Branching = 8
		p.CentersInit = ci
		idx, err := Build[float32](ds, p)
		if err != nil {
			t.Fatalf("%s: %v", ci, err)
		}
		rs := NewResultSet(3)
		if err := idx.SearchOne(ds.Row(0), rs, SearchParams{Checks: 64}); err != nil {
			t.Fatalf("%s: %v", ci, err)
		}
		if rs.Len() != 3 {
			t.Errorf("%s: got %d results, want 3", ci, rs.Len())
		}
	}
}

func TestKMeansClusterCenters(t *testing.T) {
	ds := randomMatrix(t, 300, 4, 23)
	p := testParams(params.KMeans)
	p.Branching = 8
	idx, err := Build[float32](ds, p)
	if err != nil {
		t.Fatal(err)
	}
	km := idx.(*kmeansIndex[float32])
	centers := km.ClusterCenters()
	if len(centers) < 2 || len(centers) > p.Branching {
		t.Fatalf("got %d centers, want between 2 and %d", len(centers), p.Branching)
	}
	for _, c := range centers {
		if len(c) != 4 {
			t.Errorf("center has %d dims, want 4", len(c))
		}
	}
}

func TestLSHFindsIdenticalPoint(t *testing.T) {
	rng := rand.New(rand.NewSource(29))
	data := make([]uint8, 200*16)
	for i := range data {
		data[i] = uint8(rng.Intn(256))
	}
	ds, _ := dataset.FromSlice(data, 200, 16)
	p := testParams(params.LSH)
	idx, err := Build[uint8](ds, p)
	if err != nil {
		t.Fatal(err)
	}
	query := append([]uint8(nil), ds.Row(57)...)
	rs := NewResultSet(3)
	if err := idx.SearchOne(query, rs, SearchParams{}); err != nil {
		t.Fatal(err)
	}
	cands := rs.Candidates(true)
	if len(cands) == 0 || cands[0].ID != 57 || cands[0].Distance != 0 {
		t.Errorf("expected point 57 at distance 0, got %+v", cands)
	}
}

func TestLSHKeySizeClampedToRowBits(t *testing.T) {
	// One-byte rows carry 8 bits, less than the default key_size of 20.
	data := make([]uint8, 50)
	for i := range data {
		data[i] = uint8(i * 5)
	}
	ds, _ := dataset.FromSlice(data, 50, 1)
	idx, err := Build[uint8](ds, testParams(params.LSH))
	if err != nil {
		t.Fatal(err)
	}
	l := idx.(*lshIndex[uint8])
	for _, m := range l.probes {
		if m >= 1<<8 {
			t.Fatalf("probe mask %#x flips bits outside the 8-bit key", m)
		}
	}
	// 8 bits at multi_probe_level 2: the zero mask, 8 single-bit masks, and
	// 28 two-bit masks.
	if want := 1 + 8 + 28; len(l.probes) != want {
		t.Errorf("probe count = %d, want %d", len(l.probes), want)
	}
}

func TestLSHRejectsFloatData(t *testing.T) {
	ds := randomMatrix(t, 10, 4, 31)
	_, err := Build[float32](ds, testParams(params.LSH))
	if !errors.Is(err, ErrUnsupportedElementType) {
		t.Errorf("expected ErrUnsupportedElementType, got %v", err)
	}
}

func TestKDTreeRejectsHammingMetric(t *testing.T) {
	ds := randomMatrix(t, 10, 4, 31)
	p := testParams(params.KDTree)
	p.Metric = distance.Hamming
	_, err := Build[float32](ds, p)
	if !errors.Is(err, distance.ErrUnsupportedMetric) {
		t.Errorf("expected ErrUnsupportedMetric, got %v", err)
	}
}

func TestCompositeNoDuplicateResults(t *testing.T) {
	ds := randomMatrix(t, 300, 6, 37)
	p := testParams(params.Composite)
	p.Trees = 2
	p.Branching = 8
	idx, err := Build[float32](ds, p)
	if err != nil {
		t.Fatal(err)
	}
	for q := 0; q < 10; q++ {
		query := randomMatrix(t, 1, 6, int64(500+q)).Row(0)
		rs := NewResultSet(10)
		if err := idx.SearchOne(query, rs, SearchParams{Checks: 64}); err != nil {
			t.Fatal(err)
		}
		seen := make(map[int]bool)
		for _, c := range rs.Candidates(true) {
			if seen[c.ID] {
				t.Fatalf("query %d: duplicate id %d", q, c.ID)
			}
			seen[c.ID] = true
		}
	}
}

func TestCompositeRadiusFoundCountExact(t *testing.T) {
	rows := make([][]float32, 20)
	for i := range rows {
		rows[i] = []float32{float32(i)}
	}
	ds, _ := dataset.FromRows(rows)
	p := testParams(params.Composite)
	p.Trees = 2
	p.Checks = params.ChecksUnlimited
	idx, err := Build[float32](ds, p)
	if err != nil {
		t.Fatal(err)
	}
	// Squared distances from the origin are i*i, so radius 50 covers ids 0..7.
	// Both sub-structures see all eight matches; each must be counted once
	// even though only three fit in the buffer.
	found, neighbors, err := RadiusSearch(context.Background(), idx, []float32{0}, 50, 3, p)
	if err != nil {
		t.Fatal(err)
	}
	if found != 8 {
		t.Errorf("found = %d, want exactly 8", found)
	}
	if len(neighbors) != 3 {
		t.Fatalf("kept %d neighbors, want buffer size 3", len(neighbors))
	}
	for i, n := range neighbors {
		if n.ID != i {
			t.Errorf("kept id %d at rank %d, want %d", n.ID, i, i)
		}
	}
}

func TestRemovePointExcludedFromSearch(t *testing.T) {
	ds := randomMatrix(t, 100, 4, 41)
	for _, alg := range []params.Algorithm{params.Linear, params.KDTree, params.KDTreeSingle, params.KMeans} {
		idx, err := Build[float32](ds, testParams(alg))
		if err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		query := append([]float32(nil), ds.Row(5)...)
		if err := idx.RemovePoint(5); err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		if idx.Size() != 99 {
			t.Errorf("%s: Size = %d after removal, want 99", alg, idx.Size())
		}
		rs := NewResultSet(5)
		if err := idx.SearchOne(query, rs, SearchParams{Checks: params.ChecksUnlimited}); err != nil {
			t.Fatal(err)
		}
		for _, c := range rs.Candidates(true) {
			if c.ID == 5 {
				t.Errorf("%s: removed point 5 still returned", alg)
			}
		}
	}
}

func TestRemovePointErrors(t *testing.T) {
	ds := randomMatrix(t, 10, 4, 43)
	idx, err := Build[float32](ds, testParams(params.Linear))
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.RemovePoint(10); !errors.Is(err, ErrPointNotFound) {
		t.Errorf("out-of-range removal: got %v", err)
	}
	if err := idx.RemovePoint(3); err != nil {
		t.Fatal(err)
	}
	if err := idx.RemovePoint(3); !errors.Is(err, ErrPointNotFound) {
		t.Errorf("double removal: got %v", err)
	}
}

func TestAddPointsSearchable(t *testing.T) {
	ds := randomMatrix(t, 50, 4, 47)
	for _, alg := range []params.Algorithm{params.Linear, params.KDTree, params.KDTreeSingle, params.KMeans, params.Composite} {
		idx, err := Build[float32](ds.Sample(50, rand.New(rand.NewSource(1))), testParams(alg))
		if err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		// A point far outside the unit cube is unambiguous.
		extra, _ := dataset.FromRows([][]float32{{10, 10, 10, 10}})
		if err := idx.AddPoints(extra); err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		if idx.Size() != 51 {
			t.Errorf("%s: Size = %d after add, want 51", alg, idx.Size())
		}
		rs := NewResultSet(1)
		if err := idx.SearchOne([]float32{10, 10, 10, 10}, rs, SearchParams{Checks: params.ChecksUnlimited}); err != nil {
			t.Fatal(err)
		}
		cands := rs.Candidates(true)
		if len(cands) != 1 || cands[0].ID != 50 || cands[0].Distance != 0 {
			t.Errorf("%s: added point not found, got %+v", alg, cands)
		}
	}
}

func TestSearchOrchestrator(t *testing.T) {
	ds := randomMatrix(t, 200, 6, 53)
	idx, err := Build[float32](ds, testParams(params.KDTreeSingle))
	if err != nil {
		t.Fatal(err)
	}
	queries := randomMatrix(t, 10, 6, 54)
	p := testParams(params.KDTreeSingle)
	p.Cores = 4
	res, err := Search(context.Background(), idx, queries, 5, p)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Indices) != 10 {
		t.Fatalf("got %d result rows, want 10", len(res.Indices))
	}
	for qi := range res.Indices {
		if len(res.Indices[qi]) != 5 || len(res.Distances[qi]) != 5 {
			t.Fatalf("row %d has %d/%d entries, want 5", qi, len(res.Indices[qi]), len(res.Distances[qi]))
		}
		for i := 1; i < len(res.Distances[qi]); i++ {
			if res.Distances[qi][i] < res.Distances[qi][i-1] {
				t.Errorf("row %d not sorted: %v", qi, res.Distances[qi])
			}
		}
	}
}

func TestSearchConcurrencyMatchesSequential(t *testing.T) {
	ds := randomMatrix(t, 200, 6, 59)
	idx, err := Build[float32](ds, testParams(params.KDTreeSingle))
	if err != nil {
		t.Fatal(err)
	}
	queries := randomMatrix(t, 20, 6, 60)
	pSeq := testParams(params.KDTreeSingle)
	pSeq.Cores = 1
	pPar := pSeq
	pPar.Cores = 8
	seq, err := Search(context.Background(), idx, queries, 3, pSeq)
	if err != nil {
		t.Fatal(err)
	}
	par, err := Search(context.Background(), idx, queries, 3, pPar)
	if err != nil {
		t.Fatal(err)
	}
	for qi := range seq.Indices {
		for i := range seq.Indices[qi] {
			if seq.Indices[qi][i] != par.Indices[qi][i] {
				t.Fatalf("row %d differs between 1 and 8 cores", qi)
			}
		}
	}
}

func TestSearchDimensionMismatch(t *testing.T) {
	ds := randomMatrix(t, 50, 4, 61)
	idx, err := Build[float32](ds, testParams(params.Linear))
	if err != nil {
		t.Fatal(err)
	}
	queries := randomMatrix(t, 2, 6, 62)
	if _, err := Search(context.Background(), idx, queries, 1, testParams(params.Linear)); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestSearchKLargerThanIndex(t *testing.T) {
	ds := randomMatrix(t, 5, 3, 63)
	idx, err := Build[float32](ds, testParams(params.Linear))
	if err != nil {
		t.Fatal(err)
	}
	queries := randomMatrix(t, 1, 3, 64)
	res, err := Search(context.Background(), idx, queries, 10, testParams(params.Linear))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Indices[0]) != 5 {
		t.Errorf("row length = %d, want the 5 available points", len(res.Indices[0]))
	}
}

func TestSearchMaxNeighborsCapsK(t *testing.T) {
	ds := randomMatrix(t, 50, 3, 65)
	idx, err := Build[float32](ds, testParams(params.Linear))
	if err != nil {
		t.Fatal(err)
	}
	p := testParams(params.Linear)
	p.MaxNeighbors = 2
	queries := randomMatrix(t, 1, 3, 66)
	res, err := Search(context.Background(), idx, queries, 10, p)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Indices[0]) != 2 {
		t.Errorf("row length = %d, want max_neighbors cap of 2", len(res.Indices[0]))
	}
}

func TestSearchCancelledContext(t *testing.T) {
	ds := randomMatrix(t, 50, 4, 67)
	idx, err := Build[float32](ds, testParams(params.Linear))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	queries := randomMatrix(t, 100, 4, 68)
	if _, err := Search(ctx, idx, queries, 1, testParams(params.Linear)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRadiusSearchTruncationCount(t *testing.T) {
	ds, _ := dataset.FromRows([][]float32{{0}, {1}, {2}, {3}, {10}})
	idx, err := Build[float32](ds, testParams(params.Linear))
	if err != nil {
		t.Fatal(err)
	}
	// Radius 9.5 squared-distance covers the first four points.
	found, neighbors, err := RadiusSearch(context.Background(), idx, []float32{0}, 9.5, 2, testParams(params.Linear))
	if err != nil {
		t.Fatal(err)
	}
	if found != 4 {
		t.Errorf("found = %d, want 4", found)
	}
	if len(neighbors) != 2 {
		t.Errorf("kept %d neighbors, want buffer size 2", len(neighbors))
	}
	if neighbors[0].ID != 0 || neighbors[1].ID != 1 {
		t.Errorf("kept ids = %d, %d; want the 2 closest (0, 1)", neighbors[0].ID, neighbors[1].ID)
	}
}

func TestSnapshotRestoreSameResults(t *testing.T) {
	ds := randomMatrix(t, 200, 6, 71)
	for _, alg := range []params.Algorithm{params.Linear, params.KDTree, params.KDTreeSingle, params.KMeans, params.Composite} {
		idx, err := Build[float32](ds, testParams(alg))
		if err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		if err := idx.RemovePoint(7); err != nil {
			t.Fatal(err)
		}
		snap, err := idx.Snapshot()
		if err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		restored, err := Restore[float32](ds, snap)
		if err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		query := randomMatrix(t, 1, 6, 72).Row(0)
		want := NewResultSet(5)
		got := NewResultSet(5)
		sp := SearchParams{Checks: 64}
		if err := idx.SearchOne(query, want, sp); err != nil {
			t.Fatal(err)
		}
		if err := restored.SearchOne(query, got, sp); err != nil {
			t.Fatal(err)
		}
		w, g := want.Candidates(true), got.Candidates(true)
		if len(w) != len(g) {
			t.Fatalf("%s: restored index returned %d results, want %d", alg, len(g), len(w))
		}
		for i := range w {
			if w[i] != g[i] {
				t.Errorf("%s: result %d = %+v, want %+v", alg, i, g[i], w[i])
			}
		}
	}
}

func TestRestoreShapeMismatch(t *testing.T) {
	ds := randomMatrix(t, 50, 4, 73)
	idx, err := Build[float32](ds, testParams(params.Linear))
	if err != nil {
		t.Fatal(err)
	}
	snap, err := idx.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	other := randomMatrix(t, 40, 4, 74)
	if _, err := Restore[float32](other, snap); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}
