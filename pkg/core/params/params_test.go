package params

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/quiverdb/quiver/pkg/core/distance"
)

func TestDefaults(t *testing.T) {
	p := Default()
	if p.Algorithm != KDTree {
		t.Errorf("default algorithm = %s, want kdtree", p.Algorithm)
	}
	if p.Checks != 32 || p.Eps != 0 || !p.Sorted || p.MaxNeighbors != -1 {
		t.Errorf("search defaults wrong: %+v", p)
	}
	if p.Trees != 1 || p.LeafMaxSize != 4 || p.Branching != 32 || p.Iterations != 5 {
		t.Errorf("build defaults wrong: %+v", p)
	}
	if p.TableNumber != 12 || p.KeySize != 20 || p.MultiProbeLevel != 2 {
		t.Errorf("lsh defaults wrong: %+v", p)
	}
	if p.CentersInit != CentersRandom || p.LogLevel != LogWarning || p.RandomSeed != -1 {
		t.Errorf("misc defaults wrong: %+v", p)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("defaults failed validation: %v", err)
	}
}

func TestAlgorithmCodes(t *testing.T) {
	want := map[Algorithm]int{
		Linear: 0, KDTree: 1, KMeans: 2, Composite: 3,
		KDTreeSingle: 4, LSH: 6, Saved: 254, Autotuned: 255,
	}
	for a, code := range want {
		got, err := AlgorithmCode(a)
		if err != nil || got != code {
			t.Errorf("AlgorithmCode(%s) = %d, %v; want %d", a, got, err, code)
		}
		back, err := AlgorithmFromCode(code)
		if err != nil || back != a {
			t.Errorf("AlgorithmFromCode(%d) = %s, %v; want %s", code, back, err, a)
		}
	}
	if _, err := AlgorithmCode("hnsw"); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("expected ErrInvalidParam for unknown algorithm, got %v", err)
	}
	// Empty algorithm falls back to the historical default.
	if code, _ := AlgorithmCode(""); code != 1 {
		t.Errorf("AlgorithmCode(\"\") = %d, want 1", code)
	}
}

func TestCentersAndLogLevelCodes(t *testing.T) {
	for ci, code := range map[CentersInit]int{CentersRandom: 0, CentersGonzalez: 1, CentersKMeansPP: 2} {
		if got, err := CentersInitCode(ci); err != nil || got != code {
			t.Errorf("CentersInitCode(%s) = %d, %v; want %d", ci, got, err, code)
		}
	}
	for l, code := range map[LogLevel]int{LogNone: 0, LogFatal: 1, LogError: 2, LogWarning: 3, LogInfo: 4} {
		if got, err := LogLevelCode(l); err != nil || got != code {
			t.Errorf("LogLevelCode(%s) = %d, %v; want %d", l, got, err, code)
		}
	}
	if _, err := CentersInitCode("farthest"); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("expected ErrInvalidParam, got %v", err)
	}
	if _, err := LogLevelCode("trace"); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("expected ErrInvalidParam, got %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(*Parameters){
		func(p *Parameters) { p.Algorithm = "annoy" },
		func(p *Parameters) { p.Checks = -2 },
		func(p *Parameters) { p.Eps = -0.5 },
		func(p *Parameters) { p.Cores = -1 },
		func(p *Parameters) { p.Trees = 0 },
		func(p *Parameters) { p.LeafMaxSize = 0 },
		func(p *Parameters) { p.Branching = 1 },
		func(p *Parameters) { p.TargetPrecision = 1.5 },
		func(p *Parameters) { p.SampleFraction = 0 },
		func(p *Parameters) { p.Metric = "dot" },
		func(p *Parameters) { p.Algorithm = LSH; p.KeySize = 80 },
		func(p *Parameters) { p.Algorithm = LSH; p.TableNumber = 0 },
	}
	for i, mutate := range cases {
		p := Default()
		mutate(&p)
		if err := p.Validate(); !errors.Is(err, ErrInvalidParam) {
			t.Errorf("case %d: expected ErrInvalidParam, got %v", i, err)
		}
	}
}

func TestLoadFilePartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	content := "algorithm: kmeans\nbranching: 64\nmetric: manhattan\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.Algorithm != KMeans || p.Branching != 64 {
		t.Errorf("overridden fields wrong: %+v", p)
	}
	if p.Metric != distance.Manhattan {
		t.Errorf("metric = %s, want manhattan", p.Metric)
	}
	// Untouched fields keep their defaults.
	if p.Checks != 32 || p.TableNumber != 12 {
		t.Errorf("defaults lost on partial load: %+v", p)
	}
}

func TestLoadFileInvalidEnum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	if err := os.WriteFile(path, []byte("algorithm: ballpark\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("expected ErrInvalidParam, got %v", err)
	}
}
