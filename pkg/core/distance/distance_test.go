package distance

import (
	"errors"
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestSqEuclideanFloat32(t *testing.T) {
	f, err := Resolve[float32](SqEuclidean, 0)
	if err != nil {
		t.Fatal(err)
	}
	a := []float32{1, 2, 3}
	b := []float32{4, 6, 3}
	// (3^2 + 4^2 + 0) = 25, no square root taken.
	if got := f(a, b); !almostEqual(got, 25) {
		t.Errorf("sqeuclidean = %v, want 25", got)
	}
	if got := f(a, a); !almostEqual(got, 0) {
		t.Errorf("self distance = %v, want 0", got)
	}
}

// The BLAS path and the generic loop must agree, otherwise approximate
// indexes built on one and searched on the other would drift.
func TestGonumMatchesGeneric(t *testing.T) {
	a := make([]float32, 301) // odd length to exercise SIMD tails
	b := make([]float32, 301)
	for i := range a {
		a[i] = float32(i%17) * 0.25
		b[i] = float32(i%13) * -0.5
	}
	want := sqEuclideanGeneric(a, b)
	got := sqEuclideanGonum(a, b)
	if math.Abs(want-got) > 1e-2 {
		t.Errorf("gonum = %v, generic = %v", got, want)
	}
}

func TestManhattanUint8(t *testing.T) {
	f, err := Resolve[uint8](Manhattan, 0)
	if err != nil {
		t.Fatal(err)
	}
	// Unsigned subtraction must not wrap around.
	a := []uint8{0, 200}
	b := []uint8{10, 100}
	if got := f(a, b); !almostEqual(got, 110) {
		t.Errorf("manhattan = %v, want 110", got)
	}
}

func TestMinkowskiOrderTwoMatchesEuclidean(t *testing.T) {
	mink, err := Resolve[float64](Minkowski, 2)
	if err != nil {
		t.Fatal(err)
	}
	eucl, _ := Resolve[float64](SqEuclidean, 0)
	a := []float64{1.5, -2, 0.25}
	b := []float64{0, 4, 1}
	if !almostEqual(mink(a, b), eucl(a, b)) {
		t.Errorf("minkowski(2) = %v, sqeuclidean = %v", mink(a, b), eucl(a, b))
	}
}

func TestMinkowskiInvalidOrder(t *testing.T) {
	if _, err := Resolve[float32](Minkowski, 0); !errors.Is(err, ErrUnsupportedMetric) {
		t.Errorf("expected ErrUnsupportedMetric, got %v", err)
	}
}

func TestHammingBytes(t *testing.T) {
	f, err := Resolve[uint8](Hamming, 0)
	if err != nil {
		t.Fatal(err)
	}
	a := []uint8{0xFF, 0x00}
	b := []uint8{0x0F, 0x01}
	if got := f(a, b); !almostEqual(got, 5) {
		t.Errorf("hamming = %v, want 5", got)
	}
}

func TestHammingRejectedForFloats(t *testing.T) {
	if _, err := Resolve[float32](Hamming, 0); !errors.Is(err, ErrUnsupportedMetric) {
		t.Errorf("expected ErrUnsupportedMetric for float32 hamming, got %v", err)
	}
}

func TestChiSquareSkipsEmptyBins(t *testing.T) {
	f, _ := Resolve[float64](ChiSquare, 0)
	a := []float64{0, 2, 4}
	b := []float64{0, 4, 2}
	// bin 0 contributes nothing, bins 1 and 2 contribute 4/6 each.
	if got := f(a, b); !almostEqual(got, 8.0/6.0) {
		t.Errorf("chisquare = %v, want %v", got, 8.0/6.0)
	}
}

func TestHellingerSelfIsZero(t *testing.T) {
	f, _ := Resolve[float64](Hellinger, 0)
	a := []float64{0.2, 0.3, 0.5}
	if got := f(a, a); !almostEqual(got, 0) {
		t.Errorf("hellinger self distance = %v", got)
	}
}

func TestKLDivergence(t *testing.T) {
	f, _ := Resolve[float64](KullbackLeibler, 0)
	a := []float64{0.5, 0.5}
	b := []float64{0.25, 0.75}
	want := 0.5*math.Log(2) + 0.5*math.Log(2.0/3.0)
	if got := f(a, b); !almostEqual(got, want) {
		t.Errorf("kl = %v, want %v", got, want)
	}
}

func TestResolveAxis(t *testing.T) {
	axis, err := ResolveAxis(SqEuclidean, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := axis(1, 4); !almostEqual(got, 9) {
		t.Errorf("sqeuclidean axis = %v, want 9", got)
	}

	full, _ := Resolve[float64](Manhattan, 0)
	axis, _ = ResolveAxis(Manhattan, 0)
	a := []float64{1, -2, 3}
	b := []float64{0, 4, -1}
	var sum float64
	for i := range a {
		sum += axis(a[i], b[i])
	}
	if !almostEqual(sum, full(a, b)) {
		t.Errorf("summed axis contributions = %v, full distance = %v", sum, full(a, b))
	}

	if _, err := ResolveAxis(Hamming, 0); !errors.Is(err, ErrUnsupportedMetric) {
		t.Errorf("expected ErrUnsupportedMetric for hamming axis, got %v", err)
	}
}

func TestUnknownMetric(t *testing.T) {
	if _, err := Resolve[float32]("cityblock", 0); !errors.Is(err, ErrUnsupportedMetric) {
		t.Errorf("expected ErrUnsupportedMetric, got %v", err)
	}
	if Valid("cityblock") {
		t.Error("Valid accepted an unknown metric")
	}
	if !Valid(Manhattan) {
		t.Error("Valid rejected manhattan")
	}
}

func BenchmarkSqEuclideanF32(b *testing.B) {
	f, _ := Resolve[float32](SqEuclidean, 0)
	x := make([]float32, 128)
	y := make([]float32, 128)
	for i := range x {
		x[i] = float32(i)
		y[i] = float32(i) * 0.5
	}
	b.ReportAllocs()
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		f(x, y)
	}
}
