// Package distance provides the metric computations used by every index
// structure in the engine. It supports squared Euclidean, Manhattan,
// Minkowski, Hamming, Chi-square, Hellinger, and Kullback-Leibler metrics
// over any of the supported dataset element types.
//
// The package uses runtime CPU detection to dispatch the float32 hot paths to
// Gonum's BLAS routines (which handle SIMD internally) when the hardware
// supports it, falling back to pure Go loops otherwise.
package distance

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"gonum.org/v1/gonum/blas/gonum"

	"github.com/quiverdb/quiver/pkg/core/types"
)

// Metric selects the distance computation used during build and search.
// It is an explicit field on the configuration threaded through every call;
// there is no process-wide metric state.
type Metric string

const (
	// SqEuclidean is the squared L2 distance, the engine default. Like the
	// original library, the square root is never taken: ordering is preserved
	// and pruning bounds are cheaper to maintain.
	SqEuclidean Metric = "sqeuclidean"
	// Manhattan is the L1 distance.
	Manhattan Metric = "manhattan"
	// Minkowski is the L_p distance with a caller-supplied order, returned
	// without the final p-th root (consistent with SqEuclidean).
	Minkowski Metric = "minkowski"
	// Hamming counts differing bits. Only valid for uint8 data.
	Hamming Metric = "hamming"
	// ChiSquare is the chi-square histogram distance.
	ChiSquare Metric = "chisquare"
	// Hellinger is the squared Hellinger distance.
	Hellinger Metric = "hellinger"
	// KullbackLeibler is the KL divergence. Asymmetric; only meaningful for
	// distributions (non-negative rows).
	KullbackLeibler Metric = "kl"
)

// ErrUnsupportedMetric is returned when a metric is unknown or not defined
// for the requested element type.
var ErrUnsupportedMetric = errors.New("unsupported distance metric")

// Func computes the distance between two equal-length vectors. Length
// validation happens once at the engine boundary, not inside the hot loop.
type Func[T types.Element] func(a, b []T) float64

// diffWorkspace pools float32 scratch slices so the BLAS-based squared
// Euclidean path runs without per-call allocations.
var diffWorkspace = sync.Pool{
	New: func() any {
		s := make([]float32, 1536)
		return &s
	},
}

var gonumEngine = gonum.Implementation{}

// float32 hot path, overridden in init when the CPU qualifies.
var sqEuclideanF32 Func[float32] = sqEuclideanGeneric[float32]

func init() {
	// Gonum's BLAS kernels pay off once vector-wide FMA is available;
	// on older cores the plain loop is at least as fast.
	if cpuid.CPU.Has(cpuid.AVX2) {
		sqEuclideanF32 = sqEuclideanGonum
	}
}

// Resolve returns the best implementation of metric for element type T.
// order is only consulted for Minkowski. Metrics that are undefined for T
// (currently Hamming on non-byte data) yield ErrUnsupportedMetric.
func Resolve[T types.Element](metric Metric, order float64) (Func[T], error) {
	switch metric {
	case SqEuclidean, "":
		if f, ok := any(sqEuclideanF32).(Func[T]); ok {
			return f, nil
		}
		return sqEuclideanGeneric[T], nil
	case Manhattan:
		return manhattanGeneric[T], nil
	case Minkowski:
		if order <= 0 {
			return nil, fmt.Errorf("%w: minkowski order must be positive, got %v", ErrUnsupportedMetric, order)
		}
		return minkowskiGeneric[T](order), nil
	case Hamming:
		if f, ok := any(Func[uint8](hammingBytes)).(Func[T]); ok {
			return f, nil
		}
		return nil, fmt.Errorf("%w: hamming requires uint8 data", ErrUnsupportedMetric)
	case ChiSquare:
		return chiSquareGeneric[T], nil
	case Hellinger:
		return hellingerGeneric[T], nil
	case KullbackLeibler:
		return klGeneric[T], nil
	default:
		return nil, fmt.Errorf("%w: '%s'", ErrUnsupportedMetric, metric)
	}
}

// AxisFunc accumulates the per-coordinate contribution of a metric. Tree
// indexes use it to maintain lower-bound distances to unexplored regions:
// the sum of axis contributions along crossed splitting planes never exceeds
// the true distance to any point behind them.
type AxisFunc func(a, b float64) float64

// ResolveAxis returns the per-coordinate accumulator for metric. Hamming has
// no meaningful per-coordinate form for tree traversal and is rejected; byte
// data searched by Hamming belongs in the LSH index.
func ResolveAxis(metric Metric, order float64) (AxisFunc, error) {
	switch metric {
	case SqEuclidean, "":
		return func(a, b float64) float64 { d := a - b; return d * d }, nil
	case Manhattan:
		return func(a, b float64) float64 { return math.Abs(a - b) }, nil
	case Minkowski:
		if order <= 0 {
			return nil, fmt.Errorf("%w: minkowski order must be positive, got %v", ErrUnsupportedMetric, order)
		}
		return func(a, b float64) float64 { return math.Pow(math.Abs(a-b), order) }, nil
	case ChiSquare:
		return func(a, b float64) float64 {
			if s := a + b; s > 0 {
				d := a - b
				return d * d / s
			}
			return 0
		}, nil
	case Hellinger:
		return func(a, b float64) float64 {
			d := math.Sqrt(a) - math.Sqrt(b)
			return d * d
		}, nil
	case KullbackLeibler:
		return func(a, b float64) float64 {
			if a > 0 && b > 0 {
				return a * math.Log(a/b)
			}
			return 0
		}, nil
	case Hamming:
		return nil, fmt.Errorf("%w: hamming has no per-axis form", ErrUnsupportedMetric)
	default:
		return nil, fmt.Errorf("%w: '%s'", ErrUnsupportedMetric, metric)
	}
}

// Valid reports whether metric names a known metric.
func Valid(metric Metric) bool {
	switch metric {
	case SqEuclidean, Manhattan, Minkowski, Hamming, ChiSquare, Hellinger, KullbackLeibler, "":
		return true
	}
	return false
}

// --- Reference implementations (pure Go, generic) ---

func sqEuclideanGeneric[T types.Element](a, b []T) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

func manhattanGeneric[T types.Element](a, b []T) float64 {
	var sum float64
	for i := range a {
		sum += math.Abs(float64(a[i]) - float64(b[i]))
	}
	return sum
}

func minkowskiGeneric[T types.Element](order float64) Func[T] {
	return func(a, b []T) float64 {
		var sum float64
		for i := range a {
			sum += math.Pow(math.Abs(float64(a[i])-float64(b[i])), order)
		}
		// No final root, same convention as SqEuclidean.
		return sum
	}
}

// hammingBytes counts differing bits between two byte strings.
func hammingBytes(a, b []uint8) float64 {
	var sum int
	for i := range a {
		sum += bits.OnesCount8(a[i] ^ b[i])
	}
	return float64(sum)
}

func chiSquareGeneric[T types.Element](a, b []T) float64 {
	var sum float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		if s := x + y; s > 0 {
			d := x - y
			sum += d * d / s
		}
	}
	return sum
}

func hellingerGeneric[T types.Element](a, b []T) float64 {
	var sum float64
	for i := range a {
		d := math.Sqrt(float64(a[i])) - math.Sqrt(float64(b[i]))
		sum += d * d
	}
	return sum
}

func klGeneric[T types.Element](a, b []T) float64 {
	var sum float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		if x > 0 && y > 0 {
			sum += x * math.Log(x/y)
		}
	}
	return sum
}

// --- Gonum-based implementations (float32 only) ---

// sqEuclideanGonum computes ||a-b||^2 with BLAS: one Saxpy for the difference
// into pooled scratch, one Sdot for the squared norm.
func sqEuclideanGonum(a, b []float32) float64 {
	n := len(a)

	diffPtr := diffWorkspace.Get().(*[]float32)
	defer diffWorkspace.Put(diffPtr)

	if cap(*diffPtr) < n {
		*diffPtr = make([]float32, n)
	}
	diff := (*diffPtr)[:n]

	copy(diff, a)
	gonumEngine.Saxpy(n, -1, b, 1, diff, 1)
	dot := gonumEngine.Sdot(n, diff, 1, diff, 1)

	return float64(dot)
}

