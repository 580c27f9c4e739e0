// Package params defines the flat configuration record shared by every build
// and search call. Each build carries its own immutable copy; there is no
// process-wide parameter state.
//
// Symbolic values (algorithm, centers_init, log_level) have stable integer
// codes kept for compatibility with saved indexes and foreign bindings.
package params

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quiverdb/quiver/pkg/core/distance"
)

// Algorithm selects the index structure to build.
type Algorithm string

const (
	Linear       Algorithm = "linear"
	KDTree       Algorithm = "kdtree"
	KMeans       Algorithm = "kmeans"
	Composite    Algorithm = "composite"
	KDTreeSingle Algorithm = "kdtree_single"
	LSH          Algorithm = "lsh"
	// Saved is the algorithm code recorded in persisted index files. It is
	// not buildable: load a saved index through the engine instead.
	Saved Algorithm = "saved"
	// Autotuned delegates algorithm and parameter selection to the autotuner.
	Autotuned Algorithm = "autotuned"
)

// CentersInit selects how the k-means tree picks initial cluster centers.
type CentersInit string

const (
	CentersRandom   CentersInit = "random"
	CentersGonzalez CentersInit = "gonzalez"
	CentersKMeansPP CentersInit = "kmeanspp"
)

// LogLevel controls engine diagnostics.
type LogLevel string

const (
	LogNone    LogLevel = "none"
	LogFatal   LogLevel = "fatal"
	LogError   LogLevel = "error"
	LogWarning LogLevel = "warning"
	LogInfo    LogLevel = "info"
)

// Sentinel values for the Checks field.
const (
	// ChecksUnlimited searches exhaustively: approximate structures become
	// exact at the cost of visiting every leaf.
	ChecksUnlimited = -1
	// ChecksAutotuned uses the check count chosen by the autotuner.
	ChecksAutotuned = 0
)

// ErrInvalidParam is the configuration-error kind: unknown enum values,
// out-of-range fields. These fail synchronously and are caller-correctable.
var ErrInvalidParam = errors.New("invalid parameter")

// Parameters is the full build-time and search-time option record.
type Parameters struct {
	Algorithm Algorithm `yaml:"algorithm"`

	// Search-time options.
	Checks       int     `yaml:"checks"`        // leaf-visit budget; -1 unlimited
	Eps          float32 `yaml:"eps"`           // prune-bound relaxation factor
	Sorted       bool    `yaml:"sorted"`        // order results by ascending distance
	MaxNeighbors int     `yaml:"max_neighbors"` // cap on k; negative means no cap
	Cores        int     `yaml:"cores"`         // 0 auto-detect, 1 single-threaded

	// KD-tree options.
	Trees       int `yaml:"trees"`
	LeafMaxSize int `yaml:"leaf_max_size"`

	// K-means tree options.
	Branching   int         `yaml:"branching"`
	Iterations  int         `yaml:"iterations"`
	CentersInit CentersInit `yaml:"centers_init"`
	CBIndex     float32     `yaml:"cb_index"` // cluster-boundary weighting

	// Autotuner options.
	TargetPrecision float32 `yaml:"target_precision"`
	BuildWeight     float32 `yaml:"build_weight"`
	MemoryWeight    float32 `yaml:"memory_weight"`
	SampleFraction  float32 `yaml:"sample_fraction"`

	// LSH options.
	TableNumber     uint `yaml:"table_number"`
	KeySize         uint `yaml:"key_size"`
	MultiProbeLevel uint `yaml:"multi_probe_level"`

	LogLevel   LogLevel `yaml:"log_level"`
	RandomSeed int64    `yaml:"random_seed"` // negative means time-derived

	// Metric is threaded explicitly through build and search instead of the
	// original's process-wide distance setting. Changing it between build
	// and search of the same index is rejected by the engine.
	Metric distance.Metric `yaml:"metric"`
	// MinkowskiOrder is only consulted when Metric is minkowski.
	MinkowskiOrder float64 `yaml:"minkowski_order"`
}

// Default returns the parameter record with the historical default values.
func Default() Parameters {
	return Parameters{
		Algorithm:       KDTree,
		Checks:          32,
		Eps:             0.0,
		Sorted:          true,
		MaxNeighbors:    -1,
		Cores:           0,
		Trees:           1,
		LeafMaxSize:     4,
		Branching:       32,
		Iterations:      5,
		CentersInit:     CentersRandom,
		CBIndex:         0.5,
		TargetPrecision: 0.9,
		BuildWeight:     0.01,
		MemoryWeight:    0.0,
		SampleFraction:  0.1,
		TableNumber:     12,
		KeySize:         20,
		MultiProbeLevel: 2,
		LogLevel:        LogWarning,
		RandomSeed:      -1,
		Metric:          distance.SqEuclidean,
		MinkowskiOrder:  2,
	}
}

// LoadFile reads a YAML parameter file over the defaults, so partial files
// only override the fields they mention.
func LoadFile(path string) (Parameters, error) {
	p := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("failed to read parameter file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Validate checks every enum and range. It is called at the engine boundary
// before any index internals run.
func (p *Parameters) Validate() error {
	if _, err := AlgorithmCode(p.Algorithm); err != nil {
		return err
	}
	if _, err := CentersInitCode(p.CentersInit); err != nil {
		return err
	}
	if _, err := LogLevelCode(p.LogLevel); err != nil {
		return err
	}
	if !distance.Valid(p.Metric) {
		return fmt.Errorf("%w: unknown metric '%s'", ErrInvalidParam, p.Metric)
	}
	if p.Checks < ChecksUnlimited {
		return fmt.Errorf("%w: checks must be >= -1, got %d", ErrInvalidParam, p.Checks)
	}
	if p.Eps < 0 {
		return fmt.Errorf("%w: eps must be non-negative, got %v", ErrInvalidParam, p.Eps)
	}
	if p.Cores < 0 {
		return fmt.Errorf("%w: cores must be non-negative, got %d", ErrInvalidParam, p.Cores)
	}
	if p.Trees < 1 {
		return fmt.Errorf("%w: trees must be at least 1, got %d", ErrInvalidParam, p.Trees)
	}
	if p.LeafMaxSize < 1 {
		return fmt.Errorf("%w: leaf_max_size must be at least 1, got %d", ErrInvalidParam, p.LeafMaxSize)
	}
	if p.Branching < 2 {
		return fmt.Errorf("%w: branching must be at least 2, got %d", ErrInvalidParam, p.Branching)
	}
	if p.TargetPrecision < 0 || p.TargetPrecision > 1 {
		return fmt.Errorf("%w: target_precision must be in [0,1], got %v", ErrInvalidParam, p.TargetPrecision)
	}
	if p.SampleFraction <= 0 || p.SampleFraction > 1 {
		return fmt.Errorf("%w: sample_fraction must be in (0,1], got %v", ErrInvalidParam, p.SampleFraction)
	}
	if p.Algorithm == LSH {
		if p.TableNumber < 1 {
			return fmt.Errorf("%w: table_number must be at least 1, got %d", ErrInvalidParam, p.TableNumber)
		}
		if p.KeySize < 1 || p.KeySize > 64 {
			return fmt.Errorf("%w: key_size must be in [1,64], got %d", ErrInvalidParam, p.KeySize)
		}
	}
	return nil
}

// SlogLevel maps the parameter log level onto slog. Fatal has no slog
// equivalent and maps to Error; None disables by mapping above Error.
func (p *Parameters) SlogLevel() slog.Level {
	switch p.LogLevel {
	case LogInfo:
		return slog.LevelInfo
	case LogWarning:
		return slog.LevelWarn
	case LogError, LogFatal:
		return slog.LevelError
	default: // LogNone or unset
		return slog.LevelError + 4
	}
}

// --- Symbolic <-> integer translation tables ---

var algorithmCodes = map[Algorithm]int{
	Linear:       0,
	KDTree:       1,
	KMeans:       2,
	Composite:    3,
	KDTreeSingle: 4,
	LSH:          6,
	Saved:        254,
	Autotuned:    255,
}

var centersInitCodes = map[CentersInit]int{
	CentersRandom:   0,
	CentersGonzalez: 1,
	CentersKMeansPP: 2,
}

var logLevelCodes = map[LogLevel]int{
	LogNone:    0,
	LogFatal:   1,
	LogError:   2,
	LogWarning: 3,
	LogInfo:    4,
}

// AlgorithmCode returns the stable integer code for a. "" maps to KDTree,
// the historical default.
func AlgorithmCode(a Algorithm) (int, error) {
	if a == "" {
		a = KDTree
	}
	code, ok := algorithmCodes[a]
	if !ok {
		return 0, fmt.Errorf("%w: unknown algorithm '%s'", ErrInvalidParam, a)
	}
	return code, nil
}

// AlgorithmFromCode is the reverse translation, used when decoding persisted
// index headers.
func AlgorithmFromCode(code int) (Algorithm, error) {
	for a, c := range algorithmCodes {
		if c == code {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: unknown algorithm code %d", ErrInvalidParam, code)
}

// CentersInitCode returns the stable integer code for ci. "" maps to random.
func CentersInitCode(ci CentersInit) (int, error) {
	if ci == "" {
		ci = CentersRandom
	}
	code, ok := centersInitCodes[ci]
	if !ok {
		return 0, fmt.Errorf("%w: unknown centers_init '%s'", ErrInvalidParam, ci)
	}
	return code, nil
}

// LogLevelCode returns the stable integer code for l. "" maps to warning.
func LogLevelCode(l LogLevel) (int, error) {
	if l == "" {
		l = LogWarning
	}
	code, ok := logLevelCodes[l]
	if !ok {
		return 0, fmt.Errorf("%w: unknown log_level '%s'", ErrInvalidParam, l)
	}
	return code, nil
}
