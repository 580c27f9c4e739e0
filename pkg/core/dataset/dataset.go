// Package dataset implements the row-major point matrix every index is built
// over. A matrix has a fixed column count (the dimensionality) and a row
// count that may grow through incremental insertion. Rows are exposed as
// slice views into the backing array, so callers that mutate a row mutate
// the dataset.
package dataset

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/x448/float16"

	"github.com/quiverdb/quiver/pkg/core/types"
)

// ElementType names one of the supported element types. It is recorded in
// persisted index files so a load against the wrong dataset type fails early.
type ElementType string

const (
	Float32 ElementType = "float32"
	Float64 ElementType = "float64"
	Uint8   ElementType = "uint8"
	Int32   ElementType = "int32"
)

var (
	// ErrDimensionMismatch is returned when a row's length disagrees with
	// the matrix column count.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrEmpty is returned when a matrix with zero rows or columns is
	// supplied where points are required.
	ErrEmpty = errors.New("empty dataset")
)

// Matrix is an N x D row-major collection of points of element type T.
type Matrix[T types.Element] struct {
	data []T
	rows int
	cols int
}

// New returns an empty matrix with the given dimensionality.
func New[T types.Element](cols int) (*Matrix[T], error) {
	if cols <= 0 {
		return nil, fmt.Errorf("%w: cols must be positive, got %d", ErrEmpty, cols)
	}
	return &Matrix[T]{cols: cols}, nil
}

// FromSlice wraps an existing row-major slice without copying. The slice
// length must be exactly rows*cols.
func FromSlice[T types.Element](data []T, rows, cols int) (*Matrix[T], error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrEmpty, rows, cols)
	}
	if len(data) != rows*cols {
		return nil, fmt.Errorf("%w: have %d elements, want %d", ErrDimensionMismatch, len(data), rows*cols)
	}
	return &Matrix[T]{data: data, rows: rows, cols: cols}, nil
}

// FromRows copies a slice of rows into a new matrix. All rows must share the
// same length.
func FromRows[T types.Element](rows [][]T) (*Matrix[T], error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, ErrEmpty
	}
	cols := len(rows[0])
	m := &Matrix[T]{data: make([]T, 0, len(rows)*cols), cols: cols}
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrDimensionMismatch, i, len(r), cols)
		}
		m.data = append(m.data, r...)
	}
	m.rows = len(rows)
	return m, nil
}

// FromFloat16 widens raw half-precision bits into a float32 matrix. Half
// precision is an ingestion format only; the engine indexes the widened data.
func FromFloat16(bits []uint16, rows, cols int) (*Matrix[float32], error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrEmpty, rows, cols)
	}
	if len(bits) != rows*cols {
		return nil, fmt.Errorf("%w: have %d elements, want %d", ErrDimensionMismatch, len(bits), rows*cols)
	}
	data := make([]float32, len(bits))
	for i, b := range bits {
		data[i] = float16.Frombits(b).Float32()
	}
	return &Matrix[float32]{data: data, rows: rows, cols: cols}, nil
}

// Rows returns the current row count.
func (m *Matrix[T]) Rows() int { return m.rows }

// Cols returns the dimensionality.
func (m *Matrix[T]) Cols() int { return m.cols }

// Row returns a view of row i. The view aliases the backing array.
func (m *Matrix[T]) Row(i int) []T {
	return m.data[i*m.cols : (i+1)*m.cols : (i+1)*m.cols]
}

// AppendRow appends one point and returns its row id.
func (m *Matrix[T]) AppendRow(row []T) (int, error) {
	if len(row) != m.cols {
		return 0, fmt.Errorf("%w: row has %d columns, want %d", ErrDimensionMismatch, len(row), m.cols)
	}
	m.data = append(m.data, row...)
	m.rows++
	return m.rows - 1, nil
}

// AppendAll appends every row of other and returns the row id of the first
// appended point.
func (m *Matrix[T]) AppendAll(other *Matrix[T]) (int, error) {
	if other.cols != m.cols {
		return 0, fmt.Errorf("%w: appending %d-column rows to a %d-column matrix", ErrDimensionMismatch, other.cols, m.cols)
	}
	first := m.rows
	m.data = append(m.data, other.data...)
	m.rows += other.rows
	return first, nil
}

// Sample returns a copy of n distinct random rows, keeping their order of
// selection. n is clamped to the row count.
func (m *Matrix[T]) Sample(n int, rng *rand.Rand) *Matrix[T] {
	if n > m.rows {
		n = m.rows
	}
	perm := rng.Perm(m.rows)[:n]
	out := &Matrix[T]{data: make([]T, 0, n*m.cols), rows: n, cols: m.cols}
	for _, r := range perm {
		out.data = append(out.data, m.Row(r)...)
	}
	return out
}

// Split partitions the matrix into two copied matrices of n and rows-n rows.
// Used by the autotuner to hold out test queries.
func (m *Matrix[T]) Split(n int) (*Matrix[T], *Matrix[T], error) {
	if n <= 0 || n >= m.rows {
		return nil, nil, fmt.Errorf("%w: cannot split %d rows at %d", ErrEmpty, m.rows, n)
	}
	head := &Matrix[T]{data: append([]T(nil), m.data[:n*m.cols]...), rows: n, cols: m.cols}
	tail := &Matrix[T]{data: append([]T(nil), m.data[n*m.cols:]...), rows: m.rows - n, cols: m.cols}
	return head, tail, nil
}

// UsedMemory returns the bytes held by the backing array.
func (m *Matrix[T]) UsedMemory() int {
	var zero T
	return cap(m.data) * int(elemSize(zero))
}

func elemSize[T types.Element](zero T) uintptr {
	switch any(zero).(type) {
	case float64:
		return 8
	case uint8:
		return 1
	default: // float32, int32
		return 4
	}
}

// TypeOf returns the ElementType tag for T.
func TypeOf[T types.Element]() ElementType {
	var zero T
	switch any(zero).(type) {
	case float32:
		return Float32
	case float64:
		return Float64
	case uint8:
		return Uint8
	case int32:
		return Int32
	}
	// The Element constraint makes this unreachable.
	return ""
}
