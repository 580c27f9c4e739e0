package dataset

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/x448/float16"
)

func TestFromRowsAndViews(t *testing.T) {
	m, err := FromRows([][]float32{{1, 2}, {3, 4}, {5, 6}})
	if err != nil {
		t.Fatal(err)
	}
	if m.Rows() != 3 || m.Cols() != 2 {
		t.Fatalf("shape = %dx%d, want 3x2", m.Rows(), m.Cols())
	}
	// Row returns a view: mutating it mutates the matrix.
	m.Row(1)[0] = 42
	if m.Row(1)[0] != 42 {
		t.Error("row view did not alias backing array")
	}
}

func TestFromRowsRaggedRejected(t *testing.T) {
	_, err := FromRows([][]float32{{1, 2}, {3}})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestFromSliceLengthChecked(t *testing.T) {
	_, err := FromSlice([]int32{1, 2, 3}, 2, 2)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestAppendGrowsRows(t *testing.T) {
	m, _ := FromRows([][]uint8{{1, 2, 3}})
	id, err := m.AppendRow([]uint8{4, 5, 6})
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 || m.Rows() != 2 {
		t.Errorf("AppendRow id=%d rows=%d, want 1 and 2", id, m.Rows())
	}
	if _, err := m.AppendRow([]uint8{1}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}

	other, _ := FromRows([][]uint8{{7, 8, 9}, {10, 11, 12}})
	first, err := m.AppendAll(other)
	if err != nil {
		t.Fatal(err)
	}
	if first != 2 || m.Rows() != 4 {
		t.Errorf("AppendAll first=%d rows=%d, want 2 and 4", first, m.Rows())
	}
	if m.Row(3)[2] != 12 {
		t.Errorf("appended data mismatch: %v", m.Row(3))
	}
}

func TestSampleDistinctRows(t *testing.T) {
	rows := make([][]float64, 50)
	for i := range rows {
		rows[i] = []float64{float64(i)}
	}
	m, _ := FromRows(rows)
	s := m.Sample(10, rand.New(rand.NewSource(1)))
	if s.Rows() != 10 {
		t.Fatalf("sample rows = %d, want 10", s.Rows())
	}
	seen := make(map[float64]bool)
	for i := 0; i < s.Rows(); i++ {
		v := s.Row(i)[0]
		if seen[v] {
			t.Fatalf("duplicate row %v in sample", v)
		}
		seen[v] = true
	}
}

func TestSplit(t *testing.T) {
	m, _ := FromRows([][]float32{{1}, {2}, {3}, {4}})
	head, tail, err := m.Split(1)
	if err != nil {
		t.Fatal(err)
	}
	if head.Rows() != 1 || tail.Rows() != 3 {
		t.Errorf("split = %d/%d, want 1/3", head.Rows(), tail.Rows())
	}
	// Copies, not views.
	head.Row(0)[0] = 99
	if m.Row(0)[0] == 99 {
		t.Error("Split returned aliasing matrices")
	}
}

func TestFromFloat16Widens(t *testing.T) {
	bits := []uint16{
		float16.Fromfloat32(1.5).Bits(),
		float16.Fromfloat32(-0.25).Bits(),
	}
	m, err := FromFloat16(bits, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if m.Row(0)[0] != 1.5 || m.Row(0)[1] != -0.25 {
		t.Errorf("widened row = %v", m.Row(0))
	}
}

func TestTypeOf(t *testing.T) {
	if TypeOf[float32]() != Float32 || TypeOf[float64]() != Float64 ||
		TypeOf[uint8]() != Uint8 || TypeOf[int32]() != Int32 {
		t.Error("TypeOf returned wrong tags")
	}
}

func TestUsedMemory(t *testing.T) {
	m, _ := FromRows([][]float64{{1, 2}, {3, 4}})
	if m.UsedMemory() < 4*8 {
		t.Errorf("UsedMemory = %d, want at least 32", m.UsedMemory())
	}
}
