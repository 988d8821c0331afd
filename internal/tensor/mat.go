package tensor

import (
	"fmt"
	"math/rand"
)

// Mat represents a dense row‑major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively.  Stride is the
// number of elements between the starts of two consecutive rows (for row‑major
// matrices this is equal to C).  Data holds the flattened matrix values.
//
// Projection weights use the (out, in) layout of a linear layer: y = x·Wᵀ.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a new matrix with the given number of rows and columns.
// The underlying slice is zero initialised.  The stride is set to the
// number of columns.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, errNegativeDim
	}
	if r*c != len(data) {
		return Mat{}, errRawSizeMismatch
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}, nil
}

// Row returns a view of the i‑th row of the matrix as a slice.  The slice
// has length equal to the number of columns.  Modifications to the returned
// slice update the underlying matrix values.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// ColumnShards splits the matrix into n equally wide column blocks, the
// layout a tensor-parallel linear layer keeps per rank. Each shard is a
// compact copy.
func (m *Mat) ColumnShards(n int) ([]Mat, error) {
	if n < 1 || m.C%n != 0 {
		return nil, fmt.Errorf("tensor: cannot split %d columns into %d shards", m.C, n)
	}
	width := m.C / n
	shards := make([]Mat, n)
	for s := range shards {
		shard := NewMat(m.R, width)
		for i := 0; i < m.R; i++ {
			copy(shard.Row(i), m.Row(i)[s*width:(s+1)*width])
		}
		shards[s] = shard
	}
	return shards, nil
}

// FillRand fills the matrix with reproducible pseudo‑random values in
// (-scale, scale).  The seed controls the random sequence; multiple calls
// with the same seed produce identical matrices.
func FillRand(m *Mat, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32()*2 - 1) * scale
	}
}

var (
	errNegativeDim     = fmtError("negative dimension for matrix")
	errRawSizeMismatch = fmtError("raw data length mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
