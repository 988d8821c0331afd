package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// MatMul computes a batched matrix product over the last two axes:
// (..., m, k) x (..., k, n) -> (..., m, n). Leading axes must match exactly;
// no broadcasting is performed. The result takes a's working precision.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.Dims() < 2 || a.Dims() != b.Dims() {
		return nil, fmt.Errorf("tensor: matmul rank mismatch %v x %v", a.Shape, b.Shape)
	}
	r := a.Dims()
	for i := 0; i < r-2; i++ {
		if a.Shape[i] != b.Shape[i] {
			return nil, fmt.Errorf("tensor: matmul batch mismatch %v x %v", a.Shape, b.Shape)
		}
	}
	m, k, n := a.Shape[r-2], a.Shape[r-1], b.Shape[r-1]
	if b.Shape[r-2] != k {
		return nil, fmt.Errorf("tensor: matmul inner mismatch %v x %v", a.Shape, b.Shape)
	}

	shape := append([]int(nil), a.Shape...)
	shape[r-1] = n
	out := New(a.DType, shape...)
	if m == 0 || n == 0 || k == 0 {
		return out, nil
	}
	batch := len(a.Data) / (m * k)
	for i := range batch {
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			general(m, k, a.Data[i*m*k:(i+1)*m*k]),
			general(k, n, b.Data[i*k*n:(i+1)*k*n]),
			0,
			general(m, n, out.Data[i*m*n:(i+1)*m*n]),
		)
	}
	out.Round()
	return out, nil
}

// Linear applies y = x·Wᵀ + bias over the last axis of x, where W uses the
// (out, in) layout. bias may be nil.
func Linear(x *Tensor, w *Mat, bias []float32) (*Tensor, error) {
	if x.Dims() == 0 || x.Dim(-1) != w.C {
		return nil, fmt.Errorf("tensor: linear input %v does not match weight (%d, %d)", x.Shape, w.R, w.C)
	}
	if bias != nil && len(bias) != w.R {
		return nil, fmt.Errorf("tensor: linear bias length %d does not match %d outputs", len(bias), w.R)
	}
	shape := append([]int(nil), x.Shape...)
	shape[len(shape)-1] = w.R
	out := New(x.DType, shape...)
	rows := 0
	if w.C > 0 {
		rows = len(x.Data) / w.C
	}
	if rows > 0 && w.R > 0 && w.C > 0 {
		blas32.Gemm(blas.NoTrans, blas.Trans, 1,
			general(rows, w.C, x.Data),
			blas32.General{Rows: w.R, Cols: w.C, Stride: w.Stride, Data: w.Data},
			0,
			general(rows, w.R, out.Data),
		)
	}
	if bias != nil {
		for off := 0; off < len(out.Data); off += w.R {
			Add(out.Data[off:off+w.R], bias)
		}
	}
	out.Round()
	return out, nil
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}
