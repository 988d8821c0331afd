package attention

import "github.com/samcharles93/flashpatch/internal/tensor"

// Ops is the dense linear-algebra engine the explicit path runs on.
type Ops interface {
	Linear(x *tensor.Tensor, w *tensor.Mat, bias []float32) (*tensor.Tensor, error)
	MatMul(a, b *tensor.Tensor) (*tensor.Tensor, error)
	// Softmax normalizes the last axis in place with a float64 accumulator
	// and casts back to the tensor's working precision.
	Softmax(x *tensor.Tensor)
}

type defaultOps struct{}

func (defaultOps) Linear(x *tensor.Tensor, w *tensor.Mat, bias []float32) (*tensor.Tensor, error) {
	return tensor.Linear(x, w, bias)
}

func (defaultOps) MatMul(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.MatMul(a, b)
}

func (defaultOps) Softmax(x *tensor.Tensor) {
	x.SoftmaxRows()
}

func ensureOps(current Ops) Ops {
	if current == nil {
		return defaultOps{}
	}
	return current
}
