package tensor

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// Tensor is a dense, contiguous, row-major float32 array with a shape and a
// working precision. Reshape returns a view sharing Data; every other
// operation in this package returns a freshly allocated tensor.
type Tensor struct {
	Shape []int
	Data  []float32
	DType DType
}

// New allocates a zero tensor of the given shape.
func New(dtype DType, shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("negative dimension for tensor")
		}
		n *= d
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, n),
		DType: dtype,
	}
}

// FromData wraps data without copying. The values are rounded to dtype.
func FromData(dtype DType, data []float32, shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, errNegativeDim
		}
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v", len(data), shape)
	}
	t := &Tensor{Shape: append([]int(nil), shape...), Data: data, DType: dtype}
	t.Round()
	return t, nil
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int { return len(t.Data) }

// Dims returns the rank.
func (t *Tensor) Dims() int { return len(t.Shape) }

// Dim returns the size of axis i. Negative axes count from the end.
func (t *Tensor) Dim(i int) int {
	return t.Shape[t.axis(i)]
}

// ShapeIs reports whether the tensor has exactly the given shape.
func (t *Tensor) ShapeIs(dims ...int) bool {
	if t == nil || len(t.Shape) != len(dims) {
		return false
	}
	for i, d := range dims {
		if t.Shape[i] != d {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
		DType: t.DType,
	}
}

// Round casts every element to the tensor's working precision in place.
func (t *Tensor) Round() {
	t.DType.Round(t.Data)
}

// To returns a copy converted to dtype.
func (t *Tensor) To(dtype DType) *Tensor {
	out := t.Clone()
	out.DType = dtype
	out.Round()
	return out
}

// Reshape returns a view with a new shape. At most one dimension may be -1.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	out := append([]int(nil), shape...)
	infer := -1
	n := 1
	for i, d := range out {
		switch {
		case d == -1:
			if infer >= 0 {
				return nil, fmt.Errorf("tensor: reshape %v has more than one -1", shape)
			}
			infer = i
		case d < 0:
			return nil, errNegativeDim
		default:
			n *= d
		}
	}
	if infer >= 0 {
		if n == 0 || len(t.Data)%n != 0 {
			return nil, fmt.Errorf("tensor: cannot reshape %v into %v", t.Shape, shape)
		}
		out[infer] = len(t.Data) / n
		n *= out[infer]
	}
	if n != len(t.Data) {
		return nil, fmt.Errorf("tensor: cannot reshape %v into %v", t.Shape, shape)
	}
	return &Tensor{Shape: out, Data: t.Data, DType: t.DType}, nil
}

// Permute returns a copy with axes reordered so that output axis i is input
// axis perm[i].
func (t *Tensor) Permute(perm ...int) *Tensor {
	n := len(t.Shape)
	if len(perm) != n {
		panic("permute rank mismatch")
	}
	seen := make([]bool, n)
	outShape := make([]int, n)
	for i, p := range perm {
		if p < 0 || p >= n || seen[p] {
			panic("invalid permutation")
		}
		seen[p] = true
		outShape[i] = t.Shape[p]
	}
	inStrides := strides(t.Shape)
	srcStrides := make([]int, n)
	for i, p := range perm {
		srcStrides[i] = inStrides[p]
	}

	out := New(t.DType, outShape...)
	idx := make([]int, n)
	src := 0
	for o := range out.Data {
		out.Data[o] = t.Data[src]
		for d := n - 1; d >= 0; d-- {
			idx[d]++
			src += srcStrides[d]
			if idx[d] < outShape[d] {
				break
			}
			src -= srcStrides[d] * outShape[d]
			idx[d] = 0
		}
	}
	return out
}

// Transpose swaps two axes.
func (t *Tensor) Transpose(a, b int) *Tensor {
	a, b = t.axis(a), t.axis(b)
	perm := make([]int, len(t.Shape))
	for i := range perm {
		perm[i] = i
	}
	perm[a], perm[b] = perm[b], perm[a]
	return t.Permute(perm...)
}

// Narrow returns a copy of length elements along axis starting at start.
func (t *Tensor) Narrow(axis, start, length int) (*Tensor, error) {
	axis = t.axis(axis)
	if start < 0 || length < 0 || start+length > t.Shape[axis] {
		return nil, fmt.Errorf("tensor: narrow [%d:%d] out of range for axis %d of %v", start, start+length, axis, t.Shape)
	}
	outer, inner := splitAt(t.Shape, axis)
	shape := append([]int(nil), t.Shape...)
	shape[axis] = length
	out := New(t.DType, shape...)
	src := t.Shape[axis] * inner
	dst := length * inner
	for o := range outer {
		copy(out.Data[o*dst:(o+1)*dst], t.Data[o*src+start*inner:o*src+(start+length)*inner])
	}
	return out, nil
}

// Cat concatenates tensors along axis. All other dimensions must agree.
func Cat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("tensor: cat of zero tensors")
	}
	first := ts[0]
	axis = first.axis(axis)
	shape := append([]int(nil), first.Shape...)
	shape[axis] = 0
	for _, t := range ts {
		if len(t.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("tensor: cat rank mismatch %v vs %v", first.Shape, t.Shape)
		}
		for i := range t.Shape {
			if i != axis && t.Shape[i] != first.Shape[i] {
				return nil, fmt.Errorf("tensor: cat shape mismatch %v vs %v on axis %d", first.Shape, t.Shape, axis)
			}
		}
		shape[axis] += t.Shape[axis]
	}

	out := New(first.DType, shape...)
	outer, inner := splitAt(shape, axis)
	off := 0
	for o := range outer {
		for _, t := range ts {
			n := t.Shape[axis] * inner
			copy(out.Data[off:off+n], t.Data[o*n:(o+1)*n])
			off += n
		}
	}
	return out, nil
}

// Stack joins equally shaped tensors along a new axis.
func Stack(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("tensor: stack of zero tensors")
	}
	if axis < 0 {
		axis += len(ts[0].Shape) + 1
	}
	if axis < 0 || axis > len(ts[0].Shape) {
		return nil, fmt.Errorf("tensor: stack axis %d out of range for %v", axis, ts[0].Shape)
	}
	views := make([]*Tensor, len(ts))
	for i, t := range ts {
		if !t.ShapeIs(ts[0].Shape...) {
			return nil, fmt.Errorf("tensor: stack shape mismatch %v vs %v", ts[0].Shape, t.Shape)
		}
		shape := make([]int, 0, len(t.Shape)+1)
		shape = append(shape, t.Shape[:axis]...)
		shape = append(shape, 1)
		shape = append(shape, t.Shape[axis:]...)
		views[i] = &Tensor{Shape: shape, Data: t.Data, DType: t.DType}
	}
	return Cat(axis, views...)
}

// Scale multiplies every element by s and rounds to the working precision.
func (t *Tensor) Scale(s float32) {
	for i := range t.Data {
		t.Data[i] *= s
	}
	t.Round()
}

// AddInPlace adds src element-wise into t. Shapes must match.
func (t *Tensor) AddInPlace(src *Tensor) error {
	if !t.ShapeIs(src.Shape...) {
		return fmt.Errorf("tensor: add shape mismatch %v vs %v", t.Shape, src.Shape)
	}
	Add(t.Data, src.Data)
	t.Round()
	return nil
}

// SoftmaxRows applies Softmax over the last axis in place. Each row is
// accumulated in float64 and the result cast back to the working precision.
func (t *Tensor) SoftmaxRows() {
	if len(t.Shape) == 0 {
		return
	}
	cols := t.Shape[len(t.Shape)-1]
	if cols == 0 {
		return
	}
	for off := 0; off < len(t.Data); off += cols {
		Softmax(t.Data[off : off+cols])
	}
	t.Round()
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s, %s)", ShapeString(t.Shape), t.DType)
}

// ShapeString formats a shape as (a, b, c).
func ShapeString(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprint(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// FillUniform fills t with reproducible values in (-scale, scale).
func FillUniform(t *Tensor, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = (rng.Float32()*2 - 1) * scale
	}
	t.Round()
}

// MaxAbsDiff returns the largest absolute element-wise difference.
func MaxAbsDiff(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var worst float64
	for i := range a {
		d := math.Abs(float64(a[i]) - float64(b[i]))
		if math.IsNaN(d) {
			return math.Inf(1)
		}
		if d > worst {
			worst = d
		}
	}
	return worst
}

func (t *Tensor) axis(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	if i < 0 || i >= len(t.Shape) {
		panic("axis out of range")
	}
	return i
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

// splitAt returns the element counts before axis and after it.
func splitAt(shape []int, axis int) (outer, inner int) {
	outer, inner = 1, 1
	for i := range axis {
		outer *= shape[i]
	}
	for i := axis + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	return outer, inner
}
