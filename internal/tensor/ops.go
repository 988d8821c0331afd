package tensor

import (
	"fmt"
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// RMSNorm performs Root Mean Square Normalization.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	mean := sum / float32(len(src))
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// RMSNormRows normalizes every row of the last axis of t into a new tensor.
func RMSNormRows(t *Tensor, weight []float32, eps float32) (*Tensor, error) {
	cols := t.Dim(-1)
	if len(weight) != cols {
		return nil, fmt.Errorf("tensor: rmsnorm weight length %d does not match %d", len(weight), cols)
	}
	out := New(t.DType, t.Shape...)
	for off := 0; off < len(t.Data); off += cols {
		RMSNorm(out.Data[off:off+cols], t.Data[off:off+cols], weight, eps)
	}
	out.Round()
	return out, nil
}

// Softmax applies the softmax function to x.
// Exponentials and their sum are accumulated in float64.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	if math.IsInf(float64(maxv), -1) {
		for i := range x {
			x[i] = 0
		}
		return
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i]) - float64(maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := 1.0 / sum
	for i := range x {
		x[i] = float32(float64(x[i]) * inv)
	}
}
