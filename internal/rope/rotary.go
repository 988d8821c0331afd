// Package rope implements rotary position embeddings in the rotate-half
// layout used by Llama-family checkpoints.
package rope

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/samcharles93/flashpatch/internal/tensor"
)

// ErrPositionOutOfRange is returned when a position id falls outside the
// cos/sin tables handed to Apply.
var ErrPositionOutOfRange = errors.New("rope: position out of range")

// Rotary produces cos/sin tables and applies them to query/key heads. Tables
// are cached and grown on demand; a Rotary is safe for concurrent use.
type Rotary struct {
	headDim    int
	invFreq    []float64
	attnFactor float64

	mu       sync.Mutex
	cached   int
	cos, sin []float32
}

// New builds a rotary embedding for headDim with the given base (rope_theta).
// maxPositions sizes the initial table; scaling may be nil.
func New(headDim int, base float64, maxPositions int, scaling *Scaling) (*Rotary, error) {
	if headDim <= 0 || headDim%2 != 0 {
		return nil, fmt.Errorf("rope: head dim must be positive and even, got %d", headDim)
	}
	if base <= 0 {
		base = 10_000
	}
	half := headDim / 2
	invFreq := make([]float64, half)
	for i := range invFreq {
		invFreq[i] = 1 / math.Pow(base, float64(2*i)/float64(headDim))
	}
	attnFactor := scaling.apply(invFreq, base)

	r := &Rotary{
		headDim:    headDim,
		invFreq:    invFreq,
		attnFactor: attnFactor,
	}
	r.grow(max(maxPositions, 0))
	return r, nil
}

// HeadDim returns the rotated dimension.
func (r *Rotary) HeadDim() int { return r.headDim }

// Tables returns cos and sin of shape (ctxLen, headDim) in the working
// precision of like.
func (r *Rotary) Tables(like *tensor.Tensor, ctxLen int) (*tensor.Tensor, *tensor.Tensor, error) {
	if ctxLen < 0 {
		return nil, nil, fmt.Errorf("rope: negative context length %d", ctxLen)
	}
	dtype := tensor.F32
	if like != nil {
		dtype = like.DType
	}

	r.mu.Lock()
	if ctxLen > r.cached {
		r.grow(ctxLen)
	}
	n := ctxLen * r.headDim
	cos := append([]float32(nil), r.cos[:n]...)
	sin := append([]float32(nil), r.sin[:n]...)
	r.mu.Unlock()

	c, err := tensor.FromData(dtype, cos, ctxLen, r.headDim)
	if err != nil {
		return nil, nil, err
	}
	s, err := tensor.FromData(dtype, sin, ctxLen, r.headDim)
	if err != nil {
		return nil, nil, err
	}
	return c, s, nil
}

// grow extends the cached tables to n positions. Caller holds mu or owns r.
func (r *Rotary) grow(n int) {
	if n <= r.cached {
		return
	}
	d := r.headDim
	half := d / 2
	cos := make([]float32, n*d)
	sin := make([]float32, n*d)
	copy(cos, r.cos)
	copy(sin, r.sin)
	for pos := r.cached; pos < n; pos++ {
		row := pos * d
		for i := 0; i < half; i++ {
			angle := float64(pos) * r.invFreq[i]
			c := float32(math.Cos(angle) * r.attnFactor)
			s := float32(math.Sin(angle) * r.attnFactor)
			cos[row+i], cos[row+half+i] = c, c
			sin[row+i], sin[row+half+i] = s, s
		}
	}
	r.cos, r.sin, r.cached = cos, sin, n
}

// Apply rotates q (B, H, Q, D) and k (B, Hkv, Q, D) by the table rows
// selected by positionIDs, which holds one row of Q ids per batch element
// or a single row shared by the whole batch.
func (r *Rotary) Apply(q, k, cos, sin *tensor.Tensor, positionIDs [][]int) (*tensor.Tensor, *tensor.Tensor, error) {
	if q.Dims() != 4 || k.Dims() != 4 {
		return nil, nil, fmt.Errorf("rope: expected 4D query/key, got %v and %v", q.Shape, k.Shape)
	}
	batch, qLen, d := q.Shape[0], q.Shape[2], q.Shape[3]
	if k.Shape[0] != batch || k.Shape[2] != qLen || k.Shape[3] != d {
		return nil, nil, fmt.Errorf("rope: key shape %v incompatible with query %v", k.Shape, q.Shape)
	}
	if cos.Dims() != 2 || cos.Shape[1] != d || !sin.ShapeIs(cos.Shape...) {
		return nil, nil, fmt.Errorf("rope: tables %v/%v do not match head dim %d", cos.Shape, sin.Shape, d)
	}
	if len(positionIDs) != 1 && len(positionIDs) != batch {
		return nil, nil, fmt.Errorf("rope: %d position rows for batch %d", len(positionIDs), batch)
	}
	for _, row := range positionIDs {
		if len(row) != qLen {
			return nil, nil, fmt.Errorf("rope: %d position ids for sequence length %d", len(row), qLen)
		}
		for _, p := range row {
			if p < 0 || p >= cos.Shape[0] {
				return nil, nil, fmt.Errorf("%w: %d not in [0, %d)", ErrPositionOutOfRange, p, cos.Shape[0])
			}
		}
	}

	qOut := rotate(q, cos, sin, positionIDs)
	kOut := rotate(k, cos, sin, positionIDs)
	return qOut, kOut, nil
}

// rotate computes x*cos + rotate_half(x)*sin for every head row.
func rotate(x, cos, sin *tensor.Tensor, positionIDs [][]int) *tensor.Tensor {
	batch, heads, seqLen, d := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	half := d / 2
	out := tensor.New(x.DType, x.Shape...)
	for b := range batch {
		ids := positionIDs[0]
		if len(positionIDs) > 1 {
			ids = positionIDs[b]
		}
		for h := range heads {
			for s := range seqLen {
				off := ((b*heads+h)*seqLen + s) * d
				src := x.Data[off : off+d]
				dst := out.Data[off : off+d]
				c := cos.Data[ids[s]*d : ids[s]*d+d]
				sn := sin.Data[ids[s]*d : ids[s]*d+d]
				for i := range half {
					x1, x2 := src[i], src[i+half]
					dst[i] = x1*c[i] - x2*sn[i]
					dst[i+half] = x2*c[i+half] + x1*sn[i+half]
				}
			}
		}
	}
	out.Round()
	return out
}

// SequentialPositions returns ids start..start+n-1 for each of batch rows.
func SequentialPositions(batch, start, n int) [][]int {
	out := make([][]int, batch)
	for b := range out {
		row := make([]int, n)
		for i := range row {
			row[i] = start + i
		}
		out[b] = row
	}
	return out
}
