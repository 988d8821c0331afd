package flash

import (
	"fmt"

	"github.com/samcharles93/flashpatch/internal/tensor"
)

// Unpadded is a batch compacted to its valid tokens.
type Unpadded struct {
	// Data has shape (nnz, rest...).
	Data *tensor.Tensor
	// Indices maps each packed row to its flattened b*seqlen+s position.
	Indices []int
	// CuSeqlens holds batch+1 cumulative valid lengths.
	CuSeqlens []int32
	// MaxSeqlen is the longest valid length in the batch.
	MaxSeqlen int
}

// Unpad removes padded positions from x of shape (batch, seqlen, rest...).
// mask has shape (batch, seqlen); nonzero entries are valid tokens.
func Unpad(x, mask *tensor.Tensor) (*Unpadded, error) {
	if x == nil || x.Dims() < 2 {
		return nil, fmt.Errorf("%w: unpad needs at least (batch, seqlen)", ErrInvalidInput)
	}
	batch, seqlen := x.Shape[0], x.Shape[1]
	if !mask.ShapeIs(batch, seqlen) {
		var got []int
		if mask != nil {
			got = mask.Shape
		}
		return nil, fmt.Errorf("%w: mask shape %v, want (%d, %d)", ErrInvalidInput, got, batch, seqlen)
	}
	row := 1
	for _, d := range x.Shape[2:] {
		row *= d
	}

	cu := make([]int32, batch+1)
	indices := make([]int, 0, batch*seqlen)
	maxLen := 0
	for b := range batch {
		n := 0
		for s := range seqlen {
			if mask.Data[b*seqlen+s] != 0 {
				indices = append(indices, b*seqlen+s)
				n++
			}
		}
		cu[b+1] = cu[b] + int32(n)
		maxLen = max(maxLen, n)
	}

	shape := append([]int{len(indices)}, x.Shape[2:]...)
	data := tensor.New(x.DType, shape...)
	for i, idx := range indices {
		copy(data.Data[i*row:(i+1)*row], x.Data[idx*row:(idx+1)*row])
	}
	return &Unpadded{Data: data, Indices: indices, CuSeqlens: cu, MaxSeqlen: maxLen}, nil
}

// Pad scatters packed rows back into a zero (batch, seqlen, rest...) tensor.
func Pad(packed *tensor.Tensor, indices []int, batch, seqlen int) (*tensor.Tensor, error) {
	if packed == nil || packed.Dims() < 1 {
		return nil, fmt.Errorf("%w: pad needs a packed tensor", ErrInvalidInput)
	}
	shape := append([]int{batch, seqlen}, packed.Shape[1:]...)
	out := tensor.New(packed.DType, shape...)
	if err := PadInto(out, packed, indices); err != nil {
		return nil, err
	}
	return out, nil
}

// PadInto scatters packed rows into dst at indices. Rows of dst not named by
// indices are left as they are.
func PadInto(dst, packed *tensor.Tensor, indices []int) error {
	if dst.Dims() < 2 || packed.Dims() != dst.Dims()-1 {
		return fmt.Errorf("%w: cannot pad %v into %v", ErrInvalidInput, packed.Shape, dst.Shape)
	}
	for i := 1; i < packed.Dims(); i++ {
		if packed.Shape[i] != dst.Shape[i+1] {
			return fmt.Errorf("%w: cannot pad %v into %v", ErrInvalidInput, packed.Shape, dst.Shape)
		}
	}
	if len(indices) != packed.Shape[0] {
		return fmt.Errorf("%w: %d indices for %d packed rows", ErrInvalidInput, len(indices), packed.Shape[0])
	}
	row := 1
	for _, d := range packed.Shape[1:] {
		row *= d
	}
	limit := dst.Shape[0] * dst.Shape[1]
	for i, idx := range indices {
		if idx < 0 || idx >= limit {
			return fmt.Errorf("%w: index %d out of range [0, %d)", ErrInvalidInput, idx, limit)
		}
		copy(dst.Data[idx*row:(idx+1)*row], packed.Data[i*row:(i+1)*row])
	}
	return nil
}

// DenseSeqlens returns cumulative boundaries for batch sequences of uniform
// length seqlen.
func DenseSeqlens(batch, seqlen int) []int32 {
	cu := make([]int32, batch+1)
	for b := range batch {
		cu[b+1] = cu[b] + int32(seqlen)
	}
	return cu
}

// Padding exposes Unpad and Pad as methods so callers can inject it.
type Padding struct{}

func (Padding) Unpad(x, mask *tensor.Tensor) (*Unpadded, error) { return Unpad(x, mask) }

func (Padding) Pad(packed *tensor.Tensor, indices []int, batch, seqlen int) (*tensor.Tensor, error) {
	return Pad(packed, indices, batch, seqlen)
}
