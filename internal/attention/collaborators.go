package attention

import (
	"fmt"

	"github.com/samcharles93/flashpatch/internal/flash"
	"github.com/samcharles93/flashpatch/internal/tensor"
)

// RotaryEmbedder returns cos/sin tables for ctxLen positions in the working
// precision of like.
type RotaryEmbedder interface {
	Tables(like *tensor.Tensor, ctxLen int) (cos, sin *tensor.Tensor, err error)
}

// PositionEncoder rotates query and key heads by the selected table rows.
type PositionEncoder interface {
	Apply(q, k, cos, sin *tensor.Tensor, positionIDs [][]int) (*tensor.Tensor, *tensor.Tensor, error)
}

// HeadRepeater broadcasts (B, kvHeads, S, D) to (B, kvHeads*groups, S, D).
type HeadRepeater interface {
	Repeat(x *tensor.Tensor, groups int) (*tensor.Tensor, error)
}

// HeadRepeaterFunc adapts a function to HeadRepeater.
type HeadRepeaterFunc func(x *tensor.Tensor, groups int) (*tensor.Tensor, error)

func (f HeadRepeaterFunc) Repeat(x *tensor.Tensor, groups int) (*tensor.Tensor, error) {
	return f(x, groups)
}

// FusedKernel computes causal attention over packed variable-length QKV.
type FusedKernel interface {
	VarlenQKVPacked(qkv *tensor.Tensor, cuSeqlens []int32, maxSeqlen int, opts flash.Options) (*tensor.Tensor, error)
}

// Padder compacts padded batches for the fused kernel and scatters results
// back.
type Padder interface {
	Unpad(x, mask *tensor.Tensor) (*flash.Unpadded, error)
	Pad(packed *tensor.Tensor, indices []int, batch, seqlen int) (*tensor.Tensor, error)
}

// RepeatKV repeats each key/value head groups times contiguously, so output
// head h reads input head h/groups. groups == 1 returns x unchanged.
func RepeatKV(x *tensor.Tensor, groups int) (*tensor.Tensor, error) {
	if groups < 1 {
		return nil, fmt.Errorf("attention: repeat groups must be positive, got %d", groups)
	}
	if x.Dims() != 4 {
		return nil, fmt.Errorf("attention: repeat expects (batch, heads, seq, dim), got %v", x.Shape)
	}
	if groups == 1 {
		return x, nil
	}
	batch, kvHeads, seqLen, d := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	block := seqLen * d
	out := tensor.New(x.DType, batch, kvHeads*groups, seqLen, d)
	for b := range batch {
		for h := range kvHeads * groups {
			src := (b*kvHeads + h/groups) * block
			dst := (b*kvHeads*groups + h) * block
			copy(out.Data[dst:dst+block], x.Data[src:src+block])
		}
	}
	return out, nil
}
