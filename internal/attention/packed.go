package attention

import (
	"fmt"

	"github.com/samcharles93/flashpatch/internal/flash"
	"github.com/samcharles93/flashpatch/internal/tensor"
)

// packed runs the kernel on fresh sequences. q, k and v are stacked into
// (B, Q, 3, H, D); without a padding mask the batch is flattened with uniform
// boundaries, otherwise padded tokens are removed before the kernel and the
// result scattered back. The output projection is applied unsplit.
func (f *Fused) packed(a *Attention, p *projected, padding *tensor.Tensor) (*tensor.Tensor, error) {
	cfg := a.cfg
	stacked, err := tensor.Stack(2, p.q, p.k, p.v)
	if err != nil {
		return nil, err
	}
	qkv := stacked.Permute(0, 3, 2, 1, 4)
	opts := flash.Options{Causal: true}

	var out *tensor.Tensor
	if padding == nil {
		dense, err := qkv.Reshape(-1, 3, cfg.Heads, cfg.HeadDim)
		if err != nil {
			return nil, err
		}
		o, err := f.kernel.VarlenQKVPacked(dense, flash.DenseSeqlens(p.batch, p.qLen), p.qLen, opts)
		if err != nil {
			return nil, fmt.Errorf("fused attention: %w", err)
		}
		if out, err = o.Reshape(p.batch, p.qLen, cfg.Hidden); err != nil {
			return nil, err
		}
	} else {
		if err := checkShape("key padding mask", padding, p.batch, p.qLen); err != nil {
			return nil, err
		}
		flat, err := qkv.Reshape(p.batch, p.qLen, -1)
		if err != nil {
			return nil, err
		}
		u, err := f.padder.Unpad(flat, padding)
		if err != nil {
			return nil, err
		}
		packedQKV, err := u.Data.Reshape(-1, 3, cfg.Heads, cfg.HeadDim)
		if err != nil {
			return nil, err
		}
		o, err := f.kernel.VarlenQKVPacked(packedQKV, u.CuSeqlens, u.MaxSeqlen, opts)
		if err != nil {
			return nil, fmt.Errorf("fused attention: %w", err)
		}
		if o, err = o.Reshape(-1, cfg.Hidden); err != nil {
			return nil, err
		}
		if out, err = f.padder.Pad(o, u.Indices, p.batch, p.qLen); err != nil {
			return nil, err
		}
	}
	return a.outputProjection(out, false)
}
