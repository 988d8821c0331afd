package attention

import (
	"fmt"
	"math"

	"github.com/samcharles93/flashpatch/internal/tensor"
)

// explicit computes softmax(q·kᵀ/sqrt(d) + mask)·v with the full weight
// matrix materialized, then the output projection (sharded when
// TensorParallel > 1). mask must be (B, 1, Q, KV) when present.
func (a *Attention) explicit(p *projected, mask *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	cfg := a.cfg
	scores, err := a.ops.MatMul(p.q, p.k.Transpose(2, 3))
	if err != nil {
		return nil, nil, fmt.Errorf("attention scores: %w", err)
	}
	if err := checkShape("attention weights", scores, p.batch, cfg.Heads, p.qLen, p.kvLen); err != nil {
		return nil, nil, err
	}
	div := float32(math.Sqrt(float64(cfg.HeadDim)))
	for i := range scores.Data {
		scores.Data[i] /= div
	}
	scores.Round()

	if mask != nil {
		if err := checkShape("attention mask", mask, p.batch, 1, p.qLen, p.kvLen); err != nil {
			return nil, nil, err
		}
		addHeadBroadcast(scores, mask)
	}

	a.ops.Softmax(scores)

	out, err := a.ops.MatMul(scores, p.v)
	if err != nil {
		return nil, nil, fmt.Errorf("attention output: %w", err)
	}
	if err := checkShape("attn_output", out, p.batch, cfg.Heads, p.qLen, cfg.HeadDim); err != nil {
		return nil, nil, err
	}
	merged, err := out.Transpose(1, 2).Reshape(p.batch, p.qLen, cfg.Hidden)
	if err != nil {
		return nil, nil, err
	}
	hidden, err := a.outputProjection(merged, true)
	if err != nil {
		return nil, nil, err
	}
	return hidden, scores, nil
}

// addHeadBroadcast adds mask (B, 1, Q, KV) to every head of scores
// (B, H, Q, KV) and rounds.
func addHeadBroadcast(scores, mask *tensor.Tensor) {
	batch, heads := scores.Shape[0], scores.Shape[1]
	plane := scores.Shape[2] * scores.Shape[3]
	for b := range batch {
		m := mask.Data[b*plane : (b+1)*plane]
		for h := range heads {
			off := (b*heads + h) * plane
			tensor.Add(scores.Data[off:off+plane], m)
		}
	}
	scores.Round()
}
