// Package attention implements the self-attention forward pass of a
// Llama-style decoder layer with a pluggable implementation strategy: an
// explicit softmax path and a fused varlen kernel path.
package attention

import (
	"fmt"

	"github.com/samcharles93/flashpatch/internal/logger"
	"github.com/samcharles93/flashpatch/internal/rope"
	"github.com/samcharles93/flashpatch/internal/tensor"
)

// KVState is the incremental decoding state for one layer: keys and values
// of shape (batch, kvHeads, seq, headDim). It is never mutated.
type KVState struct {
	Keys   *tensor.Tensor
	Values *tensor.Tensor
}

// SeqLen returns the number of cached positions.
func (s *KVState) SeqLen() int {
	if s == nil || s.Keys == nil || s.Keys.Dims() != 4 {
		return 0
	}
	return s.Keys.Shape[2]
}

// Input is one forward call.
type Input struct {
	// Hidden has shape (batch, seq, hidden).
	Hidden *tensor.Tensor
	// Mask is a (batch, seq) key padding mask on the packed fused path and
	// a (batch, 1, seq, past+seq) additive bias otherwise. Use PrepareMask
	// to build the right one for the layer's implementation.
	Mask *tensor.Tensor
	// PositionIDs holds one row per batch element, or a single shared row.
	// Nil means past..past+seq-1.
	PositionIDs [][]int
	Past        *KVState

	OutputAttentions bool
	UseCache         bool
}

// Output is the result of one forward call.
type Output struct {
	// Hidden has shape (batch, seq, hidden).
	Hidden *tensor.Tensor
	// Weights are the post-softmax attention weights (batch, heads, seq,
	// past+seq) when requested and available.
	Weights *tensor.Tensor
	// Present is the full-context key/value state when caching was requested.
	Present *KVState
}

// Attention is one self-attention layer bound to its weights and strategy.
type Attention struct {
	cfg  Config
	w    Weights
	impl Implementation

	rotary  RotaryEmbedder
	encoder PositionEncoder
	repeat  HeadRepeater
	ops     Ops
	log     logger.Logger
	// logSet records a logger supplied through WithLogger.
	logSet bool

	oShards []tensor.Mat
}

// Option customizes an Attention.
type Option func(*Attention)

// WithRotary sets the rotary table provider.
func WithRotary(r RotaryEmbedder) Option {
	return func(a *Attention) { a.rotary = r }
}

// WithPositionEncoder sets the rotary applier.
func WithPositionEncoder(p PositionEncoder) Option {
	return func(a *Attention) { a.encoder = p }
}

// WithHeadRepeater sets the grouped-query head broadcast.
func WithHeadRepeater(r HeadRepeater) Option {
	return func(a *Attention) { a.repeat = r }
}

// WithOps sets the linear-algebra engine used by projections and the
// explicit path.
func WithOps(ops Ops) Option {
	return func(a *Attention) { a.ops = ops }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(a *Attention) {
		a.log = l
		a.logSet = l != nil
	}
}

// New builds an attention layer. When no rotary collaborators are supplied a
// rope.Rotary built from cfg serves as both table provider and applier.
func New(cfg Config, w Weights, impl Implementation, opts ...Option) (*Attention, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := w.validate(cfg); err != nil {
		return nil, err
	}
	if impl == nil {
		impl = NewEager()
	}
	a := &Attention{cfg: cfg, w: w, impl: impl}
	for _, opt := range opts {
		opt(a)
	}
	if a.rotary == nil || a.encoder == nil {
		r, err := rope.New(cfg.HeadDim, cfg.RopeTheta, cfg.MaxPositions, cfg.RopeScaling)
		if err != nil {
			return nil, err
		}
		if a.rotary == nil {
			a.rotary = r
		}
		if a.encoder == nil {
			a.encoder = r
		}
	}
	if a.repeat == nil {
		a.repeat = HeadRepeaterFunc(RepeatKV)
	}
	a.ops = ensureOps(a.ops)
	if a.log == nil {
		a.log = logger.Discard()
	}
	if cfg.TensorParallel > 1 {
		shards, err := a.w.O.ColumnShards(cfg.TensorParallel)
		if err != nil {
			return nil, err
		}
		a.oShards = shards
	}
	return a, nil
}

// Config returns the layer configuration with defaults applied.
func (a *Attention) Config() Config { return a.cfg }

// Implementation returns the strategy the layer was built with.
func (a *Attention) Implementation() Implementation { return a.impl }

// projected holds the per-call tensors after steps 1-4.
type projected struct {
	batch, qLen, kvLen, pastLen int

	// q is (B, H, Q, D); k and v are repeated to (B, H, KV, D).
	q, k, v *tensor.Tensor
}

// Forward runs the layer on in.
func (a *Attention) Forward(in Input) (Output, error) {
	p, present, err := a.project(in)
	if err != nil {
		return Output{}, err
	}
	hidden, weights, err := a.impl.attend(a, p, in)
	if err != nil {
		return Output{}, err
	}
	if !in.OutputAttentions {
		weights = nil
	}
	return Output{Hidden: hidden, Weights: weights, Present: present}, nil
}

// project performs the projections, rotary encoding, cache concatenation and
// the single grouped-query head broadcast.
func (a *Attention) project(in Input) (*projected, *KVState, error) {
	cfg := a.cfg
	if in.Hidden == nil || in.Hidden.Dims() != 3 || in.Hidden.Shape[2] != cfg.Hidden {
		var shape []int
		if in.Hidden != nil {
			shape = in.Hidden.Shape
		}
		return nil, nil, shapeMismatchError{what: "hidden states", want: []int{-1, -1, cfg.Hidden}, got: shape}
	}
	x := in.Hidden
	if x.DType != cfg.DType {
		x = x.To(cfg.DType)
	}
	batch, qLen := x.Shape[0], x.Shape[1]

	q, err := a.heads(x, &a.w.Q, a.w.QBias, cfg.Heads)
	if err != nil {
		return nil, nil, fmt.Errorf("q_proj: %w", err)
	}
	k, err := a.heads(x, &a.w.K, a.w.KBias, cfg.KVHeads)
	if err != nil {
		return nil, nil, fmt.Errorf("k_proj: %w", err)
	}
	v, err := a.heads(x, &a.w.V, a.w.VBias, cfg.KVHeads)
	if err != nil {
		return nil, nil, fmt.Errorf("v_proj: %w", err)
	}

	pastLen := 0
	if in.Past != nil {
		if err := checkPast(in.Past, batch, cfg.KVHeads, cfg.HeadDim); err != nil {
			return nil, nil, err
		}
		pastLen = in.Past.SeqLen()
	}
	kvLen := qLen + pastLen

	cos, sin, err := a.rotary.Tables(v, kvLen)
	if err != nil {
		return nil, nil, fmt.Errorf("rotary tables: %w", err)
	}
	positions := in.PositionIDs
	if positions == nil {
		positions = rope.SequentialPositions(1, pastLen, qLen)
	}
	q, k, err = a.encoder.Apply(q, k, cos, sin, positions)
	if err != nil {
		return nil, nil, fmt.Errorf("rotary: %w", err)
	}

	if in.Past != nil {
		if k, err = tensor.Cat(2, in.Past.Keys, k); err != nil {
			return nil, nil, err
		}
		if v, err = tensor.Cat(2, in.Past.Values, v); err != nil {
			return nil, nil, err
		}
	}
	var present *KVState
	if in.UseCache {
		present = &KVState{Keys: k, Values: v}
	}

	groups := cfg.Groups()
	kRep, err := a.repeat.Repeat(k, groups)
	if err != nil {
		return nil, nil, err
	}
	vRep, err := a.repeat.Repeat(v, groups)
	if err != nil {
		return nil, nil, err
	}
	return &projected{
		batch:   batch,
		qLen:    qLen,
		kvLen:   kvLen,
		pastLen: pastLen,
		q:       q,
		k:       kRep,
		v:       vRep,
	}, present, nil
}

// heads projects x (B, Q, hidden) with w and returns (B, heads, Q, headDim).
func (a *Attention) heads(x *tensor.Tensor, w *tensor.Mat, bias []float32, heads int) (*tensor.Tensor, error) {
	y, err := a.ops.Linear(x, w, bias)
	if err != nil {
		return nil, err
	}
	y, err = y.Reshape(x.Shape[0], x.Shape[1], heads, a.cfg.HeadDim)
	if err != nil {
		return nil, err
	}
	return y.Transpose(1, 2), nil
}

func checkPast(past *KVState, batch, kvHeads, headDim int) error {
	if past.Keys == nil || past.Values == nil {
		return fmt.Errorf("attention: incremental state needs both keys and values")
	}
	n := past.SeqLen()
	if err := checkShape("past keys", past.Keys, batch, kvHeads, n, headDim); err != nil {
		return err
	}
	return checkShape("past values", past.Values, batch, kvHeads, n, headDim)
}

// outputProjection applies o_proj to x (B, Q, hidden). With tensor
// parallelism the input and weight are split into column shards and the
// partial products summed.
func (a *Attention) outputProjection(x *tensor.Tensor, sharded bool) (*tensor.Tensor, error) {
	if !sharded || len(a.oShards) == 0 {
		return a.ops.Linear(x, &a.w.O, a.w.OBias)
	}
	width := a.cfg.Hidden / len(a.oShards)
	var sum *tensor.Tensor
	for i := range a.oShards {
		part, err := x.Narrow(-1, i*width, width)
		if err != nil {
			return nil, err
		}
		y, err := a.ops.Linear(part, &a.oShards[i], nil)
		if err != nil {
			return nil, err
		}
		if sum == nil {
			sum = y
			continue
		}
		if err := sum.AddInPlace(y); err != nil {
			return nil, err
		}
	}
	if a.w.OBias != nil {
		rows := sum.Dim(-1)
		for off := 0; off < len(sum.Data); off += rows {
			tensor.Add(sum.Data[off:off+rows], a.w.OBias)
		}
		sum.Round()
	}
	return sum, nil
}
