// Package model stacks attention layers into a minimal decoder host: each
// layer is RMSNorm, self-attention and a residual add, with per-layer
// incremental state threaded by the caller.
package model

import (
	"fmt"

	"github.com/samcharles93/flashpatch/internal/attention"
	"github.com/samcharles93/flashpatch/internal/rope"
	"github.com/samcharles93/flashpatch/internal/tensor"
)

// Layer is one decoder block.
type Layer struct {
	Norm    []float32
	Weights attention.Weights
	Attn    *attention.Attention
}

// Model is a stack of attention layers sharing one implementation.
type Model struct {
	cfg     *Config
	attnCfg attention.Config
	impl    attention.Implementation
	Layers  []Layer
}

// Cache is the incremental state of every layer.
type Cache struct {
	Layers []*attention.KVState
}

// SeqLen returns the number of cached positions.
func (c *Cache) SeqLen() int {
	if c == nil || len(c.Layers) == 0 {
		return 0
	}
	return c.Layers[0].SeqLen()
}

func build(cfg *Config, impl attention.Implementation, layers []Layer, opts []attention.Option) (*Model, error) {
	attnCfg, err := cfg.AttentionConfig()
	if err != nil {
		return nil, err
	}
	if impl == nil {
		impl = attention.NewEager()
	}
	// One rotary cache serves every layer.
	r, err := rope.New(attnCfg.HeadDim, attnCfg.RopeTheta, attnCfg.MaxPositions, attnCfg.RopeScaling)
	if err != nil {
		return nil, err
	}
	shared := append([]attention.Option{attention.WithRotary(r), attention.WithPositionEncoder(r)}, opts...)

	m := &Model{cfg: cfg, attnCfg: attnCfg, impl: impl, Layers: layers}
	for i := range m.Layers {
		l := &m.Layers[i]
		if len(l.Norm) != attnCfg.Hidden {
			return nil, fmt.Errorf("layer %d: norm has %d values, want %d", i, len(l.Norm), attnCfg.Hidden)
		}
		a, err := attention.New(attnCfg, l.Weights, impl, shared...)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		l.Attn = a
	}
	return m, nil
}

// NewRandom builds a model with reproducible random weights and unit norms.
func NewRandom(cfg *Config, impl attention.Implementation, seed int64, opts ...attention.Option) (*Model, error) {
	attnCfg, err := cfg.AttentionConfig()
	if err != nil {
		return nil, err
	}
	layers := make([]Layer, cfg.Layers())
	for i := range layers {
		norm := make([]float32, attnCfg.Hidden)
		for j := range norm {
			norm[j] = 1
		}
		layers[i] = Layer{
			Norm:    norm,
			Weights: attention.RandomWeights(attnCfg, seed+int64(i)*16),
		}
	}
	return build(cfg, impl, layers, opts)
}

// Config returns the model configuration.
func (m *Model) Config() *Config { return m.cfg }

// AttentionConfig returns the per-layer attention configuration.
func (m *Model) AttentionConfig() attention.Config { return m.attnCfg }

// Implementation returns the attention strategy shared by all layers.
func (m *Model) Implementation() attention.Implementation { return m.impl }

// WithImplementation returns a model sharing m's weights but running impl.
func (m *Model) WithImplementation(impl attention.Implementation, opts ...attention.Option) (*Model, error) {
	layers := make([]Layer, len(m.Layers))
	for i, l := range m.Layers {
		layers[i] = Layer{Norm: l.Norm, Weights: l.Weights}
	}
	return build(m.cfg, impl, layers, opts)
}

// Forward runs hidden (batch, seq, hidden) through every layer. padding is an
// optional (batch, past+seq) mask, nonzero for valid tokens. The returned
// cache holds the full context for the next call.
func (m *Model) Forward(hidden, padding *tensor.Tensor, cache *Cache) (*tensor.Tensor, *Cache, error) {
	if hidden == nil || hidden.Dims() != 3 {
		return nil, nil, fmt.Errorf("model: hidden states must be (batch, seq, hidden)")
	}
	if cache != nil && len(cache.Layers) != len(m.Layers) {
		return nil, nil, fmt.Errorf("model: cache has %d layers, model has %d", len(cache.Layers), len(m.Layers))
	}
	batch, qLen := hidden.Shape[0], hidden.Shape[1]
	pastLen := cache.SeqLen()
	if len(m.Layers) == 0 {
		return hidden.Clone(), &Cache{}, nil
	}
	mask, err := m.Layers[0].Attn.PrepareMask(padding, batch, qLen, pastLen)
	if err != nil {
		return nil, nil, err
	}

	eps := m.cfg.Eps()
	h := hidden.To(m.attnCfg.DType)
	next := &Cache{Layers: make([]*attention.KVState, len(m.Layers))}
	for i := range m.Layers {
		l := &m.Layers[i]
		normed, err := tensor.RMSNormRows(h, l.Norm, eps)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %d: %w", i, err)
		}
		in := attention.Input{Hidden: normed, Mask: mask, UseCache: true}
		if cache != nil {
			in.Past = cache.Layers[i]
		}
		out, err := l.Attn.Forward(in)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if err := h.AddInPlace(out.Hidden); err != nil {
			return nil, nil, fmt.Errorf("layer %d: %w", i, err)
		}
		next.Layers[i] = out.Present
	}
	return h, next, nil
}
