package model

import (
	"fmt"

	"github.com/samcharles93/flashpatch/internal/attention"
	"github.com/samcharles93/flashpatch/internal/safetensors"
	"github.com/samcharles93/flashpatch/internal/tensor"
)

type layerNames struct {
	q, k, v, o     func(layer int) string
	qb, kb, vb, ob func(layer int) string
	norm           func(layer int) string
}

func named(format string) func(int) string {
	return func(layer int) string { return fmt.Sprintf(format, layer) }
}

var llamaNames = layerNames{
	q:    named("model.layers.%d.self_attn.q_proj.weight"),
	k:    named("model.layers.%d.self_attn.k_proj.weight"),
	v:    named("model.layers.%d.self_attn.v_proj.weight"),
	o:    named("model.layers.%d.self_attn.o_proj.weight"),
	qb:   named("model.layers.%d.self_attn.q_proj.bias"),
	kb:   named("model.layers.%d.self_attn.k_proj.bias"),
	vb:   named("model.layers.%d.self_attn.v_proj.bias"),
	ob:   named("model.layers.%d.self_attn.o_proj.bias"),
	norm: named("model.layers.%d.input_layernorm.weight"),
}

// LoadSafetensors builds a model from the attention and input-norm tensors
// of a Llama-layout checkpoint. Biases are read when present.
func LoadSafetensors(cfg *Config, st *safetensors.File, impl attention.Implementation, opts ...attention.Option) (*Model, error) {
	attnCfg, err := cfg.AttentionConfig()
	if err != nil {
		return nil, err
	}
	layers := make([]Layer, cfg.Layers())
	for i := range layers {
		l, err := loadLayer(st, i, attnCfg.DType)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		layers[i] = l
	}
	return build(cfg, impl, layers, opts)
}

func loadLayer(st *safetensors.File, layer int, dtype tensor.DType) (Layer, error) {
	n := llamaNames
	var w attention.Weights
	for _, p := range []struct {
		dst  *tensor.Mat
		name string
	}{
		{&w.Q, n.q(layer)},
		{&w.K, n.k(layer)},
		{&w.V, n.v(layer)},
		{&w.O, n.o(layer)},
	} {
		m, err := tensor.LoadSafetensorsMat(st, p.name)
		if err != nil {
			return Layer{}, err
		}
		*p.dst = *m
	}
	for _, p := range []struct {
		dst  *[]float32
		name string
	}{
		{&w.QBias, n.qb(layer)},
		{&w.KBias, n.kb(layer)},
		{&w.VBias, n.vb(layer)},
		{&w.OBias, n.ob(layer)},
	} {
		if _, ok := st.Tensor(p.name); !ok {
			continue
		}
		v, err := tensor.LoadSafetensorsVec(st, p.name)
		if err != nil {
			return Layer{}, err
		}
		*p.dst = v
	}
	norm, err := tensor.LoadSafetensorsVec(st, n.norm(layer))
	if err != nil {
		return Layer{}, err
	}
	w.Round(dtype)
	dtype.Round(norm)
	return Layer{Norm: norm, Weights: w}, nil
}

// Save writes the model's layer tensors to path in the layout
// LoadSafetensors reads.
func (m *Model) Save(path string) error {
	n := llamaNames
	var entries []safetensors.Entry
	mat := func(name string, w *tensor.Mat) {
		entries = append(entries, safetensors.Entry{Name: name, Shape: []int{w.R, w.C}, Data: w.Data})
	}
	vec := func(name string, v []float32) {
		if v != nil {
			entries = append(entries, safetensors.Entry{Name: name, Shape: []int{len(v)}, Data: v})
		}
	}
	for i := range m.Layers {
		l := &m.Layers[i]
		mat(n.q(i), &l.Weights.Q)
		mat(n.k(i), &l.Weights.K)
		mat(n.v(i), &l.Weights.V)
		mat(n.o(i), &l.Weights.O)
		vec(n.qb(i), l.Weights.QBias)
		vec(n.kb(i), l.Weights.KBias)
		vec(n.vb(i), l.Weights.VBias)
		vec(n.ob(i), l.Weights.OBias)
		vec(n.norm(i), l.Norm)
	}
	meta := map[string]string{
		"format":     "pt",
		"model_type": m.cfg.ModelType,
		"dtype":      m.attnCfg.DType.String(),
	}
	return safetensors.Write(path, entries, meta)
}
