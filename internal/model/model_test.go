package model

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/samcharles93/flashpatch/internal/attention"
	"github.com/samcharles93/flashpatch/internal/safetensors"
	"github.com/samcharles93/flashpatch/internal/tensor"
)

const llavaConfig = `{
  "architectures": ["LlavaLlamaForCausalLM"],
  "model_type": "llava",
  "torch_dtype": "float32",
  "text_config": {
    "hidden_size": 32,
    "num_attention_heads": 4,
    "num_key_value_heads": 2,
    "num_hidden_layers": 2,
    "pretraining_tp": 1,
    "max_position_embeddings": 64,
    "rms_norm_eps": 1e-5,
    "rope_theta": 10000,
    "rope_scaling": {"type": "linear", "factor": 2.0}
  }
}`

func testModelConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(llavaConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	return cfg
}

func TestParseConfigFillsFromTextConfig(t *testing.T) {
	t.Parallel()
	cfg := testModelConfig(t)
	if cfg.ModelType != "llava" || cfg.HiddenSize != 32 || cfg.NumKeyValueHeads != 2 || cfg.NumHiddenLayers != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	ac, err := cfg.AttentionConfig()
	if err != nil {
		t.Fatalf("AttentionConfig: %v", err)
	}
	if ac.HeadDim != 8 || ac.Groups() != 2 || ac.TensorParallel != 1 {
		t.Fatalf("unexpected attention config: %+v", ac)
	}
	if ac.RopeScaling == nil || ac.RopeScaling.Type != "linear" || ac.RopeScaling.Factor != 2 {
		t.Fatalf("rope scaling not resolved: %+v", ac.RopeScaling)
	}
}

func TestAttentionConfigErrors(t *testing.T) {
	t.Parallel()
	tests := []string{
		`{"hidden_size": 32}`,
		`{"hidden_size": 32, "num_attention_heads": 4, "torch_dtype": "int8"}`,
		`{"hidden_size": 30, "num_attention_heads": 4, "head_dim": 8}`,
	}
	for _, raw := range tests {
		cfg, err := ParseConfig([]byte(raw))
		if err != nil {
			t.Fatalf("ParseConfig(%s): %v", raw, err)
		}
		if _, err := cfg.AttentionConfig(); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
	if _, err := ParseConfig([]byte(`{`)); err == nil {
		t.Fatal("expected parse error")
	}
}

func randomInput(batch, seq, hidden int) *tensor.Tensor {
	x := tensor.New(tensor.F32, batch, seq, hidden)
	tensor.FillUniform(x, 21, 1)
	return x
}

func TestFusedModelMatchesEager(t *testing.T) {
	t.Parallel()
	cfg := testModelConfig(t)
	eager, err := NewRandom(cfg, attention.NewEager(), 3)
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}
	fused, err := eager.WithImplementation(attention.NewFused(nil, nil, nil))
	if err != nil {
		t.Fatalf("WithImplementation: %v", err)
	}
	x := randomInput(2, 5, cfg.HiddenSize)
	want, _, err := eager.Forward(x, nil, nil)
	if err != nil {
		t.Fatalf("eager Forward: %v", err)
	}
	got, _, err := fused.Forward(x, nil, nil)
	if err != nil {
		t.Fatalf("fused Forward: %v", err)
	}
	if diff := cmp.Diff(want.Data, got.Data, cmpopts.EquateApprox(0, 1e-4)); diff != "" {
		t.Fatalf("fused vs eager (-want +got):\n%s", diff)
	}
}

func TestModelIncrementalMatchesFull(t *testing.T) {
	t.Parallel()
	cfg := testModelConfig(t)
	m, err := NewRandom(cfg, attention.NewFused(nil, nil, nil), 5)
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}
	x := randomInput(1, 6, cfg.HiddenSize)
	full, _, err := m.Forward(x, nil, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	prefix, err := x.Narrow(1, 0, 5)
	if err != nil {
		t.Fatalf("Narrow: %v", err)
	}
	step, err := x.Narrow(1, 5, 1)
	if err != nil {
		t.Fatalf("Narrow: %v", err)
	}
	_, cache, err := m.Forward(prefix, nil, nil)
	if err != nil {
		t.Fatalf("Forward prefix: %v", err)
	}
	if cache.SeqLen() != 5 {
		t.Fatalf("cache length %d", cache.SeqLen())
	}
	got, cache, err := m.Forward(step, nil, cache)
	if err != nil {
		t.Fatalf("Forward step: %v", err)
	}
	if cache.SeqLen() != 6 {
		t.Fatalf("cache length %d", cache.SeqLen())
	}
	last, err := full.Narrow(1, 5, 1)
	if err != nil {
		t.Fatalf("Narrow: %v", err)
	}
	if diff := cmp.Diff(last.Data, got.Data, cmpopts.EquateApprox(0, 1e-4)); diff != "" {
		t.Fatalf("incremental (-want +got):\n%s", diff)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := testModelConfig(t)
	m, err := NewRandom(cfg, attention.NewEager(), 11)
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}
	m.Layers[0].Weights.OBias = make([]float32, cfg.HiddenSize)
	m.Layers[0].Weights.OBias[3] = 0.5
	path := filepath.Join(t.TempDir(), "model.safetensors")
	if err := m.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	st, err := safetensors.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	loaded, err := LoadSafetensors(cfg, st, attention.NewEager())
	if err != nil {
		t.Fatalf("LoadSafetensors: %v", err)
	}
	if diff := cmp.Diff(m.Layers[1].Weights.K.Data, loaded.Layers[1].Weights.K.Data); diff != "" {
		t.Fatalf("k_proj (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(m.Layers[0].Weights.OBias, loaded.Layers[0].Weights.OBias); diff != "" {
		t.Fatalf("o_proj bias (-want +got):\n%s", diff)
	}
	if loaded.Layers[1].Weights.OBias != nil {
		t.Fatal("absent bias loaded as non-nil")
	}
}

func TestForwardRejectsCacheLayerCount(t *testing.T) {
	t.Parallel()
	cfg := testModelConfig(t)
	m, err := NewRandom(cfg, nil, 1)
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}
	if _, _, err := m.Forward(randomInput(1, 1, cfg.HiddenSize), nil, &Cache{Layers: make([]*attention.KVState, 1)}); err == nil {
		t.Fatal("expected error for cache layer mismatch")
	}
}
