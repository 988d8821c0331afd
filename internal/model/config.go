package model

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"github.com/samcharles93/flashpatch/internal/attention"
	"github.com/samcharles93/flashpatch/internal/rope"
	"github.com/samcharles93/flashpatch/internal/tensor"
)

// Config is the subset of a Llama-family config.json the attention stack
// consumes.
type Config struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`

	HiddenSize            int          `json:"hidden_size"`
	NumAttentionHeads     int          `json:"num_attention_heads"`
	NumKeyValueHeads      int          `json:"num_key_value_heads"`
	NumHiddenLayers       int          `json:"num_hidden_layers"`
	HeadDim               int          `json:"head_dim"`
	PretrainingTP         int          `json:"pretraining_tp"`
	MaxPositionEmbeddings int          `json:"max_position_embeddings"`
	RMSNormEps            float64      `json:"rms_norm_eps"`
	RopeTheta             float64      `json:"rope_theta"`
	RopeScaling           *rope.Params `json:"rope_scaling"`
	TorchDType            string       `json:"torch_dtype"`
	AttentionBias         bool         `json:"attention_bias"`
}

// ParseConfig decodes config.json bytes. Multimodal configs that nest the
// language model under text_config have missing fields filled from it.
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	var top struct {
		TextConfig *Config `json:"text_config"`
	}
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if top.TextConfig != nil {
		cfg.fillFrom(top.TextConfig)
	}
	return &cfg, nil
}

// LoadConfig reads and parses a config.json file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(raw)
}

func (c *Config) fillFrom(text *Config) {
	if c.HiddenSize == 0 {
		c.HiddenSize = text.HiddenSize
	}
	if c.NumAttentionHeads == 0 {
		c.NumAttentionHeads = text.NumAttentionHeads
	}
	if c.NumKeyValueHeads == 0 {
		c.NumKeyValueHeads = text.NumKeyValueHeads
	}
	if c.NumHiddenLayers == 0 {
		c.NumHiddenLayers = text.NumHiddenLayers
	}
	if c.HeadDim == 0 {
		c.HeadDim = text.HeadDim
	}
	if c.PretrainingTP == 0 {
		c.PretrainingTP = text.PretrainingTP
	}
	if c.MaxPositionEmbeddings == 0 {
		c.MaxPositionEmbeddings = text.MaxPositionEmbeddings
	}
	if c.RMSNormEps == 0 {
		c.RMSNormEps = text.RMSNormEps
	}
	if c.RopeTheta == 0 {
		c.RopeTheta = text.RopeTheta
	}
	if c.RopeScaling == nil {
		c.RopeScaling = text.RopeScaling
	}
	if c.TorchDType == "" {
		c.TorchDType = text.TorchDType
	}
	if !c.AttentionBias {
		c.AttentionBias = text.AttentionBias
	}
}

// DType returns the working precision named by torch_dtype.
func (c *Config) DType() (tensor.DType, error) {
	return tensor.ParseDType(c.TorchDType)
}

// Layers returns the decoder layer count, at least one.
func (c *Config) Layers() int {
	return max(c.NumHiddenLayers, 1)
}

// Eps returns the RMSNorm epsilon.
func (c *Config) Eps() float32 {
	if c.RMSNormEps <= 0 {
		return 1e-6
	}
	return float32(c.RMSNormEps)
}

// AttentionConfig derives the per-layer attention configuration.
func (c *Config) AttentionConfig() (attention.Config, error) {
	dtype, err := c.DType()
	if err != nil {
		return attention.Config{}, err
	}
	heads := c.NumAttentionHeads
	if heads <= 0 {
		return attention.Config{}, fmt.Errorf("config: num_attention_heads must be positive")
	}
	kvHeads := c.NumKeyValueHeads
	if kvHeads <= 0 {
		kvHeads = heads
	}
	headDim := c.HeadDim
	if headDim <= 0 {
		headDim = c.HiddenSize / heads
	}
	maxPos := c.MaxPositionEmbeddings
	if maxPos <= 0 {
		maxPos = 2048
	}
	cfg := attention.Config{
		Heads:          heads,
		KVHeads:        kvHeads,
		HeadDim:        headDim,
		Hidden:         c.HiddenSize,
		TensorParallel: max(c.PretrainingTP, 1),
		RopeTheta:      c.RopeTheta,
		RopeScaling:    rope.ResolveScaling(maxPos, c.RopeScaling),
		MaxPositions:   maxPos,
		DType:          dtype,
	}
	if cfg.RopeTheta <= 0 {
		cfg.RopeTheta = 10_000
	}
	if err := cfg.Validate(); err != nil {
		return attention.Config{}, err
	}
	return cfg, nil
}
