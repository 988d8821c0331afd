package attention

import (
	"fmt"

	"github.com/samcharles93/flashpatch/internal/rope"
	"github.com/samcharles93/flashpatch/internal/tensor"
)

// Config is the static description of one attention layer.
type Config struct {
	Heads   int `json:"heads"`
	KVHeads int `json:"kv_heads"`
	HeadDim int `json:"head_dim"`
	Hidden  int `json:"hidden"`
	// TensorParallel is the output-projection split factor (pretraining_tp).
	// Values <= 1 project in one piece.
	TensorParallel int `json:"tensor_parallel"`

	RopeTheta    float64       `json:"rope_theta"`
	RopeScaling  *rope.Scaling `json:"rope_scaling,omitempty"`
	MaxPositions int           `json:"max_positions"`

	// DType is the working precision every intermediate is rounded to.
	DType tensor.DType `json:"dtype"`
}

// Groups is the number of query heads sharing one key/value head.
func (c Config) Groups() int {
	if c.KVHeads <= 0 {
		return 1
	}
	return c.Heads / c.KVHeads
}

// withDefaults fills KVHeads, HeadDim and TensorParallel when unset.
func (c Config) withDefaults() Config {
	if c.KVHeads <= 0 {
		c.KVHeads = c.Heads
	}
	if c.HeadDim <= 0 && c.Heads > 0 {
		c.HeadDim = c.Hidden / c.Heads
	}
	if c.TensorParallel < 1 {
		c.TensorParallel = 1
	}
	if c.RopeTheta <= 0 {
		c.RopeTheta = 10_000
	}
	return c
}

// Validate checks that the head layout is consistent.
func (c Config) Validate() error {
	switch {
	case c.Heads <= 0:
		return fmt.Errorf("attention: heads must be positive, got %d", c.Heads)
	case c.KVHeads <= 0:
		return fmt.Errorf("attention: kv heads must be positive, got %d", c.KVHeads)
	case c.Heads%c.KVHeads != 0:
		return fmt.Errorf("attention: heads (%d) must be a multiple of kv heads (%d)", c.Heads, c.KVHeads)
	case c.HeadDim <= 0 || c.HeadDim%2 != 0:
		return fmt.Errorf("attention: head dim must be positive and even, got %d", c.HeadDim)
	case c.Hidden != c.Heads*c.HeadDim:
		return fmt.Errorf("attention: hidden size %d must equal heads*head_dim (%d*%d)", c.Hidden, c.Heads, c.HeadDim)
	case c.TensorParallel > 1 && c.Hidden%c.TensorParallel != 0:
		return fmt.Errorf("attention: hidden size %d not divisible by tensor parallel %d", c.Hidden, c.TensorParallel)
	}
	return nil
}
