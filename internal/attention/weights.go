package attention

import (
	"fmt"
	"math"

	"github.com/samcharles93/flashpatch/internal/tensor"
)

// Weights are the four projection operators of a layer, in (out, in)
// layout. Biases are optional.
type Weights struct {
	Q, K, V, O tensor.Mat

	QBias, KBias, VBias, OBias []float32
}

func (w *Weights) validate(cfg Config) error {
	check := func(name string, m *tensor.Mat, rows, cols int, bias []float32) error {
		if m.R != rows || m.C != cols {
			return fmt.Errorf("attention: %s_proj weight is (%d, %d), want (%d, %d)", name, m.R, m.C, rows, cols)
		}
		if bias != nil && len(bias) != rows {
			return fmt.Errorf("attention: %s_proj bias has %d values, want %d", name, len(bias), rows)
		}
		return nil
	}
	qOut := cfg.Heads * cfg.HeadDim
	kvOut := cfg.KVHeads * cfg.HeadDim
	if err := check("q", &w.Q, qOut, cfg.Hidden, w.QBias); err != nil {
		return err
	}
	if err := check("k", &w.K, kvOut, cfg.Hidden, w.KBias); err != nil {
		return err
	}
	if err := check("v", &w.V, kvOut, cfg.Hidden, w.VBias); err != nil {
		return err
	}
	return check("o", &w.O, cfg.Hidden, qOut, w.OBias)
}

// Round casts every weight to dtype in place.
func (w *Weights) Round(dtype tensor.DType) {
	for _, m := range []*tensor.Mat{&w.Q, &w.K, &w.V, &w.O} {
		dtype.Round(m.Data)
	}
	for _, b := range [][]float32{w.QBias, w.KBias, w.VBias, w.OBias} {
		dtype.Round(b)
	}
}

// RandomWeights returns reproducible weights for cfg scaled by
// 1/sqrt(fan_in), rounded to cfg.DType.
func RandomWeights(cfg Config, seed int64) Weights {
	cfg = cfg.withDefaults()
	qOut := cfg.Heads * cfg.HeadDim
	kvOut := cfg.KVHeads * cfg.HeadDim
	scale := float32(1 / math.Sqrt(float64(max(cfg.Hidden, 1))))

	w := Weights{
		Q: tensor.NewMat(qOut, cfg.Hidden),
		K: tensor.NewMat(kvOut, cfg.Hidden),
		V: tensor.NewMat(kvOut, cfg.Hidden),
		O: tensor.NewMat(cfg.Hidden, qOut),
	}
	tensor.FillRand(&w.Q, seed, scale)
	tensor.FillRand(&w.K, seed+1, scale)
	tensor.FillRand(&w.V, seed+2, scale)
	tensor.FillRand(&w.O, seed+3, float32(1/math.Sqrt(float64(max(qOut, 1)))))
	w.Round(cfg.DType)
	return w
}
