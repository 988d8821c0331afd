package rope

import (
	"math"
	"strings"
)

// Params mirrors the rope_scaling / rope_parameters objects of HF configs.
type Params struct {
	Type                          string  `json:"type" yaml:"type"`
	RopeType                      string  `json:"rope_type" yaml:"rope_type"`
	Factor                        float64 `json:"factor" yaml:"factor"`
	OriginalMaxPositionEmbeddings int     `json:"original_max_position_embeddings" yaml:"original_max_position_embeddings"`
	LowFreqFactor                 float64 `json:"low_freq_factor" yaml:"low_freq_factor"`
	HighFreqFactor                float64 `json:"high_freq_factor" yaml:"high_freq_factor"`
	AttentionFactor               float64 `json:"attention_factor" yaml:"attention_factor"`
	BetaFast                      float64 `json:"beta_fast" yaml:"beta_fast"`
	BetaSlow                      float64 `json:"beta_slow" yaml:"beta_slow"`
	MScale                        float64 `json:"mscale" yaml:"mscale"`
	MScaleAllDim                  float64 `json:"mscale_all_dim" yaml:"mscale_all_dim"`
	Truncate                      *bool   `json:"truncate" yaml:"truncate"`
}

// Scaling is a resolved frequency scaling scheme.
type Scaling struct {
	Type            string
	Factor          float64
	OrigMaxCtx      int
	LowFactor       float64
	HighFactor      float64
	AttentionFactor float64
	BetaFast        float64
	BetaSlow        float64
	MScale          float64
	MScaleAllDim    float64
	Truncate        bool
	HasTruncate     bool
}

// ResolveScaling turns config parameters into a Scaling. It returns nil for
// the default (unscaled) rotary embedding and for unsupported types.
func ResolveScaling(maxPosition int, p *Params) *Scaling {
	if p == nil {
		return nil
	}
	ropeType := strings.TrimSpace(p.RopeType)
	if ropeType == "" {
		ropeType = strings.TrimSpace(p.Type)
	}
	ropeType = strings.ToLower(ropeType)

	if ropeType == "" || ropeType == "default" {
		if p.Factor > 0 {
			ropeType = "linear"
		} else {
			return nil
		}
	}

	switch ropeType {
	case "linear", "llama3", "yarn":
		// supported
	default:
		return nil
	}

	out := &Scaling{
		Type:            ropeType,
		Factor:          p.Factor,
		OrigMaxCtx:      p.OriginalMaxPositionEmbeddings,
		LowFactor:       p.LowFreqFactor,
		HighFactor:      p.HighFreqFactor,
		AttentionFactor: p.AttentionFactor,
		BetaFast:        p.BetaFast,
		BetaSlow:        p.BetaSlow,
		MScale:          p.MScale,
		MScaleAllDim:    p.MScaleAllDim,
	}
	if p.Truncate != nil {
		out.Truncate = *p.Truncate
		out.HasTruncate = true
	}

	if out.OrigMaxCtx <= 0 {
		out.OrigMaxCtx = maxPosition
	}
	if out.LowFactor <= 0 {
		out.LowFactor = 1
	}
	if out.HighFactor <= 0 {
		out.HighFactor = out.LowFactor
	}
	if out.BetaFast <= 0 {
		out.BetaFast = 32
	}
	if out.BetaSlow <= 0 {
		out.BetaSlow = 1
	}

	if out.Factor <= 0 && out.OrigMaxCtx > 0 && maxPosition > 0 && maxPosition != out.OrigMaxCtx {
		out.Factor = float64(maxPosition) / float64(out.OrigMaxCtx)
	}
	if out.Factor <= 0 {
		out.Factor = 1
	}
	if out.Type == "yarn" && out.AttentionFactor <= 0 {
		out.AttentionFactor = yarnAttentionFactor(out.Factor, out.MScale, out.MScaleAllDim)
	} else if out.AttentionFactor <= 0 {
		out.AttentionFactor = 1
	}

	return out
}

// apply rescales invFreq in place and returns the factor cos/sin are
// multiplied by.
func (rs *Scaling) apply(invFreq []float64, base float64) float64 {
	if len(invFreq) == 0 || rs == nil {
		return 1
	}
	if base <= 0 {
		base = 10_000
	}
	origCtx := max(rs.OrigMaxCtx, 1)
	factor := rs.Factor
	if factor <= 0 {
		factor = 1
	}
	attnFactor := rs.AttentionFactor
	if attnFactor <= 0 {
		attnFactor = 1
	}

	switch rs.Type {
	case "llama3":
		applyLlama3Scaling(invFreq, factor, float64(origCtx), rs.LowFactor, rs.HighFactor)
	case "yarn":
		truncate := true
		if rs.HasTruncate {
			truncate = rs.Truncate
		}
		applyYarnScaling(invFreq, base, factor, float64(origCtx), rs.BetaFast, rs.BetaSlow, truncate)
	default:
		if factor != 1 {
			for i, f := range invFreq {
				invFreq[i] = f / factor
			}
		}
	}

	return attnFactor
}

func applyLlama3Scaling(invFreq []float64, factor float64, origCtx float64, lowFactor float64, highFactor float64) {
	if factor == 0 || factor == 1 || origCtx <= 0 {
		return
	}
	if lowFactor <= 0 {
		lowFactor = 1
	}
	if highFactor <= lowFactor {
		for i, f := range invFreq {
			invFreq[i] = f / factor
		}
		return
	}

	lowFreqWavelen := origCtx / lowFactor
	highFreqWavelen := origCtx / highFactor

	for i, f := range invFreq {
		if f == 0 {
			continue
		}
		waveLen := (2 * math.Pi) / f
		switch {
		case waveLen > lowFreqWavelen:
			invFreq[i] = f / factor
		case waveLen < highFreqWavelen:
			invFreq[i] = f
		default:
			smooth := (origCtx/waveLen - lowFactor) / (highFactor - lowFactor)
			invFreq[i] = (1-smooth)*(f/factor) + smooth*f
		}
	}
}

func yarnAttentionFactor(factor float64, mscale float64, mscaleAllDim float64) float64 {
	getMScale := func(scale float64, mul float64) float64 {
		if scale <= 1 {
			return 1
		}
		if mul <= 0 {
			mul = 1
		}
		return 0.1*mul*math.Log(scale) + 1
	}

	if mscale > 0 && mscaleAllDim > 0 {
		den := getMScale(factor, mscaleAllDim)
		if den == 0 {
			return 1
		}
		return getMScale(factor, mscale) / den
	}
	return getMScale(factor, mscale)
}

func applyYarnScaling(invFreq []float64, base float64, factor float64, origCtx float64, betaFast float64, betaSlow float64, truncate bool) {
	if factor == 0 || factor == 1 {
		return
	}
	if base <= 1 || origCtx <= 0 {
		for i, f := range invFreq {
			invFreq[i] = f / factor
		}
		return
	}

	dim := float64(len(invFreq) * 2)
	correctionDim := func(numRotations float64) float64 {
		numer := origCtx / (numRotations * 2 * math.Pi)
		if numer <= 0 {
			return 0
		}
		return (dim * math.Log(numer)) / (2 * math.Log(base))
	}

	low := correctionDim(betaFast)
	high := correctionDim(betaSlow)
	if truncate {
		low = math.Floor(low)
		high = math.Ceil(high)
	}
	low = max(low, 0)
	high = min(high, dim-1)
	if low == high {
		high += 0.001
	}

	for i, f := range invFreq {
		ramp := (float64(i) - low) / (high - low)
		ramp = min(max(ramp, 0), 1)
		invFreq[i] = (f/factor)*ramp + f*(1-ramp)
	}
}
