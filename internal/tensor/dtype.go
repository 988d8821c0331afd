package tensor

import (
	"fmt"
	"math"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the working precision of a tensor. Values are always stored as
// float32; a narrower DType means every value is kept representable in that
// format, the way a half-precision activation would be on an accelerator.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "float32"
	case F16:
		return "float16"
	case BF16:
		return "bfloat16"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// ParseDType accepts the spellings used by HF configs (torch_dtype) and CLI flags.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "f32", "fp32", "float32", "float":
		return F32, nil
	case "f16", "fp16", "float16", "half":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	default:
		return F32, fmt.Errorf("unknown dtype %q (expected float32, float16 or bfloat16)", s)
	}
}

func (d DType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DType) UnmarshalText(b []byte) error {
	v, err := ParseDType(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Size returns the element size in bytes of the storage format.
func (d DType) Size() int {
	if d == F32 {
		return 4
	}
	return 2
}

// MinValue returns the most negative finite value of the format. Additive
// attention masks use it for disallowed positions.
func (d DType) MinValue() float32 {
	switch d {
	case F16:
		return -65504
	case BF16:
		return -math.Float32frombits(0x7f7f0000)
	default:
		return -math.MaxFloat32
	}
}

// Round casts xs to the format in place.
func (d DType) Round(xs []float32) {
	switch d {
	case F16:
		for i, v := range xs {
			xs[i] = float16.Fromfloat32(v).Float32()
		}
	case BF16:
		// go-bfloat16 truncates the low mantissa bits.
		copy(xs, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(xs)))
	}
}

// RoundValue casts a single value to the format.
func (d DType) RoundValue(v float32) float32 {
	switch d {
	case F16:
		return float16.Fromfloat32(v).Float32()
	case BF16:
		return math.Float32frombits(math.Float32bits(v) &^ 0xffff)
	default:
		return v
	}
}
