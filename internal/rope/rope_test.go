package rope

import (
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/flashpatch/internal/tensor"
)

func TestScalingLinear(t *testing.T) {
	rs := ResolveScaling(4096, &Params{Type: "linear", Factor: 2})
	if rs == nil {
		t.Fatalf("expected rope scaling")
	}
	if rs.Type != "linear" {
		t.Fatalf("unexpected rope scaling type: %q", rs.Type)
	}
	inv := []float64{1, 0.5, 0.25}
	rs.apply(inv, 10_000)
	want := []float64{0.5, 0.25, 0.125}
	for i := range inv {
		if math.Abs(inv[i]-want[i]) > 1e-9 {
			t.Fatalf("inv[%d]=%g want %g", i, inv[i], want[i])
		}
	}
}

func TestScalingLlama3Band(t *testing.T) {
	rs := &Scaling{
		Type:       "llama3",
		Factor:     4,
		OrigMaxCtx: 8192,
		LowFactor:  1,
		HighFactor: 4,
	}
	inv := []float64{2 * math.Pi / 9000, 2 * math.Pi / 1024}
	rs.apply(inv, 500_000)
	// Long wavelength is divided by the factor; short wavelength is untouched.
	if math.Abs(inv[0]-(2*math.Pi/9000)/4) > 1e-12 {
		t.Fatalf("long wavelength not scaled: %g", inv[0])
	}
	if math.Abs(inv[1]-2*math.Pi/1024) > 1e-12 {
		t.Fatalf("short wavelength changed: %g", inv[1])
	}
}

func TestResolveScalingDefaults(t *testing.T) {
	if rs := ResolveScaling(2048, nil); rs != nil {
		t.Fatalf("expected nil scaling for nil params")
	}
	if rs := ResolveScaling(2048, &Params{RopeType: "default"}); rs != nil {
		t.Fatalf("expected nil scaling for default type")
	}
	if rs := ResolveScaling(2048, &Params{RopeType: "dynamic", Factor: 2}); rs != nil {
		t.Fatalf("expected nil scaling for unsupported type")
	}
	rs := ResolveScaling(2048, &Params{RopeType: "yarn", Factor: 4})
	if rs == nil || rs.AttentionFactor <= 1 {
		t.Fatalf("expected yarn attention factor > 1, got %+v", rs)
	}
}

func TestTablesRotateHalfLayout(t *testing.T) {
	r, err := New(4, 10_000, 2, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cos, sin, err := r.Tables(nil, 3)
	if err != nil {
		t.Fatalf("Tables: %v", err)
	}
	if !cos.ShapeIs(3, 4) || !sin.ShapeIs(3, 4) {
		t.Fatalf("shapes %v %v", cos.Shape, sin.Shape)
	}
	// Position 0 is the identity rotation.
	for i := range 4 {
		if cos.Data[i] != 1 || sin.Data[i] != 0 {
			t.Fatalf("position 0 col %d: cos=%v sin=%v", i, cos.Data[i], sin.Data[i])
		}
	}
	// Both halves share frequencies.
	for pos := range 3 {
		row := cos.Data[pos*4 : pos*4+4]
		if row[0] != row[2] || row[1] != row[3] {
			t.Fatalf("position %d halves differ: %v", pos, row)
		}
	}
	want := float32(math.Cos(2))
	if math.Abs(float64(cos.Data[2*4]-want)) > 1e-6 {
		t.Fatalf("cos(2) = %v want %v", cos.Data[8], want)
	}
}

func TestApplyPreservesNormAndMatchesReference(t *testing.T) {
	const d = 8
	r, err := New(d, 10_000, 16, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	q := tensor.New(tensor.F32, 1, 2, 3, d)
	k := tensor.New(tensor.F32, 1, 1, 3, d)
	tensor.FillUniform(q, 1, 1)
	tensor.FillUniform(k, 2, 1)
	cos, sin, err := r.Tables(q, 8)
	if err != nil {
		t.Fatalf("Tables: %v", err)
	}
	pos := [][]int{{5, 6, 7}}
	qr, kr, err := r.Apply(q, k, cos, sin, pos)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	norm := func(x []float32) float64 {
		var s float64
		for _, v := range x {
			s += float64(v) * float64(v)
		}
		return math.Sqrt(s)
	}
	for row := 0; row < len(q.Data); row += d {
		if math.Abs(norm(q.Data[row:row+d])-norm(qr.Data[row:row+d])) > 1e-5 {
			t.Fatalf("rotation changed norm at row %d", row/d)
		}
	}

	// Reference for key row at position 6, pair (0, 4).
	angle := 6.0
	x0, x4 := float64(k.Data[d+0]), float64(k.Data[d+4])
	want0 := x0*math.Cos(angle) - x4*math.Sin(angle)
	if math.Abs(float64(kr.Data[d+0])-want0) > 1e-5 {
		t.Fatalf("key rotation: got %v want %v", kr.Data[d], want0)
	}
}

func TestApplyRejectsOutOfRangePositions(t *testing.T) {
	r, err := New(4, 10_000, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	q := tensor.New(tensor.F32, 1, 1, 2, 4)
	cos, sin, err := r.Tables(q, 2)
	if err != nil {
		t.Fatalf("Tables: %v", err)
	}
	_, _, err = r.Apply(q, q, cos, sin, [][]int{{1, 2}})
	if !errors.Is(err, ErrPositionOutOfRange) {
		t.Fatalf("expected ErrPositionOutOfRange, got %v", err)
	}
}

func TestNewRejectsOddHeadDim(t *testing.T) {
	if _, err := New(5, 10_000, 4, nil); err == nil {
		t.Fatal("expected error for odd head dim")
	}
}
