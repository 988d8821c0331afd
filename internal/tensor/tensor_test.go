package tensor

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func seq(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}

func mustFromData(t *testing.T, data []float32, shape ...int) *Tensor {
	t.Helper()
	x, err := FromData(F32, data, shape...)
	if err != nil {
		t.Fatalf("FromData: %v", err)
	}
	return x
}

func TestTransposeSwapsAxes(t *testing.T) {
	x := mustFromData(t, seq(6), 2, 3)
	y := x.Transpose(0, 1)
	if !y.ShapeIs(3, 2) {
		t.Fatalf("shape %v", y.Shape)
	}
	want := []float32{0, 3, 1, 4, 2, 5}
	if diff := cmp.Diff(want, y.Data); diff != "" {
		t.Fatalf("transpose mismatch (-want +got):\n%s", diff)
	}
}

func TestPermuteMatchesIndexing(t *testing.T) {
	x := mustFromData(t, seq(2*3*4*5), 2, 3, 4, 5)
	y := x.Permute(0, 3, 2, 1)
	if !y.ShapeIs(2, 5, 4, 3) {
		t.Fatalf("shape %v", y.Shape)
	}
	for a := range 2 {
		for b := range 3 {
			for c := range 4 {
				for d := range 5 {
					src := x.Data[((a*3+b)*4+c)*5+d]
					dst := y.Data[((a*5+d)*4+c)*3+b]
					if src != dst {
						t.Fatalf("[%d %d %d %d]: got %v want %v", a, b, c, d, dst, src)
					}
				}
			}
		}
	}
}

func TestReshapeInfersDimension(t *testing.T) {
	x := mustFromData(t, seq(12), 2, 6)
	y, err := x.Reshape(-1, 3)
	if err != nil {
		t.Fatalf("Reshape: %v", err)
	}
	if !y.ShapeIs(4, 3) {
		t.Fatalf("shape %v", y.Shape)
	}
	if _, err := x.Reshape(5, -1); err == nil {
		t.Fatal("expected error for indivisible reshape")
	}
	if _, err := x.Reshape(-1, -1); err == nil {
		t.Fatal("expected error for two inferred dims")
	}
}

func TestCatAndNarrowRoundTrip(t *testing.T) {
	a := mustFromData(t, seq(2*2*3), 2, 2, 3)
	b := mustFromData(t, seq(2*1*3), 2, 1, 3)
	c, err := Cat(1, a, b)
	if err != nil {
		t.Fatalf("Cat: %v", err)
	}
	if !c.ShapeIs(2, 3, 3) {
		t.Fatalf("shape %v", c.Shape)
	}
	head, err := c.Narrow(1, 0, 2)
	if err != nil {
		t.Fatalf("Narrow: %v", err)
	}
	tail, err := c.Narrow(1, 2, 1)
	if err != nil {
		t.Fatalf("Narrow: %v", err)
	}
	if diff := cmp.Diff(a.Data, head.Data); diff != "" {
		t.Fatalf("head mismatch:\n%s", diff)
	}
	if diff := cmp.Diff(b.Data, tail.Data); diff != "" {
		t.Fatalf("tail mismatch:\n%s", diff)
	}
	if _, err := Cat(0, a, b); err == nil {
		t.Fatal("expected error for mismatched non-cat axis")
	}
}

func TestStackInsertsAxis(t *testing.T) {
	a := mustFromData(t, []float32{1, 2}, 2)
	b := mustFromData(t, []float32{3, 4}, 2)
	s, err := Stack(1, a, b)
	if err != nil {
		t.Fatalf("Stack: %v", err)
	}
	if !s.ShapeIs(2, 2) {
		t.Fatalf("shape %v", s.Shape)
	}
	if diff := cmp.Diff([]float32{1, 3, 2, 4}, s.Data); diff != "" {
		t.Fatalf("stack mismatch:\n%s", diff)
	}
}

func TestMatMulBatched(t *testing.T) {
	a := mustFromData(t, []float32{
		1, 2,
		3, 4,

		1, 0,
		0, 1,
	}, 2, 2, 2)
	b := mustFromData(t, []float32{
		5, 6,
		7, 8,

		9, 8,
		7, 6,
	}, 2, 2, 2)
	c, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul: %v", err)
	}
	want := []float32{19, 22, 43, 50, 9, 8, 7, 6}
	if diff := cmp.Diff(want, c.Data, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Fatalf("matmul mismatch:\n%s", diff)
	}
	if _, err := MatMul(a, mustFromData(t, seq(6), 2, 3, 1)); err == nil {
		t.Fatal("expected inner dimension error")
	}
}

func TestLinearUsesOutInLayout(t *testing.T) {
	x := mustFromData(t, []float32{1, 2, 3}, 1, 3)
	w, err := NewMatFromData(2, 3, []float32{
		1, 0, 0,
		0, 1, 1,
	})
	if err != nil {
		t.Fatalf("NewMatFromData: %v", err)
	}
	y, err := Linear(x, &w, []float32{10, 20})
	if err != nil {
		t.Fatalf("Linear: %v", err)
	}
	if diff := cmp.Diff([]float32{11, 25}, y.Data, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Fatalf("linear mismatch:\n%s", diff)
	}
}

func TestColumnShardsSumToFullProjection(t *testing.T) {
	const rows, cols, shards = 4, 6, 3
	w := NewMat(rows, cols)
	FillRand(&w, 7, 1)
	x := New(F32, 2, cols)
	FillUniform(x, 9, 1)

	full, err := Linear(x, &w, nil)
	if err != nil {
		t.Fatalf("Linear: %v", err)
	}
	parts, err := w.ColumnShards(shards)
	if err != nil {
		t.Fatalf("ColumnShards: %v", err)
	}
	var sum *Tensor
	for i := range parts {
		xs, err := x.Narrow(1, i*cols/shards, cols/shards)
		if err != nil {
			t.Fatalf("Narrow: %v", err)
		}
		y, err := Linear(xs, &parts[i], nil)
		if err != nil {
			t.Fatalf("Linear shard %d: %v", i, err)
		}
		if sum == nil {
			sum = y
			continue
		}
		if err := sum.AddInPlace(y); err != nil {
			t.Fatalf("AddInPlace: %v", err)
		}
	}
	if diff := cmp.Diff(full.Data, sum.Data, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Fatalf("sharded projection mismatch:\n%s", diff)
	}
	if _, err := w.ColumnShards(4); err == nil {
		t.Fatal("expected error for uneven shards")
	}
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	x := mustFromData(t, []float32{1, 2, 3, -1, -1, float32(math.Inf(-1))}, 2, 3)
	x.SoftmaxRows()
	for r := range 2 {
		var sum float64
		for _, v := range x.Data[r*3 : r*3+3] {
			sum += float64(v)
		}
		if math.Abs(sum-1) > 1e-6 {
			t.Fatalf("row %d sums to %v", r, sum)
		}
	}
	if x.Data[5] != 0 {
		t.Fatalf("masked entry got weight %v", x.Data[5])
	}
}

func TestSoftmaxFullyMaskedRowIsZero(t *testing.T) {
	inf := float32(math.Inf(-1))
	x := []float32{inf, inf}
	Softmax(x)
	if x[0] != 0 || x[1] != 0 {
		t.Fatalf("expected zeros, got %v", x)
	}
}

func TestDTypeRounding(t *testing.T) {
	tests := []struct {
		dtype DType
		in    float32
		want  float32
	}{
		{F32, 1.0001, 1.0001},
		{F16, 1.0001, 1},
		{BF16, 1.001, 1},
		{F16, 65504, 65504},
	}
	for _, tc := range tests {
		xs := []float32{tc.in}
		tc.dtype.Round(xs)
		if xs[0] != tc.want {
			t.Errorf("%s.Round(%v) = %v, want %v", tc.dtype, tc.in, xs[0], tc.want)
		}
		if got := tc.dtype.RoundValue(tc.in); got != tc.want {
			t.Errorf("%s.RoundValue(%v) = %v, want %v", tc.dtype, tc.in, got, tc.want)
		}
	}
}

func TestParseDType(t *testing.T) {
	tests := map[string]DType{
		"float32":  F32,
		"fp16":     F16,
		"half":     F16,
		"bfloat16": BF16,
		"BF16":     BF16,
	}
	for in, want := range tests {
		got, err := ParseDType(in)
		if err != nil {
			t.Fatalf("ParseDType(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseDType(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseDType("int8"); err == nil {
		t.Fatal("expected error for int8")
	}
}

func TestRMSNormRows(t *testing.T) {
	x := mustFromData(t, []float32{3, 4, 0, 0}, 2, 2)
	y, err := RMSNormRows(x, []float32{1, 1}, 0)
	if err != nil {
		t.Fatalf("RMSNormRows: %v", err)
	}
	rms := float32(math.Sqrt(12.5))
	want := []float32{3 / rms, 4 / rms}
	if diff := cmp.Diff(want, y.Data[:2], cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Fatalf("rmsnorm mismatch:\n%s", diff)
	}
}
