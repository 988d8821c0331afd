package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// writeRaw creates a safetensors file from a header map and a data blob.
func writeRaw(t *testing.T, path string, header map[string]any, data []byte) {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	buf := append(lenBuf[:], headerBytes...)
	buf = append(buf, data...)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func TestWriteThenRead(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "attn.safetensors")

	entries := []Entry{
		{Name: "model.layers.0.self_attn.q_proj.weight", Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		{Name: "model.layers.0.input_layernorm.weight", Shape: []int{3}, Data: []float32{0.5, -1, 2}},
	}
	if err := Write(path, entries, map[string]string{"format": "pt"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	names := f.Names()
	if len(names) != 2 || names[0] != "model.layers.0.input_layernorm.weight" {
		t.Fatalf("unexpected names %v", names)
	}
	for _, e := range entries {
		got, info, err := f.ReadTensorF32(e.Name)
		if err != nil {
			t.Fatalf("ReadTensorF32(%s): %v", e.Name, err)
		}
		if info.DType != "F32" {
			t.Fatalf("%s: dtype %q", e.Name, info.DType)
		}
		for i := range e.Data {
			if got[i] != e.Data[i] {
				t.Fatalf("%s[%d]: got %v want %v", e.Name, i, got[i], e.Data[i])
			}
		}
	}
}

func TestWriteRejectsShapeMismatch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.safetensors")
	err := Write(path, []Entry{{Name: "w", Shape: []int{2, 2}, Data: []float32{1, 2, 3}}}, nil)
	if err == nil {
		t.Fatal("expected error for mismatched data length")
	}
}

func TestReadHalfPrecision(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dtype string
		bits  []uint16
		want  []float32
	}{
		{"BF16", []uint16{0x3F80, 0x4000, 0xBF80}, []float32{1, 2, -1}},
		{"F16", []uint16{0x3C00, 0x4000, 0xBC00}, []float32{1, 2, -1}},
	}
	for _, tc := range tests {
		path := filepath.Join(t.TempDir(), tc.dtype+".safetensors")
		data := make([]byte, 2*len(tc.bits))
		for i, b := range tc.bits {
			binary.LittleEndian.PutUint16(data[i*2:], b)
		}
		writeRaw(t, path, map[string]any{
			"x": map[string]any{"dtype": tc.dtype, "shape": []int{len(tc.bits)}, "data_offsets": []int64{0, int64(len(data))}},
		}, data)

		f, err := Open(path)
		if err != nil {
			t.Fatalf("%s: Open: %v", tc.dtype, err)
		}
		got, _, err := f.ReadTensorF32("x")
		if err != nil {
			t.Fatalf("%s: ReadTensorF32: %v", tc.dtype, err)
		}
		for i := range tc.want {
			if got[i] != tc.want[i] {
				t.Fatalf("%s[%d]: got %v want %v", tc.dtype, i, got[i], tc.want[i])
			}
		}
	}
}

func TestMetadataIgnored(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "meta.safetensors")
	writeRaw(t, path, map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"w":            map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0, 4}},
	}, make([]byte, 4))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(f.Tensors) != 1 {
		t.Fatalf("expected 1 tensor, got %d", len(f.Tensors))
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	truncated := filepath.Join(dir, "truncated.safetensors")
	if err := os.WriteFile(truncated, []byte{0, 0, 0, 0}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(truncated); err == nil {
		t.Fatal("expected error for truncated file")
	}

	badOffsets := filepath.Join(dir, "offsets.safetensors")
	writeRaw(t, badOffsets, map[string]any{
		"w": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0}},
	}, nil)
	if _, err := Open(badOffsets); err == nil {
		t.Fatal("expected error for invalid data_offsets")
	}

	if _, err := Open(filepath.Join(dir, "missing.safetensors")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestReadTensorErrors(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "errs.safetensors")
	writeRaw(t, path, map[string]any{
		"i8":       map[string]any{"dtype": "I8", "shape": []int{4}, "data_offsets": []int64{0, 4}},
		"short":    map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int64{0, 4}},
		"inverted": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{4, 0}},
	}, make([]byte, 4))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, name := range []string{"i8", "short", "inverted", "absent"} {
		if _, _, err := f.ReadTensorF32(name); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
