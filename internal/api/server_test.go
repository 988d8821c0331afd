package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/flashpatch/internal/attention"
	"github.com/samcharles93/flashpatch/internal/backend"
	"github.com/samcharles93/flashpatch/internal/parity"
)

func newTestEcho(t *testing.T, capability string) (*echo.Echo, *ReportStore) {
	t.Helper()
	c, err := backend.ParseCapability(capability)
	if err != nil {
		t.Fatalf("ParseCapability: %v", err)
	}
	store := NewReportStore(2)
	server := NewServer(store, Config{
		Capability: c,
		Defaults: parity.Options{
			Attention: attention.Config{Heads: 4, KVHeads: 2, HeadDim: 8, Hidden: 32, MaxPositions: 16},
			Batch:     2,
			SeqLen:    4,
			Seed:      3,
		},
	})
	e := echo.New()
	server.Register(e)
	return e, store
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t, "8.0")
	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}
}

func TestCapabilityAutoSelection(t *testing.T) {
	t.Parallel()
	tests := []struct {
		capability string
		auto       string
		fused      bool
	}{
		{"8.6", backend.Flash, true},
		{"7.5", backend.Flash, false},
	}
	for _, tt := range tests {
		t.Run(tt.capability, func(t *testing.T) {
			e, _ := newTestEcho(t, tt.capability)
			rec := doJSON(t, e, http.MethodGet, "/v1/capability", "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
			}
			var resp CapabilityResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Auto != tt.auto || resp.SupportsFused != tt.fused || resp.RequiredMajor != backend.FusedMinMajor {
				t.Fatalf("unexpected capability response: %+v", resp)
			}
		})
	}
}

func TestParityLifecycle(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t, "8.0")

	createRec := doJSON(t, e, http.MethodPost, "/v1/parity", `{"checks":["dense","grouped"]}`)
	if createRec.Code != http.StatusOK {
		t.Fatalf("create status: got %d body=%s", createRec.Code, createRec.Body.String())
	}
	var created parity.Report
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if created.ID == "" || !created.Passed || len(created.Results) != 2 {
		t.Fatalf("unexpected report: %+v", created)
	}
	if created.Options.Attention.DType.String() != "float32" {
		t.Fatalf("dtype %v", created.Options.Attention.DType)
	}

	getRec := doJSON(t, e, http.MethodGet, "/v1/parity/"+created.ID, "")
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status: got %d body=%s", getRec.Code, getRec.Body.String())
	}

	listRec := doJSON(t, e, http.MethodGet, "/v1/parity", "")
	if !strings.Contains(listRec.Body.String(), created.ID) {
		t.Fatalf("list missing report: %s", listRec.Body.String())
	}

	delRec := doJSON(t, e, http.MethodDelete, "/v1/parity/"+created.ID, "")
	if delRec.Code != http.StatusOK || !strings.Contains(delRec.Body.String(), `"deleted":true`) {
		t.Fatalf("delete: %d %s", delRec.Code, delRec.Body.String())
	}
	if rec := doJSON(t, e, http.MethodGet, "/v1/parity/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
	if rec := doJSON(t, e, http.MethodDelete, "/v1/parity/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestParityRequestDType(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t, "8.0")
	rec := doJSON(t, e, http.MethodPost, "/v1/parity", `{"attention":{"dtype":"bf16"},"checks":["dense"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"dtype":"bfloat16"`) {
		t.Fatalf("dtype not applied: %s", rec.Body.String())
	}
}

func TestParityValidationErrors(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t, "8.0")
	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed", `{`, "invalid_request_error"},
		{"unknown field", `{"bogus":1}`, "invalid_request_error"},
		{"unknown check", `{"checks":["nope"]}`, "unknown check"},
		{"bad heads", `{"attention":{"heads":4,"kv_heads":3,"head_dim":8}}`, "multiple of kv heads"},
		{"bad dtype", `{"attention":{"dtype":"int8"}}`, "invalid_request_error"},
		{"too large", `{"batch":4096,"seq_len":4096}`, "exceeds"},
		{"product overflow", `{"batch":4611686018427387904,"seq_len":4611686018427387904}`, "batch*seq_len*hidden exceeds"},
		{"rotary table", `{"attention":{"heads":4,"kv_heads":2,"head_dim":8,"max_positions":1099511627776}}`, "max_positions*head_dim exceeds"},
		{"projection weights", `{"attention":{"heads":4096,"kv_heads":4096,"head_dim":64},"batch":1,"seq_len":2}`, "4*hidden^2"},
		{"hidden override", `{"attention":{"heads":4,"kv_heads":2,"head_dim":8,"hidden":1048576},"batch":1,"seq_len":2}`, "exceed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, "/v1/parity", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Fatalf("body %s does not mention %q", rec.Body.String(), tt.want)
			}
		})
	}
}

func TestBoundedProduct(t *testing.T) {
	t.Parallel()
	tests := []struct {
		factors []int
		want    int
		ok      bool
	}{
		{[]int{2, 3, 4}, 24, true},
		{[]int{1 << 11, 1 << 11}, 1 << 22, true},
		{[]int{1 << 11, 1 << 11, 2}, 0, false},
		{[]int{1 << 62, 1 << 62}, 0, false},
		{[]int{1 << 62, 0}, 0, true},
		{[]int{-5, 1 << 62}, 0, true},
	}
	for _, tt := range tests {
		got, ok := boundedProduct(1<<22, tt.factors...)
		if got != tt.want || ok != tt.ok {
			t.Errorf("boundedProduct(%v) = %d, %v; want %d, %v", tt.factors, got, ok, tt.want, tt.ok)
		}
	}
}

func TestReportStoreEvictsOldest(t *testing.T) {
	t.Parallel()
	store := NewReportStore(2)
	for _, id := range []string{"a", "b", "c"} {
		store.Put(&parity.Report{ID: id})
	}
	if _, ok := store.Get("a"); ok {
		t.Fatal("oldest report not evicted")
	}
	var ids []string
	for _, r := range store.List() {
		ids = append(ids, r.ID)
	}
	if strings.Join(ids, ",") != "c,b" {
		t.Fatalf("list order %v", ids)
	}
}
