package api

import (
	"github.com/samcharles93/flashpatch/internal/backend"
	"github.com/samcharles93/flashpatch/internal/parity"
)

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// CapabilityResponse describes the host and the implementation Auto resolves
// to, which does not depend on the capability.
type CapabilityResponse struct {
	Object          string             `json:"object"`
	Capability      backend.Capability `json:"capability"`
	SupportsFused   bool               `json:"supports_fused"`
	RequiredMajor   int                `json:"required_major"`
	Implementations []string           `json:"implementations"`
	Auto            string             `json:"auto"`
}

// ParityRequest is the body of POST /v1/parity. Zero fields take the
// parity package defaults.
type ParityRequest struct {
	parity.Options
}

// ReportSummary is one entry of GET /v1/parity.
type ReportSummary struct {
	ID        string   `json:"id"`
	CreatedAt int64    `json:"created_at"`
	DType     string   `json:"dtype"`
	Passed    bool     `json:"passed"`
	Failed    []string `json:"failed,omitempty"`
}

// ReportList is the body of GET /v1/parity.
type ReportList struct {
	Object string          `json:"object"`
	Data   []ReportSummary `json:"data"`
}

// DeleteResponse acknowledges DELETE /v1/parity/:id.
type DeleteResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}
