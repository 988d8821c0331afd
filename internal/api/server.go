// Package api serves host capability and fused/explicit attention parity
// reports over HTTP.
package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/flashpatch/internal/backend"
	"github.com/samcharles93/flashpatch/internal/flash"
	"github.com/samcharles93/flashpatch/internal/logger"
	"github.com/samcharles93/flashpatch/internal/parity"
	"github.com/samcharles93/flashpatch/internal/version"
)

// Allocation bounds of a parity request, in float32 elements.
const (
	// maxElements bounds batch*seq_len*hidden activations.
	maxElements = 1 << 22
	// maxRotaryElements bounds the max_positions*head_dim rotary tables.
	maxRotaryElements = 1 << 22
	// maxWeightElements bounds the four hidden*hidden projections.
	maxWeightElements = 1 << 24
)

// Config configures a Server.
type Config struct {
	Capability backend.Capability
	Kernel     flash.Kernel
	Logger     logger.Logger
	// Defaults fill zero fields of incoming parity requests.
	Defaults parity.Options
}

type Server struct {
	store *ReportStore
	cfg   Config
	log   logger.Logger
}

func NewServer(store *ReportStore, cfg Config) *Server {
	if store == nil {
		store = NewReportStore(0)
	}
	if cfg.Capability.Major == 0 {
		cfg.Capability = backend.DetectCapability()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		store: store,
		cfg:   cfg,
		log:   log,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/capability", s.handleCapability)

	e.POST("/v1/parity", s.handleCreateParity)
	e.GET("/v1/parity", s.handleListParity)
	e.GET("/v1/parity/:id", s.handleGetParity)
	e.DELETE("/v1/parity/:id", s.handleDeleteParity)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: version.String()})
}

func (s *Server) handleCapability(c *echo.Context) error {
	capability := s.cfg.Capability
	return c.JSON(http.StatusOK, CapabilityResponse{
		Object:          "capability",
		Capability:      capability,
		SupportsFused:   capability.SupportsFused(),
		RequiredMajor:   backend.FusedMinMajor,
		Implementations: []string{backend.Auto, backend.Eager, backend.Flash},
		Auto:            backend.Flash,
	})
}

func (s *Server) handleCreateParity(c *echo.Context) error {
	req, err := decodeJSON[ParityRequest](c.Request().Body)
	if err != nil {
		return writeErr(c, err)
	}
	opts := s.withDefaults(req.Options)
	if err := checkBounds(opts); err != nil {
		return writeErr(c, err)
	}
	opts.Kernel = s.cfg.Kernel

	report, err := parity.Run(c.Request().Context(), opts, s.log)
	if err != nil {
		s.log.Warn("parity request failed", "error", err)
		return writeErr(c, err)
	}
	s.store.Put(report)
	return c.JSON(http.StatusOK, report)
}

// withDefaults fills the layer shape and run size from the server defaults
// when the request leaves them unset.
func (s *Server) withDefaults(o parity.Options) parity.Options {
	d := s.cfg.Defaults
	if o.Attention.Heads == 0 && o.Attention.Hidden == 0 {
		dtype := o.Attention.DType
		o.Attention = d.Attention
		if dtype != 0 {
			o.Attention.DType = dtype
		}
	}
	if o.Batch == 0 {
		o.Batch = d.Batch
	}
	if o.SeqLen == 0 {
		o.SeqLen = d.SeqLen
	}
	if o.Seed == 0 {
		o.Seed = d.Seed
	}
	if o.Workers == 0 {
		o.Workers = d.Workers
	}
	return o
}

// checkBounds rejects requests whose tensors would not fit the allocation
// bounds. Products are checked without overflowing.
func checkBounds(o parity.Options) error {
	a := o.Attention
	hidden, ok := boundedProduct(maxWeightElements, a.Heads, a.HeadDim)
	if !ok {
		return newInvalidRequest(fmt.Sprintf("heads*head_dim exceeds %d", maxWeightElements))
	}
	hidden = max(hidden, a.Hidden)
	if _, ok := boundedProduct(maxElements, o.Batch, o.SeqLen, hidden); !ok {
		return newInvalidRequest(fmt.Sprintf("batch*seq_len*hidden exceeds %d", maxElements))
	}
	if _, ok := boundedProduct(maxWeightElements, 4, hidden, hidden); !ok {
		return newInvalidRequest(fmt.Sprintf("projection weights 4*hidden^2 exceed %d", maxWeightElements))
	}
	if _, ok := boundedProduct(maxRotaryElements, max(a.MaxPositions, o.SeqLen), a.HeadDim); !ok {
		return newInvalidRequest(fmt.Sprintf("max_positions*head_dim exceeds %d", maxRotaryElements))
	}
	return nil
}

// boundedProduct multiplies factors and reports whether the product stays
// within limit. A non-positive factor yields zero.
func boundedProduct(limit int, factors ...int) (int, bool) {
	for _, f := range factors {
		if f <= 0 {
			return 0, true
		}
	}
	n := 1
	for _, f := range factors {
		if n > limit/f {
			return 0, false
		}
		n *= f
	}
	return n, true
}

func (s *Server) handleListParity(c *echo.Context) error {
	reports := s.store.List()
	data := make([]ReportSummary, 0, len(reports))
	for _, r := range reports {
		data = append(data, ReportSummary{
			ID:        r.ID,
			CreatedAt: r.StartedAt.Unix(),
			DType:     r.DType,
			Passed:    r.Passed,
			Failed:    r.Failed(),
		})
	}
	return c.JSON(http.StatusOK, ReportList{Object: "list", Data: data})
}

func (s *Server) handleGetParity(c *echo.Context) error {
	id := c.Param("id")
	report, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, "report not found")
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleDeleteParity(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeErr(c, newNotFound(fmt.Sprintf("report %q not found", id)))
	}
	return c.JSON(http.StatusOK, DeleteResponse{ID: id, Object: "parity.report.deleted", Deleted: true})
}
