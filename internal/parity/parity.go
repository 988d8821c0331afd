// Package parity runs the behavioural equivalence checks between the fused
// and explicit attention implementations and reports the results.
package parity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/flashpatch/internal/attention"
	"github.com/samcharles93/flashpatch/internal/flash"
	"github.com/samcharles93/flashpatch/internal/logger"
	"github.com/samcharles93/flashpatch/internal/tensor"
)

// Check names.
const (
	CheckDense            = "dense"
	CheckPadded           = "padded"
	CheckGrouped          = "grouped"
	CheckIncremental      = "incremental"
	CheckMaskShape        = "mask_shape"
	CheckOutputAttentions = "output_attentions"
	CheckTensorParallel   = "tensor_parallel"
)

// AllChecks lists every check in report order.
var AllChecks = []string{
	CheckDense,
	CheckPadded,
	CheckGrouped,
	CheckIncremental,
	CheckMaskShape,
	CheckOutputAttentions,
	CheckTensorParallel,
}

// Options configure a parity run.
type Options struct {
	Attention attention.Config `json:"attention"`
	Batch     int              `json:"batch"`
	SeqLen    int              `json:"seq_len"`
	Seed      int64            `json:"seed"`
	// Tolerance is the allowed max absolute difference; zero selects a
	// default for the working precision.
	Tolerance float64 `json:"tolerance"`
	// Checks restricts the run; empty runs AllChecks.
	Checks []string `json:"checks,omitempty"`
	// Workers bounds concurrently running checks; zero means unbounded.
	Workers int `json:"workers"`

	Kernel flash.Kernel `json:"-"`
	// Weights replaces the random layer weights, e.g. with a checkpoint
	// layer. They must match Attention.
	Weights *attention.Weights `json:"-"`
}

// DefaultTolerance returns the comparison tolerance for dtype.
func DefaultTolerance(dtype tensor.DType) float64 {
	switch dtype {
	case tensor.F16:
		return 1e-2
	case tensor.BF16:
		return 6e-2
	default:
		return 1e-4
	}
}

// Result is the outcome of one check.
type Result struct {
	Name       string        `json:"name"`
	Passed     bool          `json:"passed"`
	Skipped    bool          `json:"skipped,omitempty"`
	MaxAbsDiff float64       `json:"max_abs_diff"`
	Detail     string        `json:"detail,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// Report is a completed parity run.
type Report struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	DType     string        `json:"dtype"`
	Tolerance float64       `json:"tolerance"`
	Options   Options       `json:"options"`
	Results   []Result      `json:"results"`
	Passed    bool          `json:"passed"`
}

// Failed returns the names of failed checks.
func (r *Report) Failed() []string {
	var out []string
	for _, res := range r.Results {
		if !res.Passed {
			out = append(out, res.Name)
		}
	}
	return out
}

func (o Options) withDefaults() Options {
	if o.Batch <= 0 {
		o.Batch = 2
	}
	if o.SeqLen <= 0 {
		o.SeqLen = 6
	}
	if o.Attention.KVHeads <= 0 {
		o.Attention.KVHeads = o.Attention.Heads
	}
	if o.Attention.Hidden <= 0 {
		o.Attention.Hidden = o.Attention.Heads * o.Attention.HeadDim
	}
	if o.Attention.MaxPositions < o.SeqLen {
		o.Attention.MaxPositions = o.SeqLen
	}
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance(o.Attention.DType)
	}
	if len(o.Checks) == 0 {
		o.Checks = AllChecks
	}
	return o
}

// ErrInvalidOptions marks a run rejected before any check started.
var ErrInvalidOptions = errors.New("parity: invalid options")

type checkFunc func(ctx context.Context, env *env) (Result, error)

var registry = map[string]checkFunc{
	CheckDense:            checkDense,
	CheckPadded:           checkPadded,
	CheckGrouped:          checkGrouped,
	CheckIncremental:      checkIncremental,
	CheckMaskShape:        checkMaskShape,
	CheckOutputAttentions: checkOutputAttentions,
	CheckTensorParallel:   checkTensorParallel,
}

// Run executes the selected checks concurrently. A check that cannot be set
// up aborts the run; a check whose comparison fails is reported as failed.
func Run(ctx context.Context, opts Options, log logger.Logger) (*Report, error) {
	opts = opts.withDefaults()
	if log == nil {
		log = logger.Discard()
	}
	if err := opts.Attention.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if opts.SeqLen < 2 {
		return nil, fmt.Errorf("%w: seq_len must be at least 2, got %d", ErrInvalidOptions, opts.SeqLen)
	}
	for _, name := range opts.Checks {
		if _, ok := registry[name]; !ok {
			return nil, fmt.Errorf("%w: unknown check %q", ErrInvalidOptions, name)
		}
	}

	report := &Report{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		DType:     opts.Attention.DType.String(),
		Tolerance: opts.Tolerance,
		Options:   opts,
	}
	log = log.With("report", report.ID)
	e := newEnv(opts)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}
	for _, name := range opts.Checks {
		fn := registry[name]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			res, err := fn(gctx, e)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			res.Name = name
			res.Duration = time.Since(start)
			log.Debug("parity check finished", "check", name, "passed", res.Passed, "max_abs_diff", res.MaxAbsDiff)
			mu.Lock()
			report.Results = append(report.Results, res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortFunc(report.Results, func(a, b Result) int {
		return slices.Index(AllChecks, a.Name) - slices.Index(AllChecks, b.Name)
	})
	report.Passed = true
	for _, r := range report.Results {
		report.Passed = report.Passed && r.Passed
	}
	report.Duration = time.Since(report.StartedAt)
	if report.Passed {
		log.Info("parity run passed", "checks", len(report.Results))
	} else {
		log.Warn("parity run failed", "failed", report.Failed())
	}
	return report, nil
}
