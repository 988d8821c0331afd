package parity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/samcharles93/flashpatch/internal/attention"
	"github.com/samcharles93/flashpatch/internal/logger"
	"github.com/samcharles93/flashpatch/internal/tensor"
)

// env is the shared, read-only input of every check.
type env struct {
	opts   Options
	hidden *tensor.Tensor
}

func newEnv(opts Options) *env {
	h := tensor.New(opts.Attention.DType, opts.Batch, opts.SeqLen, opts.Attention.Hidden)
	tensor.FillUniform(h, opts.Seed+101, 1)
	return &env{opts: opts, hidden: h}
}

// weights returns the checkpoint weights when set, otherwise reproducible
// random weights offset from the run seed.
func (e *env) weights(cfg attention.Config, offset int64) attention.Weights {
	if e.opts.Weights != nil {
		return *e.opts.Weights
	}
	return attention.RandomWeights(cfg, e.opts.Seed+offset)
}

func (e *env) fused(log logger.Logger) *attention.Fused {
	k := e.opts.Kernel
	return attention.NewFused(&k, nil, log)
}

func (e *env) layer(cfg attention.Config, w attention.Weights, impl attention.Implementation, opts ...attention.Option) (*attention.Attention, error) {
	return attention.New(cfg, w, impl, opts...)
}

// pair builds an eager and a fused layer over the same weights.
func (e *env) pair(cfg attention.Config, w attention.Weights) (eager, fused *attention.Attention, err error) {
	if eager, err = e.layer(cfg, w, attention.NewEager()); err != nil {
		return nil, nil, err
	}
	if fused, err = e.layer(cfg, w, e.fused(nil)); err != nil {
		return nil, nil, err
	}
	return eager, fused, nil
}

// run prepares the mask a layer's implementation expects and runs it.
func run(a *attention.Attention, hidden, padding *tensor.Tensor, past *attention.KVState) (attention.Output, error) {
	batch, qLen := hidden.Shape[0], hidden.Shape[1]
	mask, err := a.PrepareMask(padding, batch, qLen, past.SeqLen())
	if err != nil {
		return attention.Output{}, err
	}
	return a.Forward(attention.Input{Hidden: hidden, Mask: mask, Past: past, UseCache: true})
}

func (e *env) compare(diff float64, detail string) Result {
	return Result{Passed: diff <= e.opts.Tolerance, MaxAbsDiff: diff, Detail: detail}
}

func skipped(detail string) Result {
	return Result{Passed: true, Skipped: true, Detail: detail}
}

func checkDense(ctx context.Context, e *env) (Result, error) {
	cfg := e.opts.Attention
	eager, fused, err := e.pair(cfg, e.weights(cfg, 0))
	if err != nil {
		return Result{}, err
	}
	want, err := run(eager, e.hidden, nil, nil)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	got, err := run(fused, e.hidden, nil, nil)
	if err != nil {
		return Result{}, err
	}
	return e.compare(tensor.MaxAbsDiff(want.Hidden.Data, got.Hidden.Data), "fused vs eager, causal, no padding"), nil
}

// validLengths right-pads row b to max(seq-b, 1) valid tokens.
func validLengths(batch, seq int) []int {
	out := make([]int, batch)
	for b := range out {
		out[b] = max(seq-b, 1)
	}
	return out
}

func paddingMask(dtype tensor.DType, seq int, lengths []int) *tensor.Tensor {
	m := tensor.New(dtype, len(lengths), seq)
	for b, n := range lengths {
		for s := range n {
			m.Data[b*seq+s] = 1
		}
	}
	return m
}

func checkPadded(ctx context.Context, e *env) (Result, error) {
	cfg := e.opts.Attention
	w := e.weights(cfg, 0)
	eager, fused, err := e.pair(cfg, w)
	if err != nil {
		return Result{}, err
	}
	batch, seq, hidden := e.opts.Batch, e.opts.SeqLen, cfg.Hidden
	lengths := validLengths(batch, seq)
	padding := paddingMask(cfg.DType, seq, lengths)

	dense, err := run(fused, e.hidden, nil, nil)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	got, err := run(fused, e.hidden, padding, nil)
	if err != nil {
		return Result{}, err
	}
	ref, err := run(eager, e.hidden, padding, nil)
	if err != nil {
		return Result{}, err
	}

	var worst float64
	var leaked bool
	for b, n := range lengths {
		row := b * seq * hidden
		valid := row + n*hidden
		worst = math.Max(worst, tensor.MaxAbsDiff(dense.Hidden.Data[row:valid], got.Hidden.Data[row:valid]))
		worst = math.Max(worst, tensor.MaxAbsDiff(ref.Hidden.Data[row:valid], got.Hidden.Data[row:valid]))
		// Padded rows carry only the output bias.
		for i, v := range got.Hidden.Data[valid : row+seq*hidden] {
			var want float32
			if w.OBias != nil {
				want = w.OBias[i%hidden]
			}
			if v != want {
				leaked = true
			}
		}
	}
	res := e.compare(worst, fmt.Sprintf("right padding, valid lengths %v", lengths))
	if leaked {
		res.Passed = false
		res.Detail += "; padded positions hold more than the output bias"
	}
	return res, nil
}

// ungroup copies each key/value head block so every query head has its own.
func ungroup(cfg attention.Config, w attention.Weights) (attention.Config, attention.Weights) {
	groups, d := cfg.Groups(), cfg.HeadDim
	expand := func(m tensor.Mat) tensor.Mat {
		out := tensor.NewMat(cfg.Heads*d, m.C)
		for h := range cfg.Heads {
			for r := range d {
				copy(out.Row(h*d+r), m.Row((h/groups)*d+r))
			}
		}
		return out
	}
	expandBias := func(b []float32) []float32 {
		if b == nil {
			return nil
		}
		out := make([]float32, cfg.Heads*d)
		for h := range cfg.Heads {
			copy(out[h*d:(h+1)*d], b[(h/groups)*d:(h/groups+1)*d])
		}
		return out
	}
	w.K, w.V = expand(w.K), expand(w.V)
	w.KBias, w.VBias = expandBias(w.KBias), expandBias(w.VBias)
	cfg.KVHeads = cfg.Heads
	return cfg, w
}

func checkGrouped(ctx context.Context, e *env) (Result, error) {
	cfg := e.opts.Attention
	if cfg.Groups() == 1 {
		return skipped("kv heads equal query heads"), nil
	}
	w := e.weights(cfg, 0)
	eager, fused, err := e.pair(cfg, w)
	if err != nil {
		return Result{}, err
	}
	fullCfg, fullW := ungroup(cfg, w)
	reference, err := e.layer(fullCfg, fullW, attention.NewEager())
	if err != nil {
		return Result{}, err
	}
	want, err := run(reference, e.hidden, nil, nil)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	var worst float64
	for _, a := range []*attention.Attention{eager, fused} {
		got, err := run(a, e.hidden, nil, nil)
		if err != nil {
			return Result{}, err
		}
		worst = math.Max(worst, tensor.MaxAbsDiff(want.Hidden.Data, got.Hidden.Data))
	}
	return e.compare(worst, fmt.Sprintf("%d kv heads vs %d copied heads", cfg.KVHeads, cfg.Heads)), nil
}

func checkIncremental(ctx context.Context, e *env) (Result, error) {
	cfg := e.opts.Attention
	eager, fused, err := e.pair(cfg, e.weights(cfg, 0))
	if err != nil {
		return Result{}, err
	}
	seq := e.opts.SeqLen
	prefix, err := e.hidden.Narrow(1, 0, seq-1)
	if err != nil {
		return Result{}, err
	}
	step, err := e.hidden.Narrow(1, seq-1, 1)
	if err != nil {
		return Result{}, err
	}

	var worst float64
	for _, a := range []*attention.Attention{fused, eager} {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		full, err := run(a, e.hidden, nil, nil)
		if err != nil {
			return Result{}, err
		}
		first, err := run(a, prefix, nil, nil)
		if err != nil {
			return Result{}, err
		}
		next, err := run(a, step, nil, first.Present)
		if err != nil {
			return Result{}, err
		}
		if next.Present.SeqLen() != seq {
			return Result{Detail: fmt.Sprintf("%s: present state has %d positions, want %d", a.Implementation().Name(), next.Present.SeqLen(), seq)}, nil
		}
		last, err := full.Hidden.Narrow(1, seq-1, 1)
		if err != nil {
			return Result{}, err
		}
		worst = math.Max(worst, tensor.MaxAbsDiff(last.Data, next.Hidden.Data))
	}
	return e.compare(worst, fmt.Sprintf("%d cached positions plus one step vs full pass", seq-1)), nil
}

// countingOps counts softmax invocations.
type countingOps struct {
	softmax atomic.Int64
}

func (*countingOps) Linear(x *tensor.Tensor, w *tensor.Mat, bias []float32) (*tensor.Tensor, error) {
	return tensor.Linear(x, w, bias)
}

func (*countingOps) MatMul(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.MatMul(a, b)
}

func (o *countingOps) Softmax(x *tensor.Tensor) {
	o.softmax.Add(1)
	x.SoftmaxRows()
}

func checkMaskShape(ctx context.Context, e *env) (Result, error) {
	cfg := e.opts.Attention
	w := e.weights(cfg, 0)
	ops := &countingOps{}
	eager, err := e.layer(cfg, w, attention.NewEager(), attention.WithOps(ops))
	if err != nil {
		return Result{}, err
	}
	fused, err := e.layer(cfg, w, e.fused(nil), attention.WithOps(ops))
	if err != nil {
		return Result{}, err
	}
	batch, seq := e.opts.Batch, e.opts.SeqLen

	bad := tensor.New(cfg.DType, batch, 1, seq, seq+1)
	_, eagerErr := eager.Forward(attention.Input{Hidden: e.hidden, Mask: bad})

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	prefix, err := e.hidden.Narrow(1, 0, seq-1)
	if err != nil {
		return Result{}, err
	}
	step, err := e.hidden.Narrow(1, seq-1, 1)
	if err != nil {
		return Result{}, err
	}
	first, err := run(fused, prefix, nil, nil)
	if err != nil {
		return Result{}, err
	}
	badStep := tensor.New(cfg.DType, batch, 1, 1, seq-1)
	_, fusedErr := fused.Forward(attention.Input{Hidden: step, Mask: badStep, Past: first.Present})

	res := Result{Passed: true, Detail: "malformed masks rejected before softmax"}
	for _, c := range []struct {
		name string
		err  error
	}{{"eager", eagerErr}, {"fused incremental", fusedErr}} {
		if !errors.Is(c.err, attention.ErrShapeMismatch) {
			res.Passed = false
			res.Detail = fmt.Sprintf("%s: expected shape mismatch, got %v", c.name, c.err)
		}
	}
	if n := ops.softmax.Load(); n != 0 {
		res.Passed = false
		res.Detail = fmt.Sprintf("softmax ran %d times on a malformed mask", n)
	}
	return res, nil
}

func checkOutputAttentions(ctx context.Context, e *env) (Result, error) {
	cfg := e.opts.Attention
	var buf bytes.Buffer
	log := logger.JSON(&buf, slog.LevelWarn)
	impl := e.fused(log)

	layers := make([]*attention.Attention, 2)
	for i := range layers {
		a, err := e.layer(cfg, e.weights(cfg, int64(i)*16), impl)
		if err != nil {
			return Result{}, err
		}
		layers[i] = a
	}

	const calls = 3
	res := Result{Passed: true}
	for range calls {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		for _, a := range layers {
			out, err := a.Forward(attention.Input{Hidden: e.hidden, OutputAttentions: true})
			if err != nil {
				return Result{}, err
			}
			if out.Weights != nil {
				res.Passed = false
				res.Detail = "fused path returned attention weights"
			}
		}
	}
	warnings := bytes.Count(buf.Bytes(), []byte(`"level":"WARN"`))
	if warnings != 1 {
		res.Passed = false
		res.Detail = fmt.Sprintf("advisory logged %d times, want 1", warnings)
	}
	if res.Passed {
		res.Detail = fmt.Sprintf("%d calls over %d layers, one advisory, no weights", calls*len(layers), len(layers))
	}
	return res, nil
}

func checkTensorParallel(ctx context.Context, e *env) (Result, error) {
	cfg := e.opts.Attention
	const tp = 2
	if cfg.Hidden%tp != 0 {
		return skipped(fmt.Sprintf("hidden size %d not divisible by %d", cfg.Hidden, tp)), nil
	}
	w := e.weights(cfg, 0)
	w.OBias = make([]float32, cfg.Hidden)
	for i := range w.OBias {
		w.OBias[i] = cfg.DType.RoundValue(float32(i%5) * 0.01)
	}

	single := cfg
	single.TensorParallel = 1
	split := cfg
	split.TensorParallel = tp

	var worst float64
	for _, impl := range []func() attention.Implementation{
		func() attention.Implementation { return attention.NewEager() },
		func() attention.Implementation { return e.fused(nil) },
	} {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		a, err := e.layer(single, w, impl())
		if err != nil {
			return Result{}, err
		}
		b, err := e.layer(split, w, impl())
		if err != nil {
			return Result{}, err
		}
		want, err := run(a, e.hidden, nil, nil)
		if err != nil {
			return Result{}, err
		}
		got, err := run(b, e.hidden, nil, nil)
		if err != nil {
			return Result{}, err
		}
		worst = math.Max(worst, tensor.MaxAbsDiff(want.Hidden.Data, got.Hidden.Data))
	}
	return e.compare(worst, fmt.Sprintf("output projection split %d ways", tp)), nil
}
