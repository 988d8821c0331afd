// Package flash implements a fused variable-length causal attention kernel
// over packed QKV tensors together with the unpad/pad utilities used to
// compact padded batches.
//
// The kernel never materializes the (seq, seq) weight matrix: each query row
// streams over key blocks with an online softmax, keeping only a running
// maximum, a running normalizer and a head-sized accumulator.
package flash

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/flashpatch/internal/tensor"
)

// ErrInvalidInput is returned for malformed packed tensors or boundaries.
var ErrInvalidInput = errors.New("flash: invalid input")

const defaultBlockSize = 64

// Options are the per-call kernel parameters.
type Options struct {
	// Dropout is the probability of dropping an attention weight. Zero
	// disables dropout.
	Dropout float32
	// Scale multiplies q·k. Zero selects 1/sqrt(headDim).
	Scale float32
	// Causal restricts each query to keys at or before its own position.
	Causal bool
	// Seed drives the dropout mask.
	Seed uint64
}

// Kernel runs attention over packed variable-length sequences. The zero value
// is ready to use.
type Kernel struct {
	// Workers bounds the number of concurrent (sequence, head) tasks.
	// Zero means GOMAXPROCS.
	Workers int
	// BlockSize is the number of keys scored per online-softmax step.
	BlockSize int
}

// VarlenQKVPacked computes attention for qkv of shape (total, 3, heads,
// headDim). cuSeqlens holds batch+1 cumulative boundaries into the total
// axis; maxSeqlen bounds every sequence length. The result has shape
// (total, heads, headDim) in the working precision of qkv.
func (k *Kernel) VarlenQKVPacked(qkv *tensor.Tensor, cuSeqlens []int32, maxSeqlen int, opts Options) (*tensor.Tensor, error) {
	if qkv == nil || qkv.Dims() != 4 || qkv.Shape[1] != 3 {
		shape := []int(nil)
		if qkv != nil {
			shape = qkv.Shape
		}
		return nil, fmt.Errorf("%w: qkv must be (total, 3, heads, headDim), got %v", ErrInvalidInput, shape)
	}
	total, heads, headDim := qkv.Shape[0], qkv.Shape[2], qkv.Shape[3]
	if err := checkSeqlens(cuSeqlens, total, maxSeqlen); err != nil {
		return nil, err
	}
	if opts.Dropout < 0 || opts.Dropout >= 1 {
		return nil, fmt.Errorf("%w: dropout %v not in [0, 1)", ErrInvalidInput, opts.Dropout)
	}
	scale := float64(opts.Scale)
	if scale == 0 {
		scale = 1 / math.Sqrt(float64(headDim))
	}

	out := tensor.New(qkv.DType, total, heads, headDim)
	if total == 0 || heads == 0 || headDim == 0 {
		return out, nil
	}

	block := k.BlockSize
	if block <= 0 {
		block = defaultBlockSize
	}
	workers := k.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for s := 0; s+1 < len(cuSeqlens); s++ {
		start, end := int(cuSeqlens[s]), int(cuSeqlens[s+1])
		if start == end {
			continue
		}
		for h := range heads {
			t := seqTask{
				qkv:     qkv.Data,
				out:     out.Data,
				start:   start,
				end:     end,
				head:    h,
				heads:   heads,
				headDim: headDim,
				block:   block,
				scale:   scale,
				causal:  opts.Causal,
				dropout: float64(opts.Dropout),
			}
			if opts.Dropout > 0 {
				t.rng = rand.New(rand.NewPCG(opts.Seed, uint64(s*heads+h)))
			}
			g.Go(func() error {
				t.run()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out.Round()
	return out, nil
}

func checkSeqlens(cu []int32, total, maxSeqlen int) error {
	if len(cu) < 2 {
		return fmt.Errorf("%w: need at least 2 cumulative lengths, got %d", ErrInvalidInput, len(cu))
	}
	if cu[0] != 0 {
		return fmt.Errorf("%w: cumulative lengths must start at 0, got %d", ErrInvalidInput, cu[0])
	}
	for i := 1; i < len(cu); i++ {
		n := int(cu[i] - cu[i-1])
		if n < 0 {
			return fmt.Errorf("%w: cumulative lengths decrease at %d", ErrInvalidInput, i)
		}
		if n > maxSeqlen {
			return fmt.Errorf("%w: sequence %d has length %d > max %d", ErrInvalidInput, i-1, n, maxSeqlen)
		}
	}
	if last := int(cu[len(cu)-1]); last != total {
		return fmt.Errorf("%w: cumulative lengths end at %d, packed total is %d", ErrInvalidInput, last, total)
	}
	return nil
}

// seqTask is one (sequence, head) pair.
type seqTask struct {
	qkv, out       []float32
	start, end     int
	head, heads    int
	headDim, block int
	scale          float64
	causal         bool
	dropout        float64
	rng            *rand.Rand
}

func (t *seqTask) offset(tok, which int) int {
	return ((tok*3+which)*t.heads + t.head) * t.headDim
}

func (t *seqTask) run() {
	d := t.headDim
	acc := make([]float64, d)
	scores := make([]float64, t.block)
	keep := 1 - t.dropout

	for i := t.start; i < t.end; i++ {
		q := t.qkv[t.offset(i, 0) : t.offset(i, 0)+d]
		last := t.end
		if t.causal {
			last = i + 1
		}

		clear(acc)
		rowMax := math.Inf(-1)
		var norm float64
		for j0 := t.start; j0 < last; j0 += t.block {
			j1 := min(j0+t.block, last)
			blockMax := math.Inf(-1)
			for j := j0; j < j1; j++ {
				kv := t.qkv[t.offset(j, 1) : t.offset(j, 1)+d]
				var dot float64
				for x := range d {
					dot += float64(q[x]) * float64(kv[x])
				}
				s := dot * t.scale
				scores[j-j0] = s
				blockMax = max(blockMax, s)
			}

			newMax := max(rowMax, blockMax)
			if rowMax != newMax && !math.IsInf(rowMax, -1) {
				c := math.Exp(rowMax - newMax)
				norm *= c
				for x := range acc {
					acc[x] *= c
				}
			}
			rowMax = newMax

			for j := j0; j < j1; j++ {
				p := math.Exp(scores[j-j0] - rowMax)
				norm += p
				if t.rng != nil {
					if t.rng.Float64() < t.dropout {
						continue
					}
					p /= keep
				}
				v := t.qkv[t.offset(j, 2) : t.offset(j, 2)+d]
				for x := range d {
					acc[x] += p * float64(v[x])
				}
			}
		}

		dst := t.out[(i*t.heads+t.head)*d : (i*t.heads+t.head)*d+d]
		if norm == 0 {
			clear(dst)
			continue
		}
		for x := range d {
			dst[x] = float32(acc[x] / norm)
		}
	}
}
