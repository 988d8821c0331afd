package attention

import (
	"github.com/samcharles93/flashpatch/internal/flash"
	"github.com/samcharles93/flashpatch/internal/logger"
	"github.com/samcharles93/flashpatch/internal/tensor"
)

const outputAttentionsWarning = "output attentions is not supported by the fused attention implementation, returning nil weights"

// Implementation is the attention strategy a layer is built with. It is
// chosen explicitly per model or per layer; see NewEager and NewFused.
type Implementation interface {
	Name() string

	attend(a *Attention, p *projected, in Input) (hidden, weights *tensor.Tensor, err error)
	prepareMask(a *Attention, padding *tensor.Tensor, batch, qLen, pastLen int) (*tensor.Tensor, error)
}

// Eager always runs the explicit softmax algorithm.
type Eager struct{}

// NewEager returns the explicit implementation.
func NewEager() *Eager { return &Eager{} }

func (*Eager) Name() string { return "eager" }

func (*Eager) attend(a *Attention, p *projected, in Input) (*tensor.Tensor, *tensor.Tensor, error) {
	return a.explicit(p, in.Mask)
}

func (*Eager) prepareMask(a *Attention, padding *tensor.Tensor, batch, qLen, pastLen int) (*tensor.Tensor, error) {
	return CausalMask(padding, batch, qLen, pastLen, a.cfg.DType)
}

// Fused runs fresh sequences through the varlen kernel and falls back to the
// explicit algorithm when incremental state is present. A single Fused may be
// shared by every layer of a model; its attention-weights advisory is logged
// once per instance.
type Fused struct {
	kernel FusedKernel
	padder Padder
	log    logger.Logger
	once   logger.Once
}

// NewFused returns the fused implementation. Nil collaborators select the
// flash package defaults.
func NewFused(kernel FusedKernel, padder Padder, log logger.Logger) *Fused {
	if kernel == nil {
		kernel = &flash.Kernel{}
	}
	if padder == nil {
		padder = flash.Padding{}
	}
	return &Fused{kernel: kernel, padder: padder, log: log}
}

func (*Fused) Name() string { return "flash" }

// route is the tagged variant a Fused call dispatches on.
type route interface {
	routeName() string
}

// packedRoute handles calls without incremental state.
type packedRoute struct {
	padding *tensor.Tensor
}

// incrementalRoute handles continuation calls with incremental state.
type incrementalRoute struct {
	mask *tensor.Tensor
}

func (packedRoute) routeName() string      { return "packed" }
func (incrementalRoute) routeName() string { return "incremental" }

func routeFor(in Input) route {
	if in.Past != nil {
		return incrementalRoute{mask: in.Mask}
	}
	return packedRoute{padding: in.Mask}
}

func (f *Fused) attend(a *Attention, p *projected, in Input) (*tensor.Tensor, *tensor.Tensor, error) {
	r := routeFor(in)
	a.log.Debug("attention route", "impl", f.Name(), "route", r.routeName(), "batch", p.batch, "q_len", p.qLen, "kv_len", p.kvLen)

	switch r := r.(type) {
	case incrementalRoute:
		return a.explicit(p, r.mask)
	case packedRoute:
		if in.OutputAttentions {
			f.once.Warn(f.advisoryLogger(a), outputAttentionsWarning)
		}
		hidden, err := f.packed(a, p, r.padding)
		return hidden, nil, err
	default:
		panic("unknown attention route")
	}
}

// fallbackLogger receives the advisory when neither the Fused nor the layer
// was given a logger.
var fallbackLogger = logger.Default

func (f *Fused) advisoryLogger(a *Attention) logger.Logger {
	switch {
	case f.log != nil:
		return f.log
	case a.logSet:
		return a.log
	default:
		return fallbackLogger()
	}
}

func (f *Fused) prepareMask(a *Attention, padding *tensor.Tensor, batch, qLen, pastLen int) (*tensor.Tensor, error) {
	if pastLen > 0 {
		return CausalMask(padding, batch, qLen, pastLen, a.cfg.DType)
	}
	if padding == nil {
		return nil, nil
	}
	if err := checkShape("key padding mask", padding, batch, qLen); err != nil {
		return nil, err
	}
	return padding, nil
}
