// Package backend selects the attention implementation a model is built
// with. Selection is explicit and per model; nothing global is patched.
package backend

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/flashpatch/internal/attention"
	"github.com/samcharles93/flashpatch/internal/flash"
	"github.com/samcharles93/flashpatch/internal/logger"
)

const (
	Auto  = "auto"
	Eager = "eager"
	Flash = "flash"
)

// ErrUnknownImplementation is returned for unrecognised implementation names.
var ErrUnknownImplementation = errors.New("unknown attention implementation")

// Normalize canonicalizes an implementation name. Empty selects Auto and
// HF-style aliases such as "flash_attention_2" map to their implementation.
func Normalize(name string) (string, error) {
	impl := strings.ToLower(strings.TrimSpace(name))
	switch impl {
	case "":
		return Auto, nil
	case Auto, Eager, Flash:
		return impl, nil
	case "fused", "flash_attention", "flash_attention_2", "flash-attn":
		return Flash, nil
	case "explicit", "naive":
		return Eager, nil
	default:
		return "", fmt.Errorf("%w %q (expected auto, eager, or flash)", ErrUnknownImplementation, name)
	}
}

// Available returns a comma-separated list of implementation names.
func Available() string {
	return strings.Join([]string{Auto, Eager, Flash}, ",")
}

// Options configure Install.
type Options struct {
	// Implementation is the requested name; see Normalize.
	Implementation string
	// Capability is the host capability; DetectCapability when zero.
	Capability Capability
	// Kernel configures the fused kernel.
	Kernel flash.Kernel
	Logger logger.Logger
}

// Install resolves opts into an attention implementation. Auto selects the
// fused implementation. The capability only decides whether the
// unsupported-hardware advisory is logged; it never changes the result.
func Install(opts Options) (attention.Implementation, error) {
	name, err := Normalize(opts.Implementation)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	capability := opts.Capability
	if capability.Major == 0 {
		capability = DetectCapability()
	}

	if name == Auto {
		name = Flash
	}
	log.Debug("installing attention implementation", "implementation", name, "capability", capability.String())

	switch name {
	case Eager:
		return attention.NewEager(), nil
	default:
		if !capability.SupportsFused() {
			log.Warn(unsupportedHardwareWarning,
				"capability", capability.String(),
				"required_major", FusedMinMajor,
			)
		}
		kernel := opts.Kernel
		return attention.NewFused(&kernel, flash.Padding{}, log), nil
	}
}

const unsupportedHardwareWarning = "fused attention is only supported on hosts with capability major >= 8; " +
	"running with degraded performance"
