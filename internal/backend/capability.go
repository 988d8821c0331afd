package backend

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sys/cpu"
)

// FusedMinMajor is the lowest capability major the fused kernel is tuned for.
const FusedMinMajor = 8

// Capability summarises the host's vector features as a (major, minor) pair.
//
// amd64: 9 = AVX-512F+BW, 8 = AVX2+FMA, 7 = AVX, 6 = SSE4.1, 5 otherwise.
// arm64: 9 = SVE, 8 = ASIMD+FP, 7 otherwise.
// Minor is 1 when native half-precision dot products are present.
type Capability struct {
	Arch     string          `json:"arch"`
	Major    int             `json:"major"`
	Minor    int             `json:"minor"`
	Features map[string]bool `json:"features"`
}

// SupportsFused reports whether the fused kernel is expected to perform well.
func (c Capability) SupportsFused() bool {
	return c.Major >= FusedMinMajor
}

func (c Capability) String() string {
	return fmt.Sprintf("%s %d.%d", c.Arch, c.Major, c.Minor)
}

// EnabledFeatures returns the sorted names of the features that are present.
func (c Capability) EnabledFeatures() []string {
	out := make([]string, 0, len(c.Features))
	for name, ok := range c.Features {
		if ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// DetectCapability inspects the running CPU.
func DetectCapability() Capability {
	switch runtime.GOARCH {
	case "amd64", "386":
		return x86Capability(runtime.GOARCH)
	case "arm64":
		return arm64Capability()
	default:
		return Capability{Arch: runtime.GOARCH, Major: 5, Features: map[string]bool{}}
	}
}

func x86Capability(arch string) Capability {
	x := cpu.X86
	features := map[string]bool{
		"SSE41":      x.HasSSE41,
		"SSE42":      x.HasSSE42,
		"AVX":        x.HasAVX,
		"AVX2":       x.HasAVX2,
		"FMA":        x.HasFMA,
		"AVX512F":    x.HasAVX512F,
		"AVX512BW":   x.HasAVX512BW,
		"AVX512VNNI": x.HasAVX512VNNI,
		"AVX512BF16": x.HasAVX512BF16,
	}
	c := Capability{Arch: arch, Features: features}
	switch {
	case x.HasAVX512F && x.HasAVX512BW:
		c.Major = 9
	case x.HasAVX2 && x.HasFMA:
		c.Major = 8
	case x.HasAVX:
		c.Major = 7
	case x.HasSSE41:
		c.Major = 6
	default:
		c.Major = 5
	}
	if x.HasAVX512BF16 {
		c.Minor = 1
	}
	return c
}

func arm64Capability() Capability {
	a := cpu.ARM64
	features := map[string]bool{
		"FP":      a.HasFP,
		"ASIMD":   a.HasASIMD,
		"FPHP":    a.HasFPHP,
		"ASIMDHP": a.HasASIMDHP,
		"ASIMDDP": a.HasASIMDDP,
		"SVE":     a.HasSVE,
		"SVE2":    a.HasSVE2,
	}
	c := Capability{Arch: "arm64", Features: features}
	switch {
	case a.HasSVE:
		c.Major = 9
	case a.HasASIMD && a.HasFP:
		c.Major = 8
	default:
		c.Major = 7
	}
	if a.HasFPHP && a.HasASIMDHP {
		c.Minor = 1
	}
	return c
}

// ParseCapability reads "major.minor" (minor optional) as used by config
// overrides.
func ParseCapability(s string) (Capability, error) {
	s = strings.TrimSpace(s)
	var c Capability
	if _, err := fmt.Sscanf(s, "%d.%d", &c.Major, &c.Minor); err != nil {
		c.Minor = 0
		if _, err := fmt.Sscanf(s, "%d", &c.Major); err != nil {
			return Capability{}, fmt.Errorf("invalid capability %q (expected major.minor)", s)
		}
	}
	if c.Major <= 0 {
		return Capability{}, fmt.Errorf("invalid capability %q (major must be positive)", s)
	}
	c.Arch = runtime.GOARCH
	c.Features = map[string]bool{}
	return c, nil
}
