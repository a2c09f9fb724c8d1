package generator

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ErrMemoryCeiling is returned when generation would exceed the memory ceiling
// even after a forced garbage collection.
var ErrMemoryCeiling = errors.New("memory ceiling exceeded")

// Probe reports the resident set size of the current process.
type Probe interface {
	RSS() (uint64, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func() (uint64, error)

// RSS implements Probe.
func (f ProbeFunc) RSS() (uint64, error) { return f() }

type processProbe struct {
	proc *process.Process
}

// NewProcessProbe returns a Probe for this process.
func NewProcessProbe() (Probe, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("process probe: %w", err)
	}
	return processProbe{proc: proc}, nil
}

func (p processProbe) RSS() (uint64, error) {
	info, err := p.proc.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("process memory info: %w", err)
	}
	return info.RSS, nil
}

// MemoryGuard aborts generation before the process runs out of memory.
type MemoryGuard struct {
	probe   Probe
	ceiling uint64
	collect func()
}

// NewMemoryGuard builds a guard whose ceiling is percent of limitBytes. When
// limitBytes is 0 the Go soft memory limit is used, or total system memory when no
// soft limit is set.
func NewMemoryGuard(probe Probe, limitBytes int64, percent int) (*MemoryGuard, error) {
	if percent <= 0 || percent > 100 {
		return nil, fmt.Errorf("memory percent must be in 1..100, got %d", percent)
	}

	base := uint64(0)
	switch {
	case limitBytes > 0:
		base = uint64(limitBytes)
	case debug.SetMemoryLimit(-1) != math.MaxInt64:
		base = uint64(debug.SetMemoryLimit(-1))
	default:
		vm, err := mem.VirtualMemory()
		if err != nil {
			return nil, fmt.Errorf("system memory: %w", err)
		}
		base = vm.Total
	}

	g := &MemoryGuard{
		probe:   probe,
		ceiling: base / 100 * uint64(percent),
		collect: func() {
			runtime.GC()
			debug.FreeOSMemory()
		},
	}
	slog.Debug("memory guard configured",
		"base", humanize.IBytes(base),
		"percent", percent,
		"ceiling", humanize.IBytes(g.ceiling))
	return g, nil
}

// Ceiling returns the abort threshold in bytes.
func (g *MemoryGuard) Ceiling() uint64 {
	return g.ceiling
}

// Check returns ErrMemoryCeiling when usage is above the ceiling after a forced
// collection. A nil guard never trips.
func (g *MemoryGuard) Check() error {
	if g == nil {
		return nil
	}
	used, err := g.probe.RSS()
	if err != nil {
		return err
	}
	if used <= g.ceiling {
		return nil
	}

	slog.Warn("memory above ceiling, forcing collection",
		"used", humanize.IBytes(used),
		"ceiling", humanize.IBytes(g.ceiling))
	g.collect()

	used, err = g.probe.RSS()
	if err != nil {
		return err
	}
	if used > g.ceiling {
		return fmt.Errorf("%w: using %s of %s", ErrMemoryCeiling, humanize.IBytes(used), humanize.IBytes(g.ceiling))
	}
	return nil
}
