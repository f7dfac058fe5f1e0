package luacore

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

func processPID() int { return os.Getpid() }

// processPacer samples this process's RSS via gopsutil and turns memory
// pressure into a step-size multiplier (SPEC_FULL §B): once RSS crosses
// highWaterMB, the collector is told to work harder per Step() call,
// mirroring generational Lua's "emergency collection" escape hatch without
// needing a full stop-the-world pass.
type processPacer struct {
	proc       *process.Process
	highWaterMB float64
}

// NewProcessPacer wires gopsutil process sampling into vm's collector as
// its pacerFn. highWaterMB is the RSS threshold past which Step() budgets
// scale up linearly with how far over the line the process is.
func (vm *VM) NewProcessPacer(highWaterMB float64) error {
	p, err := process.NewProcess(int32(processPID()))
	if err != nil {
		return err
	}
	pacer := &processPacer{proc: p, highWaterMB: highWaterMB}
	vm.gc.pacerFn = pacer.pressure
	return nil
}

// pressure returns 1.0 at or below the high-water mark, scaling up linearly
// past it; a transient gopsutil read failure is treated as "no extra
// pressure" rather than aborting the collector.
func (p *processPacer) pressure() float64 {
	info, err := p.proc.MemoryInfo()
	if err != nil || info == nil {
		return 1.0
	}
	rssMB := float64(info.RSS) / (1 << 20)
	if rssMB <= p.highWaterMB || p.highWaterMB <= 0 {
		return 1.0
	}
	return rssMB / p.highWaterMB
}
