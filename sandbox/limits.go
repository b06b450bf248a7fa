package sandbox

import (
	"fmt"
	"time"

	"github.com/isdmx/boxrun/config"
)

// Sentinel values marking a limit as explicitly unlimited
const (
	UnlimitedDuration  time.Duration = -1
	UnlimitedSize      int64         = -1
	UnlimitedProcesses int           = -1
)

// Size multipliers
const (
	KiB int64 = 1024
	MiB       = 1024 * KiB
)

// Limits is the set of resource constraints applied to one execution.
// A zero field is unset and is filled by WithDefaults; a negative field is unlimited.
type Limits struct {
	WallTime   time.Duration
	CPUTime    time.Duration
	Memory     int64 // bytes
	OutputSize int64 // bytes, per captured stream
	Stack      int64 // bytes, zero keeps the backend default
	Processes  int
}

// LimitsFromConfig converts operator units from configuration into Limits
func LimitsFromConfig(c config.LimitsConfig) Limits {
	return Limits{
		WallTime:   durationOrUnlimited(c.WallTime),
		CPUTime:    durationOrUnlimited(c.CPUTime),
		Memory:     sizeOrUnlimited(c.MemoryMB, MiB),
		OutputSize: sizeOrUnlimited(c.OutputKB, KiB),
		Stack:      sizeOrUnlimited(c.StackKB, KiB),
		Processes:  processesOrUnlimited(c.Processes),
	}
}

func durationOrUnlimited(d time.Duration) time.Duration {
	if d < 0 {
		return UnlimitedDuration
	}
	return d
}

func sizeOrUnlimited(v int, unit int64) int64 {
	if v < 0 {
		return UnlimitedSize
	}
	return int64(v) * unit
}

func processesOrUnlimited(n int) int {
	if n < 0 {
		return UnlimitedProcesses
	}
	return n
}

// WithDefaults returns a copy of l with every unset field taken from def
func (l Limits) WithDefaults(def Limits) Limits {
	if l.WallTime == 0 {
		l.WallTime = def.WallTime
	}
	if l.CPUTime == 0 {
		l.CPUTime = def.CPUTime
	}
	if l.Memory == 0 {
		l.Memory = def.Memory
	}
	if l.OutputSize == 0 {
		l.OutputSize = def.OutputSize
	}
	if l.Stack == 0 {
		l.Stack = def.Stack
	}
	if l.Processes == 0 {
		l.Processes = def.Processes
	}
	return l
}

// Validate checks that every limit is positive or explicitly unlimited and
// that the wall-clock limit is not below the CPU-time limit.
func (l Limits) Validate() error {
	if err := checkDuration("wall time", l.WallTime); err != nil {
		return err
	}
	if err := checkDuration("cpu time", l.CPUTime); err != nil {
		return err
	}
	if err := checkSize("memory", l.Memory); err != nil {
		return err
	}
	if err := checkSize("output size", l.OutputSize); err != nil {
		return err
	}
	if l.Stack < 0 && l.Stack != UnlimitedSize {
		return fmt.Errorf("%w: stack must be positive, zero or unlimited, got %d", ErrInvalidLimits, l.Stack)
	}
	if l.Processes == 0 || (l.Processes < 0 && l.Processes != UnlimitedProcesses) {
		return fmt.Errorf("%w: processes must be positive or unlimited, got %d", ErrInvalidLimits, l.Processes)
	}
	if l.HasWallTime() && l.HasCPUTime() && l.WallTime < l.CPUTime {
		return fmt.Errorf("%w: wall time %s is below cpu time %s", ErrInvalidLimits, l.WallTime, l.CPUTime)
	}
	return nil
}

func checkDuration(name string, d time.Duration) error {
	if d > 0 || d == UnlimitedDuration {
		return nil
	}
	return fmt.Errorf("%w: %s must be positive or unlimited, got %s", ErrInvalidLimits, name, d)
}

func checkSize(name string, v int64) error {
	if v > 0 || v == UnlimitedSize {
		return nil
	}
	return fmt.Errorf("%w: %s must be positive or unlimited, got %d", ErrInvalidLimits, name, v)
}

// HasWallTime reports whether the wall-clock limit is finite
func (l Limits) HasWallTime() bool { return l.WallTime > 0 }

// HasCPUTime reports whether the CPU-time limit is finite
func (l Limits) HasCPUTime() bool { return l.CPUTime > 0 }

// HasMemory reports whether the memory limit is finite
func (l Limits) HasMemory() bool { return l.Memory > 0 }

// HasOutputSize reports whether the output size limit is finite
func (l Limits) HasOutputSize() bool { return l.OutputSize > 0 }
