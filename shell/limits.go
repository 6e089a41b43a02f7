// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"fmt"
	"time"
)

// wasmPageSize is the WebAssembly linear memory page granularity.
const wasmPageSize = 64 * 1024

// maxLinearMemory is the wasm32 addressing ceiling; a memory budget
// above it can never be enforced.
const maxLinearMemory = 1 << 32

// Limits is the resource budget for one run. The zero value of any
// field means "use the default"; a run never executes without a
// finite budget on every axis.
type Limits struct {
	// CPUTime bounds time actually spent executing guest code.
	// Time spent parked in host callbacks does not count.
	CPUTime time.Duration

	// Memory bounds the guest's linear memory. Growth beyond the
	// budget is denied at the allocator, which the interpreter
	// observes as allocation failure.
	Memory uint64

	// Output bounds captured bytes per stream. Stdout and stderr
	// each get the full budget; bytes past it are dropped and the
	// result is marked truncated.
	Output uint64

	// WallTime bounds elapsed real time for the whole run,
	// including time spent in host callbacks.
	WallTime time.Duration
}

// DefaultLimits returns the budget applied where a caller leaves a
// field zero: 5s of CPU, 64 MiB of memory, 1 MiB of output per
// stream, 30s of wall time.
func DefaultLimits() Limits {
	return Limits{
		CPUTime:  5 * time.Second,
		Memory:   64 << 20,
		Output:   1 << 20,
		WallTime: 30 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultLimits.
func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.CPUTime == 0 {
		l.CPUTime = def.CPUTime
	}
	if l.Memory == 0 {
		l.Memory = def.Memory
	}
	if l.Output == 0 {
		l.Output = def.Output
	}
	if l.WallTime == 0 {
		l.WallTime = def.WallTime
	}
	return l
}

// Validate rejects budgets that cannot be enforced.
func (l Limits) Validate() error {
	if l.CPUTime < 0 {
		return fmt.Errorf("cpu time limit is negative: %v", l.CPUTime)
	}
	if l.WallTime < 0 {
		return fmt.Errorf("wall time limit is negative: %v", l.WallTime)
	}
	if l.Memory != 0 && l.Memory < wasmPageSize {
		return fmt.Errorf("memory limit %d is below one wasm page (%d)", l.Memory, wasmPageSize)
	}
	if l.Memory > maxLinearMemory {
		return fmt.Errorf("memory limit %d exceeds wasm32 addressing (%d)", l.Memory, maxLinearMemory)
	}
	if l.WallTime != 0 && l.CPUTime > l.WallTime {
		return fmt.Errorf("cpu time limit %v exceeds wall time limit %v", l.CPUTime, l.WallTime)
	}
	return nil
}

// memoryPages converts the memory budget to a whole page count,
// rounding down so a partial page never slips past the budget.
func (l Limits) memoryPages() uint32 {
	return uint32(l.Memory / wasmPageSize)
}
