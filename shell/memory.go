// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"github.com/tetratelabs/wazero/experimental"
)

// budgetAllocator backs guest linear memory with a host slice whose
// capacity is fixed at the run's memory budget. Growth requests
// beyond the budget are denied, which the guest observes as
// memory.grow returning -1; the interpreter turns that into
// allocation failure inside the script.
type budgetAllocator struct {
	budget uint64
	onDeny func()
}

func (a *budgetAllocator) Allocate(cap, max uint64) experimental.LinearMemory {
	limit := a.budget
	if max < limit {
		limit = max
	}
	if cap > limit {
		cap = limit
	}
	return &budgetMemory{
		buf:    make([]byte, cap, limit),
		limit:  limit,
		onDeny: a.onDeny,
	}
}

type budgetMemory struct {
	buf    []byte
	limit  uint64
	onDeny func()
}

func (m *budgetMemory) Reallocate(size uint64) []byte {
	if size > m.limit {
		if m.onDeny != nil {
			m.onDeny()
		}
		return nil
	}
	m.buf = m.buf[:size]
	return m.buf
}

func (m *budgetMemory) Free() {
	m.buf = nil
}

var _ experimental.MemoryAllocator = (*budgetAllocator)(nil)
var _ experimental.LinearMemory = (*budgetMemory)(nil)
