// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package ffi

import (
	"fmt"
	"sync"
)

// Handle is an opaque reference handed across the C boundary. Zero
// is the failure sentinel and never a live handle.
type Handle uint64

// ContractError reports a violation of the embedding contract: a
// handle that was never issued, or reuse after free.
type ContractError struct {
	Op     string
	Handle Handle
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%s: invalid handle %d", e.Op, e.Handle)
}

// registry issues handles. Freed handles are never reissued, so a
// stale handle fails loudly instead of aliasing a newer object.
type registry struct {
	mu      sync.Mutex
	next    Handle
	entries map[Handle]any
}

func newRegistry() *registry {
	return &registry{entries: make(map[Handle]any)}
}

func (r *registry) put(v any) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.entries[r.next] = v
	return r.next
}

func (r *registry) get(op string, h Handle) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[h]
	if !ok {
		return nil, &ContractError{Op: op, Handle: h}
	}
	return v, nil
}

// remove detaches the handle. A second remove of the same handle
// reports false, making double-free a no-op.
func (r *registry) remove(h Handle) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[h]
	if ok {
		delete(r.entries, h)
	}
	return v, ok
}
