// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import "sync"

// cappedBuffer captures one output stream up to a byte budget.
// Writes past the budget succeed from the guest's point of view but
// the excess bytes are dropped, so the captured prefix is exact and
// never exceeds the budget. A stream that produced exactly the
// budget is not considered truncated.
type cappedBuffer struct {
	mu      sync.Mutex
	limit   int
	buf     []byte
	dropped uint64
}

func newCappedBuffer(limit uint64) *cappedBuffer {
	return &cappedBuffer{limit: int(limit)}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - len(b.buf)
	if room >= len(p) {
		b.buf = append(b.buf, p...)
		return len(p), nil
	}
	if room > 0 {
		b.buf = append(b.buf, p[:room]...)
	}
	b.dropped += uint64(len(p) - room)
	// The guest sees a full write; only the capture is clipped.
	return len(p), nil
}

// Bytes returns the captured prefix.
func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf
}

// Truncated reports whether any bytes were dropped.
func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped > 0
}

// Dropped returns how many bytes did not fit.
func (b *cappedBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
