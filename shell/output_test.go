// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"bytes"
	"testing"
)

func TestCappedBufferUnderCap(t *testing.T) {
	t.Parallel()
	b := newCappedBuffer(10)

	n, err := b.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if b.Truncated() {
		t.Fatal("truncated under the cap")
	}
	if string(b.Bytes()) != "hello" {
		t.Fatalf("Bytes = %q", b.Bytes())
	}
}

func TestCappedBufferExactCap(t *testing.T) {
	t.Parallel()
	b := newCappedBuffer(5)

	if _, err := b.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if b.Truncated() {
		t.Fatal("exact fit marked truncated")
	}
	if len(b.Bytes()) != 5 {
		t.Fatalf("len = %d", len(b.Bytes()))
	}
}

func TestCappedBufferOverCap(t *testing.T) {
	t.Parallel()
	b := newCappedBuffer(5)

	// The writer sees full success; the capture keeps the exact
	// prefix with nothing appended.
	n, err := b.Write([]byte("hello world"))
	if err != nil || n != 11 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if !b.Truncated() {
		t.Fatal("not marked truncated")
	}
	if !bytes.Equal(b.Bytes(), []byte("hello")) {
		t.Fatalf("Bytes = %q, want %q", b.Bytes(), "hello")
	}
	if b.Dropped() != 6 {
		t.Fatalf("Dropped = %d, want 6", b.Dropped())
	}
}

func TestCappedBufferManySmallWrites(t *testing.T) {
	t.Parallel()
	b := newCappedBuffer(8)

	for i := 0; i < 10; i++ {
		if _, err := b.Write([]byte("ab")); err != nil {
			t.Fatalf("Write #%d: %v", i, err)
		}
	}
	if got := b.Bytes(); string(got) != "abababab" {
		t.Fatalf("Bytes = %q", got)
	}
	if b.Dropped() != 12 {
		t.Fatalf("Dropped = %d, want 12", b.Dropped())
	}
}
