// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"errors"
	"fmt"
)

// Host-facing filesystem errors. Guest-facing failures are reported
// as POSIX errno values through the WASI layer; these sentinels cover
// the host configuration API (SetTree, UpdateFile, DeletePath, mount
// construction).
var (
	// ErrNotFound reports a path that matches no mount or no node.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied reports a mutation on a read-only mount or
	// a host write routed to a real-directory capability.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrAlreadyExists reports a path that collides with an existing
	// node of a different kind.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidPath reports a malformed or escaping path.
	ErrInvalidPath = errors.New("invalid path")
)

// PathError decorates one of the sentinel errors with the offending
// path, preserving errors.Is matching.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("vfs: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }
