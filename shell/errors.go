// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"errors"
	"fmt"
)

// Resource names the budget a run exhausted.
type Resource string

const (
	ResourceCPU    Resource = "cpu"
	ResourceMemory Resource = "memory"
	ResourceWall   Resource = "wall"
)

// LoadError reports that the interpreter artifact could not be read
// or decoded. It is terminal for the executor being constructed.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load interpreter from %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// LinkError reports that the artifact decoded but does not satisfy
// the embedding contract: a missing export, an import the host does
// not provide, or an incompatible interface version.
type LinkError struct {
	Detail string
	Err    error
}

func (e *LinkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("link interpreter: %s", e.Detail)
	}
	return fmt.Sprintf("link interpreter: %s: %v", e.Detail, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// ResourceError reports that a run was stopped by the governor. The
// run's partial output, if any, accompanies it in the Result.
type ResourceError struct {
	Resource Resource
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource limit exceeded: %s", e.Resource)
}

// TrapError reports that the guest faulted: an unreachable, a bounds
// violation, or a stack overflow inside the interpreter.
type TrapError struct {
	Err error
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("interpreter trapped: %v", e.Err)
}

func (e *TrapError) Unwrap() error { return e.Err }

// ErrClosed is returned by operations on an executor or session
// whose Close has already run.
var ErrClosed = errors.New("shell: closed")

// ErrInterfaceVersion is wrapped by a LinkError when the artifact
// declares an embedding interface revision the host does not speak.
var ErrInterfaceVersion = errors.New("unsupported interface version")

// IsResourceExceeded reports whether err (or anything it wraps) is a
// governor stop, and if so for which resource.
func IsResourceExceeded(err error) (Resource, bool) {
	var re *ResourceError
	if errors.As(err, &re) {
		return re.Resource, true
	}
	return "", false
}
