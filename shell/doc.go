// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

// Package shell embeds an untrusted bash-compatible interpreter,
// compiled to a WASI reactor, inside a wazero sandbox.
//
// An Executor compiles and link-validates the interpreter artifact
// once; every run and every Session then instantiates fresh from the
// compiled module, so concurrent workloads share machine code and
// nothing else. Each run executes under a budget (CPU time, linear
// memory, captured output, wall time) enforced by a governor that
// stops the interpreter mid-loop when a limit fires.
//
// The interpreter sees a virtual filesystem assembled from vfs
// mounts; host and guest observe the same tree live, without
// copy-in or copy-out.
package shell
