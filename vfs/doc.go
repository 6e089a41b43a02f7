// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

// Package vfs implements the hybrid virtual filesystem presented to
// sandboxed guests.
//
// The guest sees one filesystem namespace. Every WASI filesystem call
// it makes (open, read, write, readdir, stat, unlink) is served by a
// host-side implementation of wazero's experimental sys.FS interface
// instead of the real OS filesystem. Paths route by longest matching
// mount prefix to one of two backend kinds:
//
//   - Storage: an in-memory tree of nodes held in an arena. Node
//     identity is a stable arena index, so host-side updates mutate
//     slots in place and descriptors the guest already resolved keep
//     working after a full-tree re-sync.
//   - Real directory: a capability on one host directory, built on
//     wazero's sysfs.DirFS. Path traversal cannot escape the
//     directory root, and read-only mounts reject every mutating
//     operation.
//
// Host code configures the namespace between (or during) executions
// with SetTree, UpdateFile, and DeletePath. All storage operations
// take a single lock, so a concurrent guest read never observes a
// half-written node.
package vfs
