// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

// Package ffi is the Go half of the C embedding boundary. It owns
// everything that does not require cgo: the handle registry mapping
// opaque integers to live executors and sessions, the per-thread
// last-error store, and result marshaling. The cgo shim in
// cmd/coquille-ffi is a thin translation layer over this package, so
// the boundary's behavior is testable with plain Go tests.
//
// Contract violations from the C side (a freed or forged handle) are
// reported through error returns and the last-error store, never by
// crashing the host process.
package ffi
