// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package ffi

// CurrentThread has no portable pure-Go implementation off Linux;
// the cgo shim passes pthread_self instead, so this fallback only
// affects pure-Go embedders, which share one error slot.
func CurrentThread() ThreadID {
	return 0
}
