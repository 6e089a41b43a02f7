// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package ffi

import "golang.org/x/sys/unix"

// CurrentThread returns the caller's kernel thread id. Meaningful
// error keying requires the caller to stay on one thread across the
// call and the subsequent LastError, which C embedders do naturally
// and Go callers get via runtime.LockOSThread.
func CurrentThread() ThreadID {
	return ThreadID(unix.Gettid())
}
