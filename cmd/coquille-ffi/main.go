// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

// Command coquille-ffi builds the C shared library (-buildmode=c-shared)
// exposing the engine to non-Go hosts. All functions are callable from
// any thread; failure reporting follows the errno model, with the
// message retrieved per-thread via coquille_last_error.
package main

/*
#include <pthread.h>
#include <stdint.h>
#include <stdlib.h>
#include <string.h>

typedef struct coquille_result {
	int32_t  exit_code;
	char    *stdout_data;
	size_t   stdout_len;
	char    *stderr_data;
	size_t   stderr_len;
	uint8_t  truncated;
} coquille_result;

typedef struct coquille_limits {
	int64_t  cpu_millis;
	uint64_t memory_bytes;
	uint64_t output_bytes;
	int64_t  wall_millis;
} coquille_limits;
*/
import "C"

import (
	"time"
	"unsafe"

	"github.com/coquille-sh/coquille/ffi"
	"github.com/coquille-sh/coquille/shell"
)

var bridge = ffi.NewBridge()

// pthread_t is an integer on the platforms we ship the shared
// library for.
func tid() ffi.ThreadID {
	return ffi.ThreadID(C.pthread_self())
}

func goBytes(data *C.uint8_t, n C.size_t) []byte {
	if data == nil || n == 0 {
		return nil
	}
	return C.GoBytes(unsafe.Pointer(data), C.int(n))
}

// cBytes copies b into C-allocated memory. Empty slices yield a
// non-NULL zero-length allocation so callers can free uniformly.
func cBytes(b []byte) (*C.char, C.size_t) {
	n := len(b)
	p := C.malloc(C.size_t(n + 1))
	if n > 0 {
		C.memcpy(p, unsafe.Pointer(&b[0]), C.size_t(n))
	}
	// NUL terminator for callers treating the stream as text.
	*(*C.char)(unsafe.Pointer(uintptr(p) + uintptr(n))) = 0
	return (*C.char)(p), C.size_t(n)
}

func cResult(res *ffi.ExecResult) *C.coquille_result {
	if res == nil {
		return nil
	}
	out := (*C.coquille_result)(C.malloc(C.sizeof_coquille_result))
	out.exit_code = C.int32_t(res.ExitCode)
	out.stdout_data, out.stdout_len = cBytes(res.Stdout)
	out.stderr_data, out.stderr_len = cBytes(res.Stderr)
	out.truncated = 0
	if res.Truncated {
		out.truncated = 1
	}
	return out
}

func goLimits(cl *C.coquille_limits) *shell.Limits {
	if cl == nil {
		return nil
	}
	return &shell.Limits{
		CPUTime:  time.Duration(cl.cpu_millis) * time.Millisecond,
		Memory:   uint64(cl.memory_bytes),
		Output:   uint64(cl.output_bytes),
		WallTime: time.Duration(cl.wall_millis) * time.Millisecond,
	}
}

//export coquille_executor_new
func coquille_executor_new(path *C.char) C.uint64_t {
	return C.uint64_t(bridge.NewExecutorFromFile(tid(), C.GoString(path)))
}

//export coquille_executor_new_from_bytes
func coquille_executor_new_from_bytes(data *C.uint8_t, length C.size_t) C.uint64_t {
	return C.uint64_t(bridge.NewExecutorFromBytes(tid(), goBytes(data, length)))
}

//export coquille_executor_new_embedded
func coquille_executor_new_embedded() C.uint64_t {
	return C.uint64_t(bridge.NewExecutorEmbedded(tid()))
}

//export coquille_has_embedded
func coquille_has_embedded() C.uint8_t {
	if bridge.HasEmbedded() {
		return 1
	}
	return 0
}

//export coquille_executor_free
func coquille_executor_free(h C.uint64_t) {
	bridge.FreeExecutor(tid(), ffi.Handle(h))
}

//export coquille_execute
func coquille_execute(h C.uint64_t, script *C.char) *C.coquille_result {
	return cResult(bridge.Execute(tid(), ffi.Handle(h), C.GoString(script), nil, nil))
}

//export coquille_execute_with_stdin
func coquille_execute_with_stdin(h C.uint64_t, script *C.char, stdin *C.uint8_t, stdinLen C.size_t) *C.coquille_result {
	return cResult(bridge.Execute(tid(), ffi.Handle(h), C.GoString(script), goBytes(stdin, stdinLen), nil))
}

//export coquille_execute_with_limits
func coquille_execute_with_limits(h C.uint64_t, script *C.char, limits *C.coquille_limits) *C.coquille_result {
	return cResult(bridge.Execute(tid(), ffi.Handle(h), C.GoString(script), nil, goLimits(limits)))
}

//export coquille_result_free
func coquille_result_free(res *C.coquille_result) {
	if res == nil {
		return
	}
	C.free(unsafe.Pointer(res.stdout_data))
	C.free(unsafe.Pointer(res.stderr_data))
	C.free(unsafe.Pointer(res))
}

// coquille_last_error returns the message from the most recent
// failing call on this thread, or NULL if it succeeded. The caller
// frees the string.
//
//export coquille_last_error
func coquille_last_error() *C.char {
	msg := bridge.LastError(tid())
	if msg == "" {
		return nil
	}
	return C.CString(msg)
}

//export coquille_shell_new
func coquille_shell_new(executor C.uint64_t) C.uint64_t {
	return C.uint64_t(bridge.NewShell(tid(), ffi.Handle(executor)))
}

//export coquille_shell_execute
func coquille_shell_execute(h C.uint64_t, script *C.char) *C.coquille_result {
	return cResult(bridge.ShellExecute(tid(), ffi.Handle(h), C.GoString(script)))
}

// coquille_shell_get_var writes the value through out/outLen when the
// variable is set (caller frees) and returns 1; returns 0 when unset
// or on failure.
//
//export coquille_shell_get_var
func coquille_shell_get_var(h C.uint64_t, name *C.char, out **C.char, outLen *C.size_t) C.uint8_t {
	value, present := bridge.ShellGetVar(tid(), ffi.Handle(h), C.GoString(name))
	if !present {
		return 0
	}
	*out, *outLen = cBytes([]byte(value))
	return 1
}

//export coquille_shell_set_var
func coquille_shell_set_var(h C.uint64_t, name, value *C.char) C.uint8_t {
	if bridge.ShellSetVar(tid(), ffi.Handle(h), C.GoString(name), C.GoString(value)) {
		return 1
	}
	return 0
}

//export coquille_shell_last_exit
func coquille_shell_last_exit(h C.uint64_t) C.int32_t {
	return C.int32_t(bridge.ShellLastExit(tid(), ffi.Handle(h)))
}

//export coquille_shell_set_cwd
func coquille_shell_set_cwd(h C.uint64_t, dir *C.char) C.uint8_t {
	if bridge.ShellSetCwd(tid(), ffi.Handle(h), C.GoString(dir)) {
		return 1
	}
	return 0
}

//export coquille_shell_free
func coquille_shell_free(h C.uint64_t) {
	bridge.FreeShell(tid(), ffi.Handle(h))
}

//export coquille_vfs_set_tree
func coquille_vfs_set_tree(h C.uint64_t, encoded *C.uint8_t, length C.size_t) C.uint8_t {
	if bridge.VfsSetTree(tid(), ffi.Handle(h), goBytes(encoded, length)) {
		return 1
	}
	return 0
}

//export coquille_vfs_update_file
func coquille_vfs_update_file(h C.uint64_t, path *C.char, data *C.uint8_t, length C.size_t) C.uint8_t {
	if bridge.VfsUpdateFile(tid(), ffi.Handle(h), C.GoString(path), goBytes(data, length)) {
		return 1
	}
	return 0
}

// coquille_vfs_delete_path returns 1 when the path existed and was
// removed, 0 when it was already absent, -1 on failure.
//
//export coquille_vfs_delete_path
func coquille_vfs_delete_path(h C.uint64_t, path *C.char) C.int8_t {
	existed, ok := bridge.VfsDeletePath(tid(), ffi.Handle(h), C.GoString(path))
	switch {
	case !ok:
		return -1
	case existed:
		return 1
	default:
		return 0
	}
}

//export coquille_vfs_set_cwd
func coquille_vfs_set_cwd(h C.uint64_t, dir *C.char) C.uint8_t {
	if bridge.VfsSetCwd(tid(), ffi.Handle(h), C.GoString(dir)) {
		return 1
	}
	return 0
}

func main() {}
