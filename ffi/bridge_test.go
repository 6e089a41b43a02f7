// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package ffi

import (
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/coquille-sh/coquille/internal/wasmtest"
	"github.com/coquille-sh/coquille/shell"
	"github.com/coquille-sh/coquille/vfs"
)

func tightLimits() shell.Limits {
	return shell.Limits{
		CPUTime:  50 * time.Millisecond,
		Memory:   4 << 20,
		Output:   1 << 16,
		WallTime: 5 * time.Second,
	}
}

// lockThread pins the test goroutine so CurrentThread stays stable
// for the duration, matching how a C embedder calls in.
func lockThread(t *testing.T) ThreadID {
	t.Helper()
	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)
	return CurrentThread()
}

func newEchoExecutor(t *testing.T, b *Bridge, tid ThreadID) Handle {
	t.Helper()
	h := b.NewExecutorFromBytes(tid, wasmtest.EchoReactor())
	if h == 0 {
		t.Fatalf("NewExecutorFromBytes failed: %s", b.LastError(tid))
	}
	t.Cleanup(func() { b.FreeExecutor(tid, h) })
	return h
}

func TestBridgeExecute(t *testing.T) {
	tid := lockThread(t)
	b := NewBridge()
	h := newEchoExecutor(t, b, tid)

	res := b.Execute(tid, h, "echo hi", nil, nil)
	if res == nil {
		t.Fatalf("Execute failed: %s", b.LastError(tid))
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	if got := string(res.Stdout); got != "echo hi" {
		t.Errorf("stdout = %q, want %q", got, "echo hi")
	}
	if msg := b.LastError(tid); msg != "" {
		t.Errorf("last error after success = %q, want empty", msg)
	}
}

func TestBridgeExecuteLimitStop(t *testing.T) {
	tid := lockThread(t)
	b := NewBridge()
	h := b.NewExecutorFromBytes(tid, wasmtest.SpinReactor())
	if h == 0 {
		t.Fatalf("NewExecutorFromBytes failed: %s", b.LastError(tid))
	}
	defer b.FreeExecutor(tid, h)

	limits := tightLimits()
	res := b.Execute(tid, h, "while :; do :; done", nil, &limits)
	if res != nil {
		t.Fatalf("limit stop returned result %+v, want nil", res)
	}
	msg := b.LastError(tid)
	if !strings.Contains(msg, "cpu") && !strings.Contains(msg, "wall") {
		t.Errorf("last error = %q, want a resource limit message", msg)
	}
}

func TestBridgeInvalidHandle(t *testing.T) {
	tid := lockThread(t)
	b := NewBridge()

	if res := b.Execute(tid, 99, "echo", nil, nil); res != nil {
		t.Fatalf("Execute on bogus handle returned %+v", res)
	}
	if msg := b.LastError(tid); !strings.Contains(msg, "invalid handle") {
		t.Errorf("last error = %q, want invalid handle", msg)
	}
}

func TestBridgeHandleAfterFree(t *testing.T) {
	tid := lockThread(t)
	b := NewBridge()
	h := b.NewExecutorFromBytes(tid, wasmtest.EchoReactor())
	if h == 0 {
		t.Fatalf("NewExecutorFromBytes failed: %s", b.LastError(tid))
	}
	b.FreeExecutor(tid, h)

	if res := b.Execute(tid, h, "echo", nil, nil); res != nil {
		t.Fatalf("Execute on freed handle returned %+v", res)
	}
	if msg := b.LastError(tid); !strings.Contains(msg, "invalid handle") {
		t.Errorf("last error = %q, want invalid handle", msg)
	}

	// Double free and the zero sentinel are silent no-ops.
	b.FreeExecutor(tid, h)
	b.FreeExecutor(tid, 0)
}

func TestBridgeShellState(t *testing.T) {
	tid := lockThread(t)
	b := NewBridge()
	eh := b.NewExecutorFromBytes(tid, wasmtest.VarReactor())
	if eh == 0 {
		t.Fatalf("NewExecutorFromBytes failed: %s", b.LastError(tid))
	}
	defer b.FreeExecutor(tid, eh)

	sh := b.NewShell(tid, eh)
	if sh == 0 {
		t.Fatalf("NewShell failed: %s", b.LastError(tid))
	}
	defer b.FreeShell(tid, sh)

	if _, present := b.ShellGetVar(tid, sh, "GREETING"); present {
		t.Fatal("GREETING present before set")
	}
	if !b.ShellSetVar(tid, sh, "GREETING", "bonjour") {
		t.Fatalf("ShellSetVar failed: %s", b.LastError(tid))
	}
	value, present := b.ShellGetVar(tid, sh, "GREETING")
	if !present || value != "bonjour" {
		t.Errorf("GetVar = (%q, %v), want (%q, true)", value, present, "bonjour")
	}
}

func TestBridgeShellLastExit(t *testing.T) {
	tid := lockThread(t)
	b := NewBridge()
	eh := b.NewExecutorFromBytes(tid, wasmtest.StatusReactor())
	if eh == 0 {
		t.Fatalf("NewExecutorFromBytes failed: %s", b.LastError(tid))
	}
	defer b.FreeExecutor(tid, eh)

	sh := b.NewShell(tid, eh)
	if sh == 0 {
		t.Fatalf("NewShell failed: %s", b.LastError(tid))
	}
	defer b.FreeShell(tid, sh)

	if res := b.ShellExecute(tid, sh, "12345"); res == nil {
		t.Fatalf("ShellExecute failed: %s", b.LastError(tid))
	}
	if code := b.ShellLastExit(tid, sh); code != 5 {
		t.Errorf("last exit = %d, want 5", code)
	}
}

func TestBridgeVfsRoundTrip(t *testing.T) {
	tid := lockThread(t)
	b := NewBridge()
	eh := newEchoExecutor(t, b, tid)

	sh := b.NewShell(tid, eh)
	if sh == 0 {
		t.Fatalf("NewShell failed: %s", b.LastError(tid))
	}
	defer b.FreeShell(tid, sh)

	encoded, err := vfs.MarshalTree(vfs.TreeFromStrings(map[string]string{
		"/etc/motd":   "welcome\n",
		"/data/a.txt": "alpha",
	}))
	if err != nil {
		t.Fatalf("MarshalTree: %v", err)
	}
	if !b.VfsSetTree(tid, sh, encoded) {
		t.Fatalf("VfsSetTree failed: %s", b.LastError(tid))
	}
	if !b.VfsUpdateFile(tid, sh, "/data/b.txt", []byte("beta")) {
		t.Fatalf("VfsUpdateFile failed: %s", b.LastError(tid))
	}

	existed, ok := b.VfsDeletePath(tid, sh, "/data/a.txt")
	if !ok || !existed {
		t.Errorf("DeletePath(a.txt) = (%v, %v), want (true, true)", existed, ok)
	}
	existed, ok = b.VfsDeletePath(tid, sh, "/data/a.txt")
	if !ok || existed {
		t.Errorf("second DeletePath = (%v, %v), want (false, true)", existed, ok)
	}

	if !b.VfsSetCwd(tid, sh, "/data") {
		t.Fatalf("VfsSetCwd failed: %s", b.LastError(tid))
	}
	if b.VfsSetCwd(tid, sh, "/data/b.txt") {
		t.Error("VfsSetCwd accepted a file path")
	}
}

func TestBridgeVfsRejectsBadCBOR(t *testing.T) {
	tid := lockThread(t)
	b := NewBridge()
	eh := newEchoExecutor(t, b, tid)

	sh := b.NewShell(tid, eh)
	if sh == 0 {
		t.Fatalf("NewShell failed: %s", b.LastError(tid))
	}
	defer b.FreeShell(tid, sh)

	if b.VfsSetTree(tid, sh, []byte{0xff, 0x00, 0x01}) {
		t.Fatal("VfsSetTree accepted garbage")
	}
	if msg := b.LastError(tid); !strings.Contains(msg, "decode tree") {
		t.Errorf("last error = %q, want decode failure", msg)
	}
}

func TestBridgeErrorsArePerThread(t *testing.T) {
	tid := lockThread(t)
	b := NewBridge()

	b.Execute(tid, 7, "echo", nil, nil)
	if b.LastError(tid) == "" {
		t.Fatal("expected an error on this thread")
	}
	if msg := b.LastError(tid + 1); msg != "" {
		t.Errorf("other thread sees %q, want empty", msg)
	}
}
