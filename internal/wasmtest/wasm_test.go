// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package wasmtest

import (
	"bytes"
	"context"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	wasi "github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// instantiate spins up a guest under a plain runtime, bypassing the
// engine, to prove the hand-assembled binaries are valid.
func instantiate(t *testing.T, wasm []byte, stdout *bytes.Buffer) (api.Module, context.Context) {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { rt.Close(ctx) })
	if _, err := wasi.Instantiate(ctx, rt); err != nil {
		t.Fatalf("wasi: %v", err)
	}
	mod, err := rt.InstantiateWithConfig(ctx, wasm,
		wazero.NewModuleConfig().WithStartFunctions("_initialize").WithStdout(stdout))
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	return mod, ctx
}

func TestEchoReactorRoundTrip(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	mod, ctx := instantiate(t, EchoReactor(), &stdout)

	version, err := mod.ExportedFunction("shell_abi_version").Call(ctx)
	if err != nil {
		t.Fatalf("shell_abi_version: %v", err)
	}
	if version[0] != 1 {
		t.Fatalf("abi version = %d, want 1", version[0])
	}

	script := "echo hello"
	ptrRes, err := mod.ExportedFunction("malloc").Call(ctx, uint64(len(script)))
	if err != nil {
		t.Fatalf("malloc: %v", err)
	}
	if !mod.Memory().Write(uint32(ptrRes[0]), []byte(script)) {
		t.Fatal("memory write failed")
	}
	status, err := mod.ExportedFunction("shell_eval").Call(ctx, ptrRes[0], uint64(len(script)))
	if err != nil {
		t.Fatalf("shell_eval: %v", err)
	}
	if status[0] != 0 {
		t.Fatalf("eval status = %d, want 0", status[0])
	}
	if stdout.String() != script {
		t.Fatalf("stdout = %q, want %q", stdout.String(), script)
	}
}

func TestVarReactorStoresValue(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	mod, ctx := instantiate(t, VarReactor(), &stdout)

	unset, err := mod.ExportedFunction("shell_getvar").Call(ctx, 0, 0)
	if err != nil {
		t.Fatalf("shell_getvar: %v", err)
	}
	if unset[0] != 0 {
		t.Fatalf("getvar before setvar = %#x, want 0", unset[0])
	}

	value := "forty-two"
	ptrRes, err := mod.ExportedFunction("malloc").Call(ctx, uint64(len(value)))
	if err != nil {
		t.Fatalf("malloc: %v", err)
	}
	if !mod.Memory().Write(uint32(ptrRes[0]), []byte(value)) {
		t.Fatal("memory write failed")
	}
	if _, err := mod.ExportedFunction("shell_setvar").Call(ctx, 0, 0, ptrRes[0], uint64(len(value))); err != nil {
		t.Fatalf("shell_setvar: %v", err)
	}

	packed, err := mod.ExportedFunction("shell_getvar").Call(ctx, 0, 0)
	if err != nil {
		t.Fatalf("shell_getvar: %v", err)
	}
	ptr := uint32(packed[0] >> 32)
	n := uint32(packed[0])
	got, ok := mod.Memory().Read(ptr, n)
	if !ok {
		t.Fatalf("memory read at %#x len %d failed", ptr, n)
	}
	if string(got) != value {
		t.Fatalf("stored value = %q, want %q", got, value)
	}
}

func TestStatusReactorTracksExitStatus(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	mod, ctx := instantiate(t, StatusReactor(), &stdout)

	script := "12345"
	ptrRes, err := mod.ExportedFunction("malloc").Call(ctx, uint64(len(script)))
	if err != nil {
		t.Fatalf("malloc: %v", err)
	}
	if !mod.Memory().Write(uint32(ptrRes[0]), []byte(script)) {
		t.Fatal("memory write failed")
	}
	status, err := mod.ExportedFunction("shell_eval").Call(ctx, ptrRes[0], uint64(len(script)))
	if err != nil {
		t.Fatalf("shell_eval: %v", err)
	}
	if status[0] != uint64(len(script)) {
		t.Fatalf("eval status = %d, want %d", status[0], len(script))
	}
	last, err := mod.ExportedFunction("shell_exitstatus").Call(ctx)
	if err != nil {
		t.Fatalf("shell_exitstatus: %v", err)
	}
	if last[0] != uint64(len(script)) {
		t.Fatalf("exit status = %d, want %d", last[0], len(script))
	}
}
