// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// The interpreter is a WASI reactor: _initialize runs once at
// instantiation and the host drives it through these exports.
// shell_abi_version gates compatibility; everything else is plain
// (ptr, len) string passing through guest-owned buffers.
const (
	abiVersion = 1

	expInitialize = "_initialize"
	expABIVersion = "shell_abi_version"
	expInit       = "shell_init"
	expEval       = "shell_eval"
	expGetVar     = "shell_getvar"
	expSetVar     = "shell_setvar"
	expExitStatus = "shell_exitstatus"
	expChdir      = "shell_chdir"
	expMalloc     = "malloc"
	expFree       = "free"

	wasiModule = "wasi_snapshot_preview1"
)

var requiredExports = []string{
	expInitialize,
	expABIVersion,
	expInit,
	expEval,
	expGetVar,
	expSetVar,
	expExitStatus,
	expChdir,
	expMalloc,
	expFree,
}

// validateModule checks the embedding contract on the compiled
// artifact before any instance exists: imports must be WASI only,
// and every reactor export must be present. The interface version is
// checked later, on the first live instance.
func validateModule(compiled wazero.CompiledModule) error {
	for _, imp := range compiled.ImportedFunctions() {
		module, name, _ := imp.Import()
		if module != wasiModule {
			return &LinkError{Detail: fmt.Sprintf("unsupported import %s.%s", module, name)}
		}
	}
	exports := compiled.ExportedFunctions()
	for _, name := range requiredExports {
		if _, ok := exports[name]; !ok {
			return &LinkError{Detail: fmt.Sprintf("missing export %s", name)}
		}
	}
	return nil
}

// guest wraps one live interpreter instance with typed calls onto
// its exports.
type guest struct {
	mod        api.Module
	malloc     api.Function
	free       api.Function
	eval       api.Function
	getVar     api.Function
	setVar     api.Function
	exitStatus api.Function
	chdir      api.Function
}

func bindGuest(mod api.Module) (*guest, error) {
	g := &guest{mod: mod}
	for name, fn := range map[string]*api.Function{
		expMalloc:     &g.malloc,
		expFree:       &g.free,
		expEval:       &g.eval,
		expGetVar:     &g.getVar,
		expSetVar:     &g.setVar,
		expExitStatus: &g.exitStatus,
		expChdir:      &g.chdir,
	} {
		f := mod.ExportedFunction(name)
		if f == nil {
			return nil, &LinkError{Detail: fmt.Sprintf("missing export %s", name)}
		}
		*fn = f
	}
	return g, nil
}

// checkVersion verifies the instance speaks our interface revision.
func (g *guest) checkVersion(ctx context.Context) error {
	fn := g.mod.ExportedFunction(expABIVersion)
	if fn == nil {
		return &LinkError{Detail: fmt.Sprintf("missing export %s", expABIVersion)}
	}
	res, err := fn.Call(ctx)
	if err != nil {
		return &LinkError{Detail: "calling " + expABIVersion, Err: err}
	}
	if got := int32(res[0]); got != abiVersion {
		return &LinkError{
			Detail: fmt.Sprintf("interface version %d, host speaks %d", got, abiVersion),
			Err:    ErrInterfaceVersion,
		}
	}
	return nil
}

// initShell runs the interpreter's own setup after _initialize.
func (g *guest) initShell(ctx context.Context) error {
	fn := g.mod.ExportedFunction(expInit)
	if fn == nil {
		return &LinkError{Detail: fmt.Sprintf("missing export %s", expInit)}
	}
	res, err := fn.Call(ctx)
	if err != nil {
		return err
	}
	if code := int32(res[0]); code != 0 {
		return &LinkError{Detail: fmt.Sprintf("%s returned %d", expInit, code)}
	}
	return nil
}

// writeString copies s into a guest-owned buffer. The caller frees
// it with freeBuf. An empty string passes (0, 0) without allocating.
func (g *guest) writeString(ctx context.Context, s string) (uint32, uint32, error) {
	if len(s) == 0 {
		return 0, 0, nil
	}
	res, err := g.malloc.Call(ctx, uint64(len(s)))
	if err != nil {
		return 0, 0, fmt.Errorf("guest malloc: %w", err)
	}
	ptr := uint32(res[0])
	if ptr == 0 {
		return 0, 0, fmt.Errorf("guest malloc returned null for %d bytes", len(s))
	}
	if !g.mod.Memory().Write(ptr, []byte(s)) {
		return 0, 0, fmt.Errorf("guest memory write at %#x len %d out of range", ptr, len(s))
	}
	return ptr, uint32(len(s)), nil
}

func (g *guest) freeBuf(ctx context.Context, ptr uint32) {
	if ptr == 0 {
		return
	}
	// Best effort; a failing free cannot be acted on mid-run.
	_, _ = g.free.Call(ctx, uint64(ptr))
}

// readPacked decodes the (ptr << 32 | len) convention used by
// exports that return a guest string. Zero means "no value". The
// returned buffer is freed before returning.
func (g *guest) readPacked(ctx context.Context, packed uint64) (string, bool, error) {
	if packed == 0 {
		return "", false, nil
	}
	ptr := uint32(packed >> 32)
	n := uint32(packed)
	if n == 0 {
		g.freeBuf(ctx, ptr)
		return "", true, nil
	}
	buf, ok := g.mod.Memory().Read(ptr, n)
	if !ok {
		return "", false, fmt.Errorf("guest memory read at %#x len %d out of range", ptr, n)
	}
	out := string(buf)
	g.freeBuf(ctx, ptr)
	return out, true, nil
}

// evalScript runs one script and returns its exit status.
func (g *guest) evalScript(ctx context.Context, script string) (int32, error) {
	ptr, n, err := g.writeString(ctx, script)
	if err != nil {
		return 0, err
	}
	defer g.freeBuf(ctx, ptr)
	res, err := g.eval.Call(ctx, uint64(ptr), uint64(n))
	if err != nil {
		return 0, err
	}
	return int32(res[0]), nil
}

func (g *guest) getVariable(ctx context.Context, name string) (string, bool, error) {
	ptr, n, err := g.writeString(ctx, name)
	if err != nil {
		return "", false, err
	}
	defer g.freeBuf(ctx, ptr)
	res, err := g.getVar.Call(ctx, uint64(ptr), uint64(n))
	if err != nil {
		return "", false, err
	}
	return g.readPacked(ctx, res[0])
}

func (g *guest) setVariable(ctx context.Context, name, value string) error {
	nptr, nlen, err := g.writeString(ctx, name)
	if err != nil {
		return err
	}
	defer g.freeBuf(ctx, nptr)
	vptr, vlen, err := g.writeString(ctx, value)
	if err != nil {
		return err
	}
	defer g.freeBuf(ctx, vptr)
	res, err := g.setVar.Call(ctx, uint64(nptr), uint64(nlen), uint64(vptr), uint64(vlen))
	if err != nil {
		return err
	}
	if code := int32(res[0]); code != 0 {
		return fmt.Errorf("%s returned %d", expSetVar, code)
	}
	return nil
}

func (g *guest) lastExitStatus(ctx context.Context) (int32, error) {
	res, err := g.exitStatus.Call(ctx)
	if err != nil {
		return 0, err
	}
	return int32(res[0]), nil
}

func (g *guest) changeDir(ctx context.Context, dir string) (int32, error) {
	ptr, n, err := g.writeString(ctx, dir)
	if err != nil {
		return 0, err
	}
	defer g.freeBuf(ctx, ptr)
	res, err := g.chdir.Call(ctx, uint64(ptr), uint64(n))
	if err != nil {
		return 0, err
	}
	return int32(res[0]), nil
}
