// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

// Package wasmtest assembles tiny WASI reactor modules in memory so
// the engine's loader, governor, and session machinery can be tested
// without the real interpreter artifact. Each guest implements the
// reactor embedding interface with a different shell_eval body.
package wasmtest

// Function type indices, in declaration order.
const (
	typeVoid   = 0 // () -> ()
	typeRetI32 = 1 // () -> i32
	typeII_I   = 2 // (i32, i32) -> i32
	typeII_I64 = 3 // (i32, i32) -> i64
	typeIIII_I = 4 // (i32, i32, i32, i32) -> i32
	typeI_I    = 5 // (i32) -> i32
	typeI_Void = 6 // (i32) -> ()
)

// Imported function indices.
const (
	fnFdWrite  = 0
	fnProcExit = 1
	fnFdRead   = 2
)

// Globals.
const (
	globalHeap       = 0 // bump allocator pointer
	globalLastStatus = 1
)

// heapBase leaves the first page for scratch (iovecs, the var slot).
const heapBase = 65536

// Reactor describes one test guest. Zero-value fields take working
// defaults; bodies are full code entries (locals vector + code +
// end) built with the asm helper.
type Reactor struct {
	// ABIVersion reported by shell_abi_version. Defaults to 1.
	ABIVersion int32

	// Initialize replaces the _initialize body. Default does
	// nothing.
	Initialize []byte

	// Eval replaces the shell_eval body. Default returns 0.
	Eval []byte

	// GetVar replaces the shell_getvar body. Default returns 0
	// (unset).
	GetVar []byte

	// SetVar replaces the shell_setvar body. Default returns 0.
	SetVar []byte

	// ExitStatus replaces the shell_exitstatus body. Default reads
	// the last-status global.
	ExitStatus []byte

	// InitStatus is shell_init's return. Default 0.
	InitStatus int32

	// MaxPages caps the declared memory. Defaults to 1024 (64 MiB).
	MaxPages uint32

	// OmitExports drops named exports, for link-validation tests.
	OmitExports []string
}

// Build assembles the module binary.
func (r Reactor) Build() []byte {
	if r.ABIVersion == 0 {
		r.ABIVersion = 1
	}
	if r.MaxPages == 0 {
		r.MaxPages = 1024
	}
	if r.Initialize == nil {
		r.Initialize = Body(func(a *Asm) {})
	}
	if r.Eval == nil {
		r.Eval = Body(func(a *Asm) { a.I32Const(0) })
	}
	if r.GetVar == nil {
		r.GetVar = Body(func(a *Asm) { a.I64Const(0) })
	}
	if r.SetVar == nil {
		r.SetVar = Body(func(a *Asm) { a.I32Const(0) })
	}
	if r.ExitStatus == nil {
		r.ExitStatus = Body(func(a *Asm) { a.GlobalGet(globalLastStatus) })
	}

	var m module

	m.section(1, types(
		fnType(nil, nil),
		fnType(nil, []byte{i32}),
		fnType([]byte{i32, i32}, []byte{i32}),
		fnType([]byte{i32, i32}, []byte{i64}),
		fnType([]byte{i32, i32, i32, i32}, []byte{i32}),
		fnType([]byte{i32}, []byte{i32}),
		fnType([]byte{i32}, nil),
	))

	m.section(2, imports(
		imp("wasi_snapshot_preview1", "fd_write", typeIIII_I),
		imp("wasi_snapshot_preview1", "proc_exit", typeI_Void),
		imp("wasi_snapshot_preview1", "fd_read", typeIIII_I),
	))

	// Defined functions, index space continues after imports.
	defined := []uint32{
		typeVoid,   // 3  _initialize
		typeRetI32, // 4  shell_abi_version
		typeRetI32, // 5  shell_init
		typeII_I,   // 6  shell_eval
		typeII_I64, // 7  shell_getvar
		typeIIII_I, // 8  shell_setvar
		typeRetI32, // 9  shell_exitstatus
		typeII_I,   // 10 shell_chdir
		typeI_I,    // 11 malloc
		typeI_Void, // 12 free
	}
	var fnSec []byte
	fnSec = append(fnSec, uleb(uint64(len(defined)))...)
	for _, t := range defined {
		fnSec = append(fnSec, uleb(uint64(t))...)
	}
	m.section(3, fnSec)

	// One memory: min 2 pages, declared max.
	var memSec []byte
	memSec = append(memSec, uleb(1)...)
	memSec = append(memSec, 0x01)
	memSec = append(memSec, uleb(2)...)
	memSec = append(memSec, uleb(uint64(r.MaxPages))...)
	m.section(5, memSec)

	// Globals: heap pointer and last status.
	var glbSec []byte
	glbSec = append(glbSec, uleb(2)...)
	glbSec = append(glbSec, i32, 0x01, opI32Const)
	glbSec = append(glbSec, sleb(heapBase)...)
	glbSec = append(glbSec, opEnd)
	glbSec = append(glbSec, i32, 0x01, opI32Const)
	glbSec = append(glbSec, sleb(0)...)
	glbSec = append(glbSec, opEnd)
	m.section(6, glbSec)

	m.section(7, r.exports())

	bodies := [][]byte{
		r.Initialize,
		Body(func(a *Asm) { a.I32Const(r.ABIVersion) }),
		Body(func(a *Asm) { a.I32Const(r.InitStatus) }),
		r.Eval,
		r.GetVar,
		r.SetVar,
		r.ExitStatus,
		Body(func(a *Asm) { a.I32Const(0) }), // shell_chdir
		mallocBody(),
		Body(func(a *Asm) {}), // free
	}
	var codeSec []byte
	codeSec = append(codeSec, uleb(uint64(len(bodies)))...)
	for _, b := range bodies {
		codeSec = append(codeSec, uleb(uint64(len(b)))...)
		codeSec = append(codeSec, b...)
	}
	m.section(10, codeSec)

	return m.bytes()
}

func (r Reactor) exports() []byte {
	type export struct {
		name string
		kind byte
		idx  uint32
	}
	all := []export{
		{"memory", 0x02, 0},
		{"_initialize", 0x00, 3},
		{"shell_abi_version", 0x00, 4},
		{"shell_init", 0x00, 5},
		{"shell_eval", 0x00, 6},
		{"shell_getvar", 0x00, 7},
		{"shell_setvar", 0x00, 8},
		{"shell_exitstatus", 0x00, 9},
		{"shell_chdir", 0x00, 10},
		{"malloc", 0x00, 11},
		{"free", 0x00, 12},
	}
	omitted := make(map[string]bool, len(r.OmitExports))
	for _, name := range r.OmitExports {
		omitted[name] = true
	}
	var kept []export
	for _, e := range all {
		if !omitted[e.name] {
			kept = append(kept, e)
		}
	}

	var out []byte
	out = append(out, uleb(uint64(len(kept)))...)
	for _, e := range kept {
		out = append(out, name(e.name)...)
		out = append(out, e.kind)
		out = append(out, uleb(uint64(e.idx))...)
	}
	return out
}

// mallocBody is a bump allocator: returns the old heap pointer and
// advances it by the request. Never fails until memory runs out.
func mallocBody() []byte {
	return Body(func(a *Asm) {
		a.GlobalGet(globalHeap)
		a.GlobalGet(globalHeap)
		a.LocalGet(0)
		a.I32Add()
		a.GlobalSet(globalHeap)
	})
}

// module accumulates sections.
type module struct {
	buf []byte
}

func (m *module) section(id byte, content []byte) {
	m.buf = append(m.buf, id)
	m.buf = append(m.buf, uleb(uint64(len(content)))...)
	m.buf = append(m.buf, content...)
}

func (m *module) bytes() []byte {
	header := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	return append(header, m.buf...)
}

// Value types.
const (
	i32 = 0x7f
	i64 = 0x7e
)

func fnType(params, results []byte) []byte {
	out := []byte{0x60}
	out = append(out, uleb(uint64(len(params)))...)
	out = append(out, params...)
	out = append(out, uleb(uint64(len(results)))...)
	out = append(out, results...)
	return out
}

func types(ts ...[]byte) []byte {
	out := uleb(uint64(len(ts)))
	for _, t := range ts {
		out = append(out, t...)
	}
	return out
}

func imp(module, field string, typeIdx uint32) []byte {
	out := name(module)
	out = append(out, name(field)...)
	out = append(out, 0x00)
	out = append(out, uleb(uint64(typeIdx))...)
	return out
}

func imports(is ...[]byte) []byte {
	out := uleb(uint64(len(is)))
	for _, i := range is {
		out = append(out, i...)
	}
	return out
}

func name(s string) []byte {
	out := uleb(uint64(len(s)))
	return append(out, s...)
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

// Asm builds one function body. Instructions append to the stream;
// Body wraps the result with an empty locals vector and the end
// opcode.
type Asm struct {
	code []byte
}

// Body assembles a function body with no extra locals.
func Body(f func(*Asm)) []byte {
	a := &Asm{}
	f(a)
	out := []byte{0x00} // no local declarations
	out = append(out, a.code...)
	return append(out, opEnd)
}

const (
	opUnreachable = 0x00
	opLoop        = 0x03
	opIf          = 0x04
	opEnd         = 0x0b
	opBr          = 0x0c
	opReturn      = 0x0f
	opCall        = 0x10
	opDrop        = 0x1a
	opLocalGet    = 0x20
	opGlobalGet   = 0x23
	opGlobalSet   = 0x24
	opI32Load     = 0x28
	opI32Store    = 0x36
	opMemoryGrow  = 0x40
	opI32Const    = 0x41
	opI64Const    = 0x42
	opI32Eqz      = 0x45
	opI32Eq       = 0x46
	opI32Add      = 0x6a
	opI64Or       = 0x84
	opI64Shl      = 0x86
	opI64ExtendU  = 0xad
	blockVoid     = 0x40
)

func (a *Asm) raw(bs ...byte) { a.code = append(a.code, bs...) }

func (a *Asm) I32Const(v int32) { a.raw(opI32Const); a.code = append(a.code, sleb(int64(v))...) }
func (a *Asm) I64Const(v int64) { a.raw(opI64Const); a.code = append(a.code, sleb(v)...) }
func (a *Asm) LocalGet(i uint32) {
	a.raw(opLocalGet)
	a.code = append(a.code, uleb(uint64(i))...)
}
func (a *Asm) GlobalGet(i uint32) {
	a.raw(opGlobalGet)
	a.code = append(a.code, uleb(uint64(i))...)
}
func (a *Asm) GlobalSet(i uint32) {
	a.raw(opGlobalSet)
	a.code = append(a.code, uleb(uint64(i))...)
}
func (a *Asm) I32Add() { a.raw(opI32Add) }
func (a *Asm) I32Eq() { a.raw(opI32Eq) }
func (a *Asm) I32Eqz() { a.raw(opI32Eqz) }
func (a *Asm) I64Or() { a.raw(opI64Or) }
func (a *Asm) I64Shl() { a.raw(opI64Shl) }
func (a *Asm) I64ExtendU() { a.raw(opI64ExtendU) }
func (a *Asm) Drop() { a.raw(opDrop) }
func (a *Asm) Return() { a.raw(opReturn) }
func (a *Asm) Unreachable() { a.raw(opUnreachable) }
func (a *Asm) Call(fn uint32) {
	a.raw(opCall)
	a.code = append(a.code, uleb(uint64(fn))...)
}
func (a *Asm) I32Load(offset uint32) {
	a.raw(opI32Load, 0x02)
	a.code = append(a.code, uleb(uint64(offset))...)
}
func (a *Asm) I32Store(offset uint32) {
	a.raw(opI32Store, 0x02)
	a.code = append(a.code, uleb(uint64(offset))...)
}
func (a *Asm) MemoryGrow() { a.raw(opMemoryGrow, 0x00) }
func (a *Asm) MemoryCopy() { a.raw(0xfc, 0x0a, 0x00, 0x00) }

// Loop emits an infinite void loop around f unless f branches out.
func (a *Asm) Loop(f func()) {
	a.raw(opLoop, blockVoid)
	f()
	a.raw(opEnd)
}

// If emits a void if-block consuming the i32 on the stack.
func (a *Asm) If(f func()) {
	a.raw(opIf, blockVoid)
	f()
	a.raw(opEnd)
}

// Br branches to the label depth levels out.
func (a *Asm) Br(depth uint32) {
	a.raw(opBr)
	a.code = append(a.code, uleb(uint64(depth))...)
}
