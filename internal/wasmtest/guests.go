// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package wasmtest

// Scratch layout in the guest's first page.
const (
	iovecAddr    = 0  // 8-byte iovec for fd_write
	nwrittenAddr = 8  // fd_write out-parameter
	varLenAddr   = 12 // length of the stored variable value
	varBufAddr   = 16 // variable value bytes
)

// evalEcho writes the script bytes to stdout and returns status.
func evalEcho(status int32) []byte {
	return Body(func(a *Asm) {
		a.I32Const(iovecAddr)
		a.LocalGet(0)
		a.I32Store(0)
		a.I32Const(iovecAddr)
		a.LocalGet(1)
		a.I32Store(4)
		a.I32Const(1) // stdout
		a.I32Const(iovecAddr)
		a.I32Const(1) // one iovec
		a.I32Const(nwrittenAddr)
		a.Call(fnFdWrite)
		a.Drop()
		a.I32Const(status)
		a.GlobalSet(globalLastStatus)
		a.GlobalGet(globalLastStatus)
	})
}

// EchoReactor echoes every script to stdout and succeeds.
func EchoReactor() []byte {
	return Reactor{Eval: evalEcho(0)}.Build()
}

// EchoStatusReactor echoes the script and finishes the eval with
// the given status. Status 42 makes it a tool-requesting guest: the
// script it echoes is the request JSON.
func EchoStatusReactor(status int32) []byte {
	return Reactor{Eval: evalEcho(status)}.Build()
}

// SpinReactor never returns from shell_eval. Only the governor can
// stop it.
func SpinReactor() []byte {
	return Reactor{Eval: Body(func(a *Asm) {
		a.Loop(func() {
			a.Br(0)
		})
		a.I32Const(0)
	})}.Build()
}

// GrowReactor grows linear memory 16 pages at a time until the
// allocator denies it, then returns 3. Against an undersized memory
// budget it terminates quickly; against a generous one it declares
// up to MaxPages.
func GrowReactor() []byte {
	return Reactor{
		MaxPages: 65536,
		Eval: Body(func(a *Asm) {
			a.Loop(func() {
				a.I32Const(16)
				a.MemoryGrow()
				a.I32Const(-1)
				a.I32Eq()
				a.If(func() {
					a.I32Const(3)
					a.Return()
				})
				a.Br(0)
			})
			a.I32Const(0)
		}),
	}.Build()
}

// ExitReactor calls proc_exit(code) from inside shell_eval.
func ExitReactor(code int32) []byte {
	return Reactor{Eval: Body(func(a *Asm) {
		a.I32Const(code)
		a.Call(fnProcExit)
		a.I32Const(0)
	})}.Build()
}

// VarReactor stores one variable value, ignoring the name: setvar
// copies the value into a fixed slot, getvar returns it packed as
// (ptr << 32 | len), zero when nothing was stored.
func VarReactor() []byte {
	return Reactor{
		SetVar: Body(func(a *Asm) {
			a.I32Const(varBufAddr)
			a.LocalGet(2)
			a.LocalGet(3)
			a.MemoryCopy()
			a.I32Const(varLenAddr)
			a.LocalGet(3)
			a.I32Store(0)
			a.I32Const(0)
		}),
		GetVar: Body(func(a *Asm) {
			a.I32Const(varLenAddr)
			a.I32Load(0)
			a.I32Eqz()
			a.If(func() {
				a.I64Const(0)
				a.Return()
			})
			a.I64Const(varBufAddr)
			a.I64Const(32)
			a.I64Shl()
			a.I32Const(varLenAddr)
			a.I32Load(0)
			a.I64ExtendU()
			a.I64Or()
		}),
	}.Build()
}

// StatusReactor records the script's length as the eval status, so
// shell_exitstatus has something observable to report.
func StatusReactor() []byte {
	return Reactor{Eval: Body(func(a *Asm) {
		a.LocalGet(1)
		a.GlobalSet(globalLastStatus)
		a.GlobalGet(globalLastStatus)
	})}.Build()
}

// StdinReactor reads stdin to exhaustion during shell_eval and then
// returns 0. Against a slow host stream it spends its life parked in
// fd_read rather than burning CPU, which is what a wall-deadline
// test needs.
func StdinReactor() []byte {
	return Reactor{Eval: Body(func(a *Asm) {
		a.I32Const(iovecAddr)
		a.I32Const(varBufAddr)
		a.I32Store(0)
		a.I32Const(iovecAddr)
		a.I32Const(16)
		a.I32Store(4)
		a.Loop(func() {
			a.I32Const(0) // stdin
			a.I32Const(iovecAddr)
			a.I32Const(1)
			a.I32Const(nwrittenAddr)
			a.Call(fnFdRead)
			a.I32Eqz()
			a.If(func() {
				a.I32Const(nwrittenAddr)
				a.I32Load(0)
				a.I32Eqz()
				a.If(func() {
					// EOF.
					a.I32Const(0)
					a.Return()
				})
				a.Br(2)
			})
		})
		a.I32Const(0)
	})}.Build()
}

// TrapReactor hits an unreachable inside shell_eval.
func TrapReactor() []byte {
	return Reactor{Eval: Body(func(a *Asm) {
		a.Unreachable()
		a.I32Const(0)
	})}.Build()
}

// InitTrapReactor traps during _initialize, so it compiles and
// link-validates but can never be instantiated.
func InitTrapReactor() []byte {
	return Reactor{Initialize: Body(func(a *Asm) {
		a.Unreachable()
	})}.Build()
}

// VersionReactor reports an arbitrary interface revision.
func VersionReactor(v int32) []byte {
	return Reactor{ABIVersion: v}.Build()
}

// Incomplete builds a reactor missing the named exports.
func Incomplete(omit ...string) []byte {
	return Reactor{OmitExports: omit}.Build()
}
