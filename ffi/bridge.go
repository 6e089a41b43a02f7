// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package ffi

import (
	"bytes"
	"context"
	"fmt"

	"github.com/coquille-sh/coquille/shell"
	"github.com/coquille-sh/coquille/vfs"
)

// Bridge is the embedding surface the C shim translates to. Every
// method reports failure by returning its zero/failure value and
// recording the cause in the caller's thread slot; LastError
// retrieves it.
type Bridge struct {
	executors *registry
	sessions  *registry
	errs      *errorStore
}

func NewBridge() *Bridge {
	return &Bridge{
		executors: newRegistry(),
		sessions:  newRegistry(),
		errs:      newErrorStore(),
	}
}

// LastError returns the message recorded for the thread by the most
// recent failing call, empty when the last call succeeded.
func (b *Bridge) LastError(tid ThreadID) string {
	return b.errs.get(tid)
}

// ExecResult mirrors the C result record.
type ExecResult struct {
	ExitCode  int32
	Stdout    []byte
	Stderr    []byte
	Truncated bool
}

// NewExecutorFromFile loads an interpreter artifact from disk.
// Returns 0 on failure.
func (b *Bridge) NewExecutorFromFile(tid ThreadID, path string) Handle {
	e, err := shell.FromFile(path)
	if err != nil {
		b.errs.set(tid, err)
		return 0
	}
	b.errs.set(tid, nil)
	return b.executors.put(e)
}

// NewExecutorFromBytes loads an interpreter artifact from memory.
func (b *Bridge) NewExecutorFromBytes(tid ThreadID, raw []byte) Handle {
	e, err := shell.FromBytes(raw)
	if err != nil {
		b.errs.set(tid, err)
		return 0
	}
	b.errs.set(tid, nil)
	return b.executors.put(e)
}

// NewExecutorEmbedded uses the artifact registered in-process.
func (b *Bridge) NewExecutorEmbedded(tid ThreadID) Handle {
	e, err := shell.FromEmbedded()
	if err != nil {
		b.errs.set(tid, err)
		return 0
	}
	b.errs.set(tid, nil)
	return b.executors.put(e)
}

// HasEmbedded reports whether an embedded artifact is registered.
func (b *Bridge) HasEmbedded() bool {
	return shell.HasEmbedded()
}

// FreeExecutor releases an executor. Handle 0 and double-free are
// no-ops.
func (b *Bridge) FreeExecutor(tid ThreadID, h Handle) {
	if h == 0 {
		return
	}
	v, ok := b.executors.remove(h)
	if !ok {
		return
	}
	if err := v.(*shell.Executor).Close(context.Background()); err != nil {
		b.errs.set(tid, err)
	}
}

func (b *Bridge) executor(tid ThreadID, op string, h Handle) (*shell.Executor, bool) {
	v, err := b.executors.get(op, h)
	if err != nil {
		b.errs.set(tid, err)
		return nil, false
	}
	return v.(*shell.Executor), true
}

// Execute runs a script statelessly. stdin may be nil; limits nil
// uses the executor default. Failure (including a governor stop)
// returns nil with the cause in the error slot.
func (b *Bridge) Execute(tid ThreadID, h Handle, script string, stdin []byte, limits *shell.Limits) *ExecResult {
	e, ok := b.executor(tid, "execute", h)
	if !ok {
		return nil
	}
	opts := shell.ExecOptions{}
	if stdin != nil {
		opts.Stdin = bytes.NewReader(stdin)
	}
	if limits != nil {
		opts.Limits = *limits
	}
	res, err := e.Execute(context.Background(), script, opts)
	return b.finish(tid, res, err)
}

func (b *Bridge) finish(tid ThreadID, res shell.Result, err error) *ExecResult {
	if err != nil {
		b.errs.set(tid, err)
		return nil
	}
	if res.Exceeded != "" {
		b.errs.set(tid, &shell.ResourceError{Resource: res.Exceeded})
		return nil
	}
	b.errs.set(tid, nil)
	return &ExecResult{
		ExitCode:  int32(res.ExitCode),
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		Truncated: res.Truncated,
	}
}

// sessionEntry pairs a session with its namespace for the VFS calls.
type sessionEntry struct {
	session *shell.Session
	fsys    *vfs.FS
}

// NewShell opens a stateful session on an executor.
func (b *Bridge) NewShell(tid ThreadID, h Handle) Handle {
	e, ok := b.executor(tid, "shell_new", h)
	if !ok {
		return 0
	}
	s, err := e.NewSession(context.Background(), shell.SessionConfig{})
	if err != nil {
		b.errs.set(tid, err)
		return 0
	}
	b.errs.set(tid, nil)
	return b.sessions.put(&sessionEntry{session: s, fsys: s.FS()})
}

func (b *Bridge) shell(tid ThreadID, op string, h Handle) (*sessionEntry, bool) {
	v, err := b.sessions.get(op, h)
	if err != nil {
		b.errs.set(tid, err)
		return nil, false
	}
	return v.(*sessionEntry), true
}

// ShellExecute runs a script in the session.
func (b *Bridge) ShellExecute(tid ThreadID, h Handle, script string) *ExecResult {
	s, ok := b.shell(tid, "shell_execute", h)
	if !ok {
		return nil
	}
	res, err := s.session.Execute(context.Background(), script)
	return b.finish(tid, res, err)
}

// ShellGetVar reads a session variable; the bool reports presence.
func (b *Bridge) ShellGetVar(tid ThreadID, h Handle, name string) (string, bool) {
	s, ok := b.shell(tid, "shell_get_var", h)
	if !ok {
		return "", false
	}
	value, present, err := s.session.GetVar(context.Background(), name)
	if err != nil {
		b.errs.set(tid, err)
		return "", false
	}
	b.errs.set(tid, nil)
	return value, present
}

// ShellSetVar assigns a session variable.
func (b *Bridge) ShellSetVar(tid ThreadID, h Handle, name, value string) bool {
	s, ok := b.shell(tid, "shell_set_var", h)
	if !ok {
		return false
	}
	if err := s.session.SetVar(context.Background(), name, value); err != nil {
		b.errs.set(tid, err)
		return false
	}
	b.errs.set(tid, nil)
	return true
}

// ShellLastExit returns the session's last exit status, -1 on a
// contract failure.
func (b *Bridge) ShellLastExit(tid ThreadID, h Handle) int32 {
	s, ok := b.shell(tid, "shell_last_exit", h)
	if !ok {
		return -1
	}
	code, err := s.session.LastExitCode(context.Background())
	if err != nil {
		b.errs.set(tid, err)
		return -1
	}
	b.errs.set(tid, nil)
	return int32(code)
}

// ShellSetCwd changes the session working directory.
func (b *Bridge) ShellSetCwd(tid ThreadID, h Handle, dir string) bool {
	s, ok := b.shell(tid, "shell_set_cwd", h)
	if !ok {
		return false
	}
	if err := s.session.SetCwd(context.Background(), dir); err != nil {
		b.errs.set(tid, err)
		return false
	}
	b.errs.set(tid, nil)
	return true
}

// FreeShell closes a session. Handle 0 and double-free are no-ops.
func (b *Bridge) FreeShell(tid ThreadID, h Handle) {
	if h == 0 {
		return
	}
	v, ok := b.sessions.remove(h)
	if !ok {
		return
	}
	if err := v.(*sessionEntry).session.Close(context.Background()); err != nil {
		b.errs.set(tid, err)
	}
}

// VfsSetTree replaces the session tree from a CBOR snapshot.
func (b *Bridge) VfsSetTree(tid ThreadID, h Handle, encoded []byte) bool {
	s, ok := b.shell(tid, "vfs_set_tree", h)
	if !ok {
		return false
	}
	tree, err := vfs.UnmarshalTree(encoded)
	if err != nil {
		b.errs.set(tid, fmt.Errorf("decode tree: %w", err))
		return false
	}
	if err := s.fsys.SetTree(tree); err != nil {
		b.errs.set(tid, err)
		return false
	}
	b.errs.set(tid, nil)
	return true
}

// VfsUpdateFile upserts one file in the session tree.
func (b *Bridge) VfsUpdateFile(tid ThreadID, h Handle, path string, data []byte) bool {
	s, ok := b.shell(tid, "vfs_update_file", h)
	if !ok {
		return false
	}
	if err := s.fsys.UpdateFile(path, data); err != nil {
		b.errs.set(tid, err)
		return false
	}
	b.errs.set(tid, nil)
	return true
}

// VfsDeletePath removes a path; existed reports whether it was
// there, ok whether the call itself succeeded.
func (b *Bridge) VfsDeletePath(tid ThreadID, h Handle, path string) (existed, ok bool) {
	s, found := b.shell(tid, "vfs_delete_path", h)
	if !found {
		return false, false
	}
	existed, err := s.fsys.DeletePath(path)
	if err != nil {
		b.errs.set(tid, err)
		return false, false
	}
	b.errs.set(tid, nil)
	return existed, true
}

// VfsSetCwd changes host-side path resolution without touching the
// interpreter.
func (b *Bridge) VfsSetCwd(tid ThreadID, h Handle, dir string) bool {
	s, ok := b.shell(tid, "vfs_set_cwd", h)
	if !ok {
		return false
	}
	if err := s.fsys.SetCwd(dir); err != nil {
		b.errs.set(tid, err)
		return false
	}
	b.errs.set(tid, nil)
	return true
}
