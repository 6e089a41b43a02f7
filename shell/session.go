// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	wazerosys "github.com/tetratelabs/wazero/sys"

	"github.com/coquille-sh/coquille/vfs"
)

// SessionConfig configures a long-lived interpreter instance.
type SessionConfig struct {
	// FS is the session namespace. Nil gets a fresh in-memory tree
	// mounted at /.
	FS *vfs.FS

	// Limits is the per-call budget. Zero fields fall back to the
	// executor default. The memory budget binds the instance for
	// its whole life; it cannot be raised per call.
	Limits Limits

	// Env sets interpreter environment variables.
	Env map[string]string

	// Logger defaults to the executor's.
	Logger *slog.Logger
}

// Session is one persistent interpreter instance: variables, the
// working directory, and the namespace carry across Execute calls.
// Two sessions never share guest state, even on the same Executor.
//
// Calls are serialized; a caller never observes a half-finished
// peer. A run stopped by the governor (or a guest exit) destroys the
// instance: the session reports the outcome and is broken afterward.
type Session struct {
	exec   *Executor
	log    *slog.Logger
	fsys   *vfs.FS
	limits Limits

	mu       sync.Mutex
	mod      api.Module
	g        *guest
	stdout   *switchWriter
	stderr   *switchWriter
	closed   bool
	broken   error

	memDenied atomic.Bool
}

// NewSession instantiates a persistent interpreter over cfg's
// namespace and runs its setup under the session budget.
func (e *Executor) NewSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	limits := e.effectiveLimits(cfg.Limits)
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if limits.memoryPages() < e.memMinPages {
		return nil, &ResourceError{Resource: ResourceMemory}
	}
	fsys := cfg.FS
	if fsys == nil {
		var err error
		fsys, err = emptyNamespace()
		if err != nil {
			return nil, err
		}
	}
	log := cfg.Logger
	if log == nil {
		log = e.log
	}

	s := &Session{
		exec:   e,
		log:    log,
		fsys:   fsys,
		limits: limits,
		stdout: &switchWriter{},
		stderr: &switchWriter{},
	}

	runCtx, gov := startGovernor(ctx, e.clk, limits)
	defer gov.stop()
	runCtx = experimental.WithMemoryAllocator(runCtx, &budgetAllocator{
		budget: limits.Memory,
		onDeny: func() { s.memDenied.Store(true) },
	})

	mod, err := e.instantiate(runCtx, fsys, s.stdout, s.stderr, nil, cfg.Env)
	if err != nil {
		classified := gov.classify(runCtx, err)
		if _, ok := IsResourceExceeded(classified); ok {
			return nil, classified
		}
		if ctxErr := context.Cause(runCtx); errors.Is(ctxErr, context.Canceled) || errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, ctxErr
		}
		return nil, linkFailure(classified)
	}
	g, err := bindGuest(mod)
	if err != nil {
		_ = mod.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	if err := g.initShell(runCtx); err != nil {
		_ = mod.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("session init: %w", gov.classify(runCtx, err))
	}

	s.mod = mod
	s.g = g
	return s, nil
}

// Execute runs one script in the session, capturing its output. The
// script sees everything previous scripts left behind.
func (s *Session) Execute(ctx context.Context, script string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return Result{}, err
	}

	stdout := newCappedBuffer(s.limits.Output)
	stderr := newCappedBuffer(s.limits.Output)
	s.stdout.set(stdout)
	s.stderr.set(stderr)
	defer s.stdout.set(nil)
	defer s.stderr.set(nil)

	runCtx, gov := startGovernor(ctx, s.exec.clk, s.limits)
	defer gov.stop()

	status, err := s.g.evalScript(runCtx, script)

	gov.stop()
	res := Result{
		ExitCode:  int(status),
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		CPUTime:   gov.cpuUsed(s.limits),
	}
	if err == nil {
		return res, nil
	}

	// Any failure here means the instance is gone: a governor stop
	// closed it, a guest exit terminated it, or it trapped.
	var exitErr *wazerosys.ExitError
	if errors.As(err, &exitErr) &&
		exitErr.ExitCode() != wazerosys.ExitCodeContextCanceled &&
		exitErr.ExitCode() != wazerosys.ExitCodeDeadlineExceeded {
		res.ExitCode = int(int32(exitErr.ExitCode()))
		s.breakLocked(fmt.Errorf("interpreter exited with status %d", res.ExitCode))
		return res, nil
	}

	classified := gov.classify(runCtx, err)
	if _, ok := IsResourceExceeded(classified); !ok && s.memDenied.Swap(false) {
		classified = &ResourceError{Resource: ResourceMemory}
	}
	if resource, ok := IsResourceExceeded(classified); ok {
		res.ExitCode = -1
		res.Exceeded = resource
		s.breakLocked(classified)
		s.log.Debug("session stopped by governor", "resource", resource)
		return res, nil
	}
	if ctxErr := context.Cause(runCtx); errors.Is(ctxErr, context.Canceled) || errors.Is(ctxErr, context.DeadlineExceeded) {
		s.breakLocked(ctxErr)
		return res, ctxErr
	}
	s.breakLocked(classified)
	return res, &TrapError{Err: classified}
}

// GetVar reads an interpreter variable. The second return is false
// when the variable is unset.
func (s *Session) GetVar(ctx context.Context, name string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return "", false, err
	}
	runCtx, gov := startGovernor(ctx, s.exec.clk, s.limits)
	defer gov.stop()
	value, ok, err := s.g.getVariable(runCtx, name)
	if err != nil {
		return "", false, s.failGuarded(runCtx, gov, err)
	}
	return value, ok, nil
}

// SetVar assigns an interpreter variable.
func (s *Session) SetVar(ctx context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	runCtx, gov := startGovernor(ctx, s.exec.clk, s.limits)
	defer gov.stop()
	if err := s.g.setVariable(runCtx, name, value); err != nil {
		return s.failGuarded(runCtx, gov, err)
	}
	return nil
}

// LastExitCode returns the status of the most recent command, as
// the interpreter tracks it.
func (s *Session) LastExitCode(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return 0, err
	}
	runCtx, gov := startGovernor(ctx, s.exec.clk, s.limits)
	defer gov.stop()
	status, err := s.g.lastExitStatus(runCtx)
	if err != nil {
		return 0, s.failGuarded(runCtx, gov, err)
	}
	return int(status), nil
}

// SetCwd changes the working directory for both the interpreter and
// host-side path resolution.
func (s *Session) SetCwd(ctx context.Context, dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	if err := s.fsys.SetCwd(dir); err != nil {
		return err
	}
	runCtx, gov := startGovernor(ctx, s.exec.clk, s.limits)
	defer gov.stop()
	status, err := s.g.changeDir(runCtx, dir)
	if err != nil {
		return s.failGuarded(runCtx, gov, err)
	}
	if status != 0 {
		return fmt.Errorf("chdir %q: interpreter returned %d", dir, status)
	}
	return nil
}

// FS returns the session namespace for host-side tree operations.
func (s *Session) FS() *vfs.FS { return s.fsys }

// Close tears the instance down. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.mod != nil {
		return s.mod.Close(ctx)
	}
	return nil
}

func (s *Session) usableLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.broken != nil {
		return fmt.Errorf("session unusable: %w", s.broken)
	}
	return nil
}

// breakLocked marks the session dead after its instance went away.
func (s *Session) breakLocked(cause error) {
	s.broken = cause
	if s.mod != nil {
		_ = s.mod.Close(context.Background())
	}
}

// failGuarded classifies a guarded call's failure and poisons the
// session, since the instance did not survive it.
func (s *Session) failGuarded(runCtx context.Context, gov *governor, err error) error {
	classified := gov.classify(runCtx, err)
	s.breakLocked(classified)
	if resource, ok := IsResourceExceeded(classified); ok {
		return &ResourceError{Resource: resource}
	}
	return classified
}

// switchWriter redirects a fixed instance stream to a per-call
// buffer. Between calls, writes are discarded.
type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchWriter) set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	w := s.w
	s.mu.Unlock()
	if w == nil {
		return len(p), nil
	}
	return w.Write(p)
}
