// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coquille-sh/coquille/lib/clock"
)

var (
	errCPUExceeded  = errors.New("cpu budget exhausted")
	errWallExceeded = errors.New("wall budget exhausted")
)

// governor enforces one run's budget. CPU time is metered in
// segments: the meter runs while the interpreter executes and pauses
// while the run is parked in a host callback, so a slow tool does
// not charge the script. Wall time runs regardless.
//
// Both deadlines fire by cancelling the run context with a
// distinguishing cause; the runtime is configured to interrupt guest
// code when its context is done, which stops even a tight loop that
// never yields.
type governor struct {
	clk    clock.Clock
	cancel context.CancelCauseFunc

	wallTimer *clock.Timer

	mu        sync.Mutex
	remaining time.Duration
	enteredAt time.Time
	inGuest   bool
	cpuTimer  *clock.Timer
	stopped   bool

	memDenied atomic.Bool
}

// startGovernor derives the run context and arms both deadlines.
// The meter starts in guest mode; callers bracket host callbacks
// with EnterHost/ExitHost.
func startGovernor(ctx context.Context, clk clock.Clock, limits Limits) (context.Context, *governor) {
	ctx, cancel := context.WithCancelCause(ctx)
	g := &governor{
		clk:       clk,
		cancel:    cancel,
		remaining: limits.CPUTime,
	}
	g.wallTimer = clk.AfterFunc(limits.WallTime, func() {
		cancel(errWallExceeded)
	})
	g.resumeGuest()
	return ctx, g
}

// EnterHost pauses the CPU meter for the duration of a host
// callback.
func (g *governor) EnterHost() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.inGuest {
		return
	}
	g.inGuest = false
	g.remaining -= g.clk.Now().Sub(g.enteredAt)
	if g.cpuTimer != nil {
		g.cpuTimer.Stop()
		g.cpuTimer = nil
	}
}

// ExitHost resumes the CPU meter when the callback returns.
func (g *governor) ExitHost() {
	g.resumeGuest()
}

func (g *governor) resumeGuest() {
	g.mu.Lock()
	if g.stopped || g.inGuest {
		g.mu.Unlock()
		return
	}
	g.inGuest = true
	g.enteredAt = g.clk.Now()
	remaining := g.remaining
	g.mu.Unlock()

	// AfterFunc with a non-positive duration fires immediately,
	// which is exactly right for a budget already spent.
	timer := g.clk.AfterFunc(remaining, func() {
		g.cancel(errCPUExceeded)
	})

	g.mu.Lock()
	if g.inGuest && !g.stopped {
		g.cpuTimer = timer
	} else {
		timer.Stop()
	}
	g.mu.Unlock()
}

// stop disarms both deadlines once the run has finished.
func (g *governor) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	if g.inGuest {
		g.inGuest = false
		g.remaining -= g.clk.Now().Sub(g.enteredAt)
	}
	if g.cpuTimer != nil {
		g.cpuTimer.Stop()
		g.cpuTimer = nil
	}
	g.wallTimer.Stop()
}

// cpuUsed returns guest time consumed so far.
func (g *governor) cpuUsed(limits Limits) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	used := limits.CPUTime - g.remaining
	if g.inGuest {
		used += g.clk.Now().Sub(g.enteredAt)
	}
	return used
}

// meteredReader brackets blocking stdin reads with EnterHost and
// ExitHost: a guest parked on a slow host stream charges the wall
// budget, not the script's CPU budget.
type meteredReader struct {
	r   io.Reader
	gov *governor
}

func (m *meteredReader) Read(p []byte) (int, error) {
	m.gov.EnterHost()
	defer m.gov.ExitHost()
	return m.r.Read(p)
}

// noteMemoryDenied records that the allocator refused a growth
// request; the guest's subsequent failure is then classified as a
// memory stop rather than an ordinary trap.
func (g *governor) noteMemoryDenied() {
	g.memDenied.Store(true)
}

func (g *governor) memoryDenied() bool {
	return g.memDenied.Load()
}

// classify maps a failed run to its terminal error. A context
// cancelled by one of the deadlines becomes a ResourceError for that
// resource; a guest failure after a denied growth becomes a memory
// stop; anything else passes through.
func (g *governor) classify(ctx context.Context, err error) error {
	switch context.Cause(ctx) {
	case errCPUExceeded:
		return &ResourceError{Resource: ResourceCPU}
	case errWallExceeded:
		return &ResourceError{Resource: ResourceWall}
	}
	if err != nil && g.memoryDenied() {
		return &ResourceError{Resource: ResourceMemory}
	}
	return err
}
