// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/experimental/sysfs"
	wasi "github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	wazerosys "github.com/tetratelabs/wazero/sys"

	"github.com/coquille-sh/coquille/lib/clock"
	"github.com/coquille-sh/coquille/vfs"
)

// Config configures an Executor. Exactly one artifact source
// (Module or Path) must be set; use FromEmbedded for a registered
// embedded artifact.
type Config struct {
	// Module is the interpreter artifact, raw or compressed.
	Module []byte

	// Path locates the artifact on disk instead.
	Path string

	// CacheDir, when set, holds compiled machine code keyed by the
	// artifact digest so later processes skip compilation.
	CacheDir string

	// Limits is the default budget for runs that do not override
	// it. Zero fields fall back to DefaultLimits.
	Limits Limits

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock defaults to the real clock.
	Clock clock.Clock
}

// Executor owns one compiled interpreter artifact. Compilation and
// link validation happen once in New; each run or session then
// instantiates fresh from the compiled module, so instances share
// nothing but machine code. An Executor is safe for concurrent use.
type Executor struct {
	log    *slog.Logger
	clk    clock.Clock
	limits Limits

	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	digest   string

	// memMinPages is the artifact's declared minimum linear memory.
	// A budget below it cannot even instantiate, so runs with one
	// are reported as memory stops without touching the runtime.
	memMinPages uint32

	closed atomic.Bool
}

// New loads, decodes, compiles, and link-validates an interpreter
// artifact.
func New(cfg Config) (*Executor, error) {
	var (
		art *artifact
		err error
	)
	switch {
	case cfg.Module != nil && cfg.Path != "":
		return nil, fmt.Errorf("config sets both Module and Path")
	case cfg.Module != nil:
		art, err = loadArtifact("bytes", cfg.Module)
	case cfg.Path != "":
		art, err = loadArtifactFile(cfg.Path)
	default:
		return nil, fmt.Errorf("config sets neither Module nor Path")
	}
	if err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	limits := cfg.Limits.withDefaults()
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("default limits: %w", err)
	}

	ctx := context.Background()
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.CacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(
			filepath.Join(cfg.CacheDir, art.digestHex()[:16]))
		if err != nil {
			return nil, &LoadError{Source: cfg.CacheDir, Err: err}
		}
		rc = rc.WithCompilationCache(cache)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rc)
	ok := false
	defer func() {
		if !ok {
			_ = rt.Close(ctx)
		}
	}()

	if _, err := wasi.Instantiate(ctx, rt); err != nil {
		return nil, &LinkError{Detail: "instantiating wasi host module", Err: err}
	}

	compiled, err := rt.CompileModule(ctx, art.wasm)
	if err != nil {
		return nil, &LoadError{Source: "artifact", Err: err}
	}
	if err := validateModule(compiled); err != nil {
		return nil, err
	}

	var memMin uint32
	for _, def := range compiled.ImportedMemories() {
		if def.Min() > memMin {
			memMin = def.Min()
		}
	}
	for _, def := range compiled.ExportedMemories() {
		if def.Min() > memMin {
			memMin = def.Min()
		}
	}
	if limits.memoryPages() < memMin {
		return nil, fmt.Errorf("default memory limit %d is below the artifact's %d-page minimum", limits.Memory, memMin)
	}

	e := &Executor{
		log:         log.With("artifact", art.digestHex()[:12]),
		clk:         clk,
		limits:      limits,
		runtime:     rt,
		compiled:    compiled,
		digest:      art.digestHex(),
		memMinPages: memMin,
	}
	if err := e.probeVersion(ctx); err != nil {
		return nil, err
	}

	e.log.Debug("interpreter compiled", "bytes", len(art.wasm))
	ok = true
	return e, nil
}

// FromBytes builds an Executor from in-memory artifact bytes.
func FromBytes(raw []byte) (*Executor, error) {
	if len(raw) == 0 {
		return nil, &LoadError{Source: "bytes", Err: fmt.Errorf("empty artifact")}
	}
	return New(Config{Module: raw})
}

// FromFile builds an Executor from an artifact file.
func FromFile(path string) (*Executor, error) {
	return New(Config{Path: path})
}

// FromEmbedded builds an Executor from the artifact registered via
// RegisterEmbedded.
func FromEmbedded() (*Executor, error) {
	raw, ok := embeddedArtifact()
	if !ok {
		return nil, &LoadError{Source: "embedded", Err: fmt.Errorf("no embedded artifact registered")}
	}
	return New(Config{Module: raw})
}

// Digest returns the artifact's content digest in hex.
func (e *Executor) Digest() string { return e.digest }

// probeVersion instantiates once to check the interface revision,
// then discards the instance.
func (e *Executor) probeVersion(ctx context.Context) error {
	fsys, err := emptyNamespace()
	if err != nil {
		return err
	}
	mod, err := e.instantiate(ctx, fsys, io.Discard, io.Discard, nil, nil)
	if err != nil {
		var le *LinkError
		if errors.As(err, &le) {
			return err
		}
		return &LinkError{Detail: "probe instantiation", Err: err}
	}
	defer mod.Close(ctx)

	g := &guest{mod: mod}
	return g.checkVersion(ctx)
}

func emptyNamespace() (*vfs.FS, error) {
	m, err := vfs.StorageMount("/", vfs.NewStorage(nil), false)
	if err != nil {
		return nil, err
	}
	return vfs.NewFS(m)
}

// instantiate creates one interpreter instance over the given
// namespace and streams. The module runs _initialize only; the
// caller drives it through the reactor exports.
func (e *Executor) instantiate(ctx context.Context, fsys *vfs.FS, stdout, stderr io.Writer, stdin io.Reader, env map[string]string) (api.Module, error) {
	fsConfig := wazero.NewFSConfig().(sysfs.FSConfig).WithSysFSMount(fsys, "/")

	mc := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions(expInitialize).
		WithStdout(stdout).
		WithStderr(stderr).
		WithFSConfig(fsConfig)
	if stdin != nil {
		mc = mc.WithStdin(stdin)
	}
	for k, v := range env {
		mc = mc.WithEnv(k, v)
	}

	m, err := e.runtime.InstantiateModule(ctx, e.compiled, mc)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ExecOptions tunes one stateless run.
type ExecOptions struct {
	// Stdin feeds the script's standard input. Nil reads as empty.
	Stdin io.Reader

	// Limits overrides the executor default; zero fields keep it.
	Limits Limits

	// FS is the namespace for the run. Nil gets a fresh, empty
	// in-memory tree mounted at /.
	FS *vfs.FS

	// Env sets interpreter environment variables.
	Env map[string]string
}

// Result is the outcome of one run. A non-zero exit code from the
// script is data here, not a Go error.
type Result struct {
	// ExitCode is the script's exit status, or -1 when the run was
	// stopped by the governor.
	ExitCode int

	// Stdout and Stderr are the captured streams, clipped to the
	// output budget.
	Stdout []byte
	Stderr []byte

	// Truncated is set when either stream exceeded the budget.
	Truncated bool

	// Exceeded names the resource that stopped the run, empty when
	// the run finished on its own.
	Exceeded Resource

	// CPUTime is guest execution time consumed by the run.
	CPUTime time.Duration
}

// effectiveLimits overlays per-run overrides on the executor
// default.
func (e *Executor) effectiveLimits(o Limits) Limits {
	l := e.limits
	if o.CPUTime != 0 {
		l.CPUTime = o.CPUTime
	}
	if o.Memory != 0 {
		l.Memory = o.Memory
	}
	if o.Output != 0 {
		l.Output = o.Output
	}
	if o.WallTime != 0 {
		l.WallTime = o.WallTime
	}
	return l
}

// Execute runs one script in a fresh instance: instantiate, init,
// eval, capture, tear down. Nothing survives the call except through
// the namespace passed in opts.FS.
func (e *Executor) Execute(ctx context.Context, script string, opts ExecOptions) (Result, error) {
	if e.closed.Load() {
		return Result{}, ErrClosed
	}

	limits := e.effectiveLimits(opts.Limits)
	if err := limits.Validate(); err != nil {
		return Result{}, err
	}
	// A budget under the artifact's declared minimum would fail
	// the very first allocation; report the memory stop up front.
	if limits.memoryPages() < e.memMinPages {
		return Result{ExitCode: -1, Exceeded: ResourceMemory}, nil
	}

	fsys := opts.FS
	if fsys == nil {
		var err error
		fsys, err = emptyNamespace()
		if err != nil {
			return Result{}, err
		}
	}

	stdout := newCappedBuffer(limits.Output)
	stderr := newCappedBuffer(limits.Output)

	runCtx, gov := startGovernor(ctx, e.clk, limits)
	defer gov.stop()
	runCtx = experimental.WithMemoryAllocator(runCtx, &budgetAllocator{
		budget: limits.Memory,
		onDeny: gov.noteMemoryDenied,
	})

	stdin := opts.Stdin
	if stdin != nil {
		stdin = &meteredReader{r: stdin, gov: gov}
	}

	mod, err := e.instantiate(runCtx, fsys, stdout, stderr, stdin, opts.Env)
	if err != nil {
		return e.finish(stdout, stderr, gov, limits, 0, runCtx, linkFailure(err))
	}
	defer mod.Close(context.WithoutCancel(ctx))

	g, err := bindGuest(mod)
	if err != nil {
		return Result{}, err
	}
	if err := g.initShell(runCtx); err != nil {
		return e.finish(stdout, stderr, gov, limits, 0, runCtx, err)
	}

	status, err := g.evalScript(runCtx, script)
	return e.finish(stdout, stderr, gov, limits, status, runCtx, err)
}

// finish folds a run's raw outcome into a Result: governor stops
// become Exceeded, proc_exit becomes an exit code, traps become
// errors, and the captured streams ride along in every case.
func (e *Executor) finish(stdout, stderr *cappedBuffer, gov *governor, limits Limits, status int32, runCtx context.Context, err error) (Result, error) {
	gov.stop()
	res := Result{
		ExitCode:  int(status),
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		CPUTime:   gov.cpuUsed(limits),
	}
	if err == nil {
		return res, nil
	}

	var exitErr *wazerosys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case wazerosys.ExitCodeContextCanceled, wazerosys.ExitCodeDeadlineExceeded:
			// Fall through to cause classification below.
		default:
			res.ExitCode = int(int32(exitErr.ExitCode()))
			return res, nil
		}
	}

	classified := gov.classify(runCtx, err)
	if resource, ok := IsResourceExceeded(classified); ok {
		res.ExitCode = -1
		res.Exceeded = resource
		e.log.Debug("run stopped by governor", "resource", resource)
		return res, nil
	}
	// Caller-initiated cancellation propagates as-is.
	if ctxErr := context.Cause(runCtx); errors.Is(ctxErr, context.Canceled) || errors.Is(ctxErr, context.DeadlineExceeded) {
		return res, ctxErr
	}
	// Failure to bring the instance up is a host fault, not a guest
	// trap.
	var linkErr *LinkError
	if errors.As(classified, &linkErr) {
		return res, classified
	}
	return res, &TrapError{Err: classified}
}

// linkFailure marks an instantiate-phase error as a host-side link
// fault, keeping it distinct from guest traps for callers that sort
// host faults from script faults.
func linkFailure(err error) error {
	return &LinkError{Detail: "instantiate interpreter", Err: err}
}

// Close releases the compiled artifact and the runtime. Further
// calls on the executor return ErrClosed; Close is idempotent.
func (e *Executor) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.runtime.Close(ctx)
}
