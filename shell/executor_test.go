// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/coquille-sh/coquille/internal/wasmtest"
	"github.com/coquille-sh/coquille/lib/testutil"
	"github.com/coquille-sh/coquille/vfs"
)

func newEchoExecutor(t *testing.T) *Executor {
	t.Helper()
	e, err := FromBytes(wasmtest.EchoReactor())
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func TestExecuteEcho(t *testing.T) {
	t.Parallel()
	e := newEchoExecutor(t)

	res, err := e.Execute(context.Background(), "echo hello", ExecOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if string(res.Stdout) != "echo hello" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
	if res.Truncated {
		t.Fatal("result marked truncated")
	}
}

func TestExecuteDeterministic(t *testing.T) {
	t.Parallel()
	e := newEchoExecutor(t)

	var first []byte
	for i := 0; i < 5; i++ {
		res, err := e.Execute(context.Background(), "same script", ExecOptions{})
		if err != nil {
			t.Fatalf("Execute #%d: %v", i, err)
		}
		if i == 0 {
			first = res.Stdout
			continue
		}
		if !bytes.Equal(res.Stdout, first) {
			t.Fatalf("run %d differed: %q vs %q", i, res.Stdout, first)
		}
	}
}

func TestExecuteOutputCap(t *testing.T) {
	t.Parallel()
	e := newEchoExecutor(t)

	script := strings.Repeat("x", 100)

	t.Run("over the cap", func(t *testing.T) {
		t.Parallel()
		res, err := e.Execute(context.Background(), script, ExecOptions{
			Limits: Limits{Output: 64},
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if len(res.Stdout) != 64 {
			t.Fatalf("captured %d bytes, want 64", len(res.Stdout))
		}
		if !res.Truncated {
			t.Fatal("not marked truncated")
		}
		// The captured prefix is exact: no marker bytes appended.
		if string(res.Stdout) != strings.Repeat("x", 64) {
			t.Fatalf("prefix altered: %q", res.Stdout)
		}
	})

	t.Run("exactly the cap", func(t *testing.T) {
		t.Parallel()
		res, err := e.Execute(context.Background(), script, ExecOptions{
			Limits: Limits{Output: 100},
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if len(res.Stdout) != 100 {
			t.Fatalf("captured %d bytes, want 100", len(res.Stdout))
		}
		if res.Truncated {
			t.Fatal("exact fit marked truncated")
		}
	})
}

func TestExecuteCPULimit(t *testing.T) {
	t.Parallel()
	e, err := FromBytes(wasmtest.SpinReactor())
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	defer e.Close(context.Background())

	res, err := e.Execute(context.Background(), "spin", ExecOptions{
		Limits: Limits{CPUTime: 50 * time.Millisecond, WallTime: 10 * time.Second},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Exceeded != ResourceCPU {
		t.Fatalf("exceeded = %q, want cpu", res.Exceeded)
	}
	if res.ExitCode != -1 {
		t.Fatalf("exit code = %d, want -1", res.ExitCode)
	}
}

// trickleReader never reaches EOF: each read blocks briefly and
// hands over one byte. A guest draining it is wall-bound, not
// CPU-bound.
type trickleReader struct {
	interval time.Duration
}

func (r *trickleReader) Read(p []byte) (int, error) {
	time.Sleep(r.interval)
	if len(p) == 0 {
		return 0, nil
	}
	p[0] = 'x'
	return 1, nil
}

func TestExecuteWallLimit(t *testing.T) {
	t.Parallel()
	e, err := FromBytes(wasmtest.StdinReactor())
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	defer e.Close(context.Background())

	// The guest sits in blocked stdin reads, so its CPU meter
	// barely moves and only the wall deadline can fire.
	res, err := e.Execute(context.Background(), "read stdin", ExecOptions{
		Stdin:  &trickleReader{interval: 20 * time.Millisecond},
		Limits: Limits{CPUTime: 200 * time.Millisecond, WallTime: 200 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Exceeded != ResourceWall {
		t.Fatalf("exceeded = %q, want wall", res.Exceeded)
	}
	if res.ExitCode != -1 {
		t.Fatalf("exit code = %d, want -1", res.ExitCode)
	}
}

func TestExecuteMemoryBudgetBelowArtifactMinimum(t *testing.T) {
	t.Parallel()
	e := newEchoExecutor(t)

	// The test artifact declares two pages; one page passes Validate
	// but can never instantiate. That must surface as a memory stop,
	// not a panic out of the runtime.
	res, err := e.Execute(context.Background(), "echo", ExecOptions{
		Limits: Limits{Memory: wasmPageSize},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Exceeded != ResourceMemory {
		t.Fatalf("exceeded = %q, want memory", res.Exceeded)
	}
	if res.ExitCode != -1 {
		t.Fatalf("exit code = %d, want -1", res.ExitCode)
	}

	if _, err := e.NewSession(context.Background(), SessionConfig{
		Limits: Limits{Memory: wasmPageSize},
	}); err == nil {
		t.Fatal("NewSession accepted a budget below the artifact minimum")
	} else if resource, ok := IsResourceExceeded(err); !ok || resource != ResourceMemory {
		t.Fatalf("NewSession error = %v, want memory ResourceError", err)
	}
}

func TestExecuteMemoryLimit(t *testing.T) {
	t.Parallel()
	e, err := FromBytes(wasmtest.GrowReactor())
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	defer e.Close(context.Background())

	// The guest observes denied growth and stops itself with
	// status 3. That is clean guest behavior, not a governor stop.
	res, err := e.Execute(context.Background(), "grow", ExecOptions{
		Limits: Limits{Memory: 1 << 20},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestExecuteGuestExit(t *testing.T) {
	t.Parallel()
	e, err := FromBytes(wasmtest.ExitReactor(7))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	defer e.Close(context.Background())

	res, err := e.Execute(context.Background(), "exit 7", ExecOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", res.ExitCode)
	}
}

func TestExecuteTrap(t *testing.T) {
	t.Parallel()
	e, err := FromBytes(wasmtest.TrapReactor())
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	defer e.Close(context.Background())

	_, err = e.Execute(context.Background(), "boom", ExecOptions{})
	var trap *TrapError
	if !errors.As(err, &trap) {
		t.Fatalf("error = %v, want TrapError", err)
	}
}

func TestExecuteSharesNamespaceWithHost(t *testing.T) {
	t.Parallel()
	e := newEchoExecutor(t)

	st := vfs.NewStorage(nil)
	if err := st.UpdateFile("/input.txt", []byte("data")); err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}
	m, err := vfs.StorageMount("/", st, false)
	if err != nil {
		t.Fatalf("StorageMount: %v", err)
	}
	fsys, err := vfs.NewFS(m)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}

	if _, err := e.Execute(context.Background(), "cat input.txt", ExecOptions{FS: fsys}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// The namespace persists beyond the run.
	got, err := st.ReadFile("/input.txt")
	if err != nil || string(got) != "data" {
		t.Fatalf("tree disturbed: %q, %v", got, err)
	}
}

func TestLoadRejectsMalformedArtifact(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"garbage", []byte("definitely not wasm")},
		{"truncated header", []byte{0x00, 0x61}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := FromBytes(tc.raw)
			var le *LoadError
			if !errors.As(err, &le) {
				t.Fatalf("error = %v, want LoadError", err)
			}
		})
	}
}

func TestLoadAcceptsCompressedArtifacts(t *testing.T) {
	t.Parallel()
	raw := wasmtest.EchoReactor()

	t.Run("zstd", func(t *testing.T) {
		t.Parallel()
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			t.Fatalf("zstd.NewWriter: %v", err)
		}
		compressed := enc.EncodeAll(raw, nil)
		enc.Close()

		e, err := FromBytes(compressed)
		if err != nil {
			t.Fatalf("FromBytes(zstd): %v", err)
		}
		defer e.Close(context.Background())
	})

	t.Run("lz4", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			t.Fatalf("lz4 write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("lz4 close: %v", err)
		}

		e, err := FromBytes(buf.Bytes())
		if err != nil {
			t.Fatalf("FromBytes(lz4): %v", err)
		}
		defer e.Close(context.Background())
	})
}

func TestLinkRejectsIncompleteExports(t *testing.T) {
	t.Parallel()

	_, err := FromBytes(wasmtest.Incomplete("shell_eval"))
	var le *LinkError
	if !errors.As(err, &le) {
		t.Fatalf("error = %v, want LinkError", err)
	}
}

func TestLinkRejectsWrongInterfaceVersion(t *testing.T) {
	t.Parallel()

	_, err := FromBytes(wasmtest.VersionReactor(2))
	if !errors.Is(err, ErrInterfaceVersion) {
		t.Fatalf("error = %v, want ErrInterfaceVersion", err)
	}
}

func TestExecutorClosed(t *testing.T) {
	t.Parallel()
	e, err := FromBytes(wasmtest.EchoReactor())
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := e.Execute(context.Background(), "x", ExecOptions{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Execute after Close = %v, want ErrClosed", err)
	}
}

func TestDigestStableAcrossEncodings(t *testing.T) {
	t.Parallel()
	raw := wasmtest.EchoReactor()

	plain, err := FromBytes(raw)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	defer plain.Close(context.Background())

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd.NewWriter: %v", err)
	}
	compressed, err := FromBytes(enc.EncodeAll(raw, nil))
	enc.Close()
	if err != nil {
		t.Fatalf("FromBytes(zstd): %v", err)
	}
	defer compressed.Close(context.Background())

	// The digest names the decoded binary, not the container.
	if plain.Digest() != compressed.Digest() {
		t.Fatalf("digest differs: %s vs %s", plain.Digest(), compressed.Digest())
	}
}

func TestExecuteConcurrent(t *testing.T) {
	t.Parallel()
	e := newEchoExecutor(t)

	type outcome struct {
		script string
		res    Result
		err    error
	}
	results := make(chan outcome, 8)
	for i := 0; i < 8; i++ {
		script := strings.Repeat("x", i+1)
		go func() {
			res, err := e.Execute(context.Background(), script, ExecOptions{})
			results <- outcome{script: script, res: res, err: err}
		}()
	}

	for i := 0; i < 8; i++ {
		got := testutil.RequireReceive(t, results, 10*time.Second, "waiting for run %d of 8", i+1)
		if got.err != nil {
			t.Fatalf("Execute(%q): %v", got.script, got.err)
		}
		if string(got.res.Stdout) != got.script {
			t.Errorf("stdout = %q, want %q", got.res.Stdout, got.script)
		}
	}
}

func TestUninstantiableArtifactIsLinkError(t *testing.T) {
	t.Parallel()

	// The artifact compiles and carries every export, but its
	// _initialize traps: a host-side link fault, not a guest one.
	_, err := FromBytes(wasmtest.InitTrapReactor())
	var le *LinkError
	if !errors.As(err, &le) {
		t.Fatalf("error = %v, want LinkError", err)
	}
}
