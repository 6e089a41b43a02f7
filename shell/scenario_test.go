// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/coquille-sh/coquille/vfs"
)

// Scenario tests exercise real interpreter semantics and only run
// when an artifact is available; unit coverage of the engine itself
// does not depend on it.
func realInterpreter(t *testing.T) *Executor {
	t.Helper()
	path := os.Getenv("COQUILLE_INTERPRETER")
	if path == "" {
		t.Skip("COQUILLE_INTERPRETER not set; skipping interpreter scenarios")
	}
	e, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile(%s): %v", path, err)
	}
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func TestScenarioEchoPipeline(t *testing.T) {
	t.Parallel()
	e := realInterpreter(t)

	res, err := e.Execute(context.Background(),
		`echo "hello world" | tr a-z A-Z`, ExecOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d, stderr: %s", res.ExitCode, res.Stderr)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "HELLO WORLD" {
		t.Fatalf("stdout = %q", got)
	}
}

func TestScenarioStatelessIsolation(t *testing.T) {
	t.Parallel()
	e := realInterpreter(t)
	ctx := context.Background()

	if _, err := e.Execute(ctx, "X=leaky", ExecOptions{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res, err := e.Execute(ctx, `echo "${X:-unset}"`, ExecOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "unset" {
		t.Fatalf("state leaked between stateless runs: %q", got)
	}
}

func TestScenarioSessionState(t *testing.T) {
	t.Parallel()
	e := realInterpreter(t)
	ctx := context.Background()

	s, err := e.NewSession(ctx, SessionConfig{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close(ctx)

	if _, err := s.Execute(ctx, "X=sticky"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res, err := s.Execute(ctx, `echo "$X"`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "sticky" {
		t.Fatalf("session state lost: %q", got)
	}
}

func TestScenarioFileRoundTrip(t *testing.T) {
	t.Parallel()
	e := realInterpreter(t)
	ctx := context.Background()

	s, err := e.NewSession(ctx, SessionConfig{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close(ctx)

	if err := s.FS().UpdateFile("/data/in.txt", []byte("line one\n")); err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}
	res, err := s.Execute(ctx, "cat /data/in.txt > /data/out.txt && echo done")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d, stderr: %s", res.ExitCode, res.Stderr)
	}

	got, err := s.FS().ReadFile("/data/out.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "line one\n" {
		t.Fatalf("out.txt = %q", got)
	}
}

func TestScenarioInfiniteLoopStopped(t *testing.T) {
	t.Parallel()
	e := realInterpreter(t)

	res, err := e.Execute(context.Background(), "while true; do :; done", ExecOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Exceeded != ResourceCPU && res.Exceeded != ResourceWall {
		t.Fatalf("loop not stopped by governor: %+v", res)
	}
}

func TestScenarioFalseExitCode(t *testing.T) {
	t.Parallel()
	e := realInterpreter(t)

	res, err := e.Execute(context.Background(), "false", ExecOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 1 {
		t.Fatalf("exit = %d, want 1", res.ExitCode)
	}
}

func TestScenarioFunctionPersists(t *testing.T) {
	t.Parallel()
	e := realInterpreter(t)
	ctx := context.Background()

	s, err := e.NewSession(ctx, SessionConfig{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close(ctx)

	if _, err := s.Execute(ctx, "f(){ echo hi $1; }"); err != nil {
		t.Fatalf("define: %v", err)
	}
	res, err := s.Execute(ctx, "f world")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "hi world" {
		t.Fatalf("stdout = %q", got)
	}
}

func TestScenarioMountPermissions(t *testing.T) {
	t.Parallel()
	e := realInterpreter(t)
	ctx := context.Background()

	roDir := t.TempDir()
	ro, err := vfs.DirMount("/ro", roDir, true)
	if err != nil {
		t.Fatalf("DirMount: %v", err)
	}
	rw, err := vfs.StorageMount("/rw", vfs.NewStorage(nil), false)
	if err != nil {
		t.Fatalf("StorageMount: %v", err)
	}
	root, err := vfs.StorageMount("/", vfs.NewStorage(nil), false)
	if err != nil {
		t.Fatalf("StorageMount: %v", err)
	}
	fsys, err := vfs.NewFS(root, ro, rw)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}

	res, err := e.Execute(ctx, "echo x > /ro/f.txt", ExecOptions{FS: fsys})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode == 0 {
		t.Fatal("write to read-only mount succeeded")
	}

	res, err = e.Execute(ctx, "echo x > /rw/f.txt && cat /rw/f.txt", ExecOptions{FS: fsys})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d, stderr: %s", res.ExitCode, res.Stderr)
	}
	if string(res.Stdout) != "x\n" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}
