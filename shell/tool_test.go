// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/coquille-sh/coquille/internal/wasmtest"
)

// The echo-with-status-42 guest turns any script into a tool
// request: whatever JSON the test passes as the script comes back
// on stdout with the request exit code.
func newToolSession(t *testing.T) *Session {
	t.Helper()
	return newSession(t, wasmtest.EchoStatusReactor(ToolRequestExitCode), SessionConfig{})
}

func TestExecuteWithToolsFulfillsRequest(t *testing.T) {
	t.Parallel()
	s := newToolSession(t)
	ctx := context.Background()

	var seen ToolRequest
	handler := func(ctx context.Context, req ToolRequest) (string, error) {
		seen = req
		return "tool says hi", nil
	}

	res, fulfilled, err := s.ExecuteWithTools(ctx,
		`{"tool":"search","params":{"query":"weather"}}`, handler)
	if err != nil {
		t.Fatalf("ExecuteWithTools: %v", err)
	}
	if len(fulfilled) != 1 {
		t.Fatalf("fulfilled %d requests, want 1", len(fulfilled))
	}
	if seen.Tool != "search" {
		t.Fatalf("handler saw tool %q, want search", seen.Tool)
	}
	if q, _ := seen.Params["query"].(string); q != "weather" {
		t.Fatalf("handler saw params %v", seen.Params)
	}
	// No continuation registered: the request result is returned
	// to the caller to drive the next step.
	if res.ExitCode != ToolRequestExitCode {
		t.Fatalf("exit code = %d, want %d", res.ExitCode, ToolRequestExitCode)
	}

	// The result landed in the namespace for the script to read.
	raw, err := s.FS().ReadFile(toolResultPath)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", toolResultPath, err)
	}
	var result toolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Tool != "search" || result.Output != "tool says hi" || result.Error != "" {
		t.Fatalf("delivered result = %+v", result)
	}
}

func TestExecuteWithToolsHandlerFailure(t *testing.T) {
	t.Parallel()
	s := newToolSession(t)
	ctx := context.Background()

	handler := func(ctx context.Context, req ToolRequest) (string, error) {
		return "", errors.New("no such tool")
	}

	_, fulfilled, err := s.ExecuteWithTools(ctx, `{"tool":"bogus","params":{}}`, handler)
	if err != nil {
		t.Fatalf("ExecuteWithTools: %v", err)
	}
	if len(fulfilled) != 1 {
		t.Fatalf("fulfilled %d requests, want 1", len(fulfilled))
	}

	raw, err := s.FS().ReadFile(toolResultPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var result toolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Error != "no such tool" || result.Output != "" {
		t.Fatalf("delivered result = %+v", result)
	}
}

func TestExecuteWithToolsMalformedRequest(t *testing.T) {
	t.Parallel()
	s := newToolSession(t)
	ctx := context.Background()

	handler := func(ctx context.Context, req ToolRequest) (string, error) {
		t.Fatal("handler called for malformed request")
		return "", nil
	}

	if _, _, err := s.ExecuteWithTools(ctx, "not json at all", handler); err == nil {
		t.Fatal("malformed request accepted")
	}
	if _, _, err := s.ExecuteWithTools(ctx, `{"params":{}}`, handler); err == nil {
		t.Fatal("request without a tool name accepted")
	}
}

func TestExecuteWithToolsNilHandler(t *testing.T) {
	t.Parallel()
	s := newToolSession(t)

	// Without a handler the request surfaces as a plain result.
	res, fulfilled, err := s.ExecuteWithTools(context.Background(), `{"tool":"x"}`, nil)
	if err != nil {
		t.Fatalf("ExecuteWithTools: %v", err)
	}
	if len(fulfilled) != 0 {
		t.Fatalf("fulfilled %d requests with nil handler", len(fulfilled))
	}
	if res.ExitCode != ToolRequestExitCode {
		t.Fatalf("exit code = %d, want %d", res.ExitCode, ToolRequestExitCode)
	}
}

func TestParseToolRequestStdin(t *testing.T) {
	t.Parallel()

	req, err := parseToolRequest([]byte(`{"tool":"fmt","params":{},"stdin":"piped body"}`))
	if err != nil {
		t.Fatalf("parseToolRequest: %v", err)
	}
	if req.Stdin == nil || *req.Stdin != "piped body" {
		t.Fatalf("stdin = %v", req.Stdin)
	}
}
