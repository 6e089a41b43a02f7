// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// The interpreter requests a host tool by finishing an eval with
// this status and a single JSON request object on stdout. The host
// fulfills the request and, when the script registered a
// continuation, resumes it.
const ToolRequestExitCode = 42

// Guest-visible names of the tool plumbing.
const (
	// toolResultPath is where a fulfilled request's result lands in
	// the session namespace.
	toolResultPath = "/tools/last_result.json"

	// toolResultVar carries the raw tool output for command
	// substitution without touching the filesystem.
	toolResultVar = "COQUILLE_TOOL_RESULT"

	// toolErrorVar carries the failure message when the handler
	// refused or failed the request.
	toolErrorVar = "COQUILLE_TOOL_ERROR"

	// continuationVar, when the script sets it before requesting a
	// tool, names the script evaluated after fulfillment.
	continuationVar = "COQUILLE_CONTINUATION"
)

// maxToolRounds bounds request/resume cycles in one
// ExecuteWithTools call so a continuation loop cannot run forever.
const maxToolRounds = 32

// ToolRequest is the parsed guest request.
type ToolRequest struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
	Stdin  *string        `json:"stdin,omitempty"`
}

// ToolHandler fulfills one request. It runs synchronously on the
// calling goroutine between evals; the CPU meter is not running
// while it does.
type ToolHandler func(ctx context.Context, req ToolRequest) (string, error)

// toolResult is what lands in the result file.
type toolResult struct {
	Tool   string `json:"tool"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ExecuteWithTools runs a script, fulfilling tool requests as they
// surface. After each fulfilled request the result is written to
// /tools/last_result.json and exposed through a variable; if the
// script registered a continuation it is resumed, otherwise the
// request's Result is returned for the caller to drive the next
// step. Handler failures are delivered to the script the same way,
// with the error variable set instead.
func (s *Session) ExecuteWithTools(ctx context.Context, script string, handler ToolHandler) (Result, []ToolRequest, error) {
	var fulfilled []ToolRequest

	res, err := s.Execute(ctx, script)
	if err != nil {
		return res, fulfilled, err
	}

	for round := 0; res.ExitCode == ToolRequestExitCode && handler != nil; round++ {
		if round == maxToolRounds {
			return res, fulfilled, fmt.Errorf("tool request loop exceeded %d rounds", maxToolRounds)
		}

		req, perr := parseToolRequest(res.Stdout)
		if perr != nil {
			return res, fulfilled, perr
		}
		fulfilled = append(fulfilled, req)

		output, herr := handler(ctx, req)
		if derr := s.deliverToolResult(ctx, req, output, herr); derr != nil {
			return res, fulfilled, derr
		}

		next, ok, gerr := s.GetVar(ctx, continuationVar)
		if gerr != nil {
			return res, fulfilled, gerr
		}
		if !ok || next == "" {
			return res, fulfilled, nil
		}
		if serr := s.SetVar(ctx, continuationVar, ""); serr != nil {
			return res, fulfilled, serr
		}

		res, err = s.Execute(ctx, next)
		if err != nil {
			return res, fulfilled, err
		}
	}
	return res, fulfilled, nil
}

// parseToolRequest decodes the request object from the eval's
// stdout. The guest contract is a single JSON object and nothing
// else on the stream.
func parseToolRequest(stdout []byte) (ToolRequest, error) {
	var req ToolRequest
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(stdout)))
	if err := dec.Decode(&req); err != nil {
		return ToolRequest{}, fmt.Errorf("malformed tool request: %w", err)
	}
	if req.Tool == "" {
		return ToolRequest{}, fmt.Errorf("tool request names no tool")
	}
	return req, nil
}

// deliverToolResult writes the outcome where the script can see it:
// the result file in the namespace plus the result or error
// variable.
func (s *Session) deliverToolResult(ctx context.Context, req ToolRequest, output string, herr error) error {
	result := toolResult{Tool: req.Tool, Output: output}
	if herr != nil {
		result = toolResult{Tool: req.Tool, Error: herr.Error()}
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode tool result: %w", err)
	}
	if err := s.fsys.UpdateFile(toolResultPath, encoded); err != nil {
		return fmt.Errorf("deliver tool result: %w", err)
	}

	if herr != nil {
		if err := s.SetVar(ctx, toolErrorVar, herr.Error()); err != nil {
			return err
		}
		return s.SetVar(ctx, toolResultVar, "")
	}
	if err := s.SetVar(ctx, toolErrorVar, ""); err != nil {
		return err
	}
	return s.SetVar(ctx, toolResultVar, output)
}
