// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// ErrCommandFailed is returned when an external command exits non-zero.
var ErrCommandFailed = errors.New("command failed")

// Runner executes external commands.
//
// # Description
//
// Runner is the single seam between archonctl and the host. The three
// methods differ only in where output goes:
//
//   - Run: capture stdout/stderr, for parsing (supabase status, ps).
//   - RunInDir: Run with a working directory and extra environment,
//     for compose invocations that resolve files relative to the
//     stack directory.
//   - RunStreaming: inherit the parent's stdout/stderr, for long
//     operations whose output the user should watch live (compose up,
//     log tailing, the migration runner).
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Runner interface {
	// Run executes name with args, capturing output.
	//
	// # Outputs
	//
	//   - stdout, stderr: captured output, always returned even on error.
	//   - exitCode: the process exit code, -1 if it never ran.
	//   - error: wraps ErrCommandFailed on non-zero exit; the first line
	//     of stderr is folded into the message.
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, exitCode int, err error)

	// RunInDir is Run with a working directory and extra KEY=VALUE
	// environment entries appended to the parent environment. Empty dir
	// means the current directory; nil env means no additions.
	RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) (stdout, stderr string, exitCode int, err error)

	// RunStreaming executes name with args, wiring stdout/stderr to the
	// parent process so the user sees output as it happens.
	RunStreaming(ctx context.Context, dir string, env []string, name string, args ...string) error
}

// Compile-time interface checks.
var (
	_ Runner = (*DefaultRunner)(nil)
	_ Runner = (*MockRunner)(nil)
)

// ======  DefaultRunner ======

// DefaultRunner executes commands via os/exec.
type DefaultRunner struct{}

// NewDefaultRunner returns a Runner backed by os/exec.
func NewDefaultRunner() *DefaultRunner {
	return &DefaultRunner{}
}

func (r *DefaultRunner) Run(ctx context.Context, name string, args ...string) (string, string, int, error) {
	return r.RunInDir(ctx, "", nil, name, args...)
}

func (r *DefaultRunner) RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := exitCode(cmd, err)
	if err != nil {
		return stdout.String(), stderr.String(), code,
			fmt.Errorf("%w: %s: %s", ErrCommandFailed, name, firstLine(stderr.String(), err))
	}
	return stdout.String(), stderr.String(), code, nil
}

func (r *DefaultRunner) RunStreaming(ctx context.Context, dir string, env []string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCommandFailed, name, err)
	}
	return nil
}

// exitCode extracts the process exit code, -1 when the process did not run.
func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// firstLine condenses stderr into a single diagnostic line, falling
// back to the raw error when stderr is empty.
func firstLine(stderr string, err error) string {
	trimmed := strings.TrimSpace(stderr)
	if trimmed == "" {
		return err.Error()
	}
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}

// ======  MockRunner ======

// Call records one command invocation on a MockRunner.
type Call struct {
	Method string
	Dir    string
	Env    []string
	Name   string
	Args   []string
}

// MockRunner is a test double that records calls and delegates to
// function fields when set.
type MockRunner struct {
	mu    sync.Mutex
	calls []Call

	RunFunc          func(ctx context.Context, name string, args ...string) (string, string, int, error)
	RunInDirFunc     func(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error)
	RunStreamingFunc func(ctx context.Context, dir string, env []string, name string, args ...string) error
}

func (m *MockRunner) record(c Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

// Calls returns a copy of all recorded invocations.
func (m *MockRunner) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Reset clears recorded calls.
func (m *MockRunner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *MockRunner) Run(ctx context.Context, name string, args ...string) (string, string, int, error) {
	m.record(Call{Method: "Run", Name: name, Args: args})
	if m.RunFunc != nil {
		return m.RunFunc(ctx, name, args...)
	}
	return "", "", 0, nil
}

func (m *MockRunner) RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
	m.record(Call{Method: "RunInDir", Dir: dir, Env: env, Name: name, Args: args})
	if m.RunInDirFunc != nil {
		return m.RunInDirFunc(ctx, dir, env, name, args...)
	}
	return "", "", 0, nil
}

func (m *MockRunner) RunStreaming(ctx context.Context, dir string, env []string, name string, args ...string) error {
	m.record(Call{Method: "RunStreaming", Dir: dir, Env: env, Name: name, Args: args})
	if m.RunStreamingFunc != nil {
		return m.RunStreamingFunc(ctx, dir, env, name, args...)
	}
	return nil
}
