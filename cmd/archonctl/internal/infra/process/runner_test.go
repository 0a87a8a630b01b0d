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
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
)

// TestDefaultRunner_Run_CapturesStdout verifies stdout capture and a
// zero exit code for a successful command.
func TestDefaultRunner_Run_CapturesStdout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell environment")
	}
	r := NewDefaultRunner()

	stdout, _, code, err := r.Run(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
	if strings.TrimSpace(stdout) != "hello" {
		t.Errorf("expected stdout 'hello', got %q", stdout)
	}
}

// TestDefaultRunner_Run_NonZeroExit verifies ErrCommandFailed wrapping
// and the real exit code on failure.
func TestDefaultRunner_Run_NonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell environment")
	}
	r := NewDefaultRunner()

	_, _, code, err := r.Run(context.Background(), "false")
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !errors.Is(err, ErrCommandFailed) {
		t.Errorf("expected ErrCommandFailed, got: %v", err)
	}
	if code == 0 {
		t.Errorf("expected non-zero exit code, got %d", code)
	}
}

// TestDefaultRunner_Run_MissingBinary verifies exit code -1 when the
// binary does not exist.
func TestDefaultRunner_Run_MissingBinary(t *testing.T) {
	r := NewDefaultRunner()

	_, _, code, err := r.Run(context.Background(), "archonctl-no-such-binary-xyz")
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if code != -1 {
		t.Errorf("expected exit code -1, got %d", code)
	}
}

// TestDefaultRunner_RunInDir verifies the working directory is honored.
func TestDefaultRunner_RunInDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell environment")
	}
	r := NewDefaultRunner()
	dir := t.TempDir()

	stdout, _, _, err := r.RunInDir(context.Background(), dir, nil, "pwd")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	// The temp dir may be behind a symlink (macOS); match the suffix.
	got := strings.TrimSpace(stdout)
	if !strings.HasSuffix(got, dir[strings.LastIndex(dir, "/"):]) {
		t.Errorf("expected pwd under %q, got %q", dir, got)
	}
}

// TestMockRunner_RecordsCalls verifies call recording and playback.
func TestMockRunner_RecordsCalls(t *testing.T) {
	m := &MockRunner{
		RunInDirFunc: func(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
			return "scripted", "", 0, nil
		},
	}

	stdout, _, _, err := m.RunInDir(context.Background(), "/stack", []string{"A=1"}, "docker", "compose", "up")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if stdout != "scripted" {
		t.Errorf("expected scripted stdout, got %q", stdout)
	}

	calls := m.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "docker" || calls[0].Dir != "/stack" {
		t.Errorf("unexpected call record: %+v", calls[0])
	}

	m.Reset()
	if len(m.Calls()) != 0 {
		t.Error("expected no calls after Reset")
	}
}

// TestFirstLine verifies stderr condensation.
func TestFirstLine(t *testing.T) {
	if got := firstLine("line one\nline two", nil); got != "line one" {
		t.Errorf("expected 'line one', got %q", got)
	}
	if got := firstLine("  ", errors.New("raw")); got != "raw" {
		t.Errorf("expected raw error, got %q", got)
	}
}
