// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package container

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/moby/moby/client"
)

// TestDockerClient_Ping_UnreachableDaemon verifies Ping wraps daemon
// failures in ErrDaemonUnavailable. The client points at a port nothing
// listens on, so the call exercises the real engine round trip without
// needing a daemon.
func TestDockerClient_Ping_UnreachableDaemon(t *testing.T) {
	cli, err := client.New(client.WithHost("tcp://127.0.0.1:1"))
	if err != nil {
		t.Fatalf("expected client construction to succeed, got: %v", err)
	}
	d := &DockerClient{cli: cli}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = d.Ping(ctx)
	if err == nil {
		t.Fatal("expected error pinging an unreachable daemon")
	}
	if !errors.Is(err, ErrDaemonUnavailable) {
		t.Errorf("expected ErrDaemonUnavailable, got: %v", err)
	}
}

// TestMockClient_Defaults verifies the zero-value mock reports "not
// found" rather than an error, matching the Find contract.
func TestMockClient_Defaults(t *testing.T) {
	m := &MockClient{}
	ctx := context.Background()

	info, err := m.Find(ctx, "otel-collector")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if info != nil {
		t.Errorf("expected nil info for unmatched pattern, got: %+v", info)
	}
	if err := m.Ping(ctx); err != nil {
		t.Errorf("expected nil ping, got: %v", err)
	}
}

// TestMockClient_RecordsCalls verifies call recording for the launcher
// tests that assert on attach ordering.
func TestMockClient_RecordsCalls(t *testing.T) {
	m := &MockClient{
		FindFunc: func(ctx context.Context, pattern string) (*Info, error) {
			return &Info{ID: "abc123", Name: "otel-collector", Running: false}, nil
		},
	}
	ctx := context.Background()

	info, err := m.Find(ctx, "otel-collector")
	if err != nil || info == nil {
		t.Fatalf("expected info, got info=%v err=%v", info, err)
	}
	if err := m.EnsureRunning(ctx, info.ID); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if err := m.AttachNetwork(ctx, info.ID, "archon_app-network"); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if len(m.FindCalls) != 1 || m.FindCalls[0] != "otel-collector" {
		t.Errorf("unexpected find calls: %v", m.FindCalls)
	}
	if len(m.StartCalls) != 1 || m.StartCalls[0] != "abc123" {
		t.Errorf("unexpected start calls: %v", m.StartCalls)
	}
	if len(m.AttachCalls) != 1 || m.AttachCalls[0] != [2]string{"abc123", "archon_app-network"} {
		t.Errorf("unexpected attach calls: %v", m.AttachCalls)
	}
}

// TestMockClient_ErrorPropagation verifies scripted failures surface.
func TestMockClient_ErrorPropagation(t *testing.T) {
	wantErr := errors.New("daemon down")
	m := &MockClient{
		PingFunc: func(ctx context.Context) error { return wantErr },
	}

	if err := m.Ping(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("expected scripted error, got: %v", err)
	}
}
