// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/archonctl/cmd/archonctl/config"
	"github.com/AleutianAI/archonctl/cmd/archonctl/internal/infra/process"
)

func testConnectionInfo() *ConnectionInfo {
	return &ConnectionInfo{
		APIURL:     "http://127.0.0.1:54321",
		DockerURL:  "http://supabase_kong_archon:8000",
		ServiceKey: "service-role-jwt",
	}
}

// sequencerFixture builds a DefaultSequencer with staged source/runtime
// dirs and mock runner/prober.
func sequencerFixture(t *testing.T, runner *process.MockRunner, prober Prober) (*DefaultSequencer, string, string) {
	t.Helper()

	sourceDir := t.TempDir()
	runtimeDir := filepath.Join(t.TempDir(), "migration")

	cfg := config.MigrationsConfig{
		SourceDir:  sourceDir,
		RuntimeDir: runtimeDir,
		Runner:     []string{"python3", "run_migrations.py"},
	}
	db := config.DatabaseConfig{
		DBPort: 54322,
		DBUser: "postgres",
		DBName: "postgres",
	}
	if prober == nil {
		prober = &MockProber{}
	}
	s, err := NewDefaultSequencer(cfg, db, runner, prober, testLogger())
	if err != nil {
		t.Fatalf("NewDefaultSequencer: %v", err)
	}
	return s, sourceDir, runtimeDir
}

// TestDefaultSequencer_FullRun verifies staging, runner env, stdout
// parsing, and the confirmation probe.
func TestDefaultSequencer_FullRun(t *testing.T) {
	runner := &process.MockRunner{
		RunInDirFunc: func(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
			out := strings.Join([]string{
				"connecting to localhost:54322",
				"applied: 001_initial_schema.sql",
				"applied: 002_add_sources.sql",
				"skipped: 000_bootstrap.sql",
				"done",
			}, "\n")
			return out, "", 0, nil
		},
	}
	prober := &MockProber{}
	s, sourceDir, runtimeDir := sequencerFixture(t, runner, prober)

	for _, name := range []string{"001_initial_schema.sql", "002_add_sources.sql", "notes.md"} {
		if err := os.WriteFile(filepath.Join(sourceDir, name), []byte("-- sql"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	result, err := s.Migrate(context.Background(), testConnectionInfo())
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	if result.RunID == "" {
		t.Error("expected a run ID")
	}
	if result.Staged != 2 {
		t.Errorf("expected 2 staged artifacts, got %d", result.Staged)
	}
	if len(result.Applied) != 2 || result.Applied[0] != "001_initial_schema.sql" {
		t.Errorf("unexpected applied list: %v", result.Applied)
	}
	if len(result.Skipped) != 1 || result.Skipped[0] != "000_bootstrap.sql" {
		t.Errorf("unexpected skipped list: %v", result.Skipped)
	}

	if _, err := os.Stat(filepath.Join(runtimeDir, "001_initial_schema.sql")); err != nil {
		t.Error("sql artifact not staged into runtime dir")
	}
	if _, err := os.Stat(filepath.Join(runtimeDir, "notes.md")); err == nil {
		t.Error("non-sql file staged")
	}

	calls := runner.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 runner call, got %d", len(calls))
	}
	call := calls[0]
	if call.Name != "python3" || len(call.Args) != 1 || call.Args[0] != "run_migrations.py" {
		t.Errorf("unexpected runner invocation: %s %v", call.Name, call.Args)
	}
	if call.Dir != runtimeDir {
		t.Errorf("runner ran in %q, want runtime dir", call.Dir)
	}
	wantEnv := map[string]bool{
		"DB_HOST=localhost":    false,
		"DB_PORT=54322":        false,
		"DB_USER=postgres":     false,
		"DB_PASSWORD=postgres": false,
		"DB_NAME=postgres":     false,
	}
	for _, kv := range call.Env {
		if _, ok := wantEnv[kv]; ok {
			wantEnv[kv] = true
		}
	}
	for kv, seen := range wantEnv {
		if !seen {
			t.Errorf("runner env missing %s", kv)
		}
	}

	// Liveness probe then tracking-table probe.
	mock := prober
	if len(mock.ProbeCalls) != 2 {
		t.Fatalf("expected 2 probes, got %d", len(mock.ProbeCalls))
	}
	if mock.ProbeCalls[0].Kind != ProbeTCP || mock.ProbeCalls[0].Addr != "localhost:54322" {
		t.Errorf("unexpected liveness probe: %+v", mock.ProbeCalls[0])
	}
	table := mock.ProbeCalls[1]
	if !strings.Contains(table.URL, "/rest/v1/archon_migrations") {
		t.Errorf("unexpected confirmation URL: %s", table.URL)
	}
	if table.Header["apikey"] != "service-role-jwt" {
		t.Error("confirmation probe missing apikey header")
	}
}

// TestDefaultSequencer_Rerun verifies a second run with everything
// already applied succeeds with an empty applied list.
func TestDefaultSequencer_Rerun(t *testing.T) {
	runner := &process.MockRunner{
		RunInDirFunc: func(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
			return "skipped: 001_initial_schema.sql\n", "", 0, nil
		},
	}
	s, sourceDir, _ := sequencerFixture(t, runner, nil)
	if err := os.WriteFile(filepath.Join(sourceDir, "001_initial_schema.sql"), []byte("-- sql"), 0o644); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		result, err := s.Migrate(context.Background(), testConnectionInfo())
		if err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
		if len(result.Applied) != 0 || len(result.Skipped) != 1 {
			t.Errorf("run %d: applied=%v skipped=%v", i+1, result.Applied, result.Skipped)
		}
	}
}

// TestDefaultSequencer_DatabaseNotLive verifies the runner never
// executes when the postgres socket stays closed.
func TestDefaultSequencer_DatabaseNotLive(t *testing.T) {
	runner := &process.MockRunner{}
	prober := &MockProber{
		ProbeFunc: func(ctx context.Context, target ProbeTarget) *ProbeResult {
			return &ProbeResult{Name: target.Name, State: ProbeError, Message: "dial refused"}
		},
	}
	s, _, _ := sequencerFixture(t, runner, prober)

	_, err := s.Migrate(context.Background(), testConnectionInfo())
	if !errors.Is(err, ErrMigration) {
		t.Fatalf("expected ErrMigration, got: %v", err)
	}
	for _, c := range runner.Calls() {
		if c.Method == "RunInDir" {
			t.Error("runner executed against a dead database")
		}
	}
}

// TestDefaultSequencer_RunnerFailure verifies a non-zero runner exit
// surfaces with its stderr line.
func TestDefaultSequencer_RunnerFailure(t *testing.T) {
	runner := &process.MockRunner{
		RunInDirFunc: func(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
			return "", "psycopg2.OperationalError: connection refused\ntraceback...", 1,
				errors.New("command failed: python3")
		},
	}
	s, _, _ := sequencerFixture(t, runner, nil)

	_, err := s.Migrate(context.Background(), testConnectionInfo())
	if !errors.Is(err, ErrMigration) {
		t.Fatalf("expected ErrMigration, got: %v", err)
	}
	if !strings.Contains(err.Error(), "psycopg2.OperationalError") {
		t.Errorf("expected stderr line in error, got: %v", err)
	}
}

// TestDefaultSequencer_MissingTrackingTable verifies a clean runner
// exit without the tracking table is still a failure.
func TestDefaultSequencer_MissingTrackingTable(t *testing.T) {
	prober := &MockProber{
		ProbeFunc: func(ctx context.Context, target ProbeTarget) *ProbeResult {
			if target.Kind == ProbeTCP {
				return &ProbeResult{Name: target.Name, State: ProbeReady, Attempts: 1}
			}
			return &ProbeResult{Name: target.Name, State: ProbeNotReady, LastStatus: 404, Message: "status 404"}
		},
	}
	s, _, _ := sequencerFixture(t, &process.MockRunner{}, prober)

	_, err := s.Migrate(context.Background(), testConnectionInfo())
	if !errors.Is(err, ErrMigration) {
		t.Fatalf("expected ErrMigration, got: %v", err)
	}
	if !strings.Contains(err.Error(), "archon_migrations") {
		t.Errorf("expected tracking table in error, got: %v", err)
	}
}

// TestDefaultSequencer_NilInfo verifies the guard on missing
// connection info.
func TestDefaultSequencer_NilInfo(t *testing.T) {
	s, _, _ := sequencerFixture(t, &process.MockRunner{}, nil)
	if _, err := s.Migrate(context.Background(), nil); !errors.Is(err, ErrMigration) {
		t.Fatalf("expected ErrMigration, got: %v", err)
	}
}
