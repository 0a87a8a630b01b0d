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
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/archonctl/cmd/archonctl/config"
	"github.com/AleutianAI/archonctl/cmd/archonctl/internal/infra/process"
	"github.com/AleutianAI/archonctl/pkg/logging"
)

// ======  Errors ======

var (
	// ErrMigration indicates schema migrations could not be applied or
	// confirmed.
	ErrMigration = errors.New("migration failed")
)

// ======  Constants ======

const (
	// migrationTrackingTable records applied migrations; its existence
	// after a run is the success signal.
	migrationTrackingTable = "archon_migrations"

	// localDBPassword is the fixed password of the local Supabase
	// postgres instance.
	localDBPassword = "postgres"

	// dbLivenessAttempts bounds the TCP wait for postgres before the
	// runner is invoked.
	dbLivenessAttempts = 15
	dbLivenessDelay    = 2 * time.Second

	// tableProbeAttempts bounds the post-run confirmation probe. The
	// table is created synchronously by the runner, so this only needs
	// to ride out PostgREST schema-cache refresh.
	tableProbeAttempts = 5
	tableProbeDelay    = 2 * time.Second
)

// ======  Types ======

// MigrationResult summarizes one sequencer run.
type MigrationResult struct {
	// RunID uniquely identifies this run in logs.
	RunID string

	// Applied and Skipped list migration names as reported by the
	// runner. Skipped entries were already recorded as applied.
	Applied []string
	Skipped []string

	// Staged is the number of SQL artifacts copied into the runtime
	// directory, zero when staging is disabled.
	Staged int
}

// Sequencer applies database schema migrations.
//
// # Description
//
// The sequencer does not speak SQL itself. It stages migration
// artifacts where the external runner expects them, waits for the
// database socket, invokes the runner (which tracks applied migrations
// and is safe to re-run), and confirms the tracking table through the
// data API.
type Sequencer interface {
	// Migrate runs the full sequence. info supplies the data API
	// endpoint and service key used for post-run confirmation.
	Migrate(ctx context.Context, info *ConnectionInfo) (*MigrationResult, error)
}

// Compile-time interface checks.
var (
	_ Sequencer = (*DefaultSequencer)(nil)
	_ Sequencer = (*MockSequencer)(nil)
)

// ======  DefaultSequencer ======

// DefaultSequencer shells out to the configured migration runner.
type DefaultSequencer struct {
	cfg    config.MigrationsConfig
	db     config.DatabaseConfig
	runner process.Runner
	prober Prober
	logger *logging.Logger
}

// NewDefaultSequencer creates a sequencer.
func NewDefaultSequencer(
	cfg config.MigrationsConfig,
	db config.DatabaseConfig,
	runner process.Runner,
	prober Prober,
	logger *logging.Logger,
) (*DefaultSequencer, error) {
	if runner == nil {
		return nil, fmt.Errorf("%w: runner", ErrNilDependency)
	}
	if prober == nil {
		return nil, fmt.Errorf("%w: prober", ErrNilDependency)
	}
	if len(cfg.Runner) == 0 {
		return nil, fmt.Errorf("%w: migrations.runner is empty", ErrMigration)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DefaultSequencer{
		cfg:    cfg,
		db:     db,
		runner: runner,
		prober: prober,
		logger: logger,
	}, nil
}

// Migrate implements Sequencer.
func (s *DefaultSequencer) Migrate(ctx context.Context, info *ConnectionInfo) (*MigrationResult, error) {
	if info == nil {
		return nil, fmt.Errorf("%w: no connection info", ErrMigration)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMigration, err)
	}

	result := &MigrationResult{RunID: uuid.NewString()}
	log := s.logger.With("run_id", result.RunID)

	staged, err := s.stageArtifacts()
	if err != nil {
		return nil, err
	}
	result.Staged = staged

	if err := s.waitForDatabase(ctx); err != nil {
		return nil, err
	}

	if err := s.execRunner(ctx, result, log); err != nil {
		return nil, err
	}

	if err := s.confirmTrackingTable(ctx, info); err != nil {
		return nil, err
	}

	log.Info("migrations complete",
		"applied", len(result.Applied),
		"skipped", len(result.Skipped),
		"staged", result.Staged)
	return result, nil
}

// stageArtifacts copies *.sql files from the source directory into the
// runtime directory the runner reads from. Staging is skipped when the
// two are the same or no source is configured.
func (s *DefaultSequencer) stageArtifacts() (int, error) {
	if s.cfg.SourceDir == "" || s.cfg.SourceDir == s.cfg.RuntimeDir {
		return 0, nil
	}

	entries, err := os.ReadDir(s.cfg.SourceDir)
	if err != nil {
		return 0, fmt.Errorf("%w: read source dir %s: %v", ErrMigration, s.cfg.SourceDir, err)
	}
	if err := os.MkdirAll(s.cfg.RuntimeDir, 0o755); err != nil {
		return 0, fmt.Errorf("%w: create runtime dir %s: %v", ErrMigration, s.cfg.RuntimeDir, err)
	}

	staged := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.cfg.SourceDir, entry.Name()))
		if err != nil {
			return staged, fmt.Errorf("%w: read %s: %v", ErrMigration, entry.Name(), err)
		}
		dst := filepath.Join(s.cfg.RuntimeDir, entry.Name())
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return staged, fmt.Errorf("%w: stage %s: %v", ErrMigration, entry.Name(), err)
		}
		staged++
	}
	return staged, nil
}

// waitForDatabase blocks until the postgres socket accepts connections.
// This is a raw TCP check: postgres being up is a precondition of the
// runner, while the data API may still be warming.
func (s *DefaultSequencer) waitForDatabase(ctx context.Context) error {
	result := s.prober.Probe(ctx, ProbeTarget{
		Name:        "postgres",
		Kind:        ProbeTCP,
		Addr:        fmt.Sprintf("localhost:%d", s.db.DBPort),
		MaxAttempts: dbLivenessAttempts,
		Delay:       dbLivenessDelay,
	})
	if err := RequireReady(result); err != nil {
		return fmt.Errorf("%w: %v", ErrMigration, err)
	}
	return nil
}

// execRunner invokes the external migration runner and parses its
// applied:/skipped: report lines from stdout.
func (s *DefaultSequencer) execRunner(ctx context.Context, result *MigrationResult, log *logging.Logger) error {
	env := []string{
		"DB_HOST=localhost",
		fmt.Sprintf("DB_PORT=%d", s.db.DBPort),
		"DB_USER=" + s.db.DBUser,
		"DB_PASSWORD=" + localDBPassword,
		"DB_NAME=" + s.db.DBName,
	}

	name := s.cfg.Runner[0]
	args := s.cfg.Runner[1:]
	log.Info("running migrations", "runner", strings.Join(s.cfg.Runner, " "), "dir", s.cfg.RuntimeDir)

	stdout, stderr, _, err := s.runner.RunInDir(ctx, s.cfg.RuntimeDir, env, name, args...)
	if err != nil {
		return fmt.Errorf("%w: runner: %v: %s", ErrMigration, err, firstNonEmptyLine(stderr))
	}

	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "applied:"):
			result.Applied = append(result.Applied, strings.TrimSpace(strings.TrimPrefix(line, "applied:")))
		case strings.HasPrefix(line, "skipped:"):
			result.Skipped = append(result.Skipped, strings.TrimSpace(strings.TrimPrefix(line, "skipped:")))
		}
	}
	return nil
}

// confirmTrackingTable probes the tracking table through the data API.
// PostgREST answers 200 for an existing table and 404 when the schema
// was never created, which catches a runner that exited zero without
// doing its job.
func (s *DefaultSequencer) confirmTrackingTable(ctx context.Context, info *ConnectionInfo) error {
	result := s.prober.Probe(ctx, ProbeTarget{
		Name:   migrationTrackingTable,
		Kind:   ProbeHTTP,
		URL:    fmt.Sprintf("%s/rest/v1/%s?select=id&limit=1", strings.TrimRight(info.APIURL, "/"), migrationTrackingTable),
		Method: http.MethodGet,
		Header: map[string]string{
			"apikey":        info.ServiceKey,
			"Authorization": "Bearer " + info.ServiceKey,
		},
		Acceptable:  []int{200},
		MaxAttempts: tableProbeAttempts,
		Delay:       tableProbeDelay,
	})
	if !result.Ready() {
		return fmt.Errorf("%w: tracking table %s not reachable: %s",
			ErrMigration, migrationTrackingTable, result.Message)
	}
	return nil
}

// firstNonEmptyLine condenses runner stderr to one line for error
// messages.
func firstNonEmptyLine(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return "(no output)"
}

// ======  MockSequencer ======

// MockSequencer is a test double for Sequencer.
type MockSequencer struct {
	MigrateFunc func(ctx context.Context, info *ConnectionInfo) (*MigrationResult, error)

	MigrateCalls int
}

func (m *MockSequencer) Migrate(ctx context.Context, info *ConnectionInfo) (*MigrationResult, error) {
	m.MigrateCalls++
	if m.MigrateFunc != nil {
		return m.MigrateFunc(ctx, info)
	}
	return &MigrationResult{RunID: "mock-run"}, nil
}
