// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compose drives docker compose for the Archon stack.
//
// The executor translates high-level operations (bring the stack up
// with a set of profiles, tear it down, tail logs, list status) into
// docker compose invocations through an injected process.Runner.
// Compose itself owns reconciliation: re-issuing Up on a running stack
// leaves healthy containers alone and recreates only what changed.
package compose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/AleutianAI/archonctl/cmd/archonctl/internal/infra/process"
)

// ======  Error Definitions ======

var (
	// ErrComposeFailed is returned when a docker compose invocation
	// exits non-zero.
	ErrComposeFailed = errors.New("docker compose failed")

	// ErrInvalidConfig is returned when the executor configuration is
	// incomplete.
	ErrInvalidConfig = errors.New("invalid compose configuration")

	// ErrInvalidService is returned when a service name fails validation.
	ErrInvalidService = errors.New("invalid service name")
)

// serviceNamePattern validates compose service names: lowercase
// letters, digits, hyphens, and underscores.
var serviceNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ======  Configuration ======

// Config holds the static settings for a compose executor.
type Config struct {
	// StackDir is the directory containing the compose file. All
	// compose commands run from here.
	StackDir string

	// ProjectName is passed as --project-name so containers group
	// under one project regardless of the directory name.
	ProjectName string

	// ComposeFile is the compose file name relative to StackDir.
	ComposeFile string

	// EnvFile is the env file passed via --env-file, relative to
	// StackDir. Empty means compose's default resolution.
	EnvFile string

	// DefaultTimeout bounds each compose invocation. Zero means no
	// executor-imposed deadline beyond the caller's context.
	DefaultTimeout time.Duration
}

// ======  Option Structs ======

// UpOptions controls Executor.Up.
type UpOptions struct {
	// Profiles activates compose profiles (--profile a --profile b).
	Profiles []string

	// Services limits the operation to specific services. Empty means
	// all services the active profiles declare.
	Services []string

	// Build forces image rebuild before starting.
	Build bool

	// ExtraEnv is appended to the process environment for variable
	// interpolation in the compose file.
	ExtraEnv []string
}

// DownOptions controls Executor.Down.
type DownOptions struct {
	// RemoveVolumes also deletes named volumes. Destroys data.
	RemoveVolumes bool
}

// LogsOptions controls Executor.Logs.
type LogsOptions struct {
	// Services limits output to specific services.
	Services []string

	// Follow streams logs until the context is cancelled.
	Follow bool

	// Tail limits each service's output to the last N lines. Zero
	// means compose's default.
	Tail int
}

// ContainerStatus is one row of compose ps output.
type ContainerStatus struct {
	Name    string `json:"Name"`
	Service string `json:"Service"`
	State   string `json:"State"`
	Health  string `json:"Health"`
	Status  string `json:"Status"`
}

// ======  Interface ======

// Executor runs compose lifecycle operations for the stack.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use, though the launch
// pipeline issues operations sequentially.
type Executor interface {
	// Up starts or reconciles the stack (docker compose up -d).
	// Safe to re-issue: running containers are left running.
	Up(ctx context.Context, opts UpOptions) error

	// Down stops and removes the stack's containers.
	Down(ctx context.Context, opts DownOptions) error

	// Logs streams or dumps service logs to the terminal.
	Logs(ctx context.Context, opts LogsOptions) error

	// Status lists the stack's containers and their states.
	Status(ctx context.Context) ([]ContainerStatus, error)
}

var (
	_ Executor = (*DefaultExecutor)(nil)
	_ Executor = (*MockExecutor)(nil)
)

// ======  DefaultExecutor ======

// DefaultExecutor shells out to docker compose via a process.Runner.
type DefaultExecutor struct {
	config Config
	proc   process.Runner
}

// NewDefaultExecutor validates cfg and returns an executor.
//
// # Outputs
//
//   - error: wraps ErrInvalidConfig when StackDir or ComposeFile is
//     empty, or the runner is nil.
func NewDefaultExecutor(cfg Config, proc process.Runner) (*DefaultExecutor, error) {
	if proc == nil {
		return nil, fmt.Errorf("%w: runner is nil", ErrInvalidConfig)
	}
	if cfg.StackDir == "" {
		return nil, fmt.Errorf("%w: stack directory is empty", ErrInvalidConfig)
	}
	if cfg.ComposeFile == "" {
		return nil, fmt.Errorf("%w: compose file is empty", ErrInvalidConfig)
	}
	return &DefaultExecutor{config: cfg, proc: proc}, nil
}

// Up starts or reconciles the stack.
//
// # Description
//
// Builds `docker compose [--profile X]... up -d [--build] [services]`
// and streams output so the user watches containers come up. Profiles
// must be passed on every invocation that should keep their services
// alive; compose treats an absent profile's services as out of scope
// rather than stopping them.
func (e *DefaultExecutor) Up(ctx context.Context, opts UpOptions) error {
	if err := validateServices(opts.Services); err != nil {
		return err
	}

	args := e.baseArgs()
	for _, p := range opts.Profiles {
		args = append(args, "--profile", p)
	}
	args = append(args, "up", "-d")
	if opts.Build {
		args = append(args, "--build")
	}
	args = append(args, opts.Services...)

	runCtx, cancel := e.bounded(ctx)
	defer cancel()
	if err := e.proc.RunStreaming(runCtx, e.config.StackDir, opts.ExtraEnv, "docker", args...); err != nil {
		return fmt.Errorf("%w: up: %v", ErrComposeFailed, err)
	}
	return nil
}

// Down stops and removes the stack's containers.
func (e *DefaultExecutor) Down(ctx context.Context, opts DownOptions) error {
	args := append(e.baseArgs(), "down")
	if opts.RemoveVolumes {
		args = append(args, "-v")
	}

	runCtx, cancel := e.bounded(ctx)
	defer cancel()
	if err := e.proc.RunStreaming(runCtx, e.config.StackDir, nil, "docker", args...); err != nil {
		return fmt.Errorf("%w: down: %v", ErrComposeFailed, err)
	}
	return nil
}

// Logs dumps or follows service logs. Follow mode runs until the
// context is cancelled; cancellation is not an error.
func (e *DefaultExecutor) Logs(ctx context.Context, opts LogsOptions) error {
	if err := validateServices(opts.Services); err != nil {
		return err
	}

	args := append(e.baseArgs(), "logs")
	if opts.Follow {
		args = append(args, "-f")
	}
	if opts.Tail > 0 {
		args = append(args, "--tail", fmt.Sprintf("%d", opts.Tail))
	}
	args = append(args, opts.Services...)

	err := e.proc.RunStreaming(ctx, e.config.StackDir, nil, "docker", args...)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: logs: %v", ErrComposeFailed, err)
	}
	return nil
}

// Status lists stack containers via `compose ps --format json`.
//
// # Limitations
//
//   - Compose emits one JSON object per line, not an array; parsing
//     tolerates both for compatibility across compose versions.
func (e *DefaultExecutor) Status(ctx context.Context) ([]ContainerStatus, error) {
	args := append(e.baseArgs(), "ps", "-a", "--format", "json")

	runCtx, cancel := e.bounded(ctx)
	defer cancel()
	stdout, _, _, err := e.proc.RunInDir(runCtx, e.config.StackDir, nil, "docker", args...)
	if err != nil {
		return nil, fmt.Errorf("%w: ps: %v", ErrComposeFailed, err)
	}
	return parseStatus(stdout)
}

// baseArgs assembles the shared compose prefix: subcommand, project
// name, file, and env file.
func (e *DefaultExecutor) baseArgs() []string {
	args := []string{"compose", "-f", e.config.ComposeFile}
	if e.config.ProjectName != "" {
		args = append(args, "--project-name", e.config.ProjectName)
	}
	if e.config.EnvFile != "" {
		args = append(args, "--env-file", e.config.EnvFile)
	}
	return args
}

func (e *DefaultExecutor) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.config.DefaultTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.config.DefaultTimeout)
}

func validateServices(services []string) error {
	for _, s := range services {
		if !serviceNamePattern.MatchString(s) {
			return fmt.Errorf("%w: %q", ErrInvalidService, s)
		}
	}
	return nil
}

// parseStatus decodes compose ps JSON output: newline-delimited
// objects (compose v2.21+) or a single array (older releases).
func parseStatus(raw string) ([]ContainerStatus, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var statuses []ContainerStatus
		if err := json.Unmarshal([]byte(trimmed), &statuses); err != nil {
			return nil, fmt.Errorf("%w: parse ps output: %v", ErrComposeFailed, err)
		}
		return statuses, nil
	}

	var statuses []ContainerStatus
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var st ContainerStatus
		if err := json.Unmarshal([]byte(line), &st); err != nil {
			return nil, fmt.Errorf("%w: parse ps line: %v", ErrComposeFailed, err)
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// ======  MockExecutor ======

// MockExecutor is a test double with function fields and recorded calls.
type MockExecutor struct {
	UpFunc     func(ctx context.Context, opts UpOptions) error
	DownFunc   func(ctx context.Context, opts DownOptions) error
	LogsFunc   func(ctx context.Context, opts LogsOptions) error
	StatusFunc func(ctx context.Context) ([]ContainerStatus, error)

	UpCalls   []UpOptions
	DownCalls []DownOptions
	LogsCalls []LogsOptions
}

func (m *MockExecutor) Up(ctx context.Context, opts UpOptions) error {
	m.UpCalls = append(m.UpCalls, opts)
	if m.UpFunc != nil {
		return m.UpFunc(ctx, opts)
	}
	return nil
}

func (m *MockExecutor) Down(ctx context.Context, opts DownOptions) error {
	m.DownCalls = append(m.DownCalls, opts)
	if m.DownFunc != nil {
		return m.DownFunc(ctx, opts)
	}
	return nil
}

func (m *MockExecutor) Logs(ctx context.Context, opts LogsOptions) error {
	m.LogsCalls = append(m.LogsCalls, opts)
	if m.LogsFunc != nil {
		return m.LogsFunc(ctx, opts)
	}
	return nil
}

func (m *MockExecutor) Status(ctx context.Context) ([]ContainerStatus, error) {
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx)
	}
	return nil, nil
}
