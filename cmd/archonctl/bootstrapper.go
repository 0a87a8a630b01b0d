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
	"path/filepath"
	"sync"

	"github.com/AleutianAI/archonctl/cmd/archonctl/config"
	"github.com/AleutianAI/archonctl/cmd/archonctl/internal/envfile"
	"github.com/AleutianAI/archonctl/cmd/archonctl/internal/infra/compose"
	"github.com/AleutianAI/archonctl/pkg/logging"
	"github.com/AleutianAI/archonctl/pkg/term"
)

// ======  Errors ======

var (
	// ErrNilDependency is returned when a required collaborator is nil.
	ErrNilDependency = errors.New("nil dependency")

	// ErrBootstrap indicates a bootstrap phase failed.
	ErrBootstrap = errors.New("bootstrap failed")

	// ErrPanicRecovered is returned when a phase panicked; the panic
	// value is folded into the message.
	ErrPanicRecovered = errors.New("panic during bootstrap")
)

// Env keys the bootstrapper owns in the stack .env file.
const (
	envKeyHost         = "HOST"
	envKeyAllowedHosts = "VITE_ALLOWED_HOSTS"
)

// ======  Types ======

// BootstrapOptions shapes one bootstrap run.
type BootstrapOptions struct {
	// Host is the address services are reachable on. Empty keeps
	// whatever the env file already has.
	Host string

	// Observability, AgentsEnabled, SinglePort, and Build feed the
	// launch phase.
	Observability ObservabilityMode
	AgentsEnabled bool
	SinglePort    bool
	Build         bool

	// SkipMigrations leaves the schema alone.
	SkipMigrations bool

	// SkipVerify skips post-launch service verification.
	SkipVerify bool
}

// Bootstrapper runs the full deployment sequence.
//
// # Description
//
// One mutex serializes all lifecycle operations: concurrent Start and
// Stop on the same host would race on containers and the env file.
// Every phase checks the context before running, and panics in any
// phase are recovered into ErrPanicRecovered so a bug in one component
// cannot take down the caller.
//
// # Thread Safety
//
// Safe for concurrent use; operations execute one at a time.
type Bootstrapper interface {
	// Start provisions, migrates, launches, and verifies the stack.
	Start(ctx context.Context, opts BootstrapOptions) error

	// Restart tears down the app containers and runs Start. Volumes and
	// the database are preserved.
	Restart(ctx context.Context, opts BootstrapOptions) error

	// Stop brings the app containers down. removeVolumes also deletes
	// named volumes, destroying data.
	Stop(ctx context.Context, removeVolumes bool) error
}

// Compile-time interface checks.
var (
	_ Bootstrapper = (*DefaultBootstrapper)(nil)
	_ Bootstrapper = (*MockBootstrapper)(nil)
)

// ======  DefaultBootstrapper ======

// DefaultBootstrapper wires the deployment phases together.
type DefaultBootstrapper struct {
	mu sync.Mutex

	stack       config.StackConfig
	env         *envfile.Store
	provisioner Provisioner
	sequencer   Sequencer
	launcher    Launcher
	verifier    Verifier
	prober      Prober
	composer    compose.Executor
	logger      *logging.Logger
}

// NewDefaultBootstrapper validates and wires all collaborators.
func NewDefaultBootstrapper(
	stack config.StackConfig,
	env *envfile.Store,
	provisioner Provisioner,
	sequencer Sequencer,
	launcher Launcher,
	verifier Verifier,
	prober Prober,
	composer compose.Executor,
	logger *logging.Logger,
) (*DefaultBootstrapper, error) {
	deps := []struct {
		name string
		ok   bool
	}{
		{"env store", env != nil},
		{"provisioner", provisioner != nil},
		{"sequencer", sequencer != nil},
		{"launcher", launcher != nil},
		{"verifier", verifier != nil},
		{"prober", prober != nil},
		{"compose executor", composer != nil},
	}
	for _, d := range deps {
		if !d.ok {
			return nil, fmt.Errorf("%w: %s", ErrNilDependency, d.name)
		}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DefaultBootstrapper{
		stack:       stack,
		env:         env,
		provisioner: provisioner,
		sequencer:   sequencer,
		launcher:    launcher,
		verifier:    verifier,
		prober:      prober,
		composer:    composer,
		logger:      logger,
	}, nil
}

// Start implements Bootstrapper.
func (b *DefaultBootstrapper) Start(ctx context.Context, opts BootstrapOptions) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.recoverPanic(&err)
	return b.start(ctx, opts)
}

// Restart implements Bootstrapper.
func (b *DefaultBootstrapper) Restart(ctx context.Context, opts BootstrapOptions) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.recoverPanic(&err)

	b.logger.Info("restarting stack")
	if err := b.composer.Down(ctx, compose.DownOptions{}); err != nil {
		return fmt.Errorf("%w: down: %v", ErrBootstrap, err)
	}
	return b.start(ctx, opts)
}

// Stop implements Bootstrapper.
func (b *DefaultBootstrapper) Stop(ctx context.Context, removeVolumes bool) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.recoverPanic(&err)

	if err := b.composer.Down(ctx, compose.DownOptions{RemoveVolumes: removeVolumes}); err != nil {
		return fmt.Errorf("%w: down: %v", ErrBootstrap, err)
	}
	return nil
}

// start runs the phase sequence under the already-held mutex.
func (b *DefaultBootstrapper) start(ctx context.Context, opts BootstrapOptions) error {
	if opts.Observability == "" {
		opts.Observability = ObservabilityNone
	}

	if err := b.phase(ctx, "environment"); err != nil {
		return err
	}
	if err := b.ensureEnvFile(opts); err != nil {
		return err
	}

	if err := b.phase(ctx, "database"); err != nil {
		return err
	}
	info, err := b.provisioner.Provision(ctx)
	if err != nil {
		return err
	}
	if err := RequireReady(b.prober.Probe(ctx, DataAPITarget(info))); err != nil {
		return fmt.Errorf("%w: %v", ErrBootstrap, err)
	}

	if !opts.SkipMigrations {
		if err := b.phase(ctx, "migrations"); err != nil {
			return err
		}
		if _, err := b.sequencer.Migrate(ctx, info); err != nil {
			return err
		}
	}

	if err := b.phase(ctx, "launch"); err != nil {
		return err
	}
	if err := b.launcher.Launch(ctx, LaunchFlags{
		AgentsEnabled: opts.AgentsEnabled,
		SinglePort:    opts.SinglePort,
		Observability: opts.Observability,
		Build:         opts.Build,
	}); err != nil {
		return err
	}

	if !opts.SkipVerify {
		if err := b.phase(ctx, "verification"); err != nil {
			return err
		}
		report := b.verifier.Verify(ctx, VerifyOptions{
			Host:          opts.Host,
			AgentsEnabled: opts.AgentsEnabled,
			SinglePort:    opts.SinglePort,
		})
		RenderVerification(report)
	}

	b.logger.Info("bootstrap complete")
	return nil
}

// ensureEnvFile creates the stack env file from its template on first
// run and applies host settings.
func (b *DefaultBootstrapper) ensureEnvFile(opts BootstrapOptions) error {
	template := filepath.Join(b.stack.Dir, b.stack.EnvTemplate)
	created, err := b.env.EnsureFile(template)
	if err != nil {
		return fmt.Errorf("%w: env file: %v", ErrBootstrap, err)
	}
	if created {
		b.logger.Info("created env file from template", "path", b.env.Path())
		term.Info("Created " + b.env.Path() + " from template")
	}

	// Seed the published ports so compose interpolation and
	// verification agree even when the template omits them. Existing
	// values, including user edits, are left alone.
	seeds := [][2]string{
		{envKeyServerPort, defaultServerPort},
		{envKeyMCPPort, defaultMCPPort},
		{envKeyAgentsPort, defaultAgentsPort},
		{envKeyUIPort, defaultUIPort},
	}
	for _, kv := range seeds {
		if _, err := b.env.SetIfAbsent(kv[0], kv[1]); err != nil {
			return fmt.Errorf("%w: seed %s: %v", ErrBootstrap, kv[0], err)
		}
	}

	if opts.Host == "" {
		return nil
	}
	if err := b.env.SetAlways(envKeyHost, opts.Host); err != nil {
		return fmt.Errorf("%w: set host: %v", ErrBootstrap, err)
	}
	// The frontend dev server rejects unknown hosts; accumulate rather
	// than overwrite so earlier hosts keep working.
	if err := b.env.MergeUniqueList(envKeyAllowedHosts, opts.Host); err != nil {
		return fmt.Errorf("%w: allowed hosts: %v", ErrBootstrap, err)
	}
	return nil
}

// phase logs a phase transition and enforces cancellation between
// phases.
func (b *DefaultBootstrapper) phase(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: before %s: %v", ErrBootstrap, name, err)
	}
	b.logger.Info("bootstrap phase", "phase", name)
	return nil
}

// recoverPanic converts a panic into an error on the named return.
func (b *DefaultBootstrapper) recoverPanic(err *error) {
	if r := recover(); r != nil {
		b.logger.Error("bootstrap panicked", "panic", fmt.Sprintf("%v", r))
		*err = fmt.Errorf("%w: %v", ErrPanicRecovered, r)
	}
}

// ======  MockBootstrapper ======

// MockBootstrapper is a test double for Bootstrapper.
type MockBootstrapper struct {
	StartFunc   func(ctx context.Context, opts BootstrapOptions) error
	RestartFunc func(ctx context.Context, opts BootstrapOptions) error
	StopFunc    func(ctx context.Context, removeVolumes bool) error

	StartCalls   []BootstrapOptions
	RestartCalls []BootstrapOptions
	StopCalls    []bool
}

func (m *MockBootstrapper) Start(ctx context.Context, opts BootstrapOptions) error {
	m.StartCalls = append(m.StartCalls, opts)
	if m.StartFunc != nil {
		return m.StartFunc(ctx, opts)
	}
	return nil
}

func (m *MockBootstrapper) Restart(ctx context.Context, opts BootstrapOptions) error {
	m.RestartCalls = append(m.RestartCalls, opts)
	if m.RestartFunc != nil {
		return m.RestartFunc(ctx, opts)
	}
	return nil
}

func (m *MockBootstrapper) Stop(ctx context.Context, removeVolumes bool) error {
	m.StopCalls = append(m.StopCalls, removeVolumes)
	if m.StopFunc != nil {
		return m.StopFunc(ctx, removeVolumes)
	}
	return nil
}
