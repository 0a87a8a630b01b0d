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
	"strconv"

	"github.com/AleutianAI/archonctl/cmd/archonctl/config"
	"github.com/AleutianAI/archonctl/cmd/archonctl/internal/envfile"
	"github.com/AleutianAI/archonctl/cmd/archonctl/internal/infra/compose"
	"github.com/AleutianAI/archonctl/cmd/archonctl/internal/infra/container"
	"github.com/AleutianAI/archonctl/pkg/logging"
)

// ======  Errors ======

var (
	// ErrLaunch indicates the application stack could not be started.
	ErrLaunch = errors.New("stack launch failed")

	// ErrInvalidObservability is returned for an unrecognized
	// observability mode string.
	ErrInvalidObservability = errors.New("invalid observability mode")
)

// ======  Observability Modes ======

// ObservabilityMode selects how telemetry collection is provided.
type ObservabilityMode string

const (
	// ObservabilityCompose runs the collector as part of the compose
	// stack (or reuses an externally managed collector container).
	ObservabilityCompose ObservabilityMode = "compose"

	// ObservabilityScript expects a collector started outside compose
	// on the host; services export through the host gateway.
	ObservabilityScript ObservabilityMode = "script"

	// ObservabilityNone disables telemetry export.
	ObservabilityNone ObservabilityMode = "none"
)

// ParseObservabilityMode validates a mode string from flags or config.
func ParseObservabilityMode(s string) (ObservabilityMode, error) {
	switch ObservabilityMode(s) {
	case ObservabilityCompose, ObservabilityScript, ObservabilityNone:
		return ObservabilityMode(s), nil
	}
	return "", fmt.Errorf("%w: %q (want compose, script, or none)", ErrInvalidObservability, s)
}

// ======  Constants ======

const (
	// composeProfileAgents gates the optional agents service.
	composeProfileAgents = "agents"

	// composeProfileObservability gates the bundled otel collector.
	composeProfileObservability = "observability"

	// collectorContainerPattern locates an externally managed collector
	// container for reuse.
	collectorContainerPattern = "otel-collector"

	// Collector OTLP endpoints as seen from inside app containers.
	collectorEndpointCompose = "http://otel-collector:4317"
	collectorEndpointScript  = "http://host.docker.internal:4317"
)

// Env keys the launcher owns in the stack .env file.
const (
	envKeyProd          = "PROD"
	envKeyAgentsEnabled = "AGENTS_ENABLED"
	envKeyOTLPEndpoint  = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// ======  Types ======

// LaunchFlags are the per-invocation launch options.
type LaunchFlags struct {
	// AgentsEnabled activates the agents compose profile.
	AgentsEnabled bool

	// SinglePort serves the API through the frontend's port instead of
	// exposing each service separately.
	SinglePort bool

	// Observability selects the telemetry mode.
	Observability ObservabilityMode

	// Build forces image rebuild on up.
	Build bool
}

// Launcher starts the application stack.
//
// # Description
//
// Launch persists the runtime env toggles before invoking compose, so
// every container reads consistent settings on first start. In compose
// observability mode an already-running external collector is reused
// and attached to the app network rather than starting a second one.
type Launcher interface {
	Launch(ctx context.Context, flags LaunchFlags) error
}

// Compile-time interface checks.
var (
	_ Launcher = (*DefaultLauncher)(nil)
	_ Launcher = (*MockLauncher)(nil)
)

// ======  DefaultLauncher ======

// DefaultLauncher drives docker compose and the Docker daemon.
type DefaultLauncher struct {
	stack    config.StackConfig
	composer compose.Executor
	docker   container.Client
	env      *envfile.Store
	logger   *logging.Logger
}

// NewDefaultLauncher creates a launcher. docker may be nil, which
// disables external collector reuse.
func NewDefaultLauncher(
	stack config.StackConfig,
	composer compose.Executor,
	docker container.Client,
	env *envfile.Store,
	logger *logging.Logger,
) (*DefaultLauncher, error) {
	if composer == nil {
		return nil, fmt.Errorf("%w: compose executor", ErrNilDependency)
	}
	if env == nil {
		return nil, fmt.Errorf("%w: env store", ErrNilDependency)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DefaultLauncher{
		stack:    stack,
		composer: composer,
		docker:   docker,
		env:      env,
		logger:   logger,
	}, nil
}

// Launch implements Launcher.
func (l *DefaultLauncher) Launch(ctx context.Context, flags LaunchFlags) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	if _, err := ParseObservabilityMode(string(flags.Observability)); err != nil {
		return fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	reuseCollector := false
	if flags.Observability == ObservabilityCompose {
		reuseCollector = l.reuseExternalCollector(ctx)
	}

	if err := l.persistToggles(flags); err != nil {
		return err
	}

	profiles := []string{}
	if flags.AgentsEnabled {
		profiles = append(profiles, composeProfileAgents)
	}
	if flags.Observability == ObservabilityCompose && !reuseCollector {
		profiles = append(profiles, composeProfileObservability)
	}

	l.logger.Info("starting stack",
		"profiles", profiles,
		"single_port", flags.SinglePort,
		"observability", string(flags.Observability))
	if err := l.composer.Up(ctx, compose.UpOptions{Profiles: profiles, Build: flags.Build}); err != nil {
		return fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	return nil
}

// persistToggles writes the runtime env toggles compose interpolates
// and the services read on boot. The collector endpoint is the same
// whether the collector is bundled or reused: both sit on the app
// network under the same name.
func (l *DefaultLauncher) persistToggles(flags LaunchFlags) error {
	endpoint := ""
	switch flags.Observability {
	case ObservabilityCompose:
		endpoint = collectorEndpointCompose
	case ObservabilityScript:
		endpoint = collectorEndpointScript
	}

	writes := [][2]string{
		{envKeyProd, strconv.FormatBool(flags.SinglePort)},
		{envKeyAgentsEnabled, strconv.FormatBool(flags.AgentsEnabled)},
		{envKeyOTLPEndpoint, endpoint},
	}
	for _, kv := range writes {
		if err := l.env.SetAlways(kv[0], kv[1]); err != nil {
			return fmt.Errorf("%w: persist %s: %v", ErrLaunch, kv[0], err)
		}
	}
	return nil
}

// reuseExternalCollector looks for a collector container started
// outside this stack. When found it is started if stopped and attached
// to the app network so services resolve it by name; the bundled
// observability profile is then skipped.
func (l *DefaultLauncher) reuseExternalCollector(ctx context.Context) bool {
	if l.docker == nil || l.stack.Network == "" {
		return false
	}

	info, err := l.docker.Find(ctx, collectorContainerPattern)
	if err != nil || info == nil {
		return false
	}

	if err := l.docker.EnsureRunning(ctx, info.ID); err != nil {
		l.logger.Warn("external collector found but could not be started, falling back to bundled collector",
			"container", info.Name, "error", err)
		return false
	}
	if err := l.docker.AttachNetwork(ctx, info.ID, l.stack.Network); err != nil {
		l.logger.Warn("external collector could not join app network, falling back to bundled collector",
			"container", info.Name, "network", l.stack.Network, "error", err)
		return false
	}

	l.logger.Info("reusing external collector", "container", info.Name, "network", l.stack.Network)
	return true
}

// ======  MockLauncher ======

// MockLauncher is a test double for Launcher.
type MockLauncher struct {
	LaunchFunc func(ctx context.Context, flags LaunchFlags) error

	LaunchCalls []LaunchFlags
}

func (m *MockLauncher) Launch(ctx context.Context, flags LaunchFlags) error {
	m.LaunchCalls = append(m.LaunchCalls, flags)
	if m.LaunchFunc != nil {
		return m.LaunchFunc(ctx, flags)
	}
	return nil
}
