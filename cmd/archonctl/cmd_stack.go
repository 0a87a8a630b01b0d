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
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/archonctl/cmd/archonctl/config"
	"github.com/AleutianAI/archonctl/cmd/archonctl/internal/envfile"
	"github.com/AleutianAI/archonctl/cmd/archonctl/internal/infra/compose"
	"github.com/AleutianAI/archonctl/cmd/archonctl/internal/infra/container"
	"github.com/AleutianAI/archonctl/cmd/archonctl/internal/infra/process"
	"github.com/AleutianAI/archonctl/pkg/term"
)

// components is the wired object graph behind every command.
type components struct {
	env      *envfile.Store
	composer compose.Executor
	docker   container.Client
	prober   Prober
	boot     *DefaultBootstrapper
	doctor   *Doctor
	migrate  func(ctx context.Context) error
}

// buildComponents assembles the default implementations from the
// loaded config. The docker client is optional: without a daemon the
// collector-reuse and kong-resolution paths degrade to fallbacks.
func buildComponents() (*components, error) {
	cfg := config.Global
	runner := process.NewDefaultRunner()
	env := envfile.NewStore(filepath.Join(cfg.Stack.Dir, cfg.Stack.EnvFile))

	composer, err := compose.NewDefaultExecutor(compose.Config{
		StackDir:    cfg.Stack.Dir,
		ProjectName: cfg.Stack.ProjectName,
		ComposeFile: cfg.Stack.ComposeFile,
		EnvFile:     cfg.Stack.EnvFile,
	}, runner)
	if err != nil {
		return nil, err
	}

	// Keep docker as the interface's nil when the daemon is unreachable
	// so downstream nil checks fall back cleanly.
	var docker container.Client
	if dc, err := container.NewDockerClient(); err != nil {
		appLogger.Warn("docker client unavailable", "error", err)
	} else {
		docker = dc
	}

	prober := NewDefaultProber()

	provisioner, err := NewDefaultProvisioner(cfg.Database, runner, docker, env, appLogger)
	if err != nil {
		return nil, err
	}
	sequencer, err := NewDefaultSequencer(cfg.Migrations, cfg.Database, runner, prober, appLogger)
	if err != nil {
		return nil, err
	}
	launcher, err := NewDefaultLauncher(cfg.Stack, composer, docker, env, appLogger)
	if err != nil {
		return nil, err
	}
	verifier, err := NewDefaultVerifier(env, prober, appLogger)
	if err != nil {
		return nil, err
	}
	boot, err := NewDefaultBootstrapper(
		cfg.Stack, env, provisioner, sequencer, launcher, verifier, prober, composer, appLogger)
	if err != nil {
		return nil, err
	}
	doctor, err := NewDoctor(cfg.Stack, env, docker, prober, composer, appLogger)
	if err != nil {
		return nil, err
	}

	c := &components{
		env:      env,
		composer: composer,
		docker:   docker,
		prober:   prober,
		boot:     boot,
		doctor:   doctor,
	}
	c.migrate = func(ctx context.Context) error {
		info, err := provisioner.Provision(ctx)
		if err != nil {
			return err
		}
		_, err = sequencer.Migrate(ctx, info)
		return err
	}
	return c, nil
}

// commandContext returns a context cancelled on Ctrl-C or SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// bootstrapOptions resolves flags against config defaults.
func bootstrapOptions(cmd *cobra.Command) (BootstrapOptions, error) {
	defaults := config.Global.Defaults

	host := defaults.Host
	if hostFlag != "" {
		host = hostFlag
	}

	modeStr := defaults.Observability
	if observabilityFlag != "" {
		modeStr = observabilityFlag
	}
	mode, err := ParseObservabilityMode(modeStr)
	if err != nil {
		return BootstrapOptions{}, err
	}

	agents := defaults.Agents
	if cmd.Flags().Changed("agents") {
		agents = agentsFlag
	}
	if noAgentsFlag {
		agents = false
	}

	singlePort := defaults.SinglePort
	if cmd.Flags().Changed("single-port") {
		singlePort = singlePortFlag
	}
	if noSinglePortFlag {
		singlePort = false
	}

	return BootstrapOptions{
		Host:           host,
		Observability:  mode,
		AgentsEnabled:  agents,
		SinglePort:     singlePort,
		Build:          buildFlag,
		SkipMigrations: noMigrationsFlag,
		SkipVerify:     noVerifyFlag,
	}, nil
}

func runUp(cmd *cobra.Command, args []string) {
	opts, err := bootstrapOptions(cmd)
	if err != nil {
		term.StageFailure("Options", err)
		os.Exit(1)
	}

	ctx, cancel := commandContext()
	defer cancel()

	c, err := buildComponents()
	if err != nil {
		term.StageFailure("Setup", err)
		os.Exit(1)
	}

	term.Title("Starting Archon")
	if err := c.boot.Start(ctx, opts); err != nil {
		term.StageFailure("Start", err)
		os.Exit(1)
	}
}

func runRestart(cmd *cobra.Command, args []string) {
	opts, err := bootstrapOptions(cmd)
	if err != nil {
		term.StageFailure("Options", err)
		os.Exit(1)
	}

	ctx, cancel := commandContext()
	defer cancel()

	c, err := buildComponents()
	if err != nil {
		term.StageFailure("Setup", err)
		os.Exit(1)
	}

	term.Title("Restarting Archon")
	if err := c.boot.Restart(ctx, opts); err != nil {
		term.StageFailure("Restart", err)
		os.Exit(1)
	}
}

func runDown(cmd *cobra.Command, args []string) {
	ctx, cancel := commandContext()
	defer cancel()

	c, err := buildComponents()
	if err != nil {
		term.StageFailure("Setup", err)
		os.Exit(1)
	}

	if removeVolumesFlag {
		term.Warning("removing volumes: all stack data will be deleted")
	}
	if err := c.boot.Stop(ctx, removeVolumesFlag); err != nil {
		term.StageFailure("Stop", err)
		os.Exit(1)
	}
	term.Success("Stack stopped")
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx, cancel := commandContext()
	defer cancel()

	c, err := buildComponents()
	if err != nil {
		term.StageFailure("Setup", err)
		os.Exit(1)
	}

	statuses, err := c.composer.Status(ctx)
	if err != nil {
		term.StageFailure("Status", err)
		os.Exit(1)
	}
	if len(statuses) == 0 {
		term.Muted("No stack containers. Run archonctl up.")
		return
	}

	term.Title("Stack Status")
	for _, s := range statuses {
		line := fmt.Sprintf("%-16s %-10s %s", s.Service, s.State, term.Styles.Muted.Render(s.Status))
		if s.State == "running" {
			term.Success(line)
		} else {
			term.Error(line)
		}
	}
}

func runLogs(cmd *cobra.Command, args []string) {
	ctx, cancel := commandContext()
	defer cancel()

	c, err := buildComponents()
	if err != nil {
		term.StageFailure("Setup", err)
		os.Exit(1)
	}

	err = c.composer.Logs(ctx, compose.LogsOptions{
		Services: args,
		Follow:   followFlag,
		Tail:     tailFlag,
	})
	if err != nil {
		term.StageFailure("Logs", err)
		os.Exit(1)
	}
}

func runMigrate(cmd *cobra.Command, args []string) {
	ctx, cancel := commandContext()
	defer cancel()

	c, err := buildComponents()
	if err != nil {
		term.StageFailure("Setup", err)
		os.Exit(1)
	}

	term.Title("Applying Migrations")
	if err := c.migrate(ctx); err != nil {
		term.StageFailure("Migrate", err)
		os.Exit(1)
	}
	term.Success("Migrations applied")
}

func runDoctor(cmd *cobra.Command, args []string) {
	ctx, cancel := commandContext()
	defer cancel()

	c, err := buildComponents()
	if err != nil {
		term.StageFailure("Setup", err)
		os.Exit(1)
	}

	results := c.doctor.Run(ctx)
	RenderChecks(results)
	if HasFailures(results) {
		os.Exit(1)
	}
}
