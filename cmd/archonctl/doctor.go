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
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/AleutianAI/archonctl/cmd/archonctl/config"
	"github.com/AleutianAI/archonctl/cmd/archonctl/internal/envfile"
	"github.com/AleutianAI/archonctl/cmd/archonctl/internal/infra/compose"
	"github.com/AleutianAI/archonctl/cmd/archonctl/internal/infra/container"
	"github.com/AleutianAI/archonctl/pkg/logging"
	"github.com/AleutianAI/archonctl/pkg/term"
)

// ======  Types ======

// CheckStatus is the outcome class of one diagnostic check.
type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckWarn CheckStatus = "warn"
	CheckFail CheckStatus = "fail"
)

// CheckResult is one diagnostic finding.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string

	// Remedy is a suggested fix, empty on pass.
	Remedy string
}

// Disk thresholds for the free-space check.
const (
	diskFailBytes = 1 << 30       // 1 GiB
	diskWarnBytes = 5 * (1 << 30) // 5 GiB
)

// Env keys a working deployment must have filled in.
var requiredEnvKeys = []string{
	envKeySupabaseURL,
	envKeySupabaseServiceKey,
}

// ======  Doctor ======

// Doctor runs host diagnostics for a deployment that is misbehaving.
//
// # Description
//
// Checks are independent and all of them always run, mirroring how a
// person would triage: collect every symptom first, then fix. Findings
// are returned rather than acted on.
type Doctor struct {
	stack    config.StackConfig
	env      *envfile.Store
	docker   container.Client
	prober   Prober
	composer compose.Executor
	logger   *logging.Logger
}

// NewDoctor creates a doctor. docker and composer may be nil, which
// skips their checks with a warning finding.
func NewDoctor(
	stack config.StackConfig,
	env *envfile.Store,
	docker container.Client,
	prober Prober,
	composer compose.Executor,
	logger *logging.Logger,
) (*Doctor, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: env store", ErrNilDependency)
	}
	if prober == nil {
		return nil, fmt.Errorf("%w: prober", ErrNilDependency)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Doctor{
		stack:    stack,
		env:      env,
		docker:   docker,
		prober:   prober,
		composer: composer,
		logger:   logger,
	}, nil
}

// Run executes all checks.
func (d *Doctor) Run(ctx context.Context) []CheckResult {
	checks := []func(context.Context) CheckResult{
		d.checkDaemon,
		d.checkEnvFile,
		d.checkContainers,
		d.checkAPIHealth,
		d.checkDiskSpace,
	}

	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		result := check(ctx)
		if result.Status != CheckPass {
			d.logger.Warn("diagnostic finding",
				"check", result.Name, "status", string(result.Status), "detail", result.Message)
		}
		results = append(results, result)
	}
	return results
}

func (d *Doctor) checkDaemon(ctx context.Context) CheckResult {
	r := CheckResult{Name: "Docker daemon"}
	if d.docker == nil {
		r.Status = CheckWarn
		r.Message = "docker client unavailable"
		r.Remedy = "check DOCKER_HOST and the docker socket"
		return r
	}
	if err := d.docker.Ping(ctx); err != nil {
		r.Status = CheckFail
		r.Message = fmt.Sprintf("daemon not responding: %v", err)
		r.Remedy = "start Docker Desktop or the docker service"
		return r
	}
	r.Status = CheckPass
	r.Message = "responding"
	return r
}

func (d *Doctor) checkEnvFile(ctx context.Context) CheckResult {
	r := CheckResult{Name: "Environment file"}
	snapshot, err := d.env.Snapshot()
	if err != nil {
		r.Status = CheckFail
		r.Message = fmt.Sprintf("unreadable: %v", err)
		r.Remedy = "run archonctl up to create it"
		return r
	}

	var missing []string
	for _, key := range requiredEnvKeys {
		value := snapshot[key]
		if value == "" || strings.HasPrefix(value, "your-") {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		r.Status = CheckFail
		r.Message = "unset or placeholder: " + strings.Join(missing, ", ")
		r.Remedy = "run archonctl up to provision the database"
		return r
	}
	r.Status = CheckPass
	r.Message = fmt.Sprintf("%d keys set", len(snapshot))
	return r
}

func (d *Doctor) checkContainers(ctx context.Context) CheckResult {
	r := CheckResult{Name: "Stack containers"}
	if d.composer == nil {
		r.Status = CheckWarn
		r.Message = "compose unavailable"
		return r
	}
	statuses, err := d.composer.Status(ctx)
	if err != nil {
		r.Status = CheckFail
		r.Message = fmt.Sprintf("compose ps failed: %v", err)
		r.Remedy = "check docker compose installation"
		return r
	}

	running := 0
	var stopped []string
	for _, s := range statuses {
		if strings.EqualFold(s.State, "running") {
			running++
		} else {
			stopped = append(stopped, s.Service)
		}
	}
	switch {
	case len(statuses) == 0:
		r.Status = CheckWarn
		r.Message = "no stack containers found"
		r.Remedy = "run archonctl up"
	case len(stopped) > 0:
		r.Status = CheckFail
		r.Message = fmt.Sprintf("%d running, stopped: %s", running, strings.Join(stopped, ", "))
		r.Remedy = "archonctl logs " + stopped[0]
	default:
		r.Status = CheckPass
		r.Message = fmt.Sprintf("%d running", running)
	}
	return r
}

func (d *Doctor) checkAPIHealth(ctx context.Context) CheckResult {
	r := CheckResult{Name: "API health"}

	// In single-port deployments (PROD=true in the env file) the API is
	// proxied behind the frontend port, so the health surface moves.
	url := fmt.Sprintf("http://localhost:%s/health", d.port(envKeyServerPort, defaultServerPort))
	if value, ok, err := d.env.Get(envKeyProd); err == nil && ok && value == "true" {
		url = fmt.Sprintf("http://localhost:%s/api/health", d.port(envKeyUIPort, defaultUIPort))
	}
	result := d.prober.Probe(ctx, ProbeTarget{
		Name:        "API Server",
		Kind:        ProbeHTTP,
		URL:         url,
		Acceptable:  []int{200},
		MaxAttempts: 1,
		Delay:       time.Second,
	})
	if !result.Ready() {
		r.Status = CheckFail
		r.Message = result.Message
		r.Remedy = "archonctl logs archon-server"
		return r
	}
	r.Status = CheckPass
	r.Message = "healthy"
	return r
}

// port reads a published port from the env file with a fallback.
func (d *Doctor) port(key, fallback string) string {
	value, ok, err := d.env.Get(key)
	if err != nil || !ok || value == "" {
		return fallback
	}
	return value
}

func (d *Doctor) checkDiskSpace(ctx context.Context) CheckResult {
	r := CheckResult{Name: "Disk space"}

	var stat unix.Statfs_t
	if err := unix.Statfs(d.stack.Dir, &stat); err != nil {
		r.Status = CheckWarn
		r.Message = fmt.Sprintf("statfs %s: %v", d.stack.Dir, err)
		return r
	}
	free := stat.Bavail * uint64(stat.Bsize)

	switch {
	case free < diskFailBytes:
		r.Status = CheckFail
		r.Message = fmt.Sprintf("%.1f GiB free", float64(free)/(1<<30))
		r.Remedy = "free disk space; docker system prune"
	case free < diskWarnBytes:
		r.Status = CheckWarn
		r.Message = fmt.Sprintf("%.1f GiB free", float64(free)/(1<<30))
		r.Remedy = "consider freeing disk space"
	default:
		r.Status = CheckPass
		r.Message = fmt.Sprintf("%.1f GiB free", float64(free)/(1<<30))
	}
	return r
}

// HasFailures reports whether any check failed outright.
func HasFailures(results []CheckResult) bool {
	for _, r := range results {
		if r.Status == CheckFail {
			return true
		}
	}
	return false
}

// RenderChecks prints diagnostic findings with remedies.
func RenderChecks(results []CheckResult) {
	term.Title("Diagnostics")
	for _, r := range results {
		line := fmt.Sprintf("%s  %s", r.Name, term.Styles.Muted.Render(r.Message))
		switch r.Status {
		case CheckPass:
			term.Success(line)
		case CheckWarn:
			term.Warning(line)
		case CheckFail:
			term.Error(line)
		}
		if r.Remedy != "" {
			term.Muted("    → " + r.Remedy)
		}
	}
}
