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

	"github.com/AleutianAI/archonctl/cmd/archonctl/config"
	"github.com/AleutianAI/archonctl/cmd/archonctl/internal/envfile"
	"github.com/AleutianAI/archonctl/cmd/archonctl/internal/infra/container"
	"github.com/AleutianAI/archonctl/cmd/archonctl/internal/infra/process"
	"github.com/AleutianAI/archonctl/pkg/logging"
)

// ======  Errors ======

var (
	// ErrProvisionFailed indicates the local Supabase stack could not be
	// brought up or its credentials could not be extracted.
	ErrProvisionFailed = errors.New("database provisioning failed")
)

// ======  Constants ======

const (
	// kongInternalPort is the port Kong listens on inside the Supabase
	// docker network. Services on the same network reach the data API
	// through it directly, bypassing the host port mapping.
	kongInternalPort = "8000"

	// hostGatewayAPIURL is the fallback in-container API URL when the
	// Kong container cannot be located: containers reach the host's
	// published Supabase port through the Docker host gateway.
	hostGatewayAPIURL = "http://host.docker.internal:54321"
)

// Env keys the provisioner owns in the stack .env file.
const (
	envKeySupabaseURL        = "SUPABASE_URL"
	envKeySupabaseServiceKey = "SUPABASE_SERVICE_KEY"
	envKeySupabaseDockerURL  = "SUPABASE_DOCKER_URL"
)

// ======  Types ======

// ConnectionInfo holds the resolved Supabase connection parameters.
type ConnectionInfo struct {
	// APIURL is the host-reachable data API endpoint (Kong's published
	// port), e.g. http://127.0.0.1:54321.
	APIURL string

	// DockerURL is the endpoint application containers should use. When
	// the Kong container is resolvable this is its in-network address;
	// otherwise the host gateway fallback.
	DockerURL string

	// ServiceKey is the service-role JWT for privileged API access.
	ServiceKey string
}

// Provisioner brings up the local Supabase stack and persists its
// connection parameters.
//
// # Description
//
// Provisioning is idempotent: a stack that is already initialized and
// running is re-validated, not restarted. Credentials are written to
// the stack env file only after every value has been resolved, so a
// failed run never leaves partial connection state behind.
type Provisioner interface {
	// Provision initializes (if needed) and starts the Supabase stack,
	// extracts connection info, and persists it to the env store.
	Provision(ctx context.Context) (*ConnectionInfo, error)
}

// Compile-time interface checks.
var (
	_ Provisioner = (*DefaultProvisioner)(nil)
	_ Provisioner = (*MockProvisioner)(nil)
)

// ======  DefaultProvisioner ======

// DefaultProvisioner drives the supabase CLI and the Docker daemon.
type DefaultProvisioner struct {
	cfg    config.DatabaseConfig
	runner process.Runner
	docker container.Client
	env    *envfile.Store
	logger *logging.Logger
}

// NewDefaultProvisioner creates a provisioner.
//
// # Inputs
//
//   - cfg: database section of the archonctl config.
//   - runner: command runner for the supabase CLI.
//   - docker: container client for Kong resolution; may be nil, in
//     which case the host gateway fallback is always used.
//   - env: the stack env store credentials are persisted to.
func NewDefaultProvisioner(
	cfg config.DatabaseConfig,
	runner process.Runner,
	docker container.Client,
	env *envfile.Store,
	logger *logging.Logger,
) (*DefaultProvisioner, error) {
	if runner == nil {
		return nil, fmt.Errorf("%w: runner", ErrNilDependency)
	}
	if env == nil {
		return nil, fmt.Errorf("%w: env store", ErrNilDependency)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DefaultProvisioner{
		cfg:    cfg,
		runner: runner,
		docker: docker,
		env:    env,
		logger: logger,
	}, nil
}

// Provision implements Provisioner.
//
// # Description
//
// Runs four phases: init (first run only), start (idempotent), status
// extraction, and persistence. The env file is untouched until the
// final phase.
func (p *DefaultProvisioner) Provision(ctx context.Context) (*ConnectionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}

	if err := p.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	if err := p.ensureStarted(ctx); err != nil {
		return nil, err
	}

	info, err := p.extractConnectionInfo(ctx)
	if err != nil {
		return nil, err
	}

	if err := p.persist(info); err != nil {
		return nil, err
	}

	p.logger.Info("supabase provisioned",
		"api_url", info.APIURL,
		"docker_url", info.DockerURL,
		"service_key", envfile.Redact(envKeySupabaseServiceKey, info.ServiceKey))
	return info, nil
}

// ensureInitialized runs `supabase init` when the project directory has
// no supabase/config.toml yet.
func (p *DefaultProvisioner) ensureInitialized(ctx context.Context) error {
	marker := filepath.Join(p.cfg.ProjectDir, "supabase", "config.toml")
	if _, err := os.Stat(marker); err == nil {
		p.logger.Debug("supabase project already initialized", "dir", p.cfg.ProjectDir)
		return nil
	}

	if err := os.MkdirAll(p.cfg.ProjectDir, 0o755); err != nil {
		return fmt.Errorf("%w: create project dir: %v", ErrProvisionFailed, err)
	}

	p.logger.Info("initializing supabase project", "dir", p.cfg.ProjectDir)
	_, stderr, _, err := p.runner.RunInDir(ctx, p.cfg.ProjectDir, nil, "supabase", "init")
	if err != nil {
		// A concurrent or previous partial init leaves config.toml behind;
		// treat "already initialized" output as success.
		if strings.Contains(stderr, "already") {
			return nil
		}
		return fmt.Errorf("%w: supabase init: %v", ErrProvisionFailed, err)
	}
	return nil
}

// ensureStarted brings the Supabase containers up. A stack that is
// already running makes `supabase start` a no-op, so the command is
// always issued and its output streamed.
func (p *DefaultProvisioner) ensureStarted(ctx context.Context) error {
	if p.statusOK(ctx) {
		p.logger.Debug("supabase already running")
		return nil
	}

	p.logger.Info("starting supabase", "dir", p.cfg.ProjectDir)
	if err := p.runner.RunStreaming(ctx, p.cfg.ProjectDir, nil, "supabase", "start"); err != nil {
		return fmt.Errorf("%w: supabase start: %v", ErrProvisionFailed, err)
	}
	return nil
}

// statusOK reports whether `supabase status` succeeds, meaning the
// stack is up and queryable.
func (p *DefaultProvisioner) statusOK(ctx context.Context) bool {
	_, _, code, err := p.runner.RunInDir(ctx, p.cfg.ProjectDir, nil, "supabase", "status")
	return err == nil && code == 0
}

// extractConnectionInfo parses `supabase status -o env` and resolves
// the container-network API URL.
func (p *DefaultProvisioner) extractConnectionInfo(ctx context.Context) (*ConnectionInfo, error) {
	stdout, _, _, err := p.runner.RunInDir(ctx, p.cfg.ProjectDir, nil, "supabase", "status", "-o", "env")
	if err != nil {
		return nil, fmt.Errorf("%w: supabase status: %v", ErrProvisionFailed, err)
	}

	values := parseEnvOutput(stdout)
	serviceKey := values["SERVICE_ROLE_KEY"]
	apiURL := values["API_URL"]
	if serviceKey == "" || apiURL == "" {
		return nil, fmt.Errorf(
			"%w: supabase status output missing SERVICE_ROLE_KEY or API_URL", ErrProvisionFailed)
	}

	return &ConnectionInfo{
		APIURL:     apiURL,
		DockerURL:  p.resolveDockerURL(ctx),
		ServiceKey: serviceKey,
	}, nil
}

// resolveDockerURL finds the Kong container and builds its in-network
// address, falling back to the host gateway when resolution fails.
func (p *DefaultProvisioner) resolveDockerURL(ctx context.Context) string {
	if p.docker == nil {
		return hostGatewayAPIURL
	}
	info, err := p.docker.Find(ctx, p.cfg.KongPattern)
	if err != nil || info == nil {
		p.logger.Warn("kong container not found, using host gateway",
			"pattern", p.cfg.KongPattern, "error", err)
		return hostGatewayAPIURL
	}
	return fmt.Sprintf("http://%s:%s", info.Name, kongInternalPort)
}

// persist writes all three connection values. Called only after every
// value has been resolved.
func (p *DefaultProvisioner) persist(info *ConnectionInfo) error {
	writes := [][2]string{
		{envKeySupabaseURL, info.APIURL},
		{envKeySupabaseServiceKey, info.ServiceKey},
		{envKeySupabaseDockerURL, info.DockerURL},
	}
	for _, kv := range writes {
		if err := p.env.SetAlways(kv[0], kv[1]); err != nil {
			return fmt.Errorf("%w: persist %s: %v", ErrProvisionFailed, kv[0], err)
		}
	}
	return nil
}

// DataAPITarget returns the readiness target for the Supabase data API.
// PostgREST answers 200 or 401 on the bare /rest/v1/ path depending on
// whether an apikey header is present; both mean the API is serving.
func DataAPITarget(info *ConnectionInfo) ProbeTarget {
	return ProbeTarget{
		Name:       "Supabase data API",
		Kind:       ProbeHTTP,
		URL:        strings.TrimRight(info.APIURL, "/") + "/rest/v1/",
		Method:     http.MethodGet,
		Acceptable: []int{200, 401},
	}
}

// parseEnvOutput reads KEY="VALUE" lines as emitted by
// `supabase status -o env`, tolerating unquoted values and comments.
func parseEnvOutput(out string) map[string]string {
	values := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"`)
		values[strings.TrimSpace(key)] = value
	}
	return values
}

// ======  MockProvisioner ======

// MockProvisioner is a test double for Provisioner.
type MockProvisioner struct {
	ProvisionFunc func(ctx context.Context) (*ConnectionInfo, error)

	ProvisionCalls int
}

func (m *MockProvisioner) Provision(ctx context.Context) (*ConnectionInfo, error) {
	m.ProvisionCalls++
	if m.ProvisionFunc != nil {
		return m.ProvisionFunc(ctx)
	}
	return &ConnectionInfo{
		APIURL:     "http://127.0.0.1:54321",
		DockerURL:  hostGatewayAPIURL,
		ServiceKey: "test-service-key",
	}, nil
}
