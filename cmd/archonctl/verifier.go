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

	"github.com/AleutianAI/archonctl/cmd/archonctl/internal/envfile"
	"github.com/AleutianAI/archonctl/pkg/logging"
	"github.com/AleutianAI/archonctl/pkg/term"
)

// ======  Constants ======

// Default published ports, used when the env file does not override.
const (
	defaultServerPort = "8181"
	defaultMCPPort    = "8051"
	defaultAgentsPort = "8052"
	defaultUIPort     = "3737"
)

// Env keys holding port overrides.
const (
	envKeyServerPort = "ARCHON_SERVER_PORT"
	envKeyMCPPort    = "ARCHON_MCP_PORT"
	envKeyAgentsPort = "ARCHON_AGENTS_PORT"
	envKeyUIPort     = "ARCHON_UI_PORT"
)

// verifyAttempts keeps post-launch verification snappy: services had
// their startup window during launch, so each gets a short re-check.
const (
	verifyAttempts = 10
	verifyDelay    = 2 * time.Second
)

// ======  Types ======

// VerifyOptions shapes which services are probed and where.
type VerifyOptions struct {
	// Host is the address services are published on.
	Host string

	// AgentsEnabled includes the agents service in verification.
	AgentsEnabled bool

	// SinglePort means the API is reached through the frontend's port
	// and the backend ports are not published.
	SinglePort bool
}

// ServiceReport is the verification outcome for one service.
type ServiceReport struct {
	Name     string
	URL      string
	Ready    bool
	Attempts int
	Message  string
}

// VerificationReport aggregates per-service outcomes.
type VerificationReport struct {
	Services []ServiceReport
}

// AllReady reports whether every probed service passed.
func (r *VerificationReport) AllReady() bool {
	for _, s := range r.Services {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Verifier checks the running stack end to end.
//
// # Description
//
// Verification is advisory: every service is probed regardless of how
// many fail, and the report carries per-service outcomes rather than
// an error. A stack with a failed service is still a started stack;
// the caller decides whether that matters.
type Verifier interface {
	Verify(ctx context.Context, opts VerifyOptions) *VerificationReport
}

// Compile-time interface checks.
var (
	_ Verifier = (*DefaultVerifier)(nil)
	_ Verifier = (*MockVerifier)(nil)
)

// ======  DefaultVerifier ======

// DefaultVerifier probes published service endpoints in parallel.
type DefaultVerifier struct {
	env    *envfile.Store
	prober Prober
	logger *logging.Logger
}

// NewDefaultVerifier creates a verifier.
func NewDefaultVerifier(env *envfile.Store, prober Prober, logger *logging.Logger) (*DefaultVerifier, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: env store", ErrNilDependency)
	}
	if prober == nil {
		return nil, fmt.Errorf("%w: prober", ErrNilDependency)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DefaultVerifier{env: env, prober: prober, logger: logger}, nil
}

// Verify implements Verifier.
func (v *DefaultVerifier) Verify(ctx context.Context, opts VerifyOptions) *VerificationReport {
	targets := v.buildTargets(opts)
	results := v.prober.ProbeAll(ctx, targets)

	report := &VerificationReport{Services: make([]ServiceReport, len(results))}
	for i, res := range results {
		report.Services[i] = ServiceReport{
			Name:     res.Name,
			URL:      targets[i].URL,
			Ready:    res.Ready(),
			Attempts: res.Attempts,
			Message:  res.Message,
		}
		if !res.Ready() {
			v.logger.Warn("service verification failed",
				"service", res.Name, "state", string(res.State), "detail", res.Message)
		}
	}
	return report
}

// buildTargets assembles probe targets from published ports. Ports come
// from the env file with compiled-in fallbacks, so verification matches
// whatever compose actually interpolated.
func (v *DefaultVerifier) buildTargets(opts VerifyOptions) []ProbeTarget {
	host := opts.Host
	if host == "" {
		host = "localhost"
	}
	uiPort := v.port(envKeyUIPort, defaultUIPort)

	var targets []ProbeTarget

	if opts.SinglePort {
		// The API is proxied behind the frontend; backend ports are not
		// published.
		targets = append(targets, ProbeTarget{
			Name:        "API Server",
			Kind:        ProbeHTTP,
			URL:         fmt.Sprintf("http://%s:%s/api/health", host, uiPort),
			Acceptable:  []int{200},
			MaxAttempts: verifyAttempts,
			Delay:       verifyDelay,
		})
	} else {
		targets = append(targets, ProbeTarget{
			Name:        "API Server",
			Kind:        ProbeHTTP,
			URL:         fmt.Sprintf("http://%s:%s/health", host, v.port(envKeyServerPort, defaultServerPort)),
			Acceptable:  []int{200},
			MaxAttempts: verifyAttempts,
			Delay:       verifyDelay,
		})
		// The MCP service speaks its own protocol on the main endpoint;
		// a plain GET may 404 while the service is healthy.
		targets = append(targets, ProbeTarget{
			Name:        "MCP Service",
			Kind:        ProbeHTTP,
			URL:         fmt.Sprintf("http://%s:%s/health", host, v.port(envKeyMCPPort, defaultMCPPort)),
			Acceptable:  []int{200, 404},
			MaxAttempts: verifyAttempts,
			Delay:       verifyDelay,
		})
		if opts.AgentsEnabled {
			targets = append(targets, ProbeTarget{
				Name:        "Agents Service",
				Kind:        ProbeHTTP,
				URL:         fmt.Sprintf("http://%s:%s/health", host, v.port(envKeyAgentsPort, defaultAgentsPort)),
				Acceptable:  []int{200, 404},
				MaxAttempts: verifyAttempts,
				Delay:       verifyDelay,
			})
		}
	}

	targets = append(targets, ProbeTarget{
		Name:        "Web Interface",
		Kind:        ProbeHTTP,
		URL:         fmt.Sprintf("http://%s:%s/", host, uiPort),
		Acceptable:  []int{200, 404},
		MaxAttempts: verifyAttempts,
		Delay:       verifyDelay,
	})
	return targets
}

// port reads a published port from the env file, falling back when
// unset or empty.
func (v *DefaultVerifier) port(key, fallback string) string {
	value, ok, err := v.env.Get(key)
	if err != nil || !ok || value == "" {
		return fallback
	}
	return value
}

// ======  Rendering ======

// RenderVerification prints the per-service outcomes and the access
// summary box.
func RenderVerification(report *VerificationReport) {
	term.Title("Service Verification")
	for _, s := range report.Services {
		if s.Ready {
			term.Success(fmt.Sprintf("%s  %s", s.Name, term.Styles.Muted.Render(s.URL)))
		} else {
			term.Error(fmt.Sprintf("%s  %s", s.Name, s.Message))
		}
	}

	var lines []string
	for _, s := range report.Services {
		lines = append(lines, fmt.Sprintf("%-14s %s", s.Name+":", s.URL))
	}
	term.Box("Archon is up", strings.Join(lines, "\n"))

	if !report.AllReady() {
		term.Warning("some services did not pass verification; see archonctl logs")
	}
}

// ======  MockVerifier ======

// MockVerifier is a test double for Verifier.
type MockVerifier struct {
	VerifyFunc func(ctx context.Context, opts VerifyOptions) *VerificationReport

	VerifyCalls []VerifyOptions
}

func (m *MockVerifier) Verify(ctx context.Context, opts VerifyOptions) *VerificationReport {
	m.VerifyCalls = append(m.VerifyCalls, opts)
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, opts)
	}
	return &VerificationReport{Services: []ServiceReport{{Name: "API Server", Ready: true}}}
}
