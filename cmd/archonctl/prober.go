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
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"
)

// ======  Error Definitions ======

var (
	// ErrProbeTimeout is returned by RequireReady when a probe exhausts
	// its attempts. Stages that must fail fast (database liveness before
	// migrations) surface it; the verification reporter never does.
	ErrProbeTimeout = errors.New("readiness probe exhausted attempts")

	// ErrInvalidProbeTarget is returned for malformed targets.
	ErrInvalidProbeTarget = errors.New("invalid probe target")
)

// maxParallelProbes bounds the verification fan-out.
const maxParallelProbes = 8

// ======  Interface ======

// Prober checks whether targets have become reachable/healthy.
//
// # Description
//
// Probe loops up to MaxAttempts, performing one check per iteration and
// short-circuiting to ready the moment an observed status is in the
// target's acceptable set; otherwise it sleeps the fixed delay and
// retries. The same primitive serves the provisioner (waiting for the
// data API), the migration sequencer (database port liveness, tracking
// table existence), and the verification reporter (service health
// endpoints); only the targets differ.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; ProbeAll runs
// probes in parallel.
type Prober interface {
	// Probe runs one bounded-retry readiness check. The returned
	// result is never nil. A cancelled context ends the loop early
	// with the attempts consumed so far.
	Probe(ctx context.Context, target ProbeTarget) *ProbeResult

	// ProbeAll probes every target in parallel and returns results in
	// target order.
	ProbeAll(ctx context.Context, targets []ProbeTarget) []*ProbeResult
}

var (
	_ Prober = (*DefaultProber)(nil)
	_ Prober = (*MockProber)(nil)
)

// ======  DefaultProber ======

// proberHTTPClient abstracts http.Client for testing.
type proberHTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultProber implements Prober over net/http and net.Dialer.
type DefaultProber struct {
	httpClient proberHTTPClient
	dial       func(ctx context.Context, addr string) error
}

// NewDefaultProber returns a prober with a 5-second per-attempt HTTP
// timeout and no redirect following (a redirect's own status is the
// observation).
func NewDefaultProber() *DefaultProber {
	client := &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return NewDefaultProberWithClient(client)
}

// NewDefaultProberWithClient injects the HTTP client, for tests.
func NewDefaultProberWithClient(client proberHTTPClient) *DefaultProber {
	return &DefaultProber{
		httpClient: client,
		dial: func(ctx context.Context, addr string) error {
			d := net.Dialer{Timeout: 3 * time.Second}
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			return conn.Close()
		},
	}
}

// Probe runs the bounded-retry loop for one target.
func (p *DefaultProber) Probe(ctx context.Context, target ProbeTarget) *ProbeResult {
	target = target.normalized()
	start := time.Now()
	result := &ProbeResult{ID: target.ID, Name: target.Name}

	if err := validateTarget(target); err != nil {
		result.State = ProbeError
		result.Message = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	sawStatus := false
	lastMessage := ""

	for attempt := 1; attempt <= target.MaxAttempts; attempt++ {
		result.Attempts = attempt

		status, err := p.check(ctx, target)
		if err == nil {
			sawStatus = status > 0 || target.Kind == ProbeTCP
			result.LastStatus = status
			if target.Kind == ProbeTCP || target.accepts(status) {
				result.State = ProbeReady
				result.Message = readyMessage(target, status)
				result.Duration = time.Since(start)
				return result
			}
			lastMessage = fmt.Sprintf("status %d not in acceptable set", status)
		} else {
			lastMessage = err.Error()
		}

		if ctx.Err() != nil {
			break
		}
		if attempt < target.MaxAttempts {
			if !sleepWithContext(ctx, target.Delay) {
				break
			}
		}
	}

	if sawStatus {
		result.State = ProbeNotReady
	} else {
		result.State = ProbeError
	}
	result.Message = lastMessage
	result.Duration = time.Since(start)
	return result
}

// ProbeAll fans out probes with bounded parallelism, each writing into
// its own result slot. There is no per-probe ordering guarantee, only
// that every slot is filled before return.
func (p *DefaultProber) ProbeAll(ctx context.Context, targets []ProbeTarget) []*ProbeResult {
	results := make([]*ProbeResult, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelProbes)
	for i, target := range targets {
		g.Go(func() error {
			results[i] = p.Probe(gctx, target)
			return nil
		})
	}
	// Workers never return errors; Wait is for completion only.
	_ = g.Wait()
	return results
}

// check performs a single attempt and returns the observed status
// (0 for TCP) or a transport-level error.
func (p *DefaultProber) check(ctx context.Context, target ProbeTarget) (int, error) {
	switch target.Kind {
	case ProbeTCP:
		return 0, p.dial(ctx, target.Addr)
	default:
		req, err := http.NewRequestWithContext(ctx, target.Method, target.URL, nil)
		if err != nil {
			return 0, err
		}
		for k, v := range target.Header {
			req.Header.Set(k, v)
		}
		resp, err := p.httpClient.Do(req)
		if err != nil {
			return 0, err
		}
		// Drain so the transport can reuse the connection.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return resp.StatusCode, nil
	}
}

func validateTarget(target ProbeTarget) error {
	switch target.Kind {
	case ProbeTCP:
		if target.Addr == "" {
			return fmt.Errorf("%w: tcp target missing address", ErrInvalidProbeTarget)
		}
	case ProbeHTTP, "":
		u, err := url.Parse(target.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: bad URL %q", ErrInvalidProbeTarget, target.URL)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidProbeTarget, target.Kind)
	}
	return nil
}

func readyMessage(target ProbeTarget, status int) string {
	if target.Kind == ProbeTCP {
		return "tcp connect ok"
	}
	return fmt.Sprintf("status %d", status)
}

// RequireReady converts a non-ready result into a fail-fast error.
func RequireReady(result *ProbeResult) error {
	if result.Ready() {
		return nil
	}
	return fmt.Errorf("%w: %s after %d attempts: %s",
		ErrProbeTimeout, result.Name, result.Attempts, result.Message)
}

// sleepWithContext sleeps for d, returning false if the context was
// cancelled first.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// ======  MockProber ======

// MockProber is a test double for Prober.
type MockProber struct {
	ProbeFunc    func(ctx context.Context, target ProbeTarget) *ProbeResult
	ProbeAllFunc func(ctx context.Context, targets []ProbeTarget) []*ProbeResult

	ProbeCalls []ProbeTarget
}

func (m *MockProber) Probe(ctx context.Context, target ProbeTarget) *ProbeResult {
	m.ProbeCalls = append(m.ProbeCalls, target)
	if m.ProbeFunc != nil {
		return m.ProbeFunc(ctx, target)
	}
	return &ProbeResult{ID: target.ID, Name: target.Name, State: ProbeReady, Attempts: 1}
}

func (m *MockProber) ProbeAll(ctx context.Context, targets []ProbeTarget) []*ProbeResult {
	if m.ProbeAllFunc != nil {
		return m.ProbeAllFunc(ctx, targets)
	}
	results := make([]*ProbeResult, len(targets))
	for i, t := range targets {
		results[i] = m.Probe(ctx, t)
	}
	return results
}
