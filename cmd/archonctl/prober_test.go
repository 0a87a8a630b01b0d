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
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// mockProbeHTTPClient implements proberHTTPClient for probe tests.
type mockProbeHTTPClient struct {
	DoFunc func(*http.Request) (*http.Response, error)
	calls  int32
}

func (m *mockProbeHTTPClient) Do(req *http.Request) (*http.Response, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.DoFunc != nil {
		return m.DoFunc(req)
	}
	return probeResponse(200), nil
}

func probeResponse(status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

func fastTarget(acceptable ...int) ProbeTarget {
	return ProbeTarget{
		Name:        "TestService",
		Kind:        ProbeHTTP,
		URL:         "http://localhost:8181/health",
		Acceptable:  acceptable,
		MaxAttempts: 3,
		Delay:       time.Millisecond,
	}
}

// TestDefaultProber_ReadyFirstAttempt verifies short-circuit on the
// first acceptable status with exactly one check performed.
func TestDefaultProber_ReadyFirstAttempt(t *testing.T) {
	client := &mockProbeHTTPClient{}
	p := NewDefaultProberWithClient(client)

	result := p.Probe(context.Background(), fastTarget(200))

	if result.State != ProbeReady {
		t.Fatalf("expected ready, got %s (%s)", result.State, result.Message)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
	if result.LastStatus != 200 {
		t.Errorf("expected last status 200, got %d", result.LastStatus)
	}
	if result.ID == "" {
		t.Error("expected generated probe ID")
	}
}

// TestDefaultProber_404AcceptableIsReady verifies a service whose bare
// health path 404s by design counts as ready on the first attempt.
func TestDefaultProber_404AcceptableIsReady(t *testing.T) {
	client := &mockProbeHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			return probeResponse(404), nil
		},
	}
	p := NewDefaultProberWithClient(client)

	result := p.Probe(context.Background(), fastTarget(200, 404))

	if result.State != ProbeReady {
		t.Fatalf("expected ready, got %s", result.State)
	}
	if result.Attempts != 1 {
		t.Errorf("expected first-attempt ready, got %d attempts", result.Attempts)
	}
}

// TestDefaultProber_NotReadyAfterMaxAttempts verifies the attempt bound
// holds and a seen-but-unacceptable status reports not-ready.
func TestDefaultProber_NotReadyAfterMaxAttempts(t *testing.T) {
	client := &mockProbeHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			return probeResponse(503), nil
		},
	}
	p := NewDefaultProberWithClient(client)

	result := p.Probe(context.Background(), fastTarget(200))

	if result.State != ProbeNotReady {
		t.Fatalf("expected not-ready, got %s", result.State)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
	if got := atomic.LoadInt32(&client.calls); got != 3 {
		t.Errorf("expected exactly 3 checks, got %d", got)
	}
}

// TestDefaultProber_TransportFaultsAreError verifies all-transport-
// fault runs report error, distinct from not-ready.
func TestDefaultProber_TransportFaultsAreError(t *testing.T) {
	client := &mockProbeHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		},
	}
	p := NewDefaultProberWithClient(client)

	result := p.Probe(context.Background(), fastTarget(200))

	if result.State != ProbeError {
		t.Fatalf("expected error state, got %s", result.State)
	}
	if !strings.Contains(result.Message, "connection refused") {
		t.Errorf("expected transport message, got %q", result.Message)
	}
}

// TestDefaultProber_RecoversMidRun verifies a target that starts
// failing and then comes up reports ready without consuming the bound.
func TestDefaultProber_RecoversMidRun(t *testing.T) {
	var n int32
	client := &mockProbeHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			if atomic.AddInt32(&n, 1) < 3 {
				return nil, errors.New("connection refused")
			}
			return probeResponse(200), nil
		},
	}
	p := NewDefaultProberWithClient(client)

	target := fastTarget(200)
	target.MaxAttempts = 10
	result := p.Probe(context.Background(), target)

	if result.State != ProbeReady {
		t.Fatalf("expected ready, got %s (%s)", result.State, result.Message)
	}
	if result.Attempts != 3 {
		t.Errorf("expected ready on attempt 3, got %d", result.Attempts)
	}
}

// TestDefaultProber_ContextCancel verifies cancellation ends the loop
// before the attempt bound.
func TestDefaultProber_ContextCancel(t *testing.T) {
	client := &mockProbeHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			return probeResponse(503), nil
		},
	}
	p := NewDefaultProberWithClient(client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	target := fastTarget(200)
	target.MaxAttempts = 50
	target.Delay = time.Second
	result := p.Probe(ctx, target)

	if result.Attempts >= 50 {
		t.Errorf("expected early exit, consumed %d attempts", result.Attempts)
	}
	if result.State == ProbeReady {
		t.Error("cancelled probe must not report ready")
	}
}

// TestDefaultProber_TCP verifies TCP liveness against a real listener
// and the error state when nothing listens.
func TestDefaultProber_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	p := NewDefaultProber()
	result := p.Probe(context.Background(), ProbeTarget{
		Name:        "postgres",
		Kind:        ProbeTCP,
		Addr:        ln.Addr().String(),
		MaxAttempts: 2,
		Delay:       time.Millisecond,
	})
	if result.State != ProbeReady {
		t.Fatalf("expected ready on live listener, got %s (%s)", result.State, result.Message)
	}

	ln.Close()
	result = p.Probe(context.Background(), ProbeTarget{
		Name:        "postgres",
		Kind:        ProbeTCP,
		Addr:        ln.Addr().String(),
		MaxAttempts: 2,
		Delay:       time.Millisecond,
	})
	if result.State != ProbeError {
		t.Fatalf("expected error on closed listener, got %s", result.State)
	}
}

// TestDefaultProber_InvalidTarget verifies malformed targets fail
// immediately without attempts.
func TestDefaultProber_InvalidTarget(t *testing.T) {
	p := NewDefaultProberWithClient(&mockProbeHTTPClient{})

	result := p.Probe(context.Background(), ProbeTarget{Name: "bad", URL: "ftp://x"})
	if result.State != ProbeError {
		t.Fatalf("expected error state, got %s", result.State)
	}
	if result.Attempts != 0 {
		t.Errorf("expected no attempts for invalid target, got %d", result.Attempts)
	}
}

// TestDefaultProber_ProbeAll verifies indexed result slots and that a
// failing probe does not suppress the others.
func TestDefaultProber_ProbeAll(t *testing.T) {
	client := &mockProbeHTTPClient{
		DoFunc: func(req *http.Request) (*http.Response, error) {
			if strings.Contains(req.URL.Path, "bad") {
				return probeResponse(500), nil
			}
			return probeResponse(200), nil
		},
	}
	p := NewDefaultProberWithClient(client)

	targets := []ProbeTarget{
		fastTarget(200),
		{Name: "Bad", Kind: ProbeHTTP, URL: "http://localhost:9/bad", Acceptable: []int{200}, MaxAttempts: 2, Delay: time.Millisecond},
		fastTarget(200),
	}
	results := p.ProbeAll(context.Background(), targets)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !results[0].Ready() || !results[2].Ready() {
		t.Error("expected outer probes ready")
	}
	if results[1].State != ProbeNotReady {
		t.Errorf("expected middle probe not-ready, got %s", results[1].State)
	}
	if results[1].Name != "Bad" {
		t.Errorf("result slot order broken: %+v", results[1])
	}
}

// TestRequireReady verifies fail-fast conversion wraps ErrProbeTimeout.
func TestRequireReady(t *testing.T) {
	if err := RequireReady(&ProbeResult{State: ProbeReady}); err != nil {
		t.Errorf("expected nil for ready result, got: %v", err)
	}

	err := RequireReady(&ProbeResult{Name: "postgres", State: ProbeNotReady, Attempts: 30, Message: "status 503"})
	if !errors.Is(err, ErrProbeTimeout) {
		t.Fatalf("expected ErrProbeTimeout, got: %v", err)
	}
	if !strings.Contains(err.Error(), "postgres") {
		t.Errorf("expected service name in error, got: %v", err)
	}
}
