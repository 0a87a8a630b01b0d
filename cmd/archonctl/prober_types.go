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
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// ======  Probe Types ======

// ProbeKind selects how a target is checked.
type ProbeKind string

const (
	// ProbeHTTP performs an HTTP request and matches the status code
	// against the target's acceptable set.
	ProbeHTTP ProbeKind = "http"

	// ProbeTCP attempts a plain TCP connection. Any successful dial
	// counts as ready. Used for database liveness, where the port
	// accepting connections is the readiness signal.
	ProbeTCP ProbeKind = "tcp"
)

// ProbeState is the outcome of one probe call.
type ProbeState string

const (
	// ProbeReady means an attempt's observed status was acceptable.
	ProbeReady ProbeState = "ready"

	// ProbeNotReady means every attempt completed but none matched
	// the acceptable set.
	ProbeNotReady ProbeState = "not-ready"

	// ProbeError means every attempt raised a transport-level fault
	// (connection refused, DNS failure) rather than a non-matching
	// status.
	ProbeError ProbeState = "error"
)

// Default probe pacing. Services come up asynchronously after compose
// returns; a minute of fixed-interval retries covers cold image starts
// on modest hardware.
const (
	DefaultProbeAttempts = 30
	DefaultProbeDelay    = 2 * time.Second
)

// ProbeTarget describes one readiness check.
//
// # Description
//
// The acceptable-status set is a parameter, not a constant: most
// services are ready on 200, but a service whose bare health path 404s
// by design must still count as ready, and the database's data API
// answers 401 to unauthenticated callers while fully up.
type ProbeTarget struct {
	// ID uniquely identifies this probe for logging. Generated if empty.
	ID string

	// Name is the human-readable service name used in reports.
	Name string

	Kind ProbeKind

	// URL is the endpoint for ProbeHTTP targets.
	URL string

	// Addr is the host:port for ProbeTCP targets.
	Addr string

	// Method defaults to GET.
	Method string

	// Header entries are added to HTTP probe requests (e.g. apikey).
	Header map[string]string

	// Acceptable lists the HTTP status codes that count as ready.
	// Ignored for TCP targets. Empty means {200}.
	Acceptable []int

	// MaxAttempts bounds the retry loop. Zero means DefaultProbeAttempts.
	MaxAttempts int

	// Delay is the fixed sleep between attempts. Zero means
	// DefaultProbeDelay.
	Delay time.Duration
}

// normalized returns a copy with defaults applied.
func (t ProbeTarget) normalized() ProbeTarget {
	if t.ID == "" {
		t.ID = GenerateID()
	}
	if t.Method == "" {
		t.Method = "GET"
	}
	if len(t.Acceptable) == 0 {
		t.Acceptable = []int{200}
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = DefaultProbeAttempts
	}
	if t.Delay <= 0 {
		t.Delay = DefaultProbeDelay
	}
	return t
}

// accepts reports whether status is in the acceptable set.
func (t ProbeTarget) accepts(status int) bool {
	for _, s := range t.Acceptable {
		if s == status {
			return true
		}
	}
	return false
}

// ProbeResult carries the outcome of a probe call.
//
// Results are created fresh per call, consumed immediately, and never
// persisted.
type ProbeResult struct {
	ID   string
	Name string

	State ProbeState

	// Attempts is the number of checks actually performed.
	Attempts int

	// LastStatus is the last observed HTTP status, 0 if none was seen.
	LastStatus int

	// Message describes the final attempt's observation.
	Message string

	// Duration is wall-clock time spent probing.
	Duration time.Duration
}

// Ready reports whether the probe concluded ready.
func (r *ProbeResult) Ready() bool {
	return r != nil && r.State == ProbeReady
}

// GenerateID returns a random 16-character hex identifier.
func GenerateID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
