// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package container exposes the narrow slice of the Docker Engine API
// the launcher needs: find a container by name pattern, make sure it is
// running, and attach it to a network.
//
// The shared telemetry collector is the reason this package exists. It
// may have been created by another stack on the same host; in that case
// it is reused (started if stopped) and attached to the application
// network instead of being recreated, so both stacks keep feeding the
// same collector.
package container

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// ======  Error Definitions ======

var (
	// ErrDaemonUnavailable is returned when the Docker daemon cannot
	// be reached.
	ErrDaemonUnavailable = errors.New("container daemon unavailable")

	// ErrContainerOp is returned when a container operation fails for
	// a reason other than not-found.
	ErrContainerOp = errors.New("container operation failed")
)

// Info describes a discovered container.
type Info struct {
	ID      string
	Name    string
	Running bool
}

// Client is the container runtime capability the launcher consumes.
//
// # Description
//
// Find resolves a container by name substring and reports nil (not an
// error) when nothing matches, so callers can fall back to documented
// defaults. EnsureRunning and AttachNetwork are idempotent: starting a
// running container and attaching an already-attached container both
// succeed silently.
type Client interface {
	// Ping verifies the daemon is reachable.
	Ping(ctx context.Context) error

	// Find returns the first container whose name contains pattern,
	// or nil if none exists.
	Find(ctx context.Context, pattern string) (*Info, error)

	// EnsureRunning starts the container if it is not already running.
	EnsureRunning(ctx context.Context, id string) error

	// AttachNetwork connects the container to the named network.
	// Already-attached is success.
	AttachNetwork(ctx context.Context, id, networkName string) error
}

var (
	_ Client = (*DockerClient)(nil)
	_ Client = (*MockClient)(nil)
)

// ======  DockerClient ======

// DockerClient implements Client over the Docker Engine API.
type DockerClient struct {
	cli *client.Client
}

// NewDockerClient connects using the environment (DOCKER_HOST etc.)
// with API version negotiation.
func NewDockerClient() (*DockerClient, error) {
	c, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	return &DockerClient{cli: c}, nil
}

func (d *DockerClient) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx, client.PingOptions{}); err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	return nil
}

// Find lists all containers and matches names by substring.
//
// # Limitations
//
//   - Name filters on the Engine API are themselves substring matches,
//     but matching locally keeps the semantics identical for mocked
//     and real clients.
func (d *DockerClient) Find(ctx context.Context, pattern string) (*Info, error) {
	containers, err := d.cli.ContainerList(ctx, client.ContainerListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("%w: list containers: %v", ErrContainerOp, err)
	}

	for _, c := range containers.Items {
		for _, name := range c.Names {
			name = strings.TrimPrefix(name, "/")
			if strings.Contains(name, pattern) {
				return &Info{
					ID:      c.ID,
					Name:    name,
					Running: strings.EqualFold(string(c.State), "running"),
				}, nil
			}
		}
	}
	return nil, nil
}

func (d *DockerClient) EnsureRunning(ctx context.Context, id string) error {
	inspect, err := d.cli.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: container %s not found", ErrContainerOp, id)
		}
		return fmt.Errorf("%w: inspect %s: %v", ErrContainerOp, id, err)
	}
	if inspect.Container.State != nil && inspect.Container.State.Running {
		return nil
	}

	if _, err := d.cli.ContainerStart(ctx, id, client.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("%w: start %s: %v", ErrContainerOp, id, err)
	}
	return nil
}

// AttachNetwork connects the container to networkName. The daemon
// rejects a duplicate attach with a conflict; that is treated as
// success. If the attach fails for another reason, a re-inspect
// decides whether a concurrent attach won the race.
func (d *DockerClient) AttachNetwork(ctx context.Context, id, networkName string) error {
	_, err := d.cli.NetworkConnect(ctx, networkName, client.NetworkConnectOptions{
		Container:      id,
		EndpointConfig: &network.EndpointSettings{},
	})
	if err == nil {
		return nil
	}
	if errdefs.IsConflict(err) || strings.Contains(err.Error(), "already exists in network") {
		return nil
	}

	// Rather than pattern match further error strings, re-check whether
	// the container ended up attached anyway.
	inspect, ierr := d.cli.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if ierr == nil && inspect.Container.NetworkSettings != nil {
		if _, ok := inspect.Container.NetworkSettings.Networks[networkName]; ok {
			return nil
		}
	}
	return fmt.Errorf("%w: attach %s to network %s: %v", ErrContainerOp, id, networkName, err)
}

// ======  MockClient ======

// MockClient is a test double with function fields and recorded calls.
type MockClient struct {
	PingFunc          func(ctx context.Context) error
	FindFunc          func(ctx context.Context, pattern string) (*Info, error)
	EnsureRunningFunc func(ctx context.Context, id string) error
	AttachNetworkFunc func(ctx context.Context, id, networkName string) error

	FindCalls   []string
	StartCalls  []string
	AttachCalls [][2]string
}

func (m *MockClient) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

func (m *MockClient) Find(ctx context.Context, pattern string) (*Info, error) {
	m.FindCalls = append(m.FindCalls, pattern)
	if m.FindFunc != nil {
		return m.FindFunc(ctx, pattern)
	}
	return nil, nil
}

func (m *MockClient) EnsureRunning(ctx context.Context, id string) error {
	m.StartCalls = append(m.StartCalls, id)
	if m.EnsureRunningFunc != nil {
		return m.EnsureRunningFunc(ctx, id)
	}
	return nil
}

func (m *MockClient) AttachNetwork(ctx context.Context, id, networkName string) error {
	m.AttachCalls = append(m.AttachCalls, [2]string{id, networkName})
	if m.AttachNetworkFunc != nil {
		return m.AttachNetworkFunc(ctx, id, networkName)
	}
	return nil
}
