// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// TestDefaultConfig verifies the first-run defaults carry the
// documented ports, names, and runner command.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "archon", cfg.Stack.ProjectName)
	assert.Equal(t, "docker-compose.yml", cfg.Stack.ComposeFile)
	assert.Equal(t, ".env", cfg.Stack.EnvFile)
	assert.Equal(t, ".env.example", cfg.Stack.EnvTemplate)
	assert.Equal(t, "archon_app-network", cfg.Stack.Network)

	assert.Equal(t, 54322, cfg.Database.DBPort)
	assert.Equal(t, "postgres", cfg.Database.DBUser)
	assert.Equal(t, "postgres", cfg.Database.DBName)
	assert.Equal(t, "supabase_kong_", cfg.Database.KongPattern)

	assert.Equal(t, []string{"python3", "run_migrations.py"}, cfg.Migrations.Runner)

	assert.Equal(t, "localhost", cfg.Defaults.Host)
	assert.Equal(t, "none", cfg.Defaults.Observability)
	assert.True(t, cfg.Defaults.Agents)
	assert.False(t, cfg.Defaults.SinglePort)
}

// TestConfig_YAMLRoundTrip verifies the yaml tags match the struct.
func TestConfig_YAMLRoundTrip(t *testing.T) {
	in := DefaultConfig()
	in.Defaults.Observability = "compose"
	in.Database.DBPort = 6543

	data, err := yaml.Marshal(in)
	require.NoError(t, err)

	var out ArchonConfig
	require.NoError(t, yaml.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

// TestConfig_PartialOverride verifies a partial file only overrides the
// keys it names when unmarshalled over defaults.
func TestConfig_PartialOverride(t *testing.T) {
	cfg := DefaultConfig()
	partial := "database:\n  db_port: 15432\n"

	require.NoError(t, yaml.Unmarshal([]byte(partial), &cfg))
	assert.Equal(t, 15432, cfg.Database.DBPort)
	assert.Equal(t, "postgres", cfg.Database.DBUser)
	assert.Equal(t, "archon", cfg.Stack.ProjectName)
}
