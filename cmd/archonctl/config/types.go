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
	"os"
	"path/filepath"
)

// ArchonConfig is the archonctl configuration persisted at
// ~/.archon/archonctl.yaml.
type ArchonConfig struct {
	// Stack: where the compose project lives and how it is named.
	Stack StackConfig `yaml:"stack"`

	// Database: the local Supabase project and its published ports.
	Database DatabaseConfig `yaml:"database"`

	// Migrations: artifact staging and runner invocation.
	Migrations MigrationsConfig `yaml:"migrations"`

	// Defaults: flag defaults applied when the CLI flag is not given.
	Defaults DefaultsConfig `yaml:"defaults"`
}

type StackConfig struct {
	Dir         string `yaml:"dir"`          // compose project directory
	ProjectName string `yaml:"project_name"` // docker compose --project-name
	ComposeFile string `yaml:"compose_file"` // relative to Dir
	EnvFile     string `yaml:"env_file"`     // relative to Dir
	EnvTemplate string `yaml:"env_template"` // relative to Dir
	Network     string `yaml:"network"`      // app network for collector attach
}

type DatabaseConfig struct {
	// ProjectDir holds the supabase project (the supabase/ marker
	// directory lives under it).
	ProjectDir string `yaml:"project_dir"`

	// DBPort is the host-published Postgres port.
	DBPort int `yaml:"db_port"`

	DBUser string `yaml:"db_user"`
	DBName string `yaml:"db_name"`

	// KongPattern matches the API gateway container name; its name
	// becomes the container-network-facing base URL.
	KongPattern string `yaml:"kong_pattern"`
}

type MigrationsConfig struct {
	// SourceDir is the canonical migration artifact set.
	SourceDir string `yaml:"source_dir"`

	// RuntimeDir is where artifacts are staged before each run.
	RuntimeDir string `yaml:"runtime_dir"`

	// Runner is the command that applies migrations, e.g.
	// ["python3", "run_migrations.py"]. It must be idempotent and
	// exit non-zero on any unrecoverable SQL error.
	Runner []string `yaml:"runner"`
}

type DefaultsConfig struct {
	Host          string `yaml:"host"`
	Observability string `yaml:"observability"` // compose, script, or none
	Agents        bool   `yaml:"agents"`
	SinglePort    bool   `yaml:"single_port"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() ArchonConfig {
	stackDir := "."
	if home, err := os.UserHomeDir(); err == nil {
		stackDir = filepath.Join(home, ".archon", "stack")
	}
	return ArchonConfig{
		Stack: StackConfig{
			Dir:         stackDir,
			ProjectName: "archon",
			ComposeFile: "docker-compose.yml",
			EnvFile:     ".env",
			EnvTemplate: ".env.example",
			Network:     "archon_app-network",
		},
		Database: DatabaseConfig{
			ProjectDir:  stackDir,
			DBPort:      54322,
			DBUser:      "postgres",
			DBName:      "postgres",
			KongPattern: "supabase_kong_",
		},
		Migrations: MigrationsConfig{
			SourceDir:  filepath.Join(stackDir, "migration"),
			RuntimeDir: filepath.Join(stackDir, "python", "migration"),
			Runner:     []string{"python3", "run_migrations.py"},
		},
		Defaults: DefaultsConfig{
			Host:          "localhost",
			Observability: "none",
			Agents:        true,
			SinglePort:    false,
		},
	}
}
