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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	hostFlag          string
	observabilityFlag string
	agentsFlag        bool
	noAgentsFlag      bool
	singlePortFlag    bool
	noSinglePortFlag  bool
	noVerifyFlag      bool
	noMigrationsFlag  bool
	buildFlag         bool
	removeVolumesFlag bool
	followFlag        bool
	tailFlag          int

	rootCmd = &cobra.Command{
		Use:   "archonctl",
		Short: "A cli to deploy and manage the Archon stack on a single host",
		Long: `Archonctl provisions the local Supabase database, applies schema
				migrations, starts the Archon services with docker compose, and
				verifies the deployment end to end.`,
	}

	// --- Lifecycle ---
	upCmd = &cobra.Command{
		Use:   "up",
		Short: "Provision, migrate, start, and verify the full stack",
		Run:   runUp, // Defined in cmd_stack.go
	}
	restartCmd = &cobra.Command{
		Use:   "restart",
		Short: "Recreate the app containers, preserving volumes and data",
		Run:   runRestart, // Defined in cmd_stack.go
	}
	downCmd = &cobra.Command{
		Use:   "down",
		Short: "Stop and remove the app containers",
		Run:   runDown, // Defined in cmd_stack.go
	}

	// --- Inspection ---
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the state of the stack's containers",
		Run:   runStatus, // Defined in cmd_stack.go
	}
	logsCmd = &cobra.Command{
		Use:   "logs [service...]",
		Short: "Dump or follow service logs",
		Run:   runLogs, // Defined in cmd_stack.go
	}
	doctorCmd = &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose a misbehaving deployment",
		Run:   runDoctor, // Defined in cmd_stack.go
	}

	// --- Database ---
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations without touching the services",
		Run:   runMigrate, // Defined in cmd_stack.go
	}
)

// registerLaunchFlags attaches the shared provisioning flags to a
// lifecycle command.
func registerLaunchFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&hostFlag, "host", "", "Host address services are reachable on (default from config)")
	cmd.Flags().StringVar(&observabilityFlag, "observability", "", "Telemetry mode: compose, script, or none (default from config)")
	cmd.Flags().BoolVar(&agentsFlag, "agents", true, "Start the agents service")
	cmd.Flags().BoolVar(&noAgentsFlag, "no-agents", false, "Do not start the agents service")
	cmd.Flags().BoolVar(&singlePortFlag, "single-port", false, "Serve the API through the frontend's port")
	cmd.Flags().BoolVar(&noSinglePortFlag, "no-single-port", false, "Publish each service on its own port")
	cmd.Flags().BoolVar(&noVerifyFlag, "no-verify", false, "Skip post-launch service verification")
	cmd.Flags().BoolVar(&noMigrationsFlag, "no-migrations", false, "Skip schema migrations")
	cmd.Flags().BoolVar(&buildFlag, "build", false, "Rebuild service images before starting")
}

func init() {
	registerLaunchFlags(upCmd)
	registerLaunchFlags(restartCmd)

	downCmd.Flags().BoolVar(&removeVolumesFlag, "volumes", false, "DANGER: also delete named volumes and their data")
	logsCmd.Flags().BoolVarP(&followFlag, "follow", "f", false, "Stream logs until interrupted")
	logsCmd.Flags().IntVar(&tailFlag, "tail", 0, "Limit each service to the last N lines")

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(migrateCmd)
}
