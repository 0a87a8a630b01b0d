// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Archonctl deploys and manages the Archon stack on a single host:
// a local Supabase database, the Archon services under docker compose,
// and optional telemetry collection.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/archonctl/cmd/archonctl/config"
	"github.com/AleutianAI/archonctl/pkg/logging"
)

// appLogger is shared by all commands, configured in PersistentPreRun
// once the config is loaded.
var appLogger = logging.Default()

func main() {
	defer appLogger.Close()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if err := config.Load(); err != nil {
			appLogger.Error("could not load configuration", "error", err)
			os.Exit(1)
		}
		appLogger = logging.New(logging.Config{
			Service: "archonctl",
			LogDir:  "~/.archon/logs",
		})
	}
}
