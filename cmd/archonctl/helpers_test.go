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
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/archonctl/cmd/archonctl/internal/envfile"
	"github.com/AleutianAI/archonctl/pkg/logging"
)

// testLogger returns a logger that stays out of test output.
func testLogger() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

// testEnvStore creates an env store on a fresh temp file.
func testEnvStore(t *testing.T) *envfile.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	return envfile.NewStore(path)
}
