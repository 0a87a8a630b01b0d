// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package process wraps external command execution behind an interface.
//
// Every external binary archonctl drives (supabase, docker compose, the
// migration runner) goes through Runner so command construction can be
// tested without touching the host. DefaultRunner executes for real;
// MockRunner records calls and plays back scripted results.
package process
