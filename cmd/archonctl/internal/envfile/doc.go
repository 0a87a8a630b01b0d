// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package envfile reconciles flat KEY=VALUE configuration files.
//
// The stack's runtime configuration lives in a single .env file that is
// edited both by users and by archonctl. Every mutation here follows the
// same discipline: read the whole file, rewrite the affected line, and
// atomically replace the file, so a crash mid-write never leaves a
// half-written config behind.
//
// Three mutation semantics are provided:
//
//   - SetAlways: overwrite unconditionally (runtime-derived values such
//     as discovered container endpoints).
//   - SetIfAbsent: leave user edits alone. A key that exists with an
//     empty value counts as absent and is repopulated; previously
//     blanked keys come back on the next run.
//   - MergeUniqueList: treat the value as a comma-separated set and
//     append only genuinely new items, preserving first-seen order.
//
// Unrelated lines, comments, and blank lines are preserved verbatim.
// Pre-existing keys keep their relative order; new keys append at the
// end of the file.
package envfile
