// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package envfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ======  Error Definitions ======

var (
	// ErrConfig is returned when the config file cannot be read, written,
	// or a required key is malformed. Config errors are fatal; callers do
	// not retry them.
	ErrConfig = errors.New("config error")

	// ErrInvalidKey is returned when a key is not a valid POSIX
	// environment variable name.
	ErrInvalidKey = errors.New("invalid environment variable key")
)

// keyPattern validates POSIX environment variable names.
var keyPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// sensitiveKeyFragments marks keys whose values must never be logged.
var sensitiveKeyFragments = []string{
	"KEY", "SECRET", "TOKEN", "PASSWORD", "CREDENTIAL", "PASS",
}

// ======  Store ======

// Store reconciles a single KEY=VALUE configuration file.
//
// # Description
//
// Store is a thin handle around one file path. It carries no cached
// state: every operation re-reads the file so concurrent external edits
// between operations are observed rather than clobbered. Mutations go
// through an atomic whole-file replace (temp file + rename in the same
// directory).
//
// # Thread Safety
//
// Store itself is stateless and safe to share. The pipeline that uses it
// is sequential by construction; there is no cross-process locking.
type Store struct {
	path string
}

// NewStore returns a Store bound to path. The file does not need to
// exist yet; use EnsureFile to seed it from a template.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the file path this store operates on.
func (s *Store) Path() string {
	return s.path
}

// EnsureFile guarantees the store's file exists.
//
// # Description
//
// If the file is already present this is a no-op. Otherwise the template
// is copied byte-for-byte and created=true is returned so callers can
// tell a first run apart from a reconciliation run.
//
// # Inputs
//
//   - templatePath: file copied when the target is missing.
//
// # Outputs
//
//   - created: true if the file was created from the template.
//   - error: wraps ErrConfig if neither file exists or the copy fails.
func (s *Store) EnsureFile(templatePath string) (bool, error) {
	if _, err := os.Stat(s.path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("%w: stat %s: %v", ErrConfig, s.path, err)
	}

	src, err := os.Open(templatePath)
	if err != nil {
		return false, fmt.Errorf("%w: template %s: %v", ErrConfig, templatePath, err)
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return false, fmt.Errorf("%w: read template %s: %v", ErrConfig, templatePath, err)
	}
	if err := s.writeAtomic(data); err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the literal value stored for key.
//
// # Description
//
// The value is returned exactly as persisted: surrounding quotes and
// interior whitespace are not stripped. The second return distinguishes
// "key exists with empty value" (ok=true, value="") from "key missing"
// (ok=false). SetIfAbsent deliberately collapses the two, but other
// callers need the distinction.
func (s *Store) Get(key string) (string, bool, error) {
	if !keyPattern.MatchString(key) {
		return "", false, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	lines, err := s.readLines()
	if err != nil {
		return "", false, err
	}
	for _, line := range lines {
		if k, v, ok := splitPair(line); ok && k == key {
			return v, true, nil
		}
	}
	return "", false, nil
}

// SetAlways writes key=value unconditionally.
//
// # Description
//
// If the key exists its line is rewritten in place, leaving the total
// line count and the relative order of every other line untouched. If
// the key is missing, key=value is appended as a new final line. Used
// for values derived at runtime (discovered endpoints, credentials)
// where the previous value is by definition stale.
func (s *Store) SetAlways(key, value string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	lines, err := s.readLines()
	if err != nil {
		return err
	}

	replaced := false
	for i, line := range lines {
		if k, _, ok := splitPair(line); ok && k == key {
			lines[i] = key + "=" + value
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, key+"="+value)
	}
	return s.writeLines(lines)
}

// SetIfAbsent writes key=value only when the key is effectively unset.
//
// # Description
//
// "Effectively unset" means the key is missing OR present with an
// exactly empty value. The empty-value case is intentional: a key a user
// blanked out (or a failed earlier run left empty) is repopulated on the
// next run instead of staying broken. Callers that must not overwrite
// empty values should check Get first.
//
// # Outputs
//
//   - wrote: true if the file was modified.
func (s *Store) SetIfAbsent(key, value string) (bool, error) {
	existing, ok, err := s.Get(key)
	if err != nil {
		return false, err
	}
	if ok && existing != "" {
		return false, nil
	}
	if err := s.SetAlways(key, value); err != nil {
		return false, err
	}
	return true, nil
}

// MergeUniqueList appends item to the comma-separated list stored under
// key, deduplicating while preserving first-seen order.
//
// # Description
//
// The existing value is split on commas and whitespace, deduplicated in
// first-seen order, and item is appended only if non-empty and not
// already present. The result is written back comma-joined. Applying the
// same item twice is a no-op.
//
// # Examples
//
//	// VITE_ALLOWED_HOSTS=10.0.0.5
//	s.MergeUniqueList("VITE_ALLOWED_HOSTS", "app.local")
//	// VITE_ALLOWED_HOSTS=10.0.0.5,app.local
func (s *Store) MergeUniqueList(key, item string) error {
	existing, _, err := s.Get(key)
	if err != nil {
		return err
	}

	items := splitList(existing)
	item = strings.TrimSpace(item)
	if item != "" && !containsString(items, item) {
		items = append(items, item)
	}
	return s.SetAlways(key, strings.Join(items, ","))
}

// Snapshot returns every key=value pair currently in the file. Comments
// and blanks are skipped. Used by diagnostics to check required keys.
func (s *Store) Snapshot() (map[string]string, error) {
	lines, err := s.readLines()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, line := range lines {
		if k, v, ok := splitPair(line); ok {
			out[k] = v
		}
	}
	return out, nil
}

// ======  Helpers ======

// readLines loads the file as a slice of raw lines. A trailing newline
// does not produce a phantom empty final line.
func (s *Store) readLines() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, s.path, err)
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines, nil
}

func (s *Store) writeLines(lines []string) error {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return s.writeAtomic([]byte(b.String()))
}

// writeAtomic replaces the file contents via a temp file and rename.
// The temp file lives in the target directory so the rename stays on
// one filesystem.
func (s *Store) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".env-*")
	if err != nil {
		return fmt.Errorf("%w: temp file in %s: %v", ErrConfig, dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write %s: %v", ErrConfig, tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close %s: %v", ErrConfig, tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: replace %s: %v", ErrConfig, s.path, err)
	}
	return nil
}

// splitPair parses a KEY=VALUE line. Comments, blanks, and lines
// without '=' report ok=false and pass through rewrites untouched.
func splitPair(line string) (key, value string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false
	}
	idx := strings.Index(line, "=")
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	if !keyPattern.MatchString(key) {
		return "", "", false
	}
	return key, line[idx+1:], true
}

// splitList splits a stored list value on commas and whitespace,
// dropping empties and duplicates while keeping first-seen order.
func splitList(value string) []string {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	var out []string
	for _, f := range fields {
		if f != "" && !containsString(out, f) {
			out = append(out, f)
		}
	}
	return out
}

func containsString(items []string, target string) bool {
	for _, it := range items {
		if it == target {
			return true
		}
	}
	return false
}

// Redact masks a value for logging when its key looks sensitive.
func Redact(key, value string) string {
	upper := strings.ToUpper(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(upper, frag) {
			if value == "" {
				return ""
			}
			return "[REDACTED]"
		}
	}
	return value
}
