// Package persist provides the atomic temp+rename JSON write shared by
// every HomeRoute component that keeps its state as a single JSON file
// on disk (the applications registry, hosts.json, routes.json). The
// teacher writes state files directly with os.WriteFile
// (pkg/config/config.go's Save); spec.md §3 requires atomicity, so this
// package adds the missing temp+rename step on top of that pattern.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteJSON marshals v and writes it to path atomically: the encoded
// bytes land in a sibling temp file first, which is then renamed over
// path. A reader can never observe a partially written file.
func WriteJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("persist: mkdir %s: %w", dir, err)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("persist: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("persist: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("persist: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persist: close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("persist: chmod temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("persist: rename: %w", err)
	}
	return nil
}

// ReadJSON unmarshals the JSON file at path into v. A missing file is
// reported via the returned error (callers distinguish "not yet
// created" with os.IsNotExist).
func ReadJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("persist: unmarshal %s: %w", path, err)
	}
	return nil
}
