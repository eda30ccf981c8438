// Package persist stores JSON documents on disk inside a versioned
// envelope:
//
//	{"version": 1, "data": ...}
//
// Every Save rewrites the whole file through a temp file that is synced,
// re-read for validation, and renamed over the target. A crash at any point
// leaves either the old or the new file, never a partial one.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const CurrentVersion = 1

type envelope[T any] struct {
	Version int `json:"version"`
	Data    T   `json:"data"`
}

// Load reads path into a T. found is false when the file does not exist.
func Load[T any](path string) (data T, found bool, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, false, nil
		}
		return data, false, fmt.Errorf("read %s: %w", path, err)
	}

	var env envelope[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		return data, false, fmt.Errorf("parse %s: %w", path, err)
	}
	if env.Version == 0 {
		return data, false, fmt.Errorf("%s: missing envelope version", path)
	}
	if env.Version > CurrentVersion {
		return data, false, fmt.Errorf("%s: version %d is newer than supported version %d", path, env.Version, CurrentVersion)
	}
	return env.Data, true, nil
}

// Save atomically replaces path with data.
func Save[T any](path string, data T) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	raw, err := json.MarshalIndent(envelope[T]{Version: CurrentVersion, Data: data}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { os.Remove(tmpPath) }

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	// Credentials may be stored; keep the file private.
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}

	check, err := os.ReadFile(tmpPath)
	if err != nil {
		cleanup()
		return fmt.Errorf("read-back temp file: %w", err)
	}
	var verify envelope[json.RawMessage]
	if err := json.Unmarshal(check, &verify); err != nil {
		cleanup()
		return fmt.Errorf("round-trip validation failed: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	syncDir(dir)
	return nil
}

// syncDir flushes the rename. Not every platform supports fsync on a
// directory, so errors are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
