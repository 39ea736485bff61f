// Package store implements the destination-side durable assignment queue,
// the orchestrator's append-only deployment history, and CSV/PDF summary
// export — all using the same write-to-temp-then-rename idiom as
// internal/config.Save, so a crash mid-write never corrupts the file on
// disk.
package store

import (
	"fmt"
	"os"
)

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		return fmt.Errorf("store: write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: rename %s to %s: %w", tmpPath, path, err)
	}
	return nil
}
