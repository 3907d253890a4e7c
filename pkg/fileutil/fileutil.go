// Package fileutil provides crash-tolerant file replacement: tmp+mv writes
// and swapping shadow region files over their originals.
package fileutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/eunmann/worldup/pkg/logging"
)

// ShadowSuffix is appended to a storage folder to name its shadow folder.
const ShadowSuffix = "_new"

// Exists returns true if the file exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ShadowDir returns the shadow folder for a storage folder.
func ShadowDir(dir string) string {
	return filepath.Clean(dir) + ShadowSuffix
}

// ReplaceWithShadow moves shadowPath over originalPath. The shadow file is
// synced first and the parent directory afterwards, so after a crash the
// original path holds either the old or the new file in full.
func ReplaceWithShadow(originalPath, shadowPath string) error {
	if err := syncFile(shadowPath); err != nil {
		return fmt.Errorf("sync shadow file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(originalPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	if err := os.Rename(shadowPath, originalPath); err != nil {
		// Some platforms refuse to rename over an existing file.
		if rmErr := os.Remove(originalPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return fmt.Errorf("remove original: %w", rmErr)
		}
		if err := os.Rename(shadowPath, originalPath); err != nil {
			return fmt.Errorf("move shadow into place: %w", err)
		}
	}

	if err := syncDir(filepath.Dir(originalPath)); err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}
	return nil
}

// WriteTmpThenMove writes to a temporary file then atomically moves it to the final path.
// The writeFunc receives the temporary path and should write the complete file.
func WriteTmpThenMove(outPath string, writeFunc func(tmpPath string) error) error {
	outDir := filepath.Dir(outPath)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmpPath := outPath + ".tmp"
	if err := writeFunc(tmpPath); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := syncFile(tmpPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp to final: %w", err)
	}
	return nil
}

// CleanupStale removes leftovers of an interrupted run: every file in a
// shadow folder and every .tmp file directly inside dir. A missing folder is
// not an error.
func CleanupStale(dir string) (int, error) {
	log := logging.L()
	var removed int

	shadow := ShadowDir(dir)
	entries, err := os.ReadDir(shadow)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return removed, fmt.Errorf("read shadow dir: %w", err)
	default:
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if rmErr := os.Remove(filepath.Join(shadow, e.Name())); rmErr == nil {
				removed++
			}
		}
		if err := RemoveDirIfEmpty(shadow); err != nil {
			return removed, err
		}
	}

	tmps, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if err != nil {
		return removed, fmt.Errorf("glob tmp files: %w", err)
	}
	for _, p := range tmps {
		if rmErr := os.Remove(p); rmErr == nil {
			removed++
		}
	}

	if removed > 0 {
		log.Info().Int("files_removed", removed).Str("dir", dir).Msg("removed leftovers of an interrupted run")
	}
	return removed, nil
}

// RemoveDirIfEmpty removes dir when it exists and holds no entries.
func RemoveDirIfEmpty(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read dir: %w", err)
	}
	if len(entries) > 0 {
		return nil
	}
	if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove dir: %w", err)
	}
	return nil
}

// syncFile opens, syncs, and closes a file.
func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	err = f.Sync()
	f.Close()
	return err
}

// syncDir flushes directory entries. Sync errors are ignored since not
// every platform can sync a directory handle.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	_ = d.Sync()
	return d.Close()
}
