package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/stillframe/shoebox/internal/faults"
	"github.com/stillframe/shoebox/internal/media"
)

// dirMode is the permission for created data directories.
const dirMode = 0o755

// sentinelMode is the permission for the write-test file.
const sentinelMode = 0o600

// ensureDirs verifies the photo root exists and creates the owned data
// directories, proving each accepts writes before anything opens inside.
func (a *App) ensureDirs() error {
	info, err := os.Stat(a.cfg.PhotosDir)
	if err != nil {
		return faults.Wrap(faults.KindValidation, "", "photo root", err)
	}

	if !info.IsDir() {
		return faults.Newf(faults.KindValidation, "", "photo root %s is not a directory", a.cfg.PhotosDir)
	}

	dirs := []string{
		a.cfg.DataDir,
		a.cfg.DBDir(),
		a.cfg.ThumbsRoot(),
		a.cfg.HLSRoot(),
		a.cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}

		if err := verifyWritable(dir); err != nil {
			return err
		}
	}

	return nil
}

// verifyWritable proves dir accepts writes by creating and removing the
// sentinel file the indexer knows to skip.
func verifyWritable(dir string) error {
	sentinel := filepath.Join(dir, media.SentinelName)

	if err := os.WriteFile(sentinel, []byte("ok"), sentinelMode); err != nil {
		return fmt.Errorf("directory %s not writable: %w", dir, err)
	}

	if err := os.Remove(sentinel); err != nil {
		return fmt.Errorf("remove sentinel in %s: %w", dir, err)
	}

	return nil
}
