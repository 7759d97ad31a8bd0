// Package cleanup removes leftovers that interrupted runs strand on
// disk.
package cleanup

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/DavideF99/Multithread-file-downloader/internal/logctx"
)

// RemoveOrphanedChunkDirs deletes chunk assembly directories under
// root that have not been touched for longer than keepFor. A directory
// still being written by a live transfer keeps a fresh mod time and is
// left alone. Returns the number of directories removed; unreadable
// entries are logged and skipped.
func RemoveOrphanedChunkDirs(ctx context.Context, root, suffix string, keepFor time.Duration) int {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	removed := 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			logger.Warn("failed to inspect path during cleanup", "path", path, "err", err)

			return nil
		}

		if !d.IsDir() || !strings.HasSuffix(path, suffix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			logger.Warn("failed to stat chunk directory", "path", path, "err", err)

			return fs.SkipDir
		}

		if now.Sub(info.ModTime()) <= keepFor {
			return fs.SkipDir
		}

		if err := os.RemoveAll(path); err != nil {
			logger.Warn("failed to remove orphaned chunk directory", "path", path, "err", err)

			return fs.SkipDir
		}

		logger.Info("removed orphaned chunk directory", "path", path)
		removed++

		return fs.SkipDir
	})
	if err != nil && !os.IsNotExist(err) {
		logger.Warn("cleanup walk ended early", "root", root, "err", err)
	}

	return removed
}
