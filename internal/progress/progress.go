// Package progress persists per-destination transfer state so that an
// interrupted download can resume from its last checkpoint instead of
// starting over.
//
// Each destination path owns exactly one record, stored as JSON under a
// dedicated namespace that mirrors the destination's directory
// structure with a fixed suffix appended:
//
//	downloads/cifar10/data.tar.gz -> .progress/downloads/cifar10/data.tar.gz.progress
//
// Records for different destinations are fully independent; saves never
// take a cross-record lock. A save is a temp-file write followed by a
// single atomic rename, so a reader can never observe a half-written
// record even if the process dies mid-save.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/DavideF99/Multithread-file-downloader/internal/logctx"
)

const (
	// StatusInProgress marks a transfer that has not finished its byte
	// stream yet.
	StatusInProgress = "in_progress"
	// StatusComplete marks a transfer whose byte stream finished and
	// passed the final size check.
	StatusComplete = "complete"
)

const (
	recordSuffix = ".progress"
	tmpSuffix    = ".tmp"
	dirPerm      = 0o755
	filePerm     = 0o644
)

// State is the persisted record for one destination path.
//
// While Status is in_progress, DownloadedBytes must equal the byte
// length of the partial file on disk; the downloader treats any
// divergence as corruption and restarts from byte zero. TotalSize stays
// nil until the first response declares a length and is immutable
// afterwards.
type State struct {
	URL             string    `json:"url"`
	Destination     string    `json:"destination"`
	TotalSize       *int64    `json:"total_size,omitempty"`
	DownloadedBytes int64     `json:"downloaded_bytes"`
	Checksum        string    `json:"checksum,omitempty"`
	ChecksumType    string    `json:"checksum_type,omitempty"`
	Status          string    `json:"status"`
	LastUpdated     time.Time `json:"last_updated"`
}

// Total returns the known total size, or false while it is unknown.
func (s *State) Total() (int64, bool) {
	if s.TotalSize == nil {
		return 0, false
	}

	return *s.TotalSize, true
}

// SetTotal records the total size once known.
func (s *State) SetTotal(n int64) {
	s.TotalSize = &n
}

// Store reads and writes transfer records under a base directory.
type Store struct {
	baseDir string
}

// NewStore returns a store rooted at baseDir (created lazily on first
// save).
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// PathFor maps a destination path to its record path. Pure function of
// its input: no filesystem access, no hidden state.
func (s *Store) PathFor(destination string) string {
	return filepath.Join(s.baseDir, destination+recordSuffix)
}

// Load returns the record for destination, or nil when no usable record
// exists. A record that cannot be read or parsed is treated as absent
// after a warning; corruption here is always recoverable by
// re-downloading, so it is never surfaced as an error.
func (s *Store) Load(ctx context.Context, destination string) *State {
	logger := logctx.LoggerFromContext(ctx)
	path := s.PathFor(destination)

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to read progress record, treating as absent", "record", path, "err", err)
		}

		return nil
	}

	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		logger.Warn("corrupt progress record, treating as absent", "record", path, "err", err)

		return nil
	}

	logger.Debug("loaded progress record", "record", path, "downloaded_bytes", state.DownloadedBytes)

	return &state
}

// Save persists the record for destination with a fresh LastUpdated
// stamp. The write goes to a sibling temp file first and is renamed
// into place, so concurrent readers and crashes never see a partial
// record. A failed save leaves the previous record untouched, which
// only means the next resume falls back to an earlier checkpoint.
func (s *Store) Save(ctx context.Context, destination string, state *State) error {
	path := s.PathFor(destination)

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("failed to create progress directory for %s: %w", destination, err)
	}

	state.LastUpdated = time.Now().UTC()

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode progress record for %s: %w", destination, err)
	}

	tmp := path + tmpSuffix
	if err := os.WriteFile(tmp, raw, filePerm); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("failed to write progress record for %s: %w", destination, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("failed to publish progress record for %s: %w", destination, err)
	}

	logctx.LoggerFromContext(ctx).Debug("saved progress record",
		"record", path, "downloaded_bytes", state.DownloadedBytes, "status", state.Status)

	return nil
}

// Remove deletes the record for destination. Best effort: a record that
// is already gone is not an error, and nothing else can be done about
// one that will not delete beyond logging it.
func (s *Store) Remove(ctx context.Context, destination string) {
	path := s.PathFor(destination)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logctx.LoggerFromContext(ctx).Warn("failed to remove progress record", "record", path, "err", err)
	}
}

// ValidatePartial reports whether the partial file at destination
// exists and is exactly expectedBytes long. Used to confirm that a
// record's resume point still matches disk reality.
func (s *Store) ValidatePartial(destination string, expectedBytes int64) bool {
	info, err := os.Stat(destination)
	if err != nil {
		return false
	}

	return info.Size() == expectedBytes
}

// List walks the namespace and returns every parseable record.
// Unparsable records are skipped with a warning. Useful for showing
// in-flight downloads; the status endpoint is built on this.
func (s *Store) List(ctx context.Context) ([]*State, error) {
	logger := logctx.LoggerFromContext(ctx)

	var states []*State

	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || filepath.Ext(path) != recordSuffix {
			return nil
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("failed to read progress record during listing", "record", path, "err", err)

			return nil
		}

		var state State
		if err := json.Unmarshal(raw, &state); err != nil {
			logger.Warn("skipping corrupt progress record during listing", "record", path, "err", err)

			return nil
		}

		states = append(states, &state)

		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to walk progress directory %s: %w", s.baseDir, err)
	}

	return states, nil
}

// CleanupStale removes records whose file modification time is older
// than maxAge. These belong to downloads that were abandoned rather
// than interrupted; their partial files are left alone, only the resume
// state is dropped. Returns the number of records removed.
func (s *Store) CleanupStale(ctx context.Context, maxAge time.Duration) int {
	logger := logctx.LoggerFromContext(ctx)
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || filepath.Ext(path) != recordSuffix {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		if info.ModTime().After(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil {
			logger.Warn("failed to remove stale progress record", "record", path, "err", err)

			return nil
		}

		removed++

		logger.Debug("removed stale progress record", "record", path, "age", time.Since(info.ModTime()).String())

		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		logger.Warn("stale progress cleanup aborted", "dir", s.baseDir, "err", err)
	}

	return removed
}
