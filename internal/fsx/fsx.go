// Package fsx holds the small filesystem helpers shared by the
// download pipeline: directory creation and free-space probing.
package fsx

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const dirPerm = 0o755

// InsufficientSpaceError reports that a volume cannot hold an upcoming
// transfer. Sizes are reported in MB to match the operator-facing logs.
type InsufficientSpaceError struct {
	Path      string
	Required  uint64
	Available uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf(
		"insufficient disk space at %s: need %.1fMB, have %.1fMB available",
		e.Path,
		float64(e.Required)/(1024*1024),
		float64(e.Available)/(1024*1024),
	)
}

// EnsureDir creates the directory and any missing parents.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, dirPerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}

	return nil
}

// CheckDiskSpace verifies that the volume holding path has at least
// requiredBytes free. The path does not have to exist yet; the check
// walks up to the nearest existing ancestor so callers can probe a
// destination folder before it is created.
func CheckDiskSpace(requiredBytes uint64, path string) error {
	probe, err := nearestExisting(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s for disk space check: %w", path, err)
	}

	var st unix.Statfs_t
	if err := unix.Statfs(probe, &st); err != nil {
		return fmt.Errorf("failed to stat filesystem at %s: %w", probe, err)
	}

	available := st.Bavail * uint64(st.Bsize)
	if available < requiredBytes {
		return &InsufficientSpaceError{Path: path, Required: requiredBytes, Available: available}
	}

	return nil
}

// nearestExisting walks up from path until it finds a directory that
// exists. The filesystem root always exists, so the walk terminates.
func nearestExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(abs); err == nil {
			return abs, nil
		} else if !os.IsNotExist(err) {
			return "", err
		}

		parent := filepath.Dir(abs)
		if parent == abs {
			return abs, nil
		}

		abs = parent
	}
}
