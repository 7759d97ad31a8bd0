// Package checksum verifies downloaded files against expected digests.
//
// Digests are computed incrementally in fixed-size blocks, so memory
// stays bounded no matter how large the file is. The special expected
// value "skip" disables verification for a file without touching it.
package checksum

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// Skip is the sentinel expected value that bypasses verification.
// Matched case-insensitively.
const Skip = "skip"

// blockSize is the read granularity for digest computation.
const blockSize = 8 * 1024

// ErrUnsupportedAlgorithm is returned for digest algorithm names other
// than md5 and sha256. This is a configuration error and is never
// retried.
var ErrUnsupportedAlgorithm = errors.New("unsupported checksum type")

// MismatchError reports a digest that does not match the expected
// value. Callers treat this as data corruption: the file cannot be
// trusted.
type MismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// Sum computes the hex digest of the file at path using the named
// algorithm ("md5" or "sha256").
func Sum(path, algorithm string) (string, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for checksum: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("failed to read %s for checksum: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks the file at path against the expected hex digest.
// The comparison is case-insensitive. An expected value of "skip"
// succeeds immediately without reading the file, which also means a
// missing file passes when verification is skipped.
func Verify(path, expected, algorithm string) error {
	if strings.EqualFold(expected, Skip) {
		return nil
	}

	actual, err := Sum(path, algorithm)
	if err != nil {
		return err
	}

	if !strings.EqualFold(actual, expected) {
		return &MismatchError{Path: path, Expected: expected, Actual: actual}
	}

	return nil
}

func newHash(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "md5":
		return md5.New(), nil
	case "sha256":
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}
