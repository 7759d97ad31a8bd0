package checksum

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	return path
}

func TestSum_KnownVectors(t *testing.T) {
	path := writeFile(t, []byte("hello world"))

	tests := []struct {
		algorithm string
		want      string
	}{
		{"md5", "5eb63bbbe01eeed093cb22bb8f5acdc3"},
		{"sha256", "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
	}

	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			got, err := Sum(path, tt.algorithm)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSum_Deterministic(t *testing.T) {
	path := writeFile(t, []byte("same bytes, same digest"))

	first, err := Sum(path, "sha256")
	require.NoError(t, err)

	second, err := Sum(path, "sha256")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestSum_SingleByteChangesDigest(t *testing.T) {
	a := writeFile(t, []byte("payload-a"))
	b := writeFile(t, []byte("payload-b"))

	sumA, err := Sum(a, "md5")
	require.NoError(t, err)

	sumB, err := Sum(b, "md5")
	require.NoError(t, err)

	assert.NotEqual(t, sumA, sumB)
}

func TestSum_LargerThanOneBlock(t *testing.T) {
	// Forces several read iterations through the fixed-size buffer.
	content := []byte(strings.Repeat("0123456789abcdef", 4096))
	path := writeFile(t, content)

	got, err := Sum(path, "sha256")
	require.NoError(t, err)
	assert.Len(t, got, 64)
}

func TestSum_UnsupportedAlgorithm(t *testing.T) {
	path := writeFile(t, []byte("x"))

	_, err := Sum(path, "crc32")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
	assert.Contains(t, err.Error(), "crc32")
}

func TestSum_MissingFile(t *testing.T) {
	_, err := Sum(filepath.Join(t.TempDir(), "nope.bin"), "md5")
	assert.Error(t, err)
}

func TestVerify_MatchesCaseInsensitively(t *testing.T) {
	path := writeFile(t, []byte("hello world"))

	assert.NoError(t, Verify(path, "5EB63BBBE01EEED093CB22BB8F5ACDC3", "md5"))
}

func TestVerify_Mismatch(t *testing.T) {
	path := writeFile(t, []byte("hello world"))

	err := Verify(path, strings.Repeat("0", 32), "md5")
	require.Error(t, err)

	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, path, mismatch.Path)
	assert.Equal(t, strings.Repeat("0", 32), mismatch.Expected)
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", mismatch.Actual)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestVerify_SkipSentinel(t *testing.T) {
	// "skip" must succeed without reading anything, so even a path that
	// does not exist passes.
	missing := filepath.Join(t.TempDir(), "never-downloaded.bin")

	assert.NoError(t, Verify(missing, "skip", "md5"))
	assert.NoError(t, Verify(missing, "SKIP", "sha256"))
	assert.NoError(t, Verify(missing, "Skip", "not-even-an-algorithm"))
}

func TestVerify_UnsupportedAlgorithm(t *testing.T) {
	path := writeFile(t, []byte("x"))

	err := Verify(path, "abcdef", "sha1")
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}
