// Package extract unpacks downloaded dataset archives. Entry names
// are sanitized so no archive content can land outside the extraction
// directory.
package extract

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/DavideF99/Multithread-file-downloader/internal/fsx"
	"github.com/DavideF99/Multithread-file-downloader/internal/logctx"
)

// Supported archive formats.
const (
	FormatTar   = "tar"
	FormatTarGz = "tar.gz"
	FormatZip   = "zip"
	FormatGz    = "gz"
)

const filePerm = 0o644

// ErrUnknownFormat reports an archive whose format is unsupported or
// could not be determined from its filename.
var ErrUnknownFormat = errors.New("unknown archive format")

// UnsafePathError reports an archive entry that would escape the
// extraction directory.
type UnsafePathError struct {
	Entry string
}

func (e *UnsafePathError) Error() string {
	return fmt.Sprintf("path traversal attempt detected: %s", e.Entry)
}

// DetectFormat infers the archive format from the filename extension.
func DetectFormat(path string) (string, error) {
	switch {
	case strings.HasSuffix(path, ".tar.gz"), strings.HasSuffix(path, ".tgz"):
		return FormatTarGz, nil
	case strings.HasSuffix(path, ".tar"):
		return FormatTar, nil
	case strings.HasSuffix(path, ".zip"):
		return FormatZip, nil
	case strings.HasSuffix(path, ".gz"):
		return FormatGz, nil
	default:
		return "", fmt.Errorf("%w: cannot detect from filename %s", ErrUnknownFormat, path)
	}
}

// Extract unpacks the archive into destDir and returns that directory.
// An empty destDir extracts next to the archive; an empty format is
// auto-detected from the filename. When removeArchive is set the
// archive file is deleted after a fully successful extraction.
func Extract(ctx context.Context, archivePath, destDir, format string, removeArchive bool) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("archive", archivePath)
	ctx = logctx.WithLogger(ctx, logger)

	if destDir == "" {
		destDir = filepath.Dir(archivePath)
	}

	if err := fsx.EnsureDir(destDir); err != nil {
		return "", fmt.Errorf("failed to create extraction directory: %w", err)
	}

	if format == "" {
		detected, err := DetectFormat(archivePath)
		if err != nil {
			return "", err
		}

		format = detected
	}

	logger.Info("extracting archive", "format", format, "destination", destDir)

	var err error

	switch format {
	case FormatTarGz, "tgz":
		err = extractTar(ctx, archivePath, destDir, true)
	case FormatTar:
		err = extractTar(ctx, archivePath, destDir, false)
	case FormatZip:
		err = extractZip(ctx, archivePath, destDir)
	case FormatGz:
		err = extractGzip(ctx, archivePath, destDir)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	if err != nil {
		return "", err
	}

	logger.Info("extraction complete", "destination", destDir)

	if removeArchive {
		logger.Info("removing archive")

		if err := os.Remove(archivePath); err != nil {
			return "", fmt.Errorf("failed to remove archive: %w", err)
		}
	}

	return destDir, nil
}

func extractTar(ctx context.Context, archivePath, destDir string, gzipped bool) error {
	logger := logctx.LoggerFromContext(ctx)

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	var r io.Reader = f

	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to read gzip stream: %w", err)
		}
		defer gz.Close()

		r = gz
	}

	tr := tar.NewReader(r)
	files := 0

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}

		// Device nodes, links and other special entries carry no
		// dataset content.
		if hdr.Typeflag != tar.TypeDir && hdr.Typeflag != tar.TypeReg {
			logger.Warn("skipping special archive entry", "entry", hdr.Name)

			continue
		}

		if strings.HasPrefix(hdr.Name, "/") {
			logger.Warn("skipping absolute path in archive", "entry", hdr.Name)

			continue
		}

		target, err := securePath(destDir, hdr.Name)
		if err != nil {
			return err
		}

		if hdr.Typeflag == tar.TypeDir {
			if err := fsx.EnsureDir(target); err != nil {
				return err
			}

			continue
		}

		if err := writeEntry(target, tr, hdr.FileInfo().Mode()); err != nil {
			return err
		}

		files++
	}

	logger.Info("extracted tar entries", "files", files)

	return nil
}

func extractZip(ctx context.Context, archivePath, destDir string) error {
	logger := logctx.LoggerFromContext(ctx)

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer zr.Close()

	files := 0

	for _, entry := range zr.File {
		if strings.HasPrefix(entry.Name, "/") {
			logger.Warn("skipping absolute path in archive", "entry", entry.Name)

			continue
		}

		target, err := securePath(destDir, entry.Name)
		if err != nil {
			return err
		}

		if entry.FileInfo().IsDir() {
			if err := fsx.EnsureDir(target); err != nil {
				return err
			}

			continue
		}

		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("failed to open archive entry %s: %w", entry.Name, err)
		}

		err = writeEntry(target, rc, entry.FileInfo().Mode())
		rc.Close()

		if err != nil {
			return err
		}

		files++
	}

	logger.Info("extracted zip entries", "files", files)

	return nil
}

// extractGzip decompresses a single gzip member into destDir, named
// after the archive with its .gz suffix stripped.
func extractGzip(ctx context.Context, archivePath, destDir string) error {
	logger := logctx.LoggerFromContext(ctx)

	name := filepath.Base(archivePath)
	if strings.HasSuffix(name, ".gz") {
		name = strings.TrimSuffix(name, ".gz")
	} else {
		name += ".extracted"
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read gzip stream: %w", err)
	}
	defer gz.Close()

	target := filepath.Join(destDir, name)
	if err := writeEntry(target, gz, 0); err != nil {
		return err
	}

	logger.Info("decompressed gzip file", "path", target)

	return nil
}

// securePath joins an entry name onto destDir and rejects results that
// resolve outside it.
func securePath(destDir, name string) (string, error) {
	target := filepath.Join(destDir, name)

	rel, err := filepath.Rel(destDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", &UnsafePathError{Entry: name}
	}

	return target, nil
}

func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	if err := fsx.EnsureDir(filepath.Dir(target)); err != nil {
		return err
	}

	perm := mode.Perm()
	if perm == 0 {
		perm = filePerm
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}

	if _, err := io.Copy(out, r); err != nil {
		out.Close()

		return fmt.Errorf("failed to write %s: %w", target, err)
	}

	return out.Close()
}
