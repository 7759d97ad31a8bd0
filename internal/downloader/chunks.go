package downloader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/DavideF99/Multithread-file-downloader/internal/fsx"
	dlhttp "github.com/DavideF99/Multithread-file-downloader/internal/http"
	"github.com/DavideF99/Multithread-file-downloader/internal/logctx"
	"github.com/dustin/go-humanize"
)

const (
	// DefaultNumChunks is the parallelism used when the caller asks
	// for chunking without a count.
	DefaultNumChunks = 4

	// ChunkDirSuffix names the temp directory a chunked transfer
	// assembles in, derived from its destination path.
	ChunkDirSuffix = ".chunks"
)

// Chunk is one contiguous byte span of a remote file, fetched
// independently of its siblings. End is inclusive.
type Chunk struct {
	Index uint32
	Start int64
	End   int64
}

// Size returns the span length in bytes. Over-partitioned files
// produce zero-length chunks, which download trivially.
func (c Chunk) Size() int64 {
	if c.End < c.Start {
		return 0
	}

	return c.End - c.Start + 1
}

// PartitionRanges splits totalSize bytes into numChunks contiguous
// spans covering [0, totalSize) exactly once, with no gaps and no
// overlaps. Boundaries follow floor division; the last chunk absorbs
// the remainder.
func PartitionRanges(totalSize int64, numChunks int) []Chunk {
	chunkSize := totalSize / int64(numChunks)
	chunks := make([]Chunk, 0, numChunks)

	for i := 0; i < numChunks; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize - 1

		if i == numChunks-1 {
			end = totalSize - 1
		}

		chunks = append(chunks, Chunk{Index: uint32(i), Start: start, End: end})
	}

	return chunks
}

// DownloadChunked fetches task.URL by splitting it into numChunks byte
// ranges downloaded in parallel, then reassembling them in index
// order. The server must advertise range support and a total size;
// otherwise the engine declines with ErrChunkingUnsupported and the
// caller falls back to Download. The transfer is all-or-nothing: no
// resume state is kept, any chunk exhausting its retries discards
// every temp file, and a ChunkError likewise signals the caller to
// fall back to a single stream.
func (d *Downloader) DownloadChunked(ctx context.Context, task Task, numChunks int) error {
	logger := logctx.LoggerFromContext(ctx).With("url", task.URL, "destination", task.Destination)
	ctx = logctx.WithLogger(ctx, logger)

	if numChunks <= 0 {
		numChunks = DefaultNumChunks
	}

	info, err := d.client.Probe(ctx, task.URL)
	if err != nil {
		return fmt.Errorf("%w: probe failed: %w", ErrChunkingUnsupported, err)
	}

	if !info.AcceptsRanges {
		logger.Warn("server does not advertise range support")

		return fmt.Errorf("%w: no byte-range support at %s", ErrChunkingUnsupported, task.URL)
	}

	if info.Size < 0 {
		logger.Warn("server did not declare a content length")

		return fmt.Errorf("%w: unknown total size for %s", ErrChunkingUnsupported, task.URL)
	}

	if task.ExpectedSize > 0 && info.Size != task.ExpectedSize {
		return &SizeMismatchError{URL: task.URL, Expected: task.ExpectedSize, Actual: info.Size}
	}

	if dir := filepath.Dir(task.Destination); dir != "." {
		if err := fsx.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create destination directory: %w", err)
		}
	}

	tempDir := task.Destination + ChunkDirSuffix
	if err := fsx.EnsureDir(tempDir); err != nil {
		return fmt.Errorf("failed to create chunk directory: %w", err)
	}

	chunks := PartitionRanges(info.Size, numChunks)

	logger.Info("starting chunked download",
		"total_size", humanize.Bytes(uint64(info.Size)), "chunks", len(chunks))

	// Every chunk runs to its own verdict; one failure must not starve
	// the others of their retry budget. The counter is reporting-only
	// and never gates correctness.
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		failed  []error
		written int64
	)

	for _, chunk := range chunks {
		wg.Add(1)

		go func(c Chunk) {
			defer wg.Done()

			if err := d.fetchChunk(ctx, task.URL, c, chunkPath(tempDir, c), &mu, &written); err != nil {
				mu.Lock()
				failed = append(failed, err)
				mu.Unlock()
			}
		}(chunk)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		removeChunkDir(ctx, tempDir)

		return err
	}

	if len(failed) > 0 {
		logger.Error("chunked download failed", "failed_chunks", len(failed), "total_chunks", len(chunks))

		removeChunkDir(ctx, tempDir)

		return &ChunkError{URL: task.URL, Failed: len(failed), Errs: failed}
	}

	if err := mergeChunks(ctx, tempDir, chunks, task.Destination); err != nil {
		removeChunkDir(ctx, tempDir)

		return err
	}

	if err := os.Remove(tempDir); err != nil {
		logger.Warn("failed to remove chunk directory", "dir", tempDir, "err", err)
	}

	finalInfo, err := os.Stat(task.Destination)
	if err != nil {
		return fmt.Errorf("failed to stat merged file: %w", err)
	}

	if finalInfo.Size() != info.Size {
		return &SizeMismatchError{URL: task.URL, Expected: info.Size, Actual: finalInfo.Size()}
	}

	logger.Info("chunked download complete", "size", humanize.Bytes(uint64(finalInfo.Size())))

	return nil
}

// fetchChunk downloads one span into its temp file, retrying from
// scratch on transient failures. Chunks are small relative to the
// whole file, so within-chunk resume is not carried.
func (d *Downloader) fetchChunk(ctx context.Context, url string, c Chunk, path string, progressMu *sync.Mutex, written *int64) error {
	logger := logctx.LoggerFromContext(ctx).With("chunk", c.Index)

	if c.Size() == 0 {
		// Degenerate span from over-partitioning; an empty file keeps
		// the merge uniform.
		return os.WriteFile(path, nil, filePerm)
	}

	var lastErr error

	for attempt := 0; attempt < d.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if d.opts.OnRetry != nil {
				d.opts.OnRetry()
			}

			if err := dlhttp.Backoff(ctx, attempt, d.opts.BaseDelay, d.opts.MaxDelay); err != nil {
				return err
			}

			logger.Info("retrying chunk", "attempt", attempt+1, "max_attempts", d.opts.MaxRetries)
		}

		err := d.fetchChunkOnce(ctx, url, c, path, progressMu, written)

		switch Classify(err) {
		case ClassSuccess:
			logger.Debug("chunk complete", "bytes", c.Size())

			return nil
		case ClassFatal:
			return err
		case ClassTransient:
			lastErr = err

			logger.Warn("chunk attempt failed", "attempt", attempt+1, "err", err)
		}
	}

	return fmt.Errorf("chunk %d exhausted %d attempts: %w", c.Index, d.opts.MaxRetries, lastErr)
}

func (d *Downloader) fetchChunkOnce(ctx context.Context, url string, c Chunk, path string, progressMu *sync.Mutex, written *int64) error {
	resp, err := d.client.GetRange(ctx, url, c.Start, c.End)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Each attempt rewrites the chunk from its first byte.
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create chunk file: %w", err)
	}
	defer out.Close()

	count := func(n int64) {
		progressMu.Lock()
		*written += n
		progressMu.Unlock()

		if d.opts.OnBytes != nil {
			d.opts.OnBytes(n)
		}
	}

	n, err := io.Copy(out, newMeter(resp.Body, 0, c.Size(), 0, count, nil))
	if err != nil {
		return fmt.Errorf("failed to stream chunk %d of %s: %w", c.Index, url, err)
	}

	if n != c.Size() {
		return fmt.Errorf("chunk %d of %s returned %d bytes, want %d: %w",
			c.Index, url, n, c.Size(), io.ErrUnexpectedEOF)
	}

	return nil
}

// mergeChunks concatenates chunk files in index order into destination,
// deleting each one right after it is appended so peak disk usage stays
// bounded by a single chunk. The all-success gate has already passed; a
// chunk missing here means outside interference and is fatal.
func mergeChunks(ctx context.Context, tempDir string, chunks []Chunk, destination string) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("merging chunks", "chunks", len(chunks))

	out, err := os.Create(destination)
	if err != nil {
		return fmt.Errorf("failed to create merged file: %w", err)
	}
	defer out.Close()

	for _, c := range chunks {
		path := chunkPath(tempDir, c)

		in, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return &MergeError{ChunkPath: path, Index: c.Index}
			}

			return fmt.Errorf("failed to open chunk %d: %w", c.Index, err)
		}

		if _, err := io.Copy(out, in); err != nil {
			in.Close()

			return fmt.Errorf("failed to append chunk %d: %w", c.Index, err)
		}

		in.Close()

		if err := os.Remove(path); err != nil {
			logger.Warn("failed to remove merged chunk file", "path", path, "err", err)
		}
	}

	return nil
}

// removeChunkDir deletes whatever remains of a failed chunked attempt.
// Temp files never outlive the invocation that created them.
func removeChunkDir(ctx context.Context, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to remove chunk directory", "dir", dir, "err", err)
	}
}

func chunkPath(dir string, c Chunk) string {
	return filepath.Join(dir, fmt.Sprintf("chunk_%04d.tmp", c.Index))
}
