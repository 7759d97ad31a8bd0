// Package downloader fetches remote files over HTTP into local
// storage. It layers three engines on the same primitives: a resumable
// single-stream transfer, a range-partitioned parallel chunk transfer,
// and a bounded scheduler that runs many independent transfers at once.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/DavideF99/Multithread-file-downloader/internal/checksum"
	"github.com/DavideF99/Multithread-file-downloader/internal/fsx"
	dlhttp "github.com/DavideF99/Multithread-file-downloader/internal/http"
	"github.com/DavideF99/Multithread-file-downloader/internal/logctx"
	"github.com/DavideF99/Multithread-file-downloader/internal/progress"
	"github.com/dustin/go-humanize"
)

// Defaults applied by New for zero-valued Options fields.
const (
	DefaultMaxRetries      = 3
	DefaultBaseDelay       = time.Second
	DefaultMaxDelay        = 60 * time.Second
	DefaultCheckpointBytes = 1 << 20
)

const filePerm = 0o644

// Options tunes a Downloader.
type Options struct {
	// MaxRetries is the total attempt budget per transfer, counting
	// the first try.
	MaxRetries int

	// BaseDelay and MaxDelay shape the exponential backoff between
	// attempts.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// CheckpointBytes bounds how many received bytes may accumulate
	// before the progress record is flushed, which in turn bounds the
	// work lost to an unclean interruption.
	CheckpointBytes int64

	// OnBytes, when set, observes every block received. Reporting
	// only; it never affects control flow. Called concurrently while a
	// chunked download is running, so it must be goroutine-safe.
	OnBytes func(n int64)

	// OnRetry, when set, observes every retry of a failed attempt,
	// whole-file and per-chunk alike. Same goroutine-safety rules as
	// OnBytes.
	OnRetry func()
}

// Downloader fetches one URL into one local file, resuming across
// process restarts via the progress store. Safe for concurrent use as
// long as no two calls share a destination path; concurrent writers to
// the same destination are unsupported.
type Downloader struct {
	client  *dlhttp.Client
	tracker *progress.Store
	opts    Options
}

// New builds a Downloader on the given client and progress store.
func New(client *dlhttp.Client, tracker *progress.Store, opts Options) *Downloader {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}

	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}

	if opts.CheckpointBytes <= 0 {
		opts.CheckpointBytes = DefaultCheckpointBytes
	}

	return &Downloader{client: client, tracker: tracker, opts: opts}
}

// Download fetches task.URL into task.Destination. Transient failures
// are retried with exponential backoff; every attempt re-derives its
// resume offset from the progress record, so bytes flushed by a failed
// attempt are never fetched again. On success the record is marked
// complete but left on disk: removing it is the caller's decision,
// made after digest verification one layer up.
func (d *Downloader) Download(ctx context.Context, task Task) error {
	logger := logctx.LoggerFromContext(ctx).With("url", task.URL, "destination", task.Destination)
	ctx = logctx.WithLogger(ctx, logger)

	if dir := filepath.Dir(task.Destination); dir != "." {
		if err := fsx.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create destination directory: %w", err)
		}
	}

	var lastErr error

	for attempt := 0; attempt < d.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			logger.Info("retrying download", "attempt", attempt+1, "max_attempts", d.opts.MaxRetries)

			if d.opts.OnRetry != nil {
				d.opts.OnRetry()
			}

			if err := dlhttp.Backoff(ctx, attempt, d.opts.BaseDelay, d.opts.MaxDelay); err != nil {
				return err
			}
		}

		err := d.attempt(ctx, task)

		switch Classify(err) {
		case ClassSuccess:
			return nil
		case ClassFatal:
			return err
		case ClassTransient:
			lastErr = err

			logger.Warn("download attempt failed", "attempt", attempt+1, "err", err)
		}
	}

	return &ExhaustedError{URL: task.URL, Attempts: d.opts.MaxRetries, Err: lastErr}
}

// Finalize confirms a finished download against the task's expected
// digest and releases its resume record. A digest mismatch deletes the
// file along with the record, so a later run cannot resume from or
// trust corrupt data. Without an expected digest the record is
// released as-is.
func (d *Downloader) Finalize(ctx context.Context, task Task) error {
	logger := logctx.LoggerFromContext(ctx).With("destination", task.Destination)

	if task.Checksum != "" {
		if err := checksum.Verify(task.Destination, task.Checksum, task.ChecksumType); err != nil {
			var mismatch *checksum.MismatchError
			if errors.As(err, &mismatch) {
				logger.Error("checksum mismatch, removing corrupt file", "expected", mismatch.Expected, "actual", mismatch.Actual)

				if rmErr := os.Remove(task.Destination); rmErr != nil && !os.IsNotExist(rmErr) {
					logger.Warn("failed to remove corrupt file", "err", rmErr)
				}

				d.tracker.Remove(ctx, task.Destination)
			}

			return err
		}

		logger.Info("checksum verified", "type", task.ChecksumType)
	}

	d.tracker.Remove(ctx, task.Destination)

	return nil
}

// attempt runs one pass of the transfer state machine: derive the
// resume point, issue the request, stream the body, check the final
// size. The error's class decides whether Download retries.
func (d *Downloader) attempt(ctx context.Context, task Task) error {
	logger := logctx.LoggerFromContext(ctx)

	mode, prior := d.resumeMode(ctx, task)

	var (
		resp *http.Response
		err  error
	)

	if mode.Resuming() {
		resp, err = d.client.GetFrom(ctx, task.URL, mode.Offset())
	} else {
		resp, err = d.client.Get(ctx, task.URL)
	}

	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// Range honored; the body continues from our offset.
	case http.StatusOK:
		if mode.Resuming() {
			logger.Warn("server ignored range request, restarting from byte zero", "resume_from", mode.Offset())

			mode = Fresh()
			prior = nil
		}
	case http.StatusRequestedRangeNotSatisfiable:
		if mode.Resuming() {
			return d.finishWithoutBody(ctx, task, prior)
		}

		return dlhttp.ClassifyStatus(task.URL, resp.StatusCode)
	default:
		return dlhttp.ClassifyStatus(task.URL, resp.StatusCode)
	}

	// A 206 declares the remaining length, a 200 the absolute one;
	// either way offset + declared is the absolute total.
	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = mode.Offset() + resp.ContentLength
	}

	if task.ExpectedSize > 0 && total >= 0 && total != task.ExpectedSize {
		return &SizeMismatchError{URL: task.URL, Expected: task.ExpectedSize, Actual: total}
	}

	if total >= 0 {
		logger.Info("downloading file",
			"total_size", humanize.Bytes(uint64(total)),
			"resume_from", humanize.Bytes(uint64(mode.Offset())))
	} else {
		logger.Warn("no content length declared, downloading with unknown total")
	}

	state := &progress.State{
		URL:             task.URL,
		Destination:     task.Destination,
		DownloadedBytes: mode.Offset(),
		Checksum:        task.Checksum,
		ChecksumType:    task.ChecksumType,
		Status:          progress.StatusInProgress,
	}

	if prior != nil {
		if t, ok := prior.Total(); ok {
			state.SetTotal(t)
		}
	}

	// The record's total is written once. A later response cannot move
	// it; a conflicting declared size is already fatal above whenever an
	// expected size exists to conflict with.
	if _, known := state.Total(); !known && total >= 0 {
		state.SetTotal(total)
	}

	out, err := openDestination(task.Destination, mode)
	if err != nil {
		return fmt.Errorf("failed to open destination file: %w", err)
	}
	defer out.Close()

	checkpoint := func(position, _ int64) {
		state.DownloadedBytes = position

		if err := d.tracker.Save(ctx, task.Destination, state); err != nil {
			// A missed checkpoint only moves the next resume point
			// backwards; the transfer itself continues.
			logger.Warn("failed to checkpoint progress", "err", err)
		}
	}

	body := newMeter(resp.Body, mode.Offset(), total, d.opts.CheckpointBytes, d.opts.OnBytes, checkpoint)

	if _, err := io.Copy(out, body); err != nil {
		// Save the tip so the next attempt resumes here instead of at
		// the last checkpoint. The resume validation re-checks this
		// record against the file before trusting it.
		state.DownloadedBytes = body.Position()
		if saveErr := d.tracker.Save(ctx, task.Destination, state); saveErr != nil {
			logger.Warn("failed to save progress after interrupted stream", "err", saveErr)
		}

		return fmt.Errorf("failed to stream %s: %w", task.URL, err)
	}

	info, err := os.Stat(task.Destination)
	if err != nil {
		return fmt.Errorf("failed to stat downloaded file: %w", err)
	}

	if task.ExpectedSize > 0 && info.Size() != task.ExpectedSize {
		return &SizeMismatchError{URL: task.URL, Expected: task.ExpectedSize, Actual: info.Size()}
	}

	state.DownloadedBytes = info.Size()
	state.Status = progress.StatusComplete

	if err := d.tracker.Save(ctx, task.Destination, state); err != nil {
		logger.Warn("failed to persist completion record", "err", err)
	}

	logger.Info("download complete", "size", humanize.Bytes(uint64(info.Size())))

	return nil
}

// resumeMode validates any prior record against the requested task and
// the partial file on disk, returning the open mode for this attempt
// plus the surviving record. Contradictory state is discarded so the
// attempt restarts from byte zero; that recovery is local and never
// surfaces as an error.
func (d *Downloader) resumeMode(ctx context.Context, task Task) (OpenMode, *progress.State) {
	logger := logctx.LoggerFromContext(ctx)

	prior := d.tracker.Load(ctx, task.Destination)
	if prior == nil {
		return Fresh(), nil
	}

	if prior.URL != task.URL {
		logger.Warn("progress record belongs to a different URL, restarting", "recorded_url", prior.URL)

		d.discard(ctx, task.Destination)

		return Fresh(), nil
	}

	if t, ok := prior.Total(); ok && task.ExpectedSize > 0 && t != task.ExpectedSize {
		logger.Warn("progress record total disagrees with expected size, restarting",
			"recorded_total", t, "expected_size", task.ExpectedSize)

		d.discard(ctx, task.Destination)

		return Fresh(), nil
	}

	if !d.tracker.ValidatePartial(task.Destination, prior.DownloadedBytes) {
		logger.Warn("partial file does not match progress record, restarting",
			"recorded_bytes", prior.DownloadedBytes)

		d.discard(ctx, task.Destination)

		return Fresh(), nil
	}

	if prior.DownloadedBytes == 0 {
		return Fresh(), prior
	}

	logger.Info("resuming download", "resume_from", humanize.Bytes(uint64(prior.DownloadedBytes)))

	return ResumeAt(prior.DownloadedBytes), prior
}

// finishWithoutBody handles a 416 on resume: the server says our offset
// is at or past the end of the resource, which is what an already
// complete file looks like. Confirm the on-disk size against the
// expected total and finish with zero additional network reads; any
// other explanation is a fatal inconsistency.
func (d *Downloader) finishWithoutBody(ctx context.Context, task Task, prior *progress.State) error {
	logger := logctx.LoggerFromContext(ctx)

	want := task.ExpectedSize
	if want <= 0 && prior != nil {
		if t, ok := prior.Total(); ok {
			want = t
		}
	}

	if want <= 0 {
		return fmt.Errorf("range not satisfiable for %s and no expected size to confirm completion against", task.URL)
	}

	info, err := os.Stat(task.Destination)
	if err != nil {
		return fmt.Errorf("range not satisfiable but destination is unreadable: %w", err)
	}

	if info.Size() != want {
		return &SizeMismatchError{URL: task.URL, Expected: want, Actual: info.Size()}
	}

	state := prior
	if state == nil {
		state = &progress.State{
			URL:          task.URL,
			Destination:  task.Destination,
			Checksum:     task.Checksum,
			ChecksumType: task.ChecksumType,
		}
	}

	state.DownloadedBytes = info.Size()
	state.SetTotal(want)
	state.Status = progress.StatusComplete

	if err := d.tracker.Save(ctx, task.Destination, state); err != nil {
		logger.Warn("failed to persist completion record", "err", err)
	}

	logger.Info("file already complete on disk", "size", humanize.Bytes(uint64(info.Size())))

	return nil
}

// discard removes both halves of a broken resume state: the partial
// file and its record.
func (d *Downloader) discard(ctx context.Context, destination string) {
	if err := os.Remove(destination); err != nil && !os.IsNotExist(err) {
		logctx.LoggerFromContext(ctx).Warn("failed to remove stale partial file", "path", destination, "err", err)
	}

	d.tracker.Remove(ctx, destination)
}

// openDestination translates the attempt's OpenMode into open flags: a
// fresh transfer truncates whatever is there, a resume appends.
func openDestination(path string, mode OpenMode) (*os.File, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if mode.Resuming() {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}

	return os.OpenFile(path, flags, filePerm)
}
