// Package dataset turns validated manifest entries into finished
// datasets on disk: destination layout, disk space checks, transfer
// strategy selection, digest verification and archive extraction.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"time"

	"github.com/DavideF99/Multithread-file-downloader/internal/config"
	"github.com/DavideF99/Multithread-file-downloader/internal/downloader"
	"github.com/DavideF99/Multithread-file-downloader/internal/extract"
	"github.com/DavideF99/Multithread-file-downloader/internal/fsx"
	"github.com/DavideF99/Multithread-file-downloader/internal/logctx"
	"github.com/DavideF99/Multithread-file-downloader/internal/notifier"
	"github.com/DavideF99/Multithread-file-downloader/internal/telemetry"
	"github.com/dustin/go-humanize"
)

// Options carries the run-wide orchestration knobs.
type Options struct {
	// ForceChunked routes every single-file dataset through the chunk
	// engine regardless of its manifest strategy.
	ForceChunked bool

	// NumChunks is the chunk count for chunked transfers.
	NumChunks int

	// Telemetry may be nil; a no-op instance is used in its place.
	Telemetry *telemetry.Telemetry

	// Notifier, when set, receives dataset and run lifecycle events.
	Notifier notifier.Notifier
}

// Orchestrator runs datasets end to end. One instance serves a whole
// run; datasets are processed sequentially, files within a multi-file
// dataset in parallel.
type Orchestrator struct {
	dl    *downloader.Downloader
	sched *downloader.Scheduler
	tel   *telemetry.Telemetry
	notif notifier.Notifier

	forceChunked bool
	numChunks    int
}

// New builds an Orchestrator on the given download engine and
// scheduler.
func New(dl *downloader.Downloader, sched *downloader.Scheduler, opts Options) *Orchestrator {
	tel := opts.Telemetry
	if tel == nil {
		tel = &telemetry.Telemetry{}
	}

	return &Orchestrator{
		dl:           dl,
		sched:        sched,
		tel:          tel,
		notif:        opts.Notifier,
		forceChunked: opts.ForceChunked,
		numChunks:    opts.NumChunks,
	}
}

// Result is the outcome of one dataset.
type Result struct {
	Name string

	// Path is where the dataset ended up: the downloaded file, or the
	// directory it was extracted into.
	Path string

	// Err is nil on success.
	Err error

	Elapsed time.Duration
}

// Succeeded reports whether the dataset completed without error.
func (r Result) Succeeded() bool {
	return r.Err == nil
}

// Summary aggregates a whole run.
type Summary struct {
	Results []Result
	Elapsed time.Duration
}

// Succeeded counts datasets that completed without error.
func (s Summary) Succeeded() int {
	n := 0

	for _, r := range s.Results {
		if r.Succeeded() {
			n++
		}
	}

	return n
}

// Failed counts datasets that did not complete.
func (s Summary) Failed() int {
	return len(s.Results) - s.Succeeded()
}

// Run processes the given datasets in order. A failing dataset never
// stops the others; only context cancellation cuts the run short.
func (o *Orchestrator) Run(ctx context.Context, datasets []config.Dataset) Summary {
	logger := logctx.LoggerFromContext(ctx)
	start := time.Now()

	var summary Summary

	for _, ds := range datasets {
		if ctx.Err() != nil {
			logger.Warn("run cancelled, skipping remaining datasets",
				"remaining", len(datasets)-len(summary.Results))

			break
		}

		result := o.RunDataset(ctx, ds)
		summary.Results = append(summary.Results, result)

		o.notifyDataset(ctx, result)
	}

	summary.Elapsed = time.Since(start)

	logger.Info("run finished",
		"datasets", len(summary.Results),
		"succeeded", summary.Succeeded(),
		"failed", summary.Failed(),
		"elapsed", summary.Elapsed.Round(time.Millisecond))

	o.notifyRun(ctx, summary)

	return summary
}

// RunDataset downloads, verifies and optionally extracts one dataset.
func (o *Orchestrator) RunDataset(ctx context.Context, ds config.Dataset) Result {
	logger := logctx.LoggerFromContext(ctx).With("dataset", ds.Name)
	ctx = logctx.WithLogger(ctx, logger)

	logger.Info("processing dataset", "strategy", string(ds.Strategy))

	start := time.Now()

	var resultPath string

	err := o.tel.InstrumentDataset(ctx, func(ctx context.Context) error {
		var runErr error
		resultPath, runErr = o.runDataset(ctx, ds)

		return runErr
	})

	elapsed := time.Since(start)

	if err != nil {
		logger.Error("dataset failed", "err", err, "elapsed", elapsed.Round(time.Millisecond))

		return Result{Name: ds.Name, Err: err, Elapsed: elapsed}
	}

	logger.Info("dataset ready", "path", resultPath, "elapsed", elapsed.Round(time.Millisecond))

	return Result{Name: ds.Name, Path: resultPath, Elapsed: elapsed}
}

func (o *Orchestrator) runDataset(ctx context.Context, ds config.Dataset) (string, error) {
	switch source := ds.Source.(type) {
	case config.SingleFile:
		return o.runSingle(ctx, ds, source.File)
	case config.MultiFile:
		return o.runMulti(ctx, ds, source.Parts)
	default:
		return "", fmt.Errorf("dataset %s has no source", ds.Name)
	}
}

func (o *Orchestrator) runSingle(ctx context.Context, ds config.Dataset, file config.FileSpec) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	filename, err := remoteFilename(file.URL)
	if err != nil {
		return "", err
	}

	if file.Size > 0 {
		if err := o.checkDiskSpace(ds, file.Size); err != nil {
			return "", err
		}
	}

	task := downloader.Task{
		URL:          file.URL,
		Destination:  filepath.Join(ds.DestinationFolder, ds.Name, filename),
		ExpectedSize: file.Size,
		Checksum:     file.Checksum,
		ChecksumType: ds.ChecksumType,
		ID:           ds.Name + "/" + filename,
	}

	if o.forceChunked || ds.Strategy == config.StrategyChunked {
		return o.runChunked(ctx, ds, task)
	}

	logger.Info("using single-threaded download")

	if err := o.download(ctx, task); err != nil {
		return "", err
	}

	return o.extractSingle(ctx, ds, task.Destination)
}

func (o *Orchestrator) runChunked(ctx context.Context, ds config.Dataset, task downloader.Task) (string, error) {
	logger := logctx.LoggerFromContext(ctx)
	logger.Info("using chunked download", "chunks", o.numChunks)

	err := o.tel.InstrumentDownload(ctx, func(ctx context.Context) error {
		return o.dl.DownloadChunked(ctx, task, o.numChunks)
	})
	if err != nil {
		if !chunkedFallback(err) {
			o.tel.RecordChunkedDownload("error")

			return "", err
		}

		logger.Warn("chunked download not possible, falling back to regular download", "err", err)
		o.tel.RecordChunkedDownload("fallback")

		if err := o.download(ctx, task); err != nil {
			return "", err
		}

		return o.extractSingle(ctx, ds, task.Destination)
	}

	o.tel.RecordChunkedDownload("success")

	if err := o.dl.Finalize(ctx, task); err != nil {
		return "", err
	}

	return o.extractSingle(ctx, ds, task.Destination)
}

func (o *Orchestrator) runMulti(ctx context.Context, ds config.Dataset, parts []config.FileSpec) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	var totalSize int64

	tasks := make([]downloader.Task, 0, len(parts))

	for _, part := range parts {
		filename, err := remoteFilename(part.URL)
		if err != nil {
			return "", err
		}

		totalSize += part.Size

		tasks = append(tasks, downloader.Task{
			URL:          part.URL,
			Destination:  filepath.Join(ds.DestinationFolder, ds.Name, filename),
			ExpectedSize: part.Size,
			Checksum:     part.Checksum,
			ChecksumType: ds.ChecksumType,
			ID:           ds.Name + "/" + filename,
		})
	}

	logger.Info("multi-file dataset", "files", len(parts), "total_size", humanize.Bytes(uint64(totalSize)))

	if err := o.checkDiskSpace(ds, totalSize); err != nil {
		return "", err
	}

	outcomes := o.sched.RunAll(ctx, tasks, func(completed, total int, outcome downloader.Outcome) {
		status := "success"
		if outcome.Err != nil {
			status = "error"
		}

		o.tel.RecordDownload(status, outcome.Elapsed)

		logger.Info("download progress",
			"task_id", outcome.Task.TaskID(), "status", status,
			"completed", completed, "total", total)
	})

	var failed []downloader.Outcome

	for _, outcome := range outcomes {
		if !outcome.Succeeded() {
			failed = append(failed, outcome)
		}
	}

	if len(failed) > 0 {
		for _, outcome := range failed {
			logger.Error("file failed", "task_id", outcome.Task.TaskID(), "err", outcome.Err)
		}

		return "", fmt.Errorf("%d files failed to download", len(failed))
	}

	datasetDir := filepath.Join(ds.DestinationFolder, ds.Name)

	if ds.ExtractAfter && ds.ExtractFormat != "" {
		logger.Info("extracting downloaded files", "files", len(outcomes))

		for _, outcome := range outcomes {
			if _, err := extract.Extract(ctx, outcome.Destination, datasetDir, ds.ExtractFormat, true); err != nil {
				return "", fmt.Errorf("failed to extract %s: %w", outcome.Destination, err)
			}
		}
	}

	return datasetDir, nil
}

// download runs the plain engine and then digest verification for one
// task.
func (o *Orchestrator) download(ctx context.Context, task downloader.Task) error {
	err := o.tel.InstrumentDownload(ctx, func(ctx context.Context) error {
		return o.dl.Download(ctx, task)
	})
	if err != nil {
		return err
	}

	return o.dl.Finalize(ctx, task)
}

func (o *Orchestrator) extractSingle(ctx context.Context, ds config.Dataset, destination string) (string, error) {
	if !ds.ExtractAfter {
		return destination, nil
	}

	extractDir, err := extract.Extract(ctx, destination, filepath.Dir(destination), ds.ExtractFormat, true)
	if err != nil {
		return "", fmt.Errorf("failed to extract %s: %w", destination, err)
	}

	return extractDir, nil
}

func (o *Orchestrator) checkDiskSpace(ds config.Dataset, totalBytes int64) error {
	required := uint64(totalBytes)
	if ds.ExtractAfter {
		// Extraction holds the archive and its unpacked contents on
		// disk at the same time.
		required *= 3
	}

	return fsx.CheckDiskSpace(required, ds.DestinationFolder)
}

func (o *Orchestrator) notifyDataset(ctx context.Context, result Result) {
	if o.notif == nil {
		return
	}

	event := notifier.Event{
		Kind:    notifier.KindDatasetComplete,
		Dataset: result.Name,
		Path:    result.Path,
		Elapsed: result.Elapsed,
	}
	if result.Err != nil {
		event = notifier.Event{
			Kind:    notifier.KindDatasetFailed,
			Dataset: result.Name,
			Err:     result.Err.Error(),
			Elapsed: result.Elapsed,
		}
	}

	if err := o.notif.Notify(ctx, event); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to send notification", "dataset", result.Name, "err", err)
	}
}

func (o *Orchestrator) notifyRun(ctx context.Context, summary Summary) {
	if o.notif == nil {
		return
	}

	event := notifier.Event{
		Kind:      notifier.KindRunComplete,
		Elapsed:   summary.Elapsed,
		Succeeded: summary.Succeeded(),
		Failed:    summary.Failed(),
	}

	if err := o.notif.Notify(ctx, event); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to send notification", "err", err)
	}
}

// chunkedFallback reports whether the chunk engine declined in a way
// the plain engine can still serve. Size mismatches and merge
// failures are fatal.
func chunkedFallback(err error) bool {
	var chunkErr *downloader.ChunkError

	return errors.Is(err, downloader.ErrChunkingUnsupported) || errors.As(err, &chunkErr)
}

// remoteFilename derives the local filename for a URL, ignoring query
// and fragment parts.
func remoteFilename(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse url %s: %w", rawURL, err)
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("cannot derive a filename from url %s", rawURL)
	}

	return name, nil
}
