package downloader

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/DavideF99/Multithread-file-downloader/internal/logctx"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers bounds concurrent transfers when no limit is given.
const DefaultWorkers = 4

// ProgressFunc observes batch progress after each task finishes.
// completed counts finished tasks including outcome's own, total is
// the batch size. Calls are serialized in completion order, so
// implementations need no locking of their own.
type ProgressFunc func(completed, total int, outcome Outcome)

// ActiveTask describes one in-flight transfer, for status reporting.
type ActiveTask struct {
	TaskID      string    `json:"task_id"`
	URL         string    `json:"url"`
	Destination string    `json:"destination"`
	StartedAt   time.Time `json:"started_at"`
}

// Scheduler runs independent transfers concurrently under a bounded
// worker count. Each worker takes its task through the full lifecycle,
// download then digest verification, and reduces whatever happens to a
// single Outcome. One task's failure never disturbs its siblings.
type Scheduler struct {
	dl      *Downloader
	workers int

	mu     sync.Mutex
	active map[string]ActiveTask
}

// NewScheduler wraps dl with a worker pool of the given size.
// A non-positive size falls back to DefaultWorkers.
func NewScheduler(dl *Downloader, workers int) *Scheduler {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	return &Scheduler{
		dl:      dl,
		workers: workers,
		active:  make(map[string]ActiveTask),
	}
}

// RunAll executes every task and returns exactly one Outcome per task,
// in completion order. At most the configured worker count is in
// flight at once; excess tasks queue at submission. onProgress may be
// nil.
func (s *Scheduler) RunAll(ctx context.Context, tasks []Task, onProgress ProgressFunc) []Outcome {
	logger := logctx.LoggerFromContext(ctx)

	if len(tasks) == 0 {
		logger.Warn("no download tasks to run")

		return nil
	}

	logger.Info("starting downloads", "tasks", len(tasks), "workers", s.workers)

	var (
		resultMu sync.Mutex
		outcomes = make([]Outcome, 0, len(tasks))
	)

	var wg errgroup.Group

	sem := make(chan struct{}, s.workers)

	for _, task := range tasks {
		task := task
		sem <- struct{}{}

		wg.Go(func() error {
			defer func() { <-sem }()

			outcome := s.runTask(ctx, task)

			resultMu.Lock()
			outcomes = append(outcomes, outcome)

			if onProgress != nil {
				// Invoked under the result lock so completions report
				// one at a time, in order.
				onProgress(len(outcomes), len(tasks), outcome)
			}
			resultMu.Unlock()

			return nil
		})
	}

	// Workers fold every failure into an Outcome, so Wait only
	// synchronizes.
	_ = wg.Wait()

	succeeded := 0

	for _, o := range outcomes {
		if o.Succeeded() {
			succeeded++
		}
	}

	logger.Info("downloads finished", "succeeded", succeeded, "failed", len(outcomes)-succeeded)

	return outcomes
}

// runTask takes one task through download and verification, keeping
// the active set accurate no matter how the task ends.
func (s *Scheduler) runTask(ctx context.Context, task Task) Outcome {
	logger := logctx.LoggerFromContext(ctx).With("task_id", task.TaskID())
	ctx = logctx.WithLogger(ctx, logger)

	logger.Info("download task started")

	start := time.Now()

	s.trackStart(task)
	defer s.trackEnd(task)

	if err := s.dl.Download(ctx, task); err != nil {
		logger.Error("download task failed", "err", err)

		return Outcome{Task: task, Err: err, Elapsed: time.Since(start)}
	}

	if err := s.dl.Finalize(ctx, task); err != nil {
		logger.Error("download task failed verification", "err", err)

		return Outcome{Task: task, Err: err, Elapsed: time.Since(start)}
	}

	logger.Info("download task complete")

	return Outcome{Task: task, Destination: task.Destination, Elapsed: time.Since(start)}
}

// Active returns a point-in-time copy of the in-flight transfers,
// ordered by task ID.
func (s *Scheduler) Active() []ActiveTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ActiveTask, 0, len(s.active))
	for _, t := range s.active {
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })

	return out
}

// The active map is keyed by destination path, like all transfer
// state. Task IDs are correlation labels and may repeat.
func (s *Scheduler) trackStart(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active[task.Destination] = ActiveTask{
		TaskID:      task.TaskID(),
		URL:         task.URL,
		Destination: task.Destination,
		StartedAt:   time.Now().UTC(),
	}
}

func (s *Scheduler) trackEnd(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, task.Destination)
}
