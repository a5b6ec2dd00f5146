// Package pipeline sequences the extraction, import, and training stages of
// an ingestion job and owns per-job cancellation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"github.com/testsabirweb/slack_archive/internal/config"
	"github.com/testsabirweb/slack_archive/pkg/extract"
	"github.com/testsabirweb/slack_archive/pkg/ingestion"
	"github.com/testsabirweb/slack_archive/pkg/models"
)

var (
	// ErrJobActive is returned when a run is requested for a job that
	// already has one in flight.
	ErrJobActive = errors.New("job already has an active run")
	// ErrNotStartable is returned when the job's status does not permit
	// the requested stage.
	ErrNotStartable = errors.New("job status does not permit this run")
	// ErrNotCancellable is returned when cancel is requested for a job
	// that is not running a stage.
	ErrNotCancellable = errors.New("job is not cancellable")
)

// JobStore is the job-lifecycle surface the controller writes through.
// Every transition and intra-stage progress bump goes through it.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	AdvanceJob(ctx context.Context, id string, to models.JobStatus, progress string, percent int) (*models.Job, error)
	RecordJobError(ctx context.Context, id string, message string) (*models.Job, error)
	RecordJobCancel(ctx context.Context, id string) (*models.Job, error)
	SetJobExtractPath(ctx context.Context, id, path string) error
}

// Indexer runs the import and training phases.
type Indexer interface {
	Import(ctx context.Context, root string, opts ingestion.ImportOptions) (*ingestion.ImportStats, error)
	Train(ctx context.Context, opts ingestion.TrainOptions) (*ingestion.TrainStats, error)
}

// Notifier observes every job write, e.g. to push it to websocket clients.
type Notifier interface {
	NotifyJob(job *models.Job)
}

// Controller drives jobs through the state machine on a worker pool bounded
// by the CPU count. Runs are queued goroutines that block on a semaphore, so
// starting a job never blocks the caller.
type Controller struct {
	jobs     JobStore
	indexer  Indexer
	cfg      *config.Config
	logger   *log.Logger
	notifier Notifier

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu     sync.Mutex
	active map[string]*atomic.Bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithNotifier registers an observer for job writes.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithWorkers overrides the worker pool size.
func WithWorkers(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// New creates a pipeline controller.
func New(jobs JobStore, indexer Indexer, cfg *config.Config, logger *log.Logger, opts ...Option) *Controller {
	c := &Controller{
		jobs:    jobs,
		indexer: indexer,
		cfg:     cfg,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(runtime.NumCPU())),
		active:  make(map[string]*atomic.Bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Wait blocks until every queued run has finished. Used at shutdown and in
// tests; new runs may still be enqueued while waiting.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Start enqueues a full pipeline run for the job, resuming from whatever
// the job's status permits. Extraction is skipped when a usable extract
// tree already exists.
func (c *Controller) Start(ctx context.Context, jobID string) error {
	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.IsResumable() {
		return fmt.Errorf("%w: status is %s", ErrNotStartable, job.Status)
	}
	return c.enqueue(jobID, c.runPipeline)
}

// StartExtraction enqueues the extraction stage alone.
func (c *Controller) StartExtraction(ctx context.Context, jobID string) error {
	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !models.CanTransition(job.Status, models.StatusExtracting) {
		return fmt.Errorf("%w: status is %s", ErrNotStartable, job.Status)
	}
	return c.enqueue(jobID, func(ctx context.Context, job *models.Job, flag *atomic.Bool) error {
		_, err := c.runExtraction(ctx, job, flag)
		return err
	})
}

// StartTraining enqueues the training stage alone. From COMPLETE the vector
// collection is rebuilt from scratch, which culls records whose message no
// longer exists.
func (c *Controller) StartTraining(ctx context.Context, jobID string) error {
	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !models.CanTransition(job.Status, models.StatusTraining) {
		return fmt.Errorf("%w: status is %s", ErrNotStartable, job.Status)
	}
	rebuild := job.Status == models.StatusComplete
	return c.enqueue(jobID, func(ctx context.Context, job *models.Job, flag *atomic.Bool) error {
		return c.runTraining(ctx, job.ID, flag, rebuild)
	})
}

// Cancel requests a cooperative stop. A live run trips its flag and stops at
// the next checkpoint; a job left in an active status by a dead process is
// finalised directly.
func (c *Controller) Cancel(ctx context.Context, jobID string) error {
	c.mu.Lock()
	flag, ok := c.active[jobID]
	c.mu.Unlock()
	if ok {
		flag.Store(true)
		c.logger.Info("cancel requested", "job", jobID)
		return nil
	}

	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.IsActive() {
		return fmt.Errorf("%w: status is %s", ErrNotCancellable, job.Status)
	}
	job, err = c.jobs.RecordJobCancel(ctx, jobID)
	if err != nil {
		return err
	}
	c.notify(job)
	return nil
}

// enqueue registers the job as active and hands the run to the pool. The
// per-job guard is taken synchronously so a second start fails fast.
func (c *Controller) enqueue(jobID string, run func(ctx context.Context, job *models.Job, flag *atomic.Bool) error) error {
	c.mu.Lock()
	if _, ok := c.active[jobID]; ok {
		c.mu.Unlock()
		return ErrJobActive
	}
	flag := &atomic.Bool{}
	c.active[jobID] = flag
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.release(jobID)

		ctx := context.Background()
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer c.sem.Release(1)

		job, err := c.jobs.GetJob(ctx, jobID)
		if err != nil {
			c.logger.Error("job vanished before run", "job", jobID, "error", err)
			return
		}
		if err := run(ctx, job, flag); err != nil {
			c.finish(ctx, jobID, err)
		}
	}()
	return nil
}

func (c *Controller) release(jobID string) {
	c.mu.Lock()
	delete(c.active, jobID)
	c.mu.Unlock()
}

// runPipeline executes extract, import, and training in order, skipping
// extraction when the job already has a usable tree.
func (c *Controller) runPipeline(ctx context.Context, job *models.Job, flag *atomic.Bool) error {
	root := job.ExtractPath
	if !usableDir(root) {
		if job.FilePath == "" {
			return errors.New("no staged archive and no extract tree to resume from")
		}
		var err error
		root, err = c.runExtraction(ctx, job, flag)
		if err != nil {
			return err
		}
	}

	if err := c.runImport(ctx, job.ID, root, flag); err != nil {
		return err
	}
	return c.runTraining(ctx, job.ID, flag, false)
}

// runExtraction unpacks the staged archive and records the extract path.
func (c *Controller) runExtraction(ctx context.Context, job *models.Job, flag *atomic.Bool) (string, error) {
	if job.FilePath == "" {
		return "", errors.New("job has no staged archive")
	}
	dest := c.cfg.ExtractDir(job.ID)

	if err := c.advance(ctx, job.ID, models.StatusExtracting, "Starting extraction", 0); err != nil {
		return "", err
	}

	err := extract.Unpack(ctx, job.FilePath, dest, extract.Options{
		OnProgress: func(done, total, percent int) {
			c.bump(ctx, job.ID, models.StatusExtracting,
				fmt.Sprintf("Extracting files... %d/%d", done, total), percent)
		},
		Cancelled: flag.Load,
	})
	if err != nil {
		return "", err
	}

	if err := c.jobs.SetJobExtractPath(ctx, job.ID, dest); err != nil {
		return "", err
	}
	if err := c.advance(ctx, job.ID, models.StatusExtracted, "Extraction complete", 100); err != nil {
		return "", err
	}
	c.logger.Info("extraction complete", "job", job.ID, "dest", dest)
	return dest, nil
}

// runImport feeds the extract tree through the indexer's import phase.
func (c *Controller) runImport(ctx context.Context, jobID, root string, flag *atomic.Bool) error {
	if err := c.advance(ctx, jobID, models.StatusImporting, "Starting import", 0); err != nil {
		return err
	}

	stats, err := c.indexer.Import(ctx, root, ingestion.ImportOptions{
		JobID:       jobID,
		FileStorage: c.cfg.Storage.FileStorage,
		OnProgress: func(done, total int) error {
			return c.advance(ctx, jobID, models.StatusImporting,
				fmt.Sprintf("Imported %d of %d messages", done, total), ratio(done, total))
		},
		Cancelled: flag.Load,
	})
	if err != nil {
		return err
	}

	if err := c.advance(ctx, jobID, models.StatusImported, "Import complete", 100); err != nil {
		return err
	}
	c.logger.Info("import complete", "job", jobID,
		"messages", stats.Messages, "new", stats.NewMessages,
		"duplicates", stats.DuplicateMessages, "failures", stats.Failures)
	return nil
}

// runTraining feeds stored messages through the indexer's training phase.
func (c *Controller) runTraining(ctx context.Context, jobID string, flag *atomic.Bool, rebuild bool) error {
	if err := c.advance(ctx, jobID, models.StatusTraining, "Starting training", 0); err != nil {
		return err
	}

	stats, err := c.indexer.Train(ctx, ingestion.TrainOptions{
		JobID:   jobID,
		Rebuild: rebuild,
		OnProgress: func(done, total int) error {
			return c.advance(ctx, jobID, models.StatusTraining,
				fmt.Sprintf("Trained %d of %d messages", done, total), ratio(done, total))
		},
		Cancelled: flag.Load,
	})
	if err != nil {
		return err
	}

	if err := c.advance(ctx, jobID, models.StatusComplete, "Training complete", 100); err != nil {
		return err
	}
	c.logger.Info("training complete", "job", jobID,
		"documents", stats.Documents, "dimension", stats.Dimension,
		"failures", stats.Failures)
	return nil
}

// finish records the terminal status for a failed or cancelled run.
func (c *Controller) finish(ctx context.Context, jobID string, runErr error) {
	if errors.Is(runErr, extract.ErrCancelled) || errors.Is(runErr, ingestion.ErrCancelled) {
		job, err := c.jobs.RecordJobCancel(ctx, jobID)
		if err != nil {
			c.logger.Error("failed to record cancellation", "job", jobID, "error", err)
			return
		}
		c.logger.Info("job cancelled", "job", jobID)
		c.notify(job)
		return
	}

	job, err := c.jobs.RecordJobError(ctx, jobID, runErr.Error())
	if err != nil {
		c.logger.Error("failed to record job error", "job", jobID, "error", err)
		return
	}
	c.logger.Error("job failed", "job", jobID, "error", runErr)
	c.notify(job)
}

// advance writes a guarded status update and publishes it. A rejected
// transition aborts the stage.
func (c *Controller) advance(ctx context.Context, jobID string, to models.JobStatus, progress string, percent int) error {
	job, err := c.jobs.AdvanceJob(ctx, jobID, to, progress, percent)
	if err != nil {
		return err
	}
	c.notify(job)
	return nil
}

// bump is advance for callbacks that cannot propagate errors; a failed
// write is logged and the stage carries on.
func (c *Controller) bump(ctx context.Context, jobID string, to models.JobStatus, progress string, percent int) {
	if err := c.advance(ctx, jobID, to, progress, percent); err != nil {
		c.logger.Warn("progress write failed", "job", jobID, "error", err)
	}
}

func (c *Controller) notify(job *models.Job) {
	if c.notifier != nil && job != nil {
		c.notifier.NotifyJob(job)
	}
}

// usableDir reports whether path is a non-empty directory.
func usableDir(path string) bool {
	if path == "" {
		return false
	}
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) > 0
}

func ratio(done, total int) int {
	if total <= 0 {
		return 100
	}
	return done * 100 / total
}
