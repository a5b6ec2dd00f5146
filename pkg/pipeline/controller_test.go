package pipeline

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testsabirweb/slack_archive/internal/config"
	"github.com/testsabirweb/slack_archive/pkg/ingestion"
	"github.com/testsabirweb/slack_archive/pkg/models"
)

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newFakeJobStore(jobs ...*models.Job) *fakeJobStore {
	f := &fakeJobStore{jobs: make(map[string]*models.Job)}
	for _, j := range jobs {
		f.jobs[j.ID] = j
	}
	return f
}

func (f *fakeJobStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: not found", id)
	}
	copied := *job
	return &copied, nil
}

func (f *fakeJobStore) AdvanceJob(_ context.Context, id string, to models.JobStatus, progress string, percent int) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: not found", id)
	}
	if !models.CanTransition(job.Status, to) {
		return nil, fmt.Errorf("invalid status transition: %s -> %s", job.Status, to)
	}
	job.Status = to
	job.Progress = progress
	job.ProgressPercent = percent
	job.UpdatedAt = time.Now().UTC()
	copied := *job
	return &copied, nil
}

func (f *fakeJobStore) RecordJobError(_ context.Context, id, message string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[id]
	job.Status = models.StatusError
	job.Error = message
	copied := *job
	return &copied, nil
}

func (f *fakeJobStore) RecordJobCancel(_ context.Context, id string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[id]
	job.Status = models.StatusCancelled
	copied := *job
	return &copied, nil
}

func (f *fakeJobStore) SetJobExtractPath(_ context.Context, id, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id].ExtractPath = path
	return nil
}

func (f *fakeJobStore) status(id string) models.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id].Status
}

type fakeIndexer struct {
	mu          sync.Mutex
	importCalls int
	trainCalls  int
	lastTrain   ingestion.TrainOptions
	importRoot  string
	importErr   error
	blockImport chan struct{} // when set, Import waits for cancel or close
}

func (f *fakeIndexer) Import(_ context.Context, root string, opts ingestion.ImportOptions) (*ingestion.ImportStats, error) {
	f.mu.Lock()
	f.importCalls++
	f.importRoot = root
	blocker := f.blockImport
	err := f.importErr
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if blocker != nil {
		for {
			select {
			case <-blocker:
				return &ingestion.ImportStats{}, nil
			case <-time.After(5 * time.Millisecond):
				if opts.Cancelled != nil && opts.Cancelled() {
					return nil, ingestion.ErrCancelled
				}
			}
		}
	}
	if opts.OnProgress != nil {
		if err := opts.OnProgress(10, 10); err != nil {
			return nil, err
		}
	}
	return &ingestion.ImportStats{Messages: 10, NewMessages: 10}, nil
}

func (f *fakeIndexer) Train(_ context.Context, opts ingestion.TrainOptions) (*ingestion.TrainStats, error) {
	f.mu.Lock()
	f.trainCalls++
	f.lastTrain = opts
	f.mu.Unlock()

	if opts.Cancelled != nil && opts.Cancelled() {
		return nil, ingestion.ErrCancelled
	}
	if opts.OnProgress != nil {
		if err := opts.OnProgress(10, 10); err != nil {
			return nil, err
		}
	}
	return &ingestion.TrainStats{Documents: 10, Dimension: 3}, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []models.JobStatus
}

func (f *fakeNotifier) NotifyJob(job *models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, job.Status)
}

func (f *fakeNotifier) seen(status models.JobStatus) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.events {
		if s == status {
			return true
		}
	}
	return false
}

// writeArchive builds a minimal export zip on disk.
func writeArchive(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "export.zip")
	out, err := os.Create(path)
	require.NoError(t, err)
	defer out.Close()

	zw := zip.NewWriter(out)
	w, err := zw.Create("channels/general/general.txt")
	require.NoError(t, err)
	_, err = io.WriteString(w, "Channel ID: C01\nType: Channel\n")
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{Storage: config.StorageConfig{DataDir: t.TempDir()}}
}

func testJob(id string, status models.JobStatus) *models.Job {
	return &models.Job{
		ID:        id,
		Filename:  "export.zip",
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
}

func TestStartRunsFullPipeline(t *testing.T) {
	cfg := testConfig(t)
	job := testJob("job-1", models.StatusUploaded)
	job.FilePath = writeArchive(t, t.TempDir())

	jobs := newFakeJobStore(job)
	indexer := &fakeIndexer{}
	notifier := &fakeNotifier{}
	c := New(jobs, indexer, cfg, log.New(io.Discard), WithNotifier(notifier))

	require.NoError(t, c.Start(context.Background(), "job-1"))
	c.Wait()

	assert.Equal(t, models.StatusComplete, jobs.status("job-1"))
	assert.Equal(t, 1, indexer.importCalls)
	assert.Equal(t, 1, indexer.trainCalls)
	assert.False(t, indexer.lastTrain.Rebuild)
	assert.Equal(t, cfg.ExtractDir("job-1"), indexer.importRoot)

	// The extract tree was written and recorded.
	final, err := jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, cfg.ExtractDir("job-1"), final.ExtractPath)
	_, err = os.Stat(filepath.Join(final.ExtractPath, "channels", "general", "general.txt"))
	assert.NoError(t, err)

	for _, status := range []models.JobStatus{
		models.StatusExtracting, models.StatusExtracted,
		models.StatusImporting, models.StatusImported,
		models.StatusTraining, models.StatusComplete,
	} {
		assert.True(t, notifier.seen(status), "missing broadcast for %s", status)
	}
}

func TestStartSkipsExtractionWithUsableTree(t *testing.T) {
	cfg := testConfig(t)
	tree := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tree, "marker.txt"), []byte("x"), 0o644))

	job := testJob("job-2", models.StatusError)
	job.ExtractPath = tree

	jobs := newFakeJobStore(job)
	indexer := &fakeIndexer{}
	c := New(jobs, indexer, cfg, log.New(io.Discard))

	require.NoError(t, c.Start(context.Background(), "job-2"))
	c.Wait()

	assert.Equal(t, models.StatusComplete, jobs.status("job-2"))
	assert.Equal(t, tree, indexer.importRoot)
}

func TestStartRejectsNonResumableStatus(t *testing.T) {
	jobs := newFakeJobStore(testJob("job-3", models.StatusImporting))
	c := New(jobs, &fakeIndexer{}, testConfig(t), log.New(io.Discard))

	err := c.Start(context.Background(), "job-3")
	require.ErrorIs(t, err, ErrNotStartable)
}

func TestStartRejectsActiveJob(t *testing.T) {
	cfg := testConfig(t)
	tree := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tree, "marker.txt"), []byte("x"), 0o644))

	job := testJob("job-4", models.StatusUploaded)
	job.ExtractPath = tree

	jobs := newFakeJobStore(job)
	blocker := make(chan struct{})
	indexer := &fakeIndexer{blockImport: blocker}
	c := New(jobs, indexer, cfg, log.New(io.Discard))

	require.NoError(t, c.Start(context.Background(), "job-4"))

	// Wait until the run is registered, then a second start must refuse.
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.active["job-4"]
		return ok
	}, time.Second, time.Millisecond)

	err := c.Start(context.Background(), "job-4")
	require.ErrorIs(t, err, ErrJobActive)

	close(blocker)
	c.Wait()
}

func TestCancelStopsRunWithinOneCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	tree := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tree, "marker.txt"), []byte("x"), 0o644))

	job := testJob("job-5", models.StatusUploaded)
	job.ExtractPath = tree

	jobs := newFakeJobStore(job)
	indexer := &fakeIndexer{blockImport: make(chan struct{})}
	notifier := &fakeNotifier{}
	c := New(jobs, indexer, cfg, log.New(io.Discard), WithNotifier(notifier))

	require.NoError(t, c.Start(context.Background(), "job-5"))
	require.Eventually(t, func() bool {
		indexer.mu.Lock()
		defer indexer.mu.Unlock()
		return indexer.importCalls == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, c.Cancel(context.Background(), "job-5"))
	c.Wait()

	assert.Equal(t, models.StatusCancelled, jobs.status("job-5"))
	assert.True(t, notifier.seen(models.StatusCancelled))
	// The extract tree survives cancellation.
	_, err := os.Stat(filepath.Join(tree, "marker.txt"))
	assert.NoError(t, err)
}

func TestCancelFinalizesStaleActiveJob(t *testing.T) {
	jobs := newFakeJobStore(testJob("job-6", models.StatusImporting))
	notifier := &fakeNotifier{}
	c := New(jobs, &fakeIndexer{}, testConfig(t), log.New(io.Discard), WithNotifier(notifier))

	require.NoError(t, c.Cancel(context.Background(), "job-6"))
	assert.Equal(t, models.StatusCancelled, jobs.status("job-6"))
	assert.True(t, notifier.seen(models.StatusCancelled))
}

func TestCancelRejectsIdleJob(t *testing.T) {
	jobs := newFakeJobStore(testJob("job-7", models.StatusUploaded))
	c := New(jobs, &fakeIndexer{}, testConfig(t), log.New(io.Discard))

	err := c.Cancel(context.Background(), "job-7")
	require.ErrorIs(t, err, ErrNotCancellable)
}

func TestStartTrainingRebuildsFromComplete(t *testing.T) {
	jobs := newFakeJobStore(testJob("job-8", models.StatusComplete))
	indexer := &fakeIndexer{}
	c := New(jobs, indexer, testConfig(t), log.New(io.Discard))

	require.NoError(t, c.StartTraining(context.Background(), "job-8"))
	c.Wait()

	assert.Equal(t, models.StatusComplete, jobs.status("job-8"))
	assert.Equal(t, 1, indexer.trainCalls)
	assert.True(t, indexer.lastTrain.Rebuild)
	assert.Zero(t, indexer.importCalls)
}

func TestStartTrainingRejectsUploaded(t *testing.T) {
	jobs := newFakeJobStore(testJob("job-9", models.StatusUploaded))
	c := New(jobs, &fakeIndexer{}, testConfig(t), log.New(io.Discard))

	err := c.StartTraining(context.Background(), "job-9")
	require.ErrorIs(t, err, ErrNotStartable)
}

func TestImportFailureRecordsError(t *testing.T) {
	cfg := testConfig(t)
	tree := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tree, "marker.txt"), []byte("x"), 0o644))

	job := testJob("job-10", models.StatusUploaded)
	job.ExtractPath = tree

	jobs := newFakeJobStore(job)
	indexer := &fakeIndexer{importErr: errors.New("document store unavailable")}
	c := New(jobs, indexer, cfg, log.New(io.Discard))

	require.NoError(t, c.Start(context.Background(), "job-10"))
	c.Wait()

	assert.Equal(t, models.StatusError, jobs.status("job-10"))
	final, err := jobs.GetJob(context.Background(), "job-10")
	require.NoError(t, err)
	assert.Contains(t, final.Error, "document store unavailable")
	assert.Equal(t, tree, final.ExtractPath)
}

func TestStartExtractionAlone(t *testing.T) {
	cfg := testConfig(t)
	job := testJob("job-11", models.StatusUploaded)
	job.FilePath = writeArchive(t, t.TempDir())

	jobs := newFakeJobStore(job)
	indexer := &fakeIndexer{}
	c := New(jobs, indexer, cfg, log.New(io.Discard))

	require.NoError(t, c.StartExtraction(context.Background(), "job-11"))
	c.Wait()

	assert.Equal(t, models.StatusExtracted, jobs.status("job-11"))
	assert.Zero(t, indexer.importCalls)

	final, err := jobs.GetJob(context.Background(), "job-11")
	require.NoError(t, err)
	assert.Equal(t, cfg.ExtractDir("job-11"), final.ExtractPath)
}
