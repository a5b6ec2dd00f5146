package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/testsabirweb/slack_archive/pkg/models"
)

// ErrInvalidTransition is returned when a status write is not permitted by
// the job state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// CreateJob inserts a new job in UPLOADING state and returns it.
func (s *Store) CreateJob(ctx context.Context, filename string, size int64) (*models.Job, error) {
	now := time.Now().UTC()
	job := &models.Job{
		ID:           uuid.NewString(),
		Filename:     filename,
		Size:         size,
		Status:       models.StatusUploading,
		CurrentStage: string(models.StatusUploading),
		Progress:     "Receiving upload",
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if _, err := s.uploads().InsertOne(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := s.uploads().FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// ListJobs returns all jobs, most recently created first.
func (s *Store) ListJobs(ctx context.Context) ([]models.Job, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := s.uploads().Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	var jobs []models.Job
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, fmt.Errorf("failed to decode jobs: %w", err)
	}
	return jobs, nil
}

// AdvanceJob atomically moves a job to a new status, writing the progress
// line and clamped percent. The write is guarded by the state machine: it
// only matches when the current status permits the transition, so concurrent
// writers cannot push a job backwards.
func (s *Store) AdvanceJob(ctx context.Context, id string, to models.JobStatus, progress string, percent int) (*models.Job, error) {
	update := bson.M{"$set": bson.M{
		"status":           to,
		"current_stage":    string(to),
		"progress":         progress,
		"progress_percent": clampPercent(percent),
		"stage_progress":   clampPercent(percent),
		"updated_at":       time.Now().UTC(),
	}}
	return s.guardedUpdate(ctx, id, to, update)
}

// RecordJobError moves a job to ERROR with a failure description. The
// extract path is preserved so the job can be resumed.
func (s *Store) RecordJobError(ctx context.Context, id string, message string) (*models.Job, error) {
	update := bson.M{"$set": bson.M{
		"status":        models.StatusError,
		"current_stage": string(models.StatusError),
		"error":         message,
		"updated_at":    time.Now().UTC(),
	}}
	return s.guardedUpdate(ctx, id, models.StatusError, update)
}

// RecordJobCancel moves a job to CANCELLED, preserving the extract path.
func (s *Store) RecordJobCancel(ctx context.Context, id string) (*models.Job, error) {
	update := bson.M{"$set": bson.M{
		"status":        models.StatusCancelled,
		"current_stage": string(models.StatusCancelled),
		"progress":      "Cancelled",
		"updated_at":    time.Now().UTC(),
	}}
	return s.guardedUpdate(ctx, id, models.StatusCancelled, update)
}

func (s *Store) guardedUpdate(ctx context.Context, id string, to models.JobStatus, update bson.M) (*models.Job, error) {
	filter := bson.M{
		"_id":    id,
		"status": bson.M{"$in": models.TransitionSources(to)},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var job models.Job
	err := s.uploads().FindOneAndUpdate(ctx, filter, update, opts).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		current, getErr := s.GetJob(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	return &job, nil
}

// SetJobFilePath records where the uploaded archive was staged.
func (s *Store) SetJobFilePath(ctx context.Context, id, path string) error {
	return s.setJobField(ctx, id, "file_path", path)
}

// SetJobSize records the staged archive's size once the upload finishes.
func (s *Store) SetJobSize(ctx context.Context, id string, size int64) error {
	update := bson.M{"$set": bson.M{"size": size, "updated_at": time.Now().UTC()}}
	res, err := s.uploads().UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to set size: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetJobExtractPath records where the archive was extracted.
func (s *Store) SetJobExtractPath(ctx context.Context, id, path string) error {
	return s.setJobField(ctx, id, "extract_path", path)
}

func (s *Store) setJobField(ctx context.Context, id, field, value string) error {
	update := bson.M{"$set": bson.M{field: value, "updated_at": time.Now().UTC()}}
	res, err := s.uploads().UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", field, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteJob removes a job record.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.uploads().DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
