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

// UpsertFiles records attachment metadata keyed by export file id.
func (s *Store) UpsertFiles(ctx context.Context, files []models.File) error {
	if len(files) == 0 {
		return nil
	}

	writes := make([]mongo.WriteModel, 0, len(files))
	for _, f := range files {
		if f.ID == "" {
			continue
		}
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": f.ID}).
			SetUpdate(bson.M{"$set": bson.M{
				"name":     f.Name,
				"mimetype": f.Mimetype,
				"path":     f.Path,
			}}).
			SetUpsert(true))
	}
	if len(writes) == 0 {
		return nil
	}

	_, err := s.files().BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("failed to upsert files: %w", err)
	}
	return nil
}

// GetFile fetches attachment metadata by export file id.
func (s *Store) GetFile(ctx context.Context, id string) (*models.File, error) {
	var f models.File
	err := s.files().FindOne(ctx, bson.M{"_id": id}).Decode(&f)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch file %s: %w", id, err)
	}
	return &f, nil
}

// InsertFailedImports records parse or write failures captured during a job.
// Records never block the job, so a write failure here is returned to the
// caller for logging only.
func (s *Store) InsertFailedImports(ctx context.Context, fails []models.FailedImport) error {
	if len(fails) == 0 {
		return nil
	}

	docs := make([]interface{}, len(fails))
	for i, f := range fails {
		if f.ID == "" {
			f.ID = uuid.New().String()
		}
		if f.CapturedAt.IsZero() {
			f.CapturedAt = time.Now().UTC()
		}
		docs[i] = f
	}

	_, err := s.failedImports().InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("failed to record import failures: %w", err)
	}
	return nil
}

// ListFailedImports returns the most recent failures for one job.
func (s *Store) ListFailedImports(ctx context.Context, jobID string, limit int) ([]models.FailedImport, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "captured_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.failedImports().Find(ctx, bson.M{"job_id": jobID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list import failures: %w", err)
	}

	var fails []models.FailedImport
	if err := cursor.All(ctx, &fails); err != nil {
		return nil, fmt.Errorf("failed to decode import failures: %w", err)
	}
	return fails, nil
}
