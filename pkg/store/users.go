package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/testsabirweb/slack_archive/pkg/models"
)

// UpsertUsers merges per-user activity observed during an import into the
// users collection in one bulk write. first_seen only ever moves earlier,
// last_seen only later, conversation sets grow, and message counts
// accumulate across imports.
func (s *Store) UpsertUsers(ctx context.Context, users []models.User) error {
	if len(users) == 0 {
		return nil
	}

	writes := make([]mongo.WriteModel, 0, len(users))
	for _, u := range users {
		if u.Username == "" {
			continue
		}
		update := bson.M{
			"$min": bson.M{"first_seen": u.FirstSeen},
			"$max": bson.M{"last_seen": u.LastSeen},
			"$inc": bson.M{"message_count": u.MessageCount},
		}
		if len(u.Conversations) > 0 {
			update["$addToSet"] = bson.M{"conversations": bson.M{"$each": u.Conversations}}
		}
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"username": u.Username}).
			SetUpdate(update).
			SetUpsert(true))
	}
	if len(writes) == 0 {
		return nil
	}

	_, err := s.users().BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("failed to upsert users: %w", err)
	}
	return nil
}

// ListUsers returns every known user ordered by username.
func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	opts := options.Find().SetSort(bson.D{{Key: "username", Value: 1}})
	cursor, err := s.users().Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	var users []models.User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("failed to decode users: %w", err)
	}
	return users, nil
}
