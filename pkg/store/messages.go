package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/testsabirweb/slack_archive/pkg/models"
)

const duplicateKeyCode = 11000

// ScoredMessage is a message annotated with its full-text relevance score.
type ScoredMessage struct {
	models.Message `bson:",inline"`
	Score          float64 `bson:"score" json:"score"`
}

// InsertMessages writes a batch of messages. Inserts are unordered and
// duplicate ids are skipped, so re-importing the same export is idempotent.
// Returns the number of newly inserted messages.
func (s *Store) InsertMessages(ctx context.Context, msgs []models.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	docs := make([]interface{}, len(msgs))
	for i, m := range msgs {
		docs[i] = m
	}

	res, err := s.messages().InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		var bwe mongo.BulkWriteException
		if errors.As(err, &bwe) {
			for _, we := range bwe.WriteErrors {
				if we.Code != duplicateKeyCode {
					return 0, fmt.Errorf("failed to insert messages: %w", err)
				}
			}
			// Every failure was a duplicate; the rest went in.
			return len(msgs) - len(bwe.WriteErrors), nil
		}
		return 0, fmt.Errorf("failed to insert messages: %w", err)
	}

	return len(res.InsertedIDs), nil
}

// TextSearch runs a full-text query over message text, returning up to limit
// messages ordered by descending relevance.
func (s *Store) TextSearch(ctx context.Context, query string, limit int) ([]ScoredMessage, error) {
	filter := bson.M{"$text": bson.M{"$search": query}}
	opts := options.Find().
		SetProjection(bson.M{"score": bson.M{"$meta": "textScore"}}).
		SetSort(bson.D{{Key: "score", Value: bson.M{"$meta": "textScore"}}}).
		SetLimit(int64(limit))

	cursor, err := s.messages().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}

	var results []ScoredMessage
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("failed to decode search results: %w", err)
	}
	return results, nil
}

// GetMessagesByIDs fetches messages by their ids. Missing ids are simply
// absent from the result.
func (s *Store) GetMessagesByIDs(ctx context.Context, ids []string) (map[string]models.Message, error) {
	if len(ids) == 0 {
		return map[string]models.Message{}, nil
	}

	cursor, err := s.messages().Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	var msgs []models.Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}

	byID := make(map[string]models.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}
	return byID, nil
}

// ListMessages pages through one conversation's messages in timestamp order.
func (s *Store) ListMessages(ctx context.Context, conversationID string, skip, limit int, asc bool) ([]models.Message, error) {
	order := -1
	if asc {
		order = 1
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "ts", Value: order}}).
		SetSkip(int64(skip)).
		SetLimit(int64(limit))

	return s.findMessages(ctx, bson.M{"conversation_id": conversationID}, opts)
}

// FilterMessages pages through one conversation's messages newest first,
// optionally narrowed by a case-insensitive regex over the text. An invalid
// regex is treated as a literal string. Returns the page and the total
// matching count.
func (s *Store) FilterMessages(ctx context.Context, conversationID, query string, skip, limit int) ([]models.Message, int64, error) {
	filter := bson.M{"conversation_id": conversationID}
	if query != "" {
		pattern := query
		if _, err := regexp.Compile(pattern); err != nil {
			pattern = regexp.QuoteMeta(pattern)
		}
		filter["text"] = bson.M{"$regex": pattern, "$options": "i"}
	}

	total, err := s.messages().CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "ts", Value: -1}}).
		SetSkip(int64(skip)).
		SetLimit(int64(limit))

	msgs, err := s.findMessages(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// CountMessages returns the total number of stored messages.
func (s *Store) CountMessages(ctx context.Context) (int64, error) {
	n, err := s.messages().CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// CountMessagesByConversation returns the message count for one conversation.
func (s *Store) CountMessagesByConversation(ctx context.Context, conversationID string) (int64, error) {
	n, err := s.messages().CountDocuments(ctx, bson.M{"conversation_id": conversationID})
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// ContextAround returns up to size messages on each side of the given
// timestamp within a conversation, in chronological order, including the
// messages at the timestamp itself.
func (s *Store) ContextAround(ctx context.Context, conversationID string, ts time.Time, size int) ([]models.Message, error) {
	before, err := s.findMessages(ctx,
		bson.M{"conversation_id": conversationID, "ts": bson.M{"$lt": ts}},
		options.Find().SetSort(bson.D{{Key: "ts", Value: -1}}).SetLimit(int64(size)))
	if err != nil {
		return nil, err
	}
	// Fetched newest-first; flip into chronological order.
	for i, j := 0, len(before)-1; i < j; i, j = i+1, j-1 {
		before[i], before[j] = before[j], before[i]
	}

	at, err := s.findMessages(ctx,
		bson.M{"conversation_id": conversationID, "ts": ts},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}

	after, err := s.findMessages(ctx,
		bson.M{"conversation_id": conversationID, "ts": bson.M{"$gt": ts}},
		options.Find().SetSort(bson.D{{Key: "ts", Value: 1}}).SetLimit(int64(size)))
	if err != nil {
		return nil, err
	}

	out := make([]models.Message, 0, len(before)+len(at)+len(after))
	out = append(out, before...)
	out = append(out, at...)
	out = append(out, after...)
	return out, nil
}

// IterateMessages streams every message in deterministic order
// (conversation id, then timestamp), invoking fn with consecutive batches.
// Iteration stops at the first fn error.
func (s *Store) IterateMessages(ctx context.Context, batchSize int, fn func(batch []models.Message) error) error {
	opts := options.Find().
		SetSort(bson.D{{Key: "conversation_id", Value: 1}, {Key: "ts", Value: 1}}).
		SetBatchSize(int32(batchSize))

	cursor, err := s.messages().Find(ctx, bson.M{}, opts)
	if err != nil {
		return fmt.Errorf("failed to stream messages: %w", err)
	}
	defer cursor.Close(ctx)

	batch := make([]models.Message, 0, batchSize)
	for cursor.Next(ctx) {
		var m models.Message
		if err := cursor.Decode(&m); err != nil {
			return fmt.Errorf("failed to decode message: %w", err)
		}
		batch = append(batch, m)
		if len(batch) == batchSize {
			if err := fn(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := cursor.Err(); err != nil {
		return fmt.Errorf("message stream failed: %w", err)
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

func (s *Store) findMessages(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.Message, error) {
	cursor, err := s.messages().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	var msgs []models.Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return msgs, nil
}
