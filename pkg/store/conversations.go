package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/testsabirweb/slack_archive/pkg/models"
)

// UpsertConversation writes a conversation keyed by its export channel id.
// Kind and creation metadata are set only on first insert; the mutable
// attributes (name, topic, purpose, archive state, members) follow the
// latest import.
func (s *Store) UpsertConversation(ctx context.Context, c *models.Conversation) error {
	if c.ID == "" {
		return fmt.Errorf("conversation id cannot be empty")
	}

	set := bson.M{
		"name": c.Name,
	}
	if c.Topic != "" {
		set["topic"] = c.Topic
		set["topic_set_by"] = c.TopicSetBy
		set["topic_set_at"] = c.TopicSetAt
	}
	if c.Purpose != "" {
		set["purpose"] = c.Purpose
		set["purpose_set_by"] = c.PurposeSetBy
		set["purpose_set_at"] = c.PurposeSetAt
	}
	if c.IsArchived {
		set["is_archived"] = true
		set["archived_by"] = c.ArchivedBy
		set["archived_at"] = c.ArchivedAt
	}
	if len(c.Members) > 0 {
		set["members"] = c.Members
	}

	setOnInsert := bson.M{
		"kind": c.Kind,
	}
	if !c.CreatedAt.IsZero() {
		setOnInsert["created_at"] = c.CreatedAt
	}
	if c.Creator != "" {
		setOnInsert["creator"] = c.Creator
	}

	_, err := s.conversations().UpdateByID(ctx, c.ID,
		bson.M{"$set": set, "$setOnInsert": setOnInsert},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert conversation %s: %w", c.ID, err)
	}
	return nil
}

// GetConversation fetches one conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.conversations().FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation %s: %w", id, err)
	}
	return &c, nil
}

// GetConversationsByIDs fetches conversations by id. Missing ids are simply
// absent from the result.
func (s *Store) GetConversationsByIDs(ctx context.Context, ids []string) (map[string]models.Conversation, error) {
	if len(ids) == 0 {
		return map[string]models.Conversation{}, nil
	}

	cursor, err := s.conversations().Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversations: %w", err)
	}

	var convs []models.Conversation
	if err := cursor.All(ctx, &convs); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}

	byID := make(map[string]models.Conversation, len(convs))
	for _, c := range convs {
		byID[c.ID] = c
	}
	return byID, nil
}

// ListConversationsOptions filters and pages the conversation list.
type ListConversationsOptions struct {
	Query string // case-insensitive regex over the name
	Kind  models.ConversationKind
	Skip  int
	Limit int
}

// ListConversations returns a page of conversations ordered by name along
// with the total count matching the filter. An invalid regex in Query is
// treated as a literal string.
func (s *Store) ListConversations(ctx context.Context, opts ListConversationsOptions) ([]models.Conversation, int64, error) {
	filter := bson.M{}
	if opts.Query != "" {
		pattern := opts.Query
		if _, err := regexp.Compile(pattern); err != nil {
			pattern = regexp.QuoteMeta(pattern)
		}
		filter["name"] = bson.M{"$regex": pattern, "$options": "i"}
	}
	if opts.Kind != "" {
		filter["kind"] = opts.Kind
	}

	total, err := s.conversations().CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count conversations: %w", err)
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "name", Value: 1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(opts.Skip)).
		SetLimit(int64(opts.Limit))

	cursor, err := s.conversations().Find(ctx, filter, findOpts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list conversations: %w", err)
	}

	var convs []models.Conversation
	if err := cursor.All(ctx, &convs); err != nil {
		return nil, 0, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return convs, total, nil
}

// ConversationStats summarises message activity within one conversation.
type ConversationStats struct {
	MessageCount int64
	Latest       *models.Message
}

// ConversationMessageStats returns per-conversation message counts and the
// most recent message for the given conversation ids in a single
// aggregation.
func (s *Store) ConversationMessageStats(ctx context.Context, ids []string) (map[string]ConversationStats, error) {
	stats := make(map[string]ConversationStats, len(ids))
	if len(ids) == 0 {
		return stats, nil
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"conversation_id": bson.M{"$in": ids}}}},
		{{Key: "$sort", Value: bson.D{{Key: "ts", Value: -1}}}},
		{{Key: "$group", Value: bson.M{
			"_id":    "$conversation_id",
			"count":  bson.M{"$sum": 1},
			"latest": bson.M{"$first": "$$ROOT"},
		}}},
	}

	cursor, err := s.messages().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate conversation stats: %w", err)
	}

	var rows []struct {
		ID     string         `bson:"_id"`
		Count  int64          `bson:"count"`
		Latest models.Message `bson:"latest"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode conversation stats: %w", err)
	}

	for _, row := range rows {
		latest := row.Latest
		stats[row.ID] = ConversationStats{MessageCount: row.Count, Latest: &latest}
	}
	return stats, nil
}
