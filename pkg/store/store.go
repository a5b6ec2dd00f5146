// Package store persists conversations, messages, users, upload jobs, and
// failed-import records in MongoDB.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names.
const (
	collMessages      = "messages"
	collConversations = "conversations"
	collUsers         = "users"
	collUploads       = "uploads"
	collFailedImports = "failed_imports"
	collFiles         = "files"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps a MongoDB database holding all archive collections
type Store struct {
	client *mongo.Client
	db     *mongo.Database

	mu      sync.Mutex
	indexed bool
}

// New connects to MongoDB and verifies the connection
func New(ctx context.Context, uri, dbName string) (*Store, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongo URI cannot be empty")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return &Store{
		client: client,
		db:     client.Database(dbName),
	}, nil
}

// Close disconnects from MongoDB
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// HealthCheck verifies the MongoDB connection
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("mongo health check failed: %w", err)
	}
	return nil
}

func (s *Store) messages() *mongo.Collection      { return s.db.Collection(collMessages) }
func (s *Store) conversations() *mongo.Collection { return s.db.Collection(collConversations) }
func (s *Store) users() *mongo.Collection         { return s.db.Collection(collUsers) }
func (s *Store) uploads() *mongo.Collection       { return s.db.Collection(collUploads) }
func (s *Store) failedImports() *mongo.Collection { return s.db.Collection(collFailedImports) }
func (s *Store) files() *mongo.Collection         { return s.db.Collection(collFiles) }

// EnsureIndexes creates the required indexes once per process. Safe to call
// from concurrent workers; only the first call does the work.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexed {
		return nil
	}
	if err := s.createIndexes(ctx); err != nil {
		return err
	}
	s.indexed = true
	return nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	messageIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "text", Value: "text"}}},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "ts", Value: 1}}},
		{Keys: bson.D{{Key: "ts", Value: 1}}},
		{Keys: bson.D{{Key: "username", Value: 1}}},
	}
	if _, err := s.messages().Indexes().CreateMany(ctx, messageIndexes); err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}

	userIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
	}
	if _, err := s.users().Indexes().CreateMany(ctx, userIndexes); err != nil {
		return fmt.Errorf("failed to create user indexes: %w", err)
	}

	failedIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "job_id", Value: 1}}},
	}
	if _, err := s.failedImports().Indexes().CreateMany(ctx, failedIndexes); err != nil {
		return fmt.Errorf("failed to create failed-import indexes: %w", err)
	}

	return nil
}

// ClearOptions selects which data a Clear call removes.
type ClearOptions struct {
	Messages bool // messages, conversations, users, failed imports, files
	Uploads  bool // upload job records
}

// Clear deletes documents from the selected collections. Deletion keeps the
// collections and their indexes so the run-once index guard stays valid.
func (s *Store) Clear(ctx context.Context, opts ClearOptions) error {
	var colls []*mongo.Collection
	if opts.Messages {
		colls = append(colls, s.messages(), s.conversations(), s.users(), s.failedImports(), s.files())
	}
	if opts.Uploads {
		colls = append(colls, s.uploads())
	}

	for _, coll := range colls {
		if _, err := coll.DeleteMany(ctx, bson.M{}); err != nil {
			return fmt.Errorf("failed to clear %s: %w", coll.Name(), err)
		}
	}
	return nil
}

// ClearAll removes every document from every collection.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.Clear(ctx, ClearOptions{Messages: true, Uploads: true})
}

// Counts summarises the stored data for status reporting.
type Counts struct {
	Messages      int64 `json:"messages"`
	Conversations int64 `json:"conversations"`
	Users         int64 `json:"users"`
	FailedImports int64 `json:"failed_imports"`
	Files         int64 `json:"files"`
}

// Count returns document counts across the archive collections.
func (s *Store) Count(ctx context.Context) (Counts, error) {
	var counts Counts
	for _, c := range []struct {
		coll *mongo.Collection
		dst  *int64
	}{
		{s.messages(), &counts.Messages},
		{s.conversations(), &counts.Conversations},
		{s.users(), &counts.Users},
		{s.failedImports(), &counts.FailedImports},
		{s.files(), &counts.Files},
	} {
		n, err := c.coll.CountDocuments(ctx, bson.M{})
		if err != nil {
			return Counts{}, fmt.Errorf("failed to count %s: %w", c.coll.Name(), err)
		}
		*c.dst = n
	}
	return counts, nil
}
