package vector

import (
	"context"
	"fmt"
	"sync"

	chroma "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"
)

// CollectionName is the single Chroma collection holding message vectors.
const CollectionName = "messages"

// ChromaClient implements the Client interface for Chroma
type ChromaClient struct {
	client chroma.Client

	mu  sync.Mutex
	col chroma.Collection
}

var _ Client = (*ChromaClient)(nil)

// NewChromaClient creates a new Chroma client
func NewChromaClient(baseURL string) (*ChromaClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("chroma base URL cannot be empty")
	}

	client, err := chroma.NewHTTPClient(chroma.WithBaseURL(baseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create chroma client: %w", err)
	}

	return &ChromaClient{client: client}, nil
}

// Initialize creates the messages collection with cosine distance if it does
// not already exist.
func (c *ChromaClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureCollection(ctx)
}

// ensureCollection must be called with c.mu held.
func (c *ChromaClient) ensureCollection(ctx context.Context) error {
	if c.col != nil {
		return nil
	}

	col, err := c.client.GetOrCreateCollection(ctx, CollectionName,
		chroma.WithCollectionMetadataCreate(
			chroma.NewMetadata(
				chroma.NewStringAttribute("hnsw:space", "cosine"),
			),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to get or create collection: %w", err)
	}

	c.col = col
	return nil
}

func (c *ChromaClient) collection(ctx context.Context) (chroma.Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return c.col, nil
}

// Upsert writes documents keyed by message id
func (c *ChromaClient) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	col, err := c.collection(ctx)
	if err != nil {
		return err
	}

	ids := make([]chroma.DocumentID, len(docs))
	vecs := make([]embeddings.Embedding, len(docs))
	texts := make([]string, len(docs))
	metas := make([]chroma.DocumentMetadata, len(docs))
	for i, doc := range docs {
		ids[i] = chroma.DocumentID(doc.ID)
		vecs[i] = embeddings.NewEmbeddingFromFloat32(doc.Embedding)
		texts[i] = doc.Content
		metas[i] = chroma.NewDocumentMetadata(
			chroma.NewStringAttribute("conversation_id", doc.ConversationID),
			chroma.NewStringAttribute("username", doc.Username),
			chroma.NewIntAttribute("ts", doc.TS.Unix()),
			chroma.NewStringAttribute("snippet", doc.Content),
		)
	}

	err = col.Upsert(ctx,
		chroma.WithIDs(ids...),
		chroma.WithEmbeddings(vecs...),
		chroma.WithTexts(texts...),
		chroma.WithMetadatas(metas...),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert documents: %w", err)
	}
	return nil
}

// Search performs vector similarity search in Chroma
func (c *ChromaClient) Search(ctx context.Context, query []float32, limit int) ([]Result, error) {
	col, err := c.collection(ctx)
	if err != nil {
		return nil, err
	}

	qr, err := col.Query(ctx,
		chroma.WithQueryEmbeddings(embeddings.NewEmbeddingFromFloat32(query)),
		chroma.WithNResults(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection: %w", err)
	}

	idGroups := qr.GetIDGroups()
	distGroups := qr.GetDistancesGroups()
	if len(idGroups) == 0 {
		return nil, nil
	}

	ids := idGroups[0]
	results := make([]Result, 0, len(ids))
	for i, id := range ids {
		r := Result{ID: string(id)}
		if len(distGroups) > 0 && i < len(distGroups[0]) {
			// Chroma reports cosine distance; similarity = 1 - distance.
			r.Similarity = 1 - float64(distGroups[0][i])
		}
		results = append(results, r)
	}
	return results, nil
}

// Delete removes documents from Chroma by id
func (c *ChromaClient) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	col, err := c.collection(ctx)
	if err != nil {
		return err
	}

	docIDs := make([]chroma.DocumentID, len(ids))
	for i, id := range ids {
		docIDs[i] = chroma.DocumentID(id)
	}

	if err := col.Delete(ctx, chroma.WithIDsDelete(docIDs...)); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	return nil
}

// Clear drops the collection and recreates it empty
func (c *ChromaClient) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.client.DeleteCollection(ctx, CollectionName); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	c.col = nil
	return c.ensureCollection(ctx)
}

// Count returns the number of stored documents
func (c *ChromaClient) Count(ctx context.Context) (int, error) {
	col, err := c.collection(ctx)
	if err != nil {
		return 0, err
	}

	count, err := col.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

// HealthCheck verifies the Chroma connection by counting the collection
func (c *ChromaClient) HealthCheck(ctx context.Context) error {
	if _, err := c.Count(ctx); err != nil {
		return fmt.Errorf("chroma health check failed: %w", err)
	}
	return nil
}

// Close releases the underlying HTTP client.
func (c *ChromaClient) Close() error {
	return c.client.Close()
}
