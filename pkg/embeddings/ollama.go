// Package embeddings generates text embeddings through a locally running
// Ollama instance.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultMaxRetries = 5
	defaultRetryBase  = 500 * time.Millisecond
	defaultRetryCap   = 16 * time.Second
)

// OllamaEmbedder handles embedding generation using Ollama
type OllamaEmbedder struct {
	client  *http.Client
	baseURL string
	model   string

	maxRetries uint64
	retryBase  time.Duration
	retryCap   time.Duration
}

// NewOllamaEmbedder creates a new Ollama embedder
func NewOllamaEmbedder(baseURL, model string) *OllamaEmbedder {
	return &OllamaEmbedder{
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		baseURL:    baseURL,
		model:      model,
		maxRetries: defaultMaxRetries,
		retryBase:  defaultRetryBase,
		retryCap:   defaultRetryCap,
	}
}

// EmbedRequest represents the request to the Ollama embeddings API
type EmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// EmbedResponse represents the response from the Ollama embeddings API
type EmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// GenerateEmbedding generates an embedding for the given text. Transient
// failures (5xx, network errors) are retried with exponential backoff;
// client errors fail immediately.
func (e *OllamaEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	var embedding []float32
	op := func() error {
		vec, err := e.embedOnce(ctx, text)
		if err != nil {
			return err
		}
		embedding = vec
		return nil
	}

	if err := backoff.Retry(op, e.retryPolicy(ctx)); err != nil {
		return nil, err
	}
	return embedding, nil
}

func (e *OllamaEmbedder) embedOnce(ctx context.Context, text string) ([]float32, error) {
	req := EmbedRequest{
		Model:  e.model,
		Prompt: text,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/api/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var embedResp EmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(embedResp.Embedding) == 0 {
		return nil, backoff.Permanent(fmt.Errorf("no embedding returned"))
	}

	return embedResp.Embedding, nil
}

func (e *OllamaEmbedder) retryPolicy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryBase
	b.MaxInterval = e.retryCap
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, e.maxRetries), ctx)
}

// GenerateEmbeddings generates embeddings for multiple texts. Requests are
// issued one at a time so a single local model instance is not overwhelmed.
func (e *OllamaEmbedder) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))

	for i, text := range texts {
		embedding, err := e.GenerateEmbedding(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to generate embedding for text %d: %w", i, err)
		}
		embeddings[i] = embedding
	}

	return embeddings, nil
}

// GetEmbeddingDimension returns the dimension of embeddings for the model
func (e *OllamaEmbedder) GetEmbeddingDimension(ctx context.Context) (int, error) {
	// Generate a test embedding to get dimension
	embedding, err := e.GenerateEmbedding(ctx, "test")
	if err != nil {
		return 0, fmt.Errorf("failed to get embedding dimension: %w", err)
	}
	return len(embedding), nil
}
