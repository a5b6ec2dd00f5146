// Package search fuses full-text and vector retrieval over the message
// archive into a single ranked result list.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/testsabirweb/slack_archive/pkg/models"
	"github.com/testsabirweb/slack_archive/pkg/store"
	"github.com/testsabirweb/slack_archive/pkg/vector"
)

const (
	// DefaultAlpha balances lexical and vector scores evenly.
	DefaultAlpha = 0.5

	// DefaultLimit is the result count when the caller does not set one.
	DefaultLimit = 50

	// MaxLimit caps the result count per query.
	MaxLimit = 100

	// candidateFactor widens each retrieval side beyond the requested
	// limit so fusion has overlap to work with.
	candidateFactor = 2
)

// DocumentStore is the subset of the archive store the engine reads.
type DocumentStore interface {
	TextSearch(ctx context.Context, query string, limit int) ([]store.ScoredMessage, error)
	GetMessagesByIDs(ctx context.Context, ids []string) (map[string]models.Message, error)
	GetConversationsByIDs(ctx context.Context, ids []string) (map[string]models.Conversation, error)
}

// VectorSearcher answers nearest-neighbour queries over stored embeddings.
type VectorSearcher interface {
	Search(ctx context.Context, query []float32, limit int) ([]vector.Result, error)
}

// Embedder turns the query text into an embedding.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Result is one ranked search hit joined with its conversation details.
type Result struct {
	MessageID        string                  `json:"message_id"`
	ConversationID   string                  `json:"conversation_id"`
	ConversationName string                  `json:"conversation_name,omitempty"`
	ConversationKind models.ConversationKind `json:"conversation_kind,omitempty"`
	Username         string                  `json:"username"`
	Text             string                  `json:"text"`
	TS               time.Time               `json:"ts"`
	Score            float64                 `json:"score"`
	LexicalScore     float64                 `json:"lexical_score"`
	VectorScore      float64                 `json:"vector_score"`
	KeywordMatch     bool                    `json:"keyword_match"`
	SemanticMatch    bool                    `json:"semantic_match"`
}

// Engine runs hybrid queries. It holds no per-query state and is safe for
// concurrent use.
type Engine struct {
	docs     DocumentStore
	vectors  VectorSearcher
	embedder Embedder
	logger   *log.Logger
}

// New creates a search engine over the given stores.
func New(docs DocumentStore, vectors VectorSearcher, embedder Embedder, logger *log.Logger) *Engine {
	return &Engine{
		docs:     docs,
		vectors:  vectors,
		embedder: embedder,
		logger:   logger,
	}
}

// fusedHit accumulates both retrieval sides for one message id.
type fusedHit struct {
	msg      models.Message
	hasMsg   bool
	lexical  float64
	vec      float64
	keyword  bool
	semantic bool
}

// Search runs the query through both retrieval sides and fuses the scores
// as (1-alpha)*lexical + alpha*vector after min-max normalisation of each
// side. alpha=0 reproduces pure full-text ranking, alpha=1 pure vector
// ranking; the unused side is never queried. An empty query returns an
// empty result without touching the stores.
func (e *Engine) Search(ctx context.Context, query string, alpha float64, limit int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Result{}, nil
	}

	if alpha < 0 {
		alpha = 0
	} else if alpha > 1 {
		alpha = 1
	}
	if limit <= 0 {
		limit = DefaultLimit
	} else if limit > MaxLimit {
		limit = MaxLimit
	}
	candidates := limit * candidateFactor

	var (
		lexical []store.ScoredMessage
		nearest []vector.Result
	)

	g, gctx := errgroup.WithContext(ctx)
	if alpha < 1 {
		g.Go(func() error {
			var err error
			lexical, err = e.docs.TextSearch(gctx, query, candidates)
			if err != nil {
				return fmt.Errorf("lexical search failed: %w", err)
			}
			return nil
		})
	}
	if alpha > 0 {
		g.Go(func() error {
			embedding, err := e.embedder.GenerateEmbedding(gctx, query)
			if err != nil {
				return fmt.Errorf("failed to embed query: %w", err)
			}
			nearest, err = e.vectors.Search(gctx, embedding, candidates)
			if err != nil {
				return fmt.Errorf("vector search failed: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	hits := make(map[string]*fusedHit, len(lexical)+len(nearest))

	lexMin, lexMax := scoreBounds(lexical, func(m store.ScoredMessage) float64 { return m.Score })
	for _, sm := range lexical {
		h := ensureHit(hits, sm.ID)
		h.msg = sm.Message
		h.hasMsg = true
		h.lexical = normalize(sm.Score, lexMin, lexMax)
		h.keyword = true
	}

	vecMin, vecMax := scoreBounds(nearest, func(r vector.Result) float64 { return r.Similarity })
	for _, r := range nearest {
		h := ensureHit(hits, r.ID)
		h.vec = normalize(r.Similarity, vecMin, vecMax)
		h.semantic = true
	}

	if err := e.resolveMessages(ctx, hits); err != nil {
		return nil, err
	}

	ranked := make([]Result, 0, len(hits))
	for id, h := range hits {
		if !h.hasMsg {
			// Vector record without a stored message; stale until the
			// next training pass culls it.
			e.logger.Debug("skipping orphan vector hit", "id", id)
			continue
		}
		ranked = append(ranked, Result{
			MessageID:      id,
			ConversationID: h.msg.ConversationID,
			Username:       h.msg.Username,
			Text:           h.msg.Text,
			TS:             h.msg.TS,
			Score:          (1-alpha)*h.lexical + alpha*h.vec,
			LexicalScore:   h.lexical,
			VectorScore:    h.vec,
			KeywordMatch:   h.keyword,
			SemanticMatch:  h.semantic,
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if !ranked[i].TS.Equal(ranked[j].TS) {
			return ranked[i].TS.After(ranked[j].TS)
		}
		if ranked[i].ConversationID != ranked[j].ConversationID {
			return ranked[i].ConversationID < ranked[j].ConversationID
		}
		return ranked[i].MessageID < ranked[j].MessageID
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	if err := e.joinConversations(ctx, ranked); err != nil {
		return nil, err
	}
	return ranked, nil
}

// resolveMessages loads the stored message for hits that only the vector
// side produced.
func (e *Engine) resolveMessages(ctx context.Context, hits map[string]*fusedHit) error {
	var missing []string
	for id, h := range hits {
		if !h.hasMsg {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	byID, err := e.docs.GetMessagesByIDs(ctx, missing)
	if err != nil {
		return err
	}
	for id, m := range byID {
		hits[id].msg = m
		hits[id].hasMsg = true
	}
	return nil
}

// joinConversations annotates results with the display name and kind of
// their conversation.
func (e *Engine) joinConversations(ctx context.Context, results []Result) error {
	if len(results) == 0 {
		return nil
	}

	ids := lo.Uniq(lo.Map(results, func(r Result, _ int) string { return r.ConversationID }))
	convs, err := e.docs.GetConversationsByIDs(ctx, ids)
	if err != nil {
		return err
	}

	for i := range results {
		if c, ok := convs[results[i].ConversationID]; ok {
			results[i].ConversationName = c.DisplayName()
			results[i].ConversationKind = c.Kind
		}
	}
	return nil
}

func ensureHit(hits map[string]*fusedHit, id string) *fusedHit {
	h, ok := hits[id]
	if !ok {
		h = &fusedHit{}
		hits[id] = h
	}
	return h
}

// scoreBounds returns the min and max score over one candidate set.
func scoreBounds[T any](items []T, score func(T) float64) (min, max float64) {
	for i, item := range items {
		s := score(item)
		if i == 0 {
			min, max = s, s
			continue
		}
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	return min, max
}

// normalize maps a score onto [0,1] within its candidate set. When every
// candidate scored the same, each maps to 1 so the side still contributes.
func normalize(s, min, max float64) float64 {
	if max > min {
		return (s - min) / (max - min)
	}
	return 1.0
}
