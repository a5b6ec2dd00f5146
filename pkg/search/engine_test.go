package search

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testsabirweb/slack_archive/pkg/models"
	"github.com/testsabirweb/slack_archive/pkg/store"
	"github.com/testsabirweb/slack_archive/pkg/vector"
)

type fakeDocs struct {
	scored      []store.ScoredMessage
	messages    map[string]models.Message
	convs       map[string]models.Conversation
	textQueries int
}

func (f *fakeDocs) TextSearch(_ context.Context, _ string, _ int) ([]store.ScoredMessage, error) {
	f.textQueries++
	return f.scored, nil
}

func (f *fakeDocs) GetMessagesByIDs(_ context.Context, ids []string) (map[string]models.Message, error) {
	out := make(map[string]models.Message)
	for _, id := range ids {
		if m, ok := f.messages[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

func (f *fakeDocs) GetConversationsByIDs(_ context.Context, ids []string) (map[string]models.Conversation, error) {
	out := make(map[string]models.Conversation)
	for _, id := range ids {
		if c, ok := f.convs[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

type fakeVectors struct {
	results []vector.Result
	queries int
}

func (f *fakeVectors) Search(_ context.Context, _ []float32, _ int) ([]vector.Result, error) {
	f.queries++
	return f.results, nil
}

type fakeEmbedder struct {
	calls int
}

func (f *fakeEmbedder) GenerateEmbedding(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	return []float32{0.1, 0.2, 0.3}, nil
}

func testMessage(id, convID, text string, ts time.Time) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: convID,
		Username:       "alice",
		Text:           text,
		TS:             ts,
		Type:           models.TypeMessage,
	}
}

func newTestEngine(docs *fakeDocs, vectors *fakeVectors, embedder *fakeEmbedder) *Engine {
	return New(docs, vectors, embedder, log.New(io.Discard))
}

func TestSearchEmptyQuery(t *testing.T) {
	docs := &fakeDocs{}
	vectors := &fakeVectors{}
	embedder := &fakeEmbedder{}
	engine := newTestEngine(docs, vectors, embedder)

	results, err := engine.Search(context.Background(), "   ", DefaultAlpha, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, docs.textQueries)
	assert.Zero(t, vectors.queries)
	assert.Zero(t, embedder.calls)
}

func TestSearchLexicalOnly(t *testing.T) {
	base := time.Date(2023, 6, 22, 15, 0, 0, 0, time.UTC)
	docs := &fakeDocs{
		scored: []store.ScoredMessage{
			{Message: testMessage("m1", "C1", "deploy failed", base), Score: 3.0},
			{Message: testMessage("m2", "C1", "deploy ok", base.Add(time.Minute)), Score: 1.5},
			{Message: testMessage("m3", "C2", "deploy slow", base.Add(2 * time.Minute)), Score: 0.5},
		},
		convs: map[string]models.Conversation{
			"C1": {ID: "C1", Name: "ops", Kind: models.KindChannel},
		},
	}
	vectors := &fakeVectors{results: []vector.Result{{ID: "m9", Similarity: 0.99}}}
	embedder := &fakeEmbedder{}
	engine := newTestEngine(docs, vectors, embedder)

	results, err := engine.Search(context.Background(), "deploy", 0, 10)
	require.NoError(t, err)
	require.Len(t, results, 3)

	// alpha=0 must reproduce the text-score order without touching the
	// vector side.
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{results[0].MessageID, results[1].MessageID, results[2].MessageID})
	assert.Zero(t, embedder.calls)
	assert.Zero(t, vectors.queries)

	for _, r := range results {
		assert.True(t, r.KeywordMatch)
		assert.False(t, r.SemanticMatch)
	}
	assert.Equal(t, 1.0, results[0].Score)
	assert.Equal(t, 0.0, results[2].Score)
	assert.Equal(t, "#ops", results[0].ConversationName)
	assert.Equal(t, models.KindChannel, results[0].ConversationKind)
}

func TestSearchVectorOnly(t *testing.T) {
	base := time.Date(2023, 6, 22, 15, 0, 0, 0, time.UTC)
	docs := &fakeDocs{
		scored: []store.ScoredMessage{
			{Message: testMessage("m1", "C1", "unrelated", base), Score: 9.0},
		},
		messages: map[string]models.Message{
			"m2": testMessage("m2", "C1", "release notes", base),
			"m3": testMessage("m3", "C2", "release plan", base.Add(time.Minute)),
		},
	}
	vectors := &fakeVectors{results: []vector.Result{
		{ID: "m2", Similarity: 0.9},
		{ID: "m3", Similarity: 0.4},
	}}
	embedder := &fakeEmbedder{}
	engine := newTestEngine(docs, vectors, embedder)

	results, err := engine.Search(context.Background(), "release", 1, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "m2", results[0].MessageID)
	assert.Equal(t, "m3", results[1].MessageID)
	assert.Zero(t, docs.textQueries)
	assert.Equal(t, 1, embedder.calls)

	for _, r := range results {
		assert.False(t, r.KeywordMatch)
		assert.True(t, r.SemanticMatch)
	}
}

func TestSearchHybridFavorsBothSides(t *testing.T) {
	base := time.Date(2023, 6, 22, 15, 0, 0, 0, time.UTC)
	both := testMessage("both", "C1", "incident report", base)
	lexOnly := testMessage("lex", "C1", "incident log", base.Add(time.Minute))
	vecOnly := testMessage("vec", "C2", "outage summary", base.Add(2*time.Minute))

	docs := &fakeDocs{
		scored: []store.ScoredMessage{
			{Message: lexOnly, Score: 4.0},
			{Message: both, Score: 2.0},
		},
		messages: map[string]models.Message{"vec": vecOnly},
	}
	vectors := &fakeVectors{results: []vector.Result{
		{ID: "vec", Similarity: 0.8},
		{ID: "both", Similarity: 0.6},
	}}
	engine := newTestEngine(docs, vectors, &fakeEmbedder{})

	results, err := engine.Search(context.Background(), "incident", 0.5, 10)
	require.NoError(t, err)
	require.Len(t, results, 3)

	// With two candidates per side, min-max puts the shared hit at 0 on
	// both sides while each single-sided top normalises to 1. The single
	// sided hits tie at 0.5 and recency decides between them.
	assert.Equal(t, "vec", results[0].MessageID)
	assert.Equal(t, "lex", results[1].MessageID)
	assert.Equal(t, "both", results[2].MessageID)

	byID := map[string]Result{}
	for _, r := range results {
		byID[r.MessageID] = r
	}
	assert.True(t, byID["both"].KeywordMatch)
	assert.True(t, byID["both"].SemanticMatch)
	assert.True(t, byID["lex"].KeywordMatch)
	assert.False(t, byID["lex"].SemanticMatch)
	assert.False(t, byID["vec"].KeywordMatch)
	assert.True(t, byID["vec"].SemanticMatch)
}

func TestSearchSharedHitOutranksSingleSides(t *testing.T) {
	base := time.Date(2023, 6, 22, 15, 0, 0, 0, time.UTC)
	both := testMessage("both", "C1", "incident report", base)
	lexTop := testMessage("lexTop", "C1", "incident log", base.Add(time.Minute))
	vecTop := testMessage("vecTop", "C2", "outage summary", base.Add(2*time.Minute))
	filler := testMessage("filler", "C3", "noise", base.Add(3*time.Minute))

	docs := &fakeDocs{
		scored: []store.ScoredMessage{
			{Message: lexTop, Score: 4.0},
			{Message: both, Score: 3.0},
			{Message: filler, Score: 1.0},
		},
		messages: map[string]models.Message{"vecTop": vecTop},
	}
	vectors := &fakeVectors{results: []vector.Result{
		{ID: "vecTop", Similarity: 0.9},
		{ID: "both", Similarity: 0.8},
		{ID: "filler", Similarity: 0.1},
	}}
	engine := newTestEngine(docs, vectors, &fakeEmbedder{})

	results, err := engine.Search(context.Background(), "incident", 0.5, 10)
	require.NoError(t, err)
	require.Len(t, results, 4)

	// both: 0.5*(2/3) + 0.5*(7/8) ≈ 0.77 beats either single-sided top
	// candidate at 0.5.
	assert.Equal(t, "both", results[0].MessageID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestSearchEqualScoresNormalizeToOne(t *testing.T) {
	base := time.Date(2023, 6, 22, 15, 0, 0, 0, time.UTC)
	docs := &fakeDocs{
		scored: []store.ScoredMessage{
			{Message: testMessage("m1", "C1", "a", base), Score: 2.0},
			{Message: testMessage("m2", "C1", "b", base.Add(time.Minute)), Score: 2.0},
		},
	}
	engine := newTestEngine(docs, &fakeVectors{}, &fakeEmbedder{})

	results, err := engine.Search(context.Background(), "q", 0, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, 1.0, results[0].Score)
	assert.Equal(t, 1.0, results[1].Score)
	// Tie broken by recency.
	assert.Equal(t, "m2", results[0].MessageID)
	assert.Equal(t, "m1", results[1].MessageID)
}

func TestSearchSkipsOrphanVectorHits(t *testing.T) {
	base := time.Date(2023, 6, 22, 15, 0, 0, 0, time.UTC)
	docs := &fakeDocs{
		scored: []store.ScoredMessage{
			{Message: testMessage("m1", "C1", "kept", base), Score: 1.0},
		},
		messages: map[string]models.Message{},
	}
	vectors := &fakeVectors{results: []vector.Result{
		{ID: "gone", Similarity: 0.95},
	}}
	engine := newTestEngine(docs, vectors, &fakeEmbedder{})

	results, err := engine.Search(context.Background(), "kept", 0.5, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "m1", results[0].MessageID)
}

func TestSearchClampsAlphaAndLimit(t *testing.T) {
	base := time.Date(2023, 6, 22, 15, 0, 0, 0, time.UTC)
	docs := &fakeDocs{}
	for i := 0; i < 5; i++ {
		docs.scored = append(docs.scored, store.ScoredMessage{
			Message: testMessage(string(rune('a'+i)), "C1", "hit", base.Add(time.Duration(i)*time.Minute)),
			Score:   float64(5 - i),
		})
	}
	vectors := &fakeVectors{}
	embedder := &fakeEmbedder{}
	engine := newTestEngine(docs, vectors, embedder)

	// alpha below range behaves as 0: vector side untouched.
	results, err := engine.Search(context.Background(), "hit", -3, 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Zero(t, embedder.calls)
	assert.Zero(t, vectors.queries)
}
