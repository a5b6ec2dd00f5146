package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/testsabirweb/slack_archive/internal/config"
	"github.com/testsabirweb/slack_archive/pkg/embeddings"
	"github.com/testsabirweb/slack_archive/pkg/search"
	"github.com/testsabirweb/slack_archive/pkg/store"
	"github.com/testsabirweb/slack_archive/pkg/vector"
)

func main() {
	var (
		query = flag.String("query", "", "Search query (required)")
		alpha = flag.Float64("alpha", search.DefaultAlpha, "Mixing weight: 0 = lexical only, 1 = vector only")
		limit = flag.Int("limit", 10, "Maximum number of results")
		model = flag.String("model", "", "Embedding model (defaults to OLLAMA_EMBED_MODEL)")
	)
	flag.Parse()

	if *query == "" {
		fmt.Println("Usage: search-test -query <text> [options]")
		flag.PrintDefaults()
		os.Exit(0)
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}

	ctx := context.Background()

	st, err := store.New(ctx, cfg.Mongo.URL, cfg.Mongo.Database)
	if err != nil {
		logger.Fatal("Failed to connect to MongoDB", "error", err)
	}
	defer st.Close(ctx)

	vectors, err := vector.NewChromaClient(cfg.ChromaURL())
	if err != nil {
		logger.Fatal("Failed to create Chroma client", "error", err)
	}

	embedModel := cfg.Ollama.Model
	if *model != "" {
		embedModel = *model
	}
	embedder := embeddings.NewOllamaEmbedder(cfg.Ollama.URL, embedModel)

	// The vector side is only queried when alpha > 0, so only probe the
	// embedder when it will be used.
	if *alpha > 0 {
		fmt.Println("Testing embedding generation...")
		testEmbedding, err := embedder.GenerateEmbedding(ctx, "Hello, world!")
		if err != nil {
			logger.Warn("Failed to generate test embedding", "error", err)
			logger.Warn(fmt.Sprintf("Make sure Ollama is running and %s is available (ollama pull %s)", embedModel, embedModel))
		} else {
			fmt.Printf("✓ Embedding generation working (dimension: %d)\n", len(testEmbedding))
		}
	}

	engine := search.New(st, vectors, embedder, logger)

	start := time.Now()
	results, err := engine.Search(ctx, *query, *alpha, *limit)
	if err != nil {
		logger.Fatal("Search failed", "error", err)
	}
	elapsed := time.Since(start)

	fmt.Printf("\n=== Search Results ===\n")
	fmt.Printf("Query: %q (alpha=%.2f)\n", *query, *alpha)
	fmt.Printf("Results: %d in %s\n", len(results), elapsed.Round(time.Millisecond))

	for i, res := range results {
		fmt.Printf("\n--- Result %d ---\n", i+1)
		fmt.Printf("Score: %.4f (lexical %.4f, vector %.4f)\n", res.Score, res.LexicalScore, res.VectorScore)
		name := res.ConversationName
		if name == "" {
			name = res.ConversationID
		}
		fmt.Printf("Conversation: %s\n", name)
		fmt.Printf("User: %s\n", res.Username)
		fmt.Printf("Time: %s\n", res.TS.Format("2006-01-02 15:04:05"))
		fmt.Printf("Matched: %s\n", matchKinds(res))
		fmt.Printf("Text: %s\n", truncateString(res.Text, 200))
	}

	if len(results) == 0 {
		fmt.Println("\nNo results found")
	}
}

func matchKinds(res search.Result) string {
	var kinds []string
	if res.KeywordMatch {
		kinds = append(kinds, "keyword")
	}
	if res.SemanticMatch {
		kinds = append(kinds, "semantic")
	}
	if len(kinds) == 0 {
		return "none"
	}
	return strings.Join(kinds, "+")
}

func truncateString(s string, maxLength int) string {
	if len(s) > maxLength {
		return s[:maxLength] + "..."
	}
	return s
}
