package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/testsabirweb/slack_archive/internal/config"
	"github.com/testsabirweb/slack_archive/pkg/embeddings"
	"github.com/testsabirweb/slack_archive/pkg/extract"
	"github.com/testsabirweb/slack_archive/pkg/ingestion"
	"github.com/testsabirweb/slack_archive/pkg/store"
	"github.com/testsabirweb/slack_archive/pkg/vector"
)

func main() {
	var (
		inputPath    = flag.String("input", "", "Path to a .zip export archive or an extracted export tree")
		batchSize    = flag.Int("batch-size", ingestion.DefaultImportBatchSize, "Messages per insert batch")
		trainBatch   = flag.Int("train-batch", ingestion.DefaultTrainBatchSize, "Messages per embedding batch")
		model        = flag.String("model", "", "Embedding model (defaults to OLLAMA_EMBED_MODEL)")
		skipTraining = flag.Bool("skip-training", false, "Import only, leave embeddings untouched")
		trainOnly    = flag.Bool("train-only", false, "Embed already-imported messages without importing")
		rebuild      = flag.Bool("rebuild", false, "Clear the vector collection before training")
		help         = flag.Bool("help", false, "Show usage information")
	)

	flag.Parse()

	if *help || (*inputPath == "" && !*trainOnly) {
		printUsage()
		os.Exit(0)
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})

	if *skipTraining && *trainOnly {
		logger.Fatal("-skip-training and -train-only are mutually exclusive")
	}

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
	if err := st.EnsureIndexes(ctx); err != nil {
		logger.Fatal("Failed to create MongoDB indexes", "error", err)
	}

	vectors, err := vector.NewChromaClient(cfg.ChromaURL())
	if err != nil {
		logger.Fatal("Failed to create Chroma client", "error", err)
	}

	embedModel := cfg.Ollama.Model
	if *model != "" {
		embedModel = *model
	}
	embedder := embeddings.NewOllamaEmbedder(cfg.Ollama.URL, embedModel)

	service := ingestion.NewService(st, vectors, embedder, logger)

	if !*trainOnly {
		root, cleanup, err := resolveInput(ctx, *inputPath)
		if err != nil {
			logger.Fatal("Failed to resolve input", "error", err)
		}
		defer cleanup()

		logger.Info("Importing export tree", "root", root)
		stats, err := service.Import(ctx, root, ingestion.ImportOptions{
			BatchSize:   *batchSize,
			FileStorage: cfg.Storage.FileStorage,
		})
		if err != nil {
			logger.Fatal("Import failed", "error", err)
		}
		printImportStats(stats)
	}

	if *skipTraining {
		return
	}

	logger.Info("Training embeddings", "model", embedModel)
	stats, err := service.Train(ctx, ingestion.TrainOptions{
		BatchSize: *trainBatch,
		Rebuild:   *rebuild,
	})
	if err != nil {
		logger.Fatal("Training failed", "error", err)
	}
	printTrainStats(stats)
}

// resolveInput turns the -input flag into an export tree root. Archives are
// unpacked into a temporary directory that the returned cleanup removes.
func resolveInput(ctx context.Context, path string) (string, func(), error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", nil, err
	}
	if info.IsDir() {
		return path, func() {}, nil
	}
	if !strings.EqualFold(filepath.Ext(path), ".zip") {
		return "", nil, fmt.Errorf("input %s is neither a directory nor a .zip archive", path)
	}

	dest, err := os.MkdirTemp("", "slack-archive-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(dest) }

	fmt.Printf("Extracting %s...\n", filepath.Base(path))
	if err := extract.Unpack(ctx, path, dest, extract.Options{}); err != nil {
		cleanup()
		return "", nil, err
	}
	return dest, cleanup, nil
}

func printImportStats(stats *ingestion.ImportStats) {
	fmt.Println("\n=== Import Complete ===")
	fmt.Printf("Duration: %s\n", stats.Duration.Round(time.Second))
	fmt.Printf("Files parsed: %d\n", stats.Files)
	fmt.Printf("Conversations: %d\n", stats.Conversations)
	fmt.Printf("Messages seen: %d\n", stats.Messages)
	fmt.Printf("New messages: %d\n", stats.NewMessages)
	fmt.Printf("Duplicates skipped: %d\n", stats.DuplicateMessages)
	fmt.Printf("Users: %d\n", stats.Users)
	fmt.Printf("Attached files: %d\n", stats.AttachedFiles)
	fmt.Printf("Parse failures: %d\n", stats.Failures)

	if stats.NewMessages > 0 && stats.Duration > 0 {
		fmt.Printf("\nImport rate: %.2f messages/second\n", float64(stats.NewMessages)/stats.Duration.Seconds())
	}
}

func printTrainStats(stats *ingestion.TrainStats) {
	fmt.Println("\n=== Training Complete ===")
	fmt.Printf("Duration: %s\n", stats.Duration.Round(time.Second))
	fmt.Printf("Messages embedded: %d\n", stats.Messages)
	fmt.Printf("Documents stored: %d\n", stats.Documents)
	fmt.Printf("Zero vectors: %d\n", stats.ZeroVectors)
	fmt.Printf("Failed batches: %d\n", stats.Failures)
	fmt.Printf("Embedding dimension: %d\n", stats.Dimension)

	if stats.Messages > 0 && stats.Duration > 0 {
		fmt.Printf("\nTraining rate: %.2f messages/second\n", float64(stats.Messages)/stats.Duration.Seconds())
	}
}

func printUsage() {
	fmt.Println("Slack Archive Ingestion Tool")
	fmt.Println("\nUsage:")
	fmt.Println("  ingest -input <path> [options]")
	fmt.Println("\nRequired:")
	fmt.Println("  -input string")
	fmt.Println("        Path to a .zip export archive or an extracted export tree")
	fmt.Println("\nOptions:")
	flag.PrintDefaults()
	fmt.Println("\nExamples:")
	fmt.Println("  # Import and train from an export archive")
	fmt.Println("  ingest -input slack_export.zip")
	fmt.Println("\n  # Import an already-extracted tree without training")
	fmt.Println("  ingest -input data/extracts/job-1 -skip-training")
	fmt.Println("\n  # Re-embed everything from scratch")
	fmt.Println("  ingest -train-only -rebuild")
}
