package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/testsabirweb/slack_archive/internal/config"
	"github.com/testsabirweb/slack_archive/pkg/vector"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	fmt.Printf("Connecting to Chroma at %s...\n", cfg.ChromaURL())
	client, err := vector.NewChromaClient(cfg.ChromaURL())
	if err != nil {
		log.Fatalf("Failed to create Chroma client: %v", err)
	}

	ctx := context.Background()

	fmt.Println("Checking Chroma health...")
	if err := client.HealthCheck(ctx); err != nil {
		log.Fatalf("Chroma health check failed: %v", err)
	}
	fmt.Println("✓ Chroma is healthy")

	fmt.Println("Initializing messages collection...")
	if err := client.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize collection: %v", err)
	}
	fmt.Println("✓ Collection initialized successfully")

	// Test document operations
	if len(os.Args) > 1 && os.Args[1] == "test" {
		fmt.Println("\nTesting document operations...")
		testDocument(ctx, client)
	}

	count, err := client.Count(ctx)
	if err != nil {
		log.Fatalf("Failed to count documents: %v", err)
	}
	fmt.Printf("\nStored documents: %d\n", count)

	fmt.Println("\nChroma setup completed successfully!")
}

func testDocument(ctx context.Context, client vector.Client) {
	doc := vector.Document{
		ID:             "setup-test-doc",
		Content:        "This is a test document created during Chroma setup",
		ConversationID: "setup-test",
		Username:       "chroma-setup",
		TS:             time.Now().UTC(),
		// Simple test embedding
		Embedding: make([]float32, 384),
	}
	for i := range doc.Embedding {
		doc.Embedding[i] = float32(i) / 384.0
	}

	fmt.Printf("Storing test document with ID: %s...\n", doc.ID)
	if err := client.Upsert(ctx, []vector.Document{doc}); err != nil {
		log.Printf("Failed to store document: %v", err)
		return
	}
	fmt.Println("✓ Document stored successfully")

	fmt.Printf("Deleting test document...\n")
	if err := client.Delete(ctx, []string{doc.ID}); err != nil {
		log.Printf("Failed to delete document: %v", err)
		return
	}
	fmt.Println("✓ Document deleted successfully")
}
