package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/testsabirweb/slack_archive/internal/config"
	"github.com/testsabirweb/slack_archive/pkg/api"
	"github.com/testsabirweb/slack_archive/pkg/embeddings"
	"github.com/testsabirweb/slack_archive/pkg/ingestion"
	"github.com/testsabirweb/slack_archive/pkg/pipeline"
	"github.com/testsabirweb/slack_archive/pkg/search"
	"github.com/testsabirweb/slack_archive/pkg/store"
	"github.com/testsabirweb/slack_archive/pkg/vector"
)

func main() {
	logger := log.NewWithOptions(os.Stdout, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})
	logger.Info("Starting slack-archive server...")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}

	ctx := context.Background()

	st, err := store.New(ctx, cfg.Mongo.URL, cfg.Mongo.Database)
	if err != nil {
		logger.Fatal("Failed to connect to MongoDB", "error", err)
	}
	if err := st.EnsureIndexes(ctx); err != nil {
		logger.Fatal("Failed to create MongoDB indexes", "error", err)
	}

	vectors, err := vector.NewChromaClient(cfg.ChromaURL())
	if err != nil {
		logger.Fatal("Failed to create Chroma client", "error", err)
	}
	if err := vectors.Initialize(ctx); err != nil {
		// The server still serves uploads and lexical search without the
		// vector store; training will surface the error per job.
		logger.Warn("Vector store unavailable at startup", "error", err)
	}

	embedder := embeddings.NewOllamaEmbedder(cfg.Ollama.URL, cfg.Ollama.Model)
	indexer := ingestion.NewService(st, vectors, embedder, logger)
	engine := search.New(st, vectors, embedder, logger)

	hub := api.NewHub(logger)
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go hub.Run(hubCtx)

	controller := pipeline.New(st, indexer, cfg, logger, pipeline.WithNotifier(hub))

	server := api.NewServer(cfg, st, st, vectors, controller, engine, hub, logger)

	// Uploads stream archives of arbitrary size, so only the header read
	// gets a fixed deadline.
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("Server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	// Let in-flight pipeline runs finish their current checkpoint before
	// the stores go away.
	controller.Wait()
	stopHub()

	if err := st.Close(shutdownCtx); err != nil {
		logger.Error("Failed to close MongoDB connection", "error", err)
	}

	logger.Info("Server exited")
}
