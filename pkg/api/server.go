// Package api exposes the archive over HTTP: admin endpoints driving the
// ingestion pipeline, hybrid search, conversation browsing, attachment
// serving, and a websocket progress stream.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi"

	"github.com/testsabirweb/slack_archive/internal/config"
	"github.com/testsabirweb/slack_archive/pkg/models"
	"github.com/testsabirweb/slack_archive/pkg/search"
	"github.com/testsabirweb/slack_archive/pkg/store"
)

// JobStore is the job-record surface the admin handlers use.
type JobStore interface {
	CreateJob(ctx context.Context, filename string, size int64) (*models.Job, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context) ([]models.Job, error)
	AdvanceJob(ctx context.Context, id string, to models.JobStatus, progress string, percent int) (*models.Job, error)
	SetJobFilePath(ctx context.Context, id, path string) error
	SetJobSize(ctx context.Context, id string, size int64) error
	DeleteJob(ctx context.Context, id string) error
}

// ArchiveStore is the document-store surface the read and clear handlers use.
type ArchiveStore interface {
	ListConversations(ctx context.Context, opts store.ListConversationsOptions) ([]models.Conversation, int64, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ConversationMessageStats(ctx context.Context, ids []string) (map[string]store.ConversationStats, error)
	FilterMessages(ctx context.Context, conversationID, query string, skip, limit int) ([]models.Message, int64, error)
	ContextAround(ctx context.Context, conversationID string, ts time.Time, size int) ([]models.Message, error)
	GetFile(ctx context.Context, id string) (*models.File, error)
	Count(ctx context.Context) (store.Counts, error)
	Clear(ctx context.Context, opts store.ClearOptions) error
	ClearAll(ctx context.Context) error
	HealthCheck(ctx context.Context) error
}

// VectorStore is the vector-side surface used for clears and health checks.
type VectorStore interface {
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	HealthCheck(ctx context.Context) error
}

// Pipeline triggers job stage runs. Calls return immediately; progress is
// observed through the job store and the websocket hub.
type Pipeline interface {
	Start(ctx context.Context, jobID string) error
	StartExtraction(ctx context.Context, jobID string) error
	StartTraining(ctx context.Context, jobID string) error
	Cancel(ctx context.Context, jobID string) error
}

// Searcher runs hybrid queries over the archive.
type Searcher interface {
	Search(ctx context.Context, query string, alpha float64, limit int) ([]search.Result, error)
}

// Server wires the HTTP surface to the stores and the pipeline.
type Server struct {
	cfg      *config.Config
	jobs     JobStore
	archive  ArchiveStore
	vectors  VectorStore
	pipeline Pipeline
	searcher Searcher
	hub      *Hub
	logger   *log.Logger
}

// NewServer creates an API server over the given dependencies. The hub must
// be running before the server accepts websocket connections.
func NewServer(cfg *config.Config, jobs JobStore, archive ArchiveStore, vectors VectorStore, pipeline Pipeline, searcher Searcher, hub *Hub, logger *log.Logger) *Server {
	return &Server{
		cfg:      cfg,
		jobs:     jobs,
		archive:  archive,
		vectors:  vectors,
		pipeline: pipeline,
		searcher: searcher,
		hub:      hub,
		logger:   logger,
	}
}

// Router returns the HTTP handler for the server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/upload", s.handleUpload)
		r.Get("/import-status", s.handleImportStatus)
		r.Get("/import/{job_id}/status", s.handleJobStatus)
		r.Post("/import/{job_id}/start", s.handleImportStart)
		r.Post("/import/{job_id}/cancel", s.handleImportCancel)
		r.Post("/restart-import/{job_id}", s.handleImportRestart)
		r.Post("/extract/{job_id}/start", s.handleExtractStart)
		r.Post("/embeddings/train/{job_id}", s.handleTrainStart)
		r.Post("/clear-all", s.handleClearAll)
		r.Post("/clear", s.handleClear)
	})

	r.Post("/api/v1/search", s.handleSearch)

	r.Get("/conversations", s.handleListConversations)
	r.Get("/conversations/{conversation_id}", s.handleGetConversation)
	r.Get("/context/{conversation_id}/{ts}", s.handleContext)
	r.Get("/files/{file_id}", s.handleFile)
	r.Get("/ws/progress", s.handleProgressWS)

	return s.withMiddleware(r)
}

// withMiddleware wraps the handler with common middleware
func (s *Server) withMiddleware(h http.Handler) http.Handler {
	// Add CORS headers
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}

func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r)
}

// handleHealth reports connectivity to both stores plus document counts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	backends := map[string]string{"mongo": "ok", "chroma": "ok"}

	if err := s.archive.HealthCheck(ctx); err != nil {
		backends["mongo"] = err.Error()
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if err := s.vectors.HealthCheck(ctx); err != nil {
		backends["chroma"] = err.Error()
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	response := map[string]interface{}{
		"status":   status,
		"service":  "slack-archive",
		"backends": backends,
	}
	if counts, err := s.archive.Count(ctx); err == nil {
		response["counts"] = counts
	}
	s.respond(w, code, response)
}

func (s *Server) respond(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respond(w, status, map[string]string{"error": message})
}
