// Package ingestion turns a parsed export tree into stored documents and
// trained vectors. It implements the import and training phases that the
// pipeline controller sequences.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/samber/lo"

	"github.com/testsabirweb/slack_archive/pkg/models"
	"github.com/testsabirweb/slack_archive/pkg/parser"
	"github.com/testsabirweb/slack_archive/pkg/processing"
	"github.com/testsabirweb/slack_archive/pkg/vector"
)

// ErrCancelled reports a cooperative stop between batches.
var ErrCancelled = errors.New("ingestion cancelled")

// Default batch sizes per phase.
const (
	DefaultImportBatchSize = 500
	DefaultTrainBatchSize  = 64
)

// DocumentStore is the subset of the archive store the indexer writes to.
type DocumentStore interface {
	UpsertConversation(ctx context.Context, c *models.Conversation) error
	InsertMessages(ctx context.Context, msgs []models.Message) (int, error)
	UpsertUsers(ctx context.Context, users []models.User) error
	UpsertFiles(ctx context.Context, files []models.File) error
	InsertFailedImports(ctx context.Context, fails []models.FailedImport) error
	CountMessages(ctx context.Context) (int64, error)
	IterateMessages(ctx context.Context, batchSize int, fn func(batch []models.Message) error) error
}

// Embedder produces embeddings and reports their dimension.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	GetEmbeddingDimension(ctx context.Context) (int, error)
}

// Service runs the import and training phases against the document and
// vector stores.
type Service struct {
	store     DocumentStore
	vectors   vector.Client
	embedder  Embedder
	processor *processing.DocumentProcessor
	logger    *log.Logger
}

// NewService creates an indexer over the given stores.
func NewService(store DocumentStore, vectors vector.Client, embedder Embedder, logger *log.Logger) *Service {
	return &Service{
		store:     store,
		vectors:   vectors,
		embedder:  embedder,
		processor: processing.NewDocumentProcessor(embedder),
		logger:    logger,
	}
}

// ImportOptions configures one import run. OnProgress is invoked after each
// inserted batch with the running and total message counts; returning an
// error aborts the run. Cancelled is polled between batches.
type ImportOptions struct {
	JobID     string
	BatchSize int
	// FileStorage, when set, receives a copy of every attachment under
	// files/ so they outlive the extract tree.
	FileStorage string
	OnProgress  func(done, total int) error
	Cancelled   func() bool
}

// ImportStats summarises one import run.
type ImportStats struct {
	Files             int
	Conversations     int
	Messages          int
	NewMessages       int
	DuplicateMessages int
	Users             int
	AttachedFiles     int
	Failures          int
	Duration          time.Duration
}

// Import walks the export tree and writes conversations, messages, users,
// attachment metadata, and failure records. Message inserts are duplicate
// suppressed, so re-running an import converges instead of doubling.
func (s *Service) Import(ctx context.Context, root string, opts ImportOptions) (*ImportStats, error) {
	start := time.Now()
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultImportBatchSize
	}

	root, err := parser.ResolveRoot(root)
	if err != nil {
		return nil, err
	}

	// Counting pass so progress reports against a fixed total without
	// holding the whole export in memory.
	total, err := countMessages(ctx, root)
	if err != nil {
		return nil, err
	}

	stats := &ImportStats{}
	done := 0
	p := parser.New()

	err = p.Walk(ctx, root, func(res *parser.FileResult, index, files int) error {
		stats.Files++
		if cancelled(opts.Cancelled) {
			return ErrCancelled
		}

		if len(res.Failures) > 0 {
			s.recordFailures(ctx, opts.JobID, res.Failures)
			stats.Failures += len(res.Failures)
		}

		if res.Conversation != nil {
			if err := s.store.UpsertConversation(ctx, res.Conversation); err != nil {
				return err
			}
			stats.Conversations++
		}
		if len(res.Messages) == 0 {
			return nil
		}

		users := make(map[string]*models.User)
		for i := range res.Messages {
			m := &res.Messages[i]
			m.ID = processing.MessageID(*m)
			trackUser(users, *m)
		}

		for _, batch := range lo.Chunk(res.Messages, batchSize) {
			if cancelled(opts.Cancelled) {
				return ErrCancelled
			}
			inserted, err := s.store.InsertMessages(ctx, batch)
			if err != nil {
				return err
			}
			stats.Messages += len(batch)
			stats.NewMessages += inserted
			stats.DuplicateMessages += len(batch) - inserted

			done += len(batch)
			if opts.OnProgress != nil {
				if err := opts.OnProgress(done, total); err != nil {
					return err
				}
			}
		}

		if err := s.store.UpsertUsers(ctx, lo.Values(users)); err != nil {
			return err
		}
		stats.Users += len(users)

		s.logger.Debug("imported file",
			"path", res.Path,
			"messages", len(res.Messages),
			"file", fmt.Sprintf("%d/%d", index+1, files))
		return nil
	})
	if err != nil {
		return stats, err
	}

	attached, err := s.importAttachments(ctx, root, opts.FileStorage)
	if err != nil {
		s.logger.Warn("failed to index attachment metadata", "error", err)
	}
	stats.AttachedFiles = attached

	stats.Duration = time.Since(start)
	return stats, nil
}

// importAttachments records metadata rows for the files/<file_id>/ tree and
// copies the binaries into the attachment store when one is configured.
func (s *Service) importAttachments(ctx context.Context, root, fileStorage string) (int, error) {
	files, err := parser.ScanFiles(root)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, nil
	}
	if err := s.store.UpsertFiles(ctx, files); err != nil {
		return 0, err
	}

	if fileStorage != "" {
		for _, f := range files {
			src := filepath.Join(root, filepath.FromSlash(f.Path))
			dst := filepath.Join(fileStorage, filepath.FromSlash(f.Path))
			if err := copyFile(src, dst); err != nil {
				s.logger.Warn("failed to copy attachment", "file", f.ID, "error", err)
			}
		}
	}
	return len(files), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// recordFailures persists failed-import rows; failures here are logged and
// never block the job.
func (s *Service) recordFailures(ctx context.Context, jobID string, fails []models.FailedImport) {
	rows := make([]models.FailedImport, len(fails))
	for i, f := range fails {
		f.JobID = jobID
		rows[i] = f
	}
	if err := s.store.InsertFailedImports(ctx, rows); err != nil {
		s.logger.Warn("failed to record import failures", "count", len(rows), "error", err)
	}
}

// trackUser folds one message into the per-file user aggregates.
func trackUser(users map[string]*models.User, m models.Message) {
	if m.Username == "" {
		return
	}
	u, ok := users[m.Username]
	if !ok {
		u = &models.User{
			Username:      m.Username,
			FirstSeen:     m.TS,
			LastSeen:      m.TS,
			Conversations: []string{m.ConversationID},
		}
		users[m.Username] = u
	}
	if m.TS.Before(u.FirstSeen) {
		u.FirstSeen = m.TS
	}
	if m.TS.After(u.LastSeen) {
		u.LastSeen = m.TS
	}
	if !lo.Contains(u.Conversations, m.ConversationID) {
		u.Conversations = append(u.Conversations, m.ConversationID)
	}
	u.MessageCount++
}

// countMessages parses the tree once, counting messages only.
func countMessages(ctx context.Context, root string) (int, error) {
	total := 0
	err := parser.New().Walk(ctx, root, func(res *parser.FileResult, _, _ int) error {
		total += len(res.Messages)
		return nil
	})
	return total, err
}

func cancelled(fn func() bool) bool {
	return fn != nil && fn()
}

// TrainOptions configures one training run. Rebuild truncates the vector
// collection first so a re-train culls records whose message is gone.
type TrainOptions struct {
	JobID      string
	BatchSize  int
	OnProgress func(done, total int) error
	Cancelled  func() bool
	Rebuild    bool
}

// TrainStats summarises one training run.
type TrainStats struct {
	Messages    int
	Documents   int
	ZeroVectors int
	Failures    int
	Dimension   int
	Duration    time.Duration
}

// Train streams every stored message in deterministic order, embeds each
// batch, and upserts the vectors. A batch whose embedding permanently fails
// becomes one failed-import row and training continues; a dimension change
// mid-run aborts.
func (s *Service) Train(ctx context.Context, opts TrainOptions) (*TrainStats, error) {
	start := time.Now()
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultTrainBatchSize
	}

	dim, err := s.embedder.GetEmbeddingDimension(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to probe embedding dimension: %w", err)
	}

	if opts.Rebuild {
		if err := s.vectors.Clear(ctx); err != nil {
			return nil, fmt.Errorf("failed to clear vector collection: %w", err)
		}
	} else if err := s.vectors.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize vector collection: %w", err)
	}

	total64, err := s.store.CountMessages(ctx)
	if err != nil {
		return nil, err
	}
	total := int(total64)

	stats := &TrainStats{Dimension: dim}
	err = s.store.IterateMessages(ctx, batchSize, func(batch []models.Message) error {
		if cancelled(opts.Cancelled) {
			return ErrCancelled
		}

		docs, err := s.processor.ProcessMessages(ctx, batch)
		if err != nil {
			stats.Failures++
			s.recordFailures(ctx, opts.JobID, []models.FailedImport{{
				FilePath:   "training:" + batch[0].ConversationID,
				LineNumber: -1,
				Error:      fmt.Sprintf("embedding batch of %d failed: %v", len(batch), err),
			}})
			stats.Messages += len(batch)
			return nil
		}

		embedded := make(map[string]struct{}, len(docs))
		for _, d := range docs {
			if len(d.Embedding) != dim {
				return fmt.Errorf("embedding dimension changed from %d to %d", dim, len(d.Embedding))
			}
			embedded[d.ID] = struct{}{}
		}
		// Messages with no embeddable text keep a slot as zero vectors.
		for _, m := range batch {
			if _, ok := embedded[m.ID]; !ok {
				docs = append(docs, processing.ZeroDocument(m, dim))
				stats.ZeroVectors++
			}
		}

		if err := s.vectors.Upsert(ctx, docs); err != nil {
			return fmt.Errorf("failed to upsert vectors: %w", err)
		}
		stats.Documents += len(docs)
		stats.Messages += len(batch)

		if opts.OnProgress != nil {
			if err := opts.OnProgress(stats.Messages, total); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	stats.Duration = time.Since(start)
	return stats, nil
}
