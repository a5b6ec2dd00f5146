package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testsabirweb/slack_archive/pkg/models"
	"github.com/testsabirweb/slack_archive/pkg/vector"
)

type fakeStore struct {
	mu       sync.Mutex
	convs    map[string]models.Conversation
	messages map[string]models.Message
	users    map[string]models.User
	files    map[string]models.File
	failures []models.FailedImport
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		convs:    make(map[string]models.Conversation),
		messages: make(map[string]models.Message),
		users:    make(map[string]models.User),
		files:    make(map[string]models.File),
	}
}

func (f *fakeStore) UpsertConversation(_ context.Context, c *models.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.convs[c.ID]; ok {
		// Kind is immutable once set.
		c.Kind = existing.Kind
	}
	f.convs[c.ID] = *c
	return nil
}

func (f *fakeStore) InsertMessages(_ context.Context, msgs []models.Message) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inserted := 0
	for _, m := range msgs {
		if _, ok := f.messages[m.ID]; ok {
			continue
		}
		f.messages[m.ID] = m
		inserted++
	}
	return inserted, nil
}

func (f *fakeStore) UpsertUsers(_ context.Context, users []models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range users {
		existing, ok := f.users[u.Username]
		if !ok {
			f.users[u.Username] = u
			continue
		}
		if u.FirstSeen.Before(existing.FirstSeen) {
			existing.FirstSeen = u.FirstSeen
		}
		if u.LastSeen.After(existing.LastSeen) {
			existing.LastSeen = u.LastSeen
		}
		for _, c := range u.Conversations {
			found := false
			for _, have := range existing.Conversations {
				if have == c {
					found = true
					break
				}
			}
			if !found {
				existing.Conversations = append(existing.Conversations, c)
			}
		}
		existing.MessageCount += u.MessageCount
		f.users[u.Username] = existing
	}
	return nil
}

func (f *fakeStore) UpsertFiles(_ context.Context, files []models.File) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, file := range files {
		f.files[file.ID] = file
	}
	return nil
}

func (f *fakeStore) InsertFailedImports(_ context.Context, fails []models.FailedImport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, fails...)
	return nil
}

func (f *fakeStore) CountMessages(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.messages)), nil
}

func (f *fakeStore) IterateMessages(_ context.Context, batchSize int, fn func(batch []models.Message) error) error {
	f.mu.Lock()
	msgs := make([]models.Message, 0, len(f.messages))
	for _, m := range f.messages {
		msgs = append(msgs, m)
	}
	f.mu.Unlock()

	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].ConversationID != msgs[j].ConversationID {
			return msgs[i].ConversationID < msgs[j].ConversationID
		}
		return msgs[i].TS.Before(msgs[j].TS)
	})

	for start := 0; start < len(msgs); start += batchSize {
		end := start + batchSize
		if end > len(msgs) {
			end = len(msgs)
		}
		if err := fn(msgs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

type fakeVectorStore struct {
	mu     sync.Mutex
	docs   map[string]vector.Document
	clears int
	inits  int
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{docs: make(map[string]vector.Document)}
}

func (f *fakeVectorStore) Initialize(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	return nil
}

func (f *fakeVectorStore) Upsert(_ context.Context, docs []vector.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range docs {
		f.docs[d.ID] = d
	}
	return nil
}

func (f *fakeVectorStore) Search(_ context.Context, _ []float32, _ int) ([]vector.Result, error) {
	return nil, nil
}

func (f *fakeVectorStore) Delete(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.docs, id)
	}
	return nil
}

func (f *fakeVectorStore) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	f.docs = make(map[string]vector.Document)
	return nil
}

func (f *fakeVectorStore) Count(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs), nil
}

func (f *fakeVectorStore) HealthCheck(_ context.Context) error { return nil }

type stubEmbedder struct {
	mu    sync.Mutex
	calls int
	dim   int
	err   error
}

func (s *stubEmbedder) GenerateEmbedding(_ context.Context, _ string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return make([]float32, s.dim), nil
}

func (s *stubEmbedder) GetEmbeddingDimension(_ context.Context) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.dim, nil
}

func writeExportTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	channel := strings.Join([]string{
		"Channel Name: #general",
		"Channel ID: C01",
		"Created: 2023-01-01 12:00:00 UTC by alice",
		"Type: Channel",
		strings.Repeat("#", 65),
		"Messages:",
		"---- 2023-06-22 ----",
		"[2023-06-22 15:56:54 UTC] <alice> hello there",
		"[2023-06-22 15:57:10 UTC] bob joined the channel",
		"[2023-06-22 16:01:00 UTC] <bob> hi alice",
		"",
	}, "\n")

	dm := strings.Join([]string{
		"Private conversation between alice, carol",
		"Channel ID: D02",
		"Created: 2023-07-11 21:00:00 UTC",
		"Type: Direct Message",
		strings.Repeat("#", 65),
		"Messages:",
		"---- 2023-07-11 ----",
		"[2023-07-11 21:17:07 UTC] <alice> are you around?",
		"",
	}, "\n")

	writeFile(t, filepath.Join(root, "channels", "general", "general.txt"), channel)
	writeFile(t, filepath.Join(root, "dms", "alice-carol", "alice-carol.txt"), dm)
	writeFile(t, filepath.Join(root, "files", "F123", "report.pdf"), "%PDF-1.4")
	return root
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestService(store *fakeStore, vectors *fakeVectorStore, embedder *stubEmbedder) *Service {
	return NewService(store, vectors, embedder, log.New(io.Discard))
}

func TestImport(t *testing.T) {
	root := writeExportTree(t)
	store := newFakeStore()
	svc := newTestService(store, newFakeVectorStore(), &stubEmbedder{dim: 3})

	var progress [][2]int
	stats, err := svc.Import(context.Background(), root, ImportOptions{
		JobID: "job-1",
		OnProgress: func(done, total int) error {
			progress = append(progress, [2]int{done, total})
			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, 2, stats.Conversations)
	assert.Equal(t, 4, stats.Messages)
	assert.Equal(t, 4, stats.NewMessages)
	assert.Zero(t, stats.DuplicateMessages)
	assert.Equal(t, 1, stats.AttachedFiles)
	assert.Zero(t, stats.Failures)

	assert.Equal(t, models.KindChannel, store.convs["C01"].Kind)
	assert.Equal(t, models.KindDirectMessage, store.convs["D02"].Kind)
	assert.Len(t, store.messages, 4)
	assert.Contains(t, store.files, "F123")

	// alice posted in both conversations.
	alice := store.users["alice"]
	assert.Equal(t, int64(2), alice.MessageCount)
	assert.ElementsMatch(t, []string{"C01", "D02"}, alice.Conversations)
	assert.Equal(t, time.Date(2023, 6, 22, 15, 56, 54, 0, time.UTC), alice.FirstSeen)
	assert.Equal(t, time.Date(2023, 7, 11, 21, 17, 7, 0, time.UTC), alice.LastSeen)

	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	assert.Equal(t, 4, last[0])
	assert.Equal(t, 4, last[1])
}

func TestImportIsIdempotent(t *testing.T) {
	root := writeExportTree(t)
	store := newFakeStore()
	svc := newTestService(store, newFakeVectorStore(), &stubEmbedder{dim: 3})

	_, err := svc.Import(context.Background(), root, ImportOptions{JobID: "job-1"})
	require.NoError(t, err)

	stats, err := svc.Import(context.Background(), root, ImportOptions{JobID: "job-1"})
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Messages)
	assert.Zero(t, stats.NewMessages)
	assert.Equal(t, 4, stats.DuplicateMessages)
	assert.Len(t, store.messages, 4)
}

func TestImportCancelled(t *testing.T) {
	root := writeExportTree(t)
	store := newFakeStore()
	svc := newTestService(store, newFakeVectorStore(), &stubEmbedder{dim: 3})

	_, err := svc.Import(context.Background(), root, ImportOptions{
		JobID:     "job-1",
		Cancelled: func() bool { return true },
	})
	require.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, store.messages)
}

func TestImportRecordsWholeFileFailures(t *testing.T) {
	root := writeExportTree(t)
	writeFile(t, filepath.Join(root, "channels", "broken", "broken.txt"), "no separator here\n")

	store := newFakeStore()
	svc := newTestService(store, newFakeVectorStore(), &stubEmbedder{dim: 3})

	stats, err := svc.Import(context.Background(), root, ImportOptions{JobID: "job-9"})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Failures)
	require.Len(t, store.failures, 1)
	assert.Equal(t, "job-9", store.failures[0].JobID)
	assert.Equal(t, -1, store.failures[0].LineNumber)
	assert.NotEmpty(t, store.failures[0].FilePath)
}

func TestImportCopiesAttachments(t *testing.T) {
	root := writeExportTree(t)
	store := newFakeStore()
	svc := newTestService(store, newFakeVectorStore(), &stubEmbedder{dim: 3})

	fileStorage := t.TempDir()
	stats, err := svc.Import(context.Background(), root, ImportOptions{
		JobID:       "job-1",
		FileStorage: fileStorage,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.AttachedFiles)

	copied, err := os.ReadFile(filepath.Join(fileStorage, "files", "F123", "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(copied))
}

func seedMessages(t *testing.T, store *fakeStore, svc *Service, root string) {
	t.Helper()
	_, err := svc.Import(context.Background(), root, ImportOptions{JobID: "job-1"})
	require.NoError(t, err)
}

func TestTrain(t *testing.T) {
	root := writeExportTree(t)
	store := newFakeStore()
	vectors := newFakeVectorStore()
	svc := newTestService(store, vectors, &stubEmbedder{dim: 3})
	seedMessages(t, store, svc, root)

	var lastDone, lastTotal int
	stats, err := svc.Train(context.Background(), TrainOptions{
		JobID: "job-1",
		OnProgress: func(done, total int) error {
			lastDone, lastTotal = done, total
			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Messages)
	assert.Equal(t, 4, stats.Documents)
	assert.Equal(t, 3, stats.Dimension)
	assert.Zero(t, stats.Failures)
	assert.Equal(t, 4, lastDone)
	assert.Equal(t, 4, lastTotal)

	// Vector collection aligned with the message count.
	count, err := vectors.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(store.messages), count)

	for _, d := range vectors.docs {
		assert.Len(t, d.Embedding, 3)
	}
}

func TestTrainRebuildClearsCollection(t *testing.T) {
	root := writeExportTree(t)
	store := newFakeStore()
	vectors := newFakeVectorStore()
	svc := newTestService(store, vectors, &stubEmbedder{dim: 3})
	seedMessages(t, store, svc, root)

	// A record whose message no longer exists.
	require.NoError(t, vectors.Upsert(context.Background(), []vector.Document{{ID: "stale", Embedding: make([]float32, 3)}}))

	_, err := svc.Train(context.Background(), TrainOptions{JobID: "job-1", Rebuild: true})
	require.NoError(t, err)

	assert.Equal(t, 1, vectors.clears)
	_, stale := vectors.docs["stale"]
	assert.False(t, stale)
	assert.Len(t, vectors.docs, len(store.messages))
}

func TestTrainCancelled(t *testing.T) {
	root := writeExportTree(t)
	store := newFakeStore()
	vectors := newFakeVectorStore()
	svc := newTestService(store, vectors, &stubEmbedder{dim: 3})
	seedMessages(t, store, svc, root)

	_, err := svc.Train(context.Background(), TrainOptions{
		JobID:     "job-1",
		Cancelled: func() bool { return true },
	})
	require.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, vectors.docs)
}

func TestTrainRecordsEmbeddingFailures(t *testing.T) {
	root := writeExportTree(t)
	store := newFakeStore()
	vectors := newFakeVectorStore()
	embedder := &stubEmbedder{dim: 3}
	svc := newTestService(store, vectors, embedder)
	seedMessages(t, store, svc, root)

	embedder.mu.Lock()
	embedder.err = errors.New("model not found")
	embedder.mu.Unlock()

	stats, err := svc.Train(context.Background(), TrainOptions{JobID: "job-1"})
	// GetEmbeddingDimension probes first and fails outright.
	require.Error(t, err)
	assert.Nil(t, stats)
}

func TestTrainContinuesPastFailedBatch(t *testing.T) {
	root := writeExportTree(t)
	store := newFakeStore()
	vectors := newFakeVectorStore()
	embedder := &flakyEmbedder{dim: 3, failCalls: 1}
	svc := newTestService(store, vectors, embedder)
	seedMessages(t, store, svc, root)

	stats, err := svc.Train(context.Background(), TrainOptions{
		JobID:     "job-1",
		BatchSize: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 4, stats.Messages)
	require.Len(t, store.failures, 1)
	assert.Contains(t, store.failures[0].FilePath, "training:")
	assert.Equal(t, -1, store.failures[0].LineNumber)
}

// flakyEmbedder fails the first N GenerateEmbedding calls, then recovers.
type flakyEmbedder struct {
	mu        sync.Mutex
	dim       int
	calls     int
	failCalls int
}

func (f *flakyEmbedder) GenerateEmbedding(_ context.Context, _ string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failCalls {
		return nil, fmt.Errorf("embedding service unavailable")
	}
	return make([]float32, f.dim), nil
}

func (f *flakyEmbedder) GetEmbeddingDimension(_ context.Context) (int, error) {
	return f.dim, nil
}
