package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/samber/lo"

	"github.com/testsabirweb/slack_archive/pkg/models"
	"github.com/testsabirweb/slack_archive/pkg/store"
)

// Page sizes of the browsing endpoints.
const (
	conversationPageSize = 20
	messagePageSize      = 50
)

// defaultContextSize is how many messages each side of the anchor the
// context endpoint returns when the caller does not ask for a size.
const defaultContextSize = 5

// conversationSummary is one row of the conversation list: the conversation
// plus its message count and most recent message.
type conversationSummary struct {
	models.Conversation
	DisplayName  string          `json:"display_name"`
	MessageCount int64           `json:"message_count"`
	Latest       *models.Message `json:"latest_message,omitempty"`
}

type conversationListResponse struct {
	Conversations []conversationSummary `json:"conversations"`
	Total         int64                 `json:"total"`
	Page          int                   `json:"page"`
	PageSize      int                   `json:"page_size"`
}

// handleListConversations returns a page of conversations with message
// counts and latest-message summaries. Supports ?q= name filter, ?kind=,
// and ?page= (1-based).
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	kind, err := parseKind(q.Get("kind"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	page := parsePage(q.Get("page"))

	convs, total, err := s.archive.ListConversations(r.Context(), store.ListConversationsOptions{
		Query: q.Get("q"),
		Kind:  kind,
		Skip:  (page - 1) * conversationPageSize,
		Limit: conversationPageSize,
	})
	if err != nil {
		s.logger.Error("failed to list conversations", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	ids := lo.Map(convs, func(c models.Conversation, _ int) string { return c.ID })
	stats, err := s.archive.ConversationMessageStats(r.Context(), ids)
	if err != nil {
		s.logger.Error("failed to aggregate conversation stats", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	summaries := make([]conversationSummary, 0, len(convs))
	for _, c := range convs {
		st := stats[c.ID]
		summaries = append(summaries, conversationSummary{
			Conversation: c,
			DisplayName:  c.DisplayName(),
			MessageCount: st.MessageCount,
			Latest:       st.Latest,
		})
	}

	s.respond(w, http.StatusOK, conversationListResponse{
		Conversations: summaries,
		Total:         total,
		Page:          page,
		PageSize:      conversationPageSize,
	})
}

type conversationDetailResponse struct {
	Conversation models.Conversation `json:"conversation"`
	DisplayName  string              `json:"display_name"`
	Messages     []models.Message    `json:"messages"`
	Total        int64               `json:"total"`
	Page         int                 `json:"page"`
	PageSize     int                 `json:"page_size"`
}

// handleGetConversation returns one conversation and a newest-first page of
// its messages, optionally filtered by ?q=.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversation_id")
	conv, err := s.archive.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("conversation %s not found", id))
		return
	}
	if err != nil {
		s.logger.Error("failed to get conversation", "conversation", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to get conversation")
		return
	}

	page := parsePage(r.URL.Query().Get("page"))
	msgs, total, err := s.archive.FilterMessages(r.Context(), id, r.URL.Query().Get("q"),
		(page-1)*messagePageSize, messagePageSize)
	if err != nil {
		s.logger.Error("failed to page messages", "conversation", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	s.respond(w, http.StatusOK, conversationDetailResponse{
		Conversation: *conv,
		DisplayName:  conv.DisplayName(),
		Messages:     msgs,
		Total:        total,
		Page:         page,
		PageSize:     messagePageSize,
	})
}

type contextResponse struct {
	ConversationID string           `json:"conversation_id"`
	TS             time.Time        `json:"ts"`
	Messages       []models.Message `json:"messages"`
	Count          int              `json:"count"`
}

// handleContext returns the messages around one timestamp in a conversation,
// merged and time-ascending. The ts path segment is RFC 3339.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversation_id")
	ts, err := time.Parse(time.RFC3339Nano, chi.URLParam(r, "ts"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "ts must be an RFC 3339 timestamp")
		return
	}

	size := defaultContextSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		size, err = strconv.Atoi(raw)
		if err != nil || size < 0 {
			s.respondError(w, http.StatusBadRequest, "size must be a non-negative integer")
			return
		}
	}

	msgs, err := s.archive.ContextAround(r.Context(), convID, ts, size)
	if err != nil {
		s.logger.Error("failed to load context", "conversation", convID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load context")
		return
	}

	s.respond(w, http.StatusOK, contextResponse{
		ConversationID: convID,
		TS:             ts,
		Messages:       msgs,
		Count:          len(msgs),
	})
}

// handleFile streams a stored attachment using its recorded mimetype.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "file_id")
	file, err := s.archive.GetFile(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("file %s not found", id))
		return
	}
	if err != nil {
		s.logger.Error("failed to get file", "file", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to get file")
		return
	}

	root := filepath.Clean(s.cfg.Storage.FileStorage)
	full := filepath.Join(root, filepath.FromSlash(file.Path))
	if !strings.HasPrefix(full, root+string(os.PathSeparator)) {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("file %s not found", id))
		return
	}
	if _, err := os.Stat(full); err != nil {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("file %s not found", id))
		return
	}

	if file.Mimetype != "" {
		w.Header().Set("Content-Type", file.Mimetype)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", file.Name))
	http.ServeFile(w, r, full)
}

// parseKind validates the ?kind= filter.
func parseKind(raw string) (models.ConversationKind, error) {
	switch models.ConversationKind(raw) {
	case "", models.KindChannel, models.KindDirectMessage, models.KindMultiPartyDM, models.KindPhoneCall:
		return models.ConversationKind(raw), nil
	default:
		return "", fmt.Errorf("unknown kind %q", raw)
	}
}

// parsePage returns a 1-based page number, defaulting to the first page.
func parsePage(raw string) int {
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		return 1
	}
	return page
}
