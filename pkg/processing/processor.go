// Package processing prepares parsed messages for storage and embedding:
// deterministic document ids, Slack-markup cleaning, and snippet capping.
package processing

import (
	"context"
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"

	"github.com/testsabirweb/slack_archive/pkg/models"
	"github.com/testsabirweb/slack_archive/pkg/vector"
)

// SnippetMax caps the text stored alongside each vector.
const SnippetMax = 512

var (
	userMentionRe    = regexp.MustCompile(`<@(\w+)>`)
	channelMentionRe = regexp.MustCompile(`<#\w+\|([^>]+)>`)
	botTagRe         = regexp.MustCompile(`\[<([^>]+)> bot\]`)
	titledURLRe      = regexp.MustCompile(`<https?://[^|>]+\|([^>]+)>`)
	bareURLRe        = regexp.MustCompile(`<(https?://[^>]+)>`)
	codeBlockRe      = regexp.MustCompile("```[\\s\\S]*?```")
	inlineCodeRe     = regexp.MustCompile("`[^`]+`")
	whitespaceRe     = regexp.MustCompile(`\s+`)
)

// MessageID derives the document id from the duplicate-suppression key
// (conversation id, timestamp, text hash, system action). Re-importing the
// same export yields the same ids, so inserts collide instead of duplicating.
func MessageID(m models.Message) string {
	key := fmt.Sprintf("%s|%d|%s|%s", m.ConversationID, m.TS.Unix(), TextHash(m.Text), m.SystemAction)
	hash := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", hash[:12])
}

// TextHash returns a short stable hash of a message text.
func TextHash(text string) string {
	hash := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", hash[:8])
}

// CleanText normalises Slack markup so embeddings see prose rather than
// control sequences.
func CleanText(text string) string {
	if text == "" {
		return ""
	}

	text = userMentionRe.ReplaceAllString(text, "@$1")
	text = channelMentionRe.ReplaceAllString(text, "#$1")
	text = botTagRe.ReplaceAllString(text, "[$1]")
	text = titledURLRe.ReplaceAllString(text, "$1")
	text = bareURLRe.ReplaceAllString(text, "$1")

	text = codeBlockRe.ReplaceAllString(text, "[code block]")
	text = inlineCodeRe.ReplaceAllString(text, "[code]")

	return strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
}

// PrepareMessageText builds the embedding input for a message: cleaned text
// plus reaction and attachment context.
func PrepareMessageText(m models.Message) string {
	var parts []string

	if cleaned := CleanText(m.Text); cleaned != "" {
		parts = append(parts, cleaned)
	}

	if reactions := formatReactions(m.Reactions); reactions != "" {
		parts = append(parts, reactions)
	}

	if len(m.Files) > 0 {
		names := make([]string, len(m.Files))
		for i, f := range m.Files {
			if f.Name != "" {
				names[i] = f.Name
			} else {
				names[i] = "unnamed"
			}
		}
		parts = append(parts, "Attached files: "+strings.Join(names, ", "))
	}

	return strings.Join(parts, " ")
}

// formatReactions summarises reactions left on a message. Single reactions
// carry little signal and are dropped.
func formatReactions(reactions []models.Reaction) string {
	var texts []string
	for _, r := range reactions {
		if count := len(r.Users); count > 1 {
			texts = append(texts, fmt.Sprintf("%s (%d times)", r.Emoji, count))
		}
	}
	if len(texts) == 0 {
		return ""
	}
	return "Reactions: " + strings.Join(texts, ", ")
}

// Snippet caps text at max characters, counting runes so multi-byte text is
// not split mid-character.
func Snippet(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max])
}

// Embedder generates embeddings for text
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// DocumentProcessor converts messages into vector documents
type DocumentProcessor struct {
	embedder Embedder
}

// NewDocumentProcessor creates a new document processor
func NewDocumentProcessor(embedder Embedder) *DocumentProcessor {
	return &DocumentProcessor{embedder: embedder}
}

// ProcessMessage converts one message into a vector document. Messages whose
// prepared text is empty produce no document.
func (p *DocumentProcessor) ProcessMessage(ctx context.Context, msg models.Message) (*vector.Document, error) {
	text := PrepareMessageText(msg)
	if text == "" {
		return nil, nil
	}

	embedding, err := p.embedder.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}

	return &vector.Document{
		ID:             msg.ID,
		Content:        Snippet(text, SnippetMax),
		Embedding:      embedding,
		ConversationID: msg.ConversationID,
		Username:       msg.Username,
		TS:             msg.TS,
	}, nil
}

// ZeroDocument represents a message with no embeddable text as a zero
// vector of the given dimension, keeping the vector collection aligned with
// the message count. Zero vectors never rank in cosine queries.
func ZeroDocument(msg models.Message, dim int) vector.Document {
	id := msg.ID
	if id == "" {
		id = MessageID(msg)
	}
	return vector.Document{
		ID:             id,
		Embedding:      make([]float32, dim),
		ConversationID: msg.ConversationID,
		Username:       msg.Username,
		TS:             msg.TS,
	}
}

// ProcessMessages processes a batch of messages into documents
func (p *DocumentProcessor) ProcessMessages(ctx context.Context, messages []models.Message) ([]vector.Document, error) {
	docs := make([]vector.Document, 0, len(messages))

	for _, msg := range messages {
		doc, err := p.ProcessMessage(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("failed to process message %s: %w", msg.ID, err)
		}
		if doc != nil {
			docs = append(docs, *doc)
		}
	}

	return docs, nil
}
