// Package parser reads the plain-text Slack export dialect: per-conversation
// .txt files with a metadata header, a separator, and a line-oriented message
// log. Lines that match no grammar become failure records; a file whose
// structure cannot be recognised becomes a single whole-file failure.
package parser

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/testsabirweb/slack_archive/pkg/models"
)

// separator divides the header block from the message log.
var separator = strings.Repeat("#", 65)

var (
	// ErrMissingSeparator marks a file without the header/message divider.
	ErrMissingSeparator = errors.New("missing header separator")
	// ErrMissingChannelID marks a header that never names a channel id.
	ErrMissingChannelID = errors.New("missing Channel ID header")
)

var (
	dateHeaderRe = regexp.MustCompile(`^-{2,}\s+(\d{4}-\d{2}-\d{2})\s+-{2,}$`)
	reactionRe   = regexp.MustCompile(`^:([^:\s]+):\s+(.+)$`)
	actionRe     = regexp.MustCompile(`^\(([a-z_]+)\)\s+<([^>]+)>\s*(.*)$`)
	fileShareRe  = regexp.MustCompile(`^shared file(?:s|\(s\))? <([^>]+)> with text:$`)
)

// FileResult is everything parsed out of one export file
type FileResult struct {
	Path         string
	Conversation *models.Conversation
	Messages     []models.Message
	Failures     []models.FailedImport
}

// Parser parses export files and keeps running statistics across them
type Parser struct {
	totalFiles    int
	totalMessages int
	failureCount  int
}

// New creates a new export parser
func New() *Parser {
	return &Parser{}
}

// Stats returns the number of files, messages, and failures seen so far.
func (p *Parser) Stats() (files, messages, failures int) {
	return p.totalFiles, p.totalMessages, p.failureCount
}

// ParseFile parses one export .txt file. A structural failure (unreadable
// file, missing separator, missing channel id) is returned as an error; the
// caller records it as a whole-file failure and moves on.
func (p *Parser) ParseFile(path string) (*FileResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	return p.Parse(f, path)
}

// Parse parses export file content from a reader. The path is carried into
// failure records only.
func (p *Parser) Parse(r io.Reader, path string) (*FileResult, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	sepIdx := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == separator {
			sepIdx = i
			break
		}
	}
	if sepIdx < 0 {
		return nil, ErrMissingSeparator
	}

	conv, err := parseHeader(lines[:sepIdx])
	if err != nil {
		return nil, err
	}

	// Skip the "Messages:" marker when present.
	bodyStart := sepIdx + 1
	if bodyStart < len(lines) && strings.TrimSpace(lines[bodyStart]) == "Messages:" {
		bodyStart++
	}

	res := &FileResult{Path: path, Conversation: conv}
	p.parseMessages(res, lines[bodyStart:], bodyStart)

	p.totalFiles++
	p.totalMessages += len(res.Messages)
	p.failureCount += len(res.Failures)

	return res, nil
}

// parseMessages walks the message block line by line, attaching reactions,
// thread replies, and file-share text blocks to the message they follow.
// offset is the zero-based index of the first body line within the file.
// Attachment targets are tracked as indexes into res.Messages because the
// slice reallocates as it grows.
func (p *Parser) parseMessages(res *FileResult, body []string, offset int) {
	var (
		lastDate time.Time
		haveDate bool
	)
	lastTop := -1  // last top-level message, thread parent
	lastAny := -1  // last message of any depth, reaction target
	shareIdx := -1 // file-share message collecting its text block
	replyUsers := make(map[int]map[string]struct{})

	fail := func(lineNum int, line string, reason string) {
		res.Failures = append(res.Failures, models.FailedImport{
			FilePath:   res.Path,
			LineNumber: lineNum,
			Line:       line,
			Error:      reason,
		})
	}

	for i, raw := range body {
		lineNum := offset + i + 1
		trimmed := strings.TrimSpace(raw)
		indented := strings.HasPrefix(raw, "    ") || strings.HasPrefix(raw, "\t")

		if trimmed == "" {
			shareIdx = -1
			continue
		}

		if m := dateHeaderRe.FindStringSubmatch(trimmed); m != nil {
			if d, err := time.Parse("2006-01-02", m[1]); err == nil {
				lastDate, haveDate = d, true
			}
			shareIdx = -1
			continue
		}

		if indented {
			// A file-share text block swallows every indented line up to
			// the next blank line.
			if shareIdx >= 0 {
				share := &res.Messages[shareIdx]
				if share.Text == "" {
					share.Text = trimmed
				} else {
					share.Text += "\n" + trimmed
				}
				continue
			}

			if m := reactionRe.FindStringSubmatch(trimmed); m != nil {
				if lastAny < 0 {
					fail(lineNum, raw, "reaction without a preceding message")
					continue
				}
				target := &res.Messages[lastAny]
				target.Reactions = append(target.Reactions, models.Reaction{
					Emoji: m[1],
					Users: splitUsers(m[2]),
				})
				continue
			}

			if strings.HasPrefix(trimmed, "[") {
				msg, err := p.parseMessageLine(trimmed, lastDate, haveDate)
				if err != nil {
					fail(lineNum, raw, err.Error())
					continue
				}
				msg.ConversationID = res.Conversation.ID
				if lastTop >= 0 {
					parent := &res.Messages[lastTop]
					ts := parent.TS
					msg.ThreadTS = &ts
					parent.ReplyCount++
					users := replyUsers[lastTop]
					if users == nil {
						users = make(map[string]struct{})
						replyUsers[lastTop] = users
					}
					users[msg.Username] = struct{}{}
					parent.ReplyUsersCount = len(users)
				}
				res.Messages = append(res.Messages, *msg)
				lastAny = len(res.Messages) - 1
				continue
			}

			fail(lineNum, raw, "unrecognized indented line")
			continue
		}

		shareIdx = -1

		if !strings.HasPrefix(trimmed, "[") {
			fail(lineNum, raw, "line matches no message grammar")
			continue
		}

		msg, err := p.parseMessageLine(trimmed, lastDate, haveDate)
		if err != nil {
			fail(lineNum, raw, err.Error())
			continue
		}
		msg.ConversationID = res.Conversation.ID

		// A channel_archive message also flags the conversation itself.
		if msg.Type == models.TypeArchive {
			res.Conversation.IsArchived = true
			res.Conversation.ArchivedBy = msg.Username
			at := msg.TS
			res.Conversation.ArchivedAt = &at
		}

		res.Messages = append(res.Messages, *msg)
		lastAny = len(res.Messages) - 1
		lastTop = lastAny
		if msg.Type == models.TypeFileShare && msg.Text == "" {
			shareIdx = lastAny
		}
	}
}

// parseMessageLine parses one [TS]-prefixed line into a message. Only the
// leading bracketed token is consumed; brackets in the body stay verbatim.
func (p *Parser) parseMessageLine(line string, lastDate time.Time, haveDate bool) (*models.Message, error) {
	end := strings.Index(line, "]")
	if end < 0 {
		return nil, errors.New("unterminated timestamp")
	}

	ts, err := parseTimestamp(strings.TrimSpace(line[1:end]), lastDate, haveDate)
	if err != nil {
		return nil, err
	}

	content := strings.TrimSpace(line[end+1:])
	if content == "" {
		return nil, errors.New("empty message content")
	}

	msg := &models.Message{TS: ts, Type: models.TypeMessage}

	switch {
	// Bot message: [<name> bot] payload
	case strings.HasPrefix(content, "[<") && strings.Contains(content, "> bot]"):
		botEnd := strings.Index(content, "> bot]")
		msg.Username = strings.TrimSpace(content[2:botEnd])
		msg.IsBot = true
		msg.Text = strings.TrimSpace(content[botEnd+len("> bot]"):])
		if strings.HasPrefix(msg.Text, "{") && strings.HasSuffix(msg.Text, "}") {
			if data := parseJSONPayload(msg.Text); data != nil {
				msg.Data = data
				if text, ok := data["text"]; ok {
					msg.Text = text
				}
			}
		}

	// Regular message: <username> text
	case strings.HasPrefix(content, "<") && strings.Contains(content, ">"):
		nameEnd := strings.Index(content, ">")
		msg.Username = strings.TrimSpace(content[1:nameEnd])
		msg.Text = strings.TrimSpace(content[nameEnd+1:])
		if strings.HasSuffix(msg.Text, " (edited)") {
			msg.Text = strings.TrimSuffix(msg.Text, " (edited)")
			msg.IsEdited = true
		}
		if idx := strings.Index(msg.Text, "shared a file:"); idx >= 0 {
			name := strings.TrimSpace(msg.Text[idx+len("shared a file:"):])
			msg.Type = models.TypeFileShare
			msg.Text = name
			msg.Files = []models.FileRef{{Name: name}}
		}

	// System action: (action) <username> {json}
	case actionRe.MatchString(content):
		m := actionRe.FindStringSubmatch(content)
		action, username, payload := m[1], m[2], strings.TrimSpace(m[3])
		msg.Username = username
		msg.SystemAction = action
		if action == "channel_archive" {
			msg.Type = models.TypeArchive
		} else {
			msg.Type = models.TypeSystem
		}
		if strings.HasPrefix(payload, "{") {
			if data := parseJSONPayload(payload); data != nil {
				msg.Data = data
				if text, ok := data["text"]; ok {
					msg.Text = text
				}
			}
		}

	// Join / file-share-with-text / generic system line: username verb ...
	default:
		space := strings.Index(content, " ")
		if space < 0 {
			return nil, errors.New("line matches no message grammar")
		}
		msg.Username = strings.TrimSpace(content[:space])
		rest := strings.TrimSpace(content[space+1:])

		if m := fileShareRe.FindStringSubmatch(rest); m != nil {
			msg.Type = models.TypeFileShare
			msg.Files = []models.FileRef{{ID: m[1]}}
			// Text arrives as the following indented block.
			return msg, nil
		}

		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return nil, errors.New("line matches no message grammar")
		}
		msg.Text = rest
		if fields[0] == "joined" {
			msg.Type = models.TypeJoin
		} else {
			msg.Type = models.TypeSystem
			msg.SystemAction = fields[0]
		}
	}

	return msg, nil
}

// parseTimestamp resolves the three accepted timestamp forms into UTC. The
// short clock forms need a preceding date header to anchor the day.
func parseTimestamp(s string, lastDate time.Time, haveDate bool) (time.Time, error) {
	full := strings.TrimSuffix(s, " UTC")
	if t, err := time.Parse("2006-01-02 15:04:05", full); err == nil {
		return t.UTC(), nil
	}

	clockLayouts := []string{"3:04 PM", "3:04 pm", "15:04"}
	for _, layout := range clockLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if !haveDate {
			return time.Time{}, fmt.Errorf("clock timestamp %q before any date header", s)
		}
		return time.Date(lastDate.Year(), lastDate.Month(), lastDate.Day(),
			t.Hour(), t.Minute(), 0, 0, time.UTC), nil
	}

	return time.Time{}, fmt.Errorf("invalid timestamp format: %s", s)
}

// parseHeader dispatches between the channel and DM header dialects.
func parseHeader(lines []string) (*models.Conversation, error) {
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "Private conversation between") {
			return parseDMHeader(lines)
		}
	}
	return parseChannelHeader(lines)
}

func parseChannelHeader(lines []string) (*models.Conversation, error) {
	conv := &models.Conversation{Kind: models.KindChannel}

	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "Channel Name: #"):
			conv.Name = strings.TrimSpace(strings.TrimPrefix(line, "Channel Name: #"))
		case strings.HasPrefix(line, "Channel Name: "):
			conv.Name = strings.TrimSpace(strings.TrimPrefix(line, "Channel Name: "))
		case strings.HasPrefix(line, "Channel ID: "):
			conv.ID = strings.TrimSpace(strings.TrimPrefix(line, "Channel ID: "))
		case strings.HasPrefix(line, "Created: "):
			value := strings.TrimPrefix(line, "Created: ")
			created, by := parseSetOn(value)
			conv.CreatedAt = created
			conv.Creator = by
		case strings.HasPrefix(line, "Type: "):
			conv.Kind = models.ParseConversationKind(strings.TrimPrefix(line, "Type: "))
		case strings.HasPrefix(line, "Topic: "):
			text, at, by := parseQuotedSetOn(strings.TrimPrefix(line, "Topic: "))
			conv.Topic, conv.TopicSetBy = text, by
			if !at.IsZero() {
				conv.TopicSetAt = &at
			}
		case strings.HasPrefix(line, "Purpose: "):
			text, at, by := parseQuotedSetOn(strings.TrimPrefix(line, "Purpose: "))
			conv.Purpose, conv.PurposeSetBy = text, by
			if !at.IsZero() {
				conv.PurposeSetAt = &at
			}
		}
	}

	if conv.ID == "" {
		return nil, ErrMissingChannelID
	}
	if conv.Name == "" {
		conv.Name = conv.ID
	}
	return conv, nil
}

func parseDMHeader(lines []string) (*models.Conversation, error) {
	conv := &models.Conversation{}

	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "Private conversation between "):
			part := strings.TrimPrefix(line, "Private conversation between ")
			conv.Members = splitUsers(part)
		case strings.HasPrefix(line, "Channel ID: "):
			conv.ID = strings.TrimSpace(strings.TrimPrefix(line, "Channel ID: "))
		case strings.HasPrefix(line, "Created: "):
			created, _ := parseSetOn(strings.TrimPrefix(line, "Created: "))
			conv.CreatedAt = created
		}
	}

	if conv.ID == "" {
		return nil, ErrMissingChannelID
	}

	// More than two participants, or a C-prefixed id, means a group DM.
	if len(conv.Members) > 2 || strings.HasPrefix(conv.ID, "C") {
		conv.Kind = models.KindMultiPartyDM
	} else {
		conv.Kind = models.KindDirectMessage
	}
	conv.Name = strings.Join(conv.Members, "-")
	if conv.Name == "" {
		conv.Name = conv.ID
	}
	return conv, nil
}

// parseSetOn splits "2023-01-01 12:00:00 UTC by alice" into its parts; the
// "by" clause is optional.
func parseSetOn(s string) (time.Time, string) {
	var by string
	tsPart := s
	if idx := strings.Index(s, " by "); idx >= 0 {
		tsPart = s[:idx]
		by = strings.TrimSpace(s[idx+len(" by "):])
	}
	ts, err := parseTimestamp(strings.TrimSpace(tsPart), time.Time{}, false)
	if err != nil {
		return time.Time{}, by
	}
	return ts, by
}

// parseQuotedSetOn splits `"text", set on 2023-01-01 12:00:00 UTC by alice`.
func parseQuotedSetOn(s string) (text string, at time.Time, by string) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, `"`) {
		return s, time.Time{}, ""
	}
	closing := strings.Index(s[1:], `"`)
	if closing < 0 {
		return strings.Trim(s, `"`), time.Time{}, ""
	}
	text = s[1 : closing+1]
	rest := strings.TrimSpace(s[closing+2:])
	rest = strings.TrimPrefix(rest, ",")
	rest = strings.TrimSpace(rest)
	if strings.HasPrefix(rest, "set on ") {
		at, by = parseSetOn(strings.TrimPrefix(rest, "set on "))
	}
	return text, at, by
}

// parseJSONPayload decodes a one-object JSON payload, stringifying values.
func parseJSONPayload(s string) map[string]string {
	var raw map[string]any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil
	}
	data := make(map[string]string, len(raw))
	for k, v := range raw {
		data[k] = fmt.Sprintf("%v", v)
	}
	return data
}

func splitUsers(s string) []string {
	parts := strings.Split(s, ",")
	users := make([]string, 0, len(parts))
	for _, part := range parts {
		if u := strings.TrimSpace(part); u != "" {
			users = append(users, u)
		}
	}
	return users
}
