package models

import (
	"strings"
	"time"
)

// ConversationKind distinguishes channels from the DM variants
type ConversationKind string

const (
	KindChannel       ConversationKind = "channel"
	KindDirectMessage ConversationKind = "dm"
	KindMultiPartyDM  ConversationKind = "mpdm"
	KindPhoneCall     ConversationKind = "phone_call"
)

// ParseConversationKind maps the Type header of an export file to a kind.
func ParseConversationKind(s string) ConversationKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "channel":
		return KindChannel
	case "direct message":
		return KindDirectMessage
	case "multi-party direct message":
		return KindMultiPartyDM
	case "phone call":
		return KindPhoneCall
	default:
		return KindChannel
	}
}

// Conversation represents a channel, a DM pair, or a multi-party DM.
// The ID is the channel id from the export (C… or D…) and is immutable.
type Conversation struct {
	ID           string           `bson:"_id" json:"id"`
	Name         string           `bson:"name" json:"name"`
	Kind         ConversationKind `bson:"kind" json:"kind"`
	CreatedAt    time.Time        `bson:"created_at,omitempty" json:"created_at,omitempty"`
	Creator      string           `bson:"creator,omitempty" json:"creator,omitempty"`
	Topic        string           `bson:"topic,omitempty" json:"topic,omitempty"`
	TopicSetBy   string           `bson:"topic_set_by,omitempty" json:"topic_set_by,omitempty"`
	TopicSetAt   *time.Time       `bson:"topic_set_at,omitempty" json:"topic_set_at,omitempty"`
	Purpose      string           `bson:"purpose,omitempty" json:"purpose,omitempty"`
	PurposeSetBy string           `bson:"purpose_set_by,omitempty" json:"purpose_set_by,omitempty"`
	PurposeSetAt *time.Time       `bson:"purpose_set_at,omitempty" json:"purpose_set_at,omitempty"`
	IsArchived   bool             `bson:"is_archived,omitempty" json:"is_archived,omitempty"`
	ArchivedBy   string           `bson:"archived_by,omitempty" json:"archived_by,omitempty"`
	ArchivedAt   *time.Time       `bson:"archived_at,omitempty" json:"archived_at,omitempty"`
	Members      []string         `bson:"members,omitempty" json:"members,omitempty"`
}

// DisplayName renders the conversation name the way the UI labels it:
// channels get a # prefix, DMs list their members.
func (c Conversation) DisplayName() string {
	if c.Kind == KindDirectMessage || c.Kind == KindMultiPartyDM {
		if len(c.Members) > 0 {
			return strings.Join(c.Members, ", ")
		}
		return strings.Join(strings.Split(c.Name, "-"), ", ")
	}
	return "#" + c.Name
}

// MessageType tags the variant of a message record
type MessageType string

const (
	TypeMessage   MessageType = "message"
	TypeJoin      MessageType = "join"
	TypeArchive   MessageType = "archive"
	TypeFileShare MessageType = "file_share"
	TypeSystem    MessageType = "system"
)

// Reaction is one emoji with the users who applied it
type Reaction struct {
	Emoji string   `bson:"emoji" json:"emoji"`
	Users []string `bson:"users" json:"users"`
}

// FileRef links a message to an uploaded file surfaced by the export
type FileRef struct {
	ID       string `bson:"id" json:"id"`
	Name     string `bson:"name,omitempty" json:"name,omitempty"`
	Mimetype string `bson:"mimetype,omitempty" json:"mimetype,omitempty"`
}

// Message represents a single message from the export. Timestamps are UTC.
// The envelope fields (ConversationID, Username, TS, Type) are shared by all
// variants; variant-specific payloads ride on the optional fields.
type Message struct {
	ID              string            `bson:"_id,omitempty" json:"id,omitempty"`
	ConversationID  string            `bson:"conversation_id" json:"conversation_id"`
	User            string            `bson:"user,omitempty" json:"user,omitempty"`
	Username        string            `bson:"username" json:"username"`
	Text            string            `bson:"text" json:"text"`
	TS              time.Time         `bson:"ts" json:"ts"`
	Type            MessageType       `bson:"type" json:"type"`
	IsEdited        bool              `bson:"is_edited,omitempty" json:"is_edited,omitempty"`
	IsBot           bool              `bson:"is_bot,omitempty" json:"is_bot,omitempty"`
	Reactions       []Reaction        `bson:"reactions,omitempty" json:"reactions,omitempty"`
	Files           []FileRef         `bson:"files,omitempty" json:"files,omitempty"`
	ThreadTS        *time.Time        `bson:"thread_ts,omitempty" json:"thread_ts,omitempty"`
	ReplyCount      int               `bson:"reply_count,omitempty" json:"reply_count,omitempty"`
	ReplyUsersCount int               `bson:"reply_users_count,omitempty" json:"reply_users_count,omitempty"`
	SystemAction    string            `bson:"system_action,omitempty" json:"system_action,omitempty"`
	Data            map[string]string `bson:"data,omitempty" json:"data,omitempty"`
}

// User aggregates activity per username across the import
type User struct {
	Username      string    `bson:"username" json:"username"`
	FirstSeen     time.Time `bson:"first_seen" json:"first_seen"`
	LastSeen      time.Time `bson:"last_seen" json:"last_seen"`
	Conversations []string  `bson:"conversations" json:"conversations"`
	MessageCount  int64     `bson:"message_count" json:"message_count"`
}

// FailedImport records a single parse or write failure that did not abort
// the job. LineNumber is -1 when the whole file failed.
type FailedImport struct {
	ID         string    `bson:"_id" json:"id"`
	JobID      string    `bson:"job_id" json:"job_id"`
	FilePath   string    `bson:"file_path" json:"file_path"`
	LineNumber int       `bson:"line_number" json:"line_number"`
	Line       string    `bson:"line,omitempty" json:"line,omitempty"`
	Error      string    `bson:"error" json:"error"`
	CapturedAt time.Time `bson:"captured_at" json:"captured_at"`
}

// File is the metadata of an attachment found under files/ in the export
type File struct {
	ID       string `bson:"_id" json:"id"`
	Name     string `bson:"name" json:"name"`
	Mimetype string `bson:"mimetype,omitempty" json:"mimetype,omitempty"`
	Path     string `bson:"path" json:"path"`
}
