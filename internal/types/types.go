package types

import (
	"time"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for Loki
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// MessageType classifies the payload of a chat message.
type MessageType string

const (
	MessageTypeText     MessageType = "TEXT"
	MessageTypeImage    MessageType = "IMAGE"
	MessageTypeVideo    MessageType = "VIDEO"
	MessageTypeAudio    MessageType = "AUDIO"
	MessageTypeDocument MessageType = "DOCUMENT"
	MessageTypeSystem   MessageType = "SYSTEM"
)

// MessageStatus is the delivery lifecycle of a message.
//
// PENDING_FALLBACK marks a message parked in the Redis fallback store
// while the primary store is unavailable; the fallback worker replays
// it and restores a normal status.
type MessageStatus string

const (
	StatusPending         MessageStatus = "PENDING"
	StatusSent            MessageStatus = "SENT"
	StatusDelivered       MessageStatus = "DELIVERED"
	StatusRead            MessageStatus = "READ"
	StatusEdited          MessageStatus = "EDITED"
	StatusDeleted         MessageStatus = "DELETED"
	StatusPendingFallback MessageStatus = "PENDING_FALLBACK"
)

// MaxContentBytes caps the message content carried on streams.
// Longer content is truncated at the publish boundary; the full text
// still lives in the primary store.
const MaxContentBytes = 500

// Message is the unit moved by the pipeline.
//
// ID is the primary-store identifier once persisted. Before the first
// successful save it may be empty; the fallback store records such
// messages with originalId="pending" and the id assigned at replay
// time is authoritative.
type Message struct {
	ID              string         `json:"id,omitempty"`
	ConversationID  string         `json:"conversationId"`
	SenderID        string         `json:"senderId"`
	ReceiverID      string         `json:"receiverId,omitempty"`
	Content         string         `json:"content"`
	OriginalContent string         `json:"originalContent,omitempty"`
	Type            MessageType    `json:"type"`
	Subtype         string         `json:"subtype,omitempty"`
	Status          MessageStatus  `json:"status"`
	CreatedAt       time.Time      `json:"createdAt"`
	EditedAt        *time.Time     `json:"editedAt,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep-enough copy for pipeline use.
// Metadata is copied shallowly per key; values are treated as immutable.
func (m *Message) Clone() *Message {
	cp := *m
	if m.Metadata != nil {
		cp.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		cp.EditedAt = &t
	}
	return &cp
}

// TruncatedContent returns content capped at MaxContentBytes for
// stream publication.
func (m *Message) TruncatedContent() string {
	if len(m.Content) <= MaxContentBytes {
		return m.Content
	}
	return m.Content[:MaxContentBytes]
}

// Participant is a member of a conversation.
type Participant struct {
	UserID    string    `json:"userId"`
	Matricule string    `json:"matricule,omitempty"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// ConversationRef is the slice of a conversation the messaging core
// needs: membership and privacy, not the full document.
type ConversationRef struct {
	ID           string         `json:"id"`
	Participants []Participant  `json:"participants"`
	IsPrivate    bool           `json:"isPrivate"`
	Title        string         `json:"title,omitempty"`
	CreatedBy    string         `json:"createdBy,omitempty"`
	Settings     map[string]any `json:"settings,omitempty"`
}

// OtherParticipant returns the single participant that is not senderID.
// Returns "" when the conversation has zero or more than one candidate;
// the router then falls through to the group stream.
func (c *ConversationRef) OtherParticipant(senderID string) string {
	other := ""
	for _, p := range c.Participants {
		if p.UserID == senderID || p.UserID == "" {
			continue
		}
		if other != "" {
			return "" // ambiguous
		}
		other = p.UserID
	}
	return other
}
