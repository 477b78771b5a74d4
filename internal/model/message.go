package model

import "time"

// Message is an entry in a conversation's append-only log.
type Message struct {
	ID             string       `json:"id"`
	Seq            int64        `json:"seq"`
	ConversationID string       `json:"conversation_id"`
	SenderID       UserID       `json:"sender_id"`
	SenderName     string       `json:"sender_name"`
	SenderRole     Role         `json:"sender_role"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`

	// Read flips to true once a participant other than the sender has
	// viewed the conversation.
	Read bool `json:"read"`
}

// MessageEventKind distinguishes events on a conversation's message topic.
type MessageEventKind string

const (
	MessageAppended MessageEventKind = "appended"
	MessagesRead    MessageEventKind = "read"
)

// MessageEvent is published on a conversation's message topic.
type MessageEvent struct {
	Kind    MessageEventKind `json:"kind"`
	Message *Message         `json:"message,omitempty"`

	// ReaderID and ReadIDs are set for MessagesRead events.
	ReaderID UserID   `json:"reader_id,omitempty"`
	ReadIDs  []string `json:"read_ids,omitempty"`
}
