package store

import (
	"context"
	"time"

	"github.com/nhle/classroom-messaging/internal/model"
)

// AlertFilter controls filtering and pagination for alert queries.
type AlertFilter struct {
	RecipientID model.UserID
	Status      *model.AlertStatus
	Type        *model.AlertType
	UnreadOnly  bool
	Limit       int
	Offset      int
}

// Tx is the set of writes that make up a message append. Every method runs
// inside the same transaction; nothing is visible until it commits.
type Tx interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	InsertMessage(ctx context.Context, msg *model.Message) error
	UpdatePreview(ctx context.Context, conversationID, content string, at time.Time, senderID model.UserID) error

	// IncrementUnread adds one to the counter of every participant except
	// the sender. It is a single UPDATE, so concurrent increments never
	// lose updates.
	IncrementUnread(ctx context.Context, conversationID string, senderID model.UserID) error

	// ResetUnread zeroes one participant's counter. It reports false if
	// the user is not a participant.
	ResetUnread(ctx context.Context, conversationID string, userID model.UserID) (bool, error)

	// LastSeq returns the highest message seq in the conversation, or 0
	// when it has no messages.
	LastSeq(ctx context.Context, conversationID string) (int64, error)
}

// UserStore persists the external identities the core snapshots.
type UserStore interface {
	UpsertUser(ctx context.Context, u model.User) error
	GetUser(ctx context.Context, id model.UserID) (*model.User, error)
	SearchUsers(ctx context.Context, term string, limit int) ([]model.User, error)
}

// ConversationStore persists conversations and their participants.
type ConversationStore interface {
	// CreateConversationIfAbsent inserts conv unless a conversation with
	// the same ID exists. It returns the stored conversation and whether
	// this call created it.
	CreateConversationIfAbsent(ctx context.Context, conv model.Conversation) (*model.Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListConversationsForUser(ctx context.Context, userID model.UserID) ([]model.Conversation, error)
}

// MessageStore persists the per-conversation message log.
type MessageStore interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
	ListMessages(ctx context.Context, conversationID string) ([]model.Message, error)
	ListMessagesAfter(ctx context.Context, conversationID string, afterSeq int64) ([]model.Message, error)
	UnreadMessageIDs(ctx context.Context, conversationID string, readerID model.UserID, upToSeq int64) ([]string, error)
	MarkMessagesRead(ctx context.Context, ids []string) (int64, error)
}

// AlertStore persists alerts.
type AlertStore interface {
	CreateAlert(ctx context.Context, a model.Alert) error
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]model.Alert, error)
	CountUnreadAlerts(ctx context.Context, recipientID model.UserID) (int, error)
	MarkAlertRead(ctx context.Context, id string) (bool, error)
	MarkAllAlertsRead(ctx context.Context, recipientID model.UserID) (int64, error)
	AssignAlert(ctx context.Context, id string, assigneeID model.UserID) error
	ResolveAlert(ctx context.Context, id string, resolverID model.UserID, at time.Time) error
}

// NotificationStore persists push tokens and per-type preferences.
type NotificationStore interface {
	GetTokens(ctx context.Context, userID model.UserID) (*model.NotificationTokens, error)
	AddToken(ctx context.Context, userID model.UserID, token string) error
	RemoveToken(ctx context.Context, userID model.UserID, token string) error
	GetPreferences(ctx context.Context, userID model.UserID) (map[model.AlertType]model.NotificationPreference, error)
	GetPreference(ctx context.Context, userID model.UserID, alertType model.AlertType) (model.NotificationPreference, error)
	SetPreference(ctx context.Context, userID model.UserID, alertType model.AlertType, pref model.NotificationPreference) error
}

// Store defines the full persistence interface for the messaging core.
type Store interface {
	UserStore
	ConversationStore
	MessageStore
	AlertStore
	NotificationStore
	Close() error
}
