package bus

import (
	"github.com/rs/zerolog"

	"github.com/nhle/classroom-messaging/internal/model"
)

// ConversationsTopic carries changes to any conversation userID belongs to.
func ConversationsTopic(userID model.UserID) string {
	return "conversations/" + userID.String()
}

// MessagesTopic carries appends and read receipts of one conversation.
func MessagesTopic(conversationID string) string {
	return "messages/" + conversationID
}

// AlertsTopic carries changes to userID's alerts.
func AlertsTopic(userID model.UserID) string {
	return "alerts/" + userID.String()
}

// NotificationsTopic carries in-app notifications dispatched to userID.
func NotificationsTopic(userID model.UserID) string {
	return "notifications/" + userID.String()
}

// Hub groups the typed brokers shared by the services.
type Hub struct {
	Conversations *Broker[model.ConversationEvent]
	Messages      *Broker[model.MessageEvent]
	Alerts        *Broker[model.AlertEvent]
	Notifications *Broker[model.Notification]
}

// NewHub creates a hub with empty brokers.
func NewHub(log zerolog.Logger) *Hub {
	log = log.With().Str("component", "bus").Logger()
	return &Hub{
		Conversations: NewBroker[model.ConversationEvent](log),
		Messages:      NewBroker[model.MessageEvent](log),
		Alerts:        NewBroker[model.AlertEvent](log),
		Notifications: NewBroker[model.Notification](log),
	}
}

// ConversationChanged notifies every participant of conv.
func (h *Hub) ConversationChanged(conv model.Conversation) {
	ev := model.ConversationEvent{ConversationID: conv.ID}
	for _, p := range conv.Participants {
		h.Conversations.Publish(ConversationsTopic(p.UserID), ev)
	}
}

// Close cancels every subscription on every broker.
func (h *Hub) Close() {
	h.Conversations.Close()
	h.Messages.Close()
	h.Alerts.Close()
	h.Notifications.Close()
}
