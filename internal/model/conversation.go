package model

import "time"

// Participant is a snapshot of a user taken when the conversation was created.
type Participant struct {
	UserID    UserID `json:"user_id" db:"user_id"`
	Name      string `json:"name" db:"name"`
	Role      Role   `json:"role" db:"role"`
	AvatarURL string `json:"avatar_url,omitempty" db:"avatar_url"`
}

// Conversation is a thread between two or more participants.
type Conversation struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"created_at"`

	// Preview of the most recent message. LastMessageAt is nil until the
	// first message is sent.
	LastMessageContent  string     `json:"last_message_content"`
	LastMessageAt       *time.Time `json:"last_message_at,omitempty"`
	LastMessageSenderID UserID     `json:"last_message_sender_id,omitempty"`

	// UnreadCount has exactly one entry per participant.
	UnreadCount map[UserID]int `json:"unread_count"`
}

// ParticipantIDs returns the participant IDs in their stored order.
func (c Conversation) ParticipantIDs() []UserID {
	ids := make([]UserID, len(c.Participants))
	for i, p := range c.Participants {
		ids[i] = p.UserID
	}
	return ids
}

// HasParticipant reports whether id is a member of the conversation.
func (c Conversation) HasParticipant(id UserID) bool {
	for _, p := range c.Participants {
		if p.UserID == id {
			return true
		}
	}
	return false
}

// SortTime is the timestamp conversation lists are ordered by: the last
// message time, or the creation time for conversations with no messages.
func (c Conversation) SortTime() time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// ConversationEvent signals that a conversation visible to a user changed:
// it was created, received a message, or had a counter reset.
type ConversationEvent struct {
	ConversationID string `json:"conversation_id"`
}
