package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/classroom-messaging/internal/model"
)

// sqliteTx implements Tx on an open sqlx transaction.
type sqliteTx struct {
	tx *sqlx.Tx
}

// GetConversation reads a conversation inside the transaction.
func (t *sqliteTx) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	return getConversation(ctx, t.tx, id)
}

// InsertMessage appends msg to its conversation's log. It generates an ID
// if msg has none and fills msg.Seq from the autoincrement column.
func (t *sqliteTx) InsertMessage(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	attachments := msg.Attachments
	if attachments == nil {
		attachments = []model.Attachment{}
	}
	attachmentsJSON, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("marshaling attachments for message %s: %w", msg.ID, err)
	}

	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO messages (
			id, conversation_id, sender_id, sender_name, sender_role,
			content, attachments, sent_at, read
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, int64(msg.SenderID), msg.SenderName, string(msg.SenderRole),
		msg.Content, string(attachmentsJSON), msg.Timestamp.UTC(), boolToInt(msg.Read),
	)
	if err != nil {
		return fmt.Errorf("inserting message %s: %w", msg.ID, err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading seq of message %s: %w", msg.ID, err)
	}
	msg.Seq = seq

	return nil
}

// UpdatePreview records the latest message on the conversation row.
func (t *sqliteTx) UpdatePreview(
	ctx context.Context,
	conversationID, content string,
	at time.Time,
	senderID model.UserID,
) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE conversations SET
			last_message_content = ?,
			last_message_at = ?,
			last_message_sender_id = ?
		WHERE id = ?`,
		content, at.UTC(), int64(senderID), conversationID,
	)
	if err != nil {
		return fmt.Errorf("updating preview of %s: %w", conversationID, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	return nil
}

// IncrementUnread adds one to every non-sender participant's counter.
func (t *sqliteTx) IncrementUnread(
	ctx context.Context,
	conversationID string,
	senderID model.UserID,
) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE conversation_participants
		SET unread_count = unread_count + 1
		WHERE conversation_id = ? AND user_id != ?`,
		conversationID, int64(senderID),
	)
	if err != nil {
		return fmt.Errorf("incrementing unread counters of %s: %w", conversationID, err)
	}
	return nil
}

// ResetUnread zeroes userID's counter in the conversation.
func (t *sqliteTx) ResetUnread(
	ctx context.Context,
	conversationID string,
	userID model.UserID,
) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE conversation_participants SET unread_count = 0
		WHERE conversation_id = ? AND user_id = ?`,
		conversationID, int64(userID),
	)
	if err != nil {
		return false, fmt.Errorf("resetting unread counter of %s in %s: %w", userID, conversationID, err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// LastSeq returns the highest seq in the conversation's log.
func (t *sqliteTx) LastSeq(ctx context.Context, conversationID string) (int64, error) {
	var seq int64
	err := t.tx.GetContext(ctx, &seq,
		"SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?", conversationID)
	if err != nil {
		return 0, fmt.Errorf("reading last seq of %s: %w", conversationID, err)
	}
	return seq, nil
}

// ListMessages returns the full log of a conversation in send order.
func (s *SQLiteStore) ListMessages(
	ctx context.Context,
	conversationID string,
) ([]model.Message, error) {
	return s.ListMessagesAfter(ctx, conversationID, 0)
}

// ListMessagesAfter returns messages with seq greater than afterSeq, in
// send order. Send timestamps are assigned non-decreasing in insertion
// order, so seq order is timestamp order with ties broken by insertion.
func (s *SQLiteStore) ListMessagesAfter(
	ctx context.Context,
	conversationID string,
	afterSeq int64,
) ([]model.Message, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT seq, id, conversation_id, sender_id, sender_name, sender_role,
			content, attachments, sent_at, read
		FROM messages
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq`,
		conversationID, afterSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages of %s: %w", conversationID, err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// UnreadMessageIDs returns IDs of messages in the conversation with seq
// up to upToSeq that were sent by someone other than readerID and are not
// yet marked read.
func (s *SQLiteStore) UnreadMessageIDs(
	ctx context.Context,
	conversationID string,
	readerID model.UserID,
	upToSeq int64,
) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM messages
		WHERE conversation_id = ? AND sender_id != ? AND read = 0 AND seq <= ?
		ORDER BY seq`,
		conversationID, int64(readerID), upToSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("querying unread messages of %s: %w", conversationID, err)
	}
	return ids, nil
}

// MarkMessagesRead sets read = 1 on the given messages and returns how
// many rows changed.
func (s *SQLiteStore) MarkMessagesRead(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE messages SET read = 1 WHERE read = 0 AND id IN ("+placeholders(len(ids))+")",
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("marking %d messages read: %w", len(ids), err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// scanMessage scans a message row from sqlx.Rows.
func scanMessage(rows interface{ Scan(dest ...interface{}) error }) (model.Message, error) {
	var (
		msg         model.Message
		attachments string
		readInt     int
	)

	err := rows.Scan(
		&msg.Seq, &msg.ID, &msg.ConversationID, &msg.SenderID, &msg.SenderName, &msg.SenderRole,
		&msg.Content, &attachments, &msg.Timestamp, &readInt,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("scanning message row: %w", err)
	}

	msg.Read = readInt != 0
	if attachments != "" && attachments != "[]" {
		if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
			return model.Message{}, fmt.Errorf("unmarshaling attachments of %s: %w", msg.ID, err)
		}
	}

	return msg, nil
}
