package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/classroom-messaging/internal/model"
)

// CreateConversationIfAbsent inserts conv and its participants unless a
// conversation with the same ID already exists. The derived ID is the
// primary key, so concurrent creators converge on a single row.
func (s *SQLiteStore) CreateConversationIfAbsent(
	ctx context.Context,
	conv model.Conversation,
) (*model.Conversation, bool, error) {
	if conv.ID == "" {
		return nil, false, fmt.Errorf("conversation id must not be empty")
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO conversations (id, created_at) VALUES (?, ?)",
		conv.ID, conv.CreatedAt.UTC(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("creating conversation %s: %w", conv.ID, err)
	}

	inserted, _ := result.RowsAffected()
	if inserted > 0 {
		for i, p := range conv.Participants {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_participants (
					conversation_id, user_id, position, name, role, avatar_url, unread_count
				) VALUES (?, ?, ?, ?, ?, ?, 0)`,
				conv.ID, int64(p.UserID), i, p.Name, string(p.Role), p.AvatarURL,
			)
			if err != nil {
				return nil, false, fmt.Errorf(
					"adding participant %s to conversation %s: %w", p.UserID, conv.ID, err,
				)
			}
		}
	}

	stored, err := getConversation(ctx, tx, conv.ID)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing conversation %s: %w", conv.ID, err)
	}

	return stored, inserted > 0, nil
}

// GetConversation retrieves a conversation with its participants and
// unread counters.
func (s *SQLiteStore) GetConversation(
	ctx context.Context,
	id string,
) (*model.Conversation, error) {
	return getConversation(ctx, s.db, id)
}

// ListConversationsForUser returns every conversation userID participates
// in, most recently active first.
func (s *SQLiteStore) ListConversationsForUser(
	ctx context.Context,
	userID model.UserID,
) ([]model.Conversation, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT c.id, c.created_at, c.last_message_content,
			c.last_message_at, c.last_message_sender_id
		FROM conversations c
		INNER JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?`,
		int64(userID),
	)
	if err != nil {
		return nil, fmt.Errorf("querying conversations for user %s: %w", userID, err)
	}

	var convs []model.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		convs = append(convs, conv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range convs {
		if err := loadParticipants(ctx, s.db, &convs[i]); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(convs, func(i, j int) bool {
		ti, tj := convs[i].SortTime(), convs[j].SortTime()
		if ti.Equal(tj) {
			return convs[i].ID < convs[j].ID
		}
		return ti.After(tj)
	})

	return convs, nil
}

// getConversation loads one conversation through db, which may be the
// store's handle or an open transaction.
func getConversation(
	ctx context.Context,
	db sqlx.QueryerContext,
	id string,
) (*model.Conversation, error) {
	row := db.QueryRowxContext(ctx, `
		SELECT id, created_at, last_message_content,
			last_message_at, last_message_sender_id
		FROM conversations WHERE id = ?`, id)

	conv, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("getting conversation %s: %w", id, err)
	}

	if err := loadParticipants(ctx, db, &conv); err != nil {
		return nil, err
	}

	return &conv, nil
}

// loadParticipants fills conv.Participants and conv.UnreadCount.
func loadParticipants(
	ctx context.Context,
	db sqlx.QueryerContext,
	conv *model.Conversation,
) error {
	rows, err := db.QueryxContext(ctx, `
		SELECT user_id, name, role, avatar_url, unread_count
		FROM conversation_participants
		WHERE conversation_id = ?
		ORDER BY position`, conv.ID)
	if err != nil {
		return fmt.Errorf("querying participants of %s: %w", conv.ID, err)
	}
	defer rows.Close()

	conv.Participants = nil
	conv.UnreadCount = make(map[model.UserID]int)
	for rows.Next() {
		var (
			p      model.Participant
			unread int
		)
		if err := rows.Scan(&p.UserID, &p.Name, &p.Role, &p.AvatarURL, &unread); err != nil {
			return fmt.Errorf("scanning participant row: %w", err)
		}
		conv.Participants = append(conv.Participants, p)
		conv.UnreadCount[p.UserID] = unread
	}
	return rows.Err()
}

// scanConversation scans the conversation columns from a row or rows.
func scanConversation(row interface{ Scan(dest ...interface{}) error }) (model.Conversation, error) {
	var (
		conv          model.Conversation
		lastMessageAt sql.NullTime
		lastSender    int64
	)

	err := row.Scan(
		&conv.ID, &conv.CreatedAt, &conv.LastMessageContent,
		&lastMessageAt, &lastSender,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Conversation{}, err
		}
		return model.Conversation{}, fmt.Errorf("scanning conversation row: %w", err)
	}

	if lastMessageAt.Valid {
		t := lastMessageAt.Time
		conv.LastMessageAt = &t
	}
	conv.LastMessageSenderID = model.UserID(lastSender)

	return conv, nil
}
