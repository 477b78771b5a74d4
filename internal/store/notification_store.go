package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nhle/classroom-messaging/internal/model"
)

// GetTokens returns the push tokens registered for a user. A user with no
// tokens gets an empty, non-nil result.
func (s *SQLiteStore) GetTokens(
	ctx context.Context,
	userID model.UserID,
) (*model.NotificationTokens, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT token, updated_at FROM notification_tokens WHERE user_id = ? ORDER BY token",
		int64(userID),
	)
	if err != nil {
		return nil, fmt.Errorf("querying tokens for %s: %w", userID, err)
	}
	defer rows.Close()

	result := &model.NotificationTokens{UserID: userID, Tokens: []string{}}
	for rows.Next() {
		var (
			token     string
			updatedAt time.Time
		)
		if err := rows.Scan(&token, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning token row: %w", err)
		}
		result.Tokens = append(result.Tokens, token)
		if updatedAt.After(result.UpdatedAt) {
			result.UpdatedAt = updatedAt
		}
	}
	return result, rows.Err()
}

// AddToken registers a push token for a user. Re-adding refreshes it.
func (s *SQLiteStore) AddToken(ctx context.Context, userID model.UserID, token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("token must not be empty")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_tokens (user_id, token, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id, token) DO UPDATE SET updated_at = excluded.updated_at`,
		int64(userID), token, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("adding token for %s: %w", userID, err)
	}
	return nil
}

// RemoveToken unregisters a push token.
func (s *SQLiteStore) RemoveToken(ctx context.Context, userID model.UserID, token string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM notification_tokens WHERE user_id = ? AND token = ?",
		int64(userID), token,
	)
	if err != nil {
		return fmt.Errorf("removing token for %s: %w", userID, err)
	}
	return nil
}

// GetPreferences returns every saved preference of a user, keyed by type.
func (s *SQLiteStore) GetPreferences(
	ctx context.Context,
	userID model.UserID,
) (map[model.AlertType]model.NotificationPreference, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT alert_type, enabled, sound FROM notification_preferences WHERE user_id = ?",
		int64(userID),
	)
	if err != nil {
		return nil, fmt.Errorf("querying preferences for %s: %w", userID, err)
	}
	defer rows.Close()

	prefs := make(map[model.AlertType]model.NotificationPreference)
	for rows.Next() {
		var (
			alertType    string
			enabled, snd int
		)
		if err := rows.Scan(&alertType, &enabled, &snd); err != nil {
			return nil, fmt.Errorf("scanning preference row: %w", err)
		}
		prefs[model.AlertType(alertType)] = model.NotificationPreference{
			Enabled: enabled != 0,
			Sound:   snd != 0,
		}
	}
	return prefs, rows.Err()
}

// GetPreference returns the saved preference for one alert type, or
// model.DefaultPreference if the user never saved one.
func (s *SQLiteStore) GetPreference(
	ctx context.Context,
	userID model.UserID,
	alertType model.AlertType,
) (model.NotificationPreference, error) {
	var enabled, snd int
	err := s.db.QueryRowxContext(ctx,
		"SELECT enabled, sound FROM notification_preferences WHERE user_id = ? AND alert_type = ?",
		int64(userID), string(alertType),
	).Scan(&enabled, &snd)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultPreference, nil
	}
	if err != nil {
		return model.NotificationPreference{}, fmt.Errorf(
			"getting %s preference for %s: %w", alertType, userID, err,
		)
	}
	return model.NotificationPreference{Enabled: enabled != 0, Sound: snd != 0}, nil
}

// SetPreference saves the preference for one alert type.
func (s *SQLiteStore) SetPreference(
	ctx context.Context,
	userID model.UserID,
	alertType model.AlertType,
	pref model.NotificationPreference,
) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_preferences (user_id, alert_type, enabled, sound, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, alert_type) DO UPDATE SET
			enabled = excluded.enabled,
			sound = excluded.sound,
			updated_at = excluded.updated_at`,
		int64(userID), string(alertType), boolToInt(pref.Enabled), boolToInt(pref.Sound),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving %s preference for %s: %w", alertType, userID, err)
	}
	return nil
}
