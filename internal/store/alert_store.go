package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/classroom-messaging/internal/model"
)

const alertColumns = `id, type, severity, title, description, recipient_id, created_by,
	student_id, assignee_id, status, read, sound, created_at, resolved_at, resolved_by`

// CreateAlert inserts a new alert. Generates a UUID if ID is empty.
func (s *SQLiteStore) CreateAlert(ctx context.Context, a model.Alert) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = model.AlertPending
	}

	var resolvedAt interface{}
	if a.ResolvedAt != nil {
		resolvedAt = a.ResolvedAt.UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Type), string(a.Severity), a.Title, a.Description,
		int64(a.RecipientID), int64(a.CreatedBy), int64(a.StudentID), int64(a.AssigneeID),
		string(a.Status), boolToInt(a.Read), boolToInt(a.SoundEnabled()),
		a.CreatedAt.UTC(), resolvedAt, int64(a.ResolvedBy),
	)
	if err != nil {
		return fmt.Errorf("creating alert: %w", err)
	}
	return nil
}

// GetAlert retrieves a single alert by ID.
func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	row := s.db.QueryRowxContext(ctx, "SELECT "+alertColumns+" FROM alerts WHERE id = ?", id)

	a, err := scanAlert(row)
	if err != nil {
		return nil, fmt.Errorf("getting alert %s: %w", id, err)
	}
	return &a, nil
}

// ListAlerts retrieves alerts matching the filter, newest first.
func (s *SQLiteStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]model.Alert, error) {
	var conditions []string
	var args []interface{}

	if filter.RecipientID != 0 {
		conditions = append(conditions, "recipient_id = ?")
		args = append(args, int64(filter.RecipientID))
	}
	if filter.Status != nil {
		conditions = append(conditions, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Type != nil {
		conditions = append(conditions, "type = ?")
		args = append(args, string(*filter.Type))
	}
	if filter.UnreadOnly {
		conditions = append(conditions, "read = 0")
	}

	query := "SELECT " + alertColumns + " FROM alerts"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer rows.Close()

	var alerts []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// CountUnreadAlerts returns the number of unread alerts for a recipient.
func (s *SQLiteStore) CountUnreadAlerts(ctx context.Context, recipientID model.UserID) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM alerts WHERE recipient_id = ? AND read = 0", int64(recipientID))
	if err != nil {
		return 0, fmt.Errorf("counting unread alerts: %w", err)
	}
	return count, nil
}

// MarkAlertRead flips the read flag of an alert. It reports whether the
// flag changed; marking an already-read alert is not an error.
func (s *SQLiteStore) MarkAlertRead(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE alerts SET read = 1 WHERE id = ? AND read = 0", id)
	if err != nil {
		return false, fmt.Errorf("marking alert %s as read: %w", id, err)
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		return true, nil
	}

	var exists int
	if err := s.db.GetContext(ctx, &exists, "SELECT 1 FROM alerts WHERE id = ?", id); err != nil {
		return false, fmt.Errorf("getting alert %s: %w", id, err)
	}
	return false, nil
}

// MarkAllAlertsRead marks every unread alert of a recipient as read.
func (s *SQLiteStore) MarkAllAlertsRead(ctx context.Context, recipientID model.UserID) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE alerts SET read = 1 WHERE recipient_id = ? AND read = 0", int64(recipientID))
	if err != nil {
		return 0, fmt.Errorf("marking alerts of %s as read: %w", recipientID, err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// AssignAlert records an assignee and moves a pending alert to in_progress.
func (s *SQLiteStore) AssignAlert(ctx context.Context, id string, assigneeID model.UserID) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET
			assignee_id = ?,
			status = CASE WHEN status = 'pending' THEN 'in_progress' ELSE status END
		WHERE id = ?`,
		int64(assigneeID), id,
	)
	if err != nil {
		return fmt.Errorf("assigning alert %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("assigning alert %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// ResolveAlert marks an alert resolved with resolution metadata.
func (s *SQLiteStore) ResolveAlert(
	ctx context.Context,
	id string,
	resolverID model.UserID,
	at time.Time,
) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET status = 'resolved', resolved_at = ?, resolved_by = ?
		WHERE id = ?`,
		at.UTC(), int64(resolverID), id,
	)
	if err != nil {
		return fmt.Errorf("resolving alert %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("resolving alert %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// scanAlert scans an alert row from a sqlx.Row or sqlx.Rows.
func scanAlert(row interface{ Scan(dest ...interface{}) error }) (model.Alert, error) {
	var (
		a          model.Alert
		readInt    int
		soundInt   int
		resolvedAt sql.NullTime
	)

	err := row.Scan(
		&a.ID, &a.Type, &a.Severity, &a.Title, &a.Description,
		&a.RecipientID, &a.CreatedBy, &a.StudentID, &a.AssigneeID,
		&a.Status, &readInt, &soundInt, &a.CreatedAt, &resolvedAt, &a.ResolvedBy,
	)
	if err != nil {
		return model.Alert{}, fmt.Errorf("scanning alert row: %w", err)
	}

	a.Read = readInt != 0
	sound := soundInt != 0
	a.Sound = &sound
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}

	return a, nil
}
