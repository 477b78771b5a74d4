package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/classroom-messaging/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
//
// An in-memory database (":memory:") is private to a single connection,
// so the pool is pinned to one connection in that case.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	inMemory := dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")
	if !inMemory {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		// Pragmas in the DSN apply to every pooled connection.
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)" +
			"&_pragma=foreign_keys(1)&_txlock=immediate"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if inMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)

		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if m.backfill != nil {
			if err := m.backfill(s.db); err != nil {
				return fmt.Errorf("backfilling migration v%d: %w", m.version, err)
			}
		}
	}

	return nil
}

// WithTx runs fn inside a transaction, committing if fn returns nil and
// rolling back otherwise. fn must only use the Tx it is given.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// UpsertUser inserts or refreshes a user snapshot.
func (s *SQLiteStore) UpsertUser(ctx context.Context, u model.User) error {
	if u.ID <= 0 {
		return fmt.Errorf("user id must be positive")
	}
	if !u.Role.Valid() {
		return fmt.Errorf("user %s has unknown role %q", u.ID, u.Role)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, search_name, role, avatar_url, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			search_name = excluded.search_name,
			role = excluded.role,
			avatar_url = excluded.avatar_url,
			updated_at = excluded.updated_at`,
		int64(u.ID), u.Name, foldName(u.Name), string(u.Role), u.AvatarURL, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting user %s: %w", u.ID, err)
	}
	return nil
}

func foldName(s string) string {
	return strings.ToLower(s)
}

// backfillSearchNames fills search_name for rows written before the
// column existed.
func backfillSearchNames(db *sqlx.DB) error {
	var users []struct {
		ID   int64  `db:"id"`
		Name string `db:"name"`
	}
	if err := db.Select(&users, "SELECT id, name FROM users"); err != nil {
		return fmt.Errorf("listing users: %w", err)
	}
	for _, u := range users {
		if _, err := db.Exec("UPDATE users SET search_name = ? WHERE id = ?", foldName(u.Name), u.ID); err != nil {
			return fmt.Errorf("updating user %d: %w", u.ID, err)
		}
	}
	return nil
}

// GetUser retrieves a single user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id model.UserID) (*model.User, error) {
	var u model.User
	err := s.db.QueryRowxContext(ctx,
		"SELECT id, name, role, avatar_url FROM users WHERE id = ?", int64(id),
	).Scan(&u.ID, &u.Name, &u.Role, &u.AvatarURL)
	if err != nil {
		return nil, fmt.Errorf("getting user %s: %w", id, err)
	}
	return &u, nil
}

// SearchUsers returns users whose name contains term, case-insensitively,
// ordered by name. Case folding happens in Go so that accented letters
// match too; SQLite's lower() only folds ASCII.
func (s *SQLiteStore) SearchUsers(
	ctx context.Context,
	term string,
	limit int,
) ([]model.User, error) {
	query := `
		SELECT id, name, role, avatar_url FROM users
		WHERE instr(search_name, ?) > 0
		ORDER BY name`
	args := []interface{}{foldName(term)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Role, &u.AvatarURL); err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
