package store

import "github.com/jmoiron/sqlx"

// migration holds a single schema migration with its target version and SQL.
// backfill, when set, runs after sql to populate derived columns.
type migration struct {
	version  int
	sql      string
	backfill func(db *sqlx.DB) error
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id         INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	role       TEXT NOT NULL CHECK(role IN ('teacher', 'tutor', 'student')),
	avatar_url TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS conversations (
	id                     TEXT PRIMARY KEY,
	created_at             DATETIME NOT NULL,
	last_message_content   TEXT NOT NULL DEFAULT '',
	last_message_at        DATETIME,
	last_message_sender_id INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS conversation_participants (
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	user_id         INTEGER NOT NULL,
	position        INTEGER NOT NULL,
	name            TEXT NOT NULL,
	role            TEXT NOT NULL,
	avatar_url      TEXT NOT NULL DEFAULT '',
	unread_count    INTEGER NOT NULL DEFAULT 0 CHECK(unread_count >= 0),
	PRIMARY KEY (conversation_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	sender_id       INTEGER NOT NULL,
	sender_name     TEXT NOT NULL,
	sender_role     TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	attachments     TEXT NOT NULL DEFAULT '[]',
	sent_at         DATETIME NOT NULL,
	read            INTEGER NOT NULL DEFAULT 0 CHECK(read IN (0, 1))
);

CREATE INDEX IF NOT EXISTS idx_participants_user ON conversation_participants(user_id);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(conversation_id, read, sender_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS alerts (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	severity     TEXT NOT NULL CHECK(severity IN ('low', 'medium', 'high')),
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	recipient_id INTEGER NOT NULL DEFAULT 0,
	created_by   INTEGER NOT NULL DEFAULT 0,
	student_id   INTEGER NOT NULL DEFAULT 0,
	assignee_id  INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'in_progress', 'resolved')),
	read         INTEGER NOT NULL DEFAULT 0 CHECK(read IN (0, 1)),
	sound        INTEGER NOT NULL DEFAULT 1 CHECK(sound IN (0, 1)),
	created_at   DATETIME NOT NULL,
	resolved_at  DATETIME,
	resolved_by  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_alerts_recipient_read ON alerts(recipient_id, read);
CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at);

CREATE TABLE IF NOT EXISTS notification_tokens (
	user_id    INTEGER NOT NULL,
	token      TEXT NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, token)
);

CREATE TABLE IF NOT EXISTS notification_preferences (
	user_id    INTEGER NOT NULL,
	alert_type TEXT NOT NULL,
	enabled    INTEGER NOT NULL DEFAULT 1 CHECK(enabled IN (0, 1)),
	sound      INTEGER NOT NULL DEFAULT 1 CHECK(sound IN (0, 1)),
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, alert_type)
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
ALTER TABLE users ADD COLUMN search_name TEXT NOT NULL DEFAULT '';

INSERT INTO schema_version (version) VALUES (3);
`,
		backfill: backfillSearchNames,
	},
}
