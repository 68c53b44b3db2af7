package db

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Open initializes the SQLite database and runs migrations. The returned
// Store funnels all mutation through a single serialized write path; reads
// use the pool concurrently.
func Open(dsn string) (*Store, error) {
	conn, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	// SQLite allows one writer; WAL keeps readers unblocked during writes.
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA foreign_keys = ON;`,
		`PRAGMA busy_timeout = 5000;`,
	} {
		if _, err := conn.Exec(pragma); err != nil {
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}

	if err := runMigrations(conn); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return NewStore(conn), nil
}

func runMigrations(conn *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
            id TEXT PRIMARY KEY,
            network_id TEXT NOT NULL DEFAULT '',
            invite_tag TEXT NOT NULL UNIQUE,
            kind TEXT NOT NULL DEFAULT 'group',
            name TEXT NOT NULL DEFAULT '',
            description TEXT NOT NULL DEFAULT '',
            creator_id TEXT NOT NULL DEFAULT '',
            locked INTEGER NOT NULL DEFAULT 0,
            consent TEXT NOT NULL DEFAULT 'unknown',
            expires_at TIMESTAMP,
            image_url TEXT NOT NULL DEFAULT '',
            image_salt BLOB,
            image_nonce BLOB,
            image_key BLOB,
            preview_url TEXT NOT NULL DEFAULT '',
            public_preview INTEGER NOT NULL DEFAULT 0,
            image_renewed_at TIMESTAMP,
            unused INTEGER NOT NULL DEFAULT 0,
            unread INTEGER NOT NULL DEFAULT 0,
            last_opened_at TIMESTAMP,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_network_id ON conversations(network_id);`,
		`CREATE TABLE IF NOT EXISTS members (
            id TEXT PRIMARY KEY,
            display_name TEXT NOT NULL DEFAULT '',
            avatar_url TEXT NOT NULL DEFAULT '',
            avatar_key BLOB,
            avatar_nonce BLOB,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS conversation_members (
            conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            member_id TEXT NOT NULL REFERENCES members(id),
            role TEXT NOT NULL DEFAULT 'member',
            consented INTEGER NOT NULL DEFAULT 0,
            joined_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(conversation_id, member_id)
        );`,
		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            client_id TEXT NOT NULL,
            conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id TEXT NOT NULL,
            sent_at_ns INTEGER NOT NULL,
            sort_position INTEGER NOT NULL,
            status TEXT NOT NULL DEFAULT 'unpublished',
            kind TEXT NOT NULL DEFAULT 'text',
            body TEXT NOT NULL DEFAULT '',
            reply_to_id TEXT NOT NULL DEFAULT '',
            attachment_url TEXT NOT NULL DEFAULT '',
            attachment_key BLOB,
            attachment_nonce BLOB,
            local_attachment TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_sort ON messages(conversation_id, sort_position);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_client_id ON messages(client_id);`,
		`CREATE TABLE IF NOT EXISTS reactions (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            source_message_id TEXT NOT NULL,
            conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id TEXT NOT NULL,
            emoji TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'unpublished',
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            UNIQUE(source_message_id, sender_id, emoji)
        );`,
		`CREATE TABLE IF NOT EXISTS invites (
            conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            creator_id TEXT NOT NULL,
            slug TEXT NOT NULL,
            signature BLOB NOT NULL,
            expires_at TIMESTAMP,
            preview_name TEXT NOT NULL DEFAULT '',
            preview_description TEXT NOT NULL DEFAULT '',
            preview_image_url TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(conversation_id, creator_id)
        );`,
		`CREATE TABLE IF NOT EXISTS attachment_states (
            message_id TEXT PRIMARY KEY,
            conversation_id TEXT NOT NULL,
            revealed INTEGER NOT NULL DEFAULT 0,
            width INTEGER NOT NULL DEFAULT 0,
            height INTEGER NOT NULL DEFAULT 0,
            updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS photo_preferences (
            conversation_id TEXT PRIMARY KEY,
            auto_reveal INTEGER NOT NULL DEFAULT 0,
            version INTEGER NOT NULL DEFAULT 1,
            updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS pending_photo_uploads (
            id TEXT PRIMARY KEY,
            conversation_id TEXT NOT NULL,
            client_message_id TEXT NOT NULL,
            local_path TEXT NOT NULL,
            content_type TEXT NOT NULL DEFAULT 'image/jpeg',
            retry_count INTEGER NOT NULL DEFAULT 0,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        );`,
	}

	for _, m := range migrations {
		if _, err := conn.Exec(m); err != nil {
			return err
		}
	}
	slog.Info("database migrations applied")
	return nil
}
