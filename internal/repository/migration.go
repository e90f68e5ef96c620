package repository

import (
	"context"
	"fmt"
)

var schemaUp = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id UUID PRIMARY KEY,
		kind TEXT NOT NULL CHECK (kind IN ('DIRECT', 'GROUP')),
		title TEXT,
		direct_key TEXT UNIQUE,
		created_by UUID NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		last_seq BIGINT NOT NULL DEFAULT 0,
		last_message_id UUID,
		last_message_preview TEXT,
		last_message_at TIMESTAMPTZ,
		CHECK ((kind = 'DIRECT') = (direct_key IS NOT NULL))
	)`,
	`CREATE TABLE IF NOT EXISTS participants (
		conversation_id UUID NOT NULL REFERENCES conversations(id),
		user_id UUID NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('ADMIN', 'MEMBER')),
		joined_at TIMESTAMPTZ NOT NULL,
		left_at TIMESTAMPTZ,
		last_read_at TIMESTAMPTZ,
		last_read_seq BIGINT NOT NULL DEFAULT 0,
		muted BOOLEAN NOT NULL DEFAULT FALSE,
		archived BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_participants_user ON participants (user_id) WHERE left_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		conversation_id UUID NOT NULL REFERENCES conversations(id),
		sender_id UUID NOT NULL,
		seq BIGINT NOT NULL,
		idempotency_key TEXT,
		type TEXT NOT NULL CHECK (type IN ('TEXT', 'IMAGE', 'VIDEO', 'VOICE', 'FILE')),
		content TEXT NOT NULL DEFAULT '',
		media_ref TEXT,
		reply_to UUID REFERENCES messages(id),
		created_at TIMESTAMPTZ NOT NULL,
		edited_at TIMESTAMPTZ,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (conversation_id, seq),
		UNIQUE (conversation_id, sender_id, idempotency_key)
	)`,
	`CREATE TABLE IF NOT EXISTS message_reactions (
		message_id UUID NOT NULL REFERENCES messages(id),
		user_id UUID NOT NULL,
		symbol TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (message_id, user_id, symbol)
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		position BIGSERIAL UNIQUE,
		id UUID PRIMARY KEY,
		event_type TEXT NOT NULL,
		conversation_id UUID NOT NULL,
		target_user_id UUID,
		payload JSONB NOT NULL,
		status TEXT NOT NULL,
		retry_count INT NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		next_attempt_at TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events (conversation_id, position) WHERE status = 'PENDING'`,
}

var schemaDown = []string{
	`DROP TABLE IF EXISTS outbox_events`,
	`DROP TABLE IF EXISTS message_reactions`,
	`DROP TABLE IF EXISTS messages`,
	`DROP TABLE IF EXISTS participants`,
	`DROP TABLE IF EXISTS conversations`,
}

// InitSchema creates all tables and indexes. It is safe to run repeatedly.
func InitSchema(ctx context.Context, db DBTX) error {
	return WithTx(ctx, db, func(tx DBTX) error {
		for _, stmt := range schemaUp {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply schema: %w", err)
			}
		}
		return nil
	})
}

// DropSchema removes every table created by InitSchema.
func DropSchema(ctx context.Context, db DBTX) error {
	return WithTx(ctx, db, func(tx DBTX) error {
		for _, stmt := range schemaDown {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to drop schema: %w", err)
			}
		}
		return nil
	})
}

// SchemaTables lists the tables owned by this service.
func SchemaTables() []string {
	return []string{"conversations", "participants", "messages", "message_reactions", "outbox_events"}
}
