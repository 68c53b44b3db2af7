package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"chatsync/internal/db"
	"chatsync/internal/models"
)

var ErrReactionNotFound = errors.New("reaction not found")

// ReactionRepository persists emoji reactions. The unique index on
// (source_message_id, sender_id, emoji) makes add/remove an existence
// toggle, never a duplicate.
type ReactionRepository interface {
	GetTx(ctx context.Context, tx *sqlx.Tx, sourceMessageID, senderID, emoji string) (models.Reaction, error)
	InsertTx(ctx context.Context, tx *sqlx.Tx, reaction models.Reaction) error
	SetStatusTx(ctx context.Context, tx *sqlx.Tx, sourceMessageID, senderID, emoji string, status models.MessageStatus) error
	DeleteTx(ctx context.Context, tx *sqlx.Tx, sourceMessageID, senderID, emoji string) error
	ListForMessage(ctx context.Context, sourceMessageID string) ([]models.Reaction, error)
}

// ReactionRepo is the sqlx implementation of ReactionRepository.
type ReactionRepo struct {
	store *db.Store
}

// NewReactionRepo constructs a ReactionRepo.
func NewReactionRepo(store *db.Store) *ReactionRepo {
	return &ReactionRepo{store: store}
}

// GetTx fetches the reaction row for a (message, sender, emoji) triple.
func (r *ReactionRepo) GetTx(ctx context.Context, tx *sqlx.Tx, sourceMessageID, senderID, emoji string) (models.Reaction, error) {
	var reaction models.Reaction
	err := tx.GetContext(ctx, &reaction, `SELECT id, source_message_id, conversation_id, sender_id, emoji, status, created_at
        FROM reactions WHERE source_message_id=? AND sender_id=? AND emoji=?`, sourceMessageID, senderID, emoji)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Reaction{}, ErrReactionNotFound
	}
	return reaction, err
}

// InsertTx inserts a reaction row.
func (r *ReactionRepo) InsertTx(ctx context.Context, tx *sqlx.Tx, reaction models.Reaction) error {
	if reaction.CreatedAt.IsZero() {
		reaction.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO reactions (source_message_id, conversation_id, sender_id, emoji, status, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		reaction.SourceMessageID, reaction.ConversationID, reaction.SenderID, reaction.Emoji, reaction.Status, reaction.CreatedAt)
	return err
}

// SetStatusTx transitions a reaction's lifecycle status.
func (r *ReactionRepo) SetStatusTx(ctx context.Context, tx *sqlx.Tx, sourceMessageID, senderID, emoji string, status models.MessageStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE reactions SET status=? WHERE source_message_id=? AND sender_id=? AND emoji=?`,
		status, sourceMessageID, senderID, emoji)
	if err != nil {
		return err
	}
	return requireRow(res, ErrReactionNotFound)
}

// DeleteTx removes the reaction row for a triple.
func (r *ReactionRepo) DeleteTx(ctx context.Context, tx *sqlx.Tx, sourceMessageID, senderID, emoji string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM reactions WHERE source_message_id=? AND sender_id=? AND emoji=?`,
		sourceMessageID, senderID, emoji)
	if err != nil {
		return err
	}
	return requireRow(res, ErrReactionNotFound)
}

// ListForMessage returns every reaction on a message.
func (r *ReactionRepo) ListForMessage(ctx context.Context, sourceMessageID string) ([]models.Reaction, error) {
	var reactions []models.Reaction
	err := r.store.DB().SelectContext(ctx, &reactions, `SELECT id, source_message_id, conversation_id, sender_id, emoji, status, created_at
        FROM reactions WHERE source_message_id=? ORDER BY created_at ASC`, sourceMessageID)
	return reactions, err
}
