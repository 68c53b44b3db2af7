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

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository persists conversation messages. The primary key is the
// network-confirmed id; client_id is the UI-stable identity and always set.
type MessageRepository interface {
	Get(ctx context.Context, id string) (models.Message, error)
	GetTx(ctx context.Context, tx *sqlx.Tx, id string) (models.Message, error)
	GetByClientID(ctx context.Context, clientID string) (models.Message, error)
	ListByConversation(ctx context.Context, conversationID string) ([]models.Message, error)
	NextSortPositionTx(ctx context.Context, tx *sqlx.Tx, conversationID string) (int64, error)
	NewestSentAtTx(ctx context.Context, tx *sqlx.Tx, conversationID string) (int64, error)
	InsertTx(ctx context.Context, tx *sqlx.Tx, msg models.Message) error
	SaveTx(ctx context.Context, tx *sqlx.Tx, msg models.Message) error
	RekeyTx(ctx context.Context, tx *sqlx.Tx, oldID, newID string) error
	SetStatusByClientIDTx(ctx context.Context, tx *sqlx.Tx, clientID string, status models.MessageStatus) error
	DeleteTx(ctx context.Context, tx *sqlx.Tx, id string) error
}

// MessageRepo is the sqlx implementation of MessageRepository.
type MessageRepo struct {
	store *db.Store
}

// NewMessageRepo constructs a MessageRepo.
func NewMessageRepo(store *db.Store) *MessageRepo {
	return &MessageRepo{store: store}
}

const messageColumns = `id, client_id, conversation_id, sender_id, sent_at_ns, sort_position,
    status, kind, body, reply_to_id, attachment_url, attachment_key, attachment_nonce,
    local_attachment, created_at`

// Get fetches a message by its (network or provisional) id.
func (r *MessageRepo) Get(ctx context.Context, id string) (models.Message, error) {
	var msg models.Message
	err := r.store.DB().GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// GetTx fetches a message inside a write transaction.
func (r *MessageRepo) GetTx(ctx context.Context, tx *sqlx.Tx, id string) (models.Message, error) {
	var msg models.Message
	err := tx.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// GetByClientID fetches a message by its UI-stable client id.
func (r *MessageRepo) GetByClientID(ctx context.Context, clientID string) (models.Message, error) {
	var msg models.Message
	err := r.store.DB().GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE client_id=?`, clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// ListByConversation returns messages in display order. Sort position is the
// authoritative ordering key; wall-clock timestamps interleave untrustworthily.
func (r *MessageRepo) ListByConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	err := r.store.DB().SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id=? ORDER BY sort_position ASC`, conversationID)
	return msgs, err
}

// NextSortPositionTx returns max(sort_position)+1 for the conversation.
// Callers hold the serialized write path, so the value cannot be raced.
func (r *MessageRepo) NextSortPositionTx(ctx context.Context, tx *sqlx.Tx, conversationID string) (int64, error) {
	var next int64
	err := tx.GetContext(ctx, &next, `SELECT COALESCE(MAX(sort_position), 0) + 1 FROM messages WHERE conversation_id=?`, conversationID)
	return next, err
}

// NewestSentAtTx returns the newest wall-clock timestamp stored for the
// conversation, zero when it has no messages.
func (r *MessageRepo) NewestSentAtTx(ctx context.Context, tx *sqlx.Tx, conversationID string) (int64, error) {
	var newest int64
	err := tx.GetContext(ctx, &newest, `SELECT COALESCE(MAX(sent_at_ns), 0) FROM messages WHERE conversation_id=?`, conversationID)
	return newest, err
}

// InsertTx inserts a message row.
func (r *MessageRepo) InsertTx(ctx context.Context, tx *sqlx.Tx, msg models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO messages
        (id, client_id, conversation_id, sender_id, sent_at_ns, sort_position, status, kind, body,
         reply_to_id, attachment_url, attachment_key, attachment_nonce, local_attachment, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ClientID, msg.ConversationID, msg.SenderID, msg.SentAtNs, msg.SortPosition,
		msg.Status, msg.Kind, msg.Body, msg.ReplyToID, msg.AttachmentURL, msg.AttachmentKey,
		msg.AttachmentNonce, msg.LocalAttachment, msg.CreatedAt)
	return err
}

// SaveTx overwrites an existing message row.
func (r *MessageRepo) SaveTx(ctx context.Context, tx *sqlx.Tx, msg models.Message) error {
	res, err := tx.ExecContext(ctx, `UPDATE messages SET
        client_id=?, conversation_id=?, sender_id=?, sent_at_ns=?, sort_position=?, status=?,
        kind=?, body=?, reply_to_id=?, attachment_url=?, attachment_key=?, attachment_nonce=?,
        local_attachment=?
        WHERE id=?`,
		msg.ClientID, msg.ConversationID, msg.SenderID, msg.SentAtNs, msg.SortPosition, msg.Status,
		msg.Kind, msg.Body, msg.ReplyToID, msg.AttachmentURL, msg.AttachmentKey, msg.AttachmentNonce,
		msg.LocalAttachment, msg.ID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrMessageNotFound)
}

// RekeyTx moves a row to its network-confirmed primary key once publication
// round-trips. The client id column is untouched, keeping UI references valid.
func (r *MessageRepo) RekeyTx(ctx context.Context, tx *sqlx.Tx, oldID, newID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE messages SET id=? WHERE id=?`, newID, oldID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrMessageNotFound)
}

// SetStatusByClientIDTx transitions a message's lifecycle status.
func (r *MessageRepo) SetStatusByClientIDTx(ctx context.Context, tx *sqlx.Tx, clientID string, status models.MessageStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE messages SET status=? WHERE client_id=?`, status, clientID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrMessageNotFound)
}

// DeleteTx removes a message row.
func (r *MessageRepo) DeleteTx(ctx context.Context, tx *sqlx.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrMessageNotFound)
}
