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

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository abstracts conversation persistence. Tx variants run
// inside the store's serialized write path so multi-entity mutations stay in
// one transaction.
type ConversationRepository interface {
	Get(ctx context.Context, id string) (models.Conversation, error)
	GetTx(ctx context.Context, tx *sqlx.Tx, id string) (models.Conversation, error)
	GetByInviteTagTx(ctx context.Context, tx *sqlx.Tx, tag string) (models.Conversation, error)
	GetByNetworkID(ctx context.Context, networkID string) (models.Conversation, error)
	GetByNetworkIDTx(ctx context.Context, tx *sqlx.Tx, networkID string) (models.Conversation, error)
	List(ctx context.Context) ([]models.Conversation, error)
	ListExpired(ctx context.Context, now time.Time) ([]models.Conversation, error)
	InsertTx(ctx context.Context, tx *sqlx.Tx, conv models.Conversation) error
	SaveTx(ctx context.Context, tx *sqlx.Tx, conv models.Conversation) error
	SetUnreadTx(ctx context.Context, tx *sqlx.Tx, id string, unread bool) error
	SetExpiryTx(ctx context.Context, tx *sqlx.Tx, id string, expiresAt time.Time) error
	DeleteTx(ctx context.Context, tx *sqlx.Tx, id string) error
	TouchOpened(ctx context.Context, id string) error
}

// ConversationRepo is the sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	store *db.Store
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(store *db.Store) *ConversationRepo {
	return &ConversationRepo{store: store}
}

const conversationColumns = `id, network_id, invite_tag, kind, name, description, creator_id,
    locked, consent, expires_at, image_url, image_salt, image_nonce, image_key,
    preview_url, public_preview, image_renewed_at, unused, unread, last_opened_at,
    created_at, updated_at`

// Get fetches a conversation by local id.
func (r *ConversationRepo) Get(ctx context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.store.DB().GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// GetTx fetches a conversation by local id inside a write transaction.
func (r *ConversationRepo) GetTx(ctx context.Context, tx *sqlx.Tx, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := tx.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// GetByInviteTagTx fetches a conversation by its invite tag.
func (r *ConversationRepo) GetByInviteTagTx(ctx context.Context, tx *sqlx.Tx, tag string) (models.Conversation, error) {
	var conv models.Conversation
	err := tx.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE invite_tag=?`, tag)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// GetByNetworkID fetches a conversation by its network group id.
func (r *ConversationRepo) GetByNetworkID(ctx context.Context, networkID string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.store.DB().GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE network_id=?`, networkID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// GetByNetworkIDTx fetches a conversation by its network group id inside a
// write transaction.
func (r *ConversationRepo) GetByNetworkIDTx(ctx context.Context, tx *sqlx.Tx, networkID string) (models.Conversation, error) {
	var conv models.Conversation
	err := tx.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE network_id=?`, networkID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// List returns all conversations, most recently updated first.
func (r *ConversationRepo) List(ctx context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := r.store.DB().SelectContext(ctx, &convs, `SELECT `+conversationColumns+` FROM conversations ORDER BY updated_at DESC`)
	return convs, err
}

// ListExpired returns conversations whose stored expiry has passed.
func (r *ConversationRepo) ListExpired(ctx context.Context, now time.Time) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := r.store.DB().SelectContext(ctx, &convs, `SELECT `+conversationColumns+` FROM conversations WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.UTC())
	return convs, err
}

// InsertTx inserts a new conversation row.
func (r *ConversationRepo) InsertTx(ctx context.Context, tx *sqlx.Tx, conv models.Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	_, err := tx.ExecContext(ctx, `INSERT INTO conversations
        (id, network_id, invite_tag, kind, name, description, creator_id, locked, consent,
         expires_at, image_url, image_salt, image_nonce, image_key, preview_url, public_preview,
         image_renewed_at, unused, unread, last_opened_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.NetworkID, conv.InviteTag, conv.Kind, conv.Name, conv.Description,
		conv.CreatorID, conv.Locked, conv.Consent, conv.ExpiresAt, conv.ImageURL,
		conv.ImageSalt, conv.ImageNonce, conv.ImageKey, conv.PreviewURL, conv.PublicPreview,
		conv.ImageRenewedAt, conv.Unused, conv.Unread, conv.LastOpenedAt, conv.CreatedAt, conv.UpdatedAt)
	return err
}

// SaveTx overwrites the mutable attributes of an existing conversation.
func (r *ConversationRepo) SaveTx(ctx context.Context, tx *sqlx.Tx, conv models.Conversation) error {
	res, err := tx.ExecContext(ctx, `UPDATE conversations SET
        network_id=?, invite_tag=?, kind=?, name=?, description=?, creator_id=?, locked=?,
        consent=?, expires_at=?, image_url=?, image_salt=?, image_nonce=?, image_key=?,
        preview_url=?, public_preview=?, image_renewed_at=?, unused=?, unread=?, updated_at=?
        WHERE id=?`,
		conv.NetworkID, conv.InviteTag, conv.Kind, conv.Name, conv.Description, conv.CreatorID,
		conv.Locked, conv.Consent, conv.ExpiresAt, conv.ImageURL, conv.ImageSalt, conv.ImageNonce,
		conv.ImageKey, conv.PreviewURL, conv.PublicPreview, conv.ImageRenewedAt, conv.Unused,
		conv.Unread, time.Now().UTC(), conv.ID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrConversationNotFound)
}

// SetUnreadTx flips the unread flag.
func (r *ConversationRepo) SetUnreadTx(ctx context.Context, tx *sqlx.Tx, id string, unread bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE conversations SET unread=?, updated_at=? WHERE id=?`, unread, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrConversationNotFound)
}

// SetExpiryTx stores an expiry timestamp.
func (r *ConversationRepo) SetExpiryTx(ctx context.Context, tx *sqlx.Tx, id string, expiresAt time.Time) error {
	at := expiresAt.UTC()
	res, err := tx.ExecContext(ctx, `UPDATE conversations SET expires_at=?, updated_at=? WHERE id=?`, at, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrConversationNotFound)
}

// DeleteTx permanently removes a conversation. Only explosion calls this.
func (r *ConversationRepo) DeleteTx(ctx context.Context, tx *sqlx.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrConversationNotFound)
}

// TouchOpened records that the UI opened the conversation and clears unread.
func (r *ConversationRepo) TouchOpened(ctx context.Context, id string) error {
	return r.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		res, err := tx.ExecContext(ctx, `UPDATE conversations SET last_opened_at=?, unread=0, updated_at=? WHERE id=?`,
			time.Now().UTC(), time.Now().UTC(), id)
		if err != nil {
			return err
		}
		if err := requireRow(res, ErrConversationNotFound); err != nil {
			return err
		}
		ch.Touch(db.CollectionConversations)
		return nil
	})
}

func requireRow(res sql.Result, notFound error) error {
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return notFound
	}
	return nil
}
