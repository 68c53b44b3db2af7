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

var ErrInviteNotFound = errors.New("invite not found")

// InviteRepository persists signed invites, one per (conversation, creator).
// Rotation deletes and recreates rather than mutating in place.
type InviteRepository interface {
	Get(ctx context.Context, conversationID string) (models.Invite, error)
	GetTx(ctx context.Context, tx *sqlx.Tx, conversationID string) (models.Invite, error)
	InsertTx(ctx context.Context, tx *sqlx.Tx, invite models.Invite) error
	DeleteTx(ctx context.Context, tx *sqlx.Tx, conversationID string) error
	UpdateSignatureTx(ctx context.Context, tx *sqlx.Tx, conversationID, slug string, signature []byte) error
	UpdatePreviewTx(ctx context.Context, tx *sqlx.Tx, conversationID, name, description, imageURL string) error
}

// InviteRepo is the sqlx implementation of InviteRepository.
type InviteRepo struct {
	store *db.Store
}

// NewInviteRepo constructs an InviteRepo.
func NewInviteRepo(store *db.Store) *InviteRepo {
	return &InviteRepo{store: store}
}

const inviteColumns = `conversation_id, creator_id, slug, signature, expires_at,
    preview_name, preview_description, preview_image_url, created_at, updated_at`

// Get fetches a conversation's invite.
func (r *InviteRepo) Get(ctx context.Context, conversationID string) (models.Invite, error) {
	var invite models.Invite
	err := r.store.DB().GetContext(ctx, &invite, `SELECT `+inviteColumns+` FROM invites WHERE conversation_id=?`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Invite{}, ErrInviteNotFound
	}
	return invite, err
}

// GetTx fetches a conversation's invite inside a write transaction.
func (r *InviteRepo) GetTx(ctx context.Context, tx *sqlx.Tx, conversationID string) (models.Invite, error) {
	var invite models.Invite
	err := tx.GetContext(ctx, &invite, `SELECT `+inviteColumns+` FROM invites WHERE conversation_id=?`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Invite{}, ErrInviteNotFound
	}
	return invite, err
}

// InsertTx inserts an invite row.
func (r *InviteRepo) InsertTx(ctx context.Context, tx *sqlx.Tx, invite models.Invite) error {
	now := time.Now().UTC()
	if invite.CreatedAt.IsZero() {
		invite.CreatedAt = now
	}
	invite.UpdatedAt = now
	_, err := tx.ExecContext(ctx, `INSERT INTO invites
        (conversation_id, creator_id, slug, signature, expires_at, preview_name, preview_description, preview_image_url, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invite.ConversationID, invite.CreatorID, invite.Slug, invite.Signature, invite.ExpiresAt,
		invite.PreviewName, invite.PreviewDescription, invite.PreviewImageURL, invite.CreatedAt, invite.UpdatedAt)
	return err
}

// DeleteTx removes a conversation's invite. Missing rows are a no-op so
// rotation works from a clean slate either way.
func (r *InviteRepo) DeleteTx(ctx context.Context, tx *sqlx.Tx, conversationID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM invites WHERE conversation_id=?`, conversationID)
	return err
}

// UpdateSignatureTx re-signs an invite after public-facing attributes change.
func (r *InviteRepo) UpdateSignatureTx(ctx context.Context, tx *sqlx.Tx, conversationID, slug string, signature []byte) error {
	res, err := tx.ExecContext(ctx, `UPDATE invites SET slug=?, signature=?, updated_at=? WHERE conversation_id=?`,
		slug, signature, time.Now().UTC(), conversationID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrInviteNotFound)
}

// UpdatePreviewTx writes the public-preview projection.
func (r *InviteRepo) UpdatePreviewTx(ctx context.Context, tx *sqlx.Tx, conversationID, name, description, imageURL string) error {
	res, err := tx.ExecContext(ctx, `UPDATE invites SET preview_name=?, preview_description=?, preview_image_url=?, updated_at=?
        WHERE conversation_id=?`,
		name, description, imageURL, time.Now().UTC(), conversationID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrInviteNotFound)
}
