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

var ErrPendingUploadNotFound = errors.New("pending upload not found")

// DeviceStateRepository persists per-device UI state: attachment reveal
// state, photo preferences and durable pending-upload records. None of it is
// authoritative, but all of it survives restarts.
type DeviceStateRepository interface {
	AttachmentState(ctx context.Context, messageID string) (models.AttachmentLocalState, error)
	SaveAttachmentState(ctx context.Context, state models.AttachmentLocalState) error
	PhotoPreference(ctx context.Context, conversationID string) (models.PhotoPreference, error)
	SavePhotoPreference(ctx context.Context, pref models.PhotoPreference) error
	CreatePendingUpload(ctx context.Context, upload models.PendingPhotoUpload) error
	DeletePendingUpload(ctx context.Context, id string) error
	IncrementUploadRetry(ctx context.Context, id string) error
	ListPendingUploads(ctx context.Context) ([]models.PendingPhotoUpload, error)
}

// DeviceStateRepo is the sqlx implementation of DeviceStateRepository.
type DeviceStateRepo struct {
	store *db.Store
}

// NewDeviceStateRepo constructs a DeviceStateRepo.
func NewDeviceStateRepo(store *db.Store) *DeviceStateRepo {
	return &DeviceStateRepo{store: store}
}

// AttachmentState returns the stored state for an attachment, or the default
// (hidden, no dimensions) when none exists.
func (r *DeviceStateRepo) AttachmentState(ctx context.Context, messageID string) (models.AttachmentLocalState, error) {
	var state models.AttachmentLocalState
	err := r.store.DB().GetContext(ctx, &state, `SELECT message_id, conversation_id, revealed, width, height, updated_at
        FROM attachment_states WHERE message_id=?`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AttachmentLocalState{MessageID: messageID}, nil
	}
	return state, err
}

// SaveAttachmentState upserts attachment UI state.
func (r *DeviceStateRepo) SaveAttachmentState(ctx context.Context, state models.AttachmentLocalState) error {
	return r.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO attachment_states (message_id, conversation_id, revealed, width, height, updated_at)
            VALUES (?, ?, ?, ?, ?, ?)
            ON CONFLICT(message_id) DO UPDATE SET revealed=excluded.revealed, width=excluded.width,
                height=excluded.height, updated_at=excluded.updated_at`,
			state.MessageID, state.ConversationID, state.Revealed, state.Width, state.Height, time.Now().UTC())
		if err != nil {
			return err
		}
		ch.Touch(db.CollectionPreferences)
		return nil
	})
}

// PhotoPreference returns the conversation's photo preference, defaulting to
// auto-reveal off at version 1.
func (r *DeviceStateRepo) PhotoPreference(ctx context.Context, conversationID string) (models.PhotoPreference, error) {
	var pref models.PhotoPreference
	err := r.store.DB().GetContext(ctx, &pref, `SELECT conversation_id, auto_reveal, version, updated_at
        FROM photo_preferences WHERE conversation_id=?`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PhotoPreference{ConversationID: conversationID, AutoReveal: false, Version: 1}, nil
	}
	return pref, err
}

// SavePhotoPreference upserts the conversation's photo preference.
func (r *DeviceStateRepo) SavePhotoPreference(ctx context.Context, pref models.PhotoPreference) error {
	return r.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		if pref.Version == 0 {
			pref.Version = 1
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO photo_preferences (conversation_id, auto_reveal, version, updated_at)
            VALUES (?, ?, ?, ?)
            ON CONFLICT(conversation_id) DO UPDATE SET auto_reveal=excluded.auto_reveal,
                version=excluded.version, updated_at=excluded.updated_at`,
			pref.ConversationID, pref.AutoReveal, pref.Version, time.Now().UTC())
		if err != nil {
			return err
		}
		ch.Touch(db.CollectionPreferences)
		return nil
	})
}

// CreatePendingUpload records an in-flight upload so it can resume after
// process death.
func (r *DeviceStateRepo) CreatePendingUpload(ctx context.Context, upload models.PendingPhotoUpload) error {
	return r.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		if upload.CreatedAt.IsZero() {
			upload.CreatedAt = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO pending_photo_uploads
            (id, conversation_id, client_message_id, local_path, content_type, retry_count, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?)`,
			upload.ID, upload.ConversationID, upload.ClientMessageID, upload.LocalPath,
			upload.ContentType, upload.RetryCount, upload.CreatedAt)
		return err
	})
}

// DeletePendingUpload removes a completed or abandoned upload record.
func (r *DeviceStateRepo) DeletePendingUpload(ctx context.Context, id string) error {
	return r.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM pending_photo_uploads WHERE id=?`, id)
		if err != nil {
			return err
		}
		return requireRow(res, ErrPendingUploadNotFound)
	})
}

// IncrementUploadRetry bumps the retry counter after a failed attempt.
func (r *DeviceStateRepo) IncrementUploadRetry(ctx context.Context, id string) error {
	return r.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		res, err := tx.ExecContext(ctx, `UPDATE pending_photo_uploads SET retry_count = retry_count + 1 WHERE id=?`, id)
		if err != nil {
			return err
		}
		return requireRow(res, ErrPendingUploadNotFound)
	})
}

// ListPendingUploads returns every resumable upload, oldest first.
func (r *DeviceStateRepo) ListPendingUploads(ctx context.Context) ([]models.PendingPhotoUpload, error) {
	var uploads []models.PendingPhotoUpload
	err := r.store.DB().SelectContext(ctx, &uploads, `SELECT id, conversation_id, client_message_id, local_path, content_type, retry_count, created_at
        FROM pending_photo_uploads ORDER BY created_at ASC`)
	return uploads, err
}
