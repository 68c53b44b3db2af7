package writers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"chatsync/internal/cache"
	"chatsync/internal/db"
	"chatsync/internal/invites"
	"chatsync/internal/media"
	"chatsync/internal/models"
	"chatsync/internal/observability"
	"chatsync/internal/protocol"
	"chatsync/internal/repositories"
	"chatsync/internal/storage"
)

// ErrConcurrentModification marks a multi-step mutation abandoned because
// the conversation's image reference changed while it was in flight.
var ErrConcurrentModification = errors.New("conversation changed mid-flight")

// MetadataWriter mutates conversation attributes: name, description, lock
// state, image, public preview, membership and consent. Attribute changes
// apply locally first; the network call follows and a later snapshot corrects
// any divergence.
type MetadataWriter struct {
	store   *db.Store
	convs   repositories.ConversationRepository
	invites *invites.InviteWriter
	client  protocol.Client
	upload  storage.Uploader
	fetch   storage.Fetcher
	images  *cache.ImageCache
	selfID  string
}

// NewMetadataWriter constructs a MetadataWriter.
func NewMetadataWriter(
	store *db.Store,
	convs repositories.ConversationRepository,
	inviteWriter *invites.InviteWriter,
	client protocol.Client,
	upload storage.Uploader,
	fetch storage.Fetcher,
	images *cache.ImageCache,
	selfID string,
) *MetadataWriter {
	return &MetadataWriter{
		store:   store,
		convs:   convs,
		invites: inviteWriter,
		client:  client,
		upload:  upload,
		fetch:   fetch,
		images:  images,
		selfID:  selfID,
	}
}

// Rename changes the conversation name.
func (w *MetadataWriter) Rename(ctx context.Context, conversationID, name string) error {
	conv, err := w.applyLocal(ctx, conversationID, func(conv *models.Conversation) {
		conv.Name = name
	})
	if err != nil {
		return err
	}
	if conv.Draft() {
		return nil
	}
	if err := w.client.SetName(ctx, conv.NetworkID, name); err != nil {
		return fmt.Errorf("set name on network: %w", err)
	}
	return nil
}

// SetDescription changes the conversation description.
func (w *MetadataWriter) SetDescription(ctx context.Context, conversationID, description string) error {
	conv, err := w.applyLocal(ctx, conversationID, func(conv *models.Conversation) {
		conv.Description = description
	})
	if err != nil {
		return err
	}
	if conv.Draft() {
		return nil
	}
	if err := w.client.SetDescription(ctx, conv.NetworkID, description); err != nil {
		return fmt.Errorf("set description on network: %w", err)
	}
	return nil
}

// SetLocked toggles the lock. A lock toggle rotates the invite, because the
// invite tag it signs over rotates on the network side.
func (w *MetadataWriter) SetLocked(ctx context.Context, conversationID string, locked bool) error {
	var conv models.Conversation
	err := w.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		var err error
		conv, err = w.convs.GetTx(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		conv.Locked = locked
		if err := w.convs.SaveTx(ctx, tx, conv); err != nil {
			return err
		}
		ch.Touch(db.CollectionConversations)
		return w.invites.RotateTx(ctx, tx, ch, conv)
	})
	if err != nil {
		return err
	}
	if conv.Draft() {
		return nil
	}
	if err := w.client.SetLocked(ctx, conv.NetworkID, locked); err != nil {
		return fmt.Errorf("set locked on network: %w", err)
	}
	return nil
}

// SetImage runs the full image pipeline: compress, derive the conversation
// key, seal, upload, announce to the network, persist locally. The cache is
// swapped last so a failure at any step keeps serving the previous image.
func (w *MetadataWriter) SetImage(ctx context.Context, conversationID string, imageData []byte) error {
	conv, err := w.convs.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Draft() {
		return fmt.Errorf("conversation %s has no network id yet", conversationID)
	}

	compressed, err := media.Compress(imageData)
	if err != nil {
		return err
	}

	secret, err := w.client.GroupSecret(ctx, conv.NetworkID)
	if err != nil {
		return fmt.Errorf("group secret: %w", err)
	}
	salt, err := media.NewSalt()
	if err != nil {
		return err
	}
	key, err := media.DeriveKey(secret, salt)
	if err != nil {
		return err
	}
	nonce, ciphertext, err := media.Seal(key, compressed)
	if err != nil {
		return err
	}

	start := time.Now()
	url, err := w.upload.Upload(ctx, ciphertext, uuid.NewString()+".bin", "application/octet-stream", storage.ACLPrivate)
	if err != nil {
		return fmt.Errorf("upload image: %w", err)
	}
	observability.ObserveUpload("image", time.Since(start))

	previewURL := ""
	if conv.PublicPreview {
		previewURL, err = w.uploadPreview(ctx, compressed)
		if err != nil {
			return err
		}
	}

	ref := protocol.ImageRef{URL: url, Salt: salt, Nonce: nonce, Key: key, PreviewURL: previewURL}
	if err := w.client.SetImage(ctx, conv.NetworkID, ref); err != nil {
		return fmt.Errorf("set image on network: %w", err)
	}

	oldURL := conv.ImageURL
	now := time.Now().UTC()
	err = w.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		fresh, err := w.convs.GetTx(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		fresh.ImageURL = url
		fresh.ImageSalt = salt
		fresh.ImageNonce = nonce
		fresh.ImageKey = key
		fresh.PreviewURL = previewURL
		fresh.ImageRenewedAt = &now
		if err := w.convs.SaveTx(ctx, tx, fresh); err != nil {
			return err
		}
		ch.Touch(db.CollectionConversations)
		return w.invites.RefreshTx(ctx, tx, ch, fresh)
	})
	if err != nil {
		return err
	}

	if err := w.images.Swap(oldURL, url, compressed); err != nil {
		slog.Warn("image cache swap failed", "conversation", conversationID, "err", err)
	}
	return nil
}

// EnablePublicPreview uploads a plaintext preview of the current image and
// opts the conversation into the public invite preview. If the image
// reference changes while the preview is uploading, the flip is abandoned
// with ErrConcurrentModification rather than publishing a stale preview.
func (w *MetadataWriter) EnablePublicPreview(ctx context.Context, conversationID string) error {
	conv, err := w.convs.Get(ctx, conversationID)
	if err != nil {
		return err
	}

	previewURL := ""
	if conv.ImageURL != "" {
		plaintext, err := w.currentImagePlaintext(ctx, conv)
		if err != nil {
			return err
		}
		previewURL, err = w.uploadPreview(ctx, plaintext)
		if err != nil {
			return err
		}
	}

	err = w.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		fresh, err := w.convs.GetTx(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if !fresh.ImageRefEquals(conv.ImageURL, conv.ImageSalt, conv.ImageNonce) {
			return ErrConcurrentModification
		}
		fresh.PublicPreview = true
		fresh.PreviewURL = previewURL
		if err := w.convs.SaveTx(ctx, tx, fresh); err != nil {
			return err
		}
		ch.Touch(db.CollectionConversations)
		return w.invites.RefreshTx(ctx, tx, ch, fresh)
	})
	if err != nil {
		return err
	}
	if conv.Draft() {
		return nil
	}
	ref := protocol.ImageRef{URL: conv.ImageURL, Salt: conv.ImageSalt, Nonce: conv.ImageNonce, Key: conv.ImageKey, PreviewURL: previewURL}
	if err := w.client.SetImage(ctx, conv.NetworkID, ref); err != nil {
		return fmt.Errorf("announce preview: %w", err)
	}
	return nil
}

// DisablePublicPreview opts out of the public preview. The encrypted image
// stays; only the plaintext projection is cleared.
func (w *MetadataWriter) DisablePublicPreview(ctx context.Context, conversationID string) error {
	var conv models.Conversation
	err := w.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		var err error
		conv, err = w.convs.GetTx(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		conv.PublicPreview = false
		conv.PreviewURL = ""
		if err := w.convs.SaveTx(ctx, tx, conv); err != nil {
			return err
		}
		ch.Touch(db.CollectionConversations)
		return w.invites.RefreshTx(ctx, tx, ch, conv)
	})
	if err != nil {
		return err
	}
	if conv.Draft() {
		return nil
	}
	ref := protocol.ImageRef{URL: conv.ImageURL, Salt: conv.ImageSalt, Nonce: conv.ImageNonce, Key: conv.ImageKey}
	if err := w.client.SetImage(ctx, conv.NetworkID, ref); err != nil {
		return fmt.Errorf("clear preview: %w", err)
	}
	return nil
}

// RemoveMember removes a member on the network. The roster updates when the
// resulting snapshot reconciles; there is no optimistic roster edit.
func (w *MetadataWriter) RemoveMember(ctx context.Context, conversationID, memberID string) error {
	conv, err := w.convs.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Draft() {
		return fmt.Errorf("conversation %s has no network id yet", conversationID)
	}
	return w.client.RemoveMember(ctx, conv.NetworkID, memberID)
}

// SetRole changes a member's role on the network.
func (w *MetadataWriter) SetRole(ctx context.Context, conversationID, memberID string, role models.Role) error {
	conv, err := w.convs.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Draft() {
		return fmt.Errorf("conversation %s has no network id yet", conversationID)
	}
	return w.client.SetRole(ctx, conv.NetworkID, memberID, string(role))
}

// RevokeConsent withdraws the local user's consent, locally and on the
// network.
func (w *MetadataWriter) RevokeConsent(ctx context.Context, conversationID string) error {
	conv, err := w.applyLocal(ctx, conversationID, func(conv *models.Conversation) {
		conv.Consent = models.ConsentRevoked
	})
	if err != nil {
		return err
	}
	if conv.Draft() {
		return nil
	}
	if err := w.client.RevokeConsent(ctx, conv.NetworkID, w.selfID); err != nil {
		return fmt.Errorf("revoke consent on network: %w", err)
	}
	return nil
}

// SetPermissionPolicy changes who may mutate group metadata.
func (w *MetadataWriter) SetPermissionPolicy(ctx context.Context, conversationID, policy string) error {
	conv, err := w.convs.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Draft() {
		return fmt.Errorf("conversation %s has no network id yet", conversationID)
	}
	return w.client.SetPermissionPolicy(ctx, conv.NetworkID, policy)
}

// applyLocal mutates the conversation row and refreshes the invite signature
// in one transaction, returning the updated row.
func (w *MetadataWriter) applyLocal(ctx context.Context, conversationID string, mutate func(*models.Conversation)) (models.Conversation, error) {
	var conv models.Conversation
	err := w.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		var err error
		conv, err = w.convs.GetTx(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		mutate(&conv)
		if err := w.convs.SaveTx(ctx, tx, conv); err != nil {
			return err
		}
		ch.Touch(db.CollectionConversations)
		return w.invites.RefreshTx(ctx, tx, ch, conv)
	})
	return conv, err
}

// currentImagePlaintext returns the decrypted current image, from cache when
// warm and from storage otherwise.
func (w *MetadataWriter) currentImagePlaintext(ctx context.Context, conv models.Conversation) ([]byte, error) {
	if data, ok := w.images.Get(conv.ImageURL); ok {
		return data, nil
	}
	ciphertext, err := w.fetch.Fetch(ctx, conv.ImageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	plaintext, err := media.Open(conv.ImageKey, conv.ImageNonce, ciphertext)
	if err != nil {
		return nil, err
	}
	if err := w.images.Put(conv.ImageURL, plaintext); err != nil {
		slog.Debug("image cache write failed", "conversation", conv.ID, "err", err)
	}
	return plaintext, nil
}

func (w *MetadataWriter) uploadPreview(ctx context.Context, plaintext []byte) (string, error) {
	start := time.Now()
	url, err := w.upload.Upload(ctx, plaintext, uuid.NewString()+".jpg", "image/jpeg", storage.ACLPublic)
	if err != nil {
		return "", fmt.Errorf("upload preview: %w", err)
	}
	observability.ObserveUpload("preview", time.Since(start))
	return url, nil
}
