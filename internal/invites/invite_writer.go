// Package invites generates, refreshes and rotates the signed invite codes
// bound to conversation identity and lock state.
package invites

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"chatsync/internal/db"
	"chatsync/internal/models"
	"chatsync/internal/repositories"
)

// InviteWriter owns invite persistence. One invite exists per
// (conversation, creator); rotation deletes and recreates so a lock toggle
// starts from a clean slate.
type InviteWriter struct {
	store  *db.Store
	repo   repositories.InviteRepository
	signer *Signer
}

// NewInviteWriter constructs an InviteWriter.
func NewInviteWriter(store *db.Store, repo repositories.InviteRepository, signer *Signer) *InviteWriter {
	return &InviteWriter{store: store, repo: repo, signer: signer}
}

// Ensure creates the conversation's invite if none exists. Existing invites
// are left untouched.
func (w *InviteWriter) Ensure(ctx context.Context, conv models.Conversation) error {
	return w.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		return w.ensureTx(ctx, tx, ch, conv)
	})
}

// EnsureTx is Ensure running inside an enclosing write transaction, for use
// by the reconciler.
func (w *InviteWriter) EnsureTx(ctx context.Context, tx *sqlx.Tx, ch *db.Changes, conv models.Conversation) error {
	return w.ensureTx(ctx, tx, ch, conv)
}

func (w *InviteWriter) ensureTx(ctx context.Context, tx *sqlx.Tx, ch *db.Changes, conv models.Conversation) error {
	_, err := w.repo.GetTx(ctx, tx, conv.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repositories.ErrInviteNotFound) {
		return err
	}
	return w.createTx(ctx, tx, ch, conv)
}

// Rotate deletes and recreates the invite, rotating the slug and signature.
// Called when a lock toggle rotates the underlying invite tag.
func (w *InviteWriter) Rotate(ctx context.Context, conv models.Conversation) error {
	return w.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		if err := w.repo.DeleteTx(ctx, tx, conv.ID); err != nil {
			return err
		}
		return w.createTx(ctx, tx, ch, conv)
	})
}

// RotateTx is Rotate running inside an enclosing write transaction.
func (w *InviteWriter) RotateTx(ctx context.Context, tx *sqlx.Tx, ch *db.Changes, conv models.Conversation) error {
	if err := w.repo.DeleteTx(ctx, tx, conv.ID); err != nil {
		return err
	}
	return w.createTx(ctx, tx, ch, conv)
}

// Refresh re-signs the existing slug after the conversation's public-facing
// attributes changed, and updates the preview projection when the
// conversation opts in.
func (w *InviteWriter) Refresh(ctx context.Context, conv models.Conversation) error {
	return w.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		return w.RefreshTx(ctx, tx, ch, conv)
	})
}

// RefreshTx is Refresh running inside an enclosing write transaction.
func (w *InviteWriter) RefreshTx(ctx context.Context, tx *sqlx.Tx, ch *db.Changes, conv models.Conversation) error {
	invite, err := w.repo.GetTx(ctx, tx, conv.ID)
	if err != nil {
		if errors.Is(err, repositories.ErrInviteNotFound) {
			return w.createTx(ctx, tx, ch, conv)
		}
		return err
	}

	sig := w.signer.Sign(invite.Slug, conv.InviteTag, conv.Locked)
	if err := w.repo.UpdateSignatureTx(ctx, tx, conv.ID, invite.Slug, sig); err != nil {
		return err
	}
	if err := w.applyPreviewTx(ctx, tx, conv); err != nil {
		return err
	}
	ch.Touch(db.CollectionInvites)
	return nil
}

func (w *InviteWriter) createTx(ctx context.Context, tx *sqlx.Tx, ch *db.Changes, conv models.Conversation) error {
	slug := uuid.NewString()
	invite := models.Invite{
		ConversationID: conv.ID,
		CreatorID:      conv.CreatorID,
		Slug:           slug,
		Signature:      w.signer.Sign(slug, conv.InviteTag, conv.Locked),
	}
	if conv.PublicPreview {
		invite.PreviewName = conv.Name
		invite.PreviewDescription = conv.Description
		invite.PreviewImageURL = conv.PreviewURL
	}
	if err := w.repo.InsertTx(ctx, tx, invite); err != nil {
		return fmt.Errorf("create invite: %w", err)
	}
	ch.Touch(db.CollectionInvites)
	return nil
}

func (w *InviteWriter) applyPreviewTx(ctx context.Context, tx *sqlx.Tx, conv models.Conversation) error {
	if conv.PublicPreview {
		return w.repo.UpdatePreviewTx(ctx, tx, conv.ID, conv.Name, conv.Description, conv.PreviewURL)
	}
	return w.repo.UpdatePreviewTx(ctx, tx, conv.ID, "", "", "")
}
