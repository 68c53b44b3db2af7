package writers

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"chatsync/internal/db"
	"chatsync/internal/invites"
	"chatsync/internal/models"
	"chatsync/internal/protocol"
	"chatsync/internal/reconcile"
	"chatsync/internal/repositories"
)

// SnapshotApplier merges a network snapshot into the store. Implemented by
// the reconciler.
type SnapshotApplier interface {
	Reconcile(ctx context.Context, localID string, snap protocol.GroupSnapshot, opts reconcile.Options) (string, error)
}

// ConversationWriter creates draft conversations and confirms them with the
// network. A draft is fully usable offline; its local id survives
// confirmation unchanged.
type ConversationWriter struct {
	store      *db.Store
	convs      repositories.ConversationRepository
	invites    *invites.InviteWriter
	client     protocol.Client
	reconciler SnapshotApplier
	selfID     string
}

// NewConversationWriter constructs a ConversationWriter.
func NewConversationWriter(
	store *db.Store,
	convs repositories.ConversationRepository,
	inviteWriter *invites.InviteWriter,
	client protocol.Client,
	reconciler SnapshotApplier,
	selfID string,
) *ConversationWriter {
	return &ConversationWriter{
		store:      store,
		convs:      convs,
		invites:    inviteWriter,
		client:     client,
		reconciler: reconciler,
		selfID:     selfID,
	}
}

// CreateDraft creates a local-only conversation. It stays flagged unused
// until the first message is written into it.
func (w *ConversationWriter) CreateDraft(ctx context.Context, name, description string) (models.Conversation, error) {
	conv := models.Conversation{
		ID:          uuid.NewString(),
		InviteTag:   uuid.NewString(),
		Kind:        "group",
		Name:        name,
		Description: description,
		CreatorID:   w.selfID,
		Consent:     models.ConsentGranted,
		Unused:      true,
	}

	err := w.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		if err := w.convs.InsertTx(ctx, tx, conv); err != nil {
			return err
		}
		ch.Touch(db.CollectionConversations)
		return w.invites.EnsureTx(ctx, tx, ch, conv)
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// Confirm registers a draft with the network and reconciles the resulting
// snapshot. Confirming an already confirmed conversation is a no-op.
func (w *ConversationWriter) Confirm(ctx context.Context, conversationID string) (models.Conversation, error) {
	conv, err := w.convs.Get(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.Draft() {
		return conv, nil
	}

	snap, err := w.client.CreateGroup(ctx, conv.Name, conv.Description, conv.InviteTag)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("create group: %w", err)
	}

	winnerID, err := w.reconciler.Reconcile(ctx, conv.ID, snap, reconcile.Options{})
	if err != nil {
		return models.Conversation{}, err
	}
	return w.convs.Get(ctx, winnerID)
}
