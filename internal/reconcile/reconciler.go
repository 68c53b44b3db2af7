// Package reconcile merges authoritative network group snapshots into the
// durable store. The local conversation id is preserved across the
// draft-to-confirmed transition so references already held by the UI stay
// valid; the network id is merged in, never the other way around.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jinzhu/copier"
	"github.com/jmoiron/sqlx"

	"chatsync/internal/db"
	"chatsync/internal/invites"
	"chatsync/internal/models"
	"chatsync/internal/observability"
	"chatsync/internal/protocol"
	"chatsync/internal/repositories"
)

// EnvelopeIngestor stores one inbound envelope. The message ingestor
// implements it; the indirection keeps reconcile free of an import cycle.
type EnvelopeIngestor interface {
	IngestEnvelope(ctx context.Context, localConversationID string, env protocol.Envelope) (bool, error)
}

// Options controls optional reconciliation work.
type Options struct {
	// FetchMessages backfills messages newer than the newest local one.
	FetchMessages bool
}

// Reconciler applies group snapshots to the store.
type Reconciler struct {
	store    *db.Store
	convs    repositories.ConversationRepository
	members  repositories.MemberRepository
	messages repositories.MessageRepository
	invites  *invites.InviteWriter
	client   protocol.Client
	ingestor EnvelopeIngestor
	prefetch *Prefetcher
}

// NewReconciler constructs a Reconciler. prefetch may be nil when image
// warming is not wanted (tests, headless runs).
func NewReconciler(
	store *db.Store,
	convs repositories.ConversationRepository,
	members repositories.MemberRepository,
	messages repositories.MessageRepository,
	inviteWriter *invites.InviteWriter,
	client protocol.Client,
	ingestor EnvelopeIngestor,
	prefetch *Prefetcher,
) *Reconciler {
	return &Reconciler{
		store:    store,
		convs:    convs,
		members:  members,
		messages: messages,
		invites:  inviteWriter,
		client:   client,
		ingestor: ingestor,
		prefetch: prefetch,
	}
}

// Reconcile merges a snapshot into the store under localID. When localID is
// empty the snapshot's network id becomes the local id (previously unseen
// conversation). Returns the id the conversation is addressable by.
func (r *Reconciler) Reconcile(ctx context.Context, localID string, snap protocol.GroupSnapshot, opts Options) (string, error) {
	ctx, span := observability.Tracer().Start(ctx, "reconcile")
	defer span.End()

	var (
		winnerID    string
		warmRefs    []protocol.ImageRef
		newestLocal int64
	)

	err := r.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		var err error
		winnerID, warmRefs, err = r.applySnapshotTx(ctx, tx, ch, localID, snap)
		if err != nil {
			return err
		}
		newestLocal, err = r.messages.NewestSentAtTx(ctx, tx, winnerID)
		return err
	})
	if err != nil {
		observability.IncReconcile("failed")
		return "", err
	}

	if r.prefetch != nil && len(warmRefs) > 0 {
		r.prefetch.Warm(ctx, winnerID, warmRefs)
	}

	if opts.FetchMessages {
		if err := r.backfill(ctx, winnerID, snap.NetworkID, newestLocal); err != nil {
			// Next delivery retries; the snapshot itself is already applied.
			slog.Warn("message backfill failed", "conversation", winnerID, "err", err)
		}
	}

	return winnerID, nil
}

// lookupWithoutTagTx resolves a conversation when its invite tag no longer
// matches the snapshot's: by local id when the caller supplied one, then by
// the network_id column.
func (r *Reconciler) lookupWithoutTagTx(ctx context.Context, tx *sqlx.Tx, localID, networkID string) (models.Conversation, error) {
	if localID != "" {
		conv, err := r.convs.GetTx(ctx, tx, localID)
		if err == nil || !errors.Is(err, repositories.ErrConversationNotFound) {
			return conv, err
		}
	}
	return r.convs.GetByNetworkIDTx(ctx, tx, networkID)
}

// applySnapshotTx runs the identity merge inside the serialized write path.
func (r *Reconciler) applySnapshotTx(ctx context.Context, tx *sqlx.Tx, ch *db.Changes, localID string, snap protocol.GroupSnapshot) (string, []protocol.ImageRef, error) {
	var (
		conv      models.Conversation
		warm      []protocol.ImageRef
		inserting bool
	)

	existing, err := r.convs.GetByInviteTagTx(ctx, tx, snap.InviteTag)
	switch {
	case err == nil && existing.ID != snap.NetworkID:
		// Identity merge: the row the UI already references wins, whether it
		// is a fresh draft or a previously confirmed conversation the user
		// has open. The network id only updates the network_id column.
		conv = existing
		observability.IncReconcile("merged")

	case err == nil:
		conv = existing
		observability.IncReconcile("updated")

	case errors.Is(err, repositories.ErrConversationNotFound):
		// Rotated invite tag (lock toggle). The row's local id may differ
		// from the network id after a draft merge, so resolve by the caller's
		// id first and fall back to the network_id column.
		known, idErr := r.lookupWithoutTagTx(ctx, tx, localID, snap.NetworkID)
		if idErr == nil {
			conv = known
			observability.IncReconcile("updated")
		} else if errors.Is(idErr, repositories.ErrConversationNotFound) {
			inserting = true
			conv = models.Conversation{ID: localID, Consent: models.ConsentUnknown}
			if conv.ID == "" {
				conv.ID = snap.NetworkID
			}
			observability.IncReconcile("inserted")
		} else {
			return "", nil, idErr
		}

	default:
		return "", nil, err
	}

	imageChanged := !conv.ImageRefEquals(snap.Image.URL, snap.Image.Salt, snap.Image.Nonce)

	// Copy the snapshot's attributes over; local-only flags (unused, unread,
	// last_opened_at) and identity stay as they are.
	if err := copier.Copy(&conv, snapshotAttributes(snap)); err != nil {
		return "", nil, fmt.Errorf("map snapshot: %w", err)
	}
	conv.NetworkID = snap.NetworkID
	conv.InviteTag = snap.InviteTag

	// The renewal timestamp is only meaningful for the ciphertext it was
	// recorded against. Deciding this inside the transaction avoids racing a
	// concurrent renewal with stale data.
	if imageChanged {
		conv.ImageRenewedAt = nil
		if !snap.Image.Zero() {
			warm = append(warm, snap.Image)
		}
	}

	if inserting {
		if err := r.convs.InsertTx(ctx, tx, conv); err != nil {
			return "", nil, err
		}
	} else {
		if err := r.convs.SaveTx(ctx, tx, conv); err != nil {
			return "", nil, err
		}
	}
	ch.Touch(db.CollectionConversations)

	roster := make([]models.ConversationMember, 0, len(snap.Members))
	for _, m := range snap.Members {
		roster = append(roster, models.ConversationMember{
			ConversationID: conv.ID,
			MemberID:       m.MemberID,
			Role:           models.Role(m.Role),
			Consented:      m.Consented,
			Member: &models.Member{
				ID:          m.MemberID,
				DisplayName: m.DisplayName,
				AvatarURL:   m.Avatar.URL,
				AvatarKey:   m.Avatar.Key,
				AvatarNonce: m.Avatar.Nonce,
			},
		})
		if !m.Avatar.Zero() {
			warm = append(warm, m.Avatar)
		}
	}
	if err := r.members.ReplaceRosterTx(ctx, tx, conv.ID, roster); err != nil {
		return "", nil, err
	}
	ch.Touch(db.CollectionMembers)

	if err := r.invites.EnsureTx(ctx, tx, ch, conv); err != nil {
		return "", nil, err
	}

	return conv.ID, warm, nil
}

// backfill fetches and ingests messages newer than the newest locally known
// timestamp, flagging the conversation unread when any qualifies.
func (r *Reconciler) backfill(ctx context.Context, localID, networkID string, newestLocalNs int64) error {
	if r.ingestor == nil || networkID == "" {
		return nil
	}

	since := time.Unix(0, newestLocalNs)
	envelopes, err := r.client.Messages(ctx, networkID, since)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}

	unread := false
	for _, env := range envelopes {
		unreadWorthy, err := r.ingestor.IngestEnvelope(ctx, localID, env)
		if err != nil {
			slog.Warn("backfill ingest failed", "conversation", localID, "message", env.NetworkID, "err", err)
			continue
		}
		unread = unread || unreadWorthy
	}

	if !unread {
		return nil
	}
	return r.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		if err := r.convs.SetUnreadTx(ctx, tx, localID, true); err != nil {
			return err
		}
		ch.Touch(db.CollectionConversations)
		return nil
	})
}

// snapshotAttrs carries exactly the snapshot fields that overwrite
// conversation columns; copier matches by field name, so local-only columns
// (unused, unread, last_opened_at) are never touched.
type snapshotAttrs struct {
	Kind          string
	Name          string
	Description   string
	CreatorID     string
	Locked        bool
	PublicPreview bool
	ExpiresAt     *time.Time
	ImageURL      string
	ImageSalt     []byte
	ImageNonce    []byte
	ImageKey      []byte
	PreviewURL    string
}

func snapshotAttributes(snap protocol.GroupSnapshot) *snapshotAttrs {
	return &snapshotAttrs{
		Kind:          snap.Kind,
		Name:          snap.Name,
		Description:   snap.Description,
		CreatorID:     snap.CreatorID,
		Locked:        snap.Locked,
		PublicPreview: snap.PublicPreview,
		ExpiresAt:     snap.ExpiresAt,
		ImageURL:      snap.Image.URL,
		ImageSalt:     snap.Image.Salt,
		ImageNonce:    snap.Image.Nonce,
		ImageKey:      snap.Image.Key,
		PreviewURL:    snap.Image.PreviewURL,
	}
}
