// Package ingest persists inbound messages, reactions and control messages
// from the network stream, resolving collisions between locally authored
// optimistic records and their confirmed network counterparts.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"

	"chatsync/internal/db"
	"chatsync/internal/models"
	"chatsync/internal/notify"
	"chatsync/internal/observability"
	"chatsync/internal/protocol"
	"chatsync/internal/repositories"
)

// Ingestor applies inbound envelopes to the durable store.
type Ingestor struct {
	store     *db.Store
	convs     repositories.ConversationRepository
	members   repositories.MemberRepository
	messages  repositories.MessageRepository
	reactions repositories.ReactionRepository
	notifier  notify.Notifier
	selfID    string
}

// NewIngestor constructs an Ingestor. selfID is the local user's member id;
// self-authored control messages are ignored.
func NewIngestor(
	store *db.Store,
	convs repositories.ConversationRepository,
	members repositories.MemberRepository,
	messages repositories.MessageRepository,
	reactions repositories.ReactionRepository,
	notifier notify.Notifier,
	selfID string,
) *Ingestor {
	return &Ingestor{
		store:     store,
		convs:     convs,
		members:   members,
		messages:  messages,
		reactions: reactions,
		notifier:  notifier,
		selfID:    selfID,
	}
}

// IngestEnvelope routes one inbound envelope. It returns whether the message
// makes the conversation unread-worthy; the caller decides when to flag.
func (i *Ingestor) IngestEnvelope(ctx context.Context, localConversationID string, env protocol.Envelope) (bool, error) {
	ctx, span := observability.Tracer().Start(ctx, "ingest")
	defer span.End()

	switch {
	case env.Reaction != nil:
		return false, i.ingestReaction(ctx, localConversationID, env)
	case env.Control != nil:
		if err := i.ingestMessage(ctx, localConversationID, env); err != nil {
			return false, err
		}
		return false, i.handleControl(ctx, localConversationID, env)
	default:
		if err := i.ingestMessage(ctx, localConversationID, env); err != nil {
			return false, err
		}
		return i.unreadWorthy(env), nil
	}
}

// ingestMessage merges a non-reaction inbound message with local state.
// Four mutually exclusive cases, evaluated in order; see each branch.
func (i *Ingestor) ingestMessage(ctx context.Context, conversationID string, env protocol.Envelope) error {
	firstSeen := false

	err := i.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		// Sender profile stub first: referential ordering requires the
		// global identity row before anything references it.
		if err := i.members.UpsertMemberTx(ctx, tx, models.Member{ID: env.SenderID, DisplayName: env.SenderName}); err != nil {
			return err
		}
		ch.Touch(db.CollectionMembers)

		incoming := messageFromEnvelope(conversationID, env)

		existing, err := i.messages.GetTx(ctx, tx, env.NetworkID)
		switch {
		case err == nil && existing.ClientID != env.ClientID:
			// Case 1: we authored this message locally and it round-tripped.
			// Adopt the local client id, sort position and attachment
			// references so UI references and the cached attachment stay
			// valid.
			incoming.ClientID = existing.ClientID
			incoming.SortPosition = existing.SortPosition
			preserveAttachments(&incoming, existing)
			observability.IncIngested("adopted")
			ch.Touch(db.CollectionMessages)
			return i.messages.SaveTx(ctx, tx, incoming)

		case err == nil && existing.HasLocalAttachment():
			// Case 2: an outgoing photo stored with a local file reference
			// before the round-trip completed. Keep the references and the
			// existing sort position.
			incoming.ClientID = existing.ClientID
			incoming.SortPosition = existing.SortPosition
			preserveAttachments(&incoming, existing)
			observability.IncIngested("preserved")
			ch.Touch(db.CollectionMessages)
			return i.messages.SaveTx(ctx, tx, incoming)

		case err == nil:
			// Case 3: a row exists for some other reason. Client id, sort
			// position and attachment references are preserved regardless;
			// local state may have already remapped the attachment cache key.
			incoming.ClientID = existing.ClientID
			incoming.SortPosition = existing.SortPosition
			preserveAttachments(&incoming, existing)
			observability.IncIngested("merged")
			ch.Touch(db.CollectionMessages)
			return i.messages.SaveTx(ctx, tx, incoming)

		case errors.Is(err, repositories.ErrMessageNotFound):
			// Case 4: truly new.
			firstSeen = true
			next, err := i.messages.NextSortPositionTx(ctx, tx, conversationID)
			if err != nil {
				return err
			}
			incoming.SortPosition = next
			observability.IncIngested("inserted")
			ch.Touch(db.CollectionMessages)
			return i.messages.InsertTx(ctx, tx, incoming)

		default:
			return err
		}
	})
	if err != nil {
		observability.IncIngested("dropped")
		return err
	}

	// A membership update removing the local user fires the notification
	// only the first time this message is seen.
	if firstSeen && slices.Contains(env.RemovedMembers, i.selfID) {
		i.notifier.RemovedFromConversation(conversationID)
	}
	return nil
}

// ingestReaction toggles reaction rows; reactions are never stored as
// ordinary messages.
func (i *Ingestor) ingestReaction(ctx context.Context, conversationID string, env protocol.Envelope) error {
	reaction := env.Reaction

	switch reaction.Action {
	case protocol.ReactionAdd:
		return i.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
			if err := i.members.UpsertMemberTx(ctx, tx, models.Member{ID: env.SenderID, DisplayName: env.SenderName}); err != nil {
				return err
			}
			_, err := i.reactions.GetTx(ctx, tx, reaction.SourceMessageID, env.SenderID, reaction.Emoji)
			if err == nil {
				// Removed-then-readded: flip the surviving row to published.
				observability.IncIngested("reaction")
				ch.Touch(db.CollectionReactions)
				return i.reactions.SetStatusTx(ctx, tx, reaction.SourceMessageID, env.SenderID, reaction.Emoji, models.StatusPublished)
			}
			if !errors.Is(err, repositories.ErrReactionNotFound) {
				return err
			}
			observability.IncIngested("reaction")
			ch.Touch(db.CollectionReactions)
			return i.reactions.InsertTx(ctx, tx, models.Reaction{
				SourceMessageID: reaction.SourceMessageID,
				ConversationID:  conversationID,
				SenderID:        env.SenderID,
				Emoji:           reaction.Emoji,
				Status:          models.StatusPublished,
			})
		})

	case protocol.ReactionRemove:
		return i.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
			err := i.reactions.DeleteTx(ctx, tx, reaction.SourceMessageID, env.SenderID, reaction.Emoji)
			if errors.Is(err, repositories.ErrReactionNotFound) {
				return nil
			}
			if err == nil {
				observability.IncIngested("reaction")
				ch.Touch(db.CollectionReactions)
			}
			return err
		})

	default:
		slog.Warn("unknown reaction action ignored", "action", reaction.Action, "message", reaction.SourceMessageID)
		return nil
	}
}

// handleControl applies an explode control message. Self-authored controls
// are ignored; unauthorized senders are rejected without mutating state; an
// expiry only applies when earlier than the stored one.
func (i *Ingestor) handleControl(ctx context.Context, conversationID string, env protocol.Envelope) error {
	control := env.Control
	if control.Type != protocol.ControlExplode {
		slog.Warn("unknown control type ignored", "type", control.Type)
		return nil
	}
	if env.SenderID == i.selfID {
		return nil
	}

	applied := false
	err := i.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		conv, err := i.convs.GetTx(ctx, tx, conversationID)
		if err != nil {
			return err
		}

		if !i.senderMayExplode(ctx, tx, conv, env.SenderID) {
			slog.Warn("explode rejected: sender not authorized", "conversation", conversationID, "sender", env.SenderID)
			return nil
		}

		// Monotonic minimum: expiry only ever moves earlier, which makes
		// duplicate deliveries idempotent and order-independent.
		if conv.ExpiresAt != nil && !control.ExpiresAt.Before(*conv.ExpiresAt) {
			return nil
		}
		if err := i.convs.SetExpiryTx(ctx, tx, conversationID, control.ExpiresAt); err != nil {
			return err
		}
		applied = true
		ch.Touch(db.CollectionConversations)
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	observability.IncIngested("control")
	if control.ExpiresAt.After(time.Now()) {
		i.notifier.ExplosionScheduled(conversationID, control.ExpiresAt)
	} else {
		i.notifier.ConversationExpired(conversationID)
	}
	return nil
}

func (i *Ingestor) senderMayExplode(ctx context.Context, tx *sqlx.Tx, conv models.Conversation, senderID string) bool {
	if senderID == conv.CreatorID {
		return true
	}
	entry, err := i.members.GetRosterEntryTx(ctx, tx, conv.ID, senderID)
	if err != nil {
		return false
	}
	return entry.Role.Admin()
}

func (i *Ingestor) unreadWorthy(env protocol.Envelope) bool {
	if env.SenderID == i.selfID {
		return false
	}
	switch models.MessageKind(env.Kind) {
	case models.KindText, models.KindEmoji, models.KindAttachment, models.KindReply:
		return true
	default:
		return false
	}
}

func messageFromEnvelope(conversationID string, env protocol.Envelope) models.Message {
	msg := models.Message{
		ID:             env.NetworkID,
		ClientID:       env.ClientID,
		ConversationID: conversationID,
		SenderID:       env.SenderID,
		SentAtNs:       env.SentAt.UnixNano(),
		Status:         models.StatusPublished,
		Kind:           models.MessageKind(env.Kind),
		Body:           env.Body,
		ReplyToID:      env.ReplyToID,
	}
	if env.Attachment != nil {
		msg.AttachmentURL = env.Attachment.URL
		msg.AttachmentKey = env.Attachment.Key
		msg.AttachmentNonce = env.Attachment.Nonce
	}
	return msg
}

// preserveAttachments keeps the existing row's attachment references:
// inbound copies must never overwrite them, because local state may have
// already remapped the attachment's cache key.
func preserveAttachments(incoming *models.Message, existing models.Message) {
	incoming.AttachmentURL = existing.AttachmentURL
	incoming.AttachmentKey = existing.AttachmentKey
	incoming.AttachmentNonce = existing.AttachmentNonce
	incoming.LocalAttachment = existing.LocalAttachment
}
