package writers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"chatsync/internal/db"
	"chatsync/internal/media"
	"chatsync/internal/models"
	"chatsync/internal/observability"
	"chatsync/internal/protocol"
	"chatsync/internal/repositories"
	"chatsync/internal/storage"
)

// publishTimeout bounds one publish round-trip.
const publishTimeout = 20 * time.Second

// ErrUploadReplaced marks a photo upload cancelled because a newer photo was
// sent to the same conversation while it was in flight.
var ErrUploadReplaced = errors.New("photo upload replaced by a newer one")

// MessageWriter publishes outgoing messages and reactions optimistically:
// the row is written (or removed) locally first and the network round-trip
// settles its final status.
type MessageWriter struct {
	store     *db.Store
	convs     repositories.ConversationRepository
	messages  repositories.MessageRepository
	reactions repositories.ReactionRepository
	device    repositories.DeviceStateRepository
	sessions  *SessionCache
	uploader  storage.Uploader
	selfID    string

	uploadMu sync.Mutex
	uploads  map[string]*uploadSlot
}

// uploadSlot is one conversation's in-flight photo upload. The pointer
// identifies the owner, so release can tell "still current" from "replaced"
// even after the parent context is cancelled.
type uploadSlot struct {
	cancel context.CancelFunc
}

// NewMessageWriter constructs a MessageWriter.
func NewMessageWriter(
	store *db.Store,
	convs repositories.ConversationRepository,
	messages repositories.MessageRepository,
	reactions repositories.ReactionRepository,
	device repositories.DeviceStateRepository,
	sessions *SessionCache,
	uploader storage.Uploader,
	selfID string,
) *MessageWriter {
	return &MessageWriter{
		store:     store,
		convs:     convs,
		messages:  messages,
		reactions: reactions,
		device:    device,
		sessions:  sessions,
		uploader:  uploader,
		selfID:    selfID,
		uploads:   make(map[string]*uploadSlot),
	}
}

// SendText sends a text message.
func (w *MessageWriter) SendText(ctx context.Context, conversationID, body string) (models.Message, error) {
	return w.send(ctx, conversationID, models.KindText, body, "", nil)
}

// SendEmoji sends an emoji-only message.
func (w *MessageWriter) SendEmoji(ctx context.Context, conversationID, emoji string) (models.Message, error) {
	return w.send(ctx, conversationID, models.KindEmoji, emoji, "", nil)
}

// SendReply sends a reply to an existing message.
func (w *MessageWriter) SendReply(ctx context.Context, conversationID, replyToID, body string) (models.Message, error) {
	return w.send(ctx, conversationID, models.KindReply, body, replyToID, nil)
}

// SendPhoto stores the message with a device-local attachment reference so
// the UI renders immediately, then uploads the encrypted bytes and publishes.
// A newer photo to the same conversation cancels an in-flight upload.
func (w *MessageWriter) SendPhoto(ctx context.Context, conversationID string, imageData []byte, localPath string) (models.Message, error) {
	uploadCtx, slot := w.claimUploadSlot(ctx, conversationID)
	defer w.releaseUploadSlot(conversationID, slot)

	clientID := uuid.NewString()
	msg, err := w.writeOptimistic(ctx, conversationID, models.Message{
		ID:              clientID,
		ClientID:        clientID,
		Kind:            models.KindAttachment,
		LocalAttachment: localPath,
	})
	if err != nil {
		return models.Message{}, err
	}

	pending := models.PendingPhotoUpload{
		ID:              uuid.NewString(),
		ConversationID:  conversationID,
		ClientMessageID: clientID,
		LocalPath:       localPath,
		ContentType:     "image/jpeg",
	}
	if err := w.device.CreatePendingUpload(ctx, pending); err != nil {
		slog.Warn("pending upload record failed", "conversation", conversationID, "err", err)
	}

	ref, err := w.uploadAttachment(uploadCtx, imageData)
	if err != nil {
		if errors.Is(uploadCtx.Err(), context.Canceled) && ctx.Err() == nil {
			// Superseded, not failed. The newer send owns the conversation now.
			w.markFailed(context.WithoutCancel(ctx), clientID)
			return msg, ErrUploadReplaced
		}
		_ = w.device.IncrementUploadRetry(ctx, pending.ID)
		w.markFailed(ctx, clientID)
		return msg, err
	}

	err = w.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		stored, err := w.messages.GetTx(ctx, tx, clientID)
		if err != nil {
			return err
		}
		stored.AttachmentURL = ref.URL
		stored.AttachmentKey = ref.Key
		stored.AttachmentNonce = ref.Nonce
		ch.Touch(db.CollectionMessages)
		return w.messages.SaveTx(ctx, tx, stored)
	})
	if err != nil {
		w.markFailed(ctx, clientID)
		return msg, err
	}
	if err := w.device.DeletePendingUpload(ctx, pending.ID); err != nil && !errors.Is(err, repositories.ErrPendingUploadNotFound) {
		slog.Warn("pending upload cleanup failed", "id", pending.ID, "err", err)
	}

	return msg, w.publish(ctx, conversationID, protocol.OutboundMessage{
		ClientID:   clientID,
		Kind:       string(models.KindAttachment),
		Attachment: ref,
	})
}

// ResumePendingUploads retries uploads interrupted by process death. Records
// whose message no longer exists are discarded.
func (w *MessageWriter) ResumePendingUploads(ctx context.Context) {
	pendings, err := w.device.ListPendingUploads(ctx)
	if err != nil {
		slog.Warn("list pending uploads failed", "err", err)
		return
	}
	for _, pending := range pendings {
		msg, err := w.messages.GetByClientID(ctx, pending.ClientMessageID)
		if errors.Is(err, repositories.ErrMessageNotFound) {
			_ = w.device.DeletePendingUpload(ctx, pending.ID)
			continue
		}
		if err != nil {
			slog.Warn("pending upload lookup failed", "id", pending.ID, "err", err)
			continue
		}
		if msg.Status == models.StatusPublished {
			_ = w.device.DeletePendingUpload(ctx, pending.ID)
			continue
		}

		data, ok := readLocalAttachment(pending.LocalPath)
		if !ok {
			_ = w.device.DeletePendingUpload(ctx, pending.ID)
			w.markFailed(ctx, pending.ClientMessageID)
			continue
		}
		if _, err := w.SendPhotoResume(ctx, pending, data); err != nil {
			slog.Warn("pending upload retry failed", "id", pending.ID, "err", err)
		}
	}
}

// SendPhotoResume re-runs the upload and publish half of SendPhoto for a
// durable pending record. The optimistic row already exists.
func (w *MessageWriter) SendPhotoResume(ctx context.Context, pending models.PendingPhotoUpload, imageData []byte) (models.Message, error) {
	ref, err := w.uploadAttachment(ctx, imageData)
	if err != nil {
		_ = w.device.IncrementUploadRetry(ctx, pending.ID)
		return models.Message{}, err
	}

	err = w.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		stored, err := w.messages.GetTx(ctx, tx, pending.ClientMessageID)
		if err != nil {
			return err
		}
		stored.AttachmentURL = ref.URL
		stored.AttachmentKey = ref.Key
		stored.AttachmentNonce = ref.Nonce
		stored.Status = models.StatusUnpublished
		ch.Touch(db.CollectionMessages)
		return w.messages.SaveTx(ctx, tx, stored)
	})
	if err != nil {
		return models.Message{}, err
	}
	if err := w.device.DeletePendingUpload(ctx, pending.ID); err != nil && !errors.Is(err, repositories.ErrPendingUploadNotFound) {
		slog.Warn("pending upload cleanup failed", "id", pending.ID, "err", err)
	}

	err = w.publish(ctx, pending.ConversationID, protocol.OutboundMessage{
		ClientID:   pending.ClientMessageID,
		Kind:       string(models.KindAttachment),
		Attachment: ref,
	})
	if err != nil {
		return models.Message{}, err
	}
	return w.messages.GetByClientID(ctx, pending.ClientMessageID)
}

// React adds a reaction optimistically and publishes it. A failed publish
// removes the optimistic row again.
func (w *MessageWriter) React(ctx context.Context, conversationID, messageID, emoji string) error {
	err := w.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		ch.Touch(db.CollectionReactions)
		return w.reactions.InsertTx(ctx, tx, models.Reaction{
			SourceMessageID: messageID,
			ConversationID:  conversationID,
			SenderID:        w.selfID,
			Emoji:           emoji,
			Status:          models.StatusUnpublished,
		})
	})
	if err != nil {
		return err
	}

	err = w.publishReaction(ctx, conversationID, protocol.ReactionPayload{
		Action:          protocol.ReactionAdd,
		SourceMessageID: messageID,
		Emoji:           emoji,
	})
	if err != nil {
		observability.IncPublish("reaction", "failed")
		return errors.Join(err, w.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
			ch.Touch(db.CollectionReactions)
			return w.reactions.DeleteTx(ctx, tx, messageID, w.selfID, emoji)
		}))
	}

	observability.IncPublish("reaction", "published")
	return w.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		ch.Touch(db.CollectionReactions)
		return w.reactions.SetStatusTx(ctx, tx, messageID, w.selfID, emoji, models.StatusPublished)
	})
}

// Unreact removes a reaction optimistically. A failed publish restores it.
func (w *MessageWriter) Unreact(ctx context.Context, conversationID, messageID, emoji string) error {
	var removed models.Reaction
	err := w.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		var err error
		removed, err = w.reactions.GetTx(ctx, tx, messageID, w.selfID, emoji)
		if err != nil {
			return err
		}
		ch.Touch(db.CollectionReactions)
		return w.reactions.DeleteTx(ctx, tx, messageID, w.selfID, emoji)
	})
	if err != nil {
		return err
	}

	err = w.publishReaction(ctx, conversationID, protocol.ReactionPayload{
		Action:          protocol.ReactionRemove,
		SourceMessageID: messageID,
		Emoji:           emoji,
	})
	if err != nil {
		observability.IncPublish("reaction", "failed")
		return errors.Join(err, w.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
			ch.Touch(db.CollectionReactions)
			return w.reactions.InsertTx(ctx, tx, removed)
		}))
	}
	observability.IncPublish("reaction", "published")
	return nil
}

func (w *MessageWriter) send(ctx context.Context, conversationID string, kind models.MessageKind, body, replyToID string, attachment *protocol.AttachmentRef) (models.Message, error) {
	clientID := uuid.NewString()
	msg, err := w.writeOptimistic(ctx, conversationID, models.Message{
		ID:        clientID,
		ClientID:  clientID,
		Kind:      kind,
		Body:      body,
		ReplyToID: replyToID,
	})
	if err != nil {
		return models.Message{}, err
	}

	return msg, w.publish(ctx, conversationID, protocol.OutboundMessage{
		ClientID:   clientID,
		Kind:       string(kind),
		Body:       body,
		ReplyToID:  replyToID,
		Attachment: attachment,
	})
}

// writeOptimistic stores the unpublished row at the next sort position and
// clears the conversation's unused flag on its first message.
func (w *MessageWriter) writeOptimistic(ctx context.Context, conversationID string, msg models.Message) (models.Message, error) {
	msg.ConversationID = conversationID
	msg.SenderID = w.selfID
	msg.SentAtNs = time.Now().UnixNano()
	msg.Status = models.StatusUnpublished

	err := w.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		next, err := w.messages.NextSortPositionTx(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		msg.SortPosition = next
		if err := w.messages.InsertTx(ctx, tx, msg); err != nil {
			return err
		}
		ch.Touch(db.CollectionMessages)

		conv, err := w.convs.GetTx(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if conv.Unused {
			conv.Unused = false
			if err := w.convs.SaveTx(ctx, tx, conv); err != nil {
				return err
			}
			ch.Touch(db.CollectionConversations)
		}
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// publish round-trips one message and settles the optimistic row: rekey to
// the network id and mark published, or mark failed.
func (w *MessageWriter) publish(ctx context.Context, conversationID string, out protocol.OutboundMessage) error {
	conv, err := w.convs.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Draft() {
		w.markFailed(ctx, out.ClientID)
		observability.IncPublish(out.Kind, "failed")
		return fmt.Errorf("conversation %s has no network id yet", conversationID)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	sess, err := w.sessions.Session(pubCtx, conv.NetworkID)
	if err != nil {
		w.markFailed(ctx, out.ClientID)
		observability.IncPublish(out.Kind, "failed")
		return fmt.Errorf("open session: %w", err)
	}

	networkID, err := sess.Publish(pubCtx, out)
	if err != nil {
		w.sessions.Invalidate(conv.NetworkID)
		w.markFailed(ctx, out.ClientID)
		observability.IncPublish(out.Kind, "failed")
		return fmt.Errorf("publish: %w", err)
	}

	observability.IncPublish(out.Kind, "published")
	return w.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		if networkID != out.ClientID {
			if err := w.messages.RekeyTx(ctx, tx, out.ClientID, networkID); err != nil {
				return err
			}
		}
		if err := w.messages.SetStatusByClientIDTx(ctx, tx, out.ClientID, models.StatusPublished); err != nil {
			return err
		}
		ch.Touch(db.CollectionMessages)
		return nil
	})
}

func (w *MessageWriter) publishReaction(ctx context.Context, conversationID string, payload protocol.ReactionPayload) error {
	conv, err := w.convs.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Draft() {
		return fmt.Errorf("conversation %s has no network id yet", conversationID)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	sess, err := w.sessions.Session(pubCtx, conv.NetworkID)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	if err := sess.PublishReaction(pubCtx, payload); err != nil {
		w.sessions.Invalidate(conv.NetworkID)
		return fmt.Errorf("publish reaction: %w", err)
	}
	return nil
}

func (w *MessageWriter) markFailed(ctx context.Context, clientID string) {
	err := w.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		if err := w.messages.SetStatusByClientIDTx(ctx, tx, clientID, models.StatusFailed); err != nil {
			return err
		}
		ch.Touch(db.CollectionMessages)
		return nil
	})
	if err != nil {
		slog.Warn("mark failed message", "client_id", clientID, "err", err)
	}
}

func (w *MessageWriter) uploadAttachment(ctx context.Context, imageData []byte) (*protocol.AttachmentRef, error) {
	compressed, err := media.Compress(imageData)
	if err != nil {
		return nil, err
	}
	key, err := media.NewKey()
	if err != nil {
		return nil, err
	}
	nonce, ciphertext, err := media.Seal(key, compressed)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	url, err := w.uploader.Upload(ctx, ciphertext, uuid.NewString()+".bin", "application/octet-stream", storage.ACLPrivate)
	if err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}
	observability.ObserveUpload("attachment", time.Since(start))

	return &protocol.AttachmentRef{URL: url, Key: key, Nonce: nonce}, nil
}

// claimUploadSlot cancels the conversation's in-flight photo upload, if any,
// and installs this one as current.
func (w *MessageWriter) claimUploadSlot(ctx context.Context, conversationID string) (context.Context, *uploadSlot) {
	slotCtx, cancel := context.WithCancel(ctx)
	slot := &uploadSlot{cancel: cancel}
	w.uploadMu.Lock()
	if prev, ok := w.uploads[conversationID]; ok {
		prev.cancel()
	}
	w.uploads[conversationID] = slot
	w.uploadMu.Unlock()
	return slotCtx, slot
}

func readLocalAttachment(path string) ([]byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (w *MessageWriter) releaseUploadSlot(conversationID string, slot *uploadSlot) {
	w.uploadMu.Lock()
	defer w.uploadMu.Unlock()
	slot.cancel()
	// Only the owner clears the slot; a replacement already overwrote it.
	if w.uploads[conversationID] == slot {
		delete(w.uploads, conversationID)
	}
}
