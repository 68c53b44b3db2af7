package writers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"chatsync/internal/cache"
	"chatsync/internal/db"
	"chatsync/internal/models"
	"chatsync/internal/notify"
	"chatsync/internal/observability"
	"chatsync/internal/protocol"
	"chatsync/internal/repositories"
	"chatsync/internal/telemetry"
)

// ExplosionState is the per-conversation explosion lifecycle.
type ExplosionState string

const (
	ExplodeReady     ExplosionState = "ready"
	ExplodeRunning   ExplosionState = "exploding"
	ExplodeScheduled ExplosionState = "scheduled"
	ExplodeDone      ExplosionState = "exploded"
	ExplodeError     ExplosionState = "error"
)

// errorCooldown is how long a failed explosion stays in the error state
// before another attempt is accepted.
const errorCooldown = 30 * time.Second

var (
	// ErrExplosionInProgress rejects an explode while one is running.
	ErrExplosionInProgress = errors.New("explosion already in progress")
	// ErrExplosionAlreadyScheduled rejects a reschedule while one stands.
	ErrExplosionAlreadyScheduled = errors.New("explosion already scheduled")
	// ErrNotExplodable rejects callers who are neither creator nor admin.
	ErrNotExplodable = errors.New("only the creator or an admin may explode")
)

// ExplosionWriter executes and schedules group teardown. Only the
// authoritative mutation (the control message) can fail the operation;
// member removal and consent revocation afterwards are best-effort and never
// reverted.
type ExplosionWriter struct {
	store    *db.Store
	convs    repositories.ConversationRepository
	members  repositories.MemberRepository
	messages repositories.MessageRepository
	sessions *SessionCache
	client   protocol.Client
	notifier notify.Notifier
	audit    *telemetry.AuditEmitter
	images   *cache.ImageCache
	selfID   string

	mu     sync.Mutex
	states map[string]stateEntry
}

// stateEntry tracks a conversation's explosion state plus whether the
// in-flight exploding phase was entered on behalf of a schedule request.
type stateEntry struct {
	state      ExplosionState
	scheduling bool
}

// NewExplosionWriter constructs an ExplosionWriter.
func NewExplosionWriter(
	store *db.Store,
	convs repositories.ConversationRepository,
	members repositories.MemberRepository,
	messages repositories.MessageRepository,
	sessions *SessionCache,
	client protocol.Client,
	notifier notify.Notifier,
	audit *telemetry.AuditEmitter,
	images *cache.ImageCache,
	selfID string,
) *ExplosionWriter {
	return &ExplosionWriter{
		store:    store,
		convs:    convs,
		members:  members,
		messages: messages,
		sessions: sessions,
		client:   client,
		notifier: notifier,
		audit:    audit,
		images:   images,
		selfID:   selfID,
		states:   make(map[string]stateEntry),
	}
}

// State returns the conversation's current explosion state.
func (w *ExplosionWriter) State(conversationID string) ExplosionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.states[conversationID]; ok {
		return e.state
	}
	return ExplodeReady
}

// Explode tears the group down now: control message with an immediate
// expiry, then best-effort member removal and consent revocation.
func (w *ExplosionWriter) Explode(ctx context.Context, conversationID string) error {
	if err := w.begin(conversationID, false); err != nil {
		return err
	}

	conv, err := w.convs.Get(ctx, conversationID)
	if err != nil {
		w.fail(conversationID)
		return err
	}
	if err := w.authorize(ctx, conv); err != nil {
		w.setState(conversationID, ExplodeReady)
		return err
	}

	now := time.Now().UTC()
	if err := w.publishControl(ctx, conv, now); err != nil {
		w.fail(conversationID)
		return err
	}

	// Past this point the group is dead on the network. Everything that
	// follows is cleanup; failures are logged and never unwind the explosion.
	if !conv.Draft() {
		w.removeMembers(ctx, conv)
		if err := w.client.RevokeConsent(ctx, conv.NetworkID, w.selfID); err != nil {
			slog.Warn("consent revocation failed during explosion", "conversation", conversationID, "err", err)
		}
	}

	err = w.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		if err := w.convs.SetExpiryTx(ctx, tx, conversationID, now); err != nil {
			return err
		}
		fresh, err := w.convs.GetTx(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		fresh.Consent = models.ConsentRevoked
		if err := w.convs.SaveTx(ctx, tx, fresh); err != nil {
			return err
		}
		ch.Touch(db.CollectionConversations)
		return nil
	})
	if err != nil {
		slog.Warn("local expiry write failed during explosion", "conversation", conversationID, "err", err)
	}

	w.setState(conversationID, ExplodeDone)
	observability.IncExplodeTransition(string(ExplodeDone))
	w.audit.Emit(ctx, "warn", "conversation exploded", conversationID)
	w.notifier.ConversationExpired(conversationID)
	return nil
}

// Schedule arms a future explosion. Scheduling while one is armed is
// rejected; a past or present timestamp degrades to an immediate explosion.
func (w *ExplosionWriter) Schedule(ctx context.Context, conversationID string, at time.Time) error {
	if !at.After(time.Now()) {
		return w.Explode(ctx, conversationID)
	}

	if err := w.begin(conversationID, true); err != nil {
		return err
	}

	conv, err := w.convs.Get(ctx, conversationID)
	if err != nil {
		w.fail(conversationID)
		return err
	}
	if err := w.authorize(ctx, conv); err != nil {
		w.setState(conversationID, ExplodeReady)
		return err
	}

	if err := w.publishControl(ctx, conv, at); err != nil {
		w.fail(conversationID)
		return err
	}

	err = w.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		if err := w.convs.SetExpiryTx(ctx, tx, conversationID, at); err != nil {
			return err
		}
		ch.Touch(db.CollectionConversations)
		return nil
	})
	if err != nil {
		slog.Warn("local expiry write failed after scheduling", "conversation", conversationID, "err", err)
	}

	w.setState(conversationID, ExplodeScheduled)
	observability.IncExplodeTransition(string(ExplodeScheduled))
	w.audit.Emit(ctx, "info", "explosion scheduled", conversationID)
	w.notifier.ExplosionScheduled(conversationID, at)
	return nil
}

// Teardown removes the expired conversation and everything under it from the
// device. The expiry sweep calls this once the stored expiry passes.
func (w *ExplosionWriter) Teardown(ctx context.Context, conversationID string) error {
	conv, err := w.convs.Get(ctx, conversationID)
	if errors.Is(err, repositories.ErrConversationNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	msgs, err := w.messages.ListByConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	err = w.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		if err := w.convs.DeleteTx(ctx, tx, conversationID); err != nil {
			return err
		}
		ch.Touch(db.CollectionConversations)
		ch.Touch(db.CollectionMessages)
		ch.Touch(db.CollectionMembers)
		ch.Touch(db.CollectionReactions)
		ch.Touch(db.CollectionInvites)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	if conv.ImageURL != "" {
		w.images.Invalidate(conv.ImageURL)
	}
	for _, msg := range msgs {
		if msg.AttachmentURL != "" {
			w.images.Invalidate(msg.AttachmentURL)
		}
	}

	w.mu.Lock()
	delete(w.states, conversationID)
	w.mu.Unlock()

	w.audit.Emit(ctx, "info", "conversation torn down", conversationID)
	w.notifier.ConversationExpired(conversationID)
	return nil
}

func (w *ExplosionWriter) authorize(ctx context.Context, conv models.Conversation) error {
	if conv.CreatorID == w.selfID {
		return nil
	}
	var entry models.ConversationMember
	err := w.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		var err error
		entry, err = w.members.GetRosterEntryTx(ctx, tx, conv.ID, w.selfID)
		return err
	})
	if err != nil || !entry.Role.Admin() {
		return ErrNotExplodable
	}
	return nil
}

func (w *ExplosionWriter) publishControl(ctx context.Context, conv models.Conversation, expiresAt time.Time) error {
	if conv.Draft() {
		// Never announced to the network; local teardown is all there is.
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	sess, err := w.sessions.Session(pubCtx, conv.NetworkID)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	err = sess.PublishControl(pubCtx, protocol.ControlPayload{
		Type:      protocol.ControlExplode,
		ExpiresAt: expiresAt.UTC(),
	})
	if err != nil {
		w.sessions.Invalidate(conv.NetworkID)
		return fmt.Errorf("publish explode control: %w", err)
	}
	return nil
}

func (w *ExplosionWriter) removeMembers(ctx context.Context, conv models.Conversation) {
	roster, err := w.members.ListRoster(ctx, conv.ID)
	if err != nil {
		slog.Warn("roster read failed during explosion", "conversation", conv.ID, "err", err)
		return
	}
	for _, entry := range roster {
		if entry.MemberID == w.selfID {
			continue
		}
		if err := w.client.RemoveMember(ctx, conv.NetworkID, entry.MemberID); err != nil {
			slog.Warn("member removal failed during explosion",
				"conversation", conv.ID, "member", entry.MemberID, "err", err)
		}
	}
}

// begin enters the exploding phase, rejecting conflicting in-flight work.
// scheduling marks the intent, so a second schedule request racing the
// network round-trip is rejected as already scheduled rather than as a
// generic in-progress conflict.
func (w *ExplosionWriter) begin(conversationID string, scheduling bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	e := w.states[conversationID]
	switch e.state {
	case ExplodeRunning:
		if scheduling && e.scheduling {
			return ErrExplosionAlreadyScheduled
		}
		return ErrExplosionInProgress
	case ExplodeScheduled:
		if scheduling {
			return ErrExplosionAlreadyScheduled
		}
	case ExplodeError, ExplodeDone:
		return ErrExplosionInProgress
	}

	observability.IncExplodeTransition(string(ExplodeRunning))
	w.states[conversationID] = stateEntry{state: ExplodeRunning, scheduling: scheduling}
	return nil
}

func (w *ExplosionWriter) setState(conversationID string, s ExplosionState) {
	w.mu.Lock()
	w.states[conversationID] = stateEntry{state: s}
	w.mu.Unlock()
}

// fail parks the conversation in the error state and releases it back to
// ready after the cool-down.
func (w *ExplosionWriter) fail(conversationID string) {
	w.setState(conversationID, ExplodeError)
	observability.IncExplodeTransition(string(ExplodeError))
	time.AfterFunc(errorCooldown, func() {
		w.mu.Lock()
		if w.states[conversationID].state == ExplodeError {
			w.states[conversationID] = stateEntry{state: ExplodeReady}
		}
		w.mu.Unlock()
	})
}
