// Package core runs the inbound half of the sync loop: it pumps the protocol
// engine's envelope stream, routes each envelope to its local conversation
// and hands it to the ingestor, pulling a fresh snapshot for groups the
// device has never seen.
package core

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"chatsync/internal/db"
	"chatsync/internal/protocol"
	"chatsync/internal/reconcile"
	"chatsync/internal/repositories"
)

// SyncCore consumes the envelope stream until its context is cancelled.
type SyncCore struct {
	store      *db.Store
	convs      repositories.ConversationRepository
	reconciler *reconcile.Reconciler
	ingestor   reconcile.EnvelopeIngestor
	client     protocol.Client
	stream     protocol.Stream
}

// NewSyncCore constructs a SyncCore.
func NewSyncCore(
	store *db.Store,
	convs repositories.ConversationRepository,
	reconciler *reconcile.Reconciler,
	ingestor reconcile.EnvelopeIngestor,
	client protocol.Client,
	stream protocol.Stream,
) *SyncCore {
	return &SyncCore{
		store:      store,
		convs:      convs,
		reconciler: reconciler,
		ingestor:   ingestor,
		client:     client,
		stream:     stream,
	}
}

// Run pumps the stream. It returns when ctx is cancelled or the stream
// channel closes.
func (c *SyncCore) Run(ctx context.Context) error {
	slog.Info("sync core started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-c.stream.Envelopes():
			if !ok {
				slog.Info("envelope stream closed")
				return nil
			}
			if err := c.handle(ctx, env); err != nil {
				slog.Warn("envelope handling failed",
					"group", env.GroupNetworkID, "message", env.NetworkID, "err", err)
			}
		}
	}
}

// SyncAll pulls a fresh snapshot for every confirmed conversation. Startup
// catch-up: anything that changed while the process was down converges here.
func (c *SyncCore) SyncAll(ctx context.Context) {
	convs, err := c.convs.List(ctx)
	if err != nil {
		slog.Error("conversation list failed", "err", err)
		return
	}
	for _, conv := range convs {
		if conv.Draft() {
			continue
		}
		if err := c.syncOne(ctx, conv.ID, conv.NetworkID); err != nil {
			slog.Warn("conversation sync failed", "conversation", conv.ID, "err", err)
		}
	}
}

func (c *SyncCore) handle(ctx context.Context, env protocol.Envelope) error {
	localID, err := c.resolve(ctx, env.GroupNetworkID)
	if err != nil {
		return err
	}

	unread, err := c.ingestor.IngestEnvelope(ctx, localID, env)
	if err != nil {
		return err
	}
	if !unread {
		return nil
	}
	return c.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		if err := c.convs.SetUnreadTx(ctx, tx, localID, true); err != nil {
			return err
		}
		ch.Touch(db.CollectionConversations)
		return nil
	})
}

// resolve maps a network group id to the local conversation, reconciling a
// fresh snapshot when the group is unknown to the device.
func (c *SyncCore) resolve(ctx context.Context, groupNetworkID string) (string, error) {
	conv, err := c.convs.GetByNetworkID(ctx, groupNetworkID)
	if err == nil {
		return conv.ID, nil
	}
	if !errors.Is(err, repositories.ErrConversationNotFound) {
		return "", err
	}

	snap, err := c.client.Group(ctx, groupNetworkID)
	if err != nil {
		return "", err
	}
	return c.reconciler.Reconcile(ctx, "", snap, reconcile.Options{})
}

func (c *SyncCore) syncOne(ctx context.Context, localID, networkID string) error {
	snapCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	snap, err := c.client.Group(snapCtx, networkID)
	if errors.Is(err, protocol.ErrGroupNotFound) {
		// The group died while we were offline. The expiry sweep removes it
		// once an explode lands or the user leaves; do nothing here.
		slog.Info("group gone from network", "conversation", localID)
		return nil
	}
	if err != nil {
		return err
	}
	_, err = c.reconciler.Reconcile(snapCtx, localID, snap, reconcile.Options{FetchMessages: true})
	return err
}
