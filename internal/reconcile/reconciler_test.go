package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatsync/internal/db"
	"chatsync/internal/invites"
	"chatsync/internal/mocks"
	"chatsync/internal/models"
	"chatsync/internal/protocol"
	"chatsync/internal/repositories"
)

type fixture struct {
	store      *db.Store
	convs      repositories.ConversationRepository
	members    repositories.MemberRepository
	messages   repositories.MessageRepository
	invites    repositories.InviteRepository
	client     *mocks.ProtocolClientMock
	ingestor   *recordingIngestor
	reconciler *Reconciler
}

// recordingIngestor stands in for the message ingestor during backfill.
type recordingIngestor struct {
	envelopes []protocol.Envelope
	unread    bool
}

func (r *recordingIngestor) IngestEnvelope(ctx context.Context, localConversationID string, env protocol.Envelope) (bool, error) {
	r.envelopes = append(r.envelopes, env)
	return r.unread, nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	signer, err := invites.LoadSigner(filepath.Join(t.TempDir(), "signer.key"))
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		convs:    repositories.NewConversationRepo(store),
		members:  repositories.NewMemberRepo(store),
		messages: repositories.NewMessageRepo(store),
		invites:  repositories.NewInviteRepo(store),
		client:   &mocks.ProtocolClientMock{},
		ingestor: &recordingIngestor{},
	}
	inviteWriter := invites.NewInviteWriter(store, f.invites, signer)
	f.reconciler = NewReconciler(store, f.convs, f.members, f.messages, inviteWriter, f.client, f.ingestor, nil)
	return f
}

func (f *fixture) insertConversation(t *testing.T, conv models.Conversation) {
	t.Helper()
	if conv.Consent == "" {
		conv.Consent = models.ConsentUnknown
	}
	require.NoError(t, f.store.Write(context.Background(), func(tx *sqlx.Tx, ch *db.Changes) error {
		return f.convs.InsertTx(context.Background(), tx, conv)
	}))
}

func snapshot() protocol.GroupSnapshot {
	return protocol.GroupSnapshot{
		NetworkID: "grp-123", InviteTag: "tag-1", Kind: "group",
		Name: "climbing crew", Description: "weekend sends", CreatorID: "alice",
		Members: []protocol.MemberSnapshot{
			{MemberID: "alice", DisplayName: "Alice", Role: "super-admin", Consented: true},
			{MemberID: "bob", DisplayName: "Bob", Role: "member", Consented: true},
		},
	}
}

func TestReconcileMergesDraftKeepingLocalID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.insertConversation(t, models.Conversation{
		ID: "draft-abc", InviteTag: "tag-1", Name: "climbing", CreatorID: "alice", Unused: true,
	})

	winner, err := f.reconciler.Reconcile(ctx, "draft-abc", snapshot(), Options{})
	require.NoError(t, err)
	require.Equal(t, "draft-abc", winner)

	conv, err := f.convs.Get(ctx, "draft-abc")
	require.NoError(t, err)
	require.Equal(t, "grp-123", conv.NetworkID)
	require.Equal(t, "climbing crew", conv.Name)
	require.True(t, conv.Unused, "local-only flag must survive the merge")

	// No second row under the network id.
	_, err = f.convs.Get(ctx, "grp-123")
	require.ErrorIs(t, err, repositories.ErrConversationNotFound)

	roster, err := f.members.ListRoster(ctx, "draft-abc")
	require.NoError(t, err)
	require.Len(t, roster, 2)

	// Invite exists and is bound to the local conversation.
	_, err = f.invites.Get(ctx, "draft-abc")
	require.NoError(t, err)
}

func TestReconcileUnknownGroupInserts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	winner, err := f.reconciler.Reconcile(ctx, "", snapshot(), Options{})
	require.NoError(t, err)
	require.Equal(t, "grp-123", winner)

	conv, err := f.convs.Get(ctx, "grp-123")
	require.NoError(t, err)
	require.Equal(t, "grp-123", conv.NetworkID)
	require.False(t, conv.Unused)
}

func TestReconcileRotatedTagSameID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.insertConversation(t, models.Conversation{
		ID: "conv-1", NetworkID: "grp-123", InviteTag: "tag-old", Unread: true,
	})

	snap := snapshot()
	snap.InviteTag = "tag-new"
	snap.Locked = true

	winner, err := f.reconciler.Reconcile(ctx, "conv-1", snap, Options{})
	require.NoError(t, err)
	require.Equal(t, "conv-1", winner)

	conv, err := f.convs.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, "tag-new", conv.InviteTag)
	require.True(t, conv.Locked)
	require.True(t, conv.Unread, "local-only flag must survive the update")
}

func TestReconcileRotatedTagAfterDraftMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A draft-merged conversation keeps its local id; a later lock toggle
	// rotates the invite tag, so neither tag nor primary key matches the
	// snapshot's network id.
	f.insertConversation(t, models.Conversation{
		ID: "draft-abc", NetworkID: "grp-123", InviteTag: "tag-old", Unused: true,
	})

	snap := snapshot()
	snap.InviteTag = "tag-new"
	snap.Locked = true

	winner, err := f.reconciler.Reconcile(ctx, "draft-abc", snap, Options{})
	require.NoError(t, err)
	require.Equal(t, "draft-abc", winner)

	conv, err := f.convs.Get(ctx, "draft-abc")
	require.NoError(t, err)
	require.Equal(t, "tag-new", conv.InviteTag)
	require.True(t, conv.Locked)
	require.True(t, conv.Unused, "local-only flag must survive the merge")

	// Still one row: nothing was inserted under the network id.
	_, err = f.convs.Get(ctx, "grp-123")
	require.ErrorIs(t, err, repositories.ErrConversationNotFound)

	// The next snapshot for the same conversation reconciles too.
	_, err = f.reconciler.Reconcile(ctx, "draft-abc", snap, Options{})
	require.NoError(t, err)
}

func TestReconcileRotatedTagResolvedByNetworkID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.insertConversation(t, models.Conversation{
		ID: "draft-abc", NetworkID: "grp-123", InviteTag: "tag-old",
	})

	snap := snapshot()
	snap.InviteTag = "tag-new"

	// No local id hint: the network_id column is the last resort.
	winner, err := f.reconciler.Reconcile(ctx, "", snap, Options{})
	require.NoError(t, err)
	require.Equal(t, "draft-abc", winner)

	conv, err := f.convs.Get(ctx, "draft-abc")
	require.NoError(t, err)
	require.Equal(t, "tag-new", conv.InviteTag)
}

func TestReconcileImageRenewalBookkeeping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	renewed := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	f.insertConversation(t, models.Conversation{
		ID: "conv-1", NetworkID: "grp-123", InviteTag: "tag-1",
		ImageURL: "http://o/img1", ImageSalt: []byte{1}, ImageNonce: []byte{2},
		ImageRenewedAt: &renewed,
	})

	// Same image reference: the renewal timestamp survives.
	snap := snapshot()
	snap.Image = protocol.ImageRef{URL: "http://o/img1", Salt: []byte{1}, Nonce: []byte{2}}
	_, err := f.reconciler.Reconcile(ctx, "conv-1", snap, Options{})
	require.NoError(t, err)

	conv, err := f.convs.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, conv.ImageRenewedAt)
	require.True(t, conv.ImageRenewedAt.Equal(renewed))

	// Changed reference: the timestamp is cleared in the same transaction.
	snap.Image = protocol.ImageRef{URL: "http://o/img2", Salt: []byte{9}, Nonce: []byte{8}}
	_, err = f.reconciler.Reconcile(ctx, "conv-1", snap, Options{})
	require.NoError(t, err)

	conv, err = f.convs.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Nil(t, conv.ImageRenewedAt)
	require.Equal(t, "http://o/img2", conv.ImageURL)
}

func TestReconcileRosterReplaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.insertConversation(t, models.Conversation{ID: "conv-1", NetworkID: "grp-123", InviteTag: "tag-1"})

	_, err := f.reconciler.Reconcile(ctx, "conv-1", snapshot(), Options{})
	require.NoError(t, err)

	snap := snapshot()
	snap.Members = snap.Members[:1]
	_, err = f.reconciler.Reconcile(ctx, "conv-1", snap, Options{})
	require.NoError(t, err)

	roster, err := f.members.ListRoster(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	require.Equal(t, "alice", roster[0].MemberID)
}

func TestReconcileBackfillFlagsUnread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.insertConversation(t, models.Conversation{ID: "conv-1", NetworkID: "grp-123", InviteTag: "tag-1"})

	f.ingestor.unread = true
	f.client.On("Messages", mock.Anything, "grp-123", mock.Anything).Return([]protocol.Envelope{
		{NetworkID: "net-9", ClientID: "net-9", GroupNetworkID: "grp-123", SenderID: "bob", Kind: "text"},
	}, nil).Once()

	_, err := f.reconciler.Reconcile(ctx, "conv-1", snapshot(), Options{FetchMessages: true})
	require.NoError(t, err)
	require.Len(t, f.ingestor.envelopes, 1)

	conv, err := f.convs.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.True(t, conv.Unread)
	f.client.AssertExpectations(t)
}
