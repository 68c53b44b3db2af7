package writers

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatsync/internal/db"
	"chatsync/internal/invites"
	"chatsync/internal/mocks"
	"chatsync/internal/protocol"
	"chatsync/internal/reconcile"
	"chatsync/internal/repositories"
)

type nullIngestor struct{}

func (nullIngestor) IngestEnvelope(ctx context.Context, localConversationID string, env protocol.Envelope) (bool, error) {
	return false, nil
}

func TestCreateDraftAndConfirm(t *testing.T) {
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	signer, err := invites.LoadSigner(filepath.Join(t.TempDir(), "signer.key"))
	require.NoError(t, err)

	convs := repositories.NewConversationRepo(store)
	members := repositories.NewMemberRepo(store)
	messages := repositories.NewMessageRepo(store)
	invitesRepo := repositories.NewInviteRepo(store)
	inviteWriter := invites.NewInviteWriter(store, invitesRepo, signer)
	client := &mocks.ProtocolClientMock{}
	reconciler := reconcile.NewReconciler(store, convs, members, messages, inviteWriter, client, nullIngestor{}, nil)
	writer := NewConversationWriter(store, convs, inviteWriter, client, reconciler, self)

	ctx := context.Background()
	draft, err := writer.CreateDraft(ctx, "climbing", "weekend sends")
	require.NoError(t, err)
	require.True(t, draft.Draft())
	require.True(t, draft.Unused)

	// The draft already carries an invite.
	_, err = invitesRepo.Get(ctx, draft.ID)
	require.NoError(t, err)

	client.On("CreateGroup", mock.Anything, "climbing", "weekend sends", draft.InviteTag).
		Return(protocol.GroupSnapshot{
			NetworkID: "grp-9", InviteTag: draft.InviteTag, Kind: "group",
			Name: "climbing", Description: "weekend sends", CreatorID: self,
			Members: []protocol.MemberSnapshot{
				{MemberID: self, DisplayName: "Alice", Role: "super-admin", Consented: true},
			},
		}, nil).Once()

	confirmed, err := writer.Confirm(ctx, draft.ID)
	require.NoError(t, err)
	require.Equal(t, draft.ID, confirmed.ID, "local id survives confirmation")
	require.Equal(t, "grp-9", confirmed.NetworkID)

	// Confirming again round-trips nothing.
	again, err := writer.Confirm(ctx, draft.ID)
	require.NoError(t, err)
	require.Equal(t, confirmed.NetworkID, again.NetworkID)
	client.AssertNumberOfCalls(t, "CreateGroup", 1)
}
