package writers

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatsync/internal/db"
	"chatsync/internal/mocks"
	"chatsync/internal/models"
	"chatsync/internal/repositories"
)

const self = "alice"

type messageFixture struct {
	store     *db.Store
	convs     repositories.ConversationRepository
	messages  repositories.MessageRepository
	reactions repositories.ReactionRepository
	device    repositories.DeviceStateRepository
	client    *mocks.ProtocolClientMock
	session   *mocks.SessionMock
	uploader  *mocks.UploaderMock
	writer    *MessageWriter
}

func newMessageFixture(t *testing.T) *messageFixture {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &messageFixture{
		store:     store,
		convs:     repositories.NewConversationRepo(store),
		messages:  repositories.NewMessageRepo(store),
		reactions: repositories.NewReactionRepo(store),
		device:    repositories.NewDeviceStateRepo(store),
		client:    &mocks.ProtocolClientMock{},
		session:   &mocks.SessionMock{},
		uploader:  &mocks.UploaderMock{},
	}
	f.writer = NewMessageWriter(store, f.convs, f.messages, f.reactions, f.device,
		NewSessionCache(f.client), f.uploader, self)

	require.NoError(t, store.Write(context.Background(), func(tx *sqlx.Tx, ch *db.Changes) error {
		return f.convs.InsertTx(context.Background(), tx, models.Conversation{
			ID: "conv-1", NetworkID: "grp-1", InviteTag: "tag-1",
			CreatorID: self, Consent: models.ConsentGranted, Unused: true,
		})
	}))
	return f
}

func TestSendTextPublishes(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()

	f.client.On("OpenSession", mock.Anything, "grp-1").Return(f.session, nil).Once()
	f.session.On("Publish", mock.Anything, mock.Anything).Return("net-1", nil).Once()

	msg, err := f.writer.SendText(ctx, "conv-1", "hello")
	require.NoError(t, err)
	require.Equal(t, int64(1), msg.SortPosition)

	stored, err := f.messages.Get(ctx, "net-1")
	require.NoError(t, err)
	require.Equal(t, msg.ClientID, stored.ClientID)
	require.Equal(t, models.StatusPublished, stored.Status)

	// The first message clears the unused flag.
	conv, err := f.convs.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.False(t, conv.Unused)

	f.session.AssertExpectations(t)
}

func TestSendTextFailureLeavesExactlyOneFailedRow(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()

	f.client.On("OpenSession", mock.Anything, "grp-1").Return(f.session, nil)
	f.session.On("Publish", mock.Anything, mock.Anything).Return("", errors.New("network down"))
	f.session.On("Close").Return(nil)

	_, err := f.writer.SendText(ctx, "conv-1", "hello")
	require.Error(t, err)

	list, err := f.messages.ListByConversation(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, models.StatusFailed, list[0].Status)
	require.Equal(t, list[0].ClientID, list[0].ID, "row stays under its client id until confirmed")
}

func TestSendTextSessionReused(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()

	f.client.On("OpenSession", mock.Anything, "grp-1").Return(f.session, nil).Once()
	f.session.On("Publish", mock.Anything, mock.Anything).Return("net-1", nil).Once()
	f.session.On("Publish", mock.Anything, mock.Anything).Return("net-2", nil).Once()

	_, err := f.writer.SendText(ctx, "conv-1", "one")
	require.NoError(t, err)
	_, err = f.writer.SendText(ctx, "conv-1", "two")
	require.NoError(t, err)

	f.client.AssertNumberOfCalls(t, "OpenSession", 1)
}

func TestSendToDraftFails(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		return f.convs.InsertTx(ctx, tx, models.Conversation{
			ID: "draft-1", InviteTag: "tag-2", Consent: models.ConsentUnknown,
		})
	}))

	_, err := f.writer.SendText(ctx, "draft-1", "hello")
	require.Error(t, err)

	list, err := f.messages.ListByConversation(ctx, "draft-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, models.StatusFailed, list[0].Status)
}

func TestReactFailureRemovesOptimisticRow(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()

	f.client.On("OpenSession", mock.Anything, "grp-1").Return(f.session, nil)
	f.session.On("PublishReaction", mock.Anything, mock.Anything).Return(errors.New("network down"))
	f.session.On("Close").Return(nil)

	err := f.writer.React(ctx, "conv-1", "m1", "🔥")
	require.Error(t, err)

	list, err := f.reactions.ListForMessage(ctx, "m1")
	require.NoError(t, err)
	require.Empty(t, list, "optimistic reaction must be rolled back")
}

func TestReactSuccess(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()

	f.client.On("OpenSession", mock.Anything, "grp-1").Return(f.session, nil)
	f.session.On("PublishReaction", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, f.writer.React(ctx, "conv-1", "m1", "🔥"))

	list, err := f.reactions.ListForMessage(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, models.StatusPublished, list[0].Status)
}

func TestUnreactFailureRestoresRow(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		return f.reactions.InsertTx(ctx, tx, models.Reaction{
			SourceMessageID: "m1", ConversationID: "conv-1", SenderID: self,
			Emoji: "🔥", Status: models.StatusPublished,
		})
	}))

	f.client.On("OpenSession", mock.Anything, "grp-1").Return(f.session, nil)
	f.session.On("PublishReaction", mock.Anything, mock.Anything).Return(errors.New("network down"))
	f.session.On("Close").Return(nil)

	err := f.writer.Unreact(ctx, "conv-1", "m1", "🔥")
	require.Error(t, err)

	list, err := f.reactions.ListForMessage(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, list, 1, "removed reaction must be restored after a failed publish")
}

func TestUploadSlotClearedWhenParentCancelled(t *testing.T) {
	f := newMessageFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	slotCtx, slot := f.writer.claimUploadSlot(ctx, "conv-1")
	cancel()
	require.Error(t, slotCtx.Err())

	f.writer.releaseUploadSlot("conv-1", slot)

	f.writer.uploadMu.Lock()
	_, held := f.writer.uploads["conv-1"]
	f.writer.uploadMu.Unlock()
	require.False(t, held, "a cancelled owner must still clear its slot")
}

func TestUploadSlotReplacementSurvivesOwnerRelease(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()

	first, firstSlot := f.writer.claimUploadSlot(ctx, "conv-1")
	_, secondSlot := f.writer.claimUploadSlot(ctx, "conv-1")
	require.Error(t, first.Err(), "claiming the slot cancels the previous upload")

	f.writer.releaseUploadSlot("conv-1", firstSlot)

	f.writer.uploadMu.Lock()
	current := f.writer.uploads["conv-1"]
	f.writer.uploadMu.Unlock()
	require.Same(t, secondSlot, current, "the replaced upload must not clear its successor")

	f.writer.releaseUploadSlot("conv-1", secondSlot)
}
