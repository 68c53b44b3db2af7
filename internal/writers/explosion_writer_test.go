package writers

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatsync/internal/cache"
	"chatsync/internal/db"
	"chatsync/internal/mocks"
	"chatsync/internal/models"
	"chatsync/internal/repositories"
)

type explosionFixture struct {
	store    *db.Store
	convs    repositories.ConversationRepository
	members  repositories.MemberRepository
	messages repositories.MessageRepository
	client   *mocks.ProtocolClientMock
	session  *mocks.SessionMock
	notifier *mocks.NotifierMock
	writer   *ExplosionWriter
}

func newExplosionFixture(t *testing.T) *explosionFixture {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	images, err := cache.NewImageCache(t.TempDir())
	require.NoError(t, err)

	f := &explosionFixture{
		store:    store,
		convs:    repositories.NewConversationRepo(store),
		members:  repositories.NewMemberRepo(store),
		messages: repositories.NewMessageRepo(store),
		client:   &mocks.ProtocolClientMock{},
		session:  &mocks.SessionMock{},
		notifier: &mocks.NotifierMock{},
	}
	f.writer = NewExplosionWriter(store, f.convs, f.members, f.messages,
		NewSessionCache(f.client), f.client, f.notifier, nil, images, self)

	ctx := context.Background()
	require.NoError(t, store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		if err := f.convs.InsertTx(ctx, tx, models.Conversation{
			ID: "conv-1", NetworkID: "grp-1", InviteTag: "tag-1",
			CreatorID: self, Consent: models.ConsentGranted,
		}); err != nil {
			return err
		}
		return f.members.ReplaceRosterTx(ctx, tx, "conv-1", []models.ConversationMember{
			{ConversationID: "conv-1", MemberID: self, Role: models.RoleSuperAdmin, Consented: true,
				Member: &models.Member{ID: self, DisplayName: "Alice"}},
			{ConversationID: "conv-1", MemberID: "bob", Role: models.RoleMember, Consented: true,
				Member: &models.Member{ID: "bob", DisplayName: "Bob"}},
		})
	}))
	return f
}

func TestExplodeImmediate(t *testing.T) {
	f := newExplosionFixture(t)
	ctx := context.Background()

	f.client.On("OpenSession", mock.Anything, "grp-1").Return(f.session, nil)
	f.session.On("PublishControl", mock.Anything, mock.Anything).Return(nil).Once()
	f.client.On("RemoveMember", mock.Anything, "grp-1", "bob").Return(nil).Once()
	f.client.On("RevokeConsent", mock.Anything, "grp-1", self).Return(nil).Once()
	f.notifier.On("ConversationExpired", "conv-1").Once()

	require.NoError(t, f.writer.Explode(ctx, "conv-1"))
	require.Equal(t, ExplodeDone, f.writer.State("conv-1"))

	conv, err := f.convs.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, conv.ExpiresAt)
	require.False(t, conv.ExpiresAt.After(time.Now()))
	require.Equal(t, models.ConsentRevoked, conv.Consent)

	f.client.AssertExpectations(t)
	f.session.AssertExpectations(t)
	f.notifier.AssertExpectations(t)
}

func TestScheduleWhileScheduledRejected(t *testing.T) {
	f := newExplosionFixture(t)
	ctx := context.Background()

	f.client.On("OpenSession", mock.Anything, "grp-1").Return(f.session, nil)
	f.session.On("PublishControl", mock.Anything, mock.Anything).Return(nil)
	f.notifier.On("ExplosionScheduled", "conv-1", mock.Anything)

	at := time.Now().Add(time.Hour)
	require.NoError(t, f.writer.Schedule(ctx, "conv-1", at))
	require.Equal(t, ExplodeScheduled, f.writer.State("conv-1"))

	err := f.writer.Schedule(ctx, "conv-1", at.Add(time.Hour))
	require.ErrorIs(t, err, ErrExplosionAlreadyScheduled)
}

func TestScheduleReportsExplodingDuringPublish(t *testing.T) {
	f := newExplosionFixture(t)
	ctx := context.Background()

	var during ExplosionState
	f.client.On("OpenSession", mock.Anything, "grp-1").Return(f.session, nil)
	f.session.On("PublishControl", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		during = f.writer.State("conv-1")
	}).Return(nil)
	f.notifier.On("ExplosionScheduled", "conv-1", mock.Anything)

	require.NoError(t, f.writer.Schedule(ctx, "conv-1", time.Now().Add(time.Hour)))
	require.Equal(t, ExplodeRunning, during, "the network round-trip happens in the exploding phase")
	require.Equal(t, ExplodeScheduled, f.writer.State("conv-1"))
}

func TestConcurrentScheduleOneWins(t *testing.T) {
	f := newExplosionFixture(t)
	ctx := context.Background()

	f.client.On("OpenSession", mock.Anything, "grp-1").Return(f.session, nil)
	f.session.On("PublishControl", mock.Anything, mock.Anything).Return(nil)
	f.notifier.On("ExplosionScheduled", "conv-1", mock.Anything)

	at := time.Now().Add(time.Hour)
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.writer.Schedule(ctx, "conv-1", at.Add(time.Duration(i)*time.Minute))
		}(i)
	}
	wg.Wait()

	var wins, rejections int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case err == ErrExplosionAlreadyScheduled:
			rejections++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, 1, rejections)
}

func TestSchedulePastDegradesToImmediate(t *testing.T) {
	f := newExplosionFixture(t)
	ctx := context.Background()

	f.client.On("OpenSession", mock.Anything, "grp-1").Return(f.session, nil)
	f.session.On("PublishControl", mock.Anything, mock.Anything).Return(nil)
	f.client.On("RemoveMember", mock.Anything, "grp-1", "bob").Return(nil)
	f.client.On("RevokeConsent", mock.Anything, "grp-1", self).Return(nil)
	f.notifier.On("ConversationExpired", "conv-1").Once()

	require.NoError(t, f.writer.Schedule(ctx, "conv-1", time.Now().Add(-time.Second)))
	require.Equal(t, ExplodeDone, f.writer.State("conv-1"))
	f.notifier.AssertExpectations(t)
}

func TestExplodeByNonAdminRejected(t *testing.T) {
	f := newExplosionFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		if err := f.convs.InsertTx(ctx, tx, models.Conversation{
			ID: "conv-2", NetworkID: "grp-2", InviteTag: "tag-2",
			CreatorID: "someone-else", Consent: models.ConsentGranted,
		}); err != nil {
			return err
		}
		return f.members.ReplaceRosterTx(ctx, tx, "conv-2", []models.ConversationMember{
			{ConversationID: "conv-2", MemberID: self, Role: models.RoleMember,
				Member: &models.Member{ID: self}},
		})
	}))

	err := f.writer.Explode(ctx, "conv-2")
	require.ErrorIs(t, err, ErrNotExplodable)
	require.Equal(t, ExplodeReady, f.writer.State("conv-2"))
}

func TestTeardownRemovesConversation(t *testing.T) {
	f := newExplosionFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		return f.messages.InsertTx(ctx, tx, models.Message{
			ID: "m1", ClientID: "m1", ConversationID: "conv-1", SenderID: self,
			SortPosition: 1, Status: models.StatusPublished, Kind: models.KindText,
		})
	}))

	f.notifier.On("ConversationExpired", "conv-1").Once()
	require.NoError(t, f.writer.Teardown(ctx, "conv-1"))

	_, err := f.convs.Get(ctx, "conv-1")
	require.ErrorIs(t, err, repositories.ErrConversationNotFound)

	msgs, err := f.messages.ListByConversation(ctx, "conv-1")
	require.NoError(t, err)
	require.Empty(t, msgs, "messages cascade with the conversation")

	roster, err := f.members.ListRoster(ctx, "conv-1")
	require.NoError(t, err)
	require.Empty(t, roster)

	// Second teardown is a no-op.
	require.NoError(t, f.writer.Teardown(ctx, "conv-1"))
}
