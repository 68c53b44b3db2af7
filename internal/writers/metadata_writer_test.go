package writers

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatsync/internal/cache"
	"chatsync/internal/db"
	"chatsync/internal/invites"
	"chatsync/internal/media"
	"chatsync/internal/mocks"
	"chatsync/internal/models"
	"chatsync/internal/protocol"
	"chatsync/internal/repositories"
	"chatsync/internal/storage"
)

type metadataFixture struct {
	store    *db.Store
	convs    repositories.ConversationRepository
	invites  repositories.InviteRepository
	client   *mocks.ProtocolClientMock
	uploader *mocks.UploaderMock
	fetcher  *mocks.FetcherMock
	images   *cache.ImageCache
	writer   *MetadataWriter
}

func newMetadataFixture(t *testing.T) *metadataFixture {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	images, err := cache.NewImageCache(t.TempDir())
	require.NoError(t, err)

	signer, err := invites.LoadSigner(filepath.Join(t.TempDir(), "signer.key"))
	require.NoError(t, err)

	f := &metadataFixture{
		store:    store,
		convs:    repositories.NewConversationRepo(store),
		invites:  repositories.NewInviteRepo(store),
		client:   &mocks.ProtocolClientMock{},
		uploader: &mocks.UploaderMock{},
		fetcher:  &mocks.FetcherMock{},
		images:   images,
	}
	inviteWriter := invites.NewInviteWriter(store, f.invites, signer)
	f.writer = NewMetadataWriter(store, f.convs, inviteWriter, f.client, f.uploader, f.fetcher, images, self)

	ctx := context.Background()
	require.NoError(t, store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		conv := models.Conversation{
			ID: "conv-1", NetworkID: "grp-1", InviteTag: "tag-1",
			CreatorID: self, Consent: models.ConsentGranted, Name: "climbing",
		}
		if err := f.convs.InsertTx(ctx, tx, conv); err != nil {
			return err
		}
		return inviteWriter.EnsureTx(ctx, tx, ch, conv)
	}))
	return f
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for x := 0; x < 64; x++ {
		for y := 0; y < 64; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.JPEG))
	return buf.Bytes()
}

func TestRenameAppliesLocallyAndOnNetwork(t *testing.T) {
	f := newMetadataFixture(t)
	ctx := context.Background()

	f.client.On("SetName", mock.Anything, "grp-1", "climbing crew").Return(nil).Once()
	require.NoError(t, f.writer.Rename(ctx, "conv-1", "climbing crew"))

	conv, err := f.convs.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, "climbing crew", conv.Name)
	f.client.AssertExpectations(t)
}

func TestSetLockedRotatesInvite(t *testing.T) {
	f := newMetadataFixture(t)
	ctx := context.Background()

	before, err := f.invites.Get(ctx, "conv-1")
	require.NoError(t, err)

	f.client.On("SetLocked", mock.Anything, "grp-1", true).Return(nil).Once()
	require.NoError(t, f.writer.SetLocked(ctx, "conv-1", true))

	after, err := f.invites.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.NotEqual(t, before.Slug, after.Slug, "lock toggle must rotate the invite slug")
}

func TestSetImagePipeline(t *testing.T) {
	f := newMetadataFixture(t)
	ctx := context.Background()

	secret := bytes.Repeat([]byte{7}, 32)
	f.client.On("GroupSecret", mock.Anything, "grp-1").Return(secret, nil).Once()
	f.uploader.On("Upload", mock.Anything, mock.Anything, mock.Anything, "application/octet-stream", storage.ACLPrivate).
		Return("http://o/img-new", nil).Once()

	var announced protocol.ImageRef
	f.client.On("SetImage", mock.Anything, "grp-1", mock.Anything).
		Run(func(args mock.Arguments) { announced = args.Get(2).(protocol.ImageRef) }).
		Return(nil).Once()

	require.NoError(t, f.writer.SetImage(ctx, "conv-1", testJPEG(t)))

	conv, err := f.convs.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, "http://o/img-new", conv.ImageURL)
	require.NotNil(t, conv.ImageRenewedAt)
	require.Equal(t, announced.URL, conv.ImageURL)

	// The decrypted plaintext is cached under the ciphertext URL and the
	// uploaded ciphertext opens with the stored material.
	plaintext, ok := f.images.Get("http://o/img-new")
	require.True(t, ok)

	uploaded := f.uploader.Calls[0].Arguments.Get(1).([]byte)
	opened, err := media.Open(conv.ImageKey, conv.ImageNonce, uploaded)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)

	// The key re-derives from the group secret and the stored salt.
	key, err := media.DeriveKey(secret, conv.ImageSalt)
	require.NoError(t, err)
	require.Equal(t, conv.ImageKey, key)
}

func TestSetImageUploadFailureKeepsOldImage(t *testing.T) {
	f := newMetadataFixture(t)
	ctx := context.Background()

	require.NoError(t, f.images.Put("http://o/img-old", []byte("old image")))
	require.NoError(t, f.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		conv, err := f.convs.GetTx(ctx, tx, "conv-1")
		if err != nil {
			return err
		}
		conv.ImageURL = "http://o/img-old"
		return f.convs.SaveTx(ctx, tx, conv)
	}))

	f.client.On("GroupSecret", mock.Anything, "grp-1").Return(bytes.Repeat([]byte{7}, 32), nil)
	f.uploader.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("storage down")).Once()

	require.Error(t, f.writer.SetImage(ctx, "conv-1", testJPEG(t)))

	conv, err := f.convs.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, "http://o/img-old", conv.ImageURL)

	data, ok := f.images.Get("http://o/img-old")
	require.True(t, ok, "previous image must keep serving")
	require.Equal(t, []byte("old image"), data)
}

func TestEnablePublicPreviewConcurrentModification(t *testing.T) {
	f := newMetadataFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		conv, err := f.convs.GetTx(ctx, tx, "conv-1")
		if err != nil {
			return err
		}
		conv.ImageURL = "http://o/img-1"
		conv.ImageSalt = []byte{1}
		conv.ImageNonce = []byte{2}
		return f.convs.SaveTx(ctx, tx, conv)
	}))
	require.NoError(t, f.images.Put("http://o/img-1", []byte("plaintext")))

	// The image reference changes while the preview upload is in flight.
	f.uploader.On("Upload", mock.Anything, mock.Anything, mock.Anything, "image/jpeg", storage.ACLPublic).
		Run(func(args mock.Arguments) {
			require.NoError(t, f.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
				conv, err := f.convs.GetTx(ctx, tx, "conv-1")
				if err != nil {
					return err
				}
				conv.ImageURL = "http://o/img-2"
				return f.convs.SaveTx(ctx, tx, conv)
			}))
		}).
		Return("http://o/preview-1", nil).Once()

	err := f.writer.EnablePublicPreview(ctx, "conv-1")
	require.ErrorIs(t, err, ErrConcurrentModification)

	conv, err := f.convs.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.False(t, conv.PublicPreview)
	require.Empty(t, conv.PreviewURL)
}

func TestDisablePublicPreviewClearsProjection(t *testing.T) {
	f := newMetadataFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Write(ctx, func(tx *sqlx.Tx, ch *db.Changes) error {
		conv, err := f.convs.GetTx(ctx, tx, "conv-1")
		if err != nil {
			return err
		}
		conv.ImageURL = "http://o/img-1"
		conv.PublicPreview = true
		conv.PreviewURL = "http://o/preview-1"
		return f.convs.SaveTx(ctx, tx, conv)
	}))

	f.client.On("SetImage", mock.Anything, "grp-1", mock.Anything).Return(nil).Once()
	require.NoError(t, f.writer.DisablePublicPreview(ctx, "conv-1"))

	conv, err := f.convs.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.False(t, conv.PublicPreview)
	require.Empty(t, conv.PreviewURL)
	require.Equal(t, "http://o/img-1", conv.ImageURL, "encrypted image survives the opt-out")

	invite, err := f.invites.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Empty(t, invite.PreviewImageURL)
}
