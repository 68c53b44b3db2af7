// Package mocks provides testify mocks for the core's external
// collaborators: the protocol engine, object storage and the notification
// surface. Persistence is not mocked; tests run against in-memory SQLite.
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"chatsync/internal/protocol"
)

// ProtocolClientMock mocks protocol.Client.
type ProtocolClientMock struct {
	mock.Mock
}

func (m *ProtocolClientMock) Group(ctx context.Context, networkID string) (protocol.GroupSnapshot, error) {
	args := m.Called(ctx, networkID)
	return args.Get(0).(protocol.GroupSnapshot), args.Error(1)
}

func (m *ProtocolClientMock) CreateGroup(ctx context.Context, name, description, inviteTag string) (protocol.GroupSnapshot, error) {
	args := m.Called(ctx, name, description, inviteTag)
	return args.Get(0).(protocol.GroupSnapshot), args.Error(1)
}

func (m *ProtocolClientMock) Messages(ctx context.Context, networkID string, since time.Time) ([]protocol.Envelope, error) {
	args := m.Called(ctx, networkID, since)
	if envelopes, ok := args.Get(0).([]protocol.Envelope); ok {
		return envelopes, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ProtocolClientMock) OpenSession(ctx context.Context, networkID string) (protocol.Session, error) {
	args := m.Called(ctx, networkID)
	if sess, ok := args.Get(0).(protocol.Session); ok {
		return sess, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ProtocolClientMock) GroupSecret(ctx context.Context, networkID string) ([]byte, error) {
	args := m.Called(ctx, networkID)
	if secret, ok := args.Get(0).([]byte); ok {
		return secret, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ProtocolClientMock) SetName(ctx context.Context, networkID, name string) error {
	return m.Called(ctx, networkID, name).Error(0)
}

func (m *ProtocolClientMock) SetDescription(ctx context.Context, networkID, description string) error {
	return m.Called(ctx, networkID, description).Error(0)
}

func (m *ProtocolClientMock) SetLocked(ctx context.Context, networkID string, locked bool) error {
	return m.Called(ctx, networkID, locked).Error(0)
}

func (m *ProtocolClientMock) SetImage(ctx context.Context, networkID string, ref protocol.ImageRef) error {
	return m.Called(ctx, networkID, ref).Error(0)
}

func (m *ProtocolClientMock) RemoveMember(ctx context.Context, networkID, memberID string) error {
	return m.Called(ctx, networkID, memberID).Error(0)
}

func (m *ProtocolClientMock) SetRole(ctx context.Context, networkID, memberID, role string) error {
	return m.Called(ctx, networkID, memberID, role).Error(0)
}

func (m *ProtocolClientMock) RevokeConsent(ctx context.Context, networkID, memberID string) error {
	return m.Called(ctx, networkID, memberID).Error(0)
}

func (m *ProtocolClientMock) SetPermissionPolicy(ctx context.Context, networkID, policy string) error {
	return m.Called(ctx, networkID, policy).Error(0)
}

// SessionMock mocks protocol.Session.
type SessionMock struct {
	mock.Mock
}

func (m *SessionMock) Publish(ctx context.Context, msg protocol.OutboundMessage) (string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.Error(1)
}

func (m *SessionMock) PublishReaction(ctx context.Context, reaction protocol.ReactionPayload) error {
	return m.Called(ctx, reaction).Error(0)
}

func (m *SessionMock) PublishControl(ctx context.Context, control protocol.ControlPayload) error {
	return m.Called(ctx, control).Error(0)
}

func (m *SessionMock) Close() error {
	return m.Called().Error(0)
}

// UploaderMock mocks storage.Uploader.
type UploaderMock struct {
	mock.Mock
}

func (m *UploaderMock) Upload(ctx context.Context, data []byte, filename, contentType, acl string) (string, error) {
	args := m.Called(ctx, data, filename, contentType, acl)
	return args.String(0), args.Error(1)
}

// FetcherMock mocks storage.Fetcher.
type FetcherMock struct {
	mock.Mock
}

func (m *FetcherMock) Fetch(ctx context.Context, url string) ([]byte, error) {
	args := m.Called(ctx, url)
	if data, ok := args.Get(0).([]byte); ok {
		return data, args.Error(1)
	}
	return nil, args.Error(1)
}

// NotifierMock mocks notify.Notifier.
type NotifierMock struct {
	mock.Mock
}

func (m *NotifierMock) RemovedFromConversation(conversationID string) {
	m.Called(conversationID)
}

func (m *NotifierMock) ConversationExpired(conversationID string) {
	m.Called(conversationID)
}

func (m *NotifierMock) ExplosionScheduled(conversationID string, at time.Time) {
	m.Called(conversationID, at)
}
