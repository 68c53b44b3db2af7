package protocol

import (
	"context"
	"errors"
	"time"
)

// ErrGroupNotFound is returned by Group when the network has no group under
// the requested id.
var ErrGroupNotFound = errors.New("group not found on network")

// OutboundMessage is the content handed to a session for publication.
type OutboundMessage struct {
	ClientID   string
	Kind       string
	Body       string
	ReplyToID  string
	Attachment *AttachmentRef
}

// Session is an established outgoing channel to one group. Sessions are
// expensive to set up; the writer layer caches exactly one per conversation.
type Session interface {
	// Publish sends a message and returns the network-assigned message id.
	Publish(ctx context.Context, msg OutboundMessage) (string, error)
	// PublishReaction sends a reaction add/remove.
	PublishReaction(ctx context.Context, reaction ReactionPayload) error
	// PublishControl sends a control message.
	PublishControl(ctx context.Context, control ControlPayload) error
	Close() error
}

// Client is the group-messaging network collaborator. Implementations wrap
// the local protocol engine; the core never sees the wire format.
type Client interface {
	// Group fetches the authoritative snapshot of a group.
	Group(ctx context.Context, networkID string) (GroupSnapshot, error)
	// CreateGroup registers a new group under the given invite tag and
	// returns its snapshot. The tag round-trips so the draft can be
	// correlated with the confirmed group.
	CreateGroup(ctx context.Context, name, description, inviteTag string) (GroupSnapshot, error)
	// Messages returns decoded messages for a group newer than since.
	Messages(ctx context.Context, networkID string, since time.Time) ([]Envelope, error)

	// OpenSession establishes the outgoing channel for one group.
	OpenSession(ctx context.Context, networkID string) (Session, error)

	// GroupSecret returns the group's shared secret for key derivation.
	GroupSecret(ctx context.Context, networkID string) ([]byte, error)

	// Group attribute mutation.
	SetName(ctx context.Context, networkID, name string) error
	SetDescription(ctx context.Context, networkID, description string) error
	SetLocked(ctx context.Context, networkID string, locked bool) error
	SetImage(ctx context.Context, networkID string, ref ImageRef) error

	// Membership, consent and permission mutation.
	RemoveMember(ctx context.Context, networkID, memberID string) error
	SetRole(ctx context.Context, networkID, memberID, role string) error
	RevokeConsent(ctx context.Context, networkID, memberID string) error
	SetPermissionPolicy(ctx context.Context, networkID, policy string) error
}

// Stream is the async feed of decoded inbound envelopes.
type Stream interface {
	// Envelopes yields inbound messages until the stream closes.
	Envelopes() <-chan Envelope
	Close() error
}
