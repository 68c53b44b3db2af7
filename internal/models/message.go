package models

import "time"

// MessageStatus is the lifecycle of an outgoing message or reaction.
type MessageStatus string

const (
	StatusUnpublished MessageStatus = "unpublished"
	StatusPublished   MessageStatus = "published"
	StatusFailed      MessageStatus = "failed"
)

// MessageKind discriminates message content. Reactions are not stored as
// messages; they live in the reactions table.
type MessageKind string

const (
	KindText       MessageKind = "text"
	KindEmoji      MessageKind = "emoji"
	KindAttachment MessageKind = "attachment"
	KindInvite     MessageKind = "invite"
	KindReply      MessageKind = "reply"
	KindControl    MessageKind = "control"
)

// Message is a stored conversation message. ID is the network-confirmed
// message id and the primary key; until an outgoing message round-trips it
// holds the client id. ClientID is always present and stays stable for the
// lifetime of the message in the UI. SortPosition is the authoritative
// display order, monotonically increasing per conversation; SentAtNs is
// wall-clock only and not trusted for ordering.
type Message struct {
	ID             string        `db:"id" json:"id"`
	ClientID       string        `db:"client_id" json:"client_id"`
	ConversationID string        `db:"conversation_id" json:"conversation_id"`
	SenderID       string        `db:"sender_id" json:"sender_id"`
	SentAtNs       int64         `db:"sent_at_ns" json:"sent_at_ns"`
	SortPosition   int64         `db:"sort_position" json:"sort_position"`
	Status         MessageStatus `db:"status" json:"status"`
	Kind           MessageKind   `db:"kind" json:"kind"`
	Body           string        `db:"body" json:"body"`
	ReplyToID      string        `db:"reply_to_id" json:"reply_to_id,omitempty"`

	// Attachment reference. The local path points at the device cache and
	// must never be overwritten by inbound copies of the same message.
	AttachmentURL   string `db:"attachment_url" json:"attachment_url,omitempty"`
	AttachmentKey   []byte `db:"attachment_key" json:"-"`
	AttachmentNonce []byte `db:"attachment_nonce" json:"-"`
	LocalAttachment string `db:"local_attachment" json:"local_attachment,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SentAt returns the wall-clock timestamp of the message.
func (m Message) SentAt() time.Time {
	return time.Unix(0, m.SentAtNs)
}

// HasLocalAttachment reports whether the message carries device-local
// attachment references.
func (m Message) HasLocalAttachment() bool {
	return m.LocalAttachment != ""
}

// Reaction is one emoji reaction on a message. At most one row exists per
// (source message, sender, emoji) triple; toggling flips existence.
type Reaction struct {
	ID              int64         `db:"id" json:"id"`
	SourceMessageID string        `db:"source_message_id" json:"source_message_id"`
	ConversationID  string        `db:"conversation_id" json:"conversation_id"`
	SenderID        string        `db:"sender_id" json:"sender_id"`
	Emoji           string        `db:"emoji" json:"emoji"`
	Status          MessageStatus `db:"status" json:"status"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
}
