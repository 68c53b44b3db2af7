// Package protocol defines the capability surface of the end-to-end
// encrypted group-messaging network. The core depends only on these types
// and interfaces, never on the wire format; the protocol engine runs out of
// process and is the sole source of truth for group membership and
// permission state.
package protocol

import "time"

// ImageRef is an encrypted image reference: ciphertext URL plus the material
// needed to decrypt it, and an optional plaintext public-preview URL.
type ImageRef struct {
	URL        string `json:"url"`
	Salt       []byte `json:"salt,omitempty"`
	Nonce      []byte `json:"nonce,omitempty"`
	Key        []byte `json:"key,omitempty"`
	PreviewURL string `json:"preview_url,omitempty"`
}

// Zero reports whether the reference is empty.
func (r ImageRef) Zero() bool {
	return r.URL == ""
}

// MemberSnapshot is one roster entry in a group snapshot.
type MemberSnapshot struct {
	MemberID    string   `json:"member_id"`
	DisplayName string   `json:"display_name"`
	Role        string   `json:"role"`
	Consented   bool     `json:"consented"`
	Avatar      ImageRef `json:"avatar"`
}

// GroupSnapshot is the authoritative network state of a group: metadata,
// complete member roster and permission state.
type GroupSnapshot struct {
	NetworkID     string           `json:"network_id"`
	InviteTag     string           `json:"invite_tag"`
	Kind          string           `json:"kind"`
	Name          string           `json:"name"`
	Description   string           `json:"description"`
	CreatorID     string           `json:"creator_id"`
	Locked        bool             `json:"locked"`
	PublicPreview bool             `json:"public_preview"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
	Image         ImageRef         `json:"image"`
	Members       []MemberSnapshot `json:"members"`
}

// ReactionAction discriminates reaction envelopes.
const (
	ReactionAdd    = "add"
	ReactionRemove = "remove"
)

// ReactionPayload is carried by reaction envelopes.
type ReactionPayload struct {
	Action          string `json:"action"`
	SourceMessageID string `json:"source_message_id"`
	Emoji           string `json:"emoji"`
}

// ControlPayload is carried by control envelopes. Explode is the only
// control the core understands today.
type ControlPayload struct {
	Type      string    `json:"type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ControlExplode schedules or executes group teardown.
const ControlExplode = "explode"

// AttachmentRef points at uploaded attachment ciphertext.
type AttachmentRef struct {
	URL   string `json:"url"`
	Key   []byte `json:"key,omitempty"`
	Nonce []byte `json:"nonce,omitempty"`
}

// Envelope is one decoded inbound message from the network stream.
type Envelope struct {
	NetworkID      string           `json:"network_id"`
	ClientID       string           `json:"client_id"`
	GroupNetworkID string           `json:"group_network_id"`
	SenderID       string           `json:"sender_id"`
	SenderName     string           `json:"sender_name"`
	SentAt         time.Time        `json:"sent_at"`
	Kind           string           `json:"kind"`
	Body           string           `json:"body"`
	ReplyToID      string           `json:"reply_to_id,omitempty"`
	Attachment     *AttachmentRef   `json:"attachment,omitempty"`
	Reaction       *ReactionPayload `json:"reaction,omitempty"`
	Control        *ControlPayload  `json:"control,omitempty"`

	// RemovedMembers lists members removed by the membership update this
	// envelope carries, if any.
	RemovedMembers []string `json:"removed_members,omitempty"`
}
