package models

import "time"

// ConsentState tracks the local user's consent for a conversation.
type ConsentState string

const (
	ConsentUnknown ConsentState = "unknown"
	ConsentGranted ConsentState = "granted"
	ConsentRevoked ConsentState = "revoked"
)

// Conversation is the local view of a group. Its identity is split: ID is the
// local id handed to the UI (a draft id until the network confirms, and kept
// stable afterwards), NetworkID is the protocol-assigned group id once one
// exists. InviteTag correlates a draft with its eventual confirmed group and
// is unique per conversation.
type Conversation struct {
	ID          string `db:"id" json:"id"`
	NetworkID   string `db:"network_id" json:"network_id"`
	InviteTag   string `db:"invite_tag" json:"invite_tag"`
	Kind        string `db:"kind" json:"kind"`
	Name        string `db:"name" json:"name"`
	Description string `db:"description" json:"description"`
	CreatorID   string `db:"creator_id" json:"creator_id"`

	Locked    bool         `db:"locked" json:"locked"`
	Consent   ConsentState `db:"consent" json:"consent"`
	ExpiresAt *time.Time   `db:"expires_at" json:"expires_at,omitempty"`

	// Encrypted image reference plus the opt-in plaintext preview variant.
	ImageURL       string     `db:"image_url" json:"image_url"`
	ImageSalt      []byte     `db:"image_salt" json:"-"`
	ImageNonce     []byte     `db:"image_nonce" json:"-"`
	ImageKey       []byte     `db:"image_key" json:"-"`
	PreviewURL     string     `db:"preview_url" json:"preview_url"`
	PublicPreview  bool       `db:"public_preview" json:"public_preview"`
	ImageRenewedAt *time.Time `db:"image_renewed_at" json:"image_renewed_at,omitempty"`

	// Local-only flags the network never sees.
	Unused       bool       `db:"unused" json:"unused"`
	Unread       bool       `db:"unread" json:"unread"`
	LastOpenedAt *time.Time `db:"last_opened_at" json:"last_opened_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Draft reports whether the conversation has not been confirmed by the
// network yet.
func (c Conversation) Draft() bool {
	return c.NetworkID == ""
}

// ImageRefEquals compares the encrypted image reference, ignoring the
// plaintext preview and the renewal bookkeeping.
func (c Conversation) ImageRefEquals(url string, salt, nonce []byte) bool {
	return c.ImageURL == url && bytesEqual(c.ImageSalt, salt) && bytesEqual(c.ImageNonce, nonce)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
