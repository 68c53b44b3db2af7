package models

import "time"

// Invite is the signed, shareable entry point into a conversation. One invite
// exists per (conversation, creator); rotation deletes and recreates it. The
// preview fields are populated only when the conversation has opted into
// public previews.
type Invite struct {
	ConversationID string     `db:"conversation_id" json:"conversation_id"`
	CreatorID      string     `db:"creator_id" json:"creator_id"`
	Slug           string     `db:"slug" json:"slug"`
	Signature      []byte     `db:"signature" json:"-"`
	ExpiresAt      *time.Time `db:"expires_at" json:"expires_at,omitempty"`

	PreviewName        string `db:"preview_name" json:"preview_name,omitempty"`
	PreviewDescription string `db:"preview_description" json:"preview_description,omitempty"`
	PreviewImageURL    string `db:"preview_image_url" json:"preview_image_url,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
