package models

import "time"

// AttachmentLocalState is per-device UI state for a single attachment. It is
// not authoritative and safe to lose, but survives restarts.
type AttachmentLocalState struct {
	MessageID      string    `db:"message_id" json:"message_id"`
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	Revealed       bool      `db:"revealed" json:"revealed"`
	Width          int       `db:"width" json:"width"`
	Height         int       `db:"height" json:"height"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// PhotoPreference is the versioned per-conversation photo preference record.
// Defaults apply when no row exists: auto-reveal off.
type PhotoPreference struct {
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	AutoReveal     bool      `db:"auto_reveal" json:"auto_reveal"`
	Version        int       `db:"version" json:"version"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// PendingPhotoUpload is a durable record of an in-flight or retryable
// attachment upload, independent of the message it will attach to, so the
// upload can resume after process death.
type PendingPhotoUpload struct {
	ID              string    `db:"id" json:"id"`
	ConversationID  string    `db:"conversation_id" json:"conversation_id"`
	ClientMessageID string    `db:"client_message_id" json:"client_message_id"`
	LocalPath       string    `db:"local_path" json:"local_path"`
	ContentType     string    `db:"content_type" json:"content_type"`
	RetryCount      int       `db:"retry_count" json:"retry_count"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}
