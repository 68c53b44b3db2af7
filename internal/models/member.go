package models

import "time"

// Role is a member's per-conversation role.
type Role string

const (
	RoleMember     Role = "member"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super-admin"
)

// Admin reports whether the role carries admin privileges.
func (r Role) Admin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// Member is a global participant identity. A member row must exist before any
// conversation_members row referencing it is written.
type Member struct {
	ID          string    `db:"id" json:"id"`
	DisplayName string    `db:"display_name" json:"display_name"`
	AvatarURL   string    `db:"avatar_url" json:"avatar_url"`
	AvatarKey   []byte    `db:"avatar_key" json:"-"`
	AvatarNonce []byte    `db:"avatar_nonce" json:"-"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// ConversationMember binds a member to a conversation with a role and the
// member's consent flag.
type ConversationMember struct {
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	MemberID       string    `db:"member_id" json:"member_id"`
	Role           Role      `db:"role" json:"role"`
	Consented      bool      `db:"consented" json:"consented"`
	JoinedAt       time.Time `db:"joined_at" json:"joined_at"`

	Member *Member `db:"-" json:"member,omitempty"`
}
