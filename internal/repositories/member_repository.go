package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"chatsync/internal/db"
	"chatsync/internal/models"
)

var ErrMemberNotFound = errors.New("member not found")

// MemberRepository persists global member identities and per-conversation
// roster rows. The global identity row is always written before any roster
// row that references it.
type MemberRepository interface {
	UpsertMemberTx(ctx context.Context, tx *sqlx.Tx, member models.Member) error
	ReplaceRosterTx(ctx context.Context, tx *sqlx.Tx, conversationID string, roster []models.ConversationMember) error
	GetRosterEntryTx(ctx context.Context, tx *sqlx.Tx, conversationID, memberID string) (models.ConversationMember, error)
	DeleteRosterTx(ctx context.Context, tx *sqlx.Tx, conversationID string) error
	ListRoster(ctx context.Context, conversationID string) ([]models.ConversationMember, error)
	GetMember(ctx context.Context, id string) (models.Member, error)
}

// MemberRepo is the sqlx implementation of MemberRepository.
type MemberRepo struct {
	store *db.Store
}

// NewMemberRepo constructs a MemberRepo.
func NewMemberRepo(store *db.Store) *MemberRepo {
	return &MemberRepo{store: store}
}

// UpsertMemberTx inserts or refreshes a global member identity. Empty
// incoming fields never clobber known ones.
func (r *MemberRepo) UpsertMemberTx(ctx context.Context, tx *sqlx.Tx, member models.Member) error {
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, `INSERT INTO members (id, display_name, avatar_url, avatar_key, avatar_nonce, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE members.display_name END,
            avatar_url   = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE members.avatar_url END,
            avatar_key   = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_key ELSE members.avatar_key END,
            avatar_nonce = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_nonce ELSE members.avatar_nonce END,
            updated_at   = excluded.updated_at`,
		member.ID, member.DisplayName, member.AvatarURL, member.AvatarKey, member.AvatarNonce, now, now)
	return err
}

// ReplaceRosterTx replaces the conversation roster wholesale. Snapshots are
// always complete and small, so delete-then-insert beats diffing. Each
// roster entry's global identity is upserted first to keep the referential
// ordering invariant.
func (r *MemberRepo) ReplaceRosterTx(ctx context.Context, tx *sqlx.Tx, conversationID string, roster []models.ConversationMember) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_members WHERE conversation_id=?`, conversationID); err != nil {
		return err
	}
	for _, entry := range roster {
		if entry.Member != nil {
			if err := r.UpsertMemberTx(ctx, tx, *entry.Member); err != nil {
				return err
			}
		} else {
			if err := r.UpsertMemberTx(ctx, tx, models.Member{ID: entry.MemberID}); err != nil {
				return err
			}
		}
		joined := entry.JoinedAt
		if joined.IsZero() {
			joined = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO conversation_members (conversation_id, member_id, role, consented, joined_at)
            VALUES (?, ?, ?, ?, ?)`,
			conversationID, entry.MemberID, entry.Role, entry.Consented, joined); err != nil {
			return err
		}
	}
	return nil
}

// GetRosterEntryTx fetches one roster row.
func (r *MemberRepo) GetRosterEntryTx(ctx context.Context, tx *sqlx.Tx, conversationID, memberID string) (models.ConversationMember, error) {
	var entry models.ConversationMember
	err := tx.GetContext(ctx, &entry, `SELECT conversation_id, member_id, role, consented, joined_at
        FROM conversation_members WHERE conversation_id=? AND member_id=?`, conversationID, memberID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ConversationMember{}, ErrMemberNotFound
	}
	return entry, err
}

// DeleteRosterTx removes every roster row for a conversation.
func (r *MemberRepo) DeleteRosterTx(ctx context.Context, tx *sqlx.Tx, conversationID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM conversation_members WHERE conversation_id=?`, conversationID)
	return err
}

// ListRoster returns the conversation roster with member identities joined.
func (r *MemberRepo) ListRoster(ctx context.Context, conversationID string) ([]models.ConversationMember, error) {
	rows, err := r.store.DB().QueryxContext(ctx, `SELECT cm.conversation_id, cm.member_id, cm.role, cm.consented, cm.joined_at,
            m.id, m.display_name, m.avatar_url, m.created_at, m.updated_at
        FROM conversation_members cm
        INNER JOIN members m ON m.id = cm.member_id
        WHERE cm.conversation_id=?
        ORDER BY cm.joined_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roster []models.ConversationMember
	for rows.Next() {
		var entry models.ConversationMember
		var member models.Member
		if err := rows.Scan(&entry.ConversationID, &entry.MemberID, &entry.Role, &entry.Consented, &entry.JoinedAt,
			&member.ID, &member.DisplayName, &member.AvatarURL, &member.CreatedAt, &member.UpdatedAt); err != nil {
			return nil, err
		}
		entry.Member = &member
		roster = append(roster, entry)
	}
	return roster, rows.Err()
}

// GetMember fetches a global member identity.
func (r *MemberRepo) GetMember(ctx context.Context, id string) (models.Member, error) {
	var member models.Member
	err := r.store.DB().GetContext(ctx, &member, `SELECT id, display_name, avatar_url, avatar_key, avatar_nonce, created_at, updated_at
        FROM members WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Member{}, ErrMemberNotFound
	}
	return member, err
}
