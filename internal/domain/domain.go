package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageKind discriminates user-authored messages from server-generated ones.
type MessageKind string

const (
	KindUser   MessageKind = "UserMessage"
	KindSystem MessageKind = "SystemMessage"
)

// Role is a member's role within a chat.
type Role string

const (
	RoleOwner  Role = "Owner"
	RoleAdmin  Role = "Admin"
	RoleMember Role = "Member"
)

// CanInvite reports whether the role may invite other users into the chat.
func (r Role) CanInvite() bool {
	return r == RoleOwner || r == RoleAdmin
}

// InvitationState tracks an invitation through its lifecycle.
type InvitationState string

const (
	InvitePending  InvitationState = "Pending"
	InviteAccepted InvitationState = "Accepted"
	InviteDeclined InvitationState = "Declined"
)

// User is an account row. PasswordHash never leaves the server.
type User struct {
	ID           int64     `json:"user_id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Chat is a conversation: a titled group or a private 1:1 thread.
type Chat struct {
	ID          int64     `json:"chat_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsGroup     bool      `json:"is_group"`
	CreatedAt   time.Time `json:"created_at"`
}

// Membership relates a user to a chat. VisibleFrom is the per-user history
// watermark: history fetches never return messages older than it.
type Membership struct {
	UserID      int64     `json:"user_id"`
	ChatID      int64     `json:"chat_id"`
	Role        Role      `json:"role"`
	VisibleFrom time.Time `json:"visible_from"`
}

// Message is the canonical chat message record. SenderID is nil for system
// messages. ID is zero until the store assigns one; messages delivered live
// over a broadcast bus are published before the append completes, so
// subscribers may observe a zero id and reconcile on their next history fetch.
type Message struct {
	ID        int64       `json:"message_id"`
	ChatID    int64       `json:"chat_id"`
	SenderID  *int64      `json:"sender_id"`
	Content   string      `json:"content"`
	Kind      MessageKind `json:"message_type"`
	CreatedAt time.Time   `json:"created_at"`
}

// Invitation is a pending (or settled) invite of a user into a chat.
type Invitation struct {
	ID        uuid.UUID       `json:"invite_id"`
	ChatID    int64           `json:"chat_id"`
	InviterID int64           `json:"inviter_id"`
	InviteeID int64           `json:"invitee_id"`
	State     InvitationState `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

// InvitationDetail is the enriched invitation payload pushed to a live
// invitee: the bare invitation joined with its inviter and chat rows.
type InvitationDetail struct {
	InviteID  uuid.UUID       `json:"invite_id"`
	State     InvitationState `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	Inviter   User            `json:"inviter"`
	Chat      Chat            `json:"chat"`
}
