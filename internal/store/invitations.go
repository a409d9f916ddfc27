package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/erikscolaro/ironlink/internal/domain"
)

func (s *Postgres) CreateInvitation(ctx context.Context, chatID, inviterID, inviteeID int64) (domain.Invitation, error) {
	inv := domain.Invitation{
		ID:        uuid.New(),
		ChatID:    chatID,
		InviterID: inviterID,
		InviteeID: inviteeID,
		State:     domain.InvitePending,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO invitations (id, chat_id, inviter_id, invitee_id, state)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		inv.ID, inv.ChatID, inv.InviterID, inv.InviteeID, inv.State,
	).Scan(&inv.CreatedAt)
	if err != nil {
		return domain.Invitation{}, fmt.Errorf("create invitation: %w", err)
	}
	return inv, nil
}

func (s *Postgres) InvitationByID(ctx context.Context, id uuid.UUID) (domain.Invitation, error) {
	var inv domain.Invitation
	err := s.pool.QueryRow(ctx,
		`SELECT id, chat_id, inviter_id, invitee_id, state, created_at
		 FROM invitations WHERE id = $1`,
		id,
	).Scan(&inv.ID, &inv.ChatID, &inv.InviterID, &inv.InviteeID, &inv.State, &inv.CreatedAt)
	if err != nil {
		return domain.Invitation{}, fmt.Errorf("invitation by id: %w", noRows(err))
	}
	return inv, nil
}

func (s *Postgres) PendingInvitationsFor(ctx context.Context, inviteeID int64) ([]domain.Invitation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_id, inviter_id, invitee_id, state, created_at
		 FROM invitations
		 WHERE invitee_id = $1 AND state = 'Pending'
		 ORDER BY created_at`,
		inviteeID,
	)
	if err != nil {
		return nil, fmt.Errorf("pending invitations: %w", err)
	}
	defer rows.Close()

	var invs []domain.Invitation
	for rows.Next() {
		var inv domain.Invitation
		if err := rows.Scan(&inv.ID, &inv.ChatID, &inv.InviterID, &inv.InviteeID, &inv.State, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

// HasPendingInvitation reports whether invitee already has an open invite to
// the chat, so duplicates can be rejected before insert.
func (s *Postgres) HasPendingInvitation(ctx context.Context, chatID, inviteeID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM invitations
			WHERE chat_id = $1 AND invitee_id = $2 AND state = 'Pending'
		)`,
		chatID, inviteeID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has pending invitation: %w", err)
	}
	return exists, nil
}

// AcceptInvitation settles a pending invitation and creates the membership
// in one transaction. The membership's visible-from watermark is the accept
// time: the new member sees no history older than their join.
func (s *Postgres) AcceptInvitation(ctx context.Context, id uuid.UUID, now time.Time) (domain.Invitation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Invitation{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var inv domain.Invitation
	err = tx.QueryRow(ctx,
		`UPDATE invitations SET state = 'Accepted'
		 WHERE id = $1 AND state = 'Pending'
		 RETURNING id, chat_id, inviter_id, invitee_id, state, created_at`,
		id,
	).Scan(&inv.ID, &inv.ChatID, &inv.InviterID, &inv.InviteeID, &inv.State, &inv.CreatedAt)
	if err != nil {
		return domain.Invitation{}, fmt.Errorf("accept invitation: %w", noRows(err))
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO chat_members (user_id, chat_id, role, visible_from)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, chat_id) DO NOTHING`,
		inv.InviteeID, inv.ChatID, domain.RoleMember, now,
	)
	if err != nil {
		return domain.Invitation{}, fmt.Errorf("add member: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Invitation{}, fmt.Errorf("commit: %w", err)
	}
	return inv, nil
}

// DeclineInvitation settles a pending invitation without a membership.
func (s *Postgres) DeclineInvitation(ctx context.Context, id uuid.UUID) (domain.Invitation, error) {
	var inv domain.Invitation
	err := s.pool.QueryRow(ctx,
		`UPDATE invitations SET state = 'Declined'
		 WHERE id = $1 AND state = 'Pending'
		 RETURNING id, chat_id, inviter_id, invitee_id, state, created_at`,
		id,
	).Scan(&inv.ID, &inv.ChatID, &inv.InviterID, &inv.InviteeID, &inv.State, &inv.CreatedAt)
	if err != nil {
		return domain.Invitation{}, fmt.Errorf("decline invitation: %w", noRows(err))
	}
	return inv, nil
}
