package store

import (
	"context"
	"fmt"
	"time"

	"github.com/erikscolaro/ironlink/internal/domain"
)

// CreateChat inserts a chat and makes creator its Owner in one transaction.
func (s *Postgres) CreateChat(ctx context.Context, name, description string, isGroup bool, creator int64) (domain.Chat, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Chat{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var c domain.Chat
	err = tx.QueryRow(ctx,
		`INSERT INTO chats (name, description, is_group)
		 VALUES ($1, $2, $3)
		 RETURNING id, name, description, is_group, created_at`,
		name, description, isGroup,
	).Scan(&c.ID, &c.Name, &c.Description, &c.IsGroup, &c.CreatedAt)
	if err != nil {
		return domain.Chat{}, fmt.Errorf("create chat: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO chat_members (user_id, chat_id, role, visible_from)
		 VALUES ($1, $2, $3, $4)`,
		creator, c.ID, domain.RoleOwner, c.CreatedAt,
	)
	if err != nil {
		return domain.Chat{}, fmt.Errorf("add owner: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Chat{}, fmt.Errorf("commit: %w", err)
	}
	return c, nil
}

func (s *Postgres) ChatByID(ctx context.Context, id int64) (domain.Chat, error) {
	var c domain.Chat
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, is_group, created_at FROM chats WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.Name, &c.Description, &c.IsGroup, &c.CreatedAt)
	if err != nil {
		return domain.Chat{}, fmt.Errorf("chat by id: %w", noRows(err))
	}
	return c, nil
}

func (s *Postgres) ChatsForUser(ctx context.Context, userID int64) ([]domain.Chat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.name, c.description, c.is_group, c.created_at
		 FROM chats c
		 JOIN chat_members m ON m.chat_id = c.id
		 WHERE m.user_id = $1
		 ORDER BY c.created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("chats for user: %w", err)
	}
	defer rows.Close()

	var chats []domain.Chat
	for rows.Next() {
		var c domain.Chat
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.IsGroup, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// FindMemberships returns the ids of every chat userID belongs to. Called
// once per connection at writer start.
func (s *Postgres) FindMemberships(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT chat_id FROM chat_members WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("find memberships: %w", err)
	}
	defer rows.Close()

	var chats []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		chats = append(chats, id)
	}
	return chats, rows.Err()
}

func (s *Postgres) IsMember(ctx context.Context, userID, chatID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chat_members WHERE user_id = $1 AND chat_id = $2)`,
		userID, chatID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("is member: %w", err)
	}
	return exists, nil
}

func (s *Postgres) MembershipFor(ctx context.Context, userID, chatID int64) (domain.Membership, error) {
	var m domain.Membership
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, chat_id, role, visible_from
		 FROM chat_members WHERE user_id = $1 AND chat_id = $2`,
		userID, chatID,
	).Scan(&m.UserID, &m.ChatID, &m.Role, &m.VisibleFrom)
	if err != nil {
		return domain.Membership{}, fmt.Errorf("membership: %w", noRows(err))
	}
	return m, nil
}

func (s *Postgres) AddMember(ctx context.Context, userID, chatID int64, role domain.Role, visibleFrom time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_members (user_id, chat_id, role, visible_from)
		 VALUES ($1, $2, $3, $4)`,
		userID, chatID, role, visibleFrom,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("membership: %w", ErrDuplicate)
		}
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *Postgres) RemoveMember(ctx context.Context, userID, chatID int64) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM chat_members WHERE user_id = $1 AND chat_id = $2`,
		userID, chatID,
	)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("membership: %w", ErrNotFound)
	}
	return nil
}
