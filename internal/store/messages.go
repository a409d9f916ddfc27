package store

import (
	"context"
	"fmt"
	"time"

	"github.com/erikscolaro/ironlink/internal/domain"
)

// AppendMessage durably writes a message and returns the assigned id. The
// timestamp is the server-authoritative creation time decided by the caller
// at ingress; client-declared timestamps never reach this method.
func (s *Postgres) AppendMessage(ctx context.Context, chatID int64, senderID *int64, content string, kind domain.MessageKind, createdAt time.Time) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (chat_id, sender_id, content, kind, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		chatID, senderID, content, kind, createdAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	return id, nil
}

// MessagesForChat returns chat history for one member, newest first,
// bounded by the member's visible-from watermark. before is exclusive; pass
// the zero time for the newest page. This is the client's resync path after
// reconnect or bus lag.
func (s *Postgres) MessagesForChat(ctx context.Context, chatID, userID int64, before time.Time, limit int) ([]domain.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Hour)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT msg.id, msg.chat_id, msg.sender_id, msg.content, msg.kind, msg.created_at
		 FROM messages msg
		 JOIN chat_members m ON m.chat_id = msg.chat_id AND m.user_id = $2
		 WHERE msg.chat_id = $1
		   AND msg.created_at >= m.visible_from
		   AND msg.created_at < $3
		 ORDER BY msg.created_at DESC, msg.id DESC
		 LIMIT $4`,
		chatID, userID, before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("messages for chat: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.Kind, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
