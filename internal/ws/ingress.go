package ws

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/erikscolaro/ironlink/internal/domain"
	"github.com/erikscolaro/ironlink/internal/metrics"
)

// Store is the slice of the persistence layer the connection core consumes.
type Store interface {
	AppendMessage(ctx context.Context, chatID int64, senderID *int64, content string, kind domain.MessageKind, createdAt time.Time) (int64, error)
	FindMemberships(ctx context.Context, userID int64) ([]int64, error)
	IsMember(ctx context.Context, userID, chatID int64) (bool, error)
}

// IngressPipeline processes one inbound text frame from one connection:
// decode, structural validation, anti-spoofing, membership check, broadcast,
// durable append. A rejection at any step queues an Error signal on the
// offending connection's own control sink and stops; the connection itself
// always survives a bad frame.
type IngressPipeline struct {
	store          Store
	broadcast      *BroadcastRegistry
	acquireTimeout time.Duration
	logger         zerolog.Logger
	metrics        *metrics.Metrics
}

func NewIngressPipeline(store Store, broadcast *BroadcastRegistry, acquireTimeout time.Duration, logger zerolog.Logger, m *metrics.Metrics) *IngressPipeline {
	return &IngressPipeline{
		store:          store,
		broadcast:      broadcast,
		acquireTimeout: acquireTimeout,
		logger:         logger,
		metrics:        m,
	}
}

// Handle runs the pipeline for one frame. By the time it returns, an
// accepted frame has been durably appended, or the sender has an Error
// signal queued — never neither, never both.
//
// Broadcast deliberately precedes the append: online subscribers see the
// message with the lowest possible latency, at the cost of a narrow window
// where a failed append leaves the broadcast visible to connected members
// but absent from history. The store is the system of record; clients
// converge on their next fetch.
func (p *IngressPipeline) Handle(ctx context.Context, c *Client, frame []byte) {
	msg, err := DecodeInbound(frame)
	if err != nil {
		p.reject(c, ReasonMalformed)
		return
	}

	if reason, ok := ValidateInbound(msg); !ok {
		p.reject(c, reason)
		return
	}

	// Anti-spoofing: the claimed sender must be the authenticated user of
	// this very connection.
	if msg.SenderID != c.userID {
		p.reject(c, ReasonSpoofedSender)
		return
	}

	member, cached := c.memberships.lookup(msg.ChatID)
	if !cached {
		checkCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
		member, err = p.store.IsMember(checkCtx, c.userID, msg.ChatID)
		cancel()
		if err != nil {
			p.logger.Warn().Err(err).
				Int64("user_id", c.userID).
				Int64("chat_id", msg.ChatID).
				Msg("Membership check failed")
			p.reject(c, ReasonMemberCheck)
			return
		}
		c.memberships.set(msg.ChatID, member)
	}
	if !member {
		p.reject(c, ReasonNotMember)
		return
	}

	// One shared payload for every subscriber. The client-declared timestamp
	// is discarded; created-at is server-authoritative from here on.
	sender := msg.SenderID
	shared := &domain.Message{
		ChatID:    msg.ChatID,
		SenderID:  &sender,
		Content:   msg.Content,
		Kind:      domain.KindUser,
		CreatedAt: time.Now().UTC(),
	}

	// Advisory: zero receivers just means nobody is connected to this chat
	// right now. The append below is what makes the message real.
	p.broadcast.Publish(msg.ChatID, shared)

	appendCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()
	start := time.Now()
	_, err = p.store.AppendMessage(appendCtx, shared.ChatID, shared.SenderID, shared.Content, shared.Kind, shared.CreatedAt)
	p.metrics.StoreAppendSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		// The broadcast cannot be rolled back; only the sender learns of the
		// failure, and peers converge via refetch.
		p.logger.Error().Err(err).
			Int64("user_id", c.userID).
			Int64("chat_id", msg.ChatID).
			Msg("Durable append failed")
		p.reject(c, ReasonStoreFailure)
		return
	}
}

func (p *IngressPipeline) reject(c *Client, reason string) {
	p.metrics.RejectedFrames.WithLabelValues(reason).Inc()
	c.control.Push(ErrorSignal(reason))
}
