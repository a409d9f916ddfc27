package ws

import (
	"context"
	"time"

	"github.com/erikscolaro/ironlink/internal/domain"
	"github.com/erikscolaro/ironlink/internal/logging"
)

// writePump owns the outbound half of a connection: it subscribes to the bus
// of every chat the user belongs to, merges them with the control queue, and
// batches data messages by size and time before writing.
//
// Bytes hit the socket in the order this loop observes its sources. Per-chat
// order is preserved end to end (bus FIFO → forwarder → merged channel);
// there is no ordering promise between control frames and data batches that
// arrive in the same cycle.
func (s *Server) writePump(c *Client) {
	defer s.wg.Done()
	defer logging.RecoverPanic(s.logger, "writePump", map[string]any{"client_id": c.id})
	defer func() {
		close(c.done)
		for _, sub := range c.subs {
			s.broadcast.Unsubscribe(sub)
		}
		s.teardownClient(c, "write")
		c.closeConn()
	}()

	// Initial membership load. If the store is unreachable the connection is
	// useless; tear down and let the client reconnect.
	initCtx, cancel := context.WithTimeout(s.ctx, s.opts.StoreAcquireTimeout)
	chats, err := s.store.FindMemberships(initCtx, c.userID)
	cancel()
	if err != nil {
		s.logger.Warn().Err(err).
			Int64("client_id", c.id).
			Int64("user_id", c.userID).
			Msg("Membership query failed on writer start")
		return
	}

	for _, sub := range s.broadcast.SubscribeMany(chats) {
		c.subs[sub.Chat()] = sub
		c.memberships.set(sub.Chat(), true)
		c.forward(sub)
	}

	ticker := time.NewTicker(s.opts.BatchInterval)
	defer ticker.Stop()

	batch := make([]*domain.Message, 0, s.opts.BatchMaxSize)

	// flush encodes and writes the pending batch. Reports false on a
	// transport error, which ends the loop.
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		frame, err := EncodeBatch(batch)
		if err != nil {
			s.logger.Error().Err(err).Int64("client_id", c.id).Msg("Failed to encode batch")
			batch = batch[:0]
			return true
		}
		if !c.writeFrame(frame) {
			return false
		}
		s.metrics.MessagesSent.Add(float64(len(batch)))
		s.metrics.BatchesFlushed.Inc()
		batch = batch[:0]
		return true
	}

	for {
		select {
		case msg := <-c.data:
			batch = append(batch, msg)
			if len(batch) >= s.opts.BatchMaxSize {
				if !flush() {
					return
				}
			}

		case <-ticker.C:
			if !flush() {
				return
			}

		case <-c.control.Ready():
			for {
				sig, ok := c.control.Pop()
				if !ok {
					break
				}
				if !s.handleSignal(c, sig, flush) {
					return
				}
			}
		}
	}
}

// handleSignal applies one control signal inside the writer loop. Returns
// false when the loop must exit (shutdown or transport error).
func (s *Server) handleSignal(c *Client, sig ControlSignal, flush func() bool) bool {
	switch sig.Kind {
	case SignalShutdown:
		// Final flush so a pending batch is not lost on a normal close, then
		// tell the peer the write half is done.
		flush()
		c.writeCloseFrame()
		return false

	case SignalAddChat:
		if _, exists := c.subs[sig.Chat]; !exists {
			sub := s.broadcast.Subscribe(sig.Chat)
			c.subs[sig.Chat] = sub
			c.forward(sub)
		}
		c.memberships.set(sig.Chat, true)
		return c.emitSignal(sig)

	case SignalRemoveChat:
		if sub, exists := c.subs[sig.Chat]; exists {
			s.broadcast.Unsubscribe(sub)
			delete(c.subs, sig.Chat)
		}
		c.memberships.set(sig.Chat, false)
		return c.emitSignal(sig)

	case SignalError, SignalInvitation:
		return c.emitSignal(sig)

	default:
		s.logger.Error().Int("kind", int(sig.Kind)).Msg("Unknown control signal")
		return true
	}
}

// emitSignal encodes a control signal and writes it as its own frame.
func (c *Client) emitSignal(sig ControlSignal) bool {
	frame, err := EncodeSignal(sig)
	if err != nil {
		c.server.logger.Error().Err(err).Int64("client_id", c.id).Msg("Failed to encode signal")
		return true
	}
	return c.writeFrame(frame)
}
