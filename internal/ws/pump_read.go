package ws

import (
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"

	"github.com/erikscolaro/ironlink/internal/logging"
)

// readPump reads frames from the socket until the connection dies. Inbound
// frames are processed strictly in receive order; the limiter paces them so
// one connection tops out around 1/interval frames per second and the
// scheduler keeps breathing room under a flood.
//
// Any read failure — peer close, protocol error, or the idle deadline
// expiring — looks the same from here and triggers the same orderly
// teardown.
func (s *Server) readPump(c *Client) {
	defer s.wg.Done()
	defer logging.RecoverPanic(s.logger, "readPump", map[string]any{"client_id": c.id})
	defer s.teardownClient(c, "read")

	limiter := rate.NewLimiter(rate.Every(s.opts.RateLimitInterval), 1)

	for {
		c.conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))

		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}

		s.metrics.MessagesReceived.Inc()
		s.metrics.BytesReceived.Add(float64(len(msg)))

		switch op {
		case ws.OpText:
			if delay := limiter.Reserve().Delay(); delay > 0 {
				s.metrics.RateLimitedFrames.Inc()
				timer := time.NewTimer(delay)
				select {
				case <-timer.C:
				case <-s.ctx.Done():
					timer.Stop()
					return
				}
			}
			s.ingress.Handle(s.ctx, c, msg)
		case ws.OpClose:
			return
		default:
			// Binary frames are not part of the protocol; pings are answered
			// by the transport layer.
		}
	}
}
