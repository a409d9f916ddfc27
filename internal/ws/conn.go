package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/erikscolaro/ironlink/internal/domain"
)

// Client is one live authenticated session: one socket split into a reader
// and a writer goroutine joined by the control queue. All per-connection
// mutable state (subscriptions, pending batch) is owned by the writer; the
// only way in from the outside is a control signal.
type Client struct {
	id     int64
	userID int64
	conn   net.Conn
	server *Server

	// control is the connection's unbounded control sink, registered in the
	// presence registry for the lifetime of the connection.
	control *SignalQueue

	// data is the merged stream of broadcast messages across every chat the
	// connection subscribes to. Per-chat forwarders feed it; the writer
	// drains it into batches.
	data chan *domain.Message

	// done closes when the writer exits, stopping the forwarders.
	done chan struct{}

	// subs maps chat id → live bus subscription. Writer-owned.
	subs map[int64]*Subscription

	memberships *membershipCache

	teardownOnce sync.Once
	closeOnce    sync.Once
	connectedAt  time.Time
}

func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// writeFrame writes one text frame with the configured write deadline.
// Returns false on failure; the writer treats that as a transport error and
// exits.
func (c *Client) writeFrame(frame []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(c.server.opts.WriteTimeout))
	if err := wsutil.WriteServerMessage(c.conn, ws.OpText, frame); err != nil {
		c.server.logger.Debug().Err(err).Int64("client_id", c.id).Msg("Failed to write frame")
		return false
	}
	c.server.metrics.BytesSent.Add(float64(len(frame)))
	return true
}

// writeCloseFrame tells the peer the write half is done. Best effort.
func (c *Client) writeCloseFrame() {
	c.conn.SetWriteDeadline(time.Now().Add(c.server.opts.WriteTimeout))
	wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
}

// forward pumps one bus subscription into the merged data channel,
// preserving per-chat publish order. It exits when the subscription closes
// (unsubscribe or lag drop) or when the writer is gone.
func (c *Client) forward(sub *Subscription) {
	c.server.wg.Add(1)
	go func() {
		defer c.server.wg.Done()
		for {
			select {
			case msg, ok := <-sub.C():
				if !ok {
					if sub.Lagged() {
						c.server.metrics.LagDrops.Inc()
						c.server.logger.Debug().
							Int64("client_id", c.id).
							Int64("chat_id", sub.Chat()).
							Msg("Subscription dropped from bus after lagging")
					}
					return
				}
				select {
				case c.data <- msg:
				case <-c.done:
					return
				}
			case <-c.done:
				return
			}
		}
	}()
}

// membershipCache caches the membership oracle per connection, so the
// ingress pipeline does not hit the store on every inbound frame. Both
// positive and negative answers are cached; AddChat and RemoveChat control
// signals keep it in sync with the store.
type membershipCache struct {
	mu    sync.RWMutex
	known map[int64]bool
}

func newMembershipCache() *membershipCache {
	return &membershipCache{known: make(map[int64]bool)}
}

func (c *membershipCache) lookup(chat int64) (member, cached bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	member, cached = c.known[chat]
	return member, cached
}

func (c *membershipCache) set(chat int64, member bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[chat] = member
}
