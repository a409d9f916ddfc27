package ws

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/erikscolaro/ironlink/internal/domain"
	"github.com/erikscolaro/ironlink/internal/metrics"
)

// Options are the connection-core tunables.
type Options struct {
	MaxConnections      int
	RateLimitInterval   time.Duration
	IdleTimeout         time.Duration
	WriteTimeout        time.Duration
	BusCapacity         int
	BatchMaxSize        int
	BatchInterval       time.Duration
	StoreAcquireTimeout time.Duration
}

// AdmissionGuard decides whether a new connection may be accepted right now.
type AdmissionGuard interface {
	ShouldAccept() (ok bool, reason string)
}

// Server hosts the WebSocket side of the chat: upgrade handling, the two
// pumps per connection, and the shared presence and broadcast registries.
type Server struct {
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics
	store   Store
	guard   AdmissionGuard

	presence  *PresenceRegistry
	broadcast *BroadcastRegistry
	ingress   *IngressPipeline

	clients        sync.Map // *Client → struct{}
	clientSeq      atomic.Int64
	current        atomic.Int64
	connectionsSem chan struct{}

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
}

func NewServer(opts Options, logger zerolog.Logger, m *metrics.Metrics, store Store, presence *PresenceRegistry, broadcast *BroadcastRegistry, guard AdmissionGuard) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:           opts,
		logger:         logger,
		metrics:        m,
		store:          store,
		guard:          guard,
		presence:       presence,
		broadcast:      broadcast,
		connectionsSem: make(chan struct{}, opts.MaxConnections),
		ctx:            ctx,
		cancel:         cancel,
	}
	s.ingress = NewIngressPipeline(store, broadcast, opts.StoreAcquireTimeout, logger, m)
	return s
}

// Presence exposes the registry business services signal through.
func (s *Server) Presence() *PresenceRegistry { return s.presence }

// Broadcast exposes the bus registry for trusted in-process publishers
// (system message ingest).
func (s *Server) Broadcast() *BroadcastRegistry { return s.broadcast }

// HandleUpgrade performs admission control and the WebSocket upgrade for an
// already-authenticated request, then starts the connection's pumps. A
// failed handshake never reaches the connection core.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request, userID int64) {
	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.guard != nil {
		if ok, reason := s.guard.ShouldAccept(); !ok {
			s.metrics.ConnectionsFailed.Inc()
			s.logger.Warn().
				Str("reason", reason).
				Int64("user_id", userID).
				Msg("Connection rejected by admission guard")
			http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
			return
		}
	}

	select {
	case s.connectionsSem <- struct{}{}:
	default:
		s.metrics.ConnectionsFailed.Inc()
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connectionsSem
		s.metrics.ConnectionsFailed.Inc()
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("WebSocket upgrade failed")
		return
	}

	c := &Client{
		id:          s.clientSeq.Add(1),
		userID:      userID,
		conn:        conn,
		server:      s,
		control:     NewSignalQueue(),
		data:        make(chan *domain.Message, s.opts.BusCapacity),
		done:        make(chan struct{}),
		subs:        make(map[int64]*Subscription),
		memberships: newMembershipCache(),
		connectedAt: time.Now(),
	}

	s.clients.Store(c, struct{}{})
	s.current.Add(1)
	s.metrics.ConnectionsTotal.Inc()
	s.metrics.CurrentConns.Inc()

	// Register before the pumps start so control signals can reach the
	// connection from its very first moment.
	s.presence.Register(userID, c.control)

	s.logger.Info().
		Int64("client_id", c.id).
		Int64("user_id", userID).
		Int64("current_connections", s.current.Load()).
		Msg("Client connected")

	s.wg.Add(2)
	go s.readPump(c)
	go s.writePump(c)
}

// teardownClient runs exactly once per connection, from whichever pump dies
// first: drop the connection from the presence registry, queue a final
// Shutdown so the writer flushes, close the control queue to further pushes,
// and release its slot.
func (s *Server) teardownClient(c *Client, by string) {
	c.teardownOnce.Do(func() {
		s.presence.Unregister(c.userID, c.control)
		c.control.Push(ShutdownSignal())
		c.control.Close()

		s.clients.Delete(c)
		s.current.Add(-1)
		s.metrics.CurrentConns.Dec()
		<-s.connectionsSem

		s.logger.Info().
			Int64("client_id", c.id).
			Int64("user_id", c.userID).
			Str("initiated_by", by).
			Dur("session", time.Since(c.connectedAt)).
			Msg("Client disconnected")
	})
}

// Shutdown drains the server: no new upgrades, a Shutdown signal to every
// live connection so pending batches flush, then a bounded wait before the
// stragglers are cut.
func (s *Server) Shutdown(grace time.Duration) {
	s.shuttingDown.Store(true)

	remaining := s.current.Load()
	s.logger.Info().
		Int64("active_connections", remaining).
		Dur("grace", grace).
		Msg("Draining connections")

	s.clients.Range(func(key, _ any) bool {
		if c, ok := key.(*Client); ok {
			c.control.Push(ShutdownSignal())
		}
		return true
	})

	deadline := time.NewTimer(grace)
	check := time.NewTicker(250 * time.Millisecond)
	defer deadline.Stop()
	defer check.Stop()

drain:
	for {
		select {
		case <-deadline.C:
			left := s.current.Load()
			if left > 0 {
				s.logger.Warn().
					Int64("remaining_connections", left).
					Msg("Grace period expired, force closing remaining connections")
			}
			break drain
		case <-check.C:
			if s.current.Load() == 0 {
				s.logger.Info().Msg("All connections drained gracefully")
				break drain
			}
		}
	}

	s.clients.Range(func(key, _ any) bool {
		if c, ok := key.(*Client); ok {
			c.closeConn()
		}
		return true
	})

	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Connection core stopped")
}
