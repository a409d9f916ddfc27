package ws

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/erikscolaro/ironlink/internal/domain"
	"github.com/erikscolaro/ironlink/internal/logging"
	"github.com/erikscolaro/ironlink/internal/metrics"
)

// fakeStore is an in-memory stand-in for the persistence layer.
type fakeStore struct {
	mu          sync.Mutex
	memberships map[int64][]int64 // user id → chat ids
	appended    []appendedMessage
	nextID      int64

	appendErr     error
	membershipErr error
}

type appendedMessage struct {
	ChatID    int64
	SenderID  *int64
	Content   string
	Kind      domain.MessageKind
	CreatedAt time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{memberships: make(map[int64][]int64)}
}

func (f *fakeStore) addMembership(user, chat int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberships[user] = append(f.memberships[user], chat)
}

func (f *fakeStore) AppendMessage(_ context.Context, chatID int64, senderID *int64, content string, kind domain.MessageKind, createdAt time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return 0, f.appendErr
	}
	f.nextID++
	f.appended = append(f.appended, appendedMessage{
		ChatID: chatID, SenderID: senderID, Content: content, Kind: kind, CreatedAt: createdAt,
	})
	return f.nextID, nil
}

func (f *fakeStore) FindMemberships(_ context.Context, userID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.membershipErr != nil {
		return nil, f.membershipErr
	}
	return append([]int64(nil), f.memberships[userID]...), nil
}

func (f *fakeStore) IsMember(_ context.Context, userID, chatID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.membershipErr != nil {
		return false, f.membershipErr
	}
	for _, c := range f.memberships[userID] {
		if c == chatID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) appendedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appended)
}

var errStoreDown = errors.New("store down")

func testOptions() Options {
	return Options{
		MaxConnections:      16,
		RateLimitInterval:   time.Millisecond,
		IdleTimeout:         5 * time.Second,
		WriteTimeout:        time.Second,
		BusCapacity:         100,
		BatchMaxSize:        10,
		BatchInterval:       50 * time.Millisecond,
		StoreAcquireTimeout: time.Second,
	}
}

func newTestServer(st Store, opts Options) *Server {
	logger := logging.New("error", "json")
	m := metrics.New(metrics.GaugeSources{})
	presence := NewPresenceRegistry()
	broadcast := NewBroadcastRegistry(opts.BusCapacity)
	return NewServer(opts, logger, m, st, presence, broadcast, nil)
}

// newTestClient wires a Client the way HandleUpgrade does, against the given
// socket (which may be nil for tests that never touch the wire).
func newTestClient(s *Server, userID int64, conn net.Conn) *Client {
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
	s.connectionsSem <- struct{}{}
	s.presence.Register(userID, c.control)
	return c
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

// popSignals drains every queued control signal.
func popSignals(q *SignalQueue) []ControlSignal {
	var sigs []ControlSignal
	for {
		sig, ok := q.Pop()
		if !ok {
			return sigs
		}
		sigs = append(sigs, sig)
	}
}
