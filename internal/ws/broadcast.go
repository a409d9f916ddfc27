package ws

// BroadcastRegistry maps chat id → in-memory fanout bus. Buses are created
// lazily on first subscribe and reaped by the first publish that finds no
// live receivers; a chat nobody is connected to costs nothing.
//
// A bus is a broadcast channel, not a queue. Every subscription gets its own
// buffered channel of shared *domain.Message pointers (one payload, many
// readers, no copies). Publish is non-blocking: a subscription whose buffer
// is full has lagged and is dropped from the bus on the spot — the connection
// behind it survives and recovers missed history over REST. There is no
// cross-subscriber backpressure; a slow peer never stalls the chat.
//
// Like the presence registry, the bus map is striped so publishes and
// lookups on distinct chats run in parallel.

import (
	"sync"

	"github.com/erikscolaro/ironlink/internal/domain"
)

const busShardCount = 64

// Subscription is one receiver on one chat bus. Messages arrive on C() in
// publish order. The channel closes when the subscription leaves the bus:
// either deliberately (unsubscribe, teardown) or because it lagged, which
// Lagged() then reports.
type Subscription struct {
	chat   int64
	bus    *chatBus
	ch     chan *domain.Message
	lagged bool
	once   sync.Once
}

func (s *Subscription) Chat() int64 { return s.chat }

func (s *Subscription) C() <-chan *domain.Message { return s.ch }

// Lagged reports whether the bus dropped this subscription for falling more
// than the bus capacity behind. Meaningful once C() is closed.
func (s *Subscription) Lagged() bool {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.lagged
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

type chatBus struct {
	chat int64
	mu   sync.Mutex
	subs []*Subscription
}

// dropLocked removes sub from the bus. Callers hold bus.mu.
func (b *chatBus) dropLocked(sub *Subscription) {
	for i, existing := range b.subs {
		if existing == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

type busShard struct {
	mu    sync.RWMutex
	buses map[int64]*chatBus
}

type BroadcastRegistry struct {
	shards   [busShardCount]busShard
	capacity int
}

// NewBroadcastRegistry creates a registry whose subscriptions buffer up to
// capacity messages before the bus declares them lagged.
func NewBroadcastRegistry(capacity int) *BroadcastRegistry {
	r := &BroadcastRegistry{capacity: capacity}
	for i := range r.shards {
		r.shards[i].buses = make(map[int64]*chatBus)
	}
	return r
}

func (r *BroadcastRegistry) shard(chat int64) *busShard {
	return &r.shards[uint64(chat)%busShardCount]
}

// Subscribe attaches a fresh receiver to chat's bus, creating the bus if
// this is the first subscriber since creation or the last reap.
func (r *BroadcastRegistry) Subscribe(chat int64) *Subscription {
	s := r.shard(chat)
	s.mu.Lock()
	bus := s.buses[chat]
	if bus == nil {
		bus = &chatBus{chat: chat}
		s.buses[chat] = bus
	}
	sub := &Subscription{
		chat: chat,
		bus:  bus,
		ch:   make(chan *domain.Message, r.capacity),
	}
	bus.mu.Lock()
	bus.subs = append(bus.subs, sub)
	bus.mu.Unlock()
	s.mu.Unlock()
	return sub
}

// SubscribeMany subscribes to each chat and returns the receivers in order.
func (r *BroadcastRegistry) SubscribeMany(chats []int64) []*Subscription {
	subs := make([]*Subscription, 0, len(chats))
	for _, chat := range chats {
		subs = append(subs, r.Subscribe(chat))
	}
	return subs
}

// Unsubscribe detaches sub from its bus and closes its channel. The bus is
// left in place even if now empty; the next publish reaps it.
func (r *BroadcastRegistry) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	bus := sub.bus
	bus.mu.Lock()
	bus.dropLocked(sub)
	bus.mu.Unlock()
	sub.close()
}

// Publish fans msg out to every live subscription of chat and returns how
// many accepted it. The result is advisory: zero receivers is not an error,
// because durable storage plus client refetch restores correctness.
//
// Publish is atomic with respect to the bus membership it observes: a
// subscriber joining concurrently may or may not see msg, and subscribers
// leaving concurrently never fail the publish. When publish finds no live
// receivers the bus is removed before returning.
func (r *BroadcastRegistry) Publish(chat int64, msg *domain.Message) int {
	s := r.shard(chat)
	s.mu.Lock()
	bus := s.buses[chat]
	if bus == nil {
		s.mu.Unlock()
		return 0
	}

	bus.mu.Lock()
	delivered := 0
	var laggards []*Subscription
	for _, sub := range bus.subs {
		select {
		case sub.ch <- msg:
			delivered++
		default:
			sub.lagged = true
			laggards = append(laggards, sub)
		}
	}
	for _, sub := range laggards {
		bus.dropLocked(sub)
	}
	empty := len(bus.subs) == 0
	bus.mu.Unlock()

	if empty {
		delete(s.buses, chat)
	}
	s.mu.Unlock()

	for _, sub := range laggards {
		sub.close()
	}
	return delivered
}

// IsActive reports whether a bus currently exists for chat.
func (r *BroadcastRegistry) IsActive(chat int64) bool {
	s := r.shard(chat)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buses[chat]
	return ok
}

// ActiveBuses returns the number of live buses, for metrics.
func (r *BroadcastRegistry) ActiveBuses() int {
	total := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		total += len(s.buses)
		s.mu.RUnlock()
	}
	return total
}
