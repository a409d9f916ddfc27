package ws

// PresenceRegistry maps user id → the control sinks of that user's live
// connections. It is a pure routing index: it never owns sockets and knows
// nothing about chat subscriptions. Business code uses Signal to push a
// control event to every live connection of one user.
//
// The registry sits on the hot path of every control event, so it is striped:
// 64 shards, each an RWMutex-guarded map. Lookups on distinct users proceed
// in parallel; writes to distinct shards never contend. Sink slices are
// copy-on-write, so Signal iterates a snapshot without holding the shard
// lock across channel pushes.

import "sync"

const presenceShardCount = 64

type presenceShard struct {
	mu    sync.RWMutex
	sinks map[int64][]*SignalQueue
}

type PresenceRegistry struct {
	shards [presenceShardCount]presenceShard
}

func NewPresenceRegistry() *PresenceRegistry {
	r := &PresenceRegistry{}
	for i := range r.shards {
		r.shards[i].sinks = make(map[int64][]*SignalQueue)
	}
	return r
}

func (r *PresenceRegistry) shard(user int64) *presenceShard {
	return &r.shards[uint64(user)%presenceShardCount]
}

// Register adds a connection's control sink under user. A user with several
// devices holds several entries; each is registered and unregistered
// individually.
func (r *PresenceRegistry) Register(user int64, sink *SignalQueue) {
	s := r.shard(user)
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.sinks[user]
	for _, existing := range current {
		if existing == sink {
			return
		}
	}
	next := make([]*SignalQueue, len(current)+1)
	copy(next, current)
	next[len(current)] = sink
	s.sinks[user] = next
}

// Unregister removes one specific sink; other handles of the same user stay.
func (r *PresenceRegistry) Unregister(user int64, sink *SignalQueue) {
	s := r.shard(user)
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.sinks[user]
	for i, existing := range current {
		if existing != sink {
			continue
		}
		if len(current) == 1 {
			delete(s.sinks, user)
			return
		}
		next := make([]*SignalQueue, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		s.sinks[user] = next
		return
	}
}

// Signal pushes sig to every live connection of user and reports whether at
// least one accepted it. It never blocks: delivery is online-only, and a user
// with no entry is a silent drop — durability is the caller's concern.
//
// A sink whose connection already tore down rejects the push; it is treated
// as absent and opportunistically removed.
func (r *PresenceRegistry) Signal(user int64, sig ControlSignal) bool {
	s := r.shard(user)
	s.mu.RLock()
	sinks := s.sinks[user]
	s.mu.RUnlock()

	delivered := false
	var stale []*SignalQueue
	for _, sink := range sinks {
		if sink.Push(sig) {
			delivered = true
		} else {
			stale = append(stale, sink)
		}
	}
	for _, sink := range stale {
		r.Unregister(user, sink)
	}
	return delivered
}

// Online reports whether user has at least one registered connection.
func (r *PresenceRegistry) Online(user int64) bool {
	s := r.shard(user)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sinks[user]) > 0
}

// Count returns the total number of registered sinks, for metrics.
func (r *PresenceRegistry) Count() int {
	total := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, sinks := range s.sinks {
			total += len(sinks)
		}
		s.mu.RUnlock()
	}
	return total
}
