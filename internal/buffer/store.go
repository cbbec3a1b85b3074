package buffer

import "sync"

// Result is the terminal outcome of one lookup. Present is false when the
// downstream service had no data for the id, or the lookup failed.
type Result[V any] struct {
	Value   V
	Present bool
}

// Present returns a result carrying v.
func Present[V any](v V) Result[V] {
	return Result[V]{Value: v, Present: true}
}

// Absent returns a result recording that no data is available.
func Absent[V any]() Result[V] {
	return Result[V]{}
}

// Ptr returns a pointer to the value, or nil when the result is absent.
func (r Result[V]) Ptr() *V {
	if !r.Present {
		return nil
	}
	v := r.Value
	return &v
}

// slot is a key's entry in the store. A slot exists before its key resolves
// when somebody is waiting on it or has abandoned it.
type slot[V any] struct {
	done      chan struct{}
	result    Result[V]
	resolved  bool
	abandoned bool
}

// ResultStore maps keys to lookup results. A key moves through three states:
// unresolved (no slot, or a slot with resolved unset), resolved (present or
// absent), and consumed (slot removed). Each resolved key is consumed by
// exactly one Remove.
type ResultStore[V any] struct {
	mu    sync.Mutex
	slots map[Key]*slot[V]
}

// NewResultStore creates an empty store.
func NewResultStore[V any]() *ResultStore[V] {
	return &ResultStore[V]{
		slots: make(map[Key]*slot[V]),
	}
}

// slotLocked returns key's slot, creating it if needed. mu must be held.
func (s *ResultStore[V]) slotLocked(key Key) *slot[V] {
	sl, ok := s.slots[key]
	if !ok {
		sl = &slot[V]{done: make(chan struct{})}
		s.slots[key] = sl
	}
	return sl
}

// Store resolves key. Resolving an already resolved key is a no-op, and a
// result for an abandoned key is discarded.
func (s *ResultStore[V]) Store(key Key, result Result[V]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.slotLocked(key)
	if sl.resolved {
		return
	}
	sl.result = result
	sl.resolved = true
	close(sl.done)
	if sl.abandoned {
		delete(s.slots, key)
	}
}

// Has reports whether key is resolved and not yet removed.
func (s *ResultStore[V]) Has(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[key]
	return ok && sl.resolved
}

// Remove consumes key's result. It returns false if key is unresolved or has
// already been removed; an unresolved key keeps its slot.
func (s *ResultStore[V]) Remove(key Key) (Result[V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[key]
	if !ok || !sl.resolved {
		return Result[V]{}, false
	}
	delete(s.slots, key)
	return sl.result, true
}

// Done returns a channel that is closed once key resolves. For a key that is
// already resolved the channel is closed on return.
func (s *ResultStore[V]) Done(key Key) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.slotLocked(key).done
}

// Abandon gives up on key. A resolved result is dropped right away; an
// unresolved key is dropped as soon as its result is stored.
func (s *ResultStore[V]) Abandon(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.slotLocked(key)
	if sl.resolved {
		delete(s.slots, key)
		return
	}
	sl.abandoned = true
}

// Len returns the number of slots, resolved or not.
func (s *ResultStore[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.slots)
}
